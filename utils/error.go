package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorNotRetryable marks failures that must not be rescheduled
// (malformed input, unsupported file types). Wrap with fmt.Errorf("...: %w", ...).
var ErrorNotRetryable = errors.New("not retryable")
