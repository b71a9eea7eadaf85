package workflow

import (
	"errors"
	"fmt"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
)

func errUnknownJobType(t models.JobType) error {
	return fmt.Errorf("no handler registered for job type %q: %w", t, utils.ErrorNotRetryable)
}

func nonRetryable(err error) bool {
	return errors.Is(err, utils.ErrorNotRetryable)
}
