package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const apiKeyByteLen = 24

// GenerateApiKey mints a new raw API key. Only the bcrypt hash is persisted;
// the raw value is shown to the operator once. The prefix ("ck_" + first 8 hex
// chars) is stored alongside the hash so lookups don't have to bcrypt-compare
// against every key in the tenant.
func GenerateApiKey() (raw string, prefix string, err error) {
	buf := make([]byte, apiKeyByteLen)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = fmt.Sprintf("ck_%s", hex.EncodeToString(buf))
	return raw, raw[:11], nil
}
