package slack

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a response the provider rejected with a machine-readable code.
type APIError struct {
	Method     string
	Code       string
	RetryAfter time.Duration // set for CodeRateLimited when the provider sent Retry-After
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// IsCode reports whether err is an *APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
