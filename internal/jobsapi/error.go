package jobsapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a structured response indicating a non-2xx answer from the jobs
// API.
type Error struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jobs api: status=%d: %s", e.Status, e.Detail)
}

// IsNotFound reports whether err is a 404 from the jobs API.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 or 403 from the jobs API.
func IsUnauthorized(err error) bool {
	s := statusOf(err)
	return s == http.StatusUnauthorized || s == http.StatusForbidden
}

func statusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
