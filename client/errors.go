package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// BuildPointer is the JSON:API source pointer the server uses when it rejects
// an upload because the build itself is unusable.
const BuildPointer = "/data/attributes/build"

// ErrorDetail is one JSON:API error object from a failed response.
type ErrorDetail struct {
	Source struct {
		Pointer string `json:"pointer"`
	} `json:"source"`
	Detail string `json:"detail"`
}

// APIError is a non-2xx response from the Percy API.
type APIError struct {
	StatusCode int
	Errors     []ErrorDetail
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("percy api: status %d", e.StatusCode)
	}
	details := make([]string, len(e.Errors))
	for i, d := range e.Errors {
		details[i] = d.Detail
	}
	return fmt.Sprintf("percy api: status %d: %s", e.StatusCode, strings.Join(details, "; "))
}

// IsBuildRejection reports whether err is a 422 response referencing the
// build, meaning the build can accept no further snapshots. The detail of the
// rejecting error is returned for display.
func IsBuildRejection(err error) (string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		return "", false
	}
	for _, d := range apiErr.Errors {
		if d.Source.Pointer == BuildPointer {
			detail := d.Detail
			if detail == "" {
				detail = apiErr.Error()
			}
			return detail, true
		}
	}
	return "", false
}
