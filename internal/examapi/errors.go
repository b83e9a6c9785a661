package examapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("exam not found")
	ErrUnauthorized = errors.New("not authorized for exam")
	ErrConflict     = errors.New("submission conflict")
	ErrInvalid      = errors.New("request rejected")
	ErrUnavailable  = errors.New("exam service unavailable")
)

// APIError is a non-2xx answer from the exam service. It unwraps to the sentinel matching
// its status so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exam service %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("exam service %d", e.Status)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return ErrUnauthorized
	case e.Status == http.StatusConflict:
		return ErrConflict
	case e.Status >= 500:
		return ErrUnavailable
	case e.Status >= 400:
		return ErrInvalid
	}
	return nil
}
