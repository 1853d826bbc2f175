// Package apierr maps service errors to the status and code an API client sees.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	default:
		return fmt.Sprintf("api error (%d)", e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Rule maps every error matching Target (errors.Is) to Status and Code.
type Rule struct {
	Target error
	Status int
	Code   string
}

// Table is an ordered rule list; the first match wins.
type Table []Rule

// Map wraps err with the first matching rule, or as a 500 internal_error. An *Error already in the chain
// is returned as is.
func (t Table) Map(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	for _, r := range t {
		if errors.Is(err, r.Target) {
			return New(r.Status, r.Code, err)
		}
	}
	return New(http.StatusInternalServerError, "internal_error", err)
}
