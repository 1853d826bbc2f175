package jobs

import (
	"errors"
	"fmt"
)

type ErrorClass string

const (
	ClassTimeout      ErrorClass = "timeout"
	ClassTransient    ErrorClass = "transient"
	ClassContentShape ErrorClass = "content_shape"
	ClassPermanent    ErrorClass = "permanent"
	ClassUnknown      ErrorClass = "unknown"
)

func (c ErrorClass) Valid() bool {
	switch c {
	case ClassTimeout, ClassTransient, ClassContentShape, ClassPermanent, ClassUnknown:
		return true
	}
	return false
}

// ClassifiedError pins an error to a class at the point where the class is known for certain
// (HTTP status, missing configuration, validation), so later heuristics do not have to guess.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e == nil || e.Err == nil {
		return string(ClassUnknown)
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func Classified(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// Permanent marks a configuration style failure that must never be retried.
func Permanent(format string, args ...interface{}) error {
	return &ClassifiedError{Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the class pinned anywhere in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Class.Valid() {
		return ce.Class, true
	}
	return "", false
}
