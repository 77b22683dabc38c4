package store

import "errors"

// Code classifies a store error so the API layer can map it to a status.
type Code int

const (
	CodeOther Code = iota
	CodeBadToken
	CodeInvalidField
	CodeStateConflict
	CodeRateLimited
	CodeInternal
)

// Error is a classified store error.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError builds a classified error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrNoBlob is returned when a blob id does not resolve.
var ErrNoBlob = errors.New("blob not found")

// CodeOf extracts the classification of err, CodeOther when unclassified.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeOther
}
