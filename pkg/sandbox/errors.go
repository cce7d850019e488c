package sandbox

import "errors"

var (
	// ErrIndexOutOfRange is returned when an offset falls outside the current value.
	ErrIndexOutOfRange = errors.New("string offset out of range")
	// ErrEmptyAssignment is returned when a positional write carries no character.
	ErrEmptyAssignment = errors.New("cannot assign an empty string to a string offset")
	// ErrUndefinedFunction is returned when an approved name resolves to no callable.
	ErrUndefinedFunction = errors.New("call to undefined function")
)
