/*
Package ql – errors.
*/
package ql

import "fmt"

// Error reports a malformed expression, parameter or update. Callers treat it
// as a bad request.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func errorf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}
