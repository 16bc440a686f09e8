package engine

import (
	"errors"
	"fmt"
)

// Code classifies engine errors.
type Code string

const (
	CodeTimeLimit     Code = "TIME_LIMIT"
	CodeCompile       Code = "COMPILE"
	CodeNoSuchLibrary Code = "NO_SUCH_LIBRARY"
	CodeLibraryExists Code = "LIBRARY_EXISTS"
	CodeAccessDenied  Code = "ACCESS_DENIED"
	CodeUncommitted   Code = "UNCOMMITTED"
	CodeBadIndexing   Code = "BAD_INDEXING"
	CodeIO            Code = "IO"
	CodeDynamic       Code = "DYNAMIC"
	CodeClosed        Code = "CLOSED"
)

// Error is an error reported by an engine.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
