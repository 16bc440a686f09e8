package broker

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/pkg/errors"

	"github.com/fentz26/xqserver/internal/engine"
)

// Kind classifies request failures.
type Kind string

const (
	KindBadRequest   Kind = "BAD_REQUEST"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindTimeout      Kind = "TIMEOUT"
	KindCompile      Kind = "COMPILE_ERROR"
	KindEngine       Kind = "ENGINE_ERROR"
	KindServer       Kind = "SERVER"
)

// Sentinel errors.
var (
	ErrOffline          = errors.New("server is offline")
	ErrNoLibraryGroup   = errors.New("no library_group in configuration")
	ErrUnspecifiedLib   = errors.New("unspecified XML Library name")
	ErrAdminRequired    = errors.New("administrator role required")
	ErrActionNotFound   = errors.New("no such action")
	ErrActionTerminated = errors.New("action already terminated")
)

// Error is a classified request error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapKind classifies err as kind.
func WrapKind(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify converts any error to an *Error. Engine errors are mapped by
// code.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch engine.CodeOf(err) {
	case engine.CodeTimeLimit:
		return WrapKind(KindTimeout, err)
	case engine.CodeCompile:
		return WrapKind(KindCompile, err)
	case engine.CodeNoSuchLibrary, engine.CodeBadIndexing, engine.CodeLibraryExists:
		return WrapKind(KindBadRequest, err)
	case engine.CodeIO, engine.CodeClosed:
		return WrapKind(KindServer, err)
	case "":
		if errors.Is(err, ErrOffline) || isIOError(err) {
			return WrapKind(KindServer, err)
		}
	}
	return WrapKind(KindEngine, err)
}

// isIOError reports file system failures raised outside the engine, such
// as creating a backup directory.
func isIOError(err error) bool {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var sysErr *os.SyscallError
	return errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.As(err, &sysErr)
}

// Status maps an error to its HTTP status. running tells whether the
// engine is up; a SERVER error while offline is 503.
func Status(err error, running bool) int {
	e := Classify(err)
	switch e.Kind {
	case KindBadRequest, KindCompile:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindServer:
		if !running || errors.Is(err, ErrOffline) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	if engine.HasCode(err, engine.CodeAccessDenied) {
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
