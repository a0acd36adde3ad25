package vm

import (
	"errors"
	"fmt"

	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
)

// ErrorKind classifies a failed run.
type ErrorKind uint8

const (
	KindRuntime ErrorKind = iota
	KindOutOfMemory
	KindStackUnderflow
	KindStackOverflow
	KindFrameOverflow
	KindType
	KindBounds
	KindKey
	KindUndefined
	KindUnwrap
	KindBytecode
	KindHost
)

var kindNames = map[ErrorKind]string{
	KindRuntime:        "runtime error",
	KindOutOfMemory:    "out of memory",
	KindStackUnderflow: "stack underflow",
	KindStackOverflow:  "stack overflow",
	KindFrameOverflow:  "frame overflow",
	KindType:           "type error",
	KindBounds:         "out of bounds",
	KindKey:            "key not found",
	KindUndefined:      "undefined variable",
	KindUnwrap:         "unwrap failed",
	KindBytecode:       "invalid bytecode",
	KindHost:           "host error",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown error"
}

// Error is the error a VM stops with. It carries the source line of the
// failing instruction.
type Error struct {
	Kind    ErrorKind
	Line    uint32
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrNoProcess is returned by a Runtime for an unknown pid.
	ErrNoProcess = errors.New("no such process")

	// ErrNoRuntime means an actor opcode ran on a VM without a Runtime.
	ErrNoRuntime = errors.New("no runtime attached")

	// ErrNoHost means a built-in ran on a VM without a Host.
	ErrNoHost = errors.New("no host attached")

	// ErrNotLoaded is reported by Run before Load or Invoke.
	ErrNotLoaded = errors.New("no program loaded")
)

// AsError returns err as a VM error, classifying errors from the value
// and nanbox packages by kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kindOf(err), Message: err.Error(), Err: err}
}

// kindOf maps value package errors onto error kinds.
func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, value.ErrOutOfMemory):
		return KindOutOfMemory
	case errors.Is(err, value.ErrOutOfBounds), errors.Is(err, value.ErrOverflow):
		return KindBounds
	case errors.Is(err, value.ErrKeyNotFound):
		return KindKey
	case errors.Is(err, value.ErrType):
		return KindType
	case errors.Is(err, nanbox.ErrHandleSpace):
		return KindOutOfMemory
	}
	return KindRuntime
}
