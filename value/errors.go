package value

import (
	"errors"
	"fmt"
)

// Operation errors. Callers classify with errors.Is.
var (
	ErrType           = errors.New("type error")
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", ErrType)
	ErrOutOfBounds    = errors.New("index out of bounds")
	ErrKeyNotFound    = errors.New("key not found")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrOverflow       = errors.New("length overflow")
)

func typeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrType}, args...)...)
}
