package storage

import (
	"context"
	"errors"
	"strings"
)

// Failure kinds. Every error returned by this package wraps one of them.
var (
	ErrConnectionFailed  = errors.New("storage: connection failed")
	ErrQueryFailed       = errors.New("storage: query failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrInvalidData       = errors.New("storage: invalid data")
	ErrWriterClosed      = errors.New("storage: writer closed")
)

// OpError names the operation and table behind a failure. Both Kind and
// the underlying cause are visible to errors.Is.
type OpError struct {
	Op    string
	Table string
	Kind  error
	Err   error
}

func opError(op, table string, kind, err error) error {
	return &OpError{Op: op, Table: table, Kind: kind, Err: err}
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("storage.")
	b.WriteString(e.Op)
	if e.Table != "" {
		b.WriteString("(" + e.Table + ")")
	}
	for _, part := range e.Unwrap() {
		b.WriteString(": ")
		b.WriteString(strings.TrimPrefix(part.Error(), "storage: "))
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether repeating the operation could succeed. Bad
// rows, closed writers and cancelled contexts never will.
func Retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrInvalidData),
		errors.Is(err, ErrWriterClosed),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
