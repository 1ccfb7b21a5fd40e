// Package zue provides a mechanism to create or wrap errors with a Kind that
// classifies them according to how the aggregation engine reacts to them:
// configuration mistakes, recoverable resource exhaustion, fatal I/O
// failures, non-fatal overflow, and rejection by an output callback.
package zue

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
)

// A Kind represents a class of error.
type Kind int

const (
	Other Kind = iota
	Invalid
	Exhausted
	IO
	Overflow
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Invalid:
		return "invalid configuration or operation"
	case Exhausted:
		return "resources exhausted"
	case IO:
		return "temporary file I/O error"
	case Overflow:
		return "aggregate overflow"
	case Rejected:
		return "output rejected"
	}
	return "unknown error kind"
}

type Error struct {
	Kind Kind
	Err  error
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

func (e *Error) Error() string {
	b := &bytes.Buffer{}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns just the Err.Error() string, if present, or the Kind
// string description.
func (e *Error) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Kind != Other {
		return e.Kind.String()
	}
	return "no error"
}

// Function E generates an error from any mix of:
// - a Kind
// - an existing error
// - a string and optional formatting verbs, like fmt.Errorf (including support
//	for the `%w` verb).
//
// The string & format verbs must be last in the arguments, if present.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args to zue.E")
	}
	e := &Error{}
	for i, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case error:
			e.Err = arg
		case string:
			e.Err = fmt.Errorf(arg, args[i+1:]...)
			return e
		default:
			_, file, line, _ := runtime.Caller(1)
			return fmt.Errorf("unknown type %T value %v in zue.E call at %v:%v", arg, arg, file, line)
		}
	}
	return e
}

// IsKind reports whether any error in err's chain is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Err
	}
	return false
}

func IsInvalid(err error) bool {
	return IsKind(err, Invalid)
}

func IsExhausted(err error) bool {
	return IsKind(err, Exhausted)
}

func ErrInvalid(format string, args ...interface{}) error {
	return &Error{Kind: Invalid, Err: fmt.Errorf(format, args...)}
}

func ErrIO(err error) error {
	return &Error{Kind: IO, Err: err}
}
