// Package faults defines the failure kinds surfaced by harness construction.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a harness failure.
type Kind int

const (
	// KindConfiguration covers missing marker files, bad ports and unsupported architectures.
	KindConfiguration Kind = iota + 1
	// KindNotFound covers a resolved server executable that does not exist.
	KindNotFound
	// KindLaunch covers OS-level failures to spawn the server.
	KindLaunch
	// KindRecord covers failures persisting the PID record.
	KindRecord
)

var (
	// ErrConfiguration matches any KindConfiguration failure.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound matches any KindNotFound failure.
	ErrNotFound = errors.New("not found")
	// ErrLaunch matches any KindLaunch failure.
	ErrLaunch = errors.New("launch error")
	// ErrRecord matches any KindRecord failure.
	ErrRecord = errors.New("pid record error")
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindLaunch:
		return "launch"
	case KindRecord:
		return "record"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindNotFound:
		return ErrNotFound
	case KindLaunch:
		return ErrLaunch
	case KindRecord:
		return ErrRecord
	default:
		return nil
	}
}

// Error is a classified harness failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error formats the failure as "<op>: <cause>".
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Op
	case e.Op == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for this failure's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

// Configuration builds a KindConfiguration failure.
func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// NotFound builds a KindNotFound failure.
func NotFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// Launch builds a KindLaunch failure.
func Launch(op string, err error) error {
	return &Error{Kind: KindLaunch, Op: op, Err: err}
}

// Record builds a KindRecord failure.
func Record(op string, err error) error {
	return &Error{Kind: KindRecord, Op: op, Err: err}
}

// KindOf returns the kind of the first classified failure in err's chain.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) && classified != nil {
		return classified.Kind, true
	}
	return 0, false
}
