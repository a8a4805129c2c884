package daemon

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy rejects a command, load or save while the same kind of call
	// is still outstanding. Nothing was invoked remotely.
	ErrBusy = errors.New("operation already in progress")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("controller closed")
	// ErrRead and ErrWrite classify startup-flags failures.
	ErrRead  = errors.New("read startup flags")
	ErrWrite = errors.New("write startup flags")
)

// QueryError is a failed status query. Background callers swallow it and
// keep the previous status.
type QueryError struct {
	Service string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query status of %s: %v", e.Service, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ActionError is a failed operator action (start, stop, restart, stream
// start, flags load/save). It is always surfaced to the caller.
type ActionError struct {
	Service string
	Action  string
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Service, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// IsQueryError reports whether err is (or wraps) a *QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

// IsActionError reports whether err is (or wraps) an *ActionError.
func IsActionError(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae)
}
