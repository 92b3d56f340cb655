package remote

import (
	"errors"
	"fmt"
)

// ErrCancelled is reported by sessions stopped through Cancel.
var ErrCancelled = errors.New("remote: session cancelled")

// ConnectionError reports a failure to reach or authenticate against the host
// before any output was produced.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError reports a remote command that ran but did not succeed.
type ExecutionError struct {
	ExitStatus int
	Signal     string
	Err        error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("remote command killed by signal %s", e.Signal)
	case e.Err != nil && e.ExitStatus == 0:
		return fmt.Sprintf("remote command failed: %v", e.Err)
	default:
		return fmt.Sprintf("remote command exited with status %d", e.ExitStatus)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }
