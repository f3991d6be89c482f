package netns

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// NamespaceUnavailableError is returned by a Handle used after its namespace was released.
type NamespaceUnavailableError struct {
	Name string
}

func (e *NamespaceUnavailableError) Error() string {
	return fmt.Sprintf("namespace %s is no longer available", e.Name)
}

// CommandFailedError describes a command that exited non-zero, or could not be
// started at all (ExitCode -1).
type CommandFailedError struct {
	Node     string
	Command  string
	ExitCode int
	Err      error
}

func (e *CommandFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %q failed: %v", e.Node, e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %q exited with status %d", e.Node, e.Command, e.ExitCode)
}

func (e *CommandFailedError) Unwrap() error { return e.Err }

// ResourceExhaustionError means the host refused to create another namespace or link.
// It is never retried.
type ResourceExhaustionError struct {
	Resource string
	Err      error
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("out of resources creating %s: %v", e.Resource, e.Err)
}

func (e *ResourceExhaustionError) Unwrap() error { return e.Err }

var exhaustionErrnos = []unix.Errno{unix.ENOSPC, unix.ENOMEM, unix.EMFILE, unix.ENFILE, unix.EUSERS, unix.ENOBUFS}

// Classify turns errno values that mean "the kernel is out of something" into a
// *ResourceExhaustionError and returns any other error unchanged.
func Classify(resource string, err error) error {
	if err == nil {
		return nil
	}
	var ree *ResourceExhaustionError
	if errors.As(err, &ree) {
		return err
	}
	for _, errno := range exhaustionErrnos {
		if errors.Is(err, errno) {
			return &ResourceExhaustionError{Resource: resource, Err: err}
		}
	}
	return err
}
