package jobs

import (
	"errors"
	"fmt"
)

// PermanentError marks a failure retrying cannot fix: a malformed
// payload, a missing referenced row, an upstream rejection. The worker
// pool fails the job outright instead of rescheduling it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent failure. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a permanent failure.
func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether any error in the chain is permanent.
// Untagged errors count as transient: retrying is the safe default.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
