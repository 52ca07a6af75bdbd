package sink

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleRevision marks a write whose revision is not newer than the
	// stored one. The writer treats it as a successful no-op.
	ErrStaleRevision = errors.New("sink: stale revision")

	// ErrBreakerOpen is returned while storage calls are short-circuited.
	ErrBreakerOpen = errors.New("sink: circuit breaker is open")
)

// PermanentError wraps a storage failure that retrying can not fix, such as
// a constraint or data-type violation.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
