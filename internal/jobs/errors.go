package jobs

import (
	"errors"
	"fmt"
)

// NoRetry marks an error as permanent. The worker fails the job immediately
// instead of rescheduling it.
//
//	return jobs.NoRetry(fmt.Errorf("series %s: %w", id, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
