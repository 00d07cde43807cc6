package scanning

import "errors"

// fatalError marks an error that must never be retried: misconfiguration,
// corrupt input, or model output the service would keep producing identically.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked fatal.
// Everything else is considered transient and eligible for retry.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
