package queue

import "errors"

var (
	// ErrJobNotFound is returned when a job id is unknown to the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateID is returned when appending a job whose id already exists.
	ErrDuplicateID = errors.New("job id already exists")

	// ErrInvalidTransition is returned for state moves the FSM does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCorruptState is returned when the persisted snapshot cannot be
	// parsed or carries an unknown schema version. Fatal at startup.
	ErrCorruptState = errors.New("corrupt queue state")

	// ErrJobTimeout marks a job that did not report completion before its
	// deadline. Transient by default.
	ErrJobTimeout = errors.New("job deadline exceeded")

	// ErrAttemptsExhausted is returned when a manual retry is requested for
	// a job that already used all of its attempts.
	ErrAttemptsExhausted = errors.New("max attempts exhausted")
)

// TransientError wraps a runner failure that is expected to go away on a
// later attempt (network hiccup, rate limit, busy dependency).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError wraps a runner failure that no amount of retrying can fix
// (malformed payload, unsupported input). Never retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
