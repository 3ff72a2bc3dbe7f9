package post

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError is malformed or out-of-range user input. The caller
// recovers locally by re-prompting; no state is mutated.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrPermission rejects an unauthorized actor before any state mutation.
var ErrPermission = errors.New("not authorized")

// ErrVersionConflict is returned by the draft store when an update carries
// a stale expected version. The caller must refetch and retry or give up;
// silent overwrites are not allowed.
var ErrVersionConflict = errors.New("draft version conflict")

// ErrNotFound is returned when a draft or job does not exist.
var ErrNotFound = errors.New("not found")

// DeliveryError classifies a failed call to the delivery channel.
// Permanent failures (channel deleted, bot kicked, bad file reference)
// terminate the draft immediately; transient ones (flood wait, network,
// server-side 5xx) are retried with backoff. RetryAfter carries the
// platform-requested wait for flood errors, zero otherwise.
type DeliveryError struct {
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return kind + " delivery error: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error { return &DeliveryError{Err: err} }

// Permanent wraps err as a terminal delivery failure.
func Permanent(err error) error { return &DeliveryError{Permanent: true, Err: err} }

// IsPermanentDelivery reports whether err is a terminal delivery failure.
// Unclassified errors count as transient so they get the retry path.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// RetryAfter extracts the platform-requested retry delay, if any.
func RetryAfter(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// PersistenceError marks storage being unavailable mid-operation. The
// draft stays at its last durably committed state; the operation is
// reported failed to the caller, never partially applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence: " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps a storage failure with the failing operation name.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
