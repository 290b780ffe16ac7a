package rpcpool

import (
	"context"
	"errors"
	"net"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrExhausted is returned when no endpoint can service a request right
	// now. Callers must back off instead of retrying tightly.
	ErrExhausted = errors.New("all endpoints exhausted")

	// ErrNotFound is returned when the upstream answers successfully but the
	// requested item does not exist (yet).
	ErrNotFound = errors.New("not found")
)

// TransientError wraps failures that are expected to clear on their own:
// timeouts, connection resets, 5xx responses and rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that retrying cannot fix: wrong chain id,
// structurally invalid responses and client-side request errors.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsExhausted reports whether no endpoint can service requests right now.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}

// IsTransient reports whether err should be retried with a short back-off.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether retrying err is pointless.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classify sorts an upstream error into the transient/permanent taxonomy.
// Unknown errors default to transient so that a flaky endpoint is never
// written off permanently by accident.
func classify(err error) error {
	if err == nil {
		return nil
	}

	// Pre-classified errors pass through untouched.
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		// Rate limits are transient per endpoint: sustained 429s trip that
		// endpoint's breaker, and once every breaker is open the selector
		// reports the pool exhausted. Callers never see a bare 429.
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return &TransientError{Err: err}
		}

		return &PermanentError{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}

	return &TransientError{Err: err}
}
