package autosave

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/occ"
	"github.com/tonimelisma/onboard-sync/internal/stepcontract"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

const backoffFactor = 2

// ErrRetriesExhausted marks an item dropped after MaxAttempts failures.
var ErrRetriesExhausted = errors.New("autosave: retries exhausted")

// ExhaustedError reports the last failure of an item that ran out of
// attempts. It matches both ErrRetriesExhausted and the underlying cause.
type ExhaustedError struct {
	Key      Key
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("autosave: %s: giving up after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

type errClass int

const (
	classFatal errClass = iota
	classRetry
	classConflict
	// classRequeue puts the item back without counting an attempt.
	classRequeue
)

func (c errClass) String() string {
	switch c {
	case classFatal:
		return "fatal"
	case classRetry:
		return "retry"
	case classConflict:
		return "conflict"
	case classRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

func classify(err error) errClass {
	switch {
	case errors.Is(err, context.Canceled):
		return classRequeue
	case errors.Is(err, occ.ErrConflict), errors.Is(err, transport.ErrConflict):
		return classConflict
	case errors.Is(err, stepcontract.ErrValidation), errors.Is(err, stepcontract.ErrUnsupportedStep):
		return classFatal
	case transport.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return classRetry
	default:
		return classFatal
	}
}

// IsPermanent reports whether err makes the queue drop an item immediately.
func IsPermanent(err error) bool {
	return err != nil && classify(err) == classFatal
}

func retryAfter(err error) time.Duration {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}

	return 0
}

// backoff returns the wait before retry number attempt (0-based). A
// server-requested delay wins over the computed one.
func (q *Queue) backoff(attempt int, serverDelay time.Duration) time.Duration {
	if serverDelay > 0 {
		return serverDelay
	}

	backoff := float64(q.cfg.BaseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(q.cfg.MaxBackoff) {
		backoff = float64(q.cfg.MaxBackoff)
	}

	backoff += backoff * q.cfg.Jitter * q.jitterFunc()

	return time.Duration(backoff)
}

func randomJitter() float64 {
	return rand.Float64()*2 - 1 //nolint:gosec // jitter does not need crypto rand
}
