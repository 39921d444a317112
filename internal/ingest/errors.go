package ingest

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

// ErrPrecondition marks malformed input that must not be retried. It is the
// same value as window.ErrPrecondition so either can be matched.
var ErrPrecondition = window.ErrPrecondition

// Sentinel errors matched by ExhaustedError.
var (
	ErrFetchExhausted = errors.New("fetch retries exhausted")
	ErrStoreExhausted = errors.New("store retries exhausted")
)

// Kind names the operation a worker gave up on.
type Kind string

const (
	KindFetch Kind = "fetch"
	KindStore Kind = "store"
)

// ExhaustedError is returned when a worker spends its whole retry budget.
type ExhaustedError struct {
	Kind     Kind
	Window   window.Window
	Key      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	target := e.Window.String()
	if e.Kind == KindStore && e.Key != "" {
		target = e.Key
	}
	return fmt.Sprintf("%s %s exhausted after %d attempts: %v", e.Kind, target, e.Attempts, e.Err)
}

// Is matches ErrFetchExhausted or ErrStoreExhausted according to Kind.
func (e *ExhaustedError) Is(target error) bool {
	switch target {
	case ErrFetchExhausted:
		return e.Kind == KindFetch
	case ErrStoreExhausted:
		return e.Kind == KindStore
	}
	return false
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// RoundError reports a round that could not be completed. Cursor is the last
// durably stored sequence ID, so a new run can start at Cursor+1.
type RoundError struct {
	Cursor window.SequenceID
	From   window.SequenceID
	To     window.SequenceID
	Err    error
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("round [%d-%d] failed (cursor %d, resume from %d): %v",
		e.From, e.To, e.Cursor, e.Cursor+1, e.Err)
}

func (e *RoundError) Unwrap() error {
	return e.Err
}

// ResumeFrom returns the first sequence ID a re-invocation should request.
func (e *RoundError) ResumeFrom() window.SequenceID {
	return e.Cursor + 1
}

// IsFatal reports whether err ended the job because a worker exhausted its
// retries.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFetchExhausted) || errors.Is(err, ErrStoreExhausted)
}

// IsPrecondition reports whether err is a non-retryable input error.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}
