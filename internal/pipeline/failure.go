package pipeline

import (
	"context"
	"errors"

	"distillo/internal/agent"
	"distillo/internal/extract"
	"distillo/internal/llm"
	"distillo/internal/lockmgr"
	"distillo/internal/store"
)

// Failure types outside the extraction taxonomy, which passes through
// unchanged.
const (
	FailValidation   = "validation"
	FailLockHeld     = "lock_held"
	FailSkipCached   = "skip_cached"
	FailLLMExhausted = "llm_exhausted"
	FailLLMBadOutput = "llm_invalid_output"
	FailStorage      = "storage_error"
	FailCancelled    = "cancelled"
	FailCircuitOpen  = "circuit_open"
	FailInternal     = "internal"
)

// Failure is the classified terminal error of one submission. Type values
// land in requests.error_type and the batch error histogram.
type Failure struct {
	Type      string
	Message   string
	Retryable bool
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Type
	}
	return f.Type + ": " + f.Message
}

// Classify maps any pipeline error onto the failure taxonomy.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var ee *extract.Error
	if errors.As(err, &ee) {
		return &Failure{Type: ee.Type, Message: ee.Message, Retryable: ee.Retryable()}
	}
	switch {
	case errors.Is(err, lockmgr.ErrHeld):
		return &Failure{Type: FailLockHeld, Message: "already being processed", Retryable: true}
	case errors.Is(err, agent.ErrFeedbackIneffective):
		return &Failure{Type: FailLLMBadOutput, Message: err.Error()}
	case errors.Is(err, llm.ErrExhausted):
		return &Failure{Type: FailLLMExhausted, Message: err.Error(), Retryable: true}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return &Failure{Type: FailCancelled, Message: err.Error(), Retryable: true}
	case errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound):
		return &Failure{Type: FailStorage, Message: err.Error()}
	}
	return &Failure{Type: FailInternal, Message: err.Error()}
}

func validationFailure(msg string) *Failure {
	return &Failure{Type: FailValidation, Message: msg}
}
