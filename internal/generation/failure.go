package generation

import (
	"fmt"
	"time"

	"basegraph.app/parley/internal/model"
)

type FailureKind string

const (
	FailureLLM           FailureKind = "llm_failure"
	FailureEmptyResponse FailureKind = "empty_response"
)

// ProviderFailure is returned by Generate when no provider produced a usable
// reply. Callers persist it on the user message instead of inventing a reply.
type ProviderFailure struct {
	Kind     FailureKind
	Cause    string
	Attempts int
	At       time.Time
	Err      error
}

func (f *ProviderFailure) Error() string {
	return fmt.Sprintf("provider failure (%s) after %d attempts: %s", f.Kind, f.Attempts, f.Cause)
}

func (f *ProviderFailure) Unwrap() error {
	return f.Err
}

// Marker is the error marker stored on the originating message.
func (f *ProviderFailure) Marker() model.MessageError {
	return model.MessageError{
		Kind:     string(f.Kind),
		Cause:    f.Cause,
		Attempts: f.Attempts,
		At:       f.At,
	}
}
