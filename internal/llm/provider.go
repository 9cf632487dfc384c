package llm

import (
	"context"
	"fmt"
)

// Provider is the capability set a concrete transport implements —
// deliberately small, composed by the Gateway registry rather than by
// inheritance.
type Provider interface {
	Name() string
	Chat(ctx context.Context, messages []Message, tools []ToolSpec, modelID string, gen GenConfig) (*ChatResponse, error)
	Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error)
	Capabilities(modelID string) (Capability, bool)
}

// ProviderError names the provider whose resolution or call failed,
// carrying a remediation hint for logs.
type ProviderError struct {
	Provider string
	Hint     string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %q: %s: %v", e.Provider, e.Hint, e.Err)
	}
	return fmt.Sprintf("provider %q: %s", e.Provider, e.Hint)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err should trigger fallback to the next
// provider in priority order, per the Transient provider/transport
// error kind. Every transport-level Chat/Embed error is treated as
// transient; a provider that wants to short-circuit fallback (e.g. a
// client-side validation error) should not be reached through this
// path at all.
func IsTransient(err error) bool {
	return err != nil
}
