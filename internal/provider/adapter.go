package provider

import (
	"errors"
	"fmt"
)

// Type identifies a provider variant. Dispatch is by tag over this closed
// set, never by runtime type inspection.
type Type string

const (
	TypeOpenAI    Type = "openai"
	TypeGroq      Type = "groq"
	TypeAnthropic Type = "anthropic" // served through the OpenAI-compatible shape
	TypeGemini    Type = "gemini"
	TypeMedia     Type = "media"    // audio/video upstreams metered in seconds
	TypeResource  Type = "resource" // generic unit-metered upstreams
)

// ErrUnparseableBody is returned when a response body cannot be interpreted
// as the provider's expected shape at all. This fails the whole request and
// is distinct from a single skipped stream frame.
var ErrUnparseableBody = errors.New("provider: response body does not match expected shape")

// Usage is the normalized billing output of an adapter. Units are tokens for
// chat models, seconds for media, and opaque units for generic resources.
type Usage struct {
	PromptUnits       int64
	CompletionUnits   int64
	TotalUnits        int64
	ProviderRequestID string
}

// Adapter knows where an upstream lives, how to authenticate against it, and
// how to recover usage from its response bodies. Implementations must be
// safe for concurrent use.
type Adapter interface {
	Type() Type
	BaseURL() string
	APIKey() string

	// ParseUsage extracts usage from a complete response body. For streamed
	// bodies the input is the fully buffered SSE stream.
	ParseUsage(body []byte, stream bool) (Usage, error)
}

// New builds the adapter for a provider type.
func New(typ Type, baseURL, apiKey string) (Adapter, error) {
	switch typ {
	case TypeOpenAI, TypeGroq, TypeAnthropic:
		return newOpenAICompatible(typ, baseURL, apiKey), nil
	case TypeGemini:
		return newGemini(baseURL, apiKey), nil
	case TypeMedia, TypeResource:
		return newMedia(typ, baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", typ)
	}
}

// Registry holds the configured adapters keyed by type.
type Registry struct {
	adapters map[Type]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Type]Adapter)}
}

// Register adds an adapter, replacing any previous adapter of the same type.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Type()] = a
}

// Get returns the adapter for a type.
func (r *Registry) Get(typ Type) (Adapter, error) {
	a, ok := r.adapters[typ]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for provider type %q", typ)
	}
	return a, nil
}
