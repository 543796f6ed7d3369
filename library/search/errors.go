package search

import (
	"fmt"

	"github.com/Laisky/errors/v2"
)

var (
	// ErrNoInput is returned by Dispatch when neither image bytes nor an
	// image URL were supplied. It is raised before any network call.
	ErrNoInput = errors.New("neither image bytes nor image url supplied")
	// ErrUnknownEngine is returned by Dispatch for unregistered engine ids.
	ErrUnknownEngine = errors.New("unknown search engine")
	// ErrThrottled is returned by Dispatch when the rate limiter rejects
	// the engine, also before any network call.
	ErrThrottled = errors.New("search rate limit exceeded")
)

// ErrorKind classifies why a provider request failed.
type ErrorKind string

const (
	// KindNetwork covers connection-level failures after local retries.
	KindNetwork ErrorKind = "network"
	// KindStatus covers unexpected HTTP status codes.
	KindStatus ErrorKind = "status"
	// KindBlocked covers anti-bot rejections.
	KindBlocked ErrorKind = "blocked"
	// KindConfig covers missing credentials for providers with no fallback.
	KindConfig ErrorKind = "config"
)

// ProviderError is the terminal failure of one provider adapter, surfaced to
// the caller after the adapter exhausted its bounded retry policy.
type ProviderError struct {
	Engine string
	Kind   ErrorKind
	Err    error
}

// NewProviderError wraps err as a ProviderError for the named engine.
func NewProviderError(engine string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Engine: engine, Kind: kind, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider %s error: %v", e.Engine, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
