// Package search routes reverse-image-search requests to provider engines
// and normalizes their heterogeneous responses into a uniform result schema.
package search

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"

	appLog "github.com/Laisky/img-searcher/library/log"
)

// Engine is one reverse-image-search provider. Implementations translate a
// generic Request into provider-specific network calls and normalize the raw
// response; they must not be invoked with an empty Request.
type Engine interface {
	// Name returns the stable engine id used for registration and prompts.
	Name() string
	// Search executes the request and returns the normalized result.
	Search(ctx context.Context, req *Request) (*Result, error)
}

// Limiter gates dispatches per engine.
type Limiter interface {
	Allow(engine string) bool
}

// RegistryOption customises a Registry during construction.
type RegistryOption func(*Registry)

// WithLogger overrides the default registry logger.
func WithLogger(logger logSDK.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLimiter attaches a rate limiter consulted before every dispatch.
func WithLimiter(limiter Limiter) RegistryOption {
	return func(r *Registry) {
		r.limiter = limiter
	}
}

// Registry maps engine ids to engines and is the single dispatch seam used
// by the conversational layer. It owns no mutable state after construction
// and is safe to share across concurrent calls.
type Registry struct {
	engines map[string]Engine
	order   []string
	limiter Limiter
	logger  logSDK.Logger
}

// NewRegistry builds a registry over the given engines, keeping their
// registration order for prompts. Nil engines are skipped; at least one
// usable engine is required.
func NewRegistry(engines []Engine, opts ...RegistryOption) (*Registry, error) {
	reg := &Registry{
		engines: make(map[string]Engine, len(engines)),
		logger:  appLog.Logger.Named("search_registry"),
	}

	for _, engine := range engines {
		if engine == nil {
			continue
		}
		name := engine.Name()
		if _, exists := reg.engines[name]; exists {
			return nil, errors.Errorf("duplicate engine %q", name)
		}
		reg.engines[name] = engine
		reg.order = append(reg.order, name)
	}

	if len(reg.engines) == 0 {
		return nil, errors.New("search registry requires at least one engine")
	}

	for _, opt := range opts {
		opt(reg)
	}

	return reg, nil
}

// Engines lists the registered engine ids in registration order.
func (r *Registry) Engines() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Has reports whether the engine id is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.engines[name]
	return ok
}

// Dispatch validates the request, routes it to the registered engine and
// returns the normalized result. Input validation happens before any network
// call: an unregistered engine fails with ErrUnknownEngine, an empty
// file/url pair with ErrNoInput, and a rate-limited engine with ErrThrottled.
func (r *Registry) Dispatch(ctx context.Context,
	engine string, file []byte, url string, opts Options,
) (*Result, error) {
	eng, ok := r.engines[engine]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEngine, "engine %q", engine)
	}

	if len(file) == 0 && url == "" {
		return nil, errors.Wrapf(ErrNoInput, "engine %q", engine)
	}

	if r.limiter != nil && !r.limiter.Allow(engine) {
		return nil, errors.Wrapf(ErrThrottled, "engine %q", engine)
	}

	reqID := uuid.NewString()
	logger := r.logger.With(
		zap.String("engine", engine),
		zap.String("request_id", reqID),
	)
	logger.Debug("dispatch search",
		zap.Int("file_size", len(file)),
		zap.String("url", url),
	)

	startAt := time.Now()
	result, err := eng.Search(ctx, &Request{
		Engine: engine,
		File:   file,
		URL:    url,
		Opts:   opts,
	})
	if err != nil {
		logger.Warn("search failed",
			zap.Duration("cost", time.Since(startAt)),
			zap.Error(err))
		return nil, errors.Wrapf(err, "search via %q", engine)
	}

	logger.Info("search succeeded",
		zap.Duration("cost", time.Since(startAt)),
		zap.Int("items", len(result.Items)),
	)
	return result, nil
}
