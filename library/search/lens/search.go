// Package lens searches the generic web for an image the way Google Lens
// does, going through hosted search APIs. SerpApi is the primary backend and
// Zenserp the backup; the engine fails over in order, the same way requests
// rotate across search engines elsewhere in this project.
package lens

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	appLog "github.com/Laisky/img-searcher/library/log"
	"github.com/Laisky/img-searcher/library/search"
	"github.com/Laisky/img-searcher/library/search/hosting"
)

const (
	engineName     = "googlelens"
	requestTimeout = 60 * time.Second

	// One extra attempt per backend on connection failures.
	maxConnectAttempts = 2
	connectRetryDelay  = time.Second
)

// backend is one hosted Lens-style API.
type backend interface {
	name() string
	search(ctx context.Context, imageURL string, opts search.Options) (*search.Result, error)
}

// Option configures the Engine.
type Option func(*Engine)

// WithBackends replaces the backend chain, primarily for testing.
func WithBackends(backends ...backend) Option {
	return func(e *Engine) {
		if len(backends) > 0 {
			e.backends = backends
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine implements search.Engine for Lens-style web search.
type Engine struct {
	backends []backend
	uploader hosting.Uploader
	logger   logSDK.Logger
}

// New builds the Lens engine. Backends without a key are dropped from the
// chain; an empty chain still constructs and reports at search time.
func New(uploader hosting.Uploader, serpAPIKey, zenserpKey string, opts ...Option) *Engine {
	engine := &Engine{
		uploader: uploader,
		logger:   appLog.Logger.Named(engineName),
	}

	if serp := newSerpAPI(serpAPIKey); serp != nil {
		engine.backends = append(engine.backends, serp)
	}
	if zen := newZenserp(zenserpKey); zen != nil {
		engine.backends = append(engine.backends, zen)
	}

	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Name implements search.Engine.
func (e *Engine) Name() string {
	return engineName
}

// Search hosts raw bytes when needed, then walks the backend chain until one
// returns a usable result. Each backend retries once on connection failures
// before the chain moves on; the last backend's error is the one reported.
func (e *Engine) Search(ctx context.Context, req *search.Request) (*search.Result, error) {
	if len(e.backends) == 0 {
		return nil, search.NewProviderError(engineName, search.KindConfig,
			errors.New("no lens backends configured"))
	}

	imageURL := req.URL
	if imageURL == "" {
		hosted, err := e.uploader.Upload(ctx, req.File)
		if err != nil {
			return nil, errors.Wrap(err, "host image for lens search")
		}
		imageURL = hosted
	}

	var lastErr error
	for _, b := range e.backends {
		result, err := e.searchBackend(ctx, b, imageURL, req.Opts)
		if err != nil {
			e.logger.Warn("lens backend failed",
				zap.String("backend", b.name()), zap.Error(err))
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, errors.Wrap(lastErr, "all lens backends failed")
}

func (e *Engine) searchBackend(ctx context.Context, b backend,
	imageURL string, opts search.Options) (*search.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		result, err := b.search(ctx, imageURL, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var provErr *search.ProviderError
		if !errors.As(err, &provErr) || provErr.Kind != search.KindNetwork {
			break
		}
		if attempt == maxConnectAttempts {
			break
		}

		e.logger.Debug("retrying backend after connection failure",
			zap.String("backend", b.name()), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "lens search canceled")
		case <-time.After(connectRetryDelay):
		}
	}
	return nil, lastErr
}
