// Package copyseeker searches the Copyseeker reverse-image API through
// RapidAPI. The provider is strictly keyed: without a key, or when the API
// rejects the call, the engine degrades to an empty result instead of
// failing the search.
package copyseeker

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	appLog "github.com/Laisky/img-searcher/library/log"
	"github.com/Laisky/img-searcher/library/search"
	"github.com/Laisky/img-searcher/library/search/hosting"
)

const (
	engineName      = "copyseeker"
	defaultEndpoint = "https://copyseeker.p.rapidapi.com/"
	defaultAPIHost  = "copyseeker.p.rapidapi.com"
	requestTimeout  = 60 * time.Second
)

// Option configures the Engine.
type Option func(*Engine)

// WithEndpoint overrides the API endpoint, primarily for testing.
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) {
		trimmed := strings.TrimSpace(endpoint)
		if trimmed != "" {
			e.endpoint = trimmed
			if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
				e.apiHost = parsed.Host
			}
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

// WithDumper attaches a debug dumper for raw payloads.
func WithDumper(dumper *search.Dumper) Option {
	return func(e *Engine) {
		e.dumper = dumper
	}
}

// Engine implements search.Engine for Copyseeker.
type Engine struct {
	endpoint string
	apiHost  string
	apiKey   string
	client   *http.Client
	uploader hosting.Uploader
	dumper   *search.Dumper
	logger   logSDK.Logger
}

// New builds the Copyseeker engine. The uploader turns raw bytes into a URL
// the API can fetch; apiKey may be empty, in which case every search yields
// an empty result.
func New(client *http.Client, uploader hosting.Uploader, apiKey string, opts ...Option) *Engine {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}

	engine := &Engine{
		endpoint: defaultEndpoint,
		apiHost:  defaultAPIHost,
		apiKey:   strings.TrimSpace(apiKey),
		client:   client,
		uploader: uploader,
		logger:   appLog.Logger.Named(engineName),
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

// Search queries the API with the image URL, hosting raw bytes first. A
// missing key or a non-200 from the API produces an empty result with a
// diagnostic note; only transport failures surface as errors.
func (e *Engine) Search(ctx context.Context, req *search.Request) (*search.Result, error) {
	if e.apiKey == "" {
		e.logger.Debug("no api key configured, skipping search")
		return &search.Result{Engine: engineName, Note: "no api key configured"}, nil
	}

	imageURL := req.URL
	if imageURL == "" {
		hosted, err := e.uploader.Upload(ctx, req.File)
		if err != nil {
			return nil, errors.Wrap(err, "host image for copyseeker")
		}
		imageURL = hosted
	}

	params := url.Values{}
	params.Set("imageUrl", imageURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create api request to %q", e.endpoint)
	}
	httpReq.Header.Set("x-rapidapi-key", e.apiKey)
	httpReq.Header.Set("x-rapidapi-host", e.apiHost)
	httpReq.Header.Set("Accept", "application/json")

	startAt := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, search.NewProviderError(engineName, search.KindNetwork,
			errors.Wrap(err, "send api request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read api response")
	}

	truncated, wasTruncated := search.TruncateForLog(body, 4096)
	e.logger.Debug("incoming http response",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncated),
		zap.Bool("body_truncated", wasTruncated),
		zap.Duration("cost", time.Since(startAt)),
	)

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("api rejected search", zap.Int("status", resp.StatusCode))
		return &search.Result{
			Engine: engineName,
			Note:   "api rejected search with status " + resp.Status,
		}, nil
	}

	e.dumper.Dump(engineName, "json", body)
	return Parse(search.ReadRaw(resp, body)), nil
}
