// Package yandex searches Yandex Images by URL. The .com frontend is
// unreliable from some networks, so the engine can fail over to yandex.ru
// once; when both regions fail the .com error is the one reported.
package yandex

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
	engineName        = "yandex"
	defaultBaseURL    = "https://yandex.com"
	defaultFailoverTo = "https://yandex.ru"
	requestTimeout    = 60 * time.Second

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Option configures the Engine.
type Option func(*Engine)

// WithBaseURLs overrides the primary and failover hosts, primarily for
// testing.
func WithBaseURLs(primary, failover string) Option {
	return func(e *Engine) {
		if trimmed := strings.TrimRight(strings.TrimSpace(primary), "/"); trimmed != "" {
			e.baseURL = trimmed
		}
		if trimmed := strings.TrimRight(strings.TrimSpace(failover), "/"); trimmed != "" {
			e.failoverURL = trimmed
		}
	}
}

// WithRegionFailover toggles the one-shot retry against the .ru host.
func WithRegionFailover(enabled bool) Option {
	return func(e *Engine) {
		e.regionFailover = enabled
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

// WithDumper attaches a debug dumper for raw result pages.
func WithDumper(dumper *search.Dumper) Option {
	return func(e *Engine) {
		e.dumper = dumper
	}
}

// Engine implements search.Engine for Yandex Images.
type Engine struct {
	baseURL        string
	failoverURL    string
	regionFailover bool
	client         *http.Client
	uploader       hosting.Uploader
	dumper         *search.Dumper
	logger         logSDK.Logger
}

// New builds the Yandex engine. The site only takes URL input, so raw bytes
// go through the uploader first.
func New(client *http.Client, uploader hosting.Uploader, opts ...Option) *Engine {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}

	engine := &Engine{
		baseURL:        defaultBaseURL,
		failoverURL:    defaultFailoverTo,
		regionFailover: true,
		client:         client,
		uploader:       uploader,
		logger:         appLog.Logger.Named(engineName),
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

// Search fetches the imageview page for the image URL. When the primary host
// fails and region failover is enabled, the failover host gets exactly one
// try; if it fails too, the primary's error is returned so that logs point
// at the canonical endpoint.
func (e *Engine) Search(ctx context.Context, req *search.Request) (*search.Result, error) {
	imageURL := req.URL
	if imageURL == "" {
		hosted, err := e.uploader.Upload(ctx, req.File)
		if err != nil {
			return nil, errors.Wrap(err, "host image for yandex")
		}
		imageURL = hosted
	}

	raw, primaryErr := e.fetch(ctx, e.baseURL, imageURL)
	if primaryErr != nil && e.regionFailover {
		e.logger.Warn("primary region failed, trying failover",
			zap.String("failover", e.failoverURL), zap.Error(primaryErr))

		var failoverErr error
		raw, failoverErr = e.fetch(ctx, e.failoverURL, imageURL)
		if failoverErr != nil {
			e.logger.Warn("failover region failed", zap.Error(failoverErr))
			return nil, primaryErr
		}
	} else if primaryErr != nil {
		return nil, primaryErr
	}

	e.dumper.Dump(engineName, "html", raw.Body)
	return Parse(raw), nil
}

func (e *Engine) fetch(ctx context.Context, host, imageURL string) (*search.RawResponse, error) {
	params := url.Values{}
	params.Set("rpt", "imageview")
	params.Set("url", imageURL)
	endpoint := host + "/images/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create imageview request to %q", host)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	startAt := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, search.NewProviderError(engineName, search.KindNetwork,
			errors.Wrapf(err, "fetch imageview from %q", host))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read imageview response")
	}

	truncated, wasTruncated := search.TruncateForLog(body, 4096)
	e.logger.Debug("incoming http response",
		zap.String("host", host),
		zap.Int("status", resp.StatusCode),
		zap.Bool("body_truncated", wasTruncated),
		zap.Int("body_size", len(truncated)),
		zap.Duration("cost", time.Since(startAt)),
	)

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, search.NewProviderError(engineName, search.KindBlocked,
			errors.Errorf("%q rejected imageview request with 403", host))
	case resp.StatusCode != http.StatusOK:
		snippet, _ := search.TruncateForLog(body, 200)
		return nil, search.NewProviderError(engineName, search.KindStatus,
			errors.Errorf("%q returned status %d: %s", host, resp.StatusCode, snippet))
	}

	return search.ReadRaw(resp, body), nil
}
