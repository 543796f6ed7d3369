// Package ascii2d searches ascii2d.net, which matches images by colour hash
// or by feature (BOVW) hash. The site only accepts URL input and sits behind
// bot detection, so the adapter hosts raw bytes first and talks to the site
// through an isolated browser-like client.
package ascii2d

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
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
	engineName     = "ascii2d"
	defaultBaseURL = "https://ascii2d.net"
	requestTimeout = 60 * time.Second

	// maxSearchAttempts bounds retries of the URI POST on 502/503/504.
	maxSearchAttempts = 3
	defaultBackoff    = 2 * time.Second

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var csrfTokenRe = regexp.MustCompile(`name="csrf-token" content="([^"]+)"`)

// Option configures the Engine.
type Option func(*Engine)

// WithBaseURL overrides the ascii2d endpoint, primarily for testing.
func WithBaseURL(baseURL string) Option {
	return func(e *Engine) {
		trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
		if trimmed != "" {
			e.baseURL = trimmed
		}
	}
}

// WithBackoff overrides the fixed retry backoff, primarily for testing.
func WithBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.backoff = d
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

// WithDumper attaches a debug dumper for raw result pages.
func WithDumper(dumper *search.Dumper) Option {
	return func(e *Engine) {
		e.dumper = dumper
	}
}

// Engine implements search.Engine for ascii2d.net.
type Engine struct {
	baseURL  string
	client   *http.Client
	noFollow *http.Client
	uploader hosting.Uploader
	dumper   *search.Dumper
	backoff  time.Duration
	logger   logSDK.Logger
}

// New builds the ascii2d engine. The adapter deliberately does not share the
// process HTTP client: the site keys its bot checks on cookie state, so the
// engine keeps its own jar.
func New(uploader hosting.Uploader, opts ...Option) *Engine {
	jar, _ := cookiejar.New(nil)
	transport := http.DefaultTransport
	client := &http.Client{
		Timeout:   requestTimeout,
		Jar:       jar,
		Transport: transport,
	}
	noFollow := &http.Client{
		Timeout:   requestTimeout,
		Jar:       jar,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	engine := &Engine{
		baseURL:  defaultBaseURL,
		client:   client,
		noFollow: noFollow,
		uploader: uploader,
		backoff:  defaultBackoff,
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

// Search hosts the image when given bytes, harvests the CSRF token from the
// home page, posts the hosted URL to the search endpoint with bounded
// retries, follows the redirect to the colour-hash results, and re-fetches
// the BOVW variant when feature matching was requested.
func (e *Engine) Search(ctx context.Context, req *search.Request) (*search.Result, error) {
	imageURL := req.URL
	if imageURL == "" {
		hosted, err := e.uploader.Upload(ctx, req.File)
		if err != nil {
			return nil, errors.Wrap(err, "host image for ascii2d")
		}
		imageURL = hosted
	}

	token, err := e.fetchToken(ctx)
	if err != nil {
		return nil, err
	}

	resultURL, err := e.postURI(ctx, imageURL, token)
	if err != nil {
		return nil, err
	}

	if req.Opts.Bovw && strings.Contains(resultURL, "/search/color/") {
		resultURL = strings.Replace(resultURL, "/search/color/", "/search/bovw/", 1)
		e.logger.Debug("switching to bovw results", zap.String("url", resultURL))
	}

	raw, err := e.fetchResults(ctx, resultURL)
	if err != nil {
		return nil, err
	}

	e.dumper.Dump(engineName, "html", raw.Body)
	return Parse(raw), nil
}

// fetchToken probes the home page and extracts the csrf-token meta tag.
// A missing token is tolerated; a 403 means the bot check rejected us.
func (e *Engine) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/", nil)
	if err != nil {
		return "", errors.Wrap(err, "create probe request")
	}
	e.decorate(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", search.NewProviderError(engineName, search.KindNetwork,
			errors.Wrap(err, "probe home page"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", search.NewProviderError(engineName, search.KindBlocked,
			errors.New("home page probe returned 403"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read probe response")
	}

	if match := csrfTokenRe.FindSubmatch(body); match != nil {
		return string(match[1]), nil
	}

	e.logger.Debug("no csrf token on home page", zap.Int("status", resp.StatusCode))
	return "", nil
}

// postURI submits the image URL and returns the URL of the results page.
// Transient gateway statuses are retried with a fixed backoff.
func (e *Engine) postURI(ctx context.Context, imageURL, token string) (string, error) {
	form := url.Values{}
	form.Set("utf8", "✓")
	form.Set("uri", imageURL)
	if token != "" {
		form.Set("authenticity_token", token)
	}

	var resp *http.Response
	var lastErr error
	for attempt := 1; attempt <= maxSearchAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			e.baseURL+"/search/uri", strings.NewReader(form.Encode()))
		if err != nil {
			return "", errors.Wrap(err, "create uri search request")
		}
		e.decorate(req)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, lastErr = e.noFollow.Do(req) //nolint:bodyclose // closed below or by retry
		if lastErr != nil {
			e.logger.Warn("uri search attempt failed",
				zap.Int("attempt", attempt), zap.Error(lastErr))
			if attempt == maxSearchAttempts {
				return "", search.NewProviderError(engineName, search.KindNetwork,
					errors.Wrap(lastErr, "post uri search"))
			}
			e.sleep(ctx)
			continue
		}

		if resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout {
			status := resp.StatusCode
			resp.Body.Close()
			resp = nil
			lastErr = errors.Errorf("uri search returned status %d", status)
			e.logger.Warn("uri search got gateway error",
				zap.Int("attempt", attempt), zap.Int("status", status))
			if attempt == maxSearchAttempts {
				break
			}
			e.sleep(ctx)
			continue
		}

		break
	}

	if resp == nil {
		return "", search.NewProviderError(engineName, search.KindStatus,
			errors.Wrap(lastErr, "uri search exhausted retries"))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		location := resp.Header.Get("Location")
		if location == "" {
			return "", search.NewProviderError(engineName, search.KindStatus,
				errors.New("redirect without location header"))
		}
		if !strings.HasPrefix(location, "http") {
			location = e.baseURL + location
		}
		return location, nil
	case resp.StatusCode == http.StatusOK:
		if resp.Request != nil && resp.Request.URL != nil {
			return resp.Request.URL.String(), nil
		}
		return e.baseURL + "/search/uri", nil
	default:
		return "", search.NewProviderError(engineName, search.KindStatus,
			errors.Errorf("uri search returned status %d", resp.StatusCode))
	}
}

func (e *Engine) fetchResults(ctx context.Context, resultURL string) (*search.RawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create results request to %q", resultURL)
	}
	e.decorate(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, search.NewProviderError(engineName, search.KindNetwork,
			errors.Wrap(err, "fetch results page"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read results page")
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := search.TruncateForLog(body, 200)
		return nil, search.NewProviderError(engineName, search.KindStatus,
			errors.Errorf("results page returned status %d: %s", resp.StatusCode, snippet))
	}

	return search.ReadRaw(resp, body), nil
}

func (e *Engine) decorate(req *http.Request) {
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Origin", e.baseURL)
	req.Header.Set("Referer", e.baseURL+"/")
}

func (e *Engine) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(e.backoff):
	}
}
