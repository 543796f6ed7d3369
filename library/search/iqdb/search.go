// Package iqdb searches iqdb.org, a perceptual-hash index of anime artwork
// boorus, plus its 3d.iqdb.org sibling for photographic sources.
package iqdb

import (
	"bytes"
	"context"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	// Register the formats iqdb accepts so the pre-flight dimension check
	// can read their headers.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	appLog "github.com/Laisky/img-searcher/library/log"
	"github.com/Laisky/img-searcher/library/search"
)

const (
	engineName       = "iqdb"
	defaultBaseURL   = "https://iqdb.org"
	defaultBaseURL3D = "https://3d.iqdb.org"
	requestTimeout   = 60 * time.Second

	// Upstream rejects anything bigger; failing locally saves the upload.
	maxFileSize  = 8192 * 1024
	maxDimension = 7500
)

// Option configures the Engine.
type Option func(*Engine)

// WithBaseURLs overrides the 2d/3d endpoints, primarily for testing.
func WithBaseURLs(base2d, base3d string) Option {
	return func(e *Engine) {
		if trimmed := strings.TrimRight(strings.TrimSpace(base2d), "/"); trimmed != "" {
			e.baseURL = trimmed
		}
		if trimmed := strings.TrimRight(strings.TrimSpace(base3d), "/"); trimmed != "" {
			e.baseURL3D = trimmed
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

// Engine implements search.Engine for iqdb.
type Engine struct {
	baseURL   string
	baseURL3D string
	client    *http.Client
	dumper    *search.Dumper
	logger    logSDK.Logger
}

// New builds the iqdb engine on top of the shared HTTP client.
func New(client *http.Client, opts ...Option) *Engine {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}

	engine := &Engine{
		baseURL:   defaultBaseURL,
		baseURL3D: defaultBaseURL3D,
		client:    client,
		logger:    appLog.Logger.Named(engineName),
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

// Search posts the image (or its URL) to the selected iqdb database. File
// input is validated against the upstream size and dimension limits before
// any network call; images whose header cannot be decoded skip the dimension
// check and let the provider decide.
func (e *Engine) Search(ctx context.Context, req *search.Request) (*search.Result, error) {
	if len(req.File) > 0 {
		if err := validateFile(req.File); err != nil {
			return nil, err
		}
	}

	endpoint := e.baseURL
	if req.Opts.Is3D {
		endpoint = e.baseURL3D
	}

	httpReq, err := e.buildRequest(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}

	startAt := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, search.NewProviderError(engineName, search.KindNetwork,
			errors.Wrap(err, "post iqdb search"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read iqdb response")
	}

	truncated, wasTruncated := search.TruncateForLog(body, 4096)
	e.logger.Debug("incoming http response",
		zap.Int("status", resp.StatusCode),
		zap.Bool("body_truncated", wasTruncated),
		zap.Int("body_size", len(truncated)),
		zap.Duration("cost", time.Since(startAt)),
	)

	if resp.StatusCode != http.StatusOK {
		snippet, _ := search.TruncateForLog(body, 200)
		return nil, search.NewProviderError(engineName, search.KindStatus,
			errors.Errorf("iqdb returned status %d: %s", resp.StatusCode, snippet))
	}

	e.dumper.Dump(engineName, "html", body)
	return Parse(search.ReadRaw(resp, body)), nil
}

// buildRequest prepares either a multipart upload or a form POST with the
// image URL; iqdb uses POST for both.
func (e *Engine) buildRequest(ctx context.Context, endpoint string, req *search.Request) (*http.Request, error) {
	if len(req.File) > 0 {
		var buf bytes.Buffer
		form := multipart.NewWriter(&buf)
		if req.Opts.ForceGray {
			if err := form.WriteField("forcegray", "on"); err != nil {
				return nil, errors.Wrap(err, "write forcegray field")
			}
		}
		part, err := form.CreateFormFile("file", "image.jpg")
		if err != nil {
			return nil, errors.Wrap(err, "create file part")
		}
		if _, err = part.Write(req.File); err != nil {
			return nil, errors.Wrap(err, "write file part")
		}
		if err = form.Close(); err != nil {
			return nil, errors.Wrap(err, "close multipart form")
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/", &buf)
		if err != nil {
			return nil, errors.Wrapf(err, "create iqdb request to %q", endpoint)
		}
		httpReq.Header.Set("Content-Type", form.FormDataContentType())
		return httpReq, nil
	}

	form := url.Values{}
	form.Set("url", req.URL)
	if req.Opts.ForceGray {
		form.Set("forcegray", "on")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrapf(err, "create iqdb request to %q", endpoint)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return httpReq, nil
}

// validateFile enforces the upstream limits client-side. The dimension check
// is best effort: undecodable headers are passed through untouched.
func validateFile(file []byte) error {
	if len(file) > maxFileSize {
		return errors.Errorf("iqdb limit: file size %d exceeds %d bytes", len(file), maxFileSize)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(file))
	if err != nil {
		return nil
	}
	if cfg.Width > maxDimension || cfg.Height > maxDimension {
		return errors.Errorf("iqdb limit: image dimensions %dx%d exceed %dx%d",
			cfg.Width, cfg.Height, maxDimension, maxDimension)
	}
	return nil
}
