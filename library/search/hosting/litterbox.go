// Package hosting uploads image bytes to a short-lived public file host so
// providers that only accept URL input can search them. Hosted copies expire
// after the configured retention; callers must not assume persistence.
package hosting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	appLog "github.com/Laisky/img-searcher/library/log"
)

const (
	defaultEndpoint  = "https://litterbox.catbox.moe/resources/internals/api.php"
	defaultRetention = "1h"
	uploadTimeout    = 60 * time.Second
)

// Uploader turns raw image bytes into a publicly reachable URL.
type Uploader interface {
	Upload(ctx context.Context, img []byte) (string, error)
}

// UploadError reports a failed hosting attempt.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("image host rejected upload (status %d): %s", e.StatusCode, e.Body)
}

// Option configures the Litterbox client.
type Option func(*Litterbox)

// WithEndpoint overrides the upload endpoint, primarily for testing.
func WithEndpoint(endpoint string) Option {
	return func(l *Litterbox) {
		trimmed := strings.TrimSpace(endpoint)
		if trimmed != "" {
			l.endpoint = trimmed
		}
	}
}

// WithRetention selects the host-side retention window (e.g. "1h", "12h").
func WithRetention(retention string) Option {
	return func(l *Litterbox) {
		if retention != "" {
			l.retention = retention
		}
	}
}

// Litterbox uploads to litterbox.catbox.moe, which keeps files for a bounded
// retention window and answers with the public URL as plain text.
type Litterbox struct {
	client    *http.Client
	endpoint  string
	retention string
	logger    logSDK.Logger
}

// NewLitterbox builds the hosting client on top of the shared HTTP client.
func NewLitterbox(client *http.Client, opts ...Option) *Litterbox {
	if client == nil {
		client = &http.Client{Timeout: uploadTimeout}
	}

	lb := &Litterbox{
		client:    client,
		endpoint:  defaultEndpoint,
		retention: defaultRetention,
		logger:    appLog.Logger.Named("litterbox"),
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

// Upload posts img as a multipart form and returns the hosted URL. Non-2xx
// responses and bodies that are not a URL fail with an UploadError.
func (l *Litterbox) Upload(ctx context.Context, img []byte) (string, error) {
	if len(img) == 0 {
		return "", errors.New("empty image payload")
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("reqtype", "fileupload"); err != nil {
		return "", errors.Wrap(err, "write reqtype field")
	}
	if err := form.WriteField("time", l.retention); err != nil {
		return "", errors.Wrap(err, "write retention field")
	}
	part, err := form.CreateFormFile("fileToUpload", "image.jpg")
	if err != nil {
		return "", errors.Wrap(err, "create file part")
	}
	if _, err = part.Write(img); err != nil {
		return "", errors.Wrap(err, "write file part")
	}
	if err = form.Close(); err != nil {
		return "", errors.Wrap(err, "close multipart form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, &buf)
	if err != nil {
		return "", errors.Wrapf(err, "create upload request to %q", l.endpoint)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	startAt := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "send upload request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read upload response")
	}

	hosted := strings.TrimSpace(string(body))
	l.logger.Debug("image host responded",
		zap.Int("status", resp.StatusCode),
		zap.Int("size", len(img)),
		zap.Duration("cost", time.Since(startAt)),
	)

	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(hosted, "http") {
		snippet, _ := truncate(hosted, 100)
		return "", &UploadError{StatusCode: resp.StatusCode, Body: snippet}
	}

	return hosted, nil
}

func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	return s[:limit], true
}
