// Package tracemoe searches trace.moe, which matches anime screenshots to
// the exact episode and timestamp, and enriches the hits with show metadata
// from the AniList GraphQL API.
package tracemoe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	appLog "github.com/Laisky/img-searcher/library/log"
	"github.com/Laisky/img-searcher/library/search"
)

const (
	engineName        = "tracemoe"
	defaultBaseURL    = "https://api.trace.moe"
	defaultAniListURL = "https://graphql.anilist.co"
	requestTimeout    = 60 * time.Second

	// maxEnrichIDs caps the metadata fan-out per search.
	maxEnrichIDs = 3
)

const aniListQuery = `
query ($id: Int) {
  Media (id: $id, type: ANIME) {
    id
    title {
      native
      romaji
      english
    }
    coverImage {
      large
    }
    isAdult
  }
}
`

// Option configures the Engine.
type Option func(*Engine)

// WithBaseURL overrides the trace.moe endpoint, primarily for testing.
func WithBaseURL(baseURL string) Option {
	return func(e *Engine) {
		trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
		if trimmed != "" {
			e.baseURL = trimmed
		}
	}
}

// WithAniListURL overrides the metadata endpoint, primarily for testing.
func WithAniListURL(endpoint string) Option {
	return func(e *Engine) {
		trimmed := strings.TrimSpace(endpoint)
		if trimmed != "" {
			e.aniListURL = trimmed
		}
	}
}

// WithAPIKey attaches the optional trace.moe API key.
func WithAPIKey(key string) Option {
	return func(e *Engine) {
		e.apiKey = strings.TrimSpace(key)
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

// Engine implements search.Engine for trace.moe.
type Engine struct {
	baseURL    string
	aniListURL string
	apiKey     string
	client     *http.Client
	dumper     *search.Dumper
	logger     logSDK.Logger
}

// New builds the trace.moe engine on top of the shared HTTP client.
func New(client *http.Client, opts ...Option) *Engine {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}

	engine := &Engine{
		baseURL:    defaultBaseURL,
		aniListURL: defaultAniListURL,
		client:     client,
		logger:     appLog.Logger.Named(engineName),
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

// Search posts the image (or URL) to the search endpoint, then fetches show
// metadata for up to three distinct AniList ids referenced by the results.
// Metadata queries run sequentially and each failure is non-fatal: the
// affected results are returned without enrichment.
func (e *Engine) Search(ctx context.Context, req *search.Request) (*search.Result, error) {
	raw, err := e.doSearch(ctx, req)
	if err != nil {
		return nil, err
	}
	e.dumper.Dump(engineName, "json", raw.Body)

	var payload Payload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		e.logger.Warn("unparseable search payload", zap.Error(err))
		return Parse(raw, nil), nil
	}

	meta := e.fetchMetadata(ctx, distinctAniListIDs(payload.Result))
	return parsePayload(&payload, meta), nil
}

func (e *Engine) doSearch(ctx context.Context, req *search.Request) (*search.RawResponse, error) {
	params := url.Values{}
	if e.apiKey != "" {
		params.Set("key", e.apiKey)
	}
	if req.Opts.CutBorders {
		params.Set("cutBorders", "")
	}

	var body io.Reader
	contentType := ""
	if len(req.File) > 0 {
		var buf bytes.Buffer
		form := multipart.NewWriter(&buf)
		part, err := form.CreateFormFile("image", "image.jpg")
		if err != nil {
			return nil, errors.Wrap(err, "create image part")
		}
		if _, err = part.Write(req.File); err != nil {
			return nil, errors.Wrap(err, "write image part")
		}
		if err = form.Close(); err != nil {
			return nil, errors.Wrap(err, "close multipart form")
		}
		body = &buf
		contentType = form.FormDataContentType()
	} else {
		params.Set("url", req.URL)
	}

	endpoint := e.baseURL + "/search"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, errors.Wrapf(err, "create search request to %q", endpoint)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	startAt := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, search.NewProviderError(engineName, search.KindNetwork,
			errors.Wrap(err, "post search request"))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read search response")
	}

	truncated, wasTruncated := search.TruncateForLog(respBody, 4096)
	e.logger.Debug("incoming http response",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncated),
		zap.Bool("body_truncated", wasTruncated),
		zap.Duration("cost", time.Since(startAt)),
	)

	if resp.StatusCode != http.StatusOK {
		snippet, _ := search.TruncateForLog(respBody, 200)
		return nil, search.NewProviderError(engineName, search.KindStatus,
			errors.Errorf("trace.moe returned status %d: %s", resp.StatusCode, snippet))
	}

	return search.ReadRaw(resp, respBody), nil
}

// distinctAniListIDs collects the first maxEnrichIDs distinct ids in result
// order.
func distinctAniListIDs(entries []Entry) []int64 {
	seen := make(map[int64]struct{}, maxEnrichIDs)
	var ids []int64
	for _, entry := range entries {
		if entry.AniList == 0 {
			continue
		}
		if _, ok := seen[entry.AniList]; ok {
			continue
		}
		seen[entry.AniList] = struct{}{}
		ids = append(ids, entry.AniList)
		if len(ids) >= maxEnrichIDs {
			break
		}
	}
	return ids
}

// fetchMetadata queries AniList once per id. A failed query only loses that
// id's enrichment.
func (e *Engine) fetchMetadata(ctx context.Context, ids []int64) map[int64]*Media {
	meta := make(map[int64]*Media, len(ids))
	for _, id := range ids {
		media, err := e.queryAniList(ctx, id)
		if err != nil {
			e.logger.Warn("fetch anilist metadata",
				zap.Int64("anilist_id", id), zap.Error(err))
			continue
		}
		meta[id] = media
	}
	return meta
}

func (e *Engine) queryAniList(ctx context.Context, id int64) (*Media, error) {
	reqBody, err := json.Marshal(map[string]any{
		"query":     aniListQuery,
		"variables": map[string]int64{"id": id},
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal graphql request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.aniListURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrapf(err, "create graphql request to %q", e.aniListURL)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "send graphql request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read graphql response")
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := search.TruncateForLog(body, 200)
		return nil, errors.Errorf("anilist returned status %d: %s", resp.StatusCode, snippet)
	}

	var payload struct {
		Data struct {
			Media *Media `json:"Media"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal graphql response")
	}
	if len(payload.Errors) > 0 {
		return nil, errors.Errorf("anilist reported error: %s", payload.Errors[0].Message)
	}
	if payload.Data.Media == nil {
		return nil, errors.Errorf("anilist media %d is empty", id)
	}

	return payload.Data.Media, nil
}
