package lens

import (
	"context"
	"encoding/json"
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
)

const zenserpEndpoint = "https://app.zenserp.com/api/v2/search"

// zenserp is the backup backend, queried only after SerpApi fails.
type zenserp struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   logSDK.Logger
}

func newZenserp(apiKey string) *zenserp {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	return &zenserp{
		endpoint: zenserpEndpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   appLog.Logger.Named("zenserp"),
	}
}

func (z *zenserp) name() string {
	return "zenserp"
}

func (z *zenserp) search(ctx context.Context, imageURL string, opts search.Options) (*search.Result, error) {
	params := url.Values{}
	params.Set("image_url", imageURL)
	if opts.HL != "" {
		params.Set("hl", opts.HL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		z.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create zenserp request to %q", z.endpoint)
	}
	req.Header.Set("apikey", z.apiKey)

	startAt := time.Now()
	resp, err := z.client.Do(req)
	if err != nil {
		return nil, search.NewProviderError(engineName, search.KindNetwork,
			errors.Wrap(err, "send zenserp request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read zenserp response")
	}

	truncated, wasTruncated := search.TruncateForLog(body, 4096)
	z.logger.Debug("incoming http response",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncated),
		zap.Bool("body_truncated", wasTruncated),
		zap.Duration("cost", time.Since(startAt)),
	)

	if resp.StatusCode != http.StatusOK {
		snippet, _ := search.TruncateForLog(body, 200)
		return nil, search.NewProviderError(engineName, search.KindStatus,
			errors.Errorf("zenserp returned status %d: %s", resp.StatusCode, snippet))
	}

	return parseZenserp(search.ReadRaw(resp, body)), nil
}

// parseZenserp normalizes a Zenserp reverse-image payload. It never fails.
func parseZenserp(raw *search.RawResponse) *search.Result {
	result := &search.Result{Engine: engineName}
	if raw == nil || len(raw.Body) == 0 {
		result.Note = "empty response body"
		return result
	}

	var payload struct {
		Errors              []map[string]string `json:"errors"`
		ReverseImageResults []zenserpEntry      `json:"reverse_image_results"`
		Organic             []zenserpEntry      `json:"organic"`
	}
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		result.Note = "unparseable json payload"
		return result
	}
	if len(payload.Errors) > 0 {
		result.Note = "provider reported errors"
		return result
	}

	// Zenserp's reverse-image endpoint answers under reverse_image_results;
	// the generic search endpoint answers under organic.
	entries := payload.ReverseImageResults
	if len(entries) == 0 {
		entries = payload.Organic
	}

	for _, entry := range entries {
		if entry.URL == "" {
			continue
		}
		title := strings.TrimSpace(entry.Title)
		if title == "" {
			title = "No Title"
		}
		result.Items = append(result.Items, search.ResultItem{
			Title:     title,
			URL:       entry.URL,
			ExtraInfo: strings.TrimSpace(entry.Description),
		})
	}

	if len(result.Items) == 0 {
		result.Note = "no organic results"
	}
	return result
}

type zenserpEntry struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}
