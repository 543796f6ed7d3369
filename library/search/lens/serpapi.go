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

const serpAPIEndpoint = "https://serpapi.com/search"

// serpAPI is the primary backend, querying SerpApi's google_lens engine.
type serpAPI struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   logSDK.Logger
}

func newSerpAPI(apiKey string) *serpAPI {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	return &serpAPI{
		endpoint: serpAPIEndpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   appLog.Logger.Named("serpapi"),
	}
}

func (s *serpAPI) name() string {
	return "serpapi"
}

func (s *serpAPI) search(ctx context.Context, imageURL string, opts search.Options) (*search.Result, error) {
	params := url.Values{}
	params.Set("engine", "google_lens")
	params.Set("url", imageURL)
	params.Set("api_key", s.apiKey)
	if opts.HL != "" {
		params.Set("hl", opts.HL)
	}
	if opts.Country != "" {
		params.Set("country", opts.Country)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create serpapi request to %q", s.endpoint)
	}

	startAt := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, search.NewProviderError(engineName, search.KindNetwork,
			errors.Wrap(err, "send serpapi request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read serpapi response")
	}

	truncated, wasTruncated := search.TruncateForLog(body, 4096)
	s.logger.Debug("incoming http response",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncated),
		zap.Bool("body_truncated", wasTruncated),
		zap.Duration("cost", time.Since(startAt)),
	)

	if resp.StatusCode != http.StatusOK {
		snippet, _ := search.TruncateForLog(body, 200)
		return nil, search.NewProviderError(engineName, search.KindStatus,
			errors.Errorf("serpapi returned status %d: %s", resp.StatusCode, snippet))
	}

	return parseSerpAPI(search.ReadRaw(resp, body)), nil
}

// parseSerpAPI normalizes a SerpApi google_lens payload. It never fails.
func parseSerpAPI(raw *search.RawResponse) *search.Result {
	result := &search.Result{Engine: engineName}
	if raw == nil || len(raw.Body) == 0 {
		result.Note = "empty response body"
		return result
	}

	var payload struct {
		Error          string `json:"error"`
		KnowledgeGraph []struct {
			Title     string `json:"title"`
			Subtitle  string `json:"subtitle"`
			Link      string `json:"link"`
			Thumbnail string `json:"thumbnail"`
		} `json:"knowledge_graph"`
		AIOverview struct {
			TextBlocks []aiTextBlock `json:"text_blocks"`
		} `json:"ai_overview"`
		VisualMatches []struct {
			Title     string `json:"title"`
			Link      string `json:"link"`
			Source    string `json:"source"`
			Thumbnail string `json:"thumbnail"`
		} `json:"visual_matches"`
	}
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		result.Note = "unparseable json payload"
		return result
	}
	if payload.Error != "" {
		result.Note = "provider reported: " + payload.Error
		return result
	}

	// Knowledge-graph entities lead the list: they are Google's best guess at
	// what the image actually is.
	for _, entity := range payload.KnowledgeGraph {
		title := strings.TrimSpace(entity.Title)
		if title == "" {
			continue
		}
		result.Items = append(result.Items, search.ResultItem{
			Title:     title,
			URL:       entity.Link,
			Thumbnail: entity.Thumbnail,
			ExtraInfo: strings.TrimSpace(entity.Subtitle),
		})
	}

	if overview := aiOverviewText(payload.AIOverview.TextBlocks); overview != "" {
		result.Items = append(result.Items, search.ResultItem{
			Title:     "AI Overview",
			ExtraInfo: overview,
		})
	}

	for _, match := range payload.VisualMatches {
		if match.Link == "" {
			continue
		}
		title := strings.TrimSpace(match.Title)
		if title == "" {
			title = "No Title"
		}
		result.Items = append(result.Items, search.ResultItem{
			Title:     title,
			URL:       match.Link,
			Author:    match.Source,
			Thumbnail: match.Thumbnail,
		})
	}

	if len(result.Items) == 0 {
		result.Note = "no visual matches"
	}
	return result
}

type aiTextBlock struct {
	Snippet string `json:"snippet"`
}

func aiOverviewText(blocks []aiTextBlock) string {
	var parts []string
	for _, block := range blocks {
		if snippet := strings.TrimSpace(block.Snippet); snippet != "" {
			parts = append(parts, snippet)
		}
	}
	return strings.Join(parts, " ")
}
