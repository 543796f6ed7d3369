package copyseeker

import (
	"encoding/json"
	"strings"

	"github.com/Laisky/img-searcher/library/search"
)

// Payload mirrors the Copyseeker API response. The API mixes PascalCase and
// camelCase across versions; encoding/json matches keys case-insensitively,
// so one set of tags covers both.
type Payload struct {
	TotalLinksFound int      `json:"totalLinksFound"`
	BestGuessLabel  string   `json:"bestGuessLabel"`
	ExactMatches    []Page   `json:"exactMatches"`
	Pages           []Page   `json:"pages"`
	VisuallySimilar []string `json:"visuallySimilar"`
}

// Page is one page carrying the queried image.
type Page struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	MainImage string  `json:"mainImage"`
	Rank      float64 `json:"rank"`
}

// Parse normalizes a Copyseeker payload. Exact matches come before similar
// pages; Parse never fails.
func Parse(raw *search.RawResponse) *search.Result {
	result := &search.Result{Engine: engineName}
	if raw == nil || len(raw.Body) == 0 {
		result.Note = "empty response body"
		return result
	}

	var payload Payload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		result.Note = "unparseable json payload"
		return result
	}

	for _, page := range payload.ExactMatches {
		if item, ok := pageToItem(page, payload.BestGuessLabel, "exact match"); ok {
			result.Items = append(result.Items, item)
		}
	}
	for _, page := range payload.Pages {
		if item, ok := pageToItem(page, payload.BestGuessLabel, ""); ok {
			result.Items = append(result.Items, item)
		}
	}
	for _, link := range payload.VisuallySimilar {
		if link == "" {
			continue
		}
		result.Items = append(result.Items, search.ResultItem{
			Title:     "Visually similar image",
			URL:       link,
			Thumbnail: link,
			ExtraInfo: "visually similar",
		})
	}

	if len(result.Items) == 0 {
		result.Note = "no matching pages"
	}
	return result
}

func pageToItem(page Page, guess, kind string) (search.ResultItem, bool) {
	if page.URL == "" {
		return search.ResultItem{}, false
	}

	title := strings.TrimSpace(page.Title)
	if title == "" {
		title = strings.TrimSpace(guess)
	}
	if title == "" {
		title = "No Title"
	}

	item := search.ResultItem{
		Title:     title,
		URL:       page.URL,
		Thumbnail: page.MainImage,
		ExtraInfo: kind,
	}
	if page.Rank > 0 {
		item.Similarity = search.Similarity(page.Rank * 100)
	}
	return item, true
}
