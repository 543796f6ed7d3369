package search

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Request carries a single search invocation through the dispatcher.
// Exactly one of File/URL must be populated before dispatch; adapters may
// internally convert bytes into a hosted URL when the provider only accepts
// URL input.
type Request struct {
	Engine string
	File   []byte
	URL    string
	Opts   Options
}

// Options are the per-search tunables accepted by the engines. Engines
// ignore the fields that do not apply to them.
type Options struct {
	// Bovw switches ascii2d from colour matching to feature (BOVW) matching.
	Bovw bool
	// Is3D switches iqdb to the 3d.iqdb.org database.
	Is3D bool
	// ForceGray asks iqdb to ignore colour information.
	ForceGray bool
	// CutBorders asks trace.moe to trim letterboxing before matching.
	CutBorders bool
	// MaxResults bounds how many items the renderers show.
	MaxResults int
	// HL and Country tune the locale of the web-search backends.
	HL      string
	Country string
}

// RawResponse is the opaque payload an adapter hands to its normalizer.
type RawResponse struct {
	Body       []byte
	FinalURL   string
	StatusCode int
	Header     http.Header
}

// ReadRaw captures the interesting parts of an HTTP response. The caller
// remains responsible for closing the body.
func ReadRaw(resp *http.Response, body []byte) *RawResponse {
	raw := &RawResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		raw.FinalURL = resp.Request.URL.String()
	}
	return raw
}

// ResultItem is one normalized entry of a provider response.
type ResultItem struct {
	Title      string
	URL        string
	Author     string
	AuthorURL  string
	Thumbnail  string
	Similarity *float64
	ExtraInfo  string
}

// Result is the uniform outcome of a search. Items are ordered by the
// provider's rank signal (descending similarity) when one exists, otherwise
// document order is preserved. Note carries a short diagnostic when the
// normalizer degraded to an empty result.
type Result struct {
	Engine string
	Items  []ResultItem
	Note   string
}

// Empty reports whether the result carries no items.
func (r *Result) Empty() bool {
	return r == nil || len(r.Items) == 0
}

const (
	defaultRenderLimit = 3
	itemSeparator      = "------------------------------"
)

// Render returns a bounded human-readable summary of the top items.
// A limit <= 0 falls back to the default of three items.
func (r *Result) Render(limit int) string {
	if r.Empty() {
		engine := ""
		note := ""
		if r != nil {
			engine = r.Engine
			note = r.Note
		}
		if note != "" {
			return fmt.Sprintf("[%s] no results found (%s)", engine, note)
		}
		return fmt.Sprintf("[%s] no results found", engine)
	}

	if limit <= 0 {
		limit = defaultRenderLimit
	}
	if limit > len(r.Items) {
		limit = len(r.Items)
	}

	blocks := make([]string, 0, limit)
	for _, item := range r.Items[:limit] {
		blocks = append(blocks, item.render())
	}
	return strings.Join(blocks, "\n"+itemSeparator+"\n")
}

// RenderAll returns the full text form of every item.
func (r *Result) RenderAll() string {
	if r.Empty() {
		return r.Render(0)
	}
	return r.Render(len(r.Items))
}

func (item ResultItem) render() string {
	var b strings.Builder
	if item.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", item.Title)
	}
	if item.Similarity != nil {
		fmt.Fprintf(&b, "similarity: %.1f%%\n", *item.Similarity)
	}
	if item.Author != "" {
		fmt.Fprintf(&b, "author: %s\n", item.Author)
	}
	if item.URL != "" {
		fmt.Fprintf(&b, "url: %s\n", item.URL)
	}
	if item.ExtraInfo != "" {
		fmt.Fprintf(&b, "info: %s\n", item.ExtraInfo)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Similarity wraps a literal percentage so items can distinguish "no rank
// signal" from an actual zero.
func Similarity(v float64) *float64 {
	return &v
}

// SortBySimilarity orders items by descending similarity while keeping the
// document order of items that carry no similarity signal.
func SortBySimilarity(items []ResultItem) {
	sort.SliceStable(items, func(i, j int) bool {
		si, sj := items[i].Similarity, items[j].Similarity
		switch {
		case si == nil:
			return false
		case sj == nil:
			return true
		default:
			return *si > *sj
		}
	})
}

// TruncateForLog limits the payload logged for debugging and reports whether
// truncation occurred.
func TruncateForLog(body []byte, limit int) (string, bool) {
	if len(body) <= limit {
		return string(body), false
	}
	return string(body[:limit]), true
}
