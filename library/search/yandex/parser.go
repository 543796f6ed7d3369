package yandex

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Laisky/img-searcher/library/search"
)

// appState mirrors the fragment of the embedded application state that
// carries "sites with this image".
type appState struct {
	InitialState struct {
		CbirSites struct {
			Sites []site `json:"sites"`
		} `json:"cbirSites"`
	} `json:"initialState"`
}

type site struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Domain      string `json:"domain"`
	Thumb       struct {
		URL string `json:"url"`
	} `json:"thumb"`
	OriginalImage struct {
		URL string `json:"url"`
	} `json:"originalImage"`
}

// Parse normalizes a Yandex imageview page. Results are not in the markup
// itself but in a JSON blob on the root application node, so the parser
// locates `div.Root` with an ImagesApp id and decodes its data-state
// attribute. Parse never fails.
func Parse(raw *search.RawResponse) *search.Result {
	result := &search.Result{Engine: engineName}
	if raw == nil || len(raw.Body) == 0 {
		result.Note = "empty response body"
		return result
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		result.Note = "unparseable html document"
		return result
	}

	var state *appState
	doc.Find(`div.Root[id^="ImagesApp-"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		encoded, ok := sel.Attr("data-state")
		if !ok || encoded == "" {
			return true
		}
		var decoded appState
		if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
			return true
		}
		state = &decoded
		return false
	})

	if state == nil {
		result.Note = "no application state found"
		return result
	}

	for _, s := range state.InitialState.CbirSites.Sites {
		if s.URL == "" {
			continue
		}
		result.Items = append(result.Items, siteToItem(s))
	}

	if len(result.Items) == 0 {
		result.Note = "no sites with this image"
	}
	return result
}

func siteToItem(s site) search.ResultItem {
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = "No Title"
	}

	thumb := s.Thumb.URL
	if thumb == "" {
		thumb = s.OriginalImage.URL
	}
	if strings.HasPrefix(thumb, "//") {
		thumb = "https:" + thumb
	}

	return search.ResultItem{
		Title:     title,
		URL:       s.URL,
		Author:    s.Domain,
		Thumbnail: thumb,
		ExtraInfo: strings.TrimSpace(s.Description),
	}
}
