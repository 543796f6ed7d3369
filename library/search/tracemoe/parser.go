package tracemoe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Laisky/img-searcher/library/search"
)

// Payload mirrors the trace.moe search response.
type Payload struct {
	Error  string  `json:"error"`
	Result []Entry `json:"result"`
}

// Entry is a single frame match. Episode may be a number, a string such as
// "OVA", or null, so it stays raw until rendered.
type Entry struct {
	AniList    int64           `json:"anilist"`
	Filename   string          `json:"filename"`
	Episode    json.RawMessage `json:"episode"`
	From       float64         `json:"from"`
	To         float64         `json:"to"`
	Similarity float64         `json:"similarity"`
	Video      string          `json:"video"`
	Image      string          `json:"image"`
}

// Media is the AniList metadata attached to an entry.
type Media struct {
	ID    int64 `json:"id"`
	Title struct {
		Native  string `json:"native"`
		Romaji  string `json:"romaji"`
		English string `json:"english"`
	} `json:"title"`
	CoverImage struct {
		Large string `json:"large"`
	} `json:"coverImage"`
	IsAdult bool `json:"isAdult"`
}

// Parse normalizes a raw trace.moe response without metadata enrichment.
// It never fails: malformed payloads produce an empty result with a note.
func Parse(raw *search.RawResponse, meta map[int64]*Media) *search.Result {
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

	return parsePayload(&payload, meta)
}

func parsePayload(payload *Payload, meta map[int64]*Media) *search.Result {
	result := &search.Result{Engine: engineName}
	if payload.Error != "" {
		result.Note = "provider reported: " + payload.Error
		return result
	}
	if len(payload.Result) == 0 {
		result.Note = "no frame matches"
		return result
	}

	for _, entry := range payload.Result {
		result.Items = append(result.Items, entryToItem(entry, meta[entry.AniList]))
	}
	return result
}

func entryToItem(entry Entry, media *Media) search.ResultItem {
	item := search.ResultItem{
		Title:      "Unknown Anime",
		URL:        entry.Video,
		Thumbnail:  entry.Image,
		Similarity: search.Similarity(entry.Similarity * 100),
	}

	if media != nil {
		switch {
		case media.Title.Native != "":
			item.Title = media.Title.Native
		case media.Title.Romaji != "":
			item.Title = media.Title.Romaji
		case media.Title.English != "":
			item.Title = media.Title.English
		}
		if media.CoverImage.Large != "" {
			item.Thumbnail = media.CoverImage.Large
		}
		if media.IsAdult {
			item.ExtraInfo = "NSFW"
		}
	}

	position := fmt.Sprintf("Ep %s @ %s", episodeLabel(entry.Episode), clockLabel(entry.From))
	if item.ExtraInfo != "" {
		item.ExtraInfo += " | "
	}
	item.ExtraInfo += position

	return item
}

// episodeLabel renders the raw episode field, which may be numeric, quoted,
// or null.
func episodeLabel(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return "?"
	}

	var quoted string
	if err := json.Unmarshal(raw, &quoted); err == nil {
		if quoted == "" {
			return "?"
		}
		return quoted
	}
	return text
}

// clockLabel renders a frame offset in seconds as mm:ss.
func clockLabel(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
