package iqdb

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Laisky/img-searcher/library/search"
)

// Parse normalizes an iqdb results page. Result tables live under `.pages`
// and are recognised by a header cell containing "match"; items are ordered
// by descending similarity. Parse never fails.
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

	doc.Find(".pages table").Each(func(_ int, table *goquery.Selection) {
		header := table.Find("th").Text()
		if !strings.Contains(header, "match") {
			return
		}
		if item, ok := parseTable(table); ok {
			result.Items = append(result.Items, item)
		}
	})

	search.SortBySimilarity(result.Items)

	if len(result.Items) == 0 {
		result.Note = "no match tables found"
	}
	return result
}

func parseTable(table *goquery.Selection) (search.ResultItem, bool) {
	link := table.Find("td.image a").First()
	if link.Length() == 0 {
		return search.ResultItem{}, false
	}

	href, _ := link.Attr("href")
	if href == "" {
		return search.ResultItem{}, false
	}
	href = absolutize(href)

	thumb, _ := link.Find("img").First().Attr("src")
	thumb = absolutize(thumb)

	item := search.ResultItem{
		Title:     strings.TrimSpace(table.Find("th").First().Text()),
		URL:       href,
		Thumbnail: thumb,
	}
	if item.Title == "" {
		item.Title = "Result"
	}

	var infoParts []string
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		text := strings.TrimSpace(row.Text())
		switch {
		case text == "":
		case strings.Contains(text, "% similarity"):
			if sim, ok := parseSimilarity(text); ok {
				item.Similarity = search.Similarity(sim)
			}
		case strings.Contains(text, "match"):
		case row.Find("td.image").Length() > 0:
		default:
			infoParts = append(infoParts, text)
		}
	})
	item.ExtraInfo = strings.Join(infoParts, " | ")

	return item, true
}

// parseSimilarity pulls the percentage out of text like "96% similarity".
func parseSimilarity(text string) (float64, bool) {
	before, _, found := strings.Cut(text, "%")
	if !found {
		return 0, false
	}
	fields := strings.Fields(before)
	if len(fields) == 0 {
		return 0, false
	}
	sim, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, false
	}
	return sim, true
}

func absolutize(ref string) string {
	switch {
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	case strings.HasPrefix(ref, "/"):
		return defaultBaseURL + ref
	default:
		return ref
	}
}
