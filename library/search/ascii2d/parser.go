package ascii2d

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Laisky/img-searcher/library/search"
)

// Parse normalizes an ascii2d results page. It never fails: malformed or
// empty documents produce an empty result with a short diagnostic note.
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

	doc.Find("div.row.item-box").Each(func(_ int, sel *goquery.Selection) {
		// The first item-box is usually the uploaded image itself and
		// carries no outbound detail links.
		if sel.Find("div.detail-box a").Length() == 0 {
			return
		}

		item := parseItem(sel)
		if item.URL == "" && item.Title == "" {
			return
		}
		result.Items = append(result.Items, item)
	})

	if len(result.Items) == 0 {
		result.Note = "no item boxes with detail links"
	}
	return result
}

func parseItem(sel *goquery.Selection) search.ResultItem {
	hash := strings.TrimSpace(sel.Find("div.hash").First().Text())
	params := strings.TrimSpace(sel.Find("div.text-muted").First().Text())

	thumb, _ := sel.Find("img").First().Attr("src")
	if strings.HasPrefix(thumb, "/") {
		thumb = defaultBaseURL + thumb
	}

	item := search.ResultItem{
		Thumbnail: thumb,
		ExtraInfo: strings.TrimSpace(hash + " " + params),
	}

	links := sel.Find("div.detail-box a")
	if first := links.Eq(0); first.Length() > 0 {
		item.Title = strings.TrimSpace(first.Text())
		if item.Title == "" {
			item.Title = "No Title"
		}
		item.URL, _ = first.Attr("href")
	}
	if second := links.Eq(1); second.Length() > 0 {
		item.Author = strings.TrimSpace(second.Text())
		item.AuthorURL, _ = second.Attr("href")
	}

	return item
}
