package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ArticleExtractor pulls title, body text, and a publication timestamp out
// of a news page.
type ArticleExtractor struct{}

// Extract parses the page. Title preference is og:title, then the first h1,
// then <title>. Body text is the article's paragraphs, falling back to all
// paragraphs on pages without an <article> element.
func (e *ArticleExtractor) Extract(_ string, body []byte) (*Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	content := &Content{}

	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		content.Title = strings.TrimSpace(og)
	}
	if content.Title == "" {
		content.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if content.Title == "" {
		content.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	scope := doc.Find("article")
	if scope.Length() == 0 {
		scope = doc.Selection
	}
	var paragraphs []string
	scope.Find("p").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	content.Text = strings.Join(paragraphs, "\n\n")

	if ts, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		content.PublishedAt = strings.TrimSpace(ts)
	}

	return content, nil
}
