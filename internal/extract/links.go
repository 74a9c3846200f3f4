package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Links returns the absolute form of every anchor href in the document,
// resolved against baseURL. Non-navigational schemes (mailto, javascript,
// tel) and unparseable hrefs are dropped. Order follows document order;
// duplicates are left to the frontier's seen set.
func Links(baseURL string, body []byte) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		switch abs.Scheme {
		case "http", "https":
		default:
			return
		}
		links = append(links, abs.String())
	})
	return links, nil
}
