package extract

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ThreadExtractor pulls the thread title and its posts out of a forum page.
// It looks for the markup conventions most forum engines share rather than
// any one engine's exact classes.
type ThreadExtractor struct{}

// postSelectors are tried in order; the first that matches anything wins.
var postSelectors = []string{
	".post",
	".comment",
	"article.message",
	"li.message",
}

// Extract parses the thread. Posts keep document order. A page where no
// post selector matches yields a Content with only the title set.
func (e *ThreadExtractor) Extract(_ string, body []byte) (*Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	content := &Content{
		Title: strings.TrimSpace(doc.Find("h1").First().Text()),
	}
	if content.Title == "" {
		content.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	for _, selector := range postSelectors {
		nodes := doc.Find(selector)
		if nodes.Length() == 0 {
			continue
		}
		nodes.Each(func(_ int, sel *goquery.Selection) {
			post := Post{
				Author: strings.TrimSpace(sel.Find(".author, .username").First().Text()),
				Score:  parseScore(sel.Find(".score, .votes").First().Text()),
			}
			textSel := sel.Find(".post-body, .content, .message-body")
			if textSel.Length() == 0 {
				textSel = sel
			}
			post.Text = strings.TrimSpace(textSel.First().Text())
			if post.Text != "" {
				content.Posts = append(content.Posts, post)
			}
		})
		break
	}
	content.CommentCount = len(content.Posts)

	return content, nil
}

// parseScore reads a vote count like "42" or "42 points", zero when absent.
func parseScore(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return n
}
