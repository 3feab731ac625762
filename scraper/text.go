package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PlainText converts rendered WordPress HTML into plain text. Entities are
// decoded, script and style bodies are dropped, text from separate elements
// is joined with a space and runs of whitespace collapse to one space.
func PlainText(rendered string) string {
	if strings.TrimSpace(rendered) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rendered))
	if err != nil {
		// Fall back to the raw string with whitespace normalized
		return collapseSpace(rendered)
	}

	doc.Find("script, style, noscript, template").Remove()

	var parts []string
	collectText(doc.Selection, &parts)
	return collapseSpace(strings.Join(parts, " "))
}

// collectText appends every text node under sel in document order.
func collectText(sel *goquery.Selection, parts *[]string) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "#text":
			*parts = append(*parts, s.Text())
		case "#comment":
		default:
			collectText(s, parts)
		}
	})
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
