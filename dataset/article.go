package dataset

import (
	"strings"
	"time"
)

// Article is one harvested post as stored in a site's dataset file.
type Article struct {
	ID   int64  `json:"id"`
	Link string `json:"link"`
	// Date is kept exactly as the site sent it so stored entries never
	// change on re-save.
	Date       string   `json:"date"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Categories []string `json:"categories"`
}

// Date layouts seen from WordPress sites, most common first.
var dateLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses an article date in any of the accepted layouts. Dates
// without a zone are read as UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Time returns the parsed publication date. The second result is false when
// the date cannot be parsed.
func (a Article) Time() (time.Time, bool) {
	return ParseDate(a.Date)
}
