package wpapi

import (
	"encoding/json"
)

// Rendered is WordPress's wrapper for HTML fields.
type Rendered struct {
	Rendered string `json:"rendered"`
}

// Post is one record from the posts listing endpoint. Required fields are
// pointers so a missing field can be told apart from a zero value.
type Post struct {
	ID         *int64   `json:"id"`
	Link       *string  `json:"link"`
	Date       *string  `json:"date"`
	Title      Rendered `json:"title"`
	Content    Rendered `json:"content"`
	Categories []int64  `json:"categories"`
}

// Category is one record from the categories endpoint.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// DecodePost decodes a single raw listing record.
func DecodePost(raw json.RawMessage) (Post, error) {
	var p Post
	err := json.Unmarshal(raw, &p)
	return p, err
}

// PostID extracts only the id of a raw record. The second result is false
// when the record has no usable id.
func PostID(raw json.RawMessage) (int64, bool) {
	var p struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == nil {
		return 0, false
	}
	return *p.ID, true
}

// wpError is the body WordPress sends with 4xx/5xx responses.
type wpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorCode(body []byte) string {
	var e wpError
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Code
}
