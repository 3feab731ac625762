package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pevans/wpharvest/dataset"
	"github.com/pevans/wpharvest/logger"
	"github.com/pevans/wpharvest/wpapi"
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrInvalidDate  = errors.New("unparsable date")
)

// ParseFieldError describes a listing record that could not be turned into
// an article. Only that record is skipped.
type ParseFieldError struct {
	Field string
	// ID is zero when the record has no usable id.
	ID  int64
	Err error
}

func (e *ParseFieldError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("post %d: field %q: %v", e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("post: field %q: %v", e.Field, e.Err)
}

func (e *ParseFieldError) Unwrap() error {
	return e.Err
}

// Resolver resolves category ids to names.
type Resolver interface {
	Resolve(ctx context.Context, ids []int64) Resolution
}

// PageExtraction is the result of extracting one page of records.
type PageExtraction struct {
	Articles []dataset.Article
	Errors   []*ParseFieldError
	// Warnings describe degraded data, such as placeholder categories.
	Warnings []string
}

// Extractor maps raw listing records to articles.
type Extractor struct {
	resolver Resolver
	log      logger.Logger
}

// NewExtractor creates an extractor that resolves categories through
// resolver.
func NewExtractor(resolver Resolver, log logger.Logger) *Extractor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Extractor{resolver: resolver, log: log}
}

// Extract maps a single record.
func (x *Extractor) Extract(ctx context.Context, raw json.RawMessage) (dataset.Article, []string, error) {
	page := x.ExtractPage(ctx, []json.RawMessage{raw})
	if len(page.Errors) > 0 {
		return dataset.Article{}, nil, page.Errors[0]
	}
	return page.Articles[0], page.Warnings, nil
}

// ExtractPage maps every record of a page, in order. Invalid records are
// logged and reported in Errors. Category ids of the valid records are
// resolved in one call.
func (x *Extractor) ExtractPage(ctx context.Context, records []json.RawMessage) PageExtraction {
	var result PageExtraction

	posts := make([]wpapi.Post, 0, len(records))
	var categoryIDs []int64
	for _, raw := range records {
		post, err := validate(raw)
		if err != nil {
			x.log.Warn("skipping record",
				logger.Int64("id", err.ID),
				logger.String("field", err.Field),
				logger.Error(err.Err),
			)
			result.Errors = append(result.Errors, err)
			continue
		}
		posts = append(posts, post)
		categoryIDs = append(categoryIDs, post.Categories...)
	}

	var res Resolution
	if len(categoryIDs) > 0 {
		res = x.resolver.Resolve(ctx, categoryIDs)
		for _, id := range res.Missing {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("category %d could not be resolved, stored as %s", id, PlaceholderName(id)))
		}
	}

	for _, post := range posts {
		categories := make([]string, 0, len(post.Categories))
		for _, id := range post.Categories {
			categories = append(categories, res.Name(id))
		}

		result.Articles = append(result.Articles, dataset.Article{
			ID:         *post.ID,
			Link:       *post.Link,
			Date:       *post.Date,
			Title:      PlainText(post.Title.Rendered),
			Content:    PlainText(post.Content.Rendered),
			Categories: categories,
		})
	}

	return result
}

// validate decodes a record and checks the fields an article cannot do
// without.
func validate(raw json.RawMessage) (wpapi.Post, *ParseFieldError) {
	post, err := wpapi.DecodePost(raw)
	if err != nil {
		id, _ := wpapi.PostID(raw)
		return post, &ParseFieldError{Field: "record", ID: id, Err: err}
	}

	if post.ID == nil {
		return post, &ParseFieldError{Field: "id", Err: ErrMissingField}
	}
	id := *post.ID

	if post.Link == nil || *post.Link == "" {
		return post, &ParseFieldError{Field: "link", ID: id, Err: ErrMissingField}
	}
	if post.Date == nil || *post.Date == "" {
		return post, &ParseFieldError{Field: "date", ID: id, Err: ErrMissingField}
	}
	if _, ok := dataset.ParseDate(*post.Date); !ok {
		return post, &ParseFieldError{
			Field: "date",
			ID:    id,
			Err:   fmt.Errorf("%w: %q", ErrInvalidDate, *post.Date),
		}
	}

	return post, nil
}
