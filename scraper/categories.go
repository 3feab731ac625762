package scraper

import (
	"context"
	"strconv"
	"sync"

	"github.com/pevans/wpharvest/config"
	"github.com/pevans/wpharvest/logger"
	"github.com/pevans/wpharvest/wpapi"
)

// MaxCategoriesPerRequest is the WordPress per_page cap for the categories
// endpoint.
const MaxCategoriesPerRequest = 100

// CategoryFetcher requests category records for a site.
type CategoryFetcher interface {
	FetchCategories(ctx context.Context, site config.Site, ids []int64) ([]wpapi.Category, error)
}

// Resolution maps requested category ids to names. Missing lists the
// requested ids that could not be resolved, in request order.
type Resolution struct {
	Names   map[int64]string
	Missing []int64
}

// PlaceholderName is stored for a category id whose name is unknown.
func PlaceholderName(id int64) string {
	return "category_" + strconv.FormatInt(id, 10)
}

// Name returns the resolved name for id, or its placeholder.
func (r Resolution) Name(id int64) string {
	if name, ok := r.Names[id]; ok {
		return name
	}
	return PlaceholderName(id)
}

// CategoryResolver resolves category ids to names for one site and caches
// the answers for the rest of the site's run. Ids that could not be
// resolved are remembered too, so each id is requested at most once.
type CategoryResolver struct {
	site    config.Site
	fetcher CategoryFetcher
	log     logger.Logger

	mu      sync.Mutex
	names   map[int64]string
	missing map[int64]struct{}
}

// NewCategoryResolver creates a resolver for site.
func NewCategoryResolver(site config.Site, fetcher CategoryFetcher, log logger.Logger) *CategoryResolver {
	if log == nil {
		log = logger.NewNop()
	}
	return &CategoryResolver{
		site:    site,
		fetcher: fetcher,
		log:     log.With(logger.String("site", site.Name)),
		names:   make(map[int64]string),
		missing: make(map[int64]struct{}),
	}
}

// Resolve returns names for ids, requesting uncached ids in batches of at
// most MaxCategoriesPerRequest. Request failures are logged and the
// affected ids reported as missing; they never fail the caller.
func (r *CategoryResolver) Resolve(ctx context.Context, ids []int64) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	requested := unique(ids)

	var unknown []int64
	for _, id := range requested {
		if _, ok := r.names[id]; ok {
			continue
		}
		if _, ok := r.missing[id]; ok {
			continue
		}
		unknown = append(unknown, id)
	}

	for start := 0; start < len(unknown); start += MaxCategoriesPerRequest {
		end := min(start+MaxCategoriesPerRequest, len(unknown))
		r.fetch(ctx, unknown[start:end])
	}

	res := Resolution{Names: make(map[int64]string, len(requested))}
	for _, id := range requested {
		if name, ok := r.names[id]; ok {
			res.Names[id] = name
		} else {
			res.Missing = append(res.Missing, id)
		}
	}
	return res
}

// fetch requests one batch and records hits and misses. Called with mu held.
func (r *CategoryResolver) fetch(ctx context.Context, batch []int64) {
	categories, err := r.fetcher.FetchCategories(ctx, r.site, batch)
	if err != nil {
		r.log.Warn("failed to resolve categories",
			logger.Int64s("ids", batch),
			logger.Error(err),
		)
		// A cancelled run should not poison the cache
		if ctx.Err() != nil {
			return
		}
		for _, id := range batch {
			r.missing[id] = struct{}{}
		}
		return
	}

	for _, c := range categories {
		name := PlainText(c.Name)
		if name == "" {
			continue
		}
		r.names[c.ID] = name
	}

	for _, id := range batch {
		if _, ok := r.names[id]; !ok {
			r.missing[id] = struct{}{}
		}
	}

	r.log.Debug("resolved categories",
		logger.Int("requested", len(batch)),
		logger.Int("returned", len(categories)),
	)
}

func unique(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
