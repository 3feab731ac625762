package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pevans/wpharvest/config"
	"github.com/pevans/wpharvest/dataset"
	"github.com/pevans/wpharvest/logger"
	"github.com/pevans/wpharvest/scraper"
	"github.com/pevans/wpharvest/wpapi"
)

// PageFetcher fetches listing pages and category names for a site.
type PageFetcher interface {
	FetchPage(ctx context.Context, site config.Site, page, perPage int) (*wpapi.PageResult, error)
	scraper.CategoryFetcher
}

// Options controls pagination.
type Options struct {
	PostsPerPage int
	// Window is the number of pages kept in flight beyond the first.
	Window int
}

// OptionsFromConfig builds processor options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PostsPerPage: cfg.Fetch.PostsPerPage,
		Window:       cfg.Fetch.MaxConcurrentRequests,
	}
}

// Processor runs the fetch, dedup, merge and save pipeline for one site at
// a time.
type Processor struct {
	fetcher PageFetcher
	store   *dataset.Store
	opts    Options
	log     logger.Logger
}

// NewProcessor creates a processor. Datasets are read from and written to
// store.
func NewProcessor(fetcher PageFetcher, store *dataset.Store, opts Options, log logger.Logger) *Processor {
	if opts.PostsPerPage < 1 {
		opts.PostsPerPage = 100
	}
	if opts.Window < 1 {
		opts.Window = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{
		fetcher: fetcher,
		store:   store,
		opts:    opts,
		log:     log,
	}
}

// Process harvests one site. Failures are reported in the returned Report,
// never returned as errors.
func (p *Processor) Process(ctx context.Context, site config.Site) *Report {
	report := &Report{Site: site.Name, StartedAt: time.Now()}
	log := p.log.With(logger.String("site", site.Name))

	path := p.store.PathFor(site.Name)
	existing := p.store.Load(path)
	log.Info("starting site", logger.Int("known_articles", existing.Len()))

	extractor := scraper.NewExtractor(scraper.NewCategoryResolver(site, p.fetcher, log), log)
	pg := &pagination{
		known:     existing.KnownIDs(),
		collected: make(map[int64]struct{}),
		extractor: extractor,
		report:    report,
	}

	err := p.paginate(ctx, site, pg)
	report.TotalArticles = existing.Len()

	switch {
	case err != nil && report.PagesFetched == 0:
		report.Outcome = OutcomeFailed
		report.Err = err
	case err != nil:
		report.Outcome = OutcomePartial
		report.Err = err
	default:
		report.Outcome = OutcomeSucceeded
	}

	if len(pg.batch) > 0 {
		merged, added := dataset.Merge(existing, pg.batch)
		if saveErr := p.store.Save(path, merged); saveErr != nil {
			report.Outcome = OutcomeFailed
			report.Err = fmt.Errorf("failed to save dataset: %w", saveErr)
		} else {
			report.NewArticles = added
			report.TotalArticles = merged.Len()
		}
	}

	report.FinishedAt = time.Now()

	fields := []logger.Field{
		logger.String("outcome", string(report.Outcome)),
		logger.Int("new_articles", report.NewArticles),
		logger.Int("total_articles", report.TotalArticles),
		logger.Int("pages", report.PagesFetched),
		logger.String("stop_reason", string(report.StopReason)),
		logger.Int("stop_page", report.StopPage),
		logger.Duration("elapsed", report.Duration()),
	}
	if report.Err != nil {
		log.Warn("site finished with errors", append(fields, logger.Error(report.Err))...)
	} else {
		log.Info("site finished", fields...)
	}

	return report
}

// pagination holds the state of one site's page walk. It is only touched
// by the goroutine running paginate.
type pagination struct {
	known     dataset.KnownIDSet
	collected map[int64]struct{}
	batch     []dataset.Article
	extractor *scraper.Extractor
	report    *Report
}

type pageOutcome struct {
	page   int
	result *wpapi.PageResult
	err    error
}

// paginate fetches page 1 alone, then keeps up to Window pages past the
// evaluation cursor in flight. Completed pages wait in a buffer until every
// lower page has been evaluated, so the stop decision is always made in
// page order. Once it is made, outstanding fetches are cancelled and their
// results dropped. The returned error is the failure of the stop page, if
// any.
func (p *Processor) paginate(ctx context.Context, site config.Site, pg *pagination) error {
	ctx, cancel := context.WithCancel(ctx)
	results := make(chan pageOutcome, p.opts.Window)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	first, err := p.fetcher.FetchPage(ctx, site, 1, p.opts.PostsPerPage)
	if err != nil {
		pg.report.stop(StopFailed, 1)
		return fmt.Errorf("failed to fetch page 1: %w", err)
	}
	if p.evaluate(ctx, pg, first) {
		return nil
	}

	totalPages := first.TotalPages
	next, cursor, inFlight := 2, 2, 0
	buffered := make(map[int]pageOutcome)

	launch := func() {
		for next < cursor+p.opts.Window && (totalPages == 0 || next <= totalPages) {
			page := next
			next++
			inFlight++
			wg.Add(1)
			go func() {
				defer wg.Done()
				out := pageOutcome{page: page}
				func() {
					defer func() {
						if r := recover(); r != nil {
							out.err = fmt.Errorf("panic: %v", r)
						}
					}()
					out.result, out.err = p.fetcher.FetchPage(ctx, site, page, p.opts.PostsPerPage)
				}()
				results <- out
			}()
		}
	}

	launch()
	for inFlight > 0 {
		out := <-results
		inFlight--
		buffered[out.page] = out

		for {
			o, ok := buffered[cursor]
			if !ok {
				break
			}
			delete(buffered, cursor)

			if o.err != nil {
				pg.report.stop(StopFailed, cursor)
				return fmt.Errorf("failed to fetch page %d: %w", cursor, o.err)
			}
			if p.evaluate(ctx, pg, o.result) {
				return nil
			}
			cursor++
		}

		launch()
	}

	// Only reachable when TotalPages was reported but the last page did not
	// say so itself.
	pg.report.stop(StopTotalPages, cursor-1)
	return nil
}

// evaluate processes one page in order and reports whether pagination
// should stop after it.
func (p *Processor) evaluate(ctx context.Context, pg *pagination, res *wpapi.PageResult) bool {
	pg.report.PagesFetched++

	allKnown := len(res.Records) > 0
	fresh := make([]json.RawMessage, 0, len(res.Records))
	for _, raw := range res.Records {
		id, ok := wpapi.PostID(raw)
		if ok && pg.known.Has(id) {
			continue
		}
		allKnown = false
		if _, seen := pg.collected[id]; ok && seen {
			continue
		}
		fresh = append(fresh, raw)
	}

	extracted := pg.extractor.ExtractPage(ctx, fresh)
	for _, a := range extracted.Articles {
		if _, seen := pg.collected[a.ID]; seen {
			continue
		}
		pg.collected[a.ID] = struct{}{}
		pg.batch = append(pg.batch, a)
	}
	pg.report.SkippedRecords += len(extracted.Errors)
	for _, w := range extracted.Warnings {
		pg.report.warn(w)
	}

	p.log.Debug("evaluated page",
		logger.String("site", pg.report.Site),
		logger.Int("page", res.Page),
		logger.Int("records", len(res.Records)),
		logger.Int("new", len(extracted.Articles)),
		logger.Bool("all_known", allKnown),
	)

	switch {
	case allKnown:
		pg.report.stop(StopEarly, res.Page)
	case res.TotalPages > 0 && res.Page >= res.TotalPages:
		pg.report.stop(StopTotalPages, res.Page)
	case res.IsLastPage:
		pg.report.stop(StopLastPage, res.Page)
	default:
		return false
	}
	return true
}
