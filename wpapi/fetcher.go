package wpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pevans/wpharvest/config"
	"github.com/pevans/wpharvest/logger"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// WordPress pagination headers.
	HeaderTotalPages = "X-WP-TotalPages"
	HeaderTotal      = "X-WP-Total"

	// codeInvalidPage is returned with a 400 for a page past the end.
	codeInvalidPage = "rest_post_invalid_page_number"

	maxBodySize = 32 << 20

	maxRetryAfterSeconds = float64(math.MaxInt64 / int64(time.Second))
)

// PageResult is one decoded page of the posts listing.
type PageResult struct {
	Page       int
	Records    []json.RawMessage
	TotalPages int
	TotalItems int
	IsLastPage bool
}

// Options configures a Fetcher.
type Options struct {
	MaxConcurrent     int
	RequestTimeout    time.Duration
	InterRequestDelay time.Duration
	Headers           map[string]string
	Backoff           Backoff
	Client            *http.Client
}

// OptionsFromConfig builds fetcher options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConcurrent:     cfg.Fetch.MaxConcurrentRequests,
		RequestTimeout:    cfg.Fetch.RequestTimeout(),
		InterRequestDelay: cfg.Fetch.InterRequestDelay(),
		Headers:           cfg.Headers,
		Backoff:           BackoffFromConfig(cfg.Retry),
	}
}

// Fetcher performs GET requests against WordPress REST endpoints with a
// shared concurrency cap, a per-site request spacing and retries.
type Fetcher struct {
	opts   Options
	client *http.Client
	sem    *semaphore.Weighted
	log    logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	now    func() time.Time
}

// NewFetcher creates a Fetcher. A nil logger discards output.
func NewFetcher(opts Options, log logger.Logger) *Fetcher {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = DefaultBackoff()
	}
	if log == nil {
		log = logger.NewNop()
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	return &Fetcher{
		opts:     opts,
		client:   client,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepContext,
		jitter:   rand.Float64,
		now:      time.Now,
	}
}

// FetchPage requests one page of a site's posts listing, newest first.
func (f *Fetcher) FetchPage(ctx context.Context, site config.Site, page, perPage int) (*PageResult, error) {
	u, err := withQuery(site.ListingURL, url.Values{
		"per_page": {strconv.Itoa(perPage)},
		"page":     {strconv.Itoa(page)},
		"orderby":  {"date"},
		"order":    {"desc"},
	})
	if err != nil {
		return nil, &FetchError{Kind: KindClient, URL: site.ListingURL, Err: err}
	}

	resp, err := f.get(ctx, site.Name, u)
	if err != nil {
		// WordPress answers a page past the end with a 400 instead of an
		// empty array.
		var fe *FetchError
		if page > 1 && errors.As(err, &fe) && fe.StatusCode == http.StatusBadRequest && fe.Code == codeInvalidPage {
			f.log.Debug("page past the end",
				logger.String("site", site.Name),
				logger.Int("page", page),
			)
			return &PageResult{Page: page, IsLastPage: true}, nil
		}
		return nil, err
	}

	var records []json.RawMessage
	if err := decodeArray(resp.body, &records); err != nil {
		return nil, &FetchError{
			Kind:       KindMalformed,
			URL:        u,
			StatusCode: resp.status,
			Attempts:   resp.attempts,
			Err:        err,
		}
	}

	result := &PageResult{
		Page:       page,
		Records:    records,
		TotalPages: headerInt(resp.header, HeaderTotalPages),
		TotalItems: headerInt(resp.header, HeaderTotal),
	}
	result.IsLastPage = isLastPage(result, perPage)

	f.log.Debug("fetched page",
		logger.String("site", site.Name),
		logger.Int("page", page),
		logger.Int("records", len(records)),
		logger.Int("total_pages", result.TotalPages),
	)

	return result, nil
}

// FetchCategories requests the named categories of a site in one call. The
// caller keeps ids to at most 100 per call.
func (f *Fetcher) FetchCategories(ctx context.Context, site config.Site, ids []int64) ([]Category, error) {
	include := make([]string, len(ids))
	for i, id := range ids {
		include[i] = strconv.FormatInt(id, 10)
	}

	u, err := withQuery(site.CategoriesURL, url.Values{
		"include":  {strings.Join(include, ",")},
		"per_page": {"100"},
	})
	if err != nil {
		return nil, &FetchError{Kind: KindClient, URL: site.CategoriesURL, Err: err}
	}

	resp, err := f.get(ctx, site.Name, u)
	if err != nil {
		return nil, err
	}

	var categories []Category
	if err := decodeArray(resp.body, &categories); err != nil {
		return nil, &FetchError{
			Kind:       KindMalformed,
			URL:        u,
			StatusCode: resp.status,
			Attempts:   resp.attempts,
			Err:        err,
		}
	}
	return categories, nil
}

type response struct {
	body     []byte
	header   http.Header
	status   int
	attempts int
}

// get performs a GET with retries. Retryable failures are absorbed until
// the attempts run out. Cancellation of ctx returns ctx.Err().
func (f *Fetcher) get(ctx context.Context, siteName, rawURL string) (*response, error) {
	attempts := f.opts.Backoff.attempts()

	var last *FetchError
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, ferr := f.do(ctx, siteName, rawURL)
		if ferr == nil {
			resp.attempts = attempt
			return resp, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ferr.Attempts = attempt
		last = ferr
		if !ferr.Retryable() || attempt == attempts {
			break
		}

		delay := f.opts.Backoff.Delay(attempt, f.jitter())
		if ferr.HasRetryAfter {
			delay = ferr.RetryAfter
		}

		f.log.Warn("request failed, retrying",
			logger.String("site", siteName),
			logger.String("url", rawURL),
			logger.String("kind", ferr.Kind.String()),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(ferr.Err),
		)

		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, last
}

// do performs a single attempt. The semaphore is held only for the request
// itself.
func (f *Fetcher) do(ctx context.Context, siteName, rawURL string) (*response, *FetchError) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
	}
	defer f.sem.Release(1)

	if err := f.limiter(siteName).Wait(ctx); err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
	}

	reqCtx := ctx
	if f.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.opts.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindClient, URL: rawURL, Err: err}
	}
	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError(rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, transportError(rawURL, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &response{body: body, header: resp.Header, status: resp.StatusCode}, nil
	}
	return nil, f.statusError(rawURL, resp, body)
}

// limiter returns the request spacing limiter for a site.
func (f *Fetcher) limiter(siteName string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[siteName]
	if !ok {
		limit := rate.Inf
		if f.opts.InterRequestDelay > 0 {
			limit = rate.Every(f.opts.InterRequestDelay)
		}
		l = rate.NewLimiter(limit, 1)
		f.limiters[siteName] = l
	}
	return l
}

func (f *Fetcher) statusError(rawURL string, resp *http.Response, body []byte) *FetchError {
	fe := &FetchError{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Code:       errorCode(body),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		fe.Kind = KindRateLimited
		fe.RetryAfter, fe.HasRetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), f.now())
	case resp.StatusCode == http.StatusRequestTimeout:
		fe.Kind = KindTimeout
	case resp.StatusCode >= 500:
		fe.Kind = KindServer
	case resp.StatusCode >= 400:
		fe.Kind = KindClient
	default:
		fe.Kind = KindMalformed
		fe.Err = fmt.Errorf("unexpected status %s", resp.Status)
	}
	return fe
}

func transportError(rawURL string, err error) *FetchError {
	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &FetchError{Kind: kind, URL: rawURL, Err: err}
}

// parseRetryAfter accepts delta-seconds (fractions allowed) or an HTTP-date.
// ok is false when the header is absent or unparsable. A date in the past
// means no wait. Very large values are clamped to the longest Duration.
func parseRetryAfter(v string, now time.Time) (d time.Duration, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) {
			return 0, false
		}
		if secs >= maxRetryAfterSeconds {
			return time.Duration(math.MaxInt64), true
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}

func isLastPage(r *PageResult, perPage int) bool {
	if len(r.Records) == 0 {
		return true
	}
	if r.TotalPages > 0 {
		return r.Page >= r.TotalPages
	}
	return len(r.Records) < perPage
}

func headerInt(h http.Header, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(h.Get(key)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// decodeArray decodes a JSON array, rejecting any other top-level value.
func decodeArray(body []byte, v any) error {
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		return errors.New("response is not a JSON array")
	}
	return json.Unmarshal(body, v)
}

func withQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("failed to parse url: %q is not absolute", base)
	}

	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
