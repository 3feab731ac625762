package wpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pevans/wpharvest/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper: records backoff sleeps instead of waiting
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Test helper: create a fetcher pointed at srv with instant backoff
func newTestFetcher(t *testing.T, srv *httptest.Server, attempts int) (*Fetcher, *sleepRecorder, config.Site) {
	t.Helper()

	b := DefaultBackoff()
	b.MaxAttempts = attempts

	f := NewFetcher(Options{
		MaxConcurrent:  2,
		RequestTimeout: 5 * time.Second,
		Headers:        map[string]string{"User-Agent": "wpharvest-test"},
		Backoff:        b,
		Client:         srv.Client(),
	}, nil)

	rec := &sleepRecorder{}
	f.sleep = rec.sleep
	f.jitter = func() float64 { return 0.5 }

	site := config.Site{
		Name:          "test.example",
		ListingURL:    srv.URL + "/wp-json/wp/v2/posts",
		CategoriesURL: srv.URL + "/wp-json/wp/v2/categories",
	}
	return f, rec, site
}

// Test helper: a JSON array of n minimal post records with ids from start
func postsJSON(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf(`{"id":%d,"link":"https://x/%d","date":"2025-01-01T00:00:00"}`, start+i, start+i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestFetchPage_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wp-json/wp/v2/posts", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "10", q.Get("per_page"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "date", q.Get("orderby"))
		assert.Equal(t, "desc", q.Get("order"))
		assert.Equal(t, "wpharvest-test", r.Header.Get("User-Agent"))

		w.Header().Set(HeaderTotalPages, "3")
		w.Header().Set(HeaderTotal, "25")
		fmt.Fprint(w, postsJSON(11, 10))
	}))
	defer srv.Close()

	f, rec, site := newTestFetcher(t, srv, 3)

	result, err := f.FetchPage(context.Background(), site, 2, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Page)
	assert.Len(t, result.Records, 10)
	assert.Equal(t, 3, result.TotalPages)
	assert.Equal(t, 25, result.TotalItems)
	assert.False(t, result.IsLastPage)
	assert.Empty(t, rec.recorded(), "no retries on success")
}

func TestFetchPage_KeepsExistingQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("categories"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	f, _, site := newTestFetcher(t, srv, 1)
	site.ListingURL += "?categories=7"

	result, err := f.FetchPage(context.Background(), site, 1, 10)
	require.NoError(t, err)
	assert.True(t, result.IsLastPage)
}

func TestIsLastPage(t *testing.T) {
	tests := []struct {
		name       string
		page       int
		records    int
		totalPages int
		want       bool
	}{
		{"empty page", 1, 0, 0, true},
		{"empty page with total", 1, 0, 5, true},
		{"full page no total", 1, 10, 0, false},
		{"short page no total", 3, 4, 0, true},
		{"below total", 2, 10, 3, false},
		{"at total", 3, 10, 3, true},
		{"short page below total", 2, 4, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &PageResult{
				Page:       tt.page,
				TotalPages: tt.totalPages,
				Records:    make([]json.RawMessage, tt.records),
			}
			assert.Equal(t, tt.want, isLastPage(r, 10))
		})
	}
}

// TestFetchPage_RetriesThenSucceeds verifies that retryable failures are
// absorbed and the delays between attempts do not decrease.
func TestFetchPage_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		case 3:
			w.WriteHeader(http.StatusRequestTimeout)
		default:
			fmt.Fprint(w, postsJSON(1, 2))
		}
	}))
	defer srv.Close()

	f, rec, site := newTestFetcher(t, srv, 4)

	result, err := f.FetchPage(context.Background(), site, 1, 10)
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
	assert.Equal(t, int32(4), calls.Load())

	delays := rec.recorded()
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "delay %d decreased", i)
	}
	assert.Equal(t, 2250*time.Millisecond, delays[0], "base delay with half of the jitter range")
}

// TestFetchPage_RetryAfter verifies that a 429's Retry-After replaces the
// computed delay and the page is still returned.
func TestFetchPage_RetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, postsJSON(1, 3))
	}))
	defer srv.Close()

	f, rec, site := newTestFetcher(t, srv, 5)

	result, err := f.FetchPage(context.Background(), site, 1, 10)
	require.NoError(t, err)
	assert.Len(t, result.Records, 3)
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.recorded())
}

func TestFetchPage_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, rec, site := newTestFetcher(t, srv, 3)

	_, err := f.FetchPage(context.Background(), site, 1, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServer)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindServer, fe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, rec.recorded(), 2, "no sleep after the last attempt")
}

func TestFetchPage_NonRetryable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, `{"code":"rest_no_route"}`, ErrClient},
		{"forbidden", http.StatusForbidden, "", ErrClient},
		{"object body", http.StatusOK, `{"posts":[]}`, ErrMalformed},
		{"broken json", http.StatusOK, `[{"id":1,`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			f, rec, site := newTestFetcher(t, srv, 5)

			_, err := f.FetchPage(context.Background(), site, 1, 10)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load(), "returned without retrying")
			assert.Empty(t, rec.recorded())
		})
	}
}

func TestFetchPage_InvalidPageNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":"rest_post_invalid_page_number","message":"The page number requested is larger than the number of pages available."}`)
	}))
	defer srv.Close()

	f, _, site := newTestFetcher(t, srv, 3)

	result, err := f.FetchPage(context.Background(), site, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Page)
	assert.Empty(t, result.Records)
	assert.True(t, result.IsLastPage)

	// Page 1 cannot be past the end
	_, err = f.FetchPage(context.Background(), site, 1, 10)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "rest_post_invalid_page_number", fe.Code)
}

func TestFetchPage_CancelledDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, _, site := newTestFetcher(t, srv, 5)

	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.FetchPage(ctx, site, 1, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchPage_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f, _, site := newTestFetcher(t, srv, 1)
	f.opts.RequestTimeout = 20 * time.Millisecond

	_, err := f.FetchPage(context.Background(), site, 1, 10)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFetchPage_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	f, rec, site := newTestFetcher(t, srv, 2)
	srv.Close()

	_, err := f.FetchPage(context.Background(), site, 1, 10)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Len(t, rec.recorded(), 1, "network errors are retried")
}

func TestFetchPage_InterRequestDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	f := NewFetcher(Options{
		MaxConcurrent:     1,
		InterRequestDelay: 50 * time.Millisecond,
		Client:            srv.Client(),
	}, nil)
	site := config.Site{Name: "spaced", ListingURL: srv.URL + "/posts"}

	start := time.Now()
	for page := 1; page <= 3; page++ {
		_, err := f.FetchPage(context.Background(), site, page, 10)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestFetchCategories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wp-json/wp/v2/categories", r.URL.Path)
		assert.Equal(t, "3,5", r.URL.Query().Get("include"))
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		fmt.Fprint(w, `[{"id":3,"name":"Sport","slug":"sport"},{"id":5,"name":"World"}]`)
	}))
	defer srv.Close()

	f, _, site := newTestFetcher(t, srv, 1)

	cats, err := f.FetchCategories(context.Background(), site, []int64{3, 5})
	require.NoError(t, err)
	assert.Equal(t, []Category{{ID: 3, Name: "Sport"}, {ID: 5, Name: "World"}}, cats)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{name: "delta seconds", value: "2", want: 2 * time.Second, wantOK: true},
		{name: "zero means now", value: "0", want: 0, wantOK: true},
		{name: "fractional seconds", value: "1.5", want: 1500 * time.Millisecond, wantOK: true},
		{name: "huge value is clamped", value: "10000000000", want: time.Duration(math.MaxInt64), wantOK: true},
		{name: "http date", value: "Sat, 01 Mar 2025 12:00:30 GMT", want: 30 * time.Second, wantOK: true},
		{name: "date in the past", value: "Sat, 01 Mar 2025 11:00:00 GMT", want: 0, wantOK: true},
		{name: "absent", value: "", want: 0, wantOK: false},
		{name: "negative", value: "-3", want: 0, wantOK: false},
		{name: "garbage", value: "soon", want: 0, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRetryAfter(tt.value, now)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, time.Duration(0))
		})
	}
}

// TestFetchPage_RetryAfterZero verifies that an explicit zero hint retries
// at once instead of falling back to the computed backoff.
func TestFetchPage_RetryAfterZero(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, postsJSON(1, 3))
	}))
	defer srv.Close()

	f, rec, site := newTestFetcher(t, srv, 5)

	_, err := f.FetchPage(context.Background(), site, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{0}, rec.recorded())
}

// TestFetchPage_ConcurrencyCap verifies that no more than MaxConcurrent
// requests are in flight at once, whatever the number of callers.
func TestFetchPage_ConcurrencyCap(t *testing.T) {
	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, postsJSON(1, 3))
	}))
	defer srv.Close()

	f, _, site := newTestFetcher(t, srv, 1)
	require.Equal(t, 2, f.opts.MaxConcurrent)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for page := 1; page <= 10; page++ {
		page := page
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.FetchPage(context.Background(), site, page, 10)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load(), "both slots are used")
}

func TestFetchError_Error(t *testing.T) {
	err := &FetchError{
		Kind:       KindClient,
		URL:        "https://x/posts",
		StatusCode: 404,
		Code:       "rest_no_route",
		Attempts:   1,
	}
	assert.Equal(t, "client error: GET https://x/posts (status 404) [rest_no_route]", err.Error())
	assert.True(t, errors.Is(err, ErrClient))
	assert.False(t, errors.Is(err, ErrServer))
	assert.False(t, err.Retryable())
}
