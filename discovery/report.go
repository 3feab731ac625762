package discovery

import (
	"time"
)

// Outcome is the result class of one site's run.
type Outcome string

const (
	// OutcomeSucceeded means pagination ended without a failed page.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomePartial means a page after the first failed; articles from
	// earlier pages were still saved.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means nothing could be obtained or saved.
	OutcomeFailed Outcome = "failed"
)

// StopReason records why pagination ended.
type StopReason string

const (
	StopEarly      StopReason = "known_page"
	StopLastPage   StopReason = "last_page"
	StopTotalPages StopReason = "total_pages"
	StopFailed     StopReason = "page_failed"
)

// Report describes one site's run.
type Report struct {
	Site           string     `json:"site"`
	Outcome        Outcome    `json:"outcome"`
	NewArticles    int        `json:"new_articles"`
	TotalArticles  int        `json:"total_articles"`
	PagesFetched   int        `json:"pages_fetched"`
	SkippedRecords int        `json:"skipped_records"`
	StopReason     StopReason `json:"stop_reason"`
	StopPage       int        `json:"stop_page"`
	Warnings       []string   `json:"warnings,omitempty"`
	Err            error      `json:"-"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ErrorMessage returns the error text, or "" when the run had no error.
func (r *Report) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// warn adds a warning once.
func (r *Report) warn(msg string) {
	for _, w := range r.Warnings {
		if w == msg {
			return
		}
	}
	r.Warnings = append(r.Warnings, msg)
}

func (r *Report) stop(reason StopReason, page int) {
	r.StopReason = reason
	r.StopPage = page
}

// Summary aggregates the reports of a multi-site run.
type Summary struct {
	Reports    []*Report
	StartedAt  time.Time
	FinishedAt time.Time
	// Cancelled is set when the run was interrupted before every site was
	// processed.
	Cancelled bool
}

// Count returns how many sites ended with outcome o.
func (s *Summary) Count(o Outcome) int {
	n := 0
	for _, r := range s.Reports {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// NewArticles returns the number of articles added across all sites.
func (s *Summary) NewArticles() int {
	n := 0
	for _, r := range s.Reports {
		n += r.NewArticles
	}
	return n
}

// FailedSites returns the names of sites whose run failed.
func (s *Summary) FailedSites() []string {
	var names []string
	for _, r := range s.Reports {
		if r.Outcome == OutcomeFailed {
			names = append(names, r.Site)
		}
	}
	return names
}

// HasFailures reports whether any site failed.
func (s *Summary) HasFailures() bool {
	return s.Count(OutcomeFailed) > 0
}
