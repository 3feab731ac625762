package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pevans/wpharvest/config"
	"github.com/pevans/wpharvest/dataset"
	"github.com/pevans/wpharvest/discovery"
	"github.com/pevans/wpharvest/sources"
)

const (
	maxErrorWidth = 60
	timeFormat    = "2006-01-02 15:04"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// printSummary prints one row per site followed by the totals.
func printSummary(w io.Writer, summary *discovery.Summary) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Site", "Outcome", "New", "Total", "Pages", "Stop", "Duration", "Error"})

	for _, r := range summary.Reports {
		stop := string(r.StopReason)
		if r.StopPage > 0 {
			stop = fmt.Sprintf("%s @%d", r.StopReason, r.StopPage)
		}
		t.AppendRow(table.Row{
			r.Site,
			r.Outcome,
			r.NewArticles,
			r.TotalArticles,
			r.PagesFetched,
			stop,
			r.Duration().Round(time.Millisecond),
			truncate(r.ErrorMessage(), maxErrorWidth),
		})
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("%d sites", len(summary.Reports)),
		fmt.Sprintf("%d ok / %d partial / %d failed",
			summary.Count(discovery.OutcomeSucceeded),
			summary.Count(discovery.OutcomePartial),
			summary.Count(discovery.OutcomeFailed),
		),
		summary.NewArticles(),
		"",
		"",
		"",
		summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
		"",
	})
	t.Render()
}

// renderSitesTable prints the configured sites and their dataset paths.
func renderSitesTable(w io.Writer, sites []config.Site, store *dataset.Store) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Site", "Listing URL", "Categories URL", "Dataset"})
	for _, site := range sites {
		t.AppendRow(table.Row{site.Name, site.ListingURL, site.CategoriesURL, store.PathFor(site.Name)})
	}
	t.Render()
}

// renderStatusTable prints the recorded state of each site.
func renderStatusTable(w io.Writer, states []sources.SiteState) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Site", "Last Outcome", "Last Fetched", "Last Success", "Errors", "Articles", "Last Error"})
	for _, s := range states {
		lastError := ""
		if s.LastError != nil {
			lastError = truncate(*s.LastError, maxErrorWidth)
		}
		t.AppendRow(table.Row{
			s.Name,
			s.LastOutcome,
			formatOptionalTime(s.LastFetchedAt),
			formatOptionalTime(s.LastSuccessAt),
			s.FetchErrorCount,
			s.TotalNewArticles,
			lastError,
		})
	}
	t.Render()
}

// renderRunsTable prints a site's run history.
func renderRunsTable(w io.Writer, runs []sources.Run) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Started", "Outcome", "New", "Total", "Pages", "Stop", "Duration", "Error"})
	for _, r := range runs {
		runError := ""
		if r.Error != nil {
			runError = truncate(*r.Error, maxErrorWidth)
		}
		stop := r.StopReason
		if r.StopPage > 0 {
			stop = fmt.Sprintf("%s @%d", r.StopReason, r.StopPage)
		}
		t.AppendRow(table.Row{
			r.StartedAt.Local().Format(timeFormat),
			r.Outcome,
			r.NewArticles,
			r.TotalArticles,
			r.PagesFetched,
			stop,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			runError,
		})
	}
	t.Render()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(timeFormat)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	switch {
	case len(runes) <= n:
		return s
	case n <= 3:
		return string(runes[:max(n, 0)])
	}
	return string(runes[:n-3]) + "..."
}
