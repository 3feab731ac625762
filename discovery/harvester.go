package discovery

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pevans/wpharvest/config"
	"github.com/pevans/wpharvest/logger"
)

// SiteProcessor harvests a single site.
type SiteProcessor interface {
	Process(ctx context.Context, site config.Site) *Report
}

// Recorder persists site reports. It is optional.
type Recorder interface {
	RecordReport(ctx context.Context, report *Report) error
}

// Harvester runs the processor over many sites, one after another.
type Harvester struct {
	processor SiteProcessor
	recorder  Recorder
	log       logger.Logger
}

// NewHarvester creates a harvester. recorder may be nil.
func NewHarvester(processor SiteProcessor, recorder Recorder, log logger.Logger) *Harvester {
	if log == nil {
		log = logger.NewNop()
	}
	return &Harvester{
		processor: processor,
		recorder:  recorder,
		log:       log,
	}
}

// Run processes sites sequentially. A failing or panicking site is reported
// and the run moves on; only cancellation of ctx ends it early.
func (h *Harvester) Run(ctx context.Context, sites []config.Site) *Summary {
	summary := &Summary{StartedAt: time.Now()}
	h.log.Info("starting harvest", logger.Int("sites", len(sites)))

	for i, site := range sites {
		if ctx.Err() != nil {
			h.log.Warn("harvest interrupted",
				logger.Int("processed", i),
				logger.Int("remaining", len(sites)-i),
			)
			summary.Cancelled = true
			break
		}

		h.log.Info("processing site",
			logger.String("site", site.Name),
			logger.Int("index", i+1),
			logger.Int("of", len(sites)),
		)

		report := h.runSite(ctx, site)
		summary.Reports = append(summary.Reports, report)

		if h.recorder != nil {
			// Recording must not depend on the harvest context, which may be
			// cancelled by now.
			if err := h.recorder.RecordReport(context.WithoutCancel(ctx), report); err != nil {
				h.log.Error("failed to record run",
					logger.String("site", site.Name),
					logger.Error(err),
				)
			}
		}
	}

	summary.FinishedAt = time.Now()

	fields := []logger.Field{
		logger.Int("succeeded", summary.Count(OutcomeSucceeded)),
		logger.Int("partial", summary.Count(OutcomePartial)),
		logger.Int("failed", summary.Count(OutcomeFailed)),
		logger.Int("new_articles", summary.NewArticles()),
		logger.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if failed := summary.FailedSites(); len(failed) > 0 {
		h.log.Warn("harvest finished with failures", append(fields, logger.Strings("failed_sites", failed))...)
	} else {
		h.log.Info("harvest finished", fields...)
	}

	return summary
}

// runSite processes one site, turning a panic into a failed report.
func (h *Harvester) runSite(ctx context.Context, site config.Site) (report *Report) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("site processing panicked",
				logger.String("site", site.Name),
				logger.String("panic", fmt.Sprint(r)),
				logger.String("stack", string(debug.Stack())),
			)
			report = &Report{
				Site:       site.Name,
				Outcome:    OutcomeFailed,
				Err:        fmt.Errorf("panic while processing %s: %v", site.Name, r),
				StartedAt:  started,
				FinishedAt: time.Now(),
			}
		}
	}()

	return h.processor.Process(ctx, site)
}
