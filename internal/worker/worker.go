// Package worker implements the fetch execution loop.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arachne-project/arachne/internal/crawler"
	"github.com/arachne-project/arachne/internal/handler"
	"github.com/arachne-project/arachne/internal/metrics"
	"github.com/arachne-project/arachne/internal/ratelimit"
	"github.com/arachne-project/arachne/internal/sites"
)

// Source hands out tasks and accepts their outcomes. The scheduler is the
// production implementation.
type Source interface {
	Next(ctx context.Context) (crawler.Task, *sites.Site, error)
	Report(ctx context.Context, task crawler.Task, outcome crawler.Outcome) error
}

// Config controls Worker behavior.
type Config struct {
	FetchTimeout time.Duration
}

// Worker pulls tasks from the scheduler, runs the site handler and reports
// the classified outcome.
type Worker struct {
	source   Source
	handlers *handler.Registry
	limiter  *ratelimit.Limiter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	source Source,
	handlers *handler.Registry,
	limiter *ratelimit.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	return &Worker{
		source:   source,
		handlers: handlers,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, executing tasks until the context finishes. A task whose
// fetch is cut short by shutdown is left unacknowledged so it is retried
// after restart with its original schedule.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, site, err := w.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("next task failed", zap.Error(err))
			continue
		}
		w.process(ctx, task, site)
	}
}

func (w *Worker) process(ctx context.Context, task crawler.Task, site *sites.Site) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.limiter.Wait(ctx); err != nil {
		// Shutdown while queued behind the limiter; the unacked task stays
		// in the spool.
		return
	}

	start := time.Now()
	listing, err := w.fetch(ctx, task, site)
	if err != nil && ctx.Err() != nil {
		return
	}

	outcome := crawler.Outcome{Err: err}
	switch {
	case err != nil:
		outcome.Kind = crawler.ClassifyFetchError(err)
	case len(listing.Entries) == 0:
		outcome.Kind = crawler.OutcomeEmpty
		outcome.Listing = listing
	default:
		outcome.Kind = crawler.OutcomeFetched
		outcome.Listing = listing
	}
	metrics.ObserveFetch(site.URL.Host, string(outcome.Kind), time.Since(start))

	// A fetch that completed is always reported, even mid-shutdown, so the
	// index commit is not lost.
	reportCtx := context.WithoutCancel(ctx)
	if err := w.source.Report(reportCtx, task, outcome); err != nil {
		w.logger.Error("report failed",
			zap.String("site", site.URL.Host),
			zap.String("path", task.Path),
			zap.Error(err))
	}
}

// fetch runs the handler with a timeout and converts panics into ordinary
// transient errors so one misbehaving listing cannot kill the worker.
func (w *Worker) fetch(ctx context.Context, task crawler.Task, site *sites.Site) (listing crawler.Listing, err error) {
	h, herr := w.handlers.Resolve(site.Policy.Handler)
	if herr != nil {
		return crawler.Listing{}, crawler.NewFetchError(crawler.FetchTransient, herr)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				zap.String("site", site.URL.Host),
				zap.String("path", task.Path),
				zap.Any("panic", r))
			listing = crawler.Listing{}
			err = crawler.NewFetchError(crawler.FetchTransient, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.FetchListing(fetchCtx, site, task.Path)
}
