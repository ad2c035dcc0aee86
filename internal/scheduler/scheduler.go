// Package scheduler owns task dispatch: it serializes fetches per site,
// paces them by the site's request wait, applies fetch outcomes to the
// index and decides when each directory is visited next.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arachne-project/arachne/internal/crawler"
	"github.com/arachne-project/arachne/internal/metrics"
	"github.com/arachne-project/arachne/internal/revisit"
	"github.com/arachne-project/arachne/internal/sites"
)

// idleWait bounds how long Next sleeps when the spool is empty.
const idleWait = time.Minute

// Params carries the scheduler's collaborators.
type Params struct {
	Sites     *sites.Registry
	Tasks     crawler.TaskStore
	Index     crawler.IndexStore
	Estimator *revisit.Estimator
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Publisher crawler.Publisher
	Topic     string
	Logger    *zap.Logger
}

type siteState struct {
	inFlight    bool
	nextAllowed time.Time
}

// Scheduler hands tasks to workers one at a time per site and folds their
// outcomes back into the spool and the index.
type Scheduler struct {
	sites *sites.Registry
	tasks crawler.TaskStore
	index crawler.IndexStore
	est   *revisit.Estimator
	clock crawler.Clock
	ids   crawler.IDGenerator
	pub   crawler.Publisher
	topic string
	log   *zap.Logger

	mu    sync.Mutex
	gates map[string]*siteState
	wake  chan struct{}
}

// New builds a Scheduler. Sites, Tasks, Index, Estimator, Clock, IDs and
// Logger are required; Publisher is optional.
func New(p Params) (*Scheduler, error) {
	switch {
	case p.Sites == nil:
		return nil, fmt.Errorf("sites registry is required")
	case p.Tasks == nil:
		return nil, fmt.Errorf("task store is required")
	case p.Index == nil:
		return nil, fmt.Errorf("index store is required")
	case p.Estimator == nil:
		return nil, fmt.Errorf("revisit estimator is required")
	case p.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case p.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	}
	s := &Scheduler{
		sites: p.Sites,
		tasks: p.Tasks,
		index: p.Index,
		est:   p.Estimator,
		clock: p.Clock,
		ids:   p.IDs,
		pub:   p.Publisher,
		topic: p.Topic,
		log:   p.Logger.Named("scheduler"),
		gates: make(map[string]*siteState),
		wake:  make(chan struct{}),
	}
	for _, site := range p.Sites.All() {
		s.gates[site.ID] = &siteState{}
	}
	return s, nil
}

// signal wakes every goroutine parked in Next. The channel is closed and
// replaced so a burst of enqueues or reports reaches all waiters instead
// of coalescing into a single wake-up.
func (s *Scheduler) signal() {
	s.mu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

// Enqueue adds a visit for a directory unless one is already pending or the
// directory lies deeper than the site allows. Depth overflows are dropped
// silently so that link cycles cannot grow the spool without bound.
func (s *Scheduler) Enqueue(siteID, path string, depth int, notBefore time.Time) error {
	site, ok := s.sites.ByID(siteID)
	if !ok {
		return fmt.Errorf("unknown site %s", siteID)
	}
	if depth > site.Policy.MaxDepth {
		s.log.Debug("dropping task beyond max depth",
			zap.String("site", site.URL.Host),
			zap.String("path", path),
			zap.Int("depth", depth))
		return nil
	}
	if s.tasks.HasPathPending(siteID, path) {
		return nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("new task id: %w", err)
	}
	task := crawler.Task{
		ID:        id,
		SiteID:    siteID,
		Path:      path,
		Depth:     depth,
		NotBefore: notBefore,
	}
	if err := s.tasks.Put(task); err != nil {
		return fmt.Errorf("enqueue %s: %w", path, err)
	}
	metrics.SetPendingTasks(site.URL.Host, s.tasks.PendingForSite(siteID))
	s.signal()
	return nil
}

// Next blocks until a task is both due and its site is free, then hands it
// out. The site stays busy until the task is reported.
func (s *Scheduler) Next(ctx context.Context) (crawler.Task, *sites.Site, error) {
	for {
		s.mu.Lock()
		now := s.clock.Now()
		task, ok := s.tasks.PopDue(now, func(siteID string) bool {
			st, known := s.gates[siteID]
			return known && !st.inFlight && !st.nextAllowed.After(now)
		})
		if ok {
			s.gates[task.SiteID].inFlight = true
			s.mu.Unlock()
			site, _ := s.sites.ByID(task.SiteID)
			metrics.SetPendingTasks(site.URL.Host, s.tasks.PendingForSite(task.SiteID))
			return task, site, nil
		}
		earliest, found := s.tasks.EarliestDispatch(func(siteID string) (time.Time, bool) {
			st, known := s.gates[siteID]
			if !known || st.inFlight {
				return time.Time{}, false
			}
			return st.nextAllowed, true
		})
		// Snapshot the wake channel while still locked; signal replaces it.
		wake := s.wake
		s.mu.Unlock()

		wait := idleWait
		if found {
			if d := earliest.Sub(now); d < wait {
				wait = d
			}
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.Task{}, nil, ctx.Err()
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

// Report folds a task outcome back into the scheduler. It frees the site
// for its next dispatch, updates the index, chooses the next revisit time
// and enqueues whatever follow-up visits the outcome calls for.
func (s *Scheduler) Report(ctx context.Context, task crawler.Task, outcome crawler.Outcome) error {
	site, ok := s.sites.ByID(task.SiteID)
	if !ok {
		s.tasks.Ack(task.ID)
		return fmt.Errorf("report for unknown site %s", task.SiteID)
	}
	now := s.clock.Now()

	s.mu.Lock()
	st := s.gates[task.SiteID]
	st.inFlight = false
	// The request wait is measured from completion, so a slow site is never
	// hit faster than one request per wait period.
	st.nextAllowed = now.Add(site.Policy.RequestWait)
	s.mu.Unlock()
	defer s.signal()

	s.tasks.Ack(task.ID)

	var err error
	switch outcome.Kind {
	case crawler.OutcomeFetched, crawler.OutcomeEmpty:
		err = s.reportFetched(ctx, site, task, outcome, now)
	case crawler.OutcomeTransient:
		err = s.reportDirError(ctx, site, task, outcome, now)
	case crawler.OutcomeSiteUnreachable:
		err = s.reportSiteError(ctx, site, task, outcome, now)
	case crawler.OutcomePermanent:
		err = s.reportPermanent(ctx, site, task, outcome)
	default:
		err = fmt.Errorf("unknown outcome kind %q", outcome.Kind)
	}
	metrics.SetPendingTasks(site.URL.Host, s.tasks.PendingForSite(task.SiteID))
	return err
}

func (s *Scheduler) reportFetched(
	ctx context.Context,
	site *sites.Site,
	task crawler.Task,
	outcome crawler.Outcome,
	now time.Time,
) error {
	diff, err := s.index.Apply(ctx, task.SiteID, task.Path, outcome.Listing, now)
	if err != nil {
		// The fetch succeeded but the commit did not; retry the directory
		// like a transient fetch failure.
		s.log.Error("index apply failed",
			zap.String("site", site.URL.Host),
			zap.String("path", task.Path),
			zap.Error(err))
		return s.reportDirError(ctx, site, task, crawler.Outcome{Kind: crawler.OutcomeTransient, Err: err}, now)
	}
	metrics.ObserveDiff(site.URL.Host, len(diff.Added), len(diff.Removed), len(diff.Modified))

	next := s.est.Next(diff.PrevWait, diff.Changed(), site.Policy)
	if err := s.index.SetRevisitWait(ctx, task.SiteID, task.Path, next); err != nil {
		s.log.Warn("store revisit wait failed",
			zap.String("path", task.Path),
			zap.Error(err))
	}
	metrics.ObserveRevisitWait(site.URL.Host, next)
	if err := s.Enqueue(task.SiteID, task.Path, task.Depth, now.Add(next)); err != nil {
		return fmt.Errorf("schedule revisit of %s: %w", task.Path, err)
	}

	for _, sub := range outcome.Listing.Subdirectories() {
		child := crawler.ChildPath(task.Path, sub.Name)
		if err := s.Enqueue(task.SiteID, child, task.Depth+1, now); err != nil {
			return fmt.Errorf("enqueue child %s: %w", child, err)
		}
	}

	if diff.Changed() {
		s.publishChange(ctx, site, task.Path, diff)
	}
	s.log.Debug("directory committed",
		zap.String("site", site.URL.Host),
		zap.String("path", task.Path),
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)),
		zap.Int("modified", len(diff.Modified)),
		zap.Duration("next_revisit", next))
	return nil
}

func (s *Scheduler) reportDirError(
	ctx context.Context,
	site *sites.Site,
	task crawler.Task,
	outcome crawler.Outcome,
	now time.Time,
) error {
	if err := s.index.RecordError(ctx, task.SiteID, task.Path); err != nil {
		s.log.Warn("record error failed", zap.String("path", task.Path), zap.Error(err))
	}
	s.log.Info("directory fetch failed, will retry",
		zap.String("site", site.URL.Host),
		zap.String("path", task.Path),
		zap.Int("attempt", task.Attempt+1),
		zap.Error(outcome.Err))
	return s.retry(task, now.Add(site.Policy.ErrorDirWait))
}

func (s *Scheduler) reportSiteError(
	ctx context.Context,
	site *sites.Site,
	task crawler.Task,
	outcome crawler.Outcome,
	now time.Time,
) error {
	until := now.Add(site.Policy.ErrorSiteWait)
	s.mu.Lock()
	if st := s.gates[task.SiteID]; until.After(st.nextAllowed) {
		st.nextAllowed = until
	}
	s.mu.Unlock()
	s.tasks.DelaySite(task.SiteID, until)
	metrics.ObserveSiteBackoff(site.URL.Host)

	if err := s.index.RecordError(ctx, task.SiteID, task.Path); err != nil {
		s.log.Warn("record error failed", zap.String("path", task.Path), zap.Error(err))
	}
	s.log.Warn("site unreachable, backing off",
		zap.String("site", site.URL.Host),
		zap.Time("until", until),
		zap.Error(outcome.Err))
	return s.retry(task, until)
}

func (s *Scheduler) reportPermanent(
	ctx context.Context,
	site *sites.Site,
	task crawler.Task,
	outcome crawler.Outcome,
) error {
	s.log.Info("directory gone, pruning",
		zap.String("site", site.URL.Host),
		zap.String("path", task.Path),
		zap.Error(outcome.Err))
	if err := s.index.RemoveTree(ctx, task.SiteID, task.Path); err != nil {
		return fmt.Errorf("prune %s: %w", task.Path, err)
	}
	return nil
}

// retry re-enqueues the same directory with the attempt counter bumped.
func (s *Scheduler) retry(task crawler.Task, notBefore time.Time) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("new task id: %w", err)
	}
	retry := crawler.Task{
		ID:        id,
		SiteID:    task.SiteID,
		Path:      task.Path,
		Depth:     task.Depth,
		NotBefore: notBefore,
		Attempt:   task.Attempt + 1,
	}
	if err := s.tasks.Put(retry); err != nil {
		return fmt.Errorf("requeue %s: %w", task.Path, err)
	}
	return nil
}

type changeEvent struct {
	SiteID   string    `json:"site_id"`
	SiteURL  string    `json:"site_url"`
	Path     string    `json:"path"`
	Added    int       `json:"added"`
	Removed  int       `json:"removed"`
	Modified int       `json:"modified"`
	At       time.Time `json:"at"`
}

func (s *Scheduler) publishChange(ctx context.Context, site *sites.Site, path string, diff crawler.Diff) {
	if s.pub == nil {
		return
	}
	event := changeEvent{
		SiteID:   site.ID,
		SiteURL:  site.URL.String(),
		Path:     path,
		Added:    len(diff.Added),
		Removed:  len(diff.Removed),
		Modified: len(diff.Modified),
		At:       s.clock.Now(),
	}
	if _, err := s.pub.Publish(ctx, s.topic, event); err != nil {
		s.log.Warn("publish change event failed",
			zap.String("path", path),
			zap.Error(err))
	}
}

// Bootstrap reconciles the spool and the index with the configured site
// table, then seeds the work the crawl needs to resume: every indexed
// directory without a pending task is re-enqueued at its stored revisit
// time, and sites with no state at all start from their root.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	keep := make(map[string]struct{}, s.sites.Len())
	for _, id := range s.sites.IDs() {
		keep[id] = struct{}{}
	}
	s.tasks.PurgeSitesExcept(keep)
	if err := s.index.PurgeSitesExcept(ctx, s.sites.IDs()); err != nil {
		return fmt.Errorf("purge removed sites: %w", err)
	}

	now := s.clock.Now()
	for _, site := range s.sites.All() {
		dirs, err := s.index.ListDirectories(ctx, site.ID)
		if err != nil {
			return fmt.Errorf("list directories of %s: %w", site.URL.Host, err)
		}
		root := site.RootPath()
		for _, d := range dirs {
			if s.tasks.HasPathPending(site.ID, d.Path) {
				continue
			}
			due := d.LastFetch.Add(d.RevisitWait)
			if due.Before(now) {
				due = now
			}
			depth := crawler.DepthOf(root, d.Path)
			if err := s.Enqueue(site.ID, d.Path, depth, due); err != nil {
				return fmt.Errorf("re-seed %s: %w", d.Path, err)
			}
		}
		if s.tasks.PendingForSite(site.ID) == 0 {
			if err := s.Enqueue(site.ID, root, 0, now); err != nil {
				return fmt.Errorf("seed root of %s: %w", site.URL.Host, err)
			}
		}
		s.log.Info("site ready",
			zap.String("site", site.URL.Host),
			zap.Int("directories", len(dirs)),
			zap.Int("pending", s.tasks.PendingForSite(site.ID)))
	}
	return s.tasks.Flush()
}

// SiteStatus is the operational view of one site.
type SiteStatus struct {
	SiteID      string    `json:"site_id"`
	URL         string    `json:"url"`
	Pending     int       `json:"pending_tasks"`
	InFlight    bool      `json:"in_flight"`
	NextAllowed time.Time `json:"next_allowed"`
}

// Status reports the live scheduling state of every site.
func (s *Scheduler) Status() []SiteStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SiteStatus, 0, s.sites.Len())
	for _, site := range s.sites.All() {
		st := s.gates[site.ID]
		out = append(out, SiteStatus{
			SiteID:      site.ID,
			URL:         site.URL.String(),
			Pending:     s.tasks.PendingForSite(site.ID),
			InFlight:    st.inFlight,
			NextAllowed: st.nextAllowed,
		})
	}
	return out
}
