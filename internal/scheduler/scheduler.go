package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirmas/dealradar/internal/notify"
	"github.com/kirmas/dealradar/internal/reconcile"
	"github.com/kirmas/dealradar/internal/store"
	"github.com/kirmas/dealradar/pkg/fetch"
)

// Scheduler owns one recurring cron entry per active query plus a
// discovery poll that picks up queries created through any path. It is
// the only component holding job state, and it guarantees at most one
// in-flight execution per query.
type Scheduler struct {
	store      store.Store
	registry   *fetch.Registry
	reconciler *reconcile.Reconciler
	dispatcher *notify.Dispatcher
	logger     *slog.Logger

	cron    *cron.Cron
	baseCtx context.Context

	mu       sync.Mutex
	jobs     map[int64]jobEntry
	inFlight map[int64]struct{}
	running  sync.WaitGroup
}

type jobEntry struct {
	id       cron.EntryID
	interval int
}

// New creates a Scheduler.
func New(s store.Store, registry *fetch.Registry, reconciler *reconcile.Reconciler, dispatcher *notify.Dispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      s,
		registry:   registry,
		reconciler: reconciler,
		dispatcher: dispatcher,
		logger:     logger,
		cron:       cron.New(),
		baseCtx:    context.Background(),
		jobs:       make(map[int64]jobEntry),
		inFlight:   make(map[int64]struct{}),
	}
}

// Start bulk-schedules every active query of every active user, arms
// the discovery poll, and starts the timers. Each scheduled query runs
// once immediately before its timer is armed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx

	queries, err := s.store.ListActiveQueries(ctx)
	if err != nil {
		return fmt.Errorf("load active queries: %w", err)
	}

	for i := range queries {
		if err := s.Schedule(ctx, &queries[i]); err != nil {
			s.logger.Error("scheduling query failed", "query_id", queries[i].ID, "error", err)
		}
	}

	if _, err := s.cron.AddFunc("@every 1m", func() { s.discover(s.baseCtx) }); err != nil {
		return fmt.Errorf("arm discovery poll: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "queries", len(queries))
	return nil
}

// Schedule runs the query once immediately (awaited), then arms its
// wall-clock-aligned recurring timer. Scheduling an already scheduled
// query is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, q *store.SearchQuery) error {
	if q.IntervalMinutes < 1 {
		return fmt.Errorf("query %d: interval %d below one minute", q.ID, q.IntervalMinutes)
	}

	// Claim the slot before the immediate run so an overlapping Schedule
	// (API create racing the discovery poll) cannot arm a second timer.
	s.mu.Lock()
	if _, exists := s.jobs[q.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	s.jobs[q.ID] = jobEntry{interval: q.IntervalMinutes}
	s.mu.Unlock()

	s.runQuery(ctx, q.ID)

	queryID := q.ID
	entryID, err := s.cron.AddFunc(fmt.Sprintf("*/%d * * * *", q.IntervalMinutes), func() {
		s.runQuery(s.baseCtx, queryID)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.jobs, q.ID)
		s.mu.Unlock()
		return fmt.Errorf("arm timer for query %d: %w", q.ID, err)
	}

	s.mu.Lock()
	if _, held := s.jobs[q.ID]; !held {
		// Cancelled while the immediate run was in flight.
		s.mu.Unlock()
		s.cron.Remove(entryID)
		return nil
	}
	s.jobs[q.ID] = jobEntry{id: entryID, interval: q.IntervalMinutes}
	s.mu.Unlock()

	s.logger.Info("query scheduled", "query_id", q.ID, "interval_min", q.IntervalMinutes)
	return nil
}

// Cancel stops the query's timer. An in-flight run finishes but no
// further firings happen.
func (s *Scheduler) Cancel(queryID int64) {
	s.mu.Lock()
	entry, ok := s.jobs[queryID]
	if ok {
		delete(s.jobs, queryID)
	}
	s.mu.Unlock()

	if ok {
		s.cron.Remove(entry.id)
		s.logger.Info("query cancelled", "query_id", queryID)
	}
}

// CancelAll stops every timer and the discovery poll, then waits for
// in-flight runs to finish. Called on shutdown before the store closes.
// Waiting covers runs started outside cron too, such as the immediate
// run of an API-created query.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	s.jobs = make(map[int64]jobEntry)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.running.Wait()
	s.logger.Info("scheduler stopped")
}

// ForceRunUser immediately executes every active query the user owns,
// through the same pipeline as timer-driven runs. Returns how many
// queries were run.
func (s *Scheduler) ForceRunUser(ctx context.Context, userID int64) (int, error) {
	queries, err := s.store.ListQueriesByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("force run user %d: %w", userID, err)
	}

	ran := 0
	for i := range queries {
		if !queries[i].Active {
			continue
		}
		s.runQuery(ctx, queries[i].ID)
		ran++
	}
	return ran, nil
}

// Scheduled reports whether a query currently has an armed timer.
func (s *Scheduler) Scheduled(queryID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[queryID]
	return ok
}

// discover reconciles the scheduled set against active queries of
// active users: unseen queries are scheduled, deactivated or deleted
// ones cancelled, and interval edits rearm the timer.
func (s *Scheduler) discover(ctx context.Context) {
	queries, err := s.store.ListActiveQueries(ctx)
	if err != nil {
		s.logger.Error("query discovery failed", "error", err)
		return
	}

	active := make(map[int64]bool, len(queries))
	for i := range queries {
		q := &queries[i]
		active[q.ID] = true

		s.mu.Lock()
		entry, scheduled := s.jobs[q.ID]
		s.mu.Unlock()

		switch {
		case !scheduled:
			s.logger.Info("discovered unscheduled query", "query_id", q.ID)
			if err := s.Schedule(ctx, q); err != nil {
				s.logger.Error("scheduling discovered query failed", "query_id", q.ID, "error", err)
			}
		case entry.interval != q.IntervalMinutes:
			s.logger.Info("query interval changed, rescheduling",
				"query_id", q.ID, "interval_min", q.IntervalMinutes)
			s.Cancel(q.ID)
			if err := s.Schedule(ctx, q); err != nil {
				s.logger.Error("rescheduling query failed", "query_id", q.ID, "error", err)
			}
		}
	}

	s.mu.Lock()
	var stale []int64
	for id := range s.jobs {
		if !active[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.Cancel(id)
	}
}

// runQuery is the single entry point for executing a query, shared by
// immediate, timer-driven, and force runs. Overlapping firings of the
// same query are skipped, not queued.
func (s *Scheduler) runQuery(ctx context.Context, queryID int64) {
	s.mu.Lock()
	if _, running := s.inFlight[queryID]; running {
		s.mu.Unlock()
		s.logger.Warn("previous run still in flight, skipping firing", "query_id", queryID)
		return
	}
	s.inFlight[queryID] = struct{}{}
	s.running.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, queryID)
		s.mu.Unlock()
		s.running.Done()
	}()

	if err := s.execute(ctx, queryID); err != nil {
		s.logger.Error("query run failed", "query_id", queryID, "error", err)
	}
}

// execute runs the fetch → reconcile → decide → dispatch pipeline for
// one query. The last-run timestamp advances once fetch and reconcile
// have completed, even if individual listings were skipped.
func (s *Scheduler) execute(ctx context.Context, queryID int64) error {
	q, err := s.store.GetQuery(ctx, queryID)
	if err != nil {
		return fmt.Errorf("load query: %w", err)
	}
	if !q.Active {
		return nil
	}

	adapter, ok := s.registry.Lookup(q.RetailerID)
	if !ok {
		return fmt.Errorf("no adapter registered for retailer %d", q.RetailerID)
	}

	firstRun := q.LastRunAt == nil

	result, err := adapter.Search(ctx, fetch.Request{Query: q.Query, Endpoint: q.Endpoint})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", adapter.Retailer(), err)
	}

	if result.Endpoint != "" && result.Endpoint != q.Endpoint {
		if err := s.store.SetQueryEndpoint(ctx, q.ID, result.Endpoint); err != nil {
			s.logger.Error("memoizing endpoint failed", "query_id", q.ID, "error", err)
		}
	}

	changes := s.reconciler.Reconcile(ctx, q.RetailerID, result.Listings)
	events := notify.Decide(*q, changes, firstRun)

	for _, ev := range events {
		if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
			s.logger.Error("dispatch failed",
				"query_id", q.ID, "product_id", ev.ProductID, "error", err)
		}
	}

	if err := s.store.SetQueryLastRun(ctx, q.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("advance last run: %w", err)
	}

	s.logger.Info("query run complete",
		"query_id", q.ID, "listings", len(result.Listings),
		"changes", countChanges(changes), "notifications", len(events))
	return nil
}

func countChanges(changes []reconcile.Change) int {
	n := 0
	for _, c := range changes {
		if c.Kind != reconcile.KindUnchanged {
			n++
		}
	}
	return n
}
