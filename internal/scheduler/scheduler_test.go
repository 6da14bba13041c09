package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirmas/dealradar/internal/notify"
	"github.com/kirmas/dealradar/internal/reconcile"
	"github.com/kirmas/dealradar/internal/store"
	"github.com/kirmas/dealradar/pkg/fetch"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeAdapter returns a scripted listing set and counts calls. An open
// block channel holds Search until released.
type fakeAdapter struct {
	mu       sync.Mutex
	calls    int
	listings []fetch.RawListing
	err      error
	block    chan struct{}
}

func (f *fakeAdapter) Retailer() string { return "fake" }

func (f *fakeAdapter) Search(ctx context.Context, req fetch.Request) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Result{Listings: f.listings, Endpoint: "https://api.example/search?q=" + req.Query}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	sched   *Scheduler
	store   store.Store
	adapter *fakeAdapter
	query   *store.SearchQuery
	user    *store.User
}

func newFixture(t *testing.T, q store.SearchQuery) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	u := &store.User{ChatID: 1001, Username: "buyer", Active: true}
	require.NoError(t, s.CreateUser(ctx, u))

	r := &store.Retailer{Slug: "fake", Name: "Fake", Active: true}
	require.NoError(t, s.UpsertRetailer(ctx, r))

	q.UserID = u.ID
	q.RetailerID = r.ID
	if q.Query == "" {
		q.Query = "bike"
	}
	if q.IntervalMinutes == 0 {
		q.IntervalMinutes = 5
	}
	q.Active = true
	require.NoError(t, s.CreateQuery(ctx, &q))

	adapter := &fakeAdapter{}
	registry := fetch.NewRegistry()
	registry.Register(r.ID, adapter)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reconciler := reconcile.New(s, logger)
	dispatcher := notify.NewDispatcher(s, nil, logger)

	return &fixture{
		sched:   New(s, registry, reconciler, dispatcher, logger),
		store:   s,
		adapter: adapter,
		query:   &q,
		user:    u,
	}
}

func (f *fixture) unread(t *testing.T) []store.Notification {
	t.Helper()
	n, err := f.store.ListNotifications(context.Background(), f.user.ID, true)
	require.NoError(t, err)
	return n
}

func TestFirstRunSeedsBaselineSilently(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true, NotifyOnDrop: true})
	f.adapter.listings = []fetch.RawListing{
		{ExternalID: "a", Title: "a", Price: 100, PriceType: fetch.PriceFixed},
		{ExternalID: "b", Title: "b", Price: 200, PriceType: fetch.PriceFixed},
		{ExternalID: "c", Title: "c", Price: 300, PriceType: fetch.PriceFixed},
	}
	ctx := context.Background()

	f.sched.runQuery(ctx, f.query.ID)

	products, err := f.store.ListProducts(ctx, store.ProductListOpts{RetailerID: f.query.RetailerID})
	require.NoError(t, err)
	assert.Len(t, products, 3, "baseline run persists everything it saw")
	assert.Empty(t, f.unread(t), "baseline run never notifies")

	q, err := f.store.GetQuery(ctx, f.query.ID)
	require.NoError(t, err)
	assert.NotNil(t, q.LastRunAt, "completed run advances the last-run mark")
}

func TestSecondRunNotifiesOnNewAndDrop(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true, NotifyOnDrop: true})
	ctx := context.Background()

	f.adapter.listings = []fetch.RawListing{
		{ExternalID: "a", Title: "a", Price: 100, PriceType: fetch.PriceFixed},
	}
	f.sched.runQuery(ctx, f.query.ID)
	require.Empty(t, f.unread(t))

	f.adapter.listings = []fetch.RawListing{
		{ExternalID: "a", Title: "a", Price: 85, PriceType: fetch.PriceFixed},
		{ExternalID: "b", Title: "b", Price: 50, PriceType: fetch.PriceFixed},
	}
	f.sched.runQuery(ctx, f.query.ID)

	unread := f.unread(t)
	require.Len(t, unread, 2)

	types := map[store.NotificationType]int{}
	for _, n := range unread {
		types[n.Type]++
	}
	assert.Equal(t, 1, types[store.NotifyPriceDrop])
	assert.Equal(t, 1, types[store.NotifyNewProduct])
}

func TestRerunWithSameDataIsIdempotent(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true, NotifyOnDrop: true})
	ctx := context.Background()

	f.adapter.listings = []fetch.RawListing{
		{ExternalID: "a", Title: "a", Price: 100, PriceType: fetch.PriceFixed},
	}
	f.sched.runQuery(ctx, f.query.ID)
	f.sched.runQuery(ctx, f.query.ID)
	f.sched.runQuery(ctx, f.query.ID)

	assert.Empty(t, f.unread(t), "unchanged data never re-notifies")

	p, err := f.store.GetProductByExternalID(ctx, f.query.RetailerID, "a")
	require.NoError(t, err)
	assert.Nil(t, p.PreviousPrice)
}

func TestNewProductOptOutStillPersists(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: false, NotifyOnDrop: true})
	ctx := context.Background()

	f.adapter.listings = []fetch.RawListing{
		{ExternalID: "a", Title: "a", Price: 100, PriceType: fetch.PriceFixed},
	}
	f.sched.runQuery(ctx, f.query.ID)

	f.adapter.listings = append(f.adapter.listings,
		fetch.RawListing{ExternalID: "b", Title: "b", Price: 50, PriceType: fetch.PriceFixed})
	f.sched.runQuery(ctx, f.query.ID)

	assert.Empty(t, f.unread(t))

	p, err := f.store.GetProductByExternalID(ctx, f.query.RetailerID, "b")
	require.NoError(t, err)
	require.NotNil(t, p, "the product is tracked even when nobody is told")
}

func TestOverlappingFiringIsSkipped(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	f.adapter.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		f.sched.runQuery(ctx, f.query.ID)
		close(done)
	}()

	// Wait until the first run is inside Search.
	require.Eventually(t, func() bool { return f.adapter.callCount() == 1 },
		waitFor, tick)

	// A second firing while the first holds the slot returns immediately.
	f.sched.runQuery(ctx, f.query.ID)
	assert.Equal(t, 1, f.adapter.callCount(), "overlap is skipped, not queued")

	close(f.adapter.block)
	<-done

	f.adapter.block = nil
	f.sched.runQuery(ctx, f.query.ID)
	assert.Equal(t, 2, f.adapter.callCount(), "slot is free again after the run")
}

func TestCancelMidFlightLetsRunFinish(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	require.NoError(t, f.sched.Schedule(ctx, f.query))
	require.Equal(t, 1, f.adapter.callCount())

	f.adapter.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		f.sched.runQuery(ctx, f.query.ID)
		close(done)
	}()
	require.Eventually(t, func() bool { return f.adapter.callCount() == 2 },
		waitFor, tick)

	f.sched.Cancel(f.query.ID)
	assert.False(t, f.sched.Scheduled(f.query.ID), "the timer is gone immediately")

	select {
	case <-done:
		t.Fatal("run should still be in flight")
	default:
	}

	close(f.adapter.block)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("in-flight run did not finish")
	}
}

func TestFetchErrorLeavesLastRunUntouched(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	f.adapter.err = fetch.ErrUnreachable
	f.sched.runQuery(ctx, f.query.ID)

	q, err := f.store.GetQuery(ctx, f.query.ID)
	require.NoError(t, err)
	assert.Nil(t, q.LastRunAt, "a failed fetch is not a completed run")
	assert.Empty(t, f.unread(t))
}

func TestEndpointIsMemoizedAfterFirstRun(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	f.sched.runQuery(ctx, f.query.ID)

	q, err := f.store.GetQuery(ctx, f.query.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example/search?q=bike", q.Endpoint)
}

func TestDeactivatedQueryDoesNotRun(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	f.query.Active = false
	require.NoError(t, f.store.UpdateQuery(ctx, f.query))

	f.sched.runQuery(ctx, f.query.ID)
	assert.Equal(t, 0, f.adapter.callCount())
}

func TestScheduleCancelLifecycle(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	require.NoError(t, f.sched.Schedule(ctx, f.query))
	assert.True(t, f.sched.Scheduled(f.query.ID))
	assert.Equal(t, 1, f.adapter.callCount(), "scheduling runs the query once immediately")

	// Scheduling again is a no-op, no second immediate run.
	require.NoError(t, f.sched.Schedule(ctx, f.query))
	assert.Equal(t, 1, f.adapter.callCount())

	f.sched.Cancel(f.query.ID)
	assert.False(t, f.sched.Scheduled(f.query.ID))

	// Cancelling an unknown query is harmless.
	f.sched.Cancel(999)
}

func TestConcurrentScheduleArmsOneTimer(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	f.adapter.block = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- f.sched.Schedule(ctx, f.query) }()
	require.Eventually(t, func() bool { return f.adapter.callCount() == 1 },
		waitFor, tick)

	// A second Schedule racing the slow immediate run must see the
	// claimed slot and back off without arming anything.
	require.NoError(t, f.sched.Schedule(ctx, f.query))

	close(f.adapter.block)
	require.NoError(t, <-first)

	assert.Len(t, f.sched.cron.Entries(), 1, "exactly one armed timer")

	f.sched.Cancel(f.query.ID)
	assert.Empty(t, f.sched.cron.Entries(), "cancel removes the only timer")
	assert.False(t, f.sched.Scheduled(f.query.ID))
}

func TestCancelDuringImmediateRunArmsNothing(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	f.adapter.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.sched.Schedule(ctx, f.query) }()
	require.Eventually(t, func() bool { return f.adapter.callCount() == 1 },
		waitFor, tick)

	f.sched.Cancel(f.query.ID)
	close(f.adapter.block)
	require.NoError(t, <-done)

	assert.False(t, f.sched.Scheduled(f.query.ID))
	assert.Empty(t, f.sched.cron.Entries(), "a cancelled query leaves no timer behind")
}

func TestCancelAllWaitsForInFlightRuns(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	f.adapter.block = make(chan struct{})
	go f.sched.runQuery(ctx, f.query.ID)
	require.Eventually(t, func() bool { return f.adapter.callCount() == 1 },
		waitFor, tick)

	done := make(chan struct{})
	go func() {
		f.sched.CancelAll()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("CancelAll returned while a run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.adapter.block)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("CancelAll did not return after the run finished")
	}
}

func TestScheduleRejectsSubMinuteInterval(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})

	bad := *f.query
	bad.ID = 999
	bad.IntervalMinutes = 0
	require.Error(t, f.sched.Schedule(context.Background(), &bad))
}

func TestForceRunUserRunsActiveQueriesOnly(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	inactive := store.SearchQuery{UserID: f.user.ID, RetailerID: f.query.RetailerID,
		Query: "couch", IntervalMinutes: 5, Active: true}
	require.NoError(t, f.store.CreateQuery(ctx, &inactive))
	inactive.Active = false
	require.NoError(t, f.store.UpdateQuery(ctx, &inactive))

	ran, err := f.sched.ForceRunUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, f.adapter.callCount())
}

func TestDiscoverSchedulesAndCancels(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	f.sched.discover(ctx)
	assert.True(t, f.sched.Scheduled(f.query.ID), "discovery picks up unseen queries")

	f.query.Active = false
	require.NoError(t, f.store.UpdateQuery(ctx, f.query))

	f.sched.discover(ctx)
	assert.False(t, f.sched.Scheduled(f.query.ID), "discovery drops deactivated queries")
}

func TestDiscoverRearmsOnIntervalChange(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	require.NoError(t, f.sched.Schedule(ctx, f.query))

	f.query.IntervalMinutes = 15
	require.NoError(t, f.store.UpdateQuery(ctx, f.query))

	f.sched.discover(ctx)

	f.sched.mu.Lock()
	entry := f.sched.jobs[f.query.ID]
	f.sched.mu.Unlock()
	assert.Equal(t, 15, entry.interval)
}

func TestMissingAdapterIsAnError(t *testing.T) {
	f := newFixture(t, store.SearchQuery{NotifyOnNew: true})
	ctx := context.Background()

	empty := fetch.NewRegistry()
	f.sched.registry = empty

	err := f.sched.execute(ctx, f.query.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapter registered")
}
