// Package poller schedules per-feed fetch cycles and turns fetched items
// into deliveries.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"feedwarden/internal/cooldown"
	"feedwarden/internal/domain"
	"feedwarden/internal/fetcher"
	"feedwarden/internal/filter"
	"feedwarden/internal/subscription"
)

const maxConcurrencyGrowthFactor = 10

// Source fetches a feed's current items, in no guaranteed order.
type Source interface {
	Fetch(ctx context.Context, feedURL string) ([]domain.Item, error)
}

// Dispatcher delivers one eligible (subscriber, item) pair.
type Dispatcher interface {
	Deliver(ctx context.Context, target subscription.Target, item domain.Item) error
}

// StateStore persists advanced delivery markers.
type StateStore interface {
	SaveDeliveryState(ctx context.Context, scope domain.Scope, lastItemSent time.Time) error
}

type Config struct {
	// Interval is the default per-feed poll interval.
	Interval time.Duration
	// FailureThreshold is the number of consecutive fetch failures after
	// which a feed is suspended.
	FailureThreshold int
	// SuspendRetryAfter is how long a suspended feed stays out of
	// scheduling before it is retried.
	SuspendRetryAfter time.Duration
}

// feedState is the per-feed scheduling record. inFlight enforces
// single-flight: a new cycle for a feed never starts while one is running.
type feedState struct {
	inFlight       bool
	lastStart      time.Time
	failures       int
	suspendedUntil time.Time
}

// Orchestrator runs one fetch/process cycle per distinct feed URL. Cycles
// for different feeds run in parallel up to a worker limit; items within one
// cycle are processed sequentially in chronological order.
type Orchestrator struct {
	source     Source
	index      *subscription.Index
	gate       *cooldown.Gate
	dispatcher Dispatcher
	store      StateStore
	clock      domain.Clock
	cfg        Config
	log        *slog.Logger

	mu    sync.Mutex
	feeds map[string]*feedState
}

func New(
	source Source,
	index *subscription.Index,
	gate *cooldown.Gate,
	dispatcher Dispatcher,
	store StateStore,
	clock domain.Clock,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		source:     source,
		index:      index,
		gate:       gate,
		dispatcher: dispatcher,
		store:      store,
		clock:      clock,
		cfg:        cfg,
		log:        log,
		feeds:      make(map[string]*feedState),
	}
}

// RunDue starts a cycle for every tracked feed that is due, skipping feeds
// with a cycle already in flight and feeds currently suspended, and waits
// for the started cycles to finish.
func (o *Orchestrator) RunDue(ctx context.Context) {
	feeds := o.index.Feeds()
	if len(feeds) == 0 {
		return
	}

	concurrency := min(runtime.NumCPU()*maxConcurrencyGrowthFactor, len(feeds))
	semCh := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, feed := range feeds {
		if ctx.Err() != nil {
			break
		}

		if !o.begin(feed.URL) {
			continue
		}

		wg.Add(1)
		semCh <- struct{}{}

		go func(copiedFeed domain.Feed) {
			defer wg.Done()

			o.cycle(ctx, copiedFeed)

			<-semCh
		}(feed)
	}

	wg.Wait()
}

// begin claims the feed for a cycle. Returns false when the feed is not due,
// suspended, or already in flight.
func (o *Orchestrator) begin(feedURL string) bool {
	now := o.clock()

	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.feeds[feedURL]
	if !ok {
		st = &feedState{}
		o.feeds[feedURL] = st
	}

	if st.inFlight {
		return false
	}
	if now.Before(st.suspendedUntil) {
		return false
	}
	if !st.lastStart.IsZero() && now.Sub(st.lastStart) < o.cfg.Interval {
		return false
	}

	st.inFlight = true
	st.lastStart = now

	return true
}

func (o *Orchestrator) finish(feedURL string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if st, ok := o.feeds[feedURL]; ok {
		st.inFlight = false
	}
}

// cycle is one fetch-and-process pass for a single feed. The target set is
// snapshotted before the fetch: a subscriber removed mid-cycle still gets
// this cycle's deliveries, and disappears from the next one.
func (o *Orchestrator) cycle(ctx context.Context, feed domain.Feed) {
	defer o.finish(feed.URL)

	targets := o.index.Resolve(feed.URL)

	items, err := o.source.Fetch(ctx, feed.URL)
	if err != nil {
		o.recordFailure(ctx, feed, err)
		return
	}

	o.resetFailures(feed.URL)

	if len(items) == 0 || len(targets) == 0 {
		return
	}

	// Chronological order keeps the per-scope marker monotonic when one
	// fetch returns several new items.
	slices.SortStableFunc(items, func(a, b domain.Item) int {
		return a.Published.Compare(b.Published)
	})

	for _, item := range items {
		if ctx.Err() != nil {
			o.log.InfoContext(ctx, "Cycle context is done",
				"error", ctx.Err(),
				"feedURL", feed.URL)
			return
		}

		for _, target := range targets {
			o.evaluate(ctx, target, item)
		}
	}
}

// evaluate makes the joint whitelist + cooldown + dedup decision for one
// (subscriber, item) pair and settles the delivery.
func (o *Orchestrator) evaluate(
	ctx context.Context,
	target subscription.Target,
	item domain.Item,
) {
	if !filter.Matches(target.Whitelist, item.Title) {
		return
	}

	if !o.gate.Eligible(target.Scope, target.Cooldown, item.Published, o.clock()) {
		return
	}

	if err := o.dispatcher.Deliver(ctx, target, item); err != nil {
		// The marker stays put, so the item is retried next cycle.
		o.log.ErrorContext(ctx, "Failed to deliver item",
			"error", err,
			"subscriberID", target.Subscriber.ID,
			"feedURL", target.Feed.URL,
			"itemURL", item.URL)
		return
	}

	last := o.gate.RecordDelivery(target.Scope, item.Published)

	if err := o.store.SaveDeliveryState(ctx, target.Scope, last); err != nil {
		o.log.ErrorContext(ctx, "Failed to persist delivery state",
			"error", err,
			"subscriberID", target.Subscriber.ID,
			"feedID", target.Feed.ID,
			"lastItemSent", last)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, feed domain.Feed, err error) {
	kind := fetcher.KindNetwork
	var fetchErr *fetcher.FetchError
	if errors.As(err, &fetchErr) {
		kind = fetchErr.Kind
	}

	now := o.clock()

	o.mu.Lock()
	st := o.feeds[feed.URL]
	st.failures++
	failures := st.failures
	suspended := o.cfg.FailureThreshold > 0 && failures >= o.cfg.FailureThreshold
	if suspended {
		st.suspendedUntil = now.Add(o.cfg.SuspendRetryAfter)
		st.failures = 0
	}
	o.mu.Unlock()

	if suspended {
		o.log.WarnContext(ctx, "Feed is suspended after consecutive failures",
			"error", err,
			"kind", kind.String(),
			"feedURL", feed.URL,
			"failures", failures,
			"retryAt", now.Add(o.cfg.SuspendRetryAfter))
		return
	}

	o.log.WarnContext(ctx, "Failed to fetch feed",
		"error", err,
		"kind", kind.String(),
		"feedURL", feed.URL,
		"failures", failures)
}

func (o *Orchestrator) resetFailures(feedURL string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if st, ok := o.feeds[feedURL]; ok {
		st.failures = 0
		st.suspendedUntil = time.Time{}
	}
}
