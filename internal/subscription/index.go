// Package subscription keeps the in-memory view of who tracks which feed
// and resolves the effective whitelist and cooldown for each scope.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"feedwarden/internal/cooldown"
	"feedwarden/internal/domain"
)

// ErrInvalidFeedURL marks user-supplied URLs that are malformed or not
// hierarchical http(s) URLs. Surfaced to the subscriber, never fatal.
var ErrInvalidFeedURL = errors.New("invalid feed URL")

var (
	ErrNotRegistered   = errors.New("subscriber is not registered")
	ErrUnknownFeed     = errors.New("feed is not tracked by subscriber")
	ErrUnknownCategory = errors.New("unknown category")
)

// Store is the persistence contract the index writes through. Implemented
// by the database package.
type Store interface {
	Snapshot(ctx context.Context) (*domain.Snapshot, error)
	UpsertSubscriber(ctx context.Context, sub domain.Subscriber) (bool, error)
	DeleteSubscriber(ctx context.Context, subscriberID int64) error
	UpdateSubscriberSettings(ctx context.Context, sub domain.Subscriber) error
	GetOrCreateFeed(ctx context.Context, feedURL, feedTitle string) (domain.Feed, error)
	SaveSubscription(ctx context.Context, state domain.DeliveryState) error
	DeleteSubscription(ctx context.Context, scope domain.Scope) error
	UpsertCategory(ctx context.Context, category domain.Category) (int64, error)
	AssignCategory(ctx context.Context, scope domain.Scope, categoryID int64) error
	DeleteOrphanFeeds(ctx context.Context) error
}

// Target is one subscriber's resolved view of a feed: the whitelist and
// cooldown that apply to items of that feed for that subscriber, after
// category overrides.
type Target struct {
	Subscriber domain.Subscriber
	Feed       domain.Feed
	Scope      domain.Scope
	Whitelist  []string
	Cooldown   time.Duration
}

// Listing is one row of a subscriber's feed list.
type Listing struct {
	Feed     domain.Feed
	Category string
}

type subscriberState struct {
	sub        domain.Subscriber
	categories map[int64]domain.Category
	// feeds maps tracked feed id to assigned category id (zero if none).
	feeds map[int64]int64
}

// Index is safe for concurrent use. Reads taken during a mutation see either
// the fully-old or fully-new subscriber set; Resolve returns copies, so a
// poll cycle holding a result is unaffected by later mutations.
type Index struct {
	store           Store
	gate            *cooldown.Gate
	clock           domain.Clock
	defaultCooldown time.Duration
	log             *slog.Logger

	mu          sync.RWMutex
	subscribers map[int64]*subscriberState
	feedsByID   map[int64]domain.Feed
	feedsByURL  map[string]int64
}

func NewIndex(
	store Store,
	gate *cooldown.Gate,
	clock domain.Clock,
	defaultCooldown time.Duration,
	log *slog.Logger,
) *Index {
	return &Index{
		store:           store,
		gate:            gate,
		clock:           clock,
		defaultCooldown: defaultCooldown,
		log:             log,
		subscribers:     make(map[int64]*subscriberState),
		feedsByID:       make(map[int64]domain.Feed),
		feedsByURL:      make(map[string]int64),
	}
}

// Load populates the index and the cooldown gate from the store's
// point-in-time snapshot. Called once at process start, before polling.
func (i *Index) Load(ctx context.Context) error {
	snapshot, err := i.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.subscribers = make(map[int64]*subscriberState, len(snapshot.Subscribers))
	i.feedsByID = make(map[int64]domain.Feed, len(snapshot.Feeds))
	i.feedsByURL = make(map[string]int64, len(snapshot.Feeds))

	for _, sub := range snapshot.Subscribers {
		i.subscribers[sub.ID] = &subscriberState{
			sub:        sub,
			categories: make(map[int64]domain.Category),
			feeds:      make(map[int64]int64),
		}
	}

	for _, feed := range snapshot.Feeds {
		i.feedsByID[feed.ID] = feed
		i.feedsByURL[feed.URL] = feed.ID
	}

	for _, cat := range snapshot.Categories {
		state, ok := i.subscribers[cat.SubscriberID]
		if !ok {
			i.log.WarnContext(ctx, "Category without subscriber",
				"categoryID", cat.ID,
				"subscriberID", cat.SubscriberID)
			continue
		}
		state.categories[cat.ID] = cat
	}

	for _, ds := range snapshot.States {
		state, ok := i.subscribers[ds.Scope.SubscriberID]
		if !ok {
			i.log.WarnContext(ctx, "Subscription without subscriber",
				"subscriberID", ds.Scope.SubscriberID,
				"feedID", ds.Scope.FeedID)
			continue
		}
		if _, ok = i.feedsByID[ds.Scope.FeedID]; !ok {
			i.log.WarnContext(ctx, "Subscription without feed",
				"subscriberID", ds.Scope.SubscriberID,
				"feedID", ds.Scope.FeedID)
			continue
		}
		state.feeds[ds.Scope.FeedID] = ds.CategoryID
	}

	i.gate.Load(snapshot.States)

	return nil
}

// Register creates a subscriber, reporting whether it was new.
func (i *Index) Register(ctx context.Context, id int64, name string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if state, ok := i.subscribers[id]; ok {
		state.sub.Name = strings.TrimSpace(name)

		if _, err := i.store.UpsertSubscriber(ctx, state.sub); err != nil {
			return false, fmt.Errorf("upsert subscriber: %w", err)
		}

		return false, nil
	}

	sub := domain.Subscriber{
		ID:       id,
		Name:     strings.TrimSpace(name),
		Cooldown: i.defaultCooldown,
	}

	if _, err := i.store.UpsertSubscriber(ctx, sub); err != nil {
		return false, fmt.Errorf("upsert subscriber: %w", err)
	}

	i.subscribers[id] = &subscriberState{
		sub:        sub,
		categories: make(map[int64]domain.Category),
		feeds:      make(map[int64]int64),
	}

	return true, nil
}

// Unregister removes the subscriber and all owned state. Feeds nobody else
// tracks leave the polling set.
func (i *Index) Unregister(ctx context.Context, id int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, ok := i.subscribers[id]
	if !ok {
		return ErrNotRegistered
	}

	if err := i.store.DeleteSubscriber(ctx, id); err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}

	delete(i.subscribers, id)
	i.gate.DropSubscriber(id)

	for feedID := range state.feeds {
		i.collectFeedLocked(ctx, feedID)
	}

	return nil
}

// Registered reports whether the subscriber exists.
func (i *Index) Registered(id int64) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	_, ok := i.subscribers[id]

	return ok
}

// AddFeeds subscribes one subscriber to the given feeds, deduplicating
// against feeds it already tracks, and returns how many were added. Each
// scope's delivery marker is seeded to now, so the subscriber never receives
// items published before subscribing.
func (i *Index) AddFeeds(
	ctx context.Context,
	subscriberID int64,
	feeds []domain.Feed,
) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, ok := i.subscribers[subscriberID]
	if !ok {
		return 0, ErrNotRegistered
	}

	added := 0
	var errs []error

	for _, feed := range feeds {
		feedURL := strings.TrimSpace(feed.URL)

		if err := ValidateURL(feedURL); err != nil {
			errs = append(errs, err)
			continue
		}

		if feedID, tracked := i.feedsByURL[feedURL]; tracked {
			if _, already := state.feeds[feedID]; already {
				continue
			}
		}

		stored, err := i.store.GetOrCreateFeed(ctx, feedURL, feed.Title)
		if err != nil {
			errs = append(errs, fmt.Errorf("get or create feed: %w", err))
			continue
		}

		now := i.clock()
		ds := domain.DeliveryState{
			Scope: domain.Scope{
				SubscriberID: subscriberID,
				FeedID:       stored.ID,
			},
			LastItemSent: now,
		}

		if err = i.store.SaveSubscription(ctx, ds); err != nil {
			errs = append(errs, fmt.Errorf("save subscription: %w", err))
			continue
		}

		i.feedsByID[stored.ID] = stored
		i.feedsByURL[stored.URL] = stored.ID
		state.feeds[stored.ID] = 0
		i.gate.Seed(ds.Scope, now)

		added++
	}

	return added, errors.Join(errs...)
}

// RemoveFeed unsubscribes the subscriber from one feed by id.
func (i *Index) RemoveFeed(ctx context.Context, subscriberID, feedID int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, ok := i.subscribers[subscriberID]
	if !ok {
		return ErrNotRegistered
	}

	if _, tracked := state.feeds[feedID]; !tracked {
		return ErrUnknownFeed
	}

	scope := domain.Scope{SubscriberID: subscriberID, FeedID: feedID}

	if err := i.store.DeleteSubscription(ctx, scope); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	delete(state.feeds, feedID)
	i.gate.Drop(scope)
	i.collectFeedLocked(ctx, feedID)

	return nil
}

// SetWhitelist replaces the subscriber's default whitelist.
func (i *Index) SetWhitelist(ctx context.Context, subscriberID int64, words []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, ok := i.subscribers[subscriberID]
	if !ok {
		return ErrNotRegistered
	}

	updated := state.sub
	updated.Whitelist = words

	if err := i.store.UpdateSubscriberSettings(ctx, updated); err != nil {
		return fmt.Errorf("update subscriber settings: %w", err)
	}

	state.sub = updated

	return nil
}

// SetCooldown replaces the subscriber's default cooldown.
func (i *Index) SetCooldown(
	ctx context.Context,
	subscriberID int64,
	d time.Duration,
) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, ok := i.subscribers[subscriberID]
	if !ok {
		return ErrNotRegistered
	}

	updated := state.sub
	updated.Cooldown = d

	if err := i.store.UpdateSubscriberSettings(ctx, updated); err != nil {
		return fmt.Errorf("update subscriber settings: %w", err)
	}

	state.sub = updated

	return nil
}

// UpsertCategory creates or updates a subscriber category by name.
func (i *Index) UpsertCategory(ctx context.Context, category domain.Category) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, ok := i.subscribers[category.SubscriberID]
	if !ok {
		return ErrNotRegistered
	}

	id, err := i.store.UpsertCategory(ctx, category)
	if err != nil {
		return fmt.Errorf("upsert category: %w", err)
	}

	category.ID = id
	state.categories[id] = category

	return nil
}

// AssignCategory puts the given feeds into the named category for the
// subscriber and returns how many assignments changed. A feed belongs to at
// most one category per subscriber; assigning replaces any previous one.
func (i *Index) AssignCategory(
	ctx context.Context,
	subscriberID int64,
	name string,
	feedIDs []int64,
) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, ok := i.subscribers[subscriberID]
	if !ok {
		return 0, ErrNotRegistered
	}

	var category *domain.Category
	for id := range state.categories {
		cat := state.categories[id]
		if strings.EqualFold(cat.Name, strings.TrimSpace(name)) {
			category = &cat
			break
		}
	}
	if category == nil {
		return 0, ErrUnknownCategory
	}

	assigned := 0
	var errs []error

	for _, feedID := range feedIDs {
		current, tracked := state.feeds[feedID]
		if !tracked {
			errs = append(errs, fmt.Errorf("feed %d: %w", feedID, ErrUnknownFeed))
			continue
		}
		if current == category.ID {
			continue
		}

		scope := domain.Scope{SubscriberID: subscriberID, FeedID: feedID}

		if err := i.store.AssignCategory(ctx, scope, category.ID); err != nil {
			errs = append(errs, fmt.Errorf("assign category: %w", err))
			continue
		}

		state.feeds[feedID] = category.ID
		assigned++
	}

	return assigned, errors.Join(errs...)
}

// Feeds returns the distinct feeds currently tracked by anyone, i.e. the
// polling set.
func (i *Index) Feeds() []domain.Feed {
	i.mu.RLock()
	defer i.mu.RUnlock()

	feeds := make([]domain.Feed, 0, len(i.feedsByID))
	for _, feed := range i.feedsByID {
		feeds = append(feeds, feed)
	}

	sort.Slice(feeds, func(a, b int) bool { return feeds[a].ID < feeds[b].ID })

	return feeds
}

// Resolve returns the targets for a feed URL: every subscriber tracking it
// with its effective whitelist and cooldown. A category assignment overrides
// both subscriber defaults, including an empty category whitelist (which
// means "no filtering inside this category").
func (i *Index) Resolve(feedURL string) []Target {
	i.mu.RLock()
	defer i.mu.RUnlock()

	feedID, ok := i.feedsByURL[strings.TrimSpace(feedURL)]
	if !ok {
		return nil
	}
	feed := i.feedsByID[feedID]

	var targets []Target

	for _, state := range i.subscribers {
		categoryID, tracked := state.feeds[feedID]
		if !tracked {
			continue
		}

		target := Target{
			Subscriber: state.sub,
			Feed:       feed,
			Scope:      domain.Scope{SubscriberID: state.sub.ID, FeedID: feedID},
			Whitelist:  state.sub.Whitelist,
			Cooldown:   state.sub.Cooldown,
		}

		if cat, assigned := state.categories[categoryID]; assigned {
			target.Whitelist = cat.Whitelist
			target.Cooldown = cat.Cooldown
		}

		targets = append(targets, target)
	}

	sort.Slice(targets, func(a, b int) bool {
		return targets[a].Subscriber.ID < targets[b].Subscriber.ID
	})

	return targets
}

// Listings returns the subscriber's feed list for display.
func (i *Index) Listings(subscriberID int64) []Listing {
	i.mu.RLock()
	defer i.mu.RUnlock()

	state, ok := i.subscribers[subscriberID]
	if !ok {
		return nil
	}

	listings := make([]Listing, 0, len(state.feeds))
	for feedID, categoryID := range state.feeds {
		listing := Listing{Feed: i.feedsByID[feedID]}
		if cat, assigned := state.categories[categoryID]; assigned {
			listing.Category = cat.Name
		}
		listings = append(listings, listing)
	}

	sort.Slice(listings, func(a, b int) bool {
		return listings[a].Feed.ID < listings[b].Feed.ID
	})

	return listings
}

// Subscriber returns the subscriber record, if registered.
func (i *Index) Subscriber(id int64) (domain.Subscriber, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	state, ok := i.subscribers[id]
	if !ok {
		return domain.Subscriber{}, false
	}

	return state.sub, true
}

// ValidateURL rejects malformed or non-hierarchical feed URLs.
func ValidateURL(feedURL string) error {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFeedURL)
	}

	u, err := url.Parse(feedURL)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFeedURL, feedURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidFeedURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %s", ErrInvalidFeedURL, feedURL)
	}

	return nil
}

// collectFeedLocked drops a feed from the polling set once no subscriber
// references it. Caller holds the write lock.
func (i *Index) collectFeedLocked(ctx context.Context, feedID int64) {
	for _, state := range i.subscribers {
		if _, tracked := state.feeds[feedID]; tracked {
			return
		}
	}

	feed := i.feedsByID[feedID]
	delete(i.feedsByID, feedID)
	delete(i.feedsByURL, feed.URL)

	if err := i.store.DeleteOrphanFeeds(ctx); err != nil {
		i.log.ErrorContext(ctx, "Failed to delete orphan feeds",
			"error", err,
			"feedID", feedID,
			"feedURL", feed.URL)
	}
}
