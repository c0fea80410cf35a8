package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"feedwarden/internal/cooldown"
	"feedwarden/internal/domain"
)

// stubStore records mutations in memory and hands out canned snapshots.
type stubStore struct {
	mu         sync.Mutex
	snapshot   domain.Snapshot
	nextFeedID int64
	feedsByURL map[string]domain.Feed

	savedSubscriptions   []domain.DeliveryState
	deletedSubscriptions []domain.Scope
	deletedSubscribers   []int64
	orphanSweeps         int
}

func newStubStore() *stubStore {
	return &stubStore{
		nextFeedID: 1,
		feedsByURL: make(map[string]domain.Feed),
	}
}

func (s *stubStore) Snapshot(context.Context) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot

	return &snapshot, nil
}

func (s *stubStore) UpsertSubscriber(context.Context, domain.Subscriber) (bool, error) {
	return true, nil
}

func (s *stubStore) DeleteSubscriber(_ context.Context, subscriberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletedSubscribers = append(s.deletedSubscribers, subscriberID)

	return nil
}

func (s *stubStore) UpdateSubscriberSettings(context.Context, domain.Subscriber) error {
	return nil
}

func (s *stubStore) GetOrCreateFeed(
	_ context.Context,
	feedURL, feedTitle string,
) (domain.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if feed, ok := s.feedsByURL[feedURL]; ok {
		return feed, nil
	}

	feed := domain.Feed{ID: s.nextFeedID, URL: feedURL, Title: feedTitle}
	s.nextFeedID++
	s.feedsByURL[feedURL] = feed

	return feed, nil
}

func (s *stubStore) SaveSubscription(_ context.Context, state domain.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.savedSubscriptions = append(s.savedSubscriptions, state)

	return nil
}

func (s *stubStore) DeleteSubscription(_ context.Context, scope domain.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletedSubscriptions = append(s.deletedSubscriptions, scope)

	return nil
}

func (s *stubStore) UpsertCategory(
	_ context.Context,
	category domain.Category,
) (int64, error) {
	if category.ID != 0 {
		return category.ID, nil
	}

	return 100, nil
}

func (s *stubStore) AssignCategory(context.Context, domain.Scope, int64) error {
	return nil
}

func (s *stubStore) DeleteOrphanFeeds(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orphanSweeps++

	return nil
}

func testClock(at time.Time) domain.Clock {
	return func() time.Time { return at }
}

func newTestIndex(t *testing.T, store *stubStore, now time.Time) (*Index, *cooldown.Gate) {
	t.Helper()

	gate := cooldown.New()
	index := NewIndex(store, gate, testClock(now), 30*time.Minute, slog.Default())

	if err := index.Load(context.Background()); err != nil {
		t.Fatalf("load index: %v", err)
	}

	return index, gate
}

func TestAddFeedsDeduplicatesAndSeeds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	index, gate := newTestIndex(t, store, now)

	if _, err := index.Register(ctx, 1, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	feeds := []domain.Feed{
		{URL: "https://example.com/feed.xml", Title: "Example"},
		{URL: "https://example.com/feed.xml", Title: "Example again"},
		{URL: "https://other.org/atom.xml", Title: "Other"},
	}

	added, err := index.AddFeeds(ctx, 1, feeds)
	if err != nil {
		t.Fatalf("add feeds: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}

	// Re-adding is a no-op.
	added, err = index.AddFeeds(ctx, 1, feeds[:1])
	if err != nil {
		t.Fatalf("re-add feeds: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected 0 added on repeat, got %d", added)
	}

	if got := len(index.Feeds()); got != 2 {
		t.Fatalf("expected 2 feeds in polling set, got %d", got)
	}

	// Subscription time seeds the delivery marker.
	targets := index.Resolve("https://example.com/feed.xml")
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}

	last, ok := gate.LastSent(targets[0].Scope)
	if !ok || !last.Equal(now) {
		t.Fatalf("expected marker seeded to %v, got %v (ok=%v)", now, last, ok)
	}
}

func TestAddFeedsRejectsInvalidURLs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	index, _ := newTestIndex(t, store, now)

	if _, err := index.Register(ctx, 1, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	feeds := []domain.Feed{
		{URL: "not a url"},
		{URL: "ftp://example.com/feed"},
		{URL: "https:///nohost"},
		{URL: "https://good.example/feed.xml", Title: "Good"},
	}

	added, err := index.AddFeeds(ctx, 1, feeds)
	if added != 1 {
		t.Fatalf("expected 1 added, got %d", added)
	}
	if !errors.Is(err, ErrInvalidFeedURL) {
		t.Fatalf("expected ErrInvalidFeedURL, got %v", err)
	}
}

func TestAddFeedsRequiresRegistration(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	index, _ := newTestIndex(t, newStubStore(), now)

	_, err := index.AddFeeds(ctx, 42, []domain.Feed{{URL: "https://example.com/f"}})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestCategoryOverridesDefaults(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	index, _ := newTestIndex(t, store, now)

	if _, err := index.Register(ctx, 1, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := index.SetCooldown(ctx, 1, time.Hour); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}
	if err := index.SetWhitelist(ctx, 1, []string{"go"}); err != nil {
		t.Fatalf("set whitelist: %v", err)
	}

	if _, err := index.AddFeeds(ctx, 1, []domain.Feed{
		{URL: "https://example.com/feed.xml", Title: "Example"},
	}); err != nil {
		t.Fatalf("add feeds: %v", err)
	}

	category := domain.Category{
		SubscriberID: 1,
		Name:         "fast",
		Whitelist:    []string{"release"},
		Cooldown:     5 * time.Minute,
	}
	if err := index.UpsertCategory(ctx, category); err != nil {
		t.Fatalf("upsert category: %v", err)
	}

	feedID := index.Feeds()[0].ID
	assigned, err := index.AssignCategory(ctx, 1, "fast", []int64{feedID})
	if err != nil {
		t.Fatalf("assign category: %v", err)
	}
	if assigned != 1 {
		t.Fatalf("expected 1 assignment, got %d", assigned)
	}

	targets := index.Resolve("https://example.com/feed.xml")
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}

	if targets[0].Cooldown != 5*time.Minute {
		t.Errorf("expected category cooldown 5m, got %v", targets[0].Cooldown)
	}
	if len(targets[0].Whitelist) != 1 || targets[0].Whitelist[0] != "release" {
		t.Errorf("expected category whitelist, got %v", targets[0].Whitelist)
	}
}

func TestUnregisterRemovesOwnedStateAndCollectsFeeds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	index, gate := newTestIndex(t, store, now)

	for _, id := range []int64{1, 2} {
		if _, err := index.Register(ctx, id, "user"); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
		if _, err := index.AddFeeds(ctx, id, []domain.Feed{
			{URL: "https://shared.example/feed.xml", Title: "Shared"},
		}); err != nil {
			t.Fatalf("add feeds for %d: %v", id, err)
		}
	}
	if _, err := index.AddFeeds(ctx, 1, []domain.Feed{
		{URL: "https://only.example/feed.xml", Title: "Only"},
	}); err != nil {
		t.Fatalf("add feeds: %v", err)
	}

	if err := index.Unregister(ctx, 1); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	// The shared feed survives via subscriber 2; the exclusive one is gone.
	feeds := index.Feeds()
	if len(feeds) != 1 || feeds[0].URL != "https://shared.example/feed.xml" {
		t.Fatalf("unexpected polling set after unregister: %v", feeds)
	}

	if targets := index.Resolve("https://shared.example/feed.xml"); len(targets) != 1 ||
		targets[0].Subscriber.ID != 2 {
		t.Fatalf("unexpected targets after unregister: %v", targets)
	}

	sharedScope := domain.Scope{SubscriberID: 1, FeedID: feeds[0].ID}
	if _, ok := gate.LastSent(sharedScope); ok {
		t.Errorf("expected gate state of unregistered subscriber to be dropped")
	}

	if err := index.Unregister(ctx, 1); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered on repeat, got %v", err)
	}
}

func TestResolveSnapshotUnaffectedByLaterMutations(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	index, _ := newTestIndex(t, store, now)

	if _, err := index.Register(ctx, 1, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := index.AddFeeds(ctx, 1, []domain.Feed{
		{URL: "https://example.com/feed.xml", Title: "Example"},
	}); err != nil {
		t.Fatalf("add feeds: %v", err)
	}

	targets := index.Resolve("https://example.com/feed.xml")
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}

	feedID := targets[0].Feed.ID
	if err := index.RemoveFeed(ctx, 1, feedID); err != nil {
		t.Fatalf("remove feed: %v", err)
	}

	// The snapshot taken before the removal still holds its target; a fresh
	// read reflects the removal.
	if len(targets) != 1 {
		t.Fatalf("held snapshot changed under mutation")
	}
	if fresh := index.Resolve("https://example.com/feed.xml"); len(fresh) != 0 {
		t.Fatalf("expected no targets after removal, got %v", fresh)
	}
}

func TestConcurrentReadsDuringMutations(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	index, _ := newTestIndex(t, store, now)

	if _, err := index.Register(ctx, 1, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := index.AddFeeds(ctx, 1, []domain.Feed{
		{URL: "https://stable.example/feed.xml", Title: "Stable"},
	}); err != nil {
		t.Fatalf("add feeds: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		for i := 0; i < 100; i++ {
			_, _ = index.AddFeeds(ctx, 1, []domain.Feed{
				{URL: "https://churn.example/feed.xml", Title: "Churn"},
			})

			for _, feed := range index.Feeds() {
				if feed.URL == "https://churn.example/feed.xml" {
					_ = index.RemoveFeed(ctx, 1, feed.ID)
				}
			}
		}
	}()

	for i := 0; i < 100; i++ {
		// The stable feed must be visible in every snapshot.
		if targets := index.Resolve("https://stable.example/feed.xml"); len(targets) != 1 {
			t.Fatalf("stable feed missing from snapshot: %v", targets)
		}
	}

	<-done
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://example.com/feed.xml", true},
		{"http://example.com/feed", true},
		{"", false},
		{"   ", false},
		{"ftp://example.com/feed", false},
		{"mailto:user@example.com", false},
		{"https://", false},
		{"://bad", false},
	}

	for _, test := range tests {
		err := ValidateURL(test.url)
		if test.valid && err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", test.url, err)
		}
		if !test.valid && !errors.Is(err, ErrInvalidFeedURL) {
			t.Errorf("ValidateURL(%q) = %v, want ErrInvalidFeedURL", test.url, err)
		}
	}
}
