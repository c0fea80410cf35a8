package database

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"feedwarden/internal/domain"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite")

	db, err := New(ctx, dbPath, slog.Default())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close database: %v", err)
		}
	})

	return db
}

func TestUpsertSubscriberReportsCreation(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	sub := domain.Subscriber{ID: 1, Name: "reader", Cooldown: time.Minute}

	created, err := db.UpsertSubscriber(ctx, sub)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Error("expected first upsert to report creation")
	}

	created, err = db.UpsertSubscriber(ctx, sub)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("expected second upsert to report an existing row")
	}
}

func TestGetOrCreateFeedDeduplicatesByURL(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	first, err := db.GetOrCreateFeed(ctx, "https://example.com/feed.xml", "Example")
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}

	second, err := db.GetOrCreateFeed(ctx, "https://example.com/feed.xml", "Renamed")
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected one feed row, got IDs %d and %d", first.ID, second.ID)
	}
	if second.Title != "Example" {
		t.Errorf("unexpected title on existing row: %s", second.Title)
	}
}

func TestSaveDeliveryStateNeverGoesBack(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	if _, err := db.UpsertSubscriber(ctx, domain.Subscriber{ID: 1, Name: "reader"}); err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}

	feed, err := db.GetOrCreateFeed(ctx, "https://example.com/feed.xml", "Example")
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}

	scope := domain.Scope{SubscriberID: 1, FeedID: feed.ID}
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := db.SaveSubscription(ctx, domain.DeliveryState{
		Scope:        scope,
		LastItemSent: t0,
	}); err != nil {
		t.Fatalf("save subscription: %v", err)
	}

	if err := db.SaveDeliveryState(ctx, scope, t0.Add(time.Hour)); err != nil {
		t.Fatalf("advance marker: %v", err)
	}
	// An older item must not move the marker backwards.
	if err := db.SaveDeliveryState(ctx, scope, t0.Add(time.Minute)); err != nil {
		t.Fatalf("regress marker: %v", err)
	}

	snapshot, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if len(snapshot.States) != 1 {
		t.Fatalf("expected one delivery state, got %+v", snapshot.States)
	}
	if got := snapshot.States[0].LastItemSent; !got.Equal(t0.Add(time.Hour)) {
		t.Errorf("marker regressed to %v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	sub := domain.Subscriber{
		ID:        7,
		Name:      "reader",
		Whitelist: []string{"go", "sqlite"},
		Cooldown:  30 * time.Minute,
	}
	if _, err := db.UpsertSubscriber(ctx, sub); err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}
	if err := db.UpdateSubscriberSettings(ctx, sub); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	feed, err := db.GetOrCreateFeed(ctx, "https://example.com/feed.xml", "Example")
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}

	categoryID, err := db.UpsertCategory(ctx, domain.Category{
		SubscriberID: sub.ID,
		Name:         "news",
		Whitelist:    []string{"release"},
		Cooldown:     5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("upsert category: %v", err)
	}

	scope := domain.Scope{SubscriberID: sub.ID, FeedID: feed.ID}
	seeded := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := db.SaveSubscription(ctx, domain.DeliveryState{
		Scope:        scope,
		CategoryID:   categoryID,
		LastItemSent: seeded,
	}); err != nil {
		t.Fatalf("save subscription: %v", err)
	}

	snapshot, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if len(snapshot.Subscribers) != 1 {
		t.Fatalf("unexpected subscribers: %+v", snapshot.Subscribers)
	}
	got := snapshot.Subscribers[0]
	if got.ID != sub.ID || got.Cooldown != sub.Cooldown ||
		len(got.Whitelist) != 2 || got.Whitelist[0] != "go" {
		t.Errorf("subscriber did not round-trip: %+v", got)
	}

	if len(snapshot.Categories) != 1 || snapshot.Categories[0].ID != categoryID ||
		snapshot.Categories[0].Cooldown != 5*time.Minute {
		t.Errorf("category did not round-trip: %+v", snapshot.Categories)
	}

	if len(snapshot.States) != 1 {
		t.Fatalf("unexpected states: %+v", snapshot.States)
	}
	state := snapshot.States[0]
	if state.Scope != scope || state.CategoryID != categoryID ||
		!state.LastItemSent.Equal(seeded) {
		t.Errorf("delivery state did not round-trip: %+v", state)
	}
}

func TestDeleteSubscriberCascades(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	if _, err := db.UpsertSubscriber(ctx, domain.Subscriber{ID: 1, Name: "reader"}); err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}

	feed, err := db.GetOrCreateFeed(ctx, "https://example.com/feed.xml", "Example")
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}

	if err := db.SaveSubscription(ctx, domain.DeliveryState{
		Scope:        domain.Scope{SubscriberID: 1, FeedID: feed.ID},
		LastItemSent: time.Now(),
	}); err != nil {
		t.Fatalf("save subscription: %v", err)
	}

	if err := db.DeleteSubscriber(ctx, 1); err != nil {
		t.Fatalf("delete subscriber: %v", err)
	}
	if err := db.DeleteOrphanFeeds(ctx); err != nil {
		t.Fatalf("delete orphan feeds: %v", err)
	}

	snapshot, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if len(snapshot.Subscribers) != 0 || len(snapshot.States) != 0 || len(snapshot.Feeds) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snapshot)
	}
}
