// Package domain holds the value types shared by every other package.
package domain

import "time"

// Subscriber is one Telegram user tracking feeds. Whitelist and Cooldown are
// the subscriber-level defaults; categories may override both per feed.
type Subscriber struct {
	ID        int64
	Name      string
	Whitelist []string
	Cooldown  time.Duration
}

// Feed is the unit of polling. Feeds are deduplicated globally by URL: two
// subscribers tracking the same URL share one polling slot.
type Feed struct {
	ID    int64
	URL   string
	Title string
}

// Category groups a subset of one subscriber's feeds under its own whitelist
// and cooldown, which override the subscriber defaults for those feeds.
type Category struct {
	ID           int64
	SubscriberID int64
	Name         string
	Whitelist    []string
	Cooldown     time.Duration
}

// Scope identifies the owner of one cooldown/dedup state: a single
// subscriber's view of a single feed.
type Scope struct {
	SubscriberID int64
	FeedID       int64
}

// DeliveryState records the most recently delivered item timestamp for a
// scope, plus the optional category the feed is assigned to for that
// subscriber (zero when unassigned).
type DeliveryState struct {
	Scope        Scope
	CategoryID   int64
	LastItemSent time.Time
}

// Item is one entry of a fetched feed.
type Item struct {
	Title     string
	URL       string
	Published time.Time
}

// Snapshot is a point-in-time consistent load of everything persisted,
// produced by the store at process start.
type Snapshot struct {
	Subscribers []Subscriber
	Feeds       []Feed
	Categories  []Category
	States      []DeliveryState
}

// Clock is the time source; production code passes time.Now, tests pin it.
type Clock func() time.Time
