package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"feedwarden/internal/domain"
)

const whitelistSeparator = "\n"

func encodeWhitelist(words []string) string {
	var cleaned []string
	for _, word := range words {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		cleaned = append(cleaned, word)
	}

	return strings.Join(cleaned, whitelistSeparator)
}

func decodeWhitelist(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var words []string
	for _, word := range strings.Split(raw, whitelistSeparator) {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		words = append(words, word)
	}

	return words
}

// Snapshot loads everything in one transaction so the in-memory index starts
// from a point-in-time consistent view.
func (d *Database) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil &&
			!errors.Is(rollbackErr, sql.ErrTxDone) {
			d.log.ErrorContext(ctx, "Failed to rollback snapshot tx",
				"error", rollbackErr,
				"operation", "Snapshot")
		}
	}()

	snapshot := &domain.Snapshot{}

	if snapshot.Subscribers, err = d.snapshotSubscribers(ctx, tx); err != nil {
		return nil, err
	}
	if snapshot.Feeds, err = d.snapshotFeeds(ctx, tx); err != nil {
		return nil, err
	}
	if snapshot.Categories, err = d.snapshotCategories(ctx, tx); err != nil {
		return nil, err
	}
	if snapshot.States, err = d.snapshotStates(ctx, tx); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot tx: %w", err)
	}

	return snapshot, nil
}

func (d *Database) snapshotSubscribers(
	ctx context.Context,
	tx *sql.Tx,
) ([]domain.Subscriber, error) {
	query := "select id, name, whitelist, cooldown_seconds from subscribers"

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer d.closeRows(ctx, rows, "snapshotSubscribers")

	var subscribers []domain.Subscriber
	for rows.Next() {
		var (
			sub             domain.Subscriber
			whitelist       string
			cooldownSeconds int64
		)
		if err = rows.Scan(&sub.ID, &sub.Name, &whitelist, &cooldownSeconds); err != nil {
			return nil, fmt.Errorf("scan subscriber row: %w", err)
		}

		sub.Name = strings.TrimSpace(sub.Name)
		sub.Whitelist = decodeWhitelist(whitelist)
		sub.Cooldown = time.Duration(cooldownSeconds) * time.Second

		subscribers = append(subscribers, sub)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriber rows: %w", err)
	}

	return subscribers, nil
}

func (d *Database) snapshotFeeds(ctx context.Context, tx *sql.Tx) ([]domain.Feed, error) {
	query := "select id, url, title from feeds"

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer d.closeRows(ctx, rows, "snapshotFeeds")

	var feeds []domain.Feed
	for rows.Next() {
		var f domain.Feed
		if err = rows.Scan(&f.ID, &f.URL, &f.Title); err != nil {
			return nil, fmt.Errorf("scan feed row: %w", err)
		}

		f.URL = strings.TrimSpace(f.URL)
		f.Title = strings.TrimSpace(f.Title)

		feeds = append(feeds, f)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed rows: %w", err)
	}

	return feeds, nil
}

func (d *Database) snapshotCategories(
	ctx context.Context,
	tx *sql.Tx,
) ([]domain.Category, error) {
	query := `select id, subscriber_id, name, whitelist, cooldown_seconds
	from categories`

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer d.closeRows(ctx, rows, "snapshotCategories")

	var categories []domain.Category
	for rows.Next() {
		var (
			cat             domain.Category
			whitelist       string
			cooldownSeconds int64
		)
		if err = rows.Scan(&cat.ID, &cat.SubscriberID, &cat.Name, &whitelist, &cooldownSeconds); err != nil {
			return nil, fmt.Errorf("scan category row: %w", err)
		}

		cat.Name = strings.TrimSpace(cat.Name)
		cat.Whitelist = decodeWhitelist(whitelist)
		cat.Cooldown = time.Duration(cooldownSeconds) * time.Second

		categories = append(categories, cat)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category rows: %w", err)
	}

	return categories, nil
}

func (d *Database) snapshotStates(
	ctx context.Context,
	tx *sql.Tx,
) ([]domain.DeliveryState, error) {
	query := `select subscriber_id, feed_id, category_id, last_item_sent
	from subscriptions`

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer d.closeRows(ctx, rows, "snapshotStates")

	var states []domain.DeliveryState
	for rows.Next() {
		var (
			state      domain.DeliveryState
			categoryID sql.NullInt64
		)
		if err = rows.Scan(
			&state.Scope.SubscriberID,
			&state.Scope.FeedID,
			&categoryID,
			&state.LastItemSent,
		); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}

		if categoryID.Valid {
			state.CategoryID = categoryID.Int64
		}

		states = append(states, state)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription rows: %w", err)
	}

	return states, nil
}

// UpsertSubscriber registers a subscriber, reporting whether a new row was
// created. An existing subscriber keeps its settings; only the name is
// refreshed.
func (d *Database) UpsertSubscriber(
	ctx context.Context,
	sub domain.Subscriber,
) (bool, error) {
	var exists bool
	row := d.db.QueryRowContext(
		ctx,
		"select exists (select 1 from subscribers where id = ?)",
		sub.ID,
	)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check subscriber: %w", err)
	}

	query := `insert into subscribers (id, name, whitelist, cooldown_seconds)
	values (?, ?, ?, ?)
	on conflict (id) do update set name = excluded.name`

	if _, err := d.db.ExecContext(
		ctx,
		query,
		sub.ID,
		strings.TrimSpace(sub.Name),
		encodeWhitelist(sub.Whitelist),
		int64(sub.Cooldown/time.Second),
	); err != nil {
		return false, fmt.Errorf("upsert subscriber: %w", err)
	}

	return !exists, nil
}

func (d *Database) DeleteSubscriber(ctx context.Context, subscriberID int64) error {
	query := "delete from subscribers where id = ?"

	_, err := d.db.ExecContext(ctx, query, subscriberID)

	return err
}

// UpdateSubscriberSettings rewrites the default whitelist and cooldown.
func (d *Database) UpdateSubscriberSettings(
	ctx context.Context,
	sub domain.Subscriber,
) error {
	query := "update subscribers set whitelist = ?, cooldown_seconds = ? where id = ?"

	_, err := d.db.ExecContext(
		ctx,
		query,
		encodeWhitelist(sub.Whitelist),
		int64(sub.Cooldown/time.Second),
		sub.ID,
	)

	return err
}

// GetOrCreateFeed returns the globally deduplicated feed row for a URL.
func (d *Database) GetOrCreateFeed(
	ctx context.Context,
	feedURL string,
	feedTitle string,
) (domain.Feed, error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return domain.Feed{}, errors.New("feed URL is empty")
	}

	feedTitle = strings.TrimSpace(feedTitle)
	if feedTitle == "" {
		feedTitle = feedURL
	}

	insert := "insert or ignore into feeds (url, title) values (?, ?)"
	if _, err := d.db.ExecContext(ctx, insert, feedURL, feedTitle); err != nil {
		return domain.Feed{}, fmt.Errorf("insert feed: %w", err)
	}

	var f domain.Feed
	row := d.db.QueryRowContext(ctx, "select id, url, title from feeds where url = ?", feedURL)
	if err := row.Scan(&f.ID, &f.URL, &f.Title); err != nil {
		return domain.Feed{}, fmt.Errorf("select feed: %w", err)
	}

	return f, nil
}

func (d *Database) UpdateFeedTitle(ctx context.Context, feedID int64, feedTitle string) error {
	feedTitle = strings.TrimSpace(feedTitle)
	if feedTitle == "" {
		return errors.New("feed title is empty")
	}

	query := "update feeds set title = ? where id = ?"

	_, err := d.db.ExecContext(ctx, query, feedTitle, feedID)

	return err
}

// SaveSubscription creates or rewrites the (subscriber, feed) join row.
func (d *Database) SaveSubscription(
	ctx context.Context,
	state domain.DeliveryState,
) error {
	query := `insert into subscriptions (subscriber_id, feed_id, category_id, last_item_sent)
	values (?, ?, ?, ?)
	on conflict (subscriber_id, feed_id) do update
	set category_id = excluded.category_id`

	var categoryID any
	if state.CategoryID != 0 {
		categoryID = state.CategoryID
	}

	_, err := d.db.ExecContext(
		ctx,
		query,
		state.Scope.SubscriberID,
		state.Scope.FeedID,
		categoryID,
		state.LastItemSent.UTC(),
	)

	return err
}

func (d *Database) DeleteSubscription(ctx context.Context, scope domain.Scope) error {
	query := "delete from subscriptions where subscriber_id = ? and feed_id = ?"

	_, err := d.db.ExecContext(ctx, query, scope.SubscriberID, scope.FeedID)

	return err
}

// SaveDeliveryState advances the persisted marker after a settled delivery.
// The max() guard mirrors the in-memory gate: the marker never goes back.
func (d *Database) SaveDeliveryState(
	ctx context.Context,
	scope domain.Scope,
	lastItemSent time.Time,
) error {
	query := `update subscriptions set last_item_sent = max(last_item_sent, ?)
	where subscriber_id = ? and feed_id = ?`

	_, err := d.db.ExecContext(
		ctx,
		query,
		lastItemSent.UTC(),
		scope.SubscriberID,
		scope.FeedID,
	)

	return err
}

// UpsertCategory creates or updates a subscriber's category by name and
// returns its id.
func (d *Database) UpsertCategory(
	ctx context.Context,
	category domain.Category,
) (int64, error) {
	name := strings.TrimSpace(category.Name)
	if name == "" {
		return 0, errors.New("category name is empty")
	}

	query := `insert into categories (subscriber_id, name, whitelist, cooldown_seconds)
	values (?, ?, ?, ?)
	on conflict (subscriber_id, name) do update
	set whitelist = excluded.whitelist,
	cooldown_seconds = excluded.cooldown_seconds`

	if _, err := d.db.ExecContext(
		ctx,
		query,
		category.SubscriberID,
		name,
		encodeWhitelist(category.Whitelist),
		int64(category.Cooldown/time.Second),
	); err != nil {
		return 0, fmt.Errorf("upsert category: %w", err)
	}

	var id int64
	row := d.db.QueryRowContext(
		ctx,
		"select id from categories where subscriber_id = ? and name = ?",
		category.SubscriberID,
		name,
	)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("select category: %w", err)
	}

	return id, nil
}

// AssignCategory points the subscription row at a category; zero clears the
// assignment.
func (d *Database) AssignCategory(
	ctx context.Context,
	scope domain.Scope,
	categoryID int64,
) error {
	query := `update subscriptions set category_id = ?
	where subscriber_id = ? and feed_id = ?`

	var id any
	if categoryID != 0 {
		id = categoryID
	}

	_, err := d.db.ExecContext(ctx, query, id, scope.SubscriberID, scope.FeedID)

	return err
}

// DeleteOrphanFeeds drops feed rows no subscription references anymore.
func (d *Database) DeleteOrphanFeeds(ctx context.Context) error {
	query := `delete from feeds where id not in
	(select distinct feed_id from subscriptions)`

	_, err := d.db.ExecContext(ctx, query)

	return err
}

func (d *Database) closeRows(ctx context.Context, rows *sql.Rows, operation string) {
	if err := rows.Close(); err != nil {
		d.log.ErrorContext(ctx, "Failed to close rows",
			"error", err,
			"operation", operation)
	}
}
