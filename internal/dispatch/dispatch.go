// Package dispatch turns eligible (subscriber, item) pairs into transport
// sends.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"feedwarden/internal/domain"
	"feedwarden/internal/markdown"
	"feedwarden/internal/subscription"
)

// Format is the transport formatting hint.
type Format int

const (
	FormatPlain Format = iota
	FormatMarkdown
)

// Transport sends one notification text to one subscriber.
type Transport interface {
	Send(ctx context.Context, subscriberID int64, text string, format Format) error
}

// DeliveryError wraps a transport failure for one subscriber. The caller
// must not advance the delivery marker on it, so the item is retried on the
// next cycle.
type DeliveryError struct {
	SubscriberID int64
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to subscriber %d: %v", e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type Dispatcher struct {
	transport Transport
	log       *slog.Logger
}

func New(transport Transport, log *slog.Logger) *Dispatcher {
	return &Dispatcher{transport: transport, log: log}
}

// Deliver formats the item and sends it. Failures are returned, never
// retried inline; inline retries would head-of-line block other subscribers
// sharing the feed's cycle.
func (d *Dispatcher) Deliver(
	ctx context.Context,
	target subscription.Target,
	item domain.Item,
) error {
	text := FormatItem(target.Feed, item)

	if err := d.transport.Send(ctx, target.Subscriber.ID, text, FormatMarkdown); err != nil {
		return &DeliveryError{SubscriberID: target.Subscriber.ID, Err: err}
	}

	return nil
}

// FormatItem renders one notification message in MarkdownV2.
func FormatItem(feed domain.Feed, item domain.Item) string {
	feedTitle := strings.TrimSpace(feed.Title)
	if feedTitle == "" {
		feedTitle = feed.URL
	}

	itemTitle := strings.TrimSpace(item.Title)
	if itemTitle == "" {
		itemTitle = item.URL
	}

	return fmt.Sprintf(
		"📰 *%s*\n\n– [%s](%s)",
		markdown.Escape(feedTitle),
		markdown.Escape(itemTitle),
		item.URL,
	)
}
