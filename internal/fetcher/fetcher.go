// Package fetcher implements the feed source: fetching RSS/Atom documents
// and turning them into item sequences.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feedwarden/internal/domain"
)

const (
	clientTimeout = 20 * time.Second
	maxBodyBytes  = 10 << 20

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"
)

// Kind classifies fetch failures. Network failures are transient and
// retried on the next scheduled cycle; parse failures get the same backoff
// since malformed feeds are usually transient publishing glitches.
type Kind int

const (
	KindNetwork Kind = iota
	KindParse
)

func (k Kind) String() string {
	if k == KindParse {
		return "parse"
	}
	return "network"
}

// FetchError wraps a failed fetch with its classification.
type FetchError struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Source fetches and parses feeds over HTTP.
type Source struct {
	client *http.Client
	parser *gofeed.Parser
	log    *slog.Logger
}

func New(log *slog.Logger) *Source {
	return &Source{
		client: &http.Client{Timeout: clientTimeout},
		parser: gofeed.NewParser(),
		log:    log,
	}
}

// Fetch returns the feed's current items in no guaranteed order. Items
// whose publication time cannot be determined are skipped and logged; one
// bad item never fails the whole fetch.
func (s *Source) Fetch(ctx context.Context, feedURL string) ([]domain.Item, error) {
	body, err := s.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	parsed, err := s.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{Kind: KindParse, URL: feedURL, Err: err}
	}

	items := make([]domain.Item, 0, len(parsed.Items))

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}

		published := itemPublished(item)
		if published.IsZero() {
			s.log.WarnContext(ctx, "Skipping feed item without publication time",
				"feedURL", feedURL,
				"itemTitle", strings.TrimSpace(item.Title),
				"itemLink", strings.TrimSpace(item.Link))
			continue
		}

		itemURL := strings.TrimSpace(item.Link)
		if itemURL == "" {
			s.log.WarnContext(ctx, "Skipping feed item with empty URL",
				"feedURL", feedURL,
				"itemTitle", strings.TrimSpace(item.Title))
			continue
		}

		items = append(items, domain.Item{
			Title:     strings.TrimSpace(item.Title),
			URL:       itemURL,
			Published: published,
		})
	}

	return items, nil
}

func (s *Source) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.log.ErrorContext(ctx, "Failed to close response body",
				"error", closeErr,
				"url", rawURL)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			Kind: KindNetwork,
			URL:  rawURL,
			Err:  fmt.Errorf("unexpected status: %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
	}

	return body, nil
}

// itemPublished prefers the publication time and falls back to the update
// time for feeds that only carry the latter.
func itemPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}

	return time.Time{}
}
