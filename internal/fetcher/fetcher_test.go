package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Feed</title>
    <link>https://example.com</link>
    <item>
      <title>Second</title>
      <link>https://example.com/second</link>
      <pubDate>Mon, 02 Jun 2025 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>First</title>
      <link>https://example.com/first</link>
      <pubDate>Sun, 01 Jun 2025 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>No date</title>
      <link>https://example.com/no-date</link>
    </item>
    <item>
      <title>No link</title>
      <pubDate>Tue, 03 Jun 2025 10:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server
}

func TestFetchSkipsUnusableItems(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, rssBody)
	})

	source := New(slog.Default())

	items, err := source.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Items without a publication time or link are dropped without failing
	// the fetch.
	if len(items) != 2 {
		t.Fatalf("expected 2 usable items, got %+v", items)
	}

	want := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	for _, item := range items {
		if item.URL == "https://example.com/second" && !item.Published.Equal(want) {
			t.Errorf("unexpected publication time: %v", item.Published)
		}
	}
}

func TestFetchClassifiesNetworkErrors(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	source := New(slog.Default())

	_, err := source.Fetch(context.Background(), server.URL)

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Kind != KindNetwork {
		t.Fatalf("expected network fetch error, got %v", err)
	}
}

func TestFetchClassifiesParseErrors(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "this is not a feed")
	})

	source := New(slog.Default())

	_, err := source.Fetch(context.Background(), server.URL)

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Kind != KindParse {
		t.Fatalf("expected parse fetch error, got %v", err)
	}
}

func TestFindFeedsResolvesDirectFeedURL(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, rssBody)
	})

	source := New(slog.Default())

	found, err := source.FindFeeds(context.Background(), "subscribe me to "+server.URL+" please")
	if err != nil {
		t.Fatalf("find feeds: %v", err)
	}

	if len(found) != 1 || found[0].URL != server.URL || found[0].Title != "Example Feed" {
		t.Fatalf("unexpected result: %+v", found)
	}
}

func TestFindFeedsDiscoversAdvertisedFeed(t *testing.T) {
	mux := http.NewServeMux()
	server := newServer(t, mux.ServeHTTP)

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
  <link rel="alternate" type="application/rss+xml" href="/feed.xml">
</head>
<body>blog</body>
</html>`)
	})
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, rssBody)
	})

	source := New(slog.Default())

	found, err := source.FindFeeds(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("find feeds: %v", err)
	}

	if len(found) != 1 || found[0].URL != server.URL+"/feed.xml" {
		t.Fatalf("unexpected result: %+v", found)
	}
}

func TestFindFeedsReportsUnresolvableURLs(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><head></head><body>no feed here</body></html>")
	})

	source := New(slog.Default())

	found, err := source.FindFeeds(context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected an error for a page without an advertised feed")
	}
	if len(found) != 0 {
		t.Fatalf("unexpected feeds: %+v", found)
	}
}

func TestDiscoverFeedLinkResolvesRelativeHref(t *testing.T) {
	body := []byte(`<html><head>` +
		`<link rel="alternate" type="application/atom+xml" href="atom.xml">` +
		`</head></html>`)

	got, err := discoverFeedLink("https://example.com/blog/", body)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if got != "https://example.com/blog/atom.xml" {
		t.Errorf("unexpected feed link: %s", got)
	}
}
