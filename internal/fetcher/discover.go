package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"mvdan.cc/xurls/v2"
)

const discoverySelector = `link[rel='alternate'][type='application/rss+xml'],` +
	`link[rel='alternate'][type='application/atom+xml']`

// Found is a validated feed discovered from subscriber input.
type Found struct {
	URL   string
	Title string
}

// FindFeeds extracts URLs from free-form message text and resolves each to a
// feed. A URL that is itself a feed is taken as-is; an HTML page is probed
// for an advertised feed link. Returns the feeds it could resolve plus the
// joined errors for the rest.
func (s *Source) FindFeeds(ctx context.Context, text string) ([]Found, error) {
	urlRe := xurls.Strict()
	candidates := urlRe.FindAllString(strings.TrimSpace(text), -1)

	var found []Found
	seen := make(map[string]struct{}, len(candidates))
	var errs []error

	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}

		feed, err := s.probe(ctx, candidate)
		if err != nil {
			errs = append(errs, fmt.Errorf("probe %s: %w", candidate, err))
			continue
		}

		if _, ok := seen[feed.URL]; ok && feed.URL != candidate {
			continue
		}
		seen[feed.URL] = struct{}{}

		found = append(found, feed)
	}

	return found, errors.Join(errs...)
}

// probe fetches a URL and decides whether it is a feed or an HTML page
// advertising one.
func (s *Source) probe(ctx context.Context, rawURL string) (Found, error) {
	body, err := s.get(ctx, rawURL)
	if err != nil {
		return Found{}, err
	}

	if parsed, parseErr := s.parser.Parse(bytes.NewReader(body)); parseErr == nil {
		title := strings.TrimSpace(parsed.Title)
		if title == "" {
			s.log.WarnContext(ctx, "Empty feed title",
				"feedURL", rawURL,
				"fallbackTitle", rawURL)
			title = rawURL
		}

		return Found{URL: rawURL, Title: title}, nil
	}

	feedURL, err := discoverFeedLink(rawURL, body)
	if err != nil {
		return Found{}, err
	}

	body, err = s.get(ctx, feedURL)
	if err != nil {
		return Found{}, err
	}

	parsed, err := s.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return Found{}, &FetchError{Kind: KindParse, URL: feedURL, Err: err}
	}

	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		title = feedURL
	}

	return Found{URL: feedURL, Title: title}, nil
}

// discoverFeedLink looks for an advertised RSS/Atom link in an HTML
// document and resolves it against the page URL.
func discoverFeedLink(pageURL string, body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse HTML document: %w", err)
	}

	href, ok := doc.Find(discoverySelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", errors.New("no feed link advertised")
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page URL: %w", err)
	}

	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse feed link: %w", err)
	}

	return base.ResolveReference(ref).String(), nil
}
