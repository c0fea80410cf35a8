// Package filter implements the keyword whitelist relevance check.
package filter

import "strings"

// Matches reports whether an item title passes the whitelist. An empty
// whitelist (or one holding only blank words) means no filtering is
// configured and everything passes. Otherwise at least one word must occur
// in the title, case-insensitive, as a plain substring.
func Matches(whitelist []string, title string) bool {
	lowerTitle := strings.ToLower(title)

	words := 0
	for _, word := range whitelist {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		words++

		if strings.Contains(lowerTitle, strings.ToLower(word)) {
			return true
		}
	}

	return words == 0
}

// Normalize trims whitelist words and drops blanks, preserving order and
// deduplicating case-insensitively. Callers persist the normalized form so
// Matches never has to guess about junk entries.
func Normalize(whitelist []string) []string {
	var normalized []string
	seen := make(map[string]struct{}, len(whitelist))

	for _, word := range whitelist {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}

		key := strings.ToLower(word)
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}
		normalized = append(normalized, word)
	}

	return normalized
}
