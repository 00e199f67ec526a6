// Package tokenize turns free text into the keyword sets stored in the
// search index.
package tokenize

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxTokens bounds the size of one index row.
	MaxTokens = 50
	// MinLength is the shortest token kept, in characters.
	MinLength = 3
)

// Tokenize lowercases text, splits it on whitespace and keeps the first
// MaxTokens words of at least MinLength characters. Repeats among those are
// dropped, so the result is a set in first-seen order.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, min(len(fields), MaxTokens))
	seen := make(map[string]struct{}, len(fields))
	kept := 0
	for _, f := range fields {
		if utf8.RuneCountInString(f) < MinLength {
			continue
		}
		if kept == MaxTokens {
			break
		}
		kept++
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Terms normalizes a search query the same way Tokenize normalizes content.
func Terms(query string) []string {
	return Tokenize(query)
}

// Words lowercases and splits query without a length filter. The composite
// search scores items by how many of these appear in their text.
func Words(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Score counts the terms contained in text, which must already be lowercase.
func Score(text string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			n++
		}
	}
	return n
}
