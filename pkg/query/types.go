// ABOUTME: Result types for the query engine
// ABOUTME: Composite search returns heterogeneous results tagged by kind

package query

import "time"

// ResultKind tags a composite search result.
type ResultKind string

const (
	KindThread  ResultKind = "thread"
	KindMessage ResultKind = "message"
	KindQuery   ResultKind = "query"
)

// Limits of the composite search.
const (
	DefaultRecentThreads = 10
	BrowseThreads        = 15
	BrowseHistory        = 5
	FilterMessages       = 100
	MaxResults           = 30
	messageTitleLength   = 80
)

// SearchResult is one row of the composite search.
type SearchResult struct {
	Kind      ResultKind `json:"type"`
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	ThreadID  int64      `json:"threadId,omitempty"`
	Metadata  string     `json:"metadata,omitempty"`
}
