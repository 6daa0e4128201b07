// Package ingest defines core types shared across the drain pipeline.
package ingest

import (
	"encoding/json"
	"errors"
	"time"
)

// WalkState represents the lifecycle state of the cursor walker.
type WalkState string

// Walker states observable through State.
const (
	WalkFetching   WalkState = "fetching"
	WalkAdvancing  WalkState = "advancing"
	WalkRestarting WalkState = "restarting"
	WalkDone       WalkState = "done"
)

// ErrEndOfStream is returned by Walker.Next once the upstream stream is
// exhausted and no further pages will be produced.
var ErrEndOfStream = errors.New("end of stream")

// ErrMalformedResponse marks an upstream reply whose body could not be
// decoded. Callers treat it as a protocol violation, not a transient fault.
var ErrMalformedResponse = errors.New("malformed upstream response")

// RawEvent is an event exactly as the upstream API serialized it. The
// timestamp keeps its wire shape (number or string) until normalization;
// properties and session travel as opaque documents.
type RawEvent struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Properties json.RawMessage `json:"properties"`
	Timestamp  any             `json:"timestamp"`
	Session    json.RawMessage `json:"session"`
}

// Event is the canonical record persisted for each upstream event. ID is
// the upstream identifier and the sole deduplication key. IngestedAt is
// assigned by the store, not carried here.
type Event struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Checkpoint is the singleton resume marker. An empty NextCursor means the
// next scan starts at the beginning of the stream. TotalEvents is a
// best-effort upstream estimate used only for progress reporting.
type Checkpoint struct {
	NextCursor  string    `json:"next_cursor,omitempty"`
	TotalEvents int64     `json:"total_events"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FetchResult is one observed upstream response, successful or not. On a
// 2xx the records, pagination, and meta fields are populated; on a 429
// RetryAfter carries the server-requested delay when one was sent. Raw is
// the undecoded body, kept for archiving.
type FetchResult struct {
	StatusCode int
	RetryAfter time.Duration
	Records    []RawEvent
	NextCursor string
	HasMore    bool
	Total      int64
	Raw        []byte
	Snippet    string
}

// Page is a fetched page handed from the walker to the persist stage.
// Cursor is the cursor the page was fetched with ("" for start of stream);
// NextCursor is empty on the final page.
type Page struct {
	Cursor        string
	Records       []RawEvent
	NextCursor    string
	Final         bool
	TotalEstimate int64
	Raw           []byte
	FetchDuration time.Duration
}

// Summary reports what a completed run accomplished.
type Summary struct {
	Pages         int           `json:"pages"`
	Events        int64         `json:"events"`
	Inserted      int64         `json:"inserted"`
	Duplicates    int64         `json:"duplicates"`
	TotalEstimate int64         `json:"total_estimate"`
	Resets        int           `json:"resets"`
	Elapsed       time.Duration `json:"elapsed"`
}
