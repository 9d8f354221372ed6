package durable

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// EntryRow is the durable representation of one cached answer. It carries the
// store-assigned surrogate id; the in-memory index identifies entries by
// position and content only, so the two representations are related by
// content, never by id.
type EntryRow struct {
	ID           int64
	CacheKey     string
	Question     string
	Answer       string
	Status       string
	ResponseTime float64
	Embedding    []float32 // nil when the stored blob could not be decoded
	Category     string
	ServeCount   int64
	ThumbsDown   int64
	Reviewed     bool
	CreatedAt    time.Time
}

// FeedbackComment is one free-text comment attached to a question. Comments
// reference the question text, not the entry id, so they survive entry
// deletion and reinsertion.
type FeedbackComment struct {
	ID        int64
	CacheKey  string
	Question  string
	Comment   string
	CreatedAt time.Time
}

// EntryOrder selects the row ordering for EntriesByKey.
type EntryOrder int

const (
	// OrderNewestFirst orders rows by created_at descending. Used for
	// hydration, which fills each key's capacity with the newest rows.
	OrderNewestFirst EntryOrder = iota
	// OrderModeration orders rows by thumbs_down descending, then
	// serve_count descending, so flagged-and-popular entries surface first.
	OrderModeration
)

// Store is the durable backing store for cached answers, feedback, and
// metadata. Implementations: the remote Turso HTTP pipeline store
// (internal/turso) and the local SQLite store (internal/storage).
//
// All methods return wrapped errors; the cache service treats every failure
// as soft (logged, sentinel result) and never propagates it to its callers.
type Store interface {
	// InitSchema creates tables, indexes, and legacy upgrade columns.
	// Idempotent; individual column-addition failures are ignored.
	InitSchema(ctx context.Context) error

	InsertEntry(ctx context.Context, row EntryRow) error
	EntriesByKey(ctx context.Context, cacheKey string, order EntryOrder) ([]EntryRow, error)

	// AllEntries returns every row across all cache keys, newest first.
	AllEntries(ctx context.Context) ([]EntryRow, error)

	IncrementServeCount(ctx context.Context, cacheKey, question string) error
	IncrementThumbsDown(ctx context.Context, cacheKey, question string) error
	MarkReviewed(ctx context.Context, id int64) error

	// DeleteEntryByID removes one row and returns its question text so the
	// caller can evict matching in-memory entries.
	DeleteEntryByID(ctx context.Context, id int64) (question string, err error)

	// DeleteEntries removes all rows for cacheKey; an empty key removes all
	// rows for every key.
	DeleteEntries(ctx context.Context, cacheKey string) error
	DeleteCategory(ctx context.Context, cacheKey, category string) error

	InsertFeedback(ctx context.Context, cacheKey, question, comment string) error

	// FeedbackByQuestion returns comments for the exact question text,
	// newest first.
	FeedbackByQuestion(ctx context.Context, cacheKey, question string) ([]FeedbackComment, error)

	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error

	Close() error
}
