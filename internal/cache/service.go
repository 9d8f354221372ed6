// Package cache implements the answer cache service: a similarity index of
// previously answered questions backed by a durable store that may be
// unavailable. All failures of the durable layer are soft; callers of the
// service only ever see sentinel results (miss, false, empty list).
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/askcache/internal/durable"
	"github.com/kalambet/askcache/internal/simindex"
)

// Options configures a Service. Zero values fall back to the index defaults.
type Options struct {
	SimilarityThreshold float64
	MaxEntriesPerKey    int
	Logger              *slog.Logger
}

// Service is the public cache façade. One instance is created at process
// start and shared by every request handler.
//
// The mutex guards the similarity index only. It is never held across a
// durable store call: lookups and stores mutate memory first, then talk to
// the store with the lock released.
type Service struct {
	log   *slog.Logger
	store durable.Store // nil in degraded (memory-only) mode

	mu    sync.Mutex
	index *simindex.Index

	// Tracks fire-and-forget durable writes so tests can wait for them.
	wg sync.WaitGroup
}

// New builds a Service and hydrates it from store. A nil store, a schema
// initialization failure, or a failed hydration read all leave the service in
// degraded mode: the index starts empty and the process never retries the
// store.
func New(ctx context.Context, store durable.Store, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		log:   log,
		store: store,
		index: simindex.New(opts.SimilarityThreshold, opts.MaxEntriesPerKey),
	}

	if store == nil {
		log.Warn("no durable store configured, running memory-only")
		return s
	}

	if err := store.InitSchema(ctx); err != nil {
		log.Warn("durable store schema init failed, running memory-only", "error", err)
		s.store = nil
		return s
	}

	s.hydrate(ctx)
	return s
}

// hydrate loads all durable rows newest-first into the index. Rows with a
// missing or undecodable embedding are skipped. A read failure leaves the
// index empty but keeps the store attached for writes.
func (s *Service) hydrate(ctx context.Context) {
	rows, err := s.store.AllEntries(ctx)
	if err != nil {
		s.log.Warn("cache hydration failed, starting empty", "error", err)
		return
	}

	loaded, skipped := 0, 0
	for _, row := range rows {
		if len(row.Embedding) == 0 {
			skipped++
			continue
		}
		if s.index.Hydrate(row.CacheKey, simindex.Entry{
			Embedding:    row.Embedding,
			Question:     row.Question,
			Answer:       row.Answer,
			Status:       row.Status,
			ResponseTime: row.ResponseTime,
			Category:     row.Category,
		}) {
			loaded++
		}
	}
	s.log.Info("cache hydrated", "entries", loaded, "skipped", skipped)
}

// Degraded reports whether the service is running without a durable store.
func (s *Service) Degraded() bool {
	return s.store == nil
}

// Lookup searches the index for an answer to a question with the given
// embedding. On a hit the matched entry's serve count is incremented in the
// durable store in the background; the caller never waits on it.
func (s *Service) Lookup(embedding []float32, cacheKey string) (simindex.Match, bool) {
	s.mu.Lock()
	match, ok := s.index.Lookup(embedding, cacheKey)
	s.mu.Unlock()

	if ok && s.store != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.store.IncrementServeCount(context.Background(), cacheKey, match.Question); err != nil {
				s.log.Debug("serve count update failed", "error", err)
			}
		}()
	}
	return match, ok
}

// Store inserts a new answer under cacheKey. A near-duplicate of an existing
// entry is discarded and Store returns false. An accepted entry is visible to
// lookups immediately; the durable write happens after the lock is released
// and its failure only costs durability, never index state.
func (s *Service) Store(ctx context.Context, embedding []float32, question, answer, status string, responseTime float64, cacheKey, category string) bool {
	entry := simindex.Entry{
		Embedding:    embedding,
		Question:     question,
		Answer:       answer,
		Status:       status,
		ResponseTime: responseTime,
		Category:     category,
	}

	s.mu.Lock()
	inserted := s.index.Insert(cacheKey, entry)
	s.mu.Unlock()

	if !inserted {
		return false
	}
	if s.store != nil {
		if err := s.store.InsertEntry(ctx, durable.EntryRow{
			CacheKey:     cacheKey,
			Question:     question,
			Answer:       answer,
			Status:       status,
			ResponseTime: responseTime,
			Embedding:    embedding,
			Category:     category,
		}); err != nil {
			s.log.Warn("durable insert failed, entry kept in memory only", "error", err)
		}
	}
	return true
}

// Clear removes every entry under cacheKey, or every entry under every key
// when cacheKey is empty. The in-memory removal always succeeds; a durable
// delete failure is logged and the two layers diverge until restart.
func (s *Service) Clear(ctx context.Context, cacheKey string) {
	s.mu.Lock()
	if cacheKey == "" {
		s.index.ClearAll()
	} else {
		s.index.Clear(cacheKey)
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteEntries(ctx, cacheKey); err != nil {
			s.log.Warn("durable clear failed", "key", cacheKey, "error", err)
		}
	}
}

// ClearCategory removes entries under cacheKey tagged with category and
// returns the in-memory removed count.
func (s *Service) ClearCategory(ctx context.Context, cacheKey, category string) int {
	s.mu.Lock()
	removed := s.index.RemoveByCategory(cacheKey, category)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteCategory(ctx, cacheKey, category); err != nil {
			s.log.Warn("durable category clear failed", "key", cacheKey, "category", category, "error", err)
		}
	}
	return removed
}

// ListEntries returns the durable rows for cacheKey ordered for moderation:
// most thumbs-down first, then most served. Without a durable store (or on a
// read failure) it falls back to an index snapshot with positional ids and
// zeroed counters.
func (s *Service) ListEntries(ctx context.Context, cacheKey string) []durable.EntryRow {
	if s.store != nil {
		rows, err := s.store.EntriesByKey(ctx, cacheKey, durable.OrderModeration)
		if err == nil {
			return rows
		}
		s.log.Warn("durable entry list failed, using in-memory snapshot", "error", err)
	}

	s.mu.Lock()
	entries := s.index.Snapshot(cacheKey)
	s.mu.Unlock()

	rows := make([]durable.EntryRow, len(entries))
	for i, e := range entries {
		rows[i] = durable.EntryRow{
			ID:           int64(i),
			CacheKey:     cacheKey,
			Question:     e.Question,
			Answer:       e.Answer,
			Status:       e.Status,
			ResponseTime: e.ResponseTime,
			Category:     e.Category,
		}
	}
	return rows
}

// DeleteEntry removes the durable row with the given id and evicts any
// in-memory entry under cacheKey with the same question text. Returns false
// when the row does not exist or the store is unavailable.
func (s *Service) DeleteEntry(ctx context.Context, id int64, cacheKey string) bool {
	if s.store == nil {
		return false
	}
	question, err := s.store.DeleteEntryByID(ctx, id)
	if err != nil {
		s.log.Warn("entry delete failed", "id", id, "error", err)
		return false
	}

	s.mu.Lock()
	s.index.RemoveByQuestion(cacheKey, question)
	s.mu.Unlock()
	return true
}

// RecordThumbsDown increments the negative-feedback counter for the entry
// matching the exact question text. Statistics live only in the durable
// layer; in degraded mode this is a no-op returning false.
func (s *Service) RecordThumbsDown(ctx context.Context, cacheKey, question string) bool {
	if s.store == nil {
		return false
	}
	if err := s.store.IncrementThumbsDown(ctx, cacheKey, question); err != nil {
		s.log.Warn("thumbs down update failed", "error", err)
		return false
	}
	return true
}

// MarkReviewed sets the moderation flag on the durable row with the given id.
func (s *Service) MarkReviewed(ctx context.Context, id int64) bool {
	if s.store == nil {
		return false
	}
	if err := s.store.MarkReviewed(ctx, id); err != nil {
		s.log.Warn("mark reviewed failed", "id", id, "error", err)
		return false
	}
	return true
}

// SaveFeedback stores a free-text comment against the exact question text.
// A blank comment is a silent no-op.
func (s *Service) SaveFeedback(ctx context.Context, cacheKey, question, comment string) bool {
	if strings.TrimSpace(comment) == "" {
		return false
	}
	if s.store == nil {
		return false
	}
	if err := s.store.InsertFeedback(ctx, cacheKey, question, comment); err != nil {
		s.log.Warn("feedback insert failed", "error", err)
		return false
	}
	return true
}

// Feedback returns the comments for the exact question text, newest first.
func (s *Service) Feedback(ctx context.Context, cacheKey, question string) []durable.FeedbackComment {
	if s.store == nil {
		return nil
	}
	comments, err := s.store.FeedbackByQuestion(ctx, cacheKey, question)
	if err != nil {
		s.log.Warn("feedback query failed", "error", err)
		return nil
	}
	return comments
}

// Metadata returns the value for an invalidation bookkeeping key. The second
// result is false when the key is absent, the store failed, or the service is
// degraded.
func (s *Service) Metadata(ctx context.Context, key string) (string, bool) {
	if s.store == nil {
		return "", false
	}
	value, err := s.store.GetMetadata(ctx, key)
	if err != nil {
		if !errors.Is(err, durable.ErrNotFound) {
			s.log.Warn("metadata read failed", "key", key, "error", err)
		}
		return "", false
	}
	return value, true
}

// SetMetadata upserts an invalidation bookkeeping key.
func (s *Service) SetMetadata(ctx context.Context, key, value string) bool {
	if s.store == nil {
		return false
	}
	if err := s.store.SetMetadata(ctx, key, value); err != nil {
		s.log.Warn("metadata write failed", "key", key, "error", err)
		return false
	}
	return true
}

// Stats summarizes the in-memory index and durable connectivity.
type Stats struct {
	TotalEntries     int            `json:"total_entries"`
	DurableConnected bool           `json:"durable_connected"`
	Keys             map[string]int `json:"keys"`
}

// Stats reports in-memory entry counts and whether the durable store is
// attached.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalEntries:     s.index.Len(),
		DurableConnected: s.store != nil,
		Keys:             s.index.KeyCounts(),
	}
}

// CategoryStats returns category -> in-memory entry count for cacheKey, or
// across all keys when cacheKey is empty.
func (s *Service) CategoryStats(cacheKey string) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.CategoryCounts(cacheKey)
}

// Flush waits for outstanding background durable writes. Used by tests and
// shutdown.
func (s *Service) Flush() {
	s.wg.Wait()
}

// Close flushes background writes and closes the durable store.
func (s *Service) Close() error {
	s.wg.Wait()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
