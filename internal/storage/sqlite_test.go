package storage

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kalambet/askcache/internal/durable"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRow(cacheKey, question string) durable.EntryRow {
	return durable.EntryRow{
		CacheKey:     cacheKey,
		Question:     question,
		Answer:       "answer to " + question,
		Status:       "answered",
		ResponseTime: 1.25,
		Embedding:    []float32{0.1, 0.2, 0.3},
		Category:     "General",
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	s := newTestStore(t)

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("querying schema_version: %v", err)
	}
	if version < 1 {
		t.Errorf("schema version = %d, want >= 1", version)
	}

	// Running migrations again is a no-op.
	if err := s.InitSchema(t.Context()); err != nil {
		t.Errorf("InitSchema (second run): %v", err)
	}
}

func TestInsertAndQueryEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertEntry(ctx, testRow("proj-a", "what is a pod?")); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	if err := s.InsertEntry(ctx, testRow("proj-a", "what is a node?")); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	if err := s.InsertEntry(ctx, testRow("proj-b", "other project question")); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}

	entries, err := s.EntriesByKey(ctx, "proj-a", durable.OrderNewestFirst)
	if err != nil {
		t.Fatalf("EntriesByKey: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries for proj-a, want 2", len(entries))
	}
	// Newest first: last inserted comes back first.
	if entries[0].Question != "what is a node?" {
		t.Errorf("first entry = %q, want newest", entries[0].Question)
	}
	if got := entries[0].Embedding; len(got) != 3 || got[0] != 0.1 {
		t.Errorf("embedding round-trip = %v", got)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}

	all, err := s.AllEntries(ctx)
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("AllEntries = %d rows, want 3", len(all))
	}
}

func TestModerationOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for _, q := range []string{"clean", "disliked", "popular"} {
		if err := s.InsertEntry(ctx, testRow("k", q)); err != nil {
			t.Fatalf("InsertEntry: %v", err)
		}
	}
	if err := s.IncrementThumbsDown(ctx, "k", "disliked"); err != nil {
		t.Fatalf("IncrementThumbsDown: %v", err)
	}
	for range 3 {
		if err := s.IncrementServeCount(ctx, "k", "popular"); err != nil {
			t.Fatalf("IncrementServeCount: %v", err)
		}
	}

	entries, err := s.EntriesByKey(ctx, "k", durable.OrderModeration)
	if err != nil {
		t.Fatalf("EntriesByKey: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Question != "disliked" {
		t.Errorf("first = %q, want thumbs-down entry first", entries[0].Question)
	}
	if entries[1].Question != "popular" {
		t.Errorf("second = %q, want highest serve count next", entries[1].Question)
	}
	if entries[0].ThumbsDown != 1 {
		t.Errorf("thumbs_down = %d, want 1", entries[0].ThumbsDown)
	}
	if entries[1].ServeCount != 3 {
		t.Errorf("serve_count = %d, want 3", entries[1].ServeCount)
	}
}

func TestMarkReviewed(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertEntry(ctx, testRow("k", "q")); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	entries, err := s.EntriesByKey(ctx, "k", durable.OrderNewestFirst)
	if err != nil {
		t.Fatalf("EntriesByKey: %v", err)
	}

	if err := s.MarkReviewed(ctx, entries[0].ID); err != nil {
		t.Fatalf("MarkReviewed: %v", err)
	}
	entries, err = s.EntriesByKey(ctx, "k", durable.OrderNewestFirst)
	if err != nil {
		t.Fatalf("EntriesByKey: %v", err)
	}
	if !entries[0].Reviewed {
		t.Error("entry not marked reviewed")
	}

	if err := s.MarkReviewed(ctx, 9999); !errors.Is(err, durable.ErrNotFound) {
		t.Errorf("MarkReviewed(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteEntryByID(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertEntry(ctx, testRow("k", "doomed question")); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	entries, err := s.EntriesByKey(ctx, "k", durable.OrderNewestFirst)
	if err != nil {
		t.Fatalf("EntriesByKey: %v", err)
	}

	question, err := s.DeleteEntryByID(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("DeleteEntryByID: %v", err)
	}
	if question != "doomed question" {
		t.Errorf("deleted question = %q", question)
	}

	if _, err := s.DeleteEntryByID(ctx, entries[0].ID); !errors.Is(err, durable.ErrNotFound) {
		t.Errorf("DeleteEntryByID(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteEntriesAndCategory(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	rowA := testRow("k", "billing question")
	rowA.Category = "Billing"
	rowB := testRow("k", "general question")
	rowC := testRow("other", "unrelated")
	for _, r := range []durable.EntryRow{rowA, rowB, rowC} {
		if err := s.InsertEntry(ctx, r); err != nil {
			t.Fatalf("InsertEntry: %v", err)
		}
	}

	if err := s.DeleteCategory(ctx, "k", "Billing"); err != nil {
		t.Fatalf("DeleteCategory: %v", err)
	}
	entries, err := s.EntriesByKey(ctx, "k", durable.OrderNewestFirst)
	if err != nil {
		t.Fatalf("EntriesByKey: %v", err)
	}
	if len(entries) != 1 || entries[0].Question != "general question" {
		t.Errorf("after category delete: %+v", entries)
	}

	if err := s.DeleteEntries(ctx, "k"); err != nil {
		t.Fatalf("DeleteEntries: %v", err)
	}
	all, err := s.AllEntries(ctx)
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	if len(all) != 1 || all[0].CacheKey != "other" {
		t.Errorf("after key delete: %+v", all)
	}

	if err := s.DeleteEntries(ctx, ""); err != nil {
		t.Fatalf("DeleteEntries(all): %v", err)
	}
	all, err = s.AllEntries(ctx)
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("after full delete: %d rows left", len(all))
	}
}

func TestFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertFeedback(ctx, "k", "q", "first comment"); err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.InsertFeedback(ctx, "k", "q", "second comment"); err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	if err := s.InsertFeedback(ctx, "k", "unrelated", "noise"); err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}

	comments, err := s.FeedbackByQuestion(ctx, "k", "q")
	if err != nil {
		t.Fatalf("FeedbackByQuestion: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("got %d comments, want 2", len(comments))
	}
	if comments[0].Comment != "second comment" {
		t.Errorf("first comment = %q, want newest first", comments[0].Comment)
	}
}

func TestMetadataUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if _, err := s.GetMetadata(ctx, "missing"); !errors.Is(err, durable.ErrNotFound) {
		t.Errorf("GetMetadata(missing) = %v, want ErrNotFound", err)
	}

	if err := s.SetMetadata(ctx, "model", "nomic-embed-text"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata(ctx, "model", "all-minilm"); err != nil {
		t.Fatalf("SetMetadata (update): %v", err)
	}

	value, err := s.GetMetadata(ctx, "model")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if value != "all-minilm" {
		t.Errorf("metadata = %q, want upserted value", value)
	}
}

func TestCorruptEmbeddingKeptWithoutVector(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO answer_cache (cache_key, question, answer, embedding, created_at)
		VALUES ('k', 'q', 'a', '!!!not-base64!!!', '2026-01-02T03:04:05Z')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	entries, err := s.EntriesByKey(ctx, "k", durable.OrderNewestFirst)
	if err != nil {
		t.Fatalf("EntriesByKey: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Embedding != nil {
		t.Errorf("embedding = %v, want nil for undecodable column", entries[0].Embedding)
	}
}
