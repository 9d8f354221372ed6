package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/askcache/internal/cache"
	"github.com/kalambet/askcache/internal/durable"
	"github.com/kalambet/askcache/internal/storage"
)

const testToken = "test-token-12345"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupHandler(t *testing.T) (http.Handler, *cache.Service) {
	t.Helper()
	store, err := storage.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := cache.New(t.Context(), store, cache.Options{Logger: testLogger()})
	return NewHandler(Deps{Cache: svc, Token: testToken}), svc
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func storeEntry(t *testing.T, h http.Handler, embedding, question, category string) {
	t.Helper()
	body := fmt.Sprintf(`{"cache_key":"NAC","question":%q,"answer":"10 hours","status":"clear","response_time":0.8,"embedding":%s,"category":%q}`,
		question, embedding, category)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/cache/store", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("store status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	h, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/stats", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/stats", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestStoreThenLookup(t *testing.T) {
	h, _ := setupHandler(t)
	storeEntry(t, h, `[1,0]`, "What is minimum rest?", "rest")

	// Similar embedding: hit with the canonical question text.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/cache/lookup",
		`{"cache_key":"NAC","embedding":[0.97,0.24]}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("lookup status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp lookupResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Hit {
		t.Fatal("expected hit")
	}
	if resp.Answer != "10 hours" {
		t.Errorf("answer = %q", resp.Answer)
	}
	if resp.MatchedQuestion != "What is minimum rest?" {
		t.Errorf("matched_question = %q", resp.MatchedQuestion)
	}

	// Dissimilar embedding: miss.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/cache/lookup",
		`{"cache_key":"NAC","embedding":[0,1]}`, testToken))
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Hit {
		t.Error("expected miss for dissimilar embedding")
	}
}

func TestLookupValidation(t *testing.T) {
	h, _ := setupHandler(t)

	for _, body := range []string{
		`{"embedding":[1,0]}`,
		`{"cache_key":"NAC"}`,
		`not json`,
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/cache/lookup", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestStoreDuplicateReportsNotStored(t *testing.T) {
	h, _ := setupHandler(t)
	storeEntry(t, h, `[1,0]`, "original", "")

	body := `{"cache_key":"NAC","question":"rephrased","answer":"x","embedding":[1,0]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/cache/store", body, testToken))

	var resp map[string]bool
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["stored"] {
		t.Error("stored = true for near-duplicate")
	}
}

func TestStatsAndCategories(t *testing.T) {
	h, _ := setupHandler(t)
	storeEntry(t, h, `[1,0]`, "rest question", "rest")
	storeEntry(t, h, `[0,1]`, "uncategorized question", "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/stats", "", testToken))
	var stats cache.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.TotalEntries != 2 {
		t.Errorf("total_entries = %d, want 2", stats.TotalEntries)
	}
	if !stats.DurableConnected {
		t.Error("durable_connected = false")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/categories?key=NAC", "", testToken))
	var cats map[string]int
	if err := json.NewDecoder(rr.Body).Decode(&cats); err != nil {
		t.Fatalf("decoding categories: %v", err)
	}
	if cats["rest"] != 1 || cats["Uncategorized"] != 1 {
		t.Errorf("categories = %v", cats)
	}
}

func TestEntryModeration(t *testing.T) {
	h, _ := setupHandler(t)
	storeEntry(t, h, `[1,0]`, "keep me", "")
	storeEntry(t, h, `[0,1]`, "delete me", "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/entries?key=NAC", "", testToken))
	var rows []durable.EntryRow
	if err := json.NewDecoder(rr.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding entries: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	var target durable.EntryRow
	for _, row := range rows {
		if row.Question == "delete me" {
			target = row
		}
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, fmt.Sprintf("/cache/entries/%d/reviewed", target.ID), "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("reviewed status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, fmt.Sprintf("/cache/entries/%d?key=NAC", target.ID), "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, fmt.Sprintf("/cache/entries/%d?key=NAC", target.ID), "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestFeedbackFlow(t *testing.T) {
	h, _ := setupHandler(t)
	storeEntry(t, h, `[1,0]`, "What is minimum rest?", "")

	body := `{"cache_key":"NAC","question":"What is minimum rest?","thumbs_down":true,"comment":"too vague"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/cache/feedback", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("feedback status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet,
		"/cache/feedback?key=NAC&question=What+is+minimum+rest%3F", "", testToken))
	var comments []durable.FeedbackComment
	if err := json.NewDecoder(rr.Body).Decode(&comments); err != nil {
		t.Fatalf("decoding comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Comment != "too vague" {
		t.Errorf("comments = %+v", comments)
	}

	// Thumbs down counted on the entry.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/entries?key=NAC", "", testToken))
	var rows []durable.EntryRow
	if err := json.NewDecoder(rr.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding entries: %v", err)
	}
	if rows[0].ThumbsDown != 1 {
		t.Errorf("thumbs_down = %d, want 1", rows[0].ThumbsDown)
	}
}

func TestClearCategoryEndpoint(t *testing.T) {
	h, _ := setupHandler(t)
	storeEntry(t, h, `[1,0]`, "pay question", "pay")
	storeEntry(t, h, `[0,1]`, "rest question", "rest")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/cache?key=NAC&category=pay", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("clear status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["removed"] != float64(1) {
		t.Errorf("removed = %v, want 1", resp["removed"])
	}
}

func TestMetadataEndpoints(t *testing.T) {
	h, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/metadata/contract_version", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing metadata status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPut, "/cache/metadata/contract_version",
		`{"value":"2026-03"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("put metadata status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/metadata/contract_version", "", testToken))
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["value"] != "2026-03" {
		t.Errorf("value = %q, want 2026-03", resp["value"])
	}
}
