// Package api exposes the cache service over HTTP and MCP. The HTTP surface
// is consumed by the retrieval sidecar (lookup/store) and by an admin UI
// (stats, moderation, feedback). All routes except /health require a bearer
// token.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/askcache/internal/cache"
	"github.com/kalambet/askcache/internal/durable"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Cache *cache.Service
	Token string
}

type lookupRequest struct {
	CacheKey  string    `json:"cache_key"`
	Embedding []float32 `json:"embedding"`
}

type lookupResponse struct {
	Hit             bool    `json:"hit"`
	Answer          string  `json:"answer,omitempty"`
	Status          string  `json:"status,omitempty"`
	ResponseTime    float64 `json:"response_time,omitempty"`
	MatchedQuestion string  `json:"matched_question,omitempty"`
	Similarity      float64 `json:"similarity,omitempty"`
}

type storeRequest struct {
	CacheKey     string    `json:"cache_key"`
	Question     string    `json:"question"`
	Answer       string    `json:"answer"`
	Status       string    `json:"status"`
	ResponseTime float64   `json:"response_time"`
	Embedding    []float32 `json:"embedding"`
	Category     string    `json:"category"`
}

type feedbackRequest struct {
	CacheKey   string `json:"cache_key"`
	Question   string `json:"question"`
	ThumbsDown bool   `json:"thumbs_down"`
	Comment    string `json:"comment"`
}

// NewHandler returns the HTTP handler for the cache API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/cache/lookup", handleLookup(deps))
		r.Post("/cache/store", handleStore(deps))
		r.Delete("/cache", handleClear(deps))

		r.Get("/cache/stats", handleStats(deps))
		r.Get("/cache/categories", handleCategories(deps))

		r.Get("/cache/entries", handleListEntries(deps))
		r.Delete("/cache/entries/{id}", handleDeleteEntry(deps))
		r.Post("/cache/entries/{id}/reviewed", handleMarkReviewed(deps))

		r.Post("/cache/feedback", handleFeedback(deps))
		r.Get("/cache/feedback", handleGetFeedback(deps))

		r.Get("/cache/metadata/{key}", handleGetMetadata(deps))
		r.Put("/cache/metadata/{key}", handleSetMetadata(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleLookup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req lookupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CacheKey == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cache_key is required")
			return
		}
		if len(req.Embedding) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "embedding is required")
			return
		}

		match, ok := deps.Cache.Lookup(req.Embedding, req.CacheKey)
		resp := lookupResponse{Hit: ok}
		if ok {
			resp.Answer = match.Answer
			resp.Status = match.Status
			resp.ResponseTime = match.ResponseTime
			resp.MatchedQuestion = match.Question
			resp.Similarity = match.Score
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleStore(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req storeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CacheKey == "" || req.Question == "" || req.Answer == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cache_key, question and answer are required")
			return
		}
		if len(req.Embedding) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "embedding is required")
			return
		}

		stored := deps.Cache.Store(r.Context(), req.Embedding, req.Question, req.Answer,
			req.Status, req.ResponseTime, req.CacheKey, req.Category)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"stored": stored})
	}
}

func handleClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		category := r.URL.Query().Get("category")

		w.Header().Set("Content-Type", "application/json")
		if category != "" {
			if key == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "key is required when clearing a category")
				return
			}
			removed := deps.Cache.ClearCategory(r.Context(), key, category)
			json.NewEncoder(w).Encode(map[string]any{"status": "cleared", "removed": removed})
			return
		}

		deps.Cache.Clear(r.Context(), key)
		json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Cache.Stats())
	}
}

func handleCategories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Cache.CategoryStats(key))
	}
}

func handleListEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key is required")
			return
		}

		rows := deps.Cache.ListEntries(r.Context(), key)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

func handleDeleteEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid entry id")
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key is required")
			return
		}

		if !deps.Cache.DeleteEntry(r.Context(), id, key) {
			httpError(w, http.StatusNotFound, "not_found", "entry not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleMarkReviewed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid entry id")
			return
		}

		if !deps.Cache.MarkReviewed(r.Context(), id) {
			httpError(w, http.StatusNotFound, "not_found", "entry not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "reviewed"})
	}
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CacheKey == "" || req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cache_key and question are required")
			return
		}

		if req.ThumbsDown {
			deps.Cache.RecordThumbsDown(r.Context(), req.CacheKey, req.Question)
		}
		saved := deps.Cache.SaveFeedback(r.Context(), req.CacheKey, req.Question, req.Comment)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"comment_saved": saved})
	}
}

func handleGetFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		question := r.URL.Query().Get("question")
		if key == "" || question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "key and question are required")
			return
		}

		comments := deps.Cache.Feedback(r.Context(), key, question)
		if comments == nil {
			comments = []durable.FeedbackComment{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(comments)
	}
}

func handleGetMetadata(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")

		value, ok := deps.Cache.Metadata(r.Context(), key)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "metadata key not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"key": key, "value": value})
	}
}

func handleSetMetadata(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		key := chi.URLParam(r, "key")
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if !deps.Cache.SetMetadata(r.Context(), key, req.Value) {
			httpError(w, http.StatusServiceUnavailable, "api_error", "durable store unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
