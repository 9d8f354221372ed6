// Package simindex implements the in-memory similarity index: per-cache-key
// insertion-ordered entry lists searched by brute-force cosine similarity.
// It is pure computation with no I/O and is not safe for concurrent use;
// the cache service serializes access with its own lock.
package simindex

import "math"

const (
	// DefaultThreshold is the cosine similarity above which two questions
	// are considered the same cached answer.
	DefaultThreshold = 0.93
	// DefaultCapacity is the maximum number of entries retained per cache
	// key before FIFO eviction kicks in.
	DefaultCapacity = 2000
)

// UncategorizedLabel is the category label reported for entries stored with
// an empty category.
const UncategorizedLabel = "Uncategorized"

// Entry is one cached question/answer with its embedding. Entries carry no
// surrogate id; identity within the index is positional.
type Entry struct {
	Embedding    []float32
	Question     string
	Answer       string
	Status       string
	ResponseTime float64
	Category     string
}

// Match is the result of a successful lookup. Question is the canonical
// stored text, which may differ from the text the caller asked.
type Match struct {
	Question     string
	Answer       string
	Status       string
	ResponseTime float64
	Score        float64
}

// Index holds embedded entries partitioned by cache key. Entries under
// different keys are never compared.
type Index struct {
	threshold float64
	capacity  int
	entries   map[string][]Entry
}

// New creates an Index. Non-positive threshold or capacity fall back to the
// defaults.
func New(threshold float64, capacity int) *Index {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Index{
		threshold: threshold,
		capacity:  capacity,
		entries:   make(map[string][]Entry),
	}
}

// Lookup scans every entry under cacheKey and returns the best match if its
// cosine similarity strictly exceeds the threshold. Equal-to-threshold is a
// miss. Ties at the maximum resolve to the earliest-inserted entry.
func (ix *Index) Lookup(embedding []float32, cacheKey string) (Match, bool) {
	var best Match
	bestScore := 0.0
	found := false

	for _, e := range ix.entries[cacheKey] {
		score := cosine(embedding, e.Embedding)
		if score > ix.threshold && score > bestScore {
			bestScore = score
			best = Match{
				Question:     e.Question,
				Answer:       e.Answer,
				Status:       e.Status,
				ResponseTime: e.ResponseTime,
				Score:        score,
			}
			found = true
		}
	}
	return best, found
}

// Insert appends e under cacheKey unless an existing entry is within the
// dedup threshold, in which case the new entry is discarded and Insert
// returns false. At capacity the oldest entry is evicted first.
func (ix *Index) Insert(cacheKey string, e Entry) bool {
	entries := ix.entries[cacheKey]
	for _, existing := range entries {
		if cosine(e.Embedding, existing.Embedding) > ix.threshold {
			return false
		}
	}
	if len(entries) >= ix.capacity {
		entries = entries[1:]
	}
	ix.entries[cacheKey] = append(entries, e)
	return true
}

// Hydrate appends e under cacheKey without a similarity scan, skipping it
// once the key is at capacity. Used when loading rows newest-first from the
// durable store, which already enforced dedup at write time; Insert's
// evict-oldest path would throw away the newest rows instead.
func (ix *Index) Hydrate(cacheKey string, e Entry) bool {
	if len(ix.entries[cacheKey]) >= ix.capacity {
		return false
	}
	ix.entries[cacheKey] = append(ix.entries[cacheKey], e)
	return true
}

// RemoveByCategory removes all entries under cacheKey whose category equals
// category and returns the removed count.
func (ix *Index) RemoveByCategory(cacheKey, category string) int {
	entries := ix.entries[cacheKey]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Category != category {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed > 0 {
		ix.entries[cacheKey] = kept
	}
	return removed
}

// RemoveByQuestion removes all entries under cacheKey whose question text
// matches exactly and returns the removed count.
func (ix *Index) RemoveByQuestion(cacheKey, question string) int {
	entries := ix.entries[cacheKey]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Question != question {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed > 0 {
		ix.entries[cacheKey] = kept
	}
	return removed
}

// Clear drops all entries under cacheKey.
func (ix *Index) Clear(cacheKey string) {
	delete(ix.entries, cacheKey)
}

// ClearAll drops every entry under every key.
func (ix *Index) ClearAll() {
	ix.entries = make(map[string][]Entry)
}

// Snapshot returns a copy of the entry list for cacheKey in insertion order.
func (ix *Index) Snapshot(cacheKey string) []Entry {
	entries := ix.entries[cacheKey]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Len returns the total entry count across all keys.
func (ix *Index) Len() int {
	total := 0
	for _, entries := range ix.entries {
		total += len(entries)
	}
	return total
}

// KeyCounts returns the entry count per cache key.
func (ix *Index) KeyCounts() map[string]int {
	counts := make(map[string]int, len(ix.entries))
	for key, entries := range ix.entries {
		counts[key] = len(entries)
	}
	return counts
}

// CategoryCounts returns category -> entry count for cacheKey, or for all
// keys when cacheKey is empty. Entries with an empty category are counted
// under UncategorizedLabel.
func (ix *Index) CategoryCounts(cacheKey string) map[string]int {
	counts := make(map[string]int)
	tally := func(entries []Entry) {
		for _, e := range entries {
			label := e.Category
			if label == "" {
				label = UncategorizedLabel
			}
			counts[label]++
		}
	}
	if cacheKey != "" {
		tally(ix.entries[cacheKey])
		return counts
	}
	for _, entries := range ix.entries {
		tally(entries)
	}
	return counts
}

// cosine returns the cosine similarity of a and b. A zero vector (or a
// dimension mismatch) yields 0, so it can never satisfy the threshold.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, aNormSq, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aNormSq += float64(a[i]) * float64(a[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(aNormSq) * math.Sqrt(bNormSq)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
