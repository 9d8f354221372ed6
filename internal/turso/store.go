package turso

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/askcache/internal/durable"
)

// Compile-time check that Store implements durable.Store.
var _ durable.Store = (*Store)(nil)

// Store implements durable.Store over the Turso HTTP pipeline.
type Store struct {
	client *Client
	log    *slog.Logger
}

// NewStore creates a Store for the given database URL and auth token.
// Missing credentials are an error; the caller falls back to another backend.
func NewStore(databaseURL, authToken string, logger *slog.Logger) (*Store, error) {
	client, err := NewClient(databaseURL, authToken)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, log: logger}, nil
}

// schemaStmts is the idempotent DDL batch. The ALTER TABLE statements upgrade
// databases created before those columns existed; their "duplicate column"
// failures are expected and ignored, and the pipeline protocol keeps each
// statement's failure independent of the rest.
var schemaStmts = []Stmt{
	{SQL: `CREATE TABLE IF NOT EXISTS answer_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cache_key TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		status TEXT,
		response_time REAL,
		embedding TEXT NOT NULL,
		category TEXT DEFAULT '',
		serve_count INTEGER DEFAULT 0,
		thumbs_down INTEGER DEFAULT 0,
		reviewed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`},
	{SQL: `CREATE INDEX IF NOT EXISTS idx_answer_cache_key ON answer_cache(cache_key)`},
	{SQL: `ALTER TABLE answer_cache ADD COLUMN category TEXT DEFAULT ''`},
	{SQL: `ALTER TABLE answer_cache ADD COLUMN serve_count INTEGER DEFAULT 0`},
	{SQL: `ALTER TABLE answer_cache ADD COLUMN thumbs_down INTEGER DEFAULT 0`},
	{SQL: `ALTER TABLE answer_cache ADD COLUMN reviewed INTEGER DEFAULT 0`},
	{SQL: `CREATE TABLE IF NOT EXISTS cache_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cache_key TEXT NOT NULL,
		question TEXT NOT NULL,
		comment TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`},
	{SQL: `CREATE TABLE IF NOT EXISTS cache_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`},
}

// alterStmt marks the batch positions whose failures are ignored.
func alterStmt(i int) bool { return i >= 2 && i <= 5 }

// InitSchema creates tables, indexes, and legacy upgrade columns.
func (s *Store) InitSchema(ctx context.Context) error {
	results, err := s.client.Execute(ctx, schemaStmts)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	for i, r := range results {
		if r.Err == "" {
			continue
		}
		if alterStmt(i) {
			s.log.Debug("schema upgrade statement skipped", "error", r.Err)
			continue
		}
		return fmt.Errorf("initializing schema: statement %d: %s", i, r.Err)
	}
	return nil
}

const entryColumns = `id, cache_key, question, answer, status, response_time, embedding, category, serve_count, thumbs_down, reviewed, created_at`

func (s *Store) InsertEntry(ctx context.Context, row durable.EntryRow) error {
	stmt := Stmt{
		SQL: `INSERT INTO answer_cache (cache_key, question, answer, status, response_time, embedding, category)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		Args: []Arg{
			Text(row.CacheKey),
			Text(row.Question),
			Text(row.Answer),
			Text(row.Status),
			Float(row.ResponseTime),
			Text(durable.EncodeEmbedding(row.Embedding)),
			Text(row.Category),
		},
	}
	return s.exec(ctx, "inserting entry", stmt)
}

func (s *Store) EntriesByKey(ctx context.Context, cacheKey string, order durable.EntryOrder) ([]durable.EntryRow, error) {
	orderBy := "created_at DESC"
	if order == durable.OrderModeration {
		orderBy = "thumbs_down DESC, serve_count DESC"
	}
	stmt := Stmt{
		SQL:  `SELECT ` + entryColumns + ` FROM answer_cache WHERE cache_key = ? ORDER BY ` + orderBy,
		Args: []Arg{Text(cacheKey)},
	}
	res, err := s.query(ctx, "querying entries", stmt)
	if err != nil {
		return nil, err
	}
	return s.scanEntries(res), nil
}

func (s *Store) AllEntries(ctx context.Context) ([]durable.EntryRow, error) {
	stmt := Stmt{SQL: `SELECT ` + entryColumns + ` FROM answer_cache ORDER BY created_at DESC`}
	res, err := s.query(ctx, "querying all entries", stmt)
	if err != nil {
		return nil, err
	}
	return s.scanEntries(res), nil
}

func (s *Store) IncrementServeCount(ctx context.Context, cacheKey, question string) error {
	stmt := Stmt{
		SQL:  `UPDATE answer_cache SET serve_count = serve_count + 1 WHERE cache_key = ? AND question = ?`,
		Args: []Arg{Text(cacheKey), Text(question)},
	}
	return s.exec(ctx, "incrementing serve count", stmt)
}

func (s *Store) IncrementThumbsDown(ctx context.Context, cacheKey, question string) error {
	stmt := Stmt{
		SQL:  `UPDATE answer_cache SET thumbs_down = thumbs_down + 1 WHERE cache_key = ? AND question = ?`,
		Args: []Arg{Text(cacheKey), Text(question)},
	}
	return s.exec(ctx, "incrementing thumbs down", stmt)
}

func (s *Store) MarkReviewed(ctx context.Context, id int64) error {
	stmt := Stmt{
		SQL:  `UPDATE answer_cache SET reviewed = 1 WHERE id = ?`,
		Args: []Arg{Integer(id)},
	}
	return s.exec(ctx, "marking reviewed", stmt)
}

func (s *Store) DeleteEntryByID(ctx context.Context, id int64) (string, error) {
	// Two statements, one batch: fetch the question text, then delete.
	stmts := []Stmt{
		{SQL: `SELECT question FROM answer_cache WHERE id = ?`, Args: []Arg{Integer(id)}},
		{SQL: `DELETE FROM answer_cache WHERE id = ?`, Args: []Arg{Integer(id)}},
	}
	results, err := s.client.Execute(ctx, stmts)
	if err != nil {
		return "", fmt.Errorf("deleting entry %d: %w", id, err)
	}
	for _, r := range results {
		if r.Err != "" {
			return "", fmt.Errorf("deleting entry %d: %s", id, r.Err)
		}
	}
	if len(results[0].Rows) == 0 {
		return "", durable.ErrNotFound
	}
	return results[0].Rows[0][0].Text(), nil
}

func (s *Store) DeleteEntries(ctx context.Context, cacheKey string) error {
	stmt := Stmt{SQL: `DELETE FROM answer_cache`}
	if cacheKey != "" {
		stmt = Stmt{
			SQL:  `DELETE FROM answer_cache WHERE cache_key = ?`,
			Args: []Arg{Text(cacheKey)},
		}
	}
	return s.exec(ctx, "deleting entries", stmt)
}

func (s *Store) DeleteCategory(ctx context.Context, cacheKey, category string) error {
	stmt := Stmt{
		SQL:  `DELETE FROM answer_cache WHERE cache_key = ? AND category = ?`,
		Args: []Arg{Text(cacheKey), Text(category)},
	}
	return s.exec(ctx, "deleting category", stmt)
}

func (s *Store) InsertFeedback(ctx context.Context, cacheKey, question, comment string) error {
	stmt := Stmt{
		SQL:  `INSERT INTO cache_feedback (cache_key, question, comment) VALUES (?, ?, ?)`,
		Args: []Arg{Text(cacheKey), Text(question), Text(comment)},
	}
	return s.exec(ctx, "inserting feedback", stmt)
}

func (s *Store) FeedbackByQuestion(ctx context.Context, cacheKey, question string) ([]durable.FeedbackComment, error) {
	stmt := Stmt{
		SQL: `SELECT id, cache_key, question, comment, created_at FROM cache_feedback
			WHERE cache_key = ? AND question = ? ORDER BY created_at DESC, id DESC`,
		Args: []Arg{Text(cacheKey), Text(question)},
	}
	res, err := s.query(ctx, "querying feedback", stmt)
	if err != nil {
		return nil, err
	}
	comments := make([]durable.FeedbackComment, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) < 5 {
			continue
		}
		comments = append(comments, durable.FeedbackComment{
			ID:        row[0].Int(),
			CacheKey:  row[1].Text(),
			Question:  row[2].Text(),
			Comment:   row[3].Text(),
			CreatedAt: parseTimestamp(row[4].Text()),
		})
	}
	return comments, nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	stmt := Stmt{
		SQL:  `SELECT value FROM cache_metadata WHERE key = ?`,
		Args: []Arg{Text(key)},
	}
	res, err := s.query(ctx, "getting metadata", stmt)
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return "", durable.ErrNotFound
	}
	return res.Rows[0][0].Text(), nil
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	stmt := Stmt{
		SQL: `INSERT INTO cache_metadata (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		Args: []Arg{Text(key), Text(value)},
	}
	return s.exec(ctx, "setting metadata", stmt)
}

// Close is a no-op; each pipeline is closed per request.
func (s *Store) Close() error { return nil }

// exec runs one statement and folds a statement-level error into the return.
func (s *Store) exec(ctx context.Context, op string, stmt Stmt) error {
	_, err := s.query(ctx, op, stmt)
	return err
}

func (s *Store) query(ctx context.Context, op string, stmt Stmt) (Result, error) {
	results, err := s.client.Execute(ctx, []Stmt{stmt})
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if results[0].Err != "" {
		return Result{}, fmt.Errorf("%s: %s", op, results[0].Err)
	}
	return results[0], nil
}

// scanEntries converts result rows into EntryRows. A row with an
// undecodable embedding keeps its other fields but carries a nil embedding;
// the hydration path skips those.
func (s *Store) scanEntries(res Result) []durable.EntryRow {
	rows := make([]durable.EntryRow, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) < 12 {
			continue
		}
		entry := durable.EntryRow{
			ID:           row[0].Int(),
			CacheKey:     row[1].Text(),
			Question:     row[2].Text(),
			Answer:       row[3].Text(),
			Status:       row[4].Text(),
			ResponseTime: row[5].Float(),
			Category:     row[7].Text(),
			ServeCount:   row[8].Int(),
			ThumbsDown:   row[9].Int(),
			Reviewed:     row[10].Int() != 0,
			CreatedAt:    parseTimestamp(row[11].Text()),
		}
		embedding, err := durable.DecodeEmbedding(row[6].Text())
		if err != nil {
			s.log.Debug("skipping undecodable embedding", "id", entry.ID, "error", err)
		} else {
			entry.Embedding = embedding
		}
		rows = append(rows, entry)
	}
	return rows
}

// parseTimestamp accepts the SQLite CURRENT_TIMESTAMP format and RFC3339.
// Unparseable values yield the zero time rather than an error.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
