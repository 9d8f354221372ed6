// Package storage implements the local durable store: the same answer-cache
// schema as the remote backend, kept in a SQLite file. It is the default
// backend when no Turso credentials are configured and the backing store for
// cache service tests.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/askcache/internal/durable"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check that Store implements durable.Store.
var _ durable.Store = (*Store)(nil)

// Store wraps a SQLite database holding cached answers, feedback, and
// metadata.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the cache database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "askcache.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, log: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitSchema re-runs pending migrations. Idempotent; Open already ran them.
func (s *Store) InitSchema(ctx context.Context) error {
	return s.migrate()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Entries ---

const entryColumns = `id, cache_key, question, answer, status, response_time, embedding, category, serve_count, thumbs_down, reviewed, created_at`

func (s *Store) InsertEntry(ctx context.Context, row durable.EntryRow) error {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO answer_cache (cache_key, question, answer, status, response_time, embedding, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.CacheKey, row.Question, row.Answer, row.Status, row.ResponseTime,
		durable.EncodeEmbedding(row.Embedding), row.Category, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

func (s *Store) EntriesByKey(ctx context.Context, cacheKey string, order durable.EntryOrder) ([]durable.EntryRow, error) {
	orderBy := "created_at DESC, id DESC"
	if order == durable.OrderModeration {
		orderBy = "thumbs_down DESC, serve_count DESC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM answer_cache WHERE cache_key = ? ORDER BY `+orderBy, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *Store) AllEntries(ctx context.Context) ([]durable.EntryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM answer_cache ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying all entries: %w", err)
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *Store) scanEntries(rows *sql.Rows) ([]durable.EntryRow, error) {
	var results []durable.EntryRow
	for rows.Next() {
		var r durable.EntryRow
		var status, embedding, category, createdAt sql.NullString
		var responseTime sql.NullFloat64
		var reviewed int
		if err := rows.Scan(&r.ID, &r.CacheKey, &r.Question, &r.Answer, &status, &responseTime,
			&embedding, &category, &r.ServeCount, &r.ThumbsDown, &reviewed, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}
		r.Status = status.String
		r.ResponseTime = responseTime.Float64
		r.Category = category.String
		r.Reviewed = reviewed != 0

		vec, err := durable.DecodeEmbedding(embedding.String)
		if err != nil {
			s.log.Debug("skipping undecodable embedding", "id", r.ID, "error", err)
		} else {
			r.Embedding = vec
		}
		if t, err := time.Parse(time.RFC3339, createdAt.String); err == nil {
			r.CreatedAt = t
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) IncrementServeCount(ctx context.Context, cacheKey, question string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE answer_cache SET serve_count = serve_count + 1 WHERE cache_key = ? AND question = ?`,
		cacheKey, question)
	if err != nil {
		return fmt.Errorf("incrementing serve count: %w", err)
	}
	return nil
}

func (s *Store) IncrementThumbsDown(ctx context.Context, cacheKey, question string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE answer_cache SET thumbs_down = thumbs_down + 1 WHERE cache_key = ? AND question = ?`,
		cacheKey, question)
	if err != nil {
		return fmt.Errorf("incrementing thumbs down: %w", err)
	}
	return nil
}

func (s *Store) MarkReviewed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE answer_cache SET reviewed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking reviewed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return durable.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEntryByID(ctx context.Context, id int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var question string
	err = tx.QueryRowContext(ctx, `SELECT question FROM answer_cache WHERE id = ?`, id).Scan(&question)
	if err == sql.ErrNoRows {
		return "", durable.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up entry %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM answer_cache WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("deleting entry %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing delete: %w", err)
	}
	return question, nil
}

func (s *Store) DeleteEntries(ctx context.Context, cacheKey string) error {
	var err error
	if cacheKey == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM answer_cache`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM answer_cache WHERE cache_key = ?`, cacheKey)
	}
	if err != nil {
		return fmt.Errorf("deleting entries: %w", err)
	}
	return nil
}

func (s *Store) DeleteCategory(ctx context.Context, cacheKey, category string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM answer_cache WHERE cache_key = ? AND category = ?`, cacheKey, category)
	if err != nil {
		return fmt.Errorf("deleting category: %w", err)
	}
	return nil
}

// --- Feedback ---

func (s *Store) InsertFeedback(ctx context.Context, cacheKey, question, comment string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_feedback (cache_key, question, comment, created_at) VALUES (?, ?, ?, ?)`,
		cacheKey, question, comment, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return nil
}

func (s *Store) FeedbackByQuestion(ctx context.Context, cacheKey, question string) ([]durable.FeedbackComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cache_key, question, comment, created_at FROM cache_feedback
		WHERE cache_key = ? AND question = ? ORDER BY created_at DESC, id DESC`,
		cacheKey, question)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var comments []durable.FeedbackComment
	for rows.Next() {
		var c durable.FeedbackComment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.CacheKey, &c.Question, &c.Comment, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning feedback row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			c.CreatedAt = t
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// --- Metadata ---

func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", durable.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting metadata: %w", err)
	}
	return value, nil
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("setting metadata: %w", err)
	}
	return nil
}
