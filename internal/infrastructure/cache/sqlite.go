package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/database"
	_ "github.com/symgrid/iot-cloud-apps/migrations" // registers the cache schema
)

const (
	kindString = "string"
	kindHash   = "hash"
	kindList   = "list"
)

// liveKey is the predicate shared by every read: the key has no deadline or
// the deadline is in the future. The placeholder is the current time in ms.
const liveKey = `(k.expires_at IS NULL OR k.expires_at > ?)`

// SQLiteStore implements Store on the embedded database.
//
// Expired keys are hidden from reads immediately. Their rows are removed by
// the next write to the same key or by Sweep.
type SQLiteStore struct {
	db  *database.DB
	now func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithClock replaces time.Now as the store's notion of the current time.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// OpenSQLite opens the database at cfg.Path and applies pending migrations.
func OpenSQLite(ctx context.Context, cfg config.SQLiteCacheConfig, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}
	return NewSQLiteStore(db, opts...), nil
}

// NewSQLiteStore wraps a migrated database. The store owns db.
func NewSQLiteStore(db *database.DB, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteStore) nowMS() int64 {
	return s.now().UnixMilli()
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// purgeExpired drops key if its deadline has passed, so writes start from a
// missing key exactly as Redis would.
func (s *SQLiteStore) purgeExpired(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM cache_keys WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, s.nowMS(),
	)
	if err != nil {
		return fmt.Errorf("purging %s: %w", key, err)
	}
	return nil
}

// ensureKey creates key with the given kind, or checks an existing key has it.
func (s *SQLiteStore) ensureKey(ctx context.Context, tx *sql.Tx, key, kind string) error {
	if err := s.purgeExpired(ctx, tx, key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cache_keys (key, kind) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`,
		key, kind,
	)
	if err != nil {
		return fmt.Errorf("creating %s: %w", key, err)
	}

	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT kind FROM cache_keys WHERE key = ?`, key).Scan(&existing); err != nil {
		return fmt.Errorf("reading kind of %s: %w", key, err)
	}
	if existing != kind {
		return fmt.Errorf("%w: %s is a %s", ErrWrongType, key, existing)
	}
	return nil
}

// dropIfEmpty removes a hash or list key that has no fields left.
func dropIfEmpty(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM cache_keys WHERE key = ? AND NOT EXISTS (SELECT 1 FROM cache_fields WHERE key = ?)`,
		key, key,
	)
	if err != nil {
		return fmt.Errorf("dropping empty %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_keys WHERE key = ?`, key); err != nil {
			return fmt.Errorf("replacing %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_keys (key, kind) VALUES (?, ?)`, key, kindString,
		); err != nil {
			return fmt.Errorf("creating %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_fields (key, field, value) VALUES (?, '', ?)`, key, value,
		); err != nil {
			return fmt.Errorf("writing %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var kind, value string
	err := s.db.QueryRowContext(ctx,
		`SELECT k.kind, COALESCE(f.value, '')
		 FROM cache_keys k
		 LEFT JOIN cache_fields f ON f.key = k.key AND f.field = ''
		 WHERE k.key = ? AND `+liveKey,
		key, s.nowMS(),
	).Scan(&kind, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite get %s: %w", key, err)
	}
	if kind != kindString {
		return "", fmt.Errorf("sqlite get %s: %w", key, ErrWrongType)
	}
	return value, nil
}

func (s *SQLiteStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureKey(ctx, tx, key, kindHash); err != nil {
			return err
		}
		for field, value := range fields {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO cache_fields (key, field, value) VALUES (?, ?, ?)
				 ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
				key, field, value,
			)
			if err != nil {
				return fmt.Errorf("writing %s.%s: %w", key, field, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) HashGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	if len(fields) == 0 {
		return out, nil
	}
	all, err := s.HashGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, field := range fields {
		if v, ok := all[field]; ok {
			out[field] = v
		}
	}
	return out, nil
}

func (s *SQLiteStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k.kind, f.field, f.value
		 FROM cache_keys k
		 JOIN cache_fields f ON f.key = k.key
		 WHERE k.key = ? AND `+liveKey,
		key, s.nowMS(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite hgetall %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var kind, field, value string
		if err := rows.Scan(&kind, &field, &value); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", key, err)
		}
		if kind != kindHash {
			return nil, fmt.Errorf("sqlite hgetall %s: %w", key, ErrWrongType)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", key, err)
	}
	return out, nil
}

func (s *SQLiteStore) ListPushBounded(ctx context.Context, key, member string, limit int) ([]string, error) {
	var trimmed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureKey(ctx, tx, key, kindList); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cache_fields (key, field, value, seq)
			 VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_fields WHERE key = ?))
			 ON CONFLICT (key, field) DO UPDATE SET seq = excluded.seq`,
			key, member, member, key,
		)
		if err != nil {
			return fmt.Errorf("pushing to %s: %w", key, err)
		}
		if limit <= 0 {
			return nil
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_fields WHERE key = ?`, key).Scan(&count); err != nil {
			return fmt.Errorf("counting %s: %w", key, err)
		}
		if count <= limit {
			return nil
		}

		trimmed, err = listFields(ctx, tx,
			`SELECT field FROM cache_fields WHERE key = ? ORDER BY seq LIMIT ?`, key, count-limit)
		if err != nil {
			return err
		}
		for _, m := range trimmed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_fields WHERE key = ? AND field = ?`, key, m); err != nil {
				return fmt.Errorf("trimming %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trimmed, nil
}

func (s *SQLiteStore) ListRemove(ctx context.Context, key, member string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_fields WHERE key = ? AND field = ?`, key, member); err != nil {
			return fmt.Errorf("removing from %s: %w", key, err)
		}
		return dropIfEmpty(ctx, tx, key)
	})
}

func (s *SQLiteStore) ListMembers(ctx context.Context, key string) ([]string, error) {
	return listFields(ctx, s.db,
		`SELECT f.field
		 FROM cache_keys k
		 JOIN cache_fields f ON f.key = k.key
		 WHERE k.key = ? AND k.kind = 'list' AND `+liveKey+`
		 ORDER BY f.seq`,
		key, s.nowMS(),
	)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listFields(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var field string
		if err := rows.Scan(&field); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		out = append(out, field)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ExpireAt(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_keys SET expires_at = ?
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		at.UnixMilli(), key, s.nowMS(),
	)
	if err != nil {
		return fmt.Errorf("sqlite expire %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Persist(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_keys SET expires_at = NULL
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.nowMS(),
	)
	if err != nil {
		return fmt.Errorf("sqlite persist %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Deadline(ctx context.Context, key string) (time.Time, bool, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT k.expires_at FROM cache_keys k WHERE k.key = ? AND `+liveKey,
		key, s.nowMS(),
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite deadline %s: %w", key, err)
	}
	if !expiresAt.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(expiresAt.Int64), true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_keys WHERE key = ?`, key); err != nil {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
		}
		return nil
	})
}

// Sweep deletes every expired key and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.nowMS(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept keys: %w", err)
	}
	return n, nil
}

// Logger is the logging dependency of the janitor.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// RunJanitor calls Sweep every interval until ctx is cancelled.
func (s *SQLiteStore) RunJanitor(ctx context.Context, interval time.Duration, logger Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("cache sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Debug("cache sweep removed expired keys", "count", n)
			}
		}
	}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
