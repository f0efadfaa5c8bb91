// Package sqlite provides a SQLite-backed implementation of the kv.Store
// port using the pure-Go modernc.org/sqlite driver. It lets multiple
// processes on one host share authoritative auth state through a single
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aegisgate/aegisgate/internal/kv"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	k          TEXT PRIMARY KEY,
	v          BLOB,
	counter    INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS kv_set_members (
	k      TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (k, member)
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries(expires_at);
`

// SQLiteStore implements kv.Store on a SQLite database file.
//
// The connection pool is capped at one connection so every operation runs
// serialized against the database; combined with per-operation transactions
// this gives the atomic increment-and-check the rate limiter requires.
type SQLiteStore struct {
	db *sql.DB

	// now is swappable in tests.
	now func() time.Time
}

// Open opens (and if needed creates) the store at path.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply kv schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// unix returns the current time as unix seconds.
func (s *SQLiteStore) unix() int64 {
	return s.now().Unix()
}

// expiresAt converts a ttl into a nullable unix timestamp.
func (s *SQLiteStore) expiresAt(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.now().Add(ttl).Unix(), Valid: true}
}

// dropExpired removes the row at key if it is past expiry.
// Runs inside the caller's transaction.
func (s *SQLiteStore) dropExpired(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE k = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, s.unix())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM kv_set_members WHERE k = ? AND NOT EXISTS (SELECT 1 FROM kv_entries WHERE kv_entries.k = kv_set_members.k)`,
		key)
	return err
}

// Get returns the value at key, or kv.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM kv_entries WHERE k = ? AND (expires_at IS NULL OR expires_at > ?) AND v IS NOT NULL`,
		key, s.unix()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return v, nil
}

// Set writes value at key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, counter = 0, expires_at = excluded.expires_at`,
		key, value, s.expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// SetNX writes value only if key is absent. The delete-expired and
// insert run in one transaction so the check-then-insert is atomic.
func (s *SQLiteStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("kv setnx begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.dropExpired(ctx, tx, key); err != nil {
		return false, fmt.Errorf("kv setnx: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?) ON CONFLICT(k) DO NOTHING`,
		key, value, s.expiresAt(ttl))
	if err != nil {
		return false, fmt.Errorf("kv setnx: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv setnx: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("kv setnx commit: %w", err)
	}
	return n > 0, nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE k = ?`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_set_members WHERE k = ?`, key); err != nil {
		return fmt.Errorf("kv delete members: %w", err)
	}
	return nil
}

// Incr atomically adds delta to the counter at key.
// Implemented as a single transaction: expired-row cleanup, upsert with
// arithmetic in SQL, and read-back of the post-increment value.
func (s *SQLiteStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("kv incr begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.dropExpired(ctx, tx, key); err != nil {
		return 0, fmt.Errorf("kv incr: %w", err)
	}

	var counter int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO kv_entries (k, counter, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET counter = kv_entries.counter + excluded.counter
		 RETURNING counter`,
		key, delta, s.expiresAt(ttl)).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("kv incr: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("kv incr commit: %w", err)
	}
	return counter, nil
}

// Expire resets the TTL of an existing key.
func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv_entries SET expires_at = ? WHERE k = ? AND (expires_at IS NULL OR expires_at > ?)`,
		s.expiresAt(ttl), key, s.unix())
	if err != nil {
		return fmt.Errorf("kv expire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kv expire: %w", err)
	}
	if n == 0 {
		return kv.ErrNotFound
	}
	return nil
}

// TTL returns the remaining lifetime of key.
func (s *SQLiteStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM kv_entries WHERE k = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.unix()).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, kv.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("kv ttl: %w", err)
	}
	if !expires.Valid {
		return 0, nil
	}
	return time.Duration(expires.Int64-s.unix()) * time.Second, nil
}

// SAdd adds members to the set at key, refreshing the set TTL.
func (s *SQLiteStore) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv sadd begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.dropExpired(ctx, tx, key); err != nil {
		return fmt.Errorf("kv sadd: %w", err)
	}

	// Anchor row carries the set's TTL.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (k, expires_at) VALUES (?, ?)
		 ON CONFLICT(k) DO UPDATE SET expires_at = excluded.expires_at`,
		key, s.expiresAt(ttl)); err != nil {
		return fmt.Errorf("kv sadd anchor: %w", err)
	}

	for _, m := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_set_members (k, member) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			key, m); err != nil {
			return fmt.Errorf("kv sadd member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv sadd commit: %w", err)
	}
	return nil
}

// SRem removes members from the set at key.
func (s *SQLiteStore) SRem(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_set_members WHERE k = ? AND member = ?`, key, m); err != nil {
			return fmt.Errorf("kv srem: %w", err)
		}
	}
	return nil
}

// SIsMember reports whether member is in the live set at key.
func (s *SQLiteStore) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM kv_set_members m JOIN kv_entries e ON e.k = m.k
		 WHERE m.k = ? AND m.member = ? AND (e.expires_at IS NULL OR e.expires_at > ?)`,
		key, member, s.unix()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv sismember: %w", err)
	}
	return true, nil
}

// SMembers returns all members of the live set at key.
func (s *SQLiteStore) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.member FROM kv_set_members m JOIN kv_entries e ON e.k = m.k
		 WHERE m.k = ? AND (e.expires_at IS NULL OR e.expires_at > ?)`,
		key, s.unix())
	if err != nil {
		return nil, fmt.Errorf("kv smembers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("kv smembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv smembers: %w", err)
	}
	return members, nil
}

// Sweep deletes all expired rows. Idempotent delete-if-expired logic,
// safe to run concurrently with live traffic.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.unix())
	if err != nil {
		return 0, fmt.Errorf("kv sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_set_members WHERE NOT EXISTS (SELECT 1 FROM kv_entries WHERE kv_entries.k = kv_set_members.k)`); err != nil {
		return n, fmt.Errorf("kv sweep members: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Compile-time interface verification.
var _ kv.Store = (*SQLiteStore)(nil)
