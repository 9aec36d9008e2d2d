package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const activeTunnelCountQuery = `SELECT COUNT(1) FROM tunnels WHERE user_id = ? AND is_active = 1`
const isTunnelActiveQuery = `SELECT 1 FROM tunnels WHERE name = ? AND is_active = 1 LIMIT 1`
const findTunnelQuery = `
SELECT name, user_id, url, is_active, created_at, last_connected_at, disconnected_at
FROM tunnels
WHERE name = ?`
const findUserQuery = `
SELECT u.id, u.email, u.password_hash, u.created_at, COALESCE(s.plan, ''), s.expires_at
FROM users u
LEFT JOIN subscriptions s ON s.user_id = u.id
WHERE u.id = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	// Write transactions take the lock up front so concurrent claims queue on
	// busy_timeout instead of failing on a stale read snapshot.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepareStatements() error {
	err := errors.Join(
		prepare(s.db, "active tunnel count", activeTunnelCountQuery, &s.activeTunnelCountStmt),
		prepare(s.db, "tunnel active", isTunnelActiveQuery, &s.isTunnelActiveStmt),
		prepare(s.db, "find tunnel", findTunnelQuery, &s.findTunnelStmt),
		prepare(s.db, "find user", findUserQuery, &s.findUserStmt),
	)
	if err != nil {
		return errors.Join(err, s.closePreparedStatements())
	}
	return nil
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
	user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	plan TEXT NOT NULL,
	expires_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS tunnels (
	name TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_connected_at DATETIME NULL,
	disconnected_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_tunnels_user_active ON tunnels(user_id, is_active);
CREATE INDEX IF NOT EXISTS idx_tunnels_active ON tunnels(is_active);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
