// Package sqlite implements the account store backed by a SQLite database.
// It manages users, their subscriptions, and durable tunnel records.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all account persistence
// operations.
type Store struct {
	db *sql.DB

	activeTunnelCountStmt *sql.Stmt
	findTunnelStmt        *sql.Stmt
	isTunnelActiveStmt    *sql.Stmt
	findUserStmt          *sql.Stmt
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.activeTunnelCountStmt))
	err = errors.Join(err, closeStmt(&s.findTunnelStmt))
	err = errors.Join(err, closeStmt(&s.isTunnelActiveStmt))
	err = errors.Join(err, closeStmt(&s.findUserStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

func prepare(db *sql.DB, name, query string, dst **sql.Stmt) error {
	stmt, err := db.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare %s query: %w", name, err)
	}
	*dst = stmt
	return nil
}
