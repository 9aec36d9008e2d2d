package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hcodes/tunnel/internal/domain"
)

// ActiveTunnelCount returns how many active tunnel records userID owns.
func (s *Store) ActiveTunnelCount(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := s.activeTunnelCountStmt.QueryRowContext(ctx, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// FindTunnel returns the record for name or [domain.ErrTunnelNotFound].
func (s *Store) FindTunnel(ctx context.Context, name string) (domain.TunnelRecord, error) {
	return scanTunnel(s.findTunnelStmt.QueryRowContext(ctx, name))
}

// IsTunnelActive reports whether name has an active record.
func (s *Store) IsTunnelActive(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.isTunnelActiveStmt.QueryRowContext(ctx, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ClaimTunnel creates the record for name or reactivates it when userID
// already owns it. A record owned by anyone else yields [domain.ErrNameTaken],
// including when a concurrent insert wins the primary key.
func (s *Store) ClaimTunnel(ctx context.Context, userID int64, name, url string, now time.Time) (domain.TunnelRecord, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TunnelRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var owner int64
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM tunnels WHERE name = ?`, name).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx, `
INSERT INTO tunnels(name, user_id, url, is_active, created_at, last_connected_at, disconnected_at)
VALUES(?, ?, ?, 1, ?, ?, NULL)`, name, userID, url, now, now); err != nil {
			if isUniqueViolation(err) {
				return domain.TunnelRecord{}, &domain.TunnelError{Name: name, Op: "claim", Err: domain.ErrNameTaken}
			}
			return domain.TunnelRecord{}, err
		}
	case err != nil:
		return domain.TunnelRecord{}, err
	case owner != userID:
		return domain.TunnelRecord{}, &domain.TunnelError{Name: name, Op: "claim", Err: domain.ErrNameTaken}
	default:
		if _, err = tx.ExecContext(ctx, `
UPDATE tunnels
SET url = ?, is_active = 1, last_connected_at = ?, disconnected_at = NULL
WHERE name = ?`, url, now, name); err != nil {
			return domain.TunnelRecord{}, err
		}
	}

	rec, err := scanTunnel(tx.QueryRowContext(ctx, findTunnelQuery, name))
	if err != nil {
		return domain.TunnelRecord{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.TunnelRecord{}, err
	}
	return rec, nil
}

// DeactivateTunnel marks name inactive and stamps the disconnect time.
func (s *Store) DeactivateTunnel(ctx context.Context, name string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tunnels
SET is_active = 0, disconnected_at = ?
WHERE name = ?`, now.UTC(), name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrTunnelNotFound
	}
	return nil
}

// ResetActiveTunnels marks every active record inactive. It runs at startup,
// when no agent can be connected yet, and returns the number of records
// reset.
func (s *Store) ResetActiveTunnels(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tunnels
SET is_active = 0, disconnected_at = ?
WHERE is_active = 1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListTunnels returns the user's records, most recently connected first.
func (s *Store) ListTunnels(ctx context.Context, userID int64) ([]domain.TunnelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, user_id, url, is_active, created_at, last_connected_at, disconnected_at
FROM tunnels
WHERE user_id = ?
ORDER BY COALESCE(last_connected_at, created_at) DESC, name ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TunnelRecord
	for rows.Next() {
		rec, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row rowScanner) (domain.TunnelRecord, error) {
	var (
		rec                       domain.TunnelRecord
		connectedAt, disconnected sql.NullTime
	)
	if err := row.Scan(&rec.Name, &rec.UserID, &rec.URL, &rec.Active, &rec.CreatedAt, &connectedAt, &disconnected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TunnelRecord{}, domain.ErrTunnelNotFound
		}
		return domain.TunnelRecord{}, err
	}
	rec.LastConnectedAt = timePtr(connectedAt)
	rec.DisconnectedAt = timePtr(disconnected)
	return rec, nil
}
