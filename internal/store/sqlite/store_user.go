package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/hcodes/tunnel/internal/domain"
)

// CreateUser inserts an account. Emails are stored lower-cased and must be
// unique; duplicates return [domain.ErrEmailTaken].
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (domain.User, error) {
	email = normalizeEmail(email)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO users(email, password_hash, created_at)
VALUES(?, ?, ?)`, email, passwordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, domain.ErrEmailTaken
		}
		return domain.User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}, nil
}

// FindUser returns the user with its subscription, or [domain.ErrUserNotFound].
func (s *Store) FindUser(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(s.findUserStmt.QueryRowContext(ctx, id))
}

// FindUserByEmail looks an account up by its (case-insensitive) email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
SELECT u.id, u.email, u.password_hash, u.created_at, COALESCE(s.plan, ''), s.expires_at
FROM users u
LEFT JOIN subscriptions s ON s.user_id = u.id
WHERE u.email = ?`, normalizeEmail(email)))
}

// UpsertSubscription sets the user's plan. A nil expiresAt means the plan
// does not expire.
func (s *Store) UpsertSubscription(ctx context.Context, userID int64, plan domain.Plan, expiresAt *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		return err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO subscriptions(user_id, plan, expires_at)
VALUES(?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET plan = excluded.plan, expires_at = excluded.expires_at`,
		userID, string(plan), nullableTime(expiresAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func scanUser(row *sql.Row) (domain.User, error) {
	var (
		u       domain.User
		plan    string
		expires sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &plan, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, err
	}
	u.Plan = domain.Plan(plan)
	u.PlanExpiresAt = timePtr(expires)
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
