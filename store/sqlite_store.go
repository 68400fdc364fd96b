package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is the single-node variant of the store. Timestamps are kept
// as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ types.SubscriptionStore = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func isSQLiteUniqueViolation(err error) bool {
	var sErr *sqlite.Error
	if errors.As(err, &sErr) {
		code := sErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func sqliteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	if isSQLiteUniqueViolation(err) {
		return fmt.Errorf("%w: %v", types.ErrDuplicateKey, err)
	}
	return err
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, telegramID int64, username string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO users (telegram_id, username, trial_used, created_at)
VALUES (?, ?, 0, ?)
ON CONFLICT (telegram_id) DO UPDATE SET
  username = COALESCE(excluded.username, users.username)
RETURNING id
`, telegramID, nullString(username), millis(s.now())).Scan(&id)
	if err != nil {
		return 0, sqliteError(err)
	}
	return id, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, telegramID int64) (*types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var u types.User
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
SELECT id, telegram_id, COALESCE(username, ''), trial_used, created_at
FROM users
WHERE telegram_id = ?
`, telegramID).Scan(&u.ID, &u.TelegramID, &u.Username, &u.TrialUsed, &createdAt)
	if err != nil {
		return nil, sqliteError(err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

func (s *SQLiteStore) RecordPendingPayment(ctx context.Context, p types.PendingPayment) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	now := millis(s.now())
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO payments (telegram_id, gateway_payment_id, amount, tariff, status, created_at, updated_at)
VALUES (?, ?, ?, ?, 'pending', ?, ?)
RETURNING id
`, p.TelegramID, strings.TrimSpace(p.GatewayPaymentID), p.Amount, strings.TrimSpace(p.Tariff), now, now).Scan(&id)
	if err != nil {
		return 0, sqliteError(err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePayment(row rowScanner) (*types.Payment, error) {
	var p types.Payment
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.TelegramID, &p.GatewayPaymentID, &p.Amount, &p.Tariff, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = types.PaymentStatus(status)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

func (s *SQLiteStore) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*types.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	p, err := scanSQLitePayment(s.db.QueryRowContext(ctx, `
SELECT `+paymentColumns+`
FROM payments
WHERE gateway_payment_id = ?
`, gatewayPaymentID))
	if err != nil {
		return nil, sqliteError(err)
	}
	return p, nil
}

func (s *SQLiteStore) MarkPaymentStatus(ctx context.Context, gatewayPaymentID string, status types.PaymentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
UPDATE payments
SET status = ?, updated_at = ?
WHERE gateway_payment_id = ?
  AND status <> ?
  AND status <> 'succeeded'
`, string(status), millis(s.now()), gatewayPaymentID, string(status))
	if err != nil {
		return sqliteError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE gateway_payment_id = ?)`, gatewayPaymentID).Scan(&exists)
	if err != nil {
		return sqliteError(err)
	}
	if !exists {
		return types.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ClaimPayment(ctx context.Context, c types.PaymentClaim) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	now := millis(s.now())
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO payments (telegram_id, gateway_payment_id, amount, tariff, status, created_at, updated_at)
VALUES (?, ?, ?, ?, 'succeeded', ?, ?)
ON CONFLICT (gateway_payment_id) DO UPDATE SET
  status = 'succeeded',
  updated_at = excluded.updated_at
WHERE payments.status <> 'succeeded'
RETURNING id
`, c.TelegramID, strings.TrimSpace(c.GatewayPaymentID), c.Amount, strings.TrimSpace(c.Tariff), now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, sqliteError(err)
	}
	return true, nil
}

func (s *SQLiteStore) GrantSubscription(ctx context.Context, g types.Grant) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var telegramID int64
	err = tx.QueryRowContext(ctx, `SELECT telegram_id FROM users WHERE id = ?`, g.UserID).Scan(&telegramID)
	if err != nil {
		return nil, sqliteError(err)
	}

	if g.ConsumeTrial {
		res, err := tx.ExecContext(ctx, `UPDATE users SET trial_used = 1 WHERE id = ? AND trial_used = 0`, g.UserID)
		if err != nil {
			return nil, sqliteError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, types.ErrTrialUnavailable
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET is_active = 0 WHERE user_id = ? AND is_active = 1`, g.UserID); err != nil {
		return nil, sqliteError(err)
	}

	now := s.now().UTC()
	sub := types.Subscription{
		UserID:            g.UserID,
		TelegramID:        telegramID,
		Tariff:            g.Tariff,
		CredentialID:      g.CredentialID,
		CredentialPayload: g.CredentialPayload,
		PaymentID:         g.PaymentID,
		ExpiresAt:         fromMillis(millis(g.ExpiresAt)),
		Active:            true,
		CreatedAt:         fromMillis(millis(now)),
	}
	err = tx.QueryRowContext(ctx, `
INSERT INTO subscriptions (user_id, tariff, credential_id, credential_payload, payment_id, expires_at, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?, 1, ?)
RETURNING id
`, g.UserID, g.Tariff, g.CredentialID, g.CredentialPayload, nullString(g.PaymentID), millis(g.ExpiresAt), millis(now)).Scan(&sub.ID)
	if err != nil {
		return nil, sqliteError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sub, nil
}

func scanSQLiteSubscription(row rowScanner) (*types.Subscription, error) {
	var sub types.Subscription
	var expiresAt, createdAt int64
	err := row.Scan(&sub.ID, &sub.UserID, &sub.TelegramID, &sub.Tariff, &sub.CredentialID, &sub.CredentialPayload, &sub.PaymentID, &expiresAt, &sub.Active, &createdAt)
	if err != nil {
		return nil, err
	}
	sub.ExpiresAt = fromMillis(expiresAt)
	sub.CreatedAt = fromMillis(createdAt)
	return &sub, nil
}

func (s *SQLiteStore) GetActiveSubscription(ctx context.Context, telegramID int64) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	sub, err := scanSQLiteSubscription(s.db.QueryRowContext(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions s
JOIN users u ON u.id = s.user_id
WHERE u.telegram_id = ?
  AND s.is_active = 1
  AND s.expires_at > ?
ORDER BY s.created_at DESC
LIMIT 1
`, telegramID, millis(s.now())))
	if err != nil {
		return nil, sqliteError(err)
	}
	return sub, nil
}

func (s *SQLiteStore) HasSubscriptionForPayment(ctx context.Context, gatewayPaymentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE payment_id = ?)`, gatewayPaymentID).Scan(&ok)
	if err != nil {
		return false, sqliteError(err)
	}
	return ok, nil
}

func (s *SQLiteStore) HasConsumedTrial(ctx context.Context, telegramID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var used bool
	err := s.db.QueryRowContext(ctx, `SELECT trial_used FROM users WHERE telegram_id = ?`, telegramID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, sqliteError(err)
	}
	return used, nil
}

func (s *SQLiteStore) MarkTrialConsumed(ctx context.Context, telegramID int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE users SET trial_used = 1 WHERE telegram_id = ?`, telegramID)
	if err != nil {
		return sqliteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) HasAnyHistoricalSubscription(ctx context.Context, telegramID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var ok bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS(
  SELECT 1
  FROM subscriptions s
  JOIN users u ON u.id = s.user_id
  WHERE u.telegram_id = ?
)
`, telegramID).Scan(&ok)
	if err != nil {
		return false, sqliteError(err)
	}
	return ok, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*types.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var st types.Stats
	err := s.db.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM users),
  (SELECT COUNT(*) FROM subscriptions WHERE is_active = 1 AND expires_at > ?),
  (SELECT COUNT(*) FROM payments WHERE status = 'succeeded'),
  (SELECT COALESCE(SUM(amount), 0) FROM payments WHERE status = 'succeeded')
`, millis(s.now())).Scan(&st.Users, &st.ActiveSubscriptions, &st.SucceededPayments, &st.Revenue)
	if err != nil {
		return nil, sqliteError(err)
	}
	return &st, nil
}

func (s *SQLiteStore) ListRecentUsers(ctx context.Context, limit int) ([]types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, telegram_id, COALESCE(username, ''), trial_used, created_at
FROM users
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()
	var out []types.User
	for rows.Next() {
		var u types.User
		var createdAt int64
		if err := rows.Scan(&u.ID, &u.TelegramID, &u.Username, &u.TrialUsed, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = fromMillis(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListActiveSubscriptions(ctx context.Context, limit int) ([]types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions s
JOIN users u ON u.id = s.user_id
WHERE s.is_active = 1 AND s.expires_at > ?
ORDER BY s.expires_at ASC
LIMIT ?
`, millis(s.now()), limit)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()
	var out []types.Subscription
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListUnprovisionedPayments(ctx context.Context, limit int) ([]types.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT p.id, p.telegram_id, p.gateway_payment_id, p.amount, p.tariff, p.status, p.created_at, p.updated_at
FROM payments p
WHERE p.status = 'succeeded'
  AND NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.payment_id = p.gateway_payment_id)
ORDER BY p.updated_at ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()
	var out []types.Payment
	for rows.Next() {
		p, err := scanSQLitePayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
