package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const queryTimeout = 5 * time.Second

type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ types.SubscriptionStore = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = buildPostgresDSNFromEnv()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildPostgresDSNFromEnv() string {
	host := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("POSTGRES_PORT"))
	if port == "" {
		port = "5432"
	}
	db := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
	if db == "" {
		db = "vpn_bot"
	}
	user := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
	if user == "" {
		user = "vpn_bot"
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", urlEscape(user), urlEscape(pass), host, port, db)
}

func urlEscape(s string) string {
	r := strings.NewReplacer(
		"%", "%25",
		":", "%3A",
		"/", "%2F",
		"@", "%40",
		"?", "%3F",
		"#", "%23",
		"[", "%5B",
		"]", "%5D",
	)
	return r.Replace(s)
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()
	return migrate(ctx, db, goose.DialectPostgres, "migrations/postgres")
}

func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", types.ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

func nullString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) EnsureUser(ctx context.Context, telegramID int64, username string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO users (telegram_id, username)
VALUES ($1, $2)
ON CONFLICT (telegram_id) DO UPDATE SET
  username = COALESCE(EXCLUDED.username, users.username)
RETURNING id
`, telegramID, nullString(username)).Scan(&id)
	if err != nil {
		return 0, pgError(err)
	}
	return id, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, telegramID int64) (*types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var u types.User
	var username *string
	err := s.pool.QueryRow(ctx, `
SELECT id, telegram_id, username, trial_used, created_at
FROM users
WHERE telegram_id = $1
`, telegramID).Scan(&u.ID, &u.TelegramID, &username, &u.TrialUsed, &u.CreatedAt)
	if err != nil {
		return nil, pgError(err)
	}
	if username != nil {
		u.Username = *username
	}
	return &u, nil
}

func (s *PostgresStore) RecordPendingPayment(ctx context.Context, p types.PendingPayment) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO payments (telegram_id, gateway_payment_id, amount, tariff, status)
VALUES ($1, $2, $3, $4, 'pending')
RETURNING id
`, p.TelegramID, strings.TrimSpace(p.GatewayPaymentID), p.Amount, strings.TrimSpace(p.Tariff)).Scan(&id)
	if err != nil {
		return 0, pgError(err)
	}
	return id, nil
}

const paymentColumns = `id, telegram_id, gateway_payment_id, amount, tariff, status, created_at, updated_at`

func scanPostgresPayment(row pgx.Row) (*types.Payment, error) {
	var p types.Payment
	var status string
	if err := row.Scan(&p.ID, &p.TelegramID, &p.GatewayPaymentID, &p.Amount, &p.Tariff, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = types.PaymentStatus(status)
	return &p, nil
}

func (s *PostgresStore) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*types.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	p, err := scanPostgresPayment(s.pool.QueryRow(ctx, `
SELECT `+paymentColumns+`
FROM payments
WHERE gateway_payment_id = $1
`, gatewayPaymentID))
	if err != nil {
		return nil, pgError(err)
	}
	return p, nil
}

// MarkPaymentStatus never moves a succeeded payment back.
func (s *PostgresStore) MarkPaymentStatus(ctx context.Context, gatewayPaymentID string, status types.PaymentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE payments
SET status = $2, updated_at = NOW()
WHERE gateway_payment_id = $1
  AND status <> $2
  AND status <> 'succeeded'
`, gatewayPaymentID, string(status))
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE gateway_payment_id = $1)`, gatewayPaymentID).Scan(&exists)
	if err != nil {
		return pgError(err)
	}
	if !exists {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimPayment(ctx context.Context, c types.PaymentClaim) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO payments (telegram_id, gateway_payment_id, amount, tariff, status)
VALUES ($1, $2, $3, $4, 'succeeded')
ON CONFLICT (gateway_payment_id) DO UPDATE SET
  status = 'succeeded',
  updated_at = NOW()
WHERE payments.status <> 'succeeded'
RETURNING id
`, c.TelegramID, strings.TrimSpace(c.GatewayPaymentID), c.Amount, strings.TrimSpace(c.Tariff)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgError(err)
	}
	return true, nil
}

func (s *PostgresStore) GrantSubscription(ctx context.Context, g types.Grant) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var telegramID int64
	err = tx.QueryRow(ctx, `
SELECT telegram_id
FROM users
WHERE id = $1
FOR UPDATE
`, g.UserID).Scan(&telegramID)
	if err != nil {
		return nil, pgError(err)
	}

	if g.ConsumeTrial {
		tag, err := tx.Exec(ctx, `
UPDATE users
SET trial_used = TRUE
WHERE id = $1 AND NOT trial_used
`, g.UserID)
		if err != nil {
			return nil, pgError(err)
		}
		if tag.RowsAffected() == 0 {
			return nil, types.ErrTrialUnavailable
		}
	}

	_, err = tx.Exec(ctx, `
UPDATE subscriptions
SET is_active = FALSE
WHERE user_id = $1 AND is_active
`, g.UserID)
	if err != nil {
		return nil, pgError(err)
	}

	sub := types.Subscription{
		UserID:            g.UserID,
		TelegramID:        telegramID,
		Tariff:            g.Tariff,
		CredentialID:      g.CredentialID,
		CredentialPayload: g.CredentialPayload,
		PaymentID:         g.PaymentID,
		ExpiresAt:         g.ExpiresAt.UTC(),
		Active:            true,
	}
	err = tx.QueryRow(ctx, `
INSERT INTO subscriptions (user_id, tariff, credential_id, credential_payload, payment_id, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6, TRUE)
RETURNING id, created_at
`, g.UserID, g.Tariff, g.CredentialID, g.CredentialPayload, nullString(g.PaymentID), sub.ExpiresAt).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return nil, pgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &sub, nil
}

const subscriptionColumns = `s.id, s.user_id, u.telegram_id, s.tariff, s.credential_id, s.credential_payload, COALESCE(s.payment_id, ''), s.expires_at, s.is_active, s.created_at`

func scanPostgresSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.TelegramID, &sub.Tariff, &sub.CredentialID, &sub.CredentialPayload, &sub.PaymentID, &sub.ExpiresAt, &sub.Active, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) GetActiveSubscription(ctx context.Context, telegramID int64) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	sub, err := scanPostgresSubscription(s.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions s
JOIN users u ON u.id = s.user_id
WHERE u.telegram_id = $1
  AND s.is_active
  AND s.expires_at > NOW()
ORDER BY s.created_at DESC
LIMIT 1
`, telegramID))
	if err != nil {
		return nil, pgError(err)
	}
	return sub, nil
}

func (s *PostgresStore) HasSubscriptionForPayment(ctx context.Context, gatewayPaymentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE payment_id = $1)`, gatewayPaymentID).Scan(&ok)
	if err != nil {
		return false, pgError(err)
	}
	return ok, nil
}

func (s *PostgresStore) HasConsumedTrial(ctx context.Context, telegramID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var used bool
	err := s.pool.QueryRow(ctx, `SELECT trial_used FROM users WHERE telegram_id = $1`, telegramID).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgError(err)
	}
	return used, nil
}

func (s *PostgresStore) MarkTrialConsumed(ctx context.Context, telegramID int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `UPDATE users SET trial_used = TRUE WHERE telegram_id = $1`, telegramID)
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) HasAnyHistoricalSubscription(ctx context.Context, telegramID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var ok bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS(
  SELECT 1
  FROM subscriptions s
  JOIN users u ON u.id = s.user_id
  WHERE u.telegram_id = $1
)
`, telegramID).Scan(&ok)
	if err != nil {
		return false, pgError(err)
	}
	return ok, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*types.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var st types.Stats
	err := s.pool.QueryRow(ctx, `
SELECT
  (SELECT COUNT(*) FROM users),
  (SELECT COUNT(*) FROM subscriptions WHERE is_active AND expires_at > NOW()),
  (SELECT COUNT(*) FROM payments WHERE status = 'succeeded'),
  (SELECT COALESCE(SUM(amount), 0) FROM payments WHERE status = 'succeeded')
`).Scan(&st.Users, &st.ActiveSubscriptions, &st.SucceededPayments, &st.Revenue)
	if err != nil {
		return nil, pgError(err)
	}
	return &st, nil
}

func (s *PostgresStore) ListRecentUsers(ctx context.Context, limit int) ([]types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT id, telegram_id, COALESCE(username, ''), trial_used, created_at
FROM users
ORDER BY created_at DESC, id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()
	var out []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.TelegramID, &u.Username, &u.TrialUsed, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context, limit int) ([]types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions s
JOIN users u ON u.id = s.user_id
WHERE s.is_active AND s.expires_at > NOW()
ORDER BY s.expires_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()
	var out []types.Subscription
	for rows.Next() {
		sub, err := scanPostgresSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// ListUnprovisionedPayments returns succeeded payments with no subscription
// referencing them. These need an operator to reprovision.
func (s *PostgresStore) ListUnprovisionedPayments(ctx context.Context, limit int) ([]types.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.telegram_id, p.gateway_payment_id, p.amount, p.tariff, p.status, p.created_at, p.updated_at
FROM payments p
WHERE p.status = 'succeeded'
  AND NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.payment_id = p.gateway_payment_id)
ORDER BY p.updated_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()
	var out []types.Payment
	for rows.Next() {
		p, err := scanPostgresPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
