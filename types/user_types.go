package types

import (
	"context"
	"time"
)

type User struct {
	ID         int64
	TelegramID int64
	Username   string
	TrialUsed  bool
	CreatedAt  time.Time
}

type Payment struct {
	ID               int64
	TelegramID       int64
	GatewayPaymentID string
	Amount           int64
	Tariff           string
	Status           PaymentStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Subscription struct {
	ID                int64
	UserID            int64
	TelegramID        int64
	Tariff            string
	CredentialID      string
	CredentialPayload string
	PaymentID         string
	ExpiresAt         time.Time
	Active            bool
	CreatedAt         time.Time
}

type SubscriptionStore interface {
	EnsureUser(ctx context.Context, telegramID int64, username string) (int64, error)
	GetUser(ctx context.Context, telegramID int64) (*User, error)

	RecordPendingPayment(ctx context.Context, p PendingPayment) (int64, error)
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*Payment, error)
	MarkPaymentStatus(ctx context.Context, gatewayPaymentID string, status PaymentStatus) error
	ClaimPayment(ctx context.Context, c PaymentClaim) (bool, error)

	GrantSubscription(ctx context.Context, g Grant) (*Subscription, error)
	GetActiveSubscription(ctx context.Context, telegramID int64) (*Subscription, error)
	HasSubscriptionForPayment(ctx context.Context, gatewayPaymentID string) (bool, error)

	HasConsumedTrial(ctx context.Context, telegramID int64) (bool, error)
	MarkTrialConsumed(ctx context.Context, telegramID int64) error
	HasAnyHistoricalSubscription(ctx context.Context, telegramID int64) (bool, error)

	Stats(ctx context.Context) (*Stats, error)
	ListRecentUsers(ctx context.Context, limit int) ([]User, error)
	ListActiveSubscriptions(ctx context.Context, limit int) ([]Subscription, error)
	ListUnprovisionedPayments(ctx context.Context, limit int) ([]Payment, error)

	Close()
}
