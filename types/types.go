package types

import (
	"context"
	"time"
)

type CredentialRequest struct {
	TelegramID   int64
	Tariff       string
	DurationDays int
	DataCapGB    int
}

type Credential struct {
	ID         string
	Email      string
	Payload    string
	InboundID  int
	ExpiresAt  time.Time
	TotalBytes int64
}

type CredentialInfo struct {
	ID         string
	Email      string
	Enabled    bool
	ExpiresAt  time.Time
	TotalBytes int64
	UsedBytes  int64
}

type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	TelegramID     int64
	TariffID       string
	IdempotencyKey string
}

type Intent struct {
	GatewayPaymentID string
	ConfirmationURL  string
	Status           string
}

type IntentInfo struct {
	GatewayPaymentID string
	Status           string
	AmountMinor      int64
	Currency         string
	Paid             bool
	Metadata         map[string]string
}

type Delivery struct {
	Payload    string
	TariffName string
	ExpiresAt  time.Time
}

type Provisioner interface {
	CreateCredential(ctx context.Context, req CredentialRequest) (*Credential, error)
	RevokeCredential(ctx context.Context, credentialID string) (bool, error)
	FetchCredentialStatus(ctx context.Context, credentialID string) (*CredentialInfo, error)
}

type PaymentGateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	FetchIntent(ctx context.Context, gatewayPaymentID string) (*IntentInfo, error)
}

type Notifier interface {
	DeliverCredential(ctx context.Context, chatID int64, d Delivery) error
	ProvisioningFailed(ctx context.Context, chatID int64, gatewayPaymentID string) error
}
