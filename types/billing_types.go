package types

import "time"

type PendingPayment struct {
	TelegramID       int64
	GatewayPaymentID string
	Amount           int64
	Tariff           string
}

// PaymentClaim moves a payment to succeeded, creating the row when the
// pending record is missing. Only one claim per gateway id ever wins.
type PaymentClaim struct {
	TelegramID       int64
	GatewayPaymentID string
	Amount           int64
	Tariff           string
}

type Grant struct {
	UserID            int64
	Tariff            string
	CredentialID      string
	CredentialPayload string
	ExpiresAt         time.Time
	PaymentID         string
	ConsumeTrial      bool
}

type Stats struct {
	Users               int64
	ActiveSubscriptions int64
	SucceededPayments   int64
	Revenue             int64
}
