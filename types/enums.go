package types

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentCanceled  PaymentStatus = "canceled"
	PaymentFailed    PaymentStatus = "failed"
)

func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch PaymentStatus(s) {
	case PaymentPending, PaymentSucceeded, PaymentCanceled, PaymentFailed:
		return PaymentStatus(s), true
	case "waiting_for_capture":
		return PaymentPending, true
	default:
		return "", false
	}
}

const (
	TariffTrial     = "trial"
	TariffAdminTest = "admin_test"
)

const (
	EventPaymentSucceeded = "payment.succeeded"
)
