package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrDuplicateEvent   = errors.New("duplicate event")
	ErrUnverifiedEvent  = errors.New("event not confirmed by gateway")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUnknownTariff    = errors.New("unknown tariff")
	ErrTrialUnavailable = errors.New("trial unavailable")
	ErrForbidden        = errors.New("forbidden")

	ErrPaymentNotSucceeded = errors.New("payment has not succeeded")
	ErrGatewayDisabled     = errors.New("payment gateway is not configured")
)

type ProvisioningKind string

const (
	ProvisioningTransient    ProvisioningKind = "transient"
	ProvisioningUnconfigured ProvisioningKind = "unconfigured"
	ProvisioningRejected     ProvisioningKind = "rejected"
)

type ProvisioningError struct {
	Kind ProvisioningKind
	Op   string
	Err  error
}

func (e *ProvisioningError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("panel %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("panel %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func (e *ProvisioningError) Retryable() bool {
	return e.Kind == ProvisioningTransient
}

func IsProvisioningKind(err error, kind ProvisioningKind) bool {
	var pe *ProvisioningError
	return errors.As(err, &pe) && pe.Kind == kind
}

type GatewayError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
