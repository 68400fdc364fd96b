package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/vpn-bot/internal/pricing"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 1 << 20

type Config struct {
	APIURL     string
	ShopID     string
	SecretKey  string
	ReturnURL  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// YooKassa is a PaymentGateway backed by the YooKassa v3 API.
type YooKassa struct {
	apiURL    string
	shopID    string
	secretKey string
	returnURL string
	timeout   time.Duration
	http      *http.Client
	logger    zerolog.Logger
}

var _ types.PaymentGateway = (*YooKassa)(nil)

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type paymentRequest struct {
	Amount       amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation confirmation      `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type paymentResponse struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Paid         bool            `json:"paid"`
	Amount       amount          `json:"amount"`
	Confirmation *confirmation   `json:"confirmation"`
	Metadata     json.RawMessage `json:"metadata"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func NewYooKassa(cfg Config) *YooKassa {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = "https://api.yookassa.ru/v3"
	}
	return &YooKassa{
		apiURL:    apiURL,
		shopID:    cfg.ShopID,
		secretKey: cfg.SecretKey,
		returnURL: cfg.ReturnURL,
		timeout:   timeout,
		http:      httpClient,
		logger:    log.With().Str("component", "gateway").Logger(),
	}
}

func (y *YooKassa) CreateIntent(ctx context.Context, req types.IntentRequest) (*types.Intent, error) {
	if req.IdempotencyKey == "" {
		return nil, &types.GatewayError{Op: "create", Err: errors.New("idempotency key is required")}
	}
	if req.AmountMinor <= 0 {
		return nil, &types.GatewayError{Op: "create", Err: fmt.Errorf("invalid amount %d", req.AmountMinor)}
	}
	currency := req.Currency
	if currency == "" {
		currency = "RUB"
	}
	body := paymentRequest{
		Amount:       amount{Value: pricing.FormatMinor(req.AmountMinor), Currency: currency},
		Capture:      true,
		Confirmation: confirmation{Type: "redirect", ReturnURL: y.returnURL},
		Description:  req.Description,
		Metadata: map[string]string{
			"telegram_id": strconv.FormatInt(req.TelegramID, 10),
			"tariff_id":   req.TariffID,
		},
	}
	var resp paymentResponse
	if err := y.do(ctx, "create", http.MethodPost, "/payments", body, req.IdempotencyKey, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.Confirmation == nil || resp.Confirmation.ConfirmationURL == "" {
		return nil, &types.GatewayError{Op: "create", Err: errors.New("response has no payment id or confirmation url")}
	}
	y.logger.Info().
		Str("payment_id", resp.ID).
		Int64("telegram_id", req.TelegramID).
		Str("tariff", req.TariffID).
		Msg("Payment intent created")
	return &types.Intent{
		GatewayPaymentID: resp.ID,
		ConfirmationURL:  resp.Confirmation.ConfirmationURL,
		Status:           resp.Status,
	}, nil
}

func (y *YooKassa) FetchIntent(ctx context.Context, gatewayPaymentID string) (*types.IntentInfo, error) {
	gatewayPaymentID = strings.TrimSpace(gatewayPaymentID)
	if gatewayPaymentID == "" {
		return nil, types.ErrNotFound
	}
	var resp paymentResponse
	if err := y.do(ctx, "fetch", http.MethodGet, "/payments/"+url.PathEscape(gatewayPaymentID), nil, "", &resp); err != nil {
		return nil, err
	}
	minor, err := pricing.ParseMinor(resp.Amount.Value)
	if err != nil {
		return nil, &types.GatewayError{Op: "fetch", Err: err}
	}
	return &types.IntentInfo{
		GatewayPaymentID: resp.ID,
		Status:           resp.Status,
		AmountMinor:      minor,
		Currency:         resp.Amount.Currency,
		Paid:             resp.Paid,
		Metadata:         decodeMetadata(resp.Metadata),
	}, nil
}

// decodeMetadata flattens metadata values to strings; numbers sent by other
// integrations are kept in their JSON text form.
func decodeMetadata(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return out
	}
	for k, v := range m {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out
}

func (y *YooKassa) do(ctx context.Context, op, method, path string, payload any, idempotencyKey string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &types.GatewayError{Op: op, Err: err}
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, y.apiURL+path, rd)
	if err != nil {
		return &types.GatewayError{Op: op, Err: err}
	}
	req.SetBasicAuth(y.shopID, y.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotence-Key", idempotencyKey)
	}

	resp, err := y.http.Do(req)
	if err != nil {
		return &types.GatewayError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &types.GatewayError{Op: op, Transient: true, Err: err}
	}

	if resp.StatusCode == http.StatusNotFound && op == "fetch" {
		return types.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Description
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &types.GatewayError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        errors.New(msg),
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &types.GatewayError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
