package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const maxResponseBytes = 4 << 20

type Config struct {
	BaseURL   string
	Username  string
	Password  string
	InboundID int
	// Host is placed in connection links. Defaults to the panel host.
	Host       string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to a 3x-ui panel.
type Client struct {
	baseURL   string
	username  string
	password  string
	inboundID int
	host      string
	timeout   time.Duration
	http      *http.Client
	sessions  SessionCache
	logins    singleflight.Group
	logger    zerolog.Logger
	now       func() time.Time
}

var _ types.Provisioner = (*Client)(nil)

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

var errAuthExpired = errors.New("panel session expired")

func New(cfg Config, sessions SessionCache) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid panel url %q", cfg.BaseURL)
	}
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = u.Hostname()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.HTTPClient != nil {
		shallow := *cfg.HTTPClient
		httpClient = &shallow
	}
	// A redirect to the login page means the session is gone.
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if sessions == nil {
		sessions = NewMemorySessionCache()
	}
	return &Client{
		baseURL:   base,
		username:  cfg.Username,
		password:  cfg.Password,
		inboundID: cfg.InboundID,
		host:      host,
		timeout:   timeout,
		http:      httpClient,
		sessions:  sessions,
		logger:    log.With().Str("component", "panel").Logger(),
		now:       time.Now,
	}, nil
}

func transient(op string, err error) error {
	return &types.ProvisioningError{Kind: types.ProvisioningTransient, Op: op, Err: err}
}

func rejected(op string, err error) error {
	return &types.ProvisioningError{Kind: types.ProvisioningRejected, Op: op, Err: err}
}

func unconfigured(op string, err error) error {
	return &types.ProvisioningError{Kind: types.ProvisioningUnconfigured, Op: op, Err: err}
}

func (c *Client) session(ctx context.Context, fresh bool) (string, error) {
	if !fresh {
		cookie, ok, err := c.sessions.Load(ctx, c.baseURL)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Session cache unavailable, logging in")
		} else if ok {
			return cookie, nil
		}
	}
	v, err, _ := c.logins.Do("login", func() (any, error) {
		return c.login(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", rejected("login", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transient("login", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 500:
		return "", transient("login", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return "", rejected("login", fmt.Errorf("status %d", resp.StatusCode))
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && !env.Success {
		return "", rejected("login", fmt.Errorf("login refused: %s", env.Msg))
	}

	parts := make([]string, 0, len(resp.Cookies()))
	for _, ck := range resp.Cookies() {
		if ck.Value == "" {
			continue
		}
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	if len(parts) == 0 {
		return "", rejected("login", errors.New("no session cookie in login response"))
	}
	cookie := strings.Join(parts, "; ")
	if err := c.sessions.Save(ctx, c.baseURL, cookie); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache panel session")
	}
	c.logger.Info().Msg("Logged in to panel")
	return cookie, nil
}

// call performs an authenticated API request. An expired session is
// refreshed once; a second auth failure is final.
func (c *Client) call(ctx context.Context, op, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return rejected(op, err)
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		cookie, err := c.session(ctx, attempt > 0)
		if err != nil {
			return err
		}
		err = c.send(ctx, op, method, path, body, cookie, out)
		if !errors.Is(err, errAuthExpired) {
			return err
		}
		if err := c.sessions.Invalidate(ctx, c.baseURL); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to drop panel session")
		}
		c.logger.Info().Str("op", op).Msg("Panel session expired, logging in again")
	}
	return rejected(op, errors.New("authentication failed after re-login"))
}

func (c *Client) send(ctx context.Context, op, method, path string, body []byte, cookie string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return rejected(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Cookie", cookie)

	resp, err := c.http.Do(req)
	if err != nil {
		return transient(op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transient(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errAuthExpired
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return errAuthExpired
	case resp.StatusCode >= 500:
		return transient(op, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return rejected(op, fmt.Errorf("status %d", resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return rejected(op, fmt.Errorf("decode response: %w", err))
	}
	if !env.Success {
		return rejected(op, fmt.Errorf("panel refused: %s", env.Msg))
	}
	if out != nil && len(env.Obj) > 0 && string(env.Obj) != "null" {
		if err := json.Unmarshal(env.Obj, out); err != nil {
			return rejected(op, fmt.Errorf("decode obj: %w", err))
		}
	}
	return nil
}

func (c *Client) listInbounds(ctx context.Context) ([]inbound, error) {
	var inbounds []inbound
	if err := c.call(ctx, "list_inbounds", http.MethodGet, "/panel/api/inbounds/list", nil, &inbounds); err != nil {
		return nil, err
	}
	return inbounds, nil
}

func (c *Client) resolveInbound(ctx context.Context) (inbound, error) {
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return inbound{}, err
	}
	if len(inbounds) == 0 {
		return inbound{}, unconfigured("resolve_inbound", errors.New("panel has no inbounds"))
	}
	if c.inboundID == 0 {
		return inbounds[0], nil
	}
	for _, in := range inbounds {
		if in.ID == c.inboundID {
			return in, nil
		}
	}
	return inbound{}, unconfigured("resolve_inbound", fmt.Errorf("inbound %d not found", c.inboundID))
}

func (c *Client) CreateCredential(ctx context.Context, req types.CredentialRequest) (*types.Credential, error) {
	in, err := c.resolveInbound(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(in.Protocol, "vless") {
		return nil, unconfigured("create_credential", fmt.Errorf("inbound %d uses protocol %q, only vless is supported", in.ID, in.Protocol))
	}
	transport, err := parseTransport(in.StreamSettings)
	if err != nil {
		return nil, unconfigured("create_credential", err)
	}

	clientID := uuid.NewString()
	email := fmt.Sprintf("tg%d_%s@vpn.local", req.TelegramID, clientID[:8])
	expiresAt := c.now().Add(time.Duration(req.DurationDays) * 24 * time.Hour)
	totalBytes := int64(req.DataCapGB) * 1024 * 1024 * 1024

	settings, err := json.Marshal(inboundSettings{Clients: []panelClient{{
		ID:         clientID,
		Email:      email,
		Flow:       transport.flow(),
		TotalGB:    totalBytes,
		ExpiryTime: expiresAt.UnixMilli(),
		Enable:     true,
		TgID:       req.TelegramID,
		SubID:      strings.ReplaceAll(clientID, "-", "")[:16],
	}}})
	if err != nil {
		return nil, rejected("create_credential", err)
	}
	payload := map[string]any{
		"id":       in.ID,
		"settings": string(settings),
	}
	if err := c.call(ctx, "create_credential", http.MethodPost, "/panel/api/inbounds/addClient", payload, nil); err != nil {
		return nil, err
	}

	link := BuildLink(LinkParams{
		ClientID:  clientID,
		Host:      c.host,
		Port:      in.Port,
		Label:     linkLabel(in.Remark, email),
		Transport: transport,
	}, c.logger)

	c.logger.Info().
		Str("credential_id", clientID).
		Int("inbound_id", in.ID).
		Int64("telegram_id", req.TelegramID).
		Int("days", req.DurationDays).
		Msg("Panel client created")

	return &types.Credential{
		ID:         clientID,
		Email:      email,
		Payload:    link,
		InboundID:  in.ID,
		ExpiresAt:  expiresAt,
		TotalBytes: totalBytes,
	}, nil
}

func linkLabel(remark, email string) string {
	name, _, _ := strings.Cut(email, "@")
	if remark == "" {
		return name
	}
	return remark + "-" + name
}

func (c *Client) findClient(ctx context.Context, credentialID string) (inbound, *listedClient, error) {
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return inbound{}, nil, err
	}
	for _, in := range inbounds {
		clients, err := in.clients()
		if err != nil {
			c.logger.Warn().Err(err).Int("inbound_id", in.ID).Msg("Skipping inbound with unreadable settings")
			continue
		}
		for i := range clients {
			if clients[i].ID == credentialID {
				return in, &clients[i], nil
			}
		}
	}
	return inbound{}, nil, nil
}

// RevokeCredential reports false when the panel no longer knows the client.
func (c *Client) RevokeCredential(ctx context.Context, credentialID string) (bool, error) {
	in, cl, err := c.findClient(ctx, credentialID)
	if err != nil {
		return false, err
	}
	if cl == nil {
		return false, nil
	}
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", in.ID, url.PathEscape(credentialID))
	if err := c.call(ctx, "revoke_credential", http.MethodPost, path, nil, nil); err != nil {
		return false, err
	}
	c.logger.Info().Str("credential_id", credentialID).Int("inbound_id", in.ID).Msg("Panel client deleted")
	return true, nil
}

func (c *Client) FetchCredentialStatus(ctx context.Context, credentialID string) (*types.CredentialInfo, error) {
	in, cl, err := c.findClient(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if cl == nil {
		return nil, types.ErrNotFound
	}
	info := &types.CredentialInfo{
		ID:         cl.ID,
		Email:      cl.Email,
		Enabled:    cl.Enable,
		TotalBytes: cl.TotalGB,
	}
	if cl.ExpiryTime > 0 {
		info.ExpiresAt = time.UnixMilli(cl.ExpiryTime).UTC()
	}
	if st, ok := in.traffic(cl.Email); ok {
		info.UsedBytes = st.Up + st.Down
		info.Enabled = info.Enabled && st.Enable
	}
	return info, nil
}
