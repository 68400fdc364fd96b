package panel

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type LinkParams struct {
	ClientID  string
	Host      string
	Port      int
	Label     string
	Transport Transport
}

// BuildLink renders a vless:// connection link. Fields the transport should
// carry but the panel did not report are logged and left out.
func BuildLink(p LinkParams, logger zerolog.Logger) string {
	q := url.Values{}
	network := p.Transport.Network
	if network == "" {
		network = "tcp"
	}
	q.Set("type", network)
	if p.Transport.Path != "" {
		q.Set("path", p.Transport.Path)
	}
	if p.Transport.Host != "" {
		q.Set("host", p.Transport.Host)
	}
	if p.Transport.ServiceName != "" {
		q.Set("serviceName", p.Transport.ServiceName)
	}
	if flow := p.Transport.flow(); flow != "" {
		q.Set("flow", flow)
	}

	sec := p.Transport.Security
	if sec == nil {
		sec = Plain{}
	}
	q.Set("security", sec.Mode())

	missing := func(field string) {
		logger.Warn().
			Str("security", sec.Mode()).
			Str("field", field).
			Str("credential_id", p.ClientID).
			Msg("Panel did not report transport field, omitting from link")
	}

	switch s := sec.(type) {
	case TLS:
		if s.SNI != "" {
			q.Set("sni", s.SNI)
		} else {
			missing("sni")
		}
		if s.Fingerprint != "" {
			q.Set("fp", s.Fingerprint)
		}
		if len(s.ALPN) > 0 {
			q.Set("alpn", strings.Join(s.ALPN, ","))
		}
	case Reality:
		if s.PublicKey != "" {
			q.Set("pbk", s.PublicKey)
		} else {
			missing("pbk")
		}
		if s.SNI != "" {
			q.Set("sni", s.SNI)
		} else {
			missing("sni")
		}
		if s.ShortID != "" {
			q.Set("sid", s.ShortID)
		}
		if s.Fingerprint != "" {
			q.Set("fp", s.Fingerprint)
		} else {
			missing("fp")
		}
		if s.SpiderX != "" {
			q.Set("spx", s.SpiderX)
		}
	}

	u := url.URL{
		Scheme:   "vless",
		User:     url.User(p.ClientID),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		RawQuery: q.Encode(),
		Fragment: p.Label,
	}
	return u.String()
}
