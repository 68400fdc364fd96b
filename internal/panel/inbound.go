package panel

import (
	"encoding/json"
	"fmt"
	"strings"
)

type inbound struct {
	ID             int             `json:"id"`
	Remark         string          `json:"remark"`
	Enable         bool            `json:"enable"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       string          `json:"settings"`
	StreamSettings string          `json:"streamSettings"`
	ClientStats    []clientTraffic `json:"clientStats"`
}

type clientTraffic struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
}

type inboundSettings struct {
	Clients []panelClient `json:"clients"`
}

type panelClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Flow       string `json:"flow"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       int64  `json:"tgId"`
	SubID      string `json:"subId"`
	Reset      int    `json:"reset"`
}

// listedClient decodes a client from the inbound list. tgId is a string in
// older panels and a number in newer ones, so it is left undecoded.
type listedClient struct {
	ID         string          `json:"id"`
	Email      string          `json:"email"`
	TotalGB    int64           `json:"totalGB"`
	ExpiryTime int64           `json:"expiryTime"`
	Enable     bool            `json:"enable"`
	TgID       json.RawMessage `json:"tgId"`
}

func (in inbound) clients() ([]listedClient, error) {
	if strings.TrimSpace(in.Settings) == "" {
		return nil, nil
	}
	var s struct {
		Clients []listedClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(in.Settings), &s); err != nil {
		return nil, fmt.Errorf("inbound %d settings: %w", in.ID, err)
	}
	return s.Clients, nil
}

func (in inbound) traffic(email string) (clientTraffic, bool) {
	for _, st := range in.ClientStats {
		if st.Email == email {
			return st, true
		}
	}
	return clientTraffic{}, false
}

// Security is the transport security of an inbound: Plain, TLS or Reality.
type Security interface {
	Mode() string
}

type Plain struct{}

func (Plain) Mode() string { return "none" }

type TLS struct {
	SNI         string
	Fingerprint string
	ALPN        []string
}

func (TLS) Mode() string { return "tls" }

type Reality struct {
	PublicKey   string
	SNI         string
	ShortID     string
	Fingerprint string
	SpiderX     string
}

func (Reality) Mode() string { return "reality" }

type Transport struct {
	Network     string
	Path        string
	Host        string
	ServiceName string
	Security    Security
}

type streamSettings struct {
	Network     string `json:"network"`
	Security    string `json:"security"`
	TLSSettings *struct {
		ServerName string   `json:"serverName"`
		ALPN       []string `json:"alpn"`
		Settings   struct {
			Fingerprint string `json:"fingerprint"`
		} `json:"settings"`
	} `json:"tlsSettings"`
	RealitySettings *struct {
		ServerNames []string `json:"serverNames"`
		ShortIDs    []string `json:"shortIds"`
		Settings    struct {
			PublicKey   string `json:"publicKey"`
			Fingerprint string `json:"fingerprint"`
			ServerName  string `json:"serverName"`
			SpiderX     string `json:"spiderX"`
		} `json:"settings"`
	} `json:"realitySettings"`
	WSSettings *struct {
		Path    string            `json:"path"`
		Host    string            `json:"host"`
		Headers map[string]string `json:"headers"`
	} `json:"wsSettings"`
	GRPCSettings *struct {
		ServiceName string `json:"serviceName"`
	} `json:"grpcSettings"`
}

// parseTransport turns the panel's loosely typed streamSettings into a
// Transport. Missing optional fields stay empty and are dropped when the
// link is built.
func parseTransport(raw string) (Transport, error) {
	t := Transport{Network: "tcp", Security: Plain{}}
	if strings.TrimSpace(raw) == "" {
		return t, nil
	}
	var ss streamSettings
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return t, fmt.Errorf("stream settings: %w", err)
	}
	if ss.Network != "" {
		t.Network = ss.Network
	}
	if ss.WSSettings != nil {
		t.Path = ss.WSSettings.Path
		t.Host = ss.WSSettings.Host
		if t.Host == "" {
			t.Host = ss.WSSettings.Headers["Host"]
		}
	}
	if ss.GRPCSettings != nil {
		t.ServiceName = ss.GRPCSettings.ServiceName
	}

	switch strings.ToLower(ss.Security) {
	case "", "none":
		t.Security = Plain{}
	case "tls":
		sec := TLS{}
		if ss.TLSSettings != nil {
			sec.SNI = ss.TLSSettings.ServerName
			sec.ALPN = ss.TLSSettings.ALPN
			sec.Fingerprint = ss.TLSSettings.Settings.Fingerprint
		}
		t.Security = sec
	case "reality":
		sec := Reality{}
		if rs := ss.RealitySettings; rs != nil {
			sec.PublicKey = rs.Settings.PublicKey
			sec.Fingerprint = rs.Settings.Fingerprint
			sec.SpiderX = rs.Settings.SpiderX
			sec.SNI = rs.Settings.ServerName
			if sec.SNI == "" && len(rs.ServerNames) > 0 {
				sec.SNI = rs.ServerNames[0]
			}
			if len(rs.ShortIDs) > 0 {
				sec.ShortID = rs.ShortIDs[0]
			}
		}
		t.Security = sec
	default:
		return t, fmt.Errorf("unsupported security %q", ss.Security)
	}
	return t, nil
}

// flow is only meaningful for vless over raw tcp with reality.
func (t Transport) flow() string {
	if _, ok := t.Security.(Reality); ok && t.Network == "tcp" {
		return "xtls-rprx-vision"
	}
	return ""
}
