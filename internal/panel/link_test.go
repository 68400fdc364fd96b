package panel

import (
	"bytes"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransport(t *testing.T) {
	tr, err := parseTransport(realityStream)
	require.NoError(t, err)
	sec, ok := tr.Security.(Reality)
	require.True(t, ok)
	assert.Equal(t, "PUBKEY", sec.PublicKey)
	assert.Equal(t, "www.google.com", sec.SNI)
	assert.Equal(t, "a1b2", sec.ShortID)

	tr, err = parseTransport(`{"network":"ws","security":"tls","tlsSettings":{"serverName":"cdn.example.com","alpn":["h2","http/1.1"],"settings":{"fingerprint":"firefox"}},"wsSettings":{"path":"/ws","headers":{"Host":"cdn.example.com"}}}`)
	require.NoError(t, err)
	tls, ok := tr.Security.(TLS)
	require.True(t, ok)
	assert.Equal(t, "cdn.example.com", tls.SNI)
	assert.Equal(t, []string{"h2", "http/1.1"}, tls.ALPN)
	assert.Equal(t, "/ws", tr.Path)
	assert.Equal(t, "cdn.example.com", tr.Host)
	assert.Empty(t, tr.flow())

	tr, err = parseTransport("")
	require.NoError(t, err)
	assert.Equal(t, Plain{}, tr.Security)

	_, err = parseTransport(`{"security":"xtls"}`)
	assert.Error(t, err)
	_, err = parseTransport(`{`)
	assert.Error(t, err)
}

func TestBuildLinkOmitsMissingRealityKey(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	link := BuildLink(LinkParams{
		ClientID:  "11111111-2222-3333-4444-555555555555",
		Host:      "1.2.3.4",
		Port:      8443,
		Label:     "nl tg42",
		Transport: Transport{Network: "tcp", Security: Reality{SNI: "example.com", Fingerprint: "chrome"}},
	}, logger)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "vless", u.Scheme)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", u.User.Username())
	assert.Equal(t, "1.2.3.4:8443", u.Host)
	assert.Equal(t, "nl tg42", u.Fragment)
	q := u.Query()
	assert.Equal(t, "reality", q.Get("security"))
	assert.False(t, q.Has("pbk"))
	assert.Equal(t, "example.com", q.Get("sni"))
	assert.Contains(t, buf.String(), `"field":"pbk"`)
}

func TestBuildLinkPlain(t *testing.T) {
	link := BuildLink(LinkParams{ClientID: "abc", Host: "h", Port: 80, Transport: Transport{}}, zerolog.Nop())
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "none", u.Query().Get("security"))
	assert.Equal(t, "tcp", u.Query().Get("type"))
}
