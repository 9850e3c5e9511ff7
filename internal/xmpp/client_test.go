package xmpp

import (
	"crypto/tls"
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	mxmpp "mellium.im/xmpp"

	"github.com/jitsi/jicoco-sub000/internal/xmpp/disco"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/iqmux"
)

func TestSessionSecurityPerMode(t *testing.T) {
	tlsConfig := &tls.Config{ServerName: "xmpp.example.com"}

	cfg := testConfig("c1", "a@muc.example.com")
	cfg.SecurityMode = SecurityRequired
	features, state := sessionSecurity(cfg, tlsConfig)
	require.Len(t, features, 3)
	require.Zero(t, state&mxmpp.Secure)

	// Trusted transport: the session starts out secure so SASL can run
	// without TLS, and StartTLS drops out of the feature list.
	cfg.SecurityMode = SecurityIfPossible
	features, state = sessionSecurity(cfg, tlsConfig)
	require.Len(t, features, 2)
	require.NotZero(t, state&mxmpp.Secure)
}

func TestDiscoInfoAnsweredOnlyForGet(t *testing.T) {
	var handled []*iqmux.IQ
	c := &Client{
		cfg:      testConfig("c1", "a@muc.example.com"),
		features: disco.NewFeatures(),
		cb: WireCallbacks{OnIQ: func(req *iqmux.IQ) {
			handled = append(handled, req)
		}},
		log: zap.NewNop(),
	}

	queryName := xml.Name{Space: string(disco.FeatureDiscoInfo), Local: "query"}
	c.routeIQ(&iqmux.IQ{ID: "1", Type: iqmux.GetIQ, Payload: &iqmux.Payload{XMLName: queryName}})
	require.Empty(t, handled)

	// A set carrying the disco#info namespace is not a valid query; it goes
	// through the normal dispatch path like any other request.
	c.routeIQ(&iqmux.IQ{ID: "2", Type: iqmux.SetIQ, Payload: &iqmux.Payload{XMLName: queryName}})
	require.Len(t, handled, 1)
	require.Equal(t, "2", handled[0].ID)
}
