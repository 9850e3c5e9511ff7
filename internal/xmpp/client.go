package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/sasl"
	mxmpp "mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/jitsi/jicoco-sub000/internal/xmpp/disco"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/iqmux"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/presence"
)

var errNotConnected = errors.New("not connected")

type melliumDialer struct {
	log *zap.Logger
}

// NewDialer returns the production WireDialer backed by mellium.im/xmpp.
func NewDialer(log *zap.Logger) WireDialer {
	return &melliumDialer{log: log}
}

func (d *melliumDialer) Dial(cfg ConnectionConfig, features *disco.Features, cb WireCallbacks) WireConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		features: features,
		cb:       cb,
		log:      d.log.With(zap.String("connection", cfg.ID)),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]chan *iqmux.IQ),
		joins:    make(map[string]chan joinResult),
	}
}

// Client wraps one mellium XMPP session. It lives for a single
// connect/login/join cycle.
type Client struct {
	cfg      ConnectionConfig
	features *disco.Features
	cb       WireCallbacks
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	notifyOnce sync.Once

	mu      sync.Mutex
	conn    net.Conn
	session *mxmpp.Session
	pending map[string]chan *iqmux.IQ
	joins   map[string]chan joinResult
}

type joinResult struct {
	created bool
	err     error
}

// Connect dials the TCP transport.
func (c *Client) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Login negotiates the XMPP stream over the dialed transport and starts the
// receive loop.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	domain := c.cfg.XMPPDomain()
	userJID, err := jid.Parse(c.cfg.Username + "@" + domain)
	if err != nil {
		return fmt.Errorf("invalid user JID: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: domain,
		MinVersion: tls.VersionTLS12,
	}
	if c.cfg.DisableCertVerify {
		c.log.Warn("certificate verification is DISABLED, the connection is open to man-in-the-middle attacks")
		tlsConfig.InsecureSkipVerify = true
	}
	if c.cfg.SecurityMode != SecurityRequired {
		c.log.Warn("TLS is not required for this connection, authentication may run in the clear",
			zap.String("host", c.cfg.Host))
	}

	streamFeatures, state := sessionSecurity(c.cfg, tlsConfig)
	negotiator := mxmpp.NewNegotiator(func(_ *mxmpp.Session, _ *mxmpp.StreamConfig) mxmpp.StreamConfig {
		return mxmpp.StreamConfig{Features: streamFeatures}
	})

	session, err := mxmpp.NewSession(ctx, userJID.Domain(), userJID, conn, state, negotiator)
	if err != nil {
		return fmt.Errorf("stream negotiation failed: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.log.Debug("stream negotiated", zap.Stringer("jid", session.LocalAddr()))

	go c.readLoop(session)
	return nil
}

// sessionSecurity maps the security mode onto the negotiated stream features
// and the initial session state. SASL refuses to run on a stream that is not
// marked secure, so a trusted (loopback) transport is marked secure up front;
// StartTLS is then left out because it cannot run on an already-secure stream.
func sessionSecurity(cfg ConnectionConfig, tlsConfig *tls.Config) ([]mxmpp.StreamFeature, mxmpp.SessionState) {
	auth := mxmpp.SASL("", cfg.Password,
		sasl.ScramSha256Plus, sasl.ScramSha256,
		sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain)
	if cfg.SecurityMode == SecurityIfPossible {
		return []mxmpp.StreamFeature{auth, mxmpp.BindResource()}, mxmpp.Secure
	}
	return []mxmpp.StreamFeature{mxmpp.StartTLS(tlsConfig), auth, mxmpp.BindResource()}, 0
}

// Disconnect closes the stream and the transport. Idempotent.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		session := c.session
		conn := c.conn
		c.mu.Unlock()
		if session != nil {
			_ = session.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Client) notifyClosed(err error) {
	c.notifyOnce.Do(func() {
		if c.cb.OnClosed != nil {
			c.cb.OnClosed(err)
		}
	})
}

// readLoop decodes inbound stanzas and routes them until the stream dies.
func (c *Client) readLoop(session *mxmpp.Session) {
	dec := xml.NewTokenDecoder(session.TokenReader())
	for {
		tok, err := dec.Token()
		if err != nil {
			select {
			case <-c.ctx.Done():
				c.notifyClosed(nil)
			default:
				c.notifyClosed(err)
			}
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "iq":
			var iq iqmux.IQ
			if err := dec.DecodeElement(&iq, &start); err != nil {
				c.log.Warn("failed to decode IQ", zap.Error(err))
				continue
			}
			c.routeIQ(&iq)
		case "presence":
			var p inboundPresence
			if err := dec.DecodeElement(&p, &start); err != nil {
				c.log.Warn("failed to decode presence", zap.Error(err))
				continue
			}
			c.routePresence(&p)
		default:
			if err := dec.Skip(); err != nil {
				c.notifyClosed(err)
				return
			}
		}
	}
}

func (c *Client) routeIQ(iq *iqmux.IQ) {
	switch iq.Type {
	case iqmux.ResultIQ, iqmux.ErrorIQ:
		c.mu.Lock()
		waiter := c.pending[iq.ID]
		delete(c.pending, iq.ID)
		c.mu.Unlock()
		if waiter != nil {
			waiter <- iq
		}
	case iqmux.GetIQ, iqmux.SetIQ:
		if iq.Type == iqmux.GetIQ && iq.Payload != nil &&
			iq.Payload.XMLName.Space == string(disco.FeatureDiscoInfo) {
			c.answerDiscoInfo(iq)
			return
		}
		if c.cb.OnIQ != nil {
			c.cb.OnIQ(iq)
			return
		}
		c.replyOrLog(iq.ErrorResponse(iqmux.ServiceUnavailable, ""))
	}
}

func (c *Client) answerDiscoInfo(iq *iqmux.IQ) {
	query := c.features.InfoQuery(disco.Identity{Category: "component", Type: "generic"})
	raw, err := xml.Marshal(query)
	if err != nil {
		c.log.Warn("failed to marshal disco#info reply", zap.Error(err))
		return
	}
	var payload iqmux.Payload
	if err := xml.Unmarshal(raw, &payload); err != nil {
		c.log.Warn("failed to build disco#info reply", zap.Error(err))
		return
	}
	c.replyOrLog(iq.Result(&payload))
}

func (c *Client) replyOrLog(resp *iqmux.IQ) {
	if err := c.SendStanza(resp); err != nil {
		c.log.Warn("failed to send IQ response", zap.Error(err))
	}
}

// inboundPresence is the subset of a presence stanza the client inspects.
type inboundPresence struct {
	XMLName xml.Name           `xml:"presence"`
	From    jid.JID            `xml:"from,attr"`
	Type    string             `xml:"type,attr"`
	Error   *iqmux.StanzaError `xml:"error"`
	X       *mucUser           `xml:"http://jabber.org/protocol/muc#user x"`
}

type mucUser struct {
	Statuses []mucStatus `xml:"status"`
}

type mucStatus struct {
	Code int `xml:"code,attr"`
}

func (p *inboundPresence) hasStatus(code int) bool {
	if p.X == nil {
		return false
	}
	for _, s := range p.X.Statuses {
		if s.Code == code {
			return true
		}
	}
	return false
}

func (c *Client) routePresence(p *inboundPresence) {
	key := strings.ToLower(p.From.Bare().String())
	c.mu.Lock()
	waiter := c.joins[key]
	c.mu.Unlock()
	if waiter == nil {
		return
	}

	switch p.Type {
	case "error":
		res := joinResult{err: fmt.Errorf("room %s rejected join", p.From.Bare())}
		if p.Error != nil {
			res.err = fmt.Errorf("room %s rejected join: %w", p.From.Bare(), p.Error)
		}
		c.resolveJoin(key, waiter, res)
	case "":
		// Status 110 marks our own occupant presence; fall back to comparing
		// nicknames for servers that omit it.
		if p.hasStatus(110) || strings.EqualFold(p.From.Resourcepart(), c.cfg.Nickname) {
			c.resolveJoin(key, waiter, joinResult{created: p.hasStatus(201)})
		}
	}
}

func (c *Client) resolveJoin(key string, waiter chan joinResult, res joinResult) {
	c.mu.Lock()
	delete(c.joins, key)
	c.mu.Unlock()
	select {
	case waiter <- res:
	default:
	}
}

// SendStanza marshals v onto the stream.
func (c *Client) SendStanza(v any) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return errNotConnected
	}
	return session.Encode(c.ctx, v)
}

type pingPayload struct {
	XMLName xml.Name `xml:"urn:xmpp:ping ping"`
}

// Ping sends an XEP-0199 ping to the server and waits for any answer. Even an
// error reply proves the connection is alive; only silence is a failure.
func (c *Client) Ping(ctx context.Context) error {
	domain, err := jid.Parse(c.cfg.XMPPDomain())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	_, err = c.sendIQ(ctx, domain, iqmux.GetIQ, pingPayload{})
	return err
}

// outboundIQ is a request IQ carrying an arbitrary payload struct.
type outboundIQ struct {
	XMLName xml.Name   `xml:"iq"`
	ID      string     `xml:"id,attr"`
	To      jid.JID    `xml:"to,attr"`
	Type    iqmux.Type `xml:"type,attr"`
	Payload any
}

// sendIQ sends a request IQ and waits for the matching result or error reply.
func (c *Client) sendIQ(ctx context.Context, to jid.JID, typ iqmux.Type, payload any) (*iqmux.IQ, error) {
	id := uuid.NewString()
	waiter := make(chan *iqmux.IQ, 1)

	c.mu.Lock()
	c.pending[id] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.SendStanza(outboundIQ{ID: id, To: to, Type: typ, Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, errNotConnected
	}
}

// JoinRoom sends the initial room presence and waits for our own occupant
// presence to come back. The returned flag reports whether the join created
// the room (MUC status code 201).
func (c *Client) JoinRoom(ctx context.Context, room jid.JID, nick string) (bool, error) {
	occupant, err := room.Bare().WithResource(nick)
	if err != nil {
		return false, fmt.Errorf("invalid nickname %q: %w", nick, err)
	}

	key := strings.ToLower(room.Bare().String())
	waiter := make(chan joinResult, 1)
	c.mu.Lock()
	c.joins[key] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.joins, key)
		c.mu.Unlock()
	}()

	join := &presence.Stanza{
		ID: uuid.NewString(),
		To: occupant,
		Extensions: []presence.Extension{
			{XMLName: presence.InitialMarker},
		},
	}
	if c.cb.OnPresenceSent != nil {
		c.cb.OnPresenceSent(room.Bare(), join)
	}
	if err := c.SendStanza(join); err != nil {
		return false, err
	}

	select {
	case res := <-waiter:
		return res.created, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.ctx.Done():
		return false, errNotConnected
	}
}

// Room configuration form payloads (XEP-0045 §10.1.3, jabber:x:data submit).
type ownerQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#owner query"`
	Form    dataForm `xml:"jabber:x:data x"`
}

type dataForm struct {
	Type   string      `xml:"type,attr"`
	Fields []formField `xml:"field"`
}

type formField struct {
	Var    string   `xml:"var,attr"`
	Values []string `xml:"value"`
}

// ConfigureRoomNonAnonymous submits a room configuration making occupant real
// JIDs visible to everyone. Peers are authorized by their real bare JID, so a
// freshly created room must not stay semi-anonymous.
func (c *Client) ConfigureRoomNonAnonymous(ctx context.Context, room jid.JID) error {
	payload := ownerQuery{
		Form: dataForm{
			Type: "submit",
			Fields: []formField{
				{Var: "FORM_TYPE", Values: []string{"http://jabber.org/protocol/muc#roomconfig"}},
				{Var: "muc#roomconfig_whois", Values: []string{"anyone"}},
			},
		},
	}
	resp, err := c.sendIQ(ctx, room.Bare(), iqmux.SetIQ, payload)
	if err != nil {
		return err
	}
	if resp.Type == iqmux.ErrorIQ {
		if resp.Error != nil {
			return fmt.Errorf("room configuration rejected: %w", resp.Error)
		}
		return errors.New("room configuration rejected")
	}
	return nil
}

// LeaveRoom sends unavailable presence to the room.
func (c *Client) LeaveRoom(ctx context.Context, room jid.JID, nick string) error {
	occupant, err := room.Bare().WithResource(nick)
	if err != nil {
		return err
	}
	return c.SendStanza(&presence.Stanza{
		ID:   uuid.NewString(),
		To:   occupant,
		Type: "unavailable",
	})
}
