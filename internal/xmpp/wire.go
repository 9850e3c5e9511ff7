package xmpp

import (
	"context"
	"sync"
	"time"

	"github.com/jitsi/jicoco-sub000/internal/xmpp/disco"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/iqmux"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/presence"
	"mellium.im/xmpp/jid"
)

// WireCallbacks are the notifications a WireConn delivers while it is alive.
// They may be invoked from arbitrary transport goroutines.
type WireCallbacks struct {
	// OnClosed fires once when the transport goes away, with the error that
	// closed it (nil for a clean close).
	OnClosed func(err error)
	// OnIQ fires for every inbound get/set IQ that the connection does not
	// answer itself.
	OnIQ func(req *iqmux.IQ)
	// OnPresenceSent fires with every outgoing room presence immediately
	// before transmission. It must only store and return.
	OnPresenceSent func(room jid.JID, st *presence.Stanza)
}

// WireConn is one attempt's underlying wire connection. A WireConn is used
// for a single connect/authenticate/join cycle and discarded on disconnect;
// it is never reused.
type WireConn interface {
	// Connect establishes the transport.
	Connect(ctx context.Context) error
	// Login negotiates the XMPP stream (TLS, SASL, resource binding) and
	// starts receiving stanzas.
	Login(ctx context.Context) error
	// Disconnect tears the connection down. Safe to call at any point and
	// more than once.
	Disconnect()

	// SendStanza marshals and sends a stanza.
	SendStanza(v any) error
	// Ping checks liveness; an error means the connection is stale.
	Ping(ctx context.Context) error

	// JoinRoom joins (or creates) room under the given nickname and reports
	// whether the room was freshly created.
	JoinRoom(ctx context.Context, room jid.JID, nick string) (created bool, err error)
	// ConfigureRoomNonAnonymous submits the room configuration form that
	// makes occupant real JIDs visible. Required on freshly created rooms so
	// that request authorization by real JID keeps working.
	ConfigureRoomNonAnonymous(ctx context.Context, room jid.JID) error
	// LeaveRoom sends unavailable presence to the room.
	LeaveRoom(ctx context.Context, room jid.JID, nick string) error
}

// WireDialer produces a fresh WireConn for every connection attempt.
type WireDialer interface {
	Dial(cfg ConnectionConfig, features *disco.Features, cb WireCallbacks) WireConn
}

// WireDefaults are the transport-wide settings applied once at startup.
type WireDefaults struct {
	DialTimeout   time.Duration
	RetryInterval time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	JoinTimeout   time.Duration
}

var wireDefaultsOnce sync.Once

// InitWireDefaults overrides the package defaults for every connection
// constructed afterwards. Only the first call has any effect; it should be
// made before the first Connection is created.
func InitWireDefaults(d WireDefaults) {
	wireDefaultsOnce.Do(func() {
		if d.DialTimeout > 0 {
			defaultDialTimeout = d.DialTimeout
		}
		if d.RetryInterval > 0 {
			defaultRetryInterval = d.RetryInterval
		}
		if d.PingInterval > 0 {
			defaultPingInterval = d.PingInterval
		}
		if d.PingTimeout > 0 {
			defaultPingTimeout = d.PingTimeout
		}
		if d.JoinTimeout > 0 {
			defaultJoinTimeout = d.JoinTimeout
		}
	})
}
