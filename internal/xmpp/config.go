package xmpp

import (
	"net"
	"strings"
	"time"

	"mellium.im/xmpp/jid"
)

// SecurityMode controls whether TLS is mandatory for a connection.
type SecurityMode string

// Security modes.
const (
	// SecurityRequired refuses to proceed without TLS.
	SecurityRequired SecurityMode = "required"
	// SecurityIfPossible treats the transport as trusted and allows
	// authentication without TLS. Only the default for loopback endpoints.
	SecurityIfPossible SecurityMode = "if-possible"
)

// IQMode controls how inbound IQ requests on one connection are dispatched.
type IQMode string

// IQ dispatch modes.
const (
	// IQModeSync handles requests one at a time on the receive path.
	IQModeSync IQMode = "sync"
	// IQModeAsync handles each request on its own goroutine.
	IQModeAsync IQMode = "async"
)

// Default timings, adjustable once at startup via InitWireDefaults.
var (
	defaultDialTimeout   = 30 * time.Second
	defaultRetryInterval = 5 * time.Second
	defaultPingInterval  = 30 * time.Second
	defaultPingTimeout   = 10 * time.Second
	defaultJoinTimeout   = 30 * time.Second
)

// ConnectionConfig describes one XMPP connection: its endpoint, credentials,
// the rooms it joins, and its options. It is constructed once and never
// mutated after being handed to a Connection.
type ConnectionConfig struct {
	// ID is the unique key of this connection within a Manager.
	ID string

	Host     string
	Port     int
	// Domain is the XMPP service domain. Falls back to Host when empty.
	Domain   string
	Username string
	Password string

	// Rooms are the MUC rooms to join, in join order.
	Rooms []jid.JID
	// Nickname is the occupant nickname used in every room.
	Nickname string

	DisableCertVerify bool
	SecurityMode      SecurityMode
	IQMode            IQMode

	// Zero values fall back to the package defaults.
	RetryInterval time.Duration
	PingInterval  time.Duration
	JoinTimeout   time.Duration
}

// Complete reports whether every field required to attempt a connection is
// present. Incomplete configs are rejected before a Connection is created.
func (c ConnectionConfig) Complete() bool {
	return c.Host != "" &&
		c.Username != "" &&
		c.Password != "" &&
		c.Nickname != "" &&
		len(c.Rooms) > 0
}

// XMPPDomain returns the configured domain, falling back to the hostname.
func (c ConnectionConfig) XMPPDomain() string {
	if c.Domain != "" {
		return c.Domain
	}
	return c.Host
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.Port == 0 {
		c.Port = 5222
	}
	if c.SecurityMode == "" {
		if isLoopback(c.Host) {
			c.SecurityMode = SecurityIfPossible
		} else {
			c.SecurityMode = SecurityRequired
		}
	}
	if c.IQMode == "" {
		c.IQMode = IQModeSync
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	return c
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
