package xmpp

import (
	"encoding/xml"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jitsi/jicoco-sub000/internal/xmpp/disco"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/iqmux"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/presence"
)

// Manager-visible failures. Everything else is retried internally and only
// surfaces through logs and the aggregate metrics.
var (
	ErrIncompleteConfig    = errors.New("connection config is incomplete")
	ErrDuplicateConnection = errors.New("a connection with this ID already exists")
)

// Manager owns a set of named connections and fans administrative operations
// out across them. Presence extensions and IQ registrations applied to the
// manager reach every current connection and are replayed onto connections
// added later and onto every room after a reconnect.
type Manager struct {
	log      *zap.Logger
	dialer   WireDialer
	features *disco.Features

	mu            sync.Mutex
	connections   map[string]*Connection
	extensions    map[xml.Name]presence.Extension
	registrations []iqmux.Registration
	handler       iqmux.Handler
}

// Option configures a Manager.
type Option func(*Manager)

// WithFeatures sets the disco#info features advertised by every connection,
// in addition to the built-in ones.
func WithFeatures(features ...disco.Feature) Option {
	return func(m *Manager) {
		m.features = disco.NewFeatures(features...)
	}
}

// WithDialer overrides the wire dialer. Used by tests.
func WithDialer(d WireDialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// NewManager creates a Manager with no connections.
func NewManager(log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:         log,
		features:    disco.NewFeatures(),
		connections: make(map[string]*Connection),
		extensions:  make(map[xml.Name]presence.Extension),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewDialer(log)
	}
	return m
}

// Features returns the feature set advertised by every connection.
func (m *Manager) Features() *disco.Features { return m.features }

// AddConnection registers and starts a new connection. The initial connect
// and join cycle runs asynchronously; the only synchronous failures are an
// incomplete config and a duplicate ID.
func (m *Manager) AddConnection(cfg ConnectionConfig) error {
	if !cfg.Complete() {
		return fmt.Errorf("%w: id %q requires host, username, password, nickname and at least one room",
			ErrIncompleteConfig, cfg.ID)
	}

	m.mu.Lock()
	if _, ok := m.connections[cfg.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateConnection, cfg.ID)
	}
	conn := newConnection(cfg, m.dialer, m.features, m.extensionSnapshot, m.log)
	for _, reg := range m.registrations {
		conn.RegisterIQ(reg)
	}
	conn.SetIQHandler(m.handler)
	m.connections[cfg.ID] = conn
	m.mu.Unlock()

	m.log.Info("adding connection", zap.String("connection", cfg.ID),
		zap.String("host", cfg.Host), zap.Int("rooms", len(cfg.Rooms)))
	conn.Start()
	return nil
}

// RemoveConnection stops and removes a connection, reporting whether it
// existed.
func (m *Manager) RemoveConnection(id string) bool {
	m.mu.Lock()
	conn, ok := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.log.Info("removing connection", zap.String("connection", id))
	conn.Stop()
	return true
}

// Connection returns a live connection by ID.
func (m *Manager) Connection(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	return conn, ok
}

// SetPresenceExtension adds or replaces an extension in the master set and
// fans it out to every connection. Propagation across connections is eventual,
// not atomic.
func (m *Manager) SetPresenceExtension(ext presence.Extension) {
	m.mu.Lock()
	m.extensions[ext.XMLName] = ext
	conns := m.connectionList()
	m.mu.Unlock()

	for _, conn := range conns {
		conn.SetPresenceExtensions([]presence.Extension{ext})
	}
}

// RemovePresenceExtension removes an extension from the master set and from
// every connection's rooms.
func (m *Manager) RemovePresenceExtension(local, space string) {
	name := xml.Name{Space: space, Local: local}
	m.mu.Lock()
	delete(m.extensions, name)
	conns := m.connectionList()
	m.mu.Unlock()

	for _, conn := range conns {
		conn.RemovePresenceExtension(name)
	}
}

// SetIQListener replaces the single application-level IQ handler on every
// current and future connection.
func (m *Manager) SetIQListener(h iqmux.Handler) {
	m.mu.Lock()
	m.handler = h
	conns := m.connectionList()
	m.mu.Unlock()

	for _, conn := range conns {
		conn.SetIQHandler(h)
	}
}

// RegisterIQ marks an (element name, namespace) pair as interesting on every
// current and future connection. When requireResponse is set, a handler
// returning no response produces a synthesized error reply.
func (m *Manager) RegisterIQ(local, space string, requireResponse bool) {
	reg := iqmux.Registration{
		Name:            xml.Name{Space: space, Local: local},
		RequireResponse: requireResponse,
	}
	m.mu.Lock()
	m.registrations = append(m.registrations, reg)
	conns := m.connectionList()
	m.mu.Unlock()

	for _, conn := range conns {
		conn.RegisterIQ(reg)
	}
}

// ConfiguredConnectionCount returns the number of registered connections.
func (m *Manager) ConfiguredConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// ConnectedCount returns the number of connections currently authenticated.
func (m *Manager) ConnectedCount() int {
	n := 0
	for _, conn := range m.snapshot() {
		if conn.IsConnected() {
			n++
		}
	}
	return n
}

// ConfiguredRoomCount returns the total number of rooms across all
// connections.
func (m *Manager) ConfiguredRoomCount() int {
	n := 0
	for _, conn := range m.snapshot() {
		n += conn.ConfiguredRoomCount()
	}
	return n
}

// JoinedRoomCount returns the total number of currently joined rooms across
// all connections.
func (m *Manager) JoinedRoomCount() int {
	n := 0
	for _, conn := range m.snapshot() {
		n += conn.JoinedRoomCount()
	}
	return n
}

// Close stops every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.connectionList()
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Stop()
	}
}

// extensionSnapshot returns the master extension set. Connections call it
// while replaying presence after a (re)join.
func (m *Manager) extensionSnapshot() []presence.Extension {
	m.mu.Lock()
	defer m.mu.Unlock()
	exts := make([]presence.Extension, 0, len(m.extensions))
	for _, ext := range m.extensions {
		exts = append(exts, ext)
	}
	return exts
}

// connectionList copies the live connection set. Callers must hold m.mu.
func (m *Manager) connectionList() []*Connection {
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (m *Manager) snapshot() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionList()
}
