package xmpp

import (
	"context"
	"encoding/xml"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/jitsi/jicoco-sub000/internal/xmpp/disco"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/iqmux"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/presence"
)

// Status is the lifecycle state of a Connection.
type Status int32

// Connection lifecycle states.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAuthenticating
	StatusJoining
	StatusConnected
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusJoining:
		return "joining"
	case StatusConnected:
		return "connected"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type roomSlot struct {
	room   jid.JID
	state  *presence.State
	joined bool // guarded by Connection.mu
}

// Connection owns one wire connection and keeps it connected, authenticated,
// and joined to its configured rooms until stopped. All lifecycle transitions
// happen on a single goroutine; transport callbacks only post events to it.
type Connection struct {
	cfg        ConnectionConfig
	dialer     WireDialer
	features   *disco.Features
	mux        *iqmux.Mux
	extensions func() []presence.Extension
	log        *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	status atomic.Int32

	mu    sync.Mutex
	wire  WireConn
	rooms []*roomSlot
}

// newConnection builds a Connection. extensions supplies the manager's
// current presence-extension set, replayed onto every room after each join.
func newConnection(cfg ConnectionConfig, dialer WireDialer, features *disco.Features, extensions func() []presence.Extension, log *zap.Logger) *Connection {
	cfg = cfg.withDefaults()
	log = log.With(zap.String("connection", cfg.ID))

	mux := iqmux.NewMux(log)
	mux.SetMembers(cfg.Rooms)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:        cfg,
		dialer:     dialer,
		features:   features,
		mux:        mux,
		extensions: extensions,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, room := range cfg.Rooms {
		c.rooms = append(c.rooms, &roomSlot{
			room:  room.Bare(),
			state: presence.NewState(room, log),
		})
	}
	return c
}

// Start launches the connect/retry loop.
func (c *Connection) Start() {
	go c.run()
}

// ConnectionID implements iqmux.Origin.
func (c *Connection) ConnectionID() string { return c.cfg.ID }

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	return Status(c.status.Load())
}

// IsConnected reports whether the connection is both transport-connected and
// authenticated.
func (c *Connection) IsConnected() bool {
	s := c.Status()
	return s == StatusJoining || s == StatusConnected
}

// ConfiguredRoomCount returns the number of rooms this connection is
// configured to join.
func (c *Connection) ConfiguredRoomCount() int {
	return len(c.cfg.Rooms)
}

// JoinedRoomCount returns the number of rooms currently joined. It is zero
// whenever the connection is down.
func (c *Connection) JoinedRoomCount() int {
	if !c.IsConnected() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, slot := range c.rooms {
		if slot.joined {
			n++
		}
	}
	return n
}

func (c *Connection) setStatus(s Status) {
	old := Status(c.status.Swap(int32(s)))
	if old != s {
		c.log.Info("connection status changed",
			zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

func (c *Connection) stopped() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Connection) setWire(w WireConn) {
	c.mu.Lock()
	c.wire = w
	c.mu.Unlock()
}

func (c *Connection) currentWire() WireConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wire
}

// run is the connection's single-threaded lifecycle loop. Transient failures
// are retried forever; only Stop ends the loop.
func (c *Connection) run() {
	defer close(c.done)
	for !c.stopped() {
		c.setStatus(StatusConnecting)

		closed := make(chan error, 1)
		wire := c.dialer.Dial(c.cfg, c.features, WireCallbacks{
			OnClosed: func(err error) {
				select {
				case closed <- err:
				default:
				}
			},
			OnIQ:           c.handleInboundIQ,
			OnPresenceSent: c.capturePresence,
		})
		c.setWire(wire)

		if err := wire.Connect(c.ctx); err != nil {
			if c.stopped() {
				break
			}
			c.log.Warn("failed to connect", zap.Error(err))
			wire.Disconnect()
			if !c.sleepRetry() {
				break
			}
			continue
		}

		c.setStatus(StatusAuthenticating)
		if err := wire.Login(c.ctx); err != nil {
			if c.stopped() {
				wire.Disconnect()
				break
			}
			// Disconnect fully so no partial stream state survives into the
			// next attempt.
			c.log.Warn("authentication failed", zap.Error(err))
			wire.Disconnect()
			if !c.sleepRetry() {
				break
			}
			continue
		}

		c.setStatus(StatusJoining)
		c.joinRooms(wire)
		c.replayExtensions(wire)
		c.setStatus(StatusConnected)

		c.steady(wire, closed)

		if c.stopped() {
			// shutdown leaves the rooms before disconnecting.
			break
		}
		c.clearRooms()
		wire.Disconnect()
		c.setStatus(StatusDisconnected)
	}

	c.shutdown()
}

// joinRooms resets per-room presence and joins every configured room in
// order. A failure is isolated to its room; the cycle continues.
func (c *Connection) joinRooms(wire WireConn) {
	c.clearRooms()
	for _, slot := range c.roomSlots() {
		if c.stopped() {
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.JoinTimeout)
		created, err := wire.JoinRoom(ctx, slot.room, c.cfg.Nickname)
		cancel()
		if err != nil {
			c.log.Warn("failed to join room",
				zap.Stringer("room", slot.room), zap.Error(err))
			continue
		}
		if created {
			c.log.Info("created room, configuring it as non-anonymous",
				zap.Stringer("room", slot.room))
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.JoinTimeout)
			if err := wire.ConfigureRoomNonAnonymous(ctx, slot.room); err != nil {
				c.log.Warn("failed to configure room",
					zap.Stringer("room", slot.room), zap.Error(err))
			}
			cancel()
		}
		c.mu.Lock()
		slot.joined = true
		c.mu.Unlock()
	}
}

// replayExtensions applies the manager's current extension set to every
// joined room.
func (c *Connection) replayExtensions(wire WireConn) {
	if c.extensions == nil {
		return
	}
	exts := c.extensions()
	if len(exts) == 0 {
		return
	}
	for _, slot := range c.joinedSlots() {
		slot.state.SetExtensions(wire, exts)
	}
}

// steady blocks while the connection is healthy, pinging periodically.
// Returning means the cycle is over: the connection closed, a ping failed, or
// the connection was stopped.
func (c *Connection) steady(wire WireConn, closed <-chan error) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case err := <-closed:
			if err != nil {
				c.log.Warn("connection closed on error", zap.Error(err))
			} else {
				c.log.Info("connection closed")
			}
			return
		case <-ticker.C:
			if err := wire.Ping(c.ctx); err != nil {
				if c.stopped() {
					return
				}
				c.log.Warn("ping failed, recycling connection", zap.Error(err))
				return
			}
		}
	}
}

// sleepRetry waits out the retry interval. It returns false when the
// connection was stopped while waiting.
func (c *Connection) sleepRetry() bool {
	timer := time.NewTimer(c.cfg.RetryInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// shutdown leaves every joined room and disconnects, best effort.
func (c *Connection) shutdown() {
	wire := c.currentWire()
	if wire != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, slot := range c.joinedSlots() {
			if err := wire.LeaveRoom(ctx, slot.room, c.cfg.Nickname); err != nil {
				c.log.Warn("failed to leave room",
					zap.Stringer("room", slot.room), zap.Error(err))
			}
		}
		cancel()
		wire.Disconnect()
	}
	c.clearRooms()
	c.setStatus(StatusStopped)
}

// Stop shuts the connection down and waits for the lifecycle loop to finish.
// Idempotent and safe to call mid-connect.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
	})
	<-c.done
}

// clearRooms marks every room as not joined and resets its presence state.
func (c *Connection) clearRooms() {
	c.mu.Lock()
	slots := make([]*roomSlot, len(c.rooms))
	copy(slots, c.rooms)
	for _, slot := range slots {
		slot.joined = false
	}
	c.mu.Unlock()
	for _, slot := range slots {
		slot.state.Reset()
	}
}

func (c *Connection) roomSlots() []*roomSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots := make([]*roomSlot, len(c.rooms))
	copy(slots, c.rooms)
	return slots
}

func (c *Connection) joinedSlots() []*roomSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var slots []*roomSlot
	for _, slot := range c.rooms {
		if slot.joined {
			slots = append(slots, slot)
		}
	}
	return slots
}

// capturePresence is the outgoing-presence interceptor: it stores the stanza
// as the room's last-sent presence and nothing else.
func (c *Connection) capturePresence(room jid.JID, st *presence.Stanza) {
	key := strings.ToLower(room.Bare().String())
	for _, slot := range c.roomSlots() {
		if strings.ToLower(slot.room.String()) == key {
			slot.state.Capture(st)
			return
		}
	}
}

// SetPresenceExtensions updates the given extensions in every joined room's
// presence and re-sends it.
func (c *Connection) SetPresenceExtensions(exts []presence.Extension) {
	wire := c.currentWire()
	if wire == nil {
		return
	}
	for _, slot := range c.joinedSlots() {
		slot.state.SetExtensions(wire, exts)
	}
}

// RemovePresenceExtension removes the named extension from every joined
// room's presence, re-sending where it was present.
func (c *Connection) RemovePresenceExtension(name xml.Name) {
	wire := c.currentWire()
	if wire == nil {
		return
	}
	for _, slot := range c.joinedSlots() {
		slot.state.RemoveExtension(wire, name)
	}
}

// RegisterIQ adds an IQ registration to this connection's dispatch table.
func (c *Connection) RegisterIQ(reg iqmux.Registration) {
	c.mux.Register(reg)
}

// SetIQHandler replaces this connection's application IQ handler.
func (c *Connection) SetIQHandler(h iqmux.Handler) {
	c.mux.SetHandler(h)
}

// handleInboundIQ dispatches an inbound request according to the configured
// concurrency mode and sends whatever response is produced.
func (c *Connection) handleInboundIQ(req *iqmux.IQ) {
	if c.cfg.IQMode == IQModeAsync {
		go c.dispatchIQ(req)
		return
	}
	c.dispatchIQ(req)
}

func (c *Connection) dispatchIQ(req *iqmux.IQ) {
	resp := c.mux.Dispatch(c.ctx, req, c)
	if resp == nil {
		return
	}
	wire := c.currentWire()
	if wire == nil {
		return
	}
	if err := wire.SendStanza(resp); err != nil {
		c.log.Warn("failed to send IQ response",
			zap.String("id", req.ID), zap.Error(err))
	}
}
