package xmpp

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/jitsi/jicoco-sub000/internal/xmpp/disco"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/presence"
)

// fakeWire is a scriptable WireConn. Like the real client it runs the
// outgoing-presence interceptor with the join presence (initial marker
// included) before reporting a successful join.
type fakeWire struct {
	cfg ConnectionConfig
	cb  WireCallbacks

	connectErr error
	loginErr   error
	joinFn     func(room jid.JID) (created bool, err error)

	mu           sync.Mutex
	pingErr      error
	sent         []any
	joins        []string
	configured   []string
	left         []string
	disconnected bool
}

func (w *fakeWire) Connect(context.Context) error { return w.connectErr }

func (w *fakeWire) Login(context.Context) error { return w.loginErr }

func (w *fakeWire) Disconnect() {
	w.mu.Lock()
	w.disconnected = true
	w.mu.Unlock()
}

func (w *fakeWire) SendStanza(v any) error {
	w.mu.Lock()
	w.sent = append(w.sent, v)
	w.mu.Unlock()
	return nil
}

func (w *fakeWire) Ping(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pingErr
}

func (w *fakeWire) setPingErr(err error) {
	w.mu.Lock()
	w.pingErr = err
	w.mu.Unlock()
}

func (w *fakeWire) JoinRoom(_ context.Context, room jid.JID, nick string) (bool, error) {
	created := false
	if w.joinFn != nil {
		var err error
		created, err = w.joinFn(room)
		if err != nil {
			return false, err
		}
	}
	if w.cb.OnPresenceSent != nil {
		occupant, _ := room.Bare().WithResource(nick)
		w.cb.OnPresenceSent(room.Bare(), &presence.Stanza{
			ID:         uuid.NewString(),
			To:         occupant,
			Extensions: []presence.Extension{{XMLName: presence.InitialMarker}},
		})
	}
	w.mu.Lock()
	w.joins = append(w.joins, room.Bare().String())
	w.mu.Unlock()
	return created, nil
}

func (w *fakeWire) ConfigureRoomNonAnonymous(_ context.Context, room jid.JID) error {
	w.mu.Lock()
	w.configured = append(w.configured, room.Bare().String())
	w.mu.Unlock()
	return nil
}

func (w *fakeWire) LeaveRoom(_ context.Context, room jid.JID, _ string) error {
	w.mu.Lock()
	w.left = append(w.left, room.Bare().String())
	w.mu.Unlock()
	return nil
}

func (w *fakeWire) joinedRooms() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.joins...)
}

func (w *fakeWire) configuredRooms() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.configured...)
}

func (w *fakeWire) leftRooms() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.left...)
}

func (w *fakeWire) isDisconnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disconnected
}

func (w *fakeWire) sentStanzas() []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]any(nil), w.sent...)
}

// sentPresences returns every presence sent over this wire, in order.
func (w *fakeWire) sentPresences() []*presence.Stanza {
	var out []*presence.Stanza
	for _, v := range w.sentStanzas() {
		if st, ok := v.(*presence.Stanza); ok {
			out = append(out, st)
		}
	}
	return out
}

// fakeDialer hands out one scripted fakeWire per attempt.
type fakeDialer struct {
	// script builds the wire for the n-th attempt (0-based) of a connection.
	// A nil script (or nil result) produces a wire that succeeds everywhere.
	script func(cfg ConnectionConfig, attempt int) *fakeWire

	mu       sync.Mutex
	wires    []*fakeWire
	attempts map[string]int
}

func newFakeDialer(script func(cfg ConnectionConfig, attempt int) *fakeWire) *fakeDialer {
	return &fakeDialer{script: script, attempts: make(map[string]int)}
}

func (d *fakeDialer) Dial(cfg ConnectionConfig, _ *disco.Features, cb WireCallbacks) WireConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	attempt := d.attempts[cfg.ID]
	d.attempts[cfg.ID]++

	var w *fakeWire
	if d.script != nil {
		w = d.script(cfg, attempt)
	}
	if w == nil {
		w = &fakeWire{}
	}
	w.cfg = cfg
	w.cb = cb
	d.wires = append(d.wires, w)
	return w
}

func (d *fakeDialer) wireCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.wires)
}

func (d *fakeDialer) wire(i int) *fakeWire {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.wires) {
		return nil
	}
	return d.wires[i]
}

func (d *fakeDialer) lastWire() *fakeWire {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.wires) == 0 {
		return nil
	}
	return d.wires[len(d.wires)-1]
}
