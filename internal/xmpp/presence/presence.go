// Package presence tracks the last presence stanza sent to each MUC room so
// that extensions can be added, replaced, and removed idempotently across the
// life of a connection.
package presence

import (
	"encoding/xml"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
)

// NSMUC is the Multi-User Chat namespace.
const NSMUC = "http://jabber.org/protocol/muc"

// InitialMarker is the name of the <x xmlns='http://jabber.org/protocol/muc'/>
// element that marks a presence as an initial room join. It must never appear
// in a presence re-sent after the join: the server would treat the stanza as a
// fresh join and replay the full room roster.
var InitialMarker = xml.Name{Space: NSMUC, Local: "x"}

// Extension is an XML sub-element attached to a presence stanza. Two
// extensions are considered the same when their names (element plus
// namespace) match.
type Extension struct {
	XMLName xml.Name
	Attr    []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// Stanza is an outgoing presence addressed to a room occupant JID.
type Stanza struct {
	XMLName    xml.Name    `xml:"presence"`
	ID         string      `xml:"id,attr"`
	To         jid.JID     `xml:"to,attr"`
	Type       string      `xml:"type,attr,omitempty"`
	Extensions []Extension `xml:",any"`
}

func (st *Stanza) clone() *Stanza {
	dup := *st
	dup.Extensions = make([]Extension, len(st.Extensions))
	copy(dup.Extensions, st.Extensions)
	return &dup
}

// Extension returns the extension with the given name, if present.
func (st *Stanza) Extension(name xml.Name) (Extension, bool) {
	for _, ext := range st.Extensions {
		if ext.XMLName == name {
			return ext, true
		}
	}
	return Extension{}, false
}

// Sender delivers a marshaled stanza to the wire connection.
type Sender interface {
	SendStanza(v any) error
}

// State holds the last presence sent to a single room. A nil stored stanza
// means no presence has been sent since the last (re)join; extension updates
// in that window are dropped with a log line rather than failing, since they
// race legitimately with the join and the manager replays its extension set
// once the join completes.
type State struct {
	room jid.JID
	log  *zap.Logger

	mu   sync.Mutex
	last *Stanza
}

// NewState creates presence tracking for one room.
func NewState(room jid.JID, log *zap.Logger) *State {
	return &State{room: room.Bare(), log: log}
}

// Capture stores a copy of an outgoing presence observed on the wire. It is
// meant to be hooked up as the transport's outgoing-presence interceptor and
// does nothing but store.
func (s *State) Capture(st *Stanza) {
	s.mu.Lock()
	s.last = st.clone()
	s.mu.Unlock()
}

// Last returns a copy of the last sent presence, or nil when none was sent
// since the last (re)join.
func (s *State) Last() *Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return s.last.clone()
}

// Reset clears the stored stanza. Invoked at the start of every (re)join.
func (s *State) Reset() {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
}

// SetExtensions replaces any stored extension sharing a name with one of exts,
// appends the new values, strips the initial-join marker, and re-sends the
// presence with a fresh stanza ID. Send failures are logged and swallowed.
func (s *State) SetExtensions(w Sender, exts []Extension) {
	s.mu.Lock()
	if s.last == nil {
		s.mu.Unlock()
		s.log.Debug("no presence sent to room yet, dropping extension update",
			zap.Stringer("room", s.room))
		return
	}
	next := s.last.clone()
	for _, ext := range exts {
		next.Extensions = removeByName(next.Extensions, ext.XMLName)
		next.Extensions = append(next.Extensions, ext)
	}
	next.Extensions = removeByName(next.Extensions, InitialMarker)
	next.ID = uuid.NewString()
	s.last = next
	snapshot := next.clone()
	s.mu.Unlock()

	s.send(w, snapshot)
}

// RemoveExtension drops the named extension and re-sends the presence if that
// changed anything. Like SetExtensions it is a no-op before the first send.
func (s *State) RemoveExtension(w Sender, name xml.Name) {
	s.mu.Lock()
	if s.last == nil {
		s.mu.Unlock()
		s.log.Debug("no presence sent to room yet, dropping extension removal",
			zap.Stringer("room", s.room))
		return
	}
	trimmed := removeByName(s.last.Extensions, name)
	if len(trimmed) == len(s.last.Extensions) {
		s.mu.Unlock()
		return
	}
	next := s.last.clone()
	next.Extensions = removeByName(trimmed, InitialMarker)
	next.ID = uuid.NewString()
	s.last = next
	snapshot := next.clone()
	s.mu.Unlock()

	s.send(w, snapshot)
}

func (s *State) send(w Sender, st *Stanza) {
	if err := w.SendStanza(st); err != nil {
		s.log.Warn("failed to re-send presence",
			zap.Stringer("room", s.room), zap.Error(err))
	}
}

func removeByName(exts []Extension, name xml.Name) []Extension {
	kept := make([]Extension, 0, len(exts))
	for _, ext := range exts {
		if ext.XMLName != name {
			kept = append(kept, ext)
		}
	}
	return kept
}
