// Package iqmux routes inbound IQ request stanzas to a single application
// handler based on the name and namespace of the request payload. It enforces
// that requests come from a configured room member and converts every failure
// mode into a well-formed error response; application code can never leak an
// unhandled failure back to the wire.
package iqmux

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
)

// Type is an IQ stanza type.
type Type string

// IQ stanza types.
const (
	GetIQ    Type = "get"
	SetIQ    Type = "set"
	ResultIQ Type = "result"
	ErrorIQ  Type = "error"
)

// Payload is the first child element of an IQ, kept as raw inner XML.
type Payload struct {
	XMLName xml.Name
	Attr    []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// IQ is an Info/Query stanza.
type IQ struct {
	XMLName xml.Name     `xml:"iq"`
	ID      string       `xml:"id,attr"`
	To      jid.JID      `xml:"to,attr"`
	From    jid.JID      `xml:"from,attr"`
	Type    Type         `xml:"type,attr"`
	Error   *StanzaError `xml:"error"`
	Payload *Payload     `xml:",any"`
}

// Result builds the result response to a request IQ, optionally carrying a
// payload.
func (iq *IQ) Result(payload *Payload) *IQ {
	return &IQ{
		ID:      iq.ID,
		To:      iq.From,
		From:    iq.To,
		Type:    ResultIQ,
		Payload: payload,
	}
}

// ErrorResponse builds the error response to a request IQ for the given
// condition and optional human-readable text.
func (iq *IQ) ErrorResponse(cond Condition, text string) *IQ {
	return &IQ{
		ID:    iq.ID,
		To:    iq.From,
		From:  iq.To,
		Type:  ErrorIQ,
		Error: &StanzaError{Type: cond.errorType(), Condition: cond, Text: text},
	}
}

// Registration marks one (element name, namespace) pair as interesting for
// both get and set requests. When RequireResponse is set, a handler returning
// no response is itself an error and a generic internal-server-error reply is
// produced instead of staying silent.
type Registration struct {
	Name            xml.Name
	RequireResponse bool
}

// Origin identifies the connection an IQ arrived on.
type Origin interface {
	ConnectionID() string
}

// Handler processes an inbound request IQ and returns the response to send,
// or nil for no response.
type Handler func(ctx context.Context, req *IQ, origin Origin) *IQ

// Mux is the per-connection registration table and dispatcher.
type Mux struct {
	log *zap.Logger

	mu            sync.RWMutex
	registrations map[xml.Name]Registration
	handler       Handler
	members       map[string]struct{}
}

// NewMux creates an empty dispatcher.
func NewMux(log *zap.Logger) *Mux {
	return &Mux{
		log:           log,
		registrations: make(map[xml.Name]Registration),
		members:       make(map[string]struct{}),
	}
}

// Register adds or replaces the registration for a payload name.
func (m *Mux) Register(reg Registration) {
	m.mu.Lock()
	m.registrations[reg.Name] = reg
	m.mu.Unlock()
}

// SetHandler replaces the application handler.
func (m *Mux) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// SetMembers sets the room JIDs whose occupants are authorized to send
// requests. Matching is on the bare JID, case-insensitively.
func (m *Mux) SetMembers(rooms []jid.JID) {
	members := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		members[strings.ToLower(room.Bare().String())] = struct{}{}
	}
	m.mu.Lock()
	m.members = members
	m.mu.Unlock()
}

// Dispatch routes a request IQ and returns the response to send, or nil when
// no response is due. Only get and set requests are dispatched; anything else
// is dropped.
func (m *Mux) Dispatch(ctx context.Context, req *IQ, origin Origin) *IQ {
	if req.Type != GetIQ && req.Type != SetIQ {
		return nil
	}
	if req.Payload == nil {
		return req.ErrorResponse(BadRequest, "missing request payload")
	}

	m.mu.RLock()
	reg, registered := m.registrations[req.Payload.XMLName]
	handler := m.handler
	_, member := m.members[strings.ToLower(req.From.Bare().String())]
	m.mu.RUnlock()

	if !registered {
		return req.ErrorResponse(ServiceUnavailable, "")
	}
	if !member {
		m.log.Warn("rejecting IQ from non-member JID",
			zap.Stringer("from", req.From),
			zap.String("element", req.Payload.XMLName.Local),
			zap.String("namespace", req.Payload.XMLName.Space))
		return req.ErrorResponse(Forbidden, "")
	}
	if handler == nil {
		m.log.Warn("no IQ handler registered, rejecting request",
			zap.String("element", req.Payload.XMLName.Local),
			zap.String("namespace", req.Payload.XMLName.Space))
		return req.ErrorResponse(InternalServerError, "no handler registered")
	}

	resp, err := m.invoke(ctx, handler, req, origin)
	if err != nil {
		m.log.Error("IQ handler failed", zap.String("id", req.ID), zap.Error(err))
		return req.ErrorResponse(InternalServerError, err.Error())
	}
	if resp == nil && reg.RequireResponse {
		m.log.Warn("IQ handler produced no response", zap.String("id", req.ID))
		return req.ErrorResponse(InternalServerError, "unknown error")
	}
	return resp
}

// invoke calls the handler and converts a panic into an error so application
// code can never take down the dispatch path.
func (m *Mux) invoke(ctx context.Context, h Handler, req *IQ, origin Origin) (resp *IQ, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, req, origin), nil
}
