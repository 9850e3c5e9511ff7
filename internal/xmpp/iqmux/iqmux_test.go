package iqmux

import (
	"context"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
)

var healthName = xml.Name{Space: "urn:example:health", Local: "healthcheck"}

type stubOrigin struct{ id string }

func (o stubOrigin) ConnectionID() string { return o.id }

func newTestMux() *Mux {
	m := NewMux(zap.NewNop())
	m.Register(Registration{Name: healthName})
	m.SetMembers([]jid.JID{jid.MustParse("Bridge@Conference.Example.COM")})
	return m
}

func memberRequest(typ Type) *IQ {
	return &IQ{
		ID:      "req-1",
		From:    jid.MustParse("bridge@conference.example.com/focus"),
		To:      jid.MustParse("jvb1@auth.example.com/jvb"),
		Type:    typ,
		Payload: &Payload{XMLName: healthName},
	}
}

func TestNonMemberGetsForbidden(t *testing.T) {
	m := newTestMux()
	calls := 0
	m.SetHandler(func(context.Context, *IQ, Origin) *IQ {
		calls++
		return nil
	})

	req := memberRequest(GetIQ)
	req.From = jid.MustParse("mallory@example.com/x")
	resp := m.Dispatch(context.Background(), req, stubOrigin{"c1"})

	require.NotNil(t, resp)
	require.Equal(t, ErrorIQ, resp.Type)
	require.Equal(t, Forbidden, resp.Error.Condition)
	require.Zero(t, calls)
}

func TestMemberMatchIsCaseInsensitive(t *testing.T) {
	m := newTestMux()
	m.SetHandler(func(_ context.Context, req *IQ, _ Origin) *IQ {
		return req.Result(nil)
	})

	resp := m.Dispatch(context.Background(), memberRequest(SetIQ), stubOrigin{"c1"})
	require.NotNil(t, resp)
	require.Equal(t, ResultIQ, resp.Type)
	require.Equal(t, "req-1", resp.ID)
}

func TestHandlerPanicIsContained(t *testing.T) {
	m := newTestMux()
	m.SetHandler(func(context.Context, *IQ, Origin) *IQ {
		panic("boom")
	})

	resp := m.Dispatch(context.Background(), memberRequest(GetIQ), stubOrigin{"c1"})
	require.NotNil(t, resp)
	require.Equal(t, ErrorIQ, resp.Type)
	require.Equal(t, InternalServerError, resp.Error.Condition)
	require.NotEmpty(t, resp.Error.Text)
	require.Contains(t, resp.Error.Text, "boom")
}

func TestMissingResponseEnforcement(t *testing.T) {
	m := NewMux(zap.NewNop())
	m.SetMembers([]jid.JID{jid.MustParse("bridge@conference.example.com")})
	m.SetHandler(func(context.Context, *IQ, Origin) *IQ { return nil })

	m.Register(Registration{Name: healthName, RequireResponse: true})
	resp := m.Dispatch(context.Background(), memberRequest(GetIQ), stubOrigin{"c1"})
	require.NotNil(t, resp)
	require.Equal(t, InternalServerError, resp.Error.Condition)
	require.Equal(t, "unknown error", resp.Error.Text)

	m.Register(Registration{Name: healthName, RequireResponse: false})
	resp = m.Dispatch(context.Background(), memberRequest(GetIQ), stubOrigin{"c1"})
	require.Nil(t, resp)
}

func TestUnregisteredPayloadGetsServiceUnavailable(t *testing.T) {
	m := newTestMux()
	m.SetHandler(func(context.Context, *IQ, Origin) *IQ { return nil })

	req := memberRequest(GetIQ)
	req.Payload = &Payload{XMLName: xml.Name{Space: "urn:example:other", Local: "thing"}}
	resp := m.Dispatch(context.Background(), req, stubOrigin{"c1"})

	require.NotNil(t, resp)
	require.Equal(t, ServiceUnavailable, resp.Error.Condition)
}

func TestResultAndErrorTypesAreNotDispatched(t *testing.T) {
	m := newTestMux()
	calls := 0
	m.SetHandler(func(context.Context, *IQ, Origin) *IQ {
		calls++
		return nil
	})

	require.Nil(t, m.Dispatch(context.Background(), memberRequest(ResultIQ), stubOrigin{"c1"}))
	require.Nil(t, m.Dispatch(context.Background(), memberRequest(ErrorIQ), stubOrigin{"c1"}))
	require.Zero(t, calls)
}

func TestHandlerReceivesRequestAndOrigin(t *testing.T) {
	m := newTestMux()
	var gotID, gotConn string
	m.SetHandler(func(_ context.Context, req *IQ, origin Origin) *IQ {
		gotID = req.ID
		gotConn = origin.ConnectionID()
		return req.Result(&Payload{XMLName: healthName})
	})

	resp := m.Dispatch(context.Background(), memberRequest(GetIQ), stubOrigin{"shard-1"})
	require.Equal(t, "req-1", gotID)
	require.Equal(t, "shard-1", gotConn)
	require.NotNil(t, resp.Payload)
	require.Equal(t, healthName, resp.Payload.XMLName)
}

func TestErrorIQRoundTrip(t *testing.T) {
	resp := memberRequest(GetIQ).ErrorResponse(Forbidden, "not a member")
	raw, err := xml.Marshal(resp)
	require.NoError(t, err)
	require.Contains(t, string(raw), "forbidden")
	require.Contains(t, string(raw), "not a member")
	require.Contains(t, string(raw), `type="auth"`)

	var decoded IQ
	require.NoError(t, xml.Unmarshal(raw, &decoded))
	require.Equal(t, ErrorIQ, decoded.Type)
	require.NotNil(t, decoded.Error)
	require.Equal(t, Forbidden, decoded.Error.Condition)
	require.Equal(t, "not a member", decoded.Error.Text)
	require.True(t, strings.EqualFold(decoded.Error.Type, "auth"))
}
