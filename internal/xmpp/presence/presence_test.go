package presence

import (
	"encoding/xml"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
)

type sendRecorder struct {
	sent []*Stanza
	err  error
}

func (r *sendRecorder) SendStanza(v any) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, v.(*Stanza))
	return nil
}

var statsName = xml.Name{Space: "urn:example:stats", Local: "stats"}

func joinedState(t *testing.T) *State {
	t.Helper()
	room := jid.MustParse("bridge@conference.example.com")
	s := NewState(room, zap.NewNop())
	s.Capture(&Stanza{
		ID:         "join-1",
		To:         jid.MustParse("bridge@conference.example.com/jvb1"),
		Extensions: []Extension{{XMLName: InitialMarker}},
	})
	return s
}

func TestSetExtensionsReplacesSameName(t *testing.T) {
	s := joinedState(t)
	rec := &sendRecorder{}

	s.SetExtensions(rec, []Extension{{XMLName: statsName, Inner: "<cpu>1</cpu>"}})
	s.SetExtensions(rec, []Extension{{XMLName: statsName, Inner: "<cpu>2</cpu>"}})

	require.Len(t, rec.sent, 2)
	last := rec.sent[1]
	var matches []Extension
	for _, ext := range last.Extensions {
		if ext.XMLName == statsName {
			matches = append(matches, ext)
		}
	}
	require.Len(t, matches, 1)
	require.Equal(t, "<cpu>2</cpu>", matches[0].Inner)
}

func TestUpdatesBeforeJoinAreDropped(t *testing.T) {
	room := jid.MustParse("bridge@conference.example.com")
	s := NewState(room, zap.NewNop())
	rec := &sendRecorder{}

	s.SetExtensions(rec, []Extension{{XMLName: statsName}})
	s.RemoveExtension(rec, statsName)

	require.Empty(t, rec.sent)
	require.Nil(t, s.Last())
}

func TestInitialJoinMarkerIsStripped(t *testing.T) {
	s := joinedState(t)
	rec := &sendRecorder{}

	s.SetExtensions(rec, []Extension{{XMLName: statsName}})

	require.Len(t, rec.sent, 1)
	_, found := rec.sent[0].Extension(InitialMarker)
	require.False(t, found)
	_, found = s.Last().Extension(InitialMarker)
	require.False(t, found)
}

func TestEachResendGetsFreshID(t *testing.T) {
	s := joinedState(t)
	rec := &sendRecorder{}

	s.SetExtensions(rec, []Extension{{XMLName: statsName}})
	s.SetExtensions(rec, []Extension{{XMLName: statsName}})

	require.Len(t, rec.sent, 2)
	require.NotEqual(t, "join-1", rec.sent[0].ID)
	require.NotEqual(t, rec.sent[0].ID, rec.sent[1].ID)
}

func TestRemoveExtension(t *testing.T) {
	s := joinedState(t)
	rec := &sendRecorder{}
	s.SetExtensions(rec, []Extension{{XMLName: statsName}})

	// Removing something that is not there must not trigger a resend.
	s.RemoveExtension(rec, xml.Name{Space: "urn:example:other", Local: "o"})
	require.Len(t, rec.sent, 1)

	s.RemoveExtension(rec, statsName)
	require.Len(t, rec.sent, 2)
	_, found := rec.sent[1].Extension(statsName)
	require.False(t, found)
}

func TestSendFailureIsSwallowed(t *testing.T) {
	s := joinedState(t)
	rec := &sendRecorder{err: errors.New("broken pipe")}

	s.SetExtensions(rec, []Extension{{XMLName: statsName, Inner: "<cpu>1</cpu>"}})

	// The stored stanza was still updated so the next send carries the value.
	ext, found := s.Last().Extension(statsName)
	require.True(t, found)
	require.Equal(t, "<cpu>1</cpu>", ext.Inner)
}

func TestResetClearsStoredStanza(t *testing.T) {
	s := joinedState(t)
	require.NotNil(t, s.Last())
	s.Reset()
	require.Nil(t, s.Last())

	rec := &sendRecorder{}
	s.SetExtensions(rec, []Extension{{XMLName: statsName}})
	require.Empty(t, rec.sent)
}
