package dialog

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sipward/sipward/errs"
	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
)

var testPeer = &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 5060}

func parseRequest(t *testing.T, raw string) msg.RequestMessage {
	t.Helper()
	tm, err := msg.FromDatagram([]byte(raw), testPeer)
	require.NoError(t, err)
	rm, ok := tm.Request()
	require.True(t, ok)
	return rm
}

func inviteNoToTag(t *testing.T) msg.RequestMessage {
	t.Helper()
	return parseRequest(t, ""+
		"INVITE sip:bob@127.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-dlg1\r\n"+
		"From: <sip:alice@127.0.0.2>;tag=remote-1\r\n"+
		"To: <sip:bob@127.0.0.1>\r\n"+
		"Call-ID: dlg-call-1@127.0.0.2\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n")
}

func inDialogRequest(t *testing.T, method, localTag string, cseq string) msg.RequestMessage {
	t.Helper()
	return parseRequest(t, ""+
		method+" sip:bob@127.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-dlg-"+cseq+"\r\n"+
		"From: <sip:alice@127.0.0.2>;tag=remote-1\r\n"+
		"To: <sip:bob@127.0.0.1>;tag="+localTag+"\r\n"+
		"Call-ID: dlg-call-1@127.0.0.2\r\n"+
		"CSeq: "+cseq+" "+method+"\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n")
}

func TestLocalTagMintedOnceAndStable(t *testing.T) {
	l := NewLayer(store.NewMemory())

	d, err := l.LocateOrCreate(inviteNoToTag(t), store.FlowUAS)
	require.NoError(t, err)
	require.NotEmpty(t, d.LocalTag(), "the layer mints the local tag")
	tag := d.LocalTag()

	require.NoError(t, l.Confirm(d, "remote-1"))
	require.Equal(t, StateConfirmed, d.State())
	require.Equal(t, tag, d.LocalTag(), "local tag is stable across the dialog lifetime")
}

func TestConfirmRequiresRemoteTag(t *testing.T) {
	l := NewLayer(store.NewMemory())
	d, err := l.LocateOrCreate(inviteNoToTag(t), store.FlowUAS)
	require.NoError(t, err)

	err = l.Confirm(d, "")
	require.Error(t, err, "a confirmed dialog must carry a non-empty remote tag")
	require.Equal(t, StateEarly, d.State())
}

func TestCSeqOrderingWithinConfirmedDialog(t *testing.T) {
	st := store.NewMemory()
	l := NewLayer(st)

	d, err := l.LocateOrCreate(inviteNoToTag(t), store.FlowUAS)
	require.NoError(t, err)
	require.NoError(t, l.Confirm(d, "remote-1"))
	local := d.LocalTag()

	require.NoError(t, l.AdmitRequest(inDialogRequest(t, "INFO", local, "5")))

	// Same CSeq again: rejected.
	err = l.AdmitRequest(inDialogRequest(t, "INFO", local, "5"))
	require.True(t, errs.IsKind(err, errs.KindProtocol), "stale CSeq must be a protocol error, got %v", err)

	// Lower CSeq: rejected.
	err = l.AdmitRequest(inDialogRequest(t, "INFO", local, "4"))
	require.True(t, errs.IsKind(err, errs.KindProtocol))

	// Greater CSeq: admitted.
	require.NoError(t, l.AdmitRequest(inDialogRequest(t, "INFO", local, "6")))

	// Ordering is per method.
	require.NoError(t, l.AdmitRequest(inDialogRequest(t, "BYE", local, "6")))
}

func TestAdmitRequestOutsideDialogPasses(t *testing.T) {
	l := NewLayer(store.NewMemory())
	require.NoError(t, l.AdmitRequest(inviteNoToTag(t)))
	// Unknown dialog key also passes; matching is the transaction layer's job.
	require.NoError(t, l.AdmitRequest(inDialogRequest(t, "INFO", "nosuchtag", "9")))
}

func TestTerminateRemovesDialog(t *testing.T) {
	st := store.NewMemory()
	l := NewLayer(st)

	d, err := l.LocateOrCreate(inviteNoToTag(t), store.FlowUAS)
	require.NoError(t, err)
	require.Equal(t, 1, l.Count())

	l.Terminate(d.Key())
	require.Equal(t, 0, l.Count())
	require.Equal(t, StateTerminated, d.State())

	// Unknown keys are a no-op.
	l.Terminate("missing")
}

func TestDialogRowPersisted(t *testing.T) {
	st := store.NewMemory()
	l := NewLayer(st)

	d, err := l.LocateOrCreate(inviteNoToTag(t), store.FlowUAS)
	require.NoError(t, err)

	rows, err := st.Dialogs().ByCallID(context.Background(), "dlg-call-1@127.0.0.2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, store.FlowUAS, rows[0].Flow)
	_ = d
}
