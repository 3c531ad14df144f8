package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
)

func TestLayerCreatesOneServerTxPerKey(t *testing.T) {
	restoreTimers(t)
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)

	rec := &sendRecorder{}
	col := &responseCollector{}
	st := store.NewMemory()
	l := NewLayer(rec.Send, st)
	l.OnRequest(col.OnRequest)
	l.OnResponse(col.OnResponse)

	rm := testOptionsMsg(t, "z9hG4bK-layer1")
	require.NoError(t, l.handleRequest(rm))
	require.Equal(t, 1, col.RequestCount())
	require.Equal(t, 1, l.serverTransactions.count())

	// The identical retransmission matches the live instance; the TU is not
	// dispatched a second time.
	require.NoError(t, l.handleRequest(testOptionsMsg(t, "z9hG4bK-layer1")))
	require.Equal(t, 1, col.RequestCount())
	require.Equal(t, 1, l.serverTransactions.count())

	// The persistent row exists.
	rows, err := st.Transactions().ByBranch(context.Background(), "z9hG4bK-layer1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, store.TransactionTrying, rows[0].State)

	l.Close()
}

func TestLayerRespondDrivesMatchingServerTx(t *testing.T) {
	restoreTimers(t)
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)

	rec := &sendRecorder{}
	col := &responseCollector{}
	st := store.NewMemory()
	l := NewLayer(rec.Send, st)
	l.OnRequest(col.OnRequest)

	rm := testOptionsMsg(t, "z9hG4bK-layer2")
	require.NoError(t, l.handleRequest(rm))

	_, err := l.Respond(respondTo(rm, sip.StatusBusyHere, "Busy Here"))
	require.NoError(t, err)
	require.Equal(t, 1, len(rec.Responses()))

	// The row leaves trying once the machine persists the transition. With
	// short timers it may already have reached terminated.
	require.Eventually(t, func() bool {
		rows, err := st.Transactions().ByBranch(context.Background(), "z9hG4bK-layer2")
		if err != nil || len(rows) != 1 {
			return false
		}
		return rows[0].State == store.TransactionCompleted || rows[0].State == store.TransactionTerminated
	}, time.Second, 2*time.Millisecond)

	l.Close()
}

func TestLayerRespondUnknownTransaction(t *testing.T) {
	rec := &sendRecorder{}
	l := NewLayer(rec.Send, nil)

	rm := testOptionsMsg(t, "z9hG4bK-layer3")
	_, err := l.Respond(respondTo(rm, sip.StatusBusyHere, "Busy Here"))
	require.Error(t, err)
}

func TestLayerAckForTwoxxGoesStraightToTU(t *testing.T) {
	rec := &sendRecorder{}
	col := &responseCollector{}
	l := NewLayer(rec.Send, nil)
	l.OnRequest(col.OnRequest)

	// The ACK of a 2xx carries a fresh branch, so it matches nothing and is
	// handed to the TU as a standalone request.
	ack := parseRequest(t, ""+
		"ACK sip:bob@127.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-fresh-ack\r\n"+
		"From: <sip:alice@127.0.0.2>;tag=ff\r\n"+
		"To: <sip:bob@127.0.0.1>;tag=tt\r\n"+
		"Call-ID: call-ack@127.0.0.2\r\n"+
		"CSeq: 1 ACK\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n")
	require.NoError(t, l.handleRequest(ack))
	require.Equal(t, 1, col.RequestCount())
	require.Equal(t, 0, l.serverTransactions.count(), "no server transaction for a 2xx ACK")
}

func TestLayerClientRequestLifecycle(t *testing.T) {
	restoreTimers(t)
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)

	rec := &sendRecorder{}
	col := &responseCollector{}
	l := NewLayer(rec.Send, store.NewMemory())
	l.OnResponse(col.OnResponse)

	rm := testInviteMsg(t, "z9hG4bK-layer5")
	tx, err := l.Request(context.Background(), rm)
	require.NoError(t, err)
	require.Equal(t, 1, l.clientTransactions.count())

	// Creating the same transaction twice is an internal error.
	_, err = l.Request(context.Background(), rm)
	require.Error(t, err)

	// A matched response advances the machine and reaches the TU.
	res := sip.NewResponseFromRequest(rm.Request, sip.StatusOK, "OK", nil)
	l.handleResponse(msg.ResponseMessage{Response: res, Peer: rm.Peer, Transport: rm.Transport})
	require.Eventually(t, func() bool { return col.ResponseCount() == 1 }, time.Second, time.Millisecond)
	requireFsmState(t, tx.currentFsmState(), tx.inviteStateAccepted)

	l.Close()
	require.Equal(t, 0, l.clientTransactions.count())
}

func TestLayerDropsUnmatchedResponse(t *testing.T) {
	rec := &sendRecorder{}
	col := &responseCollector{}
	l := NewLayer(rec.Send, nil)
	l.OnResponse(col.OnResponse)

	rm := testInviteMsg(t, "z9hG4bK-layer6")
	res := sip.NewResponseFromRequest(rm.Request, sip.StatusOK, "OK", nil)
	l.handleResponse(msg.ResponseMessage{Response: res, Peer: rm.Peer, Transport: rm.Transport})

	// Dropped with a counted warning, never delivered.
	require.Equal(t, 0, col.ResponseCount())
}

func TestLayerSendRequestRejectsAck(t *testing.T) {
	rec := &sendRecorder{}
	l := NewLayer(rec.Send, nil)

	ack := parseRequest(t, ""+
		"ACK sip:bob@127.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-ack-out\r\n"+
		"From: <sip:alice@127.0.0.2>;tag=ff\r\n"+
		"To: <sip:bob@127.0.0.1>;tag=tt\r\n"+
		"Call-ID: call-ack2@127.0.0.2\r\n"+
		"CSeq: 1 ACK\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n")
	_, err := l.Request(context.Background(), ack)
	require.Error(t, err)
}
