package transaction

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestServerNonInviteAbsorbsRetransmissions(t *testing.T) {
	restoreTimers(t)
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)

	rec := &sendRecorder{}
	col := &responseCollector{}
	rm := testOptionsMsg(t, "z9hG4bK-uas1")

	tx := NewServerTx("key-uas1", rm, testHandlers(rec, col), zerolog.Nop())
	require.NoError(t, tx.Init())
	requireFsmState(t, tx.currentFsmState(), tx.stateTrying)

	require.NoError(t, tx.Respond(respondTo(rm, sip.StatusBusyHere, "Busy Here")))
	requireFsmState(t, tx.currentFsmState(), tx.stateCompleted)
	require.Equal(t, 1, rec.Count())

	// A retransmitted request is answered from the stored final response,
	// without the TU being involved again.
	require.NoError(t, tx.Receive(rm))
	require.Equal(t, 2, rec.Count())
	require.Equal(t, 0, col.RequestCount())

	responses := rec.Responses()
	require.Len(t, responses, 2)
	require.Equal(t, responses[0].StatusCode, responses[1].StatusCode)

	select {
	case <-tx.Done():
	case <-time.After(10 * Timer_J):
		t.Fatal("transaction did not terminate on Timer J")
	}
	requireFsmState(t, tx.currentFsmState(), tx.stateTerminated)
}

func TestServerInviteCompletedConfirmedPath(t *testing.T) {
	restoreTimers(t)
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)

	rec := &sendRecorder{}
	col := &responseCollector{}
	rm := testInviteMsg(t, "z9hG4bK-uas2")

	tx := NewServerTx("key-uas2", rm, testHandlers(rec, col), zerolog.Nop())
	require.NoError(t, tx.Init())
	requireFsmState(t, tx.currentFsmState(), tx.inviteStateProceeding)

	require.NoError(t, tx.Respond(respondTo(rm, sip.StatusBusyHere, "Busy Here")))
	requireFsmState(t, tx.currentFsmState(), tx.inviteStateCompleted)

	ack := parseRequest(t, ""+
		"ACK sip:bob@127.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-uas2\r\n"+
		"From: <sip:alice@127.0.0.2>;tag=uac-z9hG4bK-uas2\r\n"+
		"To: <sip:bob@127.0.0.1>;tag=uastag\r\n"+
		"Call-ID: call-z9hG4bK-uas2@127.0.0.2\r\n"+
		"CSeq: 1 ACK\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n")
	require.NoError(t, tx.Receive(ack))
	requireFsmState(t, tx.currentFsmState(), tx.inviteStateConfirmed)

	select {
	case <-tx.Done():
	case <-time.After(10 * Timer_I):
		t.Fatal("transaction did not terminate on Timer I")
	}
	requireFsmState(t, tx.currentFsmState(), tx.inviteStateTerminated)
}

func TestServerInviteAcceptedPassesAckUp(t *testing.T) {
	restoreTimers(t)
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)

	rec := &sendRecorder{}
	col := &responseCollector{}
	rm := testInviteMsg(t, "z9hG4bK-uas3")

	tx := NewServerTx("key-uas3", rm, testHandlers(rec, col), zerolog.Nop())
	require.NoError(t, tx.Init())

	require.NoError(t, tx.Respond(respondTo(rm, sip.StatusOK, "OK")))
	requireFsmState(t, tx.currentFsmState(), tx.inviteStateAccepted)

	ack := parseRequest(t, ""+
		"ACK sip:bob@127.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-uas3\r\n"+
		"From: <sip:alice@127.0.0.2>;tag=uac-z9hG4bK-uas3\r\n"+
		"To: <sip:bob@127.0.0.1>;tag=uastag\r\n"+
		"Call-ID: call-z9hG4bK-uas3@127.0.0.2\r\n"+
		"CSeq: 1 ACK\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n")
	require.NoError(t, tx.Receive(ack))
	requireFsmState(t, tx.currentFsmState(), tx.inviteStateAccepted)

	require.Eventually(t, func() bool {
		return col.RequestCount() == 1
	}, time.Second, time.Millisecond, "ACK must be delivered to the TU")

	select {
	case <-tx.Done():
	case <-time.After(10 * Timer_L):
		t.Fatal("transaction did not terminate on Timer L")
	}
}

func TestServerInviteAuto100Trying(t *testing.T) {
	restoreTimers(t)
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	old := Timer_1xx
	Timer_1xx = 5 * time.Millisecond
	t.Cleanup(func() { Timer_1xx = old })

	rec := &sendRecorder{}
	col := &responseCollector{}
	rm := testInviteMsg(t, "z9hG4bK-uas4")

	tx := NewServerTx("key-uas4", rm, testHandlers(rec, col), zerolog.Nop())
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	require.Eventually(t, func() bool {
		for _, res := range rec.Responses() {
			if res.StatusCode == sip.StatusTrying {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "silent TU must trigger an automatic 100 Trying")
}
