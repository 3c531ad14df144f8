package transaction

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
)

// ClientTx is a UAC transaction state machine. It is created when the TU
// emits an outbound request and owns that request's retransmissions.
type ClientTx struct {
	baseTx
	timer_a_time time.Duration // current retransmit interval
	timer_a      *time.Timer
	timer_b      *time.Timer
	timer_d_time time.Duration
	timer_d      *time.Timer
	timer_m      *time.Timer
}

func NewClientTx(key string, origin msg.RequestMessage, handlers Handlers, logger zerolog.Logger) *ClientTx {
	tx := &ClientTx{}
	tx.key = key
	tx.origin = origin
	tx.handlers = handlers
	tx.done = make(chan struct{})
	tx.log = logger
	return tx
}

// Init sends the request and arms the retransmission and timeout timers.
func (tx *ClientTx) Init() error {
	tx.initFSM(tx.stateInit())

	if err := tx.handlers.Send(tx.origin.TransportMessage()); err != nil {
		return wrapTransportError(fmt.Errorf("fail to write request on init req=%q: %w", tx.origin.Request.StartLine(), err))
	}

	tx.mu.Lock()
	// Retransmissions double from T1 up to T2 on the unreliable transport.
	tx.timer_a_time = Timer_A
	tx.timer_a = time.AfterFunc(tx.timer_a_time, func() {
		tx.spinFsm(client_input_timer_a)
	})
	tx.timer_d_time = Timer_D

	timeout := Timer_B
	if !tx.origin.Request.IsInvite() {
		timeout = Timer_F
	}
	tx.timer_b = time.AfterFunc(timeout, func() {
		tx.spinFsmWithError(client_input_timer_b, fmt.Errorf("no final response in %s. %w", timeout, ErrTimeout))
	})
	tx.mu.Unlock()

	tx.persist(store.TransactionTrying)
	tx.log.Debug().Str("tx", tx.key).Msg("client transaction initialized")
	return nil
}

func (tx *ClientTx) stateInit() fsmContextState {
	if tx.origin.Request.IsInvite() {
		return tx.inviteStateCalling
	}
	return tx.stateCalling
}

// Receive processes a matched inbound response. The response is always
// forwarded to the TU, retransmissions included, before the transition
// completes.
func (tx *ClientTx) Receive(rm msg.ResponseMessage) {
	var input fsmInput
	switch {
	case rm.Response.IsProvisional():
		input = client_input_1xx
	case rm.Response.IsSuccess():
		input = client_input_2xx
	default:
		input = client_input_300_plus
	}

	tx.spinFsmWithResponse(input, rm.Response)
}

func (tx *ClientTx) Terminate() {
	if tx.delete(ErrTerminated) {
		tx.fsmMu.Lock()
		if tx.fsmErr == nil {
			tx.fsmErr = ErrTerminated
		}
		tx.fsmMu.Unlock()
	}
}

// passUp forwards the stored response to the TU. Runs inside the fsm spin so
// the forward happens before the next input can interleave.
func (tx *ClientTx) passUp() {
	res := tx.fsmResp
	if res == nil {
		return
	}
	if tx.handlers.Response == nil {
		return
	}
	rm := msg.ResponseMessage{Response: res.Clone(), Peer: tx.origin.Peer, Transport: tx.origin.Transport}
	if err := tx.handlers.Response(rm); err != nil {
		tx.log.Warn().Err(err).Str("tx", tx.key).Msg("TU rejected response")
	}
}

// ack answers a non-2xx final response. The ACK goes to the same address,
// port and transport the original request was sent to.
func (tx *ClientTx) ack() {
	res := tx.fsmResp
	if res == nil {
		return
	}

	ack := newAckRequest(tx.origin.Request, res)
	tx.fsmAck = ack

	am := msg.RequestMessage{Request: ack, Peer: tx.origin.Peer, Transport: tx.origin.Transport}
	if err := tx.handlers.Send(am.TransportMessage()); err != nil {
		tx.log.Error().Err(err).Str("tx", tx.key).Msg("send ACK request failed")
		go tx.spinFsmWithError(client_input_transport_err, wrapTransportError(err))
	}
}

func (tx *ClientTx) resend() {
	select {
	case <-tx.done:
		return
	default:
	}

	retransmissions.Inc()
	if err := tx.handlers.Send(tx.origin.TransportMessage()); err != nil {
		tx.log.Debug().Err(err).Str("req", tx.origin.Request.StartLine()).Msg("fail to resend request")
		go tx.spinFsmWithError(client_input_transport_err, wrapTransportError(err))
	}
}

func (tx *ClientTx) stopTimerA() {
	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	tx.mu.Unlock()
}

func (tx *ClientTx) delete(err error) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.closed = true

	close(tx.done)
	onterm := tx.onTerminate

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	if tx.timer_d != nil {
		tx.timer_d.Stop()
		tx.timer_d = nil
	}
	if tx.timer_m != nil {
		tx.timer_m.Stop()
		tx.timer_m = nil
	}
	tx.mu.Unlock()

	tx.persist(store.TransactionTerminated)
	if onterm != nil {
		onterm(tx.key, err)
	}
	tx.log.Debug().Str("tx", tx.key).Msg("client transaction destroyed")
	return true
}

// newAckRequest builds the ACK for a non-2xx final response per RFC 3261
// 17.1.1.3: single Via equal to the top Via of the original request, To taken
// from the response so the peer's tag is carried.
func newAckRequest(invite *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	ack.SipVersion = invite.SipVersion

	sip.CopyHeaders("Via", invite, ack)
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, ack)
	}
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("To", res, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	sip.CopyHeaders("CSeq", invite, ack)
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	ack.AppendHeader(sip.NewHeader("Content-Length", "0"))

	ack.SetTransport(invite.Transport())
	ack.SetDestination(invite.Destination())
	return ack
}
