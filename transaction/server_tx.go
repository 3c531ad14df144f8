package transaction

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/sipward/sipward/errs"
	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
)

// ServerTx is a UAS transaction state machine. It is created on receipt of a
// request matching no existing transaction and owns the final response for
// retransmission while in Completed.
type ServerTx struct {
	baseTx
	timer_g      *time.Timer
	timer_g_time time.Duration
	timer_h      *time.Timer
	timer_i      *time.Timer
	timer_j      *time.Timer
	timer_l      *time.Timer
	timer_1xx    *time.Timer

	closeOnce sync.Once
}

func NewServerTx(key string, origin msg.RequestMessage, handlers Handlers, logger zerolog.Logger) *ServerTx {
	tx := &ServerTx{}
	tx.key = key
	tx.origin = origin
	tx.handlers = handlers
	tx.done = make(chan struct{})
	tx.log = logger
	return tx
}

func (tx *ServerTx) Init() error {
	tx.initFSM(tx.stateInit())

	tx.mu.Lock()
	tx.timer_g_time = Timer_G

	// RFC 3261 17.2.1: answer an INVITE with 100 Trying if the TU stays
	// silent for too long.
	if tx.origin.Request.IsInvite() {
		tx.timer_1xx = time.AfterFunc(Timer_1xx, func() {
			trying := sip.NewResponseFromRequest(tx.origin.Request, sip.StatusTrying, "Trying", nil)
			if err := tx.Respond(msg.ResponseMessage{Response: trying, Peer: tx.origin.Peer, Transport: tx.origin.Transport}); err != nil {
				tx.log.Error().Err(err).Msg("send '100 Trying' response failed")
			}
		})
	}
	tx.mu.Unlock()

	if tx.origin.Request.IsInvite() {
		tx.persist(store.TransactionProceeding)
	} else {
		tx.persist(store.TransactionTrying)
	}
	tx.log.Debug().Str("tx", tx.key).Msg("server transaction initialized")
	return nil
}

func (tx *ServerTx) stateInit() fsmContextState {
	if tx.origin.Request.IsInvite() {
		return tx.inviteStateProceeding
	}
	return tx.stateTrying
}

// Receive handles a request matched to this transaction: a retransmission of
// the origin or an ACK finishing a non-2xx INVITE.
func (tx *ServerTx) Receive(rm msg.RequestMessage) error {
	tx.mu.Lock()
	if tx.timer_1xx != nil && !rm.Request.IsAck() {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	tx.mu.Unlock()

	var input fsmInput
	switch {
	case rm.Request.Method == tx.origin.Request.Method:
		input = server_input_request
	case rm.Request.IsAck():
		input = server_input_ack
	case rm.Request.IsCancel():
		// RFC 3261 9.2: the cancelled INVITE answers 487.
		res := sip.NewResponseFromRequest(tx.origin.Request, sip.StatusRequestTerminated, "Request Terminated", nil)
		tx.spinFsmWithResponse(server_input_user_300_plus, res)
		return nil
	default:
		return errs.Newf(errs.KindProtocol, "unexpected %s within %s transaction", rm.Request.Method, tx.origin.Request.Method)
	}

	tx.spinFsmWithRequest(input, rm.Request)
	return nil
}

// Respond drives the machine with a TU-built response and owns it for
// retransmission afterwards.
func (tx *ServerTx) Respond(rm msg.ResponseMessage) error {
	tx.mu.Lock()
	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	tx.mu.Unlock()

	var input fsmInput
	res := rm.Response
	switch {
	case res.IsProvisional():
		input = server_input_user_1xx
	case res.IsSuccess():
		input = server_input_user_2xx
	default:
		input = server_input_user_300_plus
	}
	tx.spinFsmWithResponse(input, res)
	return tx.Err()
}

func (tx *ServerTx) Terminate() {
	tx.delete(ErrTerminated)
}

// passResp writes the stored response to the wire.
func (tx *ServerTx) passResp() error {
	res := tx.fsmResp
	if res == nil {
		// Requests may retransmit before the TU placed any response.
		return nil
	}
	rm := msg.ResponseMessage{Response: res, Peer: tx.origin.Peer, Transport: tx.origin.Transport}
	if err := tx.handlers.Send(rm.TransportMessage()); err != nil {
		tx.log.Debug().Err(err).Str("tx", tx.key).Str("res", res.StartLine()).Msg("fail to pass response")
		tx.fsmErr = wrapTransportError(err)
		return err
	}
	return nil
}

// passAck hands the ACK to the TU as a standalone request.
func (tx *ServerTx) passAck() {
	ack := tx.fsmAck
	if ack == nil || tx.handlers.Request == nil {
		return
	}
	rm := msg.RequestMessage{Request: ack, Peer: tx.origin.Peer, Transport: tx.origin.Transport}
	go func() {
		if err := tx.handlers.Request(rm); err != nil {
			tx.log.Warn().Err(err).Str("tx", tx.key).Msg("TU rejected ACK")
		}
	}()
}

func (tx *ServerTx) delete(err error) {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		tx.closed = true
		close(tx.done)
		onterm := tx.onTerminate
		tx.mu.Unlock()
		tx.persist(store.TransactionTerminated)
		if onterm != nil {
			onterm(tx.key, err)
		}
	})

	tx.mu.Lock()
	for _, t := range []**time.Timer{&tx.timer_g, &tx.timer_h, &tx.timer_i, &tx.timer_j, &tx.timer_l, &tx.timer_1xx} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	tx.mu.Unlock()
	tx.log.Debug().Str("tx", tx.key).Msg("server transaction destroyed")
}

