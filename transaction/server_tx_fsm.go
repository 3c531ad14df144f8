package transaction

import (
	"time"

	"github.com/sipward/sipward/store"
)

// Server INVITE machine, RFC 3261 17.2.1 with the RFC 6026 Accepted overlay.

func (tx *ServerTx) inviteStateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		// Retransmitted INVITE: resend the latest provisional if any.
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actRespond
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actRespond
	case server_input_user_2xx:
		// RFC 6026 7.1
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actRespondAccept
	case server_input_user_300_plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespond
	case server_input_ack:
		tx.fsmState, spinfn = tx.inviteStateConfirmed, tx.actConfirm
	case server_input_timer_g:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_timer_h:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeout
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateConfirmed(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_timer_i:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateAccepted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_ack:
		// The ACK of a 2xx belongs to the TU; pass it up, stay Accepted.
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAck
	case server_input_user_2xx:
		// 2xx retransmissions come from the TU and are passed straight to
		// the transport.
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actRespond
	case server_input_timer_l:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_delete:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateErrored(s fsmInput) fsmInput {
	if s == server_input_delete {
		return tx.actDelete()
	}
	return FsmInputNone
}

// Server non-INVITE machine, RFC 3261 17.2.2.

func (tx *ServerTx) stateTrying(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespondProceeding
	case server_input_user_2xx, server_input_user_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case server_input_user_2xx, server_input_user_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		// Absorb request retransmissions with the stored final response.
		tx.fsmState, spinfn = tx.stateCompleted, tx.actRespond
	case server_input_timer_j:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_delete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) stateErrored(s fsmInput) fsmInput {
	if s == server_input_delete {
		return tx.actDelete()
	}
	return FsmInputNone
}

// Actions

func (tx *ServerTx) actRespond() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}
	return FsmInputNone
}

func (tx *ServerTx) actRespondProceeding() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}
	tx.persist(store.TransactionProceeding)
	return FsmInputNone
}

func (tx *ServerTx) actRespondComplete() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	if tx.timer_g == nil {
		tx.timer_g = time.AfterFunc(tx.timer_g_time, func() {
			tx.spinFsm(server_input_timer_g)
		})
	} else {
		tx.timer_g_time *= 2
		if tx.timer_g_time > T2 {
			tx.timer_g_time = T2
		}
		tx.timer_g.Reset(tx.timer_g_time)
	}
	if tx.timer_h == nil {
		tx.timer_h = time.AfterFunc(Timer_H, func() {
			tx.spinFsm(server_input_timer_h)
		})
	}
	tx.mu.Unlock()

	tx.persist(store.TransactionCompleted)
	return FsmInputNone
}

func (tx *ServerTx) actRespondAccept() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	tx.timer_l = time.AfterFunc(Timer_L, func() {
		tx.spinFsm(server_input_timer_l)
	})
	tx.mu.Unlock()

	tx.persist(store.TransactionCompleted)
	return FsmInputNone
}

// actFinal sends the non-INVITE final response and sets Timer J.
func (tx *ServerTx) actFinal() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	tx.timer_j = time.AfterFunc(Timer_J, func() {
		tx.spinFsm(server_input_timer_j)
	})
	tx.mu.Unlock()

	tx.persist(store.TransactionCompleted)
	return FsmInputNone
}

func (tx *ServerTx) actConfirm() fsmInput {
	tx.mu.Lock()
	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}
	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}
	tx.timer_i = time.AfterFunc(Timer_I, func() {
		tx.spinFsm(server_input_timer_i)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ServerTx) actPassupAck() fsmInput {
	tx.passAck()
	return FsmInputNone
}

func (tx *ServerTx) actTransErr() fsmInput {
	tx.log.Debug().Err(tx.fsmErr).Str("tx", tx.key).Msg("transport error, transaction will terminate")
	return server_input_delete
}

func (tx *ServerTx) actTimeout() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTimeout
	}
	tx.log.Debug().Str("tx", tx.key).Msg("timed out waiting for ACK, transaction will terminate")
	return server_input_delete
}

func (tx *ServerTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}
