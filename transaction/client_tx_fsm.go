package transaction

import (
	"fmt"
	"time"

	"github.com/sipward/sipward/store"
)

// Client INVITE machine, RFC 3261 17.1.1 with the RFC 6026 Accepted overlay.

func (tx *ClientTx) inviteStateCalling(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actInviteProceeding
	case client_input_2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAccept
	case client_input_300_plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actInviteFinal
	case client_input_timer_a:
		tx.fsmState, spinfn = tx.inviteStateCalling, tx.actResend
	case client_input_timer_b:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		// Further 1xx update the stored response without a state change.
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actPassup
	case client_input_2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAccept
	case client_input_300_plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actInviteFinal
	case client_input_timer_b:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_300_plus:
		// Retransmitted final response: forward to the TU, answer each with
		// one more ACK.
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actAckResend
	case client_input_timer_d:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateErrored, tx.actTransErr
	default:
		if isClientResponseInput(s) {
			tx.fsmState, spinfn = tx.inviteStateErrored, tx.actUnexpectedResponse
			return spinfn()
		}
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateAccepted(s fsmInput) fsmInput {
	// RFC 6026 7.2: 2xx retransmissions are absorbed here and each is passed
	// to the TU again.
	var spinfn fsmState
	switch s {
	case client_input_2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassup
	case client_input_timer_m:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateErrored, tx.actTransErr
	default:
		if isClientResponseInput(s) {
			tx.fsmState, spinfn = tx.inviteStateErrored, tx.actUnexpectedResponse
			return spinfn()
		}
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_delete:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		if isClientResponseInput(s) {
			// A response with no transition defined lands the instance in
			// Errored with a diagnostic instead of crashing the layer.
			tx.fsmState, spinfn = tx.inviteStateErrored, tx.actUnexpectedResponse
			return spinfn()
		}
		return FsmInputNone
	}
	return spinfn()
}

// Errored is absorbing.
func (tx *ClientTx) inviteStateErrored(s fsmInput) fsmInput {
	if s == client_input_delete {
		return tx.actDelete()
	}
	return FsmInputNone
}

// Client non-INVITE machine, RFC 3261 17.1.2.

func (tx *ClientTx) stateCalling(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actInviteProceeding
	case client_input_2xx, client_input_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case client_input_timer_a:
		tx.fsmState, spinfn = tx.stateCalling, tx.actResend
	case client_input_timer_b:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.stateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actPassup
	case client_input_2xx, client_input_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case client_input_timer_a:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actResend
	case client_input_timer_b:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.stateErrored, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_timer_k, client_input_delete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		// Late retransmitted responses are forwarded to the TU and absorbed
		// without a state change.
		if isClientResponseInput(s) {
			tx.passUp()
		}
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_delete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateErrored(s fsmInput) fsmInput {
	if s == client_input_delete {
		return tx.actDelete()
	}
	return FsmInputNone
}

// Actions

func (tx *ClientTx) actResend() fsmInput {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	if tx.timer_a_time > T2 {
		tx.timer_a_time = T2
	}
	if tx.timer_a != nil {
		tx.timer_a.Reset(tx.timer_a_time)
	}
	tx.mu.Unlock()

	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actInviteProceeding() fsmInput {
	tx.passUp()
	tx.stopTimerA()
	tx.persist(store.TransactionProceeding)
	return FsmInputNone
}

func (tx *ClientTx) actInviteFinal() fsmInput {
	tx.passUp()
	tx.ack()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
		tx.spinFsm(client_input_timer_d)
	})
	tx.mu.Unlock()

	tx.persist(store.TransactionCompleted)
	return FsmInputNone
}

func (tx *ClientTx) actFinal() fsmInput {
	tx.passUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_d = time.AfterFunc(Timer_K, func() {
		tx.spinFsm(client_input_timer_k)
	})
	tx.mu.Unlock()

	tx.persist(store.TransactionCompleted)
	return FsmInputNone
}

func (tx *ClientTx) actAckResend() fsmInput {
	tx.passUp()
	tx.ack()
	return FsmInputNone
}

func (tx *ClientTx) actPassup() fsmInput {
	tx.passUp()
	tx.stopTimerA()
	return FsmInputNone
}

func (tx *ClientTx) actPassupAccept() fsmInput {
	tx.passUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_m = time.AfterFunc(Timer_M, func() {
		tx.spinFsm(client_input_timer_m)
	})
	tx.mu.Unlock()

	tx.persist(store.TransactionCompleted)
	return FsmInputNone
}

func (tx *ClientTx) actTransErr() fsmInput {
	tx.stopTimerA()
	return client_input_delete
}

func (tx *ClientTx) actTimeout() fsmInput {
	tx.stopTimerA()
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTimeout
	}
	return client_input_delete
}

func (tx *ClientTx) actUnexpectedResponse() fsmInput {
	tx.passUp()
	status := 0
	if tx.fsmResp != nil {
		status = int(tx.fsmResp.StatusCode)
	}
	tx.fsmErr = fmt.Errorf("unexpected response %d in terminal state. %w", status, ErrProtocol)
	tx.log.Warn().Str("tx", tx.key).Int("status", status).Msg("response without defined transition, transaction errored")
	return client_input_delete
}

func (tx *ClientTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}
