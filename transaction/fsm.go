package transaction

type fsmInput int
type fsmState func() fsmInput
type fsmContextState func(s fsmInput) fsmInput

// FSM inputs
const (
	FsmInputNone fsmInput = iota
	// Server transaction inputs
	server_input_request
	server_input_ack
	server_input_user_1xx
	server_input_user_2xx
	server_input_user_300_plus
	server_input_timer_g
	server_input_timer_h
	server_input_timer_i
	server_input_timer_j
	server_input_timer_l
	server_input_transport_err
	server_input_delete
	// Client transaction inputs
	client_input_1xx
	client_input_2xx
	client_input_300_plus
	client_input_timer_a
	client_input_timer_b
	client_input_timer_d
	client_input_timer_k
	client_input_timer_m
	client_input_transport_err
	client_input_delete
)

func isClientResponseInput(in fsmInput) bool {
	switch in {
	case client_input_1xx, client_input_2xx, client_input_300_plus:
		return true
	}
	return false
}
