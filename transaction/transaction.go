// Package transaction owns the set of active client and server transaction
// state machines and drives them through their RFC 3261 / RFC 6026 paths.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
)

var (
	// T1: round-trip time estimate, default 500ms
	T1,
	// T2: maximum retransmission interval
	T2,
	// T4: maximum duration a message can remain in the network
	T4,
	Timer_A,
	// Timer_B (64 * T1) is the maximum amount of time a sender waits for an
	// INVITE to be answered
	Timer_B,
	Timer_D,
	Timer_E,
	// Timer_F is the non-INVITE request timeout
	Timer_F,
	Timer_G,
	Timer_H,
	Timer_I,
	Timer_J,
	Timer_K,
	Timer_L,
	Timer_M time.Duration

	Timer_1xx = 200 * time.Millisecond
)

func init() {
	SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// SetTimers derives all RFC timers from the base values. T1 is configurable
// through TIMER_T1_MS.
func SetTimers(t1, t2, t4 time.Duration) {
	T1 = t1
	T2 = t2
	T4 = t4
	Timer_A = T1
	Timer_B = 64 * T1
	Timer_D = 32 * time.Second
	Timer_E = T1
	Timer_F = 64 * T1
	Timer_G = T1
	Timer_H = 64 * T1
	Timer_I = T4
	Timer_J = 64 * T1
	Timer_K = T4
	Timer_L = 64 * T1
	Timer_M = 64 * T1
}

var (
	// Terminal transaction causes, detectable with errors.Is on Err().
	ErrTimeout    = errors.New("transaction timeout")
	ErrTransport  = errors.New("transaction transport error")
	ErrProtocol   = errors.New("transaction protocol violation")
	ErrTerminated = errors.New("transaction terminated")
)

func wrapTransportError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransport)
}

// Handlers carries the capability handles every state machine needs:
// transport send, TU dispatch, and the persistence hook. They are passed at
// creation; machines hold no back-reference to the layer.
type Handlers struct {
	// Send transmits an envelope on the wire.
	Send func(tm msg.TransportMessage) error
	// Request delivers a request to the TU.
	Request func(rm msg.RequestMessage) error
	// Response delivers a response to the TU. Called for every matched
	// response, retransmissions included; the TU is required to be
	// idempotent.
	Response func(rm msg.ResponseMessage) error
	// Persist records a state change on the transaction's persistent row.
	Persist func(recordID int64, state store.TransactionState)
}

type FnTxTerminate func(key string, err error)

// Transaction is the surface both machine kinds share.
type Transaction interface {
	Key() string
	Terminate()
	Done() <-chan struct{}
	Err() error
}

type baseTx struct {
	mu sync.Mutex

	key      string
	origin   msg.RequestMessage
	handlers Handlers
	recordID int64

	done   chan struct{}
	closed bool

	// State machine control. fsmResp, fsmErr and fsmAck are only touched
	// while fsmMu is held.
	fsmMu    sync.Mutex
	fsmState fsmContextState
	fsmResp  *sip.Response
	fsmErr   error
	fsmAck   *sip.Request

	log         zerolog.Logger
	onTerminate FnTxTerminate
}

func (tx *baseTx) Key() string { return tx.key }

func (tx *baseTx) Origin() msg.RequestMessage { return tx.origin }

func (tx *baseTx) Done() <-chan struct{} { return tx.done }

// RecordID is the persistent row backing this machine, zero when the layer
// runs without a store.
func (tx *baseTx) RecordID() int64 { return tx.recordID }

func (tx *baseTx) Err() error {
	tx.fsmMu.Lock()
	err := tx.fsmErr
	tx.fsmMu.Unlock()
	return err
}

// OnTerminate registers f to run when the machine terminates. Calling tx
// methods inside f can deadlock.
func (tx *baseTx) OnTerminate(f FnTxTerminate) bool {
	tx.mu.Lock()
	select {
	case <-tx.done:
		tx.mu.Unlock()
		return false
	default:
	}
	defer tx.mu.Unlock()

	if tx.onTerminate != nil {
		prev := tx.onTerminate
		tx.onTerminate = func(key string, err error) {
			prev(key, err)
			f(key, err)
		}
		return true
	}
	tx.onTerminate = f
	return true
}

func (tx *baseTx) initFSM(state fsmContextState) {
	tx.fsmMu.Lock()
	tx.fsmState = state
	tx.fsmMu.Unlock()
}

func (tx *baseTx) currentFsmState() fsmContextState {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	return tx.fsmState
}

// spinFsmUnsafe feeds inputs until the machine settles. All transitions of
// one instance are serialized by fsmMu, so no two concurrent transitions can
// interleave.
func (tx *baseTx) spinFsmUnsafe(in fsmInput) {
	for i := in; i != FsmInputNone; {
		i = tx.fsmState(i)
	}
}

func (tx *baseTx) spinFsm(in fsmInput) {
	tx.fsmMu.Lock()
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithResponse(in fsmInput, res *sip.Response) {
	tx.fsmMu.Lock()
	tx.fsmResp = res
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithRequest(in fsmInput, req *sip.Request) {
	tx.fsmMu.Lock()
	if req.IsAck() {
		tx.fsmAck = req
	}
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithError(in fsmInput, err error) {
	tx.fsmMu.Lock()
	tx.fsmErr = err
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

// persist pushes the transaction's persistent state in the background. The
// in-memory variants collapse onto the four stored states.
func (tx *baseTx) persist(state store.TransactionState) {
	if tx.handlers.Persist == nil || tx.recordID == 0 {
		return
	}
	tx.handlers.Persist(tx.recordID, state)
}

// transactionStore is the concurrent map of live machines, keyed by the
// RFC 17.1.3 / 17.2.3 key. Exactly one live instance exists per key.
type transactionStore[T Transaction] struct {
	items map[string]T
	mu    sync.RWMutex
}

func newTransactionStore[T Transaction]() *transactionStore[T] {
	return &transactionStore[T]{items: make(map[string]T)}
}

func (s *transactionStore[T]) put(key string, tx T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = tx
}

func (s *transactionStore[T]) get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.items[key]
	return tx, ok
}

func (s *transactionStore[T]) drop(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.items[key]
	delete(s.items, key)
	return exists
}

func (s *transactionStore[T]) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *transactionStore[T]) terminateAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.items {
		s.mu.RUnlock()
		// Terminate removes the entry through OnTerminate; calling it while
		// the read lock is held would deadlock.
		tx.Terminate()
		s.mu.RLock()
	}
}

// persistFunc builds the Handlers.Persist hook over a store. Updates run in
// the background with a bounded deadline so a slow backend cannot stall a
// state machine.
func persistFunc(st store.Store, log zerolog.Logger) func(int64, store.TransactionState) {
	if st == nil {
		return nil
	}
	return func(recordID int64, state store.TransactionState) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rec, err := st.Transactions().Find(ctx, recordID)
			if err != nil {
				log.Warn().Err(err).Int64("record", recordID).Msg("transaction row lookup failed")
				return
			}
			rec.State = state
			if _, err := st.Transactions().Update(ctx, rec); err != nil {
				log.Warn().Err(err).Int64("record", recordID).Msg("transaction row update failed")
			}
		}()
	}
}
