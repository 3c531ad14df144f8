package transaction

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/sipgo/sip"

	"github.com/sipward/sipward/errs"
	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
)

// RequestHandler is the TU dispatch for new server transactions and for ACKs
// that belong to no transaction.
type RequestHandler func(rm msg.RequestMessage) error

// ResponseHandler is the TU dispatch for responses matched to client
// transactions.
type ResponseHandler func(rm msg.ResponseMessage) error

func defaultRequestHandler(rm msg.RequestMessage) error {
	log.Info().Str("caller", "transaction.Layer").Str("msg", rm.Request.StartLine()).Msg("unhandled sip request, OnRequest handler not added")
	return nil
}

func defaultResponseHandler(rm msg.ResponseMessage) error {
	log.Info().Str("caller", "transaction.Layer").Str("msg", rm.Response.StartLine()).Msg("unhandled sip response, OnResponse handler not added")
	return nil
}

// Layer owns the active transaction machines and matches every inbound
// envelope onto one of them, creating server machines on demand.
type Layer struct {
	send        func(tm msg.TransportMessage) error
	store       store.Store
	reqHandler  RequestHandler
	respHandler ResponseHandler

	clientTransactions *transactionStore[*ClientTx]
	serverTransactions *transactionStore[*ServerTx]

	log zerolog.Logger
}

type LayerOption func(l *Layer)

func WithLayerLogger(logger zerolog.Logger) LayerOption {
	return func(l *Layer) {
		l.log = logger.With().Str("caller", "transaction.Layer").Logger()
	}
}

// NewLayer wires the layer over the transport send capability and the store.
// st may be nil; machines then run without persistence.
func NewLayer(send func(tm msg.TransportMessage) error, st store.Store, options ...LayerOption) *Layer {
	l := &Layer{
		send:               send,
		store:              st,
		reqHandler:         defaultRequestHandler,
		respHandler:        defaultResponseHandler,
		clientTransactions: newTransactionStore[*ClientTx](),
		serverTransactions: newTransactionStore[*ServerTx](),
	}
	l.log = log.Logger.With().Str("caller", "transaction.Layer").Logger()
	for _, o := range options {
		o(l)
	}
	return l
}

// Send bypasses transaction state and writes straight to the transport.
// Used for stateless replies and 2xx ACKs.
func (l *Layer) Send(tm msg.TransportMessage) error { return l.send(tm) }

// OnRequest registers the TU request dispatch.
func (l *Layer) OnRequest(h RequestHandler) { l.reqHandler = h }

// OnResponse registers the TU response dispatch.
func (l *Layer) OnResponse(h ResponseHandler) { l.respHandler = h }

// handlers snapshots the capability record passed to each machine.
func (l *Layer) handlers() Handlers {
	return Handlers{
		Send:     l.send,
		Request:  func(rm msg.RequestMessage) error { return l.reqHandler(rm) },
		Response: func(rm msg.ResponseMessage) error { return l.respHandler(rm) },
		Persist:  persistFunc(l.store, l.log),
	}
}

// HandleMessage is the transport entry point. Every datagram advances its
// transaction on its own goroutine; unrelated transactions progress in
// parallel.
func (l *Layer) HandleMessage(tm msg.TransportMessage) {
	if rm, ok := tm.Request(); ok {
		go func() {
			if err := l.handleRequest(rm); err != nil {
				l.log.Error().Err(err).Str("req", rm.Request.StartLine()).Msg("server tx failed to handle request")
			}
		}()
		return
	}
	if rm, ok := tm.Response(); ok {
		go l.handleResponse(rm)
		return
	}
	l.log.Error().Msg("unsupported message, skip it")
}

func (l *Layer) handleRequest(rm msg.RequestMessage) error {
	req := rm.Request

	if req.IsCancel() {
		// RFC 3261 9.2: a CANCEL is matched against the transaction it
		// cancels, assuming any method but CANCEL or ACK. Only INVITE is
		// cancellable here.
		key, err := msg.ServerTransactionKeyAs(req, sip.INVITE)
		if err != nil {
			return err
		}
		if tx, exists := l.serverTransactions.get(key); exists {
			if err := tx.Receive(rm); err != nil {
				return err
			}
			ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
			return l.send(msg.ResponseMessage{Response: ok, Peer: rm.Peer, Transport: rm.Transport}.TransportMessage())
		}
		// No matching transaction: fall through and treat it as a plain
		// request for the TU to judge.
	}

	key, err := msg.ServerTransactionKey(req)
	if err != nil {
		return err
	}

	l.serverTransactions.mu.Lock()
	if tx, exists := l.serverTransactions.items[key]; exists {
		l.serverTransactions.mu.Unlock()
		// Retransmission of the origin or the ACK of a non-2xx final.
		return tx.Receive(rm)
	}

	if req.IsAck() {
		l.serverTransactions.mu.Unlock()
		// RFC 6026: the ACK of a 2xx never matches the INVITE transaction.
		// It reaches the TU as a standalone request.
		return l.reqHandler(rm)
	}

	tx := NewServerTx(key, rm, l.handlers(), l.log)
	tx.recordID = l.createRecord(req, serverInitialState(req))
	if err := tx.Init(); err != nil {
		l.serverTransactions.mu.Unlock()
		return err
	}
	l.serverTransactions.items[key] = tx
	activeServerTransactions.Inc()
	tx.OnTerminate(l.serverTxTerminate)
	l.serverTransactions.mu.Unlock()

	return l.reqHandler(rm)
}

func (l *Layer) handleResponse(rm msg.ResponseMessage) {
	key, err := msg.ClientTransactionKey(rm.Response)
	if err != nil {
		l.log.Warn().Err(err).Msg("client tx make key failed, dropping response")
		unmatchedResponses.Inc()
		return
	}

	tx, exists := l.clientTransactions.get(key)
	if !exists {
		// No live instance for this id: drop with a counted warning.
		unmatchedResponses.Inc()
		l.log.Warn().Str("tx", key).Str("res", rm.Response.StartLine()).Msg("response matches no live transaction, dropped")
		return
	}

	tx.Receive(rm)
}

// Request creates a new client transaction and sends the request. The only
// errors surfaced to the caller are transport and internal ones; every other
// outcome arrives as a response or as the final transaction state.
func (l *Layer) Request(ctx context.Context, rm msg.RequestMessage) (*ClientTx, error) {
	if rm.Request.IsAck() {
		return nil, errs.Newf(errs.KindInternal, "ACK request must be sent directly through transport")
	}

	key, err := msg.ClientTransactionKey(rm.Request)
	if err != nil {
		return nil, errs.Wrapf(errs.KindInternal, err, "client tx key")
	}

	l.clientTransactions.mu.Lock()
	if _, exists := l.clientTransactions.items[key]; exists {
		l.clientTransactions.mu.Unlock()
		return nil, errs.Newf(errs.KindInternal, "client transaction %q already exists", key)
	}

	tx := NewClientTx(key, rm, l.handlers(), l.log)
	tx.recordID = l.createRecord(rm.Request, store.TransactionTrying)
	l.clientTransactions.items[key] = tx
	activeClientTransactions.Inc()
	tx.OnTerminate(l.clientTxTerminate)
	l.clientTransactions.mu.Unlock()

	if err := tx.Init(); err != nil {
		tx.Terminate()
		return nil, errs.Wrap(errs.KindTransport, err)
	}
	return tx, nil
}

// Respond drives the server transaction owning the response's transaction id.
func (l *Layer) Respond(rm msg.ResponseMessage) (*ServerTx, error) {
	key, err := msg.ServerTransactionKey(rm.Response)
	if err != nil {
		return nil, err
	}

	tx, exists := l.serverTransactions.get(key)
	if !exists {
		return nil, errs.Newf(errs.KindProtocol, "server transaction %q does not exist", key)
	}

	if err := tx.Respond(rm); err != nil {
		return nil, err
	}
	return tx, nil
}

func (l *Layer) clientTxTerminate(key string, err error) {
	if l.clientTransactions.drop(key) {
		activeClientTransactions.Dec()
	} else {
		l.log.Info().Str("tx", key).Msg("non existing client tx was removed")
	}
}

func (l *Layer) serverTxTerminate(key string, err error) {
	if l.serverTransactions.drop(key) {
		activeServerTransactions.Dec()
	} else {
		l.log.Info().Str("tx", key).Msg("non existing server tx was removed")
	}
}

func (l *Layer) createRecord(req *sip.Request, state store.TransactionState) int64 {
	if l.store == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := l.store.Transactions().Create(ctx, store.TransactionRecord{
		State:    state,
		BranchID: msg.Branch(req),
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("transaction row create failed")
		return 0
	}
	return rec.ID
}

func serverInitialState(req *sip.Request) store.TransactionState {
	if req.IsInvite() {
		return store.TransactionProceeding
	}
	return store.TransactionTrying
}

// Close terminates every live machine at once; each leaves the layer through
// its OnTerminate callback. It does not wait for machines to reach their
// natural termination or for pending timers to fire.
func (l *Layer) Close() {
	l.clientTransactions.terminateAll()
	l.serverTransactions.terminateAll()
	l.log.Debug().Msg("transaction layer closed")
}
