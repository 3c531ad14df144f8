// Package tu is the transaction user: the application logic answering
// requests the transaction layer hands up. It composes registration with
// digest authentication, the OPTIONS capability answer and the 404/405
// fallbacks.
package tu

import (
	"context"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipward/sipward/config"
	"github.com/sipward/sipward/dialog"
	"github.com/sipward/sipward/errs"
	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
	"github.com/sipward/sipward/transaction"
)

// TU answers requests and observes responses. All handlers are idempotent
// for byte-identical retransmissions within a transaction lifetime:
// registration is an upsert, OPTIONS is pure.
type TU struct {
	layer   *transaction.Layer
	dialogs *dialog.Layer
	store   store.Store

	realm          string
	host           string
	defaultExpires time.Duration

	log zerolog.Logger
}

func New(cfg *config.Config, layer *transaction.Layer, dialogs *dialog.Layer, st store.Store) *TU {
	t := &TU{
		layer:          layer,
		dialogs:        dialogs,
		store:          st,
		realm:          cfg.Realm,
		host:           cfg.Host(),
		defaultExpires: cfg.RegistrationExpires,
		log:            log.Logger.With().Str("caller", "TU").Logger(),
	}
	layer.OnRequest(t.ProcessRequest)
	layer.OnResponse(t.ProcessResponse)
	return t
}

// ProcessRequest dispatches one inbound request and emits its response
// through the owning server transaction.
func (t *TU) ProcessRequest(rm msg.RequestMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := rm.Request
	t.archiveRequest(ctx, req)

	if req.IsAck() {
		// The ACK of a 2xx; nothing to answer.
		return nil
	}

	// Per-dialog CSeq ordering gate: stale in-dialog requests earn a 500 and
	// never reach the handlers.
	if err := t.dialogs.AdmitRequest(rm); err != nil {
		t.log.Warn().Err(err).Str("req", req.StartLine()).Msg("request rejected by CSeq ordering")
		return t.respond(rm, newServerError(req, "Server Internal Error"))
	}

	if !t.uriIsLocal(req) {
		return t.respond(rm, newNotFound(req))
	}

	res, err := t.handle(ctx, rm)
	if err != nil {
		t.log.Error().Err(err).Str("req", req.StartLine()).Msg("request handler failed")
		res = newServerError(req, "")
	}
	if res == nil {
		return nil
	}
	return t.respond(rm, res)
}

func (t *TU) handle(ctx context.Context, rm msg.RequestMessage) (*sip.Response, error) {
	req := rm.Request
	switch req.Method {
	case sip.REGISTER:
		return t.handleRegister(ctx, rm)
	case sip.OPTIONS:
		return t.handleOptions(rm)
	case sip.BYE:
		return t.handleBye(rm)
	default:
		return newMethodNotAllowed(req), nil
	}
}

// handleBye ends the dialog the BYE belongs to.
func (t *TU) handleBye(rm msg.RequestMessage) (*sip.Response, error) {
	req := rm.Request
	key, err := msg.DialogKeyFromRequestUAS(req)
	if err != nil {
		return newResponse(req, sip.StatusBadRequest, "Bad Request"), nil
	}
	t.dialogs.Terminate(key)
	return newResponse(req, sip.StatusOK, "OK"), nil
}

// SendRequest emits a client request through a new transaction. An INVITE
// opens the early dialog this UA owns, and the transaction is recorded
// against it.
func (t *TU) SendRequest(ctx context.Context, rm msg.RequestMessage) (*transaction.ClientTx, error) {
	var d *dialog.Dialog
	if rm.Request.IsInvite() {
		var err error
		d, err = t.dialogs.OpenUAC(rm)
		if err != nil {
			return nil, err
		}
	}

	tx, err := t.layer.Request(ctx, rm)
	if err != nil {
		return nil, err
	}
	if d != nil {
		t.dialogs.RecordTransaction(d, msg.Branch(rm.Request), tx.RecordID())
	}
	return tx, nil
}

// ProcessResponse observes every response matched to a client transaction,
// retransmissions included.
func (t *TU) ProcessResponse(rm msg.ResponseMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.archiveResponse(ctx, rm.Response)
	t.dialogs.HandleResponse(rm)
	return nil
}

// respond pushes the response through the server transaction that owns the
// request.
func (t *TU) respond(rm msg.RequestMessage, res *sip.Response) error {
	out := msg.ResponseMessage{Response: res, Peer: rm.Peer, Transport: rm.Transport}
	if _, err := t.layer.Respond(out); err != nil {
		if errs.IsKind(err, errs.KindProtocol) {
			// Transaction already gone; answer statelessly.
			t.log.Debug().Err(err).Msg("no server transaction, sending statelessly")
			return t.layer.Send(out.TransportMessage())
		}
		return err
	}
	return nil
}

// uriIsLocal gates the request URI host against the configured bind host.
func (t *TU) uriIsLocal(req *sip.Request) bool {
	host := req.Recipient.Host
	if host == "" {
		return false
	}
	if host == t.host || host == "localhost" && t.host == "127.0.0.1" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() && t.host == "127.0.0.1" {
		return true
	}
	return false
}

func (t *TU) archiveRequest(ctx context.Context, req *sip.Request) {
	if _, err := t.store.Requests().Create(ctx, store.RequestRecord{
		Method: string(req.Method),
		Raw:    req.String(),
	}); err != nil {
		t.log.Warn().Err(err).Msg("request archive failed")
	}
}

func (t *TU) archiveResponse(ctx context.Context, res *sip.Response) {
	if _, err := t.store.Responses().Create(ctx, store.ResponseRecord{
		Code: int(res.StatusCode),
		Raw:  res.String(),
	}); err != nil {
		t.log.Warn().Err(err).Msg("response archive failed")
	}
}
