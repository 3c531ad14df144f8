// Package dialog maintains dialog state keyed by (Call-ID, local tag, remote
// tag), associates transactions with their dialog and enforces CSeq ordering
// inside a dialog. The layer is the sole author of local tags.
package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipward/sipward/errs"
	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
)

const (
	StateEarly      = "early"
	StateConfirmed  = "confirmed"
	StateTerminated = "terminated"
)

// Dialog is the in-memory handle of one peer-to-peer relationship. The local
// tag is minted exactly once at creation and never changes.
type Dialog struct {
	mu sync.Mutex

	callID    string
	localTag  string
	remoteTag string
	flow      store.DialogFlow
	recordID  int64

	sm *fsm.FSM

	// Highest CSeq seen per method; requests must strictly increase.
	lastCSeq map[sip.RequestMethod]uint32
	// Transaction branches that ran inside this dialog.
	branches []string
}

func newDialog(callID, localTag, remoteTag string, flow store.DialogFlow) *Dialog {
	d := &Dialog{
		callID:    callID,
		localTag:  localTag,
		remoteTag: remoteTag,
		flow:      flow,
		lastCSeq:  make(map[sip.RequestMethod]uint32),
	}
	d.sm = fsm.NewFSM(
		StateEarly,
		fsm.Events{
			{Name: "confirm", Src: []string{StateEarly}, Dst: StateConfirmed},
			{Name: "terminate", Src: []string{StateEarly, StateConfirmed}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
	return d
}

func (d *Dialog) Key() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return msg.DialogKey(d.callID, d.localTag, d.remoteTag)
}

func (d *Dialog) LocalTag() string { return d.localTag }

func (d *Dialog) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sm.Current()
}

// Layer is the dialog table.
type Layer struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog

	store store.Store
	log   zerolog.Logger
}

func NewLayer(st store.Store) *Layer {
	return &Layer{
		dialogs: make(map[string]*Dialog),
		store:   st,
		log:     log.Logger.With().Str("caller", "dialog.Layer").Logger(),
	}
}

// LocateOrCreate resolves the dialog a request belongs to, creating an early
// dialog when the request opens one. The local tag of a new dialog is
// cryptographic random and URL safe.
func (l *Layer) LocateOrCreate(rm msg.RequestMessage, flow store.DialogFlow) (*Dialog, error) {
	req := rm.Request
	callID := req.CallID()
	if callID == nil {
		return nil, errs.Newf(errs.KindProtocol, "missing Call-ID header")
	}

	var localTag, remoteTag string
	from := req.From()
	to := req.To()
	if from != nil {
		remoteTag, _ = from.Params.Get("tag")
	}
	if to != nil {
		localTag, _ = to.Params.Get("tag")
	}
	if flow == store.FlowUAC {
		localTag, remoteTag = remoteTag, localTag
	}

	if localTag != "" {
		key := msg.DialogKey(callID.Value(), localTag, remoteTag)
		l.mu.RLock()
		d, ok := l.dialogs[key]
		l.mu.RUnlock()
		if ok {
			return d, nil
		}
	}

	// New dialog: this layer mints the one and only local tag.
	d := newDialog(callID.Value(), sip.GenerateTagN(16), remoteTag, flow)
	l.mu.Lock()
	l.dialogs[d.Key()] = d
	l.mu.Unlock()

	d.recordID = l.persistCreate(d)
	l.log.Debug().Str("dialog", d.Key()).Str("flow", string(flow)).Msg("dialog created")
	return d, nil
}

// Confirm moves the dialog out of the early phase once the remote tag is
// known. A confirmed dialog always carries a non-empty remote tag.
func (l *Layer) Confirm(d *Dialog, remoteTag string) error {
	if remoteTag == "" {
		return errs.Newf(errs.KindProtocol, "cannot confirm dialog without remote tag")
	}

	d.mu.Lock()
	oldKey := msg.DialogKey(d.callID, d.localTag, d.remoteTag)
	d.remoteTag = remoteTag
	newKey := msg.DialogKey(d.callID, d.localTag, d.remoteTag)
	err := d.sm.Event(context.Background(), "confirm")
	d.mu.Unlock()
	if err != nil {
		return errs.Wrapf(errs.KindProtocol, err, "dialog %s", newKey)
	}

	l.mu.Lock()
	delete(l.dialogs, oldKey)
	l.dialogs[newKey] = d
	l.mu.Unlock()

	l.persistUpdate(d)
	return nil
}

// RecordTransaction associates a transaction with its owning dialog.
func (l *Layer) RecordTransaction(d *Dialog, branch string, txRecordID int64) {
	d.mu.Lock()
	d.branches = append(d.branches, branch)
	recordID := d.recordID
	d.mu.Unlock()

	if l.store == nil || recordID == 0 || txRecordID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := l.store.Transactions().Find(ctx, txRecordID)
	if err != nil {
		l.log.Warn().Err(err).Int64("record", txRecordID).Msg("transaction row lookup failed")
		return
	}
	rec.DialogID = &recordID
	if _, err := l.store.Transactions().Update(ctx, rec); err != nil {
		l.log.Warn().Err(err).Int64("record", txRecordID).Msg("transaction row link failed")
	}
}

// Terminate removes a dialog. Safe to call for unknown keys.
func (l *Layer) Terminate(key string) {
	l.mu.Lock()
	d, ok := l.dialogs[key]
	delete(l.dialogs, key)
	l.mu.Unlock()
	if !ok {
		return
	}

	d.mu.Lock()
	_ = d.sm.Event(context.Background(), "terminate")
	d.mu.Unlock()

	l.persistUpdate(d)
	l.log.Debug().Str("dialog", key).Msg("dialog terminated")
}

// AdmitRequest enforces per-dialog CSeq ordering: within a confirmed dialog
// an in-dialog request whose CSeq is not greater than the last seen for its
// method is rejected and must be answered 500 without reaching the TU.
func (l *Layer) AdmitRequest(rm msg.RequestMessage) error {
	req := rm.Request
	to := req.To()
	if to == nil {
		return nil
	}
	localTag, ok := to.Params.Get("tag")
	if !ok || localTag == "" {
		// Dialog-forming request, nothing to order against.
		return nil
	}
	key, err := msg.DialogKeyFromRequestUAS(req)
	if err != nil {
		return nil
	}

	l.mu.RLock()
	d, exists := l.dialogs[key]
	l.mu.RUnlock()
	if !exists {
		return nil
	}

	cseq := req.CSeq()
	if cseq == nil {
		return errs.Newf(errs.KindProtocol, "missing CSeq header")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sm.Current() == StateConfirmed {
		if last, seen := d.lastCSeq[cseq.MethodName]; seen && cseq.SeqNo <= last {
			return errs.Newf(errs.KindProtocol, "CSeq %d %s not greater than last seen %d", cseq.SeqNo, cseq.MethodName, last)
		}
	}
	d.lastCSeq[cseq.MethodName] = cseq.SeqNo
	return nil
}

// HandleResponse tracks dialog lifecycle on the UAC side: a tagged 1xx to an
// INVITE records the remote tag on the early dialog, any 2xx to an INVITE
// confirms it, a 3xx-6xx final before confirmation or a 2xx to BYE ends it.
func (l *Layer) HandleResponse(rm msg.ResponseMessage) {
	res := rm.Response
	cseq := res.CSeq()
	callID := res.CallID()
	from := res.From()
	to := res.To()
	if cseq == nil || callID == nil || from == nil || to == nil {
		return
	}

	localTag, _ := from.Params.Get("tag")
	remoteTag, _ := to.Params.Get("tag")

	switch cseq.MethodName {
	case sip.INVITE:
		earlyKey := msg.DialogKey(callID.Value(), localTag, "")
		switch {
		case res.IsSuccess() || (res.IsProvisional() && res.StatusCode != sip.StatusTrying && remoteTag != ""):
			l.mu.RLock()
			d, ok := l.dialogs[earlyKey]
			if !ok && remoteTag != "" {
				// A tagged provisional already re-keyed the early dialog.
				d, ok = l.dialogs[msg.DialogKey(callID.Value(), localTag, remoteTag)]
			}
			l.mu.RUnlock()
			if ok && res.IsSuccess() && d.State() == StateEarly {
				if err := l.Confirm(d, remoteTag); err != nil {
					l.log.Warn().Err(err).Str("dialog", earlyKey).Msg("dialog confirm failed")
				}
			} else if ok {
				// Early dialog learns the remote tag from the provisional.
				d.mu.Lock()
				oldKey := msg.DialogKey(d.callID, d.localTag, d.remoteTag)
				d.remoteTag = remoteTag
				newKey := msg.DialogKey(d.callID, d.localTag, d.remoteTag)
				d.mu.Unlock()
				if oldKey != newKey {
					l.mu.Lock()
					delete(l.dialogs, oldKey)
					l.dialogs[newKey] = d
					l.mu.Unlock()
				}
			}
		case res.StatusCode >= 300:
			// Final failure before confirmation ends the early dialog.
			l.Terminate(earlyKey)
			l.Terminate(msg.DialogKey(callID.Value(), localTag, remoteTag))
		}
	case sip.BYE:
		if res.IsSuccess() {
			l.Terminate(msg.DialogKey(callID.Value(), localTag, remoteTag))
		}
	}
}

// OpenUAC registers the early dialog of an outbound INVITE. A tag already on
// the From header is adopted as the dialog's local tag; otherwise the layer
// mints one and adds it to the From header.
func (l *Layer) OpenUAC(rm msg.RequestMessage) (*Dialog, error) {
	req := rm.Request
	callID := req.CallID()
	from := req.From()
	if callID == nil || from == nil {
		return nil, errs.Newf(errs.KindProtocol, "missing Call-ID or From header")
	}
	localTag, ok := from.Params.Get("tag")
	if !ok || localTag == "" {
		// This layer mints the tag; the request carries it from here on.
		localTag = sip.GenerateTagN(16)
		from.Params = from.Params.Add("tag", localTag)
	}

	key := msg.DialogKey(callID.Value(), localTag, "")
	l.mu.Lock()
	if d, exists := l.dialogs[key]; exists {
		l.mu.Unlock()
		return d, nil
	}
	d := newDialog(callID.Value(), localTag, "", store.FlowUAC)
	l.dialogs[key] = d
	l.mu.Unlock()

	d.recordID = l.persistCreate(d)
	return d, nil
}

// Count reports live dialogs.
func (l *Layer) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.dialogs)
}

func (l *Layer) persistCreate(d *Dialog) int64 {
	if l.store == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d.mu.Lock()
	rec := store.DialogRecord{
		CallID:  d.callID,
		Flow:    d.flow,
		FromTag: d.remoteTag,
	}
	if d.flow == store.FlowUAC {
		rec.FromTag = d.localTag
	}
	if d.remoteTag != "" || d.flow == store.FlowUAS {
		toTag := d.localTag
		if d.flow == store.FlowUAC {
			toTag = d.remoteTag
		}
		if toTag != "" {
			rec.ToTag = &toTag
		}
	}
	d.mu.Unlock()

	created, err := l.store.Dialogs().Create(ctx, rec)
	if err != nil {
		l.log.Warn().Err(err).Msg("dialog row create failed")
		return 0
	}
	return created.ID
}

func (l *Layer) persistUpdate(d *Dialog) {
	if l.store == nil {
		return
	}
	d.mu.Lock()
	recordID := d.recordID
	d.mu.Unlock()
	if recordID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := l.store.Dialogs().Find(ctx, recordID)
	if err != nil {
		l.log.Warn().Err(err).Int64("record", recordID).Msg("dialog row lookup failed")
		return
	}

	d.mu.Lock()
	toTag := d.localTag
	if d.flow == store.FlowUAC {
		toTag = d.remoteTag
	}
	if toTag != "" {
		rec.ToTag = &toTag
	}
	d.mu.Unlock()

	if _, err := l.store.Dialogs().Update(ctx, rec); err != nil {
		l.log.Warn().Err(err).Int64("record", recordID).Msg("dialog row update failed")
	}
}
