package msg

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sipward/sipward/errs"
)

const (
	// BranchMagicCookie prefixes every RFC 3261 compliant Via branch.
	BranchMagicCookie = "z9hG4bK"

	keySeparator = "__"
)

// ServerTransactionKey derives the server transaction identifier of a message
// per RFC 3261 17.2.3: top Via branch, sent-by host:port and the CSeq method,
// with ACK collapsing to INVITE so acknowledgements match the transaction
// they finish. Two messages belong to the same server transaction iff their
// keys are equal.
func ServerTransactionKey(m sip.Message) (string, error) {
	return serverTransactionKey(m, "")
}

// ServerTransactionKeyAs derives the key as if the CSeq method were asMethod.
// Used to match CANCEL against the transaction it cancels.
func ServerTransactionKeyAs(m sip.Message, asMethod sip.RequestMethod) (string, error) {
	return serverTransactionKey(m, asMethod)
}

func serverTransactionKey(m sip.Message, asMethod sip.RequestMethod) (string, error) {
	via := m.Via()
	if via == nil {
		return "", errs.Newf(errs.KindProtocol, "missing Via header")
	}
	cseq := m.CSeq()
	if cseq == nil {
		return "", errs.Newf(errs.KindProtocol, "missing CSeq header")
	}

	method := cseq.MethodName
	if method == sip.ACK {
		method = sip.INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	branch, ok := via.Params.Get("branch")
	if ok && isRFC3261Branch(branch) {
		port := via.Port
		if port <= 0 {
			port = 5060
		}

		var b strings.Builder
		b.WriteString(branch)
		b.WriteString(keySeparator)
		b.WriteString(via.Host)
		b.WriteString(keySeparator)
		b.WriteString(strconv.Itoa(port))
		b.WriteString(keySeparator)
		b.WriteString(string(method))
		return b.String(), nil
	}

	// RFC 2543 fallback
	from := m.From()
	if from == nil {
		return "", errs.Newf(errs.KindProtocol, "missing From header")
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return "", errs.Newf(errs.KindProtocol, "missing tag in From header")
	}
	callID := m.CallID()
	if callID == nil {
		return "", errs.Newf(errs.KindProtocol, "missing Call-ID header")
	}

	var b strings.Builder
	b.WriteString(fromTag)
	b.WriteString(keySeparator)
	b.WriteString(callID.Value())
	b.WriteString(keySeparator)
	b.WriteString(string(method))
	b.WriteString(keySeparator)
	b.WriteString(strconv.Itoa(int(cseq.SeqNo)))
	b.WriteString(keySeparator)
	b.WriteString(via.Value())
	return b.String(), nil
}

// ClientTransactionKey derives the client transaction identifier per
// RFC 3261 17.1.3: top Via branch plus the CSeq method with ACK collapsed to
// INVITE. Responses carry the branch of the request they answer.
func ClientTransactionKey(m sip.Message) (string, error) {
	cseq := m.CSeq()
	if cseq == nil {
		return "", errs.Newf(errs.KindProtocol, "missing CSeq header")
	}
	method := cseq.MethodName
	if method == sip.ACK {
		method = sip.INVITE
	}

	via := m.Via()
	if via == nil {
		return "", errs.Newf(errs.KindProtocol, "missing Via header")
	}
	branch, ok := via.Params.Get("branch")
	if !ok || !isRFC3261Branch(branch) {
		return "", errs.Newf(errs.KindProtocol, "missing or non-3261 branch in Via header")
	}

	var b strings.Builder
	b.Grow(len(branch) + len(keySeparator) + len(method))
	b.WriteString(branch)
	b.WriteString(keySeparator)
	b.WriteString(string(method))
	return b.String(), nil
}

// Branch returns the top Via branch parameter of a message, or "".
func Branch(m sip.Message) string {
	via := m.Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

func isRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, BranchMagicCookie) &&
		strings.TrimPrefix(branch, BranchMagicCookie) != ""
}

// DialogKey identifies a dialog by (Call-ID, local tag, remote tag). Early
// dialogs may carry an empty remote tag until the first non-100 response.
func DialogKey(callID, localTag, remoteTag string) string {
	return callID + keySeparator + localTag + keySeparator + remoteTag
}

// DialogKeyFromRequestUAS derives the dialog key of an inbound request seen
// by the UAS side: the To tag is ours, the From tag is the peer's.
func DialogKeyFromRequestUAS(req *sip.Request) (string, error) {
	callID, localTag, remoteTag, err := dialogTuple(req, true)
	if err != nil {
		return "", err
	}
	return DialogKey(callID, localTag, remoteTag), nil
}

// DialogKeyFromResponse derives the dialog key of an inbound response seen by
// the UAC side: the From tag is ours, the To tag is the peer's.
func DialogKeyFromResponse(res *sip.Response) (string, error) {
	callID, remoteTag, localTag, err := dialogTuple(res, true)
	if err != nil {
		return "", err
	}
	return DialogKey(callID, localTag, remoteTag), nil
}

func dialogTuple(m sip.Message, allowEmptyToTag bool) (callID, toTag, fromTag string, err error) {
	cid := m.CallID()
	if cid == nil {
		return "", "", "", errs.Newf(errs.KindProtocol, "missing Call-ID header")
	}
	to := m.To()
	if to == nil {
		return "", "", "", errs.Newf(errs.KindProtocol, "missing To header")
	}
	from := m.From()
	if from == nil {
		return "", "", "", errs.Newf(errs.KindProtocol, "missing From header")
	}
	toTag, ok := to.Params.Get("tag")
	if !ok && !allowEmptyToTag {
		return "", "", "", errs.Newf(errs.KindProtocol, "missing tag in To header")
	}
	fromTag, _ = from.Params.Get("tag")
	return cid.Value(), toTag, fromTag, nil
}
