package transaction

import (
	"net"
	"reflect"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/sipward/sipward/msg"
)

var testPeer = &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 5060}

func parseRequest(t *testing.T, raw string) msg.RequestMessage {
	t.Helper()
	tm, err := msg.FromDatagram([]byte(raw), testPeer)
	require.NoError(t, err)
	rm, ok := tm.Request()
	require.True(t, ok, "expected request")
	return rm
}

func testInviteMsg(t *testing.T, branch string) msg.RequestMessage {
	t.Helper()
	return parseRequest(t, ""+
		"INVITE sip:bob@127.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch="+branch+"\r\n"+
		"From: <sip:alice@127.0.0.2>;tag=uac-"+branch+"\r\n"+
		"To: <sip:bob@127.0.0.1>\r\n"+
		"Call-ID: call-"+branch+"@127.0.0.2\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Max-Forwards: 70\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n")
}

func testOptionsMsg(t *testing.T, branch string) msg.RequestMessage {
	t.Helper()
	return parseRequest(t, ""+
		"OPTIONS sip:127.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch="+branch+"\r\n"+
		"From: <sip:alice@127.0.0.2>;tag=uac-"+branch+"\r\n"+
		"To: <sip:bob@127.0.0.1>\r\n"+
		"Call-ID: call-"+branch+"@127.0.0.2\r\n"+
		"CSeq: 1 OPTIONS\r\n"+
		"Max-Forwards: 70\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n")
}

// sendRecorder captures everything a machine puts on the wire.
type sendRecorder struct {
	mu   sync.Mutex
	sent []msg.TransportMessage
}

func (r *sendRecorder) Send(tm msg.TransportMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, tm)
	return nil
}

func (r *sendRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *sendRecorder) Requests() []*sip.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*sip.Request
	for _, tm := range r.sent {
		if req, ok := tm.Message.(*sip.Request); ok {
			out = append(out, req)
		}
	}
	return out
}

func (r *sendRecorder) Responses() []*sip.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*sip.Response
	for _, tm := range r.sent {
		if res, ok := tm.Message.(*sip.Response); ok {
			out = append(out, res)
		}
	}
	return out
}

// responseCollector captures what the machine forwards to the TU.
type responseCollector struct {
	mu        sync.Mutex
	responses []msg.ResponseMessage
	requests  []msg.RequestMessage
}

func (c *responseCollector) OnResponse(rm msg.ResponseMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, rm)
	return nil
}

func (c *responseCollector) OnRequest(rm msg.RequestMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, rm)
	return nil
}

func (c *responseCollector) ResponseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

func (c *responseCollector) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func testHandlers(rec *sendRecorder, col *responseCollector) Handlers {
	return Handlers{
		Send:     rec.Send,
		Request:  col.OnRequest,
		Response: col.OnResponse,
	}
}

// requireFsmState compares fsm state functions by identity, the machine's
// states being methods.
func requireFsmState(t *testing.T, got, want fsmContextState) {
	t.Helper()
	gp := reflect.ValueOf(got).Pointer()
	wp := reflect.ValueOf(want).Pointer()
	require.Equal(t, wp, gp, "fsm state mismatch")
}

func respondTo(rm msg.RequestMessage, status int, reason string) msg.ResponseMessage {
	res := sip.NewResponseFromRequest(rm.Request, status, reason, nil)
	return msg.ResponseMessage{Response: res, Peer: rm.Peer, Transport: rm.Transport}
}
