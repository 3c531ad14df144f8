// Package msg carries parsed SIP messages between layers together with the
// peer they came from or go to. The wire grammar itself lives in the sipgo
// library; this package only wraps its ADT.
package msg

import (
	"net"

	"github.com/emiago/sipgo/sip"

	"github.com/sipward/sipward/errs"
)

const TransportUDP = "udp"

var parser = sip.NewParser()

// TransportMessage is the envelope exchanged with the transport adapter.
// Peer is always the remote endpoint, never the local bound address.
type TransportMessage struct {
	Message   sip.Message
	Peer      net.Addr
	Transport string
}

func New(m sip.Message, peer net.Addr, transport string) TransportMessage {
	return TransportMessage{Message: m, Peer: peer, Transport: transport}
}

// FromDatagram parses a raw datagram into an envelope. The transport is
// always UDP for datagrams.
func FromDatagram(data []byte, peer net.Addr) (TransportMessage, error) {
	m, err := parser.ParseSIP(data)
	if err != nil {
		return TransportMessage{}, errs.Wrap(errs.KindParse, err)
	}
	m.SetTransport(TransportUDP)
	m.SetSource(peer.String())
	return TransportMessage{Message: m, Peer: peer, Transport: TransportUDP}, nil
}

func (tm TransportMessage) IsRequest() bool {
	_, ok := tm.Message.(*sip.Request)
	return ok
}

// Request narrows the envelope. The second return is false for responses.
func (tm TransportMessage) Request() (RequestMessage, bool) {
	req, ok := tm.Message.(*sip.Request)
	if !ok {
		return RequestMessage{}, false
	}
	return RequestMessage{Request: req, Peer: tm.Peer, Transport: tm.Transport}, true
}

// Response narrows the envelope. The second return is false for requests.
func (tm TransportMessage) Response() (ResponseMessage, bool) {
	res, ok := tm.Message.(*sip.Response)
	if !ok {
		return ResponseMessage{}, false
	}
	return ResponseMessage{Response: res, Peer: tm.Peer, Transport: tm.Transport}, true
}

// RequestMessage is an envelope guaranteed to hold a request. It is the type
// exchanged between the transaction layer and the TU.
type RequestMessage struct {
	Request   *sip.Request
	Peer      net.Addr
	Transport string
}

func (rm RequestMessage) TransportMessage() TransportMessage {
	return TransportMessage{Message: rm.Request, Peer: rm.Peer, Transport: rm.Transport}
}

// ResponseMessage is an envelope guaranteed to hold a response.
type ResponseMessage struct {
	Response  *sip.Response
	Peer      net.Addr
	Transport string
}

func (rm ResponseMessage) TransportMessage() TransportMessage {
	return TransportMessage{Message: rm.Response, Peer: rm.Peer, Transport: rm.Transport}
}
