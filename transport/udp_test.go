package transport

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/sipward/sipward/msg"
)

// fakePacketConn feeds scripted datagrams to the read loop and captures
// writes per destination.
type fakePacketConn struct {
	mu     sync.Mutex
	reads  chan fakeDatagram
	writes map[string][][]byte
	closed bool
	laddr  net.Addr
}

type fakeDatagram struct {
	data []byte
	addr net.Addr
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		reads:  make(chan fakeDatagram, 16),
		writes: make(map[string][][]byte),
		laddr:  &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060},
	}
}

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	d, ok := <-c.reads
	if !ok {
		return 0, nil, net.ErrClosed
	}
	n := copy(p, d.data)
	return n, d.addr, nil
}

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := append([]byte(nil), p...)
	c.writes[addr.String()] = append(c.writes[addr.String()], buf)
	return len(p), nil
}

func (c *fakePacketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.reads)
	}
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr                { return c.laddr }
func (c *fakePacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakePacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakePacketConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakePacketConn) writesTo(addr string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[addr]
}

var _ io.Closer = (*fakePacketConn)(nil)

const rawOptions = "OPTIONS sip:127.0.0.1:5060 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-tp1\r\n" +
	"From: <sip:alice@127.0.0.2>;tag=tp\r\n" +
	"To: <sip:127.0.0.1:5060>\r\n" +
	"Call-ID: tp-1@127.0.0.2\r\n" +
	"CSeq: 1 OPTIONS\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func TestServeParsesAndDispatches(t *testing.T) {
	conn := newFakePacketConn()
	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 5060}

	var mu sync.Mutex
	var got []msg.TransportMessage
	tp := NewUDP()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tp.Serve(conn, func(tm msg.TransportMessage) {
			mu.Lock()
			got = append(got, tm)
			mu.Unlock()
		})
	}()

	// Keep-alives and garbage never reach the handler.
	conn.reads <- fakeDatagram{data: []byte("\r\n\r\n"), addr: peer}
	conn.reads <- fakeDatagram{data: []byte("garbage datagram"), addr: peer}
	conn.reads <- fakeDatagram{data: []byte(rawOptions), addr: peer}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	tm := got[0]
	mu.Unlock()
	require.True(t, tm.IsRequest())
	require.Equal(t, peer.String(), tm.Peer.String(), "peer is the remote endpoint")
	require.Equal(t, msg.TransportUDP, tm.Transport)

	conn.Close()
	<-done
}

func TestSendSerializesToPeer(t *testing.T) {
	conn := newFakePacketConn()
	tp := NewUDP()
	go tp.Serve(conn, func(tm msg.TransportMessage) {})
	require.Eventually(t, func() bool { return tp.LocalAddr() != nil }, time.Second, time.Millisecond)

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.9"), Port: 5070}
	tm, err := msg.FromDatagram([]byte(rawOptions), peer)
	require.NoError(t, err)
	rm, _ := tm.Request()

	res := sip.NewResponseFromRequest(rm.Request, sip.StatusBusyHere, "Busy Here", nil)
	out := msg.ResponseMessage{Response: res, Peer: peer, Transport: msg.TransportUDP}
	require.NoError(t, tp.Send(out.TransportMessage()))

	writes := conn.writesTo(peer.String())
	require.Len(t, writes, 1)
	require.Contains(t, string(writes[0]), "486 Busy Here")

	conn.Close()
}

func TestSendWithoutBindFails(t *testing.T) {
	tp := NewUDP()
	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.9"), Port: 5070}
	tm, err := msg.FromDatagram([]byte(rawOptions), peer)
	require.NoError(t, err)
	require.Error(t, tp.Send(tm))
}
