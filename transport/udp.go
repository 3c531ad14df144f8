// Package transport binds the datagram socket and moves envelopes between
// the wire and the transaction layer. It owns no SIP state.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipward/sipward/errs"
	"github.com/sipward/sipward/msg"
)

var (
	// MTUSize bounds outbound datagrams: Send refuses a message longer than
	// MTUSize minus 200 bytes. Larger messages need a stream transport,
	// which this server does not speak.
	MTUSize = 1500

	ErrMTUCongestion = errors.New("size of packet larger than MTU")

	bufPool = sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	}
)

const readBufferSize = 65535

// MessageHandler receives every parsed inbound envelope.
type MessageHandler func(tm msg.TransportMessage)

// UDP is the datagram transport adapter. Binding is a one-shot operation;
// rebind is not supported.
type UDP struct {
	mu   sync.Mutex
	conn net.PacketConn

	log zerolog.Logger
}

func NewUDP() *UDP {
	return &UDP{
		log: log.Logger.With().Str("caller", "transport.UDP").Logger(),
	}
}

// ListenAndServe binds addr and reads datagrams until the connection is
// closed. It blocks; use Close to stop it.
func (t *UDP) ListenAndServe(addr string, handler MessageHandler) error {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errs.Wrapf(errs.KindTransport, err, "resolve %q", addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return errs.Wrapf(errs.KindTransport, err, "bind %q", addr)
	}
	return t.Serve(conn, handler)
}

// Serve reads from an already bound connection. Used by the serve command
// and directly by tests.
func (t *UDP) Serve(conn net.PacketConn, handler MessageHandler) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return errs.Newf(errs.KindTransport, "already bound to %s", t.conn.LocalAddr())
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Debug().Str("addr", conn.LocalAddr().String()).Msg("begin listening on udp")

	buf := make([]byte, readBufferSize)
	for {
		num, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("read connection closed")
				return nil
			}
			t.log.Error().Err(err).Msg("read connection error")
			return errs.Wrap(errs.KindTransport, err)
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		// One or two CRLF is a keep alive ping
		if len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0 {
			t.log.Debug().Msg("keep alive CRLF received")
			continue
		}

		datagramsReceived.Inc()
		tm, err := msg.FromDatagram(data, raddr)
		if err != nil {
			// Malformed datagrams never reach upper layers.
			parseFailures.Inc()
			t.log.Warn().Err(err).Str("raddr", raddr.String()).Msg("failed to parse, dropping datagram")
			continue
		}

		handler(tm)
	}
}

// Send serializes the envelope and transmits it to its peer.
func (t *UDP) Send(tm msg.TransportMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errs.Newf(errs.KindTransport, "transport not bound")
	}

	raddr, err := t.peerAddr(tm)
	if err != nil {
		return err
	}

	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	tm.Message.StringWrite(buf)
	data := buf.Bytes()

	if len(data) > MTUSize-200 {
		return errs.Wrap(errs.KindTransport, ErrMTUCongestion)
	}

	n, err := conn.WriteTo(data, raddr)
	if err != nil {
		return errs.Wrapf(errs.KindTransport, err, "udp write to %s", raddr)
	}
	if n != len(data) {
		return errs.Newf(errs.KindTransport, "short write to %s: %d of %d bytes", raddr, n, len(data))
	}
	datagramsSent.Inc()
	return nil
}

func (t *UDP) peerAddr(tm msg.TransportMessage) (net.Addr, error) {
	if tm.Peer != nil {
		return tm.Peer, nil
	}
	// Fall back on the destination resolved by the message itself.
	dst := tm.Message.Destination()
	if dst == "" {
		return nil, errs.Newf(errs.KindTransport, "message has no peer address")
	}
	raddr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return nil, errs.Wrapf(errs.KindTransport, err, "resolve destination %q", dst)
	}
	return raddr, nil
}

func (t *UDP) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *UDP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close udp: %w", err)
	}
	return nil
}
