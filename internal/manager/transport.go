package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Conn carries one request datagram to the agent and returns the reply.
type Conn interface {
	Exchange(ctx context.Context, req []byte) ([]byte, error)
	Close() error
}

// ErrNoReply is returned when the agent sends nothing back.
var ErrNoReply = errors.New("no reply from agent")

// UDPConn talks to one agent over a connected UDP socket.
type UDPConn struct {
	conn    *net.UDPConn
	timeout time.Duration
	buf     []byte
}

// Dial connects to target (host:port). A zero timeout defaults to two seconds.
func Dial(target string, timeout time.Duration) (*UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", target, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &UDPConn{conn: conn, timeout: timeout, buf: make([]byte, 65535)}, nil
}

// Exchange is not safe for concurrent use; the Client serializes calls.
func (u *UDPConn) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := u.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := u.conn.Write(req); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	n, err := u.conn.Read(u.buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrNoReply, err)
		}
		return nil, fmt.Errorf("receive: %w", err)
	}
	return append([]byte(nil), u.buf[:n]...), nil
}

func (u *UDPConn) Close() error {
	return u.conn.Close()
}

// HandlerConn delivers requests to an in-process packet handler, such as
// agent.HandlePacket.
type HandlerConn func(packet []byte) []byte

func (h HandlerConn) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := h(req)
	if resp == nil {
		return nil, ErrNoReply
	}
	return resp, nil
}

func (h HandlerConn) Close() error { return nil }
