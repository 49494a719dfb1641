// Package engine runs the UDP transport in front of the USM agent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// bufferSize fits the largest UDP payload.
const bufferSize = 65535

// Config controls the listeners and the worker pool.
type Config struct {
	// ListenAddrs are host:port pairs; IPv6 literals go in brackets.
	ListenAddrs []string
	Workers     int
	QueueDepth  int
}

// Server manages the UDP listeners for one agent
type Server struct {
	cfg     Config
	handler Handler

	listeners  []*net.UDPConn
	dispatcher *PacketDispatcher

	// Synchronization
	mu      sync.RWMutex
	wg      sync.WaitGroup
	running atomic.Bool

	received   atomic.Int64
	packetPool *sync.Pool
}

// NewServer creates a server for handler. Nothing is bound until Start.
func NewServer(cfg Config, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if len(cfg.ListenAddrs) == 0 {
		return nil, errors.New("at least one listen address is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		packetPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}, nil
}

// Start binds every listen address and starts packet handling
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatcher = NewPacketDispatcher(s.handler, s.packetPool, s.cfg.Workers, s.cfg.QueueDepth)

	for _, addr := range s.cfg.ListenAddrs {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			s.abort()
			return fmt.Errorf("bad listen address %q: %w", addr, err)
		}
		network := "udp4"
		if udpAddr.IP != nil && udpAddr.IP.To4() == nil {
			network = "udp6"
		}
		conn, err := net.ListenUDP(network, udpAddr)
		if err != nil {
			s.abort()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		// Set socket options for better performance
		if err := setSocketOptions(conn); err != nil {
			conn.Close()
			s.abort()
			return fmt.Errorf("failed to set socket options on %s: %w", addr, err)
		}

		s.listeners = append(s.listeners, conn)
		s.wg.Add(1)
		go s.handleListener(ctx, conn)
	}

	log.Printf("Started %d UDP listeners", len(s.listeners))
	return nil
}

// abort undoes a partial Start. Callers hold s.mu.
func (s *Server) abort() {
	s.closeListeners()
	s.wg.Wait()
	s.dispatcher.Stop()
	s.running.Store(false)
}

// handleListener reads packets from one socket and queues them for the workers
func (s *Server) handleListener(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Closing listener on %s", conn.LocalAddr())
			return
		default:
		}

		// Set read deadline to allow graceful shutdown
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		buffer := s.packetPool.Get().([]byte)
		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.dispatcher.RecycleBuffer(buffer)
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.running.Load() {
				log.Printf("Error reading from %s: %v", conn.LocalAddr(), err)
			}
			continue
		}
		s.received.Add(1)
		s.dispatcher.Dispatch(packet{conn: conn, addr: remoteAddr, buf: buffer, n: n})
	}
}

// Addrs returns the bound local addresses, useful when listening on port 0.
func (s *Server) Addrs() []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, conn := range s.listeners {
		out = append(out, conn.LocalAddr())
	}
	return out
}

// Stop gracefully shuts down all listeners and drains the workers
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	s.closeListeners()
	s.mu.Unlock()
	s.wg.Wait()
	s.dispatcher.Stop()

	log.Printf("All listeners stopped")
}

func (s *Server) closeListeners() {
	for _, conn := range s.listeners {
		if err := conn.Close(); err != nil {
			log.Printf("Error closing listener on %s: %v", conn.LocalAddr(), err)
		}
	}
	s.listeners = nil
}

// Statistics returns current transport statistics
func (s *Server) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"running":          s.running.Load(),
		"active_listeners": len(s.listeners),
		"received":         s.received.Load(),
		"workers":          s.cfg.Workers,
	}
	if s.dispatcher != nil {
		stats["handled"] = s.dispatcher.handled.Load()
		stats["replied"] = s.dispatcher.replied.Load()
		stats["queue_drops"] = s.dispatcher.dropped.Load()
	}
	return stats
}

// setSocketOptions configures the UDP socket for burst traffic
func setSocketOptions(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		// 256KB absorbs a discovery storm from many managers at once
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 256*1024); err != nil {
			sockErr = fmt.Errorf("failed to set SO_RCVBUF: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, 256*1024); err != nil {
			sockErr = fmt.Errorf("failed to set SO_SNDBUF: %w", err)
			return
		}
		// SO_REUSEPORT (Linux 3.9+) lets several daemons share the port
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			if !errors.Is(err, syscall.ENOPROTOOPT) {
				log.Printf("Warning: SO_REUSEPORT not available: %v", err)
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
