package engine

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
)

// Handler turns one request datagram into a reply, or nil for no reply.
type Handler interface {
	HandlePacket(packet []byte) []byte
}

// packet is one received datagram waiting for a worker.
type packet struct {
	conn *net.UDPConn
	addr *net.UDPAddr
	buf  []byte
	n    int
}

// PacketDispatcher hands received packets to a fixed pool of workers
type PacketDispatcher struct {
	handler    Handler
	bufferPool *sync.Pool
	queue      chan packet
	wg         sync.WaitGroup

	handled atomic.Int64
	replied atomic.Int64
	dropped atomic.Int64
}

// NewPacketDispatcher creates a dispatcher with workers goroutines and a queue of depth.
func NewPacketDispatcher(handler Handler, bufferPool *sync.Pool, workers, depth int) *PacketDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if depth < workers {
		depth = workers
	}
	pd := &PacketDispatcher{
		handler:    handler,
		bufferPool: bufferPool,
		queue:      make(chan packet, depth),
	}
	for i := 0; i < workers; i++ {
		pd.wg.Add(1)
		go pd.worker()
	}
	return pd
}

// Dispatch queues p. A full queue drops the packet, as an overloaded UDP socket would.
func (pd *PacketDispatcher) Dispatch(p packet) bool {
	select {
	case pd.queue <- p:
		return true
	default:
		pd.dropped.Add(1)
		pd.RecycleBuffer(p.buf)
		return false
	}
}

func (pd *PacketDispatcher) worker() {
	defer pd.wg.Done()
	for p := range pd.queue {
		response := pd.handler.HandlePacket(p.buf[:p.n])
		pd.handled.Add(1)
		if response != nil {
			if _, err := p.conn.WriteToUDP(response, p.addr); err != nil {
				log.Printf("Error writing reply to %s: %v", p.addr, err)
			} else {
				pd.replied.Add(1)
			}
		}
		pd.RecycleBuffer(p.buf)
	}
}

// Stop drains the queue and waits for the workers. Dispatch must not be called after.
func (pd *PacketDispatcher) Stop() {
	close(pd.queue)
	pd.wg.Wait()
}

// RecycleBuffer returns a buffer to the pool
func (pd *PacketDispatcher) RecycleBuffer(buf []byte) {
	if cap(buf) == bufferSize { // Only recycle standard-sized buffers
		pd.bufferPool.Put(buf[:bufferSize])
	}
}
