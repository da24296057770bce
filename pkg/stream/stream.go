// Package stream buffers packets per producer and ships them in batches.
//
// Each Stream owns two fixed arenas. Producers append encoded packets to the
// cache arena; the single flusher swaps the arenas and writes the old cache
// out as one chunk prefixed with a StreamHeader. A producer that finds the
// cache arena full waits on the stream's gate until the next swap, so no
// packet is ever dropped for lack of space.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"vrcap/perfcap/pkg/proto"
)

// DefaultBufferSize is the capacity of each of a stream's two arenas.
const DefaultBufferSize = 1 << 20

var (
	ErrPacketTooLarge = errors.New("stream: packet larger than stream buffer")
	ErrClosed         = errors.New("stream: closed")
)

// Observer receives stream events; it is usually a metrics collector.
type Observer interface {
	Stalled()
	Dropped()
	Flushed(bytes int)
}

type nopObserver struct{}

func (nopObserver) Stalled()    {}
func (nopObserver) Dropped()    {}
func (nopObserver) Flushed(int) {}

type Stream struct {
	id   uint32
	name string
	size int // arena capacity, fixed at creation
	obs  Observer

	// wmu serialises producers that share one stream
	wmu sync.Mutex

	// mu only guards the arena swap and appends; it is never held across I/O
	mu     sync.Mutex
	cache  []byte
	flush  []byte
	closed bool
	gate   gate
}

func newStream(id uint32, name string, size int, obs Observer) *Stream {
	s := &Stream{
		id:    id,
		name:  name,
		size:  size,
		obs:   obs,
		cache: make([]byte, 0, size),
		flush: make([]byte, 0, size),
	}
	s.gate.init()
	return s
}

func (s *Stream) ID() uint32   { return s.id }
func (s *Stream) Name() string { return s.name }

// WritePacket appends p and its payload. It blocks while the stream is full
// until the flusher swaps buffers or the registry clears them.
func (s *Stream) WritePacket(p proto.Packet, payload []byte) error {
	size := proto.EncodedSize(p, len(payload))
	if size > s.size {
		s.obs.Dropped()
		return fmt.Errorf("%w: %s needs %d bytes", ErrPacketTooLarge, p.ID(), size)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	stalled := false
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if cap(s.cache)-len(s.cache) >= size {
			var err error
			// capacity was checked, so AppendPacket never reallocates here
			s.cache, err = proto.AppendPacket(s.cache, p, payload)
			s.mu.Unlock()
			return err
		}
		// closed under mu so a concurrent swap cannot slip between the
		// capacity check and the close
		s.gate.close()
		s.mu.Unlock()
		if !stalled {
			s.obs.Stalled()
			stalled = true
		}
		s.gate.wait()
	}
}

// Flush swaps the arenas and writes any pending bytes to w as one chunk.
// Only one goroutine may flush a stream at a time.
func (s *Stream) Flush(w io.Writer) (int, error) {
	s.mu.Lock()
	s.cache, s.flush = s.flush, s.cache
	s.mu.Unlock()
	s.gate.open()

	if len(s.flush) == 0 {
		return 0, nil
	}
	var hdr [proto.StreamHeaderLen]byte
	proto.StreamHeader{ThreadID: s.id, Size: uint32(len(s.flush))}.Put(hdr[:])
	bufs := net.Buffers{hdr[:], s.flush}
	n, err := bufs.WriteTo(w)
	s.flush = s.flush[:0]
	if err != nil {
		return int(n), err
	}
	s.obs.Flushed(int(n))
	return int(n), nil
}

// Pending returns the number of bytes waiting in the cache arena.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *Stream) shut() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.clear()
}

func (s *Stream) clear() {
	s.mu.Lock()
	s.cache = s.cache[:0]
	s.flush = s.flush[:0]
	s.mu.Unlock()
	s.gate.open()
}

// gate is a latch producers park on while their stream is full.
type gate struct {
	mu     sync.Mutex
	isOpen bool
	ch     chan struct{}
}

func (g *gate) init() {
	g.isOpen = true
	g.ch = make(chan struct{})
	close(g.ch)
}

func (g *gate) open() {
	g.mu.Lock()
	if !g.isOpen {
		g.isOpen = true
		close(g.ch)
	}
	g.mu.Unlock()
}

func (g *gate) close() {
	g.mu.Lock()
	if g.isOpen {
		g.isOpen = false
		g.ch = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *gate) wait() {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	<-ch
}
