package stream

import (
	"io"
	"sync"
	"sync/atomic"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/proto"
)

// FirstStreamID is the first id handed out by a Registry. Stream ids live
// above the range of OS thread ids so both can share the monitor's thread
// table.
const FirstStreamID uint32 = 0x80000000

var nextID atomic.Uint32

func allocID() uint32 {
	return FirstStreamID + nextID.Add(1) - 1
}

// Registry is the set of live streams of one connection.
type Registry struct {
	size int
	obs  Observer

	mu      sync.Mutex
	streams []*Stream
}

// NewRegistry returns a registry whose streams use arenas of size bytes.
// A nil observer is allowed.
func NewRegistry(size int, obs Observer) *Registry {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Registry{size: size, obs: obs}
}

// Acquire creates and registers a new stream. A non-empty name is sent as
// the stream's first packet.
func (r *Registry) Acquire(name string) *Stream {
	s := newStream(allocID(), name, r.size, r.obs)
	if name != "" {
		n := name
		if len(n) > label.MaxNameLen {
			n = n[:label.MaxNameLen]
		}
		_ = s.WritePacket(proto.ThreadName{ThreadID: s.id}, []byte(n))
	}
	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	return s
}

// FlushAll flushes every stream in registration order and stops at the
// first write error.
func (r *Registry) FlushAll(w io.Writer) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, s := range r.streams {
		n, err := s.Flush(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ClearAll discards all buffered data and releases blocked producers.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	for _, s := range r.streams {
		s.clear()
	}
	r.mu.Unlock()
}

// Reset closes and forgets every stream. Writes to a closed stream fail
// with ErrClosed.
func (r *Registry) Reset() {
	r.mu.Lock()
	for _, s := range r.streams {
		s.shut()
	}
	r.streams = nil
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Pending returns the bytes buffered across all streams.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.streams {
		n += s.Pending()
	}
	return n
}
