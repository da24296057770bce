// Package sched traces CPU scheduling of the process's OS threads and turns
// it into CPUContextSwitch packets.
//
// A Source appends records to a Ring the way the kernel fills a perf mmap
// page; the Tracer periodically reads the readable region under a sequence
// lock and consumes it.
package sched

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"vrcap/perfcap/pkg/seqlock"
)

type Kind uint16

const (
	KindSample Kind = iota + 1
	KindFork
	KindExit
)

// DefaultRingSize is the ring capacity used by capture sessions.
const DefaultRingSize = 1 << 16

const (
	recordHeaderLen = 4 // size u16, kind u16
	maxNameLen      = 32
)

// Record is one scheduler observation for thread TID at Time.
//   - Sample: Running is the thread's cumulative on-CPU time, CPU is where it last ran.
//   - Fork: a new thread was observed; Running is its on-CPU time so far.
//   - Exit: the thread is gone.
type Record struct {
	Kind    Kind
	TID     uint32
	CPU     uint32
	Time    uint64
	Running uint64
	Name    string
}

func (r Record) size() int {
	n := recordHeaderLen + 4 + 4 + 8 + 8
	if r.Kind == KindFork {
		n += len(r.name())
	}
	return n
}

func (r Record) name() string {
	if len(r.Name) > maxNameLen {
		return r.Name[:maxNameLen]
	}
	return r.Name
}

var ErrRingSize = errors.New("sched: ring size must be a power of two")

// Ring is a single-producer single-consumer byte ring.
type Ring struct {
	lock seqlock.SeqLock
	head atomic.Uint64
	tail atomic.Uint64
	data []byte
	mask uint64
	lost atomic.Uint64
}

func NewRing(size int) (*Ring, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, ErrRingSize
	}
	return &Ring{data: make([]byte, size), mask: uint64(size - 1)}, nil
}

// Append writes rec, or counts it as lost when the ring is full.
func (r *Ring) Append(rec Record) bool {
	n := uint64(rec.size())
	head := r.head.Load()
	if head-r.tail.Load()+n > uint64(len(r.data)) {
		r.lost.Add(1)
		return false
	}
	var buf [recordHeaderLen + 24 + maxNameLen]byte
	b := buf[:n]
	binary.LittleEndian.PutUint16(b[0:], uint16(n))
	binary.LittleEndian.PutUint16(b[2:], uint16(rec.Kind))
	binary.LittleEndian.PutUint32(b[4:], rec.TID)
	binary.LittleEndian.PutUint32(b[8:], rec.CPU)
	binary.LittleEndian.PutUint64(b[12:], rec.Time)
	binary.LittleEndian.PutUint64(b[20:], rec.Running)
	copy(b[28:], rec.name())

	r.lock.BeginWrite()
	r.copyIn(head, b)
	r.head.Store(head + n)
	r.lock.EndWrite()
	return true
}

func (r *Ring) copyIn(pos uint64, b []byte) {
	off := pos & r.mask
	c := copy(r.data[off:], b)
	copy(r.data, b[c:])
}

func (r *Ring) copyOut(pos uint64, b []byte) {
	off := pos & r.mask
	c := copy(b, r.data[off:])
	copy(b[c:], r.data)
}

// Lost returns the number of records dropped because the ring was full.
func (r *Ring) Lost() uint64 { return r.lost.Load() }

// Drain calls fn for every complete record between tail and head and then
// advances tail past them.
func (r *Ring) Drain(fn func(Record)) int {
	region := seqlock.Read(&r.lock, func() [2]uint64 {
		return [2]uint64{r.head.Load(), r.tail.Load()}
	})
	head, tail := region[0], region[1]
	count := 0
	var hdr [recordHeaderLen]byte
	var body [24 + maxNameLen]byte
	for tail < head {
		if tail+recordHeaderLen > head {
			break
		}
		r.copyOut(tail, hdr[:])
		size := uint64(binary.LittleEndian.Uint16(hdr[0:]))
		if size < recordHeaderLen+24 || size > recordHeaderLen+uint64(len(body)) || tail+size > head {
			break
		}
		b := body[:size-recordHeaderLen]
		r.copyOut(tail+recordHeaderLen, b)
		fn(Record{
			Kind:    Kind(binary.LittleEndian.Uint16(hdr[2:])),
			TID:     binary.LittleEndian.Uint32(b[0:]),
			CPU:     binary.LittleEndian.Uint32(b[4:]),
			Time:    binary.LittleEndian.Uint64(b[8:]),
			Running: binary.LittleEndian.Uint64(b[16:]),
			Name:    string(b[24:]),
		})
		tail += size
		count++
	}
	r.tail.Store(tail)
	return count
}
