// Package seqlock implements a sequence lock: a single writer never blocks,
// readers retry until they observe a snapshot no write overlapped.
package seqlock

import (
	"runtime"
	"sync/atomic"
)

type SeqLock struct {
	seq atomic.Uint32
}

// BeginWrite marks the start of a write section; the sequence becomes odd.
func (l *SeqLock) BeginWrite() { l.seq.Add(1) }

// EndWrite marks the end of a write section; the sequence becomes even.
func (l *SeqLock) EndWrite() { l.seq.Add(1) }

func (l *SeqLock) Sequence() uint32 { return l.seq.Load() }

// Read calls fn until it runs without a concurrent write and returns that
// result. fn must only read and must tolerate torn values it later discards.
func Read[T any](l *SeqLock, fn func() T) T {
	v, _ := TryRead(l, fn, 0)
	return v
}

// TryRead is Read with an attempt limit; attempts <= 0 means no limit.
func TryRead[T any](l *SeqLock, fn func() T, attempts int) (T, bool) {
	for i := 0; attempts <= 0 || i < attempts; i++ {
		s := l.seq.Load()
		if s&1 != 0 {
			// writer in progress
			runtime.Gosched()
			continue
		}
		v := fn()
		if l.seq.Load() == s {
			return v, true
		}
	}
	var zero T
	return zero, false
}
