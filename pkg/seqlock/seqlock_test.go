package seqlock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pair struct {
	a, b atomic.Uint64
}

// TestReadNeverTorn tests that readers only observe matching halves.
func TestReadNeverTorn(t *testing.T) {
	var l SeqLock
	var p pair
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			l.BeginWrite()
			p.a.Store(i)
			p.b.Store(i)
			l.EndWrite()
		}
	}()

	for i := 0; i < 10000; i++ {
		got := Read(&l, func() [2]uint64 { return [2]uint64{p.a.Load(), p.b.Load()} })
		if got[0] != got[1] {
			t.Fatalf("torn read %v", got)
		}
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint32(0), l.Sequence()&1)
}

// TestTryReadGivesUp tests the attempt bound while a write is held open.
func TestTryReadGivesUp(t *testing.T) {
	var l SeqLock
	l.BeginWrite()
	calls := 0
	_, ok := TryRead(&l, func() int { calls++; return 1 }, 5)
	assert.False(t, ok)
	assert.Equal(t, 0, calls)
	l.EndWrite()

	v, ok := TryRead(&l, func() int { return 7 }, 5)
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}
