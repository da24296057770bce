package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vrcap/perfcap/pkg/proto"
)

type fakeEmitter struct {
	mu        sync.Mutex
	connected bool
	locks     int
	packets   []proto.Packet
	payloads  [][]byte
}

func (f *fakeEmitter) TryLockConnection(flag proto.Flag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.locks++
	return true
}

func (f *fakeEmitter) UnlockConnection() {
	f.mu.Lock()
	f.locks--
	f.mu.Unlock()
}

func (f *fakeEmitter) WritePacket(p proto.Packet, payload []byte) error {
	f.mu.Lock()
	f.packets = append(f.packets, p)
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	f.mu.Unlock()
	return nil
}

// TestRingWrapsAround tests records that straddle the end of the buffer.
func TestRingWrapsAround(t *testing.T) {
	r, err := NewRing(64)
	require.NoError(t, err)
	var got []uint64
	for i := uint64(0); i < 20; i++ {
		require.True(t, r.Append(Record{Kind: KindSample, TID: 1, Time: i, Running: i * 2}))
		r.Drain(func(rec Record) { got = append(got, rec.Time) })
	}
	require.Len(t, got, 20)
	for i, v := range got {
		assert.Equal(t, uint64(i), v)
	}
}

// TestRingCountsLost tests that a full ring drops instead of overwriting.
func TestRingCountsLost(t *testing.T) {
	r, err := NewRing(64)
	require.NoError(t, err)
	assert.True(t, r.Append(Record{Kind: KindExit, TID: 1}))
	assert.True(t, r.Append(Record{Kind: KindExit, TID: 2}))
	assert.False(t, r.Append(Record{Kind: KindExit, TID: 3}))
	assert.Equal(t, uint64(1), r.Lost())
	assert.Equal(t, 2, r.Drain(func(Record) {}))

	_, err = NewRing(100)
	assert.ErrorIs(t, err, ErrRingSize)
}

// TestTracerContextSwitches tests packet conversion from records.
func TestTracerContextSwitches(t *testing.T) {
	r, err := NewRing(1024)
	require.NoError(t, err)
	out := &fakeEmitter{connected: true}
	tr := NewTracer(r, out, time.Millisecond, zaptest.NewLogger(t))

	r.Append(Record{Kind: KindFork, TID: 42, Time: 1000, Running: 100, Name: "Worker"})
	r.Append(Record{Kind: KindSample, TID: 42, CPU: 3, Time: 5000, Running: 600})
	r.Append(Record{Kind: KindSample, TID: 42, CPU: 1, Time: 9000, Running: 700})
	r.Append(Record{Kind: KindExit, TID: 42, Time: 9500})
	assert.Equal(t, 4, tr.Drain())

	require.Len(t, out.packets, 3)
	assert.Equal(t, proto.ThreadName{ThreadID: 42}, out.packets[0])
	assert.Equal(t, "Worker", string(out.payloads[0]))
	assert.Equal(t, proto.CPUContextSwitch{TimestampEnter: 4500, TimestampLeave: 5000, ThreadID: 42, CPUID: 3}, out.packets[1])
	assert.Equal(t, proto.CPUContextSwitch{TimestampEnter: 8900, TimestampLeave: 9000, ThreadID: 42, CPUID: 1}, out.packets[2])
	assert.Equal(t, 0, tr.Tasks())
}

// TestTracerStopsWhenDisconnected tests the try-lock exit.
func TestTracerStopsWhenDisconnected(t *testing.T) {
	r, err := NewRing(64)
	require.NoError(t, err)
	out := &fakeEmitter{connected: false}
	tr := NewTracer(r, out, time.Millisecond, nil)
	done := make(chan struct{})
	go func() { tr.Run(context.Background()); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tracer kept running without a connection")
	}
	assert.Equal(t, 0, out.locks)
}

// TestThreadSourcePoll tests sampling this test process.
func TestThreadSourcePoll(t *testing.T) {
	r, err := NewRing(1 << 16)
	require.NoError(t, err)
	src, err := NewThreadSource(0, r, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	if err := src.Poll(context.Background()); err != nil {
		t.Skipf("thread enumeration unavailable: %v", err)
	}
	forks := 0
	r.Drain(func(rec Record) {
		if rec.Kind == KindFork {
			forks++
		}
	})
	assert.Greater(t, forks, 0)
}
