// Package gpu turns GPU timestamp queries into GPU zone packets and
// prepares framebuffer thumbnails for capture.
package gpu

import (
	"sync"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/proto"
)

// MaxTimerQueries is the number of queries a pool cycles through. It should
// cover the zones of about two frames.
const MaxTimerQueries = 32

// Backend is the graphics API side of a timer query pool.
type Backend interface {
	// NewQuery allocates a timestamp query object.
	NewQuery() uint32
	// Issue records a GPU timestamp into q once the GPU reaches this point.
	Issue(q uint32)
	Available(q uint32) bool
	Result(q uint32) uint64
	// Disjoint reports, and clears, a disjoint event since the last call.
	Disjoint() bool
	// Timestamp is the current GPU clock.
	Timestamp() uint64
	Flush()
}

// Producer is where a pool writes its packets; *capture.Thread satisfies it.
type Producer interface {
	TryLockConnection(f proto.Flag) bool
	UnlockConnection()
	Generation() uint32
	ResolveLabel(l *label.Label) uint32
	WritePacket(p proto.Packet, payload []byte) error
	Log(priority proto.LogPriority, msg string)
}

type timerQuery struct {
	id    uint32
	label uint32 // 0 for a leave
}

type fifo struct {
	buf  [MaxTimerQueries]timerQuery
	head int
	n    int
}

func (f *fifo) push(q timerQuery) {
	f.buf[(f.head+f.n)%len(f.buf)] = q
	f.n++
}

func (f *fifo) front() timerQuery { return f.buf[f.head] }

func (f *fifo) pop() timerQuery {
	q := f.buf[f.head]
	f.head = (f.head + 1) % len(f.buf)
	f.n--
	return q
}

// TimerQueryPool issues timestamp queries for GPU zones and emits them in
// issue order once their results are available. Use one pool per graphics
// context.
type TimerQueryPool struct {
	p   Producer
	b   Backend
	log *zap.Logger

	mu        sync.Mutex
	available fifo
	pending   fifo
	gen       uint32
}

func NewTimerQueryPool(p Producer, b Backend, log *zap.Logger) *TimerQueryPool {
	if log == nil {
		log = zap.NewNop()
	}
	q := &TimerQueryPool{p: p, b: b, log: log}
	for i := 0; i < MaxTimerQueries; i++ {
		q.available.push(timerQuery{id: b.NewQuery()})
	}
	return q
}

// Enter opens a GPU zone at the current point of the command stream.
func (q *TimerQueryPool) Enter(l *label.Label) {
	if !q.p.TryLockConnection(proto.FlagGPUZones) {
		return
	}
	defer q.p.UnlockConnection()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revalidate()
	q.process()
	q.issue(q.p.ResolveLabel(l))
}

// Leave closes the innermost GPU zone.
func (q *TimerQueryPool) Leave() {
	if !q.p.TryLockConnection(proto.FlagGPUZones) {
		return
	}
	defer q.p.UnlockConnection()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revalidate()
	q.process()
	q.issue(0)
}

// Collect emits every result that is ready without issuing a query. Call it
// once per frame so the last zones of a frame are not held back.
func (q *TimerQueryPool) Collect() {
	if !q.p.TryLockConnection(proto.FlagGPUZones) {
		return
	}
	defer q.p.UnlockConnection()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revalidate()
	q.process()
}

// Pending is the number of queries waiting for results.
func (q *TimerQueryPool) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.n
}

func (q *TimerQueryPool) issue(labelID uint32) {
	tq := q.available.pop()
	q.b.Issue(tq.id)
	tq.label = labelID
	q.pending.push(tq)
}

// revalidate drops results from an earlier connection and resyncs clocks.
func (q *TimerQueryPool) revalidate() {
	gen := q.p.Generation()
	if gen == q.gen {
		return
	}
	q.gen = gen
	for q.pending.n > 0 {
		q.available.push(q.pending.pop())
	}
	q.clockSync()
}

func (q *TimerQueryPool) clockSync() {
	q.write(proto.GPUClockSync{TimestampCPU: proto.Nanoseconds(), TimestampGPU: q.b.Timestamp()})
}

// process emits ready results. When no query is free it flushes the
// backend and waits for the oldest one.
func (q *TimerQueryPool) process() {
	for {
		for q.pending.n > 0 {
			head := q.pending.front()
			if !q.b.Available(head.id) {
				break
			}
			ts := q.b.Result(head.id)
			if head.label != 0 {
				q.write(proto.GPUZoneEnter{LabelID: head.label, Timestamp: ts})
			} else {
				q.write(proto.GPUZoneLeave{Timestamp: ts})
			}
			q.available.push(q.pending.pop())
		}
		if q.available.n > 0 {
			break
		}
		q.p.Log(proto.LogWarning, "timer query pool full, flushing GPU")
		q.b.Flush()
	}

	if q.b.Disjoint() {
		q.p.Log(proto.LogWarning, "timer query disjoint event")
		q.clockSync()
	}
}

func (q *TimerQueryPool) write(p proto.Packet) {
	if err := q.p.WritePacket(p, nil); err != nil {
		q.log.Debug("gpu packet dropped", zap.Stringer("packet", p.ID()), zap.Error(err))
	}
}

// SoftBackend is a Backend driven by the CPU clock, for tests and for
// hosts without timer queries. With Hold set, results only become
// available on Flush.
type SoftBackend struct {
	Clock func() uint64
	Hold  bool

	mu       sync.Mutex
	next     uint32
	results  map[uint32]uint64
	ready    map[uint32]bool
	disjoint bool
}

func NewSoftBackend() *SoftBackend {
	return &SoftBackend{
		Clock:   proto.Nanoseconds,
		results: map[uint32]uint64{},
		ready:   map[uint32]bool{},
	}
}

func (b *SoftBackend) NewQuery() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return b.next
}

func (b *SoftBackend) Issue(q uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[q] = b.Clock()
	b.ready[q] = !b.Hold
}

func (b *SoftBackend) Available(q uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready[q]
}

func (b *SoftBackend) Result(q uint32) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results[q]
}

// MarkDisjoint makes the next Disjoint call report true.
func (b *SoftBackend) MarkDisjoint() {
	b.mu.Lock()
	b.disjoint = true
	b.mu.Unlock()
}

func (b *SoftBackend) Disjoint() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.disjoint
	b.disjoint = false
	return d
}

func (b *SoftBackend) Timestamp() uint64 { return b.Clock() }

func (b *SoftBackend) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for q := range b.results {
		b.ready[q] = true
	}
}
