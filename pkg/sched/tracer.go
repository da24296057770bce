package sched

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/proto"
)

// DefaultDrainPeriod is how often the Tracer empties the ring.
const DefaultDrainPeriod = 50 * time.Millisecond

// Emitter is the capture connection as seen by the tracer.
type Emitter interface {
	TryLockConnection(f proto.Flag) bool
	UnlockConnection()
	WritePacket(p proto.Packet, payload []byte) error
}

type task struct {
	totalTime uint64
}

type Tracer struct {
	ring   *Ring
	out    Emitter
	period time.Duration
	log    *zap.Logger
	tasks  map[uint32]*task
}

func NewTracer(ring *Ring, out Emitter, period time.Duration, log *zap.Logger) *Tracer {
	if period <= 0 {
		period = DefaultDrainPeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracer{ring: ring, out: out, period: period, log: log, tasks: map[uint32]*task{}}
}

// Run drains the ring every period until ctx ends or the connection stops
// carrying the CPU scheduler feature.
func (t *Tracer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !t.out.TryLockConnection(proto.FlagCPUScheduler) {
			return
		}
		t.Drain()
		// unlock only after every record is processed
		t.out.UnlockConnection()
	}
}

// Drain converts pending records into packets. The caller must hold the
// connection.
func (t *Tracer) Drain() int {
	var dead []uint32
	n := t.ring.Drain(func(r Record) {
		switch r.Kind {
		case KindSample:
			tk := t.tasks[r.TID]
			if tk == nil {
				tk = &task{totalTime: r.Running}
				t.tasks[r.TID] = tk
				return
			}
			delta := r.Running - tk.totalTime
			if r.Running < tk.totalTime {
				delta = 0
			}
			enter := r.Time - delta
			if delta > r.Time {
				enter = 0
			}
			t.write(proto.CPUContextSwitch{
				TimestampEnter: enter,
				TimestampLeave: r.Time,
				ThreadID:       r.TID,
				CPUID:          r.CPU,
			}, nil)
			tk.totalTime = r.Running
		case KindFork:
			t.tasks[r.TID] = &task{totalTime: r.Running}
			if r.Name != "" {
				t.write(proto.ThreadName{ThreadID: r.TID}, []byte(r.Name))
			}
		case KindExit:
			dead = append(dead, r.TID)
		default:
			t.log.Warn("unknown scheduler record", zap.Uint16("kind", uint16(r.Kind)), zap.Uint32("tid", r.TID))
		}
	})
	for _, tid := range dead {
		delete(t.tasks, tid)
	}
	return n
}

func (t *Tracer) write(p proto.Packet, payload []byte) {
	if err := t.out.WritePacket(p, payload); err != nil {
		t.log.Debug("scheduler packet dropped", zap.Stringer("packet", p.ID()), zap.Error(err))
	}
}

// Tasks returns the number of threads currently tracked.
func (t *Tracer) Tasks() int { return len(t.tasks) }
