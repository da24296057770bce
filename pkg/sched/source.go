package sched

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"vrcap/perfcap/pkg/proto"
)

// DefaultPollPeriod is how often ThreadSource samples thread CPU times.
const DefaultPollPeriod = 10 * time.Millisecond

// ThreadSource samples the OS threads of one process with gopsutil and
// appends scheduler records to a Ring.
type ThreadSource struct {
	proc   *process.Process
	ring   *Ring
	period time.Duration
	log    *zap.Logger
	known  map[int32]uint64
}

// NewThreadSource watches pid (0 = this process).
func NewThreadSource(pid int32, ring *Ring, period time.Duration, log *zap.Logger) (*ThreadSource, error) {
	if pid == 0 {
		pid = int32(os.Getpid())
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("sched: open process %d: %w", pid, err)
	}
	if period <= 0 {
		period = DefaultPollPeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ThreadSource{proc: p, ring: ring, period: period, log: log, known: map[int32]uint64{}}, nil
}

func (s *ThreadSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		if err := s.Poll(ctx); err != nil {
			s.log.Warn("thread poll failed; scheduler source stopping", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll takes one sample of every thread.
func (s *ThreadSource) Poll(ctx context.Context) error {
	threads, err := s.proc.ThreadsWithContext(ctx)
	if err != nil {
		return err
	}
	now := proto.Nanoseconds()
	for tid, ts := range threads {
		if ts == nil {
			continue
		}
		running := uint64((ts.User + ts.System) * float64(time.Second))
		prev, ok := s.known[tid]
		s.known[tid] = running
		if !ok {
			s.ring.Append(Record{Kind: KindFork, TID: uint32(tid), Time: now, Running: running, Name: threadName(ctx, tid)})
			continue
		}
		if running != prev {
			s.ring.Append(Record{Kind: KindSample, TID: uint32(tid), CPU: lastCPU(s.proc.Pid, tid), Time: now, Running: running})
		}
	}
	for tid := range s.known {
		if _, ok := threads[tid]; !ok {
			s.ring.Append(Record{Kind: KindExit, TID: uint32(tid), Time: now})
			delete(s.known, tid)
		}
	}
	return nil
}

func threadName(ctx context.Context, tid int32) string {
	// /proc/<tid> resolves for threads of any process on Linux
	p, err := process.NewProcessWithContext(ctx, tid)
	if err != nil {
		return ""
	}
	n, _ := p.NameWithContext(ctx)
	return n
}

// lastCPU reads the "processor" field of /proc/<pid>/task/<tid>/stat.
func lastCPU(pid, tid int32) uint32 {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/stat", pid, tid))
	if err != nil {
		return 0
	}
	// the comm field may contain spaces; fields restart after the last ')'
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return 0
	}
	fields := strings.Fields(s[i+1:])
	// fields[0] is field 3 (state); processor is field 39
	const idx = 39 - 3
	if len(fields) <= idx {
		return 0
	}
	cpu, err := strconv.ParseUint(fields[idx], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(cpu)
}
