package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/proto"
	"vrcap/perfcap/pkg/stream"
)

// MaxLogfLen bounds the formatted text of Logf.
const MaxLogfLen = 511

// Thread is a producer handle. Each Thread owns one stream per connection,
// so packets written through it reach the monitor in call order. Create one
// per long-lived goroutine (render loop, worker) and keep it; a Thread is
// safe for concurrent use but goroutines sharing it serialise on its stream.
type Thread struct {
	s     *Session
	name  string
	mu    sync.Mutex
	bound atomic.Pointer[binding]
}

type binding struct {
	gen uint32
	st  *stream.Stream
}

// Thread returns a new producer handle. name is announced to the monitor
// as the stream's thread name when non-empty.
func (s *Session) Thread(name string) *Thread {
	return &Thread{s: s, name: name}
}

// Default returns the Session's shared producer handle.
func (s *Session) Default() *Thread {
	s.defaultOnce.Do(func() { s.defaultThread = s.Thread("") })
	return s.defaultThread
}

func (t *Thread) Name() string { return t.name }

// Generation identifies the current connection. It changes on every
// connect, so helpers holding per-connection state can tell when to reset.
func (t *Thread) Generation() uint32 { return t.s.gen.Load() }

func (t *Thread) bind(gen uint32, st *stream.Stream) {
	t.bound.Store(&binding{gen: gen, st: st})
}

// out returns the stream for the current connection, acquiring it on first
// use. The caller holds the connection.
func (t *Thread) out() *stream.Stream {
	gen := t.s.gen.Load()
	if b := t.bound.Load(); b != nil && b.gen == gen {
		return b.st
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b := t.bound.Load(); b != nil && b.gen == gen {
		return b.st
	}
	st := t.s.streams.Acquire(t.name)
	t.bind(gen, st)
	return st
}

func (t *Thread) IsConnected() bool                     { return t.s.IsConnected() }
func (t *Thread) CheckConnectionFlag(f proto.Flag) bool { return t.s.CheckConnectionFlag(f) }
func (t *Thread) TryLockConnection(f proto.Flag) bool   { return t.s.TryLockConnection(f) }
func (t *Thread) UnlockConnection()                     { t.s.UnlockConnection() }

// WritePacket appends p to this thread's stream. The caller must hold the
// connection (TryLockConnection).
func (t *Thread) WritePacket(p proto.Packet, payload []byte) error {
	return t.out().WritePacket(p, payload)
}

func (t *Thread) write(p proto.Packet, payload []byte) {
	if err := t.WritePacket(p, payload); err != nil {
		t.s.log.Debug("capture packet dropped", zap.Stringer("packet", p.ID()), zap.Error(err))
	}
}

// ResolveLabel returns the hash of l, announcing the name on first use in
// this connection. The caller must hold the connection.
func (t *Thread) ResolveLabel(l *label.Label) uint32 {
	return t.s.labels.Resolve(l, t.s.gen.Load(), t.announce)
}

func (t *Thread) announce(hash uint32, l *label.Label) {
	t.s.metrics.LabelAnnounced()
	t.write(proto.Label{LabelID: hash}, l.WireName())
}

// FrameIndex marks the frame this thread is working on.
func (t *Thread) FrameIndex(index uint64) {
	if !t.TryLockConnection(0) {
		return
	}
	t.write(proto.Frame{Timestamp: proto.Nanoseconds(), FrameIndex: index}, nil)
	t.UnlockConnection()
}

// VSyncTimestamp marks a vsync at ns on the proto.Nanoseconds clock.
func (t *Thread) VSyncTimestamp(ns uint64) {
	if !t.TryLockConnection(0) {
		return
	}
	t.write(proto.VSync{Timestamp: ns}, nil)
	t.UnlockConnection()
}

// FrameBuffer submits an encoded image. Unsupported formats, DXT1 images
// whose sides are not multiples of 4 and short buffers are reported as a
// warning log event and otherwise ignored.
func (t *Thread) FrameBuffer(ts uint64, format proto.FrameBufferFormat, width, height uint32, pixels []byte) {
	if !t.TryLockConnection(proto.FlagFrameBuffer) {
		return
	}
	defer t.UnlockConnection()
	bpp := format.BitsPerPixel()
	if bpp == 0 {
		t.warnf("FrameBuffer: format (%d) not supported", uint32(format))
		return
	}
	if format == proto.FrameBufferDXT1 && (width&3 != 0 || height&3 != 0) {
		t.warnf("FrameBuffer: DXT1 dimensions must be multiples of 4, got %dx%d", width, height)
		return
	}
	size := (uint64(bpp) * uint64(width) * uint64(height)) >> 3
	if uint64(len(pixels)) < size {
		t.warnf("FrameBuffer: %dx%d %s needs %d bytes, got %d", width, height, format, size, len(pixels))
		return
	}
	t.write(proto.FrameBuffer{Format: format, Width: width, Height: height, Timestamp: ts}, pixels[:size])
}

// Log sends msg as a log event. Empty messages are dropped; messages longer
// than 65535 bytes are truncated.
func (t *Thread) Log(priority proto.LogPriority, msg string) {
	if msg == "" || !t.TryLockConnection(proto.FlagLogging) {
		return
	}
	if len(msg) > 0xffff {
		msg = msg[:0xffff]
	}
	t.write(proto.Log{Timestamp: proto.Nanoseconds(), Priority: priority}, []byte(msg))
	t.UnlockConnection()
}

// Logf formats at most MaxLogfLen bytes and sends them as a log event.
func (t *Thread) Logf(priority proto.LogPriority, format string, args ...any) {
	if !t.CheckConnectionFlag(proto.FlagLogging) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if len(msg) > MaxLogfLen {
		msg = msg[:MaxLogfLen]
	}
	t.Log(priority, msg)
}

// warnf reports a misuse of the capture API into the stream itself.
func (t *Thread) warnf(format string, args ...any) {
	t.s.log.Debug("capture call ignored", zap.String("reason", fmt.Sprintf(format, args...)))
	t.Logf(proto.LogWarning, format, args...)
}

// EnterCPUZone opens a zone; every Enter needs a matching LeaveCPUZone on
// the same Thread. Zones nest.
func (t *Thread) EnterCPUZone(l *label.Label) {
	if !t.TryLockConnection(proto.FlagCPUZones) {
		return
	}
	t.write(proto.CPUZoneEnter{LabelID: t.ResolveLabel(l), Timestamp: proto.Nanoseconds()}, nil)
	t.UnlockConnection()
}

func (t *Thread) LeaveCPUZone() {
	if !t.TryLockConnection(proto.FlagCPUZones) {
		return
	}
	t.write(proto.CPUZoneLeave{Timestamp: proto.Nanoseconds()}, nil)
	t.UnlockConnection()
}

// CPUZone enters a zone and returns the matching leave:
//
//	defer th.CPUZone(updateLabel)()
func (t *Thread) CPUZone(l *label.Label) func() {
	t.EnterCPUZone(l)
	return t.LeaveCPUZone
}

// EnterGPUZoneAt records a GPU zone start at a GPU timestamp.
func (t *Thread) EnterGPUZoneAt(l *label.Label, gpuTime uint64) {
	if !t.TryLockConnection(proto.FlagGPUZones) {
		return
	}
	t.write(proto.GPUZoneEnter{LabelID: t.ResolveLabel(l), Timestamp: gpuTime}, nil)
	t.UnlockConnection()
}

func (t *Thread) LeaveGPUZoneAt(gpuTime uint64) {
	if !t.TryLockConnection(proto.FlagGPUZones) {
		return
	}
	t.write(proto.GPUZoneLeave{Timestamp: gpuTime}, nil)
	t.UnlockConnection()
}

// GPUClockSync pairs a CPU and a GPU timestamp taken at the same instant.
func (t *Thread) GPUClockSync(cpuTime, gpuTime uint64) {
	if !t.TryLockConnection(proto.FlagGPUZones) {
		return
	}
	t.write(proto.GPUClockSync{TimestampCPU: cpuTime, TimestampGPU: gpuTime}, nil)
	t.UnlockConnection()
}

// MemoryAlloc reports an allocation of size bytes at ptr. Sizes above 4 GiB
// are clamped.
func (t *Thread) MemoryAlloc(size uint64, ptr uintptr) {
	if !t.TryLockConnection(proto.FlagMemory) {
		return
	}
	t.write(proto.MemoryAlloc{Timestamp: proto.Nanoseconds(), Size: clampSize(size), Ptr: uint64(ptr)}, nil)
	t.UnlockConnection()
}

func (t *Thread) MemoryRealloc(size uint64, oldPtr, newPtr uintptr) {
	if !t.TryLockConnection(proto.FlagMemory) {
		return
	}
	t.write(proto.MemoryRealloc{
		Timestamp: proto.Nanoseconds(),
		Size:      clampSize(size),
		OldPtr:    uint64(oldPtr),
		NewPtr:    uint64(newPtr),
	}, nil)
	t.UnlockConnection()
}

func (t *Thread) MemoryFree(ptr uintptr) {
	if !t.TryLockConnection(proto.FlagMemory) {
		return
	}
	t.write(proto.MemoryFree{Timestamp: proto.Nanoseconds(), Ptr: uint64(ptr)}, nil)
	t.UnlockConnection()
}

func clampSize(n uint64) uint32 {
	if n > 0xffffffff {
		return 0xffffffff
	}
	return uint32(n)
}

// Sensor sets the current value of a sensor. The range is announced when
// it differs from the last one seen for the label; the value is always
// sent. min, max, interp and units should stay constant per label.
func (t *Thread) Sensor(l *label.Label, value, min, max float32, interp proto.SensorInterpolator, units proto.SensorUnit) {
	if !t.TryLockConnection(0) {
		return
	}
	defer t.UnlockConnection()
	id := t.ResolveLabel(l)
	ts := proto.Nanoseconds()
	if t.s.sensors.update(id, sensorRange{min: min, max: max, interp: interp, units: units}) {
		t.write(proto.SensorRange{LabelID: id, Interpolator: interp, Units: units, Min: min, Max: max}, nil)
	}
	t.write(proto.SensorSet{LabelID: id, Value: value, Timestamp: ts}, nil)
}

// HeadPose reports the head orientation (x, y, z, w) and position.
func (t *Thread) HeadPose(orientation [4]float32, position [3]float32) {
	if !t.TryLockConnection(proto.FlagHeadTracking) {
		return
	}
	t.write(proto.HeadTransform{Timestamp: proto.Nanoseconds(), Orientation: orientation, Position: position}, nil)
	t.UnlockConnection()
}

// GetFloat returns the monitor's value for a tunable float, or def when
// disconnected or not yet overridden. The first call, and any call with a
// different def/min/max, announces the range.
func (t *Thread) GetFloat(l *label.Label, def, min, max float32) float32 {
	if !t.TryLockConnection(0) {
		return def
	}
	defer t.UnlockConnection()
	id := t.ResolveLabel(l)
	v, announce := t.s.params.getFloat(id, def, min, max)
	if announce {
		t.write(proto.FloatParamRange{LabelID: id, Value: def, Min: min, Max: max}, nil)
	}
	return v
}

// GetInt is GetFloat for integers.
func (t *Thread) GetInt(l *label.Label, def, min, max int32) int32 {
	if !t.TryLockConnection(0) {
		return def
	}
	defer t.UnlockConnection()
	id := t.ResolveLabel(l)
	v, announce := t.s.params.getInt(id, def, min, max)
	if announce {
		t.write(proto.IntParamRange{LabelID: id, Value: def, Min: min, Max: max}, nil)
	}
	return v
}

// GetBool is GetFloat for switches.
func (t *Thread) GetBool(l *label.Label, def bool) bool {
	if !t.TryLockConnection(0) {
		return def
	}
	defer t.UnlockConnection()
	id := t.ResolveLabel(l)
	v, announce := t.s.params.getBool(id, def)
	if announce {
		t.write(proto.BoolParamSet{LabelID: id, Value: def}, nil)
	}
	return v
}

// ButtonClicked reports whether the monitor clicked the button since the
// last call. The first call announces the button and returns false.
func (t *Thread) ButtonClicked(l *label.Label) bool {
	if !t.TryLockConnection(0) {
		return false
	}
	defer t.UnlockConnection()
	id := t.ResolveLabel(l)
	clicked, isNew := t.s.params.clicked(id)
	if isNew {
		t.write(proto.ButtonParam{LabelID: id}, nil)
	}
	return clicked
}
