package capture

import (
	"sync/atomic"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/proto"
)

// Re-exported so applications only import capture.
type (
	Flag               = proto.Flag
	LogPriority        = proto.LogPriority
	FrameBufferFormat  = proto.FrameBufferFormat
	SensorInterpolator = proto.SensorInterpolator
	SensorUnit         = proto.SensorUnit
	Label              = label.Label
)

const (
	FlagCPUZones       = proto.FlagCPUZones
	FlagGPUZones       = proto.FlagGPUZones
	FlagCPUClocks      = proto.FlagCPUClocks
	FlagGPUClocks      = proto.FlagGPUClocks
	FlagThermalSensors = proto.FlagThermalSensors
	FlagFrameBuffer    = proto.FlagFrameBuffer
	FlagLogging        = proto.FlagLogging
	FlagCPUScheduler   = proto.FlagCPUScheduler
	FlagGraphicsAPI    = proto.FlagGraphicsAPI
	FlagMemory         = proto.FlagMemory
	FlagHeadTracking   = proto.FlagHeadTracking
	AllFlags           = proto.AllFlags
	DefaultFlags       = proto.DefaultFlags

	LogInfo    = proto.LogInfo
	LogWarning = proto.LogWarning
	LogError   = proto.LogError

	InterpolateLinear  = proto.InterpolateLinear
	InterpolateNearest = proto.InterpolateNearest

	FrameBufferRGB565   = proto.FrameBufferRGB565
	FrameBufferRGBA8888 = proto.FrameBufferRGBA8888
	FrameBufferDXT1     = proto.FrameBufferDXT1

	UnitNone    = proto.UnitNone
	UnitHz      = proto.UnitHz
	UnitMHz     = proto.UnitMHz
	UnitByte    = proto.UnitByte
	UnitKByte   = proto.UnitKByte
	UnitMByte   = proto.UnitMByte
	UnitCelsius = proto.UnitCelsius
)

// NewLabel declares a label. Keep the result in a package variable.
func NewLabel(name string) *Label { return label.New(name) }

// Nanoseconds is the capture clock.
func Nanoseconds() uint64 { return proto.Nanoseconds() }

var defaultSession atomic.Pointer[Session]

func init() {
	defaultSession.Store(NewSession(DefaultOptions()))
}

// Configure replaces the default session. It fails once the default
// session is initialized.
func Configure(opts Options) error {
	s := defaultSession.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initFlags != 0 {
		return ErrAlreadyInitialized
	}
	defaultSession.Store(NewSession(opts))
	return nil
}

// Default returns the session behind the package-level functions.
func Default() *Session { return defaultSession.Load() }

// NewThread returns a producer handle on the default session.
func NewThread(name string) *Thread { return Default().Thread(name) }

// The package-level producer calls share one stream. Zones from several
// goroutines would interleave on it, so concurrent producers should each
// use their own Thread.
func th() *Thread { return Default().Default() }

func InitForRemoteCapture(flags Flag, onConnect OnConnectFunc, onDisconnect OnDisconnectFunc) error {
	return Default().InitForRemoteCapture(flags, onConnect, onDisconnect)
}

func InitForLocalCapture(path string, flags Flag, onConnect OnConnectFunc, onDisconnect OnDisconnectFunc) error {
	return Default().InitForLocalCapture(path, flags, onConnect, onDisconnect)
}

func Shutdown()                          { Default().Shutdown() }
func IsConnected() bool                  { return Default().IsConnected() }
func CheckConnectionFlag(f Flag) bool    { return Default().CheckConnectionFlag(f) }
func FrameIndex(index uint64)            { th().FrameIndex(index) }
func VSyncTimestamp(ns uint64)           { th().VSyncTimestamp(ns) }
func Log(priority LogPriority, s string) { th().Log(priority, s) }
func MemoryFree(ptr uintptr)             { th().MemoryFree(ptr) }
func ButtonClicked(l *Label) bool        { return th().ButtonClicked(l) }

// EnterCPUZone opens a zone on the shared default stream. The monitor pairs
// enters and leaves per stream, so zones entered from several goroutines at
// once would be matched wrongly; give each such goroutine its own NewThread.
func EnterCPUZone(l *Label) { th().EnterCPUZone(l) }

// LeaveCPUZone closes the innermost zone of the default stream. See
// EnterCPUZone about concurrent use.
func LeaveCPUZone() { th().LeaveCPUZone() }

// CPUZone enters l and returns the matching leave, for use with defer. It has
// the same single-goroutine rule as EnterCPUZone.
func CPUZone(l *Label) func() { return th().CPUZone(l) }

func Logf(priority LogPriority, format string, args ...any) {
	th().Logf(priority, format, args...)
}

func FrameBuffer(ts uint64, format FrameBufferFormat, width, height uint32, pixels []byte) {
	th().FrameBuffer(ts, format, width, height, pixels)
}

func EnterGPUZoneAt(l *Label, gpuTime uint64) { th().EnterGPUZoneAt(l, gpuTime) }
func LeaveGPUZoneAt(gpuTime uint64)           { th().LeaveGPUZoneAt(gpuTime) }
func GPUClockSync(cpuTime, gpuTime uint64)    { th().GPUClockSync(cpuTime, gpuTime) }

func MemoryAlloc(size uint64, ptr uintptr)              { th().MemoryAlloc(size, ptr) }
func MemoryRealloc(size uint64, oldPtr, newPtr uintptr) { th().MemoryRealloc(size, oldPtr, newPtr) }

func Sensor(l *Label, value, min, max float32, interp SensorInterpolator, units SensorUnit) {
	th().Sensor(l, value, min, max, interp, units)
}

func HeadPose(orientation [4]float32, position [3]float32) { th().HeadPose(orientation, position) }

func GetFloat(l *Label, def, min, max float32) float32 { return th().GetFloat(l, def, min, max) }
func GetInt(l *Label, def, min, max int32) int32       { return th().GetInt(l, def, min, max) }
func GetBool(l *Label, def bool) bool                  { return th().GetBool(l, def) }
