package proto

import (
	"fmt"
	"strings"
	"time"
)

type FrameBufferFormat uint32

const (
	FrameBufferRGB565 FrameBufferFormat = iota
	FrameBufferRGBA8888
	FrameBufferDXT1
)

// BitsPerPixel returns 0 for unknown formats.
func (f FrameBufferFormat) BitsPerPixel() uint32 {
	switch f {
	case FrameBufferRGB565:
		return 16
	case FrameBufferRGBA8888:
		return 32
	case FrameBufferDXT1:
		return 4
	}
	return 0
}

func (f FrameBufferFormat) String() string {
	switch f {
	case FrameBufferRGB565:
		return "RGB565"
	case FrameBufferRGBA8888:
		return "RGBA8888"
	case FrameBufferDXT1:
		return "DXT1"
	}
	return fmt.Sprintf("FrameBufferFormat(%d)", uint32(f))
}

type SensorInterpolator uint16

const (
	InterpolateLinear SensorInterpolator = iota
	InterpolateNearest
)

type SensorUnit uint16

const (
	UnitNone SensorUnit = iota
	UnitHz
	UnitKHz
	UnitMHz
	UnitGHz
	UnitByte
	UnitKByte
	UnitMByte
	UnitGByte
	UnitBytePerSecond
	UnitKBytePerSecond
	UnitMBytePerSecond
	UnitGBytePerSecond
	UnitCelsius
	UnitFahrenheit
)

var unitNames = [...]string{"", "Hz", "KHz", "MHz", "GHz", "B", "KB", "MB", "GB", "B/s", "KB/s", "MB/s", "GB/s", "C", "F"}

func (u SensorUnit) String() string {
	if int(u) < len(unitNames) {
		return unitNames[u]
	}
	return fmt.Sprintf("SensorUnit(%d)", uint16(u))
}

type LogPriority uint32

const (
	LogInfo LogPriority = iota
	LogWarning
	LogError
)

func (p LogPriority) String() string {
	switch p {
	case LogInfo:
		return "info"
	case LogWarning:
		return "warning"
	case LogError:
		return "error"
	}
	return fmt.Sprintf("LogPriority(%d)", uint32(p))
}

// ParseLogPriority accepts "info", "warning"/"warn" and "error".
func ParseLogPriority(s string) (LogPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "":
		return LogInfo, nil
	case "warning", "warn":
		return LogWarning, nil
	case "error":
		return LogError, nil
	}
	return LogInfo, fmt.Errorf("proto: unknown log priority %q", s)
}

var epoch = time.Now()

// Nanoseconds is the capture clock: monotonic nanoseconds since process start.
func Nanoseconds() uint64 { return uint64(time.Since(epoch)) }
