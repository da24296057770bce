package proto

import (
	"fmt"
	"strings"
)

// Flag is a capture feature bit negotiated during the handshake.
type Flag uint32

const (
	FlagCPUZones Flag = 1 << iota
	FlagGPUZones
	FlagCPUClocks
	FlagGPUClocks
	FlagThermalSensors
	FlagFrameBuffer
	FlagLogging
	FlagCPUScheduler
	FlagGraphicsAPI
	FlagMemory
	FlagHeadTracking

	AllFlags     = FlagCPUZones | FlagGPUZones | FlagCPUClocks | FlagGPUClocks | FlagThermalSensors | FlagFrameBuffer | FlagLogging | FlagCPUScheduler | FlagGraphicsAPI | FlagMemory | FlagHeadTracking
	DefaultFlags = AllFlags &^ (FlagGPUZones | FlagMemory)
)

var flagNames = []struct {
	f    Flag
	name string
}{
	{FlagCPUZones, "cpu_zones"},
	{FlagGPUZones, "gpu_zones"},
	{FlagCPUClocks, "cpu_clocks"},
	{FlagGPUClocks, "gpu_clocks"},
	{FlagThermalSensors, "thermal_sensors"},
	{FlagFrameBuffer, "frame_buffer"},
	{FlagLogging, "logging"},
	{FlagCPUScheduler, "cpu_scheduler"},
	{FlagGraphicsAPI, "graphics_api"},
	{FlagMemory, "memory"},
	{FlagHeadTracking, "head_tracking"},
}

func (f Flag) Has(o Flag) bool { return f&o != 0 }

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ AllFlags; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, ",")
}

// ParseFlags turns names like "cpu_zones" into a mask. "default" and "all"
// expand to DefaultFlags and AllFlags.
func ParseFlags(names []string) (Flag, error) {
	var out Flag
	for _, raw := range names {
		s := strings.ToLower(strings.TrimSpace(raw))
		switch s {
		case "":
			continue
		case "default":
			out |= DefaultFlags
			continue
		case "all":
			out |= AllFlags
			continue
		}
		found := false
		for _, n := range flagNames {
			if n.name == s {
				out |= n.f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("proto: unknown capture flag %q", raw)
		}
	}
	return out, nil
}
