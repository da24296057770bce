package proto

import "fmt"

// Descriptor describes one packet kind. Size is the fixed body size without
// the id byte. PayloadWidth is 0 (no payload), 1, 2 or 4 bytes.
// PayloadAlign is the producer-side alignment of the payload source and is
// not transmitted.
type Descriptor struct {
	ID           PacketID
	Version      uint32
	Size         uint32
	PayloadWidth uint32
	PayloadAlign uint32
}

// MaxPayload is the largest payload the length field can express.
func (d Descriptor) MaxPayload() uint64 {
	switch d.PayloadWidth {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	}
	return 0
}

// HasPayload reports whether packets of this kind carry a payload.
func (d Descriptor) HasPayload() bool { return d.PayloadWidth > 0 }

var catalog = [...]Descriptor{
	{ID: PacketThreadName, Version: 2, Size: 4, PayloadWidth: 1, PayloadAlign: 1},
	{ID: PacketLabel, Version: 1, Size: 4, PayloadWidth: 1, PayloadAlign: 1},
	{ID: PacketFrame, Version: 2, Size: 16},
	{ID: PacketVSync, Version: 1, Size: 8},
	{ID: PacketCPUZoneEnter, Version: 1, Size: 12},
	{ID: PacketCPUZoneLeave, Version: 1, Size: 8},
	{ID: PacketGPUZoneEnter, Version: 1, Size: 12},
	{ID: PacketGPUZoneLeave, Version: 1, Size: 8},
	{ID: PacketGPUClockSync, Version: 1, Size: 16},
	{ID: PacketSensorSet, Version: 1, Size: 16},
	{ID: PacketSensorRange, Version: 1, Size: 16},
	{ID: PacketFrameBuffer, Version: 1, Size: 20, PayloadWidth: 4, PayloadAlign: 4},
	{ID: PacketLog, Version: 1, Size: 12, PayloadWidth: 2, PayloadAlign: 1},
	{ID: PacketFloatParamRange, Version: 1, Size: 16},
	{ID: PacketFloatParamSet, Version: 1, Size: 8},
	{ID: PacketIntParamRange, Version: 1, Size: 16},
	{ID: PacketIntParamSet, Version: 1, Size: 8},
	{ID: PacketBoolParamSet, Version: 1, Size: 8},
	{ID: PacketMemoryAlloc, Version: 1, Size: 20},
	{ID: PacketMemoryRealloc, Version: 1, Size: 28},
	{ID: PacketMemoryFree, Version: 1, Size: 16},
	{ID: PacketHeadTransform, Version: 1, Size: 36},
	{ID: PacketCPUContextSwitch, Version: 1, Size: 24},
	{ID: PacketButtonParam, Version: 1, Size: 4},
}

var byID [256]Descriptor

var packetNames = map[PacketID]string{
	PacketThreadName:       "ThreadName",
	PacketLabel:            "Label",
	PacketFrame:            "Frame",
	PacketVSync:            "VSync",
	PacketCPUZoneEnter:     "CPUZoneEnter",
	PacketCPUZoneLeave:     "CPUZoneLeave",
	PacketGPUZoneEnter:     "GPUZoneEnter",
	PacketGPUZoneLeave:     "GPUZoneLeave",
	PacketGPUClockSync:     "GPUClockSync",
	PacketSensorSet:        "SensorSet",
	PacketSensorRange:      "SensorRange",
	PacketFrameBuffer:      "FrameBuffer",
	PacketLog:              "Log",
	PacketFloatParamRange:  "FloatParamRange",
	PacketFloatParamSet:    "FloatParamSet",
	PacketIntParamRange:    "IntParamRange",
	PacketIntParamSet:      "IntParamSet",
	PacketBoolParamSet:     "BoolParamSet",
	PacketMemoryAlloc:      "MemoryAlloc",
	PacketMemoryRealloc:    "MemoryRealloc",
	PacketMemoryFree:       "MemoryFree",
	PacketHeadTransform:    "HeadTransform",
	PacketCPUContextSwitch: "CPUContextSwitch",
	PacketButtonParam:      "ButtonParam",
}

func init() {
	for _, d := range catalog {
		byID[d.ID] = d
		// the fixed layout must match the encoder exactly
		p, _ := NewPacket(d.ID)
		if n := measure(p); n != int(d.Size) {
			panic(fmt.Sprintf("proto: %s encodes %d bytes, descriptor says %d", d.ID, n, d.Size))
		}
	}
}

func measure(p Packet) int {
	e := encoder{b: make([]byte, 64)}
	p.put(&e)
	return e.off
}

// Catalog returns the descriptors of every packet kind in id order.
func Catalog() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog[:])
	return out
}

// Lookup returns the descriptor for id, or a zero Descriptor if unknown.
func Lookup(id PacketID) Descriptor { return byID[id] }

func (id PacketID) String() string {
	if n, ok := packetNames[id]; ok {
		return n
	}
	return fmt.Sprintf("Packet(%d)", uint8(id))
}
