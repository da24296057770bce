package proto

// Wire protocol (little-endian, 4-byte packed fixed bodies)
//
// Every packet on a stream is [id u8][fixed body][payload length][payload].
// The payload length field only exists for kinds whose descriptor has a
// non-zero PayloadWidth.

type PacketID uint8

const (
	PacketThreadName PacketID = iota + 1
	PacketLabel
	PacketFrame
	PacketVSync
	PacketCPUZoneEnter
	PacketCPUZoneLeave
	PacketGPUZoneEnter
	PacketGPUZoneLeave
	PacketGPUClockSync
	PacketSensorSet
	PacketSensorRange
	PacketFrameBuffer
	PacketLog
	PacketFloatParamRange
	PacketFloatParamSet
	PacketIntParamRange
	PacketIntParamSet
	PacketBoolParamSet
	PacketMemoryAlloc
	PacketMemoryRealloc
	PacketMemoryFree
	PacketHeadTransform
	PacketCPUContextSwitch
	PacketButtonParam
)

// Packet is implemented by every fixed packet body in this package.
// Decoded packets are returned as pointers (*CPUZoneEnter, ...).
type Packet interface {
	ID() PacketID
	put(e *encoder)
}

type decodable interface {
	Packet
	get(d *decoder)
}

// ThreadName carries the stream's thread id; the name is the payload.
type ThreadName struct {
	ThreadID uint32
}

// Label maps a hash to its string; the name is the payload.
type Label struct {
	LabelID uint32
}

type Frame struct {
	Timestamp  uint64
	FrameIndex uint64
}

type VSync struct {
	Timestamp uint64
}

type CPUZoneEnter struct {
	LabelID   uint32
	Timestamp uint64
}

type CPUZoneLeave struct {
	Timestamp uint64
}

type GPUZoneEnter struct {
	LabelID   uint32
	Timestamp uint64
}

type GPUZoneLeave struct {
	Timestamp uint64
}

type GPUClockSync struct {
	TimestampCPU uint64
	TimestampGPU uint64
}

type SensorSet struct {
	LabelID   uint32
	Value     float32
	Timestamp uint64
}

type SensorRange struct {
	LabelID      uint32
	Interpolator SensorInterpolator
	Units        SensorUnit
	Min          float32
	Max          float32
}

// FrameBuffer is followed by the encoded pixels (u32 length).
type FrameBuffer struct {
	Format    FrameBufferFormat
	Width     uint32
	Height    uint32
	Timestamp uint64
}

// Log is followed by the message text (u16 length).
type Log struct {
	Timestamp uint64
	Priority  LogPriority
}

type FloatParamRange struct {
	LabelID uint32
	Value   float32
	Min     float32
	Max     float32
}

type FloatParamSet struct {
	LabelID uint32
	Value   float32
}

type IntParamRange struct {
	LabelID uint32
	Value   int32
	Min     int32
	Max     int32
}

type IntParamSet struct {
	LabelID uint32
	Value   int32
}

type BoolParamSet struct {
	LabelID uint32
	Value   bool
}

type MemoryAlloc struct {
	Timestamp uint64
	Size      uint32
	Ptr       uint64
}

type MemoryRealloc struct {
	Timestamp uint64
	Size      uint32
	OldPtr    uint64
	NewPtr    uint64
}

type MemoryFree struct {
	Timestamp uint64
	Ptr       uint64
}

type HeadTransform struct {
	Timestamp   uint64
	Orientation [4]float32 // x, y, z, w
	Position    [3]float32
}

type CPUContextSwitch struct {
	TimestampEnter uint64
	TimestampLeave uint64
	ThreadID       uint32
	CPUID          uint32
}

type ButtonParam struct {
	LabelID uint32
}

func (ThreadName) ID() PacketID       { return PacketThreadName }
func (Label) ID() PacketID            { return PacketLabel }
func (Frame) ID() PacketID            { return PacketFrame }
func (VSync) ID() PacketID            { return PacketVSync }
func (CPUZoneEnter) ID() PacketID     { return PacketCPUZoneEnter }
func (CPUZoneLeave) ID() PacketID     { return PacketCPUZoneLeave }
func (GPUZoneEnter) ID() PacketID     { return PacketGPUZoneEnter }
func (GPUZoneLeave) ID() PacketID     { return PacketGPUZoneLeave }
func (GPUClockSync) ID() PacketID     { return PacketGPUClockSync }
func (SensorSet) ID() PacketID        { return PacketSensorSet }
func (SensorRange) ID() PacketID      { return PacketSensorRange }
func (FrameBuffer) ID() PacketID      { return PacketFrameBuffer }
func (Log) ID() PacketID              { return PacketLog }
func (FloatParamRange) ID() PacketID  { return PacketFloatParamRange }
func (FloatParamSet) ID() PacketID    { return PacketFloatParamSet }
func (IntParamRange) ID() PacketID    { return PacketIntParamRange }
func (IntParamSet) ID() PacketID      { return PacketIntParamSet }
func (BoolParamSet) ID() PacketID     { return PacketBoolParamSet }
func (MemoryAlloc) ID() PacketID      { return PacketMemoryAlloc }
func (MemoryRealloc) ID() PacketID    { return PacketMemoryRealloc }
func (MemoryFree) ID() PacketID       { return PacketMemoryFree }
func (HeadTransform) ID() PacketID    { return PacketHeadTransform }
func (CPUContextSwitch) ID() PacketID { return PacketCPUContextSwitch }
func (ButtonParam) ID() PacketID      { return PacketButtonParam }

func (p ThreadName) put(e *encoder)  { e.u32(p.ThreadID) }
func (p *ThreadName) get(d *decoder) { p.ThreadID = d.u32() }

func (p Label) put(e *encoder)  { e.u32(p.LabelID) }
func (p *Label) get(d *decoder) { p.LabelID = d.u32() }

func (p Frame) put(e *encoder)  { e.u64(p.Timestamp); e.u64(p.FrameIndex) }
func (p *Frame) get(d *decoder) { p.Timestamp = d.u64(); p.FrameIndex = d.u64() }

func (p VSync) put(e *encoder)  { e.u64(p.Timestamp) }
func (p *VSync) get(d *decoder) { p.Timestamp = d.u64() }

func (p CPUZoneEnter) put(e *encoder)  { e.u32(p.LabelID); e.u64(p.Timestamp) }
func (p *CPUZoneEnter) get(d *decoder) { p.LabelID = d.u32(); p.Timestamp = d.u64() }

func (p CPUZoneLeave) put(e *encoder)  { e.u64(p.Timestamp) }
func (p *CPUZoneLeave) get(d *decoder) { p.Timestamp = d.u64() }

func (p GPUZoneEnter) put(e *encoder)  { e.u32(p.LabelID); e.u64(p.Timestamp) }
func (p *GPUZoneEnter) get(d *decoder) { p.LabelID = d.u32(); p.Timestamp = d.u64() }

func (p GPUZoneLeave) put(e *encoder)  { e.u64(p.Timestamp) }
func (p *GPUZoneLeave) get(d *decoder) { p.Timestamp = d.u64() }

func (p GPUClockSync) put(e *encoder)  { e.u64(p.TimestampCPU); e.u64(p.TimestampGPU) }
func (p *GPUClockSync) get(d *decoder) { p.TimestampCPU = d.u64(); p.TimestampGPU = d.u64() }

func (p SensorSet) put(e *encoder) { e.u32(p.LabelID); e.f32(p.Value); e.u64(p.Timestamp) }
func (p *SensorSet) get(d *decoder) {
	p.LabelID = d.u32()
	p.Value = d.f32()
	p.Timestamp = d.u64()
}

func (p SensorRange) put(e *encoder) {
	e.u32(p.LabelID)
	e.u16(uint16(p.Interpolator))
	e.u16(uint16(p.Units))
	e.f32(p.Min)
	e.f32(p.Max)
}

func (p *SensorRange) get(d *decoder) {
	p.LabelID = d.u32()
	p.Interpolator = SensorInterpolator(d.u16())
	p.Units = SensorUnit(d.u16())
	p.Min = d.f32()
	p.Max = d.f32()
}

func (p FrameBuffer) put(e *encoder) {
	e.u32(uint32(p.Format))
	e.u32(p.Width)
	e.u32(p.Height)
	e.u64(p.Timestamp)
}

func (p *FrameBuffer) get(d *decoder) {
	p.Format = FrameBufferFormat(d.u32())
	p.Width = d.u32()
	p.Height = d.u32()
	p.Timestamp = d.u64()
}

func (p Log) put(e *encoder)  { e.u64(p.Timestamp); e.u32(uint32(p.Priority)) }
func (p *Log) get(d *decoder) { p.Timestamp = d.u64(); p.Priority = LogPriority(d.u32()) }

func (p FloatParamRange) put(e *encoder) { e.u32(p.LabelID); e.f32(p.Value); e.f32(p.Min); e.f32(p.Max) }
func (p *FloatParamRange) get(d *decoder) {
	p.LabelID = d.u32()
	p.Value = d.f32()
	p.Min = d.f32()
	p.Max = d.f32()
}

func (p FloatParamSet) put(e *encoder)  { e.u32(p.LabelID); e.f32(p.Value) }
func (p *FloatParamSet) get(d *decoder) { p.LabelID = d.u32(); p.Value = d.f32() }

func (p IntParamRange) put(e *encoder) {
	e.u32(p.LabelID)
	e.u32(uint32(p.Value))
	e.u32(uint32(p.Min))
	e.u32(uint32(p.Max))
}

func (p *IntParamRange) get(d *decoder) {
	p.LabelID = d.u32()
	p.Value = int32(d.u32())
	p.Min = int32(d.u32())
	p.Max = int32(d.u32())
}

func (p IntParamSet) put(e *encoder)  { e.u32(p.LabelID); e.u32(uint32(p.Value)) }
func (p *IntParamSet) get(d *decoder) { p.LabelID = d.u32(); p.Value = int32(d.u32()) }

func (p BoolParamSet) put(e *encoder) {
	e.u32(p.LabelID)
	if p.Value {
		e.u32(1)
	} else {
		e.u32(0)
	}
}
func (p *BoolParamSet) get(d *decoder) { p.LabelID = d.u32(); p.Value = d.u32() != 0 }

func (p MemoryAlloc) put(e *encoder) { e.u64(p.Timestamp); e.u32(p.Size); e.u64(p.Ptr) }
func (p *MemoryAlloc) get(d *decoder) {
	p.Timestamp = d.u64()
	p.Size = d.u32()
	p.Ptr = d.u64()
}

func (p MemoryRealloc) put(e *encoder) {
	e.u64(p.Timestamp)
	e.u32(p.Size)
	e.u64(p.OldPtr)
	e.u64(p.NewPtr)
}

func (p *MemoryRealloc) get(d *decoder) {
	p.Timestamp = d.u64()
	p.Size = d.u32()
	p.OldPtr = d.u64()
	p.NewPtr = d.u64()
}

func (p MemoryFree) put(e *encoder)  { e.u64(p.Timestamp); e.u64(p.Ptr) }
func (p *MemoryFree) get(d *decoder) { p.Timestamp = d.u64(); p.Ptr = d.u64() }

func (p HeadTransform) put(e *encoder) {
	e.u64(p.Timestamp)
	for _, v := range p.Orientation {
		e.f32(v)
	}
	for _, v := range p.Position {
		e.f32(v)
	}
}

func (p *HeadTransform) get(d *decoder) {
	p.Timestamp = d.u64()
	for i := range p.Orientation {
		p.Orientation[i] = d.f32()
	}
	for i := range p.Position {
		p.Position[i] = d.f32()
	}
}

func (p CPUContextSwitch) put(e *encoder) {
	e.u64(p.TimestampEnter)
	e.u64(p.TimestampLeave)
	e.u32(p.ThreadID)
	e.u32(p.CPUID)
}

func (p *CPUContextSwitch) get(d *decoder) {
	p.TimestampEnter = d.u64()
	p.TimestampLeave = d.u64()
	p.ThreadID = d.u32()
	p.CPUID = d.u32()
}

func (p ButtonParam) put(e *encoder)  { e.u32(p.LabelID) }
func (p *ButtonParam) get(d *decoder) { p.LabelID = d.u32() }
