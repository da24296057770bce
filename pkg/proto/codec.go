package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrShortBuffer       = errors.New("proto: short buffer")
	ErrUnknownPacket     = errors.New("proto: unknown packet id")
	ErrPayloadTooLarge   = errors.New("proto: payload too large for length field")
	ErrUnexpectedPayload = errors.New("proto: payload on packet kind without payload")
)

type encoder struct {
	b   []byte
	off int
}

func (e *encoder) u16(v uint16) { binary.LittleEndian.PutUint16(e.b[e.off:], v); e.off += 2 }
func (e *encoder) u32(v uint32) { binary.LittleEndian.PutUint32(e.b[e.off:], v); e.off += 4 }
func (e *encoder) u64(v uint64) { binary.LittleEndian.PutUint64(e.b[e.off:], v); e.off += 8 }
func (e *encoder) f32(v float32) { e.u32(math.Float32bits(v)) }

type decoder struct {
	b   []byte
	off int
}

func (d *decoder) u16() uint16 { v := binary.LittleEndian.Uint16(d.b[d.off:]); d.off += 2; return v }
func (d *decoder) u32() uint32 { v := binary.LittleEndian.Uint32(d.b[d.off:]); d.off += 4; return v }
func (d *decoder) u64() uint64 { v := binary.LittleEndian.Uint64(d.b[d.off:]); d.off += 8; return v }
func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

// EncodedSize returns the number of bytes AppendPacket writes for p with a
// payload of n bytes.
func EncodedSize(p Packet, n int) int {
	d := Lookup(p.ID())
	size := 1 + int(d.Size)
	if d.PayloadWidth > 0 {
		size += int(d.PayloadWidth) + n
	}
	return size
}

// AppendPacket appends the wire form of p and payload to dst.
func AppendPacket(dst []byte, p Packet, payload []byte) ([]byte, error) {
	d := Lookup(p.ID())
	if d.ID == 0 {
		return dst, fmt.Errorf("%w: %d", ErrUnknownPacket, p.ID())
	}
	if d.PayloadWidth == 0 && len(payload) > 0 {
		return dst, ErrUnexpectedPayload
	}
	if uint64(len(payload)) > d.MaxPayload() {
		return dst, fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, len(payload), p.ID())
	}
	start := len(dst)
	dst = grow(dst, EncodedSize(p, len(payload)))
	buf := dst[start:]
	buf[0] = byte(p.ID())
	e := encoder{b: buf, off: 1}
	p.put(&e)
	switch d.PayloadWidth {
	case 1:
		buf[e.off] = byte(len(payload))
		e.off++
	case 2:
		e.u16(uint16(len(payload)))
	case 4:
		e.u32(uint32(len(payload)))
	}
	copy(buf[e.off:], payload)
	return dst, nil
}

func grow(b []byte, n int) []byte {
	l := len(b)
	if cap(b)-l < n {
		nb := make([]byte, l, 2*cap(b)+n)
		copy(nb, b)
		b = nb
	}
	return b[:l+n]
}

// NewPacket returns a zero packet of the given kind ready for DecodeBody.
func NewPacket(id PacketID) (Packet, bool) {
	var p decodable
	switch id {
	case PacketThreadName:
		p = &ThreadName{}
	case PacketLabel:
		p = &Label{}
	case PacketFrame:
		p = &Frame{}
	case PacketVSync:
		p = &VSync{}
	case PacketCPUZoneEnter:
		p = &CPUZoneEnter{}
	case PacketCPUZoneLeave:
		p = &CPUZoneLeave{}
	case PacketGPUZoneEnter:
		p = &GPUZoneEnter{}
	case PacketGPUZoneLeave:
		p = &GPUZoneLeave{}
	case PacketGPUClockSync:
		p = &GPUClockSync{}
	case PacketSensorSet:
		p = &SensorSet{}
	case PacketSensorRange:
		p = &SensorRange{}
	case PacketFrameBuffer:
		p = &FrameBuffer{}
	case PacketLog:
		p = &Log{}
	case PacketFloatParamRange:
		p = &FloatParamRange{}
	case PacketFloatParamSet:
		p = &FloatParamSet{}
	case PacketIntParamRange:
		p = &IntParamRange{}
	case PacketIntParamSet:
		p = &IntParamSet{}
	case PacketBoolParamSet:
		p = &BoolParamSet{}
	case PacketMemoryAlloc:
		p = &MemoryAlloc{}
	case PacketMemoryRealloc:
		p = &MemoryRealloc{}
	case PacketMemoryFree:
		p = &MemoryFree{}
	case PacketHeadTransform:
		p = &HeadTransform{}
	case PacketCPUContextSwitch:
		p = &CPUContextSwitch{}
	case PacketButtonParam:
		p = &ButtonParam{}
	default:
		return nil, false
	}
	return p, true
}

// DecodeBody fills p (a pointer from NewPacket) from the fixed body bytes.
func DecodeBody(p Packet, body []byte) error {
	dp, ok := p.(decodable)
	if !ok {
		return fmt.Errorf("proto: %T is not decodable", p)
	}
	if len(body) < int(Lookup(p.ID()).Size) {
		return ErrShortBuffer
	}
	dp.get(&decoder{b: body})
	return nil
}

// Unmarshal decodes one packet from the front of b and returns it with its
// payload and the number of bytes consumed. The payload aliases b.
func Unmarshal(b []byte) (Packet, []byte, int, error) {
	if len(b) < 1 {
		return nil, nil, 0, ErrShortBuffer
	}
	id := PacketID(b[0])
	p, ok := NewPacket(id)
	if !ok {
		return nil, nil, 0, fmt.Errorf("%w: %d", ErrUnknownPacket, id)
	}
	d := Lookup(id)
	off := 1
	if len(b) < off+int(d.Size) {
		return nil, nil, 0, ErrShortBuffer
	}
	if err := DecodeBody(p, b[off:off+int(d.Size)]); err != nil {
		return nil, nil, 0, err
	}
	off += int(d.Size)
	if d.PayloadWidth == 0 {
		return p, nil, off, nil
	}
	n, w, err := readPayloadLen(b[off:], d.PayloadWidth)
	if err != nil {
		return nil, nil, 0, err
	}
	off += w
	if len(b) < off+n {
		return nil, nil, 0, ErrShortBuffer
	}
	return p, b[off : off+n], off + n, nil
}

func readPayloadLen(b []byte, width uint32) (int, int, error) {
	if len(b) < int(width) {
		return 0, 0, ErrShortBuffer
	}
	switch width {
	case 1:
		return int(b[0]), 1, nil
	case 2:
		return int(binary.LittleEndian.Uint16(b)), 2, nil
	case 4:
		return int(binary.LittleEndian.Uint32(b)), 4, nil
	}
	return 0, 0, fmt.Errorf("proto: unsupported payload width %d", width)
}

// PayloadLen decodes a payload length field of the given width.
func PayloadLen(b []byte, width uint32) (int, error) {
	n, _, err := readPayloadLen(b, width)
	return n, err
}
