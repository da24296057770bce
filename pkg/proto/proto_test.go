package proto

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCatalogOrderAndSizes tests that every kind is described once, in id order.
func TestCatalogOrderAndSizes(t *testing.T) {
	ds := Catalog()
	require.Len(t, ds, 24)
	for i, d := range ds {
		assert.Equal(t, PacketID(i+1), d.ID)
		p, ok := NewPacket(d.ID)
		require.True(t, ok)
		assert.Equal(t, int(d.Size), measure(p), d.ID.String())
	}
	assert.Equal(t, uint32(2), Lookup(PacketThreadName).Version)
	assert.Equal(t, uint32(2), Lookup(PacketFrame).Version)
	assert.Equal(t, uint32(4), Lookup(PacketFrameBuffer).PayloadWidth)
	assert.Equal(t, uint32(2), Lookup(PacketLog).PayloadWidth)
	assert.Equal(t, uint32(1), Lookup(PacketLabel).PayloadWidth)
	assert.False(t, Lookup(PacketVSync).HasPayload())
}

// TestZoneEnterLayout tests the byte layout of a fixed packet.
func TestZoneEnterLayout(t *testing.T) {
	b, err := AppendPacket(nil, CPUZoneEnter{LabelID: 0xAABBCCDD, Timestamp: 42}, nil)
	require.NoError(t, err)
	require.Len(t, b, 13)
	assert.Equal(t, byte(PacketCPUZoneEnter), b[0])
	assert.Equal(t, uint32(0xAABBCCDD), binary.LittleEndian.Uint32(b[1:]))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(b[5:]))
}

// TestSensorRangeLayout tests the packed u16 fields.
func TestSensorRangeLayout(t *testing.T) {
	b, err := AppendPacket(nil, SensorRange{LabelID: 7, Interpolator: InterpolateNearest, Units: UnitKHz, Min: 1, Max: 2}, nil)
	require.NoError(t, err)
	require.Len(t, b, 17)
	assert.Equal(t, uint16(InterpolateNearest), binary.LittleEndian.Uint16(b[5:]))
	assert.Equal(t, uint16(UnitKHz), binary.LittleEndian.Uint16(b[7:]))
	assert.Equal(t, float32(2), math.Float32frombits(binary.LittleEndian.Uint32(b[13:])))
}

// TestPayloadPackets tests length prefixes of each width.
func TestPayloadPackets(t *testing.T) {
	b, err := AppendPacket(nil, Label{LabelID: 9}, []byte("Update"))
	require.NoError(t, err)
	assert.Equal(t, 1+4+1+6, len(b))
	assert.Equal(t, byte(6), b[5])

	b, err = AppendPacket(nil, Log{Timestamp: 1, Priority: LogWarning}, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 1+12+2+2, len(b))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(b[13:]))

	pix := make([]byte, 32)
	b, err = AppendPacket(nil, FrameBuffer{Format: FrameBufferRGB565, Width: 4, Height: 4}, pix)
	require.NoError(t, err)
	assert.Equal(t, 1+20+4+32, len(b))
	assert.Equal(t, uint32(32), binary.LittleEndian.Uint32(b[21:]))

	p, payload, n, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, &FrameBuffer{Format: FrameBufferRGB565, Width: 4, Height: 4}, p)
	assert.Len(t, payload, 32)
}

// TestAppendPacketErrors tests rejected payloads.
func TestAppendPacketErrors(t *testing.T) {
	_, err := AppendPacket(nil, VSync{}, []byte{1})
	assert.ErrorIs(t, err, ErrUnexpectedPayload)

	_, err = AppendPacket(nil, Label{}, make([]byte, 256))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

// TestUnmarshalSequence tests decoding several packets back to back.
func TestUnmarshalSequence(t *testing.T) {
	var b []byte
	var err error
	b, err = AppendPacket(b, ThreadName{ThreadID: 3}, []byte("Main"))
	require.NoError(t, err)
	b, err = AppendPacket(b, HeadTransform{Timestamp: 5, Orientation: [4]float32{0, 0, 0, 1}, Position: [3]float32{1, 2, 3}}, nil)
	require.NoError(t, err)
	b, err = AppendPacket(b, BoolParamSet{LabelID: 1, Value: true}, nil)
	require.NoError(t, err)

	var got []Packet
	for len(b) > 0 {
		p, _, n, err := Unmarshal(b)
		require.NoError(t, err)
		got = append(got, p)
		b = b[n:]
	}
	require.Len(t, got, 3)
	assert.Equal(t, &ThreadName{ThreadID: 3}, got[0])
	assert.Equal(t, [3]float32{1, 2, 3}, got[1].(*HeadTransform).Position)
	assert.True(t, got[2].(*BoolParamSet).Value)

	_, _, _, err = Unmarshal([]byte{200})
	assert.ErrorIs(t, err, ErrUnknownPacket)
	_, _, _, err = Unmarshal([]byte{byte(PacketVSync), 1, 2})
	assert.ErrorIs(t, err, ErrShortBuffer)
}

// TestHandshake tests the server handshake bytes and descriptor parsing.
func TestHandshake(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, DefaultFlags))
	assert.Equal(t, ConnectionHeaderLen+4+24*DescriptorLen, buf.Len())

	h, err := ReadConnectionHeader(&buf)
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	assert.Equal(t, DefaultFlags, h.Flags)

	ds, err := ReadDescriptors(&buf, 256)
	require.NoError(t, err)
	want := Catalog()
	for i := range want {
		want[i].PayloadAlign = 0
	}
	assert.Equal(t, want, ds)

	bad := ConnectionHeader{Size: 16, Version: 1}
	assert.ErrorIs(t, bad.Validate(), ErrHeaderSize)
	bad = ConnectionHeader{Size: 12, Version: 2}
	assert.ErrorIs(t, bad.Validate(), ErrVersion)
}

// TestZeroConfig tests the broadcast packet layout.
func TestZeroConfig(t *testing.T) {
	b, err := ZeroConfig{TCPPort: 3031, PackageName: "com.example.app"}.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 76)
	assert.Equal(t, ZeroConfigMagic, binary.LittleEndian.Uint64(b))

	var z ZeroConfig
	require.NoError(t, z.UnmarshalBinary(b))
	assert.Equal(t, uint32(3031), z.TCPPort)
	assert.Equal(t, "com.example.app", z.PackageName)

	b[0] ^= 0xff
	assert.ErrorIs(t, z.UnmarshalBinary(b), ErrBadMagic)
}

// TestFlags tests flag parsing and the default set.
func TestFlags(t *testing.T) {
	assert.False(t, DefaultFlags.Has(FlagGPUZones))
	assert.False(t, DefaultFlags.Has(FlagMemory))
	assert.True(t, DefaultFlags.Has(FlagCPUScheduler))
	assert.Equal(t, Flag(0x7ff), AllFlags)

	f, err := ParseFlags([]string{"cpu_zones", " Logging "})
	require.NoError(t, err)
	assert.Equal(t, FlagCPUZones|FlagLogging, f)
	assert.Equal(t, "cpu_zones,logging", f.String())

	f, err = ParseFlags([]string{"default", "memory"})
	require.NoError(t, err)
	assert.Equal(t, DefaultFlags|FlagMemory, f)

	_, err = ParseFlags([]string{"bogus"})
	assert.Error(t, err)
}

// TestFrameBufferFormats tests bits per pixel.
func TestFrameBufferFormats(t *testing.T) {
	assert.Equal(t, uint32(16), FrameBufferRGB565.BitsPerPixel())
	assert.Equal(t, uint32(32), FrameBufferRGBA8888.BitsPerPixel())
	assert.Equal(t, uint32(4), FrameBufferDXT1.BitsPerPixel())
	assert.Equal(t, uint32(0), FrameBufferFormat(9).BitsPerPixel())
}
