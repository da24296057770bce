package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	ZeroConfigMagic     uint64 = 0x540b4992be74a388
	ZeroConfigPort             = 2020
	ZeroConfigNameLen          = 64
	ZeroConfigSize             = 8 + 4 + ZeroConfigNameLen
	ConnectionVersion   uint32 = 1
	ConnectionHeaderLen        = 12
	DescriptorLen              = 16
	StreamHeaderLen            = 8

	// DefaultPortBegin..DefaultPortEnd (exclusive) is the TCP listen range.
	DefaultPortBegin = 3030
	DefaultPortEnd   = 3040
)

var (
	ErrHeaderSize = errors.New("proto: connection header size mismatch")
	ErrVersion    = errors.New("proto: connection version mismatch")
	ErrBadMagic   = errors.New("proto: zero-config magic mismatch")
)

// ZeroConfig is broadcast over UDP so monitors can find a capture host.
type ZeroConfig struct {
	TCPPort     uint32
	PackageName string
}

func (z ZeroConfig) MarshalBinary() ([]byte, error) {
	b := make([]byte, ZeroConfigSize)
	binary.LittleEndian.PutUint64(b[0:], ZeroConfigMagic)
	binary.LittleEndian.PutUint32(b[8:], z.TCPPort)
	// keep a terminating zero like the fixed-size C string on the wire
	name := z.PackageName
	if len(name) > ZeroConfigNameLen-1 {
		name = name[:ZeroConfigNameLen-1]
	}
	copy(b[12:], name)
	return b, nil
}

func (z *ZeroConfig) UnmarshalBinary(b []byte) error {
	if len(b) < ZeroConfigSize {
		return ErrShortBuffer
	}
	if binary.LittleEndian.Uint64(b) != ZeroConfigMagic {
		return ErrBadMagic
	}
	z.TCPPort = binary.LittleEndian.Uint32(b[8:])
	name := b[12 : 12+ZeroConfigNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	z.PackageName = string(name)
	return nil
}

// ConnectionHeader opens every session in both directions and every
// capture file.
type ConnectionHeader struct {
	Size    uint32
	Version uint32
	Flags   Flag
}

func NewConnectionHeader(flags Flag) ConnectionHeader {
	return ConnectionHeader{Size: ConnectionHeaderLen, Version: ConnectionVersion, Flags: flags}
}

func (h ConnectionHeader) Validate() error {
	if h.Size != ConnectionHeaderLen {
		return fmt.Errorf("%w: %d", ErrHeaderSize, h.Size)
	}
	if h.Version != ConnectionVersion {
		return fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return nil
}

func (h ConnectionHeader) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.Size)
	b = binary.LittleEndian.AppendUint32(b, h.Version)
	return binary.LittleEndian.AppendUint32(b, uint32(h.Flags))
}

func ReadConnectionHeader(r io.Reader) (ConnectionHeader, error) {
	var b [ConnectionHeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return ConnectionHeader{}, err
	}
	return ConnectionHeader{
		Size:    binary.LittleEndian.Uint32(b[0:]),
		Version: binary.LittleEndian.Uint32(b[4:]),
		Flags:   Flag(binary.LittleEndian.Uint32(b[8:])),
	}, nil
}

// AppendDescriptors appends the descriptor header and one record per entry.
func AppendDescriptors(b []byte, ds []Descriptor) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(ds)))
	for _, d := range ds {
		b = binary.LittleEndian.AppendUint32(b, uint32(d.ID))
		b = binary.LittleEndian.AppendUint32(b, d.Version)
		b = binary.LittleEndian.AppendUint32(b, d.Size)
		b = binary.LittleEndian.AppendUint32(b, d.PayloadWidth)
	}
	return b
}

// ReadDescriptors reads a descriptor header and table. maxCount bounds the
// allocation for a hostile or corrupt peer.
func ReadDescriptors(r io.Reader, maxCount int) ([]Descriptor, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	if n > maxCount {
		return nil, fmt.Errorf("proto: %d descriptors exceeds limit %d", n, maxCount)
	}
	buf := make([]byte, n*DescriptorLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]Descriptor, n)
	for i := range out {
		rec := buf[i*DescriptorLen:]
		id := binary.LittleEndian.Uint32(rec[0:])
		if id > 0xff {
			return nil, fmt.Errorf("proto: descriptor id %d out of range", id)
		}
		out[i] = Descriptor{
			ID:           PacketID(id),
			Version:      binary.LittleEndian.Uint32(rec[4:]),
			Size:         binary.LittleEndian.Uint32(rec[8:]),
			PayloadWidth: binary.LittleEndian.Uint32(rec[12:]),
		}
		switch out[i].PayloadWidth {
		case 0, 1, 2, 4:
		default:
			return nil, fmt.Errorf("proto: descriptor %d has payload width %d", id, out[i].PayloadWidth)
		}
	}
	return out, nil
}

// WriteHandshake writes the server side of the handshake: connection header
// followed by the full descriptor table.
func WriteHandshake(w io.Writer, flags Flag) error {
	b := NewConnectionHeader(flags).Append(nil)
	b = AppendDescriptors(b, Catalog())
	_, err := w.Write(b)
	return err
}

// StreamHeader precedes each flushed chunk of one producer stream.
type StreamHeader struct {
	ThreadID uint32
	Size     uint32
}

func (h StreamHeader) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.ThreadID)
	binary.LittleEndian.PutUint32(b[4:], h.Size)
}

func ReadStreamHeader(r io.Reader) (StreamHeader, error) {
	var b [StreamHeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return StreamHeader{}, err
	}
	return StreamHeader{ThreadID: binary.LittleEndian.Uint32(b[0:]), Size: binary.LittleEndian.Uint32(b[4:])}, nil
}
