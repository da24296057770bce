// Package monitor is the receiving side of a capture: it connects to (or
// opens) a capture, decodes the stream with the descriptor table the
// producer announced and folds the events into a model.
package monitor

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"vrcap/perfcap/pkg/proto"
)

// maxDescriptors bounds the descriptor table read from a peer.
const maxDescriptors = 256

var ErrUnknownPacket = errors.New("monitor: packet id not in descriptor table")

// Raw is a packet whose announced layout this build does not know. Body is
// the fixed part as sent.
type Raw struct {
	Kind proto.PacketID
	Body []byte
}

// Event is one decoded packet. Packet is a pointer to a proto message
// (*proto.CPUZoneEnter, ...) or *Raw. Payload aliases the chunk buffer
// and is only valid until the next call to Next.
type Event struct {
	Stream  uint32
	Packet  any
	Payload []byte
}

// Decoder decodes packets laid out as the producer announced them. A kind is
// decoded into its typed struct only when the announced version and size
// match this build's catalog.
type Decoder struct {
	table [256]proto.Descriptor
	typed [256]bool
}

func NewDecoder(ds []proto.Descriptor) *Decoder {
	d := &Decoder{}
	for _, desc := range ds {
		d.table[desc.ID] = desc
		local := proto.Lookup(desc.ID)
		d.typed[desc.ID] = local.ID != 0 && local.Version == desc.Version &&
			local.Size == desc.Size && local.PayloadWidth == desc.PayloadWidth
	}
	return d
}

// Descriptor returns the announced descriptor for id; ID is 0 when unknown.
func (d *Decoder) Descriptor(id proto.PacketID) proto.Descriptor { return d.table[id] }

// Decode decodes the packet at the front of b and returns it, its payload
// and the bytes consumed.
func (d *Decoder) Decode(b []byte) (any, []byte, int, error) {
	if len(b) == 0 {
		return nil, nil, 0, proto.ErrShortBuffer
	}
	id := proto.PacketID(b[0])
	desc := d.table[id]
	if desc.ID == 0 {
		return nil, nil, 0, fmt.Errorf("%w: %d", ErrUnknownPacket, id)
	}
	off := 1 + int(desc.Size)
	if len(b) < off {
		return nil, nil, 0, proto.ErrShortBuffer
	}
	body := b[1:off]
	var payload []byte
	if desc.HasPayload() {
		if len(b) < off+int(desc.PayloadWidth) {
			return nil, nil, 0, proto.ErrShortBuffer
		}
		n, err := proto.PayloadLen(b[off:], desc.PayloadWidth)
		if err != nil {
			return nil, nil, 0, err
		}
		off += int(desc.PayloadWidth)
		if len(b) < off+n {
			return nil, nil, 0, proto.ErrShortBuffer
		}
		payload = b[off : off+n]
		off += n
	}
	if d.typed[id] {
		p, _ := proto.NewPacket(id)
		if err := proto.DecodeBody(p, body); err != nil {
			return nil, nil, 0, err
		}
		return p, payload, off, nil
	}
	return &Raw{Kind: id, Body: body}, payload, off, nil
}

// Reader decodes the chunked stream that follows the handshake.
type Reader struct {
	Header      proto.ConnectionHeader
	Descriptors []proto.Descriptor

	r     io.Reader
	dec   *Decoder
	chunk []byte
	off   int
	id    uint32
}

// NewReader reads the connection header and descriptor table from r.
func NewReader(r io.Reader) (*Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64<<10)
	}
	hdr, err := proto.ReadConnectionHeader(br)
	if err != nil {
		return nil, fmt.Errorf("monitor: read header: %w", err)
	}
	if err := hdr.Validate(); err != nil {
		return nil, err
	}
	ds, err := proto.ReadDescriptors(br, maxDescriptors)
	if err != nil {
		return nil, fmt.Errorf("monitor: read descriptors: %w", err)
	}
	return &Reader{Header: hdr, Descriptors: ds, r: br, dec: NewDecoder(ds)}, nil
}

// Next returns the next event. It returns io.EOF at a clean end of stream.
func (r *Reader) Next() (Event, error) {
	for r.off >= len(r.chunk) {
		sh, err := proto.ReadStreamHeader(r.r)
		if err != nil {
			return Event{}, err
		}
		if cap(r.chunk) < int(sh.Size) {
			r.chunk = make([]byte, sh.Size)
		}
		r.chunk = r.chunk[:sh.Size]
		if _, err := io.ReadFull(r.r, r.chunk); err != nil {
			return Event{}, fmt.Errorf("monitor: truncated chunk: %w", err)
		}
		r.off = 0
		r.id = sh.ThreadID
	}
	p, payload, n, err := r.dec.Decode(r.chunk[r.off:])
	if err != nil {
		return Event{}, err
	}
	r.off += n
	return Event{Stream: r.id, Packet: p, Payload: payload}, nil
}

// Kind names the packet of e for logs and metrics.
func (e Event) Kind() string {
	switch p := e.Packet.(type) {
	case proto.Packet:
		return p.ID().String()
	case *Raw:
		return p.Kind.String()
	}
	return "unknown"
}
