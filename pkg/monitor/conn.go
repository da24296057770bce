package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/metrics"
	"vrcap/perfcap/pkg/proto"
)

// ErrRejected means the capture host shares none of the requested features.
var ErrRejected = errors.New("monitor: capture host rejected the requested features")

type DialOptions struct {
	Timeout  time.Duration // handshake; default 5s
	Resolver *Resolver     // nil uses the system resolver
	Logger   *zap.Logger
	Metrics  *metrics.Monitor
}

// Conn is a live session with a capture host.
type Conn struct {
	*Reader
	conn     net.Conn
	preamble []byte
	log      *zap.Logger
	metrics  *metrics.Monitor

	wmu sync.Mutex
}

type countingReader struct {
	r io.Reader
	m *metrics.Monitor
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.m.Received(n)
	return n, err
}

// Dial connects to addr, asks for flags and reads the server's handshake.
func Dial(ctx context.Context, addr string, flags proto.Flag, opts DialOptions) (*Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Resolver != nil {
		resolved, err := opts.Resolver.ResolveTarget(ctx, addr)
		if err != nil {
			return nil, err
		}
		addr = resolved
	}
	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("monitor: dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(opts.Timeout))

	if _, err := conn.Write(proto.NewConnectionHeader(flags).Append(nil)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("monitor: write header: %w", err)
	}
	br := bufio.NewReaderSize(countingReader{r: conn, m: opts.Metrics}, 64<<10)
	var pre bytes.Buffer
	tr := io.TeeReader(br, &pre)
	hdr, err := proto.ReadConnectionHeader(tr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("monitor: read server header: %w", err)
	}
	if err := hdr.Validate(); err != nil {
		conn.Close()
		return nil, err
	}
	if hdr.Flags == 0 {
		conn.Close()
		return nil, ErrRejected
	}
	ds, err := proto.ReadDescriptors(tr, maxDescriptors)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("monitor: read descriptors: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	opts.Metrics.SessionOpened()
	log := opts.Logger.With(zap.String("host", addr))
	log.Info("capture session opened", zap.Stringer("flags", hdr.Flags), zap.Int("descriptors", len(ds)))
	return &Conn{
		Reader:   &Reader{Header: hdr, Descriptors: ds, r: br, dec: NewDecoder(ds)},
		conn:     conn,
		preamble: pre.Bytes(),
		log:      log,
		metrics:  opts.Metrics,
	}, nil
}

// Record copies the session, handshake included, to w so that it can be
// reopened with OpenFile. Call it before the first Next.
func (c *Conn) Record(w io.Writer) error {
	if _, err := w.Write(c.preamble); err != nil {
		return err
	}
	c.r = io.TeeReader(c.r, w)
	return nil
}

func (c *Conn) Next() (Event, error) {
	e, err := c.Reader.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			c.metrics.DecodeError()
		}
		return e, err
	}
	c.metrics.Packet(e.Kind())
	return e, nil
}

func (c *Conn) send(p proto.Packet) error {
	b, err := proto.AppendPacket(nil, p, nil)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(b)
	return err
}

// SetFloat overrides a float parameter by label id.
func (c *Conn) SetFloat(id uint32, v float32) error {
	return c.send(proto.FloatParamSet{LabelID: id, Value: v})
}

func (c *Conn) SetInt(id uint32, v int32) error {
	return c.send(proto.IntParamSet{LabelID: id, Value: v})
}

func (c *Conn) SetBool(id uint32, v bool) error {
	return c.send(proto.BoolParamSet{LabelID: id, Value: v})
}

// PressButton clicks a button; the application sees it on its next
// ButtonClicked call.
func (c *Conn) PressButton(id uint32) error {
	return c.send(proto.ButtonParam{LabelID: id})
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Close() error {
	c.log.Info("capture session closed")
	return c.conn.Close()
}
