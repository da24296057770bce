package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/proto"
	"vrcap/perfcap/pkg/zeroconf"
)

// remoteServer accepts one monitor at a time on a TCP listener.
type remoteServer struct {
	s    *Session
	ln   net.Listener
	port int
	pkg  string
	log  *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	conn net.Conn
}

func newRemoteServer(s *Session) (*remoteServer, error) {
	o := s.opts
	for port := o.PortBegin; port < o.PortEnd; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			s.log.Debug("capture port busy", zap.Int("port", port), zap.Error(err))
			continue
		}
		return &remoteServer{
			s:    s,
			ln:   ln,
			port: ln.Addr().(*net.TCPAddr).Port,
			pkg:  packageName(o.PackageName),
			log:  s.log.With(zap.String("component", "remote")),
			quit: make(chan struct{}),
		}, nil
	}
	return nil, fmt.Errorf("%w: [%d,%d)", ErrNoPort, o.PortBegin, o.PortEnd)
}

func (r *remoteServer) start() {
	r.wg.Add(1)
	go r.acceptLoop()
	r.log.Info("capture listening", zap.Int("port", r.port), zap.String("package", r.pkg))
}

func (r *remoteServer) acceptLoop() {
	defer r.wg.Done()
	for {
		stopAnnounce := r.announce()
		conn, err := r.ln.Accept()
		// a monitor connected (or we are quitting); stop advertising
		stopAnnounce()
		if err != nil {
			select {
			case <-r.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		r.s.metrics.ConnectionAccepted()
		flags, err := r.handshake(conn)
		if err != nil {
			r.s.metrics.HandshakeFailed()
			r.log.Info("handshake rejected", zap.Stringer("peer", conn.RemoteAddr()), zap.Error(err))
			conn.Close()
			continue
		}
		r.serve(conn, flags)
		select {
		case <-r.quit:
			return
		default:
		}
	}
}

func (r *remoteServer) announce() func() {
	if r.s.opts.ZeroConfigPort <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := zeroconf.NewHost(r.s.opts.ZeroConfigPort, uint32(r.port), r.pkg, r.s.opts.ZeroConfigInterval, r.log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.Run(ctx); err != nil {
			r.log.Warn("zero-config broadcast failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// handshake exchanges connection headers and sends the descriptor table.
// A client with a bad header size or version is dropped without a reply.
// One that shares no features gets a server header with no flags set.
func (r *remoteServer) handshake(conn net.Conn) (proto.Flag, error) {
	_ = conn.SetDeadline(time.Now().Add(r.s.opts.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	client, err := proto.ReadConnectionHeader(conn)
	if err != nil {
		return 0, fmt.Errorf("read client header: %w", err)
	}
	if client.Size != proto.ConnectionHeaderLen {
		return 0, fmt.Errorf("%w: %d", proto.ErrHeaderSize, client.Size)
	}
	if client.Version != proto.ConnectionVersion {
		return 0, fmt.Errorf("%w: %d", proto.ErrVersion, client.Version)
	}
	flags := client.Flags & r.s.initFlags
	if _, err := conn.Write(proto.NewConnectionHeader(flags).Append(nil)); err != nil {
		return 0, fmt.Errorf("write server header: %w", err)
	}
	if flags == 0 {
		return 0, ErrNoFeatures
	}
	if _, err := conn.Write(proto.AppendDescriptors(nil, proto.Catalog())); err != nil {
		return 0, fmt.Errorf("write descriptors: %w", err)
	}
	return flags, nil
}

// serve runs one session until the monitor goes away or the server stops.
func (r *remoteServer) serve(conn net.Conn, flags proto.Flag) {
	log := r.log.With(zap.Stringer("peer", conn.RemoteAddr()))
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	r.s.connect(flags)

	readErr := make(chan error, 1)
	go func() { readErr <- r.s.receive(conn) }()

	ticker := time.NewTicker(r.s.opts.FlushPeriod)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-r.quit:
			break loop
		case err := <-readErr:
			log.Info("monitor closed the connection", zap.Error(err))
			break loop
		case <-ticker.C:
		}
		// a peer that stops reading is a dead connection
		_ = conn.SetWriteDeadline(time.Now().Add(r.s.opts.WriteTimeout))
		if _, err := r.s.streams.FlushAll(conn); err != nil {
			log.Warn("flush failed", zap.Error(err))
			break loop
		}
	}

	r.s.teardown(func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}, nil)
}

func (r *remoteServer) stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.ln.Close()
		r.mu.Lock()
		if r.conn != nil {
			// unblock a flush stuck on a slow peer
			_ = r.conn.SetWriteDeadline(time.Now())
		}
		r.mu.Unlock()
		r.wg.Wait()
		r.log.Info("capture server stopped")
	})
}

// receive applies parameter overrides sent by the monitor. Other known
// packets are skipped using their descriptor; an unknown id ends the
// session since the stream can no longer be framed.
func (s *Session) receive(conn io.Reader) error {
	br := bufio.NewReader(conn)
	var body [64]byte
	var plen [4]byte
	for {
		id, err := br.ReadByte()
		if err != nil {
			return err
		}
		d := proto.Lookup(proto.PacketID(id))
		if d.ID == 0 {
			return fmt.Errorf("%w: %d", proto.ErrUnknownPacket, id)
		}
		buf := body[:d.Size]
		if _, err := io.ReadFull(br, buf); err != nil {
			return err
		}
		if d.HasPayload() {
			if _, err := io.ReadFull(br, plen[:d.PayloadWidth]); err != nil {
				return err
			}
			n, err := proto.PayloadLen(plen[:d.PayloadWidth], d.PayloadWidth)
			if err != nil {
				return err
			}
			if _, err := br.Discard(n); err != nil {
				return err
			}
		}
		p, _ := proto.NewPacket(d.ID)
		if err := proto.DecodeBody(p, buf); err != nil {
			return err
		}
		if kind, ok := s.params.apply(p); ok {
			s.metrics.ParamOverride(kind)
			continue
		}
		s.log.Debug("ignoring packet from monitor", zap.Stringer("packet", d.ID))
	}
}

// Addr returns the listen address of a remote capture, or nil.
func (s *Session) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.srv.(*remoteServer); ok {
		return r.ln.Addr()
	}
	return nil
}
