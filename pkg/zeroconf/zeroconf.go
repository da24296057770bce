// Package zeroconf is the discovery side channel: capture hosts broadcast
// their TCP port and package name over UDP and monitors listen for them.
package zeroconf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/proto"
)

// BroadcastAddr is where hosts announce themselves by default.
var BroadcastAddr = fmt.Sprintf("255.255.255.255:%d", proto.ZeroConfigPort)

type Host struct {
	Addr     string // destination, BroadcastAddr when empty
	Announce proto.ZeroConfig
	Interval time.Duration
	Log      *zap.Logger
}

func NewHost(port int, tcpPort uint32, packageName string, interval time.Duration, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{
		Addr:     fmt.Sprintf("255.255.255.255:%d", port),
		Announce: proto.ZeroConfig{TCPPort: tcpPort, PackageName: packageName},
		Interval: interval,
		Log:      log,
	}
}

// Run sends the announcement immediately and then every Interval until ctx
// is cancelled.
func (h *Host) Run(ctx context.Context) error {
	addr := h.Addr
	if addr == "" {
		addr = BroadcastAddr
	}
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("zeroconf: %w", err)
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("zeroconf: %w", err)
	}
	defer conn.Close()
	msg, _ := h.Announce.MarshalBinary()
	interval := h.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteTo(msg, dst); err != nil {
			h.Log.Debug("zeroconf send failed", zap.String("addr", addr), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Announcement is one host seen on the network.
type Announcement struct {
	Addr        net.IP
	TCPPort     uint32
	PackageName string
}

// Target is the host:port a monitor dials.
func (a Announcement) Target() string {
	return net.JoinHostPort(a.Addr.String(), fmt.Sprint(a.TCPPort))
}

// Listen yields announcements received on addr (":2020") until ctx ends.
// Datagrams without the magic number are ignored.
func Listen(ctx context.Context, addr string, log *zap.Logger) (<-chan Announcement, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	out := make(chan Announcement, 8)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		buf := make([]byte, 512)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Warn("zeroconf receive failed", zap.Error(err))
				}
				return
			}
			var zc proto.ZeroConfig
			if err := zc.UnmarshalBinary(buf[:n]); err != nil {
				log.Debug("zeroconf datagram ignored", zap.Stringer("from", from), zap.Error(err))
				continue
			}
			a := Announcement{TCPPort: zc.TCPPort, PackageName: zc.PackageName}
			if ua, ok := from.(*net.UDPAddr); ok {
				a.Addr = ua.IP
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Discover returns the first announcement heard on addr.
func Discover(ctx context.Context, addr string, log *zap.Logger) (Announcement, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := Listen(ctx, addr, log)
	if err != nil {
		return Announcement{}, err
	}
	select {
	case a, ok := <-ch:
		if ok {
			return a, nil
		}
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return Announcement{}, fmt.Errorf("zeroconf: no capture host found: %w", err)
	}
	return Announcement{}, errors.New("zeroconf: listener closed")
}
