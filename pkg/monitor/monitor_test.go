package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	mdns "github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"vrcap/perfcap/pkg/capture"
	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/metrics"
	"vrcap/perfcap/pkg/proto"
)

func newCapture(t *testing.T, flags proto.Flag) *capture.Session {
	t.Helper()
	s := capture.NewSession(capture.Options{
		Logger:      zaptest.NewLogger(t),
		FlushPeriod: time.Millisecond,
		PortBegin:   0,
		PortEnd:     1,
	})
	t.Cleanup(s.Shutdown)
	require.NoError(t, s.InitForRemoteCapture(flags, nil, nil))
	return s
}

// pump applies every event to m until the connection ends.
func pump(c *Conn, m *Model, onZone func(Zone)) <-chan error {
	done := make(chan error, 1)
	go func() {
		for {
			e, err := c.Next()
			if err != nil {
				done <- err
				return
			}
			if z, ok := m.Apply(e); ok {
				onZone(z)
			}
		}
	}()
	return done
}

func TestDialOverrideAndRecord(t *testing.T) {
	s := newCapture(t, proto.FlagCPUZones|proto.FlagLogging)
	reg := prometheus.NewRegistry()
	mm := metrics.NewMonitor(reg)

	ctx := context.Background()
	c, err := Dial(ctx, s.Addr().String(), proto.FlagCPUZones, DialOptions{Logger: zaptest.NewLogger(t), Metrics: mm})
	require.NoError(t, err)
	assert.Equal(t, proto.FlagCPUZones, c.Header.Flags)
	assert.Len(t, c.Descriptors, len(proto.Catalog()))

	rec, err := Recorder{Dir: t.TempDir(), Compress: true}.Create("demo app")
	require.NoError(t, err)
	require.NoError(t, c.Record(rec))
	assert.True(t, strings.HasSuffix(rec.Path, ".cap.zst"))
	assert.Contains(t, filepath.Base(rec.Path), "demo_app-")

	model := NewModel()
	var mu sync.Mutex
	var live []Zone
	done := pump(c, model, func(z Zone) {
		mu.Lock()
		live = append(live, z)
		mu.Unlock()
	})

	th := s.Thread("render")
	speed := label.New("Speed")
	frame := label.New("Frame")
	assert.Equal(t, float32(1), th.GetFloat(speed, 1, 0, 2))
	th.EnterCPUZone(frame)
	th.LeaveCPUZone()

	require.Eventually(t, func() bool {
		_, ok := model.LabelID("Speed")
		return ok && len(model.Params()) == 1
	}, 2*time.Second, time.Millisecond)
	p := model.Params()[0]
	assert.Equal(t, Param{ID: label.Hash("Speed"), Label: "Speed", Kind: "float", Value: 1, Min: 0, Max: 2}, p)

	require.NoError(t, c.SetFloat(p.ID, 1.5))
	require.Eventually(t, func() bool { return th.GetFloat(speed, 1, 0, 2) == 1.5 }, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(live) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "render", live[0].Thread)

	c.Close()
	err = <-done
	assert.ErrorIs(t, err, net.ErrClosed)
	require.NoError(t, rec.Close())
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "perfcap_monitor_sessions_total"))
	assert.Positive(t, testutil.CollectAndCount(reg, "perfcap_monitor_packets_total"))

	// the recording replays the same session
	f, err := OpenFile(rec.Path)
	require.NoError(t, err)
	defer f.Close()
	replay := NewModel()
	var zones []Zone
	for {
		e, err := f.Next()
		if err != nil {
			// the session was cut by Close, possibly mid-chunk
			if !errors.Is(err, io.EOF) {
				require.ErrorIs(t, err, io.ErrUnexpectedEOF)
			}
			break
		}
		if z, ok := replay.Apply(e); ok {
			zones = append(zones, z)
		}
	}
	require.Len(t, zones, 1)
	assert.Equal(t, "Frame", zones[0].Label)
	assert.Equal(t, "render", zones[0].Thread)
	assert.LessOrEqual(t, zones[0].Start, zones[0].End)
}

func TestDialRejected(t *testing.T) {
	s := newCapture(t, proto.FlagCPUZones)
	_, err := Dial(context.Background(), s.Addr().String(), proto.FlagMemory, DialOptions{})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestOpenLocalCapture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.bin")
	s := capture.NewSession(capture.Options{Logger: zaptest.NewLogger(t), FlushPeriod: time.Millisecond})
	require.NoError(t, s.InitForLocalCapture(path, proto.FlagCPUZones|proto.FlagLogging, nil, nil))
	require.Eventually(t, s.IsConnected, 2*time.Second, time.Millisecond)
	th := s.Thread("main")
	th.Log(proto.LogInfo, "hello")
	s.Shutdown()

	// same capture, compressed
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	zpath := filepath.Join(dir, "local.bin.zst")
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(zpath, enc.EncodeAll(raw, nil), 0o644))

	for _, p := range []string{path, zpath} {
		f, err := OpenFile(p)
		require.NoError(t, err, p)
		assert.Equal(t, proto.FlagCPUZones|proto.FlagLogging, f.Header.Flags)
		var logs []string
		for {
			e, err := f.Next()
			if err != nil {
				require.ErrorIs(t, err, io.EOF)
				break
			}
			if _, ok := e.Packet.(*proto.Log); ok {
				logs = append(logs, string(e.Payload))
			}
		}
		assert.Equal(t, []string{"hello"}, logs, p)
		f.Close()
	}
}

func TestDecoderUnknownLayout(t *testing.T) {
	ds := proto.Catalog()
	for i := range ds {
		if ds[i].ID == proto.PacketLabel {
			ds[i].Version = 9
		}
	}
	dec := NewDecoder(ds)

	b, err := proto.AppendPacket(nil, proto.Label{LabelID: 7}, []byte("x"))
	require.NoError(t, err)
	b, err = proto.AppendPacket(b, proto.VSync{Timestamp: 3}, nil)
	require.NoError(t, err)

	p, payload, n, err := dec.Decode(b)
	require.NoError(t, err)
	raw, ok := p.(*Raw)
	require.True(t, ok)
	assert.Equal(t, proto.PacketLabel, raw.Kind)
	assert.Len(t, raw.Body, 4)
	assert.Equal(t, []byte("x"), payload)

	p, _, _, err = dec.Decode(b[n:])
	require.NoError(t, err)
	assert.Equal(t, &proto.VSync{Timestamp: 3}, p)

	_, _, _, err = NewDecoder(nil).Decode(b)
	assert.ErrorIs(t, err, ErrUnknownPacket)
	_, _, _, err = dec.Decode(b[:3])
	assert.ErrorIs(t, err, proto.ErrShortBuffer)
}

func TestModelZones(t *testing.T) {
	m := NewModel()
	apply := func(stream uint32, p any, payload string) (Zone, bool) {
		return m.Apply(Event{Stream: stream, Packet: p, Payload: []byte(payload)})
	}
	apply(1, &proto.ThreadName{ThreadID: 1}, "main")
	apply(1, &proto.Label{LabelID: 10}, "Outer")
	apply(1, &proto.Label{LabelID: 11}, "Inner")
	apply(1, &proto.CPUZoneEnter{LabelID: 10, Timestamp: 100}, "")
	apply(1, &proto.CPUZoneEnter{LabelID: 11, Timestamp: 110}, "")
	// another stream does not disturb the stack
	apply(2, &proto.CPUZoneEnter{LabelID: 99, Timestamp: 115}, "")

	z, ok := apply(1, &proto.CPUZoneLeave{Timestamp: 120}, "")
	require.True(t, ok)
	assert.Equal(t, Zone{Stream: 1, Thread: "main", Label: "Inner", Start: 110, End: 120, Depth: 1}, z)
	z, ok = apply(1, &proto.CPUZoneLeave{Timestamp: 130}, "")
	require.True(t, ok)
	assert.Equal(t, "Outer", z.Label)
	assert.Equal(t, 0, z.Depth)
	_, ok = apply(1, &proto.CPUZoneLeave{Timestamp: 140}, "")
	assert.False(t, ok)

	z, ok = apply(2, &proto.CPUZoneLeave{Timestamp: 125}, "")
	require.True(t, ok)
	assert.Equal(t, "0x00000063", z.Label)

	apply(3, &proto.GPUClockSync{TimestampCPU: 1000, TimestampGPU: 10}, "")
	apply(3, &proto.GPUZoneEnter{LabelID: 10, Timestamp: 20}, "")
	z, ok = apply(3, &proto.GPUZoneLeave{Timestamp: 30}, "")
	require.True(t, ok)
	assert.True(t, z.GPU)
	assert.Equal(t, uint64(1010), z.Start)
	assert.Equal(t, uint64(1020), z.End)

	apply(1, &proto.SensorRange{LabelID: 10, Min: 0, Max: 100, Units: proto.UnitCelsius}, "")
	apply(1, &proto.SensorSet{LabelID: 10, Value: 42, Timestamp: 5}, "")
	assert.Equal(t, []Sensor{{Label: "Outer", Value: 42, Min: 0, Max: 100, Units: "C", Timestamp: 5}}, m.Sensors())

	apply(1, &proto.Frame{}, "")
	assert.Equal(t, uint64(1), m.Frames())
	m.Reset()
	assert.Zero(t, m.Frames())
	assert.Empty(t, m.Threads())
}

func TestResolverFollowsCNAME(t *testing.T) {
	r := NewResolver([]string{"10.0.0.53", "10.0.0.54:5353"}, time.Second, time.Minute, zaptest.NewLogger(t))
	assert.Equal(t, []string{"10.0.0.53:53", "10.0.0.54:5353"}, r.servers)

	var mu sync.Mutex
	calls := 0
	r.exchange = func(_ context.Context, m *mdns.Msg, server string) (*mdns.Msg, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if server == "10.0.0.53:53" {
			return nil, errors.New("timeout")
		}
		q := m.Question[0]
		out := new(mdns.Msg)
		out.SetReply(m)
		switch {
		case q.Name == "headset.lan." && q.Qtype == mdns.TypeA:
			rr, _ := mdns.NewRR("headset.lan. 60 IN CNAME quest-7.lan.")
			out.Answer = append(out.Answer, rr)
		case q.Name == "quest-7.lan." && q.Qtype == mdns.TypeA:
			rr, _ := mdns.NewRR("quest-7.lan. 60 IN A 192.168.1.40")
			out.Answer = append(out.Answer, rr)
		case q.Name == "quest-7.lan." && q.Qtype == mdns.TypeAAAA:
			rr, _ := mdns.NewRR("quest-7.lan. 60 IN AAAA fd00::40")
			out.Answer = append(out.Answer, rr)
		}
		return out, nil
	}

	target, err := r.ResolveTarget(context.Background(), "headset.lan:3030")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.40:3030", target)

	before := calls
	ips, err := r.Resolve(context.Background(), "headset.lan")
	require.NoError(t, err)
	assert.Len(t, ips, 2)
	assert.Equal(t, before, calls, "served from cache")

	ips, err = r.Resolve(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ips[0].String())
}

func TestZoneExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	x, err := newZoneExporter("", sdktrace.WithSyncer(exp), zaptest.NewLogger(t))
	require.NoError(t, err)

	x.Export(Zone{Thread: "main", Label: "Update", Start: 1000, End: 4000, Depth: 1})
	x.Export(Zone{Thread: "gpu", Label: "Draw", Start: 2000, End: 2500, GPU: true})
	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "Update", spans[0].Name)
	assert.Equal(t, 3*time.Microsecond, spans[0].EndTime.Sub(spans[0].StartTime))
	assert.Equal(t, time.Microsecond, spans[1].StartTime.Sub(spans[0].StartTime))
	require.NoError(t, x.Shutdown(context.Background()))

	var none *ZoneExporter
	none.Export(Zone{})
	assert.NoError(t, none.Shutdown(context.Background()))
}
