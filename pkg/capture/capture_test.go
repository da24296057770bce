package capture

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/proto"
)

type event struct {
	stream  uint32
	packet  proto.Packet
	payload []byte
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(Options{
		Logger:      zaptest.NewLogger(t),
		FlushPeriod: time.Millisecond,
		BufferSize:  256 << 10,
		PortBegin:   0,
		PortEnd:     1,
	})
	t.Cleanup(s.Shutdown)
	return s
}

// readChunks decodes stream chunks from r until EOF or error.
func readChunks(r io.Reader, emit func(event)) error {
	for {
		sh, err := proto.ReadStreamHeader(r)
		if err != nil {
			return err
		}
		buf := make([]byte, sh.Size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		for off := 0; off < len(buf); {
			p, payload, n, err := proto.Unmarshal(buf[off:])
			if err != nil {
				return err
			}
			emit(event{stream: sh.ThreadID, packet: p, payload: payload})
			off += n
		}
	}
}

func readCaptureFile(t *testing.T, path string) (proto.ConnectionHeader, []event) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	r := bytes.NewReader(b)
	hdr, err := proto.ReadConnectionHeader(r)
	require.NoError(t, err)
	ds, err := proto.ReadDescriptors(r, 256)
	require.NoError(t, err)
	require.Len(t, ds, len(proto.Catalog()))
	var events []event
	err = readChunks(r, func(e event) { events = append(events, e) })
	require.ErrorIs(t, err, io.EOF)
	return hdr, events
}

func startLocal(t *testing.T, s *Session, flags proto.Flag) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, s.InitForLocalCapture(path, flags, nil, nil))
	require.Eventually(t, s.IsConnected, 2*time.Second, time.Millisecond)
	return path
}

func streamOf(events []event, name string) []event {
	var id uint32
	for _, e := range events {
		if tn, ok := e.packet.(*proto.ThreadName); ok && string(e.payload) == name {
			id = tn.ThreadID
		}
	}
	var out []event
	for _, e := range events {
		if e.stream == id {
			out = append(out, e)
		}
	}
	return out
}

func countLabels(events []event, name string) int {
	n := 0
	for _, e := range events {
		if _, ok := e.packet.(*proto.Label); ok && string(e.payload) == name {
			n++
		}
	}
	return n
}

func TestInitErrors(t *testing.T) {
	s := newTestSession(t)
	assert.ErrorIs(t, s.InitForRemoteCapture(0, nil, nil), ErrNoFeatures)
	// bits outside AllFlags are sanitized away
	assert.ErrorIs(t, s.InitForRemoteCapture(1<<30, nil, nil), ErrNoFeatures)

	bad := filepath.Join(t.TempDir(), "missing", "dir", "capture.bin")
	assert.Error(t, s.InitForLocalCapture(bad, proto.FlagCPUZones, nil, nil))

	// a failed init leaves nothing behind
	require.NoError(t, s.InitForRemoteCapture(proto.FlagCPUZones, nil, nil))
	assert.ErrorIs(t, s.InitForRemoteCapture(proto.FlagCPUZones, nil, nil), ErrAlreadyInitialized)
	assert.NotNil(t, s.Addr())
	s.Shutdown()
	require.NoError(t, s.InitForRemoteCapture(proto.FlagCPUZones, nil, nil))
}

func TestNoPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s := NewSession(Options{Logger: zaptest.NewLogger(t), PortBegin: port, PortEnd: port + 1})
	assert.ErrorIs(t, s.InitForRemoteCapture(proto.FlagCPUZones, nil, nil), ErrNoPort)
}

func TestDisconnectedCallsAreNoOps(t *testing.T) {
	s := newTestSession(t)
	th := s.Thread("main")
	speed := label.New("Speed")
	assert.False(t, s.TryLockConnection(0))
	th.EnterCPUZone(speed)
	th.LeaveCPUZone()
	th.Log(proto.LogInfo, "hello")
	assert.Equal(t, float32(1), th.GetFloat(speed, 1, 0, 2))
	assert.Equal(t, int32(3), th.GetInt(speed, 3, 0, 5))
	assert.True(t, th.GetBool(speed, true))
	assert.False(t, th.ButtonClicked(speed))
	assert.Equal(t, int32(0), s.refcount.Load())
	assert.Zero(t, s.streams.Len())
}

func TestLocalCaptureCPUZone(t *testing.T) {
	s := newTestSession(t)
	var connected proto.Flag
	disconnected := false
	path := filepath.Join(t.TempDir(), "zones.bin")
	flags := proto.FlagCPUZones | proto.FlagLogging
	require.NoError(t, s.InitForLocalCapture(path, flags,
		func(f proto.Flag) { connected = f },
		func() { disconnected = true }))
	require.Eventually(t, s.IsConnected, 2*time.Second, time.Millisecond)

	th := s.Thread("main")
	foo := label.New("Foo")
	th.EnterCPUZone(foo)
	th.LeaveCPUZone()
	th.Log(proto.LogWarning, "done")
	// not enabled on this capture
	th.MemoryAlloc(64, 0x1000)
	s.Shutdown()

	assert.Equal(t, flags, connected)
	assert.True(t, disconnected)

	hdr, events := readCaptureFile(t, path)
	assert.Equal(t, proto.NewConnectionHeader(flags), hdr)
	assert.Equal(t, 1, countLabels(events, "Foo"))

	main := streamOf(events, "main")
	require.Len(t, main, 5)
	assert.IsType(t, &proto.ThreadName{}, main[0].packet)
	assert.IsType(t, &proto.Label{}, main[1].packet)
	enter := main[2].packet.(*proto.CPUZoneEnter)
	leave := main[3].packet.(*proto.CPUZoneLeave)
	assert.Equal(t, label.Hash("Foo"), enter.LabelID)
	assert.GreaterOrEqual(t, leave.Timestamp, enter.Timestamp)
	lg := main[4].packet.(*proto.Log)
	assert.Equal(t, proto.LogWarning, lg.Priority)
	assert.Equal(t, "done", string(main[4].payload))

	// the server stream is registered first
	first := events[0].packet.(*proto.ThreadName)
	assert.Equal(t, serverThreadName, string(events[0].payload))
	assert.Equal(t, events[0].stream, first.ThreadID)
}

func TestLabelAnnouncedOncePerConnection(t *testing.T) {
	s := newTestSession(t)
	path := startLocal(t, s, proto.FlagCPUZones)
	l := label.New("Update")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			th := s.Thread("")
			for j := 0; j < 50; j++ {
				th.EnterCPUZone(l)
				th.LeaveCPUZone()
			}
		}(i)
	}
	wg.Wait()
	s.Shutdown()
	_, events := readCaptureFile(t, path)
	n := countLabels(events, "Update")
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 4)
}

// Goroutines that each hold their own Thread produce well nested zones on
// their own stream, however they interleave in time.
func TestThreadsKeepZonesApart(t *testing.T) {
	s := newTestSession(t)
	path := startLocal(t, s, proto.FlagCPUZones)
	outer, inner := label.New("Outer"), label.New("Inner")
	names := []string{"worker-a", "worker-b"}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			th := s.Thread(name)
			for i := 0; i < 100; i++ {
				th.EnterCPUZone(outer)
				th.EnterCPUZone(inner)
				th.LeaveCPUZone()
				th.LeaveCPUZone()
			}
		}(name)
	}
	wg.Wait()
	s.Shutdown()

	_, events := readCaptureFile(t, path)
	for _, name := range names {
		var stack []uint32
		enters := 0
		for _, e := range streamOf(events, name) {
			switch p := e.packet.(type) {
			case *proto.CPUZoneEnter:
				if len(stack) == 0 {
					assert.Equal(t, label.Hash("Outer"), p.LabelID, name)
				} else {
					assert.Equal(t, label.Hash("Inner"), p.LabelID, name)
				}
				stack = append(stack, p.LabelID)
				assert.LessOrEqual(t, len(stack), 2, name)
				enters++
			case *proto.CPUZoneLeave:
				require.NotEmpty(t, stack, name)
				stack = stack[:len(stack)-1]
			}
		}
		assert.Empty(t, stack, name)
		assert.Equal(t, 200, enters, name)
	}
}

func TestFrameBufferValidation(t *testing.T) {
	s := newTestSession(t)
	path := startLocal(t, s, proto.FlagFrameBuffer|proto.FlagLogging)
	th := s.Thread("fb")

	th.FrameBuffer(1, proto.FrameBufferFormat(9), 4, 4, make([]byte, 64))
	th.FrameBuffer(2, proto.FrameBufferDXT1, 6, 6, make([]byte, 64))
	th.FrameBuffer(3, proto.FrameBufferRGB565, 4, 4, make([]byte, 8))
	th.FrameBuffer(4, proto.FrameBufferRGB565, 2, 2, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	th.FrameBuffer(5, proto.FrameBufferDXT1, 4, 4, make([]byte, 8))
	assert.Equal(t, int32(0), s.refcount.Load())
	s.Shutdown()

	_, events := readCaptureFile(t, path)
	var warnings []string
	var frames []*proto.FrameBuffer
	var sizes []int
	for _, e := range streamOf(events, "fb") {
		switch p := e.packet.(type) {
		case *proto.Log:
			assert.Equal(t, proto.LogWarning, p.Priority)
			warnings = append(warnings, string(e.payload))
		case *proto.FrameBuffer:
			frames = append(frames, p)
			sizes = append(sizes, len(e.payload))
		}
	}
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "not supported")
	assert.Contains(t, warnings[1], "multiples of 4")
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(4), frames[0].Timestamp)
	assert.Equal(t, []int{8, 8}, sizes)
}

func TestLogTruncation(t *testing.T) {
	s := newTestSession(t)
	path := startLocal(t, s, proto.FlagLogging)
	th := s.Thread("log")
	th.Logf(proto.LogInfo, "%s", strings.Repeat("x", 2000))
	th.Log(proto.LogInfo, "")
	th.Log(proto.LogError, strings.Repeat("y", 70000))
	s.Shutdown()

	_, events := readCaptureFile(t, path)
	var lens []int
	for _, e := range streamOf(events, "log") {
		if _, ok := e.packet.(*proto.Log); ok {
			lens = append(lens, len(e.payload))
		}
	}
	assert.Equal(t, []int{MaxLogfLen, 0xffff}, lens)
}

func TestSensorRangeOnlyOnChange(t *testing.T) {
	s := newTestSession(t)
	path := startLocal(t, s, proto.FlagCPUZones)
	th := s.Thread("sensors")
	temp := label.New("GPU Temp")
	th.Sensor(temp, 40, 0, 100, proto.InterpolateLinear, proto.UnitCelsius)
	th.Sensor(temp, 41, 0, 100, proto.InterpolateLinear, proto.UnitCelsius)
	th.Sensor(temp, 42, 0, 120, proto.InterpolateLinear, proto.UnitCelsius)
	assert.Equal(t, 1, s.sensors.len())
	s.Shutdown()
	assert.Equal(t, 0, s.sensors.len())

	_, events := readCaptureFile(t, path)
	var kinds []proto.PacketID
	for _, e := range streamOf(events, "sensors") {
		switch e.packet.(type) {
		case *proto.SensorRange, *proto.SensorSet:
			kinds = append(kinds, e.packet.ID())
		}
	}
	assert.Equal(t, []proto.PacketID{
		proto.PacketSensorRange, proto.PacketSensorSet,
		proto.PacketSensorSet,
		proto.PacketSensorRange, proto.PacketSensorSet,
	}, kinds)
}

func TestLocalDrainsOnShutdown(t *testing.T) {
	s := NewSession(Options{
		Logger:      zaptest.NewLogger(t),
		FlushPeriod: time.Hour,
		BufferSize:  1 << 20,
	})
	path := filepath.Join(t.TempDir(), "drain.bin")
	require.NoError(t, s.InitForLocalCapture(path, proto.FlagMemory, nil, nil))
	require.Eventually(t, s.IsConnected, 2*time.Second, time.Millisecond)
	th := s.Thread("alloc")
	for i := 0; i < 100; i++ {
		th.MemoryAlloc(uint64(i), uintptr(0x1000+i))
	}
	s.Shutdown()

	_, events := readCaptureFile(t, path)
	n := 0
	for _, e := range streamOf(events, "alloc") {
		if a, ok := e.packet.(*proto.MemoryAlloc); ok {
			assert.Equal(t, uint32(n), a.Size)
			n++
		}
	}
	assert.Equal(t, 100, n)
}

func TestRefcountNeverNegativeUnderDisconnect(t *testing.T) {
	s := newTestSession(t)
	startLocal(t, s, proto.FlagCPUZones|proto.FlagMemory)
	l := label.New("Work")
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := s.Thread("worker")
			for {
				select {
				case <-stop:
					return
				default:
				}
				th.EnterCPUZone(l)
				th.MemoryAlloc(16, 0x10)
				th.LeaveCPUZone()
				assert.GreaterOrEqual(t, s.refcount.Load(), int32(0))
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	s.teardownForTest()
	close(stop)
	wg.Wait()
	assert.Equal(t, int32(0), s.refcount.Load())
	assert.False(t, s.IsConnected())
}

// teardownForTest stops the local server while producers are still running.
func (s *Session) teardownForTest() {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	srv.stop()
}

func TestUnlockBelowZeroIsReported(t *testing.T) {
	if debugBuild {
		t.Skip("panics in debug builds")
	}
	s := newTestSession(t)
	s.UnlockConnection()
	assert.Equal(t, int32(-1), s.refcount.Load())
	s.refcount.Store(0)
}

func TestGenerationSkipsZero(t *testing.T) {
	generation.Store(^uint32(0))
	assert.Equal(t, uint32(1), nextGeneration())
}

func TestPackageName(t *testing.T) {
	assert.Equal(t, "demo", packageName("demo"))
	assert.NotEmpty(t, packageName(""))
}

func TestConfigureDefaultSession(t *testing.T) {
	require.NoError(t, Configure(Options{Logger: zaptest.NewLogger(t), PortBegin: 0, PortEnd: 1}))
	path := filepath.Join(t.TempDir(), "default.bin")
	require.NoError(t, InitForLocalCapture(path, FlagCPUZones, nil, nil))
	defer Shutdown()
	assert.True(t, errors.Is(Configure(DefaultOptions()), ErrAlreadyInitialized))
	require.Eventually(t, IsConnected, 2*time.Second, time.Millisecond)
	zone := NewLabel("Frame")
	leave := CPUZone(zone)
	leave()
	assert.True(t, CheckConnectionFlag(FlagCPUZones))
	assert.False(t, CheckConnectionFlag(FlagMemory))
}
