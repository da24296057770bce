// Package capture is the producer side of perfcap. Applications call into
// it from any goroutine to emit zones, sensors, log lines, memory events and
// tunable parameters; a background server ships the per-thread streams to a
// remote monitor over TCP or into a local file.
//
// Every producer call follows the same pattern: TryLockConnection, do the
// work, UnlockConnection. When nothing is connected the calls return
// immediately without side effects.
package capture

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/metrics"
	"vrcap/perfcap/pkg/proto"
	"vrcap/perfcap/pkg/sched"
	"vrcap/perfcap/pkg/sensors"
	"vrcap/perfcap/pkg/stream"
)

var (
	ErrAlreadyInitialized = errors.New("capture: already initialized")
	ErrNoFeatures         = errors.New("capture: no capture features requested")
	ErrNoPort             = errors.New("capture: no free port in range")
	ErrNotInitialized     = errors.New("capture: not initialized")
)

// OnConnectFunc runs on the server goroutine right before the connection
// becomes visible to producers.
type OnConnectFunc func(flags proto.Flag)

// OnDisconnectFunc runs after a connection is torn down.
type OnDisconnectFunc func()

const serverThreadName = "CaptureServer"

type Options struct {
	Logger  *zap.Logger
	Metrics prometheus.Registerer

	BufferSize  int           // per-stream arena size
	FlushPeriod time.Duration // server flush cadence

	// TCP ports tried in order; the first that binds wins. PortBegin 0 with
	// PortEnd 1 binds an ephemeral port.
	PortBegin int
	PortEnd   int

	// ZeroConfigPort <= 0 disables the discovery broadcast.
	ZeroConfigPort     int
	ZeroConfigInterval time.Duration
	PackageName        string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// MaxLabels bounds the announced-label set; 0 is unbounded.
	MaxLabels int

	SensorPeriod time.Duration
	SchedPeriod  time.Duration
}

func DefaultOptions() Options {
	return Options{
		BufferSize:         stream.DefaultBufferSize,
		FlushPeriod:        4 * time.Millisecond,
		PortBegin:          proto.DefaultPortBegin,
		PortEnd:            proto.DefaultPortEnd,
		ZeroConfigPort:     proto.ZeroConfigPort,
		ZeroConfigInterval: time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       2 * time.Second,
		SensorPeriod:       sensors.DefaultPeriod,
		SchedPeriod:        sched.DefaultDrainPeriod,
	}
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.FlushPeriod <= 0 {
		o.FlushPeriod = d.FlushPeriod
	}
	if o.PortBegin == 0 && o.PortEnd == 0 {
		o.PortBegin, o.PortEnd = d.PortBegin, d.PortEnd
	}
	if o.ZeroConfigInterval <= 0 {
		o.ZeroConfigInterval = d.ZeroConfigInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.SensorPeriod <= 0 {
		o.SensorPeriod = d.SensorPeriod
	}
	if o.SchedPeriod <= 0 {
		o.SchedPeriod = d.SchedPeriod
	}
}

// generation is bumped on every connection of every Session, so a label
// cached for one connection is never taken for valid on another.
var generation atomic.Uint32

func nextGeneration() uint32 {
	for {
		// 0 is the zero value of every label's version
		if g := generation.Add(1); g != 0 {
			return g
		}
	}
}

type server interface {
	stop()
}

// Session is one capture system: its connection state, streams and
// parameter store. Most programs use the package-level functions, which
// drive a default Session.
type Session struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics.Capture

	flags    atomic.Uint32
	refcount atomic.Int32
	gen      atomic.Uint32

	streams *stream.Registry
	labels  *label.KnownSet
	params  *paramStore
	sensors *sensorStore

	mu           sync.Mutex // init/shutdown
	initFlags    proto.Flag
	onConnect    OnConnectFunc
	onDisconnect OnDisconnectFunc
	srv          server
	serverThread *Thread
	stopSamplers func()

	defaultOnce   sync.Once
	defaultThread *Thread
}

func NewSession(opts Options) *Session {
	opts.fill()
	m := metrics.NewCapture(opts.Metrics)
	var obs stream.Observer
	if m != nil {
		obs = m
	}
	s := &Session{
		opts:    opts,
		log:     opts.Logger,
		metrics: m,
		streams: stream.NewRegistry(opts.BufferSize, obs),
		labels:  label.NewKnownSet(opts.MaxLabels),
		params:  newParamStore(),
		sensors: newSensorStore(),
	}
	s.serverThread = s.Thread(serverThreadName)
	return s
}

// IsConnected reports whether a connection is live.
func (s *Session) IsConnected() bool { return s.flags.Load() != 0 }

// CheckConnectionFlag reports whether a connection is live and carries f.
func (s *Session) CheckConnectionFlag(f proto.Flag) bool {
	return proto.Flag(s.flags.Load())&f != 0
}

// Flags returns the features of the live connection, 0 when disconnected.
func (s *Session) Flags() proto.Flag { return proto.Flag(s.flags.Load()) }

func (s *Session) check(f proto.Flag) bool {
	if f == 0 {
		return s.IsConnected()
	}
	return s.CheckConnectionFlag(f)
}

// TryLockConnection pins the connection so teardown cannot release the
// streams until UnlockConnection. f == 0 only requires a connection. On
// false the caller must not call UnlockConnection.
func (s *Session) TryLockConnection(f proto.Flag) bool {
	if !s.check(f) {
		return false
	}
	s.refcount.Add(1)
	// the connection may have dropped between the check and the increment
	if !s.check(f) {
		s.refcount.Add(-1)
		return false
	}
	return true
}

func (s *Session) UnlockConnection() {
	if n := s.refcount.Add(-1); n < 0 {
		s.violation("capture: connection refcount below zero", zap.Int32("refcount", n))
	}
}

func (s *Session) violation(msg string, fields ...zap.Field) {
	if debugBuild {
		panic(msg)
	}
	s.log.Error(msg, fields...)
}

// InitForRemoteCapture binds the first free port of the configured range
// and starts serving monitors in the background.
func (s *Session) InitForRemoteCapture(flags proto.Flag, onConnect OnConnectFunc, onDisconnect OnDisconnectFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initInternal(flags, onConnect, onDisconnect); err != nil {
		return err
	}
	srv, err := newRemoteServer(s)
	if err != nil {
		s.resetInit()
		return err
	}
	s.srv = srv
	srv.start()
	return nil
}

// InitForLocalCapture writes the capture stream into path, starting
// immediately. File errors are returned here.
func (s *Session) InitForLocalCapture(path string, flags proto.Flag, onConnect OnConnectFunc, onDisconnect OnDisconnectFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initInternal(flags, onConnect, onDisconnect); err != nil {
		return err
	}
	srv, err := newLocalServer(s, path)
	if err != nil {
		s.resetInit()
		return err
	}
	s.srv = srv
	srv.start()
	return nil
}

func (s *Session) initInternal(flags proto.Flag, onConnect OnConnectFunc, onDisconnect OnDisconnectFunc) error {
	if s.initFlags != 0 {
		return ErrAlreadyInitialized
	}
	flags &= proto.AllFlags
	if flags == 0 {
		return ErrNoFeatures
	}
	s.initFlags = flags
	s.flags.Store(0)
	s.onConnect = onConnect
	s.onDisconnect = onDisconnect
	return nil
}

func (s *Session) resetInit() {
	s.initFlags = 0
	s.onConnect = nil
	s.onDisconnect = nil
	s.srv = nil
}

// Shutdown stops the server and tears down any live connection. No
// producer may be inside a capture call when Shutdown runs.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		s.srv.stop()
	}
	if s.IsConnected() {
		s.violation("capture: connected after server stop")
		s.flags.Store(0)
	}
	s.resetInit()
}

// connect makes a connection with the given features visible to producers.
// It runs on the server goroutine.
func (s *Session) connect(flags proto.Flag) {
	// the server stream is registered first so its label packets lead
	st := s.streams.Acquire(serverThreadName)
	if s.onConnect != nil {
		s.onConnect(flags)
	}
	g := nextGeneration()
	s.serverThread.bind(g, st)
	s.gen.Store(g)
	s.flags.Store(uint32(flags))
	s.metrics.SetConnected(true)
	s.log.Info("capture connected", zap.Stringer("flags", flags), zap.Uint32("generation", g))
	s.startSamplers(flags)
}

// teardown runs the disconnect sequence. closeTransport is called once
// producers are locked out; drain, when set, flushes the remaining data
// into the still-open transport instead of discarding it.
func (s *Session) teardown(closeTransport func(), drain func() error) {
	s.flags.Store(0)
	s.metrics.SetConnected(false)
	if s.stopSamplers != nil {
		s.stopSamplers()
		s.stopSamplers = nil
	}
	if closeTransport != nil {
		closeTransport()
	}
	drained := false
	if drain != nil {
		if err := drain(); err != nil {
			s.log.Warn("capture drain failed", zap.Error(err))
		} else {
			drained = true
		}
	}
	for {
		if !drained {
			// release producers blocked on a full stream
			s.streams.ClearAll()
		}
		if s.refcount.Load() <= 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if s.onDisconnect != nil {
		s.onDisconnect()
	}
	s.streams.Reset()
	s.params.reset()
	s.sensors.reset()
	s.labels.Reset()
	s.log.Info("capture disconnected")
}

// drainInto flushes every stream into w until no producer holds the
// connection, then once more.
func (s *Session) drainInto(flush func() error) error {
	for s.refcount.Load() > 0 {
		if err := flush(); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	return flush()
}

func (s *Session) startSamplers(flags proto.Flag) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	s.stopSamplers = func() {
		cancel()
		wg.Wait()
	}
	if flags.Has(proto.FlagCPUClocks | proto.FlagGPUClocks | proto.FlagThermalSensors) {
		smp := sensors.NewStandard(ctx, s.Thread("Sensors"), s.opts.SensorPeriod, s.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			smp.Run(ctx)
		}()
	}
	if flags.Has(proto.FlagCPUScheduler) {
		ring, _ := sched.NewRing(sched.DefaultRingSize)
		src, err := sched.NewThreadSource(0, ring, 0, s.log)
		if err != nil {
			s.log.Warn("cpu scheduler tracing unavailable", zap.Error(err))
			return
		}
		tracer := sched.NewTracer(ring, s.Thread("Scheduler"), s.opts.SchedPeriod, s.log)
		wg.Add(2)
		go func() {
			defer wg.Done()
			src.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			tracer.Run(ctx)
		}()
	}
}

// packageName is what the zero-config broadcast advertises.
func packageName(override string) string {
	if override != "" {
		return override
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cmd, err := p.Cmdline(); err == nil {
			if f := strings.Fields(cmd); len(f) > 0 {
				return f[0]
			}
		}
		if name, err := p.Name(); err == nil && name != "" {
			return name
		}
	}
	return "Unknown"
}
