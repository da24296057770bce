package sensors

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/proto"
)

type sent struct {
	name  string
	value float32
	max   float32
	units proto.SensorUnit
}

type fakeSink struct {
	mu        sync.Mutex
	flags     proto.Flag
	connected bool
	got       []sent
}

func (f *fakeSink) IsConnected() bool                     { return f.connected }
func (f *fakeSink) CheckConnectionFlag(fl proto.Flag) bool { return f.connected && f.flags&fl != 0 }
func (f *fakeSink) Sensor(l *label.Label, value, min, max float32, interp proto.SensorInterpolator, units proto.SensorUnit) {
	f.mu.Lock()
	f.got = append(f.got, sent{l.Name(), value, max, units})
	f.mu.Unlock()
}

type staticProbe struct {
	flag   proto.Flag
	slow   bool
	values []Reading
	calls  int
}

func (p *staticProbe) Name() string     { return "static" }
func (p *staticProbe) Flag() proto.Flag { return p.flag }
func (p *staticProbe) Slow() bool       { return p.slow }
func (p *staticProbe) Sample(context.Context) []Reading {
	p.calls++
	return p.values
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestOnChangeSuppressesRepeats tests that clocks are only sent when they move.
func TestOnChangeSuppressesRepeats(t *testing.T) {
	sink := &fakeSink{flags: proto.FlagCPUClocks, connected: true}
	l := label.New("CPU0 Clocks")
	probe := &staticProbe{flag: proto.FlagCPUClocks, values: []Reading{{Label: l, Value: 100, OnChange: true}}}
	s := NewSampler(sink, []Probe{probe}, 0, zaptest.NewLogger(t))

	s.SampleOnce(context.Background(), 1)
	s.SampleOnce(context.Background(), 2)
	probe.values[0].Value = 200
	s.SampleOnce(context.Background(), 3)

	require.Len(t, sink.got, 2)
	assert.Equal(t, float32(100), sink.got[0].value)
	assert.Equal(t, float32(200), sink.got[1].value)
}

// TestSlowProbesEverySixteenth tests the reduced rate of slow probes.
func TestSlowProbesEverySixteenth(t *testing.T) {
	sink := &fakeSink{flags: proto.FlagThermalSensors, connected: true}
	probe := &staticProbe{flag: proto.FlagThermalSensors, slow: true, values: []Reading{{Label: label.New("cpu-thermal"), Value: 40}}}
	s := NewSampler(sink, []Probe{probe}, 0, nil)
	for i := uint32(0); i < 32; i++ {
		s.SampleOnce(context.Background(), i)
	}
	assert.Equal(t, 2, probe.calls)
	assert.Len(t, sink.got, 2)
}

// TestDisabledFlagSkipsProbe tests that probes follow the negotiated features.
func TestDisabledFlagSkipsProbe(t *testing.T) {
	sink := &fakeSink{flags: proto.FlagCPUClocks, connected: true}
	probe := &staticProbe{flag: proto.FlagGPUClocks, values: []Reading{{Label: label.New("GPU Clocks")}}}
	s := NewSampler(sink, []Probe{probe}, 0, nil)
	s.SampleOnce(context.Background(), 0)
	assert.Equal(t, 0, probe.calls)
}

// TestRunStopsWhenDisconnected tests the sampler exit condition.
func TestRunStopsWhenDisconnected(t *testing.T) {
	sink := &fakeSink{connected: false}
	s := NewSampler(sink, nil, 0, nil)
	s.Run(context.Background())
}

// TestCPUClockProbeSysfs tests reading a fake cpufreq tree.
func TestCPUClockProbeSysfs(t *testing.T) {
	root := t.TempDir()
	old := sysRoot
	sysRoot = root
	t.Cleanup(func() { sysRoot = old })

	writeFile(t, root, "devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq", "2400000\n")
	writeFile(t, root, "devices/system/cpu/cpu0/cpufreq/scaling_cur_freq", "1800000\n")
	writeFile(t, root, "devices/system/cpu/cpu1/online", "0\n")
	writeFile(t, root, "devices/system/cpu/cpu1/cpufreq/scaling_cur_freq", "1200000\n")

	p, err := NewCPUClockProbe(context.Background())
	require.NoError(t, err)
	rs := p.Sample(context.Background())
	require.Len(t, rs, 2)
	assert.Equal(t, "CPU0 Clocks", rs[0].Label.Name())
	assert.Equal(t, float32(1800000), rs[0].Value)
	assert.Equal(t, float32(2400000), rs[0].Max)
	assert.Equal(t, proto.UnitKHz, rs[0].Units)
	// offline core reports zero
	assert.Equal(t, float32(0), rs[1].Value)
}

// TestGPUClockProbeMali tests the Mali dvfs table maximum.
func TestGPUClockProbeMali(t *testing.T) {
	root := t.TempDir()
	old := sysRoot
	sysRoot = root
	t.Cleanup(func() { sysRoot = old })

	_, err := NewGPUClockProbe()
	assert.ErrorIs(t, err, errNoSensor)

	writeFile(t, root, "class/misc/mali0/device/clock", "600\n")
	writeFile(t, root, "class/misc/mali0/device/dvfs_table", "260 420 700 600\n")
	p, err := NewGPUClockProbe()
	require.NoError(t, err)
	rs := p.Sample(context.Background())
	require.Len(t, rs, 1)
	assert.Equal(t, float32(600), rs[0].Value)
	assert.Equal(t, float32(700), rs[0].Max)
	assert.Equal(t, proto.UnitMHz, rs[0].Units)
}
