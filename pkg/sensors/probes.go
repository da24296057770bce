package sensors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/proto"
)

const (
	maxCPUs           = 8
	maxThermalSensors = 20
)

var errNoSensor = errors.New("sensors: not present")

// sysRoot is swapped in tests.
var sysRoot = "/sys"

func sysPath(format string, args ...any) string {
	return sysRoot + fmt.Sprintf(format, args...)
}

func readInt(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}

// CPUClockProbe reports the current frequency of each online core in KHz.
type CPUClockProbe struct {
	labels []*label.Label
	max    float32
}

func NewCPUClockProbe(ctx context.Context) (*CPUClockProbe, error) {
	p := &CPUClockProbe{}
	for i := 0; i < maxCPUs; i++ {
		if _, err := os.Stat(sysPath("/devices/system/cpu/cpu%d", i)); err != nil {
			break
		}
		p.labels = append(p.labels, label.New(fmt.Sprintf("CPU%d Clocks", i)))
		if v, err := readInt(sysPath("/devices/system/cpu/cpu%d/cpufreq/cpuinfo_max_freq", i)); err == nil && float32(v) > p.max {
			p.max = float32(v)
		}
	}
	if len(p.labels) == 0 {
		return nil, fmt.Errorf("cpu clocks: %w", errNoSensor)
	}
	if p.max == 0 {
		// no cpufreq; fall back to the advertised clock
		if infos, err := cpu.InfoWithContext(ctx); err == nil {
			for _, in := range infos {
				if khz := float32(in.Mhz * 1000); khz > p.max {
					p.max = khz
				}
			}
		}
	}
	return p, nil
}

func (p *CPUClockProbe) Name() string     { return "cpu_clocks" }
func (p *CPUClockProbe) Flag() proto.Flag { return proto.FlagCPUClocks }
func (p *CPUClockProbe) Slow() bool       { return false }

func (p *CPUClockProbe) Sample(ctx context.Context) []Reading {
	out := make([]Reading, 0, len(p.labels))
	for i, l := range p.labels {
		var freq int64
		// cpu0 usually has no "online" file and cannot go offline
		online, err := readInt(sysPath("/devices/system/cpu/cpu%d/online", i))
		if err != nil || online != 0 {
			freq, _ = readInt(sysPath("/devices/system/cpu/cpu%d/cpufreq/scaling_cur_freq", i))
		}
		out = append(out, Reading{Label: l, Value: float32(freq), Max: p.max, Interp: proto.InterpolateNearest, Units: proto.UnitKHz, OnChange: true})
	}
	return out
}

type clockFile struct {
	cur, max string
	units    proto.SensorUnit
}

// devfreq nodes for memory bus clocks (Snapdragon, Exynos)
var memClockFiles = []clockFile{
	{"/class/devfreq/0.qcom,cpubw/cur_freq", "/class/devfreq/0.qcom,cpubw/max_freq", proto.UnitMHz},
	{"/class/devfreq/soc:qcom,cpubw/cur_freq", "/class/devfreq/soc:qcom,cpubw/max_freq", proto.UnitMHz},
	{"/class/devfreq/exynos5-devfreq-mif/cur_freq", "/class/devfreq/exynos5-devfreq-mif/max_freq", proto.UnitKHz},
	{"/class/devfreq/exynos7-devfreq-mif/cur_freq", "/class/devfreq/exynos7-devfreq-mif/max_freq", proto.UnitKHz},
	{"/class/devfreq/17000010.devfreq_mif/cur_freq", "/class/devfreq/17000010.devfreq_mif/max_freq", proto.UnitKHz},
}

// FileClockProbe reads one clock from a sysfs file.
type FileClockProbe struct {
	name  string
	flag  proto.Flag
	label *label.Label
	path  string
	max   float32
	units proto.SensorUnit
}

func NewMemClockProbe() (*FileClockProbe, error) {
	for _, f := range memClockFiles {
		if _, err := readInt(sysRoot + f.cur); err != nil {
			continue
		}
		max, _ := readInt(sysRoot + f.max)
		return &FileClockProbe{name: "mem_clocks", flag: proto.FlagCPUClocks, label: label.New("Mem Clocks"), path: sysRoot + f.cur, max: float32(max), units: f.units}, nil
	}
	return nil, fmt.Errorf("mem clocks: %w", errNoSensor)
}

// NewGPUClockProbe finds an Adreno (kgsl) or Mali clock node.
func NewGPUClockProbe() (*FileClockProbe, error) {
	p := &FileClockProbe{name: "gpu_clocks", flag: proto.FlagGPUClocks, label: label.New("GPU Clocks")}
	if _, err := readInt(sysPath("/class/kgsl/kgsl-3d0/gpuclk")); err == nil {
		max, _ := readInt(sysPath("/class/kgsl/kgsl-3d0/max_gpuclk"))
		p.path, p.max, p.units = sysPath("/class/kgsl/kgsl-3d0/gpuclk"), float32(max), proto.UnitHz
		return p, nil
	}
	if _, err := readInt(sysPath("/class/misc/mali0/device/clock")); err == nil {
		// dvfs_table lists every supported rate; the largest is the max
		var max int64
		if b, err := os.ReadFile(sysPath("/class/misc/mali0/device/dvfs_table")); err == nil {
			for _, f := range strings.Fields(string(b)) {
				if v, err := strconv.ParseInt(f, 10, 64); err == nil && v > max {
					max = v
				}
			}
		}
		p.path, p.max, p.units = sysPath("/class/misc/mali0/device/clock"), float32(max), proto.UnitMHz
		return p, nil
	}
	return nil, fmt.Errorf("gpu clocks: %w", errNoSensor)
}

func (p *FileClockProbe) Name() string     { return p.name }
func (p *FileClockProbe) Flag() proto.Flag { return p.flag }
func (p *FileClockProbe) Slow() bool       { return false }

func (p *FileClockProbe) Sample(ctx context.Context) []Reading {
	v, err := readInt(p.path)
	if err != nil {
		return nil
	}
	return []Reading{{Label: p.label, Value: float32(v), Max: p.max, Interp: proto.InterpolateNearest, Units: p.units, OnChange: true}}
}

// CPULoadProbe reports total CPU utilisation in percent.
type CPULoadProbe struct {
	label *label.Label
}

func NewCPULoadProbe() (*CPULoadProbe, error) {
	return &CPULoadProbe{label: label.New("CPU Load")}, nil
}

func (p *CPULoadProbe) Name() string     { return "cpu_load" }
func (p *CPULoadProbe) Flag() proto.Flag { return proto.FlagCPUClocks }
func (p *CPULoadProbe) Slow() bool       { return true }

func (p *CPULoadProbe) Sample(ctx context.Context) []Reading {
	// interval 0 compares against the previous call
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(pct) == 0 {
		return nil
	}
	return []Reading{{Label: p.label, Value: float32(pct[0]), Max: 100, Interp: proto.InterpolateLinear, Units: proto.UnitNone}}
}

// MemoryProbe reports used system memory in MB.
type MemoryProbe struct {
	label *label.Label
	total float32
}

func NewMemoryProbe(ctx context.Context) (*MemoryProbe, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	return &MemoryProbe{label: label.New("Memory Used"), total: float32(vm.Total) / (1 << 20)}, nil
}

func (p *MemoryProbe) Name() string     { return "memory" }
func (p *MemoryProbe) Flag() proto.Flag { return proto.FlagCPUClocks }
func (p *MemoryProbe) Slow() bool       { return true }

func (p *MemoryProbe) Sample(ctx context.Context) []Reading {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil
	}
	return []Reading{{Label: p.label, Value: float32(vm.Used) / (1 << 20), Max: p.total, Interp: proto.InterpolateLinear, Units: proto.UnitMByte}}
}

// ThermalProbe reports temperature sensors in Celsius.
type ThermalProbe struct {
	labels map[string]*label.Label
	keys   []string
}

func NewThermalProbe(ctx context.Context) (*ThermalProbe, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err == nil {
			err = errNoSensor
		}
		return nil, fmt.Errorf("thermal: %w", err)
	}
	p := &ThermalProbe{labels: map[string]*label.Label{}}
	for _, t := range temps {
		if len(p.keys) == maxThermalSensors {
			break
		}
		if _, dup := p.labels[t.SensorKey]; dup || t.SensorKey == "" {
			continue
		}
		p.labels[t.SensorKey] = label.New(t.SensorKey)
		p.keys = append(p.keys, t.SensorKey)
	}
	sort.Strings(p.keys)
	return p, nil
}

func (p *ThermalProbe) Name() string     { return "thermal" }
func (p *ThermalProbe) Flag() proto.Flag { return proto.FlagThermalSensors }
func (p *ThermalProbe) Slow() bool       { return true }

func (p *ThermalProbe) Sample(ctx context.Context) []Reading {
	// partial results come back together with a warnings error
	temps, _ := host.SensorsTemperaturesWithContext(ctx)
	out := make([]Reading, 0, len(temps))
	for _, t := range temps {
		l, ok := p.labels[t.SensorKey]
		if !ok {
			continue
		}
		max := t.Critical
		if max <= 0 {
			max = t.High
		}
		if max <= 0 {
			max = 100
		}
		out = append(out, Reading{Label: l, Value: float32(t.Temperature), Max: float32(max), Interp: proto.InterpolateLinear, Units: proto.UnitCelsius})
	}
	return out
}
