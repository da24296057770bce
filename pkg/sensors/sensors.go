// Package sensors samples standard system sensors (clocks, load, memory,
// temperatures) while a capture connection is live.
package sensors

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/label"
	"vrcap/perfcap/pkg/proto"
)

const (
	DefaultPeriod = 5 * time.Millisecond
	// slow probes run on every SlowEvery-th sample
	SlowEvery = 16
)

// Sink is the capture connection as seen by the sampler.
type Sink interface {
	IsConnected() bool
	CheckConnectionFlag(f proto.Flag) bool
	Sensor(l *label.Label, value, min, max float32, interp proto.SensorInterpolator, units proto.SensorUnit)
}

// Reading is one sensor value.
type Reading struct {
	Label  *label.Label
	Value  float32
	Min    float32
	Max    float32
	Interp proto.SensorInterpolator
	Units  proto.SensorUnit
	// OnChange readings are only forwarded when the value differs from the
	// previous one for the same label.
	OnChange bool
}

// Probe produces readings for one group of sensors.
type Probe interface {
	Name() string
	Flag() proto.Flag
	Slow() bool
	Sample(ctx context.Context) []Reading
}

type Sampler struct {
	sink   Sink
	probes []Probe
	period time.Duration
	log    *zap.Logger
	last   map[*label.Label]float32
}

func NewSampler(sink Sink, probes []Probe, period time.Duration, log *zap.Logger) *Sampler {
	if period <= 0 {
		period = DefaultPeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{sink: sink, probes: probes, period: period, log: log, last: map[*label.Label]float32{}}
}

// NewStandard discovers the probes available on this machine for the
// features the connection carries.
func NewStandard(ctx context.Context, sink Sink, period time.Duration, log *zap.Logger) *Sampler {
	if log == nil {
		log = zap.NewNop()
	}
	var probes []Probe
	add := func(p Probe, err error) {
		if err != nil {
			log.Debug("sensor probe unavailable", zap.Error(err))
			return
		}
		if sink.CheckConnectionFlag(p.Flag()) {
			probes = append(probes, p)
		}
	}
	add(NewCPUClockProbe(ctx))
	add(NewMemClockProbe())
	add(NewCPULoadProbe())
	add(NewGPUClockProbe())
	add(NewMemoryProbe(ctx))
	add(NewThermalProbe(ctx))
	names := make([]string, 0, len(probes))
	for _, p := range probes {
		names = append(names, p.Name())
	}
	log.Info("standard sensors", zap.Strings("probes", names))
	return NewSampler(sink, probes, period, log)
}

// Run samples until ctx ends or the connection drops.
func (s *Sampler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for sample := uint32(0); ; sample++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !s.sink.IsConnected() {
			return
		}
		s.SampleOnce(ctx, sample)
		timer.Reset(s.period)
	}
}

// SampleOnce runs every due probe for the given sample number.
func (s *Sampler) SampleOnce(ctx context.Context, sample uint32) {
	for _, p := range s.probes {
		if p.Slow() && sample%SlowEvery != 0 {
			continue
		}
		if !s.sink.CheckConnectionFlag(p.Flag()) {
			continue
		}
		for _, r := range p.Sample(ctx) {
			if r.OnChange {
				if prev, ok := s.last[r.Label]; ok && prev == r.Value {
					continue
				}
				s.last[r.Label] = r.Value
			}
			s.sink.Sensor(r.Label, r.Value, r.Min, r.Max, r.Interp, r.Units)
		}
	}
}

func (s *Sampler) Probes() []Probe { return s.probes }
