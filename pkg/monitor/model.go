package monitor

import (
	"fmt"
	"sort"
	"sync"

	"vrcap/perfcap/pkg/proto"
)

// Zone is a completed CPU or GPU zone.
type Zone struct {
	Stream uint32 `json:"stream"`
	Thread string `json:"thread"`
	Label  string `json:"label"`
	Start  uint64 `json:"start"`
	End    uint64 `json:"end"`
	Depth  int    `json:"depth"`
	GPU    bool   `json:"gpu,omitempty"`
}

// Param is a tunable value announced by the application.
type Param struct {
	ID    uint32  `json:"id"`
	Label string  `json:"label"`
	Kind  string  `json:"kind"` // float, int, bool, button
	Value float64 `json:"value"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Sensor is the latest sample of a sensor.
type Sensor struct {
	Label     string  `json:"label"`
	Value     float32 `json:"value"`
	Min       float32 `json:"min"`
	Max       float32 `json:"max"`
	Units     string  `json:"units"`
	Timestamp uint64  `json:"timestamp"`
}

type openZone struct {
	label uint32
	start uint64
}

// Model folds events into labels, thread names, open zone stacks and the
// latest parameter and sensor values. It is safe for concurrent use.
type Model struct {
	mu       sync.RWMutex
	labels   map[uint32]string
	threads  map[uint32]string
	cpu      map[uint32][]openZone
	gpu      map[uint32][]openZone
	params   map[uint32]*Param
	sensors  map[uint32]*Sensor
	frames   uint64
	unclosed int   // leaves without a matching enter
	gpuShift int64 // CPU minus GPU clock at the last sync
}

func NewModel() *Model {
	m := &Model{}
	m.Reset()
	return m
}

// Reset forgets everything; call it when a new session starts.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = map[uint32]string{}
	m.threads = map[uint32]string{}
	m.cpu = map[uint32][]openZone{}
	m.gpu = map[uint32][]openZone{}
	m.params = map[uint32]*Param{}
	m.sensors = map[uint32]*Sensor{}
	m.frames = 0
	m.unclosed = 0
	m.gpuShift = 0
}

func (m *Model) labelName(id uint32) string {
	if n, ok := m.labels[id]; ok {
		return n
	}
	return fmt.Sprintf("0x%08x", id)
}

func (m *Model) param(id uint32, kind string) *Param {
	p, ok := m.params[id]
	if !ok {
		p = &Param{ID: id, Kind: kind}
		m.params[id] = p
	}
	p.Label = m.labelName(id)
	return p
}

// Apply folds e into the model and returns the zone it completed, if any.
func (m *Model) Apply(e Event) (Zone, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch p := e.Packet.(type) {
	case *proto.Label:
		m.labels[p.LabelID] = string(e.Payload)
	case *proto.ThreadName:
		m.threads[p.ThreadID] = string(e.Payload)
	case *proto.Frame:
		m.frames++
	case *proto.CPUZoneEnter:
		m.cpu[e.Stream] = append(m.cpu[e.Stream], openZone{label: p.LabelID, start: p.Timestamp})
	case *proto.CPUZoneLeave:
		return m.close(m.cpu, e.Stream, p.Timestamp, false)
	case *proto.GPUZoneEnter:
		m.gpu[e.Stream] = append(m.gpu[e.Stream], openZone{label: p.LabelID, start: p.Timestamp})
	case *proto.GPUZoneLeave:
		return m.close(m.gpu, e.Stream, p.Timestamp, true)
	case *proto.GPUClockSync:
		m.gpuShift = int64(p.TimestampCPU - p.TimestampGPU)
	case *proto.FloatParamRange:
		pr := m.param(p.LabelID, "float")
		pr.Min, pr.Max = float64(p.Min), float64(p.Max)
		pr.Value = float64(p.Value)
	case *proto.IntParamRange:
		pr := m.param(p.LabelID, "int")
		pr.Min, pr.Max = float64(p.Min), float64(p.Max)
		pr.Value = float64(p.Value)
	case *proto.BoolParamSet:
		pr := m.param(p.LabelID, "bool")
		pr.Min, pr.Max = 0, 1
		pr.Value = 0
		if p.Value {
			pr.Value = 1
		}
	case *proto.ButtonParam:
		m.param(p.LabelID, "button")
	case *proto.SensorRange:
		s := m.sensor(p.LabelID)
		s.Min, s.Max, s.Units = p.Min, p.Max, p.Units.String()
	case *proto.SensorSet:
		s := m.sensor(p.LabelID)
		s.Value, s.Timestamp = p.Value, p.Timestamp
	}
	return Zone{}, false
}

func (m *Model) sensor(id uint32) *Sensor {
	s, ok := m.sensors[id]
	if !ok {
		s = &Sensor{}
		m.sensors[id] = s
	}
	s.Label = m.labelName(id)
	return s
}

func (m *Model) close(stacks map[uint32][]openZone, stream uint32, end uint64, gpu bool) (Zone, bool) {
	st := stacks[stream]
	if len(st) == 0 {
		m.unclosed++
		return Zone{}, false
	}
	top := st[len(st)-1]
	stacks[stream] = st[:len(st)-1]
	if gpu {
		// report GPU zones on the CPU clock
		top.start = uint64(int64(top.start) + m.gpuShift)
		end = uint64(int64(end) + m.gpuShift)
	}
	return Zone{
		Stream: stream,
		Thread: m.threads[stream],
		Label:  m.labelName(top.label),
		Start:  top.start,
		End:    end,
		Depth:  len(st) - 1,
		GPU:    gpu,
	}, true
}

// LabelID returns the hash announced for name.
func (m *Model) LabelID(name string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, n := range m.labels {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

func (m *Model) Params() []Param {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Param, 0, len(m.params))
	for _, p := range m.params {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func (m *Model) Sensors() []Sensor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sensor, 0, len(m.sensors))
	for _, s := range m.sensors {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func (m *Model) Threads() map[uint32]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]string, len(m.threads))
	for k, v := range m.threads {
		out[k] = v
	}
	return out
}

// Frames is the number of frame markers seen.
func (m *Model) Frames() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames
}
