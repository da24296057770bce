package capture

import (
	"sync"

	"vrcap/perfcap/pkg/proto"
)

// param is one remotely tunable value. useCurrent is set once the monitor
// has overridden the default.
type param[T comparable] struct {
	current    T
	def        T
	min        T
	max        T
	useCurrent bool
}

type paramStore struct {
	mu      sync.RWMutex
	floats  map[uint32]*param[float32]
	ints    map[uint32]*param[int32]
	bools   map[uint32]*param[bool]
	buttons map[uint32]bool
}

func newParamStore() *paramStore {
	return &paramStore{
		floats:  map[uint32]*param[float32]{},
		ints:    map[uint32]*param[int32]{},
		bools:   map[uint32]*param[bool]{},
		buttons: map[uint32]bool{},
	}
}

func (p *paramStore) reset() {
	p.mu.Lock()
	clear(p.floats)
	clear(p.ints)
	clear(p.bools)
	clear(p.buttons)
	p.mu.Unlock()
}

// lookup returns the value for the caller and whether the range must be
// announced: the parameter is new or its default/min/max changed. A remote
// override survives a range change.
func lookup[T comparable](mu *sync.RWMutex, m map[uint32]*param[T], id uint32, def, min, max T) (T, bool) {
	ret := def
	mu.RLock()
	if old, ok := m[id]; ok {
		if old.useCurrent {
			ret = old.current
		}
		if old.def == def && old.min == min && old.max == max {
			mu.RUnlock()
			return ret, false
		}
	}
	mu.RUnlock()

	mu.Lock()
	cur, ok := m[id]
	if !ok {
		cur = &param[T]{}
		m[id] = cur
	}
	cur.def, cur.min, cur.max = def, min, max
	mu.Unlock()
	return ret, true
}

func override[T comparable](m map[uint32]*param[T], id uint32, v T) bool {
	cur, ok := m[id]
	if !ok {
		return false
	}
	cur.current = v
	cur.useCurrent = true
	return true
}

func (p *paramStore) getFloat(id uint32, def, min, max float32) (float32, bool) {
	return lookup(&p.mu, p.floats, id, def, min, max)
}

func (p *paramStore) getInt(id uint32, def, min, max int32) (int32, bool) {
	return lookup(&p.mu, p.ints, id, def, min, max)
}

func (p *paramStore) getBool(id uint32, def bool) (bool, bool) {
	return lookup(&p.mu, p.bools, id, def, false, false)
}

// clicked reads and clears a button. isNew is true the first time id is
// seen, in which case the button must be announced.
func (p *paramStore) clicked(id uint32) (clicked, isNew bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.buttons[id]
	if !ok {
		p.buttons[id] = false
		return false, true
	}
	p.buttons[id] = false
	return v, false
}

// apply stores a monitor override. Overrides for labels the application
// never registered are ignored. It returns the parameter kind and whether
// the packet was an override at all.
func (p *paramStore) apply(pk proto.Packet) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch v := pk.(type) {
	case *proto.FloatParamSet:
		override(p.floats, v.LabelID, v.Value)
		return "float", true
	case *proto.IntParamSet:
		override(p.ints, v.LabelID, v.Value)
		return "int", true
	case *proto.BoolParamSet:
		override(p.bools, v.LabelID, v.Value)
		return "bool", true
	case *proto.ButtonParam:
		if _, ok := p.buttons[v.LabelID]; ok {
			p.buttons[v.LabelID] = true
		}
		return "button", true
	}
	return "", false
}

type sensorRange struct {
	min, max float32
	interp   proto.SensorInterpolator
	units    proto.SensorUnit
}

type sensorStore struct {
	mu sync.RWMutex
	m  map[uint32]sensorRange
}

func newSensorStore() *sensorStore {
	return &sensorStore{m: map[uint32]sensorRange{}}
}

// update records the range of sensor id and reports whether it differs
// from the cached one. Two racing callers may both see true.
func (s *sensorStore) update(id uint32, r sensorRange) bool {
	s.mu.RLock()
	old, ok := s.m[id]
	s.mu.RUnlock()
	if ok && old.min == r.min && old.max == r.max {
		return false
	}
	s.mu.Lock()
	s.m[id] = r
	s.mu.Unlock()
	return true
}

func (s *sensorStore) reset() {
	s.mu.Lock()
	clear(s.m)
	s.mu.Unlock()
}

func (s *sensorStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
