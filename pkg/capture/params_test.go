package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vrcap/perfcap/pkg/proto"
)

func TestParamStore(t *testing.T) {
	p := newParamStore()

	v, announce := p.getInt(1, 5, 0, 10)
	assert.Equal(t, int32(5), v)
	assert.True(t, announce)
	_, announce = p.getInt(1, 5, 0, 10)
	assert.False(t, announce)

	kind, ok := p.apply(&proto.IntParamSet{LabelID: 1, Value: 7})
	assert.True(t, ok)
	assert.Equal(t, "int", kind)
	v, _ = p.getInt(1, 5, 0, 10)
	assert.Equal(t, int32(7), v)

	// unregistered ids are dropped
	p.apply(&proto.BoolParamSet{LabelID: 2, Value: true})
	b, announce := p.getBool(2, false)
	assert.False(t, b)
	assert.True(t, announce)

	_, ok = p.apply(&proto.Log{})
	assert.False(t, ok)

	clicked, isNew := p.clicked(3)
	assert.False(t, clicked)
	assert.True(t, isNew)
	p.apply(&proto.ButtonParam{LabelID: 3})
	clicked, isNew = p.clicked(3)
	assert.True(t, clicked)
	assert.False(t, isNew)

	p.reset()
	v, announce = p.getInt(1, 5, 0, 10)
	assert.Equal(t, int32(5), v)
	assert.True(t, announce)
}

func TestSensorStore(t *testing.T) {
	s := newSensorStore()
	r := sensorRange{min: 0, max: 100, units: proto.UnitMHz}
	assert.True(t, s.update(7, r))
	assert.False(t, s.update(7, r))
	r.max = 200
	assert.True(t, s.update(7, r))
	assert.Equal(t, 1, s.len())
	s.reset()
	assert.Equal(t, 0, s.len())
}
