package label

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHashVectors tests against reference MurmurHash2 outputs.
func TestHashVectors(t *testing.T) {
	cases := map[string]uint32{
		"":            0x00000000,
		"a":           0x92685f5e,
		"Update":      0x8c7099e9,
		"Render":      0x8955645a,
		"CPU0 Clock":  0xdbaa763b,
		"hello world": 0x44a81419,
	}
	for s, want := range cases {
		assert.Equal(t, want, Hash(s), s)
	}
}

// TestResolveAnnouncesOncePerGeneration tests the cache fast path and the known set.
func TestResolveAnnouncesOncePerGeneration(t *testing.T) {
	set := NewKnownSet(0)
	l := New("Update")
	var announced []string
	announce := func(h uint32, l *Label) { announced = append(announced, l.Name()) }

	h1 := set.Resolve(l, 1, announce)
	h2 := set.Resolve(l, 1, announce)
	assert.Equal(t, Hash("Update"), h1)
	assert.Equal(t, h1, h2)
	assert.Equal(t, []string{"Update"}, announced)

	// same name, different Label value, same connection: no re-announce
	other := New("Update")
	assert.Equal(t, h1, set.Resolve(other, 1, announce))
	assert.Len(t, announced, 1)

	// new connection: set cleared, label cache stale
	set.Reset()
	assert.Equal(t, h1, set.Resolve(l, 2, announce))
	assert.Equal(t, []string{"Update", "Update"}, announced)
	_, ok := l.Cached(1)
	assert.False(t, ok)
}

// TestResolveConcurrent tests that racing first uses agree on the hash.
func TestResolveConcurrent(t *testing.T) {
	set := NewKnownSet(0)
	l := New("Render")
	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := set.Resolve(l, 7, func(uint32, *Label) {
				mu.Lock()
				count++
				mu.Unlock()
			})
			assert.Equal(t, Hash("Render"), h)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, set.Len())
}

// TestKnownSetBound tests that a bounded set resets instead of growing.
func TestKnownSetBound(t *testing.T) {
	set := NewKnownSet(2)
	require.True(t, set.Add(1))
	require.True(t, set.Add(2))
	require.False(t, set.Add(2))
	require.True(t, set.Add(3))
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, 1, set.Overflows())
	assert.False(t, set.Contains(1))
}

// TestWireNameTruncates tests the u8 length limit.
func TestWireNameTruncates(t *testing.T) {
	l := New(strings.Repeat("x", 300))
	assert.Len(t, l.WireName(), MaxNameLen)
	assert.Equal(t, Hash(l.Name()), NewKnownSet(0).Resolve(l, 1, func(uint32, *Label) {}))
}
