package main

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vrcap/perfcap/pkg/config"
	"vrcap/perfcap/pkg/monitor"
	"vrcap/perfcap/pkg/proto"
)

func TestRunLocalCapture(t *testing.T) {
	cfg := config.DefaultCaptureConfig()
	cfg.Mode = "local"
	cfg.OutPath = filepath.Join(t.TempDir(), "demo.bin")
	cfg.Flags = []string{"cpu_zones", "gpu_zones", "logging", "memory", "frame_buffer", "head_tracking"}
	cfg.ZeroConfig.Enable = false

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, run(ctx, cfg, zaptest.NewLogger(t), 200))

	f, err := monitor.OpenFile(cfg.OutPath)
	require.NoError(t, err)
	defer f.Close()
	model := monitor.NewModel()
	zones := map[string]int{}
	var thumbs, allocs, poses int
	for {
		e, err := f.Next()
		if err != nil {
			require.True(t, errors.Is(err, io.EOF), "unexpected error: %v", err)
			break
		}
		switch p := e.Packet.(type) {
		case *proto.FrameBuffer:
			thumbs++
			assert.Equal(t, proto.FrameBufferDXT1, p.Format)
			assert.Len(t, e.Payload, 192*192/2)
		case *proto.MemoryAlloc:
			allocs++
		case *proto.HeadTransform:
			poses++
		}
		if z, ok := model.Apply(e); ok {
			zones[z.Label]++
		}
	}
	assert.Positive(t, zones["Frame"])
	assert.Positive(t, zones["Physics"])
	assert.Positive(t, zones["Shadows"])
	assert.Positive(t, zones["GPU Frame"])
	assert.Positive(t, thumbs)
	assert.Positive(t, allocs)
	assert.Positive(t, poses)

	var names []string
	for _, p := range model.Params() {
		names = append(names, p.Label)
	}
	assert.ElementsMatch(t, []string{"Bodies", "Reset", "Speed", "Wireframe"}, names)
	threads := map[string]bool{}
	for _, n := range model.Threads() {
		threads[n] = true
	}
	assert.True(t, threads["Render"])
	assert.True(t, threads["Physics"])
}
