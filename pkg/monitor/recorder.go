package monitor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Recorder creates recording files under Dir.
type Recorder struct {
	Dir      string
	Compress bool
}

// Recording is an open recording file.
type Recording struct {
	ID   uuid.UUID
	Path string

	f  *os.File
	bw *bufio.Writer
	zw *zstd.Encoder
	w  io.Writer
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "capture"
	}
	return name
}

// Create opens <dir>/<name>-<time>-<uuid>.cap, with a .zst suffix when
// compressing.
func (r Recorder) Create(name string) (*Recording, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, err
	}
	id := uuid.New()
	file := fmt.Sprintf("%s-%s-%s.cap", sanitize(name), time.Now().Format("20060102-150405"), id)
	if r.Compress {
		file += ".zst"
	}
	path := filepath.Join(r.Dir, file)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	rec := &Recording{ID: id, Path: path, f: f, bw: bufio.NewWriterSize(f, 64<<10)}
	rec.w = rec.bw
	if r.Compress {
		zw, err := zstd.NewWriter(rec.bw, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
		rec.zw = zw
		rec.w = zw
	}
	return rec, nil
}

func (r *Recording) Write(p []byte) (int, error) { return r.w.Write(p) }

// Close flushes and closes the file.
func (r *Recording) Close() error {
	var first error
	if r.zw != nil {
		first = r.zw.Close()
	}
	if err := r.bw.Flush(); err != nil && first == nil {
		first = err
	}
	if err := r.f.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
