package monitor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// File is a capture read from disk.
type File struct {
	*Reader
	f  *os.File
	zr *zstd.Decoder
}

// OpenFile opens a local capture or a recording, plain or zstd compressed.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, 64<<10)
	magic, _ := br.Peek(len(zstdMagic))
	out := &File{f: f}
	var src io.Reader = br
	if bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("monitor: %s: %w", path, err)
		}
		out.zr = zr
		src = zr
	}
	r, err := NewReader(src)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("monitor: %s: %w", path, err)
	}
	out.Reader = r
	return out, nil
}

func (f *File) Close() error {
	if f.zr != nil {
		f.zr.Close()
	}
	return f.f.Close()
}
