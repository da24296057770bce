package gpu

import (
	"encoding/binary"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"vrcap/perfcap/pkg/proto"
)

// Thumbnail size sent to the monitor; DXT1 at 192x192 is about 1 MB/s at
// 60 Hz.
const (
	DefaultWidth  = 192
	DefaultHeight = 192
)

// Downsample scales src to w x h.
func Downsample(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func to565(r, g, b uint8) uint16 {
	return uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
}

// EncodeRGB565 packs img as little-endian 16-bit pixels, row by row.
func EncodeRGB565(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]byte, 0, w*h*2)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			out = binary.LittleEndian.AppendUint16(out, to565(p[0], p[1], p[2]))
		}
	}
	return out
}

// EncodeRGBA8888 returns the pixels of img without row padding.
func EncodeRGBA8888(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]byte, 0, w*h*4)
	for y := 0; y < h; y++ {
		out = append(out, img.Pix[y*img.Stride:y*img.Stride+w*4]...)
	}
	return out
}

type rgb [3]float32

func dist(a, b rgb) float32 {
	d0, d1, d2 := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return d0*d0 + d1*d1 + d2*d2
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// quantize rounds c to 5:6:5 and returns the packed value along with the
// color it decodes back to.
func quantize(c rgb) (uint16, rgb) {
	r := uint16(c[0]*31 + 0.5)
	g := uint16(c[1]*63 + 0.5)
	b := uint16(c[2]*31 + 0.5)
	r8 := r<<3 | r>>2
	g8 := g<<2 | g>>4
	b8 := b<<3 | b>>2
	return r<<11 | g<<5 | b, rgb{float32(r8) / 255, float32(g8) / 255, float32(b8) / 255}
}

// EncodeDXT1 compresses img into BC1 blocks using an inset bounding box
// per block. Both dimensions must be multiples of 4.
func EncodeDXT1(img *image.RGBA) ([]byte, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w%4 != 0 || h%4 != 0 {
		return nil, fmt.Errorf("gpu: DXT1 needs multiples of 4, got %dx%d", w, h)
	}
	out := make([]byte, 0, w*h/2)
	var block [16]rgb
	for by := 0; by < h; by += 4 {
		for bx := 0; bx < w; bx += 4 {
			for i := 0; i < 16; i++ {
				p := img.Pix[(by+i/4)*img.Stride+(bx+i%4)*4:]
				block[i] = rgb{float32(p[0]) / 255, float32(p[1]) / 255, float32(p[2]) / 255}
			}
			out = appendBlock(out, &block)
		}
	}
	return out, nil
}

func appendBlock(out []byte, block *[16]rgb) []byte {
	lo, hi := block[0], block[0]
	for _, c := range block[1:] {
		for k := 0; k < 3; k++ {
			lo[k] = min(lo[k], c[k])
			hi[k] = max(hi[k], c[k])
		}
	}
	for k := 0; k < 3; k++ {
		inset := (hi[k]-lo[k])/16 - (8.0/255)/16
		lo[k] = clamp01(lo[k] + inset)
		hi[k] = clamp01(hi[k] - inset)
	}
	c0, col0 := quantize(hi)
	c1, col1 := quantize(lo)
	if c1 > c0 {
		c0, c1 = c1, c0
		col0, col1 = col1, col0
	}
	var palette [4]rgb
	palette[0], palette[1] = col0, col1
	for k := 0; k < 3; k++ {
		palette[2][k] = (2*col0[k] + col1[k]) / 3
		palette[3][k] = (col0[k] + 2*col1[k]) / 3
	}
	var indices uint32
	for i, c := range block {
		best, bestDist := 0, dist(c, palette[0])
		for j := 1; j < 4; j++ {
			if d := dist(c, palette[j]); d < bestDist {
				best, bestDist = j, d
			}
		}
		indices |= uint32(best) << (2 * i)
	}
	out = binary.LittleEndian.AppendUint16(out, c0)
	out = binary.LittleEndian.AppendUint16(out, c1)
	return binary.LittleEndian.AppendUint32(out, indices)
}

// FrameSink receives encoded thumbnails; *capture.Thread satisfies it.
type FrameSink interface {
	CheckConnectionFlag(f proto.Flag) bool
	FrameBuffer(ts uint64, format proto.FrameBufferFormat, width, height uint32, pixels []byte)
}

// Capturer downsamples and encodes frames for the monitor.
type Capturer struct {
	Sink   FrameSink
	Format proto.FrameBufferFormat
	Width  int
	Height int
}

func NewCapturer(sink FrameSink) *Capturer {
	return &Capturer{Sink: sink, Format: proto.FrameBufferDXT1, Width: DefaultWidth, Height: DefaultHeight}
}

// Capture submits img as the frame at ts. It does nothing unless the
// monitor asked for framebuffers.
func (c *Capturer) Capture(ts uint64, img image.Image) error {
	if !c.Sink.CheckConnectionFlag(proto.FlagFrameBuffer) {
		return nil
	}
	small := Downsample(img, c.Width, c.Height)
	var pixels []byte
	switch c.Format {
	case proto.FrameBufferRGB565:
		pixels = EncodeRGB565(small)
	case proto.FrameBufferRGBA8888:
		pixels = EncodeRGBA8888(small)
	case proto.FrameBufferDXT1:
		var err error
		if pixels, err = EncodeDXT1(small); err != nil {
			return err
		}
	default:
		return fmt.Errorf("gpu: unsupported format %s", c.Format)
	}
	c.Sink.FrameBuffer(ts, c.Format, uint32(c.Width), uint32(c.Height), pixels)
	return nil
}
