package main

import (
	"image"
	"image/color"
	"math"
	"time"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/capture"
	"vrcap/perfcap/pkg/gpu"
)

var (
	lblFrame    = capture.NewLabel("Frame")
	lblUpdate   = capture.NewLabel("Update")
	lblRender   = capture.NewLabel("Render")
	lblShadows  = capture.NewLabel("Shadows")
	lblPhysics  = capture.NewLabel("Physics")
	lblSpeed    = capture.NewLabel("Speed")
	lblBodies   = capture.NewLabel("Bodies")
	lblWire     = capture.NewLabel("Wireframe")
	lblReset    = capture.NewLabel("Reset")
	lblFPS      = capture.NewLabel("FPS")
	lblHeap     = capture.NewLabel("Heap")
	lblGPUFrame = capture.NewLabel("GPU Frame")
)

// scene is a fake application loop that touches every capture call. The
// main loop goes through the package-level API; rendering and physics get
// threads of their own.
type scene struct {
	log     *zap.Logger
	render  *capture.Thread
	physics *capture.Thread
	gpu     *gpu.TimerQueryPool
	thumbs  *gpu.Capturer
	img     *image.RGBA

	frame   uint64
	last    time.Time
	nextPtr uintptr
	live    map[uintptr]uint64
	angle   float64
}

func newScene(log *zap.Logger) *scene {
	render := capture.NewThread("Render")
	return &scene{
		log:     log,
		render:  render,
		physics: capture.NewThread("Physics"),
		gpu:     gpu.NewTimerQueryPool(render, gpu.NewSoftBackend(), log),
		thumbs:  gpu.NewCapturer(render),
		img:     image.NewRGBA(image.Rect(0, 0, 384, 384)),
		nextPtr: 0x1000,
		live:    map[uintptr]uint64{},
	}
}

// step runs one frame.
func (s *scene) step() {
	now := time.Now()
	capture.FrameIndex(s.frame)
	capture.VSyncTimestamp(capture.Nanoseconds())
	defer capture.CPUZone(lblFrame)()

	speed := capture.GetFloat(lblSpeed, 1, 0, 4)
	bodies := capture.GetInt(lblBodies, 8, 1, 64)
	wire := capture.GetBool(lblWire, false)
	if capture.ButtonClicked(lblReset) {
		s.angle = 0
		capture.Log(capture.LogInfo, "scene reset")
		s.log.Info("scene reset from monitor")
	}

	capture.EnterCPUZone(lblUpdate)
	s.angle += 0.02 * float64(speed)
	s.simulate(int(bodies))
	s.churn()
	capture.LeaveCPUZone()

	s.draw(wire)

	if !s.last.IsZero() {
		if dt := now.Sub(s.last).Seconds(); dt > 0 {
			capture.Sensor(lblFPS, float32(1/dt), 0, 120, capture.InterpolateLinear, capture.UnitHz)
		}
	}
	s.last = now
	half := s.angle / 2
	capture.HeadPose([4]float32{0, float32(math.Sin(half)), 0, float32(math.Cos(half))}, [3]float32{0, 1.7, 0})
	s.frame++
}

func (s *scene) simulate(bodies int) {
	defer s.physics.CPUZone(lblPhysics)()
	for i := 0; i < bodies; i++ {
		_ = math.Sqrt(float64(i) * s.angle)
	}
	if s.frame%600 == 0 {
		s.physics.Logf(capture.LogInfo, "simulating %d bodies", bodies)
	}
}

// churn fakes allocator traffic.
func (s *scene) churn() {
	size := uint64(256 + s.frame%4096)
	ptr := s.nextPtr
	s.nextPtr += uintptr(size)
	capture.MemoryAlloc(size, ptr)
	s.live[ptr] = size
	if s.frame%3 == 0 {
		moved := s.nextPtr
		s.nextPtr += uintptr(size * 2)
		capture.MemoryRealloc(size*2, ptr, moved)
		delete(s.live, ptr)
		s.live[moved] = size * 2
	}
	if len(s.live) > 64 {
		for p := range s.live {
			capture.MemoryFree(p)
			delete(s.live, p)
			break
		}
	}
	var heap uint64
	for _, n := range s.live {
		heap += n
	}
	capture.Sensor(lblHeap, float32(heap)/1024, 0, 1024, capture.InterpolateNearest, capture.UnitKByte)
}

func (s *scene) draw(wire bool) {
	defer s.render.CPUZone(lblRender)()
	s.gpu.Enter(lblGPUFrame)
	s.render.EnterCPUZone(lblShadows)
	s.paint(wire)
	s.render.LeaveCPUZone()
	s.gpu.Leave()
	s.gpu.Collect()

	if s.frame%30 == 0 {
		if err := s.thumbs.Capture(capture.Nanoseconds(), s.img); err != nil {
			s.render.Logf(capture.LogError, "frame capture: %v", err)
		}
	}
}

// paint draws a rotating gradient into the offscreen image.
func (s *scene) paint(wire bool) {
	b := s.img.Bounds()
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	sin, cos := math.Sincos(s.angle)
	for y := b.Min.Y; y < b.Max.Y; y += 4 {
		for x := b.Min.X; x < b.Max.X; x += 4 {
			u := (float64(x)-cx)*cos - (float64(y)-cy)*sin
			c := color.RGBA{R: uint8(int(u) & 0xff), G: uint8(y), B: 128, A: 255}
			if wire && (x%32 == 0 || y%32 == 0) {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			for dy := 0; dy < 4; dy++ {
				for dx := 0; dx < 4; dx++ {
					s.img.SetRGBA(x+dx, y+dy, c)
				}
			}
		}
	}
}
