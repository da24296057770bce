package capture

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"vrcap/perfcap/pkg/proto"
)

// localServer streams the capture straight into a file. The "connection"
// is live from init until Shutdown.
type localServer struct {
	s     *Session
	f     *os.File
	w     *bufio.Writer
	flags proto.Flag
	log   *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newLocalServer creates path and writes the handshake so that file errors
// surface from init.
func newLocalServer(s *Session, path string) (*localServer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	w := bufio.NewWriterSize(f, 64<<10)
	if err := proto.WriteHandshake(w, s.initFlags); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return &localServer{
		s:     s,
		f:     f,
		w:     w,
		flags: s.initFlags,
		log:   s.log.With(zap.String("component", "local"), zap.String("path", path)),
		quit:  make(chan struct{}),
	}, nil
}

func (l *localServer) start() {
	l.wg.Add(1)
	go l.run()
}

func (l *localServer) flush() error {
	if _, err := l.s.streams.FlushAll(l.w); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *localServer) run() {
	defer l.wg.Done()
	l.s.connect(l.flags)

	ticker := time.NewTicker(l.s.opts.FlushPeriod)
	defer ticker.Stop()
	failed := false
loop:
	for {
		select {
		case <-l.quit:
			break loop
		case <-ticker.C:
		}
		if err := l.flush(); err != nil {
			l.log.Error("capture file write failed", zap.Error(err))
			failed = true
			break loop
		}
	}

	var drain func() error
	if !failed {
		drain = func() error { return l.s.drainInto(l.flush) }
	}
	l.s.teardown(nil, drain)
	if err := l.f.Close(); err != nil {
		l.log.Warn("capture file close failed", zap.Error(err))
	}
}

func (l *localServer) stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}
