package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/jonboulle/clockwork"
)

const megabyte = 1024 * 1024

// Source supplies the most recent camera frame, or nil when none is available.
type Source interface {
	CurrentFrame() *types.Frame
}

// Static always returns the same frame. A nil Static frame means "no camera".
type Static struct {
	Frame *types.Frame
}

func (s Static) CurrentFrame() *types.Frame { return s.Frame }

// Config describes the ffmpeg camera input.
type Config struct {
	Format     string
	Input      string
	FPS        int
	StaleAfter time.Duration
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// FFmpegSource samples a live camera through an ffmpeg MJPEG pipe.
// Only the latest frame is kept; older frames are dropped, not queued.
type FFmpegSource struct {
	cfg    Config
	latest atomic.Pointer[types.Frame]
	seq    atomic.Uint64

	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func NewFFmpegSource(cfg Config) *FFmpegSource {
	if cfg.FPS <= 0 {
		cfg.FPS = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FFmpegSource{cfg: cfg, done: make(chan struct{})}
}

// Start launches ffmpeg and begins consuming frames in the background.
func (s *FFmpegSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	// 1. Start FFmpeg
	s.cmd = utils.NewCameraCmd(ctx, s.cfg.Format, s.cfg.Input, s.cfg.FPS)
	out, err := s.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	// Close only waits on a reader that was actually started
	s.cancel = cancel
	s.cfg.Logger.Info("camera capture started", "input", s.cfg.Input, "format", s.cfg.Format, "fps", s.cfg.FPS)

	// 2. Frame Splitter
	go func() {
		s.consume(out)
		if err := s.cmd.Wait(); err != nil && ctx.Err() == nil {
			s.setErr(fmt.Errorf("ffmpeg exited: %w", err))
		}
		close(s.done)
	}()
	return nil
}

// consume splits the MJPEG stream into frames and publishes each as the latest.
func (s *FFmpegSource) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		// Scanner reuses its buffer; the frame outlives this iteration.
		data := append([]byte(nil), scanner.Bytes()...)
		s.latest.Store(&types.Frame{
			Seq:        s.seq.Add(1),
			Data:       data,
			CapturedAt: s.cfg.Clock.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		s.cfg.Logger.Warn("camera stream read failed", "error", err)
		s.setErr(err)
	}
}

// CurrentFrame returns the latest frame, or nil if none has arrived or it is older than StaleAfter.
func (s *FFmpegSource) CurrentFrame() *types.Frame {
	f := s.latest.Load()
	if f == nil {
		return nil
	}
	if s.cfg.StaleAfter > 0 && s.cfg.Clock.Since(f.CapturedAt) > s.cfg.StaleAfter {
		return nil
	}
	return f
}

// Frames reports how many frames have been captured so far.
func (s *FFmpegSource) Frames() uint64 { return s.seq.Load() }

// Done is closed once ffmpeg has exited.
func (s *FFmpegSource) Done() <-chan struct{} { return s.done }

// Err returns the reason capture stopped, if it stopped on its own.
func (s *FFmpegSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Command exposes the ffmpeg process so error reports can include its log.
func (s *FFmpegSource) Command() *utils.SafeCommand { return s.cmd }

func (s *FFmpegSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close stops ffmpeg and waits for the reader to drain.
func (s *FFmpegSource) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}
