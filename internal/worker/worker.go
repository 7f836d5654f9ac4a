package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/detector"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// maxResponse guards against a corrupt length header allocating gigabytes.
	maxResponse = 16 * 1024 * 1024
)

var (
	// ErrWorkerDead is returned once the Python process has been killed or has crashed.
	ErrWorkerDead = errors.New("python worker is not running")
	// ErrTimeout is returned when Python does not answer within the read timeout.
	ErrTimeout = errors.New("python worker timed out")
)

// Config describes how to launch the Python detector.
type Config struct {
	Python              string
	Script              string
	ConfidenceThreshold float64
	ReadTimeout         time.Duration
	Logger              *slog.Logger
}

// PythonWorker drives one Python detector process over a length-prefixed protocol.
//
// Request:  [Length uint32][JPEG bytes]
// Response: [Length uint32][Status byte][Payload]
// Status 0 carries a JSON object, status 1 carries [MsgLen uint32][Msg].
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex // one frame in flight per process
	dead bool
	once sync.Once
}

// NewPythonWorker starts the Python detector and waits for its ready handshake,
// which arrives once the model has finished loading.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script,
		"--threshold", strconv.FormatFloat(cfg.ConfidenceThreshold, 'f', -1, 64))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger,
	}

	// 2. Model loading happens in Python; the handshake tells us it is usable.
	ready, err := pw.awaitReady(ctx)
	if err != nil {
		pw.Close()
		if py.Stderr.Len() > 0 {
			return nil, fmt.Errorf("worker %d failed to load model: %w (stderr: %s)", id, err, py.Stderr.String())
		}
		return nil, fmt.Errorf("worker %d failed to load model: %w", id, err)
	}
	pw.logger.Info("python detector ready", "worker", id, "model", ready.Model)
	return pw, nil
}

// Loader adapts NewPythonWorker to the detector lifecycle.
func Loader(cfg Config) detector.Loader {
	return func(ctx context.Context) (detector.Model, error) {
		return NewPythonWorker(ctx, 0, cfg)
	}
}

func (w *PythonWorker) awaitReady(ctx context.Context) (types.ReadyResult, error) {
	var ready types.ReadyResult
	body, err := w.await(ctx, nil)
	if err != nil {
		return ready, err
	}
	if err := json.Unmarshal(body, &ready); err != nil {
		return ready, fmt.Errorf("malformed handshake: %w", err)
	}
	if !ready.Ready {
		return ready, errors.New("python reported model not ready")
	}
	return ready, nil
}

// Classify sends one JPEG frame to Python and decodes its answer.
func (w *PythonWorker) Classify(ctx context.Context, frame *types.Frame) (types.Detection, error) {
	body, err := w.await(ctx, frame.Data)
	if err != nil {
		return types.Detection{}, err
	}

	var res types.DetectionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return types.Detection{}, fmt.Errorf("worker %d JSON malformed: %w", w.ID, err)
	}
	return toDetection(res)
}

func toDetection(res types.DetectionResult) (types.Detection, error) {
	vt, err := types.ParseViolationType(res.Type)
	if err != nil {
		return types.Detection{}, err
	}
	det := types.Detection{Type: vt, Confidence: res.Confidence}
	if len(res.Box) == 4 {
		det.BoundingBox = &types.BoundingBox{X: res.Box[0], Y: res.Box[1], Width: res.Box[2], Height: res.Box[3]}
	}
	return det, nil
}

// await performs one exchange bounded by ctx and the read timeout. A nil request only reads.
// A timed-out or cancelled exchange kills the process; the worker is unusable afterwards.
func (w *PythonWorker) await(ctx context.Context, request []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return nil, ErrWorkerDead
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.exchange(request)
		done <- result{body, err}
	}()

	timer := time.NewTimer(w.readTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			var perr *PythonError
			if !errors.As(r.err, &perr) {
				// Broken pipe or truncated read: the process is gone
				w.dead = true
			}
		}
		return r.body, r.err
	case <-timer.C:
		w.kill()
		return nil, ErrTimeout
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

// PythonError is a logic error reported by the Python side; the process stays usable.
type PythonError struct {
	Msg string
}

func (e *PythonError) Error() string { return "python worker error: " + e.Msg }

func (w *PythonWorker) exchange(request []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if request != nil {
		if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(request))); err != nil {
			return nil, err
		}
		if _, err := w.Stdin.Write(request); err != nil {
			return nil, err
		}
	}

	// Read Result
	// Now we read from our clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}

	switch respBody[0] {
	case statusOK:
		return respBody[1:], nil
	case statusError:
		if len(respBody) < 5 {
			return nil, &PythonError{Msg: "truncated error message"}
		}
		msgLen := binary.BigEndian.Uint32(respBody[1:5])
		if int(msgLen) > len(respBody)-5 {
			msgLen = uint32(len(respBody) - 5)
		}
		return nil, &PythonError{Msg: string(respBody[5 : 5+msgLen])}
	default:
		return nil, fmt.Errorf("unknown response status %d", respBody[0])
	}
}

func (w *PythonWorker) kill() {
	w.dead = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
}

// Close shuts the pipes and reaps the process.
func (w *PythonWorker) Close() error {
	w.once.Do(func() {
		if w.Stdin != nil {
			w.Stdin.Close()
		}
		if w.DataPipe != nil {
			w.DataPipe.Close()
		}
		if w.Cmd != nil && w.Cmd.Process != nil {
			_ = w.Cmd.Wait()
		}
	})
	return nil
}
