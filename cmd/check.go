package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/proctor/internal/capture"
	"github.com/andresmejia3/proctor/internal/detector"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

// CenterFaceMessage asks the student to fix their position before the exam.
const CenterFaceMessage = "Please center your face in the camera view"

var errCheckFailed = errors.New("system check failed")

var (
	checkSynthetic bool
	checkTimeout   time.Duration
	checkInput     string
	checkFormat    string
	checkBackend   string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the pre-exam system check (camera, model, face visibility)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg := *Cfg
		if cmd.Flags().Changed("input") {
			cfg.Capture.Input = checkInput
		}
		if cmd.Flags().Changed("format") {
			cfg.Capture.Format = checkFormat
		}
		if cmd.Flags().Changed("backend") {
			cfg.Model.Backend = checkBackend
		}
		clk := clockwork.NewRealClock()
		ctx := cmd.Context()

		// 1. Frame source
		var src capture.Source
		if checkSynthetic {
			s, err := capture.Synthetic(640, 480)
			if err != nil {
				return err
			}
			src = s
		} else {
			cam := capture.NewFFmpegSource(capture.Config{
				Format:     cfg.Capture.Format,
				Input:      cfg.Capture.Input,
				FPS:        cfg.Capture.FPS,
				StaleAfter: cfg.Capture.StaleAfter,
				Clock:      clk,
				Logger:     Logger,
			})
			if err := cam.Start(ctx); err != nil {
				utils.ShowError("Failed to open camera", err, cam.Command())
				return err
			}
			defer cam.Close()
			src = cam
		}
		fmt.Fprintf(os.Stderr, "📷 Camera: %s\n", describeSource(&cfg, checkSynthetic))

		// 2. Model
		loader, err := buildLoader(&cfg, clk, Logger)
		if err != nil {
			return err
		}

		_, err = runCheck(ctx, src, loader, checkTimeout, clk, Logger, os.Stderr)
		return err
	},
}

func init() {
	f := checkCmd.Flags()
	f.BoolVar(&checkSynthetic, "synthetic", false, "Use a synthetic frame instead of a camera")
	f.DurationVarP(&checkTimeout, "timeout", "t", 30*time.Second, "How long to wait for the camera and the model")
	f.StringVarP(&checkInput, "input", "i", "", "Camera device or stream URL")
	f.StringVar(&checkFormat, "format", "", "ffmpeg input format")
	f.StringVar(&checkBackend, "backend", "", "Detection backend: simulated or python")
	rootCmd.AddCommand(checkCmd)
}

// checkResult is the outcome of one system check step.
type checkResult struct {
	Name    string
	OK      bool
	Message string
}

// runCheck verifies the camera delivers frames, the model loads and the student's face is
// visible. Each step is printed as it completes; the first failure skips the rest.
func runCheck(ctx context.Context, src capture.Source, loader detector.Loader, timeout time.Duration,
	clk clockwork.Clock, logger *slog.Logger, out io.Writer) ([]checkResult, error) {
	var results []checkResult
	report := func(r checkResult) {
		icon := "✅"
		if !r.OK {
			icon = "❌"
		}
		fmt.Fprintf(out, "%s %-6s %s\n", icon, r.Name, r.Message)
		results = append(results, r)
	}

	// 1. Camera
	frame := waitForFrame(ctx, src, timeout, clk)
	if frame == nil {
		report(checkResult{Name: "camera", Message: "Camera access denied or not available"})
		return results, errCheckFailed
	}
	report(checkResult{Name: "camera", OK: true, Message: "Camera is working properly"})

	// 2. Model
	det := detector.New(loader, detector.Options{Clock: clk, Logger: logger})
	defer det.Close()
	det.Initialize(ctx)
	select {
	case <-det.Done():
	case <-clk.After(timeout):
	case <-ctx.Done():
	}
	if !det.IsReady() {
		report(checkResult{Name: "model", Message: fmt.Sprintf("Detection model is not available (%s)", det.State())})
		return results, errCheckFailed
	}
	report(checkResult{Name: "model", OK: true, Message: "Detection model loaded"})

	// 3. Face visibility on a fresh frame
	if f := src.CurrentFrame(); f != nil {
		frame = f
	}
	d := det.Detect(ctx, frame)
	switch {
	case d == nil:
		report(checkResult{Name: "face", Message: "Camera frame could not be analysed"})
	case d.Type == types.ViolationNone:
		report(checkResult{Name: "face", OK: true, Message: "Face detected successfully"})
	case d.Type == types.ViolationNoFace || d.Type == types.ViolationLookingAway:
		report(checkResult{Name: "face", Message: CenterFaceMessage})
	default:
		report(checkResult{Name: "face", Message: d.Type.Message()})
	}
	if !results[len(results)-1].OK {
		return results, errCheckFailed
	}

	fmt.Fprintln(out, "✨ System check passed. You are ready to start the exam.")
	return results, nil
}

// waitForFrame polls src until it yields a frame, the timeout elapses or ctx ends.
func waitForFrame(ctx context.Context, src capture.Source, timeout time.Duration, clk clockwork.Clock) *types.Frame {
	if f := src.CurrentFrame(); f != nil {
		return f
	}
	deadline := clk.After(timeout)
	ticker := clk.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case <-ticker.Chan():
			if f := src.CurrentFrame(); f != nil {
				return f
			}
		}
	}
}
