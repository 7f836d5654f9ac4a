package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/proctor/internal/capture"
	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/detector"
	"github.com/andresmejia3/proctor/internal/escalation"
	"github.com/andresmejia3/proctor/internal/evidence"
	"github.com/andresmejia3/proctor/internal/monitor"
	"github.com/andresmejia3/proctor/internal/notify"
	"github.com/andresmejia3/proctor/internal/session"
	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/andresmejia3/proctor/internal/worker"
	"github.com/jonboulle/clockwork"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var watchSynthetic bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Proctor a live exam session from the camera",
	Long: `Samples the camera on a fixed interval, classifies each frame and records violations.
The exam is submitted automatically when the violation ceiling is reached or time runs out.
Press Ctrl+C to submit early.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		_, err := runWatch(cmd.Context(), Cfg, watchSynthetic, DB, Logger, os.Stderr)
		return err
	},
}

func init() {
	f := watchCmd.Flags()
	f.StringP("input", "i", "", "Camera device or stream URL (default /dev/video0)")
	f.String("format", "", "ffmpeg input format, e.g. v4l2, avfoundation, dshow (default v4l2)")
	f.Duration("interval", 0, "Detection poll interval (default 15s)")
	f.Float64("threshold", 0, "Minimum confidence for a violation (default 0.5)")
	f.Int("ceiling", 0, "Violations before the exam is submitted (default 5)")
	f.String("backend", "", "Detection backend: simulated or python (default simulated)")
	f.String("exam", "", "Exam identifier")
	f.String("student", "", "Student identifier")
	f.Duration("duration", 0, "Exam duration; 0 disables the countdown (default 90m)")
	f.String("evidence", "", "Directory for violation snapshots")
	f.BoolVar(&watchSynthetic, "synthetic", false, "Use a synthetic frame instead of a camera (for demos)")

	for flag, key := range map[string]string{
		"input":     "capture.input",
		"format":    "capture.format",
		"interval":  "detection.poll_interval",
		"threshold": "detection.confidence_threshold",
		"ceiling":   "escalation.ceiling",
		"backend":   "model.backend",
		"exam":      "exam.id",
		"student":   "exam.student_id",
		"duration":  "exam.duration",
		"evidence":  "evidence.dir",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	rootCmd.AddCommand(watchCmd)
}

// runWatch proctors one session until it ends and returns its record.
func runWatch(ctx context.Context, cfg *config.Config, synthetic bool, db *store.Store, logger *slog.Logger, out io.Writer) (types.SessionRecord, error) {
	clk := clockwork.NewRealClock()

	// 1. Frame source
	var src capture.Source
	if synthetic {
		s, err := capture.Synthetic(640, 480)
		if err != nil {
			return types.SessionRecord{}, err
		}
		src = s
	} else {
		cam := capture.NewFFmpegSource(capture.Config{
			Format:     cfg.Capture.Format,
			Input:      cfg.Capture.Input,
			FPS:        cfg.Capture.FPS,
			StaleAfter: cfg.Capture.StaleAfter,
			Clock:      clk,
			Logger:     logger,
		})
		if err := cam.Start(ctx); err != nil {
			utils.ShowError("Failed to open camera", err, cam.Command())
			return types.SessionRecord{}, err
		}
		defer func() {
			cam.Close()
			if err := cam.Err(); err != nil {
				utils.ShowError("Camera capture stopped", err, cam.Command())
			}
		}()
		src = cam
	}
	fmt.Fprintf(out, "📷 Camera: %s\n", describeSource(cfg, synthetic))

	// 2. Detector (loads in the background; detections fail open until ready)
	loader, err := buildLoader(cfg, clk, logger)
	if err != nil {
		return types.SessionRecord{}, err
	}
	det := detector.New(loader, detector.Options{
		Throttle: cfg.Detection.ThrottleInterval,
		Clock:    clk,
		Logger:   logger,
	})
	det.Initialize(ctx)
	defer det.Close()
	fmt.Fprintf(out, "🧠 Loading %s detection model...\n", cfg.Model.Backend)

	// 3. Notification fan-out
	policy := escalation.New(cfg.Escalation.Ceiling, cfg.Escalation.GraceDelay)
	meter := newIntegrityMeter(policy.Ceiling(), out)
	sinks := notify.Multi{notify.LogNotifier{Logger: logger}, meter}
	if db != nil {
		sinks = append(sinks, notify.RecorderNotifier{Recorder: db})
	}
	if cfg.Evidence.Dir != "" {
		sinks = append(sinks, evidence.Writer{Dir: cfg.Evidence.Dir, MaxWidth: cfg.Evidence.MaxWidth}.Notifier())
	}
	if cfg.MQTT.Broker != "" {
		mq := notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Logger:   logger,
		})
		if err := mq.Connect(ctx); err != nil {
			// Proctoring continues without the live feed
			logger.Warn("mqtt unavailable, live feed disabled", "error", err)
		} else {
			defer mq.Disconnect()
			sinks = append(sinks, mq)
		}
	}

	// 4. Session + monitor
	sess := session.New(session.Config{
		ExamID:    cfg.Exam.ID,
		StudentID: cfg.Exam.StudentID,
		Duration:  cfg.Exam.Duration,
		Ceiling:   policy.Ceiling(),
		Source:    src,
		Notifier:  sinks,
		Clock:     clk,
		Logger:    logger,
	})
	mon := monitor.New(monitor.Config{
		PollInterval:        cfg.Detection.PollInterval,
		ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
		Clock:               clk,
		Logger:              logger,
	}, det, sess, policy)

	fmt.Fprintf(out, "🎓 Session %s started (checks every %s, submission after %d violations)\n",
		sess.ID(), cfg.Detection.PollInterval, policy.Ceiling())
	sess.Start(ctx)
	mon.Start(ctx)

	// 5. Wait for the session to end or the student to submit (Ctrl+C)
	select {
	case <-sess.Done():
	case <-ctx.Done():
		fmt.Fprintln(out, "\n📝 Submitting exam...")
		sess.Submit()
	}
	mon.Stop()
	meter.Finish()

	rec := sess.Record()
	printSummary(out, rec, mon.Events())
	return rec, nil
}

// buildLoader selects the model backend.
func buildLoader(cfg *config.Config, clk clockwork.Clock, logger *slog.Logger) (detector.Loader, error) {
	switch cfg.Model.Backend {
	case "", "simulated":
		return detector.SimulatedLoader(cfg.Model.LoadDelay, cfg.Model.Seed, clk), nil
	case "python":
		return worker.Loader(worker.Config{
			Python:              cfg.Model.Python,
			Script:              cfg.Model.Script,
			ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
			ReadTimeout:         cfg.Model.ReadTimeout,
			Logger:              logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}
}

func describeSource(cfg *config.Config, synthetic bool) string {
	if synthetic {
		return "synthetic frame"
	}
	if cfg.Capture.Format == "" {
		return cfg.Capture.Input
	}
	return fmt.Sprintf("%s (%s)", cfg.Capture.Input, cfg.Capture.Format)
}

// integrityMeter renders violations against the ceiling as a progress bar.
type integrityMeter struct {
	bar *progressbar.ProgressBar
}

func newIntegrityMeter(ceiling int, out io.Writer) *integrityMeter {
	return &integrityMeter{bar: progressbar.NewOptions(ceiling,
		progressbar.OptionSetDescription("🛡️  Integrity"),
		progressbar.OptionSetWriter(out), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
	)}
}

func (m *integrityMeter) Notify(_ context.Context, n notify.Notification) error {
	switch n.Kind {
	case notify.KindViolation:
		if n.Event != nil {
			m.bar.Describe(fmt.Sprintf("⚠️  %s", n.Event.Message))
		}
		if n.Session.Violations <= m.bar.GetMax() {
			return m.bar.Set(n.Session.Violations)
		}
	case notify.KindWarning:
		m.bar.Describe("🚨 " + n.Message)
	}
	return nil
}

func (m *integrityMeter) Finish() { _ = m.bar.Finish() }

// printSummary writes the outcome and the violation timeline, oldest first.
func printSummary(w io.Writer, rec types.SessionRecord, events []types.ViolationEvent) {
	icon := "✅"
	switch rec.Outcome {
	case types.OutcomeTerminated:
		icon = "⛔"
	case types.OutcomeTimedOut:
		icon = "⏰"
	}
	fmt.Fprintf(w, "\n%s Session %s ended: %s after %s with %d violation(s).\n",
		icon, rec.ID, rec.Outcome, utils.FmtElapsed(rec.Duration()), rec.Violations)

	if len(events) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "#\tTIME\tSEVERITY\tCONFIDENCE\tMESSAGE")
	fmt.Fprintln(tw, "-\t----\t--------\t----------\t-------")
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.0f%%\t%s\n",
			ev.Seq, utils.FmtElapsed(offset(rec.StartedAt, ev.Timestamp)), ev.Severity, ev.Confidence*100, ev.Message)
	}
	tw.Flush()
}

func offset(start, at time.Time) time.Duration {
	if start.IsZero() || at.Before(start) {
		return 0
	}
	return at.Sub(start)
}
