package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/proctor/internal/detector"
	"github.com/andresmejia3/proctor/internal/escalation"
	"github.com/andresmejia3/proctor/internal/monitor"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. PROCTOR_DETECTION_POLL_INTERVAL.
const EnvPrefix = "PROCTOR"

// Config holds every tunable of the proctoring pipeline.
type Config struct {
	Detection  DetectionConfig  `mapstructure:"detection"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Model      ModelConfig      `mapstructure:"model"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Exam       ExamConfig       `mapstructure:"exam"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Evidence   EvidenceConfig   `mapstructure:"evidence"`
	Log        LogConfig        `mapstructure:"log"`
}

// DetectionConfig controls the monitor poll and the detector throttle.
type DetectionConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ThrottleInterval    time.Duration `mapstructure:"throttle_interval" validate:"gte=0"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
}

// EscalationConfig controls forced submission.
type EscalationConfig struct {
	Ceiling    int           `mapstructure:"ceiling" validate:"min=1"`
	GraceDelay time.Duration `mapstructure:"grace_delay" validate:"gte=0"`
}

// ModelConfig selects and tunes the detection backend.
type ModelConfig struct {
	Backend     string        `mapstructure:"backend" validate:"oneof=simulated python"`
	LoadDelay   time.Duration `mapstructure:"load_delay"`
	Seed        int64         `mapstructure:"seed"`
	Python      string        `mapstructure:"python"`
	Script      string        `mapstructure:"script"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// CaptureConfig describes the live camera input handed to ffmpeg.
type CaptureConfig struct {
	Input      string        `mapstructure:"input"`
	Format     string        `mapstructure:"format"`
	FPS        int           `mapstructure:"fps"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// ExamConfig identifies the attempt being proctored.
type ExamConfig struct {
	ID        string        `mapstructure:"id"`
	StudentID string        `mapstructure:"student_id"`
	Duration  time.Duration `mapstructure:"duration" validate:"gte=0"`
}

// MQTTConfig enables publishing events to a broker when Broker is set.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// DatabaseConfig enables session persistence when URL is set.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// EvidenceConfig enables snapshot storage when Dir is set.
type EvidenceConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxWidth int    `mapstructure:"max_width"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DefaultConfig returns a Config populated with the reference tuning.
func DefaultConfig() *Config {
	return &Config{
		Detection: DetectionConfig{
			PollInterval:        monitor.DefaultPollInterval,
			ThrottleInterval:    detector.DefaultThrottle,
			ConfidenceThreshold: monitor.DefaultConfidenceThreshold,
		},
		Escalation: EscalationConfig{
			Ceiling:    escalation.DefaultCeiling,
			GraceDelay: escalation.DefaultGrace,
		},
		Model: ModelConfig{
			Backend:     "simulated",
			LoadDelay:   2 * time.Second,
			Python:      "python3",
			Script:      "python/detector.py",
			ReadTimeout: 10 * time.Second,
		},
		Capture: CaptureConfig{
			Input:      "/dev/video0",
			Format:     "v4l2",
			FPS:        2,
			StaleAfter: 5 * time.Second,
		},
		Exam: ExamConfig{
			Duration: 90 * time.Minute,
		},
		MQTT: MQTTConfig{
			Topic:    "proctor/sessions",
			ClientID: "proctor",
		},
		Evidence: EvidenceConfig{
			MaxWidth: 640,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// NewViper returns a viper instance preloaded with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	for key, val := range flatten(DefaultConfig()) {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional .env file and an optional config file into v and decodes the result.
// An empty path skips the config file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("config.godotenv(.env): %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config.os.Stat(.env): %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate clamps soft values to safe defaults and rejects values that cannot be repaired.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Model.Backend == "" {
		c.Model.Backend = def.Model.Backend
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Model.ReadTimeout <= 0 {
		c.Model.ReadTimeout = def.Model.ReadTimeout
	}
	if c.Model.LoadDelay < 0 {
		c.Model.LoadDelay = 0
	}
	if c.Capture.FPS <= 0 {
		c.Capture.FPS = def.Capture.FPS
	}
	if c.Capture.StaleAfter <= 0 {
		c.Capture.StaleAfter = def.Capture.StaleAfter
	}
	if c.Evidence.MaxWidth <= 0 {
		c.Evidence.MaxWidth = def.Evidence.MaxWidth
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteYAML prints the effective configuration with human-readable durations.
func (c *Config) WriteYAML(w io.Writer) error {
	nested := make(map[string]map[string]any)
	for key, val := range flatten(c) {
		section, field, _ := strings.Cut(key, ".")
		if nested[section] == nil {
			nested[section] = make(map[string]any)
		}
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		nested[section][field] = val
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(nested); err != nil {
		return err
	}
	return enc.Close()
}

// flatten lists every setting under its dotted viper key.
func flatten(c *Config) map[string]any {
	return map[string]any{
		"detection.poll_interval":        c.Detection.PollInterval,
		"detection.throttle_interval":    c.Detection.ThrottleInterval,
		"detection.confidence_threshold": c.Detection.ConfidenceThreshold,
		"escalation.ceiling":             c.Escalation.Ceiling,
		"escalation.grace_delay":         c.Escalation.GraceDelay,
		"model.backend":                  c.Model.Backend,
		"model.load_delay":               c.Model.LoadDelay,
		"model.seed":                     c.Model.Seed,
		"model.python":                   c.Model.Python,
		"model.script":                   c.Model.Script,
		"model.read_timeout":             c.Model.ReadTimeout,
		"capture.input":                  c.Capture.Input,
		"capture.format":                 c.Capture.Format,
		"capture.fps":                    c.Capture.FPS,
		"capture.stale_after":            c.Capture.StaleAfter,
		"exam.id":                        c.Exam.ID,
		"exam.student_id":                c.Exam.StudentID,
		"exam.duration":                  c.Exam.Duration,
		"mqtt.broker":                    c.MQTT.Broker,
		"mqtt.topic":                     c.MQTT.Topic,
		"mqtt.client_id":                 c.MQTT.ClientID,
		"database.url":                   c.Database.URL,
		"evidence.dir":                   c.Evidence.Dir,
		"evidence.max_width":             c.Evidence.MaxWidth,
		"log.level":                      c.Log.Level,
		"log.json":                       c.Log.JSON,
	}
}
