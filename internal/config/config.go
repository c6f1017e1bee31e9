// Package config loads fingerspell settings from YAML with FINGERSPELL_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ayusman/fingerspell/internal/capture"
	"github.com/ayusman/fingerspell/internal/classifier"
	"github.com/ayusman/fingerspell/internal/detector"
	"github.com/ayusman/fingerspell/internal/symbol"
	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Addr   string `yaml:"addr"`
	WebDir string `yaml:"web_dir"`
}

type CameraConfig struct {
	DeviceID        int     `yaml:"device_id"`
	Rotation        int     `yaml:"rotation"`
	Facing          string  `yaml:"facing"`
	FPS             int     `yaml:"fps"`
	MotionGate      bool    `yaml:"motion_gate"`
	MotionThreshold float64 `yaml:"motion_threshold"`
	IdleAfterMS     int     `yaml:"idle_after_ms"`
}

type DetectorConfig struct {
	ModelPath              string  `yaml:"model_path"`
	ScriptPath             string  `yaml:"script_path"`
	PythonPath             string  `yaml:"python_path"`
	MaxHands               int     `yaml:"max_hands"`
	MinDetectionConfidence float64 `yaml:"min_detection_confidence"`
	MinTrackingConfidence  float64 `yaml:"min_tracking_confidence"`
	MinPresenceConfidence  float64 `yaml:"min_presence_confidence"`
	LoadTimeoutMS          int     `yaml:"load_timeout_ms"`
	QueueSize              int     `yaml:"queue_size"`
}

type ClassifierConfig struct {
	ModelPath         string `yaml:"model_path"`
	SharedLibraryPath string `yaml:"shared_library_path"`
	InputName         string `yaml:"input_name"`
	OutputName        string `yaml:"output_name"`
	Letters           int    `yaml:"letters"`
	SpaceClass        bool   `yaml:"space_class"`
	Threads           int    `yaml:"threads"`
	WristRelative     bool   `yaml:"wrist_relative"`
}

type PipelineConfig struct {
	FrameTimeoutMS int `yaml:"frame_timeout_ms"`
}

type LogConfig struct {
	CSVPath   string `yaml:"csv_path"`
	QueueSize int    `yaml:"queue_size"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BusConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Embedded         bool     `yaml:"embedded"`
	Port             int      `yaml:"port"`
	Servers          []string `yaml:"servers"`
	Subject          string   `yaml:"subject"`
	PublishAll       bool     `yaml:"publish_all"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type TrayConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	DataDir    string           `yaml:"data_dir"`
	HTTP       HTTPConfig       `yaml:"http"`
	Camera     CameraConfig     `yaml:"camera"`
	Detector   DetectorConfig   `yaml:"detector"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Bus        BusConfig        `yaml:"bus"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Tray       TrayConfig       `yaml:"tray"`
}

// DefaultDataDir returns ~/.fingerspell, or .fingerspell when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".fingerspell"
	}
	return filepath.Join(home, ".fingerspell")
}

func Default() Config {
	det := detector.DefaultConfig()
	return Config{
		DataDir: DefaultDataDir(),
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Camera: CameraConfig{
			DeviceID:        0,
			Rotation:        0,
			Facing:          string(capture.FacingFront),
			FPS:             capture.DefaultFPS,
			MotionGate:      false,
			MotionThreshold: 1.0,
			IdleAfterMS:     int(capture.DefaultIdleAfter / time.Millisecond),
		},
		Detector: DetectorConfig{
			MaxHands:               det.MaxHands,
			MinDetectionConfidence: det.MinDetectionConf,
			MinTrackingConfidence:  det.MinTrackingConf,
			MinPresenceConfidence:  det.MinPresenceConf,
			LoadTimeoutMS:          int(det.LoadTimeout / time.Millisecond),
			QueueSize:              det.QueueSize,
		},
		Classifier: ClassifierConfig{
			Letters: symbol.MaxLetters,
		},
		Pipeline: PipelineConfig{
			FrameTimeoutMS: 2000,
		},
		Log: LogConfig{
			QueueSize: 64,
		},
		Bus: BusConfig{
			Enabled:          false,
			Embedded:         false,
			Port:             4222,
			Servers:          []string{"nats://localhost:4222"},
			Subject:          "fingerspell.outcomes",
			ConnectTimeoutMS: 2000,
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "fingerspell",
		},
	}
}

// Load reads path over Default, applies environment overrides, fills paths
// under DataDir and validates the result. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	resolvePaths(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.DataDir, "FINGERSPELL_DATA_DIR")
	overrideString(&cfg.HTTP.Addr, "FINGERSPELL_HTTP_ADDR")
	overrideString(&cfg.HTTP.WebDir, "FINGERSPELL_HTTP_WEB_DIR")
	overrideInt(&cfg.Camera.DeviceID, "FINGERSPELL_CAMERA_DEVICE_ID")
	overrideInt(&cfg.Camera.Rotation, "FINGERSPELL_CAMERA_ROTATION")
	overrideString(&cfg.Camera.Facing, "FINGERSPELL_CAMERA_FACING")
	overrideInt(&cfg.Camera.FPS, "FINGERSPELL_CAMERA_FPS")
	overrideBool(&cfg.Camera.MotionGate, "FINGERSPELL_CAMERA_MOTION_GATE")
	overrideFloat(&cfg.Camera.MotionThreshold, "FINGERSPELL_CAMERA_MOTION_THRESHOLD")
	overrideInt(&cfg.Camera.IdleAfterMS, "FINGERSPELL_CAMERA_IDLE_AFTER_MS")
	overrideString(&cfg.Detector.ModelPath, "FINGERSPELL_DETECTOR_MODEL_PATH")
	overrideString(&cfg.Detector.ScriptPath, "FINGERSPELL_DETECTOR_SCRIPT_PATH")
	overrideString(&cfg.Detector.PythonPath, "FINGERSPELL_DETECTOR_PYTHON_PATH")
	overrideInt(&cfg.Detector.MaxHands, "FINGERSPELL_DETECTOR_MAX_HANDS")
	overrideFloat(&cfg.Detector.MinDetectionConfidence, "FINGERSPELL_DETECTOR_MIN_DETECTION_CONFIDENCE")
	overrideFloat(&cfg.Detector.MinTrackingConfidence, "FINGERSPELL_DETECTOR_MIN_TRACKING_CONFIDENCE")
	overrideFloat(&cfg.Detector.MinPresenceConfidence, "FINGERSPELL_DETECTOR_MIN_PRESENCE_CONFIDENCE")
	overrideInt(&cfg.Detector.LoadTimeoutMS, "FINGERSPELL_DETECTOR_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Detector.QueueSize, "FINGERSPELL_DETECTOR_QUEUE_SIZE")
	overrideString(&cfg.Classifier.ModelPath, "FINGERSPELL_CLASSIFIER_MODEL_PATH")
	overrideString(&cfg.Classifier.SharedLibraryPath, "FINGERSPELL_CLASSIFIER_SHARED_LIBRARY_PATH")
	overrideString(&cfg.Classifier.InputName, "FINGERSPELL_CLASSIFIER_INPUT_NAME")
	overrideString(&cfg.Classifier.OutputName, "FINGERSPELL_CLASSIFIER_OUTPUT_NAME")
	overrideInt(&cfg.Classifier.Letters, "FINGERSPELL_CLASSIFIER_LETTERS")
	overrideBool(&cfg.Classifier.SpaceClass, "FINGERSPELL_CLASSIFIER_SPACE_CLASS")
	overrideInt(&cfg.Classifier.Threads, "FINGERSPELL_CLASSIFIER_THREADS")
	overrideBool(&cfg.Classifier.WristRelative, "FINGERSPELL_CLASSIFIER_WRIST_RELATIVE")
	overrideInt(&cfg.Pipeline.FrameTimeoutMS, "FINGERSPELL_PIPELINE_FRAME_TIMEOUT_MS")
	overrideString(&cfg.Log.CSVPath, "FINGERSPELL_LOG_CSV_PATH")
	overrideInt(&cfg.Log.QueueSize, "FINGERSPELL_LOG_QUEUE_SIZE")
	overrideString(&cfg.Store.Path, "FINGERSPELL_STORE_PATH")
	overrideBool(&cfg.Bus.Enabled, "FINGERSPELL_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "FINGERSPELL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FINGERSPELL_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "FINGERSPELL_BUS_SERVERS")
	overrideString(&cfg.Bus.Subject, "FINGERSPELL_BUS_SUBJECT")
	overrideBool(&cfg.Bus.PublishAll, "FINGERSPELL_BUS_PUBLISH_ALL")
	overrideInt(&cfg.Bus.ConnectTimeoutMS, "FINGERSPELL_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Telemetry.Enabled, "FINGERSPELL_TELEMETRY_ENABLED")
	overrideString(&cfg.Telemetry.ServiceName, "FINGERSPELL_TELEMETRY_SERVICE_NAME")
	overrideBool(&cfg.Tray.Enabled, "FINGERSPELL_TRAY_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// resolvePaths fills unset file locations under DataDir.
func resolvePaths(cfg *Config) {
	fill := func(target *string, rel string) {
		if *target == "" {
			*target = filepath.Join(cfg.DataDir, rel)
		}
	}
	fill(&cfg.Detector.ModelPath, filepath.Join("models", "hand_landmarker.task"))
	fill(&cfg.Classifier.ModelPath, filepath.Join("models", "fingerspell.onnx"))
	fill(&cfg.Log.CSVPath, "translations.csv")
	fill(&cfg.Store.Path, "fingerspell.db")
}

func validate(cfg Config) error {
	if cfg.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if cfg.HTTP.Addr == "" {
		return errors.New("http.addr must not be empty")
	}
	if _, err := capture.ParseFacing(cfg.Camera.Facing); err != nil {
		return errors.New("camera.facing must be one of front|back")
	}
	if cfg.Camera.Rotation%90 != 0 {
		return errors.New("camera.rotation must be a multiple of 90")
	}
	if cfg.Camera.FPS <= 0 {
		return errors.New("camera.fps must be positive")
	}
	if cfg.Camera.MotionGate && cfg.Camera.MotionThreshold <= 0 {
		return errors.New("camera.motion_threshold must be positive when the motion gate is enabled")
	}
	if cfg.Detector.MaxHands < 1 {
		return errors.New("detector.max_hands must be >= 1")
	}
	for name, v := range map[string]float64{
		"detector.min_detection_confidence": cfg.Detector.MinDetectionConfidence,
		"detector.min_tracking_confidence":  cfg.Detector.MinTrackingConfidence,
		"detector.min_presence_confidence":  cfg.Detector.MinPresenceConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}
	if cfg.Detector.QueueSize < 1 {
		return errors.New("detector.queue_size must be >= 1")
	}
	if err := cfg.Alphabet().Validate(); err != nil {
		return fmt.Errorf("classifier.letters must be between 1 and %d", symbol.MaxLetters)
	}
	if cfg.Classifier.Threads < 0 {
		return errors.New("classifier.threads must be >= 0")
	}
	if cfg.Pipeline.FrameTimeoutMS < 0 {
		return errors.New("pipeline.frame_timeout_ms must be >= 0")
	}
	if cfg.Log.QueueSize < 1 {
		return errors.New("log.queue_size must be >= 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between -1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty")
		}
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.ServiceName == "" {
		return errors.New("telemetry.service_name must not be empty")
	}
	return nil
}

// DetectorConfig converts the detector section.
func (c Config) DetectorConfig() detector.Config {
	return detector.Config{
		ModelPath:        c.Detector.ModelPath,
		ScriptPath:       c.Detector.ScriptPath,
		PythonPath:       c.Detector.PythonPath,
		MaxHands:         c.Detector.MaxHands,
		MinDetectionConf: c.Detector.MinDetectionConfidence,
		MinTrackingConf:  c.Detector.MinTrackingConfidence,
		MinPresenceConf:  c.Detector.MinPresenceConfidence,
		LoadTimeout:      time.Duration(c.Detector.LoadTimeoutMS) * time.Millisecond,
		QueueSize:        c.Detector.QueueSize,
	}
}

// ClassifierConfig converts the classifier section.
func (c Config) ClassifierConfig() classifier.Config {
	return classifier.Config{
		ModelPath:         c.Classifier.ModelPath,
		SharedLibraryPath: c.Classifier.SharedLibraryPath,
		InputName:         c.Classifier.InputName,
		OutputName:        c.Classifier.OutputName,
		Classes:           c.Alphabet().Classes(),
		Threads:           c.Classifier.Threads,
	}
}

// Alphabet returns the classifier's output classes.
func (c Config) Alphabet() symbol.Alphabet {
	return symbol.Alphabet{Letters: c.Classifier.Letters, Space: c.Classifier.SpaceClass}
}

// Facing returns the parsed camera facing. Load has already validated it.
func (c Config) Facing() capture.Facing {
	f, err := capture.ParseFacing(c.Camera.Facing)
	if err != nil {
		return capture.FacingFront
	}
	return f
}

// FrameTimeout returns the per-frame detection timeout.
func (c Config) FrameTimeout() time.Duration {
	return time.Duration(c.Pipeline.FrameTimeoutMS) * time.Millisecond
}

// IdleAfter returns how long the motion gate stays open after the last motion.
func (c Config) IdleAfter() time.Duration {
	return time.Duration(c.Camera.IdleAfterMS) * time.Millisecond
}

// BusConnectTimeout returns the NATS dial timeout.
func (c Config) BusConnectTimeout() time.Duration {
	return time.Duration(c.Bus.ConnectTimeoutMS) * time.Millisecond
}
