package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultConfigPath   string = "config.toml"
	DefaultDetectorHost string = "localhost:8080"

	envPrefix = "WILDCAM_"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type StreamConfig struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

type DetectorConfig struct {
	Host                string  `toml:"host"`
	ConfidenceThreshold float32 `toml:"confidence_threshold"`
	Timeout             string  `toml:"timeout"`
	ConnectTimeout      string  `toml:"connect_timeout"`
}

type DisplayConfig struct {
	MaxWidth   int `toml:"max_width"`
	MaxHeight  int `toml:"max_height"`
	RefreshFPS int `toml:"refresh_fps"`
}

type CaptureConfig struct {
	FFmpegPath      string `toml:"ffmpeg_path"`
	FFprobePath     string `toml:"ffprobe_path"`
	LowLatency      bool   `toml:"low_latency"`
	OpenTimeout     string `toml:"open_timeout"`
	TeardownTimeout string `toml:"teardown_timeout"`
}

type LoggingConfig struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Topic    string `toml:"topic"`
	QoS      byte   `toml:"qos"`
}

type Config struct {
	mu sync.RWMutex

	DefaultStream string         `toml:"default_stream"`
	Streams       []StreamConfig `toml:"streams"`

	Detector DetectorConfig `toml:"detector"`
	Display  DisplayConfig  `toml:"display"`
	Capture  CaptureConfig  `toml:"capture"`
	Logging  LoggingConfig  `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`
	MQTT     MQTTConfig     `toml:"mqtt"`
}

func NewDefaultConfig() *Config {
	return &Config{
		DefaultStream: "Savanna",
		Streams: []StreamConfig{
			{Name: "Savanna", URL: "https://zssd-kijami.hls.camzonecdn.com/CamzoneStreams/zssd-kijami/chunklist.m3u8"},
			{Name: "Elephants", URL: "https://elephants.hls.camzonecdn.com/CamzoneStreams/elephants/Playlist.m3u8"},
			{Name: "Giraffe", URL: "https://cha-fi1-prd-vid-str-002.epbfi.com/live/giraffe2.stream/playlist.m3u8"},
		},
		Detector: DetectorConfig{
			Host:                DefaultDetectorHost,
			ConfidenceThreshold: 0.6,
			Timeout:             "5s",
			ConnectTimeout:      "10s",
		},
		Display: DisplayConfig{
			MaxWidth:   900,
			MaxHeight:  540,
			RefreshFPS: 30,
		},
		Capture: CaptureConfig{
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			LowLatency:      true,
			OpenTimeout:     "15s",
			TeardownTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Listen: ":9102",
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "wildcam",
			Topic:    "wildcam/detections",
		},
	}
}

// LoadConfigFile reads path over the defaults. A missing file is not an
// error.
func LoadConfigFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	defaults := cfg.Streams
	cfg.Streams = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = defaults
	}

	return cfg, nil
}

// ApplyEnv overrides file values with WILDCAM_* environment variables.
func (c *Config) ApplyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	setString := func(key string, dst *string) {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(envPrefix + key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(envPrefix + key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("DEFAULT_STREAM", &c.DefaultStream)
	setString("DETECTOR_HOST", &c.Detector.Host)
	if v := os.Getenv(envPrefix + "CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			c.Detector.ConfidenceThreshold = float32(f)
		}
	}
	setInt("MAX_WIDTH", &c.Display.MaxWidth)
	setInt("MAX_HEIGHT", &c.Display.MaxHeight)
	setInt("REFRESH_FPS", &c.Display.RefreshFPS)
	setString("FFMPEG_PATH", &c.Capture.FFmpegPath)
	setString("FFPROBE_PATH", &c.Capture.FFprobePath)
	setBool("LOW_LATENCY", &c.Capture.LowLatency)
	setString("TEARDOWN_TIMEOUT", &c.Capture.TeardownTimeout)
	setString("LOGGING_LEVEL", &c.Logging.Level)
	setString("LOGGING_FORMAT", &c.Logging.Format)
	setBool("METRICS_ENABLED", &c.Metrics.Enabled)
	setString("METRICS_LISTEN", &c.Metrics.Listen)
	setBool("MQTT_ENABLED", &c.MQTT.Enabled)
	setString("MQTT_BROKER", &c.MQTT.Broker)
	setString("MQTT_TOPIC", &c.MQTT.Topic)
}

func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Display.MaxWidth <= 0 || c.Display.MaxHeight <= 0 {
		errs = append(errs, fmt.Errorf("display bounds must be positive, got %dx%d", c.Display.MaxWidth, c.Display.MaxHeight))
	}
	if c.Display.RefreshFPS <= 0 {
		errs = append(errs, fmt.Errorf("refresh_fps must be positive, got %d", c.Display.RefreshFPS))
	}
	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be within [0,1], got %v", c.Detector.ConfidenceThreshold))
	}
	if c.Detector.Host == "" {
		errs = append(errs, errors.New("detector host is empty"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if s.Name == "" || s.URL == "" {
			errs = append(errs, fmt.Errorf("stream %d needs both name and url", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate stream name %q", s.Name))
		}
		seen[s.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Save writes the configuration to path as TOML.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := toml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

func (c *Config) GetStreams() []StreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.Streams)
}

func (c *Config) SetStreams(streams []StreamConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Streams = slices.Clone(streams)
}

func (c *Config) GetDefaultStream() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultStream
}

func (c *Config) GetDisplayBounds() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display.MaxWidth, c.Display.MaxHeight
}

func (c *Config) SetDisplayBounds(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Display.MaxWidth = width
	c.Display.MaxHeight = height
}

func (c *Config) GetRefreshFPS() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display.RefreshFPS
}

func (c *Config) SetRefreshFPS(fps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Display.RefreshFPS = fps
}

func (c *Config) GetDetector() DetectorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Detector
}

func (c *Config) SetDetectorHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Detector.Host = host
}

func (c *Config) GetCapture() CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Capture
}

func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

func (c *Config) SetLoggingLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logging.Level = level
}

func (c *Config) GetMetrics() MetricsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Metrics
}

func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

func (d DetectorConfig) TimeoutDuration() time.Duration {
	return parseDuration(d.Timeout, 5*time.Second)
}

func (d DetectorConfig) ConnectTimeoutDuration() time.Duration {
	return parseDuration(d.ConnectTimeout, 10*time.Second)
}

func (c CaptureConfig) OpenTimeoutDuration() time.Duration {
	return parseDuration(c.OpenTimeout, 15*time.Second)
}

// TeardownTimeoutDuration returns 0, meaning wait forever, when the value is
// "0".
func (c CaptureConfig) TeardownTimeoutDuration() time.Duration {
	return parseDuration(c.TeardownTimeout, 5*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
