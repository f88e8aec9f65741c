package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceAuto      = "auto"
	SourceSynthetic = "synthetic"
	SourceV4L2      = "v4l2"
	SourceFFmpeg    = "ffmpeg"
	SourceZMQ       = "zmq"
	SourceGoCV      = "gocv"
)

type AppConfig struct {
	Port int `yaml:"port"`

	Source       string `yaml:"source"`
	SourceKind   string `yaml:"source_kind"`
	SourceWidth  int    `yaml:"source_width"`
	SourceHeight int    `yaml:"source_height"`
	SourceFPS    int    `yaml:"source_fps"`
	CamDevice    string `yaml:"cam_device"`

	ModelPath       string        `yaml:"model_path"`
	ModelClasses    string        `yaml:"model_classes"`
	DetectorTimeout time.Duration `yaml:"detector_timeout"`
	FontPath        string        `yaml:"font_path"`
	DrawFPS         bool          `yaml:"draw_fps"`

	FPSLimit         float64       `yaml:"fps_limit"`
	JPEGQuality      int           `yaml:"jpeg_quality"`
	MaxEmptyReads    int           `yaml:"max_empty_reads"`
	EmptyReadBackoff time.Duration `yaml:"empty_read_backoff"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`

	PollInterval time.Duration `yaml:"poll_interval"`
	IdleInterval time.Duration `yaml:"idle_interval"`
	DedupeFrames bool          `yaml:"dedupe_frames"`

	OutputDir     string  `yaml:"output_dir"`
	MinConfidence float64 `yaml:"min_confidence"`
	TargetClass   string  `yaml:"target_class"`

	DetectionLog    bool   `yaml:"detection_log"`
	DetectionLogDir string `yaml:"detection_log_dir"`
	LogEvery        int    `yaml:"log_every"`
	Debug           bool   `yaml:"debug"`

	MQTT  MQTTConfig  `yaml:"mqtt"`
	Kafka KafkaConfig `yaml:"kafka"`
	Redis RedisConfig `yaml:"redis"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

func Default() AppConfig {
	return AppConfig{
		Port:             5001,
		Source:           "0",
		SourceKind:       SourceAuto,
		SourceWidth:      1280,
		SourceHeight:     720,
		SourceFPS:        30,
		CamDevice:        "/dev/video0",
		DetectorTimeout:  2 * time.Second,
		DrawFPS:          true,
		FPSLimit:         30,
		JPEGQuality:      80,
		MaxEmptyReads:    100,
		EmptyReadBackoff: 50 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
		PollInterval:     10 * time.Millisecond,
		IdleInterval:     50 * time.Millisecond,
		OutputDir:        "detections",
		MinConfidence:    0.6,
		TargetClass:      "cup",
		DetectionLogDir:  "rawlog",
		LogEvery:         100,
		MQTT: MQTTConfig{
			ClientID: "camstream",
			Topic:    "camstream/events",
			QoS:      0,
		},
		Kafka: KafkaConfig{
			Topic: "camstream-events",
		},
		Redis: RedisConfig{
			Prefix: "camstream",
			TTL:    10 * time.Second,
		},
	}
}

// LoadFile reads a YAML file on top of the defaults.
func LoadFile(path string) (AppConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	c.Source = strings.TrimSpace(c.Source)
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	c.SourceKind = strings.ToLower(strings.TrimSpace(c.SourceKind))
	if c.SourceKind == "" {
		c.SourceKind = SourceAuto
	}
	switch c.SourceKind {
	case SourceAuto, SourceSynthetic, SourceV4L2, SourceFFmpeg, SourceZMQ, SourceGoCV:
	default:
		return fmt.Errorf("unknown source kind %q", c.SourceKind)
	}
	if c.SourceWidth < 1 || c.SourceHeight < 1 {
		return fmt.Errorf("source size %dx%d is invalid", c.SourceWidth, c.SourceHeight)
	}
	if c.SourceFPS < 1 {
		c.SourceFPS = 30
	}
	if c.FPSLimit < 0 {
		return fmt.Errorf("fps_limit must be >= 0")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0, 1]")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be within [1, 100]")
	}
	if c.MaxEmptyReads < 1 {
		c.MaxEmptyReads = 1
	}
	if c.EmptyReadBackoff <= 0 {
		c.EmptyReadBackoff = 50 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 2 * time.Second
	}
	if c.DetectorTimeout <= 0 {
		c.DetectorTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 50 * time.Millisecond
	}
	if c.LogEvery < 1 {
		c.LogEvery = 1
	}
	c.TargetClass = strings.TrimSpace(c.TargetClass)
	if c.TargetClass != "" && c.OutputDir == "" {
		return fmt.Errorf("output_dir is required when target_class is set")
	}
	if c.DetectionLog && c.DetectionLogDir == "" {
		return fmt.Errorf("detection_log_dir is required when detection_log is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		c.MQTT.Topic = "camstream/events"
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		c.Kafka.Topic = "camstream-events"
	}
	if c.Redis.Addr != "" {
		if c.Redis.Prefix == "" {
			c.Redis.Prefix = "camstream"
		}
		if c.Redis.TTL <= 0 {
			c.Redis.TTL = 10 * time.Second
		}
	}
	return nil
}

// MinFrameInterval is the lower bound on publish spacing, zero when unthrottled.
func (c AppConfig) MinFrameInterval() time.Duration {
	if c.FPSLimit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.FPSLimit)
}
