package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// option ties a field to its environment variable and command-line flag.
type option struct {
	flag  string
	env   string
	usage string
	field func(*AppConfig) any
}

var options = []option{
	{"port", "STREAM_PORT", "HTTP port for the stream and control API", func(c *AppConfig) any { return &c.Port }},
	{"source", "CAMERA_SOURCE", "Capture source: device index, /dev/videoN, file, URL, tcp:// endpoint or 'synthetic'", func(c *AppConfig) any { return &c.Source }},
	{"source-kind", "SOURCE_KIND", "Capture adapter: auto, synthetic, v4l2, ffmpeg, zmq, gocv", func(c *AppConfig) any { return &c.SourceKind }},
	{"source-width", "SOURCE_WIDTH", "Requested capture width", func(c *AppConfig) any { return &c.SourceWidth }},
	{"source-height", "SOURCE_HEIGHT", "Requested capture height", func(c *AppConfig) any { return &c.SourceHeight }},
	{"source-fps", "SOURCE_FPS", "Requested capture rate", func(c *AppConfig) any { return &c.SourceFPS }},
	{"cam-device", "CAM_DEVICE", "V4L2 device used for camera controls", func(c *AppConfig) any { return &c.CamDevice }},
	{"model", "MODEL_PATH", "Detector reference: empty, ws://host/ws or a YOLO .onnx file", func(c *AppConfig) any { return &c.ModelPath }},
	{"model-classes", "MODEL_CLASSES", "Class names file for the YOLO detector", func(c *AppConfig) any { return &c.ModelClasses }},
	{"detector-timeout", "DETECTOR_TIMEOUT", "Per-frame detector deadline", func(c *AppConfig) any { return &c.DetectorTimeout }},
	{"font", "FONT_PATH", "TTF font used for overlay labels", func(c *AppConfig) any { return &c.FontPath }},
	{"draw-fps", "DRAW_FPS", "Draw the smoothed FPS on every frame", func(c *AppConfig) any { return &c.DrawFPS }},
	{"fps-limit", "FPS_LIMIT", "Maximum publish rate in frames/sec (0 disables throttling)", func(c *AppConfig) any { return &c.FPSLimit }},
	{"jpeg-quality", "JPEG_QUALITY", "JPEG quality of published frames", func(c *AppConfig) any { return &c.JPEGQuality }},
	{"max-empty-reads", "MAX_EMPTY_READS", "Consecutive empty reads before the source counts as exhausted", func(c *AppConfig) any { return &c.MaxEmptyReads }},
	{"empty-read-backoff", "EMPTY_READ_BACKOFF", "Pause after an empty read before retrying", func(c *AppConfig) any { return &c.EmptyReadBackoff }},
	{"shutdown-timeout", "SHUTDOWN_TIMEOUT", "Bounded wait for the producer to stop", func(c *AppConfig) any { return &c.ShutdownTimeout }},
	{"poll-interval", "POLL_INTERVAL", "Per-viewer emit interval", func(c *AppConfig) any { return &c.PollInterval }},
	{"idle-interval", "IDLE_INTERVAL", "Wait before retrying when no frame is available", func(c *AppConfig) any { return &c.IdleInterval }},
	{"dedupe-frames", "DEDUPE_FRAMES", "Skip re-sending a frame a viewer already received", func(c *AppConfig) any { return &c.DedupeFrames }},
	{"output-dir", "OUTPUT_PATH", "Directory for triggered snapshots", func(c *AppConfig) any { return &c.OutputDir }},
	{"min-confidence", "MIN_CONFIDENCE", "Confidence a detection must exceed to trigger a snapshot", func(c *AppConfig) any { return &c.MinConfidence }},
	{"target-class", "TARGET_CLASS", "Class that triggers a snapshot (empty disables)", func(c *AppConfig) any { return &c.TargetClass }},
	{"detection-log", "DETECTION_LOG", "Write detection events to a CBOR log", func(c *AppConfig) any { return &c.DetectionLog }},
	{"detection-log-dir", "DETECTION_LOG_DIR", "Directory for detection logs", func(c *AppConfig) any { return &c.DetectionLogDir }},
	{"log-every", "LOG_EVERY", "Log every Nth repeated per-frame error", func(c *AppConfig) any { return &c.LogEvery }},
	{"debug", "DEBUG", "Development logging", func(c *AppConfig) any { return &c.Debug }},
	{"mqtt-broker", "MQTT_BROKER", "MQTT broker host:port for detection events", func(c *AppConfig) any { return &c.MQTT.Broker }},
	{"mqtt-topic", "MQTT_TOPIC", "MQTT topic for detection events", func(c *AppConfig) any { return &c.MQTT.Topic }},
	{"kafka-brokers", "KAFKA_BROKERS", "Comma separated Kafka brokers for detection events", func(c *AppConfig) any { return &c.Kafka.Brokers }},
	{"kafka-topic", "KAFKA_TOPIC", "Kafka topic for detection events", func(c *AppConfig) any { return &c.Kafka.Topic }},
	{"redis-addr", "REDIS_ADDR", "Redis address for the latest-frame mirror", func(c *AppConfig) any { return &c.Redis.Addr }},
	{"redis-password", "REDIS_PASSWORD", "Redis password", func(c *AppConfig) any { return &c.Redis.Password }},
}

// ApplyEnv overrides fields from environment variables that are set and non-empty.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range options {
		raw, ok := lookup(o.env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setValue(o.field(c), raw); err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
	}
	return nil
}

// Overrides holds the flags that were given explicitly on the command line.
type Overrides map[string]string

// BindFlags registers one flag per option on fs. Only flags that are actually
// passed end up in the returned Overrides.
func BindFlags(fs *flag.FlagSet) Overrides {
	defaults := Default()
	ov := Overrides{}
	for _, o := range options {
		name := o.flag
		usage := fmt.Sprintf("%s (env %s, default %v)", o.usage, o.env, display(o.field(&defaults)))
		record := func(s string) error {
			ov[name] = s
			return nil
		}
		if _, ok := o.field(&defaults).(*bool); ok {
			fs.BoolFunc(name, usage, record)
			continue
		}
		fs.Func(name, usage, record)
	}
	return ov
}

func (ov Overrides) Apply(c *AppConfig) error {
	for _, o := range options {
		raw, ok := ov[o.flag]
		if !ok {
			continue
		}
		if err := setValue(o.field(c), raw); err != nil {
			return fmt.Errorf("-%s: %w", o.flag, err)
		}
	}
	return nil
}

func setValue(target any, raw string) error {
	raw = strings.TrimSpace(raw)
	switch p := target.(type) {
	case *string:
		*p = raw
	case *int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = v
	case *float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*p = v
	case *bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*p = v
	case *time.Duration:
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*p = v
	case *[]string:
		var out []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*p = out
	default:
		return fmt.Errorf("unsupported option type %T", target)
	}
	return nil
}

func display(field any) any {
	switch p := field.(type) {
	case *string:
		return fmt.Sprintf("%q", *p)
	case *int:
		return *p
	case *float64:
		return *p
	case *bool:
		return *p
	case *time.Duration:
		return *p
	case *[]string:
		return strings.Join(*p, ",")
	}
	return nil
}
