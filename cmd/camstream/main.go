package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"camstream-go/internal/annotate"
	"camstream-go/internal/broadcast"
	"camstream-go/internal/capture"
	"camstream-go/internal/config"
	"camstream-go/internal/controls"
	"camstream-go/internal/events"
	"camstream-go/internal/logging"
	"camstream-go/internal/mirror"
	"camstream-go/internal/output"
	"camstream-go/internal/pipeline"
	"camstream-go/internal/server"
	"camstream-go/internal/trigger"
)

// releaseTimeout bounds the wait for the source to close after the producer
// context is cancelled.
const releaseTimeout = time.Second

func main() {
	fs := flag.NewFlagSet("camstream", flag.ExitOnError)
	configPath := fs.String("config", "", "Optional YAML config file")
	overrides := config.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("camstream stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func loadConfig(path string, overrides config.Overrides) (config.AppConfig, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := overrides.Apply(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(cfg config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sinks, the mirror and the HTTP server outlive the signal so they can
	// drain while the producer winds down.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	source, err := capture.Open(cfg, logger)
	if err != nil {
		return err
	}

	detector, err := annotate.NewDetector(cfg.ModelPath, cfg.ModelClasses, logger)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	overlay, err := annotate.NewOverlay(cfg.FontPath, cfg.DrawFPS)
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	var annotator pipeline.Annotator
	if detector != nil || cfg.DrawFPS {
		a := annotate.New(detector, overlay, cfg.DetectorTimeout)
		defer func() { _ = a.Close() }()
		annotator = a
	}

	var (
		trig     pipeline.Trigger
		trigSink *trigger.Sink
	)
	if detector != nil && cfg.TargetClass != "" {
		trigSink = trigger.NewSink(cfg.OutputDir, cfg.TargetClass, cfg.MinConfidence, logger)
		trig = trigSink
	}

	uiMessages := make(chan any, 64)
	fanout := events.NewFanout(logger, 64)
	fanout.Add(events.NewChannelSink("websocket", uiMessages))
	if cfg.DetectionLog {
		writer, err := output.NewRawLogWriter(cfg.DetectionLogDir, "detections")
		if err != nil {
			return fmt.Errorf("detection log: %w", err)
		}
		logger.Info("detection log enabled", zap.String("path", writer.Path()))
		fanout.Add(events.NewRawLogSink(writer))
	}
	if cfg.MQTT.Broker != "" {
		sink, err := events.NewMQTTSink(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, byte(cfg.MQTT.QoS), logger)
		if err != nil {
			logger.Warn("mqtt sink disabled", zap.Error(err))
		} else {
			fanout.Add(sink)
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Warn("kafka sink disabled", zap.Error(err))
		} else {
			fanout.Add(sink)
		}
	}
	fanout.Start(bgCtx)
	defer func() { _ = fanout.Close() }()

	b := broadcast.New()
	lc := broadcast.NewLifecycle()

	var mir *mirror.Mirror
	if cfg.Redis.Addr != "" {
		store := mirror.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := store.Ping(ctx); err != nil {
			logger.Warn("redis mirror disabled", zap.Error(err))
			_ = store.Close()
		} else {
			defer func() { _ = store.Close() }()
			mir = mirror.New(store, cfg.Redis.Prefix, cfg.Redis.TTL, logger)
			go func() { _ = mir.Run(bgCtx, b, lc, cfg.PollInterval) }()
		}
	}

	producer := pipeline.New(pipeline.Deps{
		Source:    source,
		Annotator: annotator,
		Encoder:   pipeline.JPEGEncoder{Quality: cfg.JPEGQuality},
		Publisher: b,
		Trigger:   trig,
		Events:    fanout,
	}, pipeline.Config{
		MinInterval:      cfg.MinFrameInterval(),
		MaxEmptyReads:    cfg.MaxEmptyReads,
		EmptyReadBackoff: cfg.EmptyReadBackoff,
		LogEvery:         cfg.LogEvery,
	}, lc, logger)

	prodCtx, prodCancel := context.WithCancel(context.Background())
	defer prodCancel()
	if err := producer.Start(prodCtx); err != nil {
		return err
	}

	srv, err := server.New(server.Deps{
		Broadcaster: b,
		Lifecycle:   lc,
		Session: broadcast.SessionConfig{
			PollInterval: cfg.PollInterval,
			IdleInterval: cfg.IdleInterval,
			Dedupe:       cfg.DedupeFrames,
		},
		Controls: controls.NewV4L2Ctl(cfg.CamDevice),
		Events:   uiMessages,
		StatusFn: func() map[string]any {
			status := map[string]any{
				"source":   cfg.Source,
				"producer": producer.Stats(),
				"sinks":    fanout.Stats(),
			}
			if trigSink != nil {
				status["trigger_write_failures_total"] = trigSink.Failed()
			}
			if mir != nil {
				status["mirror"] = map[string]uint64{
					"written_total": mir.Written(),
					"failed_total":  mir.Failed(),
				}
			}
			return status
		},
		ConfigFn: func() map[string]any {
			return map[string]any{
				"port":           cfg.Port,
				"source":         cfg.Source,
				"source_kind":    cfg.SourceKind,
				"fps_limit":      cfg.FPSLimit,
				"target_class":   cfg.TargetClass,
				"min_confidence": cfg.MinConfidence,
				"detector":       detector != nil,
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(bgCtx, cfg.Port) }()

	var (
		requested bool
		serveErr  error
		served    bool
	)
	select {
	case <-ctx.Done():
		requested = true
		logger.Info("shutdown requested")
	case <-producer.Done():
	case serveErr = <-serverErr:
		served = true
		requested = true
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := producer.Stop(stopCtx); err != nil {
		logger.Warn("producer stop", zap.Error(err))
		prodCancel()
		select {
		case <-producer.Done():
		case <-time.After(releaseTimeout):
			logger.Error("capture source still open at exit")
		}
	}

	bgCancel()
	if !served {
		serveErr = <-serverErr
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}

	if !requested {
		if err := producer.Err(); err != nil {
			if errors.Is(err, pipeline.ErrSourceExhausted) {
				logger.Info("source exhausted", zap.Error(err))
				return nil
			}
			return err
		}
	}
	return nil
}
