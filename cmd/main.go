package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/TFMV/burstwatch"
	"github.com/TFMV/burstwatch/internal/server"
)

const usage = `burstwatch - Detect destructive bulk filesystem activity.

Usage:
  burstwatch detect <path> [options]
  burstwatch serve [options]
  burstwatch record <path> [options]
  burstwatch train [options]
  burstwatch simulate <path> [options]
  burstwatch -h | --help
  burstwatch --version

Options:
  -h --help                Show this help message.
  --version                Show version.
  -v --verbose             Enable verbose logging.
  --silent                 Disable all output except errors.
  --config=<file>          YAML config (window_seconds, cooldown_seconds, thresholds).
  --model=<file>           Trained model [default: data/model.json].
  --window=<sec>           Trailing window in seconds (overrides config).
  --cooldown=<sec>         Seconds between two alerts (overrides config).
  --nats=<url>             Also publish alerts to this NATS server.
  --subject=<subject>      NATS subject for alerts [default: burstwatch.alerts].
  --addr=<addr>            Control surface listen address [default: :5000].
  --out=<csv>              Event log to append to [default: data/normal_logs.csv].
  --normal=<csv>           Benign event log [default: data/normal_logs.csv].
  --malicious=<csv>        Malicious event log [default: data/ransomware_logs.csv].
  --dataset=<csv>          Dataset written by train [default: data/all_behaviors.csv].
  --bucket=<sec>           Training bucket size in seconds [default: 60].
  --bursts=<n>             Simulated rename/modify bursts [default: 3].
  --files=<n>              Simulated files [default: 80].
  --delete                 Delete simulated files at the end.
`

const version = "v0.1.0"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	verbose, _ := opts.Bool("--verbose")
	silent, _ := opts.Bool("--silent")
	logger := initLogger(verbose, silent)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case boolOpt(opts, "detect"):
		err = runDetect(ctx, opts, logger)
	case boolOpt(opts, "serve"):
		err = runServe(ctx, opts, logger)
	case boolOpt(opts, "record"):
		err = runRecord(ctx, opts, logger)
	case boolOpt(opts, "train"):
		err = runTrain(opts, logger)
	case boolOpt(opts, "simulate"):
		err = runSimulate(ctx, opts, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Command failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func runDetect(ctx context.Context, opts docopt.Opts, logger *zap.Logger) error {
	cfg, err := loadConfig(opts, burstwatch.CLIProfile())
	if err != nil {
		return err
	}
	path, _ := opts.String("<path>")

	sinks := burstwatch.MultiSink{burstwatch.NewConsoleSink(os.Stdout), burstwatch.NewLogSink(logger)}
	if url := stringOpt(opts, "--nats"); url != "" {
		nc, err := nats.Connect(url)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		sinks = append(sinks, burstwatch.NewNATSSink(nc, stringOpt(opts, "--subject")))
	}

	classifier := loadClassifier(stringOpt(opts, "--model"), logger)
	engine, err := burstwatch.NewEngine(cfg, burstwatch.EngineOptions{
		Classifier: classifier,
		Sink:       sinks,
		Logger:     logger,
		Metrics:    burstwatch.NewMetrics(),
	})
	if err != nil {
		return err
	}

	m, err := burstwatch.StartMonitor(ctx, path, engine, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Monitoring %s. Using model: %t. Press Ctrl+C to stop.\n", m.Root(), engine.ModelLoaded())

	<-ctx.Done()
	return m.Stop()
}

func runServe(ctx context.Context, opts docopt.Opts, logger *zap.Logger) error {
	cfg, err := loadConfig(opts, burstwatch.WebProfile())
	if err != nil {
		return err
	}
	ctrl := server.NewController(cfg, server.ModelFromFile(stringOpt(opts, "--model")), logger)
	srvOpts := server.DefaultOptions()
	srvOpts.Logger = logger
	return server.New(ctrl, srvOpts).ListenAndServe(ctx, stringOpt(opts, "--addr"))
}

func runRecord(ctx context.Context, opts docopt.Opts, logger *zap.Logger) error {
	path, _ := opts.String("<path>")
	out := stringOpt(opts, "--out")
	rec, err := burstwatch.NewRecorder(ctx, path, out, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Logging events in %s -> %s. Ctrl+C to stop.\n", path, out)
	err = rec.Run(ctx)
	logger.Info("Recorder stopped", zap.Int("rows", rec.Written()))
	return err
}

func runTrain(opts docopt.Opts, logger *zap.Logger) error {
	bucket, err := intOpt(opts, "--bucket")
	if err != nil || bucket <= 0 {
		return fmt.Errorf("invalid bucket size: %s", stringOpt(opts, "--bucket"))
	}
	ds, err := burstwatch.BuildDatasetFromFiles(
		stringOpt(opts, "--normal"),
		stringOpt(opts, "--malicious"),
		time.Duration(bucket)*time.Second,
	)
	if err != nil {
		return err
	}

	modelPath := stringOpt(opts, "--model")
	datasetPath := stringOpt(opts, "--dataset")
	report, err := burstwatch.TrainAndSave(ds, datasetPath, modelPath, burstwatch.DefaultTrainOptions(), logger)
	if errors.Is(err, burstwatch.ErrInsufficientData) {
		fmt.Printf("Not enough data to train (%d rows). Collect more logs.\n", len(ds))
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Confusion matrix: %s (accuracy %.3f on %d held-out rows)\n",
		report.Confusion, report.Confusion.Accuracy(), report.TestRows)
	fmt.Printf("Saved model to %s and dataset to %s\n", modelPath, datasetPath)
	return nil
}

func runSimulate(ctx context.Context, opts docopt.Opts, logger *zap.Logger) error {
	path, _ := opts.String("<path>")
	simOpts := burstwatch.DefaultSimulateOptions()
	var err error
	if simOpts.Bursts, err = intOpt(opts, "--bursts"); err != nil || simOpts.Bursts < 0 {
		return fmt.Errorf("invalid number of bursts: %s", stringOpt(opts, "--bursts"))
	}
	if simOpts.FilesPerBurst, err = intOpt(opts, "--files"); err != nil || simOpts.FilesPerBurst < 1 {
		return fmt.Errorf("invalid number of files: %s", stringOpt(opts, "--files"))
	}
	simOpts.Delete = boolOpt(opts, "--delete")

	rep, err := burstwatch.Simulate(ctx, path, simOpts, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Simulation complete:\n")
	fmt.Printf("  Created:  %d\n", rep.Created)
	fmt.Printf("  Renamed:  %d\n", rep.Renamed)
	fmt.Printf("  Modified: %d\n", rep.Modified)
	fmt.Printf("  Deleted:  %d\n", rep.Deleted)
	return nil
}

// loadConfig layers the config file and flag overrides on top of profile.
func loadConfig(opts docopt.Opts, profile burstwatch.Config) (burstwatch.Config, error) {
	cfg := profile
	if path := stringOpt(opts, "--config"); path != "" {
		var err error
		if cfg, err = burstwatch.LoadConfig(path, profile); err != nil {
			return cfg, err
		}
	}
	if s := stringOpt(opts, "--window"); s != "" {
		w, err := strconv.Atoi(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid window: %s", s)
		}
		cfg.WindowSeconds = w
	}
	if s := stringOpt(opts, "--cooldown"); s != "" {
		c, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid cooldown: %s", s)
		}
		cfg.CooldownSeconds = c
	}
	return cfg, cfg.Validate()
}

// loadClassifier returns nil, and says so, when no usable model exists.
func loadClassifier(path string, logger *zap.Logger) burstwatch.Classifier {
	m, err := burstwatch.LoadModel(path)
	if err != nil {
		if errors.Is(err, burstwatch.ErrModelNotFound) {
			logger.Info("No model found, running rule-only", zap.String("model", path))
		} else {
			logger.Warn("Failed to load model, running rule-only", zap.String("model", path), zap.Error(err))
		}
		return nil
	}
	return m
}

func initLogger(verbose, silent bool) *zap.Logger {
	var logger *zap.Logger
	var err error

	if silent {
		logger = zap.NewNop()
	} else if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	return logger
}

func boolOpt(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}

func stringOpt(opts docopt.Opts, key string) string {
	v, _ := opts[key].(string)
	return v
}

func intOpt(opts docopt.Opts, key string) (int, error) {
	return strconv.Atoi(stringOpt(opts, key))
}
