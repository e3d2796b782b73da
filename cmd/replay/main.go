// Command replay streams a labelled transaction dataset into the scoring
// pipeline and reports how the detector did against the ground truth.
//
// Usage:
//
//	go run ./cmd/replay --dataset creditcard.csv --url http://localhost:8080/predict
//	go run ./cmd/replay --dataset creditcard.csv --shuffle --seed 7 --limit 500
//	go run ./cmd/replay --dataset creditcard.csv --in-process
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/monitor"
	"github.com/mbd888/fraudwatch/internal/replay"
	"github.com/mbd888/fraudwatch/internal/server"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type replayFlags struct {
	dataset   string
	url       string
	shuffle   bool
	seed      uint64
	limit     int
	inProcess bool
	json      bool
}

func newRootCmd() *cobra.Command {
	var f replayFlags

	cmd := &cobra.Command{
		Use:          "replay",
		Short:        "Replay a labelled transaction dataset through the fraud scorer",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVarP(&f.dataset, "dataset", "d", "creditcard.csv", "CSV dataset with a header row")
	cmd.Flags().StringVarP(&f.url, "url", "u", "http://localhost:8080/predict", "Scoring endpoint")
	cmd.Flags().BoolVar(&f.shuffle, "shuffle", false, "Shuffle rows before sending")
	cmd.Flags().Uint64Var(&f.seed, "seed", 42, "Shuffle seed")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "Send at most this many rows (0 = all)")
	cmd.Flags().BoolVar(&f.inProcess, "in-process", false, "Score through an embedded pipeline instead of HTTP")
	cmd.Flags().BoolVarP(&f.json, "json", "j", false, "Print the summary as JSON")

	return cmd
}

func run(parent context.Context, f replayFlags) error {
	// Bootstrap logger until the configured level and format are known
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	rows, err := replay.LoadFile(f.dataset)
	if err != nil {
		logger.Error("failed to load dataset", "path", f.dataset, "error", err)
		return err
	}
	if f.shuffle {
		replay.Shuffle(rows, f.seed)
	}
	rows = replay.Limit(rows, f.limit)
	logger.Info("dataset loaded", "path", f.dataset, "rows", len(rows), "shuffled", f.shuffle)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var target replay.Target
	if f.inProcess {
		t, cleanup, err := inProcessTarget(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to build pipeline", "error", err)
			return err
		}
		defer cleanup()
		target = t
	} else {
		target = replay.NewHTTPTarget(f.url, cfg.ReplayTimeout)
		logger.Info("replaying over HTTP", "url", f.url)
	}

	runner := replay.NewRunner(target, replay.Options{
		DelayMin:    cfg.ReplayDelayMin,
		DelayMax:    cfg.ReplayDelayMax,
		MaxAttempts: cfg.ReplayMaxAttempts,
	}, logging.Component(logger, "replay"))

	sum, err := runner.Run(ctx, rows)
	if err != nil {
		logger.Info("replay interrupted", "error", err)
	}

	printSummary(sum, f.json)
	return nil
}

// inProcessTarget builds the scoring pipeline in this process and runs a
// monitor that logs risk level changes while the replay is in flight.
func inProcessTarget(ctx context.Context, cfg *config.Config, logger *slog.Logger) (replay.Target, func(), error) {
	p, err := server.NewPipeline(ctx, cfg, logger, server.PipelineOptions{})
	if err != nil {
		return nil, nil, err
	}
	if err := p.SelfTest(ctx); err != nil {
		_ = p.Close()
		return nil, nil, fmt.Errorf("scorer self-test failed: %w", err)
	}

	monLogger := logging.Component(logger, "monitor")
	mon := monitor.New(p.Window, p.Store, monLogger).
		WithSource(monitor.Source(cfg.MonitorSource)).
		WithInterval(cfg.PollInterval).
		WithTableRows(cfg.MonitorTableRows).
		WithCriticalThreshold(cfg.RiskCriticalThreshold).
		AddSink(monitor.MetricsSink()).
		AddSink(monitor.NewLogSink(monLogger))
	go mon.Start(ctx)

	logger.Info("replaying in process", "window", p.Window.Capacity())

	cleanup := func() {
		mon.Stop()
		if err := p.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}
	return replay.NewInProcessTarget(p.Ingest), cleanup, nil
}

func printSummary(sum replay.Summary, asJSON bool) {
	if asJSON {
		out := struct {
			replay.Summary
			Scored        int     `json:"scored"`
			Precision     float64 `json:"precision"`
			Recall        float64 `json:"recall"`
			MeanLatencyMS float64 `json:"mean_latency_ms"`
		}{
			Summary:       sum,
			Scored:        sum.Scored(),
			Precision:     sum.Precision(),
			Recall:        sum.Recall(),
			MeanLatencyMS: float64(sum.MeanLatency().Microseconds()) / 1000,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Printf("Sent:            %d\n", sum.Sent)
	fmt.Printf("Normal:          %d\n", sum.Normal)
	fmt.Printf("Anomalies:       %d\n", sum.Anomalies)
	fmt.Printf("Rejected:        %d\n", sum.Rejected)
	fmt.Printf("Skipped:         %d\n", sum.Skipped)
	fmt.Printf("True positives:  %d\n", sum.TruePositives)
	fmt.Printf("False positives: %d\n", sum.FalsePositives)
	fmt.Printf("False negatives: %d\n", sum.FalseNegatives)
	fmt.Printf("Precision:       %.3f\n", sum.Precision())
	fmt.Printf("Recall:          %.3f\n", sum.Recall())
	fmt.Printf("Mean latency:    %s\n", sum.MeanLatency().Round(time.Microsecond))
	if sum.Interrupted {
		fmt.Println("(interrupted)")
	}
}
