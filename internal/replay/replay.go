package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
)

// Row outcomes, also used as metric labels.
const (
	OutcomeNormal   = "normal"
	OutcomeAnomaly  = "anomaly"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
)

// Options tune a replay run.
type Options struct {
	DelayMin    time.Duration
	DelayMax    time.Duration
	MaxAttempts int
	// RetryDelay is the base backoff between attempts on one row.
	RetryDelay time.Duration
}

// Summary reports what a run did.
type Summary struct {
	Sent           int           `json:"sent"`
	Normal         int           `json:"normal"`
	Anomalies      int           `json:"anomalies"`
	Rejected       int           `json:"rejected"`
	Skipped        int           `json:"skipped"`
	TruePositives  int           `json:"true_positives"`
	FalsePositives int           `json:"false_positives"`
	FalseNegatives int           `json:"false_negatives"`
	TotalLatency   time.Duration `json:"-"`
	Interrupted    bool          `json:"interrupted"`
}

// Scored is the number of rows that received a verdict.
func (s Summary) Scored() int { return s.Normal + s.Anomalies }

// MeanLatency is the average round trip over scored rows.
func (s Summary) MeanLatency() time.Duration {
	if s.Scored() == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Scored())
}

// Precision is TP / (TP + FP) over labelled rows, or 0 with no alerts.
func (s Summary) Precision() float64 {
	if s.TruePositives+s.FalsePositives == 0 {
		return 0
	}
	return float64(s.TruePositives) / float64(s.TruePositives+s.FalsePositives)
}

// Recall is TP / (TP + FN) over labelled rows, or 0 with no fraud rows.
func (s Summary) Recall() float64 {
	if s.TruePositives+s.FalseNegatives == 0 {
		return 0
	}
	return float64(s.TruePositives) / float64(s.TruePositives+s.FalseNegatives)
}

// Runner sends rows to a target one at a time.
type Runner struct {
	target Target
	opts   Options
	logger *slog.Logger
	rng    *rand.Rand
}

// NewRunner creates a runner. A zero Options sends rows back to back with
// a single attempt each.
func NewRunner(target Target, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	return &Runner{
		target: target,
		opts:   opts,
		logger: logger,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)), // #nosec G404 -- pacing jitter only
	}
}

// Run sends every row in order until done or ctx is cancelled. A failing
// row never ends the run. Cancellation stops the run between rows or
// during the pause; a row interrupted mid-send is not counted.
func (r *Runner) Run(ctx context.Context, rows []Row) (Summary, error) {
	var sum Summary

	r.logger.Info("replay started", "rows", len(rows))

	for i, row := range rows {
		if ctx.Err() != nil {
			sum.Interrupted = true
			break
		}

		outcome, latency, err := r.send(ctx, row)
		if err != nil && ctx.Err() != nil {
			sum.Interrupted = true
			break
		}
		sum.Sent++
		r.record(&sum, row, outcome, latency)

		if i < len(rows)-1 {
			if err := r.pause(ctx); err != nil {
				sum.Interrupted = true
				break
			}
		}
	}

	r.logger.Info("replay finished",
		"sent", sum.Sent,
		"normal", sum.Normal,
		"anomalies", sum.Anomalies,
		"rejected", sum.Rejected,
		"skipped", sum.Skipped,
		"true_positives", sum.TruePositives,
		"false_positives", sum.FalsePositives,
		"mean_latency_ms", fmt.Sprintf("%.1f", float64(sum.MeanLatency().Microseconds())/1000),
		"interrupted", sum.Interrupted,
	)
	if sum.Interrupted {
		return sum, ctx.Err()
	}
	return sum, nil
}

func (r *Runner) send(ctx context.Context, row Row) (string, time.Duration, error) {
	var (
		verdict  Verdict
		latency  time.Duration
		rejected bool
	)

	policy := retry.Policy{
		MaxAttempts: r.opts.MaxAttempts,
		BaseDelay:   r.opts.RetryDelay,
		OnRetry: func(attempt int, err error) {
			r.logger.Warn("send failed, retrying", "row", row.Index, "attempt", attempt, "error", err)
		},
	}
	err := policy.Do(ctx, func() error {
		start := time.Now()
		v, err := r.target.Score(ctx, row.Features)
		latency = time.Since(start)
		if err != nil {
			rejected = retry.IsPermanent(err) && !errors.Is(err, ErrWriteUncertain)
			return err
		}
		verdict = v
		return nil
	})

	switch {
	case err == nil && verdict.IsFraud:
		r.logger.Warn("ALERT! anomaly detected",
			"row", row.Index,
			"score", fmt.Sprintf("%.4f", verdict.AnomalyScore),
			"latency_ms", fmt.Sprintf("%.1f", float64(latency.Microseconds())/1000))
		return OutcomeAnomaly, latency, nil
	case err == nil:
		r.logger.Info("normal",
			"row", row.Index,
			"score", fmt.Sprintf("%.4f", verdict.AnomalyScore),
			"latency_ms", fmt.Sprintf("%.1f", float64(latency.Microseconds())/1000))
		return OutcomeNormal, latency, nil
	case rejected:
		r.logger.Warn("row rejected", "row", row.Index, "error", err)
		return OutcomeRejected, 0, err
	default:
		r.logger.Warn("row skipped", "row", row.Index, "attempts", r.opts.MaxAttempts, "error", err)
		return OutcomeSkipped, 0, err
	}
}

func (r *Runner) record(sum *Summary, row Row, outcome string, latency time.Duration) {
	metrics.ReplayOutcomes.WithLabelValues(outcome).Inc()

	switch outcome {
	case OutcomeNormal:
		sum.Normal++
		sum.TotalLatency += latency
		if row.HasLabel && row.Label == 1 {
			sum.FalseNegatives++
		}
	case OutcomeAnomaly:
		sum.Anomalies++
		sum.TotalLatency += latency
		if row.HasLabel {
			if row.Label == 1 {
				sum.TruePositives++
			} else {
				sum.FalsePositives++
			}
		}
	case OutcomeRejected:
		sum.Rejected++
	default:
		sum.Skipped++
	}
}

// pause sleeps for a random duration in [DelayMin, DelayMax].
func (r *Runner) pause(ctx context.Context) error {
	d := r.opts.DelayMin
	if spread := r.opts.DelayMax - r.opts.DelayMin; spread > 0 {
		d += time.Duration(r.rng.Int64N(int64(spread) + 1))
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
