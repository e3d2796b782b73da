// Package ingest runs the scoring pipeline for one raw transaction:
// normalize, score, persist, then publish to the live window.
//
// A failure before persistence leaves the store and window untouched. A
// persistence failure fails the whole call and the window is not updated,
// so the window never shows a transaction the store does not have.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/pagination"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/transactions"
	"github.com/mbd888/fraudwatch/internal/window"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline stages, used for metrics and span attributes.
const (
	StageNormalize = "normalize"
	StageScore     = "score"
	StageStore     = "store"
)

// Publisher receives every successfully persisted transaction.
type Publisher interface {
	PublishTransaction(tx *transactions.Transaction)
}

// Ingestor is the contract shared by the request-driven and replay-driven
// front ends.
type Ingestor interface {
	Ingest(ctx context.Context, raw map[string]any) (*transactions.Transaction, error)
}

// Service implements the scoring pipeline.
type Service struct {
	schema    *features.Schema
	scorer    scoring.Scorer
	store     transactions.Store
	window    *window.LiveWindow
	threshold float64
	publisher Publisher
	logger    *slog.Logger
}

// NewService wires the pipeline. threshold is the label threshold applied
// to every scorer result.
func NewService(schema *features.Schema, scorer scoring.Scorer, store transactions.Store, win *window.LiveWindow, threshold float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		schema:    schema,
		scorer:    scorer,
		store:     store,
		window:    win,
		threshold: threshold,
		logger:    logger,
	}
}

// WithPublisher adds a best-effort listener for persisted transactions.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// Ingest runs the pipeline for raw. The error, when non-nil, is a
// *features.InputError, *scoring.ScoringError or *transactions.StoreError.
func (s *Service) Ingest(ctx context.Context, raw map[string]any) (*transactions.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.Ingest")
	defer span.End()

	_, stageSpan := traces.StartSpan(ctx, "ingest."+StageNormalize)
	vec, err := s.schema.Normalize(raw)
	endStage(stageSpan, err)
	if err != nil {
		return nil, s.fail(ctx, span, StageNormalize, err)
	}

	scoreCtx, stageSpan := traces.StartSpan(ctx, "ingest."+StageScore)
	start := time.Now()
	res, err := s.scorer.Score(scoreCtx, vec)
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	endStage(stageSpan, err)
	if err != nil {
		var se *scoring.ScoringError
		if !errors.As(err, &se) {
			err = &scoring.ScoringError{Err: err}
		}
		return nil, s.fail(ctx, span, StageScore, err)
	}
	if math.IsNaN(res.Score) || math.IsInf(res.Score, 0) {
		return nil, s.fail(ctx, span, StageScore, &scoring.ScoringError{Err: fmt.Errorf("non-finite score %v", res.Score)})
	}

	prediction := scoring.Classify(res.Score, s.threshold)
	if res.Prediction != "" && res.Prediction != prediction {
		s.log(ctx).Debug("scorer label overridden by threshold",
			"scorer_label", res.Prediction, "label", prediction, "score", res.Score)
	}

	storeCtx, stageSpan := traces.StartSpan(ctx, "ingest."+StageStore)
	tx, err := s.store.Append(storeCtx, &transactions.Draft{
		Amount:       s.schema.Amount(vec),
		Features:     vec,
		AnomalyScore: res.Score,
		Prediction:   prediction,
	})
	endStage(stageSpan, err)
	if err != nil {
		var se *transactions.StoreError
		if !errors.As(err, &se) {
			err = &transactions.StoreError{Op: "append", Err: err}
		}
		return nil, s.fail(ctx, span, StageStore, err)
	}

	s.window.Push(tx)

	metrics.TransactionsScored.WithLabelValues(string(tx.Prediction)).Inc()
	metrics.AnomalyScore.Observe(tx.AnomalyScore)
	span.SetAttributes(
		traces.TransactionID(tx.ID),
		traces.Amount(tx.Amount),
		traces.Score(tx.AnomalyScore),
		traces.Prediction(string(tx.Prediction)),
	)

	if s.publisher != nil {
		s.publisher.PublishTransaction(tx)
	}

	if tx.IsFraud {
		s.log(ctx).Info("anomaly detected",
			"id", tx.ID, "score", tx.AnomalyScore, "amount", tx.Amount)
	}
	return tx, nil
}

func endStage(span trace.Span, err error) {
	if err != nil {
		traces.Fail(span, err)
	}
	span.End()
}

func (s *Service) fail(ctx context.Context, span trace.Span, stage string, err error) error {
	metrics.IngestFailures.WithLabelValues(stage).Inc()
	span.SetAttributes(traces.Stage(stage))
	traces.Fail(span, err)
	s.log(ctx).Warn("ingest failed", "stage", stage, "error", err)
	return err
}

// log tags the service logger with the request ID when there is one.
func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

// Page returns up to limit stored transactions, newest first, starting
// below cursor (or at the newest record when cursor is nil), plus the
// cursor for the following page.
func (s *Service) Page(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*transactions.Transaction, string, bool, error) {
	var (
		txs []*transactions.Transaction
		err error
	)
	if cursor == nil {
		txs, err = s.store.QueryRecent(ctx, limit+1)
	} else {
		txs, err = s.store.QueryBefore(ctx, cursor.BeforeID, limit+1)
	}
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(txs, limit, func(tx *transactions.Transaction) int64 { return tx.ID })
	return page, next, more, nil
}

// Window returns the live window snapshot and KPIs.
func (s *Service) Window() ([]*transactions.Transaction, window.KPIs) {
	return s.window.View()
}

// Model describes the active scorer and the label threshold in force.
func (s *Service) Model() scoring.ModelInfo {
	info := scoring.ModelInfo{
		Name:          "custom",
		SchemaVersion: s.schema.Version(),
		Features:      s.schema.Fields(),
	}
	if d, ok := s.scorer.(scoring.Describer); ok {
		info = d.Info()
	}
	info.Threshold = s.threshold
	return info
}
