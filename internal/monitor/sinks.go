package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/window"
)

// FramePublisher is satisfied by the realtime hub.
type FramePublisher interface {
	PublishFrame(frame any)
}

// PublishSink pushes every frame to p.
func PublishSink(p FramePublisher) Sink {
	return SinkFunc(func(_ context.Context, f *Frame) {
		p.PublishFrame(f)
	})
}

// MetricsSink mirrors the frame KPIs into the window gauges.
func MetricsSink() Sink {
	return SinkFunc(func(_ context.Context, f *Frame) {
		metrics.WindowSize.Set(float64(f.KPIs.Count))
		metrics.WindowFraudRate.Set(f.KPIs.FraudRate)
		metrics.WindowRiskLevel.Set(metrics.RiskLevelValue(string(f.KPIs.RiskLevel)))
	})
}

// LogSink logs risk level changes at info and every other frame at debug.
type LogSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	last window.RiskLevel
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger, last: window.RiskLow}
}

func (s *LogSink) Render(ctx context.Context, f *Frame) {
	s.mu.Lock()
	changed := f.KPIs.RiskLevel != s.last
	prev := s.last
	s.last = f.KPIs.RiskLevel
	s.mu.Unlock()

	attrs := []any{
		"risk", f.KPIs.RiskLevel,
		"window", f.KPIs.Count,
		"anomalies", f.KPIs.AnomalyCount,
		"fraud_rate", f.KPIs.FraudRate,
		"processed", f.Processed,
	}
	if changed {
		s.logger.InfoContext(ctx, "risk level changed", append(attrs, "previous", prev)...)
		return
	}
	s.logger.DebugContext(ctx, "monitor frame", attrs...)
}
