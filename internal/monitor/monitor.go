// Package monitor periodically samples the live window (or the store) and
// hands the resulting frame to renderers. It never writes to either source.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/transactions"
	"github.com/mbd888/fraudwatch/internal/window"
)

// Source selects where frames are read from.
type Source string

const (
	SourceWindow Source = "window"
	SourceStore  Source = "store"
)

const (
	defaultInterval  = time.Second
	defaultTableRows = 20
)

// Frame is one rendered sample of the pipeline state.
type Frame struct {
	Source    Source                      `json:"source"`
	KPIs      window.KPIs                 `json:"kpis"`
	Recent    []*transactions.Transaction `json:"recent"`
	Processed int64                       `json:"processed"`
	TakenAt   time.Time                   `json:"taken_at"`
}

// Sink renders frames. Render must not block for long; it runs on the
// monitor loop.
type Sink interface {
	Render(ctx context.Context, f *Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f *Frame)

func (fn SinkFunc) Render(ctx context.Context, f *Frame) { fn(ctx, f) }

// Monitor polls a source on a fixed interval.
type Monitor struct {
	source            Source
	window            *window.LiveWindow
	store             transactions.Store
	interval          time.Duration
	tableRows         int
	criticalThreshold float64
	logger            *slog.Logger

	sinksMu sync.RWMutex
	sinks   []Sink

	latest  atomic.Pointer[Frame]
	stop    chan struct{}
	running atomic.Bool
}

// New creates a monitor reading from win. store supplies the processed
// count and, with SourceStore, the records themselves; it may be nil for
// a window-only monitor.
func New(win *window.LiveWindow, store transactions.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		source:            SourceWindow,
		window:            win,
		store:             store,
		interval:          defaultInterval,
		tableRows:         defaultTableRows,
		criticalThreshold: window.DefaultCriticalThreshold,
		logger:            logger,
		stop:              make(chan struct{}, 1),
	}
	m.latest.Store(&Frame{Source: m.source, KPIs: window.ComputeKPIs(nil, 0), Recent: []*transactions.Transaction{}})
	return m
}

// WithSource selects the frame source. Unknown values fall back to the window.
func (m *Monitor) WithSource(s Source) *Monitor {
	if s == SourceStore && m.store != nil {
		m.source = SourceStore
	} else {
		m.source = SourceWindow
	}
	return m
}

// WithInterval sets the polling interval.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// WithTableRows caps the number of records carried in each frame.
func (m *Monitor) WithTableRows(n int) *Monitor {
	if n > 0 {
		m.tableRows = n
	}
	return m
}

// WithCriticalThreshold sets the score below which an anomalous window is
// reported as CRITICAL when reading from the store.
func (m *Monitor) WithCriticalThreshold(t float64) *Monitor {
	m.criticalThreshold = t
	return m
}

// AddSink registers a renderer for every new frame.
func (m *Monitor) AddSink(s Sink) *Monitor {
	m.sinksMu.Lock()
	m.sinks = append(m.sinks, s)
	m.sinksMu.Unlock()
	return m
}

// Latest returns the most recent frame. Before the first poll it is a
// neutral frame with LOW risk and no rows.
func (m *Monitor) Latest() *Frame {
	return m.latest.Load()
}

// Running reports whether the polling loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start polls immediately and then on every tick until ctx is done or Stop
// is called. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	m.logger.Info("monitor started", "source", m.source, "interval", m.interval)
	m.safeRun(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeRun(ctx)
		}
	}
}

// Stop signals the polling loop to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MonitorPollsTotal.WithLabelValues("panic").Inc()
			m.logger.Error("panic in monitor", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := m.Poll(ctx); err != nil {
		m.logger.Warn("monitor poll failed, keeping previous frame", "source", m.source, "error", err)
	}
}

// Poll samples the source once, publishes the frame to every sink and
// makes it the latest. On error the previous frame stays current.
func (m *Monitor) Poll(ctx context.Context) (*Frame, error) {
	frame, err := m.sample(ctx)
	if err != nil {
		metrics.MonitorPollsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.MonitorPollsTotal.WithLabelValues("ok").Inc()
	m.latest.Store(frame)

	m.sinksMu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.sinksMu.RUnlock()
	for _, s := range sinks {
		s.Render(ctx, frame)
	}
	return frame, nil
}

func (m *Monitor) sample(ctx context.Context) (*Frame, error) {
	var (
		records []*transactions.Transaction
		kpis    window.KPIs
	)

	switch m.source {
	case SourceStore:
		limit := window.DefaultCapacity
		if m.window != nil {
			limit = m.window.Capacity()
		}
		recent, err := m.store.QueryRecent(ctx, limit)
		if err != nil {
			return nil, err
		}
		records = recent
		kpis = window.ComputeKPIs(records, m.criticalThreshold)
	default:
		records, kpis = m.window.View()
	}

	processed := int64(kpis.Count)
	if m.store != nil {
		n, err := m.store.Count(ctx)
		if err != nil {
			return nil, err
		}
		processed = n
	}

	rows := records[:min(len(records), m.tableRows)]
	recent := make([]*transactions.Transaction, len(rows))
	for i, tx := range rows {
		row := *tx
		row.Features = nil
		recent[i] = &row
	}

	return &Frame{
		Source:    m.source,
		KPIs:      kpis,
		Recent:    recent,
		Processed: processed,
		TakenAt:   time.Now().UTC(),
	}, nil
}
