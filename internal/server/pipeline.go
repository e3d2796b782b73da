package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/ingest"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transactions"
	"github.com/mbd888/fraudwatch/internal/window"
)

// Pipeline bundles the scoring components shared by the API server and the
// in-process replay driver.
type Pipeline struct {
	Schema  *features.Schema
	Scorer  scoring.Scorer
	Store   transactions.Store
	Window  *window.LiveWindow
	Ingest  *ingest.Service
	DB      *sql.DB // nil when using in-memory storage
	Breaker *circuitbreaker.Breaker
}

// PipelineOptions overrides pieces of the pipeline, mostly for tests.
type PipelineOptions struct {
	Scorer scoring.Scorer
	Store  transactions.Store
}

// NewScorer loads the configured model (or the built-in baseline) and
// wraps it in a circuit breaker.
func NewScorer(cfg *config.Config, schema *features.Schema, logger *slog.Logger) (*scoring.Guarded, *circuitbreaker.Breaker, error) {
	model := scoring.DefaultModel()
	if cfg.ModelPath != "" {
		m, err := scoring.LoadModel(cfg.ModelPath)
		if err != nil {
			return nil, nil, err
		}
		model = m
	}

	rs, err := scoring.NewRobustScorer(model, schema, cfg.ScoreThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}

	breaker := circuitbreaker.New("scorer", cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	breaker.OnTransition(func(from, to circuitbreaker.State) {
		logger.Warn("scorer circuit changed state", "from", from.String(), "to", to.String())
	})

	info := rs.Info()
	logger.Info("scorer loaded",
		"model", info.Name,
		"schema", info.SchemaVersion,
		"features", len(info.Features),
		"threshold", cfg.ScoreThreshold,
	)
	return scoring.NewGuarded(rs, breaker), breaker, nil
}

// OpenDB connects to Postgres with the server's pool settings.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewPipeline wires schema, scorer, store, window and ingest service. The
// window is hydrated from the newest stored records so a restart does not
// start from an empty view.
func NewPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts PipelineOptions) (*Pipeline, error) {
	p := &Pipeline{Schema: features.Default()}

	switch {
	case opts.Scorer != nil:
		p.Scorer = opts.Scorer
	default:
		guarded, breaker, err := NewScorer(cfg, p.Schema, logger)
		if err != nil {
			return nil, err
		}
		p.Scorer = guarded
		p.Breaker = breaker
	}

	switch {
	case opts.Store != nil:
		p.Store = opts.Store
	case cfg.DatabaseURL != "":
		db, err := OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg := transactions.NewPostgresStore(db)
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		p.DB = db
		p.Store = pg
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	default:
		p.Store = transactions.NewMemoryStore()
		logger.Info("using in-memory storage (data will not persist)")
	}

	p.Window = window.New(cfg.HistoryWindowSize, cfg.RiskCriticalThreshold)
	recent, err := p.Store.QueryRecent(ctx, p.Window.Capacity())
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to hydrate live window: %w", err)
	}
	p.Window.Hydrate(recent)
	if len(recent) > 0 {
		logger.Info("live window hydrated", "records", p.Window.Len())
	}

	p.Ingest = ingest.NewService(p.Schema, p.Scorer, p.Store, p.Window, cfg.ScoreThreshold,
		logging.Component(logger, "ingest"))
	return p, nil
}

// SelfTest confirms the scorer answers for a vector of the schema's arity.
func (p *Pipeline) SelfTest(ctx context.Context) error {
	return scoring.SelfTest(ctx, p.Scorer, p.Schema.Arity())
}

// Close releases the store.
func (p *Pipeline) Close() error {
	if p.DB != nil {
		return p.DB.Close()
	}
	if c, ok := p.Store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
