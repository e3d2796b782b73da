package transactions

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/migrations"
)

// PostgresStore persists transactions in PostgreSQL. Ids come from a
// BIGSERIAL column, so concurrent appends never collide.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, p.db)
}

// Ping checks the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", p.db.PingContext(ctx))
}

func (p *PostgresStore) Append(ctx context.Context, d *Draft) (*Transaction, error) {
	if err := d.Validate(); err != nil {
		return nil, storeErr("append", err)
	}

	tx := &Transaction{
		Amount:       d.Amount,
		Features:     append(features.Vector(nil), d.Features...),
		AnomalyScore: d.AnomalyScore,
		Prediction:   d.Prediction,
		IsFraud:      d.Prediction.IsFraud(),
	}

	feats := pq.Float64Array(tx.Features)
	if feats == nil {
		feats = pq.Float64Array{}
	}

	// Single statement: the row is either fully visible or absent.
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO transactions (amount, features, anomaly_score, prediction, is_fraud)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, scored_at`,
		tx.Amount, feats, tx.AnomalyScore, string(tx.Prediction), tx.IsFraud,
	).Scan(&tx.ID, &tx.Timestamp)
	if err != nil {
		return nil, storeErr("append", err)
	}

	tx.Timestamp = tx.Timestamp.UTC()
	return tx, nil
}

func (p *PostgresStore) QueryRecent(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		return []*Transaction{}, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scored_at, amount, features, anomaly_score, prediction, is_fraud
		FROM transactions
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanTransactions(rows)
	if err != nil {
		return nil, storeErr("query", err)
	}
	return result, nil
}

func (p *PostgresStore) QueryBefore(ctx context.Context, beforeID int64, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		return []*Transaction{}, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scored_at, amount, features, anomaly_score, prediction, is_fraud
		FROM transactions
		WHERE id < $1
		ORDER BY id DESC
		LIMIT $2`, beforeID, limit)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanTransactions(rows)
	if err != nil {
		return nil, storeErr("query", err)
	}
	return result, nil
}

func (p *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		feats      pq.Float64Array
		prediction string
	)

	err := sc.Scan(
		&tx.ID, &tx.Timestamp, &tx.Amount, &feats,
		&tx.AnomalyScore, &prediction, &tx.IsFraud,
	)
	if err != nil {
		return nil, err
	}

	tx.Timestamp = tx.Timestamp.UTC()
	tx.Features = features.Vector(feats)
	tx.Prediction = scoring.Prediction(prediction)
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	result := []*Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
