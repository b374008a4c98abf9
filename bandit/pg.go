package bandit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arvindsha/forgeloop"
)

// PGEventLog is the Postgres-backed event log variant, accepted when a
// DSN is configured. The pool is externally owned; the caller creates
// and closes it.
type PGEventLog struct {
	pool *pgxpool.Pool
}

// NewPGEventLog wraps pool.
func NewPGEventLog(pool *pgxpool.Pool) *PGEventLog {
	return &PGEventLog{pool: pool}
}

// Init creates the bandit_events table.
func (l *PGEventLog) Init(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS bandit_events (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		model_id TEXT NOT NULL,
		task_type TEXT,
		feature_hash TEXT,
		reward DOUBLE PRECISION NOT NULL,
		won BOOLEAN NOT NULL
	)`)
	return err
}

// Record appends one event row.
func (l *PGEventLog) Record(ctx context.Context, ev forgeloop.RewardEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	model := ev.ModelID
	if model == "" {
		model = "unknown"
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO bandit_events (ts, model_id, task_type, feature_hash, reward, won)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)`,
		ts, model, ev.TaskType, ev.FeatureHash, ev.Reward, ev.Won)
	return err
}

// StatsFor aggregates per-model count/sum over the event rows, giving
// readers of either backend the same row shape as EventLog.Stats.
func (l *PGEventLog) StatsFor(ctx context.Context, models []string) (map[string]ModelStats, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT model_id, COUNT(*), COALESCE(SUM(reward), 0), COALESCE(MAX(EXTRACT(EPOCH FROM ts)), 0)
		 FROM bandit_events
		 WHERE cardinality($1::text[]) = 0 OR model_id = ANY($1)
		 GROUP BY model_id`, models)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ModelStats)
	for rows.Next() {
		var model string
		var s ModelStats
		if err := rows.Scan(&model, &s.Count, &s.Sum, &s.LastTS); err != nil {
			return nil, err
		}
		if s.Count > 0 {
			s.Avg = s.Sum / float64(s.Count)
		}
		out[model] = s
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ Recorder = (*PGEventLog)(nil)
