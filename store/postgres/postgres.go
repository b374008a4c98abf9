// Package postgres implements forgeloop.TaskStore, forgeloop.BanditAggregator
// and forgeloop.MemoryStore using PostgreSQL, with tsvector full-text
// search for workspace memory retrieval.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/status"
)

// Store is the Postgres-backed relational record of tasks, rewards,
// bandit aggregates and workspace memories.
type Store struct {
	pool *pgxpool.Pool
	norm *status.Normalizer
}

var _ forgeloop.TaskStore = (*Store)(nil)
var _ forgeloop.BanditAggregator = (*Store)(nil)
var _ forgeloop.MemoryStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNormalizer sets the status normalizer guarding task-status writes.
func WithNormalizer(n *status.Normalizer) Option {
	return func(s *Store) { s.norm = n }
}

// New wraps pool. The pool remains caller-owned.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, norm: status.New(status.GuardFix, nil)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			language TEXT,
			status TEXT NOT NULL,
			model_used TEXT,
			latency_ms BIGINT,
			template_ver TEXT,
			error TEXT,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rewards (
			id UUID PRIMARY KEY,
			task_id TEXT NOT NULL,
			model TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL,
			human_score DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bandit_stats (
			model TEXT NOT NULL,
			feature_hash TEXT NOT NULL,
			runs BIGINT NOT NULL,
			reward_sum DOUBLE PRECISION NOT NULL,
			reward_sq_sum DOUBLE PRECISION NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (model, feature_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_memories (
			id UUID PRIMARY KEY,
			task_id TEXT,
			repo_path TEXT,
			language TEXT,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			goal TEXT,
			model TEXT,
			summary TEXT,
			artifact_rel TEXT,
			zip_rel TEXT,
			files JSONB,
			session_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rewards_task ON rewards(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_session ON workspace_memories(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_fts ON workspace_memories
			USING GIN (to_tsvector('english', coalesce(goal,'') || ' ' || coalesce(summary,'')))`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) normalizeStatus(raw forgeloop.Status) (forgeloop.Status, error) {
	norm, _, err := s.norm.Normalize(string(raw))
	if err != nil {
		return "", err
	}
	return norm, nil
}

// --- TaskStore ---

func (s *Store) InsertTask(ctx context.Context, t forgeloop.Task) error {
	st, err := s.normalizeStatus(t.Status)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, type, language, status, template_ver, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, string(t.Type), t.Input.Language, string(st), t.TemplateVer, payload, created)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, st forgeloop.Status, modelUsed string, latencyMs int64, errMsg string) error {
	norm, err := s.normalizeStatus(st)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE tasks SET
			status = $2,
			model_used = CASE WHEN $3 != '' THEN $3 ELSE model_used END,
			latency_ms = CASE WHEN $4 > 0 THEN $4 ELSE latency_ms END,
			error = CASE WHEN $5 != '' THEN $5 ELSE error END
		 WHERE id = $1`,
		id, string(norm), modelUsed, latencyMs, errMsg)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*forgeloop.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, type, COALESCE(language,''), status, COALESCE(model_used,''),
		        COALESCE(latency_ms,0), COALESCE(template_ver,''), payload, created_at
		 FROM tasks WHERE id = $1`, id)
	var (
		t       forgeloop.Task
		typ, st string
		lang    string
		payload []byte
		created time.Time
	)
	err := row.Scan(&t.ID, &typ, &lang, &st, &t.ModelUsed, &t.LatencyMs, &t.TemplateVer, &payload, &created)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		var full forgeloop.Task
		if json.Unmarshal(payload, &full) == nil {
			modelUsed, latency := t.ModelUsed, t.LatencyMs
			full.ID = t.ID
			full.ModelUsed = modelUsed
			full.LatencyMs = latency
			t = full
		}
	}
	t.Type = forgeloop.TaskType(typ)
	t.Status = forgeloop.Status(st)
	if t.Input.Language == "" {
		t.Input.Language = lang
	}
	t.CreatedAt = created
	return &t, nil
}

func (s *Store) InsertReward(ctx context.Context, r forgeloop.Reward) error {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rewards (id, task_id, model, success, latency_ms, human_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, r.TaskID, r.Model, r.Success, r.LatencyMs, r.HumanScore, created)
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

// --- BanditAggregator ---

func (s *Store) UpsertStat(ctx context.Context, model, featureHash string, reward float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bandit_stats (model, feature_hash, runs, reward_sum, reward_sq_sum, last_updated)
		 VALUES ($1, $2, 1, $3, $4, now())
		 ON CONFLICT (model, feature_hash) DO UPDATE SET
			runs = bandit_stats.runs + 1,
			reward_sum = bandit_stats.reward_sum + EXCLUDED.reward_sum,
			reward_sq_sum = bandit_stats.reward_sq_sum + EXCLUDED.reward_sq_sum,
			last_updated = now()`,
		model, featureHash, reward, reward*reward)
	if err != nil {
		return fmt.Errorf("upsert bandit stat: %w", err)
	}
	return nil
}

func (s *Store) StatsFor(ctx context.Context, models []string, featureHash string) (map[string]forgeloop.BanditStat, error) {
	out := make(map[string]forgeloop.BanditStat, len(models))
	if len(models) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT model, runs, reward_sum, reward_sq_sum, last_updated
		 FROM bandit_stats
		 WHERE feature_hash = $1 AND model = ANY($2)`,
		featureHash, models)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var stat forgeloop.BanditStat
		if err := rows.Scan(&stat.Model, &stat.Runs, &stat.RewardSum, &stat.RewardSqSum, &stat.LastUpdated); err != nil {
			return nil, err
		}
		stat.FeatureHash = featureHash
		out[stat.Model] = stat
	}
	return out, rows.Err()
}

func (s *Store) ListStats(ctx context.Context) ([]forgeloop.BanditStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT model, feature_hash, runs, reward_sum, reward_sq_sum, last_updated
		 FROM bandit_stats
		 ORDER BY reward_sum DESC, runs DESC, model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []forgeloop.BanditStat
	for rows.Next() {
		var stat forgeloop.BanditStat
		if err := rows.Scan(&stat.Model, &stat.FeatureHash, &stat.Runs, &stat.RewardSum, &stat.RewardSqSum, &stat.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, stat)
	}
	return out, rows.Err()
}
