// Package sqlite implements forgeloop.TaskStore, forgeloop.BanditAggregator
// and forgeloop.MemoryStore using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/status"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithNormalizer sets the status normalizer every task-status write runs
// through before reaching a row. Defaults to GuardFix.
func WithNormalizer(n *status.Normalizer) StoreOption {
	return func(s *Store) { s.norm = n }
}

// Store is the relational record of tasks, rewards, bandit aggregates
// and workspace memories, backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	norm   *status.Normalizer
	logger *slog.Logger
}

var _ forgeloop.TaskStore = (*Store)(nil)
var _ forgeloop.BanditAggregator = (*Store)(nil)
var _ forgeloop.MemoryStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, norm: status.New(status.GuardFix, nil), logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			language TEXT,
			status TEXT NOT NULL,
			model_used TEXT,
			latency_ms INTEGER,
			template_ver TEXT,
			error TEXT,
			payload TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rewards (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			model TEXT NOT NULL,
			success INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			human_score REAL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bandit_stats (
			model TEXT NOT NULL,
			feature_hash TEXT NOT NULL,
			runs INTEGER NOT NULL,
			reward_sum REAL NOT NULL,
			reward_sq_sum REAL NOT NULL,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (model, feature_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_memories (
			id TEXT PRIMARY KEY,
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
			files TEXT,
			session_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rewards_task ON rewards(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_session ON workspace_memories(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created ON workspace_memories(created_at)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// normalizeStatus guards every tasks.status write.
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, language, status, template_ver, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), t.Input.Language, string(st), t.TemplateVer, string(payload), created.Unix())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	s.logger.Debug("sqlite: task inserted", "id", t.ID, "status", st)
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, st forgeloop.Status, modelUsed string, latencyMs int64, errMsg string) error {
	norm, err := s.normalizeStatus(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?,
			model_used = CASE WHEN ? != '' THEN ? ELSE model_used END,
			latency_ms = CASE WHEN ? > 0 THEN ? ELSE latency_ms END,
			error = CASE WHEN ? != '' THEN ? ELSE error END
		 WHERE id = ?`,
		string(norm), modelUsed, modelUsed, latencyMs, latencyMs, errMsg, errMsg, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	s.logger.Debug("sqlite: task status updated", "id", id, "status", norm, "model", modelUsed)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*forgeloop.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, language, status, COALESCE(model_used, ''), COALESCE(latency_ms, 0),
		        COALESCE(template_ver, ''), COALESCE(payload, ''), created_at
		 FROM tasks WHERE id = ?`, id)
	var (
		t        forgeloop.Task
		typ, st  string
		lang     string
		payload  string
		created  int64
	)
	err := row.Scan(&t.ID, &typ, &lang, &st, &t.ModelUsed, &t.LatencyMs, &t.TemplateVer, &payload, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload != "" {
		// The stored payload carries the full submitted shape; row
		// columns override the fields that mutate after submission.
		var full forgeloop.Task
		if json.Unmarshal([]byte(payload), &full) == nil {
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
	t.CreatedAt = time.Unix(created, 0)
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
	var human any
	if r.HumanScore != nil {
		human = *r.HumanScore
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rewards (id, task_id, model, success, latency_ms, human_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, r.TaskID, r.Model, boolInt(r.Success), r.LatencyMs, human, created.Unix())
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

// RewardsForTask returns all reward rows recorded for a task, oldest
// first. Used by the duel invariant tests and the stats surface.
func (s *Store) RewardsForTask(ctx context.Context, taskID string) ([]forgeloop.Reward, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, model, success, latency_ms, human_score, created_at
		 FROM rewards WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []forgeloop.Reward
	for rows.Next() {
		var (
			r       forgeloop.Reward
			success int
			human   sql.NullFloat64
			created int64
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Model, &success, &r.LatencyMs, &human, &created); err != nil {
			return nil, err
		}
		r.Success = success != 0
		if human.Valid {
			v := human.Float64
			r.HumanScore = &v
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- BanditAggregator ---

func (s *Store) UpsertStat(ctx context.Context, model, featureHash string, reward float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bandit_stats (model, feature_hash, runs, reward_sum, reward_sq_sum, last_updated)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT (model, feature_hash) DO UPDATE SET
			runs = runs + 1,
			reward_sum = reward_sum + excluded.reward_sum,
			reward_sq_sum = reward_sq_sum + excluded.reward_sq_sum,
			last_updated = excluded.last_updated`,
		model, featureHash, reward, reward*reward, time.Now().Unix())
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
	// SQLite has no array binding; one indexed lookup per model keeps
	// this simple and the candidate sets are tiny.
	for _, model := range models {
		row := s.db.QueryRowContext(ctx,
			`SELECT runs, reward_sum, reward_sq_sum, last_updated
			 FROM bandit_stats WHERE model = ? AND feature_hash = ?`, model, featureHash)
		var (
			stat    forgeloop.BanditStat
			updated int64
		)
		err := row.Scan(&stat.Runs, &stat.RewardSum, &stat.RewardSqSum, &updated)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		stat.Model = model
		stat.FeatureHash = featureHash
		stat.LastUpdated = time.Unix(updated, 0)
		out[model] = stat
	}
	return out, nil
}

func (s *Store) ListStats(ctx context.Context) ([]forgeloop.BanditStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, feature_hash, runs, reward_sum, reward_sq_sum, last_updated
		 FROM bandit_stats
		 ORDER BY reward_sum DESC, runs DESC, model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []forgeloop.BanditStat
	for rows.Next() {
		var (
			stat    forgeloop.BanditStat
			updated int64
		)
		if err := rows.Scan(&stat.Model, &stat.FeatureHash, &stat.Runs, &stat.RewardSum, &stat.RewardSqSum, &updated); err != nil {
			return nil, err
		}
		stat.LastUpdated = time.Unix(updated, 0)
		out = append(out, stat)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
