package forgeloop

import (
	"context"
	"time"
)

// Reward is one persisted per-candidate outcome row. A duel inserts two
// of these (winner and loser); a single run inserts one.
type Reward struct {
	ID         string
	TaskID     string
	Model      string
	Success    bool
	LatencyMs  int64
	HumanScore *float64
	CreatedAt  time.Time
}

// TaskStore is the relational record of tasks and rewards.
// Implementations live in store/sqlite and store/postgres; both run every
// inbound status through status.Normalizer before it reaches a row.
type TaskStore interface {
	InsertTask(ctx context.Context, t Task) error
	// UpdateTaskStatus moves a task to status. modelUsed and latencyMs are
	// recorded when non-zero; errMsg holds a truncated traceback for
	// status=error rows.
	UpdateTaskStatus(ctx context.Context, id string, status Status, modelUsed string, latencyMs int64, errMsg string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	InsertReward(ctx context.Context, r Reward) error
}

// BanditAggregator is the relational half of the reward store: the
// per-(model, feature_hash) aggregate mutated only by upsert-increment.
type BanditAggregator interface {
	// UpsertStat applies runs+=1, reward_sum+=r, reward_sq_sum+=r² in one
	// transaction.
	UpsertStat(ctx context.Context, model, featureHash string, reward float64) error
	// StatsFor returns aggregates for the given models under one feature
	// hash. Models with no row are absent from the map.
	StatsFor(ctx context.Context, models []string, featureHash string) (map[string]BanditStat, error)
	// ListStats returns every aggregate ordered by reward_sum desc, then
	// runs desc, then model name — the UI-facing listing order.
	ListStats(ctx context.Context) ([]BanditStat, error)
}

// MemoryStore persists and retrieves workspace memory records.
type MemoryStore interface {
	InsertMemory(ctx context.Context, rec WorkspaceMemoryRecord) (string, error)
	// SearchMemories applies the filters that are non-zero. limit is
	// clamped to 1..25 by implementations.
	SearchMemories(ctx context.Context, q MemoryQuery) ([]WorkspaceMemoryRecord, error)
	GetMemory(ctx context.Context, id string) (*WorkspaceMemoryRecord, error)
	// DeleteBootstrapMemory removes any prior bootstrap row for the same
	// artifact path so UpsertBootstrap stays single-row per artifact.
	DeleteBootstrapMemory(ctx context.Context, mode, artifactRel string) error
}

// MemoryQuery is the filter set accepted by MemoryStore.SearchMemories.
type MemoryQuery struct {
	RepoPath  string
	Language  string
	Query     string
	SessionID string
	Limit     int
}
