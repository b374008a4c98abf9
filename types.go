// Package forgeloop defines the domain types shared by every package in
// this module: the task envelope a client submits, the in-memory candidate
// result a Worker produces, and the records persisted once a task reaches
// a terminal status.
package forgeloop

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// TaskType is the declared kind of work a task asks for.
type TaskType string

const (
	TaskCode     TaskType = "CODE"
	TaskPlan     TaskType = "PLAN"
	TaskRefactor TaskType = "REFACTOR"
	TaskTest     TaskType = "TEST"
	TaskDoc      TaskType = "DOC"
)

// Status is the canonical task status vocabulary. Anything ingested from a
// model, an HTTP body, or a DB row must be rewritten to one of these by
// status.Normalizer before it is trusted anywhere in this module.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Strategy selects how the Worker runs candidates for a task.
type Strategy string

const (
	StrategySingle       Strategy = "single"
	StrategyDuel         Strategy = "duel"
	StrategyTotBeam      Strategy = "tot_beam"
	StrategyTieredRefine Strategy = "tiered_refine"
)

// Mode is the deterministic classification a task is given before any
// model is invoked. See queue.ClassifyMode.
type Mode string

const (
	ModeChat    Mode = "chat"
	ModeDocs    Mode = "docs"
	ModePlanner Mode = "planner"
	ModeCode    Mode = "code"
	ModeClarify Mode = "clarify"
)

// RepoSpec describes the slice of a repository a task may read or write.
type RepoSpec struct {
	Path    string   `json:"path"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Constraints bounds the prompt/response shape of a task.
type Constraints struct {
	MaxTokens int    `json:"max_tokens,omitempty"`
	LatencyMs int    `json:"latency_ms,omitempty"`
	Style     string `json:"style,omitempty"`
}

// OutputContract declares what a code-mode task expects to get back.
type OutputContract struct {
	ExpectedFiles []string `json:"expected_files,omitempty"`
	PackageName   string   `json:"package_name,omitempty"`
	TestTargets   []string `json:"test_targets,omitempty"`
}

// RoutingHints lets a caller steer candidate selection for one task.
type RoutingHints struct {
	Duel                bool     `json:"duel,omitempty"`
	DuelCandidates      []string `json:"duel_candidates,omitempty"`
	Strategy            Strategy `json:"strategy,omitempty"`
	TieredModels        []string `json:"tiered_models,omitempty"`
	TieredStopOnSuccess *bool    `json:"tiered_stop_on_success,omitempty"`
	ForceDuel           bool     `json:"force_duel,omitempty"`
}

// ConversationTurn is one prior exchange injected into chat prompts.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Metadata carries session/conversation context that does not change task
// identity but does influence mode classification and memory retrieval.
type Metadata struct {
	SessionID        string             `json:"session_id,omitempty"`
	ModeHint         string             `json:"mode_hint,omitempty"`
	Conversation     []ConversationTurn `json:"conversation,omitempty"`
	MemoryContextIDs []string           `json:"memory_context_ids,omitempty"`
}

// Input is the natural-language and repository-context payload of a task.
type Input struct {
	Language    string      `json:"language,omitempty"`
	Goal        string      `json:"goal"`
	Frameworks  []string    `json:"frameworks,omitempty"`
	Repo        RepoSpec    `json:"repo"`
	Constraints Constraints `json:"constraints,omitempty"`
}

// Task is the persisted task record. Status must move
// monotonically queued -> running -> {done, error, canceled}; after a
// terminal value is reached nothing but artifact emission may mutate it.
type Task struct {
	ID             string          `json:"id"`
	Type           TaskType        `json:"type"`
	Input          Input           `json:"input"`
	OutputContract *OutputContract `json:"output_contract,omitempty"`
	RoutingHints   *RoutingHints   `json:"routing_hints,omitempty"`
	Metadata       Metadata        `json:"metadata,omitempty"`
	Status         Status          `json:"status"`
	ModelUsed      string          `json:"model_used,omitempty"`
	LatencyMs      int64           `json:"latency_ms,omitempty"`
	TemplateVer    string          `json:"template_ver,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// FeatureVector is derived from a Task and hashed to key bandit
// aggregates. RepoBucket and CtxBucket are coarse so that the bandit
// aggregate doesn't fragment across near-identical tasks.
type FeatureVector struct {
	Language     string
	RepoBucket   string // s | m | l
	TestsPresent bool
	CtxBucket    string // 4k | 8k | 16k+
}

// RepoBucket classifies a repo by include-glob count.
func RepoBucket(includeCount int) string {
	switch {
	case includeCount <= 5:
		return "s"
	case includeCount <= 25:
		return "m"
	default:
		return "l"
	}
}

// CtxBucket classifies a requested context window.
func CtxBucket(numCtx int) string {
	switch {
	case numCtx <= 4096:
		return "4k"
	case numCtx <= 8192:
		return "8k"
	default:
		return "16k+"
	}
}

// Canonical returns a stable string form of the vector, the input to the
// feature hash.
func (f FeatureVector) Canonical() string {
	return fmt.Sprintf("lang=%s|repo=%s|tests=%t|ctx=%s",
		strings.ToLower(f.Language), f.RepoBucket, f.TestsPresent, f.CtxBucket)
}

// Hash returns a stable digest of the vector's canonical form.
func (f FeatureVector) Hash() string {
	sum := sha256.Sum256([]byte(f.Canonical()))
	return hex.EncodeToString(sum[:])[:16]
}

// RewardEvent is one append-only record of a candidate's outcome.
type RewardEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	ModelID     string    `json:"model_id"`
	TaskType    string    `json:"task_type,omitempty"`
	FeatureHash string    `json:"feature_hash,omitempty"`
	Reward      float64   `json:"reward"`
	Won         bool      `json:"won"`
}

// BanditStat is the relational aggregate kept per (model, feature_hash).
type BanditStat struct {
	Model       string
	FeatureHash string
	Runs        int64
	RewardSum   float64
	RewardSqSum float64
	LastUpdated time.Time
}

// EstimateMean applies the prior-smoothed mean used by RoutingPolicy.
func (b BanditStat) EstimateMean(priorMean, priorCount float64) float64 {
	return (b.RewardSum + priorMean*priorCount) / (float64(b.Runs) + priorCount)
}

// Logs holds a size-capped tail of a validation tool's output.
type Logs struct {
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// CandidateResult is the in-memory record of one (model, prompt, run).
type CandidateResult struct {
	Model             string            `json:"model"`
	Success           bool              `json:"success"`
	LatencyMs         int64             `json:"latency_ms"`
	CompilePass       bool              `json:"compile_pass"`
	TestPass          bool              `json:"test_pass"`
	LintPass          *bool             `json:"lint_pass,omitempty"`
	SmokePass         *bool             `json:"smoke_pass,omitempty"`
	Tool              string            `json:"tool,omitempty"`
	Logs              Logs              `json:"logs"`
	ArtifactPath      string            `json:"artifact_path,omitempty"`
	Content           string            `json:"content,omitempty"`
	Files             map[string][]byte `json:"-"`
	ZipURL            string            `json:"zip_url,omitempty"`
	ZipNotes          []string          `json:"zip_notes,omitempty"`
	MissingComponents []string          `json:"missing_components,omitempty"`
	FollowUpSteps     []string          `json:"follow_up_steps,omitempty"`
	SandboxRoot       string            `json:"sandbox_root,omitempty"`
	MergeRoot         string            `json:"merge_root,omitempty"`
	PendingFinal      bool              `json:"pending_final,omitempty"`
	PromptTokens      int               `json:"prompt_tokens,omitempty"`
	CompletionTokens  int               `json:"completion_tokens,omitempty"`
	CtxLimit          int               `json:"ctx_limit,omitempty"`
	TotScore          float64           `json:"tot_score,omitempty"`
	TierHistory       []TierOutcome     `json:"tier_history,omitempty"`
	TierBestScore     float64           `json:"tier_best_score,omitempty"`
}

// TierOutcome is one tier's result inside a tiered-refine run.
type TierOutcome struct {
	Index       int     `json:"index"`
	Model       string  `json:"model"`
	CompilePass bool    `json:"compile_pass"`
	TestPass    bool    `json:"test_pass"`
	LatencyMs   int64   `json:"latency_ms"`
	Score       float64 `json:"score"`
}

// WorkspaceMemoryRecord is one persisted task summary or uploaded bundle.
type WorkspaceMemoryRecord struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id,omitempty"`
	RepoPath    string            `json:"repo_path"`
	Language    string            `json:"language,omitempty"`
	Mode        string            `json:"mode"`
	Status      Status            `json:"status"`
	Goal        string            `json:"goal"`
	Model       string            `json:"model,omitempty"`
	Summary     string            `json:"summary"`
	ArtifactRel string            `json:"artifact_rel,omitempty"`
	ZipRel      string            `json:"zip_rel,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

const (
	MaxMemorySummaryBytes = 4 * 1024
	MaxMemoryFileEntries  = 8
	MaxMemoryFileBytes    = 4 * 1024
)
