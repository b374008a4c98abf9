package queue

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/arvindsha/forgeloop"
)

// DuelConfig holds the weighted-score rule used to pick a duel winner.
type DuelConfig struct {
	RuleVersion      string  `yaml:"rule_version"`
	SuccessWeight    float64 `yaml:"success_weight"`
	TestPassWeight   float64 `yaml:"test_pass_weight"`
	LatencyPenaltyMs float64 `yaml:"latency_penalty_ms"`
	HumanScoreWeight float64 `yaml:"human_score_weight"`
}

// DefaultDuelConfig is the rule shipped when no config file overrides it.
func DefaultDuelConfig() DuelConfig {
	return DuelConfig{
		RuleVersion:      "v1",
		SuccessWeight:    1.0,
		TestPassWeight:   0.5,
		LatencyPenaltyMs: 0.001,
		HumanScoreWeight: 0.05,
	}
}

// duelConfigLoader caches the YAML rule file by modification time so an
// edit takes effect on the next duel without a restart.
type duelConfigLoader struct {
	path string

	mu    sync.Mutex
	cfg   DuelConfig
	mtime int64
}

func newDuelConfigLoader(path string) *duelConfigLoader {
	return &duelConfigLoader{path: path, cfg: DefaultDuelConfig()}
}

// Load returns the current duel rule, re-reading the file when its
// mtime moved. A missing or malformed file falls back to the defaults.
func (l *duelConfigLoader) Load() DuelConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return l.cfg
	}
	info, err := os.Stat(l.path)
	if err != nil {
		l.cfg = DefaultDuelConfig()
		l.mtime = 0
		return l.cfg
	}
	if info.ModTime().Unix() == l.mtime {
		return l.cfg
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return l.cfg
	}
	cfg := DefaultDuelConfig()
	if yaml.Unmarshal(data, &cfg) == nil {
		l.cfg = cfg
		l.mtime = info.ModTime().Unix()
	}
	return l.cfg
}

// duelScore is the weighted candidate score used to pick a duel winner.
func duelScore(r forgeloop.CandidateResult, humanScore float64, cfg DuelConfig) float64 {
	score := 0.0
	if r.Success {
		score += cfg.SuccessWeight
	}
	if r.TestPass {
		score += cfg.TestPassWeight
	}
	score -= cfg.LatencyPenaltyMs * float64(r.LatencyMs)
	score += cfg.HumanScoreWeight * humanScore
	return score
}

// TOT scoring weights. Declared alongside the duel rule; the latency
// penalty is deliberately smaller since TOT candidates compound.
type totWeights struct {
	Compile        float64
	Test           float64
	Lint           float64
	Smoke          float64
	LatencyPenalty float64
}

func defaultTotWeights() totWeights {
	return totWeights{Compile: 1.0, Test: 1.5, Lint: 0.4, Smoke: 0.4, LatencyPenalty: 0.0005}
}

// totScore weighs compile/test/lint/smoke and subtracts the latency
// penalty.
func totScore(r forgeloop.CandidateResult, lintPass, smokePass bool, w totWeights) float64 {
	score := 0.0
	if r.CompilePass {
		score += w.Compile
	}
	if r.TestPass {
		score += w.Test
	}
	if lintPass {
		score += w.Lint
	}
	if smokePass {
		score += w.Smoke
	}
	return score - float64(r.LatencyMs)*w.LatencyPenalty
}
