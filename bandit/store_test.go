package bandit

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/registry"
)

func TestEventLogRecordAndStats(t *testing.T) {
	log := NewEventLog(filepath.Join(t.TempDir(), "nested", "bandit.jsonl"))
	ctx := context.Background()

	events := []forgeloop.RewardEvent{
		{ModelID: "a", Reward: 1.0, Won: true},
		{ModelID: "a", Reward: 0.5},
		{ModelID: "b", Reward: 0.0},
	}
	for _, ev := range events {
		if err := log.Record(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := log.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["a"].Count != 2 || stats["a"].Sum != 1.5 || stats["a"].Avg != 0.75 {
		t.Fatalf("model a stats = %+v", stats["a"])
	}
	if stats["b"].Count != 1 || stats["b"].Sum != 0.0 {
		t.Fatalf("model b stats = %+v", stats["b"])
	}
}

func TestEventLogIgnoresMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bandit.jsonl")
	log := NewEventLog(path)
	if err := log.Record(context.Background(), forgeloop.RewardEvent{ModelID: "a", Reward: 1}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("this is not json\n\n{\"model\":\"b\",\"reward\":0.5}\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	stats, err := log.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["a"].Count != 1 || stats["b"].Count != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEventLogMissingFile(t *testing.T) {
	log := NewEventLog(filepath.Join(t.TempDir(), "absent.jsonl"))
	stats, err := log.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEventLogConcurrentAppends(t *testing.T) {
	log := NewEventLog(filepath.Join(t.TempDir(), "bandit.jsonl"))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = log.Record(context.Background(), forgeloop.RewardEvent{ModelID: "m", Reward: 0.5})
		}()
	}
	wg.Wait()
	stats, err := log.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["m"].Count != 16 {
		t.Fatalf("interleaved writes corrupted the log: %+v", stats["m"])
	}
}

func TestExtractFeatures(t *testing.T) {
	task := forgeloop.Task{
		Type: forgeloop.TaskCode,
		Input: forgeloop.Input{
			Language: "Java",
			Goal:     "implement the service and its unit tests",
			Repo:     forgeloop.RepoSpec{Include: []string{"src/**", "pom.xml"}},
			Constraints: forgeloop.Constraints{MaxTokens: 6000},
		},
	}
	fv := ExtractFeatures(task)
	if fv.Language != "java" || fv.RepoBucket != "s" || !fv.TestsPresent || fv.CtxBucket != "8k" {
		t.Fatalf("features = %+v", fv)
	}

	// Hash is stable across calls.
	if fv.Hash() != ExtractFeatures(task).Hash() {
		t.Fatal("feature hash not stable")
	}

	empty := ExtractFeatures(forgeloop.Task{})
	if empty.Language != "any" || empty.TestsPresent || empty.CtxBucket != "4k" {
		t.Fatalf("zero-task features = %+v", empty)
	}
}

// memAgg is an in-memory BanditAggregator for policy tests.
type memAgg struct {
	mu    sync.Mutex
	stats map[string]forgeloop.BanditStat
}

func newMemAgg() *memAgg { return &memAgg{stats: map[string]forgeloop.BanditStat{}} }

func (a *memAgg) key(model, fh string) string { return model + "|" + fh }

func (a *memAgg) UpsertStat(_ context.Context, model, fh string, reward float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats[a.key(model, fh)]
	s.Model, s.FeatureHash = model, fh
	s.Runs++
	s.RewardSum += reward
	s.RewardSqSum += reward * reward
	a.stats[a.key(model, fh)] = s
	return nil
}

func (a *memAgg) StatsFor(_ context.Context, models []string, fh string) (map[string]forgeloop.BanditStat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]forgeloop.BanditStat{}
	for _, m := range models {
		if s, ok := a.stats[a.key(m, fh)]; ok {
			out[m] = s
		}
	}
	return out, nil
}

func (a *memAgg) ListStats(context.Context) ([]forgeloop.BanditStat, error) { return nil, nil }

func TestPolicyGreedyOrdersByMean(t *testing.T) {
	agg := newMemAgg()
	ctx := context.Background()
	// "good" has a perfect record, "bad" a losing one, "fresh" is unseen.
	for i := 0; i < 4; i++ {
		_ = agg.UpsertStat(ctx, "good:7b", "fh", 1.0)
		_ = agg.UpsertStat(ctx, "bad:7b", "fh", 0.0)
	}

	policy := NewPolicy(agg, 0).WithRand(rand.New(rand.NewSource(1)))
	candidates := []registry.Model{
		{Name: "bad", Size: "7b", Tag: "bad:7b", SpeedRank: 1},
		{Name: "fresh", Size: "7b", Tag: "fresh:7b", SpeedRank: 2},
		{Name: "good", Size: "7b", Tag: "good:7b", SpeedRank: 3},
	}
	ranked, err := policy.Rank(ctx, candidates, "fh")
	if err != nil {
		t.Fatal(err)
	}
	// Means: good (4+0.5)/5=0.9, fresh prior 0.5, bad (0+0.5)/5=0.1.
	want := []string{"good:7b", "fresh:7b", "bad:7b"}
	for i, tag := range want {
		if ranked[i].Tag != tag {
			t.Fatalf("rank[%d] = %s, want %s (full: %v)", i, ranked[i].Tag, tag, ranked)
		}
	}
}

func TestPolicyEpsilonShuffles(t *testing.T) {
	agg := newMemAgg()
	policy := NewPolicy(agg, 1.0).WithRand(rand.New(rand.NewSource(7)))
	candidates := []registry.Model{
		{Name: "a", Tag: "a:7b", SpeedRank: 1},
		{Name: "b", Tag: "b:7b", SpeedRank: 2},
		{Name: "c", Tag: "c:7b", SpeedRank: 3},
	}
	// With epsilon 1.0 every call shuffles; across several calls we must
	// observe at least one non-identity order.
	varied := false
	for i := 0; i < 10 && !varied; i++ {
		ranked, err := policy.Rank(context.Background(), candidates, "fh")
		if err != nil {
			t.Fatal(err)
		}
		if ranked[0].Tag != "a:7b" || ranked[1].Tag != "b:7b" {
			varied = true
		}
	}
	if !varied {
		t.Fatal("epsilon=1.0 never shuffled the candidate order")
	}
}

func TestOrderForModePreferencePrimary(t *testing.T) {
	models := []registry.Model{
		{Name: "fast", Tag: "fast:7b", SpeedRank: 1},
		{Name: "preferred", Tag: "preferred:7b", SpeedRank: 9},
	}
	ordered := OrderForMode(forgeloop.ModeCode, "java", models, []string{"preferred:7b"})
	if ordered[0].Tag != "preferred:7b" {
		t.Fatalf("declared preference not primary: %v", ordered)
	}
}

func TestOrderForModeUsageFilter(t *testing.T) {
	models := []registry.Model{
		{Name: "chatty", Tag: "chatty:7b", SpeedRank: 1, Langs: []registry.LangSupport{
			{Language: "java", Usage: []string{"chat"}},
		}},
		{Name: "coder", Tag: "coder:7b", SpeedRank: 2, Langs: []registry.LangSupport{
			{Language: "java", Usage: []string{"code"}},
		}},
	}
	ordered := OrderForMode(forgeloop.ModeCode, "java", models, nil)
	if len(ordered) != 1 || ordered[0].Tag != "coder:7b" {
		t.Fatalf("usage filter failed: %v", ordered)
	}

	// When no model is compatible the full list survives.
	chatOnly := models[:1]
	ordered = OrderForMode(forgeloop.ModeDocs, "java", chatOnly, nil)
	if len(ordered) != 1 {
		t.Fatalf("incompatible-only list was emptied: %v", ordered)
	}
}
