package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/bandit"
	"github.com/arvindsha/forgeloop/internal/config"
	"github.com/arvindsha/forgeloop/memory"
	"github.com/arvindsha/forgeloop/registry"
	"github.com/arvindsha/forgeloop/sandbox"
	"github.com/arvindsha/forgeloop/sse"
	"github.com/arvindsha/forgeloop/store/sqlite"
	"github.com/arvindsha/forgeloop/zipper"
)

// scriptedClient fakes the model host: per-model canned responses,
// optional per-model blocking, and a call counter.
type scriptedClient struct {
	mu        sync.Mutex
	responses map[string]string
	blocking  map[string]bool
	calls     atomic.Int64
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{responses: map[string]string{}, blocking: map[string]bool{}}
}

func (c *scriptedClient) Tags(context.Context) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := map[string]bool{}
	for model := range c.responses {
		tags[model] = true
	}
	for model := range c.blocking {
		tags[model] = true
	}
	return tags, nil
}

func (c *scriptedClient) Ensure(_ context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.responses[model]; ok {
		return nil
	}
	if c.blocking[model] {
		return nil
	}
	return &forgeloop.ErrModel{Phase: "pull", Model: model, Message: "not present"}
}

func (c *scriptedClient) GenerateStream(ctx context.Context, model, _ string, _ forgeloop.GenerateOptions, fn func(forgeloop.ModelChunk) error) error {
	c.calls.Add(1)
	c.mu.Lock()
	blocking := c.blocking[model]
	response := c.responses[model]
	c.mu.Unlock()
	if blocking {
		if err := fn(forgeloop.ModelChunk{Response: "thinking"}); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if response == "" {
		return &forgeloop.ErrModel{Phase: "generate", Model: model, Message: "no script"}
	}
	for _, piece := range splitChunks(response, 16) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(forgeloop.ModelChunk{Response: piece}); err != nil {
			return err
		}
	}
	return fn(forgeloop.ModelChunk{Done: true, PromptEvalCount: 10, EvalCount: 20})
}

func splitChunks(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

type testEnv struct {
	queue  *Queue
	store  *sqlite.Store
	hub    *sse.Hub
	client *scriptedClient
	cfg    config.Config
}

func newTestEnv(t *testing.T, modelsYAML string) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Workspace.Root = filepath.Join(root, "workspace")
	cfg.Workspace.ArtifactsDir = filepath.Join(root, "artifacts")
	cfg.Workspace.ZipDir = filepath.Join(root, "zips")
	cfg.Bandit.StorePath = filepath.Join(root, "bandit.jsonl")
	cfg.Strategy.CandidateTimeoutSec = 5
	cfg.Strategy.DuelTimeoutSec = 10
	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		t.Fatal(err)
	}

	store := sqlite.New(filepath.Join(root, "test.db"))
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	fs, err := sandbox.NewFS(cfg.Workspace.Root)
	if err != nil {
		t.Fatal(err)
	}

	client := newScriptedClient()
	regPath := filepath.Join(root, "models.yaml")
	if err := os.WriteFile(regPath, []byte(modelsYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(regPath, client, registry.WithVRAMProbe(func() float64 { return 0 }))
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	hub := sse.NewHub()
	q := New(Deps{
		Hub:      hub,
		Store:    store,
		Agg:      store,
		Events:   bandit.NewEventLog(cfg.Bandit.StorePath),
		Policy:   bandit.NewPolicy(store, 0),
		Registry: reg,
		Client:   client,
		FS:       fs,
		Zipper: zipper.New(cfg.Workspace.ZipDir, cfg.Zip.MaxFiles, cfg.Zip.MaxBytes,
			cfg.Zip.MaxFileBytes, cfg.Zip.SkipSegments, cfg.Zip.SkipSuffixes),
		Memory: memory.New(store, fs, true, nil),
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	return &testEnv{queue: q, store: store, hub: hub, client: client, cfg: cfg}
}

const twoModelYAML = `
models:
  - name: alpha
    size: 7b
    tag: alpha:7b
    ctx_size: 8192
    speed_rank: 1
  - name: beta
    size: 7b
    tag: beta:7b
    ctx_size: 8192
    speed_rank: 2
`

// collectFrames gathers frames from sub until the task-terminal one or
// the deadline. The subscription must be attached before submit.
func collectFrames(sub *sse.Subscription, deadline time.Duration) []map[string]any {
	var frames []map[string]any
	timeout := time.After(deadline)
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return frames
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(msg), &payload); err != nil {
				continue
			}
			frames = append(frames, payload)
			if _, isCandidate := payload["phase"]; isCandidate {
				continue
			}
			switch payload["status"] {
			case "done", "error", "canceled":
				return frames
			}
		case <-timeout:
			return frames
		}
	}
}

func terminalFrame(frames []map[string]any) map[string]any {
	return frames[len(frames)-1]
}

func TestSingleCodeTaskSucceeds(t *testing.T) {
	env := newTestEnv(t, twoModelYAML)
	env.client.responses["alpha:7b"] = "File: app/parser.py\n```python\ndef parse(x):\n    return x\n```\n"

	task := forgeloop.Task{
		ID:   "task-single",
		Type: forgeloop.TaskCode,
		Input: forgeloop.Input{
			Language: "python",
			Goal:     "implement the parser module",
		},
		OutputContract: &forgeloop.OutputContract{ExpectedFiles: []string{"app/parser.py"}},
		Status:         forgeloop.StatusQueued,
	}
	ctx := context.Background()
	if err := env.store.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	sub := env.hub.Subscribe(task.ID)
	defer sub.Cancel()

	env.queue.Start(ctx)
	if err := env.queue.Submit(task); err != nil {
		t.Fatal(err)
	}
	frames := collectFrames(sub, 10*time.Second)
	if len(frames) == 0 {
		t.Fatal("no frames received")
	}

	final := terminalFrame(frames)
	if final["status"] != "done" || final["model"] != "alpha:7b" {
		t.Fatalf("terminal frame = %v", final)
	}
	if final["compile_pass"] != true {
		t.Fatalf("compile_pass = %v", final["compile_pass"])
	}
	if env.client.calls.Load() != 1 {
		t.Fatalf("candidate runs = %d, want exactly 1", env.client.calls.Load())
	}

	row, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != forgeloop.StatusDone || row.ModelUsed != "alpha:7b" {
		t.Fatalf("row = %+v", row)
	}

	rewards, err := env.store.RewardsForTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rewards) != 1 {
		t.Fatalf("reward rows = %d", len(rewards))
	}
	stats, err := env.store.StatsFor(ctx, []string{"alpha:7b"}, bandit.ExtractFeatures(task).Hash())
	if err != nil {
		t.Fatal(err)
	}
	// Non-Java code: compile_pass from non-empty content, no tests.
	if stats["alpha:7b"].Runs != 1 || stats["alpha:7b"].RewardSum != 0.5 {
		t.Fatalf("bandit stat = %+v", stats["alpha:7b"])
	}

	if _, err := os.Stat(filepath.Join(env.cfg.Workspace.ZipDir, task.ID+".zip")); err != nil {
		t.Fatal("zip missing")
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Workspace.ArtifactsDir, task.ID, "result.json")); err != nil {
		t.Fatal("result.json missing")
	}
}

func TestClarifyModeInvokesNoModel(t *testing.T) {
	env := newTestEnv(t, twoModelYAML)
	task := forgeloop.Task{
		ID:     "task-clarify",
		Type:   forgeloop.TaskCode,
		Input:  forgeloop.Input{Goal: "please implement and explain the algorithm step-by-step"},
		Status: forgeloop.StatusQueued,
	}
	ctx := context.Background()
	if err := env.store.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	sub := env.hub.Subscribe(task.ID)
	defer sub.Cancel()

	env.queue.Start(ctx)
	if err := env.queue.Submit(task); err != nil {
		t.Fatal(err)
	}
	frames := collectFrames(sub, 5*time.Second)
	if len(frames) == 0 {
		t.Fatal("no frames received")
	}

	final := terminalFrame(frames)
	if final["status"] != "done" || final["mode"] != "clarify" || final["model"] != "router-clarify" {
		t.Fatalf("terminal frame = %v", final)
	}
	if body, _ := final["content"].(string); body == "" {
		t.Fatal("clarify frame carries no question body")
	}
	if env.client.calls.Load() != 0 {
		t.Fatalf("model invoked %d times for clarify", env.client.calls.Load())
	}
}

func TestDuelWithFailingCandidate(t *testing.T) {
	env := newTestEnv(t, twoModelYAML)
	env.client.responses["beta:7b"] = "File: app/api.py\n```python\ndef handler():\n    return 'ok'\n```\n"
	// alpha has no script: its candidate fails with an ollama error.

	task := forgeloop.Task{
		ID:   "task-duel",
		Type: forgeloop.TaskCode,
		Input: forgeloop.Input{
			Language: "python",
			Goal:     "implement the api module",
		},
		OutputContract: &forgeloop.OutputContract{ExpectedFiles: []string{"app/api.py"}},
		RoutingHints:   &forgeloop.RoutingHints{Duel: true, DuelCandidates: []string{"alpha:7b", "beta:7b"}},
		Status:         forgeloop.StatusQueued,
	}
	ctx := context.Background()
	if err := env.store.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	sub := env.hub.Subscribe(task.ID)
	defer sub.Cancel()

	env.queue.Start(ctx)
	if err := env.queue.Submit(task); err != nil {
		t.Fatal(err)
	}
	frames := collectFrames(sub, 15*time.Second)
	if len(frames) == 0 {
		t.Fatal("no frames received")
	}

	final := terminalFrame(frames)
	if final["status"] != "done" || final["winner"] != "beta:7b" {
		t.Fatalf("terminal frame = %v", final)
	}

	// Both candidate frames precede the terminal winner frame.
	var candidateDone int
	for _, f := range frames[:len(frames)-1] {
		if f["phase"] == "duel" && f["status"] == "done" {
			candidateDone++
		}
	}
	if candidateDone != 2 {
		t.Fatalf("candidate result frames = %d, want 2", candidateDone)
	}

	rewards, err := env.store.RewardsForTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rewards) != 2 {
		t.Fatalf("duel reward rows = %d, want exactly 2", len(rewards))
	}
	stats, err := env.store.StatsFor(ctx, []string{"alpha:7b", "beta:7b"}, bandit.ExtractFeatures(task).Hash())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("duel bandit updates = %d, want 2", len(stats))
	}
}

func TestCancellation(t *testing.T) {
	env := newTestEnv(t, twoModelYAML)
	env.client.blocking["alpha:7b"] = true

	task := forgeloop.Task{
		ID:   "task-cancel",
		Type: forgeloop.TaskCode,
		Input: forgeloop.Input{
			Language: "python",
			Goal:     "implement the long-running worker module",
		},
		Status: forgeloop.StatusQueued,
	}
	ctx := context.Background()
	if err := env.store.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	sub := env.hub.Subscribe(task.ID)
	defer sub.Cancel()

	env.queue.Start(ctx)
	if err := env.queue.Submit(task); err != nil {
		t.Fatal(err)
	}

	// Wait for the running frame, then cancel mid-stream.
	waitForFrame(t, sub, func(p map[string]any) bool { return p["status"] == "running" })
	env.queue.Cancel(ctx, task.ID)

	waitForFrame(t, sub, func(p map[string]any) bool { return p["status"] == "canceled" })

	deadline := time.Now().Add(2 * time.Second)
	for {
		row, err := env.store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if row.Status == forgeloop.StatusCanceled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %q, want canceled", row.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rewards, err := env.store.RewardsForTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rewards) != 0 {
		t.Fatalf("canceled task wrote %d reward rows", len(rewards))
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Workspace.ArtifactsDir, task.ID)); !os.IsNotExist(err) {
		t.Fatal("canceled task wrote artifacts")
	}
}

func waitForFrame(t *testing.T, sub *sse.Subscription, match func(map[string]any) bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				t.Fatal("subscription closed before expected frame")
			}
			var payload map[string]any
			if json.Unmarshal([]byte(msg), &payload) != nil {
				continue
			}
			if match(payload) {
				return
			}
		case <-timeout:
			t.Fatal("expected frame never arrived")
		}
	}
}

func TestCandidateTimeoutSynthesizesFailure(t *testing.T) {
	env := newTestEnv(t, twoModelYAML)
	env.client.blocking["alpha:7b"] = true
	env.queue.deps.Config.Strategy.CandidateTimeoutSec = 1

	task := forgeloop.Task{
		ID:    "task-timeout",
		Type:  forgeloop.TaskCode,
		Input: forgeloop.Input{Language: "python", Goal: "implement the slow module"},
	}
	res, err := env.queue.runCandidate(context.Background(), candidateRun{
		task:  task,
		mode:  forgeloop.ModeCode,
		model: registry.Model{Name: "alpha", Tag: "alpha:7b", CtxSize: 8192},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Tool != "timeout" || res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.LatencyMs != 1000 {
		t.Fatalf("latency = %d, want CANDIDATE_TIMEOUT_SEC*1000", res.LatencyMs)
	}
}

func TestStrategySingleGoalPreserved(t *testing.T) {
	// Goal text flows through to the prompt builder untouched when no
	// strategy rewrites it.
	task := forgeloop.Task{Input: forgeloop.Input{Goal: "implement the thing"}}
	if got := ClassifyMode(task); got != forgeloop.ModeCode {
		t.Fatalf("mode = %v", got)
	}
	prompt := buildPrompt(task, forgeloop.ModeCode, promptContext{})
	if !strings.Contains(prompt, "implement the thing") {
		t.Fatal("goal lost in prompt")
	}
}
