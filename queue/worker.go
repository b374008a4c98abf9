package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/bandit"
	"github.com/arvindsha/forgeloop/registry"
)

// clarifyModel is the pseudo-model recorded for tasks answered without
// invoking any model.
const clarifyModel = "router-clarify"

// runTask drives one task's lifecycle: classification, routing,
// candidate runs, persistence, artifact emission and the terminal frame.
func (q *Queue) runTask(ctx context.Context, task forgeloop.Task) error {
	taskID := task.ID
	mode := ClassifyMode(task)
	q.log.Info("job start", "task_id", taskID, "mode", mode,
		"memory_count", len(task.Metadata.MemoryContextIDs),
		"has_repo", task.Input.Repo.Path != "")

	if err := q.deps.Store.UpdateTaskStatus(ctx, taskID, forgeloop.StatusRunning, "", 0, ""); err != nil {
		return err
	}
	q.publish(taskID, map[string]any{"status": string(forgeloop.StatusRunning), "mode": string(mode)})
	q.publishStatus(taskID, "Thinking through your request…", "thinking")

	if mode == forgeloop.ModeClarify {
		return q.finishClarify(ctx, task)
	}

	features := bandit.ExtractFeatures(task)
	fhash := features.Hash()
	language := strings.ToLower(task.Input.Language)

	// Duel resolution order: duel config,
	// then mode suppression, then force-duel (itself suppressed only for
	// chat). Force-duel therefore re-enables the duel for docs/planner.
	isDuel := false
	if task.RoutingHints != nil {
		isDuel = task.RoutingHints.Duel || len(task.RoutingHints.DuelCandidates) > 0
	}
	if mode == forgeloop.ModeChat || mode == forgeloop.ModeDocs || mode == forgeloop.ModePlanner {
		isDuel = false
	}
	forceDuel := q.deps.Config.Strategy.ForceDuel
	if task.RoutingHints != nil && task.RoutingHints.ForceDuel {
		forceDuel = true
	}
	if mode == forgeloop.ModeChat {
		forceDuel = false
	}
	if forceDuel {
		isDuel = true
	}

	langHint := language
	switch mode {
	case forgeloop.ModeChat:
		langHint = ""
	case forgeloop.ModeDocs:
		langHint = "docs"
	case forgeloop.ModePlanner:
		langHint = "planner"
	}

	available, err := q.deps.Registry.AvailableModels(ctx, langHint)
	if err != nil {
		return err
	}
	ordered := bandit.OrderForMode(mode, language, available, q.deps.Registry.ModeDefaults(mode, language))
	if len(ordered) == 0 {
		return errors.New("no available models")
	}

	if !isDuel {
		return q.runSingle(ctx, task, mode, ordered, fhash)
	}
	return q.runDuel(ctx, task, mode, ordered, fhash)
}

// finishClarify emits the fixed clarification without any model call.
func (q *Queue) finishClarify(ctx context.Context, task forgeloop.Task) error {
	question := ClarifyMessage(task)
	q.writeArtifact(task.ID, map[string]any{
		"status":  string(forgeloop.StatusDone),
		"mode":    string(forgeloop.ModeClarify),
		"model":   clarifyModel,
		"content": question,
	})
	if err := q.deps.Store.UpdateTaskStatus(ctx, task.ID, forgeloop.StatusDone, clarifyModel, 0, ""); err != nil {
		q.log.Warn("clarify status update failed", "task_id", task.ID, "error", err)
	}
	q.publish(task.ID, map[string]any{
		"status":  string(forgeloop.StatusDone),
		"mode":    string(forgeloop.ModeClarify),
		"message": question,
		"content": question,
		"model":   clarifyModel,
	})
	return nil
}

// runSingle executes the non-duel path, including the opt-in
// tree-of-thought and tiered-refine strategies for code mode.
func (q *Queue) runSingle(ctx context.Context, task forgeloop.Task, mode forgeloop.Mode, ordered []registry.Model, fhash string) error {
	ranked, err := q.deps.Policy.Rank(ctx, ordered, fhash)
	if err != nil {
		return err
	}
	if len(ranked) == 0 {
		return errors.New("no available models")
	}

	strategy := forgeloop.StrategySingle
	if task.RoutingHints != nil && task.RoutingHints.Strategy != "" {
		strategy = task.RoutingHints.Strategy
	}

	var res *forgeloop.CandidateResult
	resultMode := "single"

	if strategy == forgeloop.StrategyTieredRefine && mode == forgeloop.ModeCode {
		if tiered := q.runTieredRefine(ctx, task, ranked); tiered != nil {
			res = tiered
			resultMode = "tiered"
		} else {
			q.log.Info("tiered refine produced nothing, falling back", "task_id", task.ID)
		}
	}
	if res == nil {
		top := ranked[0]
		if strategy == forgeloop.StrategyTotBeam && mode == forgeloop.ModeCode {
			q.publishStatus(task.ID, fmt.Sprintf("Searching tree of edits with %s…", top.FormatName()), "tot-search")
			if tot := q.runTotBeam(ctx, task, top); tot != nil {
				res = tot
				resultMode = "tot"
			}
		}
		if res == nil {
			q.publishStatus(task.ID, fmt.Sprintf("Generating answer with %s…", top.FormatName()), "generating")
			single, err := q.runCandidate(ctx, candidateRun{task: task, mode: mode, model: top})
			if err != nil {
				return err
			}
			res = &single
		}
	}
	if res == nil {
		return errors.New("strategy execution returned no result")
	}
	return q.finishSingle(ctx, task, mode, *res, fhash, resultMode)
}

// finishSingle persists the outcome of a one-winner run: reward event,
// task row, bandit aggregate, artifacts, terminal frame, memory record.
func (q *Queue) finishSingle(ctx context.Context, task forgeloop.Task, mode forgeloop.Mode, res forgeloop.CandidateResult, fhash, resultMode string) error {
	reward := candidateReward(res)
	q.recordEvent(ctx, forgeloop.RewardEvent{
		ModelID:     orUnknown(res.Model),
		TaskType:    resultMode,
		FeatureHash: fhash,
		Reward:      reward,
		Won:         true,
	})
	if err := q.deps.Store.UpdateTaskStatus(ctx, task.ID, forgeloop.StatusDone, res.Model, res.LatencyMs, ""); err != nil {
		return err
	}
	if err := q.deps.Store.InsertReward(ctx, forgeloop.Reward{
		TaskID:    task.ID,
		Model:     orUnknown(res.Model),
		Success:   res.Success,
		LatencyMs: res.LatencyMs,
	}); err != nil {
		q.log.Warn("reward insert failed", "task_id", task.ID, "error", err)
	}
	if err := q.deps.Agg.UpsertStat(ctx, orUnknown(res.Model), fhash, reward); err != nil {
		q.log.Warn("bandit upsert failed", "task_id", task.ID, "error", err)
	}

	payload := resultPayload(res, resultMode)
	q.writeArtifact(task.ID, payload)
	q.publish(task.ID, payload)

	if q.deps.Memory != nil {
		q.deps.Memory.RecordCompletion(ctx, task, mode, res, forgeloop.StatusDone)
	}
	return nil
}

// runDuel executes two candidates concurrently under the duel timeout
// and selects a winner by the weighted score.
func (q *Queue) runDuel(ctx context.Context, task forgeloop.Task, mode forgeloop.Mode, ordered []registry.Model, fhash string) error {
	candidates := ordered
	if task.RoutingHints != nil && len(task.RoutingHints.DuelCandidates) > 0 {
		byName := make(map[string]registry.Model, len(ordered))
		for _, m := range ordered {
			byName[m.FormatName()] = m
		}
		var named []registry.Model
		for _, name := range task.RoutingHints.DuelCandidates {
			if m, ok := byName[name]; ok {
				named = append(named, m)
			}
		}
		if len(named) > 0 {
			candidates = named
		}
	}
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}
	ranked, err := q.deps.Policy.Rank(ctx, candidates, fhash)
	if err != nil {
		return err
	}
	if len(ranked) < 2 {
		// Not enough distinct models for a duel; degrade to single.
		q.log.Info("duel fallback to single", "task_id", task.ID, "candidates", len(ranked))
		if len(ranked) == 0 {
			ranked = ordered
		}
		return q.runSingle(ctx, task, mode, ranked, fhash)
	}

	aModel, bModel := ranked[0], ranked[1]
	aName, bName := aModel.FormatName(), bModel.FormatName()
	for _, name := range []string{aName, bName} {
		q.publish(task.ID, map[string]any{
			"phase": "duel", "candidate": name,
			"status":  string(forgeloop.StatusRunning),
			"message": fmt.Sprintf("Pairing with %s…", name),
		})
	}
	q.publishStatus(task.ID, "Generating duel candidates…", "generating")

	duelCtx, cancel := context.WithTimeout(ctx, q.deps.Config.DuelTimeout())
	defer cancel()

	results := make([]forgeloop.CandidateResult, 2)
	errs := make([]error, 2)
	panics := make([]any, 2)
	var wg sync.WaitGroup
	for i, m := range []registry.Model{aModel, bModel} {
		wg.Add(1)
		go func(i int, m registry.Model) {
			defer wg.Done()
			// Hand a candidate panic back to the task goroutine, where
			// process recovers it.
			defer func() { panics[i] = recover() }()
			results[i], errs[i] = q.runCandidate(duelCtx, candidateRun{task: task, mode: mode, model: m})
		}(i, m)
	}
	wg.Wait()
	for _, p := range panics {
		if p != nil {
			panic(p)
		}
	}

	duelTimedOut := errors.Is(duelCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	for i, name := range []string{aName, bName} {
		if errs[i] == nil {
			continue
		}
		if errors.Is(errs[i], context.Canceled) && !duelTimedOut {
			return errs[i]
		}
		var escape *forgeloop.ErrSandboxEscape
		if errors.As(errs[i], &escape) {
			return errs[i]
		}
		results[i] = forgeloop.CandidateResult{
			Model:     name,
			Success:   false,
			LatencyMs: q.deps.Config.DuelTimeout().Milliseconds(),
			Tool:      "timeout",
			Logs:      forgeloop.Logs{StderrTail: "duel timed out"},
		}
	}
	aRes, bRes := results[0], results[1]

	q.publishStatus(task.ID, fmt.Sprintf("Comparing %s vs %s…", aName, bName), "evaluating")
	for _, r := range []forgeloop.CandidateResult{aRes, bRes} {
		q.publish(task.ID, map[string]any{
			"phase": "duel", "candidate": r.Model,
			"status": string(forgeloop.StatusDone),
			"metrics": map[string]any{
				"success": r.Success, "latency_ms": r.LatencyMs,
				"compile_pass": r.CompilePass, "test_pass": r.TestPass,
			},
			"tool": r.Tool, "artifact": r.ArtifactPath, "logs": r.Logs,
			"content": r.Content, "zip_url": r.ZipURL, "zip_notes": r.ZipNotes,
			"pending_final": r.PendingFinal,
		})
	}

	cfg := q.duelCfg.Load()
	winner, loser := aRes, bRes
	if duelScore(bRes, 0, cfg) > duelScore(aRes, 0, cfg) {
		winner, loser = bRes, aRes
	}

	rewardW := candidateReward(winner)
	rewardL := candidateReward(loser)
	q.recordEvent(ctx, forgeloop.RewardEvent{
		ModelID: orUnknown(winner.Model), TaskType: "duel", FeatureHash: fhash,
		Reward: rewardW, Won: true,
	})
	q.recordEvent(ctx, forgeloop.RewardEvent{
		ModelID: orUnknown(loser.Model), TaskType: "duel", FeatureHash: fhash,
		Reward: rewardL, Won: false,
	})

	latency := minInt64(aRes.LatencyMs, bRes.LatencyMs)
	if err := q.deps.Store.UpdateTaskStatus(ctx, task.ID, forgeloop.StatusDone, winner.Model, latency, ""); err != nil {
		return err
	}
	for _, r := range []forgeloop.CandidateResult{winner, loser} {
		if err := q.deps.Store.InsertReward(ctx, forgeloop.Reward{
			TaskID:    task.ID,
			Model:     orUnknown(r.Model),
			Success:   r.Success,
			LatencyMs: r.LatencyMs,
		}); err != nil {
			q.log.Warn("duel reward insert failed", "task_id", task.ID, "error", err)
		}
	}
	if err := q.deps.Agg.UpsertStat(ctx, orUnknown(winner.Model), fhash, rewardW); err != nil {
		q.log.Warn("bandit upsert failed", "task_id", task.ID, "error", err)
	}
	if err := q.deps.Agg.UpsertStat(ctx, orUnknown(loser.Model), fhash, rewardL); err != nil {
		q.log.Warn("bandit upsert failed", "task_id", task.ID, "error", err)
	}

	winnerHasFinal := strings.TrimSpace(winner.Content) != "" || winner.ZipURL != "" || winner.ArtifactPath != ""
	payload := map[string]any{
		"status":       string(forgeloop.StatusDone),
		"mode":         "duel",
		"winner":       winner.Model,
		"loser":        loser.Model,
		"rule_version": cfg.RuleVersion,
		"winner_metrics": map[string]any{
			"success": winner.Success, "latency_ms": winner.LatencyMs,
			"compile_pass": winner.CompilePass, "test_pass": winner.TestPass, "tool": winner.Tool,
		},
		"loser_metrics": map[string]any{
			"success": loser.Success, "latency_ms": loser.LatencyMs,
			"compile_pass": loser.CompilePass, "test_pass": loser.TestPass, "tool": loser.Tool,
		},
		"content":        winner.Content,
		"zip_url":        winner.ZipURL,
		"zip_notes":      winner.ZipNotes,
		"follow_up_steps": winner.FollowUpSteps,
		"pending_final":  !winnerHasFinal,
	}
	q.writeArtifact(task.ID, payload)
	q.publish(task.ID, payload)

	if q.deps.Memory != nil {
		q.deps.Memory.RecordCompletion(ctx, task, mode, winner, forgeloop.StatusDone)
	}
	return nil
}

// resultPayload shapes the shared terminal frame / result.json body for
// single, TOT and tiered outcomes.
func resultPayload(res forgeloop.CandidateResult, resultMode string) map[string]any {
	payload := map[string]any{
		"status":          string(forgeloop.StatusDone),
		"mode":            resultMode,
		"model":           res.Model,
		"latency_ms":      res.LatencyMs,
		"compile_pass":    res.CompilePass,
		"test_pass":       res.TestPass,
		"tool":            res.Tool,
		"artifact":        res.ArtifactPath,
		"logs":            res.Logs,
		"content":         res.Content,
		"zip_url":         res.ZipURL,
		"zip_notes":       res.ZipNotes,
		"follow_up_steps": res.FollowUpSteps,
		"pending_final":   res.PendingFinal,
	}
	if res.LintPass != nil {
		payload["lint_pass"] = *res.LintPass
	}
	if res.SmokePass != nil {
		payload["smoke_pass"] = *res.SmokePass
	}
	if res.PromptTokens > 0 {
		payload["prompt_tokens"] = res.PromptTokens
	}
	if res.CompletionTokens > 0 {
		payload["completion_tokens"] = res.CompletionTokens
	}
	if res.CtxLimit > 0 {
		payload["ctx_limit"] = res.CtxLimit
	}
	if len(res.TierHistory) > 0 {
		payload["tier_history"] = res.TierHistory
		payload["tier_best_score"] = res.TierBestScore
	}
	return payload
}

func orUnknown(model string) string {
	if model == "" {
		return "unknown"
	}
	return model
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
