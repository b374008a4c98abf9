package queue

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/registry"
)

// resolveTieredModels maps the declared tier identifiers (tags, names,
// or name prefixes) onto the ordered candidate list. Without a
// declaration, the top three ordered models become one tier each.
func resolveTieredModels(task forgeloop.Task, ordered []registry.Model) [][]registry.Model {
	var spec []string
	if task.RoutingHints != nil {
		spec = task.RoutingHints.TieredModels
	}
	used := map[string]bool{}
	var tiers [][]registry.Model
	for _, ident := range spec {
		ident = strings.ToLower(strings.TrimSpace(ident))
		if ident == "" {
			continue
		}
		var bucket []registry.Model
		for _, m := range ordered {
			tag := strings.ToLower(m.FormatName())
			name := strings.ToLower(m.Name)
			short, _, _ := strings.Cut(tag, ":")
			if ident == tag || ident == name || ident == short {
				if used[tag] {
					break
				}
				bucket = append(bucket, m)
				used[tag] = true
				break
			}
		}
		if len(bucket) > 0 {
			tiers = append(tiers, bucket)
		}
	}
	if len(tiers) > 0 {
		return tiers
	}
	for _, m := range ordered {
		tag := strings.ToLower(m.FormatName())
		if tag == "" || used[tag] {
			continue
		}
		tiers = append(tiers, []registry.Model{m})
		used[tag] = true
		if len(tiers) >= 3 {
			break
		}
	}
	return tiers
}

// summarizeTierResult renders the prior tier's outcome for the next
// tier's refinement instruction.
func summarizeTierResult(res forgeloop.CandidateResult) string {
	var bits []string
	bits = append(bits, "compile "+passMark(res.CompilePass))
	bits = append(bits, "tests "+passMark(res.TestPass))
	if res.LintPass != nil && *res.LintPass {
		bits = append(bits, "lint pass")
	}
	if res.SmokePass != nil && *res.SmokePass {
		bits = append(bits, "smoke pass")
	}
	lines := []string{"Status: " + strings.Join(bits, ", ")}
	if res.ArtifactPath != "" {
		lines = append(lines, "Primary artifact: "+res.ArtifactPath)
	}
	if len(res.FollowUpSteps) > 0 {
		preview := res.FollowUpSteps
		if len(preview) > 3 {
			preview = preview[:3]
		}
		lines = append(lines, "Follow-up suggestions: "+strings.Join(preview, "; "))
	}
	if content := strings.TrimSpace(res.Content); content != "" {
		snippet := strings.Join(strings.Fields(content), " ")
		if len(snippet) > 220 {
			snippet = snippet[:217] + "…"
		}
		lines = append(lines, "Content preview: "+snippet)
	}
	return strings.Join(lines, "\n")
}

func passMark(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

// augmentGoalForTier rewrites the goal so tier N+1 refines tier N's
// output instead of starting over.
func augmentGoalForTier(baseGoal string, tierIndex int, priorLabel, summary string) string {
	lines := []string{
		strings.TrimSpace(baseGoal),
		"",
		fmt.Sprintf("Refine and improve the existing implementation produced in tier %d (%s).", tierIndex, priorLabel),
	}
	if strings.TrimSpace(summary) != "" {
		lines = append(lines, "Summary of prior result:", strings.TrimSpace(summary))
	}
	lines = append(lines, "Preserve working code, address gaps, and elevate quality and tests.")
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// runTieredRefine runs the declared tier sequence: tier 1 generates,
// each later tier receives a summary of the best result so far and an
// instruction to improve it. Stops early when a tier's tests pass,
// unless stop-on-success is disabled.
func (q *Queue) runTieredRefine(ctx context.Context, task forgeloop.Task, ordered []registry.Model) *forgeloop.CandidateResult {
	tiers := resolveTieredModels(task, ordered)
	if len(tiers) == 0 {
		return nil
	}
	baseGoal := task.Input.Goal
	stopOnSuccess := true
	if task.RoutingHints != nil && task.RoutingHints.TieredStopOnSuccess != nil {
		stopOnSuccess = *task.RoutingHints.TieredStopOnSuccess
	}
	weights := defaultTotWeights()

	var history []forgeloop.TierOutcome
	var best *forgeloop.CandidateResult
	bestScore := negInf()

	for idx, tier := range tiers {
		if len(tier) == 0 || ctx.Err() != nil {
			break
		}
		candidate := tier[0]
		label := candidate.FormatName()
		q.publishStatus(task.ID, fmt.Sprintf("Tier %d: generating with %s…", idx+1, label), "tiered-generating")

		goal := baseGoal
		if idx > 0 && best != nil {
			goal = augmentGoalForTier(baseGoal, idx, bestModel(best, label), summarizeTierResult(*best))
		}
		res, err := q.runCandidate(ctx, candidateRun{
			task:   task,
			mode:   forgeloop.ModeCode,
			model:  candidate,
			goal:   goal,
			subdir: fmt.Sprintf("tier%d", idx+1),
		})
		if err != nil {
			q.log.Warn("tier candidate failed", "task_id", task.ID, "tier", idx+1, "error", err)
			break
		}
		reward := candidateReward(res)
		q.recordEvent(ctx, forgeloop.RewardEvent{
			ModelID:  res.Model,
			TaskType: "tiered",
			Reward:   reward,
		})
		score := totScore(res, boolDeref(res.LintPass), boolDeref(res.SmokePass), weights)

		entry := forgeloop.TierOutcome{
			Index:       idx,
			Model:       res.Model,
			CompilePass: res.CompilePass,
			TestPass:    res.TestPass,
			LatencyMs:   res.LatencyMs,
			Score:       score,
		}
		history = append(history, entry)
		q.publish(task.ID, map[string]any{
			"status":       string(forgeloop.StatusRunning),
			"stage":        "tiered-result",
			"tier_index":   idx,
			"tier_label":   label,
			"model":        res.Model,
			"compile_pass": res.CompilePass,
			"test_pass":    res.TestPass,
			"score":        roundThousandth(score),
		})

		if best == nil || score > bestScore {
			cp := res
			best = &cp
			bestScore = score
		}
		if stopOnSuccess && res.TestPass {
			break
		}
	}
	if best != nil {
		best.TierHistory = history
		best.TierBestScore = bestScore
	}
	return best
}

func bestModel(res *forgeloop.CandidateResult, fallback string) string {
	if res != nil && res.Model != "" {
		return res.Model
	}
	return fallback
}

func boolDeref(b *bool) bool { return b != nil && *b }

func roundThousandth(v float64) float64 {
	return math.Round(v*1000) / 1000
}
