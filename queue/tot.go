package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/registry"
)

// totPlan is one planning proposal emitted by the planning prompt.
type totPlan struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Steps   []string `json:"steps"`
}

// totAttempt summarizes one executed plan for the next planning round.
type totAttempt struct {
	Iteration   int     `json:"iteration"`
	Title       string  `json:"title"`
	Score       float64 `json:"score"`
	CompilePass bool    `json:"compile_pass"`
	TestPass    bool    `json:"test_pass"`
	LintPass    bool    `json:"lint_pass"`
	SmokePass   bool    `json:"smoke_pass"`
}

// totNode is one beam entry: the attempt history that produced it and
// its best result so far.
type totNode struct {
	history []totAttempt
	score   float64
	result  *forgeloop.CandidateResult
}

// runTotBeam explores a bounded-depth, bounded-width plan-then-execute
// search. Planning JSON that fails to parse simply drops the
// plan. Returns nil when no plan ever produced a result; the caller
// falls back to a single run.
func (q *Queue) runTotBeam(ctx context.Context, task forgeloop.Task, model registry.Model) *forgeloop.CandidateResult {
	beamWidth := clamp(q.deps.Config.Strategy.TotBeamWidth, 1, 5)
	maxDepth := clamp(q.deps.Config.Strategy.TotMaxDepth, 1, 5)
	weights := defaultTotWeights()

	baseGoal := task.Input.Goal
	frontier := []totNode{{score: negInf()}}
	var best *totNode
	attempt := 0

	for depth := 0; depth < maxDepth; depth++ {
		q.publishStatus(task.ID, fmt.Sprintf("Exploring edit plans (depth %d/%d)…", depth+1, maxDepth), "tot-planning")
		var next []totNode
		for _, node := range frontier {
			plans := q.generateTotPlans(ctx, task, model, node.history, beamWidth)
			if len(plans) == 0 {
				continue
			}
			q.publishStatus(task.ID, fmt.Sprintf("Evaluating %d plan option(s) at depth %d…", len(plans), depth+1), "tot-execute")
			for planIdx, plan := range plans {
				if ctx.Err() != nil {
					return bestResult(best)
				}
				attempt++
				goal := baseGoal
				if planText := formatPlan(plan); planText != "" {
					goal = fmt.Sprintf(
						"%s\n\nFollow this implementation plan precisely:\n%s\n\n"+
							"Only output the files that changed and avoid restating this plan.",
						baseGoal, planText)
				}
				res, err := q.runCandidate(ctx, candidateRun{
					task:   task,
					mode:   forgeloop.ModeCode,
					model:  model,
					goal:   goal,
					subdir: fmt.Sprintf("tot_%d_%d_%d", depth, planIdx, attempt),
				})
				if err != nil {
					q.log.Warn("tot candidate failed", "task_id", task.ID, "error", err)
					continue
				}
				lintPass, smokePass := runQualityChecks(ctx, res.MergeRoot, true)
				res.LintPass = &lintPass
				res.SmokePass = &smokePass
				score := totScore(res, lintPass, smokePass, weights)
				res.TotScore = score

				entry := totAttempt{
					Iteration:   len(node.history) + 1,
					Title:       planTitle(plan, planIdx),
					Score:       score,
					CompilePass: res.CompilePass,
					TestPass:    res.TestPass,
					LintPass:    lintPass,
					SmokePass:   smokePass,
				}
				child := totNode{
					history: append(append([]totAttempt{}, node.history...), entry),
					score:   score,
					result:  &res,
				}
				next = append(next, child)
				if best == nil || score > best.score {
					cp := child
					best = &cp
					q.log.Info("tot best update", "task_id", task.ID, "score", score,
						"compile_pass", res.CompilePass, "test_pass", res.TestPass,
						"lint_pass", lintPass, "smoke_pass", smokePass)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		sortNodesByScore(next)
		if len(next) > beamWidth {
			next = next[:beamWidth]
		}
		frontier = next
	}
	return bestResult(best)
}

// generateTotPlans asks the model for up to beamWidth JSON plan objects.
func (q *Queue) generateTotPlans(ctx context.Context, task forgeloop.Task, model registry.Model, history []totAttempt, beamWidth int) []totPlan {
	prompt := q.buildTotPlanPrompt(task, history, beamWidth)
	raw := q.callModelText(ctx, model, prompt, 0.15)
	if raw == "" {
		return nil
	}
	var parsed []totPlan
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		q.log.Warn("tot plan decode failed", "raw", truncateBytes(raw, 200))
		return nil
	}
	var plans []totPlan
	for _, p := range parsed {
		p.Title = strings.TrimSpace(p.Title)
		p.Summary = strings.TrimSpace(p.Summary)
		var steps []string
		for _, s := range p.Steps {
			if s = strings.TrimSpace(s); s != "" {
				steps = append(steps, s)
			}
		}
		p.Steps = steps
		if p.Title == "" && p.Summary == "" && len(p.Steps) == 0 {
			continue
		}
		plans = append(plans, p)
		if len(plans) >= beamWidth {
			break
		}
	}
	return plans
}

func (q *Queue) buildTotPlanPrompt(task forgeloop.Task, history []totAttempt, beamWidth int) string {
	language := task.Input.Language
	if language == "" {
		language = "general"
	}
	repoHints := collectIncludeHints(task, 5)
	repoSummary := "n/a"
	if len(repoHints) > 0 {
		repoSummary = strings.Join(repoHints, ", ")
	}
	return strings.TrimSpace(fmt.Sprintf(
		`You are an autonomous agent planning incremental code edits for another coding agent.
Primary goal: %s
Language: %s
Repository hints: %s
Prior attempts (JSON summary): %s

Propose up to %d new candidate edit plans.
Respond with a JSON array only (no prose). Each object must contain:
  - "title": short name
  - "summary": one-sentence strategy
  - "steps": array of 2-4 concrete edit actions (strings)
Do not include any explanations outside the JSON array.`,
		strings.TrimSpace(task.Input.Goal), language, repoSummary, historySummary(history), beamWidth))
}

// historySummary serializes the last four attempts for the planner.
func historySummary(history []totAttempt) string {
	if len(history) == 0 {
		return "[]"
	}
	trimmed := history
	if len(trimmed) > 4 {
		trimmed = trimmed[len(trimmed)-4:]
	}
	data, err := json.Marshal(trimmed)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// callModelText runs one auxiliary prompt to completion and returns the
// accumulated text, empty on any model failure.
func (q *Queue) callModelText(ctx context.Context, model registry.Model, prompt string, temperature float64) string {
	ctxSize := model.CtxSize
	if ctxSize <= 0 {
		ctxSize = 4096
	}
	var buf strings.Builder
	err := q.deps.Client.GenerateStream(ctx, model.FormatName(), prompt, forgeloop.GenerateOptions{
		NumCtx:      ctxSize,
		Temperature: temperature,
	}, func(chunk forgeloop.ModelChunk) error {
		if !chunk.Done {
			buf.WriteString(chunk.Response)
		}
		return nil
	})
	if err != nil {
		q.log.Warn("tot model call failed", "model", model.FormatName(), "error", err)
		return ""
	}
	return strings.TrimSpace(buf.String())
}

func formatPlan(p totPlan) string {
	var lines []string
	if p.Title != "" {
		lines = append(lines, p.Title)
	}
	if p.Summary != "" {
		lines = append(lines, p.Summary)
	}
	if len(p.Steps) > 0 {
		lines = append(lines, "Steps:")
		for _, s := range p.Steps {
			lines = append(lines, "- "+s)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func planTitle(p totPlan, idx int) string {
	if p.Title != "" {
		return p.Title
	}
	return fmt.Sprintf("Plan %d", idx+1)
}

func sortNodesByScore(nodes []totNode) {
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].score > nodes[j].score })
}

func bestResult(best *totNode) *forgeloop.CandidateResult {
	if best == nil {
		return nil
	}
	return best.result
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func negInf() float64 { return math.Inf(-1) }
