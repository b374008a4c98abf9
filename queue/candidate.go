package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/internal/javatool"
	"github.com/arvindsha/forgeloop/registry"
)

// candidateRun parameterizes one (model, prompt, run) invocation.
type candidateRun struct {
	task       forgeloop.Task
	mode       forgeloop.Mode
	model      registry.Model
	// goal overrides the task goal for strategy variants (TOT plans,
	// tiered refinement); empty means the task's own goal.
	goal string
	// subdir appends a per-attempt suffix under the candidate sandbox
	// (tot_…/tier…), keeping strategy attempts isolated from each other.
	subdir string
}

// runCandidate executes one candidate under the per-candidate wall-clock
// budget. On expiry it returns a synthetic failure record with
// tool=timeout rather than an error; the error return
// is reserved for cancellation and sandbox violations.
func (q *Queue) runCandidate(ctx context.Context, run candidateRun) (forgeloop.CandidateResult, error) {
	timeout := q.deps.Config.CandidateTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := q.runCandidateInner(runCtx, run)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		q.log.Warn("candidate timeout", "task_id", run.task.ID, "model", run.model.FormatName(), "timeout", timeout)
		return forgeloop.CandidateResult{
			Model:     run.model.FormatName(),
			Success:   false,
			LatencyMs: timeout.Milliseconds(),
			Tool:      "timeout",
			Logs: forgeloop.Logs{
				StderrTail: fmt.Sprintf("candidate timed out after %s", timeout),
			},
		}, nil
	case errors.Is(err, context.Canceled):
		return forgeloop.CandidateResult{}, err
	default:
		var escape *forgeloop.ErrSandboxEscape
		if errors.As(err, &escape) {
			// Fatal for this task, never silently swallowed.
			return forgeloop.CandidateResult{}, err
		}
		// Transient model/transport failures are values, not control flow.
		q.log.Error("candidate failed", "task_id", run.task.ID, "model", run.model.FormatName(), "error", err)
		return forgeloop.CandidateResult{
			Model:   run.model.FormatName(),
			Success: false,
			Tool:    "ollama-error",
			Logs:    forgeloop.Logs{StderrTail: tail(err.Error())},
		}, nil
	}
}

// runCandidateInner is the unbudgeted candidate body: prompt, stream,
// extract, component pass, workspace writes, validation, zip.
func (q *Queue) runCandidateInner(ctx context.Context, run candidateRun) (forgeloop.CandidateResult, error) {
	task := run.task
	if run.goal != "" {
		task.Input.Goal = run.goal
	}
	modelName := run.model.FormatName()
	started := time.Now()
	langHint := task.Input.Language
	if langHint == "" {
		langHint = "general"
	}
	goalText := task.Input.Goal
	components := detectRequestedComponents(goalText)
	baseEntity := inferDomainEntity(goalText)
	repoHints := collectIncludeHints(task, 4)
	existingJavaBase := detectExistingJavaBase(q.deps.FS, task)

	// Per-candidate isolated sandbox under .duel/<task>/<model>.
	safeModel := strings.NewReplacer("/", "_", ":", "_", "-", "_").Replace(modelName)
	relDir := ".duel/" + task.ID + "/" + safeModel
	if run.subdir != "" {
		relDir += "/" + run.subdir
	}
	sandboxDir, ok := q.deps.FS.Resolve(relDir)
	if !ok {
		return forgeloop.CandidateResult{}, &forgeloop.ErrSandboxEscape{Path: relDir}
	}
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return forgeloop.CandidateResult{}, err
	}

	// Primary output path.
	var expected []string
	if task.OutputContract != nil {
		expected = task.OutputContract.ExpectedFiles
	}
	relPrimary := "main.txt"
	switch {
	case len(expected) > 0:
		relPrimary = expected[0]
	case run.mode == forgeloop.ModeChat:
		relPrimary = "response.md"
	case run.mode == forgeloop.ModeDocs:
		relPrimary = "documentation.md"
	case run.mode == forgeloop.ModePlanner:
		relPrimary = "plan.md"
	}

	// Prompt, context-window clamp, and token budget per mode.
	pctx := promptContext{
		memories:     q.resolveMemoryContext(ctx, task),
		repoSnippets: collectRepoSnippets(q.deps.FS, task.Input.Repo.Path, q.deps.Config.Zip.MaxFileBytes),
	}
	prompt := buildPrompt(task, run.mode, pctx)

	ctxLimit := run.model.CtxSize
	if ctxLimit <= 0 {
		ctxLimit = 8192
	}
	numPredict := 2048
	if run.mode == forgeloop.ModeChat || run.mode == forgeloop.ModeDocs || run.mode == forgeloop.ModePlanner {
		ctxLimit = minInt(ctxLimit, 4096)
		numPredict = 1024
	} else {
		ctxLimit = minInt(ctxLimit, 6144)
	}

	// Stream, recording first-token latency and token counts.
	var buf strings.Builder
	var firstTokenAt time.Time
	promptTokens, completionTokens := 0, 0
	chunkCount := 0
	err := q.deps.Client.GenerateStream(ctx, modelName, prompt, forgeloop.GenerateOptions{
		NumCtx:      ctxLimit,
		NumPredict:  numPredict,
		Temperature: 0.2,
	}, func(chunk forgeloop.ModelChunk) error {
		if chunk.Done {
			promptTokens = chunk.PromptEvalCount
			completionTokens = chunk.EvalCount
			return nil
		}
		if chunk.Response != "" {
			if firstTokenAt.IsZero() {
				firstTokenAt = time.Now()
			}
			chunkCount++
			buf.WriteString(chunk.Response)
		}
		return nil
	})
	if err != nil {
		return forgeloop.CandidateResult{}, err
	}
	rawOutput := strings.TrimSpace(buf.String())
	if firstTokenAt.IsZero() {
		q.log.Warn("candidate stream empty", "task_id", task.ID, "model", modelName)
	} else {
		q.log.Info("candidate stream complete",
			"task_id", task.ID, "model", modelName,
			"first_token_ms", firstTokenAt.Sub(started).Milliseconds(),
			"total_ms", time.Since(started).Milliseconds(), "chunks", chunkCount)
	}

	if run.mode != forgeloop.ModeCode {
		return q.finishConversational(run, rawOutput, started, sandboxDir, ctxLimit, promptTokens, completionTokens, goalText)
	}

	// Code mode: sanitize the primary, extract the file map.
	toWrite := rawOutput
	if strings.HasSuffix(relPrimary, ".java") {
		toWrite = javatool.Sanitize(rawOutput, relPrimary)
	}
	files := ExtractFiles(rawOutput)
	if _, ok := files[relPrimary]; ok {
		files[relPrimary] = toWrite
	}
	if len(files) == 0 {
		files = map[string]string{relPrimary: toWrite}
	} else if _, ok := files[relPrimary]; !ok {
		files[relPrimary] = toWrite
	}

	// Component awareness: rebase onto an existing tree, per-component
	// folders, placeholders for anything uncovered.
	var componentNotes, followUpSteps, missingComponents []string
	if len(components) > 0 {
		baseCandidates := expected
		if len(baseCandidates) == 0 {
			baseCandidates = repoHints
		}
		var rebaseNotes []string
		files = rebaseComponentPaths(files, existingJavaBase, components, &rebaseNotes)
		componentNotes = append(componentNotes, rebaseNotes...)
		for _, note := range rebaseNotes {
			followUpSteps = append(followUpSteps, "Review adjusted path: "+note)
		}
		if assigned := assignComponentBlocks(rawOutput, components, langHint, baseCandidates, baseEntity, existingJavaBase); len(assigned) > 0 {
			for rel, data := range assigned {
				files[rel] = data
			}
			dropTxtPrimary(files, relPrimary)
		}
		files = rebaseComponentPaths(files, existingJavaBase, components, &componentNotes)
		files = applyComponentDirectoryHints(files, components, langHint, baseCandidates, existingJavaBase)
		files = rebaseComponentPaths(files, existingJavaBase, components, &componentNotes)
		_, missingComponents = componentCoverage(files, components)
		if len(missingComponents) > 0 {
			componentNotes = append(componentNotes, "Missing component files for: "+strings.Join(missingComponents, ", "))
			placeholderAdded := false
			for _, comp := range missingComponents {
				relPath, clsName := defaultComponentPath(comp, baseCandidates, langHint, baseEntity, existingJavaBase)
				if _, exists := files[relPath]; exists {
					continue
				}
				files[relPath] = generatePlaceholderComponent(comp, clsName, relPath, langHint)
				componentNotes = append(componentNotes, "Placeholder generated for "+comp)
				followUpSteps = append(followUpSteps, "Replace placeholder "+relPath+" with full implementation.")
				placeholderAdded = true
			}
			if placeholderAdded {
				dropTxtPrimary(files, relPrimary)
				_, missingComponents = componentCoverage(files, components)
				if len(missingComponents) > 0 {
					componentNotes = append(componentNotes, "Placeholders could not satisfy: "+strings.Join(missingComponents, ", "))
					followUpSteps = append(followUpSteps, "Some components still missing after placeholder pass: "+strings.Join(missingComponents, ", "))
				}
				q.publishStatus(task.ID, "Inserted placeholders for missing components—review before use.", "followup")
			}
		}
	}

	q.publishStatus(task.ID, fmt.Sprintf("Assembling workspace files from %s…", modelName), "assembling")

	// Write every file into the candidate sandbox.
	primaryRel := pickPrimary(files, components)
	primaryPath, err := q.writeSandboxFile(sandboxDir, primaryRel, files[primaryRel])
	if err != nil {
		return forgeloop.CandidateResult{}, err
	}
	for rel, data := range files {
		if rel == primaryRel {
			continue
		}
		if _, err := q.writeSandboxFile(sandboxDir, rel, data); err != nil {
			return forgeloop.CandidateResult{}, err
		}
	}

	// Mirror the generated files into the workspace under the repo path.
	baseRel := normalizeRepoRel(task.Input.Repo.Path)
	mirrored, err := q.mirrorIntoWorkspace(files, baseRel)
	if err != nil {
		return forgeloop.CandidateResult{}, err
	}
	files = mirrored

	// Build the merge tree: repo snapshot first, generated files on top.
	mergeRel := "runs/" + task.ID + "/merge"
	mergeRoot, err := q.ensureMergeTree(mergeRel, baseRel)
	if err != nil {
		return forgeloop.CandidateResult{}, err
	}
	for rel, data := range files {
		target := filepath.Join(mergeRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			continue
		}
		payload := data
		if payload != "" && !strings.HasSuffix(payload, "\n") {
			payload += "\n"
		}
		if err := os.WriteFile(target, []byte(payload), 0o644); err != nil {
			continue
		}
		if strings.HasSuffix(strings.ToLower(target), ".java") {
			javatool.FixPackage(target)
			javatool.FixFilename(target)
		}
	}

	// Validate.
	q.publishStatus(task.ID, "Running quick checks…", "validating")
	var build buildResult
	if strings.HasSuffix(strings.ToLower(primaryPath), ".java") {
		build = buildAndTestJava(ctx, sandboxDir, q.deps.Config.CandidateTimeout())
	} else {
		build = buildResult{CompilePass: strings.TrimSpace(toWrite) != "", Tool: "code"}
	}

	latencyMs := time.Since(started).Milliseconds()

	// Package the merge tree.
	zipNotes := append([]string{}, componentNotes...)
	followUpSteps = dedupe(followUpSteps)
	if len(componentNotes) > 0 && len(followUpSteps) == 0 {
		followUpSteps = append(followUpSteps, "Review generated components for alignment with existing codebase.")
	}
	if len(followUpSteps) > 0 {
		zipNotes = append(zipNotes, "Follow-up:")
		for _, step := range followUpSteps {
			zipNotes = append(zipNotes, "- "+step)
		}
	}
	q.publishStatus(task.ID, fmt.Sprintf("Packaging artifacts from %s…", modelName), "packaging")
	zipURL := ""
	if zres, err := q.deps.Zipper.ArchiveTree(task.ID, mergeRoot); err != nil {
		zipNotes = append(zipNotes, "Zip assembly failed: "+err.Error())
	} else {
		zipURL = zres.URL
		zipNotes = append(zipNotes, zres.Notes...)
	}

	content := toWrite
	hasPrimary := strings.TrimSpace(content) != ""
	q.publishStatus(task.ID, "Finalizing response…", "finalizing")

	byteFiles := make(map[string][]byte, len(files))
	for rel, data := range files {
		byteFiles[rel] = []byte(data)
	}
	return forgeloop.CandidateResult{
		Model:             modelName,
		Success:           (build.TestPass || build.CompilePass) && len(missingComponents) == 0,
		LatencyMs:         latencyMs,
		CompilePass:       build.CompilePass,
		TestPass:          build.TestPass,
		Tool:              build.Tool,
		Logs:              forgeloop.Logs{StdoutTail: build.StdoutTail, StderrTail: build.StderrTail},
		ArtifactPath:      primaryPath,
		Content:           content,
		Files:             byteFiles,
		ZipURL:            zipURL,
		ZipNotes:          zipNotes,
		MissingComponents: missingComponents,
		FollowUpSteps:     followUpSteps,
		SandboxRoot:       sandboxDir,
		MergeRoot:         mergeRoot,
		PendingFinal:      len(missingComponents) > 0 || !(hasPrimary || zipURL != "" || primaryPath != ""),
		PromptTokens:      promptTokens,
		CompletionTokens:  completionTokens,
		CtxLimit:          ctxLimit,
	}, nil
}

// finishConversational wraps up a chat/docs/planner candidate: the
// response streams inline, files are still extracted, and a zip is only
// produced when the user's goal was really asking for files.
func (q *Queue) finishConversational(run candidateRun, rawOutput string, started time.Time, sandboxDir string, ctxLimit, promptTokens, completionTokens int, goalText string) (forgeloop.CandidateResult, error) {
	content := strings.TrimSpace(rawOutput)
	latencyMs := time.Since(started).Milliseconds()
	var zipNotes []string

	generated := ExtractFiles(rawOutput)
	resultMap := make(map[string]string, len(generated)+1)
	for rel, data := range generated {
		if strings.HasSuffix(strings.ToLower(rel), ".java") {
			data = javatool.Sanitize(data, rel)
		}
		resultMap[rel] = data
	}
	if len(resultMap) > 0 {
		zipNotes = append(zipNotes, "Included files emitted by the model response.")
	}
	if content != "" {
		body := content
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		if _, ok := resultMap["response.md"]; !ok {
			resultMap["response.md"] = body
		}
		zipNotes = append(zipNotes, "Included response.md with model reply.")
	}

	zipURL := ""
	if len(resultMap) > 0 && run.mode == forgeloop.ModeChat && isCodeyPrompt(goalText) {
		if zres, err := q.deps.Zipper.ArchiveFiles(run.task.ID, resultMap, "response.md"); err != nil {
			zipNotes = append(zipNotes, "Zip assembly failed: "+err.Error())
		} else {
			zipURL = zres.URL
			zipNotes = append(zipNotes, zres.Notes...)
		}
	} else {
		zipNotes = append(zipNotes, "Inline response only; zip not generated.")
	}

	byteFiles := make(map[string][]byte, len(resultMap))
	for rel, data := range resultMap {
		byteFiles[rel] = []byte(data)
	}
	return forgeloop.CandidateResult{
		Model:            run.model.FormatName(),
		Success:          content != "" || len(resultMap) > 0,
		LatencyMs:        latencyMs,
		Tool:             string(run.mode),
		Content:          content,
		Files:            byteFiles,
		ZipURL:           zipURL,
		ZipNotes:         zipNotes,
		SandboxRoot:      sandboxDir,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CtxLimit:         ctxLimit,
	}, nil
}

// writeSandboxFile writes one generated file inside the candidate
// sandbox. Leading slashes are dropped and every ".." is replaced by "_",
// so the name cannot climb out of the sandbox.
func (q *Queue) writeSandboxFile(sandboxDir, rel, data string) (string, error) {
	rel = strings.ReplaceAll(strings.TrimLeft(rel, "/"), "..", "_")
	target := filepath.Join(sandboxDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if strings.TrimSpace(data) == "" {
		data = "// (empty)\n"
	}
	if err := os.WriteFile(target, []byte(data), 0o644); err != nil {
		return "", err
	}
	return target, nil
}

// mirrorIntoWorkspace writes the generated files under the task's repo
// path (all through the FS sandbox) and returns the file map rekeyed
// relative to that base. A path that resolves outside the workspace
// fails the call with ErrSandboxEscape.
func (q *Queue) mirrorIntoWorkspace(files map[string]string, baseRel string) (map[string]string, error) {
	basePrefix := ""
	if baseRel != "." && baseRel != "" {
		basePrefix = strings.TrimRight(baseRel, "/")
	}
	normalized := make(map[string]string, len(files))
	for rel, data := range files {
		destRel := rel
		if basePrefix != "" {
			destRel = basePrefix + "/" + rel
		}
		destPath, ok := q.deps.FS.Resolve(destRel)
		if !ok {
			return nil, &forgeloop.ErrSandboxEscape{Path: destRel}
		}
		payload := data
		if payload != "" && !strings.HasSuffix(payload, "\n") {
			payload += "\n"
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err == nil {
			if err := os.WriteFile(destPath, []byte(payload), 0o644); err == nil {
				if strings.HasSuffix(strings.ToLower(destPath), ".java") {
					javatool.FixPackage(destPath)
					javatool.FixFilename(destPath)
				}
			}
		}
		trimmed := rel
		if basePrefix != "" {
			if strings.HasPrefix(trimmed, basePrefix+"/") {
				trimmed = trimmed[len(basePrefix)+1:]
			} else if trimmed == basePrefix {
				trimmed = ""
			}
		}
		if trimmed == "" {
			trimmed = rel
		}
		normalized[trimmed] = data
	}
	if len(normalized) == 0 {
		return files, nil
	}
	return normalized, nil
}

// ensureMergeTree recreates runs/<task>/merge and seeds it with the
// task's repo slice so generated files overlay a real snapshot.
func (q *Queue) ensureMergeTree(mergeRel, stageRel string) (string, error) {
	mergeRoot, ok := q.deps.FS.Resolve(mergeRel)
	if !ok {
		return "", &forgeloop.ErrSandboxEscape{Path: mergeRel}
	}
	if err := os.RemoveAll(mergeRoot); err != nil {
		return "", err
	}
	if err := os.MkdirAll(mergeRoot, 0o755); err != nil {
		return "", err
	}
	if stageRel != "" && stageRel != "." {
		stageRoot, ok := q.deps.FS.Resolve(stageRel)
		if ok {
			if info, err := os.Stat(stageRoot); err == nil && info.IsDir() {
				copyTree(stageRoot, mergeRoot)
			}
		}
	}
	return mergeRoot, nil
}

func copyTree(src, dst string) {
	_ = filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil
		}
		_ = os.WriteFile(target, data, 0o644)
		return nil
	})
}

// resolveMemoryContext loads the memory records a task references.
func (q *Queue) resolveMemoryContext(ctx context.Context, task forgeloop.Task) []forgeloop.WorkspaceMemoryRecord {
	if q.deps.Memory == nil || len(task.Metadata.MemoryContextIDs) == 0 {
		return nil
	}
	var out []forgeloop.WorkspaceMemoryRecord
	for _, id := range task.Metadata.MemoryContextIDs {
		rec, err := q.deps.Memory.Get(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// pickPrimary chooses the representative file for artifact reporting:
// with components in play the first real source file wins over txt
// scaffolding.
func pickPrimary(files map[string]string, components []string) string {
	keys := sortedKeys(files)
	if len(components) > 0 {
		for _, rel := range keys {
			switch strings.ToLower(filepath.Ext(rel)) {
			case ".java", ".py", ".ts", ".js", ".cs", ".go":
				return rel
			}
		}
	}
	if len(keys) > 0 {
		return keys[0]
	}
	return "output.txt"
}

func dropTxtPrimary(files map[string]string, relPrimary string) {
	if strings.HasSuffix(relPrimary, ".txt") {
		delete(files, relPrimary)
	}
}

func dedupe(list []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
