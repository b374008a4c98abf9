package queue

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/sandbox"
)

// Prompt-injection size caps. Only the chat prompt quotes context
// verbatim: up to repoPromptFileLimit repo files of at most
// repoPromptSnippetBytes each, memory excerpts of at most
// memorySnippetBytes, and the last conversationTailTurns turns. The code
// prompt lists repo include paths only and quotes no repo or memory
// content.
const (
	repoPromptFileLimit    = 5
	repoPromptSnippetBytes = 800
	memorySnippetBytes     = 800
	conversationTailTurns  = 6
)

// promptContext carries the retrieved context a prompt may quote:
// resolved memory records and repo snippets.
type promptContext struct {
	memories     []forgeloop.WorkspaceMemoryRecord
	repoSnippets []repoSnippet
}

type repoSnippet struct {
	rel     string
	content string
}

// collectRepoSnippets reads a size-capped sample of the task's repo
// slice for verbatim prompt injection.
func collectRepoSnippets(sb *sandbox.FS, repoPath string, maxFileBytes int64) []repoSnippet {
	rel := normalizeRepoRel(repoPath)
	if rel == "." || rel == "" {
		return nil
	}
	root, ok := sb.Resolve(rel)
	if !ok {
		return nil
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil
	}
	var paths []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	sort.Strings(paths)

	var snippets []repoSnippet
	for _, p := range paths {
		if len(snippets) >= repoPromptFileLimit {
			break
		}
		info, err := os.Stat(p)
		if err != nil || (maxFileBytes > 0 && info.Size() > maxFileBytes) {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		text := string(data)
		if len(text) > repoPromptSnippetBytes {
			text = text[:repoPromptSnippetBytes]
		}
		relPath, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		snippets = append(snippets, repoSnippet{rel: filepath.ToSlash(relPath), content: text})
	}
	return snippets
}

// buildPrompt composes the mode-specific prompt template.
// Code mode enforces the File:-marker output convention; chat mode
// injects conversation history, memory snippets and repo snippets.
func buildPrompt(t forgeloop.Task, mode forgeloop.Mode, pctx promptContext) string {
	goal := t.Input.Goal
	if strings.TrimSpace(goal) == "" {
		goal = "Provide assistance."
	}

	switch mode {
	case forgeloop.ModeChat:
		return buildChatPrompt(t, goal, pctx)
	case forgeloop.ModeDocs:
		return strings.TrimSpace(fmt.Sprintf(
			"You are a senior developer advocate. Write a clear, structured explanation or documentation snippet that addresses the user's goal.\n"+
				"Use concise paragraphs and bullet lists when helpful. Avoid generating executable code unless explicitly requested.\n\n"+
				"Topic:\n%s", goal))
	case forgeloop.ModePlanner:
		return strings.TrimSpace(fmt.Sprintf(
			"You are a staff engineer preparing a plan. Produce a numbered list of actionable steps, dependencies, and considerations to tackle the user's request.\n"+
				"Highlight risks or unknowns where relevant. Avoid writing full code implementations.\n\n"+
				"Planning target:\n%s", goal))
	}
	return buildCodePrompt(t, goal)
}

func buildChatPrompt(t forgeloop.Task, goal string, pctx promptContext) string {
	var history []string
	conv := t.Metadata.Conversation
	if len(conv) > conversationTailTurns {
		conv = conv[len(conv)-conversationTailTurns:]
	}
	for _, turn := range conv {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		label := "User"
		if turn.Role != "" && turn.Role != "user" {
			label = "Assistant"
		}
		history = append(history, label+": "+content)
	}
	historySection := ""
	if len(history) > 0 {
		historySection = "Conversation so far:\n" + strings.Join(history, "\n") + "\n\n"
	}

	var memorySnippets []string
	for i, rec := range pctx.memories {
		var lines []string
		header := fmt.Sprintf("%d. Prior task", i+1)
		if rec.Goal != "" {
			header += fmt.Sprintf(" (goal: %s)", rec.Goal)
		}
		if rec.Model != "" {
			header += fmt.Sprintf(" [model: %s]", rec.Model)
		}
		lines = append(lines, header)
		if rec.Summary != "" {
			lines = append(lines, truncateBytes(rec.Summary, memorySnippetBytes))
		}
		if len(rec.Files) > 0 {
			lines = append(lines, "Files excerpt:")
			keys := make([]string, 0, len(rec.Files))
			for k := range rec.Files {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if len(keys) > 5 {
				keys = keys[:5]
			}
			for _, rel := range keys {
				lines = append(lines, fmt.Sprintf("- %s:\n%s", rel, truncateBytes(rec.Files[rel], memorySnippetBytes)))
			}
		}
		memorySnippets = append(memorySnippets, strings.Join(lines, "\n"))
	}
	memorySection := ""
	if len(memorySnippets) > 0 {
		memorySection = "User-provided code/context (from uploads and prior runs):\n" +
			strings.Join(memorySnippets, "\n") + "\n\n" +
			"Always treat these snippets as the authoritative reference for this request.\n\n"
	}

	repoSection := ""
	if len(pctx.repoSnippets) > 0 {
		lines := []string{"Uploaded repository snippets:"}
		for _, s := range pctx.repoSnippets {
			lines = append(lines, fmt.Sprintf("- %s:\n%s", s.rel, s.content))
		}
		repoSection = strings.Join(lines, "\n") + "\n\n"
	}

	instructions := "You are a friendly engineering assistant. Answer in natural language unless the user clearly asks for code."
	if isCodeyPrompt(goal) {
		instructions += " When the user requests code, files, scaffolds, or archives, emit the actual file contents. For every file, add a line 'File: relative/path.ext' followed by a fenced code block."
	} else {
		instructions += " Unless the user requests code, respond conversationally without creating file listings."
	}

	return strings.TrimSpace(instructions + "\n" +
		memorySection + repoSection + historySection + "Latest user message: " + goal)
}

func buildCodePrompt(t forgeloop.Task, goal string) string {
	lang := t.Input.Language
	if lang == "" {
		lang = "general"
	}
	frameworks := strings.Join(t.Input.Frameworks, ", ")
	if frameworks == "" {
		frameworks = "none"
	}
	var expected []string
	if t.OutputContract != nil {
		expected = t.OutputContract.ExpectedFiles
	}
	filesStr := "- (decide suitable path)"
	if len(expected) > 0 {
		var lines []string
		for _, p := range expected {
			lines = append(lines, "- "+p)
		}
		filesStr = strings.Join(lines, "\n")
	}

	pkgHint, clsHint := "", ""
	if len(expected) > 0 && strings.HasSuffix(expected[0], ".java") {
		pkgHint, clsHint = derivePkgClass(expected[0])
	}
	if pkgHint == "" {
		pkgHint = "(decide reasonable)"
	}
	if clsHint == "" {
		clsHint = "(decide reasonable)"
	}

	repoHints := collectIncludeHints(t, 4)
	repoSection := ""
	if len(repoHints) > 0 {
		var lines []string
		for _, p := range repoHints {
			lines = append(lines, "    - "+p)
		}
		repoSection = "Existing repository structure to mirror:\n" + strings.Join(lines, "\n") + "\n"
	}

	multiSection := buildMultiComponentSection(t, goal, lang, expected, repoHints)

	return strings.TrimSpace(fmt.Sprintf(`You are a senior %s engineer. Task: %s
Frameworks: %s
Output requirements (first file is primary target):
%s
Package: %s
ClassName: %s
%s%s

CRITICAL OUTPUT FORMAT:
- For every file you create, write a line 'File: relative/path.ext' followed immediately by a fenced code block containing the entire file contents.
- Emit all required files directly; do NOT reference external URLs or say that a zip was generated.
- If multiple directories are needed, encode them via the relative paths (e.g. File: src/main/java/App.java).
- Return ONLY these file blocks (no extra commentary outside fences).
- For Java: include a correct package line and a compilable type.
- Prefer plain JDK APIs (no third-party).`,
		lang, goal, frameworks, filesStr, pkgHint, clsHint, repoSection, multiSection))
}

// buildMultiComponentSection lists the mandatory per-component files for
// a detected multi-component request, with an illustrative example.
func buildMultiComponentSection(t forgeloop.Task, goal, lang string, expected, repoHints []string) string {
	components := detectRequestedComponents(goal)
	if len(components) < 2 {
		return ""
	}
	baseCandidates := expected
	if len(baseCandidates) == 0 {
		baseCandidates = repoHints
	}
	basePath := inferBasePath(baseCandidates, lang, "")
	ext := extensionForLanguage(lang)
	fence := fenceForLanguage(lang)
	baseEntity := inferDomainEntity(goal)

	var mandatory, example []string
	for _, label := range components {
		folder := componentFolders[label]
		className := componentClassName(baseEntity, label)
		rel := folder + "/" + className + "." + ext
		if basePath != "" && basePath != "." {
			rel = basePath + "/" + folder + "/" + className + "." + ext
		}
		mandatory = append(mandatory, fmt.Sprintf("    - File: %s  (%s)", rel, label))
		example = append(example,
			"    File: "+rel,
			"    "+fence,
			"    // "+label+" implementation goes here",
			"    ```")
	}
	return fmt.Sprintf(
		"Detected multi-component request (%s). Emit one `File:` block per component so each lives in its own source file and they share a consistent package.\n"+
			"MANDATORY FILES:\n%s\n"+
			"Assume the necessary frameworks (e.g. Spring Boot + R2DBC) are available; do NOT ask follow-up questions—just implement the best reasonable defaults.\n"+
			"Example (do not include literally):\n%s\n"+
			"    Replace the sample bodies with real implementations. Missing any of the mandatory files is considered incorrect.\n",
		strings.Join(components, ", "), strings.Join(mandatory, "\n"), strings.Join(example, "\n"))
}

func collectIncludeHints(t forgeloop.Task, limit int) []string {
	var hints []string
	for _, raw := range t.Input.Repo.Include {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		hints = append(hints, p)
		if len(hints) >= limit {
			break
		}
	}
	return hints
}

func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
