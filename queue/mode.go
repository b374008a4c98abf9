// Package queue implements the request lifecycle engine: the in-memory
// FIFO job queue, the single worker loop that classifies, prompts,
// streams, validates and scores candidates, and the duel /
// tree-of-thought / tiered-refine strategies layered on top.
package queue

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/arvindsha/forgeloop"
)

// Keyword signal sets driving deterministic mode classification.
var (
	codeKeywords = []string{
		"implement", "fix", "bug", "refactor", "function", "class", "module", "api", "endpoint",
		"write code", "generate code", "compile", "build", "test", "unit test", "integration test",
		"sql", "schema", "service", "controller", "handler", "repository",
		"project", "projects", "skeleton", "scaffold", "structure", "template", "setup", "zip", "archive",
		"download", "markdown", "file", "files",
	}
	docKeywords = []string{
		"document", "docs", "documentation", "explain", "tutorial", "guide", "readme", "summary",
		"describe", "notes",
	}
	plannerKeywords = []string{
		"plan", "outline", "steps", "strategy", "roadmap", "analysis", "approach", "design",
	}
	chatKeywords = []string{
		"hello", "hi", "hey", "greetings", "thanks", "how are", "say", "tell me", "question",
		"what is", "who is", "help me understand", "conversation", "chat",
	}
)

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// containsWord reports whether any keyword occurs in text as a whole word
// or phrase, so "hi" matches "hi there" but not "thing".
func containsWord(text string, keywords []string) bool {
	words := " " + strings.Join(strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ") + " "
	for _, kw := range keywords {
		if strings.Contains(words, " "+kw+" ") {
			return true
		}
	}
	return false
}

// isCodeyPrompt reports whether a chat goal is really asking for code or
// files, which switches the chat prompt into file-emitting form.
func isCodeyPrompt(goal string) bool {
	if goal == "" {
		return false
	}
	return containsAny(strings.ToLower(goal), codeKeywords)
}

// ClassifyMode derives the task's mode deterministically.
// A mode_hint in the known set overrides everything. A task showing both
// code and non-code signals classifies as clarify and never reaches a
// model.
func ClassifyMode(t forgeloop.Task) forgeloop.Mode {
	hint := strings.ToLower(strings.TrimSpace(t.Metadata.ModeHint))
	switch forgeloop.Mode(hint) {
	case forgeloop.ModeChat, forgeloop.ModeCode, forgeloop.ModeDocs, forgeloop.ModePlanner:
		return forgeloop.Mode(hint)
	}

	goal := strings.TrimSpace(t.Input.Goal)
	goalLower := strings.ToLower(goal)

	var expected []string
	if t.OutputContract != nil {
		expected = t.OutputContract.ExpectedFiles
	}
	codeStructure := len(expected) > 0 || len(t.Input.Repo.Include) > 0

	hasCodeKeywords := containsAny(goalLower, codeKeywords)
	typeIsCode := t.Type == forgeloop.TaskCode || t.Type == forgeloop.TaskTest || t.Type == forgeloop.TaskRefactor
	codeClues := typeIsCode || codeStructure || hasCodeKeywords
	// A bare CODE type with a short conversational goal and no structure
	// is treated as small talk, not a build request.
	if typeIsCode && !codeStructure && !hasCodeKeywords && goal != "" && wordCount(goal) <= 8 {
		codeClues = false
	}

	docClues := t.Type == forgeloop.TaskDoc || containsAny(goalLower, docKeywords)
	plannerClues := t.Type == forgeloop.TaskPlan || containsAny(goalLower, plannerKeywords)
	chatClues := containsWord(goalLower, chatKeywords) ||
		(goal != "" && wordCount(goal) <= 8 && !codeClues)

	switch {
	case codeClues && (docClues || plannerClues || chatClues):
		return forgeloop.ModeClarify
	case codeClues:
		return forgeloop.ModeCode
	case docClues && !plannerClues:
		return forgeloop.ModeDocs
	case plannerClues && !docClues:
		return forgeloop.ModePlanner
	case chatClues:
		return forgeloop.ModeChat
	case docClues:
		return forgeloop.ModeDocs
	case plannerClues:
		return forgeloop.ModePlanner
	default:
		return forgeloop.ModeChat
	}
}

// ClarifyMessage is the fixed question emitted for ambiguous tasks
// without invoking any model.
func ClarifyMessage(t forgeloop.Task) string {
	snippet := strings.TrimSpace(t.Input.Goal)
	if snippet == "" {
		snippet = "your request"
	}
	return fmt.Sprintf(
		"I can either share a code example or answer in plain language. "+
			"Would you like me to provide code or a conversational reply for: %q?", snippet)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
