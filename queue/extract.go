package queue

import (
	"regexp"
	"strings"
)

var (
	codeBlockRx  = regexp.MustCompile("```([\\w.+-]*)\\n([\\s\\S]*?)```")
	fileLineRx   = regexp.MustCompile(`(?im)^\s*(?:[-*•+\d.)>\s]*)?(?:file|path)\s*[:=]\s*([^\s` + "`" + `]+)`)
	fileInlineRx = regexp.MustCompile(`(?i)(?:^|\b)(?:file|path)\s*[:=]\s*([^\s` + "`" + `]+)`)
	fileLeadRx   = regexp.MustCompile(`(?i)^(?:file|path)\s*[:=]\s*([^\s` + "`" + `]+)`)
)

// SanitizeRelPath normalizes a model-emitted path to a safe relative
// form: backslashes flipped, leading "./" trimmed, "." and ".." segments
// dropped. An empty result becomes "output.txt".
func SanitizeRelPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "output.txt"
	}
	return strings.Join(parts, "/")
}

type codeBlock struct {
	lang string
	body string
	start int
	end   int
}

func extractCodeBlocks(text string) []codeBlock {
	var blocks []codeBlock
	for _, m := range codeBlockRx.FindAllStringSubmatchIndex(text, -1) {
		blocks = append(blocks, codeBlock{
			lang:  strings.ToLower(strings.TrimSpace(text[m[2]:m[3]])),
			body:  text[m[4]:m[5]],
			start: m[0],
			end:   m[1],
		})
	}
	return blocks
}

// cleanHint strips list markers and emphasis from a candidate File: line.
func cleanHint(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "-*•+0123456789.)> \t")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "`", "")
	return s
}

// ExtractFiles parses a model response for `File:` markers paired with
// fenced code blocks and returns a path → content map. Two passes: first
// standalone File: lines claim the next unclaimed block after them, then
// every block is checked for an inline hint on its first line or in the
// eight lines of context above it; a hinted path already claimed is
// skipped.
func ExtractFiles(text string) map[string]string {
	files := map[string]string{}
	if text == "" {
		return files
	}
	blocks := extractCodeBlocks(text)
	seen := map[string]bool{}

	// Primary pass: standalone "File:" lines.
	remaining := make([]codeBlock, len(blocks))
	copy(remaining, blocks)
	for _, m := range fileLineRx.FindAllStringSubmatchIndex(text, -1) {
		rel := SanitizeRelPath(text[m[2]:m[3]])
		if rel == "" || seen[rel] {
			continue
		}
		use := -1
		for i, b := range remaining {
			if b.start >= m[1] {
				use = i
				break
			}
		}
		if use < 0 {
			break
		}
		body := remaining[use].body
		remaining = append(remaining[:use], remaining[use+1:]...)
		files[rel] = strings.TrimRight(body, " \t\r\n") + "\n"
		seen[rel] = true
	}

	// Fallback pass: inline hints inside or just above each block.
	for _, b := range blocks {
		lines := strings.Split(b.body, "\n")
		for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
			lines = lines[1:]
		}
		var rel string
		if len(lines) > 0 {
			first := cleanHint(lines[0])
			if m := fileLeadRx.FindStringSubmatch(first); m != nil {
				rel = SanitizeRelPath(m[1])
				lines = lines[1:]
			}
		}
		if rel == "" {
			context := strings.Split(text[:b.start], "\n")
			from := len(context) - 8
			if from < 0 {
				from = 0
			}
			for i := len(context) - 1; i >= from; i-- {
				candidate := cleanHint(context[i])
				if m := fileInlineRx.FindStringSubmatch(candidate); m != nil {
					rel = SanitizeRelPath(m[1])
					break
				}
			}
		}
		if rel == "" || seen[rel] {
			continue
		}
		files[rel] = strings.TrimRight(strings.Join(lines, "\n"), " \t\r\n") + "\n"
		seen[rel] = true
	}
	return files
}
