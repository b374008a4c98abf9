// Package final builds the authoritative "final" payload for a task from
// its persisted artifacts and its task row.
package final

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/status"
)

// Payload is the shape returned by GET /v1/tasks/{id}/final.
type Payload struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	ModelUsed     string   `json:"model_used,omitempty"`
	LatencyMs     int64    `json:"latency_ms,omitempty"`
	TemplateVer   string   `json:"template_ver,omitempty"`
	Result        string   `json:"result,omitempty"`
	Note          string   `json:"note,omitempty"`
	ZipURL        string   `json:"zip_url,omitempty"`
	FollowUpSteps []string `json:"follow_up_steps,omitempty"`
}

// artifactResult is the subset of result.json the assembler promotes.
type artifactResult struct {
	Content       string   `json:"content"`
	ZipURL        string   `json:"zip_url"`
	FollowUpSteps []string `json:"follow_up_steps"`
}

// Assembler shapes final payloads. Store may be nil (artifact-only
// deployments); the artifact directory is always consulted.
type Assembler struct {
	Store        forgeloop.TaskStore
	ArtifactsDir string
	Normalizer   *status.Normalizer
	// WaitBudget and WaitInterval bound the polling mode. A zero budget
	// makes Wait a single attempt.
	WaitBudget   time.Duration
	WaitInterval time.Duration
}

// Payload assembles the final payload for taskID, or returns (nil, nil)
// when neither the task row nor the artifact directory yields anything.
func (a *Assembler) Payload(ctx context.Context, taskID string) (*Payload, error) {
	root := filepath.Join(a.ArtifactsDir, taskID)

	if a.Store != nil {
		row, err := a.Store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			p := &Payload{
				ID:          row.ID,
				Status:      a.normalize(string(row.Status)),
				ModelUsed:   row.ModelUsed,
				LatencyMs:   row.LatencyMs,
				TemplateVer: row.TemplateVer,
			}
			if extra := loadResultJSON(root); extra != nil {
				if p.Result == "" && extra.Content != "" {
					p.Result = extra.Content
				}
				p.ZipURL = extra.ZipURL
				p.FollowUpSteps = extra.FollowUpSteps
			}
			return p, nil
		}
	}

	// No row: fall back to artifacts alone.
	text := readFirstText(root)
	extra := loadResultJSON(root)
	if text == "" && extra == nil {
		if _, err := os.Stat(root); err != nil {
			return nil, nil
		}
	}
	p := &Payload{ID: taskID, Status: string(forgeloop.StatusDone), Result: text, Note: "fallback-artifacts"}
	if extra != nil {
		p.ZipURL = extra.ZipURL
		p.FollowUpSteps = extra.FollowUpSteps
		if p.Result == "" {
			p.Result = extra.Content
		}
	}
	return p, nil
}

// Wait polls Payload until it yields data or the wait budget is spent.
// Returns (nil, nil) on a clean miss after the deadline.
func (a *Assembler) Wait(ctx context.Context, taskID string) (*Payload, error) {
	if a.WaitBudget <= 0 {
		return a.Payload(ctx, taskID)
	}
	interval := a.WaitInterval
	if interval < 50*time.Millisecond {
		interval = 200 * time.Millisecond
	}
	deadline := time.Now().Add(a.WaitBudget)
	for {
		p, err := a.Payload(ctx, taskID)
		if err != nil || p != nil {
			return p, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (a *Assembler) normalize(raw string) string {
	if a.Normalizer == nil {
		return raw
	}
	norm, _, err := a.Normalizer.Normalize(raw)
	if err != nil || norm == "" {
		return string(forgeloop.StatusQueued)
	}
	return string(norm)
}

// loadResultJSON reads <root>/result.json, tolerating a missing or
// malformed file.
func loadResultJSON(root string) *artifactResult {
	data, err := os.ReadFile(filepath.Join(root, "result.json"))
	if err != nil {
		return nil
	}
	var res artifactResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil
	}
	return &res
}

// preferredNames are checked before falling back to a recursive scan.
var preferredNames = []string{
	"result.md", "output.md", "answer.md",
	"result.txt", "output.txt", "answer.txt",
}

// readFirstText returns the first non-empty markdown or text file found
// under root, preferring the well-known result names.
func readFirstText(root string) string {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return ""
	}
	for _, name := range preferredNames {
		if s := readTrimmed(filepath.Join(root, name)); s != "" {
			return s
		}
	}
	var paths []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	for _, p := range paths {
		if s := readTrimmed(p); s != "" {
			return s
		}
	}
	return ""
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
