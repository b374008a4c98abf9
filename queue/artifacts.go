package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/arvindsha/forgeloop"
)

// writeArtifact persists the canonical result.json for a task into
// <ARTIFACTS_DIR>/<task_id>/, plus result.md when there is text content
// and zip-notes.txt when notes exist. Best-effort: the directory's
// existence is itself the SSE early-exit signal, so a partial write is
// still better than none.
func (q *Queue) writeArtifact(taskID string, payload map[string]any) {
	root := filepath.Join(q.deps.Config.Workspace.ArtifactsDir, taskID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		q.log.Warn("artifact dir create failed", "task_id", taskID, "error", err)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		q.log.Warn("artifact marshal failed", "task_id", taskID, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(root, "result.json"), data, 0o644); err != nil {
		q.log.Warn("artifact write failed", "task_id", taskID, "error", err)
		return
	}

	for _, key := range []string{"content", "text", "result"} {
		if text, ok := payload[key].(string); ok && strings.TrimSpace(text) != "" {
			_ = os.WriteFile(filepath.Join(root, "result.md"), []byte(text), 0o644)
			break
		}
	}
	if notes, ok := payload["zip_notes"].([]string); ok && len(notes) > 0 {
		_ = os.WriteFile(filepath.Join(root, "zip-notes.txt"), []byte(strings.Join(notes, "\n")), 0o644)
	}
}

// recordEvent appends to the audit log; failures never break the task.
func (q *Queue) recordEvent(ctx context.Context, ev forgeloop.RewardEvent) {
	if q.deps.Events == nil {
		return
	}
	if err := q.deps.Events.Record(ctx, ev); err != nil {
		q.log.Warn("reward event append failed", "model", ev.ModelID, "error", err)
	}
}
