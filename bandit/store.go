// Package bandit implements the contextual-bandit reward store and the
// epsilon-greedy routing policy over it: an append-only JSONL event log
// on local disk, an optional Postgres-backed event log, feature
// extraction, and candidate ranking against the relational aggregate.
package bandit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arvindsha/forgeloop"
)

// Recorder appends one reward event to an audit log. Implementations
// must never make recording failures fatal for the caller's task.
type Recorder interface {
	Record(ctx context.Context, ev forgeloop.RewardEvent) error
}

// EventLog is the JSONL audit log. Writes serialize under a mutex and
// are flushed durably; reads tolerate malformed lines. The log file is
// globally shared across tasks.
type EventLog struct {
	path string
	mu   sync.Mutex
}

// NewEventLog creates a log appending to path. The parent directory is
// created on first write.
func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

// Path returns the log file location.
func (l *EventLog) Path() string { return l.path }

// eventLine is the on-disk JSONL shape: {ts, model, reward, meta}.
type eventLine struct {
	TS     float64        `json:"ts"`
	Model  string         `json:"model"`
	Reward float64        `json:"reward"`
	Meta   map[string]any `json:"meta"`
}

// Record appends ev as one JSONL line, fsynced before returning.
func (l *EventLog) Record(_ context.Context, ev forgeloop.RewardEvent) error {
	model := ev.ModelID
	if model == "" {
		model = "unknown"
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	meta := map[string]any{"won": ev.Won}
	if ev.TaskType != "" {
		meta["task_type"] = ev.TaskType
	}
	if ev.FeatureHash != "" {
		meta["feature_hash"] = ev.FeatureHash
	}
	line, err := json.Marshal(eventLine{
		TS:     float64(ts.UnixNano()) / 1e9,
		Model:  model,
		Reward: ev.Reward,
		Meta:   meta,
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ModelStats is the per-model aggregate derived from the event log.
type ModelStats struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Avg    float64 `json:"avg"`
	LastTS float64 `json:"last_ts"`
}

// Stats aggregates the whole log per model. Malformed lines are skipped;
// a missing file yields an empty map. Reads are snapshot-tolerant: a
// concurrent append may or may not be visible.
func (l *EventLog) Stats() (map[string]ModelStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ModelStats{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[string]ModelStats)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
	for scanner.Scan() {
		var ev eventLine
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		model := ev.Model
		if model == "" {
			model = "unknown"
		}
		s := out[model]
		s.Count++
		s.Sum += ev.Reward
		s.Avg = s.Sum / float64(s.Count)
		if ev.TS > s.LastTS {
			s.LastTS = ev.TS
		}
		out[model] = s
	}
	return out, scanner.Err()
}

// Compile-time interface check.
var _ Recorder = (*EventLog)(nil)
