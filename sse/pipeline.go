package sse

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/final"
	"github.com/arvindsha/forgeloop/status"
)

// doneSentinel terminates every stream after its terminal frame.
const doneSentinel = "[DONE]"

// Pipeline wraps the hub with the full stream semantics: artifact
// early-exit, status canonicalization, DB-poll fallback, terminal-frame
// synthesis and the [DONE] sentinel.
type Pipeline struct {
	Hub          *Hub
	Normalizer   *status.Normalizer
	ArtifactsDir string
	// Store is polled as a fallback completion signal. May be nil.
	Store forgeloop.TaskStore
	// Assembler synthesizes a final payload when the hub's terminal frame
	// lacks content. May be nil.
	Assembler *final.Assembler

	Heartbeat    time.Duration
	DBPollEvery  time.Duration
}

// Serve streams frames for taskID to w until the task's terminal frame
// has been written (followed by [DONE]) or ctx ends. flush may be nil.
func (p *Pipeline) Serve(ctx context.Context, w io.Writer, flush func(), taskID string) error {
	emit := func(f Frame) error {
		if _, err := io.WriteString(w, f.Encode()); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
		return nil
	}

	// Early-exit: artifacts already on disk mean the task finished before
	// this subscriber attached.
	if p.artifactsPresent(taskID) {
		frame, _ := json.Marshal(map[string]string{
			"status": string(forgeloop.StatusDone),
			"note":   "artifacts-present",
		})
		if err := emit(Frame{Data: string(frame)}); err != nil {
			return err
		}
		return emit(Frame{Data: doneSentinel})
	}

	sub := p.Hub.Subscribe(taskID)
	defer sub.Cancel()

	heartbeat := p.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	pollEvery := p.DBPollEvery
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}

	hbTimer := time.NewTimer(heartbeat)
	defer hbTimer.Stop()
	pollTicker := time.NewTicker(pollEvery)
	defer pollTicker.Stop()

	finish := func(payload map[string]any) error {
		p.fillTerminal(ctx, taskID, payload)
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := emit(Frame{Data: string(data)}); err != nil {
			return err
		}
		return emit(Frame{Data: doneSentinel})
	}

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				// Hub closed without a terminal frame reaching us; fall
				// back to whatever the store and artifacts know.
				if payload := p.pollTerminal(ctx, taskID); payload != nil {
					return finish(payload)
				}
				return emit(Frame{Data: doneSentinel})
			}
			payload := p.rewrite(msg)
			if isTerminal(payload) {
				return finish(payload)
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			if err := emit(Frame{Data: string(data)}); err != nil {
				return err
			}
			resetTimer(hbTimer, heartbeat)
		case <-pollTicker.C:
			if payload := p.pollTerminal(ctx, taskID); payload != nil {
				return finish(payload)
			}
		case <-hbTimer.C:
			if err := emit(Frame{Event: "heartbeat", Data: "ping"}); err != nil {
				return err
			}
			hbTimer.Reset(heartbeat)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) artifactsPresent(taskID string) bool {
	if p.ArtifactsDir == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(p.ArtifactsDir, taskID))
	return err == nil && info.IsDir()
}

// rewrite parses one hub payload and canonicalizes any in-band status,
// mapping timeout to {status:error, note:timeout}. Unparsable payloads
// pass through wrapped so the subscriber still sees them.
func (p *Pipeline) rewrite(msg string) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal([]byte(msg), &payload); err != nil {
		return map[string]any{"message": msg}
	}
	raw, ok := payload["status"].(string)
	if !ok || p.Normalizer == nil {
		return payload
	}
	norm, note, err := p.Normalizer.Normalize(raw)
	if err != nil {
		norm = forgeloop.StatusError
	}
	payload["status"] = string(norm)
	if note != "" {
		if _, exists := payload["note"]; !exists {
			payload["note"] = note
		}
	}
	return payload
}

// pollTerminal checks the store for a terminal status, returning a
// synthesized terminal payload when the task already finished.
func (p *Pipeline) pollTerminal(ctx context.Context, taskID string) map[string]any {
	if p.Store == nil {
		return nil
	}
	row, err := p.Store.GetTask(ctx, taskID)
	if err != nil || row == nil {
		return nil
	}
	switch row.Status {
	case forgeloop.StatusDone, forgeloop.StatusError, forgeloop.StatusCanceled:
	default:
		return nil
	}
	payload := map[string]any{"status": string(row.Status)}
	if row.ModelUsed != "" {
		payload["model"] = row.ModelUsed
	}
	if row.LatencyMs > 0 {
		payload["latency_ms"] = row.LatencyMs
	}
	return payload
}

// fillTerminal overlays the assembled final payload when the terminal
// frame carries no content of its own.
func (p *Pipeline) fillTerminal(ctx context.Context, taskID string, payload map[string]any) {
	if p.Assembler == nil {
		return
	}
	if s, ok := payload["content"].(string); ok && s != "" {
		return
	}
	assembled, err := p.Assembler.Payload(ctx, taskID)
	if err != nil || assembled == nil {
		return
	}
	if assembled.Result != "" {
		payload["content"] = assembled.Result
	}
	if assembled.ZipURL != "" {
		if _, exists := payload["zip_url"]; !exists {
			payload["zip_url"] = assembled.ZipURL
		}
	}
	if len(assembled.FollowUpSteps) > 0 {
		if _, exists := payload["follow_up_steps"]; !exists {
			payload["follow_up_steps"] = assembled.FollowUpSteps
		}
	}
}

// isTerminal reports a task-terminal frame. Duel candidate frames carry
// a terminal-looking status plus a "phase" key and do not end the
// stream; only the task-level terminal frame does.
func isTerminal(payload map[string]any) bool {
	if _, isCandidate := payload["phase"]; isCandidate {
		return false
	}
	s, ok := payload["status"].(string)
	if !ok {
		return false
	}
	switch forgeloop.Status(s) {
	case forgeloop.StatusDone, forgeloop.StatusError, forgeloop.StatusCanceled:
		return true
	}
	return false
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
