// Package status canonicalizes the task status vocabulary at every
// ingress/egress point: model output, DB writes, JSON responses, and SSE
// frame rewrites. The strict-reject and tolerant-rewrite behaviors both
// live here under one GuardMode switch rather than as two competing
// implementations.
package status

import (
	"fmt"
	"strings"

	"github.com/arvindsha/forgeloop"
)

// GuardMode controls what Normalize does with a non-canonical status.
type GuardMode string

const (
	// GuardError rejects any non-canonical status with an error.
	GuardError GuardMode = "error"
	// GuardWarn logs (via the caller-supplied warn func) but passes the
	// original string through unchanged.
	GuardWarn GuardMode = "warn"
	// GuardFix silently rewrites known synonyms and leaves anything else
	// unrecognized unchanged.
	GuardFix GuardMode = "fix"
	// GuardOff disables normalization entirely.
	GuardOff GuardMode = "off"
)

// synonyms maps non-canonical spellings to the canonical vocabulary.
var synonyms = map[string]forgeloop.Status{
	"succeeded":  forgeloop.StatusDone,
	"success":    forgeloop.StatusDone,
	"completed":  forgeloop.StatusDone,
	"complete":   forgeloop.StatusDone,
	"failed":     forgeloop.StatusError,
	"failure":    forgeloop.StatusError,
	"fail":       forgeloop.StatusError,
	"cancelled":  forgeloop.StatusCanceled,
	"timeout":    forgeloop.StatusError,
}

var canonical = map[forgeloop.Status]bool{
	forgeloop.StatusQueued:   true,
	forgeloop.StatusRunning:  true,
	forgeloop.StatusDone:     true,
	forgeloop.StatusError:    true,
	forgeloop.StatusCanceled: true,
}

// Normalizer applies one GuardMode consistently across a process.
type Normalizer struct {
	Mode GuardMode
	Warn func(message string)
}

// New builds a Normalizer. A nil Warn is replaced with a no-op.
func New(mode GuardMode, warn func(string)) *Normalizer {
	if warn == nil {
		warn = func(string) {}
	}
	return &Normalizer{Mode: mode, Warn: warn}
}

// Normalize rewrites raw to the canonical vocabulary. timeout maps to
// {error, note:"timeout"}; the note is only meaningful to callers that
// care (e.g. the SSE pipeline).
func (n *Normalizer) Normalize(raw string) (forgeloop.Status, string, error) {
	if n.Mode == GuardOff {
		return forgeloop.Status(raw), "", nil
	}

	lower := strings.ToLower(strings.TrimSpace(raw))
	note := ""
	if lower == "timeout" {
		note = "timeout"
	}

	if canonical[forgeloop.Status(lower)] {
		return forgeloop.Status(lower), note, nil
	}
	if mapped, ok := synonyms[lower]; ok {
		return n.handleRewrite(raw, mapped, note)
	}

	switch n.Mode {
	case GuardError:
		return "", "", fmt.Errorf("status: non-canonical value %q", raw)
	case GuardWarn:
		n.Warn(fmt.Sprintf("status: non-canonical value %q passed through", raw))
		return forgeloop.Status(raw), note, nil
	default: // GuardFix
		n.Warn(fmt.Sprintf("status: unrecognized value %q left unchanged", raw))
		return forgeloop.Status(raw), note, nil
	}
}

func (n *Normalizer) handleRewrite(raw string, mapped forgeloop.Status, note string) (forgeloop.Status, string, error) {
	switch n.Mode {
	case GuardError:
		return "", "", fmt.Errorf("status: non-canonical value %q (did you mean %q?)", raw, mapped)
	case GuardWarn:
		n.Warn(fmt.Sprintf("status: non-canonical value %q (canonical: %q)", raw, mapped))
		return forgeloop.Status(raw), note, nil
	default: // GuardFix
		return mapped, note, nil
	}
}

// NormalizePayload recursively rewrites every "status" key found in a
// nested map, mirroring status_norm.py's payload-wide rewrite used on
// outbound SSE frames and JSON responses.
func (n *Normalizer) NormalizePayload(payload map[string]any) error {
	for k, v := range payload {
		if k == "status" {
			if s, ok := v.(string); ok {
				norm, _, err := n.Normalize(s)
				if err != nil {
					return err
				}
				payload[k] = string(norm)
			}
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			if err := n.NormalizePayload(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// Idempotent reports Normalize(Normalize(s)) == Normalize(s) for s, used
// directly by the round-trip test in normalize_test.go.
func (n *Normalizer) Idempotent(s string) bool {
	first, _, err1 := n.Normalize(s)
	if err1 != nil {
		return true // rejection is stable
	}
	second, _, err2 := n.Normalize(string(first))
	return err2 == nil && first == second
}
