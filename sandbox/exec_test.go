package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestExecRejectsDisallowedCommand(t *testing.T) {
	res, err := Exec(context.Background(), []string{"rm", "-rf", "/"}, t.TempDir(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ReturnCode != 1 {
		t.Fatalf("expected return code 1, got %d", res.ReturnCode)
	}
}

func TestExecAllowedCommand(t *testing.T) {
	if !Allowlist["node"] {
		t.Fatal("node should be allow-listed")
	}
	res, err := Exec(context.Background(), []string{"pytest", "--version"}, t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// pytest may not be installed on this host; 127 (not found) and 0
	// (ran) are both acceptable, only 1 (rejected) would be wrong.
	if res.ReturnCode == 1 {
		t.Fatalf("allow-listed command should not be rejected")
	}
}

func TestExecTimeout(t *testing.T) {
	res, err := Exec(context.Background(), []string{"node", "-e", "setTimeout(()=>{}, 5000)"}, t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ReturnCode != 124 && res.ReturnCode != 127 {
		t.Fatalf("expected timeout(124) or not-found(127), got %d", res.ReturnCode)
	}
}
