// Package sandbox provides the two isolation primitives every workspace
// write and every build/test invocation in this module must go through:
// FS (a path resolver that proves a write stays under the workspace root)
// and Exec (an allow-listed command runner with a minimal PATH and a
// wall-clock timeout).
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Allowlist is the fixed set of commands Exec may invoke.
var Allowlist = map[string]bool{
	"javac":    true,
	"mvn":      true,
	"gradlew":  true,
	"./gradlew": true,
	"pytest":   true,
	"ruff":     true,
	"black":    true,
	"node":     true,
	"npm":      true,
	"pnpm":     true,
	"npx":      true,
}

// minimalPath is the stripped-down PATH granted to subprocesses, so
// builds can't pick up anything installed outside of standard system
// locations.
const minimalPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ExecResult is the outcome of one sandboxed command invocation.
type ExecResult struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Exec runs argv[0] with argv[1:] inside dir under timeout. Any command not
// present in Allowlist is rejected immediately with return code 1. A
// timeout results in return code 124. A command that cannot be found
// results in return code 127. Exec never returns an error for these
// expected outcomes; the error return is reserved for setup failures that
// make the result itself meaningless (e.g. dir does not exist).
func Exec(ctx context.Context, argv []string, dir string, timeout time.Duration) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{ReturnCode: 1, Stderr: "empty command"}, nil
	}
	if !Allowlist[argv[0]] {
		return ExecResult{ReturnCode: 1, Stderr: "command not allowed: " + argv[0]}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = []string{minimalPath}
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ReturnCode = 124
	case errors.Is(err, exec.ErrNotFound):
		result.ReturnCode = 127
	case err == nil:
		result.ReturnCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ReturnCode = exitErr.ExitCode()
		} else {
			result.ReturnCode = 127
		}
	}
	return result, nil
}
