// Package tool runs external infrastructure tools as bounded-lifetime
// subprocesses and maps their exit status to step outcomes. The driver
// never retries; re-running an apply against half-created infrastructure
// is the orchestrator's call to make, not a transparency the driver
// provides.
package tool

import (
	"context"
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// maxOutputBytes caps the combined output attached to a step log.
// Output is truncated at the front so the tail, where tools put their
// error summary, survives.
const maxOutputBytes = 64 * 1024

// Invocation is one subprocess run with a fixed working directory.
type Invocation struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Result carries the exit status and the full combined output of a run.
type Result struct {
	ExitCode int
	Output   string
}

// Succeeded reports whether the subprocess exited zero.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Runner executes one invocation. The only error conditions are
// failures to start or observe the process; a non-zero exit is a
// regular Result, not an error.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner runs invocations with os/exec.
type ExecRunner struct{}

var _ Runner = &ExecRunner{}

func (e *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	if inv.Env != nil {
		cmd.Env = inv.Env
	}

	log.WithFields(log.Fields{
		"command": inv.Command,
		"dir":     inv.Dir,
	}).Debug("running external tool")

	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Result{ExitCode: exitErr.ExitCode(), Output: truncate(output)}, nil
		}
		return Result{}, fmt.Errorf("run %s: %w", inv.Command, err)
	}

	return Result{ExitCode: 0, Output: truncate(output)}, nil
}

func truncate(output []byte) string {
	if len(output) <= maxOutputBytes {
		return string(output)
	}
	tail := output[len(output)-maxOutputBytes:]
	return fmt.Sprintf("[... %d bytes truncated ...]\n%s", len(output)-maxOutputBytes, tail)
}
