package queue

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lprior-repo/isolate/pkg/types"
)

// Runner executes an external command in a working directory and
// reports its exit status plus captured output. Production code shells
// out via execRunner; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	return stdout.String(), stderr.String(), exitCode, err
}

// ExecRunner is the default, real Runner.
var ExecRunner Runner = execRunner{}

func vcsBinPath() string {
	if p := os.Getenv("ISOLATE_VCS_PATH"); p != "" {
		return p
	}
	return "jj"
}

func testBinPath() string {
	if p := os.Getenv("ISOLATE_GATE_PATH"); p != "" {
		return p
	}
	return "moon"
}

var conflictKeywords = []string{
	"conflict",
	"could not resolve",
	"merge conflict",
	"3-way merge failed",
}

func isConflictError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, kw := range conflictKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RebaseStep implements spec §4.D step 1. Pre: entry is Claimed.
func RebaseStep(ctx context.Context, q *Queue, runner Runner, workspace, workspacePath, mainBranch string) error {
	entry, err := q.mustGet(ctx, workspace)
	if err != nil {
		return err
	}
	if entry.Status != types.QueueStatusClaimed {
		return &types.Error{
			Kind:    types.KindValidationError,
			Message: "rebase step requires a claimed entry, got " + string(entry.Status),
		}
	}
	if err := q.TransitionTo(ctx, workspace, types.QueueStatusRebasing); err != nil {
		return err
	}

	bin := vcsBinPath()
	remote := "remote-tracking/origin/" + mainBranch

	if _, stderr, _, err := runner.Run(ctx, workspacePath, bin, "git", "fetch", "--branch", mainBranch); err != nil {
		_, _ = q.Fail(ctx, workspace, "git fetch failed: "+firstNonEmpty(stderr, err.Error()))
		return types.Wrap(types.KindCommandError, err, "git fetch failed for "+workspace)
	}

	mainStdout, stderr, _, err := runner.Run(ctx, workspacePath, bin, "log", "-r", remote, "-T", "commit_id", "--no-graph")
	if err != nil {
		_, _ = q.Fail(ctx, workspace, "failed to read main sha: "+firstNonEmpty(stderr, err.Error()))
		return types.Wrap(types.KindCommandError, err, "failed to read main branch sha for "+workspace)
	}
	testedAgainstSHA := strings.TrimSpace(mainStdout)

	_, rebaseStderr, _, rebaseErr := runner.Run(ctx, workspacePath, bin, "rebase", "-d", remote)
	if rebaseErr != nil {
		if isConflictError(rebaseStderr) {
			_, _ = q.Fail(ctx, workspace, "rebase conflict: "+rebaseStderr)
			return &types.Error{Kind: types.KindCommandError, Message: "rebase conflict: " + rebaseStderr}
		}
		_, _ = q.Fail(ctx, workspace, "rebase command failed: "+rebaseStderr)
		return types.Wrap(types.KindCommandError, rebaseErr, "rebase command failed for "+workspace)
	}

	headStdout, stderr, _, err := runner.Run(ctx, workspacePath, bin, "log", "-r", "@", "-T", "commit_id", "--no-graph")
	if err != nil {
		_, _ = q.Fail(ctx, workspace, "failed to read head sha: "+firstNonEmpty(stderr, err.Error()))
		return types.Wrap(types.KindCommandError, err, "failed to read head sha for "+workspace)
	}
	headSHA := strings.TrimSpace(headStdout)

	rebaseCount := entry.RebaseCount + 1
	return q.UpdateRebaseMetadata(ctx, workspace, headSHA, testedAgainstSHA, rebaseCount, time.Now())
}

// GateStep implements spec §4.D step 2. Pre: entry is Testing.
func GateStep(ctx context.Context, q *Queue, runner Runner, workspace, workspacePath, gate string) error {
	entry, err := q.mustGet(ctx, workspace)
	if err != nil {
		return err
	}
	if entry.Status != types.QueueStatusTesting {
		return &types.Error{
			Kind:    types.KindValidationError,
			Message: "gate step requires a testing entry, got " + string(entry.Status),
		}
	}

	stdout, stderr, exitCode, err := runner.Run(ctx, workspacePath, testBinPath(), "run", gate)
	if err != nil || exitCode != 0 {
		msg := firstNonEmpty(stderr, stdout)
		if msg == "" {
			msg = "gate " + gate + " exited non-zero"
		}
		_, _ = q.Fail(ctx, workspace, msg)
		return &types.Error{Kind: types.KindCommandError, Message: "gate failed: " + msg}
	}

	return q.TransitionTo(ctx, workspace, types.QueueStatusReadyToMerge)
}

// MergeStep implements spec §4.D step 3 (unspecified in source, added
// per SPEC_FULL.md since a pipeline with no merge step has no terminal
// success path). Pre: entry is ReadyToMerge. Integrates the workspace's
// branch into mainBranch via the DVCS's merge operation.
func MergeStep(ctx context.Context, q *Queue, runner Runner, workspace, workspacePath, mainBranch string) error {
	entry, err := q.mustGet(ctx, workspace)
	if err != nil {
		return err
	}
	if entry.Status != types.QueueStatusReadyToMerge {
		return &types.Error{
			Kind:    types.KindValidationError,
			Message: "merge step requires a ready-to-merge entry, got " + string(entry.Status),
		}
	}
	if err := q.TransitionTo(ctx, workspace, types.QueueStatusMerging); err != nil {
		return err
	}

	bin := vcsBinPath()
	_, stderr, _, err := runner.Run(ctx, workspacePath, bin, "git", "push", "--branch", mainBranch)
	if err != nil {
		_, _ = q.Fail(ctx, workspace, "merge failed: "+firstNonEmpty(stderr, err.Error()))
		return types.Wrap(types.KindCommandError, err, "merge failed for "+workspace)
	}

	return q.TransitionTo(ctx, workspace, types.QueueStatusMerged)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
