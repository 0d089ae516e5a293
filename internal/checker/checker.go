// Package checker implements C8: running the compiled checker program
// against a solution's output, mapping its exit code to an Outcome, and
// providing the built-in word-compare fallback (spec.md §4.8).
package checker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/runtime"
	"github.com/rsalesc/rbx/internal/sandbox"
)

// exitOutcome implements §4.8's checker exit-code ABI.
func exitOutcome(exitCode int) model.Outcome {
	switch exitCode {
	case 0:
		return model.Accepted
	case 1, 2:
		return model.WrongAnswer
	case 3:
		return model.JudgeFailed
	default:
		return model.InternalError
	}
}

// PreOutputCheck implements §4.8 "Pre-output check": a non-Ok RunLog
// status short-circuits the checker entirely.
func PreOutputCheck(log model.RunLog) (model.Outcome, bool) {
	switch log.Status {
	case model.ExitOk:
		return "", false
	case model.ExitTimeout, model.ExitWallTimeout:
		return model.TimeLimitExceeded, true
	case model.ExitMemoryLimit:
		return model.MemoryLimitExceeded, true
	case model.ExitOutputLimit:
		return model.OutputLimitExceeded, true
	case model.ExitIdlenessLimit:
		return model.IdlenessLimitExceeded, true
	case model.ExitSignal:
		return model.RuntimeError, true
	default:
		return model.InternalError, true
	}
}

// Runner wires C4 (sandbox) into C8.
type Runner struct {
	Runtime    *runtime.Runtime
	ScratchDir string
}

// RunChecker invokes a compiled checker binary at binaryPath with the
// fixed <input> <sol_out> <expected> ABI and maps its exit code.
func (r *Runner) RunChecker(ctx context.Context, binaryPath, inputPath, solutionOut, expectedPath string) (model.CheckerResult, error) {
	workdir := filepath.Dir(binaryPath)
	stdoutPath := filepath.Join(workdir, "checker.stdout")
	stderrPath := filepath.Join(workdir, "checker.stderr")

	runLog, err := sandbox.Run(ctx, r.Runtime, sandbox.Params{
		Command:          []string{binaryPath, inputPath, solutionOut, expectedPath},
		Dir:              workdir,
		StdoutPath:       stdoutPath,
		StderrPath:       stderrPath,
		TimeLimitMS:      10_000,
		WallLimitMS:      20_000,
		MemoryLimitBytes: 512 << 20,
		OutputLimitBytes: 1 << 20,
	})
	if err != nil {
		return model.CheckerResult{}, fmt.Errorf("checker: run: %w", err)
	}

	// A genuine signal kill is recorded as 128+signum, which exitOutcome
	// maps to INTERNAL_ERROR rather than to a declared checker code.
	outcome := exitOutcome(runLog.ExitCode)
	if runLog.Status != model.ExitOk && runLog.Status != model.ExitSignal {
		outcome = model.InternalError
	}

	msg, err := readCheckerMessage(stderrPath)
	if err != nil {
		return model.CheckerResult{}, fmt.Errorf("checker: read message: %w", err)
	}

	return model.CheckerResult{Outcome: outcome, Message: model.TruncateMessage(msg)}, nil
}

func readCheckerMessage(stderrPath string) (string, error) {
	b, err := os.ReadFile(stderrPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(b), nil
}

// WordCompare is the built-in fallback checker (§4.8 "Fallback
// checker"): tokens split on whitespace, compared for exact equality.
// It needs no compiled binary; it runs in-process.
func WordCompare(solutionOut, expectedPath string) (model.CheckerResult, error) {
	solTokens, err := tokenize(solutionOut)
	if err != nil {
		return model.CheckerResult{}, fmt.Errorf("checker: read solution output: %w", err)
	}
	expTokens, err := tokenize(expectedPath)
	if err != nil {
		return model.CheckerResult{}, fmt.Errorf("checker: read expected answer: %w", err)
	}

	if len(solTokens) != len(expTokens) {
		return model.CheckerResult{
			Outcome: model.WrongAnswer,
			Message: model.TruncateMessage(fmt.Sprintf("token count differs: expected %d, found %d", len(expTokens), len(solTokens))),
		}, nil
	}
	for i := range solTokens {
		if solTokens[i] != expTokens[i] {
			return model.CheckerResult{
				Outcome: model.WrongAnswer,
				Message: model.TruncateMessage(fmt.Sprintf("token %d differs: expected %q, found %q", i+1, expTokens[i], solTokens[i])),
			}, nil
		}
	}
	return model.CheckerResult{Outcome: model.Accepted, Message: "ok"}, nil
}

func tokenize(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	sc.Split(bufio.ScanWords)

	var tokens []string
	for sc.Scan() {
		tokens = append(tokens, sc.Text())
	}
	return tokens, sc.Err()
}
