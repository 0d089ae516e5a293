package checker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/runtime"
	"github.com/rsalesc/rbx/internal/sandbox"
)

// RunValidator invokes a compiled validator binary (SUPPLEMENTED
// FEATURES: validator step) against a single testcase input, ahead of
// any solution run. Validators follow the testlib convention: exit 0
// means the input is well formed, any non-zero exit means it is not,
// with diagnostics on stderr.
func (r *Runner) RunValidator(ctx context.Context, binaryPath, inputPath string) (model.CheckerResult, error) {
	workdir := filepath.Dir(binaryPath)
	stdoutPath := filepath.Join(workdir, "validator.stdout")
	stderrPath := filepath.Join(workdir, "validator.stderr")

	runLog, err := sandbox.Run(ctx, r.Runtime, sandbox.Params{
		Command:          []string{binaryPath, inputPath},
		Dir:              workdir,
		StdinPath:        inputPath,
		StdoutPath:       stdoutPath,
		StderrPath:       stderrPath,
		TimeLimitMS:      5_000,
		WallLimitMS:      10_000,
		MemoryLimitBytes: 512 << 20,
		OutputLimitBytes: 1 << 20,
	})
	if err != nil {
		return model.CheckerResult{}, fmt.Errorf("validator: run: %w", err)
	}

	msg, err := readCheckerMessage(stderrPath)
	if err != nil {
		return model.CheckerResult{}, fmt.Errorf("validator: read message: %w", err)
	}

	if runLog.Status == model.ExitOk && runLog.ExitCode == 0 {
		return model.CheckerResult{Outcome: model.Accepted, Message: model.TruncateMessage(msg)}, nil
	}
	return model.CheckerResult{Outcome: model.JudgeFailed, Message: model.TruncateMessage(msg)}, nil
}
