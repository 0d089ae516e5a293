// Package execstep implements C7, the execution step: given a compiled
// artifact, a TestcaseIO, and Limits, provision a sandbox workdir, derive
// SandboxParams, and invoke C4 (or C5 for communication tasks)
// (spec.md §4.7).
package execstep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rsalesc/rbx/internal/communicate"
	"github.com/rsalesc/rbx/internal/lang"
	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/runtime"
	"github.com/rsalesc/rbx/internal/sandbox"
	"github.com/rsalesc/rbx/internal/store"
)

// minWallMS and wallMultiplier implement §4.7 step 2: "wall =
// max(3×time, 10000) ms".
const (
	wallMultiplier = 3
	minWallMS      = 10_000
)

// InteractorRequest names a communication task's interactor artifact: set
// on Request to route C7 through C5 instead of direct C4 (spec.md §4.5).
type InteractorRequest struct {
	ArtifactDigest model.Digest
	Language       lang.Language
	Limits         model.Limits
	ExtraArgs      []string
}

// Request bundles an artifact with the testcase and limits to run it
// against.
type Request struct {
	ArtifactDigest model.Digest
	Language       lang.Language
	Testcase       model.TestcaseIO
	Limits         model.Limits
	Interactor     *InteractorRequest
}

// Runner wires C1 (store) and C4 (sandbox) together as C7.
type Runner struct {
	Store      *store.Store
	Runtime    *runtime.Runtime
	ScratchDir string
}

// Result is a completed execution: the RunLog plus where stdout/stderr
// landed on disk, for C8 to read. Interactor and CommunicateVerdict are
// only set for communication tasks, where C5 already decided the verdict
// per §4.5's priority table.
type Result struct {
	RunLog     model.RunLog
	StdoutPath string
	StderrPath string

	Interactor         *model.RunLog
	CommunicateVerdict *model.Outcome
}

// DeriveSandboxParams turns Limits into the concrete time/wall/memory/
// output numbers the sandbox enforces, applying the runtime's time
// multiplier and the doubleTL doubling (§4.7 steps 2-3, §6).
func DeriveSandboxParams(rt *runtime.Runtime, lim model.Limits) (timeMS, wallMS, memoryBytes, outputBytes int64) {
	timeMS = rt.ScaleTimeMS(lim.TimeMS)
	wallMS = timeMS * wallMultiplier
	if wallMS < minWallMS {
		wallMS = minWallMS
	}
	if lim.IsDoubleTL {
		timeMS *= 2
		wallMS *= 2
	}
	memoryBytes = lim.MemoryMB * (1 << 20)
	outputBytes = lim.OutputKB * 1024
	return
}

// Run provisions a fresh workdir, symlinks the artifact as the
// language's "executable" logical file, wires stdin/stdout/stderr to the
// testcase/capture files, and invokes C4.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Interactor != nil {
		return r.runCommunication(ctx, req)
	}

	workdir, err := os.MkdirTemp(r.ScratchDir, "rbx-exec-*")
	if err != nil {
		return Result{}, fmt.Errorf("execstep: mkdtemp: %w", err)
	}
	defer os.RemoveAll(workdir)

	executableName := req.Language.PhysicalName("executable")
	if err := sandbox.PrepareWorkdir(workdir, r.Store, []sandbox.ExtraFile{
		{LogicalName: executableName, Digest: req.ArtifactDigest, Executable: true},
	}); err != nil {
		return Result{}, fmt.Errorf("execstep: prepare workdir: %w", err)
	}

	timeMS, wallMS, memBytes, outBytes := DeriveSandboxParams(r.Runtime, req.Limits)

	sub := lang.Substitutions{Compilable: req.Language.PhysicalName("compilable"), Executable: executableName, MemoryLimitMB: req.Limits.MemoryMB}
	cmd := req.Language.RenderRunCommand(sub)

	stdoutPath := filepath.Join(workdir, "stdout")
	stderrPath := filepath.Join(workdir, "stderr")

	runLog, err := sandbox.Run(ctx, r.Runtime, sandbox.Params{
		Command:          cmd,
		Dir:              workdir,
		StdinPath:        req.Testcase.InputPath,
		StdoutPath:       stdoutPath,
		StderrPath:       stderrPath,
		TimeLimitMS:      timeMS,
		WallLimitMS:      wallMS,
		MemoryLimitBytes: memBytes,
		OutputLimitBytes: outBytes,
	})
	if err != nil {
		return Result{}, fmt.Errorf("execstep: run: %w", err)
	}

	// Copy the captured output out of the workdir before it is removed;
	// callers (checker/verdict) need these after Run returns.
	persistDir := filepath.Join(r.ScratchDir, "runs", req.Testcase.Name)
	if err := os.MkdirAll(persistDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("execstep: mkdir persist dir: %w", err)
	}
	persistedStdout := filepath.Join(persistDir, "stdout")
	persistedStderr := filepath.Join(persistDir, "stderr")
	if err := copyFile(stdoutPath, persistedStdout); err != nil {
		return Result{}, fmt.Errorf("execstep: persist stdout: %w", err)
	}
	if err := copyFile(stderrPath, persistedStderr); err != nil {
		return Result{}, fmt.Errorf("execstep: persist stderr: %w", err)
	}

	return Result{RunLog: runLog, StdoutPath: persistedStdout, StderrPath: persistedStderr}, nil
}

// runCommunication provisions separate workdirs for the solution and the
// interactor and drives them through C5 instead of a single direct C4
// call (spec.md §4.5 data flow: "Communication tasks route C7 through C5
// instead of direct C4"). The solution's stdout is consumed entirely by
// the interactor over the cross-pipe, so unlike the direct path there is
// no captured stdout file for C8 to diff against; C5's own verdict is
// authoritative unless it explicitly defers to a checker.
func (r *Runner) runCommunication(ctx context.Context, req Request) (Result, error) {
	solWorkdir, err := os.MkdirTemp(r.ScratchDir, "rbx-comm-sol-*")
	if err != nil {
		return Result{}, fmt.Errorf("execstep: mkdtemp solution: %w", err)
	}
	defer os.RemoveAll(solWorkdir)

	intWorkdir, err := os.MkdirTemp(r.ScratchDir, "rbx-comm-int-*")
	if err != nil {
		return Result{}, fmt.Errorf("execstep: mkdtemp interactor: %w", err)
	}
	defer os.RemoveAll(intWorkdir)

	solExecutable := req.Language.PhysicalName("executable")
	if err := sandbox.PrepareWorkdir(solWorkdir, r.Store, []sandbox.ExtraFile{
		{LogicalName: solExecutable, Digest: req.ArtifactDigest, Executable: true},
	}); err != nil {
		return Result{}, fmt.Errorf("execstep: prepare solution workdir: %w", err)
	}

	intExecutable := req.Interactor.Language.PhysicalName("executable")
	if err := sandbox.PrepareWorkdir(intWorkdir, r.Store, []sandbox.ExtraFile{
		{LogicalName: intExecutable, Digest: req.Interactor.ArtifactDigest, Executable: true},
	}); err != nil {
		return Result{}, fmt.Errorf("execstep: prepare interactor workdir: %w", err)
	}

	solTimeMS, solWallMS, solMemBytes, solOutBytes := DeriveSandboxParams(r.Runtime, req.Limits)
	intTimeMS, intWallMS, intMemBytes, intOutBytes := DeriveSandboxParams(r.Runtime, req.Interactor.Limits)

	solCmd := req.Language.RenderRunCommand(lang.Substitutions{Compilable: req.Language.PhysicalName("compilable"), Executable: solExecutable, MemoryLimitMB: req.Limits.MemoryMB})
	intCmd := req.Interactor.Language.RenderRunCommand(lang.Substitutions{Compilable: req.Interactor.Language.PhysicalName("compilable"), Executable: intExecutable, MemoryLimitMB: req.Interactor.Limits.MemoryMB})

	persistDir := filepath.Join(r.ScratchDir, "runs", req.Testcase.Name)
	if err := os.MkdirAll(persistDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("execstep: mkdir persist dir: %w", err)
	}
	solStderrPath := filepath.Join(persistDir, "sol-stderr")
	intStderrPath := filepath.Join(persistDir, "int-stderr")

	tracePath := req.Testcase.TracePath
	if tracePath == "" {
		tracePath = filepath.Join(persistDir, "trace.pio")
	}

	res, err := communicate.Run(ctx, r.Runtime, communicate.Params{
		SolutionCommand:      solCmd,
		SolutionDir:          solWorkdir,
		SolutionStderrPath:   solStderrPath,
		Solution:             communicate.Limits(solTimeMS, solWallMS, solMemBytes, solOutBytes),
		InteractorCommand:    intCmd,
		InteractorDir:        intWorkdir,
		InteractorStderrPath: intStderrPath,
		InteractorExtraArgs:  req.Interactor.ExtraArgs,
		Interactor:           communicate.Limits(intTimeMS, intWallMS, intMemBytes, intOutBytes),
		InputPath:            req.Testcase.InputPath,
		ExpectedPath:         req.Testcase.AnswerPath,
		TracePath:            tracePath,
	})
	if err != nil {
		return Result{}, fmt.Errorf("execstep: run communication: %w", err)
	}

	interactorLog := res.Interactor
	verdict := res.Verdict
	return Result{
		RunLog: res.Solution,
		// The solution's stdout was consumed entirely by the interactor
		// over the cross-pipe; there is no captured file to diff, so a
		// checker invoked for the rare "interactor deferred" case gets
		// /dev/null rather than a path that doesn't exist.
		StdoutPath:         os.DevNull,
		StderrPath:         solStderrPath,
		Interactor:         &interactorLog,
		CommunicateVerdict: &verdict,
	}, nil
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(dst, nil, 0o644)
		}
		return err
	}
	return os.WriteFile(dst, b, 0o644)
}
