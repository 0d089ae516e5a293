// Package communicate implements C5, the communication coordinator: two
// child processes (solution and interactor) cross-piped together, each
// wrapped by its own C4 sandbox, with which-exited-first detection and
// the fixed verdict-priority table (spec.md §4.5).
package communicate

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/runtime"
	"github.com/rsalesc/rbx/internal/sandbox"
)

// First identifies which child's exit was observed first.
type First string

const (
	FirstSolution   First = "solution"
	FirstInteractor First = "interactor"
)

// Params configures one communication run.
type Params struct {
	SolutionCommand    []string
	SolutionDir        string
	SolutionStderrPath string
	Solution           sandboxLimits

	InteractorCommand   []string
	InteractorDir       string
	InteractorStderrPath string
	InteractorExtraArgs []string // appended after <input> <expected_output>
	Interactor          sandboxLimits

	InputPath    string
	ExpectedPath string

	TracePath string // if non-empty, a .pio trace is written (§4.5 "Interaction capture")
}

type sandboxLimits struct {
	TimeLimitMS      int64
	WallLimitMS      int64
	MemoryLimitBytes int64
	OutputLimitBytes int64
}

// Limits is the exported constructor for sandboxLimits, keeping the field
// unexported while letting callers build one.
func Limits(timeMS, wallMS, memoryBytes, outputBytes int64) sandboxLimits {
	return sandboxLimits{TimeLimitMS: timeMS, WallLimitMS: wallMS, MemoryLimitBytes: memoryBytes, OutputLimitBytes: outputBytes}
}

// Result is the outcome of a communication run: both RunLogs, which
// process exited first, the interactor's own exit code (for verdict
// mapping), and the derived verdict.
type Result struct {
	Solution       model.RunLog
	Interactor     model.RunLog
	First          First
	InteractorExit int
	Verdict        model.Outcome
}

// runOutcome carries one child's sandbox.Run result back across a channel.
type runOutcome struct {
	log model.RunLog
	err error
}

// Run drives one communication task to completion. Solution and
// interactor are connected through a pair of anonymous pipes and each
// spawned via sandbox.Run (§4.5 "Sandbox per child"), so CPU/wall/memory/
// output/idleness limits are enforced independently on both sides instead
// of only on the overall cascade.
func Run(ctx context.Context, rt *runtime.Runtime, p Params) (Result, error) {
	var tracer *traceWriter
	if p.TracePath != "" {
		var err error
		tracer, err = newTraceWriter(p.TracePath)
		if err != nil {
			return Result{}, fmt.Errorf("communicate: open trace: %w", err)
		}
		defer tracer.Close()
	}

	// Pipe A: interactor stdout -> solution stdin.
	// Pipe B: solution stdout -> interactor stdin.
	aR, aW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("communicate: pipe a: %w", err)
	}
	bR, bW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("communicate: pipe b: %w", err)
	}

	solStdin := newTeedReader(aR, tracer, '>')
	intStdin := newTeedReader(bR, tracer, '<')

	intCommand := make([]string, 0, len(p.InteractorCommand)+2+len(p.InteractorExtraArgs))
	intCommand = append(intCommand, p.InteractorCommand...)
	intCommand = append(intCommand, p.InputPath, p.ExpectedPath)
	intCommand = append(intCommand, p.InteractorExtraArgs...)

	solParams := sandbox.Params{
		Command:          p.SolutionCommand,
		Dir:              p.SolutionDir,
		Stdin:            solStdin,
		StdoutWriter:     bW,
		StderrPath:       p.SolutionStderrPath,
		TimeLimitMS:      p.Solution.TimeLimitMS,
		WallLimitMS:      p.Solution.WallLimitMS,
		MemoryLimitBytes: p.Solution.MemoryLimitBytes,
		OutputLimitBytes: p.Solution.OutputLimitBytes,
	}
	intParams := sandbox.Params{
		Command:          intCommand,
		Dir:              p.InteractorDir,
		Stdin:            intStdin,
		StdoutWriter:     aW,
		StderrPath:       p.InteractorStderrPath,
		TimeLimitMS:      p.Interactor.TimeLimitMS,
		WallLimitMS:      p.Interactor.WallLimitMS,
		MemoryLimitBytes: p.Interactor.MemoryLimitBytes,
		OutputLimitBytes: p.Interactor.OutputLimitBytes,
	}

	solCtx, solCancel := context.WithCancel(ctx)
	intCtx, intCancel := context.WithCancel(ctx)
	defer solCancel()
	defer intCancel()

	solCh := make(chan runOutcome, 1)
	intCh := make(chan runOutcome, 1)
	go func() {
		log, err := sandbox.Run(solCtx, rt, solParams)
		solCh <- runOutcome{log, err}
	}()
	go func() {
		log, err := sandbox.Run(intCtx, rt, intParams)
		intCh <- runOutcome{log, err}
	}()

	var first First
	var solOut, intOut runOutcome
	var solDone bool

	// Ties (simultaneous channel readiness) resolve to "interactor first"
	// per §4.5: select picks at random among ready cases, so after taking
	// solCh the interactor channel is polled once more and wins if ready.
	select {
	case intOut = <-intCh:
		first = FirstInteractor
	case solOut = <-solCh:
		solDone = true
		first = FirstSolution
		select {
		case intOut = <-intCh:
			first = FirstInteractor
		default:
		}
	}

	if first == FirstInteractor {
		// The solution's own sandbox enforces its wall limit, so there is
		// nothing left to bound here beyond waiting it out.
		if !solDone {
			solOut = <-solCh
		}
	} else {
		if solOut.err == nil && solOut.log.Status != model.ExitOk {
			// Solution crashed or breached a limit: cut the interactor
			// short instead of waiting out its full wall limit.
			intCancel()
		}
		intOut = <-intCh
	}

	if solOut.err != nil {
		return Result{}, fmt.Errorf("communicate: run solution: %w", solOut.err)
	}
	if intOut.err != nil {
		return Result{}, fmt.Errorf("communicate: run interactor: %w", intOut.err)
	}

	solLog := solOut.log
	intLog := intOut.log
	intExitCode := intLog.ExitCode
	if intExitCode > 128 { // our Signal convention stores 128+signum; undo for interactor-exit-code matching
		intExitCode -= 128
	}

	verdict := decideVerdict(solLog, intLog, intExitCode, first)

	return Result{
		Solution:       solLog,
		Interactor:     intLog,
		First:          first,
		InteractorExit: intExitCode,
		Verdict:        verdict,
	}, nil
}

// decideVerdict applies the verdict-priority table from §4.5, first match
// wins.
func decideVerdict(sol, intr model.RunLog, intExitCode int, first First) model.Outcome {
	// 1. Interactor crashed (non-testlib exit, not SIGTERM/SIGPIPE).
	if intr.Status == model.ExitSignal {
		sig := intr.ExitCode - 128
		if sig != int(syscall.SIGTERM) && sig != int(syscall.SIGPIPE) {
			return model.JudgeFailed
		}
	}

	// 2. Solution exceeded resource limits.
	switch sol.Status {
	case model.ExitTimeout, model.ExitWallTimeout:
		return model.TimeLimitExceeded
	case model.ExitMemoryLimit:
		return model.MemoryLimitExceeded
	case model.ExitOutputLimit:
		return model.OutputLimitExceeded
	case model.ExitIdlenessLimit:
		return model.IdlenessLimitExceeded
	}

	// 3. Interactor exit in {1, 2} -> WRONG_ANSWER (testlib PE and WA both map here).
	if intExitCode == 1 || intExitCode == 2 {
		return model.WrongAnswer
	}
	// 4. Interactor exit = 3 -> JUDGE_FAILED.
	if intExitCode == 3 {
		return model.JudgeFailed
	}
	// 5. Interactor exit = 4 -> ACCEPTED (so far).
	if intExitCode == 4 {
		return model.Accepted
	}

	// 6. Solution non-zero, solution-exit-first, no interactor WA -> RUNTIME_ERROR.
	if first == FirstSolution && sol.Status != model.ExitOk {
		return model.RuntimeError
	}

	// 7. Both clean -> defer to checker; callers treat Accepted as "no
	// verdict yet" and still invoke C8 in legacy-with-checker mode.
	return model.Accepted
}

// traceWriter serializes writes to the .pio trace file so both pipe tees
// can append concurrently without interleaving partial lines.
type traceWriter struct {
	mu sync.Mutex
	f  *os.File
}

func newTraceWriter(path string) (*traceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &traceWriter{f: f}, nil
}

func (t *traceWriter) writeLine(prefix byte, line []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.f.Write([]byte{prefix, ' '})
	t.f.Write(line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		t.f.Write([]byte{'\n'})
	}
}

func (t *traceWriter) Close() error { return t.f.Close() }

// teedReader wraps a pipe's read end so every Read is also appended to
// the trace, line-buffered, with the appropriate side label ('<' solution
// -> interactor, '>' interactor -> solution per §4.5). tracer may be nil
// when no TracePath was requested.
type teedReader struct {
	io.ReadCloser
	tracer *traceWriter
	prefix byte
	buf    []byte
}

func newTeedReader(r io.ReadCloser, tracer *traceWriter, prefix byte) *teedReader {
	return &teedReader{ReadCloser: r, tracer: tracer, prefix: prefix}
}

func (t *teedReader) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	if n > 0 && t.tracer != nil {
		t.buf = append(t.buf, p[:n]...)
		for {
			idx := indexByte(t.buf, '\n')
			if idx < 0 {
				break
			}
			t.tracer.writeLine(t.prefix, t.buf[:idx])
			t.buf = t.buf[idx+1:]
		}
	}
	if err == io.EOF && len(t.buf) > 0 && t.tracer != nil {
		t.tracer.writeLine(t.prefix, t.buf)
		t.buf = nil
	}
	return n, err
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
