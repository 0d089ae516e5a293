package communicate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/runtime"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDecideVerdictInteractorAccept(t *testing.T) {
	sol := model.RunLog{Status: model.ExitOk}
	intr := model.RunLog{Status: model.ExitOk}
	if got := decideVerdict(sol, intr, 4, FirstInteractor); got != model.Accepted {
		t.Fatalf("verdict = %v, want ACCEPTED", got)
	}
}

func TestDecideVerdictSolutionLimitWins(t *testing.T) {
	sol := model.RunLog{Status: model.ExitTimeout}
	intr := model.RunLog{Status: model.ExitOk}
	if got := decideVerdict(sol, intr, 4, FirstInteractor); got != model.TimeLimitExceeded {
		t.Fatalf("verdict = %v, want TIME_LIMIT_EXCEEDED", got)
	}
}

func TestDecideVerdictInteractorWrongAnswer(t *testing.T) {
	sol := model.RunLog{Status: model.ExitOk}
	intr := model.RunLog{Status: model.ExitOk}
	if got := decideVerdict(sol, intr, 1, FirstInteractor); got != model.WrongAnswer {
		t.Fatalf("verdict = %v, want WRONG_ANSWER", got)
	}
}

func TestDecideVerdictSolutionRuntimeError(t *testing.T) {
	sol := model.RunLog{Status: model.ExitSignal}
	intr := model.RunLog{Status: model.ExitOk}
	if got := decideVerdict(sol, intr, 0, FirstSolution); got != model.RuntimeError {
		t.Fatalf("verdict = %v, want RUNTIME_ERROR", got)
	}
}

func TestDecideVerdictInteractorCrashIsJudgeFailed(t *testing.T) {
	sol := model.RunLog{Status: model.ExitOk}
	intr := model.RunLog{Status: model.ExitSignal, ExitCode: 128 + 11} // SIGSEGV
	if got := decideVerdict(sol, intr, 0, FirstInteractor); got != model.JudgeFailed {
		t.Fatalf("verdict = %v, want JUDGE_FAILED", got)
	}
}

func TestRunSimpleEcho(t *testing.T) {
	dir := t.TempDir()
	sol := writeScript(t, dir, "sol.sh", "read line; echo \"got:$line\"\n")
	interactor := writeScript(t, dir, "int.sh", "echo hello; read line; if [ \"$line\" = \"got:hello\" ]; then exit 4; else exit 1; fi\n")

	input := filepath.Join(dir, "input.txt")
	expected := filepath.Join(dir, "expected.txt")
	if err := os.WriteFile(input, []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile input: %v", err)
	}
	if err := os.WriteFile(expected, []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile expected: %v", err)
	}

	rt := runtime.Default()

	p := Params{
		SolutionCommand:      []string{sol},
		SolutionDir:          dir,
		SolutionStderrPath:   filepath.Join(dir, "sol.stderr"),
		Solution:             Limits(2000, 5000, 256<<20, 1<<20),
		InteractorCommand:    []string{interactor},
		InteractorDir:        dir,
		InteractorStderrPath: filepath.Join(dir, "int.stderr"),
		Interactor:           Limits(2000, 5000, 256<<20, 1<<20),
		InputPath:            input,
		ExpectedPath:         expected,
		TracePath:            filepath.Join(dir, "trace.pio"),
	}

	res, err := Run(context.Background(), rt, p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != model.Accepted {
		t.Fatalf("Verdict = %v, want ACCEPTED (interactor exit %d)", res.Verdict, res.InteractorExit)
	}

	if _, err := os.Stat(p.TracePath); err != nil {
		t.Fatalf("expected a .pio trace file: %v", err)
	}
}
