package evaluate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rsalesc/rbx/internal/checker"
	"github.com/rsalesc/rbx/internal/compile"
	"github.com/rsalesc/rbx/internal/depcache"
	"github.com/rsalesc/rbx/internal/execstep"
	"github.com/rsalesc/rbx/internal/lang"
	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/runtime"
	"github.com/rsalesc/rbx/internal/store"
)

// catSolutionLang "compiles" by copying the source verbatim, then runs it
// via /bin/sh so a solution source file can just be a shell script.
var catSolutionLang = lang.Language{
	Name: "shsol",
	CompileCommands: [][]string{
		{"/bin/cp", "{compilable}", "{executable}"},
		{"/bin/chmod", "+x", "{executable}"},
	},
	RunCommand: []string{"{executable}"},
	FileMapping: map[string]string{
		"compilable": "sol.sh",
		"executable": "sol",
	},
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	cache, err := depcache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("depcache.Open: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	rt := runtime.Default()
	rt.SandboxPollInterval = 10 * time.Millisecond
	scratch := t.TempDir()

	return &Engine{
		Store:         s,
		Compiler:      &compile.Compiler{Store: s, Cache: cache, Runtime: rt, ScratchDir: scratch},
		Runner:        &execstep.Runner{Store: s, Runtime: rt, ScratchDir: scratch},
		CheckerRunner: &checker.Runner{Runtime: rt, ScratchDir: scratch},
		ScratchDir:    scratch,
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestEvaluateSolutionAcceptedWithWordCompare(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()

	solPath := writeFile(t, dir, "sol.sh", "#!/bin/sh\ncat\n")
	inputPath := writeFile(t, dir, "1.in", "42\n")
	answerPath := writeFile(t, dir, "1.ans", "42\n")

	report, err := e.EvaluateSolution(context.Background(), Request{
		Solution:         model.CodeItem{Path: solPath},
		SolutionLanguage: catSolutionLang,
		Limits:           model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024},
		Testcases:        []model.TestcaseIO{{Name: "1", InputPath: inputPath, AnswerPath: answerPath}},
		Expected:         model.ExpectedOutcome{Tag: model.TagAccepted},
	})
	if err != nil {
		t.Fatalf("EvaluateSolution: %v", err)
	}
	if report.Final != model.Accepted {
		t.Fatalf("Final = %s, want ACCEPTED", report.Final)
	}
	if report.Status != model.StatusOK {
		t.Fatalf("Status = %s, want OK", report.Status)
	}
	if len(report.Evaluations) != 1 {
		t.Fatalf("len(Evaluations) = %d, want 1", len(report.Evaluations))
	}
}

func TestEvaluateSolutionWrongAnswerRunsAllTestcases(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()

	solPath := writeFile(t, dir, "sol.sh", "#!/bin/sh\necho wrong\n")
	in1 := writeFile(t, dir, "1.in", "x\n")
	ans1 := writeFile(t, dir, "1.ans", "right\n")
	in2 := writeFile(t, dir, "2.in", "y\n")
	ans2 := writeFile(t, dir, "2.ans", "right\n")

	report, err := e.EvaluateSolution(context.Background(), Request{
		Solution:         model.CodeItem{Path: solPath},
		SolutionLanguage: catSolutionLang,
		Limits:           model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024},
		Testcases: []model.TestcaseIO{
			{Name: "1", InputPath: in1, AnswerPath: ans1},
			{Name: "2", InputPath: in2, AnswerPath: ans2},
		},
		Expected: model.ExpectedOutcome{Tag: model.TagAccepted},
	})
	if err != nil {
		t.Fatalf("EvaluateSolution: %v", err)
	}
	if report.Final != model.WrongAnswer {
		t.Fatalf("Final = %s, want WRONG_ANSWER", report.Final)
	}
	if report.Status != model.StatusUnexpectedVerdicts {
		t.Fatalf("Status = %s, want UNEXPECTED_VERDICTS", report.Status)
	}
	// WRONG_ANSWER is not terminal (§3.2: only JUDGE_FAILED/INTERNAL_ERROR
	// stop the suite), so both testcases still run.
	if len(report.Evaluations) != 2 {
		t.Fatalf("len(Evaluations) = %d, want 2", len(report.Evaluations))
	}
}

// validatorLang "compiles" identically to catSolutionLang; RunValidator
// invokes it as `{executable} <input-path>`.
var validatorLang = lang.Language{
	Name: "shval",
	CompileCommands: [][]string{
		{"/bin/cp", "{compilable}", "{executable}"},
		{"/bin/chmod", "+x", "{executable}"},
	},
	RunCommand: []string{"{executable}"},
	FileMapping: map[string]string{
		"compilable": "val.sh",
		"executable": "val",
	},
}

func TestEvaluateSolutionValidatorRejectsInputFallsBackToDevNull(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()

	solPath := writeFile(t, dir, "sol.sh", "#!/bin/sh\ncat\n")
	valPath := writeFile(t, dir, "val.sh", "#!/bin/sh\nread line < \"$1\"\ncase \"$line\" in\n  *reject*) exit 1 ;;\nesac\nexit 0\n")
	inputPath := writeFile(t, dir, "1.in", "reject\n")
	answerPath := writeFile(t, dir, "1.ans", "")

	report, err := e.EvaluateSolution(context.Background(), Request{
		Solution:         model.CodeItem{Path: solPath},
		SolutionLanguage: catSolutionLang,
		Validator:        &ValidatorSpec{Code: model.CodeItem{Path: valPath}, Language: validatorLang},
		Limits:           model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024},
		Testcases:        []model.TestcaseIO{{Name: "1", InputPath: inputPath, AnswerPath: answerPath}},
		Expected:         model.ExpectedOutcome{Tag: model.TagAccepted},
	})
	if err != nil {
		t.Fatalf("EvaluateSolution: %v", err)
	}
	// The validator rejects "1.in", so the solution ran against /dev/null
	// instead and produced empty output, matching the empty expected
	// answer: the rejected testcase still grades as ACCEPTED rather than
	// feeding the solution input the validator flagged as malformed.
	if report.Final != model.Accepted {
		t.Fatalf("Final = %s, want ACCEPTED", report.Final)
	}
}

func TestEvaluateSolutionCompilationErrorSkipsTestcases(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()

	failingLang := catSolutionLang
	failingLang.CompileCommands = [][]string{{"/bin/false"}}

	solPath := writeFile(t, dir, "sol.sh", "irrelevant")
	inputPath := writeFile(t, dir, "1.in", "x\n")

	report, err := e.EvaluateSolution(context.Background(), Request{
		Solution:         model.CodeItem{Path: solPath},
		SolutionLanguage: failingLang,
		Limits:           model.Limits{TimeMS: 2000, MemoryMB: 256, OutputKB: 1024},
		Testcases:        []model.TestcaseIO{{Name: "1", InputPath: inputPath}},
		Expected:         model.ExpectedOutcome{Tag: model.TagAccepted},
	})
	if err != nil {
		t.Fatalf("EvaluateSolution: %v", err)
	}
	if report.Final != model.CompilationError {
		t.Fatalf("Final = %s, want COMPILATION_ERROR", report.Final)
	}
	if len(report.Evaluations) != 0 {
		t.Fatalf("len(Evaluations) = %d, want 0 on compilation failure", len(report.Evaluations))
	}
}
