// Package evaluate orchestrates C6 through C9 for one solution against a
// declared set of testcases: compile, then execute+check each testcase
// in order, aggregating into a SolutionOutcomeReport — the grading
// core's equivalent of core/worker_processor.go's per-submission
// pipeline, minus the queue/DB bookkeeping (handled by reportstore and
// the cmd/rbxjudge entrypoint instead).
package evaluate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rsalesc/rbx/internal/checker"
	"github.com/rsalesc/rbx/internal/compile"
	"github.com/rsalesc/rbx/internal/execstep"
	"github.com/rsalesc/rbx/internal/lang"
	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/store"
	"github.com/rsalesc/rbx/internal/verdict"
)

// CheckerSpec names an explicit checker CodeItem to compile, or nil to
// fall back to the built-in word-compare checker (§4.8).
type CheckerSpec struct {
	Code     model.CodeItem
	Language lang.Language
}

// ValidatorSpec names an optional input-validation binary (SUPPLEMENTED
// FEATURES: validator step), compiled once and run ahead of the solution
// for every testcase.
type ValidatorSpec struct {
	Code     model.CodeItem
	Language lang.Language
}

// InteractorSpec names a communication task's interactor: compiled once,
// then cross-piped against the solution for every testcase via C5
// instead of running the solution directly under C4 (spec.md §4.5).
type InteractorSpec struct {
	Code      model.CodeItem
	Language  lang.Language
	ExtraArgs []string // appended after <input> <expected_output> when invoking the interactor
}

// Request is everything needed to grade one solution.
type Request struct {
	Solution         model.CodeItem
	SolutionLanguage lang.Language
	Checker          *CheckerSpec
	Validator        *ValidatorSpec
	Interactor       *InteractorSpec
	Limits           model.Limits
	Testcases        []model.TestcaseIO
	Expected         model.ExpectedOutcome
	SubtaskGroups    []model.SubtaskGroup
	// DoubleTL mirrors model.Solution.DoubleTL: when set, a TIME_LIMIT_EXCEEDED
	// verdict on a testcase triggers one re-run at 2x the declared limits
	// (SUPPLEMENTED FEATURES: double-TL reverify) before the verdict is
	// trusted. Limits.IsDoubleTL itself is left false here and only set on
	// the relaxed rerun.
	DoubleTL bool
}

// Engine wires C6 (compile), C7 (execstep), C8 (checker) into the C9
// aggregation.
type Engine struct {
	Store         *store.Store
	Compiler      *compile.Compiler
	Runner        *execstep.Runner
	CheckerRunner *checker.Runner
	ScratchDir    string
}

// EvaluateSolution runs the full pipeline and returns a report. A
// compilation failure short-circuits with zero evaluations, matching
// §4.6 step 8: "solution is marked non-runnable but does not abort the
// suite" at the multi-solution level (the caller's loop, not this call,
// is what continues past one failed solution).
func (e *Engine) EvaluateSolution(ctx context.Context, req Request) (model.SolutionOutcomeReport, error) {
	solCompile, err := e.Compiler.Compile(ctx, compile.Request{Code: req.Solution, Language: req.SolutionLanguage})
	if err != nil {
		return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: compile solution: %w", err)
	}
	if solCompile.Outcome != model.Accepted {
		return model.SolutionOutcomeReport{
			SolutionPath: req.Solution.Path,
			Final:        model.CompilationError,
			Status:       verdict.MatchExpectation(model.CompilationError, req.Expected),
		}, nil
	}

	var checkerBinary string
	useWordCompare := req.Checker == nil
	if !useWordCompare {
		chkCompile, err := e.Compiler.Compile(ctx, compile.Request{Code: req.Checker.Code, Language: req.Checker.Language})
		if err != nil {
			return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: compile checker: %w", err)
		}
		if chkCompile.Outcome != model.Accepted {
			return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: checker failed to compile: %s", chkCompile.CompileStderr)
		}
		checkerBinary, err = e.materializeChecker(chkCompile.ArtifactDigest)
		if err != nil {
			return model.SolutionOutcomeReport{}, err
		}
	}

	var perTestcaseArtifact map[string]model.Digest
	if req.SolutionLanguage.OutputOnly {
		perTestcaseArtifact, err = e.materializeOutputOnlyArtifacts(req)
		if err != nil {
			return model.SolutionOutcomeReport{
				SolutionPath: req.Solution.Path,
				Final:        model.CompilationError,
				Status:       verdict.MatchExpectation(model.CompilationError, req.Expected),
			}, nil
		}
	}

	var interactorArtifact model.Digest
	if req.Interactor != nil {
		intCompile, err := e.Compiler.Compile(ctx, compile.Request{Code: req.Interactor.Code, Language: req.Interactor.Language})
		if err != nil {
			return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: compile interactor: %w", err)
		}
		if intCompile.Outcome != model.Accepted {
			return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: interactor failed to compile: %s", intCompile.CompileStderr)
		}
		interactorArtifact = intCompile.ArtifactDigest
	}

	var validatorBinary string
	if req.Validator != nil {
		valCompile, err := e.Compiler.Compile(ctx, compile.Request{Code: req.Validator.Code, Language: req.Validator.Language})
		if err != nil {
			return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: compile validator: %w", err)
		}
		if valCompile.Outcome != model.Accepted {
			return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: validator failed to compile: %s", valCompile.CompileStderr)
		}
		validatorBinary, err = e.materializeValidator(valCompile.ArtifactDigest)
		if err != nil {
			return model.SolutionOutcomeReport{}, err
		}
	}

	evaluations := make([]model.Evaluation, 0, len(req.Testcases))
	var reverifyWarnings []string
	for _, tc := range req.Testcases {
		artifact := solCompile.ArtifactDigest
		if perTestcaseArtifact != nil {
			artifact = perTestcaseArtifact[tc.Name]
		}

		eval, err := e.evaluateTestcase(ctx, req, tc, artifact, interactorArtifact, checkerBinary, validatorBinary, useWordCompare)
		if err != nil {
			return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: testcase %s: %w", tc.Name, err)
		}
		if req.DoubleTL && !req.Limits.IsDoubleTL && eval.Checker.Outcome == model.TimeLimitExceeded {
			var warnings []string
			eval, warnings, err = e.reverifyDoubleTL(ctx, req, tc, artifact, interactorArtifact, checkerBinary, validatorBinary, useWordCompare, eval)
			if err != nil {
				return model.SolutionOutcomeReport{}, fmt.Errorf("evaluate: reverify testcase %s: %w", tc.Name, err)
			}
			reverifyWarnings = append(reverifyWarnings, warnings...)
		}
		evaluations = append(evaluations, eval)
		if eval.Checker.Outcome.Terminal() {
			break
		}
	}

	report := verdict.BuildReport(req.Solution.Path, evaluations, req.Expected, req.SubtaskGroups)
	report.Warnings = append(report.Warnings, reverifyWarnings...)
	return report, nil
}

// materializeChecker writes the checker artifact once into a stable
// scratch location so every testcase's RunChecker call can invoke the
// same on-disk binary, rather than re-extracting it from C1 per testcase.
func (e *Engine) materializeChecker(digest model.Digest) (string, error) {
	dir := filepath.Join(e.ScratchDir, "checker")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("evaluate: mkdir checker dir: %w", err)
	}
	path := filepath.Join(dir, "checker.bin")
	if err := e.Store.GetToPath(digest, path); err != nil {
		return "", fmt.Errorf("evaluate: materialize checker: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return "", fmt.Errorf("evaluate: chmod checker: %w", err)
	}
	return path, nil
}

// materializeValidator mirrors materializeChecker for the optional
// validator binary (SUPPLEMENTED FEATURES: validator step).
func (e *Engine) materializeValidator(digest model.Digest) (string, error) {
	dir := filepath.Join(e.ScratchDir, "validator")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("evaluate: mkdir validator dir: %w", err)
	}
	path := filepath.Join(dir, "validator.bin")
	if err := e.Store.GetToPath(digest, path); err != nil {
		return "", fmt.Errorf("evaluate: materialize validator: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return "", fmt.Errorf("evaluate: chmod validator: %w", err)
	}
	return path, nil
}

// materializeOutputOnlyArtifacts decodes an output-only submission
// (SUPPLEMENTED FEATURES: output-only "cat" language) and stores each
// testcase's own answer as its own C1 artifact. C6 compiles one artifact
// per Request; an output-only submission packs one answer per testcase
// into a single file, so this bypasses C6 entirely and builds the
// per-testcase digest map evaluateTestcase needs instead.
func (e *Engine) materializeOutputOnlyArtifacts(req Request) (map[string]model.Digest, error) {
	raw, err := os.ReadFile(req.Solution.Path)
	if err != nil {
		return nil, fmt.Errorf("read output-only submission: %w", err)
	}

	names := make([]string, 0, len(req.Testcases))
	for _, tc := range req.Testcases {
		names = append(names, tc.Name)
	}
	decoded, err := lang.DecodeOutputOnlySource(string(raw), names, req.Limits.OutputKB*1024)
	if err != nil {
		return nil, fmt.Errorf("decode output-only submission: %w", err)
	}

	out := make(map[string]model.Digest, len(req.Testcases))
	for _, tc := range req.Testcases {
		content, ok := decoded.ByTestcase[tc.Name]
		if !ok && len(req.Testcases) == 1 {
			content = decoded.ByTestcase["Main"]
		}
		digest, err := e.Store.Put([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("store output-only testcase %s: %w", tc.Name, err)
		}
		out[tc.Name] = digest
	}
	return out, nil
}

func (e *Engine) evaluateTestcase(ctx context.Context, req Request, tc model.TestcaseIO, solutionArtifact, interactorArtifact model.Digest, checkerBinary, validatorBinary string, useWordCompare bool) (model.Evaluation, error) {
	started := time.Now()

	inputPath := tc.InputPath
	if validatorBinary != "" {
		valResult, err := e.CheckerRunner.RunValidator(ctx, validatorBinary, tc.InputPath)
		if err != nil {
			return model.Evaluation{}, fmt.Errorf("run validator: %w", err)
		}
		if valResult.Outcome != model.Accepted {
			// Matches quark's fallback-to-/dev/null behavior on validator
			// failure: the solution still runs, but against input the
			// validator rejected, so the checker is expected to fail it.
			inputPath = os.DevNull
		}
	}

	execReq := execstep.Request{
		ArtifactDigest: solutionArtifact,
		Language:       req.SolutionLanguage,
		Testcase:       model.TestcaseIO{Name: tc.Name, InputPath: inputPath, AnswerPath: tc.AnswerPath, TracePath: tc.TracePath},
		Limits:         req.Limits,
	}
	if req.Interactor != nil {
		// Communication tasks route C7 through C5 instead of direct C4
		// (spec.md §4.5 data flow): the interactor is cross-piped against
		// the solution rather than the solution running standalone.
		execReq.Interactor = &execstep.InteractorRequest{
			ArtifactDigest: interactorArtifact,
			Language:       req.Interactor.Language,
			Limits:         req.Limits,
			ExtraArgs:      req.Interactor.ExtraArgs,
		}
	}

	execRes, err := e.Runner.Run(ctx, execReq)
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("run: %w", err)
	}

	var result model.CheckerResult
	if execRes.CommunicateVerdict != nil && *execRes.CommunicateVerdict != model.Accepted {
		// §4.5's verdict-priority table already decided this testcase
		// (resource breach, interactor crash, or a testlib WA/JF/AC exit
		// code): no checker run left to do.
		result = model.CheckerResult{Outcome: *execRes.CommunicateVerdict}
	} else if outcome, handled := checker.PreOutputCheck(execRes.RunLog); handled {
		result = model.CheckerResult{Outcome: outcome}
	} else if req.Interactor != nil && useWordCompare {
		// The interactor deferred (§4.5 case 7) and no explicit checker
		// was declared for this communication task; nothing else can
		// judge it, so it stands as accepted.
		result = model.CheckerResult{Outcome: model.Accepted}
	} else if useWordCompare {
		if tc.AnswerPath == "" {
			result = model.CheckerResult{Outcome: model.JudgeFailed, Message: "no expected answer declared for word-compare checker"}
		} else {
			result, err = checker.WordCompare(execRes.StdoutPath, tc.AnswerPath)
			if err != nil {
				return model.Evaluation{}, fmt.Errorf("word-compare: %w", err)
			}
		}
	} else {
		result, err = e.CheckerRunner.RunChecker(ctx, checkerBinary, inputPath, execRes.StdoutPath, tc.AnswerPath)
		if err != nil {
			return model.Evaluation{}, fmt.Errorf("run checker: %w", err)
		}
	}

	result = verdict.PromoteSoftTLE(execRes.RunLog, result)

	return model.Evaluation{
		Testcase:   tc,
		Solution:   execRes.RunLog,
		Interactor: execRes.Interactor,
		Checker:    result,
		StartedAt:  started,
		EndedAt:    time.Now(),
	}, nil
}

// reverifyDoubleTL implements the supplemented double-TL re-run: a
// testcase that timed out at the declared limit is re-executed at 2x the
// limit before the TLE verdict is trusted (verdict.ReverifyDoubleTL).
// The reported evaluation keeps the original 1x RunLog/Checker outcome;
// the relaxed rerun contributes a warning and, when the evaluation has
// no NoTLEOutcome yet, its own outcome as NoTLEOutcome.
func (e *Engine) reverifyDoubleTL(ctx context.Context, req Request, tc model.TestcaseIO, solutionArtifact, interactorArtifact model.Digest, checkerBinary, validatorBinary string, useWordCompare bool, original model.Evaluation) (model.Evaluation, []string, error) {
	relaxed := req
	relaxed.Limits.IsDoubleTL = true

	rerun, err := e.evaluateTestcase(ctx, relaxed, tc, solutionArtifact, interactorArtifact, checkerBinary, validatorBinary, useWordCompare)
	if err != nil {
		return model.Evaluation{}, nil, err
	}

	kept, warnings := verdict.ReverifyDoubleTL(original.Checker.Outcome, rerun.Checker.Outcome)
	original.Checker.Outcome = kept
	if original.Checker.NoTLEOutcome == nil {
		original.Checker.NoTLEOutcome = &rerun.Checker.Outcome
	}
	return original, warnings, nil
}
