// Package verdict implements C9: soft-TLE promotion, worst_of
// aggregation with terminal short-circuit, expectation matching, and the
// supplemented double-TL-warning / subtask-group scoring
// (spec.md §4.9, SUPPLEMENTED FEATURES).
package verdict

import (
	"fmt"

	"github.com/rsalesc/rbx/internal/model"
)

// PromoteSoftTLE implements §4.9 "Soft TLE promotion": if the solution's
// run was clean but ran at or past the time limit, and the checker
// returned ACCEPTED or WRONG_ANSWER, the outcome is promoted to TLE with
// the original preserved in NoTLEOutcome.
func PromoteSoftTLE(runLog model.RunLog, checkerResult model.CheckerResult) model.CheckerResult {
	if !runLog.SoftTLE {
		return checkerResult
	}
	if checkerResult.Outcome != model.Accepted && checkerResult.Outcome != model.WrongAnswer {
		return checkerResult
	}
	original := checkerResult.Outcome
	checkerResult.NoTLEOutcome = &original
	checkerResult.Outcome = model.TimeLimitExceeded
	return checkerResult
}

// Aggregate implements §4.9 "Aggregation": worst_of across evaluations,
// short-circuiting (returning early, dropping unprocessed testcases) the
// moment a terminal outcome is seen.
func Aggregate(evaluations []model.Evaluation) (model.Outcome, int) {
	worst := model.Accepted
	for i, e := range evaluations {
		worst = model.WorstOf(worst, e.Checker.Outcome)
		if e.Checker.Outcome.Terminal() {
			return worst, i + 1
		}
	}
	return worst, len(evaluations)
}

// MatchExpectation implements §4.9 "Expectation matching".
func MatchExpectation(final model.Outcome, expected model.ExpectedOutcome) model.ReportStatus {
	if expected.Matches(final) {
		return model.StatusOK
	}
	return model.StatusUnexpectedVerdicts
}

// DoubleTLWarning implements §4.9 "Double-TL warning": if the expected
// outcome is TIME_LIMIT_EXCEEDED and the solution passed under 2x the
// time limit (doubleTL mode), warn that it might actually be correct.
func DoubleTLWarning(expected model.ExpectedOutcome, doubleTLFinal model.Outcome) (string, bool) {
	if expected.Tag != model.TagTimeLimitExceeded {
		return "", false
	}
	if doubleTLFinal == model.Accepted {
		return "solution passed under 2x the time limit; it might be correct and merely slow", true
	}
	return "", false
}

// ReverifyDoubleTL is the supplemented re-run-at-2x-time-limit check
// (SUPPLEMENTED FEATURES: "Double-TL reverify", grounded on the
// omegaUp-style runner's habit of re-running TLE verdicts at a relaxed
// limit before trusting them). Callers re-execute the failing testcase
// with Limits.IsDoubleTL set and pass the resulting Outcome here.
func ReverifyDoubleTL(original model.Outcome, rerun model.Outcome) (model.Outcome, []string) {
	if original != model.TimeLimitExceeded {
		return original, nil
	}
	if rerun == model.Accepted {
		return original, []string{"re-run at 2x time limit passed; verdict kept as TIME_LIMIT_EXCEEDED per declared limit, see no_tle_outcome for the relaxed result"}
	}
	return original, nil
}

// ScoreSubtaskGroup implements the supplemented subtask-group scoring
// (SUPPLEMENTED FEATURES: subtask groups): min-strategy groups score
// zero if any member testcase fails; sum-strategy groups score the sum
// of per-testcase partial scores.
func ScoreSubtaskGroup(group model.SubtaskGroup, testcaseOutcomes map[string]model.Outcome, testcasePartialScores map[string]int64) (int64, error) {
	switch group.Strategy {
	case model.StrategyMin:
		for _, tc := range group.Testcases {
			o, ok := testcaseOutcomes[tc]
			if !ok {
				return 0, fmt.Errorf("verdict: subtask %q: missing outcome for testcase %q", group.Name, tc)
			}
			if o != model.Accepted {
				return 0, nil
			}
		}
		return group.Score, nil
	case model.StrategySum:
		var total int64
		for _, tc := range group.Testcases {
			total += testcasePartialScores[tc]
		}
		if total > group.Score {
			total = group.Score
		}
		return total, nil
	default:
		return 0, fmt.Errorf("verdict: subtask %q: unknown strategy %q", group.Name, group.Strategy)
	}
}

// BuildReport assembles the final SolutionOutcomeReport for a solution,
// combining aggregation, expectation matching, and subtask scoring.
func BuildReport(solutionPath string, evaluations []model.Evaluation, expected model.ExpectedOutcome, groups []model.SubtaskGroup) model.SolutionOutcomeReport {
	final, processed := Aggregate(evaluations)
	status := MatchExpectation(final, expected)

	report := model.SolutionOutcomeReport{
		SolutionPath:  solutionPath,
		Final:         final,
		Status:        status,
		Evaluations:   evaluations[:processed],
		SubtaskScores: make(map[string]int64),
	}

	testcaseOutcomes := make(map[string]model.Outcome, processed)
	for _, e := range evaluations[:processed] {
		testcaseOutcomes[e.Testcase.Name] = e.Checker.Outcome
	}

	for _, g := range groups {
		score, err := ScoreSubtaskGroup(g, testcaseOutcomes, nil)
		if err != nil {
			report.Warnings = append(report.Warnings, err.Error())
			continue
		}
		report.SubtaskScores[g.Name] = score
		report.Score += score
		report.MaxScore += g.Score
	}

	if msg, warn := DoubleTLWarning(expected, relaxedFinal(evaluations[:processed], final)); warn {
		report.Warnings = append(report.Warnings, msg)
	}

	return report
}

// relaxedFinal recomputes the aggregate outcome with every testcase's
// NoTLEOutcome substituted in place of its TIME_LIMIT_EXCEEDED verdict —
// i.e. what the final verdict would be under the 2x-relaxed limits a
// double-TL reverify already ran. A no-op unless the 1x final is itself
// TIME_LIMIT_EXCEEDED, since that is the only case DoubleTLWarning cares
// about.
func relaxedFinal(evaluations []model.Evaluation, final model.Outcome) model.Outcome {
	if final != model.TimeLimitExceeded {
		return final
	}
	relaxed := make([]model.Evaluation, len(evaluations))
	copy(relaxed, evaluations)
	for i, e := range relaxed {
		if e.Checker.Outcome == model.TimeLimitExceeded && e.Checker.NoTLEOutcome != nil {
			e.Checker.Outcome = *e.Checker.NoTLEOutcome
			relaxed[i] = e
		}
	}
	worst, _ := Aggregate(relaxed)
	return worst
}
