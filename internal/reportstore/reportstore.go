// Package reportstore persists SolutionOutcomeReport records durably,
// the same way core/submission_repository.go persists submission
// verdicts: a pgx pool, one upsert per report, judge details refreshed
// in a transaction.
package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rsalesc/rbx/internal/model"
)

// ErrReportNotFound is returned when a solution path has no stored report.
var ErrReportNotFound = errors.New("reportstore: report not found")

// Repository persists SolutionOutcomeReport records.
type Repository interface {
	Save(ctx context.Context, r model.SolutionOutcomeReport) error
	FindBySolutionPath(ctx context.Context, solutionPath string) (model.SolutionOutcomeReport, error)
	ListRecent(ctx context.Context, limit int) ([]model.SolutionOutcomeReport, error)
}

// PgRepository is a pgx-backed Repository. Expects tables
// `solution_reports` and `solution_report_evaluations` to exist.
type PgRepository struct {
	db *pgxpool.Pool
}

// NewPgRepository wraps an existing pgx pool.
func NewPgRepository(db *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: db}
}

// Save upserts the report and refreshes its per-testcase evaluations in
// one transaction, mirroring the teacher's submission-result upsert
// pattern.
func (r *PgRepository) Save(ctx context.Context, rep model.SolutionOutcomeReport) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("reportstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	subtaskScores, err := json.Marshal(rep.SubtaskScores)
	if err != nil {
		return fmt.Errorf("reportstore: marshal subtask scores: %w", err)
	}
	warnings, err := json.Marshal(rep.Warnings)
	if err != nil {
		return fmt.Errorf("reportstore: marshal warnings: %w", err)
	}

	const upsert = `INSERT INTO solution_reports
		(solution_path, final_outcome, status, score, max_score, subtask_scores, warnings, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (solution_path) DO UPDATE SET
			final_outcome=EXCLUDED.final_outcome,
			status=EXCLUDED.status,
			score=EXCLUDED.score,
			max_score=EXCLUDED.max_score,
			subtask_scores=EXCLUDED.subtask_scores,
			warnings=EXCLUDED.warnings,
			updated_at=NOW()`
	if _, err := tx.Exec(ctx, upsert, rep.SolutionPath, string(rep.Final), string(rep.Status), rep.Score, rep.MaxScore, subtaskScores, warnings); err != nil {
		return fmt.Errorf("reportstore: upsert report: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM solution_report_evaluations WHERE solution_path=$1`, rep.SolutionPath); err != nil {
		return fmt.Errorf("reportstore: clear evaluations: %w", err)
	}
	for _, e := range rep.Evaluations {
		const insertEval = `INSERT INTO solution_report_evaluations
			(solution_path, testcase, outcome, cpu_time_ms, wall_time_ms, peak_memory_bytes, message)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`
		if _, err := tx.Exec(ctx, insertEval, rep.SolutionPath, e.Testcase.Name, string(e.Checker.Outcome),
			e.Solution.CPUTimeMS, e.Solution.WallTimeMS, e.Solution.PeakMemory, e.Checker.Message); err != nil {
			return fmt.Errorf("reportstore: insert evaluation %s: %w", e.Testcase.Name, err)
		}
	}

	return tx.Commit(ctx)
}

// FindBySolutionPath loads the most recent report for a solution.
func (r *PgRepository) FindBySolutionPath(ctx context.Context, solutionPath string) (model.SolutionOutcomeReport, error) {
	const q = `SELECT solution_path, final_outcome, status, score, max_score, subtask_scores, warnings
		FROM solution_reports WHERE solution_path=$1`
	var rep model.SolutionOutcomeReport
	var final, status string
	var subtaskScores, warnings []byte
	err := r.db.QueryRow(ctx, q, solutionPath).Scan(&rep.SolutionPath, &final, &status, &rep.Score, &rep.MaxScore, &subtaskScores, &warnings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SolutionOutcomeReport{}, ErrReportNotFound
		}
		return model.SolutionOutcomeReport{}, fmt.Errorf("reportstore: find %s: %w", solutionPath, err)
	}
	rep.Final = model.Outcome(final)
	rep.Status = model.ReportStatus(status)
	if len(subtaskScores) > 0 {
		if err := json.Unmarshal(subtaskScores, &rep.SubtaskScores); err != nil {
			return model.SolutionOutcomeReport{}, fmt.Errorf("reportstore: unmarshal subtask scores: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &rep.Warnings); err != nil {
			return model.SolutionOutcomeReport{}, fmt.Errorf("reportstore: unmarshal warnings: %w", err)
		}
	}
	return rep, nil
}

// ListRecent returns the most recently updated reports, newest first.
func (r *PgRepository) ListRecent(ctx context.Context, limit int) ([]model.SolutionOutcomeReport, error) {
	const q = `SELECT solution_path, final_outcome, status, score, max_score
		FROM solution_reports ORDER BY updated_at DESC LIMIT $1`
	rows, err := r.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("reportstore: list recent: %w", err)
	}
	defer rows.Close()

	var out []model.SolutionOutcomeReport
	for rows.Next() {
		var rep model.SolutionOutcomeReport
		var final, status string
		if err := rows.Scan(&rep.SolutionPath, &final, &status, &rep.Score, &rep.MaxScore); err != nil {
			return nil, fmt.Errorf("reportstore: scan row: %w", err)
		}
		rep.Final = model.Outcome(final)
		rep.Status = model.ReportStatus(status)
		out = append(out, rep)
	}
	return out, rows.Err()
}
