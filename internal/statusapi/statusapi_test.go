package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rsalesc/rbx/internal/model"
	"github.com/rsalesc/rbx/internal/reportstore"
)

type fakeRepository struct {
	reports map[string]model.SolutionOutcomeReport
}

func (f *fakeRepository) Save(ctx context.Context, r model.SolutionOutcomeReport) error {
	f.reports[r.SolutionPath] = r
	return nil
}

func (f *fakeRepository) FindBySolutionPath(ctx context.Context, solutionPath string) (model.SolutionOutcomeReport, error) {
	r, ok := f.reports[solutionPath]
	if !ok {
		return model.SolutionOutcomeReport{}, reportstore.ErrReportNotFound
	}
	return r, nil
}

func (f *fakeRepository) ListRecent(ctx context.Context, limit int) ([]model.SolutionOutcomeReport, error) {
	out := make([]model.SolutionOutcomeReport, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r)
	}
	return out, nil
}

func newTestRouter() (*gin.Engine, *fakeRepository) {
	gin.SetMode(gin.TestMode)
	repo := &fakeRepository{reports: make(map[string]model.SolutionOutcomeReport)}
	router := NewRouter(Deps{Reports: repo, StartedAt: time.Now()})
	return router, repo
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestReportsNotFound(t *testing.T) {
	router, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/missing.cpp", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestReportsFoundAfterSave(t *testing.T) {
	router, repo := newTestRouter()
	_ = repo.Save(context.Background(), model.SolutionOutcomeReport{
		SolutionPath: "sol.cpp",
		Final:        model.Accepted,
		Status:       model.StatusOK,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/sol.cpp", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got model.SolutionOutcomeReport
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Final != model.Accepted {
		t.Fatalf("Final = %s, want ACCEPTED", got.Final)
	}
}

func TestMetricsWithoutTrackerReturnsEmptyList(t *testing.T) {
	router, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		RunningEvaluations []any `json:"running_evaluations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.RunningEvaluations == nil || len(body.RunningEvaluations) != 0 {
		t.Fatalf("running_evaluations = %v, want an empty list", body.RunningEvaluations)
	}
}
