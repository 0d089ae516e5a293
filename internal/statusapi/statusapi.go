// Package statusapi exposes a slim gin HTTP surface over the grading
// core's status: a /healthz liveness probe, an /api/v1/metrics endpoint
// summarizing currently-running evaluations, and /api/v1/reports and
// /api/v1/reports/:solution lookups — adapted from core/router.go's route wiring and
// core/system_status.go's aggregation, trimmed to the grading core's own
// concerns (no auth, no contest CRUD).
package statusapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rsalesc/rbx/internal/reportstore"
	"github.com/rsalesc/rbx/internal/schedstatus"
)

// Deps bundles the collaborators the status API reads from.
type Deps struct {
	Reports   reportstore.Repository
	Tracker   *schedstatus.Tracker
	StartedAt time.Time
}

// NewRouter builds the gin engine, mirroring core/router.go's style:
// plain gin.Default(), a route group, JSON responses via gin.H.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.GET("/metrics", func(c *gin.Context) {
			if deps.Tracker == nil {
				c.JSON(http.StatusOK, gin.H{
					"running_evaluations": []any{},
					"uptime_seconds":      int64(time.Since(deps.StartedAt).Seconds()),
				})
				return
			}
			running, err := deps.Tracker.ListRunning(c.Request.Context())
			if err != nil {
				respondError(c, http.StatusInternalServerError, "METRICS_UNAVAILABLE", err.Error())
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"running_evaluations": running,
				"uptime_seconds":      int64(time.Since(deps.StartedAt).Seconds()),
			})
		})

		api.GET("/reports/:solution", func(c *gin.Context) {
			if deps.Reports == nil {
				respondError(c, http.StatusServiceUnavailable, "REPORTS_DISABLED", "no report store configured")
				return
			}
			solutionPath := c.Param("solution")
			report, err := deps.Reports.FindBySolutionPath(c.Request.Context(), solutionPath)
			if err != nil {
				if err == reportstore.ErrReportNotFound {
					respondError(c, http.StatusNotFound, "REPORT_NOT_FOUND", "no report for "+solutionPath)
					return
				}
				respondError(c, http.StatusInternalServerError, "REPORT_LOOKUP_FAILED", err.Error())
				return
			}
			c.JSON(http.StatusOK, report)
		})

		api.GET("/reports", func(c *gin.Context) {
			if deps.Reports == nil {
				respondError(c, http.StatusServiceUnavailable, "REPORTS_DISABLED", "no report store configured")
				return
			}
			reports, err := deps.Reports.ListRecent(c.Request.Context(), 50)
			if err != nil {
				respondError(c, http.StatusInternalServerError, "REPORT_LIST_FAILED", err.Error())
				return
			}
			c.JSON(http.StatusOK, gin.H{"reports": reports})
		})
	}

	return r
}

// respondError mirrors core/handler_util.go's envelope: a machine-
// readable code plus a human message, never a bare string.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
