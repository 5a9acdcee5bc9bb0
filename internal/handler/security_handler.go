package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/repository"
	"github.com/veyra/trustcore/internal/service"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/response"
)

// SecurityHandler exposes the coordinator's diagnostics and query
// surface on the loopback admin server.
type SecurityHandler struct {
	coordinator *service.SecurityCoordinator
	audit       *service.AuditService
	reports     *service.ReportService
	segments    *repository.SegmentRepository
}

// NewSecurityHandler creates a new handler.
func NewSecurityHandler(coordinator *service.SecurityCoordinator, audit *service.AuditService, reports *service.ReportService, segments *repository.SegmentRepository) *SecurityHandler {
	return &SecurityHandler{coordinator: coordinator, audit: audit, reports: reports, segments: segments}
}

// Status returns the coordinator-level security snapshot.
func (h *SecurityHandler) Status(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.coordinator.GetSecurityStatus())
}

// Components returns per-component health.
func (h *SecurityHandler) Components(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.coordinator.GetComponentStatus())
}

// Segments lists the stored audit log segments.
func (h *SecurityHandler) Segments(c *gin.Context) {
	names, err := h.segments.List()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "failed to list segments"))
		return
	}
	response.JSON(c, http.StatusOK, names)
}

// VerifyIntegrity re-validates the hash chain of one segment.
func (h *SecurityHandler) VerifyIntegrity(c *gin.Context) {
	segment := c.Param("segment")
	report, err := h.coordinator.VerifyLogIntegrity(c.Request.Context(), segment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report)
}

// QueryAudit returns stored audit entries matching the filter.
func (h *SecurityHandler) QueryAudit(c *gin.Context) {
	filter := models.QueryFilter{
		Category: c.Query("category"),
		MinLevel: models.LogLevel(c.Query("min_level")),
	}
	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "start must be RFC3339"))
			return
		}
		filter.Start = t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "end must be RFC3339"))
			return
		}
		filter.End = t
	}

	entries, err := h.audit.Query(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries)
}

// Scan runs a security scan on demand.
func (h *SecurityHandler) Scan(c *gin.Context) {
	result := h.coordinator.PerformSecurityScan(c.Request.Context())
	response.JSON(c, http.StatusOK, result)
}

// Threats returns the most recent graded threats.
func (h *SecurityHandler) Threats(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.coordinator.RecentThreats())
}

// ComplianceReport builds a compliance report and renders it as JSON,
// CSV or PDF depending on the format query parameter.
func (h *SecurityHandler) ComplianceReport(c *gin.Context) {
	var start, end time.Time
	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "start must be RFC3339"))
			return
		}
		start = t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "end must be RFC3339"))
			return
		}
		end = t
	}

	report, err := h.reports.GenerateComplianceReport(c.Request.Context(), c.Query("framework"), start, end)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid report window"))
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "csv":
		data, err := h.reports.RenderCSV(report)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "csv rendering failed"))
			return
		}
		c.Header("Content-Disposition", `attachment; filename="compliance-report.csv"`)
		c.Data(http.StatusOK, "text/csv", data)
	case "pdf":
		data, err := h.reports.RenderPDF(report)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "pdf rendering failed"))
			return
		}
		c.Header("Content-Disposition", `attachment; filename="compliance-report.pdf"`)
		c.Data(http.StatusOK, "application/pdf", data)
	default:
		response.JSON(c, http.StatusOK, report)
	}
}
