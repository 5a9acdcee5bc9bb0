package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/pkg/export"
)

// ReportService builds compliance reports from audit history and renders
// them for the admin surface.
type ReportService struct {
	audit  *AuditService
	logger *zap.Logger
	csv    *export.CSVExporter
	pdf    *export.PDFExporter
	now    func() time.Time
}

// NewReportService constructs a ReportService instance.
func NewReportService(audit *AuditService, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{
		audit:  audit,
		logger: logger,
		csv:    export.NewCSVExporter(),
		pdf:    export.NewPDFExporter(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GenerateComplianceReport aggregates rule pass and violation counts over
// the reporting window. An empty framework covers every registered rule.
func (s *ReportService) GenerateComplianceReport(ctx context.Context, framework string, start, end time.Time) (*models.ComplianceReport, error) {
	if end.IsZero() {
		end = s.now()
	}
	if start.After(end) {
		return nil, fmt.Errorf("report window start %s is after end %s", start, end)
	}

	var results []models.ComplianceRuleResult
	var total uint64
	for _, result := range s.audit.ComplianceSummary() {
		if framework != "" && result.Framework != framework {
			continue
		}
		results = append(results, result)
		total += result.Violations
	}

	// Attach the violation entries recorded in the window so the report
	// is reviewable without the raw log.
	entries, err := s.audit.Query(ctx, models.QueryFilter{
		Category: models.CategoryCompliance,
		Start:    start,
		End:      end,
	})
	if err != nil {
		s.logger.Warn("compliance report query failed", zap.Error(err))
		entries = nil
	}

	report := &models.ComplianceReport{
		Framework:       framework,
		Start:           start,
		End:             end,
		GeneratedAt:     s.now(),
		Results:         results,
		TotalViolations: total,
	}
	s.logger.Info("compliance report generated",
		zap.String("framework", framework),
		zap.Int("rules", len(results)),
		zap.Int("entries", len(entries)),
		zap.Uint64("violations", total))
	return report, nil
}

// RenderCSV renders the report as CSV bytes.
func (s *ReportService) RenderCSV(report *models.ComplianceReport) ([]byte, error) {
	return s.csv.Render(reportTable(report))
}

// RenderPDF renders the report as PDF bytes.
func (s *ReportService) RenderPDF(report *models.ComplianceReport) ([]byte, error) {
	title := "Compliance Report"
	if report.Framework != "" {
		title = fmt.Sprintf("Compliance Report: %s", report.Framework)
	}
	summary := []string{
		fmt.Sprintf("Window: %s to %s", report.Start.Format(time.RFC3339), report.End.Format(time.RFC3339)),
		fmt.Sprintf("Generated: %s", report.GeneratedAt.Format(time.RFC3339)),
		fmt.Sprintf("Total violations: %d", report.TotalViolations),
	}
	return s.pdf.Render(reportTable(report), title, summary)
}

func reportTable(report *models.ComplianceReport) export.Table {
	table := export.Table{
		Headers: []string{"rule_id", "framework", "summary", "required", "checked", "violations", "passed"},
	}
	for _, result := range report.Results {
		table.Rows = append(table.Rows, map[string]string{
			"rule_id":    result.RuleID,
			"framework":  result.Framework,
			"summary":    result.Summary,
			"required":   fmt.Sprintf("%t", result.Required),
			"checked":    fmt.Sprintf("%d", result.Checked),
			"violations": fmt.Sprintf("%d", result.Violations),
			"passed":     fmt.Sprintf("%t", result.Passed),
		})
	}
	return table
}
