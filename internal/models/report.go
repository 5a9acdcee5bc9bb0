package models

import "time"

// ComplianceRuleResult summarises one rule in a compliance report.
type ComplianceRuleResult struct {
	RuleID     string `json:"rule_id"`
	Framework  string `json:"framework"`
	Summary    string `json:"summary"`
	Required   bool   `json:"required"`
	Checked    uint64 `json:"checked"`
	Violations uint64 `json:"violations"`
	Passed     bool   `json:"passed"`
}

// ComplianceReport aggregates rule outcomes over a reporting window.
type ComplianceReport struct {
	Framework       string                 `json:"framework,omitempty"`
	Start           time.Time              `json:"start"`
	End             time.Time              `json:"end"`
	GeneratedAt     time.Time              `json:"generated_at"`
	Results         []ComplianceRuleResult `json:"results"`
	TotalViolations uint64                 `json:"total_violations"`
}

// Vulnerability is one issue found by a security scan.
type Vulnerability struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Penalty     int    `json:"penalty"`
}

// ScanResult is the outcome of a periodic security scan.
type ScanResult struct {
	Score           int             `json:"score"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// Threat severities drive the coordinator's response ladder.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Threat describes a detected threat signal.
type Threat struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detected_at"`
}

// SecurityStatus is the coordinator-level health snapshot.
type SecurityStatus struct {
	Healthy         bool       `json:"healthy"`
	Score           int        `json:"score"`
	ActiveSessions  int        `json:"active_sessions"`
	LockedAccounts  int        `json:"locked_accounts"`
	BlockedSubjects int        `json:"blocked_subjects"`
	ThreatsDetected uint64     `json:"threats_detected"`
	LastScanAt      *time.Time `json:"last_scan_at,omitempty"`
}

// ComponentStatus reports one component's health.
type ComponentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}
