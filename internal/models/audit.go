package models

import (
	"encoding/json"
	"time"
)

// LogLevel classifies audit entries by severity.
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// Severity returns a comparable rank for the level. Unknown levels rank
// below debug so they are filtered out by any configured minimum.
func (l LogLevel) Severity() int {
	switch l {
	case LevelDebug:
		return 1
	case LevelInfo:
		return 2
	case LevelWarning:
		return 3
	case LevelError:
		return 4
	case LevelCritical:
		return 5
	default:
		return 0
	}
}

// Audit entry categories used across the core.
const (
	CategoryAuth       = "authentication"
	CategoryAuthz      = "authorization"
	CategorySecurity   = "security"
	CategoryCompliance = "compliance"
	CategorySystem     = "system"
)

// LogEntry is one signed, hash-chained record in the audit journal.
// All serialized fields are plain structs and string-keyed maps so
// json.Marshal output is deterministic and the signature reproducible.
type LogEntry struct {
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	Category  string            `json:"category"`
	Level     LogLevel          `json:"level"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Signature string            `json:"signature,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	ChainHash string            `json:"chain_hash,omitempty"`
}

// CanonicalPayload serializes the signed fields of the entry in a fixed
// order. The signature covers exactly these bytes.
func (e *LogEntry) CanonicalPayload() []byte {
	payload := struct {
		Sequence  uint64            `json:"sequence"`
		Timestamp time.Time         `json:"timestamp"`
		Category  string            `json:"category"`
		Level     LogLevel          `json:"level"`
		Message   string            `json:"message"`
		Data      map[string]string `json:"data,omitempty"`
	}{e.Sequence, e.Timestamp, e.Category, e.Level, e.Message, e.Data}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

// IntegrityViolation describes one failed check during verification.
type IntegrityViolation struct {
	Sequence uint64 `json:"sequence"`
	Type     string `json:"type"`
	Detail   string `json:"detail"`
}

// Violation types reported by integrity verification.
const (
	ViolationSignatureMismatch = "signature_mismatch"
	ViolationChainHashMismatch = "chain_hash_mismatch"
	ViolationMalformedEntry    = "malformed_entry"
)

// IntegrityReport is the result of verifying a log segment.
type IntegrityReport struct {
	Segment      string               `json:"segment"`
	Valid        bool                 `json:"valid"`
	TotalEntries int                  `json:"total_entries"`
	Violations   []IntegrityViolation `json:"violations"`
	VerifiedAt   time.Time            `json:"verified_at"`
}

// AlertPredicate tests an entry's visible fields. Predicates must be pure.
type AlertPredicate func(category string, level LogLevel, message string) bool

// AlertRule triggers an action when its predicate matches, optionally only
// after Threshold matches inside the trailing TimeWindow.
type AlertRule struct {
	ID         string
	Condition  AlertPredicate
	Threshold  int
	TimeWindow time.Duration
	Action     string
	Severity   string
}

// ComplianceRule checks entries against a regulatory framework requirement.
// AppliesTo selects the entries the rule governs; Satisfied decides whether
// a governed entry complies.
type ComplianceRule struct {
	ID        string
	Framework string
	Summary   string
	Required  bool
	AppliesTo func(e *LogEntry) bool
	Satisfied func(e *LogEntry) bool
}

// QueryFilter selects stored audit entries.
type QueryFilter struct {
	Category string
	MinLevel LogLevel
	Start    time.Time
	End      time.Time
	Limit    int
}
