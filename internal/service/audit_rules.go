package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/pkg/events"
)

// AlertEvaluator runs alert rules against appended entries. Threshold rules
// keep a sliding window of match timestamps; when a rule fires the whole
// window is cleared, not just expired items. That trades exhaustive
// counting for alert-storm suppression and is deliberate.
type AlertEvaluator struct {
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	rules []*alertState
}

type alertState struct {
	rule    models.AlertRule
	matches []time.Time
	fires   uint64
}

// NewAlertEvaluator builds an empty evaluator.
func NewAlertEvaluator(bus *events.Bus, logger *zap.Logger) *AlertEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertEvaluator{bus: bus, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Register adds a rule. Rules without a threshold fire on every match.
func (e *AlertEvaluator) Register(rule models.AlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, &alertState{rule: rule})
}

// Evaluate tests the entry against every rule and fires matching ones.
func (e *AlertEvaluator) Evaluate(entry *models.LogEntry) {
	e.mu.Lock()
	var fired []models.AlertRule
	for _, st := range e.rules {
		if st.rule.Condition == nil || !st.rule.Condition(entry.Category, entry.Level, entry.Message) {
			continue
		}
		if st.rule.Threshold <= 1 || st.rule.TimeWindow <= 0 {
			st.fires++
			fired = append(fired, st.rule)
			continue
		}

		now := e.now()
		st.matches = append(st.matches, now)
		inWindow := st.matches[:0]
		for _, ts := range st.matches {
			if now.Sub(ts) <= st.rule.TimeWindow {
				inWindow = append(inWindow, ts)
			}
		}
		st.matches = inWindow
		if len(st.matches) >= st.rule.Threshold {
			st.matches = nil
			st.fires++
			fired = append(fired, st.rule)
		}
	}
	e.mu.Unlock()

	for _, rule := range fired {
		e.logger.Warn("audit alert fired",
			zap.String("rule", rule.ID),
			zap.String("action", rule.Action),
			zap.Uint64("entry", entry.Sequence))
		if e.bus != nil {
			e.bus.Publish(events.AuditAlert{
				RuleID:   rule.ID,
				Action:   rule.Action,
				Message:  entry.Message,
				Severity: rule.Severity,
				FiredAt:  e.now(),
			})
		}
	}
}

// FireCount returns how many times the named rule has fired.
func (e *AlertEvaluator) FireCount(ruleID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		if st.rule.ID == ruleID {
			return st.fires
		}
	}
	return 0
}

// ComplianceEvaluator checks entries against registered framework rules and
// keeps monotonic violation counters until explicitly reset.
type ComplianceEvaluator struct {
	bus    *events.Bus
	logger *zap.Logger

	mu    sync.Mutex
	rules []*complianceState
}

type complianceState struct {
	rule       models.ComplianceRule
	checked    uint64
	violations uint64
}

// ComplianceViolation identifies a failed required rule for one entry.
type ComplianceViolation struct {
	RuleID    string
	Framework string
}

// NewComplianceEvaluator builds an empty evaluator.
func NewComplianceEvaluator(bus *events.Bus, logger *zap.Logger) *ComplianceEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComplianceEvaluator{bus: bus, logger: logger}
}

// Register adds a rule.
func (e *ComplianceEvaluator) Register(rule models.ComplianceRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, &complianceState{rule: rule})
}

// Evaluate checks the entry against every applicable rule and returns the
// violations of required rules.
func (e *ComplianceEvaluator) Evaluate(entry *models.LogEntry) []ComplianceViolation {
	e.mu.Lock()
	var violations []ComplianceViolation
	for _, st := range e.rules {
		if st.rule.AppliesTo == nil || !st.rule.AppliesTo(entry) {
			continue
		}
		st.checked++
		if st.rule.Satisfied != nil && st.rule.Satisfied(entry) {
			continue
		}
		if !st.rule.Required {
			continue
		}
		st.violations++
		violations = append(violations, ComplianceViolation{RuleID: st.rule.ID, Framework: st.rule.Framework})
	}
	e.mu.Unlock()

	for _, v := range violations {
		e.logger.Error("compliance violation",
			zap.String("rule", v.RuleID),
			zap.String("framework", v.Framework),
			zap.Uint64("entry", entry.Sequence))
		if e.bus != nil {
			e.bus.Publish(events.ComplianceViolation{
				RuleID:    v.RuleID,
				Framework: v.Framework,
				Sequence:  entry.Sequence,
				Message:   entry.Message,
			})
		}
	}
	return violations
}

// Summary snapshots per-rule counters for reporting.
func (e *ComplianceEvaluator) Summary() []models.ComplianceRuleResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	results := make([]models.ComplianceRuleResult, 0, len(e.rules))
	for _, st := range e.rules {
		results = append(results, models.ComplianceRuleResult{
			RuleID:     st.rule.ID,
			Framework:  st.rule.Framework,
			Summary:    st.rule.Summary,
			Required:   st.rule.Required,
			Checked:    st.checked,
			Violations: st.violations,
			Passed:     st.violations == 0,
		})
	}
	return results
}

// Reset clears all violation counters.
func (e *ComplianceEvaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		st.checked = 0
		st.violations = 0
	}
}
