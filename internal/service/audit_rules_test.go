package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/veyra/trustcore/internal/models"
)

func failedLoginRule(threshold int, window time.Duration) models.AlertRule {
	return models.AlertRule{
		ID:         "failed-logins",
		Threshold:  threshold,
		TimeWindow: window,
		Action:     "alert",
		Severity:   models.SeverityHigh,
		Condition: func(category string, level models.LogLevel, message string) bool {
			return category == models.CategoryAuth && level == models.LevelWarning
		},
	}
}

func authWarning(seq uint64, at time.Time) *models.LogEntry {
	return &models.LogEntry{
		Sequence:  seq,
		Timestamp: at,
		Category:  models.CategoryAuth,
		Level:     models.LevelWarning,
		Message:   "login failed",
	}
}

func TestAlertFiresAtThreshold(t *testing.T) {
	eval := NewAlertEvaluator(nil, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	eval.now = func() time.Time { return now }

	eval.Register(failedLoginRule(3, time.Minute))

	for i := 0; i < 2; i++ {
		eval.Evaluate(authWarning(uint64(i+1), now))
		now = now.Add(5 * time.Second)
	}
	assert.Zero(t, eval.FireCount("failed-logins"))

	eval.Evaluate(authWarning(3, now))
	assert.Equal(t, uint64(1), eval.FireCount("failed-logins"))
}

func TestAlertClearsWholeWindowOnFire(t *testing.T) {
	eval := NewAlertEvaluator(nil, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	eval.now = func() time.Time { return now }

	eval.Register(failedLoginRule(3, time.Minute))

	for i := 0; i < 3; i++ {
		eval.Evaluate(authWarning(uint64(i+1), now))
		now = now.Add(time.Second)
	}
	assert.Equal(t, uint64(1), eval.FireCount("failed-logins"))

	// The window was cleared entirely, so two further matches inside the
	// same window must not re-fire.
	eval.Evaluate(authWarning(4, now))
	eval.Evaluate(authWarning(5, now))
	assert.Equal(t, uint64(1), eval.FireCount("failed-logins"))

	eval.Evaluate(authWarning(6, now))
	assert.Equal(t, uint64(2), eval.FireCount("failed-logins"))
}

func TestAlertExpiresOldMatches(t *testing.T) {
	eval := NewAlertEvaluator(nil, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	eval.now = func() time.Time { return now }

	eval.Register(failedLoginRule(3, time.Minute))

	eval.Evaluate(authWarning(1, now))
	eval.Evaluate(authWarning(2, now))

	// Both earlier matches fall out of the window before the third.
	now = now.Add(2 * time.Minute)
	eval.Evaluate(authWarning(3, now))
	assert.Zero(t, eval.FireCount("failed-logins"))
}

func TestNonThresholdRuleFiresPerMatch(t *testing.T) {
	eval := NewAlertEvaluator(nil, nil)
	eval.Register(models.AlertRule{
		ID:       "critical-entries",
		Action:   "alert",
		Severity: models.SeverityCritical,
		Condition: func(category string, level models.LogLevel, message string) bool {
			return level == models.LevelCritical
		},
	})

	entry := &models.LogEntry{Sequence: 1, Category: models.CategorySecurity, Level: models.LevelCritical}
	eval.Evaluate(entry)
	eval.Evaluate(entry)
	assert.Equal(t, uint64(2), eval.FireCount("critical-entries"))
}
