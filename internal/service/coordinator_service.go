package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/repository"
	"github.com/veyra/trustcore/pkg/crypto"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/events"
	"github.com/veyra/trustcore/pkg/sched"
)

const recentThreatLimit = 100

// CoordinatorConfig defines configuration for the security coordinator.
type CoordinatorConfig struct {
	ScanInterval         time.Duration
	FlushInterval        time.Duration
	CacheSweepInterval   time.Duration
	ComplianceInterval   time.Duration
	BruteForceWindow     time.Duration
	BruteForceLimit      int
	MFAEnabled           bool
	CredentialIterations int
}

// SecurityCoordinator orchestrates the security components: it subscribes
// to the event bus, grades threats, maintains the blocked-subject
// registry consulted before authentication and runs the periodic scan.
type SecurityCoordinator struct {
	audit     *AuditService
	sessions  *SessionService
	authz     *AuthzService
	users     *repository.UserRepository
	crypto    *crypto.Service
	bus       *events.Bus
	logger    *zap.Logger
	metrics   *MetricsService
	validator *validator.Validate
	config    CoordinatorConfig
	now       func() time.Time

	mu         sync.Mutex
	blocked    map[string]struct{}
	monitored  map[string]time.Time
	failures   map[string][]time.Time
	threats    []models.Threat
	violations uint64
	lastScan   *models.ScanResult
}

// NewSecurityCoordinator constructs the coordinator. Call Wire before
// starting the bus so subscriptions are in place.
func NewSecurityCoordinator(
	audit *AuditService,
	sessions *SessionService,
	authz *AuthzService,
	users *repository.UserRepository,
	cryptoSvc *crypto.Service,
	bus *events.Bus,
	logger *zap.Logger,
	metrics *MetricsService,
	cfg CoordinatorConfig,
) *SecurityCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BruteForceWindow <= 0 {
		cfg.BruteForceWindow = 10 * time.Minute
	}
	if cfg.BruteForceLimit <= 0 {
		cfg.BruteForceLimit = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.CacheSweepInterval <= 0 {
		cfg.CacheSweepInterval = time.Minute
	}
	if cfg.ComplianceInterval <= 0 {
		cfg.ComplianceInterval = time.Hour
	}
	return &SecurityCoordinator{
		audit:     audit,
		sessions:  sessions,
		authz:     authz,
		users:     users,
		crypto:    cryptoSvc,
		bus:       bus,
		logger:    logger,
		metrics:   metrics,
		validator: validator.New(),
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
		blocked:   make(map[string]struct{}),
		monitored: make(map[string]time.Time),
		failures:  make(map[string][]time.Time),
	}
}

// Wire installs the coordinator's bus subscriptions and hooks the
// blocked-subject check into the session authority.
func (c *SecurityCoordinator) Wire() {
	c.sessions.SetBlockCheck(c.IsBlocked)
	c.bus.Subscribe(events.KindLoginFailure, func(ev events.Event) {
		if failure, ok := ev.(events.LoginFailure); ok {
			c.recordLoginFailure(failure)
		}
	})
	c.bus.Subscribe(events.KindAuditAlert, func(ev events.Event) {
		if alert, ok := ev.(events.AuditAlert); ok {
			c.HandleThreat(models.Threat{
				Type:        "audit-alert",
				Severity:    alert.Severity,
				Source:      alert.RuleID,
				Description: alert.Message,
			})
		}
	})
	c.bus.Subscribe(events.KindComplianceViolation, func(ev events.Event) {
		c.mu.Lock()
		c.violations++
		c.mu.Unlock()
		_ = ev
	})
}

// RegisterTasks schedules the coordinator's background jobs.
func (c *SecurityCoordinator) RegisterTasks(scheduler *sched.Scheduler) {
	scheduler.Register(sched.Task{
		Name:     "security-scan",
		Interval: c.config.ScanInterval,
		Run: func(ctx context.Context) {
			c.PerformSecurityScan(ctx)
		},
	})
	scheduler.Register(sched.Task{
		Name:     "session-sweep",
		Interval: time.Minute,
		Run:      c.sessions.PruneExpired,
	})
	scheduler.Register(sched.Task{
		Name:     "authz-cache-sweep",
		Interval: c.config.CacheSweepInterval,
		Run:      c.authz.SweepCache,
	})
	scheduler.Register(sched.Task{
		Name:     "compliance-summary",
		Interval: c.config.ComplianceInterval,
		Run: func(context.Context) {
			c.logComplianceSummary()
		},
	})
	scheduler.Register(sched.Task{
		Name:     "audit-flush",
		Interval: c.config.FlushInterval,
		Run: func(context.Context) {
			if err := c.audit.Flush(); err != nil {
				c.logger.Warn("scheduled audit flush failed", zap.Error(err))
			}
		},
	})
}

// logComplianceSummary appends a periodic roll-up of compliance rule state.
func (c *SecurityCoordinator) logComplianceSummary() {
	results := c.audit.ComplianceSummary()
	failed := 0
	for _, r := range results {
		if r.Required && !r.Passed {
			failed++
		}
	}
	c.audit.Append(models.CategoryCompliance, models.LevelInfo, "compliance summary", map[string]string{
		"rules":  fmt.Sprintf("%d", len(results)),
		"failed": fmt.Sprintf("%d", failed),
	})
}

// HandleThreat grades a threat and applies the response ladder: critical
// blocks the source and raises an alert, high blocks, medium places the
// source under monitoring, low is logged only.
func (c *SecurityCoordinator) HandleThreat(threat models.Threat) {
	if threat.ID == "" {
		threat.ID = uuid.NewString()
	}
	if threat.DetectedAt.IsZero() {
		threat.DetectedAt = c.now()
	}

	c.mu.Lock()
	c.threats = append(c.threats, threat)
	if len(c.threats) > recentThreatLimit {
		c.threats = c.threats[len(c.threats)-recentThreatLimit:]
	}
	switch threat.Severity {
	case models.SeverityCritical, models.SeverityHigh:
		if threat.Source != "" {
			c.blocked[threat.Source] = struct{}{}
		}
	case models.SeverityMedium:
		if threat.Source != "" {
			c.monitored[threat.Source] = threat.DetectedAt
		}
	}
	c.mu.Unlock()

	level := models.LevelWarning
	if threat.Severity == models.SeverityCritical {
		level = models.LevelCritical
	}
	c.audit.Append(models.CategorySecurity, level, "threat detected", map[string]string{
		"threat_id": threat.ID,
		"type":      threat.Type,
		"severity":  threat.Severity,
		"source":    threat.Source,
	})
	if threat.Severity == models.SeverityCritical {
		c.audit.Append(models.CategorySecurity, models.LevelCritical, "security alert raised", map[string]string{
			"threat_id": threat.ID,
			"source":    threat.Source,
		})
	}

	c.metrics.RecordThreat(threat.Severity)
	c.bus.Publish(events.ThreatDetected{
		ID:          threat.ID,
		Type:        threat.Type,
		Severity:    threat.Severity,
		Source:      threat.Source,
		Description: threat.Description,
	})
}

// IsBlocked reports whether a subject is currently blocked.
func (c *SecurityCoordinator) IsBlocked(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocked[subject]
	return ok
}

// UnblockSubject removes a subject from the blocked registry.
func (c *SecurityCoordinator) UnblockSubject(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked, subject)
}

// ValidateInput runs struct validation for host-app callers sharing the
// coordinator's validator.
func (c *SecurityCoordinator) ValidateInput(v any) error {
	if err := c.validator.Struct(v); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid input")
	}
	return nil
}

// PerformSecurityScan scores the installation from 100 downward using
// fixed penalties per finding and publishes the result.
func (c *SecurityCoordinator) PerformSecurityScan(ctx context.Context) *models.ScanResult {
	if ctx.Err() != nil {
		return nil
	}
	var vulns []models.Vulnerability

	if err := c.checkCrypto(); err != nil {
		vulns = append(vulns, models.Vulnerability{
			Category:    "crypto",
			Severity:    models.SeverityCritical,
			Description: "encryption round trip failed: " + err.Error(),
			Penalty:     40,
		})
	}

	if locked := c.users.CountLocked(c.now()); locked > 0 {
		vulns = append(vulns, models.Vulnerability{
			Category:    "accounts",
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("%d account(s) locked out", locked),
			Penalty:     15,
		})
	}

	for _, result := range c.audit.ComplianceSummary() {
		if result.Required && !result.Passed {
			vulns = append(vulns, models.Vulnerability{
				Category:    "compliance",
				Severity:    models.SeverityHigh,
				Description: fmt.Sprintf("required rule %s has %d violation(s)", result.RuleID, result.Violations),
				Penalty:     20,
			})
			break
		}
	}

	if !c.config.MFAEnabled {
		vulns = append(vulns, models.Vulnerability{
			Category:    "config",
			Severity:    models.SeverityLow,
			Description: "multi-factor authentication disabled",
			Penalty:     10,
		})
	}
	if c.config.CredentialIterations < minPBKDF2Iterations {
		vulns = append(vulns, models.Vulnerability{
			Category:    "config",
			Severity:    models.SeverityMedium,
			Description: "credential hashing iteration count below minimum",
			Penalty:     15,
		})
	}

	score := 100
	for _, v := range vulns {
		score -= v.Penalty
	}
	if score < 0 {
		score = 0
	}

	result := &models.ScanResult{
		Score:           score,
		Vulnerabilities: vulns,
		CompletedAt:     c.now(),
	}

	c.mu.Lock()
	c.lastScan = result
	c.mu.Unlock()

	c.audit.Append(models.CategorySecurity, models.LevelInfo, "security scan complete", map[string]string{
		"score":           fmt.Sprintf("%d", score),
		"vulnerabilities": fmt.Sprintf("%d", len(vulns)),
	})
	c.metrics.RecordScanScore(score)
	c.bus.Publish(events.SecurityScan{
		Score:           score,
		Vulnerabilities: len(vulns),
		CompletedAt:     result.CompletedAt,
	})

	return result
}

// VerifyLogIntegrity delegates to the audit service.
func (c *SecurityCoordinator) VerifyLogIntegrity(ctx context.Context, segment string) (*models.IntegrityReport, error) {
	return c.audit.VerifyIntegrity(ctx, segment)
}

// GetSecurityStatus assembles the coordinator-level snapshot.
func (c *SecurityCoordinator) GetSecurityStatus() models.SecurityStatus {
	c.mu.Lock()
	blocked := len(c.blocked)
	lastScan := c.lastScan
	c.mu.Unlock()

	score := 100
	var scannedAt *time.Time
	if lastScan != nil {
		score = lastScan.Score
		at := lastScan.CompletedAt
		scannedAt = &at
	}

	return models.SecurityStatus{
		Healthy:         score >= 70 && blocked == 0,
		Score:           score,
		ActiveSessions:  c.sessions.ActiveSessionCount(),
		LockedAccounts:  c.users.CountLocked(c.now()),
		BlockedSubjects: blocked,
		ThreatsDetected: c.metrics.ThreatCount(),
		LastScanAt:      scannedAt,
	}
}

// GetComponentStatus reports per-component health.
func (c *SecurityCoordinator) GetComponentStatus() []models.ComponentStatus {
	c.mu.Lock()
	blocked := len(c.blocked)
	monitored := len(c.monitored)
	c.mu.Unlock()

	return []models.ComponentStatus{
		c.audit.Status(),
		c.sessions.Status(),
		c.authz.Status(),
		{
			Component: "coordinator",
			Status:    "ok",
			Detail:    fmt.Sprintf("blocked=%d monitored=%d", blocked, monitored),
		},
	}
}

// RecentThreats returns the most recent graded threats, newest last.
func (c *SecurityCoordinator) RecentThreats() []models.Threat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Threat(nil), c.threats...)
}

// recordLoginFailure feeds the brute-force detector: a sliding window of
// failures per subject that raises a high-severity threat at the limit.
func (c *SecurityCoordinator) recordLoginFailure(failure events.LoginFailure) {
	now := c.now()
	cutoff := now.Add(-c.config.BruteForceWindow)

	c.mu.Lock()
	window := c.failures[failure.Username]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.failures[failure.Username] = kept
	hit := len(kept) >= c.config.BruteForceLimit
	if hit {
		c.failures[failure.Username] = nil
	}
	c.mu.Unlock()

	if hit {
		c.HandleThreat(models.Threat{
			Type:        "brute-force",
			Severity:    models.SeverityHigh,
			Source:      failure.Username,
			Description: fmt.Sprintf("%d login failures within %s", c.config.BruteForceLimit, c.config.BruteForceWindow),
		})
	}
}

// checkCrypto exercises an encrypt/decrypt round trip.
func (c *SecurityCoordinator) checkCrypto() error {
	probe := []byte("scan-probe")
	sealed, err := c.crypto.Encrypt(probe)
	if err != nil {
		return err
	}
	opened, err := c.crypto.Decrypt(sealed)
	if err != nil {
		return err
	}
	if string(opened) != string(probe) {
		return fmt.Errorf("round trip mismatch")
	}
	return nil
}
