package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/pkg/crypto"
	"github.com/veyra/trustcore/pkg/events"
	"github.com/veyra/trustcore/pkg/sched"
)

func newTestCoordinator(t *testing.T, cfg CoordinatorConfig) (*SecurityCoordinator, *sessionFixture) {
	t.Helper()

	f := newSessionFixture(t, SessionConfig{})
	cryptoSvc, err := crypto.New(testMasterKey)
	require.NoError(t, err)
	bus := events.NewBus(events.BusConfig{Logger: zap.NewNop()})

	if cfg.CredentialIterations == 0 {
		cfg.CredentialIterations = minPBKDF2Iterations
	}
	coordinator := NewSecurityCoordinator(f.sessions.audit, f.sessions, f.authz, f.repo, cryptoSvc, bus, zap.NewNop(), nil, cfg)
	return coordinator, f
}

func TestBruteForceBlocksAtLimit(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{BruteForceWindow: 10 * time.Minute, BruteForceLimit: 3})

	for i := 0; i < 2; i++ {
		c.recordLoginFailure(events.LoginFailure{Username: "alice"})
	}
	assert.False(t, c.IsBlocked("alice"))

	c.recordLoginFailure(events.LoginFailure{Username: "alice"})
	assert.True(t, c.IsBlocked("alice"))

	threats := c.RecentThreats()
	require.Len(t, threats, 1)
	assert.Equal(t, "brute-force", threats[0].Type)
	assert.Equal(t, models.SeverityHigh, threats[0].Severity)
	assert.Equal(t, "alice", threats[0].Source)
}

func TestBruteForceWindowSlides(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{BruteForceWindow: 10 * time.Minute, BruteForceLimit: 3})

	now := time.Now().UTC()
	c.now = func() time.Time { return now }

	c.recordLoginFailure(events.LoginFailure{Username: "alice"})
	c.recordLoginFailure(events.LoginFailure{Username: "alice"})

	// Old failures fall out of the window before the third arrives.
	now = now.Add(11 * time.Minute)
	c.recordLoginFailure(events.LoginFailure{Username: "alice"})
	assert.False(t, c.IsBlocked("alice"))
	assert.Empty(t, c.RecentThreats())
}

func TestBruteForceWindowResetsAfterFiring(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{BruteForceWindow: 10 * time.Minute, BruteForceLimit: 3})

	for i := 0; i < 3; i++ {
		c.recordLoginFailure(events.LoginFailure{Username: "alice"})
	}
	require.Len(t, c.RecentThreats(), 1)

	// The counter starts over, so two more failures stay below the limit.
	c.UnblockSubject("alice")
	c.recordLoginFailure(events.LoginFailure{Username: "alice"})
	c.recordLoginFailure(events.LoginFailure{Username: "alice"})
	assert.Len(t, c.RecentThreats(), 1)
	assert.False(t, c.IsBlocked("alice"))
}

func TestHandleThreatResponseLadder(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})

	c.HandleThreat(models.Threat{Type: "port-scan", Severity: models.SeverityCritical, Source: "crit"})
	c.HandleThreat(models.Threat{Type: "port-scan", Severity: models.SeverityHigh, Source: "high"})
	c.HandleThreat(models.Threat{Type: "port-scan", Severity: models.SeverityMedium, Source: "med"})
	c.HandleThreat(models.Threat{Type: "port-scan", Severity: models.SeverityLow, Source: "low"})

	assert.True(t, c.IsBlocked("crit"))
	assert.True(t, c.IsBlocked("high"))
	assert.False(t, c.IsBlocked("med"))
	assert.False(t, c.IsBlocked("low"))

	c.mu.Lock()
	_, monitored := c.monitored["med"]
	c.mu.Unlock()
	assert.True(t, monitored)

	require.Len(t, c.RecentThreats(), 4)
	for _, threat := range c.RecentThreats() {
		assert.NotEmpty(t, threat.ID)
		assert.False(t, threat.DetectedAt.IsZero())
	}
}

func TestUnblockSubject(t *testing.T) {
	c, f := newTestCoordinator(t, CoordinatorConfig{})
	c.Wire()

	c.HandleThreat(models.Threat{Type: "port-scan", Severity: models.SeverityHigh, Source: "alice"})
	require.True(t, c.IsBlocked("alice"))

	f.register(t, "alice", "CorrectHorse1")
	_, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.Error(t, err)

	c.UnblockSubject("alice")
	_, err = f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.NoError(t, err)
}

func TestSecurityScanHealthyInstallation(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{MFAEnabled: true})

	result := c.PerformSecurityScan(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, 100, result.Score)
	assert.Empty(t, result.Vulnerabilities)
}

func TestSecurityScanPenalisesWeakConfig(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{MFAEnabled: false, CredentialIterations: 1000})

	result := c.PerformSecurityScan(context.Background())
	require.NotNil(t, result)
	// MFA disabled costs 10, a weak iteration count costs 15.
	assert.Equal(t, 75, result.Score)
	assert.Len(t, result.Vulnerabilities, 2)
}

func TestSecurityScanCountsLockedAccounts(t *testing.T) {
	c, f := newTestCoordinator(t, CoordinatorConfig{MFAEnabled: true})
	user := f.register(t, "alice", "CorrectHorse1")

	unlock := time.Now().UTC().Add(10 * time.Minute)
	user.UnlockTime = &unlock
	require.NoError(t, f.repo.Update(context.Background(), user))

	result := c.PerformSecurityScan(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, 85, result.Score)
	require.Len(t, result.Vulnerabilities, 1)
	assert.Equal(t, "accounts", result.Vulnerabilities[0].Category)
}

func TestSecurityScanStopsOnCancelledContext(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, c.PerformSecurityScan(ctx))
}

func TestGetSecurityStatus(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{MFAEnabled: true})

	status := c.GetSecurityStatus()
	assert.True(t, status.Healthy)
	assert.Equal(t, 100, status.Score)
	assert.Nil(t, status.LastScanAt)

	c.PerformSecurityScan(context.Background())
	c.HandleThreat(models.Threat{Type: "port-scan", Severity: models.SeverityHigh, Source: "alice"})

	status = c.GetSecurityStatus()
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.BlockedSubjects)
	require.NotNil(t, status.LastScanAt)
}

func TestGetComponentStatus(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{})

	statuses := c.GetComponentStatus()
	require.Len(t, statuses, 4)
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.Component)
	}
	assert.Contains(t, names, "audit")
	assert.Contains(t, names, "sessions")
	assert.Contains(t, names, "authorization")
	assert.Contains(t, names, "coordinator")
}

func TestWireDeliversBusEvents(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{BruteForceWindow: 10 * time.Minute, BruteForceLimit: 2})
	c.Wire()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.bus.Start(ctx)
	defer c.bus.Stop()

	c.bus.Publish(events.LoginFailure{Username: "alice"})
	c.bus.Publish(events.LoginFailure{Username: "alice"})

	assert.Eventually(t, func() bool { return c.IsBlocked("alice") }, time.Second, 10*time.Millisecond)
}

func TestRegisterTasksUsesConfiguredIntervals(t *testing.T) {
	c, _ := newTestCoordinator(t, CoordinatorConfig{
		ScanInterval:       45 * time.Minute,
		FlushInterval:      2 * time.Second,
		CacheSweepInterval: 90 * time.Second,
		ComplianceInterval: 3 * time.Hour,
	})

	scheduler := sched.New(zap.NewNop())
	c.RegisterTasks(scheduler)

	intervals := make(map[string]time.Duration)
	for _, task := range scheduler.Tasks() {
		intervals[task.Name] = task.Interval
	}
	assert.Equal(t, 45*time.Minute, intervals["security-scan"])
	assert.Equal(t, 2*time.Second, intervals["audit-flush"])
	assert.Equal(t, 90*time.Second, intervals["authz-cache-sweep"])
	assert.Equal(t, 3*time.Hour, intervals["compliance-summary"])
}
