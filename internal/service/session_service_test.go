package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/repository"
	"github.com/veyra/trustcore/pkg/crypto"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/storage"
)

type sessionFixture struct {
	sessions    *SessionService
	users       *UserService
	authz       *AuthzService
	credentials *CredentialService
	repo        *repository.UserRepository
}

func newSessionFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write("keys/audit-signing.key", testSigningKey))
	cryptoSvc, err := crypto.New(testMasterKey)
	require.NoError(t, err)

	segments := repository.NewSegmentRepository(store, "audit")
	audit, err := NewAuditService(cryptoSvc, store, segments, nil, zap.NewNop(), nil, AuditConfig{TamperProofing: true, BatchSize: 1000})
	require.NoError(t, err)

	credentials := NewCredentialService(cryptoSvc, nil, CredentialConfig{
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
		Policy:            PasswordPolicy{MinLength: 8},
	})
	repo, err := repository.NewUserRepository(store, cryptoSvc)
	require.NoError(t, err)
	authz := NewAuthzService(audit, nil, nil, AuthzConfig{InheritanceEnabled: true})

	if cfg.TokenSecret == "" {
		cfg.TokenSecret = "test-secret"
	}
	if cfg.AccessTokenExpiry == 0 {
		cfg.AccessTokenExpiry = 15 * time.Minute
	}
	if cfg.RefreshTokenExpiry == 0 {
		cfg.RefreshTokenExpiry = 24 * time.Hour
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = time.Hour
	}
	cfg.Issuer = "trustcore-test"

	sessions := NewSessionService(repo, credentials, cryptoSvc, audit, nil, nil, nil, nil, cfg)
	sessions.SetRoleResolver(authz)
	t.Cleanup(sessions.Close)

	users := NewUserService(repo, credentials, authz, audit, nil, nil)

	return &sessionFixture{sessions: sessions, users: users, authz: authz, credentials: credentials, repo: repo}
}

func (f *sessionFixture) register(t *testing.T, username, password string) *models.User {
	t.Helper()
	user, err := f.users.Register(context.Background(), models.RegisterRequest{
		Username: username,
		Email:    username + "@example.test",
		Password: password,
	})
	require.NoError(t, err)
	return user
}

func TestSessionLifecycle(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.register(t, "alice", "CorrectHorse1")

	res, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.NoError(t, err)
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
	assert.NotEqual(t, res.AccessToken, res.RefreshToken)

	claims := f.sessions.Validate(res.AccessToken)
	require.NotNil(t, claims)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, res.SessionID, claims.SessionID)

	require.NoError(t, f.sessions.Logout(res.SessionID))
	assert.Nil(t, f.sessions.Validate(res.AccessToken))
	assert.Zero(t, f.sessions.ActiveSessionCount())
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.register(t, "alice", "CorrectHorse1")

	_, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "WrongHorse1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidCredentials))

	// Unknown users get the same answer as wrong passwords.
	_, err = f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "mallory", Password: "WrongHorse1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidCredentials))
}

func TestAuthenticateLockoutAndRecovery(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.register(t, "alice", "CorrectHorse1")

	now := time.Now().UTC()
	f.credentials.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "WrongHorse1"})
		require.Error(t, err)
	}

	// The correct password is refused while the lock holds.
	_, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrAccountLocked))

	now = now.Add(16 * time.Minute)
	res, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.NoError(t, err)
	require.NotNil(t, res)

	stored, err := f.repo.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, stored.FailedAttempts)
	assert.Nil(t, stored.UnlockTime)
}

func TestAuthenticateRejectsDisabledAccount(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	user := f.register(t, "alice", "CorrectHorse1")
	require.NoError(t, f.users.Disable(context.Background(), user.ID))

	_, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrAccountDisabled))
}

func TestAuthenticateHonoursBlockedSubjects(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.register(t, "alice", "CorrectHorse1")
	f.sessions.SetBlockCheck(func(subject string) bool { return subject == "alice" })

	_, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))
}

func TestMFARequiresCurrentCode(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{MFAEnabled: true})
	f.register(t, "alice", "CorrectHorse1")

	user, err := f.repo.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	user.MFASecret = "mfa-seed"
	require.NoError(t, f.repo.Update(context.Background(), user))

	fixed := time.Now().UTC()
	f.sessions.now = func() time.Time { return fixed }

	_, err = f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1", MFACode: "000000"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidMFA))

	code := f.sessions.oneTimeCode("mfa-seed", fixed)
	res, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1", MFACode: code})
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestRefreshRotatesAccessToken(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.register(t, "alice", "CorrectHorse1")

	res, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.NoError(t, err)

	refreshed, err := f.sessions.Refresh(context.Background(), res.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, res.AccessToken, refreshed.AccessToken)

	// Only the newest access token stays valid.
	assert.Nil(t, f.sessions.Validate(res.AccessToken))
	assert.NotNil(t, f.sessions.Validate(refreshed.AccessToken))
}

func TestValidateRejectsRefreshToken(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.register(t, "alice", "CorrectHorse1")

	res, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.NoError(t, err)
	assert.Nil(t, f.sessions.Validate(res.RefreshToken))
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.register(t, "alice", "CorrectHorse1")

	res, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.NoError(t, err)
	require.NoError(t, f.sessions.Logout(res.SessionID))

	_, err = f.sessions.Refresh(context.Background(), res.RefreshToken)
	require.Error(t, err)
}

func TestAccessTokenCarriesResolvedPermissions(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	require.NoError(t, f.authz.DefineRole(models.Role{ID: "auditor"}))
	f.authz.GrantPermission("auditor", "security:read")

	user, err := f.users.Register(context.Background(), models.RegisterRequest{
		Username: "alice",
		Email:    "alice@example.test",
		Password: "CorrectHorse1",
		Roles:    []string{"auditor"},
	})
	require.NoError(t, err)
	require.True(t, user.HasRole("auditor"))

	res, err := f.sessions.Authenticate(context.Background(), models.LoginRequest{Username: "alice", Password: "CorrectHorse1"})
	require.NoError(t, err)

	claims := f.sessions.Validate(res.AccessToken)
	require.NotNil(t, claims)
	assert.Contains(t, claims.Roles, "auditor")
	assert.Contains(t, claims.Permissions, "security:read")
}
