package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/repository"
	"github.com/veyra/trustcore/pkg/crypto"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/events"
)

type sessionUserRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
}

// RoleResolver supplies the flattened permission set for a role list, used
// to embed permission claims in access tokens.
type RoleResolver interface {
	PermissionsForRoles(roles []string) []string
}

// SessionConfig defines configuration for session issuance.
type SessionConfig struct {
	TokenSecret        string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
	SessionTimeout     time.Duration
	MFAEnabled         bool
}

// SessionService issues, validates, refreshes and revokes session tokens.
// Each session carries one short-lived access token and one long-lived
// refresh token; at any instant at most one access token is active per
// session.
type SessionService struct {
	repo        sessionUserRepository
	credentials *CredentialService
	crypto      *crypto.Service
	audit       *AuditService
	bus         *events.Bus
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
	resolver    RoleResolver
	config      SessionConfig
	now         func() time.Time

	mu         sync.Mutex
	sessions   map[string]*models.Session
	blacklist  map[string]time.Time
	timers     map[string]*time.Timer
	blockCheck func(subject string) bool
}

// NewSessionService constructs a SessionService instance.
func NewSessionService(repo sessionUserRepository, credentials *CredentialService, cryptoSvc *crypto.Service, audit *AuditService, bus *events.Bus, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, cfg SessionConfig) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &SessionService{
		repo:        repo,
		credentials: credentials,
		crypto:      cryptoSvc,
		audit:       audit,
		bus:         bus,
		validator:   validate,
		logger:      logger,
		metrics:     metrics,
		config:      cfg,
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[string]*models.Session),
		blacklist:   make(map[string]time.Time),
		timers:      make(map[string]*time.Timer),
	}
}

// SetRoleResolver wires the authorization engine's permission lookup into
// issued access tokens.
func (s *SessionService) SetRoleResolver(resolver RoleResolver) {
	s.resolver = resolver
}

// SetBlockCheck installs the coordinator's blocked-subject test consulted
// before any authentication attempt.
func (s *SessionService) SetBlockCheck(check func(subject string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockCheck = check
}

// Authenticate verifies credentials (and the one-time code when MFA is on)
// and issues a session. Every failure is audit-logged before it is
// returned.
func (s *SessionService) Authenticate(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	s.mu.Lock()
	blocked := s.blockCheck != nil && s.blockCheck(req.Username)
	s.mu.Unlock()
	if blocked {
		return nil, s.failLogin("", req.Username, "subject blocked", appErrors.Clone(appErrors.ErrUnauthorized, "authentication temporarily blocked"))
	}

	user, err := s.repo.FindByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.failLogin("", req.Username, "unknown user", appErrors.Clone(appErrors.ErrInvalidCredentials, ""))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if user.Disabled {
		return nil, s.failLogin(user.ID, user.Username, "account disabled", appErrors.Clone(appErrors.ErrAccountDisabled, ""))
	}

	wasLocked := user.UnlockTime != nil
	if s.credentials.CheckLock(user) {
		return nil, s.failLogin(user.ID, user.Username, "account locked", appErrors.Clone(appErrors.ErrAccountLocked, ""))
	}
	if wasLocked {
		// Lock expired; persist the cleared state before continuing.
		if err := s.repo.Update(ctx, user); err != nil {
			s.logger.Warn("failed to persist cleared lockout", zap.Error(err))
		}
	}

	if !s.credentials.VerifyPassword(req.Password, user.PasswordRecord) {
		nowLocked := s.credentials.RecordFailure(user)
		if err := s.repo.Update(ctx, user); err != nil {
			s.logger.Warn("failed to persist failure counter", zap.Error(err))
		}
		if nowLocked {
			s.audit.Append(models.CategoryAuth, models.LevelWarning, "account locked after repeated failures", map[string]string{
				"user_id":  user.ID,
				"attempts": strconv.Itoa(user.FailedAttempts),
			})
		}
		return nil, s.failLogin(user.ID, user.Username, "wrong password", appErrors.Clone(appErrors.ErrInvalidCredentials, ""))
	}

	if s.config.MFAEnabled && user.MFASecret != "" {
		if !s.verifyOneTimeCode(user.MFASecret, req.MFACode) {
			return nil, s.failLogin(user.ID, user.Username, "invalid one-time code", appErrors.Clone(appErrors.ErrInvalidMFA, ""))
		}
	}

	s.credentials.ClearFailures(user)
	now := s.now()
	user.LastLogin = &now
	if err := s.repo.Update(ctx, user); err != nil {
		s.logger.Warn("failed to persist login state", zap.Error(err))
	}

	session, accessToken, refreshToken, err := s.createSession(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}

	s.audit.Append(models.CategoryAuth, models.LevelInfo, "login successful", map[string]string{
		"user_id":    user.ID,
		"session_id": session.ID,
		"ip":         req.IP,
	})
	if s.bus != nil {
		s.bus.Publish(events.LoginSuccess{UserID: user.ID, Username: user.Username, SessionID: session.ID})
	}
	if s.metrics != nil {
		s.metrics.RecordAuthAttempt("success")
	}

	return &models.LoginResponse{
		User:         user.Info(),
		SessionID:    session.ID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:     now,
	}, nil
}

// Refresh validates a refresh token and replaces the session's active
// access token with a newly minted one.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*models.RefreshResponse, error) {
	claims, err := s.parseToken(refreshToken, models.TokenTypeRefresh)
	if err != nil {
		s.audit.Append(models.CategoryAuth, models.LevelWarning, "refresh rejected", map[string]string{"reason": err.Error()})
		return nil, err
	}

	s.mu.Lock()
	session, ok := s.sessions[claims.SessionID]
	if !ok || !session.Active {
		s.mu.Unlock()
		s.audit.Append(models.CategoryAuth, models.LevelWarning, "refresh rejected", map[string]string{"reason": "unknown or inactive session"})
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "session no longer active")
	}
	s.mu.Unlock()

	user, err := s.repo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "associated user no longer exists")
	}
	if user.Disabled {
		return nil, appErrors.Clone(appErrors.ErrAccountDisabled, "")
	}

	now := s.now()
	accessToken, accessJTI, err := s.mintToken(user, session.ID, models.TokenTypeAccess, s.config.AccessTokenExpiry)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mint access token")
	}

	s.mu.Lock()
	// Retire the previous access token so only one stays active.
	s.blacklist[session.AccessJTI] = now.Add(s.config.AccessTokenExpiry)
	session.AccessToken = accessToken
	session.AccessJTI = accessJTI
	s.mu.Unlock()

	s.audit.Append(models.CategoryAuth, models.LevelInfo, "access token refreshed", map[string]string{
		"user_id":    user.ID,
		"session_id": session.ID,
	})

	return &models.RefreshResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:    now,
	}, nil
}

// Validate checks a token against the blacklist, its signature and expiry.
// Invalid tokens yield nil claims; the reason is logged, not returned.
func (s *SessionService) Validate(tokenString string) *models.TokenClaims {
	claims, err := s.parseToken(tokenString, models.TokenTypeAccess)
	if err != nil {
		s.logger.Debug("token rejected", zap.Error(err))
		return nil
	}

	s.mu.Lock()
	session, ok := s.sessions[claims.SessionID]
	active := ok && session.Active
	s.mu.Unlock()
	if !active {
		return nil
	}
	return claims
}

// Logout blacklists both of the session's tokens, deactivates it and
// cancels its auto-expiry timer.
func (s *SessionService) Logout(sessionID string) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	horizon := s.now().Add(s.config.RefreshTokenExpiry)
	s.blacklist[session.AccessJTI] = horizon
	s.blacklist[session.RefreshJTI] = horizon
	session.Active = false
	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
		delete(s.timers, sessionID)
	}
	userID := session.UserID
	s.mu.Unlock()

	s.audit.Append(models.CategoryAuth, models.LevelInfo, "logout", map[string]string{
		"user_id":    userID,
		"session_id": sessionID,
	})
	return nil
}

// ActiveSessionCount reports how many sessions are currently active.
func (s *SessionService) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, session := range s.sessions {
		if session.Active {
			count++
		}
	}
	return count
}

// PruneExpired removes expired blacklist entries and inactive sessions.
// Run periodically by the scheduler.
func (s *SessionService) PruneExpired(context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, expiry := range s.blacklist {
		if now.After(expiry) {
			delete(s.blacklist, jti)
		}
	}
	for id, session := range s.sessions {
		if !session.Active && now.After(session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

// Close stops every pending expiry timer.
func (s *SessionService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// Status reports session-subsystem health for the coordinator.
func (s *SessionService) Status() models.ComponentStatus {
	s.mu.Lock()
	sessions := len(s.sessions)
	blacklisted := len(s.blacklist)
	s.mu.Unlock()
	return models.ComponentStatus{
		Component: "sessions",
		Status:    "ok",
		Detail:    fmt.Sprintf("sessions=%d blacklisted=%d", sessions, blacklisted),
	}
}

func (s *SessionService) createSession(user *models.User) (*models.Session, string, string, error) {
	now := s.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.SessionTimeout),
		Active:    true,
	}

	accessToken, accessJTI, err := s.mintToken(user, session.ID, models.TokenTypeAccess, s.config.AccessTokenExpiry)
	if err != nil {
		return nil, "", "", err
	}
	refreshToken, refreshJTI, err := s.mintToken(user, session.ID, models.TokenTypeRefresh, s.config.RefreshTokenExpiry)
	if err != nil {
		return nil, "", "", err
	}
	session.AccessToken = accessToken
	session.AccessJTI = accessJTI
	session.RefreshToken = refreshToken
	session.RefreshJTI = refreshJTI

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.timers[session.ID] = time.AfterFunc(s.config.SessionTimeout, func() { s.expireSession(session.ID) })
	s.mu.Unlock()

	return session, accessToken, refreshToken, nil
}

func (s *SessionService) expireSession(sessionID string) {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok || !session.Active {
		s.mu.Unlock()
		return
	}
	horizon := s.now().Add(s.config.RefreshTokenExpiry)
	s.blacklist[session.AccessJTI] = horizon
	s.blacklist[session.RefreshJTI] = horizon
	session.Active = false
	delete(s.timers, sessionID)
	userID := session.UserID
	s.mu.Unlock()

	s.audit.Append(models.CategoryAuth, models.LevelInfo, "session expired", map[string]string{
		"user_id":    userID,
		"session_id": sessionID,
	})
	if s.bus != nil {
		s.bus.Publish(events.SessionExpired{SessionID: sessionID, UserID: userID})
	}
}

func (s *SessionService) mintToken(user *models.User, sessionID, tokenType string, ttl time.Duration) (string, string, error) {
	now := s.now()
	jti := uuid.NewString()
	claims := &models.TokenClaims{
		UserID:    user.ID,
		Username:  user.Username,
		SessionID: sessionID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if tokenType == models.TokenTypeAccess {
		claims.Roles = append([]string(nil), user.Roles...)
		if s.resolver != nil {
			claims.Permissions = s.resolver.PermissionsForRoles(user.Roles)
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.TokenSecret))
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

func (s *SessionService) parseToken(tokenString, wantType string) (*models.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.TokenSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrTokenExpired, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTokenInvalid.Code, appErrors.ErrTokenInvalid.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "invalid token claims")
	}
	if claims.TokenType != wantType {
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "unexpected token type")
	}

	s.mu.Lock()
	_, revoked := s.blacklist[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "token revoked")
	}
	return claims, nil
}

// failLogin audit-logs a failed attempt, publishes the failure event and
// returns the typed error unchanged.
func (s *SessionService) failLogin(userID, username, reason string, err *appErrors.Error) error {
	s.audit.Append(models.CategoryAuth, models.LevelWarning, "login failed", map[string]string{
		"user_id":  userID,
		"username": username,
		"reason":   reason,
	})
	if s.bus != nil {
		s.bus.Publish(events.LoginFailure{UserID: userID, Username: username, Reason: reason})
	}
	if s.metrics != nil {
		s.metrics.RecordAuthAttempt("failure")
	}
	return err
}

// verifyOneTimeCode checks a 6-digit time-step code derived from the shared
// secret and the current 30-second bucket.
func (s *SessionService) verifyOneTimeCode(secret, code string) bool {
	if code == "" {
		return false
	}
	return crypto.ConstantTimeEqual([]byte(code), []byte(s.oneTimeCode(secret, s.now())))
}

func (s *SessionService) oneTimeCode(secret string, t time.Time) string {
	bucket := t.Unix() / 30
	material := append([]byte(secret), []byte(strconv.FormatInt(bucket, 10))...)
	sum := s.crypto.Hash(material)
	truncated := binary.BigEndian.Uint32(sum[:4]) % 1_000_000
	return fmt.Sprintf("%06d", truncated)
}
