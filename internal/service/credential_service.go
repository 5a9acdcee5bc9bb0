package service

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/pkg/crypto"
	appErrors "github.com/veyra/trustcore/pkg/errors"
)

const (
	pbkdf2Scheme        = "pbkdf2-sha256"
	minPBKDF2Iterations = 100_000
	saltLength          = 16
)

// PasswordPolicy constrains accepted passwords.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
	RequireSymbols   bool
	ReuseDepth       int
}

// CredentialConfig defines configuration for password hashing and lockout.
type CredentialConfig struct {
	Iterations        int
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	Policy            PasswordPolicy
}

// CredentialService hashes and verifies passwords and applies the per-user
// lockout policy. It depends only on the crypto primitives; all user state
// lives on the records handed to it.
type CredentialService struct {
	crypto *crypto.Service
	logger *zap.Logger
	config CredentialConfig
	now    func() time.Time
}

// NewCredentialService constructs a CredentialService instance.
func NewCredentialService(cryptoSvc *crypto.Service, logger *zap.Logger, cfg CredentialConfig) *CredentialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Iterations < minPBKDF2Iterations {
		cfg.Iterations = minPBKDF2Iterations
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	return &CredentialService{
		crypto: cryptoSvc,
		logger: logger,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Iterations returns the effective PBKDF2 iteration count.
func (s *CredentialService) Iterations() int {
	return s.config.Iterations
}

// HashPassword derives a salted PBKDF2 record. The iteration count is
// embedded so it can be raised later without invalidating old records.
func (s *CredentialService) HashPassword(password string) (string, error) {
	salt, err := s.crypto.RandomBytes(saltLength)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "generate salt")
	}
	key := s.crypto.DeriveKey(password, salt, s.config.Iterations)
	return fmt.Sprintf("%s$%d$%s$%s",
		pbkdf2Scheme,
		s.config.Iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword recomputes the derived key with the record's own salt and
// iteration count and compares in constant time.
func (s *CredentialService) VerifyPassword(password, record string) bool {
	parts := strings.Split(record, "$")
	if len(parts) != 4 || parts[0] != pbkdf2Scheme {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	derived := s.crypto.DeriveKey(password, salt, iterations)
	return crypto.ConstantTimeEqual(derived, stored)
}

// ValidatePolicy checks a candidate password against the configured policy,
// including reuse prevention against the user's previous records.
func (s *CredentialService) ValidatePolicy(password string, previousRecords []string) error {
	if len(password) < s.config.Policy.MinLength {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("password must be at least %d characters", s.config.Policy.MinLength))
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsNumber(r):
			hasNumber = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if s.config.Policy.RequireUppercase && !hasUpper {
		return appErrors.Clone(appErrors.ErrValidation, "password must contain an uppercase letter")
	}
	if s.config.Policy.RequireLowercase && !hasLower {
		return appErrors.Clone(appErrors.ErrValidation, "password must contain a lowercase letter")
	}
	if s.config.Policy.RequireNumbers && !hasNumber {
		return appErrors.Clone(appErrors.ErrValidation, "password must contain a digit")
	}
	if s.config.Policy.RequireSymbols && !hasSymbol {
		return appErrors.Clone(appErrors.ErrValidation, "password must contain a symbol")
	}

	// previousRecords is newest first.
	depth := s.config.Policy.ReuseDepth
	if depth > 0 && len(previousRecords) > depth {
		previousRecords = previousRecords[:depth]
	}
	if depth > 0 {
		for _, record := range previousRecords {
			if s.VerifyPassword(password, record) {
				return appErrors.Clone(appErrors.ErrValidation, "password was used recently")
			}
		}
	}
	return nil
}

// RecordFailure increments the user's failed-attempt counter and locks the
// account when the configured maximum is crossed. Returns true when the
// account is now locked.
func (s *CredentialService) RecordFailure(user *models.User) bool {
	user.FailedAttempts++
	if user.FailedAttempts < s.config.MaxFailedAttempts {
		return false
	}
	now := s.now()
	unlock := now.Add(s.config.LockoutDuration)
	user.LockedAt = &now
	user.UnlockTime = &unlock
	s.logger.Warn("account locked",
		zap.String("user_id", user.ID),
		zap.Int("failed_attempts", user.FailedAttempts),
		zap.Time("unlock_time", unlock))
	return true
}

// ClearFailures resets the failure counter and any lock.
func (s *CredentialService) ClearFailures(user *models.User) {
	user.FailedAttempts = 0
	user.LockedAt = nil
	user.UnlockTime = nil
}

// CheckLock reports whether the account is currently locked. An expired
// lock is cleared together with the failure counter.
func (s *CredentialService) CheckLock(user *models.User) bool {
	if user.UnlockTime == nil {
		return false
	}
	if s.now().Before(*user.UnlockTime) {
		return true
	}
	s.ClearFailures(user)
	return false
}
