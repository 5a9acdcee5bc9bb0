package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/repository"
	appErrors "github.com/veyra/trustcore/pkg/errors"
)

type managedUserRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	List(ctx context.Context) ([]*models.User, error)
}

// UserService handles account management workflows: registration,
// soft-disable and role assignment.
type UserService struct {
	repo        managedUserRepository
	credentials *CredentialService
	authz       *AuthzService
	audit       *AuditService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo managedUserRepository, credentials *CredentialService, authz *AuthzService, audit *AuditService, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{
		repo:        repo,
		credentials: credentials,
		authz:       authz,
		audit:       audit,
		validator:   validate,
		logger:      logger,
	}
}

// Register creates a new account after policy and uniqueness checks.
func (s *UserService) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	if _, err := s.repo.FindByUsername(ctx, req.Username); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "username already exists")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check username uniqueness")
	}
	if _, err := s.repo.FindByEmail(ctx, req.Email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already exists")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email uniqueness")
	}

	if err := s.credentials.ValidatePolicy(req.Password, nil); err != nil {
		return nil, err
	}
	record, err := s.credentials.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:             uuid.NewString(),
		Username:       req.Username,
		Email:          strings.ToLower(req.Email),
		PasswordRecord: record,
		Roles:          append([]string(nil), req.Roles...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}
	for _, role := range user.Roles {
		if err := s.authz.AssignRole(user.ID, role); err != nil {
			s.logger.Warn("failed to assign role at registration",
				zap.String("user_id", user.ID), zap.String("role", role), zap.Error(err))
		}
	}

	s.audit.Append(models.CategoryAuth, models.LevelInfo, "user registered", map[string]string{
		"user_id":  user.ID,
		"username": user.Username,
	})
	return user, nil
}

// Get returns a user by ID.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// List returns every account.
func (s *UserService) List(ctx context.Context) ([]*models.User, error) {
	users, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}
	return users, nil
}

// ChangePassword applies policy and reuse checks before rotating the
// stored record. The old record is kept for reuse checking.
func (s *UserService) ChangePassword(ctx context.Context, id, current, next string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.credentials.VerifyPassword(current, user.PasswordRecord) {
		s.audit.Append(models.CategoryAuth, models.LevelWarning, "password change rejected", map[string]string{
			"user_id": user.ID, "reason": "current password mismatch",
		})
		return appErrors.Clone(appErrors.ErrInvalidCredentials, "current password mismatch")
	}

	history := append([]string{user.PasswordRecord}, user.PreviousRecords...)
	if err := s.credentials.ValidatePolicy(next, history); err != nil {
		return err
	}
	record, err := s.credentials.HashPassword(next)
	if err != nil {
		return err
	}
	user.PreviousRecords = history
	user.PasswordRecord = record
	if err := s.repo.Update(ctx, user); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist password change")
	}

	s.audit.Append(models.CategoryAuth, models.LevelInfo, "password changed", map[string]string{"user_id": user.ID})
	return nil
}

// Disable soft-disables an account. Accounts are never hard-deleted so
// audit history stays attributable.
func (s *UserService) Disable(ctx context.Context, id string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	user.Disabled = true
	if err := s.repo.Update(ctx, user); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to disable user")
	}
	s.audit.Append(models.CategoryAuth, models.LevelWarning, "user disabled", map[string]string{"user_id": user.ID})
	return nil
}

// GrantRole assigns a role to a user and invalidates cached decisions.
func (s *UserService) GrantRole(ctx context.Context, id, role string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if user.HasRole(role) {
		return nil
	}
	if err := s.authz.AssignRole(user.ID, role); err != nil {
		return err
	}
	user.Roles = append(user.Roles, role)
	if err := s.repo.Update(ctx, user); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist role grant")
	}
	s.audit.Append(models.CategoryAuthz, models.LevelInfo, "role granted", map[string]string{
		"user_id": user.ID, "role": role,
	})
	return nil
}

// RevokeRole removes a role from a user and invalidates cached decisions.
func (s *UserService) RevokeRole(ctx context.Context, id, role string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !user.HasRole(role) {
		return nil
	}
	s.authz.RevokeRole(user.ID, role)
	kept := user.Roles[:0]
	for _, r := range user.Roles {
		if r != role {
			kept = append(kept, r)
		}
	}
	user.Roles = kept
	if err := s.repo.Update(ctx, user); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist role revocation")
	}
	s.audit.Append(models.CategoryAuthz, models.LevelInfo, "role revoked", map[string]string{
		"user_id": user.ID, "role": role,
	})
	return nil
}
