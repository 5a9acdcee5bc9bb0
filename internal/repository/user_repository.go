package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/pkg/crypto"
	"github.com/veyra/trustcore/pkg/storage"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("repository: not found")

const usersFile = "users.dat"

// UserRepository keeps the user catalog in memory and persists it as a
// single AES-GCM sealed JSON document through the byte store; records carry
// credential material and MFA secrets and never touch disk in the clear.
// Desktop deployments hold at most a handful of accounts, so the whole
// catalog is rewritten on mutation.
type UserRepository struct {
	store  *storage.FileStore
	crypto *crypto.Service

	mu    sync.RWMutex
	users map[string]*models.User
}

// NewUserRepository loads any persisted catalog and returns the repository.
func NewUserRepository(store *storage.FileStore, cryptoSvc *crypto.Service) (*UserRepository, error) {
	r := &UserRepository{store: store, crypto: cryptoSvc, users: make(map[string]*models.User)}
	if store.Exists(usersFile) {
		data, err := store.Read(usersFile)
		if err != nil {
			return nil, fmt.Errorf("load user catalog: %w", err)
		}
		plain, err := cryptoSvc.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("unseal user catalog: %w", err)
		}
		var users []*models.User
		if err := json.Unmarshal(plain, &users); err != nil {
			return nil, fmt.Errorf("decode user catalog: %w", err)
		}
		for _, u := range users {
			r.users[u.ID] = u
		}
	}
	return r, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

// FindByUsername returns a user by username (case-insensitive).
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// FindByEmail returns a user by email (case-insensitive).
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// Create stores a new user. Username and email must be unique.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Username, user.Username) {
			return fmt.Errorf("username %q already exists", user.Username)
		}
		if strings.EqualFold(u.Email, user.Email) {
			return fmt.Errorf("email %q already exists", user.Email)
		}
	}
	clone := *user
	r.users[user.ID] = &clone
	return r.persistLocked()
}

// Update replaces the stored user record.
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return ErrNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	clone := *user
	r.users[user.ID] = &clone
	return r.persistLocked()
}

// List returns every user sorted by username.
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]*models.User, 0, len(r.users))
	for _, u := range r.users {
		clone := *u
		users = append(users, &clone)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// CountLocked returns how many accounts are currently locked out.
func (r *UserRepository) CountLocked(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, u := range r.users {
		if u.Locked(now) {
			count++
		}
	}
	return count
}

func (r *UserRepository) persistLocked() error {
	users := make([]*models.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	data, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("encode user catalog: %w", err)
	}
	sealed, err := r.crypto.Encrypt(data)
	if err != nil {
		return fmt.Errorf("seal user catalog: %w", err)
	}
	if err := r.store.Write(usersFile, sealed); err != nil {
		return fmt.Errorf("persist user catalog: %w", err)
	}
	return nil
}
