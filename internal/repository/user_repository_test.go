package repository

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/pkg/crypto"
	"github.com/veyra/trustcore/pkg/storage"
)

func newUserFixture(t *testing.T) (*UserRepository, *storage.FileStore, *crypto.Service) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cryptoSvc, err := crypto.New(bytes.Repeat([]byte{0x2a}, 32))
	require.NoError(t, err)
	repo, err := NewUserRepository(store, cryptoSvc)
	require.NoError(t, err)
	return repo, store, cryptoSvc
}

func TestUserCatalogSealedOnDisk(t *testing.T) {
	repo, store, _ := newUserFixture(t)

	require.NoError(t, repo.Create(context.Background(), &models.User{
		ID:        "u1",
		Username:  "alice",
		Email:     "alice@example.com",
		MFASecret: "JBSWY3DPEHPK3PXP",
		Roles:     []string{"user"},
		CreatedAt: time.Now().UTC(),
	}))

	raw, err := store.Read("users.dat")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "alice")
	assert.NotContains(t, string(raw), "JBSWY3DPEHPK3PXP")
	assert.NotContains(t, string(raw), "mfa_secret")
}

func TestUserCatalogReloadsAcrossRestart(t *testing.T) {
	repo, store, cryptoSvc := newUserFixture(t)

	require.NoError(t, repo.Create(context.Background(), &models.User{
		ID:        "u1",
		Username:  "alice",
		Email:     "alice@example.com",
		MFASecret: "JBSWY3DPEHPK3PXP",
		Roles:     []string{"user"},
		CreatedAt: time.Now().UTC(),
	}))

	reloaded, err := NewUserRepository(store, cryptoSvc)
	require.NoError(t, err)
	user, err := reloaded.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", user.MFASecret)
}

func TestUserCatalogRejectsWrongKey(t *testing.T) {
	repo, store, _ := newUserFixture(t)
	require.NoError(t, repo.Create(context.Background(), &models.User{
		ID: "u1", Username: "alice", Email: "alice@example.com",
	}))

	other, err := crypto.New(bytes.Repeat([]byte{0x3b}, 32))
	require.NoError(t, err)
	_, err = NewUserRepository(store, other)
	assert.ErrorContains(t, err, "unseal user catalog")
}
