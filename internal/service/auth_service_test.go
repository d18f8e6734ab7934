package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/outpass-api/internal/models"
	appErrors "github.com/noah-isme/outpass-api/pkg/errors"
)

type memUserStore struct {
	mu     sync.Mutex
	users  map[string]*models.User
	tokens map[string]*models.RefreshToken
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]*models.User), tokens: make(map[string]*models.RefreshToken)}
}

func (m *memUserStore) FindByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memUserStore) FindByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *u
	return &clone, nil
}

func (m *memUserStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *memUserStore) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *memUserStore) UpdateLastLogin(_ context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLogin = &ts
	}
	return nil
}

func (m *memUserStore) CreateRefreshToken(_ context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *token
	m.tokens[token.Token] = &clone
	return nil
}

func (m *memUserStore) FindRefreshToken(_ context.Context, token string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *t
	return &clone, nil
}

func (m *memUserStore) RevokeRefreshToken(_ context.Context, id string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID == id {
			t.Revoked = true
			at := revokedAt
			t.RevokedAt = &at
		}
	}
	return nil
}

func (m *memUserStore) RevokeUserRefreshTokens(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range m.tokens {
		if t.UserID == userID {
			t.Revoked = true
			at := now
			t.RevokedAt = &at
		}
	}
	return nil
}

func newTestAuthService(store *memUserStore) *AuthService {
	return NewAuthService(store, nil, zap.NewNop(), AuthConfig{
		AccessTokenSecret:  "auth-secret",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 24 * time.Hour,
		Issuer:             "outpass-api",
	})
}

func registerUser(t *testing.T, svc *AuthService, email, role string) *models.User {
	t.Helper()
	user, err := svc.Register(context.Background(), models.RegisterRequest{
		FullName: "Test User",
		Email:    email,
		Password: "s3cret-pass",
		Role:     role,
	})
	require.NoError(t, err)
	return user
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestAuthService(newMemUserStore())
	user := registerUser(t, svc, "student@example.edu", "student")
	assert.Equal(t, models.RoleStudent, user.Role)
	assert.True(t, user.Active)

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.edu", Password: "s3cret-pass"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, user.ID, resp.User.ID)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, models.RoleStudent, claims.Role)
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	svc := newTestAuthService(newMemUserStore())
	_, err := svc.Register(context.Background(), models.RegisterRequest{
		FullName: "Test User",
		Email:    "admin@example.edu",
		Password: "s3cret-pass",
		Role:     "admin",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := newTestAuthService(newMemUserStore())
	registerUser(t, svc, "warden@example.edu", "warden")

	_, err := svc.Register(context.Background(), models.RegisterRequest{
		FullName: "Other User",
		Email:    "Warden@Example.edu",
		Password: "s3cret-pass",
		Role:     "warden",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestLoginWrongPassword(t *testing.T) {
	svc := newTestAuthService(newMemUserStore())
	registerUser(t, svc, "security@example.edu", "security")

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "security@example.edu", Password: "wrong"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestRefreshRotatesToken(t *testing.T) {
	store := newMemUserStore()
	svc := newTestAuthService(store)
	registerUser(t, svc, "student@example.edu", "student")

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.edu", Password: "s3cret-pass"})
	require.NoError(t, err)

	refreshed, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	// The consumed token is revoked and cannot be replayed.
	_, err = svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestLogoutRevokesToken(t *testing.T) {
	store := newMemUserStore()
	svc := newTestAuthService(store)
	user := registerUser(t, svc, "student@example.edu", "student")

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.edu", Password: "s3cret-pass"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), login.RefreshToken, user.ID))

	_, err = svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	store := newMemUserStore()
	svc := newTestAuthService(store)
	user := registerUser(t, svc, "student@example.edu", "student")

	first, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.edu", Password: "s3cret-pass"})
	require.NoError(t, err)
	second, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.edu", Password: "s3cret-pass"})
	require.NoError(t, err)

	require.NoError(t, svc.LogoutAll(context.Background(), user.ID))

	for _, token := range []string{first.RefreshToken, second.RefreshToken} {
		_, err = svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: token})
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
	}
}

func TestLogoutForeignTokenForbidden(t *testing.T) {
	store := newMemUserStore()
	svc := newTestAuthService(store)
	registerUser(t, svc, "student@example.edu", "student")
	other := registerUser(t, svc, "other@example.edu", "student")

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.edu", Password: "s3cret-pass"})
	require.NoError(t, err)

	err = svc.Logout(context.Background(), login.RefreshToken, other.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc := newTestAuthService(newMemUserStore())
	registerUser(t, svc, "student@example.edu", "student")
	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.edu", Password: "s3cret-pass"})
	require.NoError(t, err)

	other := NewAuthService(newMemUserStore(), nil, zap.NewNop(), AuthConfig{
		AccessTokenSecret: "another-secret",
		AccessTokenExpiry: 15 * time.Minute,
	})
	_, err = other.ValidateToken(login.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}
