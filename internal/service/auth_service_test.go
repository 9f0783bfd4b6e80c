package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/pkg/config"
	appErrors "github.com/franorzabal-hub/kairos-api/pkg/errors"
)

type mockAuthUsers struct {
	byEmail    map[string]*models.User
	byID       map[string]*models.User
	refresh    map[string]*models.RefreshToken
	revoked    []string
	lastLogins int
}

func (m *mockAuthUsers) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if u, ok := m.byEmail[email]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.byID[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthUsers) UpdateLastLogin(ctx context.Context, id string) error {
	m.lastLogins++
	return nil
}

func (m *mockAuthUsers) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if m.refresh == nil {
		m.refresh = make(map[string]*models.RefreshToken)
	}
	m.refresh[token.Token] = token
	return nil
}

func (m *mockAuthUsers) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	if t, ok := m.refresh[token]; ok {
		return t, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthUsers) RevokeRefreshToken(ctx context.Context, token string) error {
	m.revoked = append(m.revoked, token)
	delete(m.refresh, token)
	return nil
}

func newAuthFixture(t *testing.T) (*AuthService, *mockAuthUsers) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	instID := "inst-1"
	user := &models.User{
		ID:            "user-1",
		Email:         "ana@example.com",
		PasswordHash:  string(hash),
		FirstName:     "Ana",
		LastName:      "Perez",
		Role:          models.RoleSchoolAdmin,
		InstitutionID: &instID,
		Active:        true,
	}
	users := &mockAuthUsers{
		byEmail: map[string]*models.User{user.Email: user},
		byID:    map[string]*models.User{user.ID: user},
		refresh: map[string]*models.RefreshToken{},
	}
	cfg := config.JWTConfig{
		Secret:            "test-secret",
		Expiration:        15 * time.Minute,
		RefreshExpiration: 7 * 24 * time.Hour,
	}
	return NewAuthService(users, cfg, nil, nil), users
}

func TestLoginIssuesTokenPair(t *testing.T) {
	svc, users := newAuthFixture(t)

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, int64((15 * time.Minute).Seconds()), resp.ExpiresIn)
	assert.Equal(t, "user-1", resp.User.ID)
	assert.Equal(t, 1, users.lastLogins)
	assert.Contains(t, users.refresh, resp.RefreshToken)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleSchoolAdmin, claims.Role)
	assert.Equal(t, "inst-1", claims.InstitutionID)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newAuthFixture(t)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "nope"})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestLoginUnknownEmailSameError(t *testing.T) {
	svc, _ := newAuthFixture(t)

	// Unknown accounts and wrong passwords are indistinguishable to the caller.
	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "ghost@example.com", Password: "s3cret-pass"})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestLoginInactiveAccount(t *testing.T) {
	svc, users := newAuthFixture(t)
	users.byEmail["ana@example.com"].Active = false

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	assert.True(t, errors.Is(err, appErrors.ErrInactiveAccount))
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, users := newAuthFixture(t)

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	resp, err := svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, resp.RefreshToken)
	assert.Contains(t, users.revoked, login.RefreshToken)

	// The consumed token is gone.
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestRefreshInactiveAccount(t *testing.T) {
	svc, users := newAuthFixture(t)

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	users.byID["user-1"].Active = false
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	assert.True(t, errors.Is(err, appErrors.ErrInactiveAccount))
}

func TestValidateTokenRejectsForgedSecret(t *testing.T) {
	svc, _ := newAuthFixture(t)

	other := NewAuthService(&mockAuthUsers{}, config.JWTConfig{
		Secret:     "another-secret",
		Expiration: 15 * time.Minute,
	}, nil, nil)
	forged, err := other.generateAccessToken(&models.User{ID: "user-1", Role: models.RoleSchoolAdmin})
	require.NoError(t, err)

	_, err = svc.ValidateToken(forged)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	_, err = svc.ValidateToken("not-a-jwt")
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestMeReturnsProfile(t *testing.T) {
	svc, _ := newAuthFixture(t)

	info, err := svc.Me(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", info.FirstName)
	assert.Equal(t, "inst-1", info.InstitutionID)

	_, err = svc.Me(context.Background(), "ghost")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}
