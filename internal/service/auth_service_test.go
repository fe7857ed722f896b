package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusops/progress-api/internal/models"
	"github.com/campusops/progress-api/pkg/config"
)

func signToken(t *testing.T, secret, issuer string, method jwt.SigningMethod) string {
	t.Helper()
	claims := &models.JWTClaims{
		UserID: "U1",
		Role:   "registrar",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateToken(t *testing.T) {
	svc := NewAuthService(config.JWTConfig{Secret: "secret", Issuer: "identity"}, zap.NewNop())

	claims, err := svc.ValidateToken(signToken(t, "secret", "identity", jwt.SigningMethodHS256))
	require.NoError(t, err)
	assert.Equal(t, "U1", claims.UserID)
	assert.Equal(t, "registrar", claims.Role)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc := NewAuthService(config.JWTConfig{Secret: "secret"}, zap.NewNop())

	_, err := svc.ValidateToken(signToken(t, "other", "", jwt.SigningMethodHS256))
	require.Error(t, err)
}

func TestValidateTokenWrongIssuer(t *testing.T) {
	svc := NewAuthService(config.JWTConfig{Secret: "secret", Issuer: "identity"}, zap.NewNop())

	_, err := svc.ValidateToken(signToken(t, "secret", "someone-else", jwt.SigningMethodHS256))
	require.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	svc := NewAuthService(config.JWTConfig{Secret: "secret"}, zap.NewNop())

	claims := &models.JWTClaims{
		UserID: "U1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(signed)
	require.Error(t, err)
}
