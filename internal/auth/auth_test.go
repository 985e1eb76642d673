package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holidaibutler/warden/internal/auth"
	"github.com/holidaibutler/warden/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$v=19$m=65536,t=1,p=4$"))

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyAPIKeyRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{"", "plain", "bcrypt$x$y$z$w", "argon2id$v=18$m=1,t=1,p=1$AA$AA"} {
		_, err := auth.VerifyAPIKey("k", encoded)
		assert.Error(t, err, encoded)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	b, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "wdn_"))
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	client := model.APIClient{ID: uuid.New(), ClientID: "security-reviewer-bot", Role: model.RoleAgent, AgentKey: "security-reviewer"}
	token, expiresAt, err := mgr.IssueToken(client)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "security-reviewer-bot", claims.ClientID)
	assert.Equal(t, model.RoleAgent, claims.Role)
	assert.Equal(t, "security-reviewer", claims.AgentKey)
	assert.Equal(t, client.ID.String(), claims.Subject)
}

func TestNewJWTManagerRequiresBothPaths(t *testing.T) {
	_, err := auth.NewJWTManager("/tmp/only-private.pem", "", time.Hour)
	assert.Error(t, err)
}

// newTestJWTManagerWithKey returns a manager backed by PEM files and the raw
// private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0o600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func forge(t *testing.T, key ed25519.PrivateKey, mutate func(*auth.Claims)) string {
	t.Helper()
	now := time.Now().UTC()
	c := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "warden",
			Audience:  jwt.ClaimStrings{"warden"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		ClientID: "test-client",
		Role:     model.RoleReader,
	}
	mutate(c)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestValidateTokenRejectsForgedClaims(t *testing.T) {
	mgr, key := newTestJWTManagerWithKey(t)

	tests := []struct {
		name    string
		mutate  func(*auth.Claims)
		wantErr string
	}{
		{"wrong issuer", func(c *auth.Claims) { c.Issuer = "someone-else" }, "invalid issuer"},
		{"empty issuer", func(c *auth.Claims) { c.Issuer = "" }, "invalid issuer"},
		{"wrong audience", func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"other"} }, "invalid audience"},
		{"expired", func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }, "expired"},
		{"no expiry", func(c *auth.Claims) { c.ExpiresAt = nil }, "exp"},
		{"malformed subject", func(c *auth.Claims) { c.Subject = "not-a-uuid" }, "invalid subject"},
		{"unknown role", func(c *auth.Claims) { c.Role = "superuser" }, "unknown role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forge(t, key, tt.mutate))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTokenRejectsOtherKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = mgr.ValidateToken(forge(t, otherKey, func(*auth.Claims) {}))
	assert.Error(t, err)
}
