package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type mockJWKSServer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

func newMockJWKSServer() (*mockJWKSServer, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	return &mockJWKSServer{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		kid:        "test-key-id",
	}, nil
}

func (m *mockJWKSServer) issueToken(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.kid
	return token.SignedString(m.privateKey)
}

func withCache(server *mockJWKSServer) {
	globalJWKSCache = &jwksCache{
		keys: map[string]*rsa.PublicKey{
			server.kid: server.publicKey,
		},
		lastFetch: time.Now(),
		cacheTTL:  1 * time.Hour,
	}
}

func TestValidateToken_RS256_ValidatesIssuerAndAudience(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("newMockJWKSServer() error = %v", err)
	}
	withCache(server)

	cfg := JWTCfg{
		Issuer:   "https://idp.example.com",
		Audience: "https://whoopsync.example.com",
	}

	claims := jwt.MapClaims{
		"sub": "user_123",
		"iss": "https://idp.example.com",
		"aud": "https://whoopsync.example.com",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}

	sub, err := ValidateToken(tokenString, cfg)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if sub != "user_123" {
		t.Errorf("sub = %q, want user_123", sub)
	}
}

func TestValidateToken_WrongIssuerRejected(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("newMockJWKSServer() error = %v", err)
	}
	withCache(server)

	cfg := JWTCfg{Issuer: "https://idp.example.com"}

	claims := jwt.MapClaims{
		"sub": "user_123",
		"iss": "https://evil-attacker.com",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}

	_, err = ValidateToken(tokenString, cfg)
	if err == nil || !strings.Contains(err.Error(), "invalid issuer") {
		t.Fatalf("expected invalid issuer error, got %v", err)
	}
}

func TestValidateToken_WrongAudienceRejected(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("newMockJWKSServer() error = %v", err)
	}
	withCache(server)

	cfg := JWTCfg{
		Issuer:   "https://idp.example.com",
		Audience: "https://whoopsync.example.com",
	}

	claims := jwt.MapClaims{
		"sub": "user_123",
		"iss": "https://idp.example.com",
		"aud": "https://attacker.com",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}

	_, err = ValidateToken(tokenString, cfg)
	if err == nil || !strings.Contains(err.Error(), "invalid audience") {
		t.Fatalf("expected invalid audience error, got %v", err)
	}
}

func TestValidateToken_AudienceArrayMatchesOneEntry(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("newMockJWKSServer() error = %v", err)
	}
	withCache(server)

	cfg := JWTCfg{
		Issuer:   "https://idp.example.com",
		Audience: "https://whoopsync.example.com",
	}

	claims := jwt.MapClaims{
		"sub": "user_123",
		"iss": "https://idp.example.com",
		"aud": []interface{}{"https://other.com", "https://whoopsync.example.com"},
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}

	sub, err := ValidateToken(tokenString, cfg)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if sub != "user_123" {
		t.Errorf("sub = %q, want user_123", sub)
	}
}

func TestValidateToken_HS256SharedSecret(t *testing.T) {
	secret := "test-hmac-secret"
	cfg := JWTCfg{HS256Secret: secret}

	claims := jwt.MapClaims{
		"sub": "user_123",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	sub, err := ValidateToken(tokenString, cfg)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if sub != "user_123" {
		t.Errorf("sub = %q, want user_123", sub)
	}
}

func TestValidateToken_ExpiredTokenRejected(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("newMockJWKSServer() error = %v", err)
	}
	withCache(server)

	cfg := JWTCfg{Issuer: "https://idp.example.com"}

	claims := jwt.MapClaims{
		"sub": "user_123",
		"iss": "https://idp.example.com",
		"exp": time.Now().Add(-1 * time.Hour).Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}

	if _, err := ValidateToken(tokenString, cfg); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateToken_MissingSubClaimRejected(t *testing.T) {
	server, err := newMockJWKSServer()
	if err != nil {
		t.Fatalf("newMockJWKSServer() error = %v", err)
	}
	withCache(server)

	cfg := JWTCfg{Issuer: "https://idp.example.com"}

	claims := jwt.MapClaims{
		"iss": "https://idp.example.com",
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	}
	tokenString, err := server.issueToken(claims)
	if err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}

	if _, err := ValidateToken(tokenString, cfg); err == nil {
		t.Fatal("expected token without sub claim to be rejected")
	}
}

func TestValidateToken_EmptyTokenRejected(t *testing.T) {
	if _, err := ValidateToken("", JWTCfg{}); err == nil {
		t.Fatal("expected empty token to be rejected")
	}
}
