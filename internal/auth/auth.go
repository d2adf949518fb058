// Package auth provides API-key and JWT authentication for ChittyBroker.
//
// Raw API keys are hashed with Argon2id and looked up by an eight-character
// prefix; short-lived bearer tokens are Ed25519 (EdDSA) JWTs exchanged for a
// valid key at /api/v1/auth/token. Keys can be loaded from PEM files or
// auto-generated for development.
package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/model"
)

const issuer = "chittybroker"

// ErrUnauthorized is returned for any credential that does not authenticate.
// The cause is deliberately not distinguished to callers.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Claims extends jwt.RegisteredClaims with the authenticated key's identity.
type Claims struct {
	jwt.RegisteredClaims
	KeyName string   `json:"key_name"`
	Scopes  []string `json:"scopes,omitempty"`
}

// HasScope reports whether the token carries the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Catch a private key from one environment deployed with the public key
	// of another.
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given API key identity.
func (m *JWTManager) IssueToken(key model.APIKey) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.ID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		KeyName: key.Name,
		Scopes:  key.Scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}

	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}

	return claims, nil
}

// KeyStore is the storage surface key authentication needs. *storage.DB
// satisfies it.
type KeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID) error
}

// Authenticator verifies raw API keys against stored Argon2id hashes.
type Authenticator struct {
	store  KeyStore
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(store KeyStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: store, logger: logger}
}

// AuthenticateKey verifies a raw API key. On any failure the caller gets
// ErrUnauthorized; a dummy hash runs on paths where no real hash was checked
// so timing stays uniform.
func (a *Authenticator) AuthenticateKey(ctx context.Context, rawKey string) (*model.APIKey, error) {
	prefix, ok := KeyLookupPrefix(rawKey)
	if !ok {
		DummyVerify()
		return nil, ErrUnauthorized
	}

	candidates, err := a.store.GetAPIKeysByPrefix(ctx, prefix)
	if err != nil {
		DummyVerify()
		return nil, fmt.Errorf("auth: lookup key: %w", err)
	}
	if len(candidates) == 0 {
		DummyVerify()
		return nil, ErrUnauthorized
	}

	for i := range candidates {
		match, err := VerifyAPIKey(rawKey, candidates[i].KeyHash)
		if err != nil {
			a.logger.Warn("api key hash malformed", "keyId", candidates[i].ID, "error", err)
			continue
		}
		if match {
			if err := a.store.TouchAPIKey(ctx, candidates[i].ID); err != nil {
				a.logger.Warn("touch api key", "keyId", candidates[i].ID, "error", err)
			}
			return &candidates[i], nil
		}
	}
	return nil, ErrUnauthorized
}
