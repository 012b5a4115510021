// Package auth verifies the access tokens presented on gateway channel
// upgrades and admin routes, and provides admin key generation and
// hashing utilities used by the CLI.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keynest/keynest/internal/domain"
)

// AccessClaims is the shape of the decoded-identity token minted by the
// upstream authentication layer.
type AccessClaims struct {
	Role        string   `json:"role"`
	FacilityIDs []string `json:"facilities"`
	jwt.RegisteredClaims
}

// DecodeAccessToken verifies an HS256 access token and returns the
// caller's identity. Any verification failure maps to
// [domain.ErrBadToken]; callers must not distinguish failure causes to
// the client.
func DecodeAccessToken(tokenStr string, secret []byte) (domain.Identity, error) {
	var claims AccessClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrBadToken, err)
	}
	if claims.Subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing subject", domain.ErrBadToken)
	}
	return domain.Identity{
		UserID:      claims.Subject,
		Role:        claims.Role,
		FacilityIDs: claims.FacilityIDs,
	}, nil
}

// GenerateAdminKey returns a cryptographically random, URL-safe key string.
func GenerateAdminKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAdminKey returns a bcrypt hash of the given key.
func HashAdminKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyAdminKey reports whether key matches the stored bcrypt hash.
func VerifyAdminKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
