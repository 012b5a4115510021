// Package timesync produces signed secure-time broadcast packets for
// offline locks and exchanges device-signed fallback tokens for fresh
// route passes when the primary issuance channel is unreachable.
package timesync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/routepass"
	"github.com/keynest/keynest/internal/store/sqlite"
)

const defaultPassTTL = 24 * time.Hour

// TimeClaims is the payload of a secure-time packet. Locks reject any
// packet whose ts is not strictly greater than the last one they
// accepted, so ts must never repeat or move backwards.
type TimeClaims struct {
	CmdType string `json:"cmd_type"`
	TS      int64  `json:"ts"`
	jwt.RegisteredClaims
}

// FallbackClaims is the payload a device signs to request an emergency
// route pass. Subject is the user, Audience the lock endpoints the pass
// should be valid for.
type FallbackClaims struct {
	DeviceID string `json:"device"`
	jwt.RegisteredClaims
}

// Service signs secure-time packets and redeems fallback tokens.
type Service struct {
	key       ed25519.PrivateKey
	store     *sqlite.Store
	passes    *routepass.Log
	log       *slog.Logger
	passTTL   time.Duration
	now       func() time.Time
	watermark atomic.Int64 // millis of the last issued packet
}

// New creates the service with the given signing key. A zero passTTL
// falls back to 24h.
func New(key ed25519.PrivateKey, store *sqlite.Store, passes *routepass.Log, logger *slog.Logger, passTTL time.Duration) *Service {
	if passTTL <= 0 {
		passTTL = defaultPassTTL
	}
	return &Service{
		key:     key,
		store:   store,
		passes:  passes,
		log:     logger,
		passTTL: passTTL,
		now:     time.Now,
	}
}

// SetClock overrides the time source; tests use this.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// PublicKey returns the base64-encoded verification key gateways use to
// check secure-time packets.
func (s *Service) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// BuildSecureTimeSync builds and signs one secure-time packet. The
// embedded timestamp is strictly greater than that of every packet this
// process issued before, even when the wall clock stalls or steps back.
func (s *Service) BuildSecureTimeSync() (string, error) {
	ts := s.nextTimestamp()
	claims := TimeClaims{
		CmdType: domain.CommandSecureTimeSync,
		TS:      ts,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.UnixMilli(ts)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign secure time packet: %w", err)
	}
	return token, nil
}

// nextTimestamp returns max(now, watermark+1) in milliseconds and
// advances the watermark atomically.
func (s *Service) nextTimestamp() int64 {
	for {
		now := s.now().UnixMilli()
		last := s.watermark.Load()
		ts := now
		if ts <= last {
			ts = last + 1
		}
		if s.watermark.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// ProcessFallbackJWT verifies a device-signed fallback token and, on
// success, appends an issuance log entry and returns the new pass plus
// a service-signed pass token for relay back to the lock. Any
// verification failure aborts the whole exchange; no partial pass is
// ever issued.
func (s *Service) ProcessFallbackJWT(ctx context.Context, tokenStr string) (domain.RoutePass, string, error) {
	var claims FallbackClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		if claims.DeviceID == "" {
			return nil, domain.ErrUnknownDeviceKey
		}
		dk, err := s.store.GetDeviceKey(ctx, claims.DeviceID)
		if err != nil {
			return nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(dk.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("malformed stored key for device %s", claims.DeviceID)
		}
		return ed25519.PublicKey(raw), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, domain.ErrUnknownDeviceKey) {
			return domain.RoutePass{}, "", fmt.Errorf("fallback exchange: %w", domain.ErrUnknownDeviceKey)
		}
		return domain.RoutePass{}, "", fmt.Errorf("fallback exchange: %w: %v", domain.ErrBadToken, err)
	}
	if claims.Subject == "" {
		return domain.RoutePass{}, "", fmt.Errorf("fallback exchange: %w: missing subject", domain.ErrBadToken)
	}

	issuedAt := s.now().UTC()
	expiresAt := issuedAt.Add(s.passTTL)
	pass, err := s.passes.Create(ctx, claims.Subject, claims.DeviceID, claims.Audience, claims.ID, issuedAt, expiresAt)
	if err != nil {
		return domain.RoutePass{}, "", fmt.Errorf("fallback exchange: record pass: %w", err)
	}

	signed, err := s.signPass(pass)
	if err != nil {
		return domain.RoutePass{}, "", fmt.Errorf("fallback exchange: sign pass: %w", err)
	}
	s.log.Info("fallback pass issued",
		"user_id", pass.UserID, "device_id", pass.DeviceID, "jti", pass.JTI, "expires_at", pass.ExpiresAt)
	return pass, signed, nil
}

// signPass issues the compact signed credential a lock can verify
// offline against the service public key.
func (s *Service) signPass(pass domain.RoutePass) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   pass.UserID,
		Audience:  jwt.ClaimStrings(pass.Audiences),
		ID:        pass.JTI,
		IssuedAt:  jwt.NewNumericDate(pass.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(pass.ExpiresAt),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
}

// LoadOrGenerateKey reads an ed25519 seed from path, generating and
// persisting a fresh one on first run.
func LoadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("malformed signing key file %s", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(seed)), 0o600); err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
