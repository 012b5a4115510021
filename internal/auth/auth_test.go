package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keynest/keynest/internal/domain"
)

var testSecret = []byte("test-secret")

func mintToken(t *testing.T, claims jwt.MapClaims, secret []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestDecodeAccessToken(t *testing.T) {
	token := mintToken(t, jwt.MapClaims{
		"sub":        "user-1",
		"role":       domain.RoleFacilityManager,
		"facilities": []string{"fac-1", "fac-2"},
		"exp":        time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	identity, err := DecodeAccessToken(token, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if identity.UserID != "user-1" || identity.Role != domain.RoleFacilityManager {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if len(identity.FacilityIDs) != 2 || identity.FacilityIDs[0] != "fac-1" {
		t.Fatalf("unexpected facilities: %v", identity.FacilityIDs)
	}
}

func TestDecodeAccessTokenRejectsWrongSecret(t *testing.T) {
	token := mintToken(t, jwt.MapClaims{"sub": "user-1", "role": domain.RoleAdmin}, []byte("other-secret"))

	_, err := DecodeAccessToken(token, testSecret)
	if !errors.Is(err, domain.ErrBadToken) {
		t.Fatalf("expected ErrBadToken, got %v", err)
	}
}

func TestDecodeAccessTokenRejectsExpired(t *testing.T) {
	token := mintToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}, testSecret)

	if _, err := DecodeAccessToken(token, testSecret); !errors.Is(err, domain.ErrBadToken) {
		t.Fatalf("expected ErrBadToken for expired token, got %v", err)
	}
}

func TestDecodeAccessTokenRequiresSubject(t *testing.T) {
	token := mintToken(t, jwt.MapClaims{"role": domain.RoleAdmin}, testSecret)

	if _, err := DecodeAccessToken(token, testSecret); !errors.Is(err, domain.ErrBadToken) {
		t.Fatalf("expected ErrBadToken for missing subject, got %v", err)
	}
}

func TestDecodeAccessTokenRejectsGarbage(t *testing.T) {
	if _, err := DecodeAccessToken("not-a-token", testSecret); !errors.Is(err, domain.ErrBadToken) {
		t.Fatalf("expected ErrBadToken, got %v", err)
	}
}

func TestAdminKeyRoundtrip(t *testing.T) {
	key, err := GenerateAdminKey()
	if err != nil {
		t.Fatal(err)
	}
	if key == "" {
		t.Fatal("expected non-empty key")
	}

	hash, err := HashAdminKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyAdminKey(hash, key) {
		t.Fatal("expected key to verify against its own hash")
	}
	if VerifyAdminKey(hash, key+"x") {
		t.Fatal("expected altered key to fail verification")
	}
}

func TestVerifyAdminKeyEmptyInputs(t *testing.T) {
	hash, err := HashAdminKey("some-key")
	if err != nil {
		t.Fatal(err)
	}
	if VerifyAdminKey("", "some-key") {
		t.Fatal("expected empty hash to fail")
	}
	if VerifyAdminKey(hash, "") {
		t.Fatal("expected empty key to fail")
	}
}
