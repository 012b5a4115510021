// Package keys implements the key distribution and revocation engine:
// it builds version-appropriate key payloads, forwards them through a
// gateway transport, and gates denylist commands behind the optimizer.
package keys

import (
	"fmt"

	"github.com/keynest/keynest/internal/domain"
)

// KeyMaterial is a tagged union over the two coexisting wire encodings.
// Locks in the field were provisioned under different firmware
// generations, so both must be supported simultaneously.
type KeyMaterial struct {
	Version int
	Legacy  *LegacyKey
	Modern  *ModernKey
}

// LegacyKey is the v1 encoding: hex-coded fixed-width fields.
// Revocation addresses a key by its numeric KeyCode.
type LegacyKey struct {
	Revision uint8
	KeyCode  uint32
	Counter  uint16
	Secret   string // hex
	Token    string // hex
}

// ModernKey is the v2 encoding: an asymmetric public key plus an opaque
// user identifier. Revocation addresses a key by the PublicKey value.
type ModernKey struct {
	PublicKey string
	UserID    string
}

// Encode builds the wire payload for material. It is the single encoder
// for both versions; transports never branch on key encoding.
func Encode(material KeyMaterial) (map[string]any, error) {
	switch material.Version {
	case domain.KeyVersionLegacy:
		if material.Legacy == nil {
			return nil, fmt.Errorf("key material v1: missing legacy fields")
		}
		k := material.Legacy
		if err := validHex("secret", k.Secret); err != nil {
			return nil, err
		}
		if err := validHex("token", k.Token); err != nil {
			return nil, err
		}
		return map[string]any{
			"version":  domain.KeyVersionLegacy,
			"revision": fmt.Sprintf("%02x", k.Revision),
			"keyCode":  fmt.Sprintf("%08x", k.KeyCode),
			"counter":  fmt.Sprintf("%04x", k.Counter),
			"secret":   k.Secret,
			"token":    k.Token,
		}, nil
	case domain.KeyVersionModern:
		if material.Modern == nil {
			return nil, fmt.Errorf("key material v2: missing modern fields")
		}
		k := material.Modern
		if k.PublicKey == "" {
			return nil, fmt.Errorf("key material v2: missing public key")
		}
		return map[string]any{
			"version":   domain.KeyVersionModern,
			"publicKey": k.PublicKey,
			"userId":    k.UserID,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key version %d", material.Version)
	}
}

func validHex(name, v string) error {
	if v == "" {
		return fmt.Errorf("key material v1: missing %s", name)
	}
	for _, c := range v {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return fmt.Errorf("key material v1: %s is not hex encoded", name)
		}
	}
	return nil
}
