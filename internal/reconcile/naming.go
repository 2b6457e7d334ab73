package reconcile

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Purpose names one of the interfaces the server runs.
type Purpose string

const (
	// PurposeTrusted carries the statically configured infrastructure peers.
	PurposeTrusted Purpose = "trusted"
	// PurposeHosted carries the tenant clients.
	PurposeHosted Purpose = "hosted"
)

// Identity is the name and key pair of a managed interface.
type Identity struct {
	Name       string
	PrivateKey wgtypes.Key
}

// DeriveInterface derives the identity of an interface from the server's
// private key. The derivation is keyed and separated by purpose, so the same
// server key always yields the same interfaces and no extra secret is stored.
func DeriveInterface(serverKey wgtypes.Key, purpose Purpose) (Identity, error) {
	if purpose == "" {
		return Identity{}, fmt.Errorf("interface purpose is required")
	}
	secret, err := keyedHash(serverKey, "wiremesh interface key "+string(purpose))
	if err != nil {
		return Identity{}, err
	}
	// Clamp as a curve25519 scalar, as wgtypes.GeneratePrivateKey does.
	secret[0] &= 248
	secret[31] = (secret[31] & 127) | 64
	priv, err := wgtypes.NewKey(secret)
	if err != nil {
		return Identity{}, fmt.Errorf("derive %s key: %w", purpose, err)
	}

	tag, err := keyedHash(serverKey, "wiremesh interface name "+string(purpose))
	if err != nil {
		return Identity{}, err
	}
	// IFNAMSIZ leaves 15 usable bytes: "wm" + purpose initial + 10 hex digits.
	name := "wm" + string(purpose[0]) + hex.EncodeToString(tag[:5])
	return Identity{Name: name, PrivateKey: priv}, nil
}

func keyedHash(key wgtypes.Key, domain string) ([]byte, error) {
	h, err := blake2b.New256(key[:])
	if err != nil {
		return nil, fmt.Errorf("init keyed hash: %w", err)
	}
	h.Write([]byte(domain))
	return h.Sum(nil), nil
}
