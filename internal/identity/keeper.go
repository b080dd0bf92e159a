// Package identity manages Forked's persistent Ed25519 keypair and signs
// the authentication payload sent on every Gateway connect.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
)

// fileVersion is the on-disk keypair file's schema version.
const fileVersion = 1

// keyFile is the JSON structure persisted to disk with 0600 permissions.
type keyFile struct {
	Version      int    `json:"version"`
	DeviceID     string `json:"deviceId"`
	PublicKeyB64 string `json:"publicKeyPem"`
	PrivateKeyB64 string `json:"privateKeyPem"`
	CreatedAtMs  int64  `json:"createdAtMs"`
}

// Keeper holds one persistent Ed25519 keypair and derives the stable
// device ID from it.
type Keeper struct {
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	deviceID string

	nonce atomic.Uint64
}

// Load reads the keypair at path, generating and persisting a new one if
// it doesn't exist yet.
func Load(path string) (*Keeper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return generateAndSave(path)
		}
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	pub, err := base64.RawURLEncoding.DecodeString(kf.PublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	priv, err := base64.RawURLEncoding.DecodeString(kf.PrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	return &Keeper{
		pub:      ed25519.PublicKey(pub),
		priv:     ed25519.PrivateKey(priv),
		deviceID: kf.DeviceID,
	}, nil
}

func generateAndSave(path string) (*Keeper, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	deviceID := DeriveDeviceID(pub)

	kf := keyFile{
		Version:       fileVersion,
		DeviceID:      deviceID,
		PublicKeyB64:  base64.RawURLEncoding.EncodeToString(pub),
		PrivateKeyB64: base64.RawURLEncoding.EncodeToString(priv),
		CreatedAtMs:   nowMs(),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}

	return &Keeper{pub: pub, priv: priv, deviceID: deviceID}, nil
}

// DeriveDeviceID hashes the raw Ed25519 public key bytes to a stable hex
// device ID. ed25519.PublicKey is already the raw 32-byte key, so no SPKI
// header needs stripping.
func DeriveDeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// DeviceID returns the stable device identifier.
func (k *Keeper) DeviceID() string { return k.deviceID }

// AuthPayload is the signed structure sent as the "device" field of a
// Gateway connect request.
type AuthPayload struct {
	DeviceID    string `json:"deviceId"`
	PublicKey   string `json:"publicKey"`
	Signature   string `json:"signature"`
	SignedAtMs  int64  `json:"signedAtMs"`
	Nonce       string `json:"nonce,omitempty"`
}

// SignAuthPayload builds and signs the handshake payload. withNonce selects
// the "v2" wire format (adds a per-call nonce to defeat replay) vs. the
// plain "v1" format.
func (k *Keeper) SignAuthPayload(scopes []string, role, gatewayToken string, withNonce bool) AuthPayload {
	signedAt := nowMs()

	var nonce string
	version := "v1"
	if withNonce {
		version = "v2"
		nonce = strconv.FormatUint(k.nonce.Add(1), 10)
	}

	parts := []string{
		version,
		k.deviceID,
		"cli",
		"cli",
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAt, 10),
		gatewayToken,
	}
	if withNonce {
		parts = append(parts, nonce)
	}
	payload := strings.Join(parts, "|")

	sig := ed25519.Sign(k.priv, []byte(payload))

	return AuthPayload{
		DeviceID:   k.deviceID,
		PublicKey:  base64.RawURLEncoding.EncodeToString(k.pub),
		Signature:  base64.RawURLEncoding.EncodeToString(sig),
		SignedAtMs: signedAt,
		Nonce:      nonce,
	}
}

// nowMs is the one place Identity touches wall-clock time, isolated so
// tests can't accidentally depend on real time elsewhere in the package.
var nowMsFunc = defaultNowMs

func nowMs() int64 { return nowMsFunc() }
