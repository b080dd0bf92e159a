package identity

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	k1, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k1.DeviceID() == "" {
		t.Fatalf("DeviceID is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("identity file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("identity file perm = %o, want 0600", perm)
	}

	k2, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if k1.DeviceID() != k2.DeviceID() {
		t.Errorf("device id changed across reload: %s vs %s", k1.DeviceID(), k2.DeviceID())
	}
}

func TestDeriveDeviceIDStable(t *testing.T) {
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	for i := range pub {
		pub[i] = byte(i)
	}
	id1 := DeriveDeviceID(pub)
	id2 := DeriveDeviceID(pub)
	if id1 != id2 {
		t.Errorf("DeriveDeviceID not stable: %s vs %s", id1, id2)
	}
	if len(id1) != 64 {
		t.Errorf("DeriveDeviceID len = %d, want 64 (hex sha256)", len(id1))
	}
}

func TestSignAuthPayloadVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	k, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	payload := k.SignAuthPayload([]string{"operator.admin", "operator.write"}, "operator", "gw-token", false)
	if payload.Nonce != "" {
		t.Errorf("v1 payload should have no nonce, got %q", payload.Nonce)
	}

	withNonce := k.SignAuthPayload([]string{"operator.admin"}, "operator", "gw-token", true)
	if withNonce.Nonce == "" {
		t.Errorf("v2 payload should carry a nonce")
	}
}
