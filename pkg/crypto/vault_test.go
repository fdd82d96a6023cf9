package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVaultFromKey("test-secret-key")
	if err != nil {
		t.Fatalf("NewVaultFromKey: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"refresh token", "1//0eXaMpLeRefreshToken-abcdef"},
		{"unicode", "tōken-ünïcode"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := v.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if tt.plaintext != "" && !strings.HasPrefix(ct, "v1:") {
				t.Errorf("ciphertext missing version prefix: %q", ct)
			}
			got, err := v.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("round trip = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestVaultEncryptNotDeterministic(t *testing.T) {
	v, _ := NewVaultFromKey("test-secret-key")
	a, _ := v.Encrypt("same-token")
	b, _ := v.Encrypt("same-token")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestVaultKeyRotation(t *testing.T) {
	old, err := NewVault(map[int]string{1: "old-key"})
	if err != nil {
		t.Fatal(err)
	}
	ct, err := old.Encrypt("legacy-refresh-token")
	if err != nil {
		t.Fatal(err)
	}

	rotated, err := NewVault(map[int]string{1: "old-key", 2: "new-key"})
	if err != nil {
		t.Fatal(err)
	}
	if rotated.CurrentVersion() != 2 {
		t.Fatalf("CurrentVersion = %d, want 2", rotated.CurrentVersion())
	}

	// Old ciphertext still readable after rotation.
	got, err := rotated.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt old ciphertext: %v", err)
	}
	if got != "legacy-refresh-token" {
		t.Errorf("got %q", got)
	}

	// New writes use the new key version.
	ct2, _ := rotated.Encrypt("fresh-token")
	if !strings.HasPrefix(ct2, "v2:") {
		t.Errorf("new ciphertext should use v2 prefix, got %q", ct2)
	}
}

func TestVaultUnknownKeyVersion(t *testing.T) {
	v2only, err := NewVault(map[int]string{2: "new-key"})
	if err != nil {
		t.Fatal(err)
	}
	v1, _ := NewVault(map[int]string{1: "old-key"})
	ct, _ := v1.Encrypt("token")

	_, err = v2only.Decrypt(ct)
	if !errors.Is(err, ErrUnknownKeyVersion) {
		t.Fatalf("err = %v, want ErrUnknownKeyVersion", err)
	}
	if !IsTerminal(err) {
		t.Error("unknown key version should be terminal")
	}
}

func TestVaultDecryptErrors(t *testing.T) {
	v, _ := NewVaultFromKey("test-secret-key")
	valid, _ := v.Encrypt("token")

	// Flip a byte of the base64 payload.
	tampered := valid[:len(valid)-2] + "A="

	wrong, _ := NewVaultFromKey("another-secret")

	tests := []struct {
		name  string
		vault *Vault
		input string
		want  error
	}{
		{"not base64", v, "v1:!!!not-base64!!!", ErrInvalidCiphertext},
		{"too short", v, "v1:YWJj", ErrInvalidCiphertext},
		{"tampered", v, tampered, ErrDecryptionFailed},
		{"wrong key", wrong, valid, ErrDecryptionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.vault.Decrypt(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if !IsTerminal(err) {
				t.Errorf("IsTerminal(%v) = false, want true", err)
			}
		})
	}
}

func TestNewVaultRequiresKeys(t *testing.T) {
	if _, err := NewVault(nil); !errors.Is(err, ErrNoEncryptionKeys) {
		t.Fatalf("err = %v, want ErrNoEncryptionKeys", err)
	}
}
