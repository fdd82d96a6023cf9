package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrUnknownKeyVersion  = errors.New("unknown key version")
	ErrNoEncryptionKeys   = errors.New("at least one encryption key required")
)

// Vault encrypts and decrypts OAuth refresh tokens with AES-256-GCM.
// Ciphertext carries a key-version prefix ("v2:...") so keys can be
// rotated without re-encrypting every stored token at once: new writes
// use the current key, reads accept any registered version.
type Vault struct {
	mu      sync.RWMutex
	current int
	keys    map[int]cipher.AEAD
}

// NewVault builds a vault from version-keyed secrets. Keys of any length
// are accepted and derived to 32 bytes via SHA-256. The highest version
// becomes the encryption key.
func NewVault(keys map[int]string) (*Vault, error) {
	if len(keys) == 0 {
		return nil, ErrNoEncryptionKeys
	}

	v := &Vault{keys: make(map[int]cipher.AEAD, len(keys))}
	for version, secret := range keys {
		gcm, err := newAEAD([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		v.keys[version] = gcm
		if version > v.current {
			v.current = version
		}
	}
	return v, nil
}

// NewVaultFromKey wraps a single secret as version 1.
func NewVaultFromKey(secret string) (*Vault, error) {
	return NewVault(map[int]string{1: secret})
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		hash := sha256.Sum256(key)
		key = hash[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// CurrentVersion reports the key version used for new ciphertext.
func (v *Vault) CurrentVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Encrypt seals plaintext under the current key and returns
// "v<N>:" + base64(nonce || ciphertext). Empty input stays empty.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	v.mu.RLock()
	gcm := v.keys[v.current]
	version := v.current
	v.mu.RUnlock()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens ciphertext produced by any registered key version.
// Unversioned ciphertext (legacy rows) is tried against version 1.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	version, encoded := splitVersion(ciphertext)

	v.mu.RLock()
	gcm, ok := v.keys[version]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func splitVersion(ciphertext string) (int, string) {
	if strings.HasPrefix(ciphertext, "v") {
		if idx := strings.IndexByte(ciphertext, ':'); idx > 1 {
			if n, err := strconv.Atoi(ciphertext[1:idx]); err == nil {
				return n, ciphertext[idx+1:]
			}
		}
	}
	return 1, ciphertext
}

// IsTerminal reports whether a vault error means the stored token can
// never be recovered and the account needs a reconnect.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrUnknownKeyVersion) ||
		errors.Is(err, ErrInvalidCiphertext)
}
