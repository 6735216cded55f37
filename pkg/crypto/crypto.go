// Package crypto provides the cryptographic primitives behind the AgenShield
// vault.
//
// This package implements AES-256-GCM authenticated encryption, Argon2id key
// derivation following OWASP recommendations and a salted passcode verifier.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption with a fresh nonce per call
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads)
//   - HKDF-expanded passcode verifiers that never equal the encryption key
//   - Constant-time verifier comparison
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	salt, _ := crypto.GenerateSalt()
//	key := crypto.DeriveKey([]byte("passcode"), salt)
//
//	ciphertext, err := crypto.EncryptString("sk-live-...", key)
//	plaintext, err := crypto.DecryptString(ciphertext, key)
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of salts returned by GenerateSalt.
	SaltLength = 32

	// tagLength is the GCM authentication tag size.
	tagLength = 16
)

// verifierInfo binds passcode verifiers to their purpose so a stored hash can
// never be replayed as an encryption key.
const verifierInfo = "agenshield-passcode-verifier-v1"

// verifierPrefix versions the HashPasscode output format.
const verifierPrefix = "v1$"

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidCiphertext is matched by every failure of DecryptString:
	// malformed encoding, truncation, tampering or a wrong key.
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
)

// KDFParams holds the Argon2id cost parameters used by DeriveKey.
type KDFParams struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
}

// KDF is the active key-derivation configuration. Production code never
// changes it; tests lower it to keep vault round trips fast.
var KDF = KDFParams{
	Memory:  Argon2Memory,
	Time:    Argon2Time,
	Threads: Argon2Threads,
}

// GenerateSalt returns SaltLength bytes of cryptographically secure random data.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 256-bit encryption key from a passcode using Argon2id.
//
// The function uses OWASP-recommended parameters by default:
//   - Memory: 64 MB
//   - Iterations: 3
//   - Parallelism: 4 threads
//
// The same passcode and salt always produce the same key.
func DeriveKey(passcode, salt []byte) []byte {
	return argon2.IDKey(passcode, salt, KDF.Time, KDF.Memory, KDF.Threads, KeyLength)
}

// HashPasscode returns a salted, one-way verifier for passcode.
//
// The Argon2id key for (passcode, salt) is expanded with HKDF-SHA256 under a
// dedicated info string, so the verifier stored on disk is unrelated to the
// key that encrypts secrets.
func HashPasscode(passcode string, salt []byte) (string, error) {
	verifier, err := passcodeVerifier(passcode, salt)
	if err != nil {
		return "", err
	}
	defer SecureWipe(verifier)
	return verifierPrefix + base64.RawStdEncoding.EncodeToString(verifier), nil
}

// VerifyPasscode reports whether passcode matches a hash produced by
// HashPasscode with the same salt. Comparison is constant-time.
func VerifyPasscode(passcode string, salt []byte, hash string) bool {
	encoded, ok := strings.CutPrefix(hash, verifierPrefix)
	if !ok {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil || len(expected) != KeyLength {
		return false
	}

	actual, err := passcodeVerifier(passcode, salt)
	if err != nil {
		return false
	}
	defer SecureWipe(actual)

	return subtle.ConstantTimeCompare(actual, expected) == 1
}

func passcodeVerifier(passcode string, salt []byte) ([]byte, error) {
	key := DeriveKey([]byte(passcode), salt)
	defer SecureWipe(key)

	reader := hkdf.New(sha256.New, key, salt, []byte(verifierInfo))
	verifier := make([]byte, KeyLength)
	if _, err := io.ReadFull(reader, verifier); err != nil {
		return nil, fmt.Errorf("crypto: failed to expand passcode verifier: %w", err)
	}
	return verifier, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// The function generates a cryptographically secure random 12-byte nonce
// using crypto/rand. The authentication tag is appended to the ciphertext.
//
// Returns:
//   - ciphertext: encrypted data with authentication tag
//   - nonce: 12-byte nonce (must be stored with ciphertext for decryption)
//   - err: ErrInvalidKeyLength if key is not 32 bytes
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)

	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM authenticated encryption.
//
// The function verifies the authentication tag before returning the plaintext.
// If the tag verification fails (indicating tampering, corruption or a wrong
// key), ErrDecryptionFailed is returned.
func Decrypt(key, ciphertext, nonce []byte) (plaintext []byte, err error) {
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptString seals plaintext under key and returns base64(nonce || ciphertext || tag).
// Encrypting the same plaintext twice yields different output.
func EncryptString(plaintext string, key []byte) (string, error) {
	ciphertext, nonce, err := Encrypt(key, []byte(plaintext))
	if err != nil {
		return "", err
	}

	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString reverses EncryptString. Every failure, including a wrong key,
// matches ErrInvalidCiphertext.
func DecryptString(ciphertext string, key []byte) (string, error) {
	if len(key) != KeyLength {
		return "", fmt.Errorf("%w: %w", ErrInvalidCiphertext, ErrInvalidKeyLength)
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding", ErrInvalidCiphertext)
	}
	if len(blob) < NonceLength+tagLength {
		return "", fmt.Errorf("%w: %w", ErrInvalidCiphertext, ErrCiphertextTooShort)
	}

	plaintext, err := Decrypt(key, blob[NonceLength:], blob[:NonceLength])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
