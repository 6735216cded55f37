package backup

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// ScryptWorkFactor is the log2 scrypt cost for passphrase-encrypted bundles.
var ScryptWorkFactor = 18

// Checksum returns the BLAKE3-256 digest of data.
func Checksum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// VerifyChecksum compares data against an expected digest in constant time.
func VerifyChecksum(data, expected []byte) bool {
	return subtle.ConstantTimeCompare(Checksum(data), expected) == 1
}

// recipients resolves the age recipients for an export.
func recipients(opts ExportOptions) ([]age.Recipient, error) {
	if opts.Passphrase != "" && len(opts.Recipients) > 0 {
		return nil, ErrMixedRecipients
	}
	if opts.Passphrase != "" {
		r, err := age.NewScryptRecipient(opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		r.SetWorkFactor(ScryptWorkFactor)
		return []age.Recipient{r}, nil
	}
	if len(opts.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	return opts.Recipients, nil
}

// identities resolves the age identities for a restore.
func identities(passphrase string, ids []age.Identity) ([]age.Identity, error) {
	out := append([]age.Identity(nil), ids...)
	if passphrase != "" {
		id, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

// encryptTo wraps w in an age writer. The caller must Close it.
func encryptTo(w io.Writer, opts ExportOptions) (io.WriteCloser, error) {
	rcpts, err := recipients(opts)
	if err != nil {
		return nil, err
	}
	wc, err := age.Encrypt(w, rcpts...)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to start encryption: %w", err)
	}
	return wc, nil
}

// decryptFrom opens an age stream.
func decryptFrom(r io.Reader, passphrase string, ids []age.Identity) (io.Reader, error) {
	idents, err := identities(passphrase, ids)
	if err != nil {
		return nil, err
	}
	plain, err := age.Decrypt(r, idents...)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrDecryptionFailed
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

// ParseRecipients parses age public keys ("age1..."), one per entry.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("backup: invalid recipient %q: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ReadIdentityFile loads age identities from a key file as written by
// age-keygen.
func ReadIdentityFile(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to open identity file: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("backup: invalid identity file: %w", err)
	}
	return ids, nil
}
