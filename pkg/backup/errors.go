package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the decrypted stream is not a backup bundle.
	ErrInvalidMagic = errors.New("backup: invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates the bundle format or schema is newer than this build.
	ErrUnsupportedVersion = errors.New("backup: unsupported backup version")

	// ErrIntegrityFailed indicates the payload checksum did not match the header.
	ErrIntegrityFailed = errors.New("backup: integrity check failed: checksum mismatch")

	// ErrDecryptionFailed indicates a wrong passphrase or identity, or a corrupted file.
	ErrDecryptionFailed = errors.New("backup: decryption failed: invalid passphrase or corrupted data")

	// ErrNotEmpty indicates restore would overwrite existing data without Force.
	ErrNotEmpty = errors.New("backup: target store is not empty")

	// ErrInvalidBundle indicates the bundle references unknown tables or columns.
	ErrInvalidBundle = errors.New("backup: invalid bundle contents")

	// ErrNoRecipients indicates neither a passphrase nor recipients were given.
	ErrNoRecipients = errors.New("backup: passphrase or recipients required")

	// ErrMixedRecipients indicates a passphrase was combined with public-key recipients.
	ErrMixedRecipients = errors.New("backup: passphrase cannot be combined with recipients")
)
