package backup

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// MagicNumber opens every decrypted bundle: "AGSH_BKP".
var MagicNumber = [8]byte{'A', 'G', 'S', 'H', '_', 'B', 'K', 'P'}

// FormatVersion is the current bundle layout.
const FormatVersion = 1

// ChecksumAlgo names the payload checksum recorded in the header.
const ChecksumAlgo = "blake3-256"

// maxHeaderSize bounds the header read before decoding.
const maxHeaderSize = 1024 * 1024

// Header describes a bundle. It is stored in clear inside the age stream.
type Header struct {
	Version          int            `cbor:"version"`
	CreatedAt        time.Time      `cbor:"created_at"`
	SchemaVersion    int            `cbor:"schema_version"`
	IncludesActivity bool           `cbor:"includes_activity"`
	Counts           map[string]int `cbor:"counts"`
	PayloadSize      int            `cbor:"payload_size"`
	ChecksumAlgo     string         `cbor:"checksum_algorithm"`
	Checksum         []byte         `cbor:"checksum"`
}

// Table is one database table dumped column-wise.
type Table struct {
	Name    string   `cbor:"name"`
	Columns []string `cbor:"columns"`
	Rows    [][]any  `cbor:"rows"`
}

// Bundle is the decoded payload.
type Bundle struct {
	Tables []Table `cbor:"tables"`
}

// table returns the named table, or nil.
func (b *Bundle) table(name string) *Table {
	for i := range b.Tables {
		if b.Tables[i].Name == name {
			return &b.Tables[i]
		}
	}
	return nil
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("backup: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// SQLite integers are int64; keep them signed.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("backup: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("backup: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("backup: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodePayload serializes and compresses a bundle.
func EncodePayload(bundle *Bundle) ([]byte, error) {
	raw, err := encMode.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encode payload: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(data []byte) (*Bundle, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrIntegrityFailed, err)
	}
	var bundle Bundle
	if err := decMode.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return &bundle, nil
}

// WriteHeader writes the magic number and length-prefixed header.
func WriteHeader(w io.Writer, header *Header) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("backup: failed to write magic number: %w", err)
	}

	data, err := encMode.Marshal(header)
	if err != nil {
		return fmt.Errorf("backup: failed to encode header: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("backup: failed to write header length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("backup: failed to write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the magic number and header.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMagic, err)
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("backup: failed to read header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("backup: header too large: %d bytes", headerLen)
	}

	data := make([]byte, headerLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("backup: failed to read header: %w", err)
	}

	var header Header
	if err := decMode.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("backup: failed to decode header: %w", err)
	}
	if header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: format %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}
	return &header, nil
}
