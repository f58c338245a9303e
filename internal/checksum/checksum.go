// Package checksum computes the replica checksums the namespace records,
// so a committed replica can be verified against its attributes.
package checksum

import (
	"crypto/md5" //nolint:gosec // md5 is a namespace checksum type, not a security primitive
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/adler32"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/replicastore/replicastore/internal/replica"
)

// Supported checksum type names.
const (
	Adler32    = "ADLER32"
	MD5        = "MD5"
	Blake2b256 = "BLAKE2B-256"
)

// ErrUnsupported is returned for checksum types this pool cannot compute.
var ErrUnsupported = errors.New("unsupported checksum type")

// ErrMismatch is returned by Verify when a computed value differs.
var ErrMismatch = errors.New("checksum mismatch")

// New returns a hash for the named checksum type.
func New(typ string) (hash.Hash, error) {
	switch strings.ToUpper(typ) {
	case Adler32:
		return adler32.New(), nil
	case MD5:
		return md5.New(), nil //nolint:gosec
	case Blake2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%q: %w", typ, ErrUnsupported)
	}
}

// Supported reports whether typ can be computed.
func Supported(typ string) bool {
	_, err := New(typ)
	return err == nil
}

// Compute reads r to the end and returns the checksum of the given type.
func Compute(typ string, r io.Reader) (replica.Checksum, error) {
	h, err := New(typ)
	if err != nil {
		return replica.Checksum{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return replica.Checksum{}, fmt.Errorf("compute %s: %w", typ, err)
	}
	return replica.Checksum{Type: strings.ToUpper(typ), Value: hex.EncodeToString(h.Sum(nil))}, nil
}

// Verify reads r once and compares it against every supported checksum in
// expected. Unsupported types are skipped. It returns the number of
// checksums that were actually verified.
func Verify(r io.Reader, expected []replica.Checksum) (int, error) {
	type pending struct {
		want replica.Checksum
		h    hash.Hash
	}
	var hashes []pending
	var writers []io.Writer
	for _, c := range expected {
		h, err := New(c.Type)
		if err != nil {
			continue
		}
		hashes = append(hashes, pending{want: c, h: h})
		writers = append(writers, h)
	}
	if len(hashes) == 0 {
		return 0, nil
	}
	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return 0, fmt.Errorf("read data for checksum: %w", err)
	}
	for _, p := range hashes {
		got := hex.EncodeToString(p.h.Sum(nil))
		if !strings.EqualFold(normalize(p.want.Value), got) {
			return len(hashes), fmt.Errorf("%s expected %s, computed %s: %w", p.want.Type, p.want.Value, got, ErrMismatch)
		}
	}
	return len(hashes), nil
}

// normalize left pads short hex values; adler32 values are often recorded
// without leading zeros.
func normalize(v string) string {
	v = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "0x")
	if len(v) < 8 {
		v = strings.Repeat("0", 8-len(v)) + v
	}
	return v
}
