package recorder

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
)

// CalculateHMAC generates an HMAC for the given data
func CalculateHMAC(data []byte, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHMAC checks if the HMAC for the given data matches the expected value
func VerifyHMAC(data []byte, key []byte, expectedHMAC string) bool {
	return hmac.Equal([]byte(CalculateHMAC(data, key)), []byte(expectedHMAC))
}

// Digest accumulates the checksum and, when keyed, the signature of every
// body payload in the order it is written or read.
type Digest struct {
	sum *xxhash.Digest
	mac hash.Hash
}

// NewDigest creates a digest; a nil or empty key disables signing
func NewDigest(key []byte) *Digest {
	d := &Digest{sum: xxhash.New()}
	if len(key) > 0 {
		d.mac = hmac.New(sha256.New, key)
	}
	return d
}

var _ io.Writer = (*Digest)(nil)

// Write adds one payload to the digest. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	d.sum.Write(p)
	if d.mac != nil {
		d.mac.Write(p)
	}
	return len(p), nil
}

// Checksum returns the xxhash64 of everything written so far
func (d *Digest) Checksum() uint64 {
	return d.sum.Sum64()
}

// Signed reports whether the digest carries a key
func (d *Digest) Signed() bool {
	return d.mac != nil
}

// Signature returns the hex HMAC-SHA256 of everything written so far, or ""
func (d *Digest) Signature() string {
	if d.mac == nil {
		return ""
	}
	return hex.EncodeToString(d.mac.Sum(nil))
}

// VerifySignature compares signatures in constant time
func (d *Digest) VerifySignature(expected string) bool {
	if d.mac == nil {
		return false
	}
	return hmac.Equal([]byte(d.Signature()), []byte(expected))
}
