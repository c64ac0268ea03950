// Package hashchain provides the cryptographic primitives for the sealed
// audit ledger: leaf hashing, pairwise node hashing, and block hashing.
//
// All digests are lowercase hex strings of a 256-bit hash. The encoding fed
// into every hash is canonical — fixed field order, big-endian fixed-width
// integers, length-prefixed UTF-8 strings, RFC3339Nano UTC timestamps — so
// two processes always produce identical digests for identical inputs.
//
// The digest algorithm (sha256 or blake2b-256) is chosen once per deployment.
// Changing it invalidates every previously issued proof; it is configuration,
// not a per-call option.
package hashchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// GenesisHash is the canonical well-known previous-hash of the first block.
// It serves as the trust anchor of the chain; block 0 links to this constant
// rather than to a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	// SHA256 is the default algorithm.
	SHA256 Algorithm = "sha256"
	// Blake2b256 is BLAKE2b with a 256-bit digest.
	Blake2b256 Algorithm = "blake2b-256"
)

// Hasher computes ledger digests with a fixed algorithm.
// It is stateless and safe for concurrent use.
type Hasher struct {
	alg Algorithm
}

// New creates a Hasher for the given algorithm.
func New(alg Algorithm) (*Hasher, error) {
	switch alg {
	case SHA256, Blake2b256:
		return &Hasher{alg: alg}, nil
	case "":
		return &Hasher{alg: SHA256}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}

// Algorithm returns the configured algorithm name.
func (h *Hasher) Algorithm() Algorithm {
	return h.alg
}

func (h *Hasher) sum(data []byte) string {
	if h.alg == Blake2b256 {
		d := blake2b.Sum256(data)
		return hex.EncodeToString(d[:])
	}
	d := sha256.Sum256(data)
	return hex.EncodeToString(d[:])
}

// LeafHash returns the digest of a record's payload. An empty payload is a
// valid, hashable value.
func (h *Hasher) LeafHash(payload []byte) string {
	return h.sum(payload)
}

// NodeHash returns the digest of the concatenation left ∥ right, in that
// order. Order matters: swapping the operands produces a different digest,
// which is what makes proof-path sides meaningful.
func (h *Hasher) NodeHash(left, right string) string {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	return h.sum(buf)
}

// BlockHash computes a block's own hash over a canonical encoding of its
// sealed fields.
func (h *Hasher) BlockHash(seq int64, prevHash, merkleRoot string, recordCount int, sealedAt time.Time, sealedBy string) string {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(seq))
	writeString(&buf, prevHash)
	writeString(&buf, merkleRoot)
	writeUint64(&buf, uint64(recordCount))
	writeString(&buf, sealedAt.UTC().Format(time.RFC3339Nano))
	writeString(&buf, sealedBy)
	return h.sum(buf.Bytes())
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}
