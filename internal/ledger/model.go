package ledger

import (
	"time"

	"github.com/veriseal/veriseal/internal/merkle"
)

// BlockStatus is the lifecycle status of a sealed block.
type BlockStatus string

const (
	// StatusSealed is the status of every freshly committed block.
	StatusSealed BlockStatus = "SEALED"
	// StatusAnomalous is terminal; it is set when integrity verification
	// detects corruption and is never cleared.
	StatusAnomalous BlockStatus = "ANOMALOUS"
)

// AuditRecord is one operation-audit entry produced by the surrounding
// application. The store assigns IDs monotonically. Once BlockSeq is set the
// record is sealed and its payload must never change; verification assumes
// content-stability.
type AuditRecord struct {
	ID         int64     `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    []byte    `json:"payload"`
	BlockSeq   *int64    `json:"block_seq,omitempty"`
}

// Sealed reports whether the record has been sealed into a block.
func (r *AuditRecord) Sealed() bool {
	return r.BlockSeq != nil
}

// Block is a sealed, hash-linked batch of audit records.
//
// Invariants: Seq is 0-based, strictly increasing with no gaps. For Seq > 0,
// PrevHash equals the Hash of block Seq-1; for Seq 0 it equals the genesis
// constant. Hash is computed over (Seq, PrevHash, MerkleRoot, RecordCount,
// SealedAt, SealedBy) in canonical encoding.
type Block struct {
	Seq               int64       `json:"seq"`
	PrevHash          string      `json:"prev_hash"`
	MerkleRoot        string      `json:"merkle_root"`
	Hash              string      `json:"hash"`
	RecordCount       int         `json:"record_count"`
	SealedAt          time.Time   `json:"sealed_at"`
	SealedBy          string      `json:"sealed_by"`
	Status            BlockStatus `json:"status"`
	AnchorTxID        *string     `json:"anchor_tx_id,omitempty"`
	AnchorConfirmedAt *time.Time  `json:"anchor_confirmed_at,omitempty"`
}

// MembershipProof lets a single record be proven a member of its block
// without rehashing the other records. Replaying Path from the leaf hash of
// the record's payload must reproduce the block's MerkleRoot.
type MembershipProof struct {
	RecordID  int64        `json:"record_id"`
	BlockSeq  int64        `json:"block_seq"`
	LeafIndex int          `json:"leaf_index"`
	Path      merkle.Proof `json:"path"`
}
