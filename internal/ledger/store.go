package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record, block, or proof does not exist.
var ErrNotFound = errors.New("ledger: not found")

// ErrDuplicateSeq is returned by SealBlock when another sealer already
// committed a block with the same sequence number. The caller aborts and
// retries from a fresh watermark; no partial state is visible.
var ErrDuplicateSeq = errors.New("ledger: block sequence already committed")

// Store is the persistence boundary for audit records, blocks, and
// membership proofs. Three implementations are provided: MemoryStore for
// tests and development, PostgresStore for shared deployments, and
// SQLiteStore for single-node installs.
type Store interface {
	// AppendRecord inserts a new unsealed record and returns its assigned ID.
	// IDs are monotonically increasing.
	AppendRecord(ctx context.Context, rec *AuditRecord) (int64, error)

	// GetRecord returns the record with the given ID, or ErrNotFound.
	GetRecord(ctx context.Context, id int64) (*AuditRecord, error)

	// UnsealedWatermark returns the maximum ID among unsealed records.
	// ok is false when no unsealed records exist.
	UnsealedWatermark(ctx context.Context) (watermark int64, ok bool, err error)

	// SelectUnsealed returns unsealed records with ID <= maxID, ordered by
	// ID ascending. limit <= 0 means no limit.
	SelectUnsealed(ctx context.Context, maxID int64, limit int) ([]*AuditRecord, error)

	// CountUnsealed returns the number of unsealed records.
	CountUnsealed(ctx context.Context) (int64, error)

	// LatestBlock returns the block with the highest sequence number, or
	// (nil, nil) when the chain is empty.
	LatestBlock(ctx context.Context) (*Block, error)

	// GetBlock returns the block at seq, or ErrNotFound.
	GetBlock(ctx context.Context, seq int64) (*Block, error)

	// ListBlocks returns blocks with from <= seq <= to, ordered by seq.
	ListBlocks(ctx context.Context, from, to int64) ([]*Block, error)

	// SealBlock atomically inserts the block, inserts one membership proof
	// per sealed record, and stamps BlockSeq on those records. On any error
	// nothing is committed; candidate records remain unsealed.
	SealBlock(ctx context.Context, b *Block, proofs []*MembershipProof) error

	// GetProof returns the membership proof for a sealed record, or
	// ErrNotFound when the record is unsealed or unknown.
	GetProof(ctx context.Context, recordID int64) (*MembershipProof, error)

	// MarkAnomalous transitions a block's status to ANOMALOUS. The
	// transition is terminal; marking an already anomalous block is a no-op.
	MarkAnomalous(ctx context.Context, seq int64) error

	// BlocksNeedingAnchor returns blocks with no anchor transaction yet,
	// ordered by seq. limit <= 0 means no limit.
	BlocksNeedingAnchor(ctx context.Context, limit int) ([]*Block, error)

	// BlocksAwaitingConfirm returns blocks with an anchor transaction that
	// has not been confirmed, ordered by seq. limit <= 0 means no limit.
	BlocksAwaitingConfirm(ctx context.Context, limit int) ([]*Block, error)

	// SetAnchorTx records the external ledger transaction ID for a block.
	SetAnchorTx(ctx context.Context, seq int64, txID string) error

	// ConfirmAnchor stamps the anchor confirmation time on a block.
	ConfirmAnchor(ctx context.Context, seq int64, at time.Time) error
}
