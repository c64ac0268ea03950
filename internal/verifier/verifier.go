// Package verifier proves individual records un-tampered via their Merkle
// membership proofs and scans the block chain for corruption.
package verifier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veriseal/veriseal/internal/alerting"
	"github.com/veriseal/veriseal/internal/hashchain"
	"github.com/veriseal/veriseal/internal/ledger"
	"github.com/veriseal/veriseal/internal/merkle"
)

// RecordStatus is the three-way outcome of a record verification. Callers
// must not conflate UNSEALED ("not yet provable") with TAMPERED ("proven
// broken").
type RecordStatus string

const (
	StatusValid    RecordStatus = "VALID"
	StatusTampered RecordStatus = "TAMPERED"
	StatusUnsealed RecordStatus = "UNSEALED"
)

// DivergenceKind classifies a chain-scan failure.
type DivergenceKind string

const (
	// SelfHashMismatch: a block's stored hash does not match a
	// recomputation over its own stored fields — in-place tampering.
	SelfHashMismatch DivergenceKind = "SELF_HASH_MISMATCH"
	// ChainLinkMismatch: a block's prev_hash does not match its
	// predecessor's hash — splice tampering or block replacement.
	ChainLinkMismatch DivergenceKind = "CHAIN_LINK_MISMATCH"
	// SequenceGap: a sequence number is missing from the scanned range.
	SequenceGap DivergenceKind = "SEQUENCE_GAP"
)

// Break is one detected divergence.
type Break struct {
	Seq    int64          `json:"seq"`
	Kind   DivergenceKind `json:"kind"`
	Detail string         `json:"detail"`
}

// Report is the outcome of a chain scan.
type Report struct {
	OK            bool    `json:"ok"`
	From          int64   `json:"from"`
	To            int64   `json:"to"`
	BlocksChecked int     `json:"blocks_checked"`
	FirstBad      *Break  `json:"first_bad,omitempty"`
	Breaks        []Break `json:"breaks,omitempty"`
}

// MetricsRecorder is an optional callback recording verification outcomes.
type MetricsRecorder func(outcome string)

// Verifier checks record proofs and chain integrity. All operations are
// read-only apart from the terminal SEALED → ANOMALOUS status transition on
// detected corruption, and are safe to run concurrently with the sealer.
type Verifier struct {
	store     ledger.Store
	hasher    *hashchain.Hasher
	alerter   alerting.Alerter
	onMetrics MetricsRecorder
	logger    *zap.Logger
}

// New creates a Verifier.
func New(store ledger.Store, hasher *hashchain.Hasher, alerter alerting.Alerter, logger *zap.Logger) *Verifier {
	return &Verifier{
		store:   store,
		hasher:  hasher,
		alerter: alerter,
		logger:  logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (v *Verifier) SetMetricsRecorder(fn MetricsRecorder) {
	v.onMetrics = fn
}

// VerifyRecord proves a single record against its block's Merkle root.
//
// An unsealed record is UNSEALED, not an error. A replay mismatch is
// TAMPERED: either the record content changed after sealing or the stored
// proof/root was corrupted — indistinguishable from this check alone, and
// both reported as tampering.
func (v *Verifier) VerifyRecord(ctx context.Context, recordID int64) (RecordStatus, *ledger.MembershipProof, error) {
	rec, err := v.store.GetRecord(ctx, recordID)
	if err != nil {
		return "", nil, fmt.Errorf("load record %d: %w", recordID, err)
	}
	if !rec.Sealed() {
		v.record(string(StatusUnsealed))
		return StatusUnsealed, nil, nil
	}

	proof, err := v.store.GetProof(ctx, recordID)
	if err != nil {
		return "", nil, fmt.Errorf("load proof for record %d: %w", recordID, err)
	}
	block, err := v.store.GetBlock(ctx, proof.BlockSeq)
	if err != nil {
		return "", nil, fmt.Errorf("load block %d: %w", proof.BlockSeq, err)
	}

	leaf := v.hasher.LeafHash(rec.Payload)
	if merkle.Replay(v.hasher, leaf, proof.Path) != block.MerkleRoot {
		v.logger.Warn("record failed membership proof",
			zap.Int64("record_id", recordID),
			zap.Int64("block_seq", block.Seq),
		)
		v.alerter.Raise(ctx, alerting.KindRecordTampered, block.Seq,
			fmt.Sprintf("record %d does not replay to the merkle root of block %d", recordID, block.Seq))
		v.record(string(StatusTampered))
		return StatusTampered, proof, nil
	}

	v.record(string(StatusValid))
	return StatusValid, proof, nil
}

// VerifyChain scans blocks from fromSeq through toSeq inclusive. Each block's
// stored hash is recomputed from its own fields, and each link is checked
// against the predecessor. The first divergence stops the scan unless force
// is set, in which case all breaks in the range are enumerated.
//
// Detected-bad blocks are marked ANOMALOUS and alerted; the evidence is
// never auto-corrected.
func (v *Verifier) VerifyChain(ctx context.Context, fromSeq, toSeq int64, force bool) (*Report, error) {
	if fromSeq < 0 || toSeq < fromSeq {
		return nil, fmt.Errorf("invalid scan range [%d, %d]", fromSeq, toSeq)
	}

	report := &Report{OK: true, From: fromSeq, To: toSeq}

	blocks, err := v.store.ListBlocks(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("load blocks [%d, %d]: %w", fromSeq, toSeq, err)
	}

	// Seed the link check. For a mid-chain scan the predecessor of fromSeq
	// provides the expected previous hash; for fromSeq 0 it is the genesis
	// constant.
	prevHash := hashchain.GenesisHash
	havePrev := fromSeq == 0
	if fromSeq > 0 {
		prev, err := v.store.GetBlock(ctx, fromSeq-1)
		switch {
		case err == nil:
			prevHash = prev.Hash
			havePrev = true
		case errors.Is(err, ledger.ErrNotFound):
			// Scanning a window whose predecessor is unknown: link checks
			// start from the first block inside the window.
		default:
			return nil, fmt.Errorf("load predecessor block %d: %w", fromSeq-1, err)
		}
	}

	expected := fromSeq
	for _, b := range blocks {
		if b.Seq != expected {
			if !v.fail(ctx, report, Break{
				Seq:    expected,
				Kind:   SequenceGap,
				Detail: fmt.Sprintf("expected block %d, found %d", expected, b.Seq),
			}, force) {
				return report, nil
			}
			// Resynchronise on the block actually present.
			expected = b.Seq
			havePrev = false
		}

		selfHash := v.hasher.BlockHash(b.Seq, b.PrevHash, b.MerkleRoot, b.RecordCount, b.SealedAt, b.SealedBy)
		if selfHash != b.Hash {
			v.markAnomalous(ctx, b.Seq)
			if !v.fail(ctx, report, Break{
				Seq:    b.Seq,
				Kind:   SelfHashMismatch,
				Detail: fmt.Sprintf("block %d stored hash %s, recomputed %s", b.Seq, b.Hash, selfHash),
			}, force) {
				return report, nil
			}
		} else if havePrev && b.PrevHash != prevHash {
			v.markAnomalous(ctx, b.Seq)
			if !v.fail(ctx, report, Break{
				Seq:    b.Seq,
				Kind:   ChainLinkMismatch,
				Detail: fmt.Sprintf("block %d prev_hash %s does not match predecessor hash %s", b.Seq, b.PrevHash, prevHash),
			}, force) {
				return report, nil
			}
		}

		report.BlocksChecked++
		prevHash = b.Hash
		havePrev = true
		expected = b.Seq + 1
	}

	if expected <= toSeq {
		// The tail of the requested range does not exist. A missing tail on
		// a never-written range is not corruption; only report a gap when
		// later blocks prove the range should exist.
		latest, err := v.store.LatestBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("load latest block: %w", err)
		}
		if latest != nil && latest.Seq > toSeq {
			v.fail(ctx, report, Break{
				Seq:    expected,
				Kind:   SequenceGap,
				Detail: fmt.Sprintf("blocks %d..%d missing but chain continues at %d", expected, toSeq, latest.Seq),
			}, force)
		}
	}

	if report.OK {
		v.record("chain_ok")
	}
	return report, nil
}

// fail records a break and returns whether scanning should continue.
func (v *Verifier) fail(ctx context.Context, report *Report, brk Break, force bool) bool {
	report.OK = false
	if report.FirstBad == nil {
		first := brk
		report.FirstBad = &first
	}
	report.Breaks = append(report.Breaks, brk)

	v.logger.Warn("chain divergence detected",
		zap.Int64("seq", brk.Seq),
		zap.String("kind", string(brk.Kind)),
		zap.String("detail", brk.Detail),
	)
	v.alerter.Raise(ctx, string(brk.Kind), brk.Seq, brk.Detail)
	v.record("chain_break")
	return force
}

func (v *Verifier) markAnomalous(ctx context.Context, seq int64) {
	if err := v.store.MarkAnomalous(ctx, seq); err != nil {
		v.logger.Error("mark block anomalous", zap.Int64("seq", seq), zap.Error(err))
	}
}

func (v *Verifier) record(outcome string) {
	if v.onMetrics != nil {
		v.onMetrics(outcome)
	}
}
