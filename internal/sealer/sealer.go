// Package sealer periodically seals batches of pending audit records into
// hash-linked, Merkle-proved blocks.
package sealer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veriseal/veriseal/internal/hashchain"
	"github.com/veriseal/veriseal/internal/ledger"
	"github.com/veriseal/veriseal/internal/merkle"
)

// ErrSealInProgress is returned when Seal is invoked while another
// invocation is mid-flight. Callers treat it as "try again later", not as a
// failure.
var ErrSealInProgress = errors.New("sealer: seal already in progress")

// Config holds sealer tuning.
type Config struct {
	// Interval between unconditional seal attempts.
	Interval time.Duration
	// PendingThreshold triggers an early seal once this many records are
	// pending. 0 disables the threshold trigger.
	PendingThreshold int
	// MaxBatch caps the records sealed per block; the remainder is picked
	// up by the next invocation. 0 means unbounded.
	MaxBatch int
	// InstanceName is recorded as the block's sealer identity.
	InstanceName string
}

// MetricsRecorder is an optional callback invoked after each successful seal.
type MetricsRecorder func(recordCount int, duration time.Duration)

// Sealer selects a snapshot of pending records, builds their Merkle tree,
// chains a new block to the previous one, and commits everything atomically.
// A single-flight guard ensures only one invocation runs at a time; a
// concurrent trigger is a no-op.
type Sealer struct {
	store    ledger.Store
	hasher   *hashchain.Hasher
	cfg      Config
	sealing  atomic.Bool
	onSealed MetricsRecorder
	logger   *zap.Logger
}

// New creates a Sealer. Zero config fields get conservative defaults.
func New(store ledger.Store, hasher *hashchain.Hasher, cfg Config, logger *zap.Logger) *Sealer {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.InstanceName == "" {
		host, _ := os.Hostname()
		cfg.InstanceName = host
	}
	return &Sealer{
		store:  store,
		hasher: hasher,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Sealer) SetMetricsRecorder(fn MetricsRecorder) {
	s.onSealed = fn
}

// Seal runs one seal invocation. It returns the committed block, (nil, nil)
// when there was nothing to seal, or ErrSealInProgress when another
// invocation holds the single-flight guard.
//
// The watermark read at the start fixes the candidate set: records inserted
// afterwards are left for the next invocation, so record selection is
// deterministic under concurrent producers.
func (s *Sealer) Seal(ctx context.Context) (*ledger.Block, error) {
	if !s.sealing.CompareAndSwap(false, true) {
		return nil, ErrSealInProgress
	}
	defer s.sealing.Store(false)

	start := time.Now()

	watermark, ok, err := s.store.UnsealedWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	if !ok {
		return nil, nil
	}

	records, err := s.store.SelectUnsealed(ctx, watermark, s.cfg.MaxBatch)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	leaves := make([]string, len(records))
	for i, rec := range records {
		leaves[i] = s.hasher.LeafHash(rec.Payload)
	}

	root, paths, err := merkle.Build(s.hasher, leaves)
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}

	prev, err := s.store.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("read latest block: %w", err)
	}
	seq := int64(0)
	prevHash := hashchain.GenesisHash
	if prev != nil {
		seq = prev.Seq + 1
		prevHash = prev.Hash
	}

	block := &ledger.Block{
		Seq:         seq,
		PrevHash:    prevHash,
		MerkleRoot:  root,
		RecordCount: len(records),
		SealedAt:    time.Now().UTC(),
		SealedBy:    s.cfg.InstanceName,
		Status:      ledger.StatusSealed,
	}
	block.Hash = s.hasher.BlockHash(block.Seq, block.PrevHash, block.MerkleRoot,
		block.RecordCount, block.SealedAt, block.SealedBy)

	proofs := make([]*ledger.MembershipProof, len(records))
	for i, rec := range records {
		proofs[i] = &ledger.MembershipProof{
			RecordID:  rec.ID,
			BlockSeq:  block.Seq,
			LeafIndex: i,
			Path:      paths[i],
		}
	}

	if err := s.store.SealBlock(ctx, block, proofs); err != nil {
		// Duplicate sequence means another sealer won the race. The
		// candidates stay unsealed; the next invocation recomputes the
		// watermark and retries safely.
		return nil, fmt.Errorf("commit block %d: %w", block.Seq, err)
	}

	elapsed := time.Since(start)
	s.logger.Info("block sealed",
		zap.Int64("seq", block.Seq),
		zap.Int("records", block.RecordCount),
		zap.String("merkle_root", block.MerkleRoot),
		zap.String("hash", block.Hash),
		zap.Duration("took", elapsed),
	)
	if s.onSealed != nil {
		s.onSealed(block.RecordCount, elapsed)
	}
	return block, nil
}

// Run drives Seal until quit is signalled: unconditionally every Interval,
// and early whenever the pending count crosses PendingThreshold.
func (s *Sealer) Run(quit <-chan os.Signal) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var poll *time.Ticker
	pollC := make(<-chan time.Time)
	if s.cfg.PendingThreshold > 0 {
		every := s.cfg.Interval / 10
		if every < time.Second {
			every = time.Second
		}
		poll = time.NewTicker(every)
		defer poll.Stop()
		pollC = poll.C
	}

	for {
		select {
		case <-ticker.C:
			s.sealOnce()
		case <-pollC:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := s.store.CountUnsealed(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("pending count check failed", zap.Error(err))
				continue
			}
			if n >= int64(s.cfg.PendingThreshold) {
				s.sealOnce()
			}
		case <-quit:
			return
		}
	}
}

func (s *Sealer) sealOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()

	if _, err := s.Seal(ctx); err != nil && !errors.Is(err, ErrSealInProgress) {
		// Transient store errors and lost seq races land here; candidates
		// stay unsealed and the next tick retries.
		s.logger.Warn("seal attempt failed", zap.Error(err))
	}
}
