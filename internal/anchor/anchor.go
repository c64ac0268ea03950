// Package anchor publishes sealed block digests to an external distributed
// ledger and later confirms the witnessed digests against the local chain.
//
// Anchoring is a best-effort witness, not a correctness requirement of the
// chain: submission failures are retried with backoff and never escalate on
// their own. Only a confirmed digest mismatch is treated as tampering.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veriseal/veriseal/internal/alerting"
	"github.com/veriseal/veriseal/internal/ledger"
)

// Config holds anchorer tuning.
type Config struct {
	// SubmitInterval between anchorPending sweeps.
	SubmitInterval time.Duration
	// ConfirmInterval between confirmAnchors sweeps.
	ConfirmInterval time.Duration
	// BackoffBase is the first retry delay after a failed submission;
	// subsequent delays double up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxAttempts is the submission attempt count after which a standing
	// alert is raised. Submission keeps retrying at the capped delay; the
	// alert marks the block as stalled, not abandoned.
	MaxAttempts int
	// BatchLimit caps the blocks handled per sweep. 0 means no limit.
	BatchLimit int
}

// MetricsRecorder is an optional callback for recording submission outcomes.
type MetricsRecorder func(success bool)

type attemptState struct {
	attempts int
	nextTry  time.Time
	stalled  bool // standing alert already raised
}

// Anchorer runs the asynchronous anchoring sweeps. It is fully independent
// of the sealing path: a stalled or unreachable network degrades witnessing
// latency only, never ledger availability.
type Anchorer struct {
	store   ledger.Store
	network Network
	alerter alerting.Alerter
	cfg     Config

	mu      sync.Mutex
	pending map[int64]*attemptState

	onSubmit MetricsRecorder
	logger   *zap.Logger
}

// New creates an Anchorer. Zero config fields get conservative defaults.
func New(store ledger.Store, network Network, alerter alerting.Alerter, cfg Config, logger *zap.Logger) *Anchorer {
	if cfg.SubmitInterval == 0 {
		cfg.SubmitInterval = time.Minute
	}
	if cfg.ConfirmInterval == 0 {
		cfg.ConfirmInterval = 5 * time.Minute
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 10 * time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 15 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 8
	}
	return &Anchorer{
		store:   store,
		network: network,
		alerter: alerter,
		cfg:     cfg,
		pending: make(map[int64]*attemptState),
		logger:  logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (a *Anchorer) SetMetricsRecorder(fn MetricsRecorder) {
	a.onSubmit = fn
}

// AnchorPending submits every block without an anchor transaction to the
// external network and stores the returned transaction IDs. Blocks inside
// their backoff window are skipped. Returns the number of successful
// submissions.
func (a *Anchorer) AnchorPending(ctx context.Context) (int, error) {
	blocks, err := a.store.BlocksNeedingAnchor(ctx, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list unanchored blocks: %w", err)
	}

	now := time.Now()
	submitted := 0
	for _, b := range blocks {
		if !a.dueForRetry(b.Seq, now) {
			continue
		}

		txID, err := a.network.Submit(ctx, b.Seq, b.Hash)
		if err != nil {
			a.recordFailure(ctx, b.Seq, now)
			if a.onSubmit != nil {
				a.onSubmit(false)
			}
			a.logger.Warn("anchor submission failed",
				zap.Int64("seq", b.Seq),
				zap.Error(err),
			)
			continue
		}

		if err := a.store.SetAnchorTx(ctx, b.Seq, txID); err != nil {
			// The digest is on the network but the tx id was lost; the
			// block stays listed as unanchored and the next sweep submits
			// again. Harmless on a write-once board keyed by content.
			a.logger.Error("store anchor tx id", zap.Int64("seq", b.Seq), zap.Error(err))
			continue
		}

		a.clearAttempts(b.Seq)
		if a.onSubmit != nil {
			a.onSubmit(true)
		}
		a.logger.Info("block anchored",
			zap.Int64("seq", b.Seq),
			zap.String("tx_id", txID),
		)
		submitted++
	}
	return submitted, nil
}

// ConfirmAnchors queries the network for every submitted-but-unconfirmed
// block. A digest match stamps the confirmation time; a mismatch means the
// witnessed record diverges from the local ledger and is treated identically
// to a chain-verification failure. Returns the number of confirmations.
func (a *Anchorer) ConfirmAnchors(ctx context.Context) (int, error) {
	blocks, err := a.store.BlocksAwaitingConfirm(ctx, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list unconfirmed blocks: %w", err)
	}

	confirmed := 0
	for _, b := range blocks {
		digest, err := a.network.Query(ctx, *b.AnchorTxID)
		if err != nil {
			if errors.Is(err, ErrTxNotFound) {
				// The network has not yet surfaced the transaction; leave
				// the block for the next sweep.
				continue
			}
			a.logger.Warn("anchor confirmation query failed",
				zap.Int64("seq", b.Seq),
				zap.Error(err),
			)
			continue
		}

		if digest != b.Hash {
			a.logger.Error("anchored digest diverges from local block",
				zap.Int64("seq", b.Seq),
				zap.String("witnessed", digest),
				zap.String("local", b.Hash),
			)
			if err := a.store.MarkAnomalous(ctx, b.Seq); err != nil {
				a.logger.Error("mark block anomalous", zap.Int64("seq", b.Seq), zap.Error(err))
			}
			a.alerter.Raise(ctx, alerting.KindAnchorMismatch, b.Seq,
				fmt.Sprintf("network witnessed %s, local hash is %s", digest, b.Hash))
			continue
		}

		if err := a.store.ConfirmAnchor(ctx, b.Seq, time.Now().UTC()); err != nil {
			a.logger.Error("store anchor confirmation", zap.Int64("seq", b.Seq), zap.Error(err))
			continue
		}
		confirmed++
	}
	return confirmed, nil
}

// Run drives both sweeps until quit is signalled.
func (a *Anchorer) Run(quit <-chan os.Signal) {
	submit := time.NewTicker(a.cfg.SubmitInterval)
	defer submit.Stop()
	confirm := time.NewTicker(a.cfg.ConfirmInterval)
	defer confirm.Stop()

	for {
		select {
		case <-submit.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SubmitInterval)
			if _, err := a.AnchorPending(ctx); err != nil {
				a.logger.Warn("anchor sweep failed", zap.Error(err))
			}
			cancel()
		case <-confirm.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ConfirmInterval)
			if _, err := a.ConfirmAnchors(ctx); err != nil {
				a.logger.Warn("confirmation sweep failed", zap.Error(err))
			}
			cancel()
		case <-quit:
			return
		}
	}
}

func (a *Anchorer) dueForRetry(seq int64, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.pending[seq]
	if !ok {
		return true
	}
	return !now.Before(st.nextTry)
}

func (a *Anchorer) recordFailure(ctx context.Context, seq int64, now time.Time) {
	a.mu.Lock()
	st, ok := a.pending[seq]
	if !ok {
		st = &attemptState{}
		a.pending[seq] = st
	}
	st.attempts++
	delay := a.cfg.BackoffBase << (st.attempts - 1)
	if delay > a.cfg.BackoffCap || delay <= 0 {
		delay = a.cfg.BackoffCap
	}
	st.nextTry = now.Add(delay)
	raiseStanding := st.attempts >= a.cfg.MaxAttempts && !st.stalled
	if raiseStanding {
		st.stalled = true
	}
	attempts := st.attempts
	a.mu.Unlock()

	if raiseStanding {
		a.alerter.Raise(ctx, alerting.KindAnchorStalled, seq,
			fmt.Sprintf("anchoring block %d has failed %d times; still retrying", seq, attempts))
	}
}

func (a *Anchorer) clearAttempts(seq int64) {
	a.mu.Lock()
	delete(a.pending, seq)
	a.mu.Unlock()
}
