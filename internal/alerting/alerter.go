// Package alerting delivers integrity alerts raised when verification or
// anchor confirmation detects corruption. Delivery is fire-and-forget: a
// failed alert never blocks or fails the detection path that raised it.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Alert kinds raised by the verifier and the anchorer.
const (
	KindSelfHashMismatch  = "SELF_HASH_MISMATCH"
	KindChainLinkMismatch = "CHAIN_LINK_MISMATCH"
	KindSequenceGap       = "SEQUENCE_GAP"
	KindRecordTampered    = "RECORD_TAMPERED"
	KindAnchorMismatch    = "ANCHOR_MISMATCH"
	KindAnchorStalled     = "ANCHOR_STALLED"
)

// Alert is a single raised integrity alert.
type Alert struct {
	ID       uuid.UUID `json:"id"`
	Kind     string    `json:"kind"`
	BlockSeq int64     `json:"block_seq"`
	Detail   string    `json:"detail"`
	RaisedAt time.Time `json:"raised_at"`
}

// Alerter is the notification boundary. Implementations must not block the
// caller on delivery.
type Alerter interface {
	Raise(ctx context.Context, kind string, blockSeq int64, detail string)
}

// LogAlerter writes alerts to the log instead of delivering them anywhere.
// Use in development or when no webhook is configured.
type LogAlerter struct {
	logger *zap.Logger
}

// NewLogAlerter creates a LogAlerter backed by the given logger.
func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Raise implements Alerter.
func (a *LogAlerter) Raise(_ context.Context, kind string, blockSeq int64, detail string) {
	a.logger.Error("integrity alert",
		zap.String("alert_id", uuid.New().String()),
		zap.String("kind", kind),
		zap.Int64("block_seq", blockSeq),
		zap.String("detail", detail),
	)
}

// MemoryAlerter collects alerts in memory. It is used by tests and by the
// operator API to expose recently raised alerts.
type MemoryAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

// NewMemoryAlerter creates an empty MemoryAlerter.
func NewMemoryAlerter() *MemoryAlerter {
	return &MemoryAlerter{}
}

// Raise implements Alerter.
func (a *MemoryAlerter) Raise(_ context.Context, kind string, blockSeq int64, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, Alert{
		ID:       uuid.New(),
		Kind:     kind,
		BlockSeq: blockSeq,
		Detail:   detail,
		RaisedAt: time.Now().UTC(),
	})
}

// Alerts returns a copy of all alerts raised so far.
func (a *MemoryAlerter) Alerts() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.alerts...)
}

// Fanout raises every alert on all wrapped alerters.
type Fanout []Alerter

// Raise implements Alerter.
func (f Fanout) Raise(ctx context.Context, kind string, blockSeq int64, detail string) {
	for _, a := range f {
		a.Raise(ctx, kind, blockSeq, detail)
	}
}
