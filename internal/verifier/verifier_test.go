package verifier_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/veriseal/veriseal/internal/alerting"
	"github.com/veriseal/veriseal/internal/hashchain"
	"github.com/veriseal/veriseal/internal/ledger"
	"github.com/veriseal/veriseal/internal/sealer"
	"github.com/veriseal/veriseal/internal/verifier"
)

var ctx = context.Background()

type fixture struct {
	store    *ledger.MemoryStore
	sealer   *sealer.Sealer
	verifier *verifier.Verifier
	alerts   *alerting.MemoryAlerter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := hashchain.New(hashchain.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	store := ledger.NewMemoryStore()
	alerts := alerting.NewMemoryAlerter()
	return &fixture{
		store:    store,
		sealer:   sealer.New(store, h, sealer.Config{InstanceName: "test"}, zap.NewNop()),
		verifier: verifier.New(store, h, alerts, zap.NewNop()),
		alerts:   alerts,
	}
}

func (f *fixture) append(t *testing.T, payloads ...string) []int64 {
	t.Helper()
	ids := make([]int64, len(payloads))
	for i, p := range payloads {
		id, err := f.store.AppendRecord(ctx, &ledger.AuditRecord{
			Actor:   "tester",
			Action:  "op",
			Payload: []byte(p),
		})
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}
	return ids
}

func (f *fixture) seal(t *testing.T) *ledger.Block {
	t.Helper()
	b, err := f.sealer.Seal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil {
		t.Fatal("expected a sealed block")
	}
	return b
}

func TestVerifyRecord_validAfterSeal(t *testing.T) {
	f := newFixture(t)
	ids := f.append(t, "a", "b", "c")
	f.seal(t)

	for _, id := range ids {
		status, proof, err := f.verifier.VerifyRecord(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if status != verifier.StatusValid {
			t.Errorf("record %d: got %q, want VALID", id, status)
		}
		if proof == nil {
			t.Errorf("record %d: expected a proof", id)
		}
	}
}

func TestVerifyRecord_unsealed(t *testing.T) {
	f := newFixture(t)
	ids := f.append(t, "pending")

	status, proof, err := f.verifier.VerifyRecord(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if status != verifier.StatusUnsealed {
		t.Errorf("got %q, want UNSEALED", status)
	}
	if proof != nil {
		t.Error("unsealed record must not have a proof")
	}
}

func TestVerifyRecord_unknownID(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.verifier.VerifyRecord(ctx, 404); err == nil {
		t.Error("expected an error for an unknown record")
	}
}

func TestVerifyRecord_tamperedPayload(t *testing.T) {
	f := newFixture(t)
	ids := f.append(t, "a", "b", "c")
	f.seal(t)

	f.store.CorruptRecordPayload(ids[1], []byte("rewritten history"))

	status, _, err := f.verifier.VerifyRecord(ctx, ids[1])
	if err != nil {
		t.Fatal(err)
	}
	if status != verifier.StatusTampered {
		t.Errorf("got %q, want TAMPERED", status)
	}
	if len(f.alerts.Alerts()) != 1 {
		t.Errorf("expected exactly one alert, got %d", len(f.alerts.Alerts()))
	}

	// The untouched siblings still verify.
	for _, id := range []int64{ids[0], ids[2]} {
		status, _, err := f.verifier.VerifyRecord(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if status != verifier.StatusValid {
			t.Errorf("sibling %d: got %q, want VALID", id, status)
		}
	}
}

func TestVerifyChain_intact(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.append(t, "p1", "p2")
		f.seal(t)
	}

	report, err := f.verifier.VerifyChain(ctx, 0, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK || report.BlocksChecked != 4 || report.FirstBad != nil {
		t.Errorf("intact chain misreported: %+v", report)
	}
}

func TestVerifyChain_selfHashMismatch(t *testing.T) {
	f := newFixture(t)
	f.append(t, "a", "b", "c")
	f.seal(t)
	f.append(t, "d", "e")
	f.seal(t)

	// Corrupt block 0's stored hash in the store.
	f.store.CorruptBlock(0, func(b *ledger.Block) { b.Hash = "deadbeef" + b.Hash[8:] })

	report, err := f.verifier.VerifyChain(ctx, 0, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK {
		t.Fatal("corrupted chain reported OK")
	}
	if report.FirstBad == nil || report.FirstBad.Seq != 0 || report.FirstBad.Kind != verifier.SelfHashMismatch {
		t.Errorf("first bad: %+v, want seq 0 SELF_HASH_MISMATCH", report.FirstBad)
	}

	b0, _ := f.store.GetBlock(ctx, 0)
	if b0.Status != ledger.StatusAnomalous {
		t.Errorf("block 0 status: got %q, want ANOMALOUS", b0.Status)
	}
	if len(f.alerts.Alerts()) == 0 {
		t.Error("expected an alert for the divergence")
	}
}

func TestVerifyChain_merkleRootFlipReportsExactSeq(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.append(t, "x")
		f.seal(t)
	}

	f.store.CorruptBlock(1, func(b *ledger.Block) {
		// Flip one stored byte of the merkle root.
		root := []byte(b.MerkleRoot)
		if root[0] == 'a' {
			root[0] = 'b'
		} else {
			root[0] = 'a'
		}
		b.MerkleRoot = string(root)
	})

	report, err := f.verifier.VerifyChain(ctx, 0, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.FirstBad == nil || report.FirstBad.Seq != 1 {
		t.Errorf("first bad: %+v, want seq 1", report.FirstBad)
	}
	if report.FirstBad.Kind != verifier.SelfHashMismatch {
		t.Errorf("kind: got %q, want SELF_HASH_MISMATCH", report.FirstBad.Kind)
	}
}

func TestVerifyChain_linkMismatch(t *testing.T) {
	f := newFixture(t)
	h, _ := hashchain.New(hashchain.SHA256)
	f.append(t, "a")
	f.seal(t)
	f.append(t, "b")
	f.seal(t)

	// Splice: rewrite block 1 so it is self-consistent but linked to the
	// wrong predecessor hash.
	f.store.CorruptBlock(1, func(b *ledger.Block) {
		b.PrevHash = "1111111111111111111111111111111111111111111111111111111111111111"
		b.Hash = h.BlockHash(b.Seq, b.PrevHash, b.MerkleRoot, b.RecordCount, b.SealedAt, b.SealedBy)
	})

	report, err := f.verifier.VerifyChain(ctx, 0, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.FirstBad == nil || report.FirstBad.Kind != verifier.ChainLinkMismatch || report.FirstBad.Seq != 1 {
		t.Errorf("first bad: %+v, want seq 1 CHAIN_LINK_MISMATCH", report.FirstBad)
	}
}

func TestVerifyChain_sequenceGap(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.append(t, "x")
		f.seal(t)
	}
	f.store.DropBlock(1)

	report, err := f.verifier.VerifyChain(ctx, 0, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.FirstBad == nil || report.FirstBad.Kind != verifier.SequenceGap || report.FirstBad.Seq != 1 {
		t.Errorf("first bad: %+v, want seq 1 SEQUENCE_GAP", report.FirstBad)
	}
}

func TestVerifyChain_forceEnumeratesAllBreaks(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.append(t, "x")
		f.seal(t)
	}
	f.store.CorruptBlock(1, func(b *ledger.Block) { b.Hash = "00" + b.Hash[2:] })
	f.store.CorruptBlock(3, func(b *ledger.Block) { b.Hash = "00" + b.Hash[2:] })

	stopped, err := f.verifier.VerifyChain(ctx, 0, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(stopped.Breaks) != 1 {
		t.Errorf("default scan must stop at the first break, got %d", len(stopped.Breaks))
	}

	forced, err := f.verifier.VerifyChain(ctx, 0, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(forced.Breaks) < 2 {
		t.Errorf("forced scan must enumerate further breaks, got %+v", forced.Breaks)
	}
}

func TestVerifyChain_emptyRangeOnEmptyChain(t *testing.T) {
	f := newFixture(t)
	report, err := f.verifier.VerifyChain(ctx, 0, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK || report.BlocksChecked != 0 {
		t.Errorf("scan of a never-written range must be OK: %+v", report)
	}
}

func TestVerifyChain_invalidRange(t *testing.T) {
	f := newFixture(t)
	if _, err := f.verifier.VerifyChain(ctx, 3, 1, false); err == nil {
		t.Error("expected an error for an inverted range")
	}
}

func TestVerifyChain_concurrentWithSealer(t *testing.T) {
	f := newFixture(t)
	f.append(t, "a")
	f.seal(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			f.append(t, "p")
			f.seal(t)
		}
	}()

	for i := 0; i < 50; i++ {
		report, err := f.verifier.VerifyChain(ctx, 0, 0, false)
		if err != nil {
			t.Errorf("scan during sealing: %v", err)
		}
		if !report.OK {
			t.Errorf("committed prefix must stay verifiable: %+v", report)
		}
	}
	<-done
}
