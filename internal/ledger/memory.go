package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe Store implementation. It is
// primarily useful for testing and for development deployments that do not
// require durable persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*AuditRecord
	blocks  map[int64]*Block
	proofs  map[int64]*MembershipProof // keyed by record ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:  1,
		records: make(map[int64]*AuditRecord),
		blocks:  make(map[int64]*Block),
		proofs:  make(map[int64]*MembershipProof),
	}
}

// AppendRecord implements Store.
func (s *MemoryStore) AppendRecord(_ context.Context, rec *AuditRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rec
	stored.ID = s.nextID
	stored.BlockSeq = nil
	if stored.OccurredAt.IsZero() {
		stored.OccurredAt = time.Now().UTC()
	}
	s.records[stored.ID] = &stored
	s.nextID++
	return stored.ID, nil
}

// GetRecord implements Store.
func (s *MemoryStore) GetRecord(_ context.Context, id int64) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UnsealedWatermark implements Store.
func (s *MemoryStore) UnsealedWatermark(_ context.Context) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	found := false
	for id, rec := range s.records {
		if rec.BlockSeq == nil && id > max {
			max = id
			found = true
		}
	}
	return max, found, nil
}

// SelectUnsealed implements Store.
func (s *MemoryStore) SelectUnsealed(_ context.Context, maxID int64, limit int) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditRecord
	for _, rec := range s.records {
		if rec.BlockSeq == nil && rec.ID <= maxID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountUnsealed implements Store.
func (s *MemoryStore) CountUnsealed(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if rec.BlockSeq == nil {
			n++
		}
	}
	return n, nil
}

// LatestBlock implements Store.
func (s *MemoryStore) LatestBlock(_ context.Context) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Block
	for _, b := range s.blocks {
		if latest == nil || b.Seq > latest.Seq {
			latest = b
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// GetBlock implements Store.
func (s *MemoryStore) GetBlock(_ context.Context, seq int64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[seq]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// ListBlocks implements Store.
func (s *MemoryStore) ListBlocks(_ context.Context, from, to int64) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Block
	for _, b := range s.blocks {
		if b.Seq >= from && b.Seq <= to {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SealBlock implements Store. The whole commit happens under one lock
// acquisition, so readers observe either none or all of it.
func (s *MemoryStore) SealBlock(_ context.Context, b *Block, proofs []*MembershipProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[b.Seq]; exists {
		return ErrDuplicateSeq
	}
	for _, p := range proofs {
		rec, ok := s.records[p.RecordID]
		if !ok {
			return ErrNotFound
		}
		if rec.BlockSeq != nil {
			return ErrDuplicateSeq
		}
	}

	cp := *b
	s.blocks[b.Seq] = &cp
	for _, p := range proofs {
		pcp := *p
		s.proofs[p.RecordID] = &pcp
		seq := b.Seq
		s.records[p.RecordID].BlockSeq = &seq
	}
	return nil
}

// GetProof implements Store.
func (s *MemoryStore) GetProof(_ context.Context, recordID int64) (*MembershipProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proofs[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// MarkAnomalous implements Store.
func (s *MemoryStore) MarkAnomalous(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[seq]
	if !ok {
		return ErrNotFound
	}
	b.Status = StatusAnomalous
	return nil
}

// BlocksNeedingAnchor implements Store.
func (s *MemoryStore) BlocksNeedingAnchor(_ context.Context, limit int) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterBlocks(func(b *Block) bool { return b.AnchorTxID == nil }, limit), nil
}

// BlocksAwaitingConfirm implements Store.
func (s *MemoryStore) BlocksAwaitingConfirm(_ context.Context, limit int) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterBlocks(func(b *Block) bool {
		return b.AnchorTxID != nil && b.AnchorConfirmedAt == nil
	}, limit), nil
}

func (s *MemoryStore) filterBlocks(keep func(*Block) bool, limit int) []*Block {
	var out []*Block
	for _, b := range s.blocks {
		if keep(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SetAnchorTx implements Store.
func (s *MemoryStore) SetAnchorTx(_ context.Context, seq int64, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[seq]
	if !ok {
		return ErrNotFound
	}
	b.AnchorTxID = &txID
	return nil
}

// ConfirmAnchor implements Store.
func (s *MemoryStore) ConfirmAnchor(_ context.Context, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[seq]
	if !ok {
		return ErrNotFound
	}
	b.AnchorConfirmedAt = &at
	return nil
}

// CorruptRecordPayload overwrites a stored record's payload in place,
// bypassing the append-only contract. Test support: simulates out-of-band
// tampering with the underlying storage.
func (s *MemoryStore) CorruptRecordPayload(id int64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Payload = payload
	}
}

// CorruptBlock mutates a stored block in place. Test support: simulates
// out-of-band tampering with the underlying storage.
func (s *MemoryStore) CorruptBlock(seq int64, mutate func(*Block)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blocks[seq]; ok {
		mutate(b)
	}
}

// DropBlock removes a block row entirely. Test support: simulates a deleted
// or missing block in the underlying storage.
func (s *MemoryStore) DropBlock(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, seq)
}
