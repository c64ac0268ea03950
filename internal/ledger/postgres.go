package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/veriseal/veriseal/internal/merkle"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent seal transactions across processes sharing one database. The
// value is arbitrary but must be consistent across all ledger instances.
const advisoryLockKey = int64(7_415_526_001)

// PostgresStore persists the audit ledger to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// AppendRecord implements Store.
func (s *PostgresStore) AppendRecord(ctx context.Context, rec *AuditRecord) (int64, error) {
	occurredAt := rec.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var id int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_records (actor, action, occurred_at, payload)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		rec.Actor, rec.Action, occurredAt, rec.Payload,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert audit record: %w", err)
	}
	return id, nil
}

// GetRecord implements Store.
func (s *PostgresStore) GetRecord(ctx context.Context, id int64) (*AuditRecord, error) {
	rec := &AuditRecord{}
	if err := s.pool.QueryRow(ctx,
		`SELECT id, actor, action, occurred_at, payload, block_seq
		 FROM audit_records WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.OccurredAt, &rec.Payload, &rec.BlockSeq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get audit record %d: %w", id, err)
	}
	return rec, nil
}

// UnsealedWatermark implements Store.
func (s *PostgresStore) UnsealedWatermark(ctx context.Context) (int64, bool, error) {
	var watermark *int64
	if err := s.pool.QueryRow(ctx,
		`SELECT MAX(id) FROM audit_records WHERE block_seq IS NULL`,
	).Scan(&watermark); err != nil {
		return 0, false, fmt.Errorf("read unsealed watermark: %w", err)
	}
	if watermark == nil {
		return 0, false, nil
	}
	return *watermark, true, nil
}

// SelectUnsealed implements Store.
func (s *PostgresStore) SelectUnsealed(ctx context.Context, maxID int64, limit int) ([]*AuditRecord, error) {
	query := `
		SELECT id, actor, action, occurred_at, payload, block_seq
		FROM audit_records
		WHERE block_seq IS NULL AND id <= $1
		ORDER BY id ASC`
	args := []any{maxID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select unsealed records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.OccurredAt, &rec.Payload, &rec.BlockSeq); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountUnsealed implements Store.
func (s *PostgresStore) CountUnsealed(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE block_seq IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsealed records: %w", err)
	}
	return n, nil
}

const blockColumns = `seq, prev_hash, merkle_root, hash, record_count, sealed_at, sealed_by, status, anchor_tx_id, anchor_confirmed_at`

func scanBlock(row pgx.Row) (*Block, error) {
	b := &Block{}
	err := row.Scan(&b.Seq, &b.PrevHash, &b.MerkleRoot, &b.Hash, &b.RecordCount,
		&b.SealedAt, &b.SealedBy, &b.Status, &b.AnchorTxID, &b.AnchorConfirmedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// LatestBlock implements Store.
func (s *PostgresStore) LatestBlock(ctx context.Context) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM blocks ORDER BY seq DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	return b, nil
}

// GetBlock implements Store.
func (s *PostgresStore) GetBlock(ctx context.Context, seq int64) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE seq = $1`, seq))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get block %d: %w", seq, err)
	}
	return b, nil
}

// ListBlocks implements Store.
func (s *PostgresStore) ListBlocks(ctx context.Context, from, to int64) ([]*Block, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// SealBlock implements Store. The block insert, the proof inserts, and the
// record stamps run in one transaction under an advisory lock; the unique
// primary key on blocks.seq is the backstop against a racing sealer that
// bypassed the lock.
func (s *PostgresStore) SealBlock(ctx context.Context, b *Block, proofs []*MembershipProof) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin seal tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO blocks (seq, prev_hash, merkle_root, hash, record_count, sealed_at, sealed_by, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.Seq, b.PrevHash, b.MerkleRoot, b.Hash, b.RecordCount, b.SealedAt, b.SealedBy, b.Status,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSeq
		}
		return fmt.Errorf("insert block %d: %w", b.Seq, err)
	}

	recordIDs := make([]int64, 0, len(proofs))
	for _, p := range proofs {
		path, err := json.Marshal(p.Path)
		if err != nil {
			return fmt.Errorf("marshal proof path: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO membership_proofs (record_id, block_seq, leaf_index, path)
			 VALUES ($1, $2, $3, $4)`,
			p.RecordID, p.BlockSeq, p.LeafIndex, path,
		); err != nil {
			return fmt.Errorf("insert proof for record %d: %w", p.RecordID, err)
		}
		recordIDs = append(recordIDs, p.RecordID)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE audit_records SET block_seq = $1 WHERE id = ANY($2) AND block_seq IS NULL`,
		b.Seq, recordIDs,
	)
	if err != nil {
		return fmt.Errorf("stamp sealed records: %w", err)
	}
	if int(tag.RowsAffected()) != len(recordIDs) {
		// Another process sealed some of these records; abort the whole batch.
		return ErrDuplicateSeq
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seal tx: %w", err)
	}

	s.logger.Debug("block sealed",
		zap.Int64("seq", b.Seq),
		zap.Int("records", b.RecordCount),
		zap.String("hash", b.Hash),
	)
	return nil
}

// GetProof implements Store.
func (s *PostgresStore) GetProof(ctx context.Context, recordID int64) (*MembershipProof, error) {
	p := &MembershipProof{}
	var path []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT record_id, block_seq, leaf_index, path
		 FROM membership_proofs WHERE record_id = $1`, recordID,
	).Scan(&p.RecordID, &p.BlockSeq, &p.LeafIndex, &path); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get proof for record %d: %w", recordID, err)
	}
	if err := json.Unmarshal(path, &p.Path); err != nil {
		return nil, fmt.Errorf("decode proof path: %w", err)
	}
	if p.Path == nil {
		p.Path = merkle.Proof{}
	}
	return p, nil
}

// MarkAnomalous implements Store.
func (s *PostgresStore) MarkAnomalous(ctx context.Context, seq int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE blocks SET status = $1 WHERE seq = $2`, StatusAnomalous, seq)
	if err != nil {
		return fmt.Errorf("mark block %d anomalous: %w", seq, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BlocksNeedingAnchor implements Store.
func (s *PostgresStore) BlocksNeedingAnchor(ctx context.Context, limit int) ([]*Block, error) {
	return s.listAnchorable(ctx, `anchor_tx_id IS NULL`, limit)
}

// BlocksAwaitingConfirm implements Store.
func (s *PostgresStore) BlocksAwaitingConfirm(ctx context.Context, limit int) ([]*Block, error) {
	return s.listAnchorable(ctx, `anchor_tx_id IS NOT NULL AND anchor_confirmed_at IS NULL`, limit)
}

func (s *PostgresStore) listAnchorable(ctx context.Context, cond string, limit int) ([]*Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE ` + cond + ` ORDER BY seq ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anchorable blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// SetAnchorTx implements Store.
func (s *PostgresStore) SetAnchorTx(ctx context.Context, seq int64, txID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE blocks SET anchor_tx_id = $1 WHERE seq = $2`, txID, seq)
	if err != nil {
		return fmt.Errorf("set anchor tx for block %d: %w", seq, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfirmAnchor implements Store.
func (s *PostgresStore) ConfirmAnchor(ctx context.Context, seq int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE blocks SET anchor_confirmed_at = $1 WHERE seq = $2`, at, seq)
	if err != nil {
		return fmt.Errorf("confirm anchor for block %d: %w", seq, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
