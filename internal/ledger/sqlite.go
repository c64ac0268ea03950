package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"go.uber.org/zap"

	"github.com/veriseal/veriseal/internal/merkle"
)

// SQLiteStore persists the audit ledger to a local SQLite database. It is
// intended for single-node installs; multi-process deployments should use
// PostgresStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and ensures the schema
// exists. Foreign keys are enabled and a busy timeout keeps concurrent
// readers from failing during the seal transaction.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY on the seal transaction.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		payload     BLOB NOT NULL,
		block_seq   INTEGER REFERENCES blocks(seq)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_records_unsealed
		ON audit_records(id) WHERE block_seq IS NULL;

	CREATE TABLE IF NOT EXISTS blocks (
		seq                 INTEGER PRIMARY KEY,
		prev_hash           TEXT NOT NULL,
		merkle_root         TEXT NOT NULL,
		hash                TEXT NOT NULL,
		record_count        INTEGER NOT NULL,
		sealed_at           TIMESTAMP NOT NULL,
		sealed_by           TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'SEALED',
		anchor_tx_id        TEXT,
		anchor_confirmed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS membership_proofs (
		record_id  INTEGER PRIMARY KEY REFERENCES audit_records(id),
		block_seq  INTEGER NOT NULL REFERENCES blocks(seq),
		leaf_index INTEGER NOT NULL,
		path       TEXT NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// AppendRecord implements Store.
func (s *SQLiteStore) AppendRecord(ctx context.Context, rec *AuditRecord) (int64, error) {
	occurredAt := rec.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (actor, action, occurred_at, payload) VALUES (?, ?, ?, ?)`,
		rec.Actor, rec.Action, occurredAt, rec.Payload)
	if err != nil {
		return 0, fmt.Errorf("insert audit record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted record id: %w", err)
	}
	return id, nil
}

// GetRecord implements Store.
func (s *SQLiteStore) GetRecord(ctx context.Context, id int64) (*AuditRecord, error) {
	rec := &AuditRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, actor, action, occurred_at, payload, block_seq
		 FROM audit_records WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.OccurredAt, &rec.Payload, &rec.BlockSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit record %d: %w", id, err)
	}
	return rec, nil
}

// UnsealedWatermark implements Store.
func (s *SQLiteStore) UnsealedWatermark(ctx context.Context) (int64, bool, error) {
	var watermark sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM audit_records WHERE block_seq IS NULL`,
	).Scan(&watermark); err != nil {
		return 0, false, fmt.Errorf("read unsealed watermark: %w", err)
	}
	if !watermark.Valid {
		return 0, false, nil
	}
	return watermark.Int64, true, nil
}

// SelectUnsealed implements Store.
func (s *SQLiteStore) SelectUnsealed(ctx context.Context, maxID int64, limit int) ([]*AuditRecord, error) {
	query := `SELECT id, actor, action, occurred_at, payload, block_seq
		FROM audit_records WHERE block_seq IS NULL AND id <= ? ORDER BY id ASC`
	args := []any{maxID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) CountUnsealed(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE block_seq IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsealed records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) scanBlockRow(row interface{ Scan(...any) error }) (*Block, error) {
	b := &Block{}
	err := row.Scan(&b.Seq, &b.PrevHash, &b.MerkleRoot, &b.Hash, &b.RecordCount,
		&b.SealedAt, &b.SealedBy, &b.Status, &b.AnchorTxID, &b.AnchorConfirmedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// LatestBlock implements Store.
func (s *SQLiteStore) LatestBlock(ctx context.Context) (*Block, error) {
	b, err := s.scanBlockRow(s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocks ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	return b, nil
}

// GetBlock implements Store.
func (s *SQLiteStore) GetBlock(ctx context.Context, seq int64) (*Block, error) {
	b, err := s.scanBlockRow(s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE seq = ?`, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", seq, err)
	}
	return b, nil
}

// ListBlocks implements Store.
func (s *SQLiteStore) ListBlocks(ctx context.Context, from, to int64) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := s.scanBlockRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// SealBlock implements Store.
func (s *SQLiteStore) SealBlock(ctx context.Context, b *Block, proofs []*MembershipProof) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seal tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blocks (seq, prev_hash, merkle_root, hash, record_count, sealed_at, sealed_by, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Seq, b.PrevHash, b.MerkleRoot, b.Hash, b.RecordCount, b.SealedAt, b.SealedBy, b.Status,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO membership_proofs (record_id, block_seq, leaf_index, path) VALUES (?, ?, ?, ?)`,
			p.RecordID, p.BlockSeq, p.LeafIndex, string(path),
		); err != nil {
			return fmt.Errorf("insert proof for record %d: %w", p.RecordID, err)
		}
		recordIDs = append(recordIDs, p.RecordID)
	}

	stamped := 0
	for _, id := range recordIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE audit_records SET block_seq = ? WHERE id = ? AND block_seq IS NULL`,
			b.Seq, id)
		if err != nil {
			return fmt.Errorf("stamp sealed record %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			stamped++
		}
	}
	if stamped != len(recordIDs) {
		return ErrDuplicateSeq
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seal tx: %w", err)
	}

	s.logger.Debug("block sealed",
		zap.Int64("seq", b.Seq),
		zap.Int("records", b.RecordCount),
	)
	return nil
}

// GetProof implements Store.
func (s *SQLiteStore) GetProof(ctx context.Context, recordID int64) (*MembershipProof, error) {
	p := &MembershipProof{}
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id, block_seq, leaf_index, path FROM membership_proofs WHERE record_id = ?`,
		recordID,
	).Scan(&p.RecordID, &p.BlockSeq, &p.LeafIndex, &path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proof for record %d: %w", recordID, err)
	}
	if err := json.Unmarshal([]byte(path), &p.Path); err != nil {
		return nil, fmt.Errorf("decode proof path: %w", err)
	}
	if p.Path == nil {
		p.Path = merkle.Proof{}
	}
	return p, nil
}

// MarkAnomalous implements Store.
func (s *SQLiteStore) MarkAnomalous(ctx context.Context, seq int64) error {
	return s.updateBlock(ctx, `UPDATE blocks SET status = ? WHERE seq = ?`, StatusAnomalous, seq)
}

// SetAnchorTx implements Store.
func (s *SQLiteStore) SetAnchorTx(ctx context.Context, seq int64, txID string) error {
	return s.updateBlock(ctx, `UPDATE blocks SET anchor_tx_id = ? WHERE seq = ?`, txID, seq)
}

// ConfirmAnchor implements Store.
func (s *SQLiteStore) ConfirmAnchor(ctx context.Context, seq int64, at time.Time) error {
	return s.updateBlock(ctx, `UPDATE blocks SET anchor_confirmed_at = ? WHERE seq = ?`, at, seq)
}

func (s *SQLiteStore) updateBlock(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update block rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BlocksNeedingAnchor implements Store.
func (s *SQLiteStore) BlocksNeedingAnchor(ctx context.Context, limit int) ([]*Block, error) {
	return s.listAnchorable(ctx, `anchor_tx_id IS NULL`, limit)
}

// BlocksAwaitingConfirm implements Store.
func (s *SQLiteStore) BlocksAwaitingConfirm(ctx context.Context, limit int) ([]*Block, error) {
	return s.listAnchorable(ctx, `anchor_tx_id IS NOT NULL AND anchor_confirmed_at IS NULL`, limit)
}

func (s *SQLiteStore) listAnchorable(ctx context.Context, cond string, limit int) ([]*Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE ` + cond + ` ORDER BY seq ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anchorable blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := s.scanBlockRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
