package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veriseal/veriseal/internal/anchor"
	"github.com/veriseal/veriseal/internal/hashchain"
	"github.com/veriseal/veriseal/internal/ledger"
	"github.com/veriseal/veriseal/internal/sealer"
	"github.com/veriseal/veriseal/internal/verifier"
)

// maxBlockRange caps the span of a single GET /blocks query.
const maxBlockRange = 1000

// LedgerHandler exposes the operator HTTP surface for the audit ledger.
type LedgerHandler struct {
	store    ledger.Store
	sealer   *sealer.Sealer
	verifier *verifier.Verifier
	anchorer *anchor.Anchorer // nil = anchoring disabled
	logger   *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. anchorer may be nil when no
// anchor network is configured; the anchor routes then return 503.
func NewLedgerHandler(store ledger.Store, s *sealer.Sealer, v *verifier.Verifier, a *anchor.Anchorer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{store: store, sealer: s, verifier: v, anchorer: a, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	records := rg.Group("/records")
	{
		records.POST("", h.AppendRecord)
		records.GET("/:id", h.GetRecord)
		records.GET("/:id/proof", h.GetProof)
	}

	rg.GET("/blocks/:seq", h.GetBlock)
	rg.GET("/blocks", h.ListBlocks)

	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.POST("/seal", h.Seal)
		l.POST("/verify", h.Verify)
		l.POST("/anchor", h.Anchor)
		l.POST("/anchor/confirm", h.ConfirmAnchors)
	}
}

type appendRequest struct {
	Actor      string          `json:"actor" binding:"required"`
	Action     string          `json:"action" binding:"required"`
	OccurredAt *time.Time      `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
}

type recordResponse struct {
	ID         int64           `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
	BlockSeq   *int64          `json:"block_seq,omitempty"`
	Sealed     bool            `json:"sealed"`
}

func toRecordResponse(r *ledger.AuditRecord) recordResponse {
	return recordResponse{
		ID:         r.ID,
		Actor:      r.Actor,
		Action:     r.Action,
		OccurredAt: r.OccurredAt,
		Payload:    json.RawMessage(r.Payload),
		BlockSeq:   r.BlockSeq,
		Sealed:     r.Sealed(),
	}
}

// AppendRecord handles POST /records — appends an audit record to the
// unsealed tail.
func (h *LedgerHandler) AppendRecord(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	rec := &ledger.AuditRecord{
		Actor:      req.Actor,
		Action:     req.Action,
		OccurredAt: occurredAt,
		Payload:    []byte(req.Payload),
	}
	id, err := h.store.AppendRecord(c.Request.Context(), rec)
	if err != nil {
		h.logger.Error("append record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append record"})
		return
	}

	RecordAppend()
	c.JSON(http.StatusCreated, gin.H{"id": id, "sealed": false})
}

// GetRecord handles GET /records/:id.
func (h *LedgerHandler) GetRecord(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}

	rec, err := h.store.GetRecord(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		h.logger.Error("get record", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query record"})
		return
	}

	c.JSON(http.StatusOK, toRecordResponse(rec))
}

// GetProof handles GET /records/:id/proof — re-verifies the record against
// its block and returns the membership path.
func (h *LedgerHandler) GetProof(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}

	status, proof, err := h.verifier.VerifyRecord(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		h.logger.Error("verify record", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify record"})
		return
	}

	RecordVerification(string(status))
	resp := gin.H{"record_id": id, "status": status}
	if proof != nil {
		resp["proof"] = proof
	}
	c.JSON(http.StatusOK, resp)
}

// Overview handles GET /ledger — chain height, tip hash, and pending count.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	tip, err := h.store.LatestBlock(ctx)
	if err != nil {
		h.logger.Error("latest block", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	pending, err := h.store.CountUnsealed(ctx)
	if err != nil {
		h.logger.Error("count unsealed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	resp := gin.H{
		"height":   int64(0),
		"tip_hash": hashchain.GenesisHash,
		"pending":  pending,
	}
	if tip != nil {
		resp["height"] = tip.Seq + 1
		resp["tip_hash"] = tip.Hash
		resp["tip_sealed_at"] = tip.SealedAt
	}
	c.JSON(http.StatusOK, resp)
}

// GetBlock handles GET /blocks/:seq.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a non-negative integer"})
		return
	}

	b, err := h.store.GetBlock(c.Request.Context(), seq)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
			return
		}
		h.logger.Error("get block", zap.Int64("seq", seq), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query block"})
		return
	}

	c.JSON(http.StatusOK, b)
}

// ListBlocks handles GET /blocks?from=&to= — an inclusive range of blocks.
func (h *LedgerHandler) ListBlocks(c *gin.Context) {
	from, to, ok := h.parseRange(c)
	if !ok {
		return
	}
	if to-from+1 > maxBlockRange {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range too large"})
		return
	}

	blocks, err := h.store.ListBlocks(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("list blocks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query blocks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

// Seal handles POST /ledger/seal — an on-demand seal of the unsealed tail.
func (h *LedgerHandler) Seal(c *gin.Context) {
	b, err := h.sealer.Seal(c.Request.Context())
	if err != nil {
		if errors.Is(err, sealer.ErrSealInProgress) {
			c.JSON(http.StatusAccepted, gin.H{"sealing": true})
			return
		}
		h.logger.Error("seal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to seal"})
		return
	}
	if b == nil {
		c.JSON(http.StatusOK, gin.H{"sealed": false, "reason": "no unsealed records"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"sealed": true, "block": b})
}

// Verify handles POST /ledger/verify?from=&to=&force= — scans a block range
// and reports the first divergence, or all divergences with force.
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, to, ok := h.parseRange(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"

	report, err := h.verifier.VerifyChain(c.Request.Context(), from, to, force)
	if err != nil {
		h.logger.Error("verify chain", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify chain"})
		return
	}

	if report.OK {
		RecordVerification("VALID")
	} else {
		RecordVerification("TAMPERED")
	}
	c.JSON(http.StatusOK, report)
}

// Anchor handles POST /ledger/anchor — a submission sweep over unanchored
// blocks.
func (h *LedgerHandler) Anchor(c *gin.Context) {
	if h.anchorer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "anchoring is not configured"})
		return
	}

	n, err := h.anchorer.AnchorPending(c.Request.Context())
	if err != nil {
		h.logger.Error("anchor sweep", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to anchor"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"submitted": n})
}

// ConfirmAnchors handles POST /ledger/anchor/confirm — a confirmation sweep
// over submitted-but-unconfirmed blocks.
func (h *LedgerHandler) ConfirmAnchors(c *gin.Context) {
	if h.anchorer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "anchoring is not configured"})
		return
	}

	n, err := h.anchorer.ConfirmAnchors(c.Request.Context())
	if err != nil {
		h.logger.Error("confirmation sweep", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to confirm anchors"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"confirmed": n})
}

// parseRange reads from/to query params, defaulting to the full chain. A
// false return means the response has already been written.
func (h *LedgerHandler) parseRange(c *gin.Context) (from, to int64, ok bool) {
	var err error
	if s := c.Query("from"); s != "" {
		if from, err = strconv.ParseInt(s, 10, 64); err != nil || from < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
			return 0, 0, false
		}
	}

	if s := c.Query("to"); s != "" {
		if to, err = strconv.ParseInt(s, 10, 64); err != nil || to < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
			return 0, 0, false
		}
	} else {
		tip, err := h.store.LatestBlock(c.Request.Context())
		if err != nil {
			h.logger.Error("latest block", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
			return 0, 0, false
		}
		if tip != nil {
			to = tip.Seq
		}
	}

	if from > to {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not exceed to"})
		return 0, 0, false
	}
	return from, to, true
}
