// Package client provides the VeriSeal Go SDK for appending audit records
// and querying the ledger daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound is returned when the daemon reports a missing record or block.
var ErrNotFound = errors.New("not found")

// Record is an audit record as returned by GET /api/v1/records/:id.
type Record struct {
	ID         int64           `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
	BlockSeq   *int64          `json:"block_seq,omitempty"`
	Sealed     bool            `json:"sealed"`
}

// Block is a sealed ledger block.
type Block struct {
	Seq               int64      `json:"seq"`
	PrevHash          string     `json:"prev_hash"`
	MerkleRoot        string     `json:"merkle_root"`
	Hash              string     `json:"hash"`
	RecordCount       int        `json:"record_count"`
	SealedAt          time.Time  `json:"sealed_at"`
	SealedBy          string     `json:"sealed_by"`
	Status            string     `json:"status"`
	AnchorTxID        *string    `json:"anchor_tx_id,omitempty"`
	AnchorConfirmedAt *time.Time `json:"anchor_confirmed_at,omitempty"`
}

// ProofStep is one sibling hop of a membership proof path.
type ProofStep struct {
	Sibling string `json:"sibling"`
	Side    string `json:"side"`
}

// Proof is a record's membership proof inside its block.
type Proof struct {
	RecordID  int64       `json:"record_id"`
	BlockSeq  int64       `json:"block_seq"`
	LeafIndex int         `json:"leaf_index"`
	Path      []ProofStep `json:"path"`
}

// ProofResult is the response of GET /api/v1/records/:id/proof.
type ProofResult struct {
	RecordID int64  `json:"record_id"`
	Status   string `json:"status"`
	Proof    *Proof `json:"proof,omitempty"`
}

// Overview is the response of GET /api/v1/ledger.
type Overview struct {
	Height  int64  `json:"height"`
	TipHash string `json:"tip_hash"`
	Pending int64  `json:"pending"`
}

// Break is one divergence found by a chain scan.
type Break struct {
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// VerifyReport is the response of POST /api/v1/ledger/verify.
type VerifyReport struct {
	OK            bool    `json:"ok"`
	From          int64   `json:"from"`
	To            int64   `json:"to"`
	BlocksChecked int     `json:"blocks_checked"`
	FirstBad      *Break  `json:"first_bad,omitempty"`
	Breaks        []Break `json:"breaks,omitempty"`
}

// SealResult is the response of POST /api/v1/ledger/seal.
type SealResult struct {
	Sealed  bool   `json:"sealed"`
	Sealing bool   `json:"sealing"`
	Reason  string `json:"reason,omitempty"`
	Block   *Block `json:"block,omitempty"`
}

// Client is the VeriSeal SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client targeting the daemon at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AppendRecord appends an audit record and returns its assigned ID.
// occurredAt may be zero to let the daemon stamp the current time.
func (c *Client) AppendRecord(ctx context.Context, actor, action string, occurredAt time.Time, payload json.RawMessage) (int64, error) {
	req := map[string]any{
		"actor":   actor,
		"action":  action,
		"payload": payload,
	}
	if !occurredAt.IsZero() {
		req["occurred_at"] = occurredAt
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/records", req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// GetRecord fetches a record by ID.
func (c *Client) GetRecord(ctx context.Context, id int64) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, "/api/v1/records/"+strconv.FormatInt(id, 10), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetProof fetches a record's verification status and membership proof.
func (c *Client) GetProof(ctx context.Context, id int64) (*ProofResult, error) {
	var res ProofResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/records/"+strconv.FormatInt(id, 10)+"/proof", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetOverview fetches the chain height, tip hash, and pending record count.
func (c *Client) GetOverview(ctx context.Context) (*Overview, error) {
	var ov Overview
	if err := c.do(ctx, http.MethodGet, "/api/v1/ledger", nil, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// GetBlock fetches a block by sequence number.
func (c *Client) GetBlock(ctx context.Context, seq int64) (*Block, error) {
	var b Block
	if err := c.do(ctx, http.MethodGet, "/api/v1/blocks/"+strconv.FormatInt(seq, 10), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBlocks fetches the inclusive block range [from, to].
func (c *Client) ListBlocks(ctx context.Context, from, to int64) ([]Block, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("to", strconv.FormatInt(to, 10))

	var resp struct {
		Blocks []Block `json:"blocks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/blocks?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// Seal triggers an on-demand seal of the unsealed tail.
func (c *Client) Seal(ctx context.Context) (*SealResult, error) {
	var res SealResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/ledger/seal", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Verify triggers a chain scan over [from, to]. With force the scan continues
// past the first divergence and enumerates every break.
func (c *Client) Verify(ctx context.Context, from, to int64, force bool) (*VerifyReport, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("to", strconv.FormatInt(to, 10))
	if force {
		q.Set("force", "true")
	}

	var report VerifyReport
	if err := c.do(ctx, http.MethodPost, "/api/v1/ledger/verify?"+q.Encode(), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// VerifyAll triggers a chain scan over the full chain.
func (c *Client) VerifyAll(ctx context.Context, force bool) (*VerifyReport, error) {
	path := "/api/v1/ledger/verify"
	if force {
		path += "?force=true"
	}
	var report VerifyReport
	if err := c.do(ctx, http.MethodPost, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Anchor triggers a submission sweep and returns the submission count.
func (c *Client) Anchor(ctx context.Context) (int, error) {
	var resp struct {
		Submitted int `json:"submitted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/ledger/anchor", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Submitted, nil
}

// ConfirmAnchors triggers a confirmation sweep and returns the confirmation
// count.
func (c *Client) ConfirmAnchors(ctx context.Context) (int, error) {
	var resp struct {
		Confirmed int `json:"confirmed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/ledger/anchor/confirm", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Confirmed, nil
}

// do issues a JSON request against the daemon. reqBody and respBody may be
// nil.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusAccepted {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon error %d", resp.StatusCode)
	}

	if respBody != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
