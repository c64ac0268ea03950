package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTxNotFound is returned by Query when the external network has no
// transaction with the given ID.
var ErrTxNotFound = errors.New("anchor: transaction not found")

// Network is the external distributed ledger: a write-once bulletin board
// reachable via submit and query.
type Network interface {
	// Submit publishes a block digest and returns the network's
	// transaction ID for it.
	Submit(ctx context.Context, blockSeq int64, digest string) (txID string, err error)

	// Query returns the digest stored under a transaction ID, or
	// ErrTxNotFound.
	Query(ctx context.Context, txID string) (digest string, err error)
}

// HTTPNetwork talks to an anchoring gateway over JSON/HTTP.
//
// POST {base}/api/v1/anchors          {"block_seq": N, "digest": "..."}  → {"tx_id": "..."}
// GET  {base}/api/v1/anchors/tx/{id}                                     → {"digest": "..."}
type HTTPNetwork struct {
	baseURL string
	http    *http.Client
}

// NewHTTPNetwork creates an HTTPNetwork targeting baseURL. Each call is
// bounded by timeout; a timeout is a retryable failure, not ambiguous state,
// because the next confirmation sweep queries the network by content.
func NewHTTPNetwork(baseURL string, timeout time.Duration) *HTTPNetwork {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNetwork{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	BlockSeq int64  `json:"block_seq"`
	Digest   string `json:"digest"`
}

type submitResponse struct {
	TxID string `json:"tx_id"`
}

type queryResponse struct {
	Digest string `json:"digest"`
}

// Submit implements Network.
func (n *HTTPNetwork) Submit(ctx context.Context, blockSeq int64, digest string) (string, error) {
	body, err := json.Marshal(submitRequest{BlockSeq: blockSeq, Digest: digest})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.baseURL+"/api/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit to anchor network: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("anchor network returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read submit response: %w", err)
	}
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.TxID == "" {
		return "", fmt.Errorf("anchor network returned an empty transaction id")
	}
	return out.TxID, nil
}

// Query implements Network.
func (n *HTTPNetwork) Query(ctx context.Context, txID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		n.baseURL+"/api/v1/anchors/tx/"+url.PathEscape(txID), nil)
	if err != nil {
		return "", fmt.Errorf("build query request: %w", err)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("query anchor network: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anchor network returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read query response: %w", err)
	}
	var out queryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode query response: %w", err)
	}
	return out.Digest, nil
}

// MemoryNetwork is an in-process Network for tests and development
// deployments without an external witness.
type MemoryNetwork struct {
	mu  sync.Mutex
	txs map[string]string

	// SubmitErr, when set, makes every Submit fail. Test support.
	SubmitErr error
}

// NewMemoryNetwork creates an empty MemoryNetwork.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{txs: make(map[string]string)}
}

// Submit implements Network.
func (n *MemoryNetwork) Submit(_ context.Context, _ int64, digest string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.SubmitErr != nil {
		return "", n.SubmitErr
	}
	txID := uuid.New().String()
	n.txs[txID] = digest
	return txID, nil
}

// Query implements Network.
func (n *MemoryNetwork) Query(_ context.Context, txID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	digest, ok := n.txs[txID]
	if !ok {
		return "", ErrTxNotFound
	}
	return digest, nil
}

// SetDigest overwrites the digest stored under txID. Test support: simulates
// a network whose witnessed digest diverges from the local ledger.
func (n *MemoryNetwork) SetDigest(txID, digest string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txs[txID] = digest
}
