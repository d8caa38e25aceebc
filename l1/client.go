// Package l1 reads candidate burn transactions from an L1 node and feeds the
// validated ones into consensus.
package l1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cintara-network/bridge-core/burn"
)

// ConfirmedTx is a transaction as seen on L1, with the block it was included
// in.
type ConfirmedTx struct {
	Tx          *burn.Tx
	BlockHeight uint64
}

// Client is the read surface of an L1 node.
type Client interface {
	// BlockNumber returns the current chain head height.
	BlockNumber(ctx context.Context) (uint64, error)

	// BurnCandidates returns transactions carrying a burn output in the
	// inclusive block range.
	BurnCandidates(ctx context.Context, from, to uint64) ([]ConfirmedTx, error)
}

// HTTPClient talks to the L1 node's REST endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("l1 request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("l1 node returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode l1 response: %w", err)
	}
	return nil
}

func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out struct {
		Height uint64 `json:"height"`
	}
	if err := c.get(ctx, "/v1/blocks/head", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *HTTPClient) BurnCandidates(ctx context.Context, from, to uint64) ([]ConfirmedTx, error) {
	var out []struct {
		Raw         hexutil.Bytes `json:"tx"`
		BlockHeight uint64        `json:"blockHeight"`
	}
	path := fmt.Sprintf("/v1/burns?from=%d&to=%d", from, to)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}

	txs := make([]ConfirmedTx, 0, len(out))
	for _, item := range out {
		tx, err := burn.DecodeTx(item.Raw)
		if err != nil {
			return nil, fmt.Errorf("l1 returned malformed tx at height %d: %w", item.BlockHeight, err)
		}
		txs = append(txs, ConfirmedTx{Tx: tx, BlockHeight: item.BlockHeight})
	}
	return txs, nil
}
