package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Broadcaster fans a locally signed attestation out to the other confirmer
// nodes.
type Broadcaster interface {
	Broadcast(ctx context.Context, att *Attestation) error
}

// HTTPBroadcaster posts attestations to each peer's attestation endpoint.
// Delivery is best effort; peers that are down catch up from later votes or
// their own L1 view.
type HTTPBroadcaster struct {
	peers  []string
	client *http.Client
	logger *slog.Logger
}

type HTTPBroadcasterOpts struct {
	// Peers are base URLs, e.g. http://confirmer-2:8080.
	Peers  []string
	Logger *slog.Logger
}

func NewHTTPBroadcaster(opts HTTPBroadcasterOpts) *HTTPBroadcaster {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HTTPBroadcaster{
		peers:  opts.Peers,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: opts.Logger,
	}
}

func (b *HTTPBroadcaster) Broadcast(ctx context.Context, att *Attestation) error {
	body, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("failed to encode attestation: %w", err)
	}

	var failed int
	for _, peer := range b.peers {
		if err := b.send(ctx, peer, body); err != nil {
			failed++
			b.logger.Warn("failed to deliver attestation",
				"peer", peer, "txHash", att.TxHash.Hex(), "error", err)
		}
	}
	if failed == len(b.peers) && len(b.peers) > 0 {
		return fmt.Errorf("attestation reached none of %d peers", len(b.peers))
	}
	return nil
}

func (b *HTTPBroadcaster) send(ctx context.Context, peer string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		peer+"/v1/attestations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned %s", resp.Status)
	}
	return nil
}
