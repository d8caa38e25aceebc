package l1

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cintara-network/bridge-core/burn"
	"github.com/cintara-network/bridge-core/consensus"
	"github.com/cintara-network/bridge-core/store"
)

const DefaultPollInterval = 5 * time.Second

// Attestor receives burns the watcher has validated.
type Attestor interface {
	SubmitLocalAttestation(ctx context.Context, event *burn.Event) (*consensus.Attestation, error)
}

// Watcher polls the L1 node for new blocks, validates the burn candidates it
// finds and attests to the valid ones. Burns that are still too shallow are
// retried on later ticks until they are deep enough or rejected.
type Watcher struct {
	client    Client
	validator *burn.Validator
	registry  burn.ProcessedChecker
	attestor  Attestor
	store     store.Store
	interval  time.Duration
	logger    *slog.Logger

	// deferred burns keyed by tx hash, awaiting more confirmations
	deferred map[common.Hash]ConfirmedTx

	// scannedTo is the highest block this process has scanned. The durable
	// cursor lags behind it by the confirmation depth so a restart replays
	// blocks whose burns were still too shallow to attest.
	scannedTo uint64
	started   bool
}

type WatcherOpts struct {
	Client       Client
	Validator    *burn.Validator
	Registry     burn.ProcessedChecker
	Attestor     Attestor
	Store        store.Store
	PollInterval time.Duration
	Logger       *slog.Logger
}

func NewWatcher(opts WatcherOpts) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		client:    opts.Client,
		validator: opts.Validator,
		registry:  opts.Registry,
		attestor:  opts.Attestor,
		store:     opts.Store,
		interval:  opts.PollInterval,
		logger:    opts.Logger,
		deferred:  make(map[common.Hash]ConfirmedTx),
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("l1 watcher started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Error("l1 scan failed", "error", err)
			}
		}
	}
}

// safeCursor is the highest block whose burns are already deep enough to
// attest at the given head. Blocks above it must be replayed after a
// restart, so the durable cursor never advances past it.
func (w *Watcher) safeCursor(head uint64) uint64 {
	depth := uint64(w.validator.MinConfirmations())
	if head < depth {
		return 0
	}
	return head - depth + 1
}

// Tick performs one scan of the chain between the last scanned block and
// the current head.
func (w *Watcher) Tick(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if !w.started {
		cursor, err := w.store.LastObservedL1Block(ctx)
		if err != nil {
			return err
		}
		w.scannedTo = cursor
		w.started = true
	}

	if head < w.scannedTo {
		// the chain went backwards, rescan from the new head
		w.logger.Warn("l1 head below cursor, rewinding", "head", head, "cursor", w.scannedTo)
		w.scannedTo = head
		if err := w.store.SetLastObservedL1Block(ctx, w.safeCursor(head)); err != nil {
			return err
		}
	}

	if head > w.scannedTo {
		candidates, err := w.client.BurnCandidates(ctx, w.scannedTo+1, head)
		if err != nil {
			return err
		}
		for _, cand := range candidates {
			w.handle(ctx, cand, head)
		}
		w.scannedTo = head
		if err := w.store.SetLastObservedL1Block(ctx, w.safeCursor(head)); err != nil {
			return err
		}
	}

	// shallow burns from earlier ticks may be deep enough now
	retry := w.deferred
	w.deferred = make(map[common.Hash]ConfirmedTx, len(retry))
	for _, cand := range retry {
		w.handle(ctx, cand, head)
	}
	return nil
}

func (w *Watcher) handle(ctx context.Context, cand ConfirmedTx, head uint64) {
	confirmations := uint32(0)
	if head >= cand.BlockHeight {
		confirmations = uint32(head - cand.BlockHeight + 1)
	}

	res, err := w.validator.Validate(ctx, cand.Tx, confirmations, w.registry)
	if err != nil {
		w.logger.Error("burn validation errored",
			"txHash", cand.Tx.Hash().Hex(), "error", err)
		return
	}

	switch res.Verdict {
	case burn.Valid:
		if _, err := w.attestor.SubmitLocalAttestation(ctx, res.Event); err != nil {
			if errors.Is(err, consensus.ErrDuplicateVote) || errors.Is(err, consensus.ErrNoSigner) {
				return
			}
			w.logger.Error("failed to attest burn",
				"txHash", res.Event.TxHash.Hex(), "error", err)
			// keep it around, the next tick tries again
			w.deferred[cand.Tx.Hash()] = cand
		}
	case burn.Deferred:
		w.deferred[cand.Tx.Hash()] = cand
		w.logger.Debug("burn deferred",
			"txHash", cand.Tx.Hash().Hex(), "reason", res.Reason)
	case burn.Rejected:
		w.logger.Info("burn rejected",
			"txHash", cand.Tx.Hash().Hex(), "reason", res.Reason)
	}
}
