// Package registry keeps the authoritative set of processed burns. A burn
// transaction hash enters the registry exactly once; everything downstream
// relies on that to keep crediting exactly-once.
package registry

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cintara-network/bridge-core/store"
	"github.com/cintara-network/bridge-core/types"
)

type Registry struct {
	store  store.Store
	logger *slog.Logger
}

type Opts struct {
	Store  store.Store
	Logger *slog.Logger
}

func New(opts Opts) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{store: opts.Store, logger: opts.Logger}
}

// IsProcessed reports whether the L1 transaction hash has already been
// credited.
func (r *Registry) IsProcessed(ctx context.Context, txHash common.Hash) (bool, error) {
	return r.store.HasBurnRecord(ctx, txHash)
}

// Record writes the burn record and its credit in one atomic unit. Returns
// store.ErrAlreadyExists if the hash was recorded before; the stored record
// is never altered.
func (r *Registry) Record(ctx context.Context, rec types.BurnRecord) error {
	if err := r.store.ApplyCredit(ctx, rec); err != nil {
		return err
	}
	r.logger.Info("recorded burn",
		"txHash", rec.TxHash.Hex(),
		"recipient", rec.Recipient.Hex(),
		"amount", rec.Amount,
		"creditedAt", rec.CreditedAt)
	return nil
}

func (r *Registry) Get(ctx context.Context, txHash common.Hash) (*types.BurnRecord, error) {
	return r.store.GetBurnRecord(ctx, txHash)
}

func (r *Registry) GetByAddress(ctx context.Context, addr common.Address) ([]types.BurnRecord, error) {
	return r.store.BurnRecordsByAddress(ctx, addr)
}

// GetRange returns records credited between the two L2 heights, inclusive.
func (r *Registry) GetRange(ctx context.Context, from, to uint64) ([]types.BurnRecord, error) {
	return r.store.BurnRecordsInRange(ctx, from, to)
}

func (r *Registry) TotalBurned(ctx context.Context) (uint64, error) {
	return r.store.TotalBurned(ctx)
}

func (r *Registry) Count(ctx context.Context) (uint64, error) {
	return r.store.BurnCount(ctx)
}

// HandleL2Reorg drops every record credited at or above the reorg height and
// reverses its balance and supply effects. The removed records are returned
// so their burns can be re-attested.
func (r *Registry) HandleL2Reorg(ctx context.Context, height uint64) ([]types.BurnRecord, error) {
	removed, err := r.store.RevertCreditsFrom(ctx, height)
	if err != nil {
		return removed, err
	}
	if len(removed) > 0 {
		r.logger.Warn("rolled back burns after reorg",
			"fromHeight", height,
			"removed", len(removed))
	}
	return removed, nil
}
