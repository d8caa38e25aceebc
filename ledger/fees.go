package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cintara-network/bridge-core/store"
)

// Fee split in percent. Division remainders go to the block producer.
const (
	ProducerShare  = 70
	ConfirmerShare = 20
	SinkShare      = 10
)

// FeeDistributor splits collected L2 transaction fees between the block
// producer, the confirmers and the burn sink. Every move is a balance
// transfer; fee distribution never changes the total supply.
type FeeDistributor struct {
	store    store.Store
	sinkAddr common.Address
	logger   *slog.Logger
}

type FeeDistributorOpts struct {
	Store    store.Store
	BurnSink common.Address
	Logger   *slog.Logger
}

func NewFeeDistributor(opts FeeDistributorOpts) *FeeDistributor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FeeDistributor{
		store:    opts.Store,
		sinkAddr: opts.BurnSink,
		logger:   opts.Logger,
	}
}

// Distribute moves the collected fees out of the collector account: 70% to
// the producer, 20% split evenly across the confirmers and 10% to the burn
// sink. Rounding leftovers go to the producer.
func (d *FeeDistributor) Distribute(ctx context.Context, collector, producer common.Address, confirmers []common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}

	confirmerCut := amount * ConfirmerShare / 100
	sinkCut := amount * SinkShare / 100

	perConfirmer := uint64(0)
	if len(confirmers) > 0 {
		perConfirmer = confirmerCut / uint64(len(confirmers))
	}
	paidToConfirmers := perConfirmer * uint64(len(confirmers))
	producerCut := amount - sinkCut - paidToConfirmers

	if err := d.store.Transfer(ctx, collector, producer, producerCut); err != nil {
		return fmt.Errorf("failed to pay producer: %w", err)
	}
	for _, confirmer := range confirmers {
		if err := d.store.Transfer(ctx, collector, confirmer, perConfirmer); err != nil {
			return fmt.Errorf("failed to pay confirmer %s: %w", confirmer.Hex(), err)
		}
	}
	if err := d.store.Transfer(ctx, collector, d.sinkAddr, sinkCut); err != nil {
		return fmt.Errorf("failed to pay burn sink: %w", err)
	}

	d.logger.Debug("distributed fees",
		"amount", amount,
		"producer", producerCut,
		"perConfirmer", perConfirmer,
		"burnSink", sinkCut)
	return nil
}
