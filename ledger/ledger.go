// Package ledger maintains account balances and the total supply of the
// bridged asset. The supply only ever grows through Credit, backed one to
// one by destroyed L1 value.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cintara-network/bridge-core/registry"
	"github.com/cintara-network/bridge-core/store"
	"github.com/cintara-network/bridge-core/types"
)

var (
	// ErrAlreadyProcessed is returned by Credit for a burn hash that was
	// credited before.
	ErrAlreadyProcessed = errors.New("burn already processed")

	// ErrHalted is returned while crediting is suspended after a supply
	// invariant violation.
	ErrHalted = errors.New("ledger halted: supply invariant violated")
)

type Ledger struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
	halted   atomic.Bool

	now func() time.Time
}

type Opts struct {
	Store    store.Store
	Registry *registry.Registry
	Logger   *slog.Logger
}

func New(opts Opts) *Ledger {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		store:    opts.Store,
		registry: opts.Registry,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// Credit mints amount to the recipient for the given L1 burn. The burn
// record, the balance increment and the supply increment land in one atomic
// write; a hash seen before returns ErrAlreadyProcessed and changes nothing.
func (l *Ledger) Credit(ctx context.Context, txHash common.Hash, recipient common.Address, amount uint64, creditedAt uint64) error {
	if l.halted.Load() {
		return ErrHalted
	}
	if amount == 0 {
		return fmt.Errorf("refusing zero-amount credit for %s", txHash.Hex())
	}

	rec := types.BurnRecord{
		TxHash:     txHash,
		Recipient:  recipient,
		Amount:     amount,
		CreditedAt: creditedAt,
		RecordedAt: uint64(l.now().Unix()),
	}
	if err := l.registry.Record(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	return l.store.Balance(ctx, addr)
}

func (l *Ledger) TotalSupply(ctx context.Context) (uint64, error) {
	return l.store.TotalSupply(ctx)
}

// SumBalances totals every account balance in the store.
func (l *Ledger) SumBalances(ctx context.Context) (uint64, error) {
	return l.store.SumBalances(ctx)
}

// VerifyInvariant recomputes the supply equation from scratch:
// total supply == sum of all balances == sum of all recorded burns.
// A mismatch halts crediting until an operator intervenes.
func (l *Ledger) VerifyInvariant(ctx context.Context) error {
	supply, err := l.store.TotalSupply(ctx)
	if err != nil {
		return err
	}
	balances, err := l.store.SumBalances(ctx)
	if err != nil {
		return err
	}
	burned, err := l.store.TotalBurned(ctx)
	if err != nil {
		return err
	}

	if supply != balances || supply != burned {
		l.halted.Store(true)
		l.logger.Error("SUPPLY INVARIANT VIOLATED, crediting halted",
			"totalSupply", supply,
			"sumBalances", balances,
			"totalBurned", burned)
		return fmt.Errorf("%w: supply=%d balances=%d burned=%d",
			ErrHalted, supply, balances, burned)
	}
	return nil
}

// Halted reports whether crediting is suspended.
func (l *Ledger) Halted() bool {
	return l.halted.Load()
}

// ClearHalt resumes crediting after the operator has reconciled state. The
// invariant is re-checked first; a still-broken ledger stays halted.
func (l *Ledger) ClearHalt(ctx context.Context) error {
	l.halted.Store(false)
	if err := l.VerifyInvariant(ctx); err != nil {
		return err
	}
	l.logger.Info("ledger halt cleared")
	return nil
}
