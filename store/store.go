// Package store provides the durable state shared by the burn registry and
// the ledger. Both live in one store so a credit can write the burn record,
// the recipient balance and the total supply as a single atomic unit.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cintara-network/bridge-core/types"
)

var (
	// ErrAlreadyExists is returned by ApplyCredit when a record for the
	// L1 transaction hash is already present. First writer wins; the
	// existing record is never altered.
	ErrAlreadyExists = errors.New("burn record already exists")

	// ErrNotFound is returned for lookups of absent keys.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned by Transfer.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store is the durable key-value backing for the registry and the ledger.
type Store interface {
	// ApplyCredit atomically inserts the burn record, credits the
	// recipient balance and increases the total supply. Returns
	// ErrAlreadyExists without any state change if the record's tx hash
	// was already credited.
	ApplyCredit(ctx context.Context, rec types.BurnRecord) error

	// RevertCreditsFrom removes every burn record with CreditedAt >=
	// height and reverses the matching balance and supply increments,
	// atomically per record. Returns the removed records.
	RevertCreditsFrom(ctx context.Context, height uint64) ([]types.BurnRecord, error)

	GetBurnRecord(ctx context.Context, txHash common.Hash) (*types.BurnRecord, error)
	HasBurnRecord(ctx context.Context, txHash common.Hash) (bool, error)
	BurnRecordsByAddress(ctx context.Context, addr common.Address) ([]types.BurnRecord, error)

	// BurnRecordsInRange returns records with from <= CreditedAt <= to.
	BurnRecordsInRange(ctx context.Context, from, to uint64) ([]types.BurnRecord, error)

	TotalBurned(ctx context.Context) (uint64, error)
	BurnCount(ctx context.Context) (uint64, error)

	Balance(ctx context.Context, addr common.Address) (uint64, error)
	TotalSupply(ctx context.Context) (uint64, error)

	// SumBalances walks every account. Used only by the invariant check.
	SumBalances(ctx context.Context) (uint64, error)

	// Transfer moves value between accounts, zero-sum. Never touches the
	// total supply.
	Transfer(ctx context.Context, from, to common.Address, amount uint64) error

	// LastObservedL1Block persists the watcher's scan cursor.
	LastObservedL1Block(ctx context.Context) (uint64, error)
	SetLastObservedL1Block(ctx context.Context, height uint64) error

	Close(ctx context.Context) error
}
