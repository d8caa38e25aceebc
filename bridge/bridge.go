// Package bridge ties the burn pipeline together: validation, consensus,
// crediting and queries live behind one facade that the API and the L1
// watcher share.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cintara-network/bridge-core/burn"
	"github.com/cintara-network/bridge-core/consensus"
	"github.com/cintara-network/bridge-core/ledger"
	"github.com/cintara-network/bridge-core/registry"
	"github.com/cintara-network/bridge-core/store"
	"github.com/cintara-network/bridge-core/types"
)

type Bridge struct {
	chainID     uint32
	validator   *burn.Validator
	registry    *registry.Registry
	ledger      *ledger.Ledger
	coordinator *consensus.Coordinator
	logger      *slog.Logger
}

type Opts struct {
	ChainID     uint32
	Validator   *burn.Validator
	Registry    *registry.Registry
	Ledger      *ledger.Ledger
	Coordinator *consensus.Coordinator
	Logger      *slog.Logger
}

func New(opts Opts) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{
		chainID:     opts.ChainID,
		validator:   opts.Validator,
		registry:    opts.Registry,
		ledger:      opts.Ledger,
		coordinator: opts.Coordinator,
		logger:      opts.Logger,
	}
}

// CreateBurnScript builds the unspendable output script that burns value to
// the given compressed recipient key on this bridge's chain.
func (b *Bridge) CreateBurnScript(recipientPubKey []byte, amount uint64) ([]byte, error) {
	if len(recipientPubKey) != burn.PubKeySize {
		return nil, fmt.Errorf("recipient key must be %d bytes, got %d",
			burn.PubKeySize, len(recipientPubKey))
	}

	var p burn.Payload
	p.ChainID = b.chainID
	p.Amount = amount
	copy(p.Recipient[:], recipientPubKey)

	// reject keys that cannot produce an address before money moves
	if _, err := p.RecipientAddress(); err != nil {
		return nil, err
	}
	return burn.EncodeScript(p)
}

// CreateUnsignedBurnTx wraps the burn script in a transaction skeleton with
// no inputs. The wallet funds and signs it before broadcasting on L1.
func (b *Bridge) CreateUnsignedBurnTx(recipientPubKey []byte, amount uint64) (*burn.Tx, error) {
	script, err := b.CreateBurnScript(recipientPubKey, amount)
	if err != nil {
		return nil, err
	}
	return &burn.Tx{
		Outputs: []burn.TxOut{{Value: 0, Script: script}},
	}, nil
}

// OnL1Transaction validates a candidate burn and, when valid, attests to it.
func (b *Bridge) OnL1Transaction(ctx context.Context, tx *burn.Tx, confirmations uint32) (*burn.Result, error) {
	res, err := b.validator.Validate(ctx, tx, confirmations, b.registry)
	if err != nil {
		return nil, err
	}
	if res.Verdict != burn.Valid {
		return &res, nil
	}

	_, err = b.coordinator.SubmitLocalAttestation(ctx, res.Event)
	if err != nil && !errors.Is(err, consensus.ErrNoSigner) &&
		!errors.Is(err, consensus.ErrDuplicateVote) {
		return &res, err
	}
	return &res, nil
}

// OnAttestation feeds a peer's vote into consensus.
func (b *Bridge) OnAttestation(ctx context.Context, att *consensus.Attestation) error {
	return b.coordinator.ProcessRemoteAttestation(ctx, att)
}

// Status is the externally visible state of one burn.
type Status struct {
	TxHash        common.Hash           `json:"txHash"`
	Status        types.ConsensusStatus `json:"status"`
	Credited      bool                  `json:"credited"`
	Confirmations uint32                `json:"confirmations"`
	Votes         int                   `json:"votes,omitempty"`
	Needed        int                   `json:"needed,omitempty"`
	Record        *types.BurnRecord     `json:"record,omitempty"`
}

// BurnStatus reports where a burn stands. Credited burns answer from the
// registry even after the consensus round is pruned.
func (b *Bridge) BurnStatus(ctx context.Context, txHash common.Hash) (*Status, error) {
	rec, err := b.registry.Get(ctx, txHash)
	if err == nil {
		s := &Status{TxHash: txHash, Status: types.Minted, Credited: true, Record: rec}
		if st, ok := b.coordinator.State(txHash); ok {
			s.Confirmations = st.Confirmations
		}
		return s, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	st, ok := b.coordinator.State(txHash)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &Status{
		TxHash:        txHash,
		Status:        st.Status,
		Confirmations: st.Confirmations,
		Votes:         st.Votes,
		Needed:        st.Needed,
	}, nil
}

// PendingBurns lists the consensus rounds still waiting for votes or mints.
func (b *Bridge) PendingBurns() []consensus.BurnState {
	return b.coordinator.ListPending()
}

// MintHistory returns credits between the two L2 heights, inclusive.
func (b *Bridge) MintHistory(ctx context.Context, from, to uint64) ([]types.BurnRecord, error) {
	return b.registry.GetRange(ctx, from, to)
}

func (b *Bridge) BurnsForAddress(ctx context.Context, addr common.Address) ([]types.BurnRecord, error) {
	return b.registry.GetByAddress(ctx, addr)
}

func (b *Bridge) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	return b.ledger.Balance(ctx, addr)
}

func (b *Bridge) TotalSupply(ctx context.Context) (uint64, error) {
	return b.ledger.TotalSupply(ctx)
}

// SupplyReport is the result of a full supply audit.
type SupplyReport struct {
	TotalSupply uint64 `json:"totalSupply"`
	SumBalances uint64 `json:"sumBalances"`
	TotalBurned uint64 `json:"totalBurned"`
	BurnCount   uint64 `json:"burnCount"`
	Consistent  bool   `json:"consistent"`
}

// VerifySupply recomputes the supply invariant. An inconsistent ledger halts
// crediting as a side effect.
func (b *Bridge) VerifySupply(ctx context.Context) (*SupplyReport, error) {
	supply, err := b.ledger.TotalSupply(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := b.ledger.SumBalances(ctx)
	if err != nil {
		return nil, err
	}
	burned, err := b.registry.TotalBurned(ctx)
	if err != nil {
		return nil, err
	}
	count, err := b.registry.Count(ctx)
	if err != nil {
		return nil, err
	}

	report := &SupplyReport{
		TotalSupply: supply,
		SumBalances: balances,
		TotalBurned: burned,
		BurnCount:   count,
		Consistent:  true,
	}
	if err := b.ledger.VerifyInvariant(ctx); err != nil {
		if errors.Is(err, ledger.ErrHalted) {
			report.Consistent = false
			return report, nil
		}
		return nil, err
	}
	return report, nil
}

// HandleL2Reorg rolls back credits at or above the reorg height and reopens
// their consensus rounds so the burns can be re-attested on the new chain.
func (b *Bridge) HandleL2Reorg(ctx context.Context, height uint64) ([]types.BurnRecord, error) {
	removed, err := b.registry.HandleL2Reorg(ctx, height)
	if err != nil {
		return removed, err
	}
	for _, rec := range removed {
		b.coordinator.Reopen(rec.TxHash)
	}
	return removed, nil
}
