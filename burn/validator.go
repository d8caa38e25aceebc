package burn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

// RequiredConfirmations is the default L1 confirmation depth a burn must
// reach before it can be attested.
const RequiredConfirmations uint32 = 6

// Event is a validated burn. Created by the validator, consumed by the
// consensus coordinator; never persisted by itself.
type Event struct {
	TxHash        common.Hash
	Payload       Payload
	Recipient     common.Address
	Confirmations uint32
}

// Verdict classifies a validation outcome.
type Verdict int

const (
	// Rejected - the transaction can never become a valid burn
	Rejected Verdict = iota
	// Deferred - retry once the transaction has more L1 confirmations
	Deferred
	// Valid - the transaction is a well-formed, sufficiently buried burn
	Valid
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "VALID"
	case Deferred:
		return "DEFERRED"
	default:
		return "REJECTED"
	}
}

// Result carries the verdict, a reason for non-valid outcomes and the
// parsed event for valid ones.
type Result struct {
	Verdict Verdict
	Reason  string
	Event   *Event
}

// ProcessedChecker is the slice of the registry the validator needs.
type ProcessedChecker interface {
	IsProcessed(ctx context.Context, txHash common.Hash) (bool, error)
}

// Validator applies structural, chain-identity, depth and duplicate checks
// to candidate burn transactions. It holds no mutable state.
type Validator struct {
	chainID  uint32
	minDepth uint32
	logger   *slog.Logger
}

type ValidatorOpts struct {
	ChainID uint32
	// MinConfirmations defaults to RequiredConfirmations when zero
	MinConfirmations uint32
	Logger           *slog.Logger
}

func NewValidator(opts ValidatorOpts) *Validator {
	if opts.MinConfirmations == 0 {
		opts.MinConfirmations = RequiredConfirmations
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Validator{
		chainID:  opts.ChainID,
		minDepth: opts.MinConfirmations,
		logger:   opts.Logger,
	}
}

func (v *Validator) ChainID() uint32 { return v.chainID }

// MinConfirmations is the depth a burn must reach before it validates.
func (v *Validator) MinConfirmations() uint32 { return v.minDepth }

func reject(reason string) Result {
	return Result{Verdict: Rejected, Reason: reason}
}

// Validate runs all checks against a candidate burn transaction. The
// returned error is non-nil only for registry storage failures; every
// protocol-level refusal is expressed through the Result.
//
// The duplicate check here keeps already-credited burns out of consensus
// early; it is not the final double-mint guard. The registry record written
// jointly with the ledger credit is.
func (v *Validator) Validate(ctx context.Context, tx *Tx, confirmations uint32, registry ProcessedChecker) (Result, error) {
	payload, err := tx.ParsePayload()
	if err != nil {
		return reject(err.Error()), nil
	}

	if payload.ChainID != v.chainID {
		return reject(fmt.Sprintf("chain id %d, want %d", payload.ChainID, v.chainID)), nil
	}

	destroyed, err := ComputeDestroyedAmount(tx)
	if err != nil {
		return reject(err.Error()), nil
	}
	if destroyed != payload.Amount {
		return reject(fmt.Sprintf("declared amount %d, destroyed %d", payload.Amount, destroyed)), nil
	}

	recipient, err := payload.RecipientAddress()
	if err != nil {
		return reject(err.Error()), nil
	}

	if confirmations < v.minDepth {
		return Result{
			Verdict: Deferred,
			Reason:  fmt.Sprintf("insufficient confirmations: %d < %d required", confirmations, v.minDepth),
		}, nil
	}

	txHash := tx.Hash()
	processed, err := registry.IsProcessed(ctx, txHash)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check registry: %w", err)
	}
	if processed {
		v.logger.Debug("burn already processed", "txHash", txHash.Hex())
		return reject("burn transaction already processed"), nil
	}

	return Result{
		Verdict: Valid,
		Event: &Event{
			TxHash:        txHash,
			Payload:       payload,
			Recipient:     recipient,
			Confirmations: confirmations,
		},
	}, nil
}
