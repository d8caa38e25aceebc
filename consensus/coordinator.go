package consensus

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cintara-network/bridge-core/burn"
	"github.com/cintara-network/bridge-core/ledger"
	"github.com/cintara-network/bridge-core/types"
)

const (
	// DefaultTimeout is how long a burn may sit without majority before
	// its round is marked failed.
	DefaultTimeout = 600 * time.Second

	// finalizedRetention is how long minted and failed entries are kept
	// before the sweep drops them.
	finalizedRetention = time.Hour

	shardCount = 16
)

var (
	ErrUnknownConfirmer       = errors.New("attestation from unknown confirmer")
	ErrDuplicateVote          = errors.New("confirmer already voted for this burn")
	ErrConflictingAttestation = errors.New("attestation conflicts with earlier votes")
	ErrNoSigner               = errors.New("coordinator has no signing key")
)

// BurnState is a snapshot of one burn's consensus round.
type BurnState struct {
	TxHash        common.Hash           `json:"txHash"`
	Recipient     common.Address        `json:"recipient"`
	Amount        uint64                `json:"amount"`
	Status        types.ConsensusStatus `json:"status"`
	Votes         int                   `json:"votes"`
	Needed        int                   `json:"needed"`
	Confirmations uint32                `json:"confirmations"`
}

type entry struct {
	recipient common.Address
	amount    uint64
	status    types.ConsensusStatus
	votes     map[common.Address]*Attestation

	// confirmations is the deepest L1 depth this node has observed for
	// the burn. Zero until the local validator has seen it.
	confirmations uint32

	// firstSeen anchors the consensus timeout. It moves only when a
	// failed round is reopened, never on ordinary votes.
	firstSeen time.Time

	updatedAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[common.Hash]*entry
}

// Coordinator tracks attestations per burn hash and credits the ledger once
// two thirds of the confirmer set agree. State is sharded by hash so rounds
// for different burns never contend on one lock.
type Coordinator struct {
	confirmers  ConfirmerSet
	ledger      *ledger.Ledger
	signer      *ecdsa.PrivateKey
	broadcaster Broadcaster
	timeout     time.Duration
	height      func(ctx context.Context) (uint64, error)
	logger      *slog.Logger
	now         func() time.Time

	shards [shardCount]shard
}

type Opts struct {
	Confirmers ConfirmerSet
	Ledger     *ledger.Ledger

	// Signer is the local confirmer key. Nil on observer nodes.
	Signer *ecdsa.PrivateKey

	// Broadcaster fans local attestations out to peers. Nil disables
	// broadcasting.
	Broadcaster Broadcaster

	// Height reports the L2 height a mint is credited at.
	Height func(ctx context.Context) (uint64, error)

	Timeout time.Duration
	Logger  *slog.Logger
}

func NewCoordinator(opts Opts) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Height == nil {
		opts.Height = func(context.Context) (uint64, error) { return 0, nil }
	}

	c := &Coordinator{
		confirmers:  opts.Confirmers,
		ledger:      opts.Ledger,
		signer:      opts.Signer,
		broadcaster: opts.Broadcaster,
		timeout:     opts.Timeout,
		height:      opts.Height,
		logger:      opts.Logger,
		now:         time.Now,
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[common.Hash]*entry)
	}
	return c
}

func (c *Coordinator) shardFor(h common.Hash) *shard {
	return &c.shards[h[0]%shardCount]
}

func (c *Coordinator) needed() int {
	total := c.confirmers.Size()
	return (2*total + 2) / 3
}

// SubmitLocalAttestation signs a vote for a validated burn event with the
// node's own key, counts it and broadcasts it to peers.
func (c *Coordinator) SubmitLocalAttestation(ctx context.Context, event *burn.Event) (*Attestation, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	local := crypto.PubkeyToAddress(c.signer.PublicKey)
	if !c.confirmers.Contains(local) {
		c.logger.Error("local signer is not a registered confirmer",
			"address", local.Hex())
		return nil, ErrUnknownConfirmer
	}

	att := &Attestation{
		TxHash:    event.TxHash,
		Recipient: event.Recipient,
		Amount:    event.Payload.Amount,
		Timestamp: uint64(c.now().Unix()),
	}
	if err := att.Sign(c.signer); err != nil {
		return nil, err
	}

	if err := c.process(ctx, att, event.Confirmations); err != nil {
		return nil, err
	}

	if c.broadcaster != nil {
		if err := c.broadcaster.Broadcast(ctx, att); err != nil {
			c.logger.Warn("failed to broadcast attestation",
				"txHash", event.TxHash.Hex(), "error", err)
		}
	}
	return att, nil
}

// ProcessRemoteAttestation validates and counts a vote received from a peer.
func (c *Coordinator) ProcessRemoteAttestation(ctx context.Context, att *Attestation) error {
	if !c.confirmers.Contains(att.Confirmer) {
		c.logger.Warn("dropping attestation from unknown confirmer",
			"confirmer", att.Confirmer.Hex(), "txHash", att.TxHash.Hex())
		return ErrUnknownConfirmer
	}
	if err := att.Verify(); err != nil {
		return err
	}
	return c.process(ctx, att, 0)
}

func (c *Coordinator) process(ctx context.Context, att *Attestation, confirmations uint32) error {
	sh := c.shardFor(att.TxHash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[att.TxHash]
	if !ok {
		e = &entry{
			recipient: att.Recipient,
			amount:    att.Amount,
			status:    types.Pending,
			votes:     make(map[common.Address]*Attestation),
			firstSeen: c.now(),
		}
		sh.entries[att.TxHash] = e
	}

	switch e.status {
	case types.Minted:
		// already credited, late votes are harmless
		return nil
	case types.Failed:
		// a fresh vote reopens a timed-out round with a new window
		e.status = types.Pending
		e.votes = make(map[common.Address]*Attestation)
		e.recipient = att.Recipient
		e.amount = att.Amount
		e.firstSeen = c.now()
	}

	if confirmations > e.confirmations {
		e.confirmations = confirmations
	}

	if att.Recipient != e.recipient || att.Amount != e.amount {
		c.logger.Warn("confirmer attested conflicting payload",
			"confirmer", att.Confirmer.Hex(),
			"txHash", att.TxHash.Hex(),
			"gotRecipient", att.Recipient.Hex(),
			"gotAmount", att.Amount,
			"wantRecipient", e.recipient.Hex(),
			"wantAmount", e.amount)
		return ErrConflictingAttestation
	}
	if _, voted := e.votes[att.Confirmer]; voted {
		c.logger.Warn("confirmer voted twice",
			"confirmer", att.Confirmer.Hex(), "txHash", att.TxHash.Hex())
		return ErrDuplicateVote
	}

	e.votes[att.Confirmer] = att
	e.updatedAt = c.now()
	c.logger.Debug("counted attestation",
		"txHash", att.TxHash.Hex(),
		"confirmer", att.Confirmer.Hex(),
		"votes", len(e.votes),
		"needed", c.needed())

	if e.status == types.Pending && HasMajority(len(e.votes), c.confirmers.Size()) {
		e.status = types.Reached
		c.mintLocked(ctx, att.TxHash, e)
	}
	return nil
}

// mintLocked credits the ledger for a reached round. Called with the shard
// lock held, so at most one goroutine can move the entry to minted.
func (c *Coordinator) mintLocked(ctx context.Context, txHash common.Hash, e *entry) {
	height, err := c.height(ctx)
	if err != nil {
		c.logger.Error("cannot resolve credit height, mint deferred",
			"txHash", txHash.Hex(), "error", err)
		return
	}

	err = c.ledger.Credit(ctx, txHash, e.recipient, e.amount, height)
	switch {
	case err == nil:
		e.status = types.Minted
		e.updatedAt = c.now()
		c.logger.Info("minted burn",
			"txHash", txHash.Hex(),
			"recipient", e.recipient.Hex(),
			"amount", e.amount,
			"height", height)
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		// credited through another path, settle the round
		e.status = types.Minted
		e.updatedAt = c.now()
	default:
		// stays reached, the sweep retries
		c.logger.Error("mint failed, will retry",
			"txHash", txHash.Hex(), "error", err)
	}
}

// Run drives timeouts and mint retries until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.timeout / 10
	if interval > 10*time.Second || interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	now := c.now()
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for h, e := range sh.entries {
			switch e.status {
			case types.Pending:
				// measured from firstSeen: a trickle of minority
				// votes must not keep the round alive
				if now.Sub(e.firstSeen) > c.timeout {
					e.status = types.Failed
					e.updatedAt = now
					c.logger.Warn("consensus round timed out",
						"txHash", h.Hex(),
						"votes", len(e.votes),
						"needed", c.needed())
				}
			case types.Reached:
				c.mintLocked(ctx, h, e)
			case types.Minted, types.Failed:
				if now.Sub(e.updatedAt) > finalizedRetention {
					delete(sh.entries, h)
				}
			}
		}
		sh.mu.Unlock()
	}
}

// Reopen resets a round to pending with no votes. Used after an L2 reorg
// reverts the credit so the burn can be re-attested.
func (c *Coordinator) Reopen(txHash common.Hash) {
	sh := c.shardFor(txHash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[txHash]
	if !ok {
		return
	}
	e.status = types.Pending
	e.votes = make(map[common.Address]*Attestation)
	e.firstSeen = c.now()
	e.updatedAt = e.firstSeen
	c.logger.Info("reopened consensus round", "txHash", txHash.Hex())
}

// State returns the round snapshot for the hash, if one is tracked.
func (c *Coordinator) State(txHash common.Hash) (BurnState, bool) {
	sh := c.shardFor(txHash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[txHash]
	if !ok {
		return BurnState{}, false
	}
	return c.snapshot(txHash, e), true
}

// ListPending returns every round that has not settled yet.
func (c *Coordinator) ListPending() []BurnState {
	var out []BurnState
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for h, e := range sh.entries {
			if e.status == types.Pending || e.status == types.Reached {
				out = append(out, c.snapshot(h, e))
			}
		}
		sh.mu.Unlock()
	}
	return out
}

func (c *Coordinator) snapshot(h common.Hash, e *entry) BurnState {
	return BurnState{
		TxHash:        h,
		Recipient:     e.recipient,
		Amount:        e.amount,
		Status:        e.status,
		Votes:         len(e.votes),
		Needed:        c.needed(),
		Confirmations: e.confirmations,
	}
}

// ConfirmerAddress is the address the coordinator signs with.
func (c *Coordinator) ConfirmerAddress() (common.Address, error) {
	if c.signer == nil {
		return common.Address{}, ErrNoSigner
	}
	return crypto.PubkeyToAddress(c.signer.PublicKey), nil
}
