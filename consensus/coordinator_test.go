package consensus

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cintara-network/bridge-core/burn"
	"github.com/cintara-network/bridge-core/ledger"
	"github.com/cintara-network/bridge-core/registry"
	"github.com/cintara-network/bridge-core/store"
	"github.com/cintara-network/bridge-core/types"
)

type env struct {
	coord  *Coordinator
	ledger *ledger.Ledger
	keys   []*ecdsa.PrivateKey
}

func newEnv(t *testing.T, n int, mutate func(*Opts)) *env {
	t.Helper()

	s, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	reg := registry.New(registry.Opts{Store: s})
	l := ledger.New(ledger.Opts{Store: s, Registry: reg})

	keys := make([]*ecdsa.PrivateKey, n)
	addrs := make([]common.Address, n)
	for i := range keys {
		keys[i], err = crypto.GenerateKey()
		require.NoError(t, err)
		addrs[i] = crypto.PubkeyToAddress(keys[i].PublicKey)
	}

	opts := Opts{
		Confirmers: NewStaticSet(addrs),
		Ledger:     l,
		Height:     func(context.Context) (uint64, error) { return 42, nil },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &env{coord: NewCoordinator(opts), ledger: l, keys: keys}
}

func makeAtt(t *testing.T, key *ecdsa.PrivateKey, txHash common.Hash, recipient common.Address, amount uint64) *Attestation {
	t.Helper()

	att := &Attestation{
		TxHash:    txHash,
		Recipient: recipient,
		Amount:    amount,
		Timestamp: uint64(time.Now().Unix()),
	}
	require.NoError(t, att.Sign(key))
	return att
}

func TestHasMajority(t *testing.T) {
	cases := []struct {
		n, total int
		want     bool
	}{
		{0, 5, false},
		{3, 5, false},
		{4, 5, true},
		{5, 5, true},
		{2, 3, true},
		{1, 1, true},
		{0, 0, false},
		{66, 100, false},
		{67, 100, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HasMajority(c.n, c.total), "n=%d total=%d", c.n, c.total)
	}
}

func TestMintsAtTwoThirds(t *testing.T) {
	e := newEnv(t, 5, nil)
	ctx := context.Background()

	txHash := common.Hash{1}
	recipient := common.Address{0xaa}

	// three of five votes are below the threshold
	for i := 0; i < 3; i++ {
		require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[i], txHash, recipient, 100)))
	}
	st, ok := e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Pending, st.Status)
	assert.Equal(t, 3, st.Votes)
	assert.Equal(t, 4, st.Needed)

	balance, err := e.ledger.Balance(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance)

	// the fourth vote tips it over
	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[3], txHash, recipient, 100)))

	st, ok = e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Minted, st.Status)

	balance, err = e.ledger.Balance(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)

	// a late fifth vote changes nothing
	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[4], txHash, recipient, 100)))
	supply, err := e.ledger.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), supply)
}

func TestConcurrentVotesMintOnce(t *testing.T) {
	e := newEnv(t, 5, nil)
	ctx := context.Background()

	txHash := common.Hash{2}
	recipient := common.Address{0xbb}

	var wg sync.WaitGroup
	for _, key := range e.keys {
		att := makeAtt(t, key, txHash, recipient, 50)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.coord.ProcessRemoteAttestation(ctx, att)
		}()
	}
	wg.Wait()

	st, ok := e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Minted, st.Status)

	supply, err := e.ledger.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), supply)
}

func TestRejectsDuplicateAndConflictingVotes(t *testing.T) {
	e := newEnv(t, 5, nil)
	ctx := context.Background()

	txHash := common.Hash{3}
	recipient := common.Address{0xaa}

	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[0], txHash, recipient, 100)))

	err := e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[0], txHash, recipient, 100))
	require.ErrorIs(t, err, ErrDuplicateVote)

	err = e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[1], txHash, recipient, 999))
	require.ErrorIs(t, err, ErrConflictingAttestation)

	err = e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[1], txHash, common.Address{0xcc}, 100))
	require.ErrorIs(t, err, ErrConflictingAttestation)

	st, ok := e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, 1, st.Votes)
}

func TestRejectsOutsiderAndForgedVotes(t *testing.T) {
	e := newEnv(t, 3, nil)
	ctx := context.Background()

	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)

	err = e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, outsider, common.Hash{4}, common.Address{0xaa}, 10))
	require.ErrorIs(t, err, ErrUnknownConfirmer)

	// valid confirmer address but the signature is someone else's
	att := makeAtt(t, outsider, common.Hash{4}, common.Address{0xaa}, 10)
	att.Confirmer = crypto.PubkeyToAddress(e.keys[0].PublicKey)
	require.Error(t, e.coord.ProcessRemoteAttestation(ctx, att))

	// tampering after signing breaks verification
	att = makeAtt(t, e.keys[0], common.Hash{4}, common.Address{0xaa}, 10)
	att.Amount = 11
	require.Error(t, e.coord.ProcessRemoteAttestation(ctx, att))
}

func TestSubmitLocalAttestation(t *testing.T) {
	var signer *ecdsa.PrivateKey
	e := newEnv(t, 1, func(opts *Opts) {
		signer = keyFromSet(t, opts)
		opts.Signer = signer
	})
	ctx := context.Background()

	event := &burn.Event{
		TxHash:        common.Hash{5},
		Recipient:     common.Address{0xaa},
		Payload:       burn.Payload{Amount: 25},
		Confirmations: 8,
	}

	// a single-confirmer set mints on its own vote
	att, err := e.coord.SubmitLocalAttestation(ctx, event)
	require.NoError(t, err)
	require.NoError(t, att.Verify())

	supply, err := e.ledger.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), supply)

	// the observed depth is carried onto the round snapshot
	st, ok := e.coord.State(event.TxHash)
	require.True(t, ok)
	assert.Equal(t, uint32(8), st.Confirmations)
}

func TestSubmitLocalAttestationRequiresMembership(t *testing.T) {
	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)
	e := newEnv(t, 3, func(opts *Opts) { opts.Signer = outsider })

	event := &burn.Event{
		TxHash:    common.Hash{11},
		Recipient: common.Address{0xaa},
		Payload:   burn.Payload{Amount: 5},
	}
	_, err = e.coord.SubmitLocalAttestation(context.Background(), event)
	require.ErrorIs(t, err, ErrUnknownConfirmer)

	_, ok := e.coord.State(event.TxHash)
	assert.False(t, ok)
}

// keyFromSet generates a key and swaps the confirmer set to contain exactly
// that key's address.
func keyFromSet(t *testing.T, opts *Opts) *ecdsa.PrivateKey {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts.Confirmers = NewStaticSet([]common.Address{crypto.PubkeyToAddress(key.PublicKey)})
	return key
}

func TestTimeoutFailsAndVoteReopens(t *testing.T) {
	e := newEnv(t, 5, func(opts *Opts) { opts.Timeout = time.Minute })
	ctx := context.Background()

	txHash := common.Hash{6}
	recipient := common.Address{0xaa}

	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[0], txHash, recipient, 10)))

	e.coord.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	e.coord.sweep(ctx)

	st, ok := e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Failed, st.Status)

	// a fresh vote restarts the round from zero counted votes
	e.coord.now = time.Now
	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[1], txHash, recipient, 10)))

	st, ok = e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Pending, st.Status)
	assert.Equal(t, 1, st.Votes)
}

func TestTimeoutAnchoredAtFirstVote(t *testing.T) {
	e := newEnv(t, 5, func(opts *Opts) { opts.Timeout = time.Minute })
	ctx := context.Background()

	txHash := common.Hash{9}
	recipient := common.Address{0xaa}

	base := time.Now()
	e.coord.now = func() time.Time { return base }
	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[0], txHash, recipient, 10)))

	// a straggling minority vote must not push the deadline out
	e.coord.now = func() time.Time { return base.Add(45 * time.Second) }
	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[1], txHash, recipient, 10)))

	e.coord.now = func() time.Time { return base.Add(90 * time.Second) }
	e.coord.sweep(ctx)

	st, ok := e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Failed, st.Status)
}

func TestMintRetriedBySweep(t *testing.T) {
	heightErr := errors.New("height source down")
	failing := true
	e := newEnv(t, 3, func(opts *Opts) {
		opts.Height = func(context.Context) (uint64, error) {
			if failing {
				return 0, heightErr
			}
			return 42, nil
		}
	})
	ctx := context.Background()

	txHash := common.Hash{7}
	recipient := common.Address{0xaa}

	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[0], txHash, recipient, 10)))
	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[1], txHash, recipient, 10)))

	// majority reached but the mint cannot complete yet
	st, ok := e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Reached, st.Status)

	failing = false
	e.coord.sweep(ctx)

	st, ok = e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Minted, st.Status)

	supply, err := e.ledger.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), supply)
}

func TestReopenAfterReorg(t *testing.T) {
	e := newEnv(t, 3, nil)
	ctx := context.Background()

	txHash := common.Hash{8}
	recipient := common.Address{0xaa}

	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[0], txHash, recipient, 10)))
	require.NoError(t, e.coord.ProcessRemoteAttestation(ctx, makeAtt(t, e.keys[1], txHash, recipient, 10)))

	st, ok := e.coord.State(txHash)
	require.True(t, ok)
	require.Equal(t, types.Minted, st.Status)

	e.coord.Reopen(txHash)

	st, ok = e.coord.State(txHash)
	require.True(t, ok)
	assert.Equal(t, types.Pending, st.Status)
	assert.Equal(t, 0, st.Votes)

	pending := e.coord.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, txHash, pending[0].TxHash)
}
