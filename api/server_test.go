package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cintara-network/bridge-core/bridge"
	"github.com/cintara-network/bridge-core/burn"
	"github.com/cintara-network/bridge-core/consensus"
	"github.com/cintara-network/bridge-core/ledger"
	"github.com/cintara-network/bridge-core/registry"
	"github.com/cintara-network/bridge-core/store"
)

type env struct {
	server Server
	bridge *bridge.Bridge
	keys   []*ecdsa.PrivateKey
}

func newEnv(t *testing.T) *env {
	t.Helper()

	s, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	reg := registry.New(registry.Opts{Store: s})
	led := ledger.New(ledger.Opts{Store: s, Registry: reg})

	keys := make([]*ecdsa.PrivateKey, 3)
	addrs := make([]common.Address, 3)
	for i := range keys {
		keys[i], err = crypto.GenerateKey()
		require.NoError(t, err)
		addrs[i] = crypto.PubkeyToAddress(keys[i].PublicKey)
	}

	coord := consensus.NewCoordinator(consensus.Opts{
		Confirmers: consensus.NewStaticSet(addrs),
		Ledger:     led,
		Signer:     keys[0],
		Height:     func(context.Context) (uint64, error) { return 42, nil },
	})

	br := bridge.New(bridge.Opts{
		ChainID:     7,
		Validator:   burn.NewValidator(burn.ValidatorOpts{ChainID: 7}),
		Registry:    reg,
		Ledger:      led,
		Coordinator: coord,
	})

	return &env{
		server: NewServer(ServerOpts{Bridge: br}),
		bridge: br,
		keys:   keys,
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

// mint drives a burn through attestations so queries have data to return.
func mint(t *testing.T, e *env, amount uint64) (common.Hash, common.Address) {
	t.Helper()

	recipientKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	recipient := crypto.PubkeyToAddress(recipientKey.PublicKey)

	script, err := e.bridge.CreateBurnScript(crypto.CompressPubkey(&recipientKey.PublicKey), amount)
	require.NoError(t, err)

	tx := &burn.Tx{
		Inputs:  []burn.TxIn{{Value: amount + 1}},
		Outputs: []burn.TxOut{{Value: 0, Script: script}},
		Fee:     1,
	}
	res, err := e.bridge.OnL1Transaction(context.Background(), tx, 6)
	require.NoError(t, err)
	require.Equal(t, burn.Valid, res.Verdict)

	for _, key := range e.keys[1:2] {
		att := &consensus.Attestation{TxHash: tx.Hash(), Recipient: recipient, Amount: amount}
		require.NoError(t, att.Sign(key))
		require.NoError(t, e.bridge.OnAttestation(context.Background(), att))
	}
	return tx.Hash(), recipient
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBurnCreateEndpoint(t *testing.T) {
	e := newEnv(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/v1/burns", createBurnRequest{
		RecipientPubKey: crypto.CompressPubkey(&key.PublicKey),
		Amount:          100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createBurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	payload, err := burn.ParseScript(resp.Script)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), payload.ChainID)
	assert.Equal(t, uint64(100), payload.Amount)

	// the unsigned skeleton carries the burn output and nothing else
	tx, err := burn.DecodeTx(resp.UnsignedTx)
	require.NoError(t, err)
	assert.Empty(t, tx.Inputs)
	require.Len(t, tx.Outputs, 1)
	assert.Equal(t, uint64(0), tx.Outputs[0].Value)
	assert.Equal(t, []byte(resp.Script), tx.Outputs[0].Script)

	// malformed key is a client error
	rec = e.do(t, http.MethodPost, "/v1/burns", createBurnRequest{
		RecipientPubKey: hexutil.Bytes{0x01},
		Amount:          100,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBurnStatusEndpoint(t *testing.T) {
	e := newEnv(t)
	txHash, _ := mint(t, e, 100)

	rec := e.do(t, http.MethodGet, "/v1/burns/"+txHash.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status bridge.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "MINTED", string(status.Status))
	assert.True(t, status.Credited)
	assert.Equal(t, uint32(6), status.Confirmations)
	require.NotNil(t, status.Record)
	assert.Equal(t, uint64(100), status.Record.Amount)

	rec = e.do(t, http.MethodGet, "/v1/burns/"+common.Hash{0xff}.Hex(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/burns/nothex", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSupplyEndpoints(t *testing.T) {
	e := newEnv(t)
	mint(t, e, 100)

	rec := e.do(t, http.MethodGet, "/v1/supply", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"totalSupply":100}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/v1/supply/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report bridge.SupplyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Consistent)
	assert.Equal(t, uint64(100), report.TotalSupply)
	assert.Equal(t, uint64(100), report.SumBalances)
	assert.Equal(t, uint64(100), report.TotalBurned)
}

func TestAddressEndpoints(t *testing.T) {
	e := newEnv(t)
	_, recipient := mint(t, e, 100)

	rec := e.do(t, http.MethodGet, fmt.Sprintf("/v1/addresses/%s/burns", recipient.Hex()), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/v1/addresses/%s/balance", recipient.Hex()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":100`)

	rec = e.do(t, http.MethodGet, "/v1/addresses/notanaddress/burns", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMintsEndpoint(t *testing.T) {
	e := newEnv(t)
	mint(t, e, 100)

	rec := e.do(t, http.MethodGet, "/v1/mints?from=0&to=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)

	rec = e.do(t, http.MethodGet, "/v1/mints?from=43&to=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestAttestationEndpoint(t *testing.T) {
	e := newEnv(t)

	att := &consensus.Attestation{
		TxHash:    common.Hash{1},
		Recipient: common.Address{0xaa},
		Amount:    10,
	}
	require.NoError(t, att.Sign(e.keys[0]))

	rec := e.do(t, http.MethodPost, "/v1/attestations", att)
	assert.Equal(t, http.StatusOK, rec.Code)

	// same vote again conflicts
	rec = e.do(t, http.MethodPost, "/v1/attestations", att)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// outsider is rejected
	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)
	att2 := &consensus.Attestation{TxHash: common.Hash{1}, Recipient: common.Address{0xaa}, Amount: 10}
	require.NoError(t, att2.Sign(outsider))
	rec = e.do(t, http.MethodPost, "/v1/attestations", att2)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/attestations", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
