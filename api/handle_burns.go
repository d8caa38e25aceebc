package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/cintara-network/bridge-core/store"
)

type createBurnRequest struct {
	RecipientPubKey hexutil.Bytes `json:"recipientPubKey"`
	Amount          uint64        `json:"amount"`
}

type createBurnResponse struct {
	UnsignedTx hexutil.Bytes `json:"unsignedTx"`
	Script     hexutil.Bytes `json:"script"`
}

// Builds an unsigned transaction skeleton carrying the unspendable burn
// output for a recipient key and amount. The caller adds funding inputs and
// signs it before broadcasting on L1; no state changes here.
func (s *Server) handleBurnCreate(w http.ResponseWriter, r *http.Request) {
	var req createBurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	tx, err := s.bridge.CreateUnsignedBurnTx(req.RecipientPubKey, req.Amount)
	if err != nil {
		ERROR(w, http.StatusBadRequest, err)
		return
	}

	JSON(w, http.StatusOK, createBurnResponse{
		UnsignedTx: tx.Encode(),
		Script:     tx.Outputs[0].Script,
	})
}

func (s *Server) handleBurnGet(w http.ResponseWriter, r *http.Request) {
	raw, err := hexutil.Decode(chi.URLParam(r, "txHash"))
	if err != nil || len(raw) != common.HashLength {
		ERROR(w, http.StatusBadRequest, errors.New("invalid transaction hash"))
		return
	}

	status, err := s.bridge.BurnStatus(r.Context(), common.BytesToHash(raw))
	if errors.Is(err, store.ErrNotFound) {
		ERROR(w, http.StatusNotFound, errors.New("burn not found"))
		return
	}
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, status)
}

func (s *Server) handleBurnsPending(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.bridge.PendingBurns())
}

func (s *Server) handleMintsGet(w http.ResponseWriter, r *http.Request) {
	// Get query parameters
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		from = 0
	}

	to, err := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		to = ^uint64(0)
	}

	records, err := s.bridge.MintHistory(r.Context(), from, to)
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, records)
}

func (s *Server) handleAddressBurns(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		ERROR(w, http.StatusBadRequest, errors.New("invalid address"))
		return
	}

	records, err := s.bridge.BurnsForAddress(r.Context(), common.HexToAddress(addr))
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, records)
}

func (s *Server) handleAddressBalance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		ERROR(w, http.StatusBadRequest, errors.New("invalid address"))
		return
	}

	balance, err := s.bridge.Balance(r.Context(), common.HexToAddress(addr))
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"address": common.HexToAddress(addr).Hex(),
		"balance": balance,
	})
}
