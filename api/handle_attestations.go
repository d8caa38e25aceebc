package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cintara-network/bridge-core/consensus"
)

// Receives a vote from a peer confirmer.
func (s *Server) handleAttestationPost(w http.ResponseWriter, r *http.Request) {
	var att consensus.Attestation
	if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
		ERROR(w, http.StatusBadRequest, fmt.Errorf("invalid attestation body: %w", err))
		return
	}

	err := s.bridge.OnAttestation(r.Context(), &att)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
	case errors.Is(err, consensus.ErrUnknownConfirmer):
		ERROR(w, http.StatusForbidden, err)
	case errors.Is(err, consensus.ErrDuplicateVote),
		errors.Is(err, consensus.ErrConflictingAttestation):
		ERROR(w, http.StatusConflict, err)
	default:
		ERROR(w, http.StatusBadRequest, err)
	}
}
