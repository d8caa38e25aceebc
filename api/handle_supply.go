package api

import (
	"net/http"
)

func (s *Server) handleSupplyGet(w http.ResponseWriter, r *http.Request) {
	supply, err := s.bridge.TotalSupply(r.Context())
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"totalSupply": supply})
}

// Runs the full supply audit. An inconsistent ledger answers 500 so
// monitoring trips immediately.
func (s *Server) handleSupplyVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.bridge.VerifySupply(r.Context())
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	if !report.Consistent {
		JSON(w, http.StatusInternalServerError, report)
		return
	}
	JSON(w, http.StatusOK, report)
}
