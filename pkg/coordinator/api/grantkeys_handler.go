package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/grantkeys"
)

type createGrantKeyRequest struct {
	Owner          string   `json:"owner"`
	InitialBalance string   `json:"initial_balance"`
	ProjectIDs     []string `json:"project_ids"`
	MaxPerCall     string   `json:"max_per_call"`
	Note           string   `json:"note,omitempty"`
}

// handleGrantKeyCreate mints a non-withdrawable payment key, grounded on
// original_source/coordinator/src/handlers/grant_keys.rs's create_grant_key.
// The raw key is returned exactly once, here, never again.
func (s *Server) handleGrantKeyCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createGrantKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Owner == "" || req.InitialBalance == "" || req.MaxPerCall == "" {
		writeError(w, http.StatusBadRequest, "owner, initial_balance and max_per_call are required")
		return
	}

	result, err := s.cfg.GrantKeys.Create(grantkeys.CreateInput{
		Owner:          req.Owner,
		InitialBalance: req.InitialBalance,
		ProjectIDs:     req.ProjectIDs,
		MaxPerCall:     req.MaxPerCall,
		Note:           req.Note,
	})
	if err != nil {
		s.log.Error("grant key creation failed", "err", err, "owner", req.Owner)
		writeError(w, http.StatusInternalServerError, "creation failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGrantKeyList(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner := ps.ByName("owner")
	list, err := s.cfg.GrantKeys.ListByOwner(owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grant_keys": list})
}

func (s *Server) handleGrantKeyDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner := ps.ByName("owner")
	nonce, err := strconv.ParseUint(ps.ByName("nonce"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid nonce")
		return
	}
	if err := s.cfg.GrantKeys.Delete(owner, nonce); err != nil {
		if errors.Is(err, grantkeys.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such grant key")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
