package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/store"
)

const defaultLockTTL = 5 * time.Minute

type acquireLockRequest struct {
	Key       string `json:"key"`
	Holder    string `json:"holder"`
	TTLSecs   int64  `json:"ttl_secs,omitempty"`
}

// handleLockAcquire wraps store.AcquireLock, used by workers to dedupe
// compilation of identical source fingerprints (spec §4.3 step 2).
func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req acquireLockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" || req.Holder == "" {
		writeError(w, http.StatusBadRequest, "key and holder are required")
		return
	}
	ttl := defaultLockTTL
	if req.TTLSecs > 0 {
		ttl = time.Duration(req.TTLSecs) * time.Second
	}

	if err := s.cfg.Store.AcquireLock(req.Key, req.Holder, ttl); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			writeError(w, http.StatusConflict, "lock is held by another holder")
			return
		}
		writeError(w, http.StatusInternalServerError, "acquire failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acquired": true})
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	holder := r.URL.Query().Get("holder")
	if holder == "" {
		writeError(w, http.StatusBadRequest, "holder query parameter is required")
		return
	}
	if err := s.cfg.Store.ReleaseLock(key, holder); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}
