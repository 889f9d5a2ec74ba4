package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/fastnear/near-outlayer-sub001/pkg/coordinator/cache"
)

// handleWasmDownload streams a cached artifact, verifying its hash before
// the first byte is written (spec §4.4).
func (s *Server) handleWasmDownload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	checksum := ps.ByName("checksum")
	rc, size, err := s.cfg.Cache.Reader(checksum)
	if errors.Is(err, cache.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/wasm")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleWasmExists(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	checksum := ps.ByName("checksum")
	writeJSON(w, http.StatusOK, map[string]bool{"exists": s.cfg.Cache.Has(checksum)})
}

const maxUploadBytes = 256 << 20 // 256 MiB, generous for a compiled WASM module

// handleWasmUpload accepts a multipart form with checksum/repo_url/
// commit_hash/wasm_file fields, matching the worker upload client in
// original_source/worker/src/api_client.rs's upload_wasm.
func (s *Server) handleWasmUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	checksum := r.FormValue("checksum")
	repo := r.FormValue("repo_url")
	commit := r.FormValue("commit_hash")
	buildTarget := r.FormValue("build_target")
	if checksum == "" {
		writeError(w, http.StatusBadRequest, "checksum is required")
		return
	}

	file, _, err := r.FormFile("wasm_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "wasm_file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed reading upload")
		return
	}

	if err := s.cfg.Cache.Upload(checksum, repo, commit, buildTarget, data); err != nil {
		if errors.Is(err, cache.ErrChecksumMismatch) {
			writeError(w, http.StatusBadRequest, "uploaded bytes do not match checksum")
			return
		}
		s.log.Error("wasm upload failed", "err", err, "checksum", checksum)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
