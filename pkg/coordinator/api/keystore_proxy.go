package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

var errInvalidUpstreamJSON = errors.New("keystore: upstream response is not valid JSON")

// keystoreProxy forwards a handful of TEE/key endpoints to the keystore
// service, mirroring original_source/coordinator/src/handlers/keystore_proxy.rs's
// proxy_client(): one shared client with a fixed timeout, an optional bearer
// token, and verbatim relay of the upstream status code and JSON body.
type keystoreProxy struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func newKeystoreProxy(baseURL, authToken string) *keystoreProxy {
	return &keystoreProxy{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *keystoreProxy) configured() bool { return p.baseURL != "" }

// forward issues method against path on the keystore with body, returning
// the upstream status code and raw JSON bytes, or an error if the keystore
// was unreachable or replied with something that isn't JSON.
func (p *keystoreProxy) forward(r *http.Request, method, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(r.Context(), method, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	if len(respBody) > 0 && !json.Valid(respBody) {
		return 0, nil, errInvalidUpstreamJSON
	}
	return resp.StatusCode, respBody, nil
}

func (s *Server) relayToKeystore(w http.ResponseWriter, r *http.Request, method, path string) {
	if !s.keystoreProxy.configured() {
		writeError(w, http.StatusBadRequest, "keystore is not configured")
		return
	}
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}
	status, respBody, err := s.keystoreProxy.forward(r, method, path, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "keystore unreachable or returned an invalid response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (s *Server) handleTeeChallenge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.relayToKeystore(w, r, http.MethodPost, "/tee-challenge")
}

func (s *Server) handleRegisterTee(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.relayToKeystore(w, r, http.MethodPost, "/register-tee")
}

func (s *Server) handleKeystorePubkey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.relayToKeystore(w, r, http.MethodGet, "/pubkey")
}
