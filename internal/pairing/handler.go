// Package pairing implements the short-lived, single-use pairing
// handshake (spec §4.2): a client GETs its token to fetch the server's
// public key, then POSTs its own public key to complete the ECDH
// exchange and receive a device id. Grounded on getfinn-finn's
// internal/auth/oauth.go — a token-gated http.ServeMux handler backed
// by an http.Server — generalized from "wait for an OAuth callback" to
// "validate a pairing token and complete a handshake".
package pairing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/pairdaemon/pairdaemon/internal/store"
)

// Pairer is the subset of store.Store the handler needs.
type Pairer interface {
	CanPair(token string) bool
	ConsumeAndPair(token, peerPublicKeyB64 string) (store.Device, error)
	ServerPublicKey() string
}

// Handler serves GET/POST /pair/{token}. clientURL, if non-empty, is
// where HTML-accepting browsers are redirected with the token attached
// (the chat client's own page handles the handshake from there).
type Handler struct {
	store     Pairer
	clientURL string
}

// NewHandler builds the pairing handler.
func NewHandler(s Pairer, clientURL string) *Handler {
	return &Handler{store: s, clientURL: clientURL}
}

type pairGetResponse struct {
	ServerPublicKey string `json:"serverPublicKey"`
}

type pairPostRequest struct {
	ClientPublicKey string `json:"clientPublicKey"`
}

type pairPostResponse struct {
	ServerPublicKey string `json:"serverPublicKey"`
	DeviceID        string `json:"deviceId"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/pair/")
	if token == "" || strings.Contains(token, "/") {
		http.Error(w, "missing pairing token", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, token)
	case http.MethodPost:
		h.handlePost(w, r, token)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, token string) {
	if h.clientURL != "" && wantsHTML(r) {
		http.Redirect(w, r, h.clientURL+"?token="+token, http.StatusFound)
		return
	}

	if !h.store.CanPair(token) {
		http.Error(w, "invalid or already-consumed pairing token", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, pairGetResponse{ServerPublicKey: h.store.ServerPublicKey()})
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request, token string) {
	var req pairPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientPublicKey == "" {
		http.Error(w, "missing clientPublicKey", http.StatusBadRequest)
		return
	}

	device, err := h.store.ConsumeAndPair(token, req.ClientPublicKey)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyPaired):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, store.ErrInvalidToken):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, pairPostResponse{
		ServerPublicKey: h.store.ServerPublicKey(),
		DeviceID:        device.ID,
	})
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
