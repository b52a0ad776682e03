package pairing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pairdaemon/pairdaemon/internal/crypto"
	"github.com/pairdaemon/pairdaemon/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestGetReturnsServerPublicKey(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "")
	token := s.PairingToken()

	req := httptest.NewRequest(http.MethodGet, "/pair/"+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp pairGetResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, s.ServerPublicKey(), resp.ServerPublicKey)
}

func TestGetWithBadTokenReturns400(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "")

	req := httptest.NewRequest(http.MethodGet, "/pair/not-the-token", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHTMLAcceptRedirectsToClient(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "https://chat.example/pair")
	token := s.PairingToken()

	req := httptest.NewRequest(http.MethodGet, "/pair/"+token, nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), token)
}

func TestPostCompletesHandshakeAndReturnsDeviceID(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "")
	token := s.PairingToken()

	clientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	body := strings.NewReader(`{"clientPublicKey":"` + clientKP.PublicKey + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/pair/"+token, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp pairPostResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.DeviceID)
	require.Equal(t, s.ServerPublicKey(), resp.ServerPublicKey)

	devices := s.Devices()
	require.Len(t, devices, 1)
	require.Equal(t, resp.DeviceID, devices[0].ID)
}

// TestSecondGetAfterPairingFails exercises spec §8 property 6: once a
// device has paired, the token can no longer be used: pairing clears
// it, and the single-pairing-at-a-time policy rejects any token while a
// device exists.
func TestSecondGetAfterPairingFails(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "")
	token := s.PairingToken()

	clientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	body := strings.NewReader(`{"clientPublicKey":"` + clientKP.PublicKey + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/pair/"+token, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/pair/"+token, nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestPostSecondPairingReturns409(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "")
	token := s.PairingToken()

	clientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	body := strings.NewReader(`{"clientPublicKey":"` + clientKP.PublicKey + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/pair/"+token, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	newToken, err := s.MintPairingToken()
	require.NoError(t, err)
	otherKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	body2 := strings.NewReader(`{"clientPublicKey":"` + otherKP.PublicKey + `"}`)
	req2 := httptest.NewRequest(http.MethodPost, "/pair/"+newToken, body2)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestStore(t)
	h := NewHandler(s, "")
	token := s.PairingToken()

	req := httptest.NewRequest(http.MethodDelete, "/pair/"+token, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
