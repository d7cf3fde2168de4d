package apiserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/sealedline/e2ee-core/internal/config"
	"github.com/sealedline/e2ee-core/internal/keymanager"
	"github.com/sealedline/e2ee-core/internal/storage"
)

const testSecret = "test-jwt-secret"

func newTestServer(t *testing.T, selfPeerID string) (*Server, *keymanager.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee-core.db")
	store, err := storage.Open(path, "test-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys := keymanager.New(store)
	require.NoError(t, keys.Initialize())

	srv := New(store, keys, nil, selfPeerID, testSecret, "", 2*time.Second)
	return srv, keys
}

func bearerFor(t *testing.T, peerID string) string {
	t.Helper()
	claims := Claims{
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, "alice")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, "alice")
	req := httptest.NewRequest(http.MethodGet, "/users/prekeys/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t, "alice")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{PeerID: "alice"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/users/prekeys/status", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusEndpointReportsPoolCounts(t *testing.T) {
	srv, _ := newTestServer(t, "alice")

	req := httptest.NewRequest(http.MethodGet, "/users/prekeys/status", nil)
	req.Header.Set("Authorization", bearerFor(t, "alice"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Greater(t, status.OneTimeCount, 0)
}

func TestUploadPrekeysRejectsOtherIdentity(t *testing.T) {
	srv, _ := newTestServer(t, "alice")

	body, err := json.Marshal(prekeyBundleUploadPayload{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/users/prekeys", bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "mallory"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadPrekeysAcceptsSelf(t *testing.T) {
	srv, keys := newTestServer(t, "alice")

	pending, err := keys.GetPendingUpload()
	require.NoError(t, err)
	require.NotEmpty(t, pending.OneTimePrekeys)

	payload := prekeyBundleUploadPayload{
		IdentityKey: "irrelevant-for-mark-uploaded",
	}
	for _, otk := range pending.OneTimePrekeys {
		payload.OneTimePrekeys = append(payload.OneTimePrekeys, oneTimePrekeyWire{KeyID: otk.KeyID})
	}
	payload.SignedPrekey = &signedPrekeyWire{KeyID: pending.SignedPrekey.KeyID}

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/users/prekeys", bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "alice"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	pendingAfter, err := keys.GetPendingUpload()
	require.NoError(t, err)
	require.Len(t, pendingAfter.OneTimePrekeys, config.OneTimePrekeyTarget-config.MaxUploadBatch)
	for _, otk := range pendingAfter.OneTimePrekeys {
		for _, uploaded := range payload.OneTimePrekeys {
			require.NotEqual(t, uploaded.KeyID, otk.KeyID)
		}
	}
}

func TestFetchOwnBundleDispensesOneTimePrekeyOnce(t *testing.T) {
	srv, _ := newTestServer(t, "alice")

	fetch := func() remotePrekeyBundle {
		req := httptest.NewRequest(http.MethodGet, "/users/alice/prekeys", nil)
		req.Header.Set("Authorization", bearerFor(t, "bob"))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var bundle remotePrekeyBundle
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&bundle))
		return bundle
	}

	first := fetch()
	require.NotNil(t, first.SignedPrekey)
	require.NotEmpty(t, first.SignedPrekey.PublicKey)
	require.NotNil(t, first.OneTimePrekey)

	second := fetch()
	require.NotNil(t, second.OneTimePrekey)
	require.NotEqual(t, first.OneTimePrekey.KeyID, second.OneTimePrekey.KeyID,
		"each fetch must dispense a distinct one-time prekey, never reuse one already consumed")
}

func TestFetchUnknownPeerReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "alice")

	req := httptest.NewRequest(http.MethodGet, "/users/ghost/prekeys", nil)
	req.Header.Set("Authorization", bearerFor(t, "bob"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecodeRemoteBundleRoundTrips(t *testing.T) {
	srv, _ := newTestServer(t, "alice")

	req := httptest.NewRequest(http.MethodGet, "/users/alice/prekeys", nil)
	req.Header.Set("Authorization", bearerFor(t, "bob"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	bundle, err := DecodeRemoteBundle(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotNil(t, bundle.OneTimePrekeyPub)
	require.NotEmpty(t, bundle.Fingerprint)
}

func TestDecodeRemoteBundleRejectsMissingSignedPrekey(t *testing.T) {
	body, err := json.Marshal(remotePrekeyBundle{IdentityKey: "abc"})
	require.NoError(t, err)
	_, err = DecodeRemoteBundle(body)
	require.Error(t, err)
}
