// Package apiserver exposes the three prekey-directory HTTP endpoints
// of spec §6 (upload, status, fetch) over gorilla/mux, the way
// cmd/chatserver/main.go layers its own REST API: a plain router, a
// CORS wrapper, and a JWT bearer-auth middleware on the routes that
// need it.
package apiserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/sealedline/e2ee-core/internal/config"
	"github.com/sealedline/e2ee-core/internal/discovery"
	"github.com/sealedline/e2ee-core/internal/e2eerr"
	"github.com/sealedline/e2ee-core/internal/keymanager"
	"github.com/sealedline/e2ee-core/internal/metrics"
	"github.com/sealedline/e2ee-core/internal/obslog"
	"github.com/sealedline/e2ee-core/internal/storage"
	"github.com/sealedline/e2ee-core/internal/x3dh"
)

var logger = obslog.APIServer

// Claims identifies the bearer of a prekey-directory token: the peer
// id it is allowed to publish as. Fetch and status routes accept any
// token signed with the shared secret; publish additionally requires
// PeerID to match this server's own selfPeerID.
type Claims struct {
	PeerID string `json:"peer_id"`
	jwt.RegisteredClaims
}

// Server binds the spec §6 endpoints for this identity and, for peer
// ids other than its own, proxies the fetch to the first healthy
// daemon instance discovery returns (or the static peerBaseURL). The
// peer id plays no part in choosing the instance.
type Server struct {
	router *mux.Router

	store *storage.Store
	keys  *keymanager.Manager
	disc  *discovery.Registry

	selfPeerID  string
	jwtSecret   []byte
	peerBaseURL string
	fetchClient *http.Client
}

// New builds a Server. selfPeerID is the identifier this daemon
// publishes itself under; peerBaseURL is used to resolve other peers'
// addresses when disc is nil (Consul disabled).
func New(store *storage.Store, keys *keymanager.Manager, disc *discovery.Registry, selfPeerID, jwtSecret, peerBaseURL string, fetchTimeout time.Duration) *Server {
	s := &Server{
		store:       store,
		keys:        keys,
		disc:        disc,
		selfPeerID:  selfPeerID,
		jwtSecret:   []byte(jwtSecret),
		peerBaseURL: peerBaseURL,
		fetchClient: &http.Client{Timeout: fetchTimeout},
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/users").Subrouter()
	api.Use(metrics.Middleware)

	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.authMiddleware)
	protected.HandleFunc("/prekeys", s.handleUploadPrekeys).Methods("POST")
	protected.HandleFunc("/prekeys/status", s.handleStatus).Methods("GET")
	protected.HandleFunc("/{peerId}/prekeys", s.handleFetchPeerBundle).Methods("GET")

	return r
}

// Handler returns the fully wrapped HTTP handler (router + CORS),
// ready to hand to an http.Server.
func (s *Server) Handler() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	})
	return corsHandler.Handler(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authMiddleware verifies the bearer token's HMAC signature against
// the configured shared secret. It does not reject based on PeerID —
// handlers that need the publishing identity to match the route do
// that check themselves.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := s.parseBearer(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsContextKey struct{}

func (s *Server) parseBearer(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, fmt.Errorf("apiserver: missing bearer token")
	}
	raw := header[len(prefix):]

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("apiserver: unexpected signing method %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("apiserver: token invalid: %w", err)
	}
	return claims, nil
}

func claimsFrom(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsContextKey{}).(*Claims)
	return claims
}

// --- wire shapes (spec §6) ---

type signedPrekeyWire struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	CreatedAt uint64 `json:"createdAt,omitempty"`
}

type oneTimePrekeyWire struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type prekeyBundleUploadPayload struct {
	IdentityKey    string              `json:"identityKey"`
	SigningKey     string              `json:"signingKey"`
	Fingerprint    string              `json:"fingerprint"`
	SignedPrekey   *signedPrekeyWire   `json:"signedPrekey"`
	OneTimePrekeys []oneTimePrekeyWire `json:"oneTimePrekeys"`
}

type remotePrekeyBundle struct {
	IdentityKey    string             `json:"identityKey"`
	SigningKey     string             `json:"signingKey"`
	Fingerprint    string             `json:"fingerprint"`
	SignedPrekey   *signedPrekeyWire  `json:"signedPrekey"`
	OneTimePrekey  *oneTimePrekeyWire `json:"oneTimePrekey"`
}

type statusResponse struct {
	OneTimeCount    int    `json:"oneTimeCount"`
	SignedPrekeyAge uint64 `json:"signedPrekeyAge"`
}

// handleUploadPrekeys accepts this identity's own not-yet-uploaded
// material and marks it uploaded. Only the bearer matching selfPeerID
// may publish — this daemon only ever has one local identity to
// publish on behalf of.
func (s *Server) handleUploadPrekeys(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.PeerID != s.selfPeerID {
		http.Error(w, "forbidden: may only publish your own bundle", http.StatusForbidden)
		return
	}

	var payload prekeyBundleUploadPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	oneTimeIDs := make([]uint32, 0, len(payload.OneTimePrekeys))
	for _, otk := range payload.OneTimePrekeys {
		oneTimeIDs = append(oneTimeIDs, otk.KeyID)
	}
	if err := s.keys.MarkUploaded(oneTimeIDs, payload.SignedPrekey != nil); err != nil {
		logger.Printf("mark uploaded failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStatus reports local prekey pool health for this identity.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountOneTimePrekeys()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	spk, exists, err := s.store.LoadSignedPrekey()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := statusResponse{OneTimeCount: count}
	if exists {
		resp.SignedPrekeyAge = uint64(time.Since(spk.CreatedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFetchPeerBundle serves this identity's own bundle when
// :peerId matches selfPeerID, and otherwise proxies the request to the
// first healthy instance discovery returns (or the static peerBaseURL
// fallback); which instance holds :peerId is not looked up.
func (s *Server) handleFetchPeerBundle(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peerId"]
	if peerID == s.selfPeerID {
		s.serveOwnBundle(w, r)
		return
	}
	s.proxyFetch(w, r, peerID)
}

func (s *Server) serveOwnBundle(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.keys.OwnBundle()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := remotePrekeyBundle{
		IdentityKey: base64.StdEncoding.EncodeToString(bundle.IdentityPub[:]),
		SigningKey:  base64.StdEncoding.EncodeToString(bundle.SigningPub),
		Fingerprint: bundle.Fingerprint,
		SignedPrekey: &signedPrekeyWire{
			KeyID:     bundle.SignedPrekeyID,
			PublicKey: base64.StdEncoding.EncodeToString(bundle.SignedPrekeyPub[:]),
			Signature: base64.StdEncoding.EncodeToString(bundle.SignedPrekeySig),
		},
	}

	spk, exists, err := s.store.LoadSignedPrekey()
	if err == nil && exists {
		resp.SignedPrekey.CreatedAt = uint64(spk.CreatedAt.Unix())
	}

	otk, err := s.store.GetPendingOneTimePrekeys(1)
	if err == nil && len(otk) > 0 {
		candidate := otk[0]
		if consumed, dok, cerr := s.keys.ConsumeOneTimePrekey(candidate.KeyID); cerr == nil && dok {
			resp.OneTimePrekey = &oneTimePrekeyWire{
				KeyID:     consumed.KeyID,
				PublicKey: base64.StdEncoding.EncodeToString(consumed.Pub[:]),
			}
			if count, cerr2 := s.store.CountOneTimePrekeys(); cerr2 == nil && count < config.MinPool {
				if terr := s.keys.TopUpOneTimePrekeys(); terr != nil {
					logger.Printf("one-time prekey pool top-up failed: %v", terr)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) proxyFetch(w http.ResponseWriter, r *http.Request, peerID string) {
	base, err := s.resolvePeerBase(peerID)
	if err != nil {
		http.Error(w, e2eerr.ErrRecipientNotProvisioned.Error(), http.StatusNotFound)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, base+"/users/"+peerID+"/prekeys", nil)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Authorization", r.Header.Get("Authorization"))

	resp, err := s.fetchClient.Do(req)
	if err != nil {
		http.Error(w, e2eerr.ErrNetwork.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Server) resolvePeerBase(peerID string) (string, error) {
	if s.disc != nil {
		addrs, err := s.disc.HealthyPeerAddresses()
		if err == nil && len(addrs) > 0 {
			return addrs[0], nil
		}
	}
	if s.peerBaseURL != "" {
		return s.peerBaseURL, nil
	}
	return "", e2eerr.ErrRecipientNotProvisioned
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeRemoteBundle converts a wire RemotePrekeyBundle response into
// an x3dh.Bundle, as bundlecache's Fetcher does after an HTTP fetch.
func DecodeRemoteBundle(body []byte) (x3dh.Bundle, error) {
	var wire remotePrekeyBundle
	if err := json.Unmarshal(body, &wire); err != nil {
		return x3dh.Bundle{}, fmt.Errorf("%w: decode bundle: %v", e2eerr.ErrBadBundle, err)
	}
	if wire.SignedPrekey == nil {
		return x3dh.Bundle{}, e2eerr.ErrBadBundle
	}

	identityPub, err := decode32(wire.IdentityKey)
	if err != nil {
		return x3dh.Bundle{}, fmt.Errorf("%w: identity key: %v", e2eerr.ErrBadBundle, err)
	}
	signingPub, err := base64.StdEncoding.DecodeString(wire.SigningKey)
	if err != nil {
		return x3dh.Bundle{}, fmt.Errorf("%w: signing key: %v", e2eerr.ErrBadBundle, err)
	}
	signedPrekeyPub, err := decode32(wire.SignedPrekey.PublicKey)
	if err != nil {
		return x3dh.Bundle{}, fmt.Errorf("%w: signed prekey: %v", e2eerr.ErrBadBundle, err)
	}
	sig, err := base64.StdEncoding.DecodeString(wire.SignedPrekey.Signature)
	if err != nil {
		return x3dh.Bundle{}, fmt.Errorf("%w: signature: %v", e2eerr.ErrBadBundle, err)
	}

	bundle := x3dh.Bundle{
		IdentityPub:     identityPub,
		SigningPub:      signingPub,
		SignedPrekeyPub: signedPrekeyPub,
		SignedPrekeySig: sig,
		SignedPrekeyID:  wire.SignedPrekey.KeyID,
		Fingerprint:     wire.Fingerprint,
	}
	if wire.OneTimePrekey != nil {
		otkPub, err := decode32(wire.OneTimePrekey.PublicKey)
		if err != nil {
			return x3dh.Bundle{}, fmt.Errorf("%w: one-time prekey: %v", e2eerr.ErrBadBundle, err)
		}
		id := wire.OneTimePrekey.KeyID
		bundle.OneTimePrekeyID = &id
		bundle.OneTimePrekeyPub = &otkPub
	}
	return bundle, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
