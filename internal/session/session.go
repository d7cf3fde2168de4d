// Package session owns the per-peer SessionRecord lifecycle: running
// X3DH and initializing the Double Ratchet on first contact with a
// peer, detecting the peer's signed-prekey rotation, and wiring
// encrypt/decrypt calls through to the ratchet package. It wraps the
// storage layer and serializes access the way the teacher's session
// manager wraps a database handle.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sealedline/e2ee-core/internal/bundlecache"
	"github.com/sealedline/e2ee-core/internal/e2eerr"
	"github.com/sealedline/e2ee-core/internal/keymanager"
	"github.com/sealedline/e2ee-core/internal/metrics"
	"github.com/sealedline/e2ee-core/internal/obslog"
	"github.com/sealedline/e2ee-core/internal/ratchet"
	"github.com/sealedline/e2ee-core/internal/storage"
	"github.com/sealedline/e2ee-core/internal/x3dh"
)

var logger = obslog.Session

// Manager runs session establishment and message encrypt/decrypt for
// every peer this identity talks to.
type Manager struct {
	store   *storage.Store
	keys    *keymanager.Manager
	bundles *bundlecache.Cache

	mu         sync.Mutex
	peerLocks  map[string]*sync.Mutex
	inflight   map[string]*establishFuture
}

type establishFuture struct {
	done chan struct{}
	rec  storage.SessionRecord
	err  error
}

// New wraps a Store, its owning identity's keymanager, and a bundle
// fetcher with session-lifecycle operations.
func New(store *storage.Store, keys *keymanager.Manager, bundles *bundlecache.Cache) *Manager {
	return &Manager{
		store:     store,
		keys:      keys,
		bundles:   bundles,
		peerLocks: make(map[string]*sync.Mutex),
		inflight:  make(map[string]*establishFuture),
	}
}

func (m *Manager) peerLock(peerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.peerLocks[peerID]
	if !ok {
		l = &sync.Mutex{}
		m.peerLocks[peerID] = l
	}
	return l
}

// ensureSession returns a ready session for peerID, running
// establishSession if none exists yet. Concurrent callers for the
// same peerID share the outcome of a single in-flight establishment.
func (m *Manager) ensureSession(ctx context.Context, peerID string) (storage.SessionRecord, error) {
	rec, ok, err := m.store.LoadSession(peerID)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if ok && rec.Status == storage.StatusReady {
		return rec, nil
	}

	m.mu.Lock()
	if f, ok := m.inflight[peerID]; ok {
		m.mu.Unlock()
		<-f.done
		return f.rec, f.err
	}
	f := &establishFuture{done: make(chan struct{})}
	m.inflight[peerID] = f
	m.mu.Unlock()

	rec, err = m.establishSession(ctx, peerID)
	f.rec, f.err = rec, err
	close(f.done)

	m.mu.Lock()
	delete(m.inflight, peerID)
	m.mu.Unlock()

	return rec, err
}

// establishSession fetches the peer's bundle, runs X3DH as initiator,
// initializes a sending RatchetState, and persists the resulting
// session with its X3DHSendHint populated.
func (m *Manager) establishSession(ctx context.Context, peerID string) (rec storage.SessionRecord, err error) {
	start := time.Now()
	result := "ok"
	defer func() {
		metrics.RecordSessionEstablishment("initiator", result, time.Since(start))
	}()

	bundle, err := m.bundles.Get(ctx, peerID)
	if err != nil {
		if e2eerr.Is(err, e2eerr.ErrBadBundle) {
			result = "bad_bundle"
		} else {
			result = "network"
		}
		return storage.SessionRecord{}, err
	}

	id, err := m.keys.Identity()
	if err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}

	x3dhResult, err := x3dh.RunInitiator(id.Seed, bundle)
	if err != nil {
		if e2eerr.Is(err, e2eerr.ErrBadBundle) {
			result = "bad_bundle"
		} else {
			result = "error"
		}
		return storage.SessionRecord{}, err
	}

	state, err := ratchet.NewInitiatorState(x3dhResult.SharedSecret, x3dhResult.RemoteSignedPrekeyPub)
	if err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}
	stateBytes, err := state.Marshal()
	if err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}

	rec = storage.SessionRecord{
		PeerID:                peerID,
		RemoteIdentityPub:     x3dhResult.RemoteIdentityPub,
		RemoteSignedPrekeyPub: x3dhResult.RemoteSignedPrekeyPub,
		RemoteSignedPrekeyID:  x3dhResult.RemoteSignedPrekeyID,
		RemoteFingerprint:     bundle.Fingerprint,
		RatchetState:          stateBytes,
		Status:                storage.StatusReady,
		X3DHSendHint: &storage.X3DHSendHint{
			OurIdentityPub:  id.IdentityPub,
			EphemeralPub:    x3dhResult.EphemeralPub,
			SignedPrekeyID:  x3dhResult.RemoteSignedPrekeyID,
			OneTimePrekeyID: x3dhResult.RemoteOneTimePrekeyID,
		},
	}
	if err = m.store.SaveSession(rec); err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}
	logger.Printf("established session with %s (signed prekey %d)", peerID, x3dhResult.RemoteSignedPrekeyID)
	return rec, nil
}

// checkRotation refetches the peer's bundle and, if its signed-prekey
// id has moved on from the one this session was established against,
// drops the session so the next ensureSession re-establishes against
// the new key. This is what carries post-compromise security across a
// peer's key rotation.
func (m *Manager) checkRotation(ctx context.Context, peerID string, rec storage.SessionRecord) (storage.SessionRecord, error) {
	m.bundles.Invalidate(peerID)
	bundle, err := m.bundles.Get(ctx, peerID)
	if err != nil {
		logger.Printf("rotation check for %s failed, continuing with existing session: %v", peerID, err)
		return rec, nil
	}
	if bundle.SignedPrekeyID == rec.RemoteSignedPrekeyID {
		return rec, nil
	}

	logger.Printf("peer %s rotated signed prekey %d -> %d, re-establishing session", peerID, rec.RemoteSignedPrekeyID, bundle.SignedPrekeyID)
	if err := m.store.DeleteSession(peerID); err != nil {
		return storage.SessionRecord{}, err
	}
	return m.establishSession(ctx, peerID)
}

// EncryptMessage runs the full encrypt path: ensure a session exists,
// check for peer key rotation, advance the sending ratchet, persist
// the result, and attach (then clear) the X3DH hint on first send.
func (m *Manager) EncryptMessage(ctx context.Context, peerID string, plaintext []byte) (ratchet.Envelope, error) {
	lock := m.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.ensureSession(ctx, peerID)
	if err != nil {
		return ratchet.Envelope{}, err
	}

	rec, err = m.checkRotation(ctx, peerID, rec)
	if err != nil {
		return ratchet.Envelope{}, err
	}

	state, err := ratchet.Unmarshal(rec.RatchetState)
	if err != nil {
		return ratchet.Envelope{}, err
	}

	env, err := state.Encrypt(plaintext)
	if err != nil {
		return ratchet.Envelope{}, err
	}

	newState, err := state.Marshal()
	if err != nil {
		return ratchet.Envelope{}, err
	}
	if err := m.store.UpdateSessionRatchetState(peerID, newState); err != nil {
		return ratchet.Envelope{}, err
	}

	if rec.X3DHSendHint != nil {
		env.X3DH = &ratchet.X3DHHint{
			SenderIdentityPub:   rec.X3DHSendHint.OurIdentityPub,
			SenderEphemeralPub:  rec.X3DHSendHint.EphemeralPub,
			UsedSignedPrekeyID:  rec.X3DHSendHint.SignedPrekeyID,
			UsedOneTimePrekeyID: rec.X3DHSendHint.OneTimePrekeyID,
		}
		if err := m.store.ClearSessionX3DHData(peerID); err != nil {
			return ratchet.Envelope{}, err
		}
	}

	return env, nil
}

// DecryptMessage runs the full decrypt path: responder X3DH on an
// envelope's first message, or the existing session otherwise, then
// the receive-side ratchet step.
func (m *Manager) DecryptMessage(ctx context.Context, peerID string, env ratchet.Envelope) ([]byte, error) {
	lock := m.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := m.store.LoadSession(peerID)
	if err != nil {
		return nil, err
	}

	// An X3DH hint is only ever attached to the first message of a
	// freshly established session (session.go clears it after use), so
	// its presence normally means the sender is bootstrapping a session
	// — including replacing one we already consider ready, which is
	// exactly what happens when the sender re-runs X3DH after detecting
	// our signed-prekey rotation (the new hint names a signed prekey id
	// we haven't established this peer's session against before). But a
	// bare "x3dh present" is also what a replayed or duplicated first
	// envelope looks like; re-establishing on every replay would let an
	// attacker destroy a live, working session with an old packet. So
	// only bootstrap when there's no ready session yet, or when the
	// hint's signed prekey id differs from the one our current session
	// was actually established against — a genuine rotation, not a
	// replay of the handshake we already completed.
	needsResponderX3DH := env.X3DH != nil &&
		(!ok || rec.Status != storage.StatusReady || env.X3DH.UsedSignedPrekeyID != rec.OurSignedPrekeyIDUsed)
	if needsResponderX3DH {
		rec, err = m.establishResponderSession(ctx, peerID, env)
		if err != nil {
			if e2eerr.Is(err, e2eerr.ErrBadBundle) {
				metrics.RecordDecryptFailure("bad_bundle")
			} else {
				metrics.RecordDecryptFailure("session_missing")
			}
			return nil, err
		}
	} else if !ok {
		metrics.RecordDecryptFailure("session_missing")
		return nil, e2eerr.ErrSessionStateMissing
	}

	state, err := ratchet.Unmarshal(rec.RatchetState)
	if err != nil {
		metrics.RecordDecryptFailure("session_missing")
		return nil, err
	}

	plaintext, err := state.Decrypt(env)
	if err != nil {
		switch {
		case e2eerr.Is(err, e2eerr.ErrTooManySkipped):
			metrics.RecordDecryptFailure("too_many_skipped")
		case e2eerr.Is(err, e2eerr.ErrDecryptFailed):
			metrics.RecordDecryptFailure("mac")
		default:
			metrics.RecordDecryptFailure("mac")
		}
		return nil, err
	}

	newState, err := state.Marshal()
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateSessionRatchetState(peerID, newState); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// establishResponderSession runs the responder side of X3DH using the
// signed (and optional one-time) prekey identified in env.X3DH,
// initializes a receiving RatchetState, and persists the new session.
// A consumed one-time prekey is deleted and the pool topped up if it
// drops below config.MinPool.
func (m *Manager) establishResponderSession(ctx context.Context, peerID string, env ratchet.Envelope) (storage.SessionRecord, error) {
	start := time.Now()
	result := "ok"
	defer func() {
		metrics.RecordSessionEstablishment("responder", result, time.Since(start))
	}()

	hint := env.X3DH
	id, err := m.keys.Identity()
	if err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}

	spk, ok, err := m.keys.SignedPrekeyByID(hint.UsedSignedPrekeyID)
	if err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}
	if !ok {
		result = "bad_bundle"
		return storage.SessionRecord{}, fmt.Errorf("session: unknown signed prekey id %d", hint.UsedSignedPrekeyID)
	}

	var otkPriv *[32]byte
	if hint.UsedOneTimePrekeyID != nil {
		otk, ok, err := m.keys.ConsumeOneTimePrekey(*hint.UsedOneTimePrekeyID)
		if err != nil {
			result = "error"
			return storage.SessionRecord{}, err
		}
		if ok {
			priv := otk.Priv
			otkPriv = &priv
			if err := m.keys.TopUpOneTimePrekeys(); err != nil {
				logger.Printf("one-time prekey pool top-up failed: %v", err)
			}
		}
	}

	sharedSecret, err := x3dh.RunResponder(id.Seed, spk.Priv, otkPriv, hint.SenderIdentityPub, hint.SenderEphemeralPub)
	if err != nil {
		if e2eerr.Is(err, e2eerr.ErrBadBundle) {
			result = "bad_bundle"
		} else {
			result = "error"
		}
		return storage.SessionRecord{}, err
	}

	state, err := ratchet.NewResponderState(sharedSecret, spk.Priv, env.Header.RatchetPub)
	if err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}
	stateBytes, err := state.Marshal()
	if err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}

	// hint.UsedSignedPrekeyID identifies our own signed prekey (the one
	// the sender ran X3DH against), not the peer's — checkRotation
	// compares RemoteSignedPrekeyID against the peer's bundle, so it
	// must hold the peer's id, fetched here rather than taken from the
	// hint.
	remoteSignedPrekeyID := hint.UsedSignedPrekeyID
	remoteSignedPrekeyPub := spk.Pub
	if peerBundle, err := m.bundles.Get(ctx, peerID); err == nil {
		remoteSignedPrekeyID = peerBundle.SignedPrekeyID
		remoteSignedPrekeyPub = peerBundle.SignedPrekeyPub
	} else {
		logger.Printf("could not fetch %s's bundle while establishing responder session, rotation detection may misfire until next fetch: %v", peerID, err)
	}

	rec := storage.SessionRecord{
		PeerID:                peerID,
		RemoteIdentityPub:     hint.SenderIdentityPub,
		RemoteSignedPrekeyPub: remoteSignedPrekeyPub,
		RemoteSignedPrekeyID:  remoteSignedPrekeyID,
		RatchetState:          stateBytes,
		Status:                storage.StatusReady,
		OurSignedPrekeyIDUsed: hint.UsedSignedPrekeyID,
	}
	if err := m.store.SaveSession(rec); err != nil {
		result = "error"
		return storage.SessionRecord{}, err
	}
	logger.Printf("established responder session with %s (signed prekey %d)", peerID, hint.UsedSignedPrekeyID)
	return rec, nil
}

// ResetSession clears any session state with peerID, forcing the next
// ensureSession to re-establish from scratch.
func (m *Manager) ResetSession(peerID string) error {
	m.bundles.Invalidate(peerID)
	return m.store.DeleteSession(peerID)
}
