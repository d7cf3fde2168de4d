// Package keymanager owns the local identity and prekey material: it
// bootstraps the identity keypair on first run, keeps the signed
// prekey rotated within its TTL, tops up the one-time-prekey pool,
// and assembles the bundle the server publishes on this user's
// behalf.
package keymanager

import (
	"fmt"
	"time"

	"github.com/sealedline/e2ee-core/internal/config"
	"github.com/sealedline/e2ee-core/internal/cryptoprimitives"
	"github.com/sealedline/e2ee-core/internal/metrics"
	"github.com/sealedline/e2ee-core/internal/obslog"
	"github.com/sealedline/e2ee-core/internal/storage"
	"github.com/sealedline/e2ee-core/internal/x3dh"
)

var logger = obslog.KeyManager

// Manager bootstraps and maintains this user's identity and prekey
// material against a Store.
type Manager struct {
	store *storage.Store
}

// New wraps a Store with identity/prekey lifecycle operations.
func New(store *storage.Store) *Manager {
	return &Manager{store: store}
}

// Initialize bootstraps the local identity if one does not already
// exist, rotates the signed prekey if there is none or it is past
// config.SignedPrekeyTTL, and calls TopUpOneTimePrekeys. The pool is
// refilled to config.OneTimePrekeyTarget only when it has fallen below
// config.MinPool; a pool between MinPool and the target is left as it
// is. Safe to call on every process start.
func (m *Manager) Initialize() error {
	if err := m.ensureIdentity(); err != nil {
		return err
	}
	if err := m.ensureSignedPrekey(); err != nil {
		return err
	}
	if err := m.TopUpOneTimePrekeys(); err != nil {
		return err
	}
	return nil
}

func (m *Manager) ensureIdentity() error {
	_, exists, err := m.store.LoadIdentity()
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	seedBytes, err := cryptoprimitives.RandomBytes(32)
	if err != nil {
		return err
	}
	var seed [32]byte
	copy(seed[:], seedBytes)

	identityPub, _, err := cryptoprimitives.X25519KeypairFromSeed(seed)
	if err != nil {
		return err
	}
	signingPub, _ := cryptoprimitives.Ed25519KeypairFromSeed(seed)

	id := storage.Identity{
		Seed:        seed,
		IdentityPub: identityPub,
		SigningPub:  signingPub,
		CreatedAt:   time.Now(),
	}
	if err := m.store.SaveIdentity(id); err != nil {
		return err
	}
	logger.Printf("generated new identity, fingerprint %s", cryptoprimitives.Fingerprint(identityPub, config.FingerprintLength))
	return nil
}

// ensureSignedPrekey rotates the signed prekey if none exists or the
// current one is older than config.SignedPrekeyTTL.
func (m *Manager) ensureSignedPrekey() error {
	spk, exists, err := m.store.LoadSignedPrekey()
	if err != nil {
		return err
	}
	if exists && time.Since(spk.CreatedAt) < config.SignedPrekeyTTL {
		return nil
	}
	return m.RotateSignedPrekey()
}

// RotateSignedPrekey generates and persists a new signed prekey,
// signed with the identity's Ed25519 key. The previous signed prekey
// is left in place (the responder side of X3DH still needs it to
// complete handshakes already in flight against it).
func (m *Manager) RotateSignedPrekey() error {
	id, exists, err := m.store.LoadIdentity()
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("keymanager: cannot rotate signed prekey before identity exists")
	}

	keyID, err := m.store.EnsureNextPrekeyIDIncrement(1)
	if err != nil {
		return err
	}

	pub, priv, err := cryptoprimitives.GenerateX25519()
	if err != nil {
		return err
	}
	sig := cryptoprimitives.Ed25519SignFromSeed(id.Seed, pub[:])

	spk := storage.SignedPrekey{
		KeyID:     keyID,
		Pub:       pub,
		Priv:      priv,
		Signature: sig,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveSignedPrekey(spk); err != nil {
		return err
	}
	logger.Printf("rotated signed prekey to id %d", keyID)
	metrics.SignedPrekeyRotationsTotal.Inc()
	return nil
}

// TopUpOneTimePrekeys generates fresh one-time prekeys until the pool
// reaches config.OneTimePrekeyTarget, but only acts at all once the
// pool has fallen below config.MinPool.
func (m *Manager) TopUpOneTimePrekeys() error {
	count, err := m.store.CountOneTimePrekeys()
	if err != nil {
		return err
	}
	metrics.PreKeysRemaining.Set(float64(count))
	if count >= config.MinPool {
		return nil
	}

	deficit := config.OneTimePrekeyTarget - count
	if deficit <= 0 {
		return nil
	}

	startID, err := m.store.EnsureNextPrekeyIDIncrement(uint32(deficit))
	if err != nil {
		return err
	}

	keys := make([]storage.OneTimePrekey, deficit)
	for i := 0; i < deficit; i++ {
		pub, priv, err := cryptoprimitives.GenerateX25519()
		if err != nil {
			return err
		}
		keys[i] = storage.OneTimePrekey{
			KeyID:     startID + uint32(i),
			Pub:       pub,
			Priv:      priv,
			CreatedAt: time.Now(),
		}
	}
	if err := m.store.SaveOneTimePrekeys(keys); err != nil {
		return err
	}
	logger.Printf("generated %d one-time prekeys, pool was at %d", deficit, count)
	metrics.PreKeysReplenishedTotal.Inc()
	metrics.PreKeysRemaining.Set(float64(count + deficit))
	return nil
}

// PendingBundleUpload is a batch of not-yet-uploaded one-time
// prekeys, capped at config.MaxUploadBatch, ready to hand to the
// publish endpoint.
type PendingBundleUpload struct {
	SignedPrekey   storage.SignedPrekey
	OneTimePrekeys []storage.OneTimePrekey
}

// GetPendingUpload assembles the material this client still needs to
// publish: the current signed prekey (returned whether or not it was
// already uploaded; its Uploaded flag says which) and up to
// MaxUploadBatch one-time prekeys awaiting upload.
func (m *Manager) GetPendingUpload() (PendingBundleUpload, error) {
	spk, exists, err := m.store.LoadSignedPrekey()
	if err != nil {
		return PendingBundleUpload{}, err
	}
	if !exists {
		return PendingBundleUpload{}, fmt.Errorf("keymanager: no signed prekey yet, call Initialize first")
	}

	pending, err := m.store.GetPendingOneTimePrekeys(config.MaxUploadBatch)
	if err != nil {
		return PendingBundleUpload{}, err
	}

	return PendingBundleUpload{SignedPrekey: spk, OneTimePrekeys: pending}, nil
}

// MarkUploaded records that the server accepted the given batch of
// one-time prekeys and, if signedPrekeyUploaded is true, marks the signed prekey
// as uploaded too.
func (m *Manager) MarkUploaded(oneTimeIDs []uint32, signedPrekeyUploaded bool) error {
	if len(oneTimeIDs) > 0 {
		if err := m.store.MarkOneTimePrekeysUploaded(oneTimeIDs); err != nil {
			return err
		}
	}
	if signedPrekeyUploaded {
		spk, exists, err := m.store.LoadSignedPrekey()
		if err != nil {
			return err
		}
		if exists {
			spk.Uploaded = true
			if err := m.store.SaveSignedPrekey(spk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fingerprint returns this identity's human-comparable fingerprint.
func (m *Manager) Fingerprint() (string, error) {
	id, exists, err := m.store.LoadIdentity()
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("keymanager: no identity yet, call Initialize first")
	}
	return cryptoprimitives.Fingerprint(id.IdentityPub, config.FingerprintLength), nil
}

// OwnBundle assembles a Bundle describing this identity's own
// published material (identity, signing key, current signed prekey and
// fingerprint, with no one-time prekey); the apiserver serves it to
// peers that fetch this identity's bundle.
func (m *Manager) OwnBundle() (x3dh.Bundle, error) {
	id, exists, err := m.store.LoadIdentity()
	if err != nil {
		return x3dh.Bundle{}, err
	}
	if !exists {
		return x3dh.Bundle{}, fmt.Errorf("keymanager: no identity yet, call Initialize first")
	}
	spk, exists, err := m.store.LoadSignedPrekey()
	if err != nil {
		return x3dh.Bundle{}, err
	}
	if !exists {
		return x3dh.Bundle{}, fmt.Errorf("keymanager: no signed prekey yet, call Initialize first")
	}

	return x3dh.Bundle{
		IdentityPub:     id.IdentityPub,
		SigningPub:      id.SigningPub,
		SignedPrekeyPub: spk.Pub,
		SignedPrekeySig: spk.Signature,
		SignedPrekeyID:  spk.KeyID,
		Fingerprint:     cryptoprimitives.Fingerprint(id.IdentityPub, config.FingerprintLength),
	}, nil
}

// Identity exposes the raw stored identity for callers (x3dh,
// session) that need the seed directly.
func (m *Manager) Identity() (storage.Identity, error) {
	id, exists, err := m.store.LoadIdentity()
	if err != nil {
		return storage.Identity{}, err
	}
	if !exists {
		return storage.Identity{}, fmt.Errorf("keymanager: no identity yet, call Initialize first")
	}
	return id, nil
}

// ConsumeOneTimePrekey loads and deletes a one-time prekey by id, for
// the responder side of X3DH. Returns ok=false if the id is unknown
// or was already consumed by a prior handshake.
func (m *Manager) ConsumeOneTimePrekey(keyID uint32) (storage.OneTimePrekey, bool, error) {
	otk, ok, err := m.store.LoadOneTimePrekey(keyID)
	if err != nil || !ok {
		return storage.OneTimePrekey{}, ok, err
	}
	if err := m.store.DeleteOneTimePrekey(keyID); err != nil {
		return storage.OneTimePrekey{}, false, err
	}
	if count, err := m.store.CountOneTimePrekeys(); err == nil {
		metrics.PreKeysRemaining.Set(float64(count))
	}
	return otk, true, nil
}

// SignedPrekeyByID retrieves a (possibly rotated-out) signed prekey
// by id, needed when a message arrives that was encrypted against an
// older signed prekey than the current one.
func (m *Manager) SignedPrekeyByID(keyID uint32) (storage.SignedPrekey, bool, error) {
	return m.store.GetSignedPrekeySecret(keyID)
}
