// Package storage is the per-user, at-rest-encrypted durable store
// for identity, prekey and session material (spec component
// KeyStorage). It is backed by SQLite, the same driver
// (mattn/go-sqlite3) the rest of this codebase reaches for when it
// needs an embedded relational store, generalized here from a
// network-attached Postgres account database to a local single-user
// store.
package storage

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sealedline/e2ee-core/internal/cryptoprimitives"
	"github.com/sealedline/e2ee-core/internal/e2eerr"
	"github.com/sealedline/e2ee-core/internal/obslog"
)

var logger = obslog.Storage

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	seed_ct BLOB NOT NULL,
	seed_iv BLOB NOT NULL,
	signing_pub BLOB NOT NULL,
	identity_pub BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_prekeys (
	key_id INTEGER PRIMARY KEY,
	pub BLOB NOT NULL,
	priv_ct BLOB NOT NULL,
	priv_iv BLOB NOT NULL,
	signature BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	uploaded INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS one_time_prekeys (
	key_id INTEGER PRIMARY KEY,
	pub BLOB NOT NULL,
	priv_ct BLOB NOT NULL,
	priv_iv BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	uploaded INTEGER NOT NULL DEFAULT 0,
	consumed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sessions (
	peer_id TEXT PRIMARY KEY,
	remote_identity_pub BLOB NOT NULL,
	remote_signed_prekey_pub BLOB NOT NULL,
	remote_signed_prekey_id INTEGER NOT NULL,
	remote_fingerprint TEXT NOT NULL,
	ratchet_state_ct BLOB,
	ratchet_state_iv BLOB,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	x3dh_hint_json TEXT,
	our_signed_prekey_id_used INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

// Store is the SQLite-backed KeyStorage implementation. All writes to
// a given logical record are serialized through mu, matching the
// spec's "writes to a given record are totally ordered" requirement;
// SQLite itself serializes writers at the connection level, but the
// ensureNextPrekeyIdIncrement reservation needs an explicit critical
// section spanning a read-then-write.
type Store struct {
	db        *sql.DB
	masterKey [32]byte
	mu        sync.Mutex
}

// Open creates or opens the SQLite store at path. If passphrase is
// non-empty the master key is derived via Argon2id from a
// per-store salt persisted in the metadata table; otherwise a random
// key is generated once and persisted in the clear — the weaker
// fallback the design notes flag as mere obfuscation.
func Open(path string, passphrase string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", e2eerr.ErrStorageCorrupt, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("%w: create schema: %v", e2eerr.ErrStorageCorrupt, err)
	}

	s := &Store{db: db}
	key, err := s.resolveMasterKey(passphrase)
	if err != nil {
		return nil, err
	}
	s.masterKey = key
	return s, nil
}

func (s *Store) resolveMasterKey(passphrase string) ([32]byte, error) {
	salt, err := s.getMetadata("master_key_salt")
	if err != nil {
		return [32]byte{}, err
	}
	if salt == "" {
		raw, err := cryptoprimitives.RandomBytes(16)
		if err != nil {
			return [32]byte{}, err
		}
		salt = string(raw)
		if err := s.setMetadata("master_key_salt", salt); err != nil {
			return [32]byte{}, err
		}
	}

	if passphrase != "" {
		return cryptoprimitives.DeriveMasterKey(passphrase, []byte(salt), cryptoprimitives.DefaultMasterKeyParams())
	}

	logger.Println("warning: no master-key passphrase configured, falling back to a randomly generated key stored in the clear — see DESIGN.md open design decision")
	existing, err := s.getMetadata("master_key_plain")
	if err != nil {
		return [32]byte{}, err
	}
	if existing != "" {
		var key [32]byte
		copy(key[:], existing)
		return key, nil
	}
	key, err := cryptoprimitives.RandomMasterKey()
	if err != nil {
		return [32]byte{}, err
	}
	if err := s.setMetadata("master_key_plain", string(key[:])); err != nil {
		return [32]byte{}, err
	}
	return key, nil
}

func (s *Store) getMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return value, nil
}

func (s *Store) setMetadata(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO metadata(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadIdentity returns the single identity record, or
// (Identity{}, false, nil) if none has been created yet.
func (s *Store) LoadIdentity() (Identity, bool, error) {
	var seedCT, seedIV, signingPub, identityPub []byte
	var createdAt int64
	err := s.db.QueryRow(`SELECT seed_ct, seed_iv, signing_pub, identity_pub, created_at FROM identity WHERE id = 1`).
		Scan(&seedCT, &seedIV, &signingPub, &identityPub, &createdAt)
	if err == sql.ErrNoRows {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	seed, err := openRecord(s.masterKey, seedCT, seedIV)
	if err != nil {
		return Identity{}, false, err
	}
	var id Identity
	copy(id.Seed[:], seed)
	copy(id.IdentityPub[:], identityPub)
	id.SigningPub = ed25519.PublicKey(signingPub)
	id.CreatedAt = time.Unix(createdAt, 0).UTC()
	return id, true, nil
}

// SaveIdentity persists the identity. Idempotent once created: a
// second call is rejected rather than silently overwriting the seed.
func (s *Store) SaveIdentity(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists, err := s.LoadIdentity()
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	ct, iv, err := sealRecord(s.masterKey, id.Seed[:])
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO identity(id, seed_ct, seed_iv, signing_pub, identity_pub, created_at) VALUES (1, ?, ?, ?, ?, ?)`,
		ct, iv, []byte(id.SigningPub), id.IdentityPub[:], id.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return nil
}

// LoadSignedPrekey returns the current signed prekey, selected via
// the lastSignedPrekeyId metadata pointer.
func (s *Store) LoadSignedPrekey() (SignedPrekey, bool, error) {
	idStr, err := s.getMetadata("last_signed_prekey_id")
	if err != nil {
		return SignedPrekey{}, false, err
	}
	if idStr == "" {
		return SignedPrekey{}, false, nil
	}
	var keyID uint32
	fmt.Sscanf(idStr, "%d", &keyID)
	return s.loadSignedPrekeyByID(keyID)
}

func (s *Store) loadSignedPrekeyByID(keyID uint32) (SignedPrekey, bool, error) {
	var pub, privCT, privIV, sig []byte
	var createdAt int64
	var uploaded int
	err := s.db.QueryRow(`SELECT pub, priv_ct, priv_iv, signature, created_at, uploaded FROM signed_prekeys WHERE key_id = ?`, keyID).
		Scan(&pub, &privCT, &privIV, &sig, &createdAt, &uploaded)
	if err == sql.ErrNoRows {
		return SignedPrekey{}, false, nil
	}
	if err != nil {
		return SignedPrekey{}, false, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	priv, err := openRecord(s.masterKey, privCT, privIV)
	if err != nil {
		return SignedPrekey{}, false, err
	}
	spk := SignedPrekey{KeyID: keyID, Signature: sig, CreatedAt: time.Unix(createdAt, 0).UTC(), Uploaded: uploaded != 0}
	copy(spk.Pub[:], pub)
	copy(spk.Priv[:], priv)
	return spk, true, nil
}

// GetSignedPrekeySecret retrieves a (possibly prior) signed prekey by
// id, for responder X3DH.
func (s *Store) GetSignedPrekeySecret(keyID uint32) (SignedPrekey, bool, error) {
	return s.loadSignedPrekeyByID(keyID)
}

// SaveSignedPrekey persists a new signed prekey and advances the
// lastSignedPrekeyId pointer. The previous one remains in the table,
// readable by id, until explicitly purged.
func (s *Store) SaveSignedPrekey(spk SignedPrekey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, iv, err := sealRecord(s.masterKey, spk.Priv[:])
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO signed_prekeys(key_id, pub, priv_ct, priv_iv, signature, created_at, uploaded) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET uploaded = excluded.uploaded`,
		spk.KeyID, spk.Pub[:], ct, iv, spk.Signature, spk.CreatedAt.Unix(), boolToInt(spk.Uploaded))
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return s.setMetadata("last_signed_prekey_id", fmt.Sprintf("%d", spk.KeyID))
}

// SaveOneTimePrekeys batch-inserts a fresh set of one-time prekeys.
func (s *Store) SaveOneTimePrekeys(keys []OneTimePrekey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	for _, k := range keys {
		ct, iv, err := sealRecord(s.masterKey, k.Priv[:])
		if err != nil {
			tx.Rollback()
			return err
		}
		_, err = tx.Exec(`INSERT INTO one_time_prekeys(key_id, pub, priv_ct, priv_iv, created_at, uploaded, consumed) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			k.KeyID, k.Pub[:], ct, iv, k.CreatedAt.Unix(), boolToInt(k.Uploaded), boolToInt(k.Consumed))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return nil
}

// GetPendingOneTimePrekeys returns up to limit prekeys not yet uploaded.
func (s *Store) GetPendingOneTimePrekeys(limit int) ([]OneTimePrekey, error) {
	rows, err := s.db.Query(`SELECT key_id, pub, created_at FROM one_time_prekeys WHERE uploaded = 0 ORDER BY key_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	defer rows.Close()

	var out []OneTimePrekey
	for rows.Next() {
		var k OneTimePrekey
		var pub []byte
		var createdAt int64
		if err := rows.Scan(&k.KeyID, &pub, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
		}
		copy(k.Pub[:], pub)
		k.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, k)
	}
	return out, nil
}

// MarkOneTimePrekeysUploaded flips the uploaded flag for the given ids.
func (s *Store) MarkOneTimePrekeysUploaded(ids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE one_time_prekeys SET uploaded = 1 WHERE key_id = ?`, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return nil
}

// LoadOneTimePrekey looks up a single one-time prekey by id.
func (s *Store) LoadOneTimePrekey(keyID uint32) (OneTimePrekey, bool, error) {
	var pub, privCT, privIV []byte
	var createdAt int64
	var uploaded, consumed int
	err := s.db.QueryRow(`SELECT pub, priv_ct, priv_iv, created_at, uploaded, consumed FROM one_time_prekeys WHERE key_id = ?`, keyID).
		Scan(&pub, &privCT, &privIV, &createdAt, &uploaded, &consumed)
	if err == sql.ErrNoRows {
		return OneTimePrekey{}, false, nil
	}
	if err != nil {
		return OneTimePrekey{}, false, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	priv, err := openRecord(s.masterKey, privCT, privIV)
	if err != nil {
		return OneTimePrekey{}, false, err
	}
	k := OneTimePrekey{KeyID: keyID, CreatedAt: time.Unix(createdAt, 0).UTC(), Uploaded: uploaded != 0, Consumed: consumed != 0}
	copy(k.Pub[:], pub)
	copy(k.Priv[:], priv)
	return k, true, nil
}

// DeleteOneTimePrekey removes a one-time prekey — called after it has
// been consumed to decrypt exactly one first-message.
func (s *Store) DeleteOneTimePrekey(keyID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM one_time_prekeys WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return nil
}

// CountOneTimePrekeys returns the current pool size.
func (s *Store) CountOneTimePrekeys() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM one_time_prekeys`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return n, nil
}

// EnsureNextPrekeyIDIncrement atomically reserves n ids from the
// monotonic counter and returns the first reserved id.
func (s *Store) EnsureNextPrekeyIDIncrement(n uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.getMetadata("next_prekey_id")
	if err != nil {
		return 0, err
	}
	var next uint32 = 1
	if cur != "" {
		fmt.Sscanf(cur, "%d", &next)
	}
	if err := s.setMetadata("next_prekey_id", fmt.Sprintf("%d", next+n)); err != nil {
		return 0, err
	}
	return next, nil
}

// SaveSession upserts the per-peer session record.
func (s *Store) SaveSession(r SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ratchetCT, ratchetIV []byte
	if r.RatchetState != nil {
		ct, iv, err := sealRecord(s.masterKey, r.RatchetState)
		if err != nil {
			return err
		}
		ratchetCT, ratchetIV = ct, iv
	}
	var hintJSON []byte
	if r.X3DHSendHint != nil {
		j, err := json.Marshal(r.X3DHSendHint)
		if err != nil {
			return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
		}
		hintJSON = j
	}

	_, err := s.db.Exec(`INSERT INTO sessions(peer_id, remote_identity_pub, remote_signed_prekey_pub, remote_signed_prekey_id,
			remote_fingerprint, ratchet_state_ct, ratchet_state_iv, status, created_at, updated_at, x3dh_hint_json,
			our_signed_prekey_id_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			remote_identity_pub = excluded.remote_identity_pub,
			remote_signed_prekey_pub = excluded.remote_signed_prekey_pub,
			remote_signed_prekey_id = excluded.remote_signed_prekey_id,
			remote_fingerprint = excluded.remote_fingerprint,
			ratchet_state_ct = excluded.ratchet_state_ct,
			ratchet_state_iv = excluded.ratchet_state_iv,
			status = excluded.status,
			updated_at = excluded.updated_at,
			x3dh_hint_json = excluded.x3dh_hint_json,
			our_signed_prekey_id_used = excluded.our_signed_prekey_id_used`,
		r.PeerID, r.RemoteIdentityPub[:], r.RemoteSignedPrekeyPub[:], r.RemoteSignedPrekeyID,
		r.RemoteFingerprint, ratchetCT, ratchetIV, string(r.Status), r.CreatedAt.Unix(), r.UpdatedAt.Unix(), string(hintJSON),
		r.OurSignedPrekeyIDUsed)
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return nil
}

// LoadSession loads the session record for peerID, if any.
func (s *Store) LoadSession(peerID string) (SessionRecord, bool, error) {
	var r SessionRecord
	var remoteIdentityPub, remoteSignedPrekeyPub []byte
	var ratchetCT, ratchetIV []byte
	var status string
	var createdAt, updatedAt int64
	var hintJSON sql.NullString

	err := s.db.QueryRow(`SELECT peer_id, remote_identity_pub, remote_signed_prekey_pub, remote_signed_prekey_id,
			remote_fingerprint, ratchet_state_ct, ratchet_state_iv, status, created_at, updated_at, x3dh_hint_json,
			our_signed_prekey_id_used
		FROM sessions WHERE peer_id = ?`, peerID).Scan(
		&r.PeerID, &remoteIdentityPub, &remoteSignedPrekeyPub, &r.RemoteSignedPrekeyID,
		&r.RemoteFingerprint, &ratchetCT, &ratchetIV, &status, &createdAt, &updatedAt, &hintJSON,
		&r.OurSignedPrekeyIDUsed)
	if err == sql.ErrNoRows {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}

	copy(r.RemoteIdentityPub[:], remoteIdentityPub)
	copy(r.RemoteSignedPrekeyPub[:], remoteSignedPrekeyPub)
	r.Status = SessionStatus(status)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if ratchetCT != nil {
		pt, err := openRecord(s.masterKey, ratchetCT, ratchetIV)
		if err != nil {
			return SessionRecord{}, false, err
		}
		r.RatchetState = pt
	}
	if hintJSON.Valid && hintJSON.String != "" {
		var hint X3DHSendHint
		if err := json.Unmarshal([]byte(hintJSON.String), &hint); err != nil {
			return SessionRecord{}, false, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
		}
		r.X3DHSendHint = &hint
	}
	return r, true, nil
}

// ListSessions returns every known peer id.
func (s *Store) ListSessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT peer_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// DeleteSession removes the session record for peerID.
func (s *Store) DeleteSession(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return nil
}

// UpdateSessionRatchetState atomically replaces the ratchet blob for peerID.
func (s *Store) UpdateSessionRatchetState(peerID string, serializedState []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, iv, err := sealRecord(s.masterKey, serializedState)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE sessions SET ratchet_state_ct = ?, ratchet_state_iv = ?, updated_at = ? WHERE peer_id = ?`,
		ct, iv, time.Now().Unix(), peerID)
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return e2eerr.ErrSessionStateMissing
	}
	return nil
}

// ClearSessionX3DHData strips the initiator-side X3DHSendHint after
// the first message has been sent.
func (s *Store) ClearSessionX3DHData(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sessions SET x3dh_hint_json = NULL WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	return nil
}

// ClearAllE2EEData wipes every collection — used by explicit reset.
func (s *Store) ClearAllE2EEData() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range []string{"identity", "signed_prekeys", "one_time_prekeys", "sessions", "metadata"} {
		if _, err := s.db.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
