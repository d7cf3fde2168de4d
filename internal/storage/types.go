package storage

import (
	"crypto/ed25519"
	"time"
)

// Identity is the exactly-one-per-user long-lived seed identity. Seed
// is held in memory only after decryption; it is never logged or
// returned except to derive the signing/DH keypairs.
type Identity struct {
	Seed        [32]byte
	IdentityPub [32]byte // X25519 public key
	SigningPub  ed25519.PublicKey
	CreatedAt   time.Time
}

// SignedPrekey is the exactly-one-current-per-user medium-lived DH key.
type SignedPrekey struct {
	KeyID     uint32
	Pub       [32]byte
	Priv      [32]byte
	Signature []byte
	CreatedAt time.Time
	Uploaded  bool
}

// OneTimePrekey is a single-use DH key from the replenishable pool.
type OneTimePrekey struct {
	KeyID     uint32
	Pub       [32]byte
	Priv      [32]byte
	CreatedAt time.Time
	Uploaded  bool
	Consumed  bool
}

// X3DHSendHint is present on a SessionRecord iff we were the initiator
// and have not yet sent the first message.
type X3DHSendHint struct {
	OurIdentityPub  [32]byte
	EphemeralPub    [32]byte
	SignedPrekeyID  uint32
	OneTimePrekeyID *uint32
}

// SessionStatus is the SessionRecord state machine.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusReady   SessionStatus = "ready"
	StatusError   SessionStatus = "error"
)

// SessionRecord is the one-per-peer persisted session.
type SessionRecord struct {
	PeerID                string
	RemoteIdentityPub     [32]byte
	RemoteSignedPrekeyPub [32]byte
	RemoteSignedPrekeyID  uint32
	RemoteFingerprint     string
	RatchetState          []byte // opaque, serialized by the ratchet package
	Status                SessionStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
	X3DHSendHint          *X3DHSendHint
	// OurSignedPrekeyIDUsed is, for a responder-established session,
	// the id of our own signed prekey the sender's X3DH hint named.
	// Zero for sessions we initiated. Lets DecryptMessage distinguish a
	// legitimate rotation-triggered re-handshake (a new id) from a
	// replayed first-message envelope (the same id as last time).
	OurSignedPrekeyIDUsed uint32
}
