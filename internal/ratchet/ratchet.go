// Package ratchet implements the symmetric-key and Diffie-Hellman
// ratchets that advance a session after X3DH has produced the initial
// shared secret. Three KDF chains are maintained per session: a root
// chain shared by both parties, and a sending/receiving chain pair
// that mirror each other across the two ends of the conversation.
//
// A DH ratchet step only ever happens when the peer's ratchet public
// key changes — never on a message-count timer. Driving it from a
// timer was an earlier, discarded design that let an attacker starve
// forward secrecy by replaying the same ratchet key; this package has
// no timer path at all.
package ratchet

import (
	"encoding/json"
	"fmt"

	"github.com/sealedline/e2ee-core/internal/config"
	"github.com/sealedline/e2ee-core/internal/cryptoprimitives"
	"github.com/sealedline/e2ee-core/internal/e2eerr"
	"github.com/sealedline/e2ee-core/internal/metrics"
	"github.com/sealedline/e2ee-core/internal/obslog"
)

var logger = obslog.Ratchet

const rootKDFInfo = "WhatsAppCloneRootKey"

var zeroSalt = make([]byte, 32)

// Header travels alongside every ciphertext and carries the state the
// recipient needs to catch up its own ratchet: the sender's current
// ratchet public key, the length of the sender's previous sending
// chain (PN), and the message's index within the current chain (N).
type Header struct {
	RatchetPub          [32]byte `json:"ratchetPub"`
	PreviousChainLength uint32   `json:"previousChainLength"`
	MessageNumber       uint32   `json:"messageNumber"`
}

// Envelope is a single Double Ratchet message: a header plus an AEAD
// ciphertext (nonce || AEAD(nonce, messageKey, plaintext)). X3DH is
// populated by the session layer only on an initiator's first message
// to a peer.
type Envelope struct {
	Header     Header  `json:"header"`
	Ciphertext []byte  `json:"ciphertext"`
	X3DH       *X3DHHint `json:"x3dh,omitempty"`
}

// X3DHHint carries the data a responder needs to run X3DH and derive
// the same shared secret the initiator used, attached only to the
// very first envelope of a new session.
type X3DHHint struct {
	SenderIdentityPub  [32]byte `json:"senderIdentityPub"`
	SenderEphemeralPub [32]byte `json:"senderEphemeralPub"`
	UsedSignedPrekeyID uint32   `json:"usedSignedPrekeyId"`
	UsedOneTimePrekeyID *uint32 `json:"usedOneTimePrekeyId,omitempty"`
}

type skippedKey struct {
	RatchetPub [32]byte
	N          uint32
}

// skippedEntry is the wire form of one cached skipped-message key;
// skippedKey can't be a JSON map key, so Marshal/Unmarshal flatten the
// map to a slice of these.
type skippedEntry struct {
	RatchetPub [32]byte `json:"ratchet_pub"`
	N          uint32   `json:"n"`
	Key        [32]byte `json:"key"`
}

// State is the full ratchet state for one session, serialized as the
// opaque RatchetState blob persisted by the storage layer.
//
// DHs is ⊥ (HasDHs == false) for a responder that has received but
// never sent: its own ratchet keypair is generated lazily on first
// send, not at session-establishment time.
type State struct {
	HasDHs  bool
	DHsPub  [32]byte
	DHsPriv [32]byte

	// DHr is the peer's ratchet public key: the remote signed prekey
	// for an initiator's freshly-established session, or the ratchet
	// key carried by the first inbound message for a responder.
	DHr [32]byte

	RootKey      [32]byte
	SendChainKey *[32]byte
	RecvChainKey *[32]byte
	Ns           uint32
	Nr           uint32
	PN           uint32

	skippedKeys map[skippedKey][32]byte
}

type wireState struct {
	HasDHs       bool           `json:"has_dhs"`
	DHsPub       [32]byte       `json:"dhs_pub"`
	DHsPriv      [32]byte       `json:"dhs_priv"`
	DHr          [32]byte       `json:"dhr"`
	RootKey      [32]byte       `json:"root_key"`
	SendChainKey *[32]byte      `json:"send_chain_key,omitempty"`
	RecvChainKey *[32]byte      `json:"recv_chain_key,omitempty"`
	Ns           uint32         `json:"ns"`
	Nr           uint32         `json:"nr"`
	PN           uint32         `json:"pn"`
	Skipped      []skippedEntry `json:"skipped,omitempty"`
}

// Marshal serializes the state for storage.
func (s *State) Marshal() ([]byte, error) {
	w := wireState{
		HasDHs: s.HasDHs, DHsPub: s.DHsPub, DHsPriv: s.DHsPriv, DHr: s.DHr, RootKey: s.RootKey,
		SendChainKey: s.SendChainKey, RecvChainKey: s.RecvChainKey,
		Ns: s.Ns, Nr: s.Nr, PN: s.PN,
	}
	for k, v := range s.skippedKeys {
		w.Skipped = append(w.Skipped, skippedEntry{RatchetPub: k.RatchetPub, N: k.N, Key: v})
	}
	return json.Marshal(w)
}

// Unmarshal deserializes a state previously produced by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrStorageCorrupt, err)
	}
	s := &State{
		HasDHs: w.HasDHs, DHsPub: w.DHsPub, DHsPriv: w.DHsPriv, DHr: w.DHr, RootKey: w.RootKey,
		SendChainKey: w.SendChainKey, RecvChainKey: w.RecvChainKey,
		Ns: w.Ns, Nr: w.Nr, PN: w.PN,
		skippedKeys: make(map[skippedKey][32]byte, len(w.Skipped)),
	}
	for _, e := range w.Skipped {
		s.skippedKeys[skippedKey{RatchetPub: e.RatchetPub, N: e.N}] = e.Key
	}
	return s, nil
}

// rootKDFFromSecret runs the one-time initial root-KDF call both
// sides perform from the raw X3DH shared secret, before either has
// done any ratchet-specific DH.
func rootKDFFromSecret(sharedSecret [32]byte) (rootKey, chainKey [32]byte, err error) {
	out, err := cryptoprimitives.HKDFSha256(sharedSecret[:], zeroSalt, []byte(rootKDFInfo), 64)
	if err != nil {
		return rootKey, chainKey, err
	}
	copy(rootKey[:], out[:32])
	copy(chainKey[:], out[32:64])
	return rootKey, chainKey, nil
}

// rootKDFFromDH runs a root-chain KDF step keyed by the current root
// key over a fresh DH output, as every subsequent ratchet step does.
func rootKDFFromDH(rootKey [32]byte, dhOut []byte) (newRoot, newChain [32]byte, err error) {
	out, err := cryptoprimitives.HKDFSha256(dhOut, rootKey[:], []byte(rootKDFInfo), 64)
	if err != nil {
		return newRoot, newChain, err
	}
	copy(newRoot[:], out[:32])
	copy(newChain[:], out[32:64])
	return newRoot, newChain, nil
}

// advanceChain derives the message key for the current step and the
// next chain key from a chain key: chain-advance uses label 0x01,
// message-key derivation uses label 0x02, both keyed by the
// pre-advance chain key.
func advanceChain(chainKey [32]byte) (newChainKey [32]byte, messageKey [32]byte) {
	ck := cryptoprimitives.HMACSha256(chainKey[:], []byte{0x01})
	mk := cryptoprimitives.HMACSha256(chainKey[:], []byte{0x02})
	copy(newChainKey[:], ck)
	copy(messageKey[:], mk[:32])
	return newChainKey, messageKey
}

// NewInitiatorState builds the ratchet state for the party that ran
// X3DH as initiator. It generates its own ratchet keypair immediately
// and performs one DH-ratchet step against the responder's signed
// prekey, so the initiator can send right away.
func NewInitiatorState(sharedSecret [32]byte, remoteSignedPrekeyPub [32]byte) (*State, error) {
	rootKey0, _, err := rootKDFFromSecret(sharedSecret)
	if err != nil {
		return nil, err
	}

	pub, priv, err := cryptoprimitives.GenerateX25519()
	if err != nil {
		return nil, err
	}
	dh, err := cryptoprimitives.ScalarMult(priv, remoteSignedPrekeyPub)
	if err != nil {
		return nil, err
	}
	rootKey1, sendCK, err := rootKDFFromDH(rootKey0, dh)
	if err != nil {
		return nil, err
	}

	return &State{
		HasDHs:       true,
		DHsPub:       pub,
		DHsPriv:      priv,
		DHr:          remoteSignedPrekeyPub,
		RootKey:      rootKey1,
		SendChainKey: &sendCK,
		skippedKeys:  make(map[skippedKey][32]byte),
	}, nil
}

// NewResponderState builds the ratchet state for the party that ran
// X3DH as responder, once the first inbound message's header reveals
// the initiator's ratchet public key. It mirrors the initiator's
// immediate DH-ratchet step using the signed prekey's private key,
// which the initiator used in place of a remote ratchet public at
// that point, so the two sides land on the same receiving/sending
// chain key for the first message. The responder's own ratchet
// keypair stays unset — one is generated fresh on its own first send,
// never reusing the signed prekey as a standing ratchet key.
func NewResponderState(sharedSecret [32]byte, ownSignedPrekeyPriv [32]byte, remoteRatchetPubFromFirstMessage [32]byte) (*State, error) {
	rootKey0, _, err := rootKDFFromSecret(sharedSecret)
	if err != nil {
		return nil, err
	}
	dhOut, err := cryptoprimitives.ScalarMult(ownSignedPrekeyPriv, remoteRatchetPubFromFirstMessage)
	if err != nil {
		return nil, err
	}
	rootKey1, recvCK, err := rootKDFFromDH(rootKey0, dhOut)
	if err != nil {
		return nil, err
	}
	return &State{
		HasDHs:       false,
		DHr:          remoteRatchetPubFromFirstMessage,
		RootKey:      rootKey1,
		RecvChainKey: &recvCK,
		skippedKeys:  make(map[skippedKey][32]byte),
	}, nil
}

// Encrypt advances the sending chain by one step and seals plaintext
// under the resulting message key. If no sending chain exists yet
// (a responder sending for the first time), a send-only ratchet step
// generates our ratchet keypair and derives one before proceeding.
func (s *State) Encrypt(plaintext []byte) (Envelope, error) {
	if s.SendChainKey == nil {
		if err := s.sendRatchet(); err != nil {
			return Envelope{}, err
		}
	}

	newCK, mk := advanceChain(*s.SendChainKey)
	header := Header{RatchetPub: s.DHsPub, PreviousChainLength: s.PN, MessageNumber: s.Ns}
	ciphertext, err := cryptoprimitives.AEADSeal(mk, plaintext)
	if err != nil {
		return Envelope{}, err
	}
	s.SendChainKey = &newCK
	s.Ns++
	return Envelope{Header: header, Ciphertext: ciphertext}, nil
}

// Decrypt authenticates and opens env, transparently handling
// out-of-order delivery (skipped message keys, bounded by
// config.MaxSkip per ratchet step) and DH ratchet steps triggered by
// a change in the sender's header ratchet public key.
func (s *State) Decrypt(env Envelope) ([]byte, error) {
	if mk, ok := s.takeSkippedKey(env.Header.RatchetPub, env.Header.MessageNumber); ok {
		plaintext, err := cryptoprimitives.AEADOpen(mk, env.Ciphertext)
		if err != nil {
			return nil, e2eerr.ErrDecryptFailed
		}
		return plaintext, nil
	}

	// Try the current chain against a clone, so a failed decrypt
	// never mutates the session's persisted state.
	trial := s.clone()

	if trial.DHr != env.Header.RatchetPub {
		if err := trial.skip(env.Header.PreviousChainLength); err != nil {
			return nil, err
		}
		if err := trial.receiveRatchet(env.Header.RatchetPub); err != nil {
			return nil, err
		}
	}
	if err := trial.skip(env.Header.MessageNumber); err != nil {
		return nil, err
	}

	newCK, mk := advanceChain(*trial.RecvChainKey)
	plaintext, err := cryptoprimitives.AEADOpen(mk, env.Ciphertext)
	if err != nil {
		return nil, e2eerr.ErrDecryptFailed
	}
	trial.RecvChainKey = &newCK
	trial.Nr++

	*s = *trial
	return plaintext, nil
}

// skip advances the receiving chain up to (not including) until,
// caching each intervening message key so a reordered message can
// still be decrypted later. Per ratchet step the number of keys
// skipped is bounded by config.MaxSkip.
func (s *State) skip(until uint32) error {
	if s.RecvChainKey == nil {
		return nil
	}
	if until < s.Nr {
		return nil
	}
	if until-s.Nr > config.MaxSkip {
		logger.Printf("refusing to skip %d messages, exceeds max %d", until-s.Nr, config.MaxSkip)
		return e2eerr.ErrTooManySkipped
	}
	for s.Nr < until {
		newCK, mk := advanceChain(*s.RecvChainKey)
		s.RecvChainKey = &newCK
		s.setSkippedKey(s.DHr, s.Nr, mk)
		s.Nr++
		metrics.SkippedMessageKeysTotal.Inc()
	}
	return nil
}

// sendRatchet performs the send-only DH-ratchet step a responder
// takes the first time it sends: generate our own ratchet keypair and
// derive a sending chain against the already-known peer key. Unlike
// receiveRatchet this never touches the receiving chain.
func (s *State) sendRatchet() error {
	s.PN = s.Ns
	s.Ns = 0

	pub, priv, err := cryptoprimitives.GenerateX25519()
	if err != nil {
		return err
	}
	s.HasDHs = true
	s.DHsPub, s.DHsPriv = pub, priv

	dh, err := cryptoprimitives.ScalarMult(s.DHsPriv, s.DHr)
	if err != nil {
		return err
	}
	rk, ck, err := rootKDFFromDH(s.RootKey, dh)
	if err != nil {
		return err
	}
	s.RootKey = rk
	s.SendChainKey = &ck
	metrics.RecordRatchetStep("send")
	return nil
}

// receiveRatchet performs the full Diffie-Hellman ratchet step: it
// closes out the receiving chain under the peer's new ratchet key,
// then generates a fresh keypair of our own and opens a new sending
// chain against the same peer key. Only ever runs when remotePub
// differs from the previously recorded DHr.
func (s *State) receiveRatchet(remotePub [32]byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = remotePub

	if s.HasDHs {
		dh1, err := cryptoprimitives.ScalarMult(s.DHsPriv, s.DHr)
		if err != nil {
			return err
		}
		rk1, recvCK, err := rootKDFFromDH(s.RootKey, dh1)
		if err != nil {
			return err
		}
		s.RootKey = rk1
		s.RecvChainKey = &recvCK
	}

	newPub, newPriv, err := cryptoprimitives.GenerateX25519()
	if err != nil {
		return err
	}
	s.HasDHs = true
	s.DHsPub, s.DHsPriv = newPub, newPriv

	dh2, err := cryptoprimitives.ScalarMult(s.DHsPriv, s.DHr)
	if err != nil {
		return err
	}
	rk2, sendCK, err := rootKDFFromDH(s.RootKey, dh2)
	if err != nil {
		return err
	}
	s.RootKey = rk2
	s.SendChainKey = &sendCK

	logger.Printf("dh ratchet step: new remote key %x", remotePub)
	metrics.RecordRatchetStep("receive")
	return nil
}

func (s *State) setSkippedKey(ratchetPub [32]byte, n uint32, mk [32]byte) {
	if s.skippedKeys == nil {
		s.skippedKeys = make(map[skippedKey][32]byte)
	}
	s.skippedKeys[skippedKey{RatchetPub: ratchetPub, N: n}] = mk
}

func (s *State) takeSkippedKey(ratchetPub [32]byte, n uint32) ([32]byte, bool) {
	if s.skippedKeys == nil {
		return [32]byte{}, false
	}
	mk, ok := s.skippedKeys[skippedKey{RatchetPub: ratchetPub, N: n}]
	if ok {
		delete(s.skippedKeys, skippedKey{RatchetPub: ratchetPub, N: n})
	}
	return mk, ok
}

func (s *State) clone() *State {
	c := *s
	if s.SendChainKey != nil {
		ck := *s.SendChainKey
		c.SendChainKey = &ck
	}
	if s.RecvChainKey != nil {
		ck := *s.RecvChainKey
		c.RecvChainKey = &ck
	}
	c.skippedKeys = make(map[skippedKey][32]byte, len(s.skippedKeys))
	for k, v := range s.skippedKeys {
		c.skippedKeys[k] = v
	}
	return &c
}
