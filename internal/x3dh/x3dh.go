// Package x3dh implements the initiator and responder halves of the
// Extended Triple/Quadruple Diffie-Hellman key agreement (spec
// component X3DH): an asynchronous, one-round agreement that produces
// a shared secret from one party's identity+ephemeral keys and the
// other's identity+signed-prekey(+one-time-prekey) bundle.
package x3dh

import (
	"crypto/ed25519"
	"fmt"

	"github.com/sealedline/e2ee-core/internal/cryptoprimitives"
	"github.com/sealedline/e2ee-core/internal/e2eerr"
	"github.com/sealedline/e2ee-core/internal/obslog"
)

var logger = obslog.X3DH

// salt and info are part of the wire contract: both sides must use
// the identical HKDF parameters or the derived secrets diverge.
var salt = make([]byte, 32)

const info = "WHATSAPP-CLONE-X3DH"
const sharedSecretLen = 32

// Bundle is the remote party's published prekey material, as
// returned by the server's GET /users/:peerId/prekeys endpoint.
type Bundle struct {
	IdentityPub     [32]byte
	SigningPub      ed25519.PublicKey
	SignedPrekeyPub [32]byte
	SignedPrekeySig []byte
	SignedPrekeyID  uint32
	OneTimePrekeyID *uint32
	OneTimePrekeyPub *[32]byte
	Fingerprint     string
}

// InitiatorResult carries the derived shared secret plus everything
// the caller needs to record as the session's X3DHSendHint.
type InitiatorResult struct {
	SharedSecret           [32]byte
	EphemeralPub           [32]byte
	EphemeralPriv          [32]byte
	RemoteIdentityPub      [32]byte
	RemoteSignedPrekeyPub  [32]byte
	RemoteSignedPrekeyID   uint32
	RemoteOneTimePrekeyID  *uint32
}

// RunInitiator runs the initiator side of X3DH against a fetched
// remote bundle. A bundle with no signed prekey is rejected outright;
// a bundle with no one-time prekey is accepted and DH4 is simply
// omitted from the ikm — both policies per the source's pre-validation
// rules, which this implementation preserves exactly.
func RunInitiator(identitySeed [32]byte, bundle Bundle) (InitiatorResult, error) {
	if bundle.SignedPrekeyPub == ([32]byte{}) {
		return InitiatorResult{}, fmt.Errorf("%w: bundle has no signed prekey", e2eerr.ErrBadBundle)
	}

	if !cryptoprimitives.Ed25519Verify(bundle.SigningPub, bundle.SignedPrekeyPub[:], bundle.SignedPrekeySig) {
		logger.Printf("signature verification failed for peer identity %x", bundle.IdentityPub)
		return InitiatorResult{}, e2eerr.ErrBadBundle
	}

	_, ikASk, err := cryptoprimitives.X25519KeypairFromSeed(identitySeed)
	if err != nil {
		return InitiatorResult{}, err
	}

	// Ephemeral keys are always freshly random. Deriving them
	// deterministically from static identity material — as one
	// experimental branch of the source once did — destroys the
	// one-shot freshness property of X3DH and must never be done.
	ekPub, ekSk, err := cryptoprimitives.GenerateX25519()
	if err != nil {
		return InitiatorResult{}, err
	}

	dh1, err := cryptoprimitives.ScalarMult(ikASk, bundle.SignedPrekeyPub)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh2, err := cryptoprimitives.ScalarMult(ekSk, bundle.IdentityPub)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh3, err := cryptoprimitives.ScalarMult(ekSk, bundle.SignedPrekeyPub)
	if err != nil {
		return InitiatorResult{}, err
	}

	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if bundle.OneTimePrekeyPub != nil {
		dh4, err := cryptoprimitives.ScalarMult(ekSk, *bundle.OneTimePrekeyPub)
		if err != nil {
			return InitiatorResult{}, err
		}
		ikm = append(ikm, dh4...)
	}

	secret, err := cryptoprimitives.HKDFSha256(ikm, salt, []byte(info), sharedSecretLen)
	if err != nil {
		return InitiatorResult{}, err
	}

	var result InitiatorResult
	copy(result.SharedSecret[:], secret)
	result.EphemeralPub = ekPub
	result.EphemeralPriv = ekSk
	result.RemoteIdentityPub = bundle.IdentityPub
	result.RemoteSignedPrekeyPub = bundle.SignedPrekeyPub
	result.RemoteSignedPrekeyID = bundle.SignedPrekeyID
	result.RemoteOneTimePrekeyID = bundle.OneTimePrekeyID
	return result, nil
}

// RunResponder runs the responder side. onetimePrekeyPriv is nil when
// the message did not consume a one-time prekey, in which case DH4 is
// omitted identically to the initiator's omission.
func RunResponder(
	identitySeed [32]byte,
	signedPrekeyPriv [32]byte,
	oneTimePrekeyPriv *[32]byte,
	senderIdentityPub [32]byte,
	senderEphemeralPub [32]byte,
) ([32]byte, error) {
	var secret [32]byte

	_, ikBSk, err := cryptoprimitives.X25519KeypairFromSeed(identitySeed)
	if err != nil {
		return secret, err
	}

	dh1, err := cryptoprimitives.ScalarMult(signedPrekeyPriv, senderIdentityPub)
	if err != nil {
		return secret, err
	}
	dh2, err := cryptoprimitives.ScalarMult(ikBSk, senderEphemeralPub)
	if err != nil {
		return secret, err
	}
	dh3, err := cryptoprimitives.ScalarMult(signedPrekeyPriv, senderEphemeralPub)
	if err != nil {
		return secret, err
	}

	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if oneTimePrekeyPriv != nil {
		dh4, err := cryptoprimitives.ScalarMult(*oneTimePrekeyPriv, senderEphemeralPub)
		if err != nil {
			return secret, err
		}
		ikm = append(ikm, dh4...)
	}

	derived, err := cryptoprimitives.HKDFSha256(ikm, salt, []byte(info), sharedSecretLen)
	if err != nil {
		return secret, err
	}
	copy(secret[:], derived)
	return secret, nil
}
