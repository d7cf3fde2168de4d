// Package e2eerr defines the tagged error taxonomy shared by every
// layer of the cryptographic core, mirroring the sentinel-error style
// the rest of this codebase's auth and security packages use.
package e2eerr

import "errors"

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", Err*) to add
// context while keeping errors.Is classification intact.
var (
	// ErrCryptoUnavailable means the RNG or a required primitive is
	// missing. Fatal to the process.
	ErrCryptoUnavailable = errors.New("e2ee: cryptographic primitive unavailable")

	// ErrStorageCorrupt means AEAD-open of a persisted secret failed.
	// A reset is the only recovery.
	ErrStorageCorrupt = errors.New("e2ee: storage record failed to decrypt")

	// ErrBadBundle means a signed-prekey signature failed to verify.
	// Session establishment must abort without retrying the same bundle.
	ErrBadBundle = errors.New("e2ee: prekey bundle signature invalid")

	// ErrRecipientNotProvisioned means the peer has no prekey bundle
	// published yet.
	ErrRecipientNotProvisioned = errors.New("e2ee: recipient has no published prekey bundle")

	// ErrNetwork means the bundle fetch failed at the transport level.
	// Retriable.
	ErrNetwork = errors.New("e2ee: network error fetching prekey bundle")

	// ErrTooManySkipped means a header's message number exceeds the
	// current chain by more than MaxSkip.
	ErrTooManySkipped = errors.New("e2ee: message skip distance exceeds MaxSkip")

	// ErrDecryptFailed means AEAD-open of a message failed.
	ErrDecryptFailed = errors.New("e2ee: message decryption failed")

	// ErrSessionStateMissing means a decrypt arrived with no x3dh
	// block and no prior session for the peer.
	ErrSessionStateMissing = errors.New("e2ee: no session state for peer")

	// ErrMac is returned by AEAD open on authentication failure.
	ErrMac = errors.New("e2ee: MAC verification failed")

	// ErrSignature is returned when an Ed25519 verification fails.
	ErrSignature = errors.New("e2ee: signature verification failed")
)

// Is reports whether err (or any error it wraps) matches target.
// Thin wrapper kept so callers only need to import this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
