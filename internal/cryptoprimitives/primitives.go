// Package cryptoprimitives exposes the fixed-size cryptographic
// building blocks the rest of the core is built from: X25519 DH,
// Ed25519 signatures, HKDF-SHA256, HMAC-SHA256, an AEAD seal/open
// pair, SHA-256 fingerprinting and a CSPRNG. Every function here is
// pure given its inputs; none retains state.
package cryptoprimitives

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/sealedline/e2ee-core/internal/e2eerr"
)

const (
	// KeySize is the size in bytes of an X25519 key (public or private).
	KeySize = 32
	// NonceSize is the AEAD nonce length. The spec calls for an
	// XSalsa20-Poly1305-class AEAD with a 24-byte random nonce;
	// chacha20poly1305.NewX provides the equivalent XChaCha20-Poly1305
	// construction with the same 24-byte extended nonce.
	NonceSize = chacha20poly1305.NonceSizeX
	// TagSize is the AEAD authentication tag length.
	TagSize = chacha20poly1305.Overhead
)

// GenerateX25519 produces a fresh, correctly clamped Curve25519 key
// pair from the CSPRNG.
func GenerateX25519() (pub, priv [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return pub, priv, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	clamp(&priv)
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	copy(pub[:], p)
	return pub, priv, nil
}

func clamp(sk *[KeySize]byte) {
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
}

// ScalarMult computes the X25519 shared secret DH(sk, pk).
func ScalarMult(sk, pk [KeySize]byte) ([]byte, error) {
	out, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	return out, nil
}

// Ed25519KeypairFromSeed deterministically derives an Ed25519 signing
// keypair from a 32-byte seed.
func Ed25519KeypairFromSeed(seed [KeySize]byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv
}

// X25519KeypairFromSeed deterministically derives the X25519
// key-agreement keypair used for the identity's DH operations. The
// Ed25519 signing keypair above is derived independently from the
// same seed via its own domain-separated construction (ed25519's own
// SHA-512 expansion); this derivation runs the seed through a
// domain-separated SHA-256 before clamping so the two keypairs never
// share a raw scalar.
func X25519KeypairFromSeed(seed [KeySize]byte) (pub, priv [KeySize]byte, err error) {
	priv = SHA256(append([]byte("e2ee-core-x25519-identity-v1"), seed[:]...))
	clamp(&priv)
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	copy(pub[:], p)
	return pub, priv, nil
}

// Ed25519SignFromSeed signs msg with the Ed25519 key derived from seed.
func Ed25519SignFromSeed(seed [KeySize]byte, msg []byte) []byte {
	_, priv := Ed25519KeypairFromSeed(seed)
	return ed25519.Sign(priv, msg)
}

// Ed25519Verify reports whether sig is a valid Ed25519 signature of
// msg under pub.
func Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// HKDFSha256 runs a single extract+expand HKDF-SHA256 call and
// returns L bytes of output keying material.
func HKDFSha256(ikm, salt, info []byte, l int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, l)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	return out, nil
}

// HMACSha256 computes HMAC-SHA256(key, input).
func HMACSha256(key, input []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(input)
	return mac.Sum(nil)
}

// AEADSeal encrypts plaintext under key (32 bytes) with a fresh random
// nonce and returns nonce || ciphertext || tag. The nonce is drawn
// fresh from the CSPRNG on every call and is never reused under the
// same key.
func AEADSeal(key [KeySize]byte, plaintext []byte) ([]byte, error) {
	return AEADSealAD(key, plaintext, nil)
}

// AEADOpen decrypts an envelope produced by AEADSeal. Failure always
// returns ErrMac; callers should not attempt to distinguish truncation
// from authentication failure.
func AEADOpen(key [KeySize]byte, envelope []byte) ([]byte, error) {
	return AEADOpenAD(key, envelope, nil)
}

// AEADSealAD is AEADSeal with additional authenticated data that is
// verified but not encrypted, e.g. a ratchet message header.
func AEADSealAD(key [KeySize]byte, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, additionalData)
	return out, nil
}

// AEADOpenAD is AEADOpen with the same additional authenticated data
// that was passed to AEADSealAD.
func AEADOpenAD(key [KeySize]byte, envelope, additionalData []byte) ([]byte, error) {
	if len(envelope) < NonceSize+TagSize {
		return nil, e2eerr.ErrMac
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	nonce := envelope[:NonceSize]
	ciphertext := envelope[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, e2eerr.ErrMac
	}
	return plaintext, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	return b, nil
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Fingerprint renders the first n hex characters (uppercase) of
// SHA-256(pub) — the human-comparable identity digest.
func Fingerprint(pub [KeySize]byte, n int) string {
	digest := sha256.Sum256(pub[:])
	full := strings.ToUpper(hex.EncodeToString(digest[:]))
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}
