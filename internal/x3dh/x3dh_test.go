package x3dh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sealedline/e2ee-core/internal/cryptoprimitives"
	"github.com/sealedline/e2ee-core/internal/e2eerr"
)

func randomSeed(t *testing.T) [32]byte {
	t.Helper()
	b, err := cryptoprimitives.RandomBytes(32)
	require.NoError(t, err)
	var seed [32]byte
	copy(seed[:], b)
	return seed
}

func buildBundle(t *testing.T, bobSeed [32]byte, withOPK bool) (Bundle, [32]byte /*spkPriv*/, *[32]byte /*opkPriv*/, uint32 /*opkID*/) {
	t.Helper()
	bobIdentityPub, _, err := cryptoprimitives.X25519KeypairFromSeed(bobSeed)
	require.NoError(t, err)
	signingPub, signingPriv := cryptoprimitives.Ed25519KeypairFromSeed(bobSeed)
	_ = signingPriv

	spkPub, spkPriv, err := cryptoprimitives.GenerateX25519()
	require.NoError(t, err)
	sig := cryptoprimitives.Ed25519SignFromSeed(bobSeed, spkPub[:])

	b := Bundle{
		IdentityPub:     bobIdentityPub,
		SigningPub:      signingPub,
		SignedPrekeyPub: spkPub,
		SignedPrekeySig: sig,
		SignedPrekeyID:  1,
	}

	var opkPrivPtr *[32]byte
	var opkID uint32
	if withOPK {
		opkPub, opkPriv, err := cryptoprimitives.GenerateX25519()
		require.NoError(t, err)
		opkID = 7
		b.OneTimePrekeyPub = &opkPub
		b.OneTimePrekeyID = &opkID
		opkPrivPtr = &opkPriv
	}

	return b, spkPriv, opkPrivPtr, opkID
}

func TestX3DHSymmetryWithOneTimePrekey(t *testing.T) {
	aliceSeed := randomSeed(t)
	bobSeed := randomSeed(t)

	bundle, spkPriv, opkPriv, _ := buildBundle(t, bobSeed, true)

	initRes, err := RunInitiator(aliceSeed, bundle)
	require.NoError(t, err)

	aliceIdentityPub, _, err := cryptoprimitives.X25519KeypairFromSeed(aliceSeed)
	require.NoError(t, err)

	responderSecret, err := RunResponder(bobSeed, spkPriv, opkPriv, aliceIdentityPub, initRes.EphemeralPub)
	require.NoError(t, err)

	require.Equal(t, initRes.SharedSecret, responderSecret)
}

func TestX3DHSymmetryWithoutOneTimePrekey(t *testing.T) {
	aliceSeed := randomSeed(t)
	bobSeed := randomSeed(t)

	bundle, spkPriv, _, _ := buildBundle(t, bobSeed, false)

	initRes, err := RunInitiator(aliceSeed, bundle)
	require.NoError(t, err)
	require.Nil(t, initRes.RemoteOneTimePrekeyID)

	aliceIdentityPub, _, err := cryptoprimitives.X25519KeypairFromSeed(aliceSeed)
	require.NoError(t, err)

	responderSecret, err := RunResponder(bobSeed, spkPriv, nil, aliceIdentityPub, initRes.EphemeralPub)
	require.NoError(t, err)

	require.Equal(t, initRes.SharedSecret, responderSecret)
}

func TestX3DHRejectsMissingSignedPrekey(t *testing.T) {
	aliceSeed := randomSeed(t)
	bundle := Bundle{}
	_, err := RunInitiator(aliceSeed, bundle)
	require.ErrorIs(t, err, e2eerr.ErrBadBundle)
}

func TestX3DHRejectsTamperedSignature(t *testing.T) {
	aliceSeed := randomSeed(t)
	bobSeed := randomSeed(t)

	bundle, _, _, _ := buildBundle(t, bobSeed, false)
	bundle.SignedPrekeySig = make([]byte, 64)

	_, err := RunInitiator(aliceSeed, bundle)
	require.ErrorIs(t, err, e2eerr.ErrBadBundle)
}
