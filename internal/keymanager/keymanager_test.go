package keymanager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sealedline/e2ee-core/internal/config"
	"github.com/sealedline/e2ee-core/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee-core.db")
	s, err := storage.Open(path, "test-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestInitializeBootstrapsIdentityAndPool(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	id, err := m.Identity()
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, id.IdentityPub)

	bundle, err := m.OwnBundle()
	require.NoError(t, err)
	require.Len(t, bundle.Fingerprint, config.FingerprintLength)
	require.NotEmpty(t, bundle.SignedPrekeySig)

	upload, err := m.GetPendingUpload()
	require.NoError(t, err)
	require.Len(t, upload.OneTimePrekeys, config.MaxUploadBatch)

	count, err := m.store.CountOneTimePrekeys()
	require.NoError(t, err)
	require.Equal(t, config.OneTimePrekeyTarget, count)
}

func TestInitializeIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())
	id1, err := m.Identity()
	require.NoError(t, err)

	require.NoError(t, m.Initialize())
	id2, err := m.Identity()
	require.NoError(t, err)

	require.Equal(t, id1.Seed, id2.Seed)
}

func TestTopUpOnlyActsBelowMinPool(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	require.NoError(t, m.TopUpOneTimePrekeys())

	upload, err := m.GetPendingUpload()
	require.NoError(t, err)
	require.LessOrEqual(t, len(upload.OneTimePrekeys), config.MaxUploadBatch)

	drainTo := func(target int) {
		for {
			count, err := m.store.CountOneTimePrekeys()
			require.NoError(t, err)
			if count <= target {
				return
			}
			pending, err := m.GetPendingUpload()
			require.NoError(t, err)
			require.NotEmpty(t, pending.OneTimePrekeys)
			_, ok, err := m.ConsumeOneTimePrekey(pending.OneTimePrekeys[0].KeyID)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}

	drainTo(config.MinPool)
	require.NoError(t, m.TopUpOneTimePrekeys())
	count, err := m.store.CountOneTimePrekeys()
	require.NoError(t, err)
	require.Equal(t, config.MinPool, count, "a pool at exactly MinPool must not be topped up")

	drainTo(config.MinPool - 1)
	require.NoError(t, m.TopUpOneTimePrekeys())
	count, err = m.store.CountOneTimePrekeys()
	require.NoError(t, err)
	require.Equal(t, config.OneTimePrekeyTarget, count)
}

func TestMarkUploadedConsumesBatch(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	upload, err := m.GetPendingUpload()
	require.NoError(t, err)
	require.NotEmpty(t, upload.OneTimePrekeys)

	ids := make([]uint32, 0, len(upload.OneTimePrekeys))
	for _, k := range upload.OneTimePrekeys {
		ids = append(ids, k.KeyID)
	}
	require.NoError(t, m.MarkUploaded(ids, true))

	upload2, err := m.GetPendingUpload()
	require.NoError(t, err)
	require.Len(t, upload2.OneTimePrekeys, config.OneTimePrekeyTarget-config.MaxUploadBatch)
	for _, k := range upload2.OneTimePrekeys {
		require.NotContains(t, ids, k.KeyID)
	}
	require.True(t, upload2.SignedPrekey.Uploaded)
}

func TestRotateSignedPrekeyChangesKeyID(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	before, err := m.GetPendingUpload()
	require.NoError(t, err)
	firstID := before.SignedPrekey.KeyID

	require.NoError(t, m.RotateSignedPrekey())

	after, err := m.GetPendingUpload()
	require.NoError(t, err)
	require.NotEqual(t, firstID, after.SignedPrekey.KeyID)

	// The rotated-out key must still be retrievable: in-flight X3DH
	// handshakes against it must still complete.
	old, ok, err := m.SignedPrekeyByID(firstID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, firstID, old.KeyID)
}

func TestConsumeOneTimePrekeyIsSingleUse(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	upload, err := m.GetPendingUpload()
	require.NoError(t, err)
	keyID := upload.OneTimePrekeys[0].KeyID

	_, ok, err := m.ConsumeOneTimePrekey(keyID)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.ConsumeOneTimePrekey(keyID)
	require.NoError(t, err)
	require.False(t, ok)
}
