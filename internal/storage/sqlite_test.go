package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sealedline/e2ee-core/internal/e2eerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee-core.db")
	s, err := Open(path, "test-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentitySaveLoadIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LoadIdentity()
	require.NoError(t, err)
	require.False(t, ok)

	id := Identity{CreatedAt: time.Now()}
	copy(id.Seed[:], []byte("01234567890123456789012345678901"))
	copy(id.IdentityPub[:], []byte("identitypublickey0123456789012"))
	require.NoError(t, s.SaveIdentity(id))

	loaded, ok, err := s.LoadIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id.Seed, loaded.Seed)

	// Second save must not overwrite the existing identity.
	other := id
	copy(other.Seed[:], []byte("different-seed-should-be-ignored"))
	require.NoError(t, s.SaveIdentity(other))
	loaded2, _, err := s.LoadIdentity()
	require.NoError(t, err)
	require.Equal(t, id.Seed, loaded2.Seed)
}

func TestOneTimePrekeyPoolLifecycle(t *testing.T) {
	s := newTestStore(t)

	start, err := s.EnsureNextPrekeyIDIncrement(5)
	require.NoError(t, err)
	require.Equal(t, uint32(1), start)

	keys := make([]OneTimePrekey, 5)
	for i := range keys {
		keys[i].KeyID = start + uint32(i)
		keys[i].CreatedAt = time.Now()
		copy(keys[i].Pub[:], []byte("pub-key-material-32-bytes-long!"))
		copy(keys[i].Priv[:], []byte("priv-key-material-32-bytes-long"))
	}
	require.NoError(t, s.SaveOneTimePrekeys(keys))

	count, err := s.CountOneTimePrekeys()
	require.NoError(t, err)
	require.Equal(t, 5, count)

	pending, err := s.GetPendingOneTimePrekeys(3)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	ids := []uint32{pending[0].KeyID, pending[1].KeyID}
	require.NoError(t, s.MarkOneTimePrekeysUploaded(ids))

	pending2, err := s.GetPendingOneTimePrekeys(10)
	require.NoError(t, err)
	require.Len(t, pending2, 3)

	loaded, ok, err := s.LoadOneTimePrekey(keys[0].KeyID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, keys[0].Priv, loaded.Priv)

	require.NoError(t, s.DeleteOneTimePrekey(keys[0].KeyID))
	_, ok, err = s.LoadOneTimePrekey(keys[0].KeyID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPrekeyIDCounterMonotonic(t *testing.T) {
	s := newTestStore(t)

	a, err := s.EnsureNextPrekeyIDIncrement(3)
	require.NoError(t, err)
	b, err := s.EnsureNextPrekeyIDIncrement(2)
	require.NoError(t, err)
	require.Equal(t, uint32(1), a)
	require.Equal(t, uint32(4), b)
}

func TestSessionRatchetStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := SessionRecord{
		PeerID:                "bob",
		RemoteSignedPrekeyID:  1,
		RemoteFingerprint:     "ABCDEF",
		RatchetState:          []byte(`{"root":"placeholder"}`),
		Status:                StatusPending,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
		OurSignedPrekeyIDUsed: 3,
		X3DHSendHint: &X3DHSendHint{
			SignedPrekeyID: 1,
		},
	}
	require.NoError(t, s.SaveSession(rec))

	loaded, ok, err := s.LoadSession("bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.RatchetState, loaded.RatchetState)
	require.Equal(t, uint32(3), loaded.OurSignedPrekeyIDUsed)
	require.NotNil(t, loaded.X3DHSendHint)

	require.NoError(t, s.UpdateSessionRatchetState("bob", []byte(`{"root":"updated"}`)))
	loaded2, _, err := s.LoadSession("bob")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"root":"updated"}`), loaded2.RatchetState)

	require.NoError(t, s.ClearSessionX3DHData("bob"))
	loaded3, _, err := s.LoadSession("bob")
	require.NoError(t, err)
	require.Nil(t, loaded3.X3DHSendHint)
}

func TestUpdateSessionRatchetStateMissingPeer(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSessionRatchetState("nobody", []byte("x"))
	require.ErrorIs(t, err, e2eerr.ErrSessionStateMissing)
}

func TestClearAllE2EEData(t *testing.T) {
	s := newTestStore(t)
	id := Identity{CreatedAt: time.Now()}
	copy(id.Seed[:], []byte("01234567890123456789012345678901"))
	require.NoError(t, s.SaveIdentity(id))

	require.NoError(t, s.ClearAllE2EEData())

	_, ok, err := s.LoadIdentity()
	require.NoError(t, err)
	require.False(t, ok)
}
