package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sealedline/e2ee-core/internal/bundlecache"
	"github.com/sealedline/e2ee-core/internal/config"
	"github.com/sealedline/e2ee-core/internal/keymanager"
	"github.com/sealedline/e2ee-core/internal/ratchet"
	"github.com/sealedline/e2ee-core/internal/storage"
	"github.com/sealedline/e2ee-core/internal/x3dh"
)

func newPartyStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee-core.db")
	s, err := storage.Open(path, "test-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fetcherFor builds a bundlecache.Fetcher that serves keys' own bundle,
// attaching one pending one-time prekey the way the publish endpoint's
// server-held pool would.
func fetcherFor(keys *keymanager.Manager) bundlecache.Fetcher {
	return func(ctx context.Context, peerID string) (x3dh.Bundle, error) {
		bundle, err := keys.OwnBundle()
		if err != nil {
			return x3dh.Bundle{}, err
		}
		pending, err := keys.GetPendingUpload()
		if err != nil {
			return x3dh.Bundle{}, err
		}
		if len(pending.OneTimePrekeys) > 0 {
			otk := pending.OneTimePrekeys[0]
			id := otk.KeyID
			pub := otk.Pub
			bundle.OneTimePrekeyID = &id
			bundle.OneTimePrekeyPub = &pub
		}
		return bundle, nil
	}
}

type party struct {
	store    *storage.Store
	keys     *keymanager.Manager
	bundles  *bundlecache.Cache
	sessions *Manager
}

func newParty(t *testing.T, peerKeys *keymanager.Manager) *party {
	t.Helper()
	store := newPartyStore(t)
	keys := keymanager.New(store)
	require.NoError(t, keys.Initialize())

	var bundles *bundlecache.Cache
	if peerKeys != nil {
		var err error
		bundles, err = bundlecache.New("", fetcherFor(peerKeys))
		require.NoError(t, err)
	}

	p := &party{store: store, keys: keys, bundles: bundles}
	if bundles != nil {
		p.sessions = New(store, keys, bundles)
	}
	return p
}

func TestRoundTripEstablishesAndExchangesMessages(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)
	bob.bundles, _ = bundlecache.New("", fetcherFor(alice.keys))
	bob.sessions = New(bob.store, bob.keys, bob.bundles)

	env, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("hello bob"))
	require.NoError(t, err)
	require.NotNil(t, env.X3DH)

	pt, err := bob.sessions.DecryptMessage(ctx, "alice", env)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))

	env2, err := bob.sessions.EncryptMessage(ctx, "alice", []byte("hi alice"))
	require.NoError(t, err)

	pt2, err := alice.sessions.DecryptMessage(ctx, "bob", env2)
	require.NoError(t, err)
	require.Equal(t, "hi alice", string(pt2))

	for i := 0; i < 3; i++ {
		env, err = alice.sessions.EncryptMessage(ctx, "bob", []byte("ping"))
		require.NoError(t, err)
		require.Nil(t, env.X3DH)
		pt, err = bob.sessions.DecryptMessage(ctx, "alice", env)
		require.NoError(t, err)
		require.Equal(t, "ping", string(pt))

		env, err = bob.sessions.EncryptMessage(ctx, "alice", []byte("pong"))
		require.NoError(t, err)
		pt, err = alice.sessions.DecryptMessage(ctx, "bob", env)
		require.NoError(t, err)
		require.Equal(t, "pong", string(pt))
	}
}

func TestX3DHHintClearedAfterFirstMessage(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)

	env1, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("one"))
	require.NoError(t, err)
	require.NotNil(t, env1.X3DH)

	env2, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("two"))
	require.NoError(t, err)
	require.Nil(t, env2.X3DH)
}

func TestConcurrentEncryptEstablishesSessionOnce(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)

	const n = 8
	var wg sync.WaitGroup
	envs := make([]ratchet.Envelope, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envs[i], errs[i] = alice.sessions.EncryptMessage(ctx, "bob", []byte("msg"))
		}(i)
	}
	wg.Wait()

	var withHint int
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if envs[i].X3DH != nil {
			withHint++
		}
	}
	require.Equal(t, 1, withHint, "exactly one envelope should carry the bootstrapping x3dh hint")
}

func TestOneTimePrekeyConsumedOnEstablish(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)

	countBefore, err := bob.store.CountOneTimePrekeys()
	require.NoError(t, err)

	env, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("hi"))
	require.NoError(t, err)
	require.NotNil(t, env.X3DH)
	require.NotNil(t, env.X3DH.UsedOneTimePrekeyID)

	bob.bundles, _ = bundlecache.New("", fetcherFor(alice.keys))
	bob.sessions = New(bob.store, bob.keys, bob.bundles)

	_, err = bob.sessions.DecryptMessage(ctx, "alice", env)
	require.NoError(t, err)

	_, ok, err := bob.keys.ConsumeOneTimePrekey(*env.X3DH.UsedOneTimePrekeyID)
	require.NoError(t, err)
	require.False(t, ok, "one-time prekey should already have been consumed by establishResponderSession")

	countAfter, err := bob.store.CountOneTimePrekeys()
	require.NoError(t, err)
	require.Equal(t, countBefore-1, countAfter, "exactly one one-time prekey should have been consumed")
}

func TestOneTimePrekeyPoolToppedUpWhenLow(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)
	bob.bundles, _ = bundlecache.New("", fetcherFor(alice.keys))
	bob.sessions = New(bob.store, bob.keys, bob.bundles)

	for {
		count, err := bob.store.CountOneTimePrekeys()
		require.NoError(t, err)
		if count <= config.MinPool {
			break
		}
		pending, err := bob.keys.GetPendingUpload()
		require.NoError(t, err)
		require.NotEmpty(t, pending.OneTimePrekeys)
		for _, otk := range pending.OneTimePrekeys {
			count, err = bob.store.CountOneTimePrekeys()
			require.NoError(t, err)
			if count <= config.MinPool {
				break
			}
			_, ok, err := bob.keys.ConsumeOneTimePrekey(otk.KeyID)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}

	countBefore, err := bob.store.CountOneTimePrekeys()
	require.NoError(t, err)
	require.LessOrEqual(t, countBefore, config.MinPool)

	env, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("hi"))
	require.NoError(t, err)
	_, err = bob.sessions.DecryptMessage(ctx, "alice", env)
	require.NoError(t, err)

	countAfter, err := bob.store.CountOneTimePrekeys()
	require.NoError(t, err)
	require.Greater(t, countAfter, config.MinPool, "pool should have been topped back up after dropping below the low-water mark")
}

func TestSignedPrekeyRotationTriggersReestablishment(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)
	bob.bundles, _ = bundlecache.New("", fetcherFor(alice.keys))
	bob.sessions = New(bob.store, bob.keys, bob.bundles)

	env1, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("first"))
	require.NoError(t, err)
	require.NotNil(t, env1.X3DH)
	firstSignedPrekeyID := env1.X3DH.UsedSignedPrekeyID

	_, err = bob.sessions.DecryptMessage(ctx, "alice", env1)
	require.NoError(t, err)

	require.NoError(t, bob.keys.RotateSignedPrekey())

	env2, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("second"))
	require.NoError(t, err)
	require.NotNil(t, env2.X3DH, "rotation should force a fresh x3dh handshake")
	require.NotEqual(t, firstSignedPrekeyID, env2.X3DH.UsedSignedPrekeyID)

	pt, err := bob.sessions.DecryptMessage(ctx, "alice", env2)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt))
}

func TestResetSessionForcesReestablishment(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)

	env1, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("first"))
	require.NoError(t, err)
	require.NotNil(t, env1.X3DH)

	env2, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("second"))
	require.NoError(t, err)
	require.Nil(t, env2.X3DH)

	require.NoError(t, alice.sessions.ResetSession("bob"))

	env3, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("third"))
	require.NoError(t, err)
	require.NotNil(t, env3.X3DH, "resetting the session should force a fresh handshake on next send")
}

func TestDecryptFailureLeavesSessionStateUntouched(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)
	bob.bundles, _ = bundlecache.New("", fetcherFor(alice.keys))
	bob.sessions = New(bob.store, bob.keys, bob.bundles)

	env1, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("first"))
	require.NoError(t, err)
	_, err = bob.sessions.DecryptMessage(ctx, "alice", env1)
	require.NoError(t, err)

	env2, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("second"))
	require.NoError(t, err)
	env2.Ciphertext[len(env2.Ciphertext)-1] ^= 0xFF

	_, err = bob.sessions.DecryptMessage(ctx, "alice", env2)
	require.Error(t, err)

	env3, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("third"))
	require.NoError(t, err)
	pt3, err := bob.sessions.DecryptMessage(ctx, "alice", env3)
	require.NoError(t, err)
	require.Equal(t, "third", string(pt3))
}

func TestReplayedFirstEnvelopeDoesNotDestroyReadySession(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	alice := newParty(t, bob.keys)
	bob.bundles, _ = bundlecache.New("", fetcherFor(alice.keys))
	bob.sessions = New(bob.store, bob.keys, bob.bundles)

	env1, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("first"))
	require.NoError(t, err)
	require.NotNil(t, env1.X3DH)

	_, err = bob.sessions.DecryptMessage(ctx, "alice", env1)
	require.NoError(t, err)

	env2, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("second"))
	require.NoError(t, err)
	pt2, err := bob.sessions.DecryptMessage(ctx, "alice", env2)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt2))

	// Replaying env1 (same x3dh hint, same signed-prekey id bob's
	// session was already established against) must not tear down the
	// live session that has since moved on.
	_, err = bob.sessions.DecryptMessage(ctx, "alice", env1)
	require.Error(t, err, "a replayed handshake envelope should fail, not silently re-establish")

	env3, err := alice.sessions.EncryptMessage(ctx, "bob", []byte("third"))
	require.NoError(t, err)
	pt3, err := bob.sessions.DecryptMessage(ctx, "alice", env3)
	require.NoError(t, err)
	require.Equal(t, "third", string(pt3), "the session must still be usable after the replay attempt")
}

func TestDecryptWithoutSessionOrHintFails(t *testing.T) {
	ctx := context.Background()

	bob := newParty(t, nil)
	bob.bundles, _ = bundlecache.New("", fetcherFor(bob.keys))
	bob.sessions = New(bob.store, bob.keys, bob.bundles)

	_, err := bob.sessions.DecryptMessage(ctx, "nobody", ratchet.Envelope{})
	require.Error(t, err)
}
