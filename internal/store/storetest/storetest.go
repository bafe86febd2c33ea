// Package storetest is a conformance suite every store.Store implementation
// must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/upgrades"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) store.Store

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("KeyPairs", func(t *testing.T) { testKeyPairs(t, open(t)) })
	t.Run("CreateFolder", func(t *testing.T) { testCreateFolder(t, open(t)) })
	t.Run("UpdateFolderCompareAndAppend", func(t *testing.T) { testCompareAndAppend(t, open(t)) })
	t.Run("PutObject", func(t *testing.T) { testPutObject(t, open(t)) })
	t.Run("RotationCommit", func(t *testing.T) { testRotationCommit(t, open(t)) })
	t.Run("RotationCommitRejectsUnstaged", func(t *testing.T) { testRotationCommitRejectsUnstaged(t, open(t)) })
}

var ts = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func keyPair(id string, gen int) *secrets.KeyPair {
	return &secrets.KeyPair{
		Principal:           secrets.Principal{ID: id, Kind: secrets.KindUser, OrgID: "org"},
		Generation:          gen,
		PublicKey:           []byte("-----BEGIN PUBLIC KEY-----\n" + id + "\n-----END PUBLIC KEY-----\n"),
		EncryptedPrivateKey: []byte{1, 2, 3},
		Nonce:               []byte{4, 5, 6},
		Salt:                []byte{7, 8, 9},
		KDF:                 secrets.DefaultKDFParams,
		CreatedAt:           ts,
	}
}

func envelope(principal, keyID string) *secrets.Envelope {
	return &secrets.Envelope{
		PrincipalID:   principal,
		Algorithm:     secrets.AlgRSAOAEPSHA256,
		KeyID:         keyID,
		KeyGeneration: 1,
		WrappedKey:    []byte(principal + "/" + keyID),
	}
}

func sealed(keyID, body string) *secrets.Sealed {
	return &secrets.Sealed{
		Algorithm:  secrets.AlgAES256GCM,
		KeyID:      keyID,
		Nonce:      make([]byte, 12),
		Tag:        make([]byte, 16),
		Ciphertext: []byte(body),
	}
}

// newFolder creates folder id with owner holding key k1.
func newFolder(t *testing.T, s store.Store, id, parent string) *store.Folder {
	t.Helper()
	f := &store.Folder{
		ID:        id,
		OrgID:     "org",
		ParentID:  parent,
		Name:      id,
		KeyID:     "k1",
		Envelopes: secrets.EnvelopeSet{"owner": envelope("owner", "k1")},
		Upgrades: upgrades.Log{{
			Sequence: 0, Operation: upgrades.OpCreate, PrincipalID: "owner", KeyID: "k1", Timestamp: ts,
		}},
		CreatedAt: ts,
	}
	require.NoError(t, s.CreateFolder(context.Background(), f))
	return f
}

func testKeyPairs(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateKeyPair(ctx, keyPair("alice", 1)))
	assert.ErrorIs(t, s.CreateKeyPair(ctx, keyPair("alice", 1)), terrors.ErrPublicKeyExists)

	got, err := s.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Generation)
	assert.Equal(t, []byte{1, 2, 3}, got.EncryptedPrivateKey)
	assert.Equal(t, secrets.DefaultKDFParams, got.KDF)

	_, err = s.GetKeyPair(ctx, "nobody")
	assert.ErrorIs(t, err, terrors.ErrPrincipalNotFound)

	assert.ErrorIs(t, s.ReplaceKeyPair(ctx, keyPair("alice", 3)), terrors.ErrKeyRotationConflict)
	require.NoError(t, s.ReplaceKeyPair(ctx, keyPair("alice", 2)))
	got, err = s.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Generation)

	assert.ErrorIs(t, s.ReplaceKeyPair(ctx, keyPair("nobody", 2)), terrors.ErrPrincipalNotFound)
}

func testCreateFolder(t *testing.T, s store.Store) {
	ctx := context.Background()

	newFolder(t, s, "root", "")
	newFolder(t, s, "child", "root")

	err := s.CreateFolder(ctx, &store.Folder{ID: "root", OrgID: "org", KeyID: "k1"})
	assert.ErrorIs(t, err, terrors.ErrFolderExists)

	err = s.CreateFolder(ctx, &store.Folder{ID: "orphan", OrgID: "org", ParentID: "missing", KeyID: "k1"})
	assert.ErrorIs(t, err, terrors.ErrFolderNotFound)

	_, err = s.GetFolder(ctx, "missing")
	assert.ErrorIs(t, err, terrors.ErrFolderNotFound)

	got, err := s.GetFolder(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "root", got.ParentID)
	assert.Equal(t, []string{"owner"}, got.Envelopes.Holders())
	require.Len(t, got.Upgrades, 1)
	assert.Equal(t, upgrades.OpCreate, got.Upgrades[0].Operation)

	// Returned folders are copies.
	delete(got.Envelopes, "owner")
	again, err := s.GetFolder(ctx, "child")
	require.NoError(t, err)
	assert.True(t, again.Envelopes.Has("owner"))

	all, err := s.ListFolders(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "child", all[0].ID)
	assert.Equal(t, "root", all[1].ID)
}

func testCompareAndAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	newFolder(t, s, "f", "")

	grant := upgrades.Upgrade{Sequence: 1, Operation: upgrades.OpGrant, PrincipalID: "bob", KeyID: "k1", Timestamp: ts}
	envs := secrets.EnvelopeSet{"owner": envelope("owner", "k1"), "bob": envelope("bob", "k1")}

	f, err := s.UpdateFolder(ctx, "f", store.FolderUpdate{ExpectedLength: 1, Append: &grant, Envelopes: envs})
	require.NoError(t, err)
	assert.Len(t, f.Upgrades, 2)
	assert.Equal(t, []string{"bob", "owner"}, f.Envelopes.Holders())

	// A second writer that computed against length 1 loses.
	other := upgrades.Upgrade{Sequence: 1, Operation: upgrades.OpGrant, PrincipalID: "carol", KeyID: "k1", Timestamp: ts}
	_, err = s.UpdateFolder(ctx, "f", store.FolderUpdate{
		ExpectedLength: 1,
		Append:         &other,
		Envelopes:      secrets.EnvelopeSet{"owner": envelope("owner", "k1"), "carol": envelope("carol", "k1")},
	})
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)

	// Sequence must match the expected length.
	bad := upgrades.Upgrade{Sequence: 5, Operation: upgrades.OpGrant, PrincipalID: "carol", KeyID: "k1", Timestamp: ts}
	_, err = s.UpdateFolder(ctx, "f", store.FolderUpdate{ExpectedLength: 2, Append: &bad})
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)

	got, err := s.GetFolder(ctx, "f")
	require.NoError(t, err)
	assert.Len(t, got.Upgrades, 2)
	assert.False(t, got.Envelopes.Has("carol"))
	assert.True(t, got.Upgrades[1].Timestamp.Equal(ts))

	_, err = s.UpdateFolder(ctx, "missing", store.FolderUpdate{})
	assert.ErrorIs(t, err, terrors.ErrFolderNotFound)
}

func testPutObject(t *testing.T, s store.Store) {
	ctx := context.Background()
	newFolder(t, s, "f", "")

	require.NoError(t, s.PutObject(ctx, &store.Object{ID: "o1", FolderID: "f", Sealed: sealed("k1", "a"), CreatedAt: ts}))
	require.NoError(t, s.PutObject(ctx, &store.Object{ID: "o0", FolderID: "f", Sealed: sealed("k1", "b"), CreatedAt: ts.Add(time.Second)}))

	err := s.PutObject(ctx, &store.Object{ID: "o2", FolderID: "f", Sealed: sealed("k0", "c"), CreatedAt: ts})
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)

	err = s.PutObject(ctx, &store.Object{ID: "o3", FolderID: "missing", Sealed: sealed("k1", "c"), CreatedAt: ts})
	assert.ErrorIs(t, err, terrors.ErrFolderNotFound)

	got, err := s.GetObject(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "k1", got.KeyID())
	assert.Equal(t, []byte("a"), got.Sealed.Ciphertext)

	_, err = s.GetObject(ctx, "nope")
	assert.ErrorIs(t, err, terrors.ErrObjectNotFound)

	objs, err := s.ListObjects(ctx, "f")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "o1", objs[0].ID)
	assert.Equal(t, "o0", objs[1].ID)
}

func startRotation(t *testing.T, s store.Store) {
	t.Helper()
	_, err := s.UpdateFolder(context.Background(), "f", store.FolderUpdate{
		ExpectedLength: 1,
		SetPending: &store.PendingRotation{
			KeyID:        "k2",
			BaseKeyID:    "k1",
			BaseSequence: 1,
			Holders:      []string{"owner"},
			Envelopes:    secrets.EnvelopeSet{"owner": envelope("owner", "k2")},
			Reason:       upgrades.ReasonManual,
			StartedBy:    "owner",
			StartedAt:    ts,
		},
	})
	require.NoError(t, err)
}

func rotateEntry() *upgrades.Upgrade {
	return &upgrades.Upgrade{
		Sequence: 1, Operation: upgrades.OpRotate, KeyID: "k2",
		Holders: []string{"owner"}, Reason: upgrades.ReasonManual, Timestamp: ts,
	}
}

func testRotationCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	newFolder(t, s, "f", "")
	require.NoError(t, s.PutObject(ctx, &store.Object{ID: "o1", FolderID: "f", Sealed: sealed("k1", "old1"), CreatedAt: ts}))
	require.NoError(t, s.PutObject(ctx, &store.Object{ID: "o2", FolderID: "f", Sealed: sealed("k1", "old2"), CreatedAt: ts}))

	startRotation(t, s)

	// While a rotation is pending no new objects land and no second rotation starts.
	err := s.PutObject(ctx, &store.Object{ID: "o3", FolderID: "f", Sealed: sealed("k1", "x"), CreatedAt: ts})
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)
	_, err = s.UpdateFolder(ctx, "f", store.FolderUpdate{ExpectedLength: 1, SetPending: &store.PendingRotation{KeyID: "k3"}})
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)

	assert.ErrorIs(t, s.StageObjects(ctx, "f", "k9", map[string]*secrets.Sealed{"o1": sealed("k9", "n")}), terrors.ErrKeyRotationConflict)
	require.NoError(t, s.StageObjects(ctx, "f", "k2", map[string]*secrets.Sealed{"o1": sealed("k2", "new1")}))
	require.NoError(t, s.StageObjects(ctx, "f", "k2", map[string]*secrets.Sealed{"o2": sealed("k2", "new2")}))

	f, err := s.GetFolder(ctx, "f")
	require.NoError(t, err)
	require.NotNil(t, f.Pending)
	assert.Equal(t, "k2", f.Pending.KeyID)
	assert.True(t, f.Pending.Envelopes.Has("owner"))

	f, err = s.UpdateFolder(ctx, "f", store.FolderUpdate{
		ExpectedLength: 1,
		Append:         rotateEntry(),
		Envelopes:      f.Pending.Envelopes,
		KeyID:          "k2",
		ClearPending:   true,
		PromoteStaged:  true,
	})
	require.NoError(t, err)
	assert.Nil(t, f.Pending)
	assert.Equal(t, "k2", f.KeyID)
	assert.Equal(t, "k2", f.Envelopes["owner"].KeyID)

	objs, err := s.ListObjects(ctx, "f")
	require.NoError(t, err)
	for _, o := range objs {
		assert.Equal(t, "k2", o.KeyID(), "object %s", o.ID)
		assert.Nil(t, o.Staged)
	}
}

func testRotationCommitRejectsUnstaged(t *testing.T, s store.Store) {
	ctx := context.Background()
	newFolder(t, s, "f", "")
	require.NoError(t, s.PutObject(ctx, &store.Object{ID: "o1", FolderID: "f", Sealed: sealed("k1", "old1"), CreatedAt: ts}))
	require.NoError(t, s.PutObject(ctx, &store.Object{ID: "o2", FolderID: "f", Sealed: sealed("k1", "old2"), CreatedAt: ts}))
	startRotation(t, s)
	require.NoError(t, s.StageObjects(ctx, "f", "k2", map[string]*secrets.Sealed{"o1": sealed("k2", "new1")}))

	_, err := s.UpdateFolder(ctx, "f", store.FolderUpdate{
		ExpectedLength: 1,
		Append:         rotateEntry(),
		Envelopes:      secrets.EnvelopeSet{"owner": envelope("owner", "k2")},
		KeyID:          "k2",
		ClearPending:   true,
		PromoteStaged:  true,
	})
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)

	// Nothing moved: old key, old envelopes, pending record intact.
	f, err := s.GetFolder(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "k1", f.KeyID)
	assert.Len(t, f.Upgrades, 1)
	require.NotNil(t, f.Pending)
	o1, err := s.GetObject(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "k1", o1.KeyID())
	require.NotNil(t, o1.Staged)
	assert.Equal(t, "k2", o1.Staged.KeyID)
}
