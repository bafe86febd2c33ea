package upgrades

import (
	"testing"
	"time"

	terrors "github.com/PolarWolf314/tresor/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(seq int, op Operation, principal, key string, holders ...string) Upgrade {
	return Upgrade{
		Sequence:    seq,
		Operation:   op,
		PrincipalID: principal,
		KeyID:       key,
		Holders:     holders,
		Timestamp:   t0.Add(time.Duration(seq) * time.Minute),
	}
}

// buildLog applies entries one by one and fails the test on any error.
func buildLog(t *testing.T, entries ...Upgrade) (Log, State) {
	t.Helper()
	var log Log
	var st State
	var err error
	for _, up := range entries {
		log, st, err = Apply(log, up)
		require.NoError(t, err, "applying %s at %d", up.Operation, up.Sequence)
	}
	return log, st
}

func TestReplay_Empty(t *testing.T) {
	st, err := Replay(nil)
	require.NoError(t, err)
	assert.Equal(t, StatusUninitialized, st.Status)
	assert.Empty(t, st.Holders())
	assert.Equal(t, 0, st.Length)
}

func TestApply_ScenarioGrantRevokeRotate(t *testing.T) {
	_, st := buildLog(t,
		entry(0, OpCreate, "admin-a", "c1"),
		entry(1, OpGrant, "user-b", "c1"),
	)
	assert.Equal(t, []string{"admin-a", "user-b"}, st.Holders())

	_, st = buildLog(t,
		entry(0, OpCreate, "admin-a", "c1"),
		entry(1, OpGrant, "user-b", "c1"),
		entry(2, OpRevoke, "user-b", "c1"),
		Upgrade{Sequence: 3, Operation: OpRotate, PrincipalID: "user-b", KeyID: "c2", Holders: []string{"admin-a"}, Reason: ReasonRevoke, Timestamp: t0},
	)
	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, "c2", st.KeyID)
	assert.Equal(t, 2, st.Generation)
	assert.Equal(t, 4, st.Length)
	assert.True(t, st.Holds("admin-a"))
	assert.False(t, st.Holds("user-b"))
}

func TestApply_CreateWithInheritedHolders(t *testing.T) {
	_, st := buildLog(t,
		entry(0, OpCreate, "owner", "k1", "parent-a", "parent-b"),
		entry(1, OpRevoke, "parent-a", "k1"),
	)
	assert.Equal(t, []string{"owner", "parent-b"}, st.Holders())
}

func TestApply_DuplicateIsNoop(t *testing.T) {
	log, st := buildLog(t,
		entry(0, OpCreate, "a", "k1"),
		entry(1, OpGrant, "b", "k1"),
	)

	again, st2, err := Apply(log, entry(1, OpGrant, "b", "k1"))
	require.NoError(t, err)
	assert.Equal(t, log, again)
	assert.Equal(t, st.Holders(), st2.Holders())
	assert.Equal(t, st.Length, st2.Length)
}

func TestApply_Conflicts(t *testing.T) {
	log, _ := buildLog(t,
		entry(0, OpCreate, "a", "k1"),
		entry(1, OpGrant, "b", "k1"),
	)

	cases := map[string]Upgrade{
		"different entry at applied sequence": entry(1, OpGrant, "c", "k1"),
		"gap":                                 entry(3, OpGrant, "c", "k1"),
		"second create":                       entry(2, OpCreate, "c", "k9"),
		"grant under stale key":               entry(2, OpGrant, "c", "k0"),
		"revoke non-holder":                   entry(2, OpRevoke, "z", "k1"),
		"rotate same key":                     entry(2, OpRotate, "", "k1", "a"),
		"rotate to outsider":                  entry(2, OpRotate, "", "k2", "a", "z"),
		"rotate to nobody":                    entry(2, OpRotate, "", "k2"),
		"unknown operation":                   entry(2, "Delete", "a", "k1"),
	}
	for name, up := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Apply(log, up)
			assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)
		})
	}
}

func TestApply_RevokeLastHolder(t *testing.T) {
	log, _ := buildLog(t, entry(0, OpCreate, "a", "k1"))
	_, _, err := Apply(log, entry(1, OpRevoke, "a", "k1"))
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)
}

func TestApply_NothingAfterArchive(t *testing.T) {
	log, st := buildLog(t,
		entry(0, OpCreate, "a", "k1"),
		entry(1, OpArchive, "a", ""),
	)
	assert.Equal(t, StatusArchived, st.Status)

	_, _, err := Apply(log, entry(2, OpGrant, "b", "k1"))
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)
}

func TestApply_DoesNotAliasInput(t *testing.T) {
	log, _ := buildLog(t, entry(0, OpCreate, "a", "k1"))
	base := make(Log, 1, 8)
	copy(base, log)

	first, _, err := Apply(base, entry(1, OpGrant, "b", "k1"))
	require.NoError(t, err)
	second, _, err := Apply(base, entry(1, OpGrant, "c", "k1"))
	require.NoError(t, err)

	assert.Equal(t, "b", first[1].PrincipalID)
	assert.Equal(t, "c", second[1].PrincipalID)
}

func TestReplay_RejectsNonContiguous(t *testing.T) {
	log := Log{entry(0, OpCreate, "a", "k1"), entry(2, OpGrant, "b", "k1")}
	_, err := Replay(log)
	assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)
}

func TestReplay_Deterministic(t *testing.T) {
	log, st := buildLog(t,
		entry(0, OpCreate, "a", "k1"),
		entry(1, OpGrant, "b", "k1"),
		entry(2, OpGrant, "c", "k1"),
		entry(3, OpRotate, "", "k2", "a", "c"),
	)
	again, err := Replay(log)
	require.NoError(t, err)
	assert.Equal(t, st.Holders(), again.Holders())
	assert.Equal(t, st.KeyID, again.KeyID)
	assert.Equal(t, st.Generation, again.Generation)
}

func TestCatchUp(t *testing.T) {
	log, _ := buildLog(t,
		entry(0, OpCreate, "a", "k1"),
		entry(1, OpGrant, "b", "k1"),
		entry(2, OpGrant, "c", "k1"),
		entry(3, OpRevoke, "b", "k1"),
		entry(4, OpRotate, "b", "k2", "a", "c"),
	)

	t.Run("revoked principal", func(t *testing.T) {
		res, err := CatchUp(log, "b", 2)
		require.NoError(t, err)
		assert.False(t, res.HasAccess)
		assert.True(t, res.Reissued)
		assert.Equal(t, "k2", res.KeyID)
		assert.Equal(t, 5, res.Sequence)
		require.Len(t, res.Since, 2)
		assert.Equal(t, OpRevoke, res.Since[0].Operation)
		assert.Equal(t, OpRotate, res.Since[1].Operation)
	})

	t.Run("surviving principal", func(t *testing.T) {
		res, err := CatchUp(log, "c", 3)
		require.NoError(t, err)
		assert.True(t, res.HasAccess)
		assert.True(t, res.Reissued)
		assert.Equal(t, 2, res.Generation)
		require.Len(t, res.Since, 1)
		assert.Equal(t, OpRotate, res.Since[0].Operation)
	})

	t.Run("up to date", func(t *testing.T) {
		res, err := CatchUp(log, "a", 5)
		require.NoError(t, err)
		assert.True(t, res.HasAccess)
		assert.False(t, res.Reissued)
		assert.Empty(t, res.Since)
	})

	t.Run("ahead of log", func(t *testing.T) {
		_, err := CatchUp(log, "a", 9)
		assert.ErrorIs(t, err, terrors.ErrKeyRotationConflict)
	})
}
