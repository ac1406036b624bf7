package recovery_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianvault/recoveryd/internal/recovery"
	"github.com/guardianvault/recoveryd/internal/testutil"
)

func TestMajorityQuorum_Threshold(t *testing.T) {
	tests := []struct {
		active int
		want   int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{7, 4},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, recovery.MajorityQuorum{}.Threshold(tt.active), "active=%d", tt.active)
	}
}

func TestParseQuorumPolicy(t *testing.T) {
	p, err := recovery.ParseQuorumPolicy("")
	require.NoError(t, err)
	assert.Equal(t, "majority", p.String())

	p, err = recovery.ParseQuorumPolicy("fixed:2")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Threshold(5))
	assert.Equal(t, "fixed:2", p.String())

	for _, bad := range []string{"fixed:0", "fixed:x", "unanimous"} {
		_, err := recovery.ParseQuorumPolicy(bad)
		assert.Error(t, err, bad)
	}
}

func TestRegistry_Add(t *testing.T) {
	r := recovery.NewRegistry(nil)
	now := time.Now().UTC()

	g, err := r.Add(testutil.Addr(10).String(), "alice", now)
	require.NoError(t, err)
	assert.True(t, g.IsActive())
	assert.Equal(t, "alice", g.Label)

	_, err = r.Add(testutil.Addr(10).String(), "again", now)
	assert.ErrorIs(t, err, recovery.ErrDuplicateGuardian)

	_, err = r.Add("not-an-address", "", now)
	assert.ErrorIs(t, err, recovery.ErrInvalidIdentifier)

	_, err = r.Add("0x0000000000000000000000000000000000000000", "", now)
	assert.ErrorIs(t, err, recovery.ErrInvalidIdentifier)

	assert.Equal(t, 1, r.ActiveCount())
}

func TestRegistry_AddIsCaseInsensitive(t *testing.T) {
	r := recovery.NewRegistry(nil)
	now := time.Now().UTC()

	_, err := r.Add("0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "", now)
	require.NoError(t, err)

	_, err = r.Add("0x70997970c51812dc3a010c7d01b50e0d17dc79c8", "", now)
	assert.ErrorIs(t, err, recovery.ErrDuplicateGuardian)
}

func TestRegistry_RemoveKeepsQuorumReachable(t *testing.T) {
	r := recovery.NewRegistry(nil)
	now := time.Now().UTC()
	for i := 10; i < 13; i++ {
		_, err := r.Add(testutil.Addr(i).String(), "", now)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.QuorumThreshold())

	require.NoError(t, r.Remove(testutil.Addr(10)))
	require.NoError(t, r.Remove(testutil.Addr(11)))
	assert.Equal(t, 1, r.ActiveCount())

	err := r.Remove(testutil.Addr(12))
	assert.ErrorIs(t, err, recovery.ErrQuorumUnreachable)
	assert.Equal(t, 1, r.ActiveCount())

	err = r.Remove(testutil.Addr(99))
	assert.ErrorIs(t, err, recovery.ErrNotFound)
}

func TestRegistry_FixedQuorumBlocksRemoval(t *testing.T) {
	r := recovery.NewRegistry(recovery.FixedQuorum{N: 2})
	now := time.Now().UTC()
	for i := 10; i < 12; i++ {
		_, err := r.Add(testutil.Addr(i).String(), "", now)
		require.NoError(t, err)
	}

	assert.True(t, r.QuorumReachable())
	assert.ErrorIs(t, r.Remove(testutil.Addr(10)), recovery.ErrQuorumUnreachable)
}

func TestRegistry_QuorumReachable(t *testing.T) {
	r := recovery.NewRegistry(nil)
	assert.False(t, r.QuorumReachable())

	_, err := r.Add(testutil.Addr(10).String(), "", time.Now())
	require.NoError(t, err)
	assert.True(t, r.QuorumReachable())

	fixed := recovery.NewRegistry(recovery.FixedQuorum{N: 3}, r.Guardians()...)
	assert.False(t, fixed.QuorumReachable())
}
