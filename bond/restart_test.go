package bond_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/afxdp-bond-go/bond"
)

func directives(active ...bool) []bond.Directive {
	out := make([]bond.Directive, len(active))
	for i, a := range active {
		out[i].Active = a
	}
	return out
}

func TestRestartFailover(t *testing.T) {
	f := newFixture(t, bond.ModeActiveBackup, bond.HashLayer2, true, false, false, false)
	require.Equal(t, []int{0, 0, 0, 0}, f.slotIndexes())

	require.NoError(t, f.group.Restart(directives(false, true, false, false)))
	require.Equal(t, []int{1, 1, 1, 1}, f.slotIndexes())
	require.Equal(t, 1, f.members[0].stops)
	require.Equal(t, 1, f.members[1].starts)

	_, err := f.group.PollOnce(nil, nil)
	require.NoError(t, err)
	for i, m := range f.members {
		if i == 1 {
			require.Equal(t, 1, m.polls)
			continue
		}
		require.Zero(t, m.polls, "member %d", i)
	}
	require.Equal(t, uint64(1), f.group.Stats().Restarts)
}

func TestRestartDirectiveCount(t *testing.T) {
	f := newFixture(t, bond.ModeActiveBackup, bond.HashLayer2, true, false)
	err := f.group.Restart(directives(true))
	require.ErrorIs(t, err, bond.ErrDirectiveCount)
	require.Zero(t, f.members[0].starts)
	require.Zero(t, f.group.Stats().Restarts)
}

func TestRestartStartFailure(t *testing.T) {
	f := newFixture(t, bond.ModeActiveBackup, bond.HashLayer2, true, false, false)
	errStart := errors.New("no link")
	f.members[1].startErr = errStart

	err := f.group.Restart(directives(false, true, true))
	require.ErrorIs(t, err, errStart)
	require.ErrorContains(t, err, "member1")
	require.False(t, f.group.Slots().IsActive(1))
	require.Equal(t, []int{2, 2, 2}, f.slotIndexes())
}

func TestRestartRearmsWithLastSequence(t *testing.T) {
	f := newFixture(t, bond.ModeActiveBackup, bond.HashLayer2, true, false)
	f.members[0].sn = 42
	var sn uint64
	_, err := f.group.PollOnce(&sn, nil)
	require.NoError(t, err)

	require.NoError(t, f.group.Restart(directives(true, true)))
	for _, m := range f.members {
		require.Equal(t, []bond.QueueClass{bond.QueueRx, bond.QueueTx}, m.arms)
		require.Equal(t, []uint64{42, 42}, m.armedSN)
	}
}

func TestRestartArmFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, bond.ModeActiveBackup, bond.HashLayer2, true, false)
	f.members[0].armErr = errors.New("arm failed")
	require.NoError(t, f.group.Restart(directives(true, false)))
	require.Equal(t, []int{0, 0}, f.slotIndexes())
}

func TestRestartHandsOverModeration(t *testing.T) {
	f := newFixture(t, bond.ModeActiveBackup, bond.HashLayer2, true, false)
	tuned := bond.Moderation{PeriodUsec: 10, Count: 5}
	f.members[0].moderation = tuned

	require.NoError(t, f.group.Restart(directives(false, true)))
	require.Equal(t, tuned, f.members[1].moderation)
}

func TestRestartModerationDefaults(t *testing.T) {
	f := newFixture(t, bond.ModeActiveBackup, bond.HashLayer2, false, false)

	require.NoError(t, f.group.Restart(directives(false, true)))
	require.Equal(t, bond.Moderation{PeriodUsec: 50, Count: 48}, f.members[1].moderation)

	// No member active, nothing to hand over to.
	f.members[1].moderation = bond.Moderation{}
	require.NoError(t, f.group.Restart(directives(false, false)))
	require.Equal(t, []int{-1, -1}, f.slotIndexes())
	require.Zero(t, f.members[0].moderation)
	require.Zero(t, f.members[1].moderation)
}

func TestRestartModerationOnlyInActiveBackup(t *testing.T) {
	f := newFixture(t, bond.Mode8023AD, bond.HashLayer34, true, false)
	f.members[0].moderation = bond.Moderation{PeriodUsec: 10, Count: 5}

	require.NoError(t, f.group.Restart(directives(false, true)))
	require.Zero(t, f.members[1].moderation)
}

func TestFailoverActiveBackup(t *testing.T) {
	f := newFixture(t, bond.ModeActiveBackup, bond.HashLayer2, false, true, false)
	g := f.group

	require.Equal(t, directives(false, true, false), g.Failover([]bool{true, true, true}),
		"current active member kept while up")
	require.Equal(t, directives(true, false, false), g.Failover([]bool{true, false, true}))
	require.Equal(t, directives(false, false, true), g.Failover([]bool{false, false, true}))
	require.Equal(t, directives(false, false, false), g.Failover([]bool{false, false, false}))

	require.NoError(t, g.Restart(g.Failover([]bool{false, false, true})))
	require.Equal(t, directives(false, false, true), g.ActiveSet())
	require.Equal(t, []int{2, 2, 2}, f.slotIndexes())

	// The original member coming back does not take over.
	require.Equal(t, directives(false, false, true), g.Failover([]bool{true, true, true}))
}

func TestFailoverLoadBalancing(t *testing.T) {
	f := newFixture(t, bond.Mode8023AD, bond.HashLayer34, true, true, true)
	require.Equal(t, directives(true, false, true), f.group.Failover([]bool{true, false, true}))
	require.Panics(t, func() { f.group.Failover([]bool{true}) })
}
