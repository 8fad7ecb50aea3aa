package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleString(t *testing.T) {
	assert.Equal(t, "FOLLOWER", Follower.String())
	assert.Equal(t, "CANDIDATE", Candidate.String())
	assert.Equal(t, "LEADER", Leader.String())
	assert.Equal(t, "UNKNOWN", Role(42).String())
}

func TestTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Role
		to      Role
		allowed bool
	}{
		{"follower to candidate", Follower, Candidate, true},
		{"candidate to leader", Candidate, Leader, true},
		{"candidate to follower", Candidate, Follower, true},
		{"leader to follower", Leader, Follower, true},
		{"follower to leader", Follower, Leader, false},
		{"leader to candidate", Leader, Candidate, false},
		{"follower to follower", Follower, Follower, false},
		{"leader to leader", Leader, Leader, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newNodeState(150 * time.Millisecond)
			s.role = tt.from

			ok := s.transitionTo(tt.to)
			assert.Equal(t, tt.allowed, ok)
			if tt.allowed {
				assert.Equal(t, tt.to, s.getRole())
			} else {
				assert.Equal(t, tt.from, s.getRole(), "illegal transition must be a no-op")
			}
		})
	}
}

func TestIncrementTermVotesForSelf(t *testing.T) {
	s := newNodeState(150 * time.Millisecond)
	s.setLeaderID("old-leader")

	term := s.incrementTerm("node-1")

	assert.Equal(t, uint64(1), term)
	require.NotNil(t, s.getVotedFor())
	assert.Equal(t, "node-1", *s.getVotedFor())
	assert.Empty(t, s.getLeaderID())
}

func TestSetTermIfHigher(t *testing.T) {
	s := newNodeState(150 * time.Millisecond)
	s.incrementTerm("node-1")
	s.transitionTo(Candidate)
	s.transitionTo(Leader)
	s.setLeaderID("node-1")

	t.Run("lower or equal term is ignored", func(t *testing.T) {
		assert.False(t, s.setTermIfHigher(0))
		assert.False(t, s.setTermIfHigher(1))
		assert.Equal(t, Leader, s.getRole())
	})

	t.Run("higher term demotes and clears vote", func(t *testing.T) {
		assert.True(t, s.setTermIfHigher(5))
		assert.Equal(t, uint64(5), s.getCurrentTerm())
		assert.Equal(t, Follower, s.getRole())
		assert.Nil(t, s.getVotedFor())
		assert.Empty(t, s.getLeaderID())
	})
}

func TestCommitAndAppliedAreMonotonic(t *testing.T) {
	s := newNodeState(150 * time.Millisecond)

	assert.True(t, s.setCommitIndex(5))
	assert.False(t, s.setCommitIndex(3), "commit index must never move backwards")
	assert.False(t, s.setCommitIndex(5))
	assert.Equal(t, uint64(5), s.getCommitIndex())

	assert.True(t, s.setLastApplied(4))
	assert.False(t, s.setLastApplied(2))
	assert.Equal(t, uint64(4), s.getLastApplied())
}

func TestRecordHeartbeatResetsContactClock(t *testing.T) {
	s := newNodeState(150 * time.Millisecond)
	s.lastContact = time.Now().Add(-time.Second)

	require.GreaterOrEqual(t, s.timeSinceLastContact(), time.Second)
	s.recordHeartbeat()
	assert.Less(t, s.timeSinceLastContact(), 100*time.Millisecond)
}

func TestDecideVote(t *testing.T) {
	t.Run("stale term is rejected", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)
		s.setTermIfHigher(5)

		d := s.decideVote(3, "cand", 10, 3, 10, 3)
		assert.False(t, d.granted)
		assert.Equal(t, "stale term", d.rejectReason)
		assert.Equal(t, uint64(5), d.term)
	})

	t.Run("higher term is adopted before deciding", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)
		s.transitionTo(Candidate)
		s.incrementTerm("self")

		d := s.decideVote(7, "cand", 10, 6, 5, 1)
		assert.True(t, d.granted)
		assert.Equal(t, uint64(7), d.term)
		assert.Equal(t, Follower, s.getRole())
	})

	t.Run("log not up to date is rejected", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)

		// Candidate's last term is older.
		d := s.decideVote(2, "cand", 10, 1, 5, 2)
		assert.False(t, d.granted)
		assert.Equal(t, "log not up-to-date", d.rejectReason)

		// Same last term but shorter log.
		d = s.decideVote(2, "cand", 4, 2, 5, 2)
		assert.False(t, d.granted)
		assert.Equal(t, "log not up-to-date", d.rejectReason)
	})

	t.Run("equal term and equal or longer log is granted", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)
		d := s.decideVote(1, "cand", 5, 2, 5, 2)
		assert.True(t, d.granted)
	})

	t.Run("second request same term different candidate is rejected", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)

		first := s.decideVote(5, "cand-A", 10, 4, 10, 4)
		require.True(t, first.granted)

		second := s.decideVote(5, "cand-B", 10, 4, 10, 4)
		assert.False(t, second.granted)
		assert.Equal(t, "already voted", second.rejectReason)
	})

	t.Run("repeat request from the same candidate is granted again", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)
		require.True(t, s.decideVote(5, "cand-A", 10, 4, 10, 4).granted)
		assert.True(t, s.decideVote(5, "cand-A", 10, 4, 10, 4).granted)
	})

	t.Run("simultaneous requests grant at most one", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)

		var wg sync.WaitGroup
		results := make([]voteDecision, 2)
		candidates := []string{"cand-A", "cand-B"}
		for i := range candidates {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = s.decideVote(5, candidates[i], 10, 4, 10, 4)
			}(i)
		}
		wg.Wait()

		granted := 0
		for _, d := range results {
			if d.granted {
				granted++
			}
		}
		assert.Equal(t, 1, granted, "exactly one of two simultaneous candidates may get the vote")
	})
}

func TestAcceptLeader(t *testing.T) {
	t.Run("stale term is rejected", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)
		s.setTermIfHigher(5)

		ok, term := s.acceptLeader(3, "leader")
		assert.False(t, ok)
		assert.Equal(t, uint64(5), term)
		assert.Empty(t, s.getLeaderID())
	})

	t.Run("current term records leader and contact", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)
		s.setTermIfHigher(5)
		s.lastContact = time.Now().Add(-time.Second)

		ok, term := s.acceptLeader(5, "leader")
		assert.True(t, ok)
		assert.Equal(t, uint64(5), term)
		assert.Equal(t, "leader", s.getLeaderID())
		assert.Less(t, s.timeSinceLastContact(), 100*time.Millisecond)
	})

	t.Run("demotes a candidate of the same term", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)
		s.transitionTo(Candidate)
		s.incrementTerm("self")

		ok, _ := s.acceptLeader(1, "leader")
		assert.True(t, ok)
		assert.Equal(t, Follower, s.getRole())
	})

	t.Run("higher term clears the old vote", func(t *testing.T) {
		s := newNodeState(150 * time.Millisecond)
		s.setVotedFor("someone")

		ok, term := s.acceptLeader(3, "leader")
		assert.True(t, ok)
		assert.Equal(t, uint64(3), term)
		assert.Nil(t, s.getVotedFor())
	})
}
