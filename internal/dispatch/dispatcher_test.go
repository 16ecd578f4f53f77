package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mafianight/mafia-client/internal/api"
	"github.com/mafianight/mafia-client/internal/gamestate"
)

type fakeBackend struct {
	mu      sync.Mutex
	joins   int
	votes   int
	block   chan struct{} // when set, calls park here until closed
	voteErr error
}

func (f *fakeBackend) wait() {
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeBackend) JoinRoom(ctx context.Context, roomCode string) error {
	f.mu.Lock()
	f.joins++
	f.mu.Unlock()
	f.wait()
	return nil
}

func (f *fakeBackend) LeaveRoom(ctx context.Context, roomCode string) error { return nil }

func (f *fakeBackend) StartGame(ctx context.Context, roomID string, mafiaCount, discussionTimeSeconds int) error {
	return nil
}

func (f *fakeBackend) CastVote(ctx context.Context, gameID, sessionID, targetUserID string) error {
	f.mu.Lock()
	f.votes++
	f.mu.Unlock()
	f.wait()
	return f.voteErr
}

func (f *fakeBackend) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []gamestate.Msg
}

func (s *fakeSink) Send(msg gamestate.Msg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSink) all() []gamestate.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gamestate.Msg(nil), s.msgs...)
}

func TestDispatcher_SecondClickIsNoOp(t *testing.T) {
	be := &fakeBackend{block: make(chan struct{})}
	d := New(be, nil)

	done := make(chan error, 1)
	go func() { done <- d.Join(context.Background(), "ABC123") }()

	// Wait until the first call is parked inside the backend.
	require.Eventually(t, func() bool { return d.InFlight(ActionJoin) }, time.Second, 5*time.Millisecond)

	err := d.Join(context.Background(), "ABC123")
	assert.ErrorIs(t, err, ErrInFlight)

	close(be.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, be.joinCount())

	// Slot released: the next attempt goes through.
	be.block = nil
	require.NoError(t, d.Join(context.Background(), "ABC123"))
	assert.Equal(t, 2, be.joinCount())
}

func TestDispatcher_DifferentActionsRunConcurrently(t *testing.T) {
	be := &fakeBackend{block: make(chan struct{})}
	d := New(be, nil)

	done := make(chan error, 1)
	go func() { done <- d.Join(context.Background(), "ABC123") }()
	require.Eventually(t, func() bool { return d.InFlight(ActionJoin) }, time.Second, 5*time.Millisecond)

	// A vote is a different slot and must not be blocked by the join.
	sink := &fakeSink{}
	govote := make(chan error, 1)
	go func() { govote <- d.Vote(context.Background(), sink, "g-1", "sess-1", "u-2") }()
	require.Eventually(t, func() bool { return d.InFlight(ActionVote) }, time.Second, 5*time.Millisecond)

	close(be.block)
	require.NoError(t, <-done)
	require.NoError(t, <-govote)
}

func TestDispatcher_VoteOptimismAndRollback(t *testing.T) {
	t.Run("accepted vote stays", func(t *testing.T) {
		be := &fakeBackend{}
		sink := &fakeSink{}
		d := New(be, nil)

		require.NoError(t, d.Vote(context.Background(), sink, "g-1", "sess-1", "u-2"))

		msgs := sink.all()
		require.Len(t, msgs, 1)
		acc, ok := msgs[0].(gamestate.VoteAccepted)
		require.True(t, ok)
		assert.Equal(t, "sess-1", acc.SessionID)
		assert.Equal(t, "u-2", acc.TargetID)
	})

	t.Run("rejected vote rolls back", func(t *testing.T) {
		be := &fakeBackend{voteErr: &api.APIError{Kind: api.KindConflict, Message: "already voted"}}
		sink := &fakeSink{}
		d := New(be, nil)

		err := d.Vote(context.Background(), sink, "g-1", "sess-1", "u-2")
		require.Error(t, err)
		assert.True(t, api.IsKind(err, api.KindConflict))

		msgs := sink.all()
		require.Len(t, msgs, 2)
		_, ok := msgs[0].(gamestate.VoteAccepted)
		require.True(t, ok)
		rej, ok := msgs[1].(gamestate.VoteRejected)
		require.True(t, ok)
		assert.Equal(t, "sess-1", rej.SessionID)
	})
}
