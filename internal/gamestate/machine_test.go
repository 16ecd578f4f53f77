package gamestate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mafianight/mafia-client/internal/realtime"
	"github.com/mafianight/mafia-client/pkg/types"
)

func recvSnapshot(t *testing.T, ch chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed while waiting for snapshot")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func recvNoSnapshot(t *testing.T, ch chan Snapshot) {
	t.Helper()
	select {
	case s, ok := <-ch:
		if ok {
			t.Fatalf("unexpected snapshot v%d phase=%s", s.Version, s.State.Phase)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// waitState drains snapshots until pred holds.
func waitState(t *testing.T, ch chan Snapshot, pred func(GameState) bool) GameState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed before state was reached")
			}
			if pred(s.State) {
				return s.State
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state")
		}
	}
}

func getView(t *testing.T, m *Machine) View {
	t.Helper()
	reply := make(chan View, 1)
	m.Send(GetState{Reply: reply})
	select {
	case v := <-reply:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	next  *types.VotingSession
}

func (f *fakeFetcher) fetch(context.Context) (*types.VotingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.next == nil {
		return nil, nil
	}
	copied := *f.next
	return &copied, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) set(sess *types.VotingSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = sess
}

func startMachine(t *testing.T, cfg Config) (*Machine, chan Snapshot) {
	t.Helper()
	m := NewMachine(context.Background(), "ABC123", cfg)
	t.Cleanup(func() { m.Send(Shutdown{}) })

	out := make(chan Snapshot, 64)
	m.Send(Subscribe{ID: "test", Outbox: out})
	first := recvSnapshot(t, out)
	if first.Version != 0 || first.State.RoomCode != "ABC123" {
		t.Fatalf("bad initial snapshot: v%d room=%q", first.Version, first.State.RoomCode)
	}
	return m, out
}

func TestMachine_InstallAndVoteFlow(t *testing.T) {
	m, out := startMachine(t, Config{})

	m.Send(InstallGame{Game: testGame()})
	recvSnapshot(t, out)

	m.Send(InstallSession{Session: daySession("sess-1", 3)})
	s := recvSnapshot(t, out)
	if s.State.Phase != StateSessionActive {
		t.Fatalf("want SESSION_ACTIVE, got %s", s.State.Phase)
	}

	m.Send(FromChannel{Event: realtime.VotingProgress{Update: types.VotingUpdate{
		SessionID: "sess-1", VotesReceived: 2, TotalEligibleVoters: 3, Status: types.VotingActive,
	}}})
	s = recvSnapshot(t, out)
	if s.State.Session.VotesReceived != 2 {
		t.Fatalf("want 2 votes, got %d", s.State.Session.VotesReceived)
	}

	m.Send(VoteAccepted{SessionID: "sess-1", TargetID: "u-2"})
	s = recvSnapshot(t, out)
	if s.State.Phase != StateVoteSubmitted || !s.State.Vote.HasVoted {
		t.Fatalf("vote not recorded: %s %+v", s.State.Phase, s.State.Vote)
	}

	m.Send(FromChannel{Event: realtime.VotingCompleted{Result: types.VotingComplete{
		SessionID: "sess-1", EliminatedUserID: "u-2", EliminatedUsername: "bob", ResultType: "ELIMINATION",
	}}})
	s = recvSnapshot(t, out)
	if s.State.Phase != StateSessionComplete || s.State.LastResult.EliminatedUsername != "bob" {
		t.Fatalf("completion not applied: %s %+v", s.State.Phase, s.State.LastResult)
	}
}

func TestMachine_CompletionTriggersDelayedRefetch(t *testing.T) {
	f := &fakeFetcher{}
	f.set(nightSession("sess-2", 1))
	m, out := startMachine(t, Config{
		ResultDisplayDelay: 20 * time.Millisecond,
		Fetch:              f.fetch,
	})

	m.Send(InstallGame{Game: testGame()})
	recvSnapshot(t, out)
	m.Send(InstallSession{Session: daySession("sess-1", 3)})
	recvSnapshot(t, out)
	m.Send(VoteAccepted{SessionID: "sess-1", TargetID: "u-2"})
	recvSnapshot(t, out)

	m.Send(FromChannel{Event: realtime.VotingCompleted{Result: types.VotingComplete{
		SessionID: "sess-1", IsTie: true, ResultType: "TIE_NO_ELIMINATION",
	}}})

	s := waitState(t, out, func(s GameState) bool {
		return s.Session != nil && s.Session.SessionID == "sess-2"
	})
	if s.Vote.HasVoted {
		t.Fatalf("hasVoted must reset when the next session arrives")
	}
	if s.Phase != StateSessionActive {
		t.Fatalf("want SESSION_ACTIVE for the new session, got %s", s.Phase)
	}
	if got := f.count(); got != 1 {
		t.Fatalf("want exactly 1 refetch, got %d", got)
	}
}

func TestMachine_CompletionReplay_SingleRefetch(t *testing.T) {
	f := &fakeFetcher{}
	m, out := startMachine(t, Config{
		ResultDisplayDelay: 20 * time.Millisecond,
		AwaitTimeout:       time.Hour,
		Fetch:              f.fetch,
	})

	m.Send(InstallSession{Session: daySession("sess-1", 3)})
	recvSnapshot(t, out)

	done := types.VotingComplete{SessionID: "sess-1", IsTie: true, ResultType: "TIE_NO_ELIMINATION"}
	m.Send(FromChannel{Event: realtime.VotingCompleted{Result: done}})
	recvSnapshot(t, out)
	m.Send(FromChannel{Event: realtime.VotingCompleted{Result: done}})
	m.Send(FromChannel{Event: realtime.VotingCompleted{Result: done}})

	time.Sleep(100 * time.Millisecond)
	if got := f.count(); got != 1 {
		t.Fatalf("replayed completion re-armed the fetch: %d calls", got)
	}
}

func TestMachine_AwaitTimeout_SurfacesWaiting(t *testing.T) {
	f := &fakeFetcher{} // fetch reports no session running
	m, out := startMachine(t, Config{
		ResultDisplayDelay: 5 * time.Millisecond,
		AwaitTimeout:       30 * time.Millisecond,
		Fetch:              f.fetch,
	})

	m.Send(InstallSession{Session: daySession("sess-1", 3)})
	recvSnapshot(t, out)
	m.Send(FromChannel{Event: realtime.VotingCompleted{Result: types.VotingComplete{
		SessionID: "sess-1", IsTie: true,
	}}})

	waitState(t, out, func(s GameState) bool { return s.Phase == StateAwaitingNext })
}

func TestMachine_StaleAwaitDropped(t *testing.T) {
	m, out := startMachine(t, Config{AwaitTimeout: 30 * time.Millisecond})

	m.Send(InstallSession{Session: daySession("sess-1", 3)})
	recvSnapshot(t, out)
	m.Send(FromChannel{Event: realtime.VotingCompleted{Result: types.VotingComplete{
		SessionID: "sess-1", IsTie: true,
	}}})
	recvSnapshot(t, out)

	// The next session arrives before the await window closes; the
	// armed timer fires against a stale generation and must not
	// knock the live session back to AWAITING_NEXT_PHASE.
	m.Send(InstallSession{Session: nightSession("sess-2", 1)})
	recvSnapshot(t, out)

	time.Sleep(60 * time.Millisecond)
	v := getView(t, m)
	if v.State.Phase != StateSessionActive {
		t.Fatalf("stale await fire corrupted the state: %s", v.State.Phase)
	}
}

func TestMachine_GameOverPreemptsLateEvents(t *testing.T) {
	m, out := startMachine(t, Config{})

	m.Send(InstallGame{Game: testGame()})
	recvSnapshot(t, out)
	m.Send(InstallSession{Session: daySession("sess-1", 3)})
	recvSnapshot(t, out)

	m.Send(FromChannel{Event: realtime.GameEnded{Result: types.GameResult{
		GameID: "g-1", Winner: "MAFIA", TotalDays: 2,
	}}})
	s := recvSnapshot(t, out)
	if s.State.Phase != StateGameOver || s.State.Result.Winner != "MAFIA" {
		t.Fatalf("game over not applied: %s", s.State.Phase)
	}

	// Late events from other topics arrive after the terminal result.
	m.Send(FromChannel{Event: realtime.VotingCompleted{Result: types.VotingComplete{
		SessionID: "sess-1", EliminatedUserID: "u-1",
	}}})
	m.Send(FromChannel{Event: realtime.VotingProgress{Update: types.VotingUpdate{SessionID: "sess-1", VotesReceived: 3}}})
	m.Send(FromChannel{Event: realtime.TimerTick{Timer: types.TimerUpdate{SessionID: "sess-1", RemainingSeconds: 5}}})
	recvNoSnapshot(t, out)

	v := getView(t, m)
	if v.State.Phase != StateGameOver || v.State.LastResult != nil {
		t.Fatalf("late events leaked past terminal: %s", v.State.Phase)
	}
}

func TestMachine_ReconnectRefetchesSession(t *testing.T) {
	f := &fakeFetcher{}
	m, out := startMachine(t, Config{Fetch: f.fetch})

	m.Send(FromChannel{Event: realtime.StatusChanged{Status: realtime.StatusConnected}})
	recvSnapshot(t, out)
	waitFetches := func(want int) {
		deadline := time.Now().Add(time.Second)
		for f.count() < want {
			if time.Now().After(deadline) {
				t.Fatalf("want %d fetches, got %d", want, f.count())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitFetches(1)

	m.Send(FromChannel{Event: realtime.StatusChanged{Status: realtime.StatusReconnecting}})
	recvSnapshot(t, out)
	m.Send(FromChannel{Event: realtime.StatusChanged{Status: realtime.StatusConnected}})
	recvSnapshot(t, out)
	waitFetches(2)
}

func TestMachine_SlowSubscriberDropped(t *testing.T) {
	m, _ := startMachine(t, Config{})

	slow := make(chan Snapshot, 1)
	m.Send(Subscribe{ID: "slow", Outbox: slow})

	// The buffer holds the initial snapshot; the next broadcast finds
	// it full and drops the subscriber.
	m.Send(InstallRoom{Room: types.RoomSnapshot{RoomCode: "ABC123", Status: types.RoomWaitingForPlayers}})
	m.Send(InstallRoom{Room: types.RoomSnapshot{RoomCode: "ABC123", Status: types.RoomReadyToStart}})

	v := getView(t, m)
	if v.NumSubscribers != 1 {
		t.Fatalf("want 1 live subscriber, got %d", v.NumSubscribers)
	}

	recvSnapshot(t, slow) // buffered initial snapshot
	if _, ok := <-slow; ok {
		t.Fatalf("slow outbox should be closed after the drop")
	}
}

func TestMachine_ShutdownClosesOutboxes(t *testing.T) {
	m := NewMachine(context.Background(), "ABC123", Config{})
	out := make(chan Snapshot, 8)
	m.Send(Subscribe{ID: "a", Outbox: out})
	recvSnapshot(t, out)

	m.Send(Shutdown{})
	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("expected closed outbox after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("outbox not closed after shutdown")
	}

	if m.Send(InstallRoom{Room: types.RoomSnapshot{}}) {
		t.Fatalf("Send must refuse after shutdown")
	}
}

func TestManager_Ensure_SamePointer(t *testing.T) {
	mgr := NewManager(context.Background())
	t.Cleanup(func() { mgr.Inbox() <- ShutdownManager{} })

	ensure := func(code string) *Machine {
		reply := make(chan *Machine, 1)
		mgr.Inbox() <- EnsureMachine{RoomCode: code, Reply: reply}
		return <-reply
	}

	a := ensure("ABC123")
	b := ensure("ABC123")
	if a != b {
		t.Fatalf("same room code must yield the same machine")
	}
	if c := ensure("XYZ789"); c == a {
		t.Fatalf("different rooms must not share a machine")
	}

	got := make(chan *Machine, 1)
	mgr.Inbox() <- GetMachine{RoomCode: "ABC123", Reply: got}
	if <-got != a {
		t.Fatalf("GetMachine returned a different pointer")
	}

	mgr.Inbox() <- RemoveMachine{RoomCode: "ABC123"}
	mgr.Inbox() <- GetMachine{RoomCode: "ABC123", Reply: got}
	if <-got != nil {
		t.Fatalf("machine should be gone after removal")
	}
}
