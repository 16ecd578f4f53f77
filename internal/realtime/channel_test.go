package realtime_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mafianight/mafia-client/internal/backendtest"
	"github.com/mafianight/mafia-client/internal/realtime"
	"github.com/mafianight/mafia-client/pkg/types"
)

func startBackend(t *testing.T) (*backendtest.Server, string) {
	t.Helper()
	backend := backendtest.New(nil)
	hs := httptest.NewServer(backend.Handler())
	t.Cleanup(hs.Close)
	return backend, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func recvEvent(t *testing.T, ch <-chan realtime.Event) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func waitConnected(t *testing.T, ch <-chan realtime.Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before CONNECTED")
			}
			if st, isStatus := ev.(realtime.StatusChanged); isStatus && st.Status == realtime.StatusConnected {
				return
			}
		case <-deadline:
			t.Fatalf("never reached CONNECTED")
		}
	}
}

// publishUntil republishes until the predicate accepts an event from
// the stream; the broker drops publishes that race the subscription
// setup, so a single publish is not enough to synchronize on.
func publishUntil(t *testing.T, ch <-chan realtime.Event, publish func(), pred func(realtime.Event) bool) realtime.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	publish()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed while waiting")
			}
			if pred(ev) {
				return ev
			}
		case <-tick.C:
			publish()
		case <-deadline:
			t.Fatalf("event never arrived")
		}
	}
}

func TestChannel_DeliversTypedEvents(t *testing.T) {
	backend, wsURL := startBackend(t)

	ch := realtime.Dial(context.Background(), wsURL, "ABC123", nil)
	defer ch.Close()
	waitConnected(t, ch.Events())

	ev := publishUntil(t, ch.Events(),
		func() {
			backend.Publish("ABC123", types.TopicVoting, types.VotingUpdate{
				SessionID: "sess-1", VotesReceived: 2, TotalEligibleVoters: 4, Status: types.VotingActive,
			})
		},
		func(ev realtime.Event) bool { _, ok := ev.(realtime.VotingProgress); return ok })
	vp := ev.(realtime.VotingProgress)
	if vp.Update.SessionID != "sess-1" || vp.Update.VotesReceived != 2 {
		t.Fatalf("bad voting update: %+v", vp.Update)
	}

	ev = publishUntil(t, ch.Events(),
		func() {
			backend.Publish("ABC123", types.TopicVotingComplete, types.VotingComplete{
				SessionID: "sess-1", EliminatedUsername: "bob", ResultType: "ELIMINATION",
			})
		},
		func(ev realtime.Event) bool { _, ok := ev.(realtime.VotingCompleted); return ok })
	if done := ev.(realtime.VotingCompleted); done.Result.EliminatedUsername != "bob" {
		t.Fatalf("bad completion: %+v", done.Result)
	}

	ev = publishUntil(t, ch.Events(),
		func() {
			backend.Publish("ABC123", types.TopicGameOver, types.GameResult{GameID: "g-1", Winner: "MAFIA"})
		},
		func(ev realtime.Event) bool { _, ok := ev.(realtime.GameEnded); return ok })
	if over := ev.(realtime.GameEnded); over.Result.Winner != "MAFIA" {
		t.Fatalf("bad game result: %+v", over.Result)
	}
}

func TestChannel_RoomIsolation(t *testing.T) {
	backend, wsURL := startBackend(t)

	ch := realtime.Dial(context.Background(), wsURL, "ABC123", nil)
	defer ch.Close()
	waitConnected(t, ch.Events())

	// Interleave traffic for another room; only ours may come through.
	ev := publishUntil(t, ch.Events(),
		func() {
			backend.Publish("XYZ789", types.TopicVoting, types.VotingUpdate{SessionID: "other"})
			backend.Publish("ABC123", types.TopicVoting, types.VotingUpdate{SessionID: "mine"})
		},
		func(ev realtime.Event) bool { _, ok := ev.(realtime.VotingProgress); return ok })
	if vp := ev.(realtime.VotingProgress); vp.Update.SessionID != "mine" {
		t.Fatalf("received another room's event: %+v", vp.Update)
	}
}

func TestChannel_BadPayloadDoesNotKillStream(t *testing.T) {
	backend, wsURL := startBackend(t)

	ch := realtime.Dial(context.Background(), wsURL, "ABC123", nil)
	defer ch.Close()
	waitConnected(t, ch.Events())

	// Garbage on the voting topic is logged and skipped; the stream
	// keeps delivering afterwards.
	ev := publishUntil(t, ch.Events(),
		func() {
			backend.Publish("ABC123", types.TopicVoting, "not an object")
			backend.Publish("ABC123", types.TopicVotingTimer, types.TimerUpdate{SessionID: "sess-1", RemainingSeconds: 30})
		},
		func(ev realtime.Event) bool { _, ok := ev.(realtime.TimerTick); return ok })
	if tick := ev.(realtime.TimerTick); tick.Timer.RemainingSeconds != 30 {
		t.Fatalf("bad timer: %+v", tick.Timer)
	}
}

func TestChannel_CloseEndsStreamForGood(t *testing.T) {
	_, wsURL := startBackend(t)

	ch := realtime.Dial(context.Background(), wsURL, "ABC123", nil)
	waitConnected(t, ch.Events())

	ch.Close()

	// After Close returns the stream drains to a close; nothing may be
	// delivered past that.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("stream never closed after Close")
		}
	}
}

// Close must return promptly even with live subscriptions: cancelling
// the context kills the transport underneath go-stomp, and teardown
// must not wait on anything that needs the dead connection.
func TestChannel_CloseReturnsPromptly(t *testing.T) {
	_, wsURL := startBackend(t)

	ch := realtime.Dial(context.Background(), wsURL, "ABC123", nil)
	waitConnected(t, ch.Events())

	closed := make(chan struct{})
	go func() {
		ch.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return")
	}
}

func TestChannel_ReconnectsAfterServerDrop(t *testing.T) {
	backend := backendtest.New(nil)
	hs := httptest.NewServer(backend.Handler())
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"

	ch := realtime.Dial(context.Background(), wsURL, "ABC123", nil)
	defer ch.Close()
	waitConnected(t, ch.Events())

	hs.CloseClientConnections()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				t.Fatalf("stream closed instead of reconnecting")
			}
			if st, isStatus := ev.(realtime.StatusChanged); isStatus && st.Status == realtime.StatusReconnecting {
				hs.Close()
				return
			}
		case <-deadline:
			t.Fatalf("no RECONNECTING status after the drop")
		}
	}
}
