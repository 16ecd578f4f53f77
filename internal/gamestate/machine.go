// Package gamestate holds the phase/voting state machine: one actor
// per room merging the REST snapshot and the realtime patch stream
// into a single coherent projection. All mutation happens on the actor
// goroutine; views subscribe for versioned snapshots and derive their
// permissions from the latest one.
package gamestate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mafianight/mafia-client/internal/realtime"
	"github.com/mafianight/mafia-client/pkg/types"
)

type Msg interface{ isMachineMsg() }

// FromChannel feeds one realtime event into the machine.
type FromChannel struct{ Event realtime.Event }

// InstallRoom/InstallGame/InstallSession install authoritative REST
// fetches, replacing the corresponding projection wholesale.
type InstallRoom struct{ Room types.RoomSnapshot }

type InstallGame struct{ Game types.ActiveGame }

type InstallSession struct{ Session *types.VotingSession }

// VoteAccepted / VoteRejected report the outcome of a vote submission.
type VoteAccepted struct{ SessionID, TargetID string }

type VoteRejected struct{ SessionID string }

type Subscribe struct {
	ID     string
	Outbox chan Snapshot
}

type Unsubscribe struct{ ID string }

type GetState struct{ Reply chan View }

type Shutdown struct{}

// awaitFired is the internal bounded-wait timer; Gen drops stale fires
// from timers armed before a newer session arrived.
type awaitFired struct{ Gen int }

func (FromChannel) isMachineMsg()    {}
func (InstallRoom) isMachineMsg()    {}
func (InstallGame) isMachineMsg()    {}
func (InstallSession) isMachineMsg() {}
func (VoteAccepted) isMachineMsg()   {}
func (VoteRejected) isMachineMsg()   {}
func (Subscribe) isMachineMsg()      {}
func (Unsubscribe) isMachineMsg()    {}
func (GetState) isMachineMsg()       {}
func (Shutdown) isMachineMsg()       {}
func (awaitFired) isMachineMsg()     {}

type Snapshot struct {
	Version int
	State   GameState
}

type View struct {
	Version        int
	NumSubscribers int
	State          GameState
}

// SessionFetcher fetches the authoritative current voting session;
// nil means none is running. The machine calls it off-loop after a
// completion delay or a phase change.
type SessionFetcher func(ctx context.Context) (*types.VotingSession, error)

type Config struct {
	// ResultDisplayDelay is how long a completion result stays on
	// screen before the machine looks for the next session.
	ResultDisplayDelay time.Duration
	// AwaitTimeout bounds the wait for the next session; past it the
	// machine surfaces AWAITING_NEXT_PHASE instead of hanging.
	AwaitTimeout time.Duration
	Fetch        SessionFetcher
	Logger       *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ResultDisplayDelay <= 0 {
		c.ResultDisplayDelay = 2 * time.Second
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type Machine struct {
	inbox   chan Msg
	state   GameState
	version int
	subs    map[string]chan Snapshot
	cfg     Config

	// awaitGen invalidates pending await timers once a session shows up.
	awaitGen int

	ctx    context.Context
	cancel context.CancelFunc
}

func NewMachine(parent context.Context, roomCode string, cfg Config) *Machine {
	ctx, cancel := context.WithCancel(parent)
	m := &Machine{
		inbox:  make(chan Msg, 64),
		state:  newGameState(roomCode),
		subs:   make(map[string]chan Snapshot),
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
	}
	go m.loop()
	return m
}

func (m *Machine) Inbox() chan<- Msg { return m.inbox }

// Send delivers a message unless the machine is already shut down.
func (m *Machine) Send(msg Msg) bool {
	if m.ctx.Err() != nil {
		return false
	}
	select {
	case m.inbox <- msg:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Machine) loop() {
	for {
		select {
		case <-m.ctx.Done():
			m.shutdown()
			return

		case raw := <-m.inbox:
			switch msg := raw.(type) {
			case Subscribe:
				m.subs[msg.ID] = msg.Outbox
				msg.Outbox <- Snapshot{Version: m.version, State: m.state}

			case Unsubscribe:
				if ch, ok := m.subs[msg.ID]; ok {
					close(ch)
					delete(m.subs, msg.ID)
				}

			case GetState:
				msg.Reply <- View{Version: m.version, NumSubscribers: len(m.subs), State: m.state}

			case InstallRoom:
				m.apply(installRoom(m.state, msg.Room))

			case InstallGame:
				m.apply(installGame(m.state, msg.Game))

			case InstallSession:
				m.installSession(msg.Session)

			case VoteAccepted:
				m.apply(voteAccepted(m.state, msg.SessionID, msg.TargetID))

			case VoteRejected:
				m.apply(voteRejected(m.state, msg.SessionID))

			case FromChannel:
				m.handleEvent(msg.Event)

			case awaitFired:
				if msg.Gen == m.awaitGen {
					m.apply(markAwaiting(m.state))
				}

			case Shutdown:
				m.shutdown()
				return
			}
		}
	}
}

func (m *Machine) installSession(sess *types.VotingSession) {
	if sess != nil {
		m.awaitGen++
	}
	m.apply(installSession(m.state, sess))
}

func (m *Machine) handleEvent(ev realtime.Event) {
	// Terminal pre-empts everything: after game over only status
	// chatter is still reflected.
	if m.state.terminal() {
		if st, ok := ev.(realtime.StatusChanged); ok {
			m.applyStatus(st)
		}
		return
	}

	switch e := ev.(type) {
	case realtime.RoomUpdated:
		m.apply(installRoom(m.state, e.Room))
	case realtime.PlayerJoined:
		m.apply(installRoom(m.state, e.Room))
	case realtime.PlayerLeft:
		m.apply(installRoom(m.state, e.Room))
	case realtime.RoomDeleted:
		// The room is gone; a terminal-ish dead end short of game over.
		s := m.state
		s.Room.Status = types.RoomFinished
		s.Session = nil
		s.Phase = StateNoSession
		m.apply(s)

	case realtime.VotingProgress:
		m.apply(applyVotingUpdate(m.state, e.Update))

	case realtime.VotingCompleted:
		before := m.state.LastResult
		m.apply(applyVotingComplete(m.state, e.Result))
		// Replays must not re-arm the timers.
		if m.state.LastResult != before {
			m.awaitGen++
			m.spawnFetch(m.cfg.ResultDisplayDelay)
			m.spawnAwait(m.awaitGen)
		}

	case realtime.TimerTick:
		m.apply(applyTimer(m.state, e.Timer))

	case realtime.PhaseChanged:
		if e.Change.Phase == types.PhaseGameOver {
			// The gameOver topic carries the real result; here we only
			// stop treating the session as live.
			m.apply(installSession(m.state, nil))
			return
		}
		s := m.state
		s.Game.CurrentPhase = e.Change.Phase
		if e.Change.DayNumber > 0 {
			s.Game.DayNumber = e.Change.DayNumber
		}
		m.apply(s)
		m.spawnFetch(0)

	case realtime.GameEnded:
		m.apply(applyGameOver(m.state, e.Result))

	case realtime.StatusChanged:
		m.applyStatus(e)
	}
}

func (m *Machine) applyStatus(e realtime.StatusChanged) {
	wasConnected := m.state.Connected
	s := m.state
	s.Connected = e.Status == realtime.StatusConnected
	m.apply(s)
	// Back after a drop: the stream may have skipped patches, so pull
	// a fresh authoritative session.
	if !wasConnected && s.Connected && !s.terminal() {
		m.spawnFetch(0)
	}
}

// spawnFetch refetches the current session off-loop and feeds the
// result back through the inbox. Results arriving after shutdown are
// discarded by Send's ctx guard.
func (m *Machine) spawnFetch(delay time.Duration) {
	if m.cfg.Fetch == nil {
		return
	}
	go func() {
		if delay > 0 {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		sess, err := m.cfg.Fetch(ctx)
		cancel()
		if err != nil {
			m.cfg.Logger.Warn("voting session refetch failed", zap.Error(err))
			return
		}
		m.Send(InstallSession{Session: sess})
	}()
}

func (m *Machine) spawnAwait(gen int) {
	go func() {
		select {
		case <-m.ctx.Done():
		case <-time.After(m.cfg.AwaitTimeout):
			m.Send(awaitFired{Gen: gen})
		}
	}()
}

func (m *Machine) apply(next GameState) {
	m.state = next
	m.version++
	m.broadcast(Snapshot{Version: m.version, State: m.state})
}

func (m *Machine) broadcast(snap Snapshot) {
	for id, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// Slow subscriber, drop it.
			close(ch)
			delete(m.subs, id)
		}
	}
}

func (m *Machine) shutdown() {
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.cancel()
}
