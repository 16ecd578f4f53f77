// Package dispatch serializes user actions against the backend: one
// in-flight call per action kind, so a double click is a no-op instead
// of a duplicate request. Vote submissions are optimistic but
// reversible, the machine hears about both outcomes.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mafianight/mafia-client/internal/api"
	"github.com/mafianight/mafia-client/internal/gamestate"
)

// ErrInFlight reports a duplicate action while the first is still
// running. Callers treat it as "nothing happened".
var ErrInFlight = errors.New("dispatch: action already in flight")

type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
	ActionStart Action = "start"
	ActionVote  Action = "vote"
)

// Backend is the slice of the REST client the dispatcher needs.
type Backend interface {
	JoinRoom(ctx context.Context, roomCode string) error
	LeaveRoom(ctx context.Context, roomCode string) error
	StartGame(ctx context.Context, roomID string, mafiaCount, discussionTimeSeconds int) error
	CastVote(ctx context.Context, gameID, sessionID, targetUserID string) error
}

// Sink receives vote outcomes; satisfied by *gamestate.Machine.
type Sink interface {
	Send(msg gamestate.Msg) bool
}

type Dispatcher struct {
	backend Backend
	log     *zap.Logger

	mu       sync.Mutex
	inflight map[Action]bool
}

func New(backend Backend, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		backend:  backend,
		log:      log,
		inflight: make(map[Action]bool),
	}
}

// acquire claims the action slot; the returned release must run when
// the call finishes, success or not.
func (d *Dispatcher) acquire(a Action) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[a] {
		return nil, ErrInFlight
	}
	d.inflight[a] = true
	return func() {
		d.mu.Lock()
		delete(d.inflight, a)
		d.mu.Unlock()
	}, nil
}

// InFlight reports whether an action is currently running, for
// disabling the matching control.
func (d *Dispatcher) InFlight(a Action) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[a]
}

func (d *Dispatcher) Join(ctx context.Context, roomCode string) error {
	release, err := d.acquire(ActionJoin)
	if err != nil {
		return err
	}
	defer release()

	if err := d.backend.JoinRoom(ctx, roomCode); err != nil {
		d.log.Warn("join failed", zap.String("room", roomCode), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) Leave(ctx context.Context, roomCode string) error {
	release, err := d.acquire(ActionLeave)
	if err != nil {
		return err
	}
	defer release()

	if err := d.backend.LeaveRoom(ctx, roomCode); err != nil {
		d.log.Warn("leave failed", zap.String("room", roomCode), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) Start(ctx context.Context, roomID string, mafiaCount, discussionTimeSeconds int) error {
	release, err := d.acquire(ActionStart)
	if err != nil {
		return err
	}
	defer release()

	if err := d.backend.StartGame(ctx, roomID, mafiaCount, discussionTimeSeconds); err != nil {
		d.log.Warn("start failed", zap.String("room", roomID), zap.Error(err))
		return err
	}
	return nil
}

// Vote submits a vote and reports the outcome to the machine. The
// optimistic VoteAccepted flips the UI immediately; a rejection rolls
// it back through VoteRejected so the user can retry by hand. No
// silent retry: a Conflict usually means the vote already landed or
// the session closed.
func (d *Dispatcher) Vote(ctx context.Context, sink Sink, gameID, sessionID, targetUserID string) error {
	release, err := d.acquire(ActionVote)
	if err != nil {
		return err
	}
	defer release()

	sink.Send(gamestate.VoteAccepted{SessionID: sessionID, TargetID: targetUserID})

	if err := d.backend.CastVote(ctx, gameID, sessionID, targetUserID); err != nil {
		sink.Send(gamestate.VoteRejected{SessionID: sessionID})
		if api.IsKind(err, api.KindConflict) {
			d.log.Info("vote rejected", zap.String("session", sessionID), zap.Error(err))
		} else {
			d.log.Warn("vote failed", zap.String("session", sessionID), zap.Error(err))
		}
		return err
	}
	return nil
}
