package gamestate

import (
	"github.com/mafianight/mafia-client/pkg/types"
)

// PhaseState is the client-side voting lifecycle, layered over the
// server's phase enum.
type PhaseState string

const (
	StateNoSession       PhaseState = "NO_SESSION"
	StateSessionActive   PhaseState = "SESSION_ACTIVE"
	StateVoteSubmitted   PhaseState = "VOTE_SUBMITTED"
	StateSessionComplete PhaseState = "SESSION_COMPLETE"
	StateAwaitingNext    PhaseState = "AWAITING_NEXT_PHASE"
	StateGameOver        PhaseState = "GAME_OVER"
)

// LocalVoteState is the only thing in here the server does not own.
// It is scoped to exactly one voting session: a new sessionId always
// gets a zeroed copy, so a stale hasVoted can never leak forward.
type LocalVoteState struct {
	SessionID         string
	HasVoted          bool
	SubmittedTargetID string
}

// GameState is the merged projection a view renders from. Server-owned
// parts are replaced by snapshots and patched by realtime events;
// LocalVoteState is patched only by vote submission outcomes.
type GameState struct {
	RoomCode string
	Room     types.RoomSnapshot
	Game     types.ActiveGame

	Phase   PhaseState
	Session *types.VotingSession
	Vote    LocalVoteState

	// LastResult survives until the next session starts, for display.
	LastResult *types.VotingComplete
	// Result is terminal; once set nothing else changes this state.
	Result *types.GameResult

	RemainingSeconds int64
	Connected        bool
}

func newGameState(roomCode string) GameState {
	return GameState{RoomCode: roomCode, Phase: StateNoSession}
}

func (s GameState) terminal() bool { return s.Phase == StateGameOver }

// installRoom replaces the room snapshot wholesale.
func installRoom(s GameState, room types.RoomSnapshot) GameState {
	s.Room = room
	if room.CurrentPlayers == 0 && len(room.Members) > 0 {
		s.Room.CurrentPlayers = len(room.Members)
	}
	return s
}

// installGame replaces the active-game projection wholesale.
func installGame(s GameState, game types.ActiveGame) GameState {
	if s.terminal() {
		return s
	}
	s.Game = game
	return s
}

// installSession installs an authoritative session fetch. nil means
// the server reports no session running. Switching sessionId resets
// the local vote state; re-installing the same session keeps it.
func installSession(s GameState, sess *types.VotingSession) GameState {
	if s.terminal() {
		return s
	}
	if sess == nil {
		s.Session = nil
		if s.Phase == StateSessionComplete || s.Phase == StateAwaitingNext {
			s.Phase = StateAwaitingNext
		} else {
			s.Phase = StateNoSession
		}
		return s
	}

	copied := *sess
	copied.VotesReceived = clampVotes(copied.VotesReceived, copied.TotalEligibleVoters)
	s.Session = &copied
	s.RemainingSeconds = copied.RemainingTimeSeconds
	s.LastResult = nil

	if s.Vote.SessionID != copied.SessionID {
		s.Vote = LocalVoteState{SessionID: copied.SessionID}
	}
	switch {
	case copied.Status != types.VotingActive:
		s.Phase = StateSessionComplete
	case s.Vote.HasVoted:
		s.Phase = StateVoteSubmitted
	default:
		s.Phase = StateSessionActive
	}
	return s
}

// applyVotingUpdate merges a partial patch into the current session.
// Counts are absolute server values; replaying a patch is a no-op.
// Patches for a session we have not fetched yet are dropped, the
// snapshot fetch is authoritative.
func applyVotingUpdate(s GameState, u types.VotingUpdate) GameState {
	if s.terminal() || s.Session == nil || s.Session.SessionID != u.SessionID {
		return s
	}

	sess := *s.Session
	if u.TotalEligibleVoters > 0 {
		sess.TotalEligibleVoters = u.TotalEligibleVoters
	}
	sess.VotesReceived = clampVotes(u.VotesReceived, sess.TotalEligibleVoters)
	if u.CurrentResults != nil {
		sess.CurrentResults = u.CurrentResults
	}
	if u.Status != "" {
		sess.Status = u.Status
	}
	s.Session = &sess

	if u.RemainingTimeSeconds != nil {
		s.RemainingSeconds = *u.RemainingTimeSeconds
		sess.RemainingTimeSeconds = *u.RemainingTimeSeconds
	}
	if sess.Status != types.VotingActive && s.Phase != StateSessionComplete {
		s.Phase = StateSessionComplete
	}
	return s
}

// applyVotingComplete records the completion result. Idempotent: a
// replayed completion for the same session changes nothing.
func applyVotingComplete(s GameState, r types.VotingComplete) GameState {
	if s.terminal() {
		return s
	}
	if s.LastResult != nil && s.LastResult.SessionID == r.SessionID {
		return s
	}
	// A completion for a session other than the one we hold can still
	// arrive first (cross-topic ordering); accept it, the follow-up
	// fetch sorts out the next session.
	result := r
	s.LastResult = &result
	if s.Session != nil && s.Session.SessionID == r.SessionID {
		sess := *s.Session
		sess.Status = types.VotingCompleted
		s.Session = &sess
	}
	s.Phase = StateSessionComplete
	return s
}

// applyTimer updates the countdown for the current session only.
func applyTimer(s GameState, t types.TimerUpdate) GameState {
	if s.terminal() || s.Session == nil || s.Session.SessionID != t.SessionID {
		return s
	}
	s.RemainingSeconds = t.RemainingSeconds
	return s
}

// applyGameOver is terminal and replaces the view wholesale. Every
// event after it, on any topic, is discarded by the terminal() guards.
func applyGameOver(s GameState, r types.GameResult) GameState {
	if s.terminal() {
		return s
	}
	result := r
	s.Phase = StateGameOver
	s.Result = &result
	s.Session = nil
	s.RemainingSeconds = 0
	s.Game.CurrentPhase = types.PhaseGameOver
	if r.GameID != "" {
		s.Game.GameID = r.GameID
	}
	if len(r.Players) > 0 {
		s.Game.Players = r.Players
	}
	return s
}

// voteAccepted marks the local vote as cast for the given session.
func voteAccepted(s GameState, sessionID, targetID string) GameState {
	if s.terminal() || s.Session == nil || s.Session.SessionID != sessionID {
		return s
	}
	s.Vote = LocalVoteState{SessionID: sessionID, HasVoted: true, SubmittedTargetID: targetID}
	if s.Phase == StateSessionActive {
		s.Phase = StateVoteSubmitted
	}
	return s
}

// voteRejected rolls the optimistic submission back so the user can
// try again. No silent retry.
func voteRejected(s GameState, sessionID string) GameState {
	if s.terminal() || s.Vote.SessionID != sessionID {
		return s
	}
	s.Vote = LocalVoteState{SessionID: sessionID}
	if s.Phase == StateVoteSubmitted {
		s.Phase = StateSessionActive
	}
	return s
}

// markAwaiting surfaces the waiting state when no follow-up session
// arrived within the bounded window after a completion.
func markAwaiting(s GameState) GameState {
	if s.terminal() || s.Session != nil {
		return s
	}
	if s.Phase == StateSessionComplete {
		s.Phase = StateAwaitingNext
	}
	return s
}

func clampVotes(votes, eligible int) int {
	if votes < 0 {
		return 0
	}
	if eligible > 0 && votes > eligible {
		return eligible
	}
	return votes
}
