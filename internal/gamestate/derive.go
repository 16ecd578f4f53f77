package gamestate

import "github.com/mafianight/mafia-client/pkg/types"

// Derived permissions. These are computed on demand from the projection
// and never stored, so they cannot go stale.

// player resolves the local user within the active game, falling back
// to room membership when no game is running.
func (s GameState) player(userID string) (types.GamePlayer, bool) {
	for _, p := range s.Game.Players {
		if p.UserID == userID {
			return p, true
		}
	}
	if m, ok := s.Room.MemberByID(userID); ok {
		return types.GamePlayer{UserID: m.UserID, Username: m.DisplayName, Role: m.Role, IsAlive: m.IsAlive}, true
	}
	return types.GamePlayer{}, false
}

func (s GameState) IsAlive(userID string) bool {
	p, ok := s.player(userID)
	return ok && p.IsAlive
}

// CanVote: alive, not voted, active session, and at night only mafia
// vote.
func (s GameState) CanVote(userID string) bool {
	if s.Session == nil || s.Session.Status != types.VotingActive {
		return false
	}
	if s.Vote.HasVoted || s.Phase != StateSessionActive {
		return false
	}
	p, ok := s.player(userID)
	if !ok || !p.IsAlive {
		return false
	}
	if s.Session.Phase == types.PhaseNightVote && p.Role != types.RoleMafia {
		return false
	}
	return true
}

// VoteTargets lists who the user may vote for in the current session.
// Night votes never target mafia members (they cannot hit each other);
// day votes include every alive player, self included.
func (s GameState) VoteTargets(userID string) []types.GamePlayer {
	if s.Session == nil {
		return nil
	}
	night := s.Session.Phase == types.PhaseNightVote
	var out []types.GamePlayer
	for _, p := range s.Game.Players {
		if !p.IsAlive {
			continue
		}
		if night && p.Role == types.RoleMafia {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CanStart: only the host, only while the room is still gathering.
func (s GameState) CanStart(userID string) bool {
	if !s.Room.HostIs(userID) {
		return false
	}
	switch s.Room.Status {
	case types.RoomWaitingForPlayers, types.RoomReadyToStart:
		return s.Room.CurrentPlayers >= 2
	default:
		return false
	}
}

// CanJoin: room open, not full, and the user is not already in it.
func (s GameState) CanJoin(userID string) bool {
	if s.Room.Status != types.RoomWaitingForPlayers {
		return false
	}
	if s.Room.MaxPlayers > 0 && s.Room.CurrentPlayers >= s.Room.MaxPlayers {
		return false
	}
	_, member := s.Room.MemberByID(userID)
	return !member
}
