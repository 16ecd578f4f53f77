package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/mafianight/mafia-client/pkg/types"
)

type startGameRequest struct {
	RoomID                string `json:"roomId"`
	MafiaCount            int    `json:"mafiaCount"`
	DiscussionTimeSeconds int    `json:"discussionTimeSeconds"`
}

func (c *Client) StartGame(ctx context.Context, roomID string, mafiaCount, discussionTimeSeconds int) error {
	if roomID == "" {
		return newValidationError("room id is required")
	}
	if mafiaCount < 1 {
		return newValidationError("at least one mafia is required")
	}
	if discussionTimeSeconds < 10 {
		return newValidationError("discussion time must be at least 10 seconds")
	}
	req := startGameRequest{RoomID: roomID, MafiaCount: mafiaCount, DiscussionTimeSeconds: discussionTimeSeconds}
	return c.do(ctx, http.MethodPost, "/api/games/start", req, nil, true)
}

// CurrentVotingSession fetches the active voting session for a game.
// A 204 means no session is running right now; that is not an error,
// the caller gets (nil, nil).
func (c *Client) CurrentVotingSession(ctx context.Context, gameID string) (*types.VotingSession, error) {
	if gameID == "" {
		return nil, newValidationError("game id is required")
	}
	var out types.VotingSession
	err := c.do(ctx, http.MethodGet, "/api/games/"+gameID+"/voting/current", nil, &out, true)
	if errors.Is(err, errNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type castVoteRequest struct {
	VotingSessionID string `json:"votingSessionId"`
	TargetUserID    string `json:"targetUserId"`
}

type VoteAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CastVote submits one vote. A 2xx with Success=false is still a
// rejection (already voted, session closed, bad target) and comes back
// as a Conflict so callers roll back their optimistic state.
func (c *Client) CastVote(ctx context.Context, gameID, sessionID, targetUserID string) error {
	if targetUserID == "" {
		return newValidationError("vote target is required")
	}
	if gameID == "" || sessionID == "" {
		return newValidationError("game and session ids are required")
	}
	var ack VoteAck
	err := c.do(ctx, http.MethodPost, "/api/games/"+gameID+"/voting/vote", castVoteRequest{VotingSessionID: sessionID, TargetUserID: targetUserID}, &ack, true)
	if err != nil {
		return err
	}
	if !ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = "vote rejected"
		}
		return &APIError{Kind: KindConflict, Status: http.StatusOK, Message: msg}
	}
	return nil
}

// ActiveGame resolves the running game behind a room, if any.
func (c *Client) ActiveGame(ctx context.Context, roomCode string) (types.ActiveGame, error) {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return types.ActiveGame{}, err
	}
	var out types.ActiveGame
	err = c.do(ctx, http.MethodGet, "/api/games/rooms/"+code+"/active-game", nil, &out, true)
	return out, err
}
