package types

// Realtime topic suffixes under /topic/game/{roomCode}/. Messages on a
// single topic arrive in server-send order; across topics there is no
// ordering guarantee.
const (
	TopicUpdated        = "updated"
	TopicVoting         = "voting"
	TopicVotingComplete = "voting/complete"
	TopicVotingTimer    = "voting/timer"
	TopicGameOver       = "gameOver"
	TopicPhaseChange    = "phaseChange"
	TopicPlayerJoined   = "playerJoined"
	TopicPlayerLeft     = "playerLeft"
	TopicRoomDeleted    = "roomDeleted"
)

func GameTopic(roomCode, suffix string) string {
	return "/topic/game/" + roomCode + "/" + suffix
}

// VotingUpdate is a partial patch of the current voting session.
// Counts are absolute; replaying the same update twice is a no-op.
type VotingUpdate struct {
	SessionID            string       `json:"sessionId"`
	VotesReceived        int          `json:"votesReceived"`
	TotalEligibleVoters  int          `json:"totalEligibleVoters"`
	RemainingTimeSeconds *int64       `json:"remainingTimeSeconds"`
	CurrentResults       []VoteResult `json:"currentResults,omitempty"`
	Status               VotingStatus `json:"status"`
}

type VotingComplete struct {
	SessionID          string       `json:"sessionId"`
	EliminatedUserID   string       `json:"eliminatedUserId,omitempty"`
	EliminatedUsername string       `json:"eliminatedUsername,omitempty"`
	IsTie              bool         `json:"isTie"`
	ResultType         string       `json:"resultType"` // ELIMINATION, TIE_NO_ELIMINATION, EXPIRED_NO_VOTES
	FinalResults       []VoteResult `json:"finalResults,omitempty"`
}

type TimerUpdate struct {
	SessionID        string `json:"sessionId"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

type PhaseChange struct {
	GameID    string    `json:"gameId"`
	Phase     GamePhase `json:"phase"`
	DayNumber int       `json:"dayNumber"`
}
