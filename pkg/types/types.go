package types

import "time"

// Entities mirrored from the backend. The client only ever holds a
// read-only projection of these; the server is authoritative.

type RoomStatus string

const (
	RoomWaitingForPlayers RoomStatus = "WAITING_FOR_PLAYERS"
	RoomReadyToStart      RoomStatus = "READY_TO_START"
	RoomGameInProgress    RoomStatus = "GAME_IN_PROGRESS"
	RoomFinished          RoomStatus = "FINISHED"
)

type GamePhase string

const (
	PhaseDayDiscussion GamePhase = "DAY_DISCUSSION"
	PhaseDayVote       GamePhase = "DAY_VOTE"
	PhaseNightVote     GamePhase = "NIGHT_VOTE"
	PhaseGameOver      GamePhase = "GAME_OVER"
)

type VotingStatus string

const (
	VotingActive    VotingStatus = "ACTIVE"
	VotingCompleted VotingStatus = "COMPLETED"
	VotingExpired   VotingStatus = "EXPIRED"
)

type Role string

const (
	RoleMafia   Role = "MAFIA"
	RoleCitizen Role = "CITIZEN"
)

type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"username"`
	IsHost      bool   `json:"isHost"`
	// Only meaningful while a game is in progress.
	IsAlive bool `json:"isAlive"`
	// Role is empty unless the server chose to reveal it to this client.
	Role Role `json:"role,omitempty"`
}

type RoomSnapshot struct {
	RoomCode       string     `json:"roomCode"`
	Name           string     `json:"name"`
	HostUserID     string     `json:"hostUserId"`
	Status         RoomStatus `json:"status"`
	MaxPlayers     int        `json:"maxPlayers"`
	CurrentPlayers int        `json:"currentPlayers"`
	Members        []Member   `json:"members,omitempty"`
}

// HostIs reports whether the given user hosts this room. Host identity
// is always compared by user id, never by display name.
func (r RoomSnapshot) HostIs(userID string) bool {
	return userID != "" && r.HostUserID == userID
}

func (r RoomSnapshot) MemberByID(userID string) (Member, bool) {
	for _, m := range r.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

type Voter struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// VoteResult is the aggregated tally for one vote target. VoteCount is
// an absolute count supplied by the server, never incremented locally.
type VoteResult struct {
	TargetUserID   string `json:"targetUserId"`
	TargetUsername string `json:"targetUsername"`
	VoteCount      int    `json:"voteCount"`
	MafiaVoteCount int    `json:"mafiaVoteCount,omitempty"`
	// Voters is populated only for DAY_VOTE; night votes are secret.
	Voters []Voter `json:"voters,omitempty"`
}

type VotingSession struct {
	SessionID            string       `json:"sessionId"`
	GameID               string       `json:"gameId"`
	RoomCode             string       `json:"roomCode"`
	Phase                GamePhase    `json:"phase"`
	DayNumber            int          `json:"dayNumber"`
	StartedAt            time.Time    `json:"startedAt"`
	EndsAt               time.Time    `json:"endsAt"`
	TotalEligibleVoters  int          `json:"totalEligibleVoters"`
	VotesReceived        int          `json:"votesReceived"`
	Status               VotingStatus `json:"status"`
	CurrentResults       []VoteResult `json:"currentResults,omitempty"`
	RemainingTimeSeconds int64        `json:"remainingTimeSeconds"`
}

type GamePlayer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	IsAlive  bool   `json:"isAlive"`
}

type ActiveGame struct {
	GameID       string       `json:"gameId"`
	CurrentPhase GamePhase    `json:"currentPhase"`
	DayNumber    int          `json:"dayNumber"`
	Players      []GamePlayer `json:"players"`
}

// GameResult is terminal and immutable once delivered.
type GameResult struct {
	GameID    string       `json:"gameId"`
	Winner    string       `json:"winner"` // "MAFIA" or "CITIZENS"
	TotalDays int          `json:"totalDays"`
	EndedAt   time.Time    `json:"endedAt"`
	Players   []GamePlayer `json:"players"`
}
