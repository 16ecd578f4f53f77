package realtime

import "github.com/mafianight/mafia-client/pkg/types"

// Event is one message off the room's realtime stream. The channel
// delivers them in per-topic server-send order; there is no ordering
// guarantee across topics, so consumers must treat each event as a
// partial patch, not a checkpoint.
type Event interface{ isEvent() }

type RoomUpdated struct{ Room types.RoomSnapshot }

type PlayerJoined struct{ Room types.RoomSnapshot }

type PlayerLeft struct{ Room types.RoomSnapshot }

type RoomDeleted struct{}

type VotingProgress struct{ Update types.VotingUpdate }

type VotingCompleted struct{ Result types.VotingComplete }

type TimerTick struct{ Timer types.TimerUpdate }

type PhaseChanged struct{ Change types.PhaseChange }

type GameEnded struct{ Result types.GameResult }

// StatusChanged reports connection lifecycle transitions so the
// consumer can refetch an authoritative snapshot after a reconnect.
type StatusChanged struct {
	Status ConnStatus
	Err    error
}

func (RoomUpdated) isEvent()     {}
func (PlayerJoined) isEvent()    {}
func (PlayerLeft) isEvent()      {}
func (RoomDeleted) isEvent()     {}
func (VotingProgress) isEvent()  {}
func (VotingCompleted) isEvent() {}
func (TimerTick) isEvent()       {}
func (PhaseChanged) isEvent()    {}
func (GameEnded) isEvent()       {}
func (StatusChanged) isEvent()   {}

type ConnStatus string

const (
	StatusConnecting   ConnStatus = "CONNECTING"
	StatusConnected    ConnStatus = "CONNECTED"
	StatusReconnecting ConnStatus = "RECONNECTING"
	StatusClosed       ConnStatus = "CLOSED"
)
