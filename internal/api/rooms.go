package api

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/mafianight/mafia-client/pkg/types"
)

var roomCodeRe = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// NormalizeRoomCode upper-cases user input and validates the 6-char
// alphanumeric shape before it ever hits the network.
func NormalizeRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !roomCodeRe.MatchString(code) {
		return "", newValidationError("room code must be 6 letters or digits")
	}
	return code, nil
}

type CreatedRoom struct {
	RoomCode string `json:"roomCode"`
	Name     string `json:"name"`
}

type createRoomRequest struct {
	Name       string `json:"name"`
	MaxPlayers int    `json:"maxPlayers"`
}

func (c *Client) CreateRoom(ctx context.Context, name string, maxPlayers int) (CreatedRoom, error) {
	name = strings.TrimSpace(name)
	if len(name) < 3 || len(name) > 50 {
		return CreatedRoom{}, newValidationError("room name must be 3-50 characters")
	}
	if maxPlayers < 2 || maxPlayers > 20 {
		return CreatedRoom{}, newValidationError("max players must be between 2 and 20")
	}
	var out CreatedRoom
	err := c.do(ctx, http.MethodPost, "/api/game_rooms/create", createRoomRequest{Name: name, MaxPlayers: maxPlayers}, &out, true)
	return out, err
}

func (c *Client) FetchRoom(ctx context.Context, roomCode string) (types.RoomSnapshot, error) {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return types.RoomSnapshot{}, err
	}
	var out types.RoomSnapshot
	err = c.do(ctx, http.MethodGet, "/api/game_rooms/"+code, nil, &out, true)
	return out, err
}

func (c *Client) JoinRoom(ctx context.Context, roomCode string) error {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/game_rooms/join/"+code, nil, nil, true)
}

func (c *Client) LeaveRoom(ctx context.Context, roomCode string) error {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/game_rooms/leave/"+code, nil, nil, true)
}

func (c *Client) SearchRooms(ctx context.Context, namePrefix string) ([]types.RoomSnapshot, error) {
	var out []types.RoomSnapshot
	path := "/api/game_rooms/search?name=" + url.QueryEscape(strings.TrimSpace(namePrefix))
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

type roomInfoRequest struct {
	UserID string `json:"userId"`
}

type roomInfoResponse struct {
	Rooms []types.RoomSnapshot `json:"rooms"`
}

// MyRooms lists the rooms the given user currently belongs to.
func (c *Client) MyRooms(ctx context.Context, userID string) ([]types.RoomSnapshot, error) {
	if userID == "" {
		return nil, newValidationError("user id is required")
	}
	var out roomInfoResponse
	err := c.do(ctx, http.MethodPost, "/api/game_rooms/info", roomInfoRequest{UserID: userID}, &out, true)
	if err != nil {
		return nil, err
	}
	return out.Rooms, nil
}
