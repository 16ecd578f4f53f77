// Package backendtest is an in-memory Mafia backend for tests: the
// REST contract behind chi routes plus a minimal STOMP broker on /ws.
// Integration tests drive real clients against it instead of mocking
// transport pieces one by one.
package backendtest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mafianight/mafia-client/internal/identity"
	"github.com/mafianight/mafia-client/pkg/types"
)

type user struct {
	id       string
	username string
	email    string
	password string
	roles    []string
}

type room struct {
	snap   types.RoomSnapshot
	roomID string
	gameID string
}

type game struct {
	id       string
	roomCode string
	phase    types.GamePhase
	day      int
	players  []types.GamePlayer
	session  *votingSession
	over     bool
}

type votingSession struct {
	sess  types.VotingSession
	voted map[string]string // voterID -> targetID
}

type Server struct {
	log        *zap.Logger
	signingKey []byte
	tokenTTL   time.Duration
	broker     *broker

	mu      sync.Mutex
	users   map[string]*user // by email
	refresh map[string]*user // refresh token -> user
	rooms   map[string]*room // by room code
	games   map[string]*game // by game id
}

func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:        log,
		signingKey: []byte("backendtest-signing-key"),
		tokenTTL:   time.Hour,
		broker:     newBroker(log),
		users:      make(map[string]*user),
		refresh:    make(map[string]*user),
		rooms:      make(map[string]*room),
		games:      make(map[string]*game),
	}
}

// TokenTTL overrides how long issued access tokens live. Short values
// let tests exercise the expiry path without waiting.
func (s *Server) TokenTTL(d time.Duration) { s.tokenTTL = d }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/refresh", s.handleRefresh)
	// The refresh token in the body is the credential; no bearer token,
	// so logout still works after the access token expires.
	r.Post("/api/auth/logout", s.handleLogout)
	r.Get("/ws", s.broker.handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/api/game_rooms/create", s.handleCreateRoom)
		r.Get("/api/game_rooms/search", s.handleSearchRooms)
		r.Post("/api/game_rooms/info", s.handleMyRooms)
		r.Get("/api/game_rooms/{code}", s.handleFetchRoom)
		r.Post("/api/game_rooms/join/{code}", s.handleJoinRoom)
		r.Post("/api/game_rooms/leave/{code}", s.handleLeaveRoom)
		r.Post("/api/games/start", s.handleStartGame)
		r.Get("/api/games/{gameID}/voting/current", s.handleCurrentSession)
		r.Post("/api/games/{gameID}/voting/vote", s.handleCastVote)
		r.Get("/api/games/rooms/{code}/active-game", s.handleActiveGame)
	})

	return r
}

// --- auth ---

type ctxKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		var claims identity.Claims
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return s.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims.Subject)))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) issueTokens(u *user) (map[string]any, error) {
	now := time.Now()
	claims := identity.Claims{
		Username: u.username,
		Roles:    u.roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	refresh := uuid.NewString()
	s.refresh[refresh] = u
	return map[string]any{
		"token":        token,
		"refreshToken": refresh,
		"tokenType":    "Bearer",
		"expiresIn":    int64(s.tokenTTL.Seconds()),
	}, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[req.Email]; exists {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	s.users[req.Email] = &user{
		id:       uuid.NewString(),
		username: req.Username,
		email:    req.Email,
		password: req.Password,
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[req.Email]
	if u == nil || u.password != req.Password {
		writeError(w, http.StatusUnauthorized, "bad credentials")
		return
	}
	tokens, err := s.issueTokens(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.refresh[req.RefreshToken]
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unknown refresh token")
		return
	}
	delete(s.refresh, req.RefreshToken) // rotate
	tokens, err := s.issueTokens(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	delete(s.refresh, req.RefreshToken)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// --- rooms ---

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		MaxPlayers int    `json:"maxPlayers"`
	}
	if !decode(w, r, &req) {
		return
	}
	caller, ok := s.userByID(callerID(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.freshRoomCode()
	s.rooms[code] = &room{
		roomID: uuid.NewString(),
		snap: types.RoomSnapshot{
			RoomCode:       code,
			Name:           req.Name,
			HostUserID:     caller.id,
			Status:         types.RoomWaitingForPlayers,
			MaxPlayers:     req.MaxPlayers,
			CurrentPlayers: 1,
			Members: []types.Member{
				{UserID: caller.id, DisplayName: caller.username, IsHost: true, IsAlive: true},
			},
		},
	}
	writeJSON(w, http.StatusCreated, map[string]string{"roomCode": code, "name": req.Name})
}

func (s *Server) handleFetchRoom(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[chi.URLParam(r, "code")]
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, rm.snap)
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.userByID(callerID(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	s.mu.Lock()
	rm := s.rooms[chi.URLParam(r, "code")]
	if rm == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if rm.snap.Status != types.RoomWaitingForPlayers {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "room is not accepting players")
		return
	}
	if _, member := rm.snap.MemberByID(caller.id); member {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "already in this room")
		return
	}
	if rm.snap.CurrentPlayers >= rm.snap.MaxPlayers {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "room is full")
		return
	}
	rm.snap.Members = append(rm.snap.Members, types.Member{
		UserID: caller.id, DisplayName: caller.username, IsAlive: true,
	})
	rm.snap.CurrentPlayers = len(rm.snap.Members)
	snap := rm.snap
	s.mu.Unlock()

	s.publish(snap.RoomCode, types.TopicPlayerJoined, snap)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	callerID := callerID(r)

	s.mu.Lock()
	rm := s.rooms[chi.URLParam(r, "code")]
	if rm == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	kept := rm.snap.Members[:0]
	for _, m := range rm.snap.Members {
		if m.UserID != callerID {
			kept = append(kept, m)
		}
	}
	rm.snap.Members = kept
	rm.snap.CurrentPlayers = len(kept)
	snap := rm.snap
	deleted := len(kept) == 0
	if deleted {
		delete(s.rooms, snap.RoomCode)
	}
	s.mu.Unlock()

	if deleted {
		s.publish(snap.RoomCode, types.TopicRoomDeleted, map[string]string{"roomCode": snap.RoomCode})
	} else {
		s.publish(snap.RoomCode, types.TopicPlayerLeft, snap)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSearchRooms(w http.ResponseWriter, r *http.Request) {
	prefix := strings.ToLower(r.URL.Query().Get("name"))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.RoomSnapshot{}
	for _, rm := range s.rooms {
		if prefix == "" || strings.HasPrefix(strings.ToLower(rm.snap.Name), prefix) {
			out = append(out, rm.snap)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMyRooms(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.RoomSnapshot{}
	for _, rm := range s.rooms {
		if _, member := rm.snap.MemberByID(req.UserID); member {
			out = append(out, rm.snap)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

// --- games ---

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID                string `json:"roomId"`
		MafiaCount            int    `json:"mafiaCount"`
		DiscussionTimeSeconds int    `json:"discussionTimeSeconds"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	var rm *room
	for _, cand := range s.rooms {
		if cand.roomID == req.RoomID || cand.snap.RoomCode == req.RoomID {
			rm = cand
			break
		}
	}
	if rm == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if !rm.snap.HostIs(callerID(r)) {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "only the host can start the game")
		return
	}
	if rm.snap.Status != types.RoomWaitingForPlayers && rm.snap.Status != types.RoomReadyToStart {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "game already running")
		return
	}

	g := &game{
		id:       uuid.NewString(),
		roomCode: rm.snap.RoomCode,
		phase:    types.PhaseDayVote,
		day:      1,
	}
	for i, m := range rm.snap.Members {
		role := types.RoleCitizen
		if i < req.MafiaCount {
			role = types.RoleMafia
		}
		g.players = append(g.players, types.GamePlayer{
			UserID: m.UserID, Username: m.DisplayName, Role: role, IsAlive: true,
		})
	}
	s.games[g.id] = g
	rm.gameID = g.id
	rm.snap.Status = types.RoomGameInProgress
	snap := rm.snap
	change := types.PhaseChange{GameID: g.id, Phase: g.phase, DayNumber: g.day}
	s.mu.Unlock()

	s.publish(snap.RoomCode, types.TopicUpdated, snap)
	s.publish(snap.RoomCode, types.TopicPhaseChange, change)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.games[chi.URLParam(r, "gameID")]
	if g == nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	if g.session == nil || g.session.sess.Status != types.VotingActive {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, g.session.sess)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VotingSessionID string `json:"votingSessionId"`
		TargetUserID    string `json:"targetUserId"`
	}
	if !decode(w, r, &req) {
		return
	}
	voter := callerID(r)

	s.mu.Lock()
	g := s.games[chi.URLParam(r, "gameID")]
	if g == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	ack := func(ok bool, msg string) {
		writeJSON(w, http.StatusOK, map[string]any{"success": ok, "message": msg})
	}
	vs := g.session
	switch {
	case vs == nil || vs.sess.SessionID != req.VotingSessionID:
		s.mu.Unlock()
		ack(false, "voting session is not active")
		return
	case vs.sess.Status != types.VotingActive:
		s.mu.Unlock()
		ack(false, "voting has ended")
		return
	case vs.voted[voter] != "":
		s.mu.Unlock()
		ack(false, "already voted")
		return
	}
	vs.voted[voter] = req.TargetUserID
	vs.sess.VotesReceived = len(vs.voted)
	update := types.VotingUpdate{
		SessionID:           vs.sess.SessionID,
		VotesReceived:       vs.sess.VotesReceived,
		TotalEligibleVoters: vs.sess.TotalEligibleVoters,
		Status:              vs.sess.Status,
	}
	roomCode := g.roomCode
	s.mu.Unlock()

	s.publish(roomCode, types.TopicVoting, update)
	ack(true, "")
}

func (s *Server) handleActiveGame(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[chi.URLParam(r, "code")]
	if rm == nil || rm.gameID == "" {
		writeError(w, http.StatusNotFound, "no active game")
		return
	}
	g := s.games[rm.gameID]
	writeJSON(w, http.StatusOK, types.ActiveGame{
		GameID:       g.id,
		CurrentPhase: g.phase,
		DayNumber:    g.day,
		Players:      g.players,
	})
}

// --- test controls ---

// Seed registers a user directly and returns its id.
func (s *Server) Seed(username, email, password string, roles ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &user{id: uuid.NewString(), username: username, email: email, password: password, roles: roles}
	s.users[email] = u
	return u.id
}

// GameID resolves the running game behind a room code.
func (s *Server) GameID(roomCode string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm := s.rooms[roomCode]; rm != nil {
		return rm.gameID
	}
	return ""
}

// OpenVoting starts a voting session for the game and announces it on
// the phaseChange topic.
func (s *Server) OpenVoting(gameID string, phase types.GamePhase, durationSeconds int64) types.VotingSession {
	s.mu.Lock()
	g := s.games[gameID]
	eligible := 0
	for _, p := range g.players {
		if p.IsAlive && (phase != types.PhaseNightVote || p.Role == types.RoleMafia) {
			eligible++
		}
	}
	g.phase = phase
	sess := types.VotingSession{
		SessionID:            uuid.NewString(),
		GameID:               g.id,
		RoomCode:             g.roomCode,
		Phase:                phase,
		DayNumber:            g.day,
		StartedAt:            time.Now(),
		TotalEligibleVoters:  eligible,
		Status:               types.VotingActive,
		RemainingTimeSeconds: durationSeconds,
	}
	g.session = &votingSession{sess: sess, voted: make(map[string]string)}
	roomCode := g.roomCode
	change := types.PhaseChange{GameID: g.id, Phase: phase, DayNumber: g.day}
	s.mu.Unlock()

	s.publish(roomCode, types.TopicPhaseChange, change)
	return sess
}

// CloseVoting tallies the session, eliminates the plurality target
// (ties eliminate nobody) and announces the result.
func (s *Server) CloseVoting(gameID string) types.VotingComplete {
	s.mu.Lock()
	g := s.games[gameID]
	vs := g.session
	vs.sess.Status = types.VotingCompleted

	counts := make(map[string]int)
	for _, target := range vs.voted {
		counts[target]++
	}
	var top string
	best, tie := 0, false
	for target, n := range counts {
		switch {
		case n > best:
			top, best, tie = target, n, false
		case n == best:
			tie = true
		}
	}

	result := types.VotingComplete{SessionID: vs.sess.SessionID}
	switch {
	case len(vs.voted) == 0:
		result.ResultType = "EXPIRED_NO_VOTES"
	case tie:
		result.IsTie = true
		result.ResultType = "TIE_NO_ELIMINATION"
	default:
		result.ResultType = "ELIMINATION"
		result.EliminatedUserID = top
		for i, p := range g.players {
			if p.UserID == top {
				g.players[i].IsAlive = false
				result.EliminatedUsername = p.Username
			}
		}
	}
	roomCode := g.roomCode
	s.mu.Unlock()

	s.publish(roomCode, types.TopicVotingComplete, result)
	return result
}

// EndGame marks the game over and announces the final result.
func (s *Server) EndGame(gameID, winner string) types.GameResult {
	s.mu.Lock()
	g := s.games[gameID]
	g.over = true
	g.phase = types.PhaseGameOver
	g.session = nil
	result := types.GameResult{
		GameID:    g.id,
		Winner:    winner,
		TotalDays: g.day,
		EndedAt:   time.Now(),
		Players:   g.players,
	}
	roomCode := g.roomCode
	s.mu.Unlock()

	s.publish(roomCode, types.TopicGameOver, result)
	return result
}

// Tick pushes a countdown update on the voting timer topic.
func (s *Server) Tick(gameID string, remaining int64) {
	s.mu.Lock()
	g := s.games[gameID]
	if g == nil || g.session == nil {
		s.mu.Unlock()
		return
	}
	g.session.sess.RemainingTimeSeconds = remaining
	timer := types.TimerUpdate{SessionID: g.session.sess.SessionID, RemainingSeconds: remaining}
	roomCode := g.roomCode
	s.mu.Unlock()

	s.publish(roomCode, types.TopicVotingTimer, timer)
}

// Publish pushes an arbitrary payload on a game topic, for tests that
// need malformed or out-of-order traffic.
func (s *Server) Publish(roomCode, suffix string, payload any) {
	s.publish(roomCode, suffix, payload)
}

func (s *Server) publish(roomCode, suffix string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("publish marshal failed", zap.Error(err))
		return
	}
	s.broker.publish(types.GameTopic(roomCode, suffix), body)
}

func (s *Server) userByID(id string) (*user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.id == id {
			return u, true
		}
	}
	return nil, false
}

func (s *Server) freshRoomCode() string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for {
		code := make([]byte, 6)
		for i := range code {
			n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
			code[i] = charset[n.Int64()]
		}
		if _, taken := s.rooms[string(code)]; !taken {
			return string(code)
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "message": msg})
}
