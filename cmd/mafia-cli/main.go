// mafia-cli is a terminal client for the Mafia backend: login, rooms,
// and a live view of the running game driven by the same snapshot +
// patch machinery the tests exercise.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mafianight/mafia-client/internal/api"
	"github.com/mafianight/mafia-client/internal/config"
	"github.com/mafianight/mafia-client/internal/creds"
	"github.com/mafianight/mafia-client/internal/dispatch"
	"github.com/mafianight/mafia-client/internal/gamestate"
	"github.com/mafianight/mafia-client/internal/realtime"
	"github.com/mafianight/mafia-client/internal/session"
	"github.com/mafianight/mafia-client/pkg/types"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "credential store:", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authClient := api.New(cfg.Backend.BaseURL, nil, log).WithTimeout(cfg.Backend.RequestTimeout)
	gate := session.NewGate(store, authClient, log)
	defer gate.Close()
	client := api.New(cfg.Backend.BaseURL, gate, log).WithTimeout(cfg.Backend.RequestTimeout)

	app := &app{
		ctx:    ctx,
		cfg:    cfg,
		log:    log,
		gate:   gate,
		client: client,
		disp:   dispatch.New(client, log),
		mgr:    gamestate.NewManager(ctx),
	}

	st, sess, err := gate.Resolve(ctx)
	if err != nil {
		log.Warn("session resolve failed", zap.Error(err))
	}
	if st == session.StateAuthenticated && sess != nil {
		fmt.Printf("welcome back, %s\n", sess.Username)
		gate.StartRevalidation(cfg.Session.RevalidateInterval)
	} else {
		fmt.Println("not logged in; use: login <email> <password>")
	}

	app.repl()
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if lc.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// Keep the terminal for the game; logs go to stderr.
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func openStore(cfg *config.Config) (creds.Store, error) {
	if cfg.MemoryCreds() {
		return creds.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Creds.DBPath), 0o700); err != nil {
		return nil, err
	}
	return creds.OpenSQLite(cfg.Creds.DBPath)
}

type app struct {
	ctx    context.Context
	cfg    *config.Config
	log    *zap.Logger
	gate   *session.Gate
	client *api.Client
	disp   *dispatch.Dispatcher
	mgr    *gamestate.Manager

	// current room, nil when not watching one
	roomCode string
	gameID   string
	machine  *gamestate.Machine
	channel  *realtime.Channel
	leaveFns []func()

	mu   sync.Mutex
	last gamestate.GameState
}

func (a *app) setLast(s gamestate.GameState) {
	a.mu.Lock()
	a.last = s
	a.mu.Unlock()
}

func (a *app) snapshot() gamestate.GameState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *app) repl() {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println(`commands: register login logout whoami create join watch vote start leave rooms search status quit`)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]
		if cmd == "quit" || cmd == "exit" {
			break
		}
		if err := a.dispatchCmd(cmd, args); err != nil {
			fmt.Println("error:", err)
		}
	}
	a.detach()
}

func (a *app) dispatchCmd(cmd string, args []string) error {
	switch cmd {
	case "register":
		if len(args) != 3 {
			return fmt.Errorf("usage: register <username> <email> <password>")
		}
		if err := a.gate.Register(a.ctx, args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("registered; now login")
		return nil

	case "login":
		if len(args) != 2 {
			return fmt.Errorf("usage: login <email> <password>")
		}
		sess, err := a.gate.Login(a.ctx, args[0], args[1])
		if err != nil {
			return err
		}
		a.gate.StartRevalidation(a.cfg.Session.RevalidateInterval)
		fmt.Printf("logged in as %s\n", sess.Username)
		return nil

	case "logout":
		a.detach()
		a.gate.Logout(a.ctx)
		fmt.Println("logged out")
		return nil

	case "whoami":
		st, sess := a.gate.Current()
		d := session.Guard(st, sess, true, false)
		if !d.Render {
			fmt.Println("state:", st)
			return nil
		}
		fmt.Printf("%s (%s) admin=%v\n", sess.Username, sess.UserID, sess.IsAdmin())
		return nil

	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: create <max-players> <name...>")
		}
		maxPlayers, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("max players must be a number")
		}
		created, err := a.client.CreateRoom(a.ctx, strings.Join(args[1:], " "), maxPlayers)
		if err != nil {
			return err
		}
		fmt.Println("room created:", created.RoomCode)
		return a.attach(created.RoomCode)

	case "join":
		if len(args) != 1 {
			return fmt.Errorf("usage: join <room-code>")
		}
		code, err := api.NormalizeRoomCode(args[0])
		if err != nil {
			return err
		}
		if err := a.disp.Join(a.ctx, code); err != nil {
			return err
		}
		return a.attach(code)

	case "watch":
		if len(args) != 1 {
			return fmt.Errorf("usage: watch <room-code>")
		}
		return a.attach(args[0])

	case "leave":
		if a.roomCode == "" {
			return fmt.Errorf("not in a room")
		}
		if err := a.disp.Leave(a.ctx, a.roomCode); err != nil {
			return err
		}
		a.detach()
		return nil

	case "start":
		if a.roomCode == "" {
			return fmt.Errorf("join or watch a room first")
		}
		mafia, seconds := 1, 60
		if len(args) > 0 {
			mafia, _ = strconv.Atoi(args[0])
		}
		if len(args) > 1 {
			seconds, _ = strconv.Atoi(args[1])
		}
		return a.disp.Start(a.ctx, a.roomCode, mafia, seconds)

	case "vote":
		return a.vote(args)

	case "rooms":
		_, sess := a.gate.Current()
		if sess == nil {
			return session.ErrNotAuthenticated
		}
		rooms, err := a.client.MyRooms(a.ctx, sess.UserID)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			fmt.Printf("  %s  %-20s %d/%d  %s\n", r.RoomCode, r.Name, r.CurrentPlayers, r.MaxPlayers, r.Status)
		}
		return nil

	case "search":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		rooms, err := a.client.SearchRooms(a.ctx, prefix)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			fmt.Printf("  %s  %-20s %d/%d\n", r.RoomCode, r.Name, r.CurrentPlayers, r.MaxPlayers)
		}
		return nil

	case "status":
		a.render(a.snapshot())
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// attach switches the live view to a room: machine from the manager,
// realtime channel, REST snapshot seed, and a render loop.
func (a *app) attach(roomCode string) error {
	a.detach()

	room, err := a.client.FetchRoom(a.ctx, roomCode)
	if err != nil {
		return err
	}

	gameID := ""
	if game, err := a.client.ActiveGame(a.ctx, roomCode); err == nil {
		gameID = game.GameID
	}

	reply := make(chan *gamestate.Machine, 1)
	a.mgr.Inbox() <- gamestate.EnsureMachine{
		RoomCode: roomCode,
		Cfg: gamestate.Config{
			Logger:             a.log,
			ResultDisplayDelay: time.Duration(a.cfg.Session.ResultDisplaySeconds) * time.Second,
			// Resolve the game on every fetch: it may not exist yet at
			// attach time and the fetch runs off the REPL goroutine.
			Fetch: func(ctx context.Context) (*types.VotingSession, error) {
				game, err := a.client.ActiveGame(ctx, roomCode)
				if api.IsKind(err, api.KindNotFound) {
					return nil, nil
				}
				if err != nil {
					return nil, err
				}
				return a.client.CurrentVotingSession(ctx, game.GameID)
			},
		},
		Reply: reply,
	}
	machine := <-reply

	a.roomCode = roomCode
	a.gameID = gameID
	a.machine = machine

	machine.Send(gamestate.InstallRoom{Room: room})
	if gameID != "" {
		if game, err := a.client.ActiveGame(a.ctx, roomCode); err == nil {
			machine.Send(gamestate.InstallGame{Game: game})
		}
		if sess, err := a.client.CurrentVotingSession(a.ctx, gameID); err == nil {
			machine.Send(gamestate.InstallSession{Session: sess})
		}
	}

	out := make(chan gamestate.Snapshot, 64)
	machine.Send(gamestate.Subscribe{ID: "cli", Outbox: out})

	ch := realtime.Dial(a.ctx, a.cfg.WebsocketURL(), roomCode, a.log)
	a.channel = ch

	go func() {
		for ev := range ch.Events() {
			machine.Send(gamestate.FromChannel{Event: ev})
		}
	}()
	go func() {
		for snap := range out {
			a.setLast(snap.State)
			a.render(snap.State)
		}
	}()

	a.leaveFns = []func(){
		func() { machine.Send(gamestate.Unsubscribe{ID: "cli"}) },
		ch.Close,
	}
	fmt.Printf("watching room %s (%s)\n", roomCode, room.Name)
	return nil
}

func (a *app) detach() {
	for _, fn := range a.leaveFns {
		fn()
	}
	a.leaveFns = nil
	a.roomCode, a.gameID = "", ""
	a.machine, a.channel = nil, nil
}

func (a *app) vote(args []string) error {
	if a.machine == nil {
		return fmt.Errorf("join or watch a room first")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: vote <target-number>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("target must be a number from the list")
	}

	_, sess := a.gate.Current()
	if sess == nil {
		return session.ErrNotAuthenticated
	}
	state := a.snapshot()
	if !state.CanVote(sess.UserID) {
		return fmt.Errorf("you cannot vote right now")
	}
	targets := state.VoteTargets(sess.UserID)
	if n < 1 || n > len(targets) {
		return fmt.Errorf("pick 1-%d", len(targets))
	}
	gameID := a.gameID
	if gameID == "" {
		game, err := a.client.ActiveGame(a.ctx, a.roomCode)
		if err != nil {
			return err
		}
		gameID = game.GameID
		a.gameID = gameID
	}
	return a.disp.Vote(a.ctx, a.machine, gameID, state.Session.SessionID, targets[n-1].UserID)
}

func (a *app) render(s gamestate.GameState) {
	switch s.Phase {
	case gamestate.StateGameOver:
		if s.Result != nil {
			fmt.Printf("\n=== GAME OVER: %s win after %d days ===\n", s.Result.Winner, s.Result.TotalDays)
			for _, p := range s.Result.Players {
				alive := "dead"
				if p.IsAlive {
					alive = "alive"
				}
				fmt.Printf("  %-16s %-8s %s\n", p.Username, p.Role, alive)
			}
		}
	case gamestate.StateSessionActive, gamestate.StateVoteSubmitted:
		if s.Session == nil {
			return
		}
		fmt.Printf("\n[%s day %d] votes %d/%d, %ds left\n",
			s.Session.Phase, s.Session.DayNumber,
			s.Session.VotesReceived, s.Session.TotalEligibleVoters, s.RemainingSeconds)
		if _, sess := a.gate.Current(); sess != nil && s.CanVote(sess.UserID) {
			for i, p := range s.VoteTargets(sess.UserID) {
				fmt.Printf("  %d) %s\n", i+1, p.Username)
			}
			fmt.Println("vote with: vote <number>")
		}
	case gamestate.StateSessionComplete:
		if r := s.LastResult; r != nil {
			switch {
			case r.IsTie:
				fmt.Println("\nvote tied: nobody is eliminated")
			case r.EliminatedUsername != "":
				fmt.Printf("\n%s was eliminated\n", r.EliminatedUsername)
			default:
				fmt.Println("\nvoting ended with no votes")
			}
		}
	case gamestate.StateAwaitingNext:
		fmt.Println("\nwaiting for the next phase...")
	default:
		if s.Room.RoomCode != "" {
			fmt.Printf("\nroom %s: %d/%d players, %s\n",
				s.Room.RoomCode, s.Room.CurrentPlayers, s.Room.MaxPlayers, s.Room.Status)
		}
	}

	if !s.Connected && s.Phase != gamestate.StateGameOver {
		fmt.Println("(connection lost, reconnecting...)")
	}
}
