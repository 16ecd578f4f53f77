// Package realtime maintains the one persistent STOMP-over-WebSocket
// connection a room context needs, and turns its callback soup into a
// single ordered stream of typed events.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"go.uber.org/zap"

	"github.com/mafianight/mafia-client/pkg/types"
)

// roomTopics are the per-room subscriptions this client cares about.
var roomTopics = []string{
	types.TopicUpdated,
	types.TopicVoting,
	types.TopicVotingComplete,
	types.TopicVotingTimer,
	types.TopicGameOver,
	types.TopicPhaseChange,
	types.TopicPlayerJoined,
	types.TopicPlayerLeft,
	types.TopicRoomDeleted,
}

type Channel struct {
	wsURL    string
	roomCode string
	log      *zap.Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens the channel for one room and starts its connect loop.
// Events (including connection status changes) arrive on Events()
// until Close. Dial itself never blocks on the network.
func Dial(parent context.Context, wsURL, roomCode string, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Channel{
		wsURL:    wsURL,
		roomCode: roomCode,
		log:      log.With(zap.String("room", roomCode)),
		events:   make(chan Event, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) Events() <-chan Event { return c.events }

// Close tears the connection down and ends the event stream. After
// Close returns and the stream is drained, nothing is ever delivered
// again; there is no dangling subscription left to fire into a
// disposed consumer.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
}

// emit delivers one event unless the channel is being torn down.
// Every delivery is guarded: a send must never outlive the context.
func (c *Channel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) run() {
	defer close(c.done)
	defer close(c.events)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 0 // keep trying until Close

	first := true
	for {
		if c.ctx.Err() != nil {
			c.drainEmit(StatusChanged{Status: StatusClosed})
			return
		}
		if first {
			c.emit(StatusChanged{Status: StatusConnecting})
		} else {
			c.emit(StatusChanged{Status: StatusReconnecting})
		}

		err := c.connectAndPump()
		if c.ctx.Err() != nil {
			c.drainEmit(StatusChanged{Status: StatusClosed})
			return
		}
		c.log.Warn("realtime connection lost", zap.Error(err))
		first = false

		select {
		case <-c.ctx.Done():
			c.drainEmit(StatusChanged{Status: StatusClosed})
			return
		case <-time.After(policy.NextBackOff()):
		}
	}
}

// drainEmit is the non-blocking emit used on the way out, when the
// consumer may already be gone.
func (c *Channel) drainEmit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// connectAndPump dials, subscribes, and forwards messages until the
// connection dies or the channel is closed. Always returns a non-nil
// reason.
func (c *Channel) connectAndPump() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, c.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	// NetConn takes over the websocket lifecycle from here.
	netConn := websocket.NetConn(c.ctx, ws, websocket.MessageText)

	conn, err := stomp.Connect(netConn,
		stomp.ConnOpt.HeartBeat(0, 0),
		stomp.ConnOpt.Host("/"),
	)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("stomp connect: %w", err)
	}
	defer conn.MustDisconnect()

	// fan-in: one pump goroutine per topic keeps per-topic order.
	failed := make(chan error, len(roomTopics))
	var wg sync.WaitGroup
	pumpCtx, stopPumps := context.WithCancel(c.ctx)
	defer stopPumps()

	for _, suffix := range roomTopics {
		dest := types.GameTopic(c.roomCode, suffix)
		sub, err := conn.Subscribe(dest, stomp.AckAuto)
		if err != nil {
			stopPumps()
			wg.Wait()
			return fmt.Errorf("subscribe %s: %w", dest, err)
		}
		wg.Add(1)
		// No frame-level unsubscribe on the way out: every exit from
		// this function disconnects the whole conn, and Unsubscribe
		// blocks forever once the processing loop is dead.
		go func(suffix string, sub *stomp.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-pumpCtx.Done():
					return
				case msg, ok := <-sub.C:
					if !ok || msg == nil {
						failed <- fmt.Errorf("subscription %s closed", suffix)
						return
					}
					if msg.Err != nil {
						failed <- fmt.Errorf("subscription %s: %w", suffix, msg.Err)
						return
					}
					ev, err := decodeEvent(suffix, msg.Body)
					if err != nil {
						// Bad payload on one topic should not kill the
						// stream; log and move on.
						c.log.Warn("undecodable realtime payload",
							zap.String("topic", suffix), zap.Error(err))
						continue
					}
					if !c.emit(ev) {
						return
					}
				}
			}
		}(suffix, sub)
	}

	c.emit(StatusChanged{Status: StatusConnected})

	select {
	case <-c.ctx.Done():
		stopPumps()
		wg.Wait()
		return c.ctx.Err()
	case err := <-failed:
		stopPumps()
		wg.Wait()
		return err
	}
}

func decodeEvent(suffix string, body []byte) (Event, error) {
	unmarshal := func(v any) error {
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("decode %s: %w", suffix, err)
		}
		return nil
	}

	switch suffix {
	case types.TopicUpdated:
		var room types.RoomSnapshot
		if err := unmarshal(&room); err != nil {
			return nil, err
		}
		return RoomUpdated{Room: room}, nil
	case types.TopicPlayerJoined:
		var room types.RoomSnapshot
		if err := unmarshal(&room); err != nil {
			return nil, err
		}
		return PlayerJoined{Room: room}, nil
	case types.TopicPlayerLeft:
		var room types.RoomSnapshot
		if err := unmarshal(&room); err != nil {
			return nil, err
		}
		return PlayerLeft{Room: room}, nil
	case types.TopicRoomDeleted:
		return RoomDeleted{}, nil
	case types.TopicVoting:
		var u types.VotingUpdate
		if err := unmarshal(&u); err != nil {
			return nil, err
		}
		return VotingProgress{Update: u}, nil
	case types.TopicVotingComplete:
		var r types.VotingComplete
		if err := unmarshal(&r); err != nil {
			return nil, err
		}
		return VotingCompleted{Result: r}, nil
	case types.TopicVotingTimer:
		var tu types.TimerUpdate
		if err := unmarshal(&tu); err != nil {
			return nil, err
		}
		return TimerTick{Timer: tu}, nil
	case types.TopicPhaseChange:
		var pc types.PhaseChange
		if err := unmarshal(&pc); err != nil {
			return nil, err
		}
		return PhaseChanged{Change: pc}, nil
	case types.TopicGameOver:
		var gr types.GameResult
		if err := unmarshal(&gr); err != nil {
			return nil, err
		}
		return GameEnded{Result: gr}, nil
	default:
		return nil, fmt.Errorf("unknown topic suffix %q", suffix)
	}
}
