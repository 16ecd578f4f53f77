package backendtest

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
)

// broker is the STOMP side of the fake backend: it accepts websocket
// connections, answers CONNECT, tracks SUBSCRIBE destinations and
// pushes MESSAGE frames on publish. Just enough of the protocol for
// the go-stomp client; no transactions, no acks, no heartbeats.
type broker struct {
	log *zap.Logger

	mu     sync.Mutex
	conns  map[*brokerConn]struct{}
	nextID int
}

type brokerConn struct {
	writer  *frame.Writer
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // destination -> subscription id
}

func newBroker(log *zap.Logger) *broker {
	return &broker{log: log, conns: make(map[*brokerConn]struct{})}
}

func (b *broker) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "bye")

		nc := websocket.NetConn(r.Context(), ws, websocket.MessageText)
		c := &brokerConn{
			writer: frame.NewWriter(nc),
			subs:   make(map[string]string),
		}
		b.add(c)
		defer b.remove(c)

		reader := frame.NewReader(nc)
		for {
			f, err := reader.Read()
			if err != nil {
				return
			}
			if f == nil { // heartbeat
				continue
			}

			switch f.Command {
			case frame.CONNECT, frame.STOMP:
				c.write(frame.New(frame.CONNECTED,
					frame.Version, "1.2",
					frame.HeartBeat, "0,0"))

			case frame.SUBSCRIBE:
				id := f.Header.Get(frame.Id)
				dest := f.Header.Get(frame.Destination)
				if id != "" && dest != "" {
					c.subscribe(dest, id)
				}
				b.receiptIfAsked(c, f)

			case frame.UNSUBSCRIBE:
				c.unsubscribe(f.Header.Get(frame.Id))
				b.receiptIfAsked(c, f)

			case frame.DISCONNECT:
				b.receiptIfAsked(c, f)
				return

			default:
				b.receiptIfAsked(c, f)
			}
		}
	}
}

func (b *broker) receiptIfAsked(c *brokerConn, f *frame.Frame) {
	if receipt := f.Header.Get(frame.Receipt); receipt != "" {
		c.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
	}
}

// publish delivers body to every connection subscribed to dest.
func (b *broker) publish(dest string, body []byte) {
	b.mu.Lock()
	b.nextID++
	id := strconv.Itoa(b.nextID)
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		subID, ok := c.subscription(dest)
		if !ok {
			continue
		}
		f := frame.New(frame.MESSAGE,
			frame.Subscription, subID,
			frame.MessageId, id,
			frame.Destination, dest,
			frame.ContentType, "application/json")
		f.Body = body
		if err := c.write(f); err != nil {
			b.log.Debug("broker publish write failed", zap.Error(err))
		}
	}
}

func (b *broker) add(c *brokerConn) {
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
}

func (b *broker) remove(c *brokerConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

func (c *brokerConn) write(f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.Write(f)
}

func (c *brokerConn) subscribe(dest, id string) {
	c.mu.Lock()
	c.subs[dest] = id
	c.mu.Unlock()
}

func (c *brokerConn) unsubscribe(id string) {
	c.mu.Lock()
	for dest, sub := range c.subs {
		if sub == id {
			delete(c.subs, dest)
		}
	}
	c.mu.Unlock()
}

func (c *brokerConn) subscription(dest string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.subs[dest]
	return id, ok
}
