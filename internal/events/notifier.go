package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSMessage is the envelope sent to websocket clients.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 16
)

// Notifier pushes activity to the websocket connections of each user.
// Publishing never waits on a socket: every connection drains its own
// buffer and is dropped once the buffer is full.
type Notifier struct {
	clients map[string]map[*websocket.Conn]*wsClient
	mu      sync.Mutex
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func NewNotifier() *Notifier {
	return &Notifier{
		clients: make(map[string]map[*websocket.Conn]*wsClient),
	}
}

func (n *Notifier) RegisterConnection(userID string, conn *websocket.Conn) {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	n.mu.Lock()
	if n.clients[userID] == nil {
		n.clients[userID] = make(map[*websocket.Conn]*wsClient)
	}
	n.clients[userID][conn] = c
	n.mu.Unlock()

	go n.writePump(userID, c)
}

func (n *Notifier) UnregisterConnection(userID string, conn *websocket.Conn) {
	n.mu.Lock()
	c, ok := n.clients[userID][conn]
	if ok {
		n.remove(userID, conn)
	}
	n.mu.Unlock()
	if ok {
		c.close()
	} else {
		conn.Close()
	}
}

// remove must be called with n.mu held.
func (n *Notifier) remove(userID string, conn *websocket.Conn) {
	delete(n.clients[userID], conn)
	if len(n.clients[userID]) == 0 {
		delete(n.clients, userID)
	}
}

// Connections reports how many sockets userID has open.
func (n *Notifier) Connections(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients[userID])
}

// Send queues msg for every connection of userID. A connection whose buffer
// is full is not keeping up and gets dropped.
func (n *Notifier) Send(userID string, msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	var dropped []*wsClient
	n.mu.Lock()
	for conn, c := range n.clients[userID] {
		select {
		case c.send <- payload:
		default:
			n.remove(userID, conn)
			dropped = append(dropped, c)
		}
	}
	n.mu.Unlock()

	for _, c := range dropped {
		logger.Log.Debug("dropping slow websocket client", zap.String("user_id", userID))
		c.close()
	}
}

func (n *Notifier) writePump(userID string, c *wsClient) {
	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Log.Debug("dropping websocket client", zap.String("user_id", userID), zap.Error(err))
				n.mu.Lock()
				if n.clients[userID][c.conn] == c {
					n.remove(userID, c.conn)
				}
				n.mu.Unlock()
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Publish forwards the event's activity item, or the raw transaction when
// the event carries none.
func (n *Notifier) Publish(_ context.Context, event *TransactionEvent) error {
	if event.Activity != nil {
		n.Send(event.UserID, WSMessage{Type: "activity", Data: event.Activity})
		return nil
	}
	n.Send(event.UserID, WSMessage{Type: "transaction_update", Data: event.Transaction})
	return nil
}
