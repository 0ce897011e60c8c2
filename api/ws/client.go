package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kasuganosora/relationd/server/hub"
	"github.com/kasuganosora/relationd/server/model"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuf    = 16
)

// clientMessage is what subscribers send us.
type clientMessage struct {
	Op      string `json:"op"`      // subscribe | unsubscribe | ping
	Channel string `json:"channel"` // friends | incoming | outgoing | blocked
}

// serverMessage is what we push to subscribers. Items is present only on
// snapshot messages and always carries the full channel contents.
type serverMessage struct {
	Type    string               `json:"type"`
	Channel string               `json:"channel,omitempty"`
	Items   []model.Relationship `json:"items,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// client owns one WebSocket connection and its hub subscriptions. All writes
// go through the send channel so only writePump touches the connection.
type client struct {
	userID string
	conn   *websocket.Conn
	hub    *hub.Hub
	logger *zap.Logger

	send   chan serverMessage
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[hub.Channel]*hub.Subscription
	wg   sync.WaitGroup
}

func newClient(userID string, conn *websocket.Conn, h *hub.Hub, logger *zap.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		userID: userID,
		conn:   conn,
		hub:    h,
		logger: logger,
		send:   make(chan serverMessage, sendBuf),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[hub.Channel]*hub.Subscription),
	}
}

// run blocks until the connection closes, then tears down all subscriptions.
func (cl *client) run() {
	go cl.writePump()
	cl.readPump()

	cl.cancel()
	cl.mu.Lock()
	for _, sub := range cl.subs {
		sub.Close()
	}
	cl.subs = nil
	cl.mu.Unlock()
	cl.wg.Wait()
	cl.conn.Close()
	cl.logger.Info("ws client disconnected", zap.String("user_id", cl.userID))
}

func (cl *client) readPump() {
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				cl.logger.Warn("ws unexpected close",
					zap.String("user_id", cl.userID),
					zap.Error(err))
			}
			return
		}
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		cl.dispatch(raw)
	}
}

func (cl *client) dispatch(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		cl.reply(serverMessage{Type: "error", Error: "malformed message"})
		return
	}

	switch msg.Op {
	case "subscribe":
		cl.subscribe(msg.Channel)
	case "unsubscribe":
		cl.unsubscribe(msg.Channel)
	case "ping":
		cl.reply(serverMessage{Type: "pong"})
	default:
		cl.reply(serverMessage{Type: "error", Error: "unknown op " + msg.Op})
	}
}

func (cl *client) subscribe(name string) {
	channel, ok := hub.ParseChannel(name)
	if !ok {
		cl.reply(serverMessage{Type: "error", Error: "unknown channel " + name})
		return
	}

	cl.mu.Lock()
	if _, exists := cl.subs[channel]; exists {
		cl.mu.Unlock()
		cl.reply(serverMessage{Type: "error", Channel: name, Error: "already subscribed"})
		return
	}
	sub, err := cl.hub.Subscribe(cl.ctx, cl.userID, channel)
	if err != nil {
		cl.mu.Unlock()
		cl.reply(serverMessage{Type: "error", Channel: name, Error: "subscribe failed"})
		return
	}
	cl.subs[channel] = sub
	cl.mu.Unlock()

	cl.reply(serverMessage{Type: "subscribed", Channel: name})

	cl.wg.Add(1)
	go func() {
		defer cl.wg.Done()
		for {
			select {
			case snap, ok := <-sub.C():
				if !ok {
					return
				}
				cl.reply(serverMessage{Type: "snapshot", Channel: name, Items: snap})
			case <-cl.ctx.Done():
				return
			}
		}
	}()
}

func (cl *client) unsubscribe(name string) {
	channel, ok := hub.ParseChannel(name)
	if !ok {
		cl.reply(serverMessage{Type: "error", Error: "unknown channel " + name})
		return
	}

	cl.mu.Lock()
	sub, exists := cl.subs[channel]
	if exists {
		delete(cl.subs, channel)
	}
	cl.mu.Unlock()

	if !exists {
		cl.reply(serverMessage{Type: "error", Channel: name, Error: "not subscribed"})
		return
	}
	sub.Close()
	cl.reply(serverMessage{Type: "unsubscribed", Channel: name})
}

// reply enqueues a message for writePump. Slow consumers lose messages rather
// than blocking the hub; the next snapshot supersedes anything dropped.
func (cl *client) reply(msg serverMessage) {
	select {
	case cl.send <- msg:
	case <-cl.ctx.Done():
	default:
		cl.logger.Warn("ws send buffer full, dropping message",
			zap.String("user_id", cl.userID),
			zap.String("type", msg.Type))
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.ctx.Done():
			return
		}
	}
}
