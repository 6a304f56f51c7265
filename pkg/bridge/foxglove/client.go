package foxglove

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	subs   map[uint32]uint64
	mu     sync.RWMutex
	sendMu sync.Mutex
	closed bool
	once   sync.Once
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

// readLoop handles subscribe and unsubscribe requests until the connection
// fails. Subscriptions to unknown channels are answered with a status
// warning.
func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; !ok {
					c.status(StatusWarning, fmt.Sprintf("unknown channel %d", sub.ChannelID))
					continue
				}
				c.addSub(sub.ID, sub.ChannelID)
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		msgType := websocket.BinaryMessage
		if len(msg) > 0 && msg[0] == '{' {
			msgType = websocket.TextMessage
		}
		if err := c.conn.WriteMessage(msgType, msg); err != nil {
			c.close()
			return
		}
	}
}

func (c *client) status(level int, message string) {
	data, err := json.Marshal(StatusMsg{Op: OpStatus, Level: level, Message: message})
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend queues msg unless the client is closed or its buffer is full.
func (c *client) trySend(msg []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
		_ = c.conn.Close()
	})
}
