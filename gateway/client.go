package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nzilbb/jsendpraat/ipc"
	"github.com/nzilbb/jsendpraat/registry"
	"github.com/nzilbb/jsendpraat/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	submitWait = 5 * time.Second
)

type outboundMessage struct {
	messageType int
	payload     []byte
}

type listMessage struct {
	Message string   `json:"message" msgpack:"message"`
	URLs    []string `json:"urls" msgpack:"urls"`
}

type badgeMessage struct {
	Message string `json:"message" msgpack:"message"`
	Count   int    `json:"count" msgpack:"count"`
}

type errorMessage struct {
	Message string `json:"message" msgpack:"message"`
	Error   string `json:"error" msgpack:"error"`
}

// listQuery is the optional tab selector of a list message.
type listQuery struct {
	Tab any `json:"tab"`
}

// client is one connected sender. It is the sender's registry.Channel.
type client struct {
	id     types.SenderID
	server *Server
	conn   *websocket.Conn
	send   chan outboundMessage

	encoding atomic.Int32

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(s *Server, id types.SenderID, conn *websocket.Conn) *client {
	return &client{
		id:     id,
		server: s,
		conn:   conn,
		send:   make(chan outboundMessage, s.config.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *client) currentEncoding() Encoding {
	return Encoding(c.encoding.Load())
}

// Deliver queues a host reply for the sender. It never blocks.
func (c *client) Deliver(reply types.Reply) error {
	payload, err := ipc.EncodeReply(reply)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if c.currentEncoding() == EncodingMsgpack {
		if payload, err = jsonToMsgpack(payload); err != nil {
			return err
		}
		messageType = websocket.BinaryMessage
	}
	return c.enqueue(outboundMessage{messageType: messageType, payload: payload})
}

func (c *client) sendValue(v any) {
	enc := c.currentEncoding()
	payload, err := encode(enc, v)
	if err != nil {
		c.server.logger.Error("failed to encode message", map[string]any{"sender": string(c.id), "error": err.Error()})
		return
	}
	messageType := websocket.TextMessage
	if enc == EncodingMsgpack {
		messageType = websocket.BinaryMessage
	}
	if err := c.enqueue(outboundMessage{messageType: messageType, payload: payload}); err != nil {
		c.server.logger.Debug("message to sender dropped", map[string]any{"sender": string(c.id), "error": err.Error()})
	}
}

func (c *client) enqueue(msg outboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return registry.ErrChannelClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return registry.ErrChannelFull
	}
}

// close stops the write pump, which closes the connection.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.server.removeClient(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read failed", map[string]any{"sender": string(c.id), "error": err.Error()})
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.encoding.Store(int32(EncodingJSON))
		case websocket.BinaryMessage:
			c.encoding.Store(int32(EncodingMsgpack))
			if data, err = msgpackToJSON(data); err != nil {
				c.sendValue(errorMessage{Message: "error", Error: err.Error()})
				continue
			}
		default:
			continue
		}
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	req, err := ipc.ParseRequest(data)
	switch {
	case errors.Is(err, ipc.ErrListQuery):
		c.answerList(data)
		return
	case err != nil:
		c.server.logger.Debug("invalid request", map[string]any{"sender": string(c.id), "error": err.Error()})
		c.sendValue(errorMessage{Message: "error", Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitWait)
	defer cancel()
	if err := c.server.router.Submit(ctx, c.id, req); err != nil {
		c.server.logger.Warn("request submission failed", map[string]any{
			"sender": string(c.id),
			"kind":   string(req.Kind()),
			"error":  err.Error(),
		})
		c.sendValue(errorMessage{Message: "error", Error: err.Error()})
	}
}

// answerList replies with the media registered for the requested tab, or
// for the sender itself.
func (c *client) answerList(data []byte) {
	target := c.id
	var q listQuery
	if err := json.Unmarshal(data, &q); err == nil {
		if tab := tabID(q.Tab); tab != "" {
			target = tab
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitWait)
	defer cancel()
	urls, err := c.server.router.Media(ctx, target)
	if err != nil {
		c.sendValue(errorMessage{Message: "error", Error: err.Error()})
		return
	}
	if urls == nil {
		urls = []string{}
	}
	c.sendValue(listMessage{Message: ipc.MessageList, URLs: urls})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msg.messageType, msg.payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

var _ registry.Channel = (*client)(nil)
