package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/storyroom/internal/turncycle"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 256
)

// Client is one websocket connection viewing a single room.
type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	log      *logrus.Logger
	user     types.User
	roomId   string
	send     chan *ServerMessage
	limiter  *rate.Limiter
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, roomId string, conn *websocket.Conn, hub *Hub, l *logrus.Logger) *Client {
	return &Client{
		conn:    conn,
		hub:     hub,
		log:     l,
		user:    user,
		roomId:  roomId,
		send:    make(chan *ServerMessage, sendBufferSize),
		limiter: rate.NewLimiter(1, 5),
		stop:    make(chan struct{}),
	}
}

func (c *Client) logger() *logrus.Entry {
	return c.log.WithFields(logrus.Fields{
		"room_id":  c.roomId,
		"username": c.user.Username,
	})
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger().Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.logger().WithError(err).Error("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.logger().Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger().WithError(err).Warn("ws: read")
			}
			break
		}

		if !c.limiter.Allow() {
			c.queueMessage(ErrRateLimited())
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger().WithError(err).Debug("error parsing message")
			c.queueMessage(ErrInvalidMessage())
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Event {
	case EventTimerStart:
		var data TimerStart
		if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &data) != nil {
			c.queueMessage(ErrInvalidMessage())
			return
		}
		if data.Duration < 0 || data.Duration > turncycle.MaxTurnSecondsCap {
			c.queueMessage(ErrInvalidDuration())
			return
		}
		if !c.hub.StartRoomTimer(c.roomId, data.Duration) {
			c.queueMessage(ErrNoViewers())
		}
	case EventTimerStop:
		c.hub.StopRoomTimer(c.roomId)
	case types.EventRoomStart, types.EventTurnPropose, types.EventTurnValidate, types.EventTurnPublish, types.EventTurnVote:
		payload, ok := c.relayPayload(msg)
		if !ok {
			c.queueMessage(ErrInvalidMessage())
			return
		}
		c.hub.EmitToRoom(c.roomId, relayedEvents[msg.Event], payload)
	default:
		c.queueMessage(ErrUnknownEvent(msg.Event))
	}
}

var relayedEvents = map[string]string{
	types.EventRoomStart:    types.EventRoomStarted,
	types.EventTurnPropose:  types.EventTurnProposed,
	types.EventTurnValidate: types.EventTurnValidated,
	types.EventTurnPublish:  types.EventTurnPublished,
	types.EventTurnVote:     types.EventTurnVoted,
}

// relayPayload decodes a client event for rebroadcast. The room and the
// sender's identity always come from the connection, never from the payload.
func (c *Client) relayPayload(msg *ClientMessage) (any, bool) {
	if len(msg.Data) == 0 {
		return nil, false
	}

	switch msg.Event {
	case types.EventRoomStart:
		var p types.RoomStarted
		if json.Unmarshal(msg.Data, &p) != nil {
			return nil, false
		}
		p.RoomId, p.HostId = c.roomId, c.user.Id
		if p.StartedAt.IsZero() {
			p.StartedAt = Now()
		}
		return p, true
	case types.EventTurnPublish:
		var p types.TurnPublished
		if json.Unmarshal(msg.Data, &p) != nil {
			return nil, false
		}
		p.RoomId, p.AuthorId = c.roomId, c.user.Id
		if p.PublishedAt.IsZero() {
			p.PublishedAt = Now()
		}
		return p, true
	case types.EventTurnVote:
		var p types.TurnVoted
		if json.Unmarshal(msg.Data, &p) != nil || p.Value < -1 || p.Value > 1 {
			return nil, false
		}
		p.RoomId, p.VoterId = c.roomId, c.user.Id
		return p, true
	default:
		var p types.TurnEvent
		if json.Unmarshal(msg.Data, &p) != nil {
			return nil, false
		}
		p.RoomId, p.AuthorId = c.roomId, c.user.Id
		return p, true
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.logger().WithError(err).Warn("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.hub.deRegisterClient(c)
	c.stopClient()
}
