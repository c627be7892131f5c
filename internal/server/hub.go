package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/storyroom/internal/stats"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/sirupsen/logrus"
)

const defaultMaxPending = 1024

// TickerFunc returns a tick channel and a function releasing it.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func newTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type emission struct {
	roomId  string
	event   string
	payload any
}

// Hub fans room events out to the websocket clients viewing each room and
// runs per-room countdown timers. Emissions made before Run are queued and
// replayed in order once it starts.
type Hub struct {
	log            *logrus.Logger
	stats          stats.StatsProvider
	mu             sync.Mutex
	rooms          map[string]*roomChannel
	running        bool
	pending        []emission
	maxPending     int
	registerChan   chan *Client
	deRegisterChan chan *Client
	ticker         TickerFunc
	stop           chan struct{}
	done           chan struct{}
}

func NewHub(logger *logrus.Logger, statsProvider stats.StatsProvider) *Hub {
	statsProvider.RegisterMetric(stats.ConnectedClients)
	statsProvider.RegisterMetric(stats.ActiveRooms)
	statsProvider.RegisterMetric(stats.PendingEmissions)

	return &Hub{
		log:            logger,
		stats:          statsProvider,
		rooms:          make(map[string]*roomChannel),
		maxPending:     defaultMaxPending,
		registerChan:   make(chan *Client, 64),
		deRegisterChan: make(chan *Client, 64),
		ticker:         newTicker,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Run replays queued emissions and then serves client registrations until
// Shutdown is called.
func (h *Hub) Run() {
	h.mu.Lock()
	h.running = true
	pending := h.pending
	h.pending = nil
	for _, e := range pending {
		h.deliverLocked(e)
	}
	h.mu.Unlock()

	if len(pending) > 0 {
		h.stats.Add(stats.PendingEmissions, -len(pending))
		h.log.WithField("count", len(pending)).Debug("replayed pending emissions")
	}

	for {
		select {
		case c := <-h.registerChan:
			h.subscribe(c)
		case c := <-h.deRegisterChan:
			h.unsubscribe(c)
		case <-h.stop:
			h.log.Info("shutting down hub")
			h.mu.Lock()
			clients, rooms := 0, len(h.rooms)
			for id, rc := range h.rooms {
				rc.cancelTimer()
				for c := range rc.clients {
					c.stopClient()
				}
				clients += rc.viewers()
				delete(h.rooms, id)
			}
			h.running = false
			h.mu.Unlock()

			h.stats.Add(stats.ConnectedClients, -clients)
			h.stats.Add(stats.ActiveRooms, -rooms)

			close(h.done)
			return
		}
	}
}

// Shutdown stops the hub and disconnects every client.
func (h *Hub) Shutdown(ctx context.Context) error {
	close(h.stop)

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient subscribes c to its room. It reports false once the hub
// has shut down.
func (h *Hub) RegisterClient(c *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.registerChan <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) deRegisterClient(c *Client) {
	select {
	case h.deRegisterChan <- c:
	case <-h.done:
	}
}

// EmitToRoom delivers an event to every viewer of roomId. Delivery is best
// effort: clients with a full send buffer miss the event.
func (h *Hub) EmitToRoom(roomId, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := emission{roomId: roomId, event: event, payload: payload}
	if h.running {
		h.deliverLocked(e)
		return
	}

	if len(h.pending) >= h.maxPending {
		h.log.WithFields(logrus.Fields{
			"room_id": h.pending[0].roomId,
			"event":   h.pending[0].event,
		}).Warn("pending queue full, dropping oldest emission")
		h.pending = h.pending[1:]
		h.stats.Decr(stats.PendingEmissions)
	}
	h.pending = append(h.pending, e)
	h.stats.Incr(stats.PendingEmissions)
}

func (h *Hub) deliverLocked(e emission) {
	rc, ok := h.rooms[e.roomId]
	if !ok {
		return
	}

	msg := NewServerMessage(e.event, e.payload)
	for c := range rc.clients {
		if !c.queueMessage(msg) {
			h.log.WithFields(logrus.Fields{
				"room_id": e.roomId,
				"event":   e.event,
				"user_id": c.user.Id,
			}).Debug("dropped event for slow client")
		}
	}
}

// StartRoomTimer starts a countdown of seconds for roomId, replacing any
// running countdown. It reports false when nobody is viewing the room.
func (h *Hub) StartRoomTimer(roomId string, seconds int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rc, ok := h.rooms[roomId]
	if !ok || !h.running {
		return false
	}

	rc.cancelTimer()
	rc.timerGen++
	gen := rc.timerGen

	h.deliverLocked(emission{
		roomId: roomId,
		event:  types.EventTimerTick,
		payload: types.TimerTick{
			RoomId:     roomId,
			Duration:   seconds,
			Remaining:  seconds,
			IsComplete: seconds == 0,
		},
	})

	if seconds == 0 {
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	go h.countdown(ctx, roomId, gen, seconds)

	return true
}

// StopRoomTimer cancels the countdown for roomId without a final tick.
func (h *Hub) StopRoomTimer(roomId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rc, ok := h.rooms[roomId]; ok {
		rc.cancelTimer()
		rc.timerGen++
	}
}

func (h *Hub) countdown(ctx context.Context, roomId string, gen, duration int) {
	tick, release := h.ticker(time.Second)
	defer release()

	remaining := duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			remaining--
			payload := types.TimerTick{
				RoomId:    roomId,
				Duration:  duration,
				Remaining: max(remaining, 0),
			}
			if remaining <= 0 {
				payload.IsComplete = true
			}

			if !h.emitTick(roomId, gen, payload) || payload.IsComplete {
				return
			}
		}
	}
}

// emitTick delivers a countdown tick unless the countdown was superseded.
func (h *Hub) emitTick(roomId string, gen int, payload types.TimerTick) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rc, ok := h.rooms[roomId]
	if !ok || rc.timerGen != gen {
		return false
	}

	h.deliverLocked(emission{roomId: roomId, event: types.EventTimerTick, payload: payload})
	if payload.IsComplete {
		rc.cancelTimer()
	}
	return true
}

// LiveRooms returns the ids of rooms with at least one viewer.
func (h *Hub) LiveRooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) subscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rc, ok := h.rooms[c.roomId]
	if !ok {
		rc = newRoomChannel(c.roomId)
		h.rooms[c.roomId] = rc
		h.stats.Incr(stats.ActiveRooms)
	}
	rc.clients[c] = struct{}{}
	h.stats.Incr(stats.ConnectedClients)

	h.log.WithFields(logrus.Fields{
		"room_id":  c.roomId,
		"username": c.user.Username,
		"viewers":  rc.viewers(),
	}).Debug("client subscribed")

	h.deliverLocked(emission{
		roomId: c.roomId,
		event:  types.EventRoomJoined,
		payload: types.RoomJoined{
			RoomId:       c.roomId,
			Participants: rc.viewers(),
			UserId:       c.user.Id,
			Username:     c.user.Username,
		},
	})
}

func (h *Hub) unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rc, ok := h.rooms[c.roomId]
	if !ok {
		return
	}
	if _, ok := rc.clients[c]; !ok {
		return
	}

	delete(rc.clients, c)
	h.stats.Decr(stats.ConnectedClients)

	h.log.WithFields(logrus.Fields{
		"room_id":  c.roomId,
		"username": c.user.Username,
		"viewers":  rc.viewers(),
	}).Debug("client unsubscribed")

	if rc.viewers() == 0 {
		rc.cancelTimer()
		delete(h.rooms, c.roomId)
		h.stats.Decr(stats.ActiveRooms)
		return
	}

	h.deliverLocked(emission{
		roomId: c.roomId,
		event:  types.EventRoomJoined,
		payload: types.RoomJoined{
			RoomId:       c.roomId,
			Participants: rc.viewers(),
			UserId:       c.user.Id,
			Username:     c.user.Username,
		},
	})
}
