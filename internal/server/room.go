package server

import "context"

// roomChannel is the set of clients viewing one room plus its countdown.
type roomChannel struct {
	id       string
	clients  map[*Client]struct{}
	cancel   context.CancelFunc
	timerGen int
}

func newRoomChannel(id string) *roomChannel {
	return &roomChannel{
		id:      id,
		clients: make(map[*Client]struct{}),
	}
}

func (rc *roomChannel) cancelTimer() {
	if rc.cancel != nil {
		rc.cancel()
		rc.cancel = nil
	}
}

func (rc *roomChannel) viewers() int {
	return len(rc.clients)
}
