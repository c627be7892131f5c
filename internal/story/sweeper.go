package story

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const waitTimeBeforeRestart = 200 * time.Millisecond

var errSweepPanic = errors.New("sweep panicked")

// RoomLister reports the rooms that currently have viewers.
type RoomLister interface {
	LiveRooms() []string
}

// Sweeper periodically reconciles rooms with viewers so timeouts are
// broadcast without waiting for a participant request.
type Sweeper struct {
	log      *logrus.Logger
	coord    *Coordinator
	rooms    RoomLister
	interval time.Duration
	ticker   func(time.Duration) (<-chan time.Time, func())
}

func NewSweeper(logger *logrus.Logger, coord *Coordinator, rooms RoomLister, interval time.Duration) *Sweeper {
	return &Sweeper{
		log:      logger,
		coord:    coord,
		rooms:    rooms,
		interval: interval,
		ticker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Run sweeps until ctx is cancelled. A panicking sweep is logged and the
// loop restarts after a short delay.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", errSweepPanic, r)
				}
			}()
			s.loop(ctx)
			return nil
		}()

		if err == nil || ctx.Err() != nil {
			return
		}

		s.log.WithError(err).Warn("sweeper crashed, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(waitTimeBeforeRestart):
		}
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	tick, stop := s.ticker(s.interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.Sweep(ctx)
		}
	}
}

// Sweep reconciles every live room once.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, roomId := range s.rooms.LiveRooms() {
		if ctx.Err() != nil {
			return
		}

		events, err := s.coord.ReconcileRoom(ctx, roomId)
		if err != nil {
			level := logrus.ErrorLevel
			if IsKind(err, KindNotFound) {
				level = logrus.DebugLevel
			}
			s.log.WithError(err).WithField("room_id", roomId).Log(level, "reconcile failed")
			continue
		}

		if len(events) > 0 {
			s.log.WithFields(logrus.Fields{
				"room_id":  roomId,
				"timeouts": len(events),
			}).Debug("sweep resolved timeouts")
		}
	}
}
