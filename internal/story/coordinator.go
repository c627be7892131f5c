// Package story coordinates the actions participants take in a storytelling
// room. Every action runs inside one store transaction; broadcasts happen
// only after that transaction commits.
package story

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/stats"
	"github.com/npezzotti/storyroom/internal/turncycle"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
)

// Broadcaster fans events out to the viewers of a room. Calls must not block.
type Broadcaster interface {
	EmitToRoom(roomId string, event string, payload any)
	StartRoomTimer(roomId string, seconds int) bool
	StopRoomTimer(roomId string)
}

type Coordinator struct {
	log          *logrus.Logger
	store        database.TurnStore
	bc           Broadcaster
	stats        stats.StatsProvider
	now          func() time.Time
	generateCode func() (string, error)
}

func NewCoordinator(logger *logrus.Logger, store database.TurnStore, bc Broadcaster, statsProvider stats.StatsProvider) *Coordinator {
	for _, m := range []string{
		stats.RoomsCreated,
		stats.TurnsSubmitted,
		stats.TurnsSkipped,
		stats.TurnsPublished,
		stats.TurnTimeouts,
		stats.MembersKicked,
		stats.VotesCast,
	} {
		statsProvider.RegisterMetric(m)
	}

	return &Coordinator{
		log:   logger,
		store: store,
		bc:    bc,
		stats: statsProvider,
		now: func() time.Time {
			return time.Now().UTC()
		},
		generateCode: shortid.Generate,
	}
}

// change is what one transaction did to a room's turn state.
type change struct {
	roomId string
	before database.RoomState
	after  database.RoomState
	events []types.TimeoutEvent
	turn   *database.Turn
}

func (ch *change) changed() bool {
	return ch.turn != nil || len(ch.events) > 0 || turncycle.PointerChanged(ch.before, ch.after)
}

func loadState(ctx context.Context, tx database.TurnTx, roomId string) (*database.RoomState, error) {
	state, err := tx.LoadRoomState(ctx, roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, notFound("Room not found.")
		}
		return nil, fmt.Errorf("load room %s: %w", roomId, err)
	}
	return state, nil
}

// reconcile resolves timeouts for state and writes the result through tx.
func (c *Coordinator) reconcile(ctx context.Context, tx database.TurnTx, state database.RoomState, now time.Time) (database.RoomState, []types.TimeoutEvent, error) {
	next, events := turncycle.Reconcile(state, now)

	for _, e := range events {
		if _, err := tx.IncrementMembershipWarning(ctx, e.MembershipId, e.Kicked, now); err != nil {
			return state, nil, fmt.Errorf("record timeout for membership %d: %w", e.MembershipId, err)
		}
	}

	if turncycle.PointerChanged(state, next) {
		if err := tx.UpdateRoomTurnPointer(ctx, next.Room.Id, next.Room.CurrentTurnMembershipId, next.Room.CurrentTurnStartedAt); err != nil {
			return state, nil, fmt.Errorf("update turn pointer: %w", err)
		}
	}

	return next, events, nil
}

func (c *Coordinator) advance(ctx context.Context, tx database.TurnTx, state database.RoomState, now time.Time) (database.RoomState, error) {
	next := turncycle.Advance(state, now)
	if err := tx.UpdateRoomTurnPointer(ctx, next.Room.Id, next.Room.CurrentTurnMembershipId, next.Room.CurrentTurnStartedAt); err != nil {
		return state, fmt.Errorf("advance turn pointer: %w", err)
	}
	return next, nil
}

// publish mirrors a committed change to the room's viewers and keeps the
// room countdown aligned with the holder's due time.
func (c *Coordinator) publish(ch *change) {
	if ch == nil || !ch.changed() {
		return
	}

	kicked := lo.CountBy(ch.events, func(e types.TimeoutEvent) bool { return e.Kicked })
	c.stats.Add(stats.TurnTimeouts, len(ch.events))
	c.stats.Add(stats.MembersKicked, kicked)

	log := c.log.WithField("room_id", ch.roomId)
	for _, e := range ch.events {
		log.WithFields(logrus.Fields{
			"membership_id": e.MembershipId,
			"user_id":       e.UserId,
			"warnings":      e.Warnings,
			"kicked":        e.Kicked,
		}).Info("turn timed out")
	}

	now := c.now()
	view := turncycle.View(ch.after, now)
	payload := types.TurnAdvanced{
		RoomId:      ch.roomId,
		CurrentTurn: view,
		Memberships: turncycle.MembershipDeltas(ch.after),
	}
	if ch.turn != nil {
		turn := toTurn(*ch.turn)
		payload.Turn = &turn
	}

	c.bc.EmitToRoom(ch.roomId, types.EventTurnAdvanced, payload)
	c.syncTimer(ch.roomId, view, now)
}

func (c *Coordinator) syncTimer(roomId string, view *types.CurrentTurn, now time.Time) {
	if view == nil || view.DueAt == nil {
		c.bc.StopRoomTimer(roomId)
		return
	}

	remaining := int(math.Ceil(view.DueAt.Sub(now).Seconds()))
	if !c.bc.StartRoomTimer(roomId, max(0, remaining)) {
		c.log.WithField("room_id", roomId).Debug("room timer not started, no viewers")
	}
}

// ReconcileRoom resolves elapsed timeouts for a room outside of any
// participant action.
func (c *Coordinator) ReconcileRoom(ctx context.Context, roomId string) ([]types.TimeoutEvent, error) {
	var ch *change
	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		ch = nil
		state, err := loadState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		next, events, err := c.reconcile(ctx, tx, *state, c.now())
		if err != nil {
			return err
		}

		ch = &change{roomId: roomId, before: *state, after: next, events: events}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ch)
	return ch.events, nil
}
