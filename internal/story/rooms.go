package story

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/stats"
	"github.com/npezzotti/storyroom/internal/turncycle"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxWords     = 40
	DefaultMaxSentences = 2
	DefaultMaxWarnings  = 3

	maxCodeAttempts = 3
)

type CreateRoomParams struct {
	Title          string
	Description    string
	MaxWords       int
	MaxSentences   int
	ForbiddenWords []string
	RhymeTarget    string
	MaxTurnSeconds int
	MaxWarnings    int
	Prompts        []string
}

func cleanList(items []string) []string {
	return lo.Uniq(lo.FilterMap(items, func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	}))
}

func (p CreateRoomParams) toStore(code string, hostId int) database.CreateRoomParams {
	return database.CreateRoomParams{
		ExternalId:     code,
		Title:          strings.TrimSpace(p.Title),
		Description:    strings.TrimSpace(p.Description),
		HostId:         hostId,
		MaxWords:       lo.Ternary(p.MaxWords > 0, p.MaxWords, DefaultMaxWords),
		MaxSentences:   lo.Ternary(p.MaxSentences > 0, p.MaxSentences, DefaultMaxSentences),
		ForbiddenWords: cleanList(p.ForbiddenWords),
		RhymeTarget:    strings.TrimSpace(p.RhymeTarget),
		MaxTurnSeconds: turncycle.ClampTurnSeconds(p.MaxTurnSeconds),
		MaxWarnings:    lo.Ternary(p.MaxWarnings > 0, p.MaxWarnings, DefaultMaxWarnings),
		Prompts:        cleanList(p.Prompts),
	}
}

// CreateRoom creates a room hosted by hostId. The host joins it and holds the
// first turn.
func (c *Coordinator) CreateRoom(ctx context.Context, hostId int, params CreateRoomParams) (types.Room, error) {
	var (
		room types.Room
		err  error
	)

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		var code string
		code, err = c.generateCode()
		if err != nil {
			return types.Room{}, fmt.Errorf("generate room code: %w", err)
		}

		err = c.store.RunInTx(ctx, func(tx database.TurnTx) error {
			now := c.now()
			created, err := tx.CreateRoom(ctx, params.toStore(code, hostId))
			if err != nil {
				return err
			}

			if _, err := tx.CreateMembership(ctx, created.Id, hostId, true, now); err != nil {
				return fmt.Errorf("add host: %w", err)
			}

			state, err := tx.LoadRoomState(ctx, created.ExternalId)
			if err != nil {
				return err
			}

			next, _, err := c.reconcile(ctx, tx, *state, now)
			if err != nil {
				return err
			}

			room = toRoomSnapshot(next, nil, now)
			return nil
		})
		if !errors.Is(err, database.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	c.stats.Incr(stats.RoomsCreated)
	c.log.WithFields(logrus.Fields{
		"room_id": room.ExternalId,
		"user_id": hostId,
	}).Info("room created")

	return room, nil
}

// JoinRoom adds userId to the room. Joining again leaves the membership
// untouched but still announces the member; removed members cannot rejoin.
func (c *Coordinator) JoinRoom(ctx context.Context, userId int, roomId string) (types.Membership, error) {
	var (
		membership   database.Membership
		participants int
		joined       bool
		ch           *change
	)

	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		ch, joined = nil, false
		now := c.now()

		state, err := loadState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if existing, ok := state.MembershipFor(userId); ok {
			if !existing.IsActive {
				return forbidden("You were removed from this room.")
			}
			membership = existing
			participants = len(state.Memberships)
			return nil
		}

		if _, err := tx.CreateMembership(ctx, state.Room.Id, userId, false, now); err != nil {
			return fmt.Errorf("add member: %w", err)
		}

		// reload so the new member appears in join order
		reloaded, err := loadState(ctx, tx, roomId)
		if err != nil {
			return err
		}
		membership, _ = reloaded.MembershipFor(userId)
		participants = len(reloaded.Memberships)
		joined = true

		next, events, err := c.reconcile(ctx, tx, *reloaded, now)
		if err != nil {
			return err
		}
		ch = &change{roomId: roomId, before: *reloaded, after: next, events: events}
		return nil
	})
	if err != nil {
		return types.Membership{}, err
	}

	// announced on every join so reconnecting clients refresh their roster
	c.bc.EmitToRoom(roomId, types.EventRoomJoined, types.RoomJoined{
		RoomId:       roomId,
		Participants: participants,
		UserId:       userId,
		Username:     membership.Username,
	})
	if joined {
		c.log.WithFields(logrus.Fields{
			"room_id": roomId,
			"user_id": userId,
		}).Info("member joined")
	}
	c.publish(ch)

	return toMembership(roomId, membership), nil
}

// GetRoom returns the room snapshot after resolving elapsed timeouts.
func (c *Coordinator) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	var (
		room types.Room
		ch   *change
	)

	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		ch = nil
		now := c.now()

		state, err := loadState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		next, events, err := c.reconcile(ctx, tx, *state, now)
		if err != nil {
			return err
		}
		ch = &change{roomId: roomId, before: *state, after: next, events: events}

		turns, err := tx.ListTurns(ctx, state.Room.Id)
		if err != nil {
			return fmt.Errorf("list turns: %w", err)
		}

		room = toRoomSnapshot(next, turns, now)
		return nil
	})
	if err != nil {
		return types.Room{}, err
	}

	c.publish(ch)
	return room, nil
}

// ListRooms returns the rooms userId belongs to, newest first.
func (c *Coordinator) ListRooms(ctx context.Context, userId int) ([]types.Room, error) {
	var rooms []database.Room
	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		var err error
		rooms, err = tx.ListRoomsForUser(ctx, userId)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	return lo.Map(rooms, func(r database.Room, _ int) types.Room {
		return toRoomSummary(r)
	}), nil
}

// StartRoom marks the room active. A non-nil countdown of zero or more
// seconds starts the room timer.
func (c *Coordinator) StartRoom(ctx context.Context, actorId int, roomId string, countdown *int) (types.RoomStarted, error) {
	var (
		started types.RoomStarted
		ch      *change
	)

	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		ch = nil
		now := c.now()

		state, err := loadState(ctx, tx, roomId)
		if err != nil {
			return err
		}
		if state.Room.HostId != actorId {
			return forbidden("Only the host can start the room.")
		}

		if err := tx.SetRoomStatus(ctx, state.Room.Id, database.RoomStatusActive); err != nil {
			return fmt.Errorf("set room status: %w", err)
		}

		next, events, err := c.reconcile(ctx, tx, *state, now)
		if err != nil {
			return err
		}
		ch = &change{roomId: roomId, before: *state, after: next, events: events}

		started = types.RoomStarted{RoomId: roomId, StartedAt: now, HostId: state.Room.HostId}
		return nil
	})
	if err != nil {
		return types.RoomStarted{}, err
	}

	c.publish(ch)
	c.bc.EmitToRoom(roomId, types.EventRoomStarted, started)
	if countdown != nil && *countdown >= 0 {
		c.bc.StartRoomTimer(roomId, turncycle.ClampTurnSeconds(*countdown))
	}

	c.log.WithFields(logrus.Fields{
		"room_id": roomId,
		"user_id": actorId,
	}).Info("room started")

	return started, nil
}
