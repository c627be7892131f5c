package story

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/stats"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/sirupsen/logrus"
)

// Vote records voterId's vote on a turn. A value of zero withdraws the vote.
func (c *Coordinator) Vote(ctx context.Context, voterId int, roomId string, turnId int, value int) (types.Turn, error) {
	if value < -1 || value > 1 {
		return types.Turn{}, invalid("Vote value must be -1, 0, or 1.")
	}

	var turn database.Turn
	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		state, err := loadState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if _, ok := state.MembershipFor(voterId); !ok {
			return forbidden("Join the room before voting.")
		}

		target, err := tx.GetTurn(ctx, state.Room.Id, turnId)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return notFound("Turn not found.")
			}
			return fmt.Errorf("get turn: %w", err)
		}
		if target.EndedAt == nil {
			return conflict("Only published turns can be voted on.", nil)
		}

		if value == 0 {
			err = tx.DeleteVote(ctx, turnId, voterId)
		} else {
			err = tx.UpsertVote(ctx, turnId, voterId, value)
		}
		if err != nil {
			return fmt.Errorf("record vote: %w", err)
		}

		turn, err = tx.GetTurn(ctx, state.Room.Id, turnId)
		return err
	})
	if err != nil {
		return types.Turn{}, err
	}

	c.stats.Incr(stats.VotesCast)
	c.bc.EmitToRoom(roomId, types.EventTurnVoted, types.TurnVoted{
		RoomId:  roomId,
		TurnId:  turnId,
		VoterId: voterId,
		Value:   value,
	})
	c.log.WithFields(logrus.Fields{
		"room_id": roomId,
		"user_id": voterId,
		"turn_id": turnId,
		"value":   value,
	}).Debug("vote recorded")

	return toTurn(turn), nil
}
