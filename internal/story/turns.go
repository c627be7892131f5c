package story

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/stats"
	"github.com/npezzotti/storyroom/internal/turncycle"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/npezzotti/storyroom/internal/validation"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type SubmitParams struct {
	Content string
	// Prompt overrides the room prompt recorded with the turn.
	Prompt string
}

type SubmitResult struct {
	Turn          types.Turn               `json:"turn"`
	CurrentTurn   *types.CurrentTurn       `json:"current_turn,omitempty"`
	Memberships   []types.MembershipStatus `json:"memberships"`
	TimeoutEvents []types.TimeoutEvent     `json:"timeout_events,omitempty"`
}

type SkipResult struct {
	CurrentTurn   *types.CurrentTurn       `json:"current_turn,omitempty"`
	Memberships   []types.MembershipStatus `json:"memberships"`
	TimeoutEvents []types.TimeoutEvent     `json:"timeout_events,omitempty"`
}

// turnAction runs once the actor is confirmed as the holder. A returned
// *Error rejects the action without discarding reconciliation.
type turnAction func(tx database.TurnTx, state database.RoomState, now time.Time) (database.RoomState, *database.Turn, error)

// actOnTurn authorizes actorId as the current turn holder of roomId and runs
// act inside the same transaction. Timeouts found along the way are committed
// even when the action itself is rejected.
func (c *Coordinator) actOnTurn(ctx context.Context, actorId int, roomId string, act turnAction) (*change, error) {
	var (
		ch       *change
		rejected error
	)

	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		ch, rejected = nil, nil
		now := c.now()

		state, err := loadState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		membership, ok := state.MembershipFor(actorId)
		if !ok {
			return forbidden("Join the room before submitting turns.")
		}
		if !membership.IsActive {
			return forbidden("You are no longer allowed to contribute to this room.")
		}

		reconciled, events, err := c.reconcile(ctx, tx, *state, now)
		if err != nil {
			return err
		}
		ch = &change{roomId: roomId, before: *state, after: reconciled, events: events}

		if lo.ContainsBy(events, func(e types.TimeoutEvent) bool { return e.UserId == actorId }) {
			rejected = conflict("You missed your turn and received a warning.", events)
			return nil
		}

		holder, ok := turncycle.Holder(reconciled)
		if !ok || holder.UserId != actorId {
			rejected = conflict("It is not your turn.", events)
			return nil
		}

		advanced, turn, err := act(tx, reconciled, now)
		if err != nil {
			var storyErr *Error
			if errors.As(err, &storyErr) {
				storyErr.TimeoutEvents = events
				rejected = storyErr
				return nil
			}
			return err
		}

		ch.after, ch.turn = advanced, turn
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ch)

	if rejected != nil {
		return ch, rejected
	}
	return ch, nil
}

func rulesFor(room database.Room) validation.Rules {
	return validation.Rules{
		MaxWords:       room.MaxWords,
		MaxSentences:   room.MaxSentences,
		ForbiddenWords: room.ForbiddenWords,
		RhymeWith:      room.RhymeTarget,
	}
}

// promptFor picks the prompt recorded with the turn of the given round.
func promptFor(requested string, prompts []string, round int) string {
	if requested != "" {
		return requested
	}
	if len(prompts) == 0 {
		return ""
	}
	return prompts[(round-1)%len(prompts)]
}

// SubmitTurn records content as the actor's turn and passes the turn on.
func (c *Coordinator) SubmitTurn(ctx context.Context, actorId int, roomId string, params SubmitParams) (*SubmitResult, error) {
	ch, err := c.actOnTurn(ctx, actorId, roomId, func(tx database.TurnTx, state database.RoomState, now time.Time) (database.RoomState, *database.Turn, error) {
		res := validation.Validate(params.Content, rulesFor(state.Room))
		if !res.Accepted {
			return state, nil, unprocessable(res.Violations, nil)
		}

		maxRound, err := tx.MaxRoundForRoom(ctx, state.Room.Id)
		if err != nil {
			return state, nil, fmt.Errorf("max round: %w", err)
		}
		round := maxRound + 1

		startedAt := now
		if state.Room.CurrentTurnStartedAt != nil {
			startedAt = *state.Room.CurrentTurnStartedAt
		}

		turn, err := tx.CreateTurn(ctx, database.CreateTurnParams{
			RoomId:    state.Room.Id,
			AuthorId:  actorId,
			Round:     round,
			Prompt:    promptFor(params.Prompt, state.Room.Prompts, round),
			Content:   res.Sanitized,
			StartedAt: startedAt,
			EndedAt:   now,
		})
		if err != nil {
			return state, nil, fmt.Errorf("create turn: %w", err)
		}

		advanced, err := c.advance(ctx, tx, state, now)
		if err != nil {
			return state, nil, err
		}
		return advanced, &turn, nil
	})
	if err != nil {
		return nil, err
	}

	c.stats.Incr(stats.TurnsSubmitted)
	c.log.WithFields(logrus.Fields{
		"room_id": roomId,
		"user_id": actorId,
		"round":   ch.turn.Round,
	}).Debug("turn submitted")

	return &SubmitResult{
		Turn:          toTurn(*ch.turn),
		CurrentTurn:   turncycle.View(ch.after, c.now()),
		Memberships:   turncycle.MembershipDeltas(ch.after),
		TimeoutEvents: ch.events,
	}, nil
}

// SkipTurn passes the actor's turn on without contributing text.
func (c *Coordinator) SkipTurn(ctx context.Context, actorId int, roomId string) (*SkipResult, error) {
	ch, err := c.actOnTurn(ctx, actorId, roomId, func(tx database.TurnTx, state database.RoomState, now time.Time) (database.RoomState, *database.Turn, error) {
		advanced, err := c.advance(ctx, tx, state, now)
		return advanced, nil, err
	})
	if err != nil {
		return nil, err
	}

	c.stats.Incr(stats.TurnsSkipped)
	c.log.WithFields(logrus.Fields{
		"room_id": roomId,
		"user_id": actorId,
	}).Debug("turn skipped")

	return &SkipResult{
		CurrentTurn:   turncycle.View(ch.after, c.now()),
		Memberships:   turncycle.MembershipDeltas(ch.after),
		TimeoutEvents: ch.events,
	}, nil
}
