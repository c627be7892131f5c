package story

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/stats"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/npezzotti/storyroom/internal/validation"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Drafts are turns built in steps outside the turn rotation: a proposal
// reserves a round with its prompt, validation attaches checked content and
// publishing closes the turn. None of these move the current turn pointer.

type ProposeParams struct {
	// Round zero takes the next free round.
	Round  int
	Prompt string
}

// ProposeTurn reserves a round for a new turn authored by actorId.
func (c *Coordinator) ProposeTurn(ctx context.Context, actorId int, roomId string, params ProposeParams) (types.Turn, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return types.Turn{}, invalid("A prompt is required.")
	}
	if params.Round < 0 {
		return types.Turn{}, invalid("Round must be a positive number.")
	}

	var turn database.Turn
	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		state, err := activeMemberState(ctx, tx, actorId, roomId)
		if err != nil {
			return err
		}

		round := params.Round
		if round == 0 {
			max, err := tx.MaxRoundForRoom(ctx, state.Room.Id)
			if err != nil {
				return fmt.Errorf("max round: %w", err)
			}
			round = max + 1
		}

		author := actorId
		turn, err = tx.CreateDraftTurn(ctx, database.CreateDraftTurnParams{
			RoomId:    state.Room.Id,
			AuthorId:  &author,
			Round:     round,
			Prompt:    prompt,
			StartedAt: c.now(),
		})
		if errors.Is(err, database.ErrDuplicate) {
			return conflict(fmt.Sprintf("Round %d already has a turn.", round), nil)
		}
		if err != nil {
			return fmt.Errorf("create draft turn: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.Turn{}, err
	}

	out := toTurn(turn)
	c.bc.EmitToRoom(roomId, types.EventTurnProposed, turnEvent(roomId, out))
	c.log.WithFields(logrus.Fields{
		"room_id": roomId,
		"user_id": actorId,
		"round":   out.Round,
	}).Debug("turn proposed")

	return out, nil
}

// ValidateTurn checks content against the room rules and attaches it to an
// unpublished turn.
func (c *Coordinator) ValidateTurn(ctx context.Context, actorId int, roomId string, turnId int, content string) (types.Turn, error) {
	turn, err := c.updateDraft(ctx, actorId, roomId, turnId, func(state database.RoomState, draft database.Turn) (database.UpdateTurnParams, error) {
		res := validation.Validate(content, rulesFor(state.Room))
		if !res.Accepted {
			return database.UpdateTurnParams{}, unprocessable(res.Violations, nil)
		}
		return database.UpdateTurnParams{Content: &res.Sanitized}, nil
	})
	if err != nil {
		return types.Turn{}, err
	}

	c.bc.EmitToRoom(roomId, types.EventTurnValidated, turnEvent(roomId, turn))
	c.log.WithFields(logrus.Fields{
		"room_id": roomId,
		"user_id": actorId,
		"turn_id": turnId,
	}).Debug("turn validated")

	return turn, nil
}

// PublishTurn closes an unpublished turn. Content replaces the validated text
// when given; otherwise the turn must already carry validated text.
func (c *Coordinator) PublishTurn(ctx context.Context, actorId int, roomId string, turnId int, content string) (types.Turn, error) {
	turn, err := c.updateDraft(ctx, actorId, roomId, turnId, func(state database.RoomState, draft database.Turn) (database.UpdateTurnParams, error) {
		now := c.now()
		params := database.UpdateTurnParams{EndedAt: &now}

		if strings.TrimSpace(content) == "" {
			if lo.FromPtr(draft.Content) == "" {
				return params, unprocessable([]string{"Turn content is required."}, nil)
			}
			return params, nil
		}

		res := validation.Validate(content, rulesFor(state.Room))
		if !res.Accepted {
			return params, unprocessable(res.Violations, nil)
		}
		params.Content = &res.Sanitized
		return params, nil
	})
	if err != nil {
		return types.Turn{}, err
	}

	c.stats.Incr(stats.TurnsPublished)
	c.bc.EmitToRoom(roomId, types.EventTurnPublished, types.TurnPublished{
		TurnEvent:   turnEvent(roomId, turn),
		PublishedAt: lo.FromPtr(turn.PublishedAt),
	})
	c.log.WithFields(logrus.Fields{
		"room_id": roomId,
		"user_id": actorId,
		"turn_id": turnId,
	}).Debug("turn published")

	return turn, nil
}

type draftUpdate func(state database.RoomState, draft database.Turn) (database.UpdateTurnParams, error)

// updateDraft loads an unpublished turn the actor may edit and applies the
// update built by fn.
func (c *Coordinator) updateDraft(ctx context.Context, actorId int, roomId string, turnId int, fn draftUpdate) (types.Turn, error) {
	var turn database.Turn
	err := c.store.RunInTx(ctx, func(tx database.TurnTx) error {
		state, err := activeMemberState(ctx, tx, actorId, roomId)
		if err != nil {
			return err
		}

		draft, err := tx.GetTurn(ctx, state.Room.Id, turnId)
		if errors.Is(err, database.ErrNotFound) {
			return notFound("Turn not found.")
		}
		if err != nil {
			return fmt.Errorf("get turn: %w", err)
		}

		if draft.EndedAt != nil {
			return conflict("Turn is already published.", nil)
		}
		if lo.FromPtr(draft.AuthorId) != actorId && state.Room.HostId != actorId {
			return forbidden("Only the author or the host can change this turn.")
		}

		params, err := fn(*state, draft)
		if err != nil {
			return err
		}
		params.RoomId, params.TurnId = state.Room.Id, turnId

		turn, err = tx.UpdateTurn(ctx, params)
		if err != nil {
			return fmt.Errorf("update turn: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.Turn{}, err
	}

	return toTurn(turn), nil
}

func activeMemberState(ctx context.Context, tx database.TurnTx, actorId int, roomId string) (*database.RoomState, error) {
	state, err := loadState(ctx, tx, roomId)
	if err != nil {
		return nil, err
	}

	membership, ok := state.MembershipFor(actorId)
	if !ok {
		return nil, forbidden("Join the room before submitting turns.")
	}
	if !membership.IsActive {
		return nil, forbidden("You are no longer allowed to contribute to this room.")
	}
	return state, nil
}

func turnEvent(roomId string, t types.Turn) types.TurnEvent {
	return types.TurnEvent{
		RoomId:   roomId,
		TurnId:   t.Id,
		Round:    t.Round,
		Prompt:   t.Prompt,
		Content:  t.Content,
		AuthorId: t.AuthorId,
	}
}
