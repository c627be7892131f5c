package story

import (
	"context"
	"testing"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraftLifecycle(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Drafts"})
	a, b, c := f.uid(0), f.uid(1), f.uid(2)

	proposed, err := f.coord.ProposeTurn(ctx, b, roomId, ProposeParams{Prompt: "  Open the gate  "})
	require.NoError(t, err)
	assert.Equal(t, 1, proposed.Round)
	assert.Equal(t, "Open the gate", proposed.Prompt)
	assert.Equal(t, b, proposed.AuthorId)
	assert.Empty(t, proposed.Content)
	assert.Equal(t, types.TurnStatusProposed, proposed.Status)
	assert.Nil(t, proposed.PublishedAt)

	events := f.bc.events(types.EventTurnProposed)
	require.Len(t, events, 1)
	assert.Equal(t, types.TurnEvent{RoomId: roomId, TurnId: proposed.Id, Round: 1, Prompt: "Open the gate", AuthorId: b}, events[0].payload)
	assert.Equal(t, a, f.holder(roomId), "drafts leave the rotation alone")
	assert.Empty(t, f.bc.events(types.EventTurnAdvanced))

	_, err = f.coord.ValidateTurn(ctx, c, roomId, proposed.Id, "Not mine.")
	requireKind(t, err, KindForbidden)

	_, err = f.coord.ValidateTurn(ctx, b, roomId, proposed.Id, "   ")
	e := requireKind(t, err, KindUnprocessable)
	assert.Equal(t, []string{"Turn content is required."}, e.Violations)

	validated, err := f.coord.ValidateTurn(ctx, b, roomId, proposed.Id, "  The gate   creaked. ")
	require.NoError(t, err)
	assert.Equal(t, "The gate creaked.", validated.Content)
	assert.Equal(t, types.TurnStatusValidated, validated.Status)
	require.Len(t, f.bc.events(types.EventTurnValidated), 1)

	_, err = f.coord.Vote(ctx, a, roomId, proposed.Id, 1)
	requireKind(t, err, KindConflict)

	// the host may edit any draft
	validated, err = f.coord.ValidateTurn(ctx, a, roomId, proposed.Id, "The gate groaned.")
	require.NoError(t, err)
	assert.Equal(t, b, validated.AuthorId)

	published, err := f.coord.PublishTurn(ctx, b, roomId, proposed.Id, "")
	require.NoError(t, err)
	assert.Equal(t, "The gate groaned.", published.Content)
	assert.Equal(t, types.TurnStatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)
	assert.Equal(t, f.clock, *published.PublishedAt)

	events = f.bc.events(types.EventTurnPublished)
	require.Len(t, events, 1)
	assert.Equal(t, types.TurnPublished{
		TurnEvent:   types.TurnEvent{RoomId: roomId, TurnId: proposed.Id, Round: 1, Prompt: "Open the gate", Content: "The gate groaned.", AuthorId: b},
		PublishedAt: f.clock,
	}, events[0].payload)

	_, err = f.coord.PublishTurn(ctx, b, roomId, proposed.Id, "Again.")
	e = requireKind(t, err, KindConflict)
	assert.Equal(t, "Turn is already published.", e.Message)
	_, err = f.coord.ValidateTurn(ctx, b, roomId, proposed.Id, "Again.")
	requireKind(t, err, KindConflict)

	_, err = f.coord.Vote(ctx, a, roomId, proposed.Id, 1)
	require.NoError(t, err)

	res, err := f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "Then silence."})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Turn.Round, "the draft holds round one")
}

func TestProposeTurnFailures(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Drafts"})
	a := f.uid(0)

	_, err := f.coord.ProposeTurn(ctx, a, roomId, ProposeParams{Prompt: " "})
	requireKind(t, err, KindInvalid)

	_, err = f.coord.ProposeTurn(ctx, a, roomId, ProposeParams{Prompt: "p", Round: -1})
	requireKind(t, err, KindInvalid)

	_, err = f.coord.ProposeTurn(ctx, a, "missing", ProposeParams{Prompt: "p"})
	requireKind(t, err, KindNotFound)

	outsider, err := f.store.CreateAccount(database.CreateAccountParams{Username: "o", EmailAddress: "o@example.com", PasswordHash: "hash"})
	require.NoError(t, err)
	_, err = f.coord.ProposeTurn(ctx, outsider.Id, roomId, ProposeParams{Prompt: "p"})
	requireKind(t, err, KindForbidden)

	turn, err := f.coord.ProposeTurn(ctx, a, roomId, ProposeParams{Prompt: "p", Round: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, turn.Round)

	_, err = f.coord.ProposeTurn(ctx, a, roomId, ProposeParams{Prompt: "q", Round: 3})
	e := requireKind(t, err, KindConflict)
	assert.Equal(t, "Round 3 already has a turn.", e.Message)

	next, err := f.coord.ProposeTurn(ctx, a, roomId, ProposeParams{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, 4, next.Round)

	_, err = f.coord.PublishTurn(ctx, a, roomId, turn.Id, "")
	e = requireKind(t, err, KindUnprocessable)
	assert.Equal(t, []string{"Turn content is required."}, e.Violations)

	_, err = f.coord.PublishTurn(ctx, a, roomId, turn.Id+100, "Text.")
	requireKind(t, err, KindNotFound)

	assert.Len(t, f.bc.events(types.EventTurnProposed), 2)
	assert.Empty(t, f.bc.events(types.EventTurnPublished))
}

func TestDraftsExcludedFromScores(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Drafts"})
	a, b := f.uid(0), f.uid(1)

	submitted, err := f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "It began."})
	require.NoError(t, err)

	draft, err := f.coord.ProposeTurn(ctx, b, roomId, ProposeParams{Prompt: "Continue"})
	require.NoError(t, err)
	_, err = f.coord.ValidateTurn(ctx, b, roomId, draft.Id, "It went on.")
	require.NoError(t, err)

	recap, err := f.coord.Recap(ctx, roomId)
	require.NoError(t, err)
	require.Len(t, recap.Room.Turns, 2)
	require.NotNil(t, recap.WinningTurn)
	assert.Equal(t, submitted.Turn.Id, recap.WinningTurn.Id)
	assert.Equal(t, 2, recap.Scores[0].Score)
	assert.Equal(t, 0, recap.Scores[1].Score, "validated drafts earn nothing")
}
