//go:build integration

package database

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var repo *PgStoryRepository

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("storyroom"),
		postgres.WithUsername("storyroom"),
		postgres.WithPassword("storyroom"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		panic(err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		panic(err)
	}

	repo, err = NewPgStoryRepository(dsn)
	if err != nil {
		panic(err)
	}
	if err := repo.Migrate(); err != nil {
		panic(err)
	}

	code := m.Run()

	repo.Close()
	container.Terminate(ctx)
	os.Exit(code)
}

func TestPgStoryRepository(t *testing.T) {
	ctx := context.Background()

	host, err := repo.CreateAccount(CreateAccountParams{Username: "host", EmailAddress: "host@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	guest, err := repo.CreateAccount(CreateAccountParams{Username: "guest", EmailAddress: "guest@example.com", PasswordHash: "x"})
	require.NoError(t, err)

	t.Run("duplicate email", func(t *testing.T) {
		_, err := repo.CreateAccount(CreateAccountParams{Username: "again", EmailAddress: "host@example.com", PasswordHash: "x"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	var room Room
	t.Run("create room and memberships", func(t *testing.T) {
		err := repo.RunInTx(ctx, func(tx TurnTx) error {
			var err error
			room, err = tx.CreateRoom(ctx, CreateRoomParams{
				ExternalId:     "pg-room",
				Title:          "Integration",
				HostId:         host.Id,
				MaxWords:       40,
				MaxSentences:   2,
				ForbiddenWords: []string{"dragon"},
				MaxTurnSeconds: 30,
				MaxWarnings:    2,
				Prompts:        []string{"Once upon a time"},
			})
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if _, err := tx.CreateMembership(ctx, room.Id, host.Id, true, now); err != nil {
				return err
			}
			_, err = tx.CreateMembership(ctx, room.Id, guest.Id, false, now.Add(time.Second))
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"dragon"}, room.ForbiddenWords)
		assert.Equal(t, RoomStatusPending, room.Status)
	})

	t.Run("turn pointer, warnings and turns", func(t *testing.T) {
		err := repo.RunInTx(ctx, func(tx TurnTx) error {
			state, err := tx.LoadRoomState(ctx, "pg-room")
			require.NoError(t, err)
			require.Len(t, state.Memberships, 2)
			assert.Equal(t, "host", state.Memberships[0].Username)

			now := time.Now().UTC().Truncate(time.Microsecond)
			first := state.Memberships[0].Id
			require.NoError(t, tx.UpdateRoomTurnPointer(ctx, room.Id, &first, &now))

			m, err := tx.IncrementMembershipWarning(ctx, first, true, now)
			require.NoError(t, err)
			assert.Equal(t, 1, m.Warnings)
			assert.False(t, m.IsActive)
			require.NotNil(t, m.KickedAt)

			_, err = tx.CreateTurn(ctx, CreateTurnParams{RoomId: room.Id, AuthorId: guest.Id, Round: 1, Prompt: "p", Content: "c", StartedAt: now, EndedAt: now})
			require.NoError(t, err)
			return nil
		})
		require.NoError(t, err)

		err = repo.RunInTx(ctx, func(tx TurnTx) error {
			state, err := tx.LoadRoomState(ctx, "pg-room")
			require.NoError(t, err)
			require.NotNil(t, state.Room.CurrentTurnMembershipId)
			require.NotNil(t, state.Room.CurrentTurnStartedAt)

			max, err := tx.MaxRoundForRoom(ctx, room.Id)
			require.NoError(t, err)
			assert.Equal(t, 1, max)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("draft turns", func(t *testing.T) {
		rollback := errors.New("rollback")
		err := repo.RunInTx(ctx, func(tx TurnTx) error {
			now := time.Now().UTC().Truncate(time.Microsecond)
			authored, err := tx.CreateDraftTurn(ctx, CreateDraftTurnParams{RoomId: room.Id, AuthorId: &guest.Id, Round: 50, Prompt: "p", StartedAt: now})
			require.NoError(t, err)
			require.NotNil(t, authored.AuthorId)
			assert.Equal(t, guest.Id, *authored.AuthorId)
			assert.Nil(t, authored.Content)
			assert.Nil(t, authored.EndedAt)

			draft, err := tx.CreateDraftTurn(ctx, CreateDraftTurnParams{RoomId: room.Id, Round: 51, Prompt: "p", StartedAt: now})
			require.NoError(t, err)
			assert.Nil(t, draft.AuthorId)

			content := "validated"
			updated, err := tx.UpdateTurn(ctx, UpdateTurnParams{RoomId: room.Id, TurnId: draft.Id, Content: &content})
			require.NoError(t, err)
			require.NotNil(t, updated.Content)
			assert.Equal(t, content, *updated.Content)
			assert.Nil(t, updated.EndedAt)

			updated, err = tx.UpdateTurn(ctx, UpdateTurnParams{RoomId: room.Id, TurnId: draft.Id, EndedAt: &now})
			require.NoError(t, err)
			assert.Equal(t, content, *updated.Content, "nil fields are left alone")
			require.NotNil(t, updated.EndedAt)

			_, err = tx.UpdateTurn(ctx, UpdateTurnParams{RoomId: room.Id + 1000, TurnId: draft.Id, EndedAt: &now})
			assert.ErrorIs(t, err, ErrNotFound)

			// aborts the transaction, so it goes last
			_, err = tx.CreateDraftTurn(ctx, CreateDraftTurnParams{RoomId: room.Id, Round: 50, StartedAt: now})
			assert.ErrorIs(t, err, ErrDuplicate)
			return rollback
		})
		assert.ErrorIs(t, err, rollback)
	})

	t.Run("concurrent transactions keep rounds unique", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.RunInTx(ctx, func(tx TurnTx) error {
					state, err := tx.LoadRoomState(ctx, "pg-room")
					if err != nil {
						return err
					}
					max, err := tx.MaxRoundForRoom(ctx, state.Room.Id)
					if err != nil {
						return err
					}
					now := time.Now().UTC()
					_, err = tx.CreateTurn(ctx, CreateTurnParams{RoomId: state.Room.Id, AuthorId: guest.Id, Round: max + 1, Content: "c", StartedAt: now, EndedAt: now})
					return err
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		err := repo.RunInTx(ctx, func(tx TurnTx) error {
			turns, err := tx.ListTurns(ctx, room.Id)
			require.NoError(t, err)
			require.Len(t, turns, 9)
			for i, turn := range turns {
				assert.Equal(t, i+1, turn.Round)
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("votes", func(t *testing.T) {
		err := repo.RunInTx(ctx, func(tx TurnTx) error {
			turns, err := tx.ListTurns(ctx, room.Id)
			require.NoError(t, err)
			turnId := turns[0].Id

			require.NoError(t, tx.UpsertVote(ctx, turnId, host.Id, 1))
			require.NoError(t, tx.UpsertVote(ctx, turnId, host.Id, -1))
			turn, err := tx.GetTurn(ctx, room.Id, turnId)
			require.NoError(t, err)
			assert.Equal(t, []Vote{{TurnId: turnId, VoterId: host.Id, Value: -1}}, turn.Votes)

			require.NoError(t, tx.DeleteVote(ctx, turnId, host.Id))
			turn, err = tx.GetTurn(ctx, room.Id, turnId)
			require.NoError(t, err)
			assert.Empty(t, turn.Votes)
			return nil
		})
		require.NoError(t, err)
	})
}
