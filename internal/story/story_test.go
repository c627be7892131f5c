package story

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/stats"
	"github.com/npezzotti/storyroom/internal/testutil"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type emission struct {
	roomId  string
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	emitted  []emission
	timers   map[string]int
	stopped  []string
	noViewer bool
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{timers: make(map[string]int)}
}

func (b *fakeBroadcaster) EmitToRoom(roomId, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = append(b.emitted, emission{roomId, event, payload})
}

func (b *fakeBroadcaster) StartRoomTimer(roomId string, seconds int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.noViewer {
		return false
	}
	b.timers[roomId] = seconds
	return true
}

func (b *fakeBroadcaster) StopRoomTimer(roomId string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.timers, roomId)
	b.stopped = append(b.stopped, roomId)
}

func (b *fakeBroadcaster) events(name string) []emission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]emission, 0)
	for _, e := range b.emitted {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func (b *fakeBroadcaster) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = nil
	b.stopped = nil
}

type fixture struct {
	t     *testing.T
	store *database.MemoryStore
	bc    *fakeBroadcaster
	stats *stats.MockStatsUpdater
	coord *Coordinator
	clock time.Time
	users []database.User
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()

	logger, _ := testutil.TestLogger(t)
	st := new(stats.MockStatsUpdater)
	st.On("RegisterMetric", mock.Anything).Return()
	st.On("Incr", mock.Anything).Return().Maybe()
	st.On("Add", mock.Anything, mock.Anything).Return().Maybe()

	f := &fixture{
		t:     t,
		store: database.NewMemoryStore(),
		bc:    newFakeBroadcaster(),
		stats: st,
		clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.coord = NewCoordinator(logger, f.store, f.bc, st)
	f.coord.now = func() time.Time { return f.clock }

	codes := 0
	f.coord.generateCode = func() (string, error) {
		codes++
		return fmt.Sprintf("room-%d", codes), nil
	}

	for _, name := range names {
		u, err := f.store.CreateAccount(database.CreateAccountParams{
			Username:     name,
			EmailAddress: name + "@example.com",
			PasswordHash: "hash",
		})
		require.NoError(t, err)
		f.users = append(f.users, u)
	}

	return f
}

func (f *fixture) tick(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) uid(i int) int {
	return f.users[i].Id
}

// room creates a room hosted by the first user and joins every other user
// in order.
func (f *fixture) room(params CreateRoomParams) string {
	f.t.Helper()

	room, err := f.coord.CreateRoom(context.Background(), f.uid(0), params)
	require.NoError(f.t, err)

	for i := 1; i < len(f.users); i++ {
		f.tick(time.Second)
		_, err := f.coord.JoinRoom(context.Background(), f.uid(i), room.ExternalId)
		require.NoError(f.t, err)
	}
	f.bc.reset()

	return room.ExternalId
}

func (f *fixture) holder(roomId string) int {
	f.t.Helper()
	room, err := f.coord.GetRoom(context.Background(), roomId)
	require.NoError(f.t, err)
	require.NotNil(f.t, room.CurrentTurn)
	return room.CurrentTurn.UserId
}

func requireKind(t *testing.T, err error, kind ErrorKind) *Error {
	t.Helper()
	require.Error(t, err)
	var storyErr *Error
	require.ErrorAs(t, err, &storyErr)
	require.Equal(t, kind, storyErr.Kind, "unexpected error: %v", err)
	return storyErr
}

func TestThreeMemberRotation(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Tale"})
	a, b, c := f.uid(0), f.uid(1), f.uid(2)

	assert.Equal(t, a, f.holder(roomId), "host holds the first turn")

	first, err := f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "Once upon a time."})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Turn.Round)
	assert.Equal(t, types.TurnStatusPublished, first.Turn.Status)
	require.NotNil(t, first.CurrentTurn)
	assert.Equal(t, b, first.CurrentTurn.UserId)
	assert.Nil(t, first.CurrentTurn.DueAt)
	assert.Len(t, first.Memberships, 3)

	skipped, err := f.coord.SkipTurn(ctx, b, roomId)
	require.NoError(t, err)
	assert.Equal(t, c, skipped.CurrentTurn.UserId)

	second, err := f.coord.SubmitTurn(ctx, c, roomId, SubmitParams{Content: "A fox appeared."})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Turn.Round)
	assert.Equal(t, a, second.CurrentTurn.UserId, "rotation wraps to the first member")

	advanced := f.bc.events(types.EventTurnAdvanced)
	require.Len(t, advanced, 3, "one broadcast per successful action")
	payload := advanced[0].payload.(types.TurnAdvanced)
	assert.Equal(t, roomId, payload.RoomId)
	require.NotNil(t, payload.Turn)
	assert.Equal(t, "Once upon a time.", payload.Turn.Content)
	assert.Nil(t, advanced[1].payload.(types.TurnAdvanced).Turn, "skips carry no turn")
	assert.Contains(t, f.bc.stopped, roomId, "rooms without a limit stop their countdown")
}

func TestRotationFairness(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Fair"})

	visited := make([]int, 0)
	for i := 0; i < 8; i++ {
		holder := f.holder(roomId)
		visited = append(visited, holder)
		_, err := f.coord.SkipTurn(ctx, holder, roomId)
		require.NoError(t, err)
		f.tick(time.Second)
	}

	ids := []int{f.uid(0), f.uid(1), f.uid(2), f.uid(3)}
	assert.Equal(t, append(ids, ids...), visited)
}

func TestSubmitTurnFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("room not found", func(t *testing.T) {
		f := newFixture(t, "a")
		_, err := f.coord.SubmitTurn(ctx, f.uid(0), "missing", SubmitParams{Content: "x"})
		requireKind(t, err, KindNotFound)
	})

	t.Run("not a member", func(t *testing.T) {
		f := newFixture(t, "a", "outsider")
		room, err := f.coord.CreateRoom(ctx, f.uid(0), CreateRoomParams{Title: "Closed"})
		require.NoError(t, err)

		_, err = f.coord.SubmitTurn(ctx, f.uid(1), room.ExternalId, SubmitParams{Content: "x"})
		e := requireKind(t, err, KindForbidden)
		assert.Equal(t, "Join the room before submitting turns.", e.Message)
	})

	t.Run("not your turn", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		roomId := f.room(CreateRoomParams{Title: "Tale"})

		_, err := f.coord.SubmitTurn(ctx, f.uid(1), roomId, SubmitParams{Content: "Me first."})
		e := requireKind(t, err, KindConflict)
		assert.Equal(t, "It is not your turn.", e.Message)
		assert.Empty(t, e.TimeoutEvents)
		assert.Empty(t, f.bc.events(types.EventTurnAdvanced), "nothing changed, nothing broadcast")
	})

	t.Run("violations keep the turn with the holder", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		roomId := f.room(CreateRoomParams{Title: "Tale", ForbiddenWords: []string{"dragon"}})

		_, err := f.coord.SubmitTurn(ctx, f.uid(0), roomId, SubmitParams{Content: "A dragon landed."})
		e := requireKind(t, err, KindUnprocessable)
		assert.Equal(t, []string{"Turn contains a forbidden word: dragon."}, e.Violations)

		room, err := f.coord.GetRoom(ctx, roomId)
		require.NoError(t, err)
		assert.Empty(t, room.Turns)
		assert.Equal(t, f.uid(0), room.CurrentTurn.UserId)
	})

	t.Run("default rules limit sentences", func(t *testing.T) {
		f := newFixture(t, "a")
		roomId := f.room(CreateRoomParams{Title: "Short"})

		_, err := f.coord.SubmitTurn(ctx, f.uid(0), roomId, SubmitParams{Content: "One. Two. Three."})
		e := requireKind(t, err, KindUnprocessable)
		assert.Contains(t, e.Violations, "Turn exceeds the maximum of 2 sentences.")
	})
}

func TestMissedTurnCommitsTimeout(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Timed", MaxTurnSeconds: 10, MaxWarnings: 3})
	a, b := f.uid(0), f.uid(1)

	// a has held the turn since the room was created
	f.tick(20 * time.Second)

	_, err := f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "Too late."})
	e := requireKind(t, err, KindConflict)
	assert.Equal(t, "You missed your turn and received a warning.", e.Message)
	require.Len(t, e.TimeoutEvents, 1)
	assert.Equal(t, types.TimeoutEvent{MembershipId: e.TimeoutEvents[0].MembershipId, UserId: a, Warnings: 1, Kicked: false}, e.TimeoutEvents[0])

	advanced := f.bc.events(types.EventTurnAdvanced)
	require.Len(t, advanced, 1, "committed timeouts are broadcast")
	payload := advanced[0].payload.(types.TurnAdvanced)
	assert.Nil(t, payload.Turn)
	require.NotNil(t, payload.CurrentTurn)
	assert.Equal(t, a, payload.CurrentTurn.UserId)
	require.NotNil(t, payload.CurrentTurn.DueAt)
	assert.Equal(t, f.clock.Add(10*time.Second), *payload.CurrentTurn.DueAt)
	assert.Equal(t, 10, f.bc.timers[roomId])

	room, err := f.coord.GetRoom(ctx, roomId)
	require.NoError(t, err)
	assert.Equal(t, a, room.CurrentTurn.UserId, "the first active member starts a fresh turn")
	assert.Equal(t, 1, room.Participants[0].Warnings, "the warning was committed")
	assert.True(t, room.Participants[0].IsActive)
	assert.Empty(t, room.Turns)

	_, err = f.coord.SubmitTurn(ctx, b, roomId, SubmitParams{Content: "Me instead."})
	requireKind(t, err, KindConflict)

	res, err := f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "Right on time."})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Turn.Round)
	assert.Empty(t, res.TimeoutEvents)
	assert.Equal(t, b, res.CurrentTurn.UserId)
}

func TestTimeoutReportedToOtherActor(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Timed", MaxTurnSeconds: 10})
	a, b, c := f.uid(0), f.uid(1), f.uid(2)

	_, err := f.coord.SkipTurn(ctx, a, roomId)
	require.NoError(t, err)
	require.Equal(t, b, f.holder(roomId))

	f.tick(15 * time.Second)

	// b times out mid-rotation, so the turn returns to a, who may act at once
	_, err = f.coord.SkipTurn(ctx, c, roomId)
	e := requireKind(t, err, KindConflict)
	assert.Equal(t, "It is not your turn.", e.Message)
	require.Len(t, e.TimeoutEvents, 1)
	assert.Equal(t, b, e.TimeoutEvents[0].UserId)

	res, err := f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "Back to me."})
	require.NoError(t, err)
	assert.Empty(t, res.TimeoutEvents, "the timeout was committed by the rejected skip")
	assert.Equal(t, b, res.CurrentTurn.UserId)
	assert.Equal(t, 1, res.Memberships[1].Warnings)
}

func TestTimeoutRestartsWithFirstActiveMember(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Timed", MaxTurnSeconds: 10})
	a, b := f.uid(0), f.uid(1)

	_, err := f.coord.SkipTurn(ctx, a, roomId)
	require.NoError(t, err)

	f.tick(15 * time.Second)

	res, err := f.coord.SkipTurn(ctx, a, roomId)
	require.NoError(t, err)
	require.Len(t, res.TimeoutEvents, 1)
	assert.Equal(t, b, res.TimeoutEvents[0].UserId)
	assert.Equal(t, b, res.CurrentTurn.UserId, "a passed the restarted turn on")
	assert.Equal(t, 1, res.Memberships[1].Warnings)
}

func TestKickedMember(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Strict", MaxTurnSeconds: 5, MaxWarnings: 1})
	a := f.uid(0)

	f.tick(6 * time.Second)
	events, err := f.coord.ReconcileRoom(ctx, roomId)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Kicked)
	assert.Equal(t, 1, events[0].Warnings)

	_, err = f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "Let me back."})
	e := requireKind(t, err, KindForbidden)
	assert.Equal(t, "You are no longer allowed to contribute to this room.", e.Message)

	_, err = f.coord.JoinRoom(ctx, a, roomId)
	requireKind(t, err, KindForbidden)

	for i := 0; i < 4; i++ {
		holder := f.holder(roomId)
		assert.NotEqual(t, a, holder, "kicked member never holds the turn")
		_, err := f.coord.SkipTurn(ctx, holder, roomId)
		require.NoError(t, err)
	}
}

func TestExclusiveAdvancement(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Race", MaxWords: 10})
	ids := []int{f.uid(0), f.uid(1), f.uid(2)}

	for round := 1; round <= 9; round++ {
		holder := f.holder(roomId)
		idx := 0
		for i, id := range ids {
			if id == holder {
				idx = i
			}
		}
		// the previous holder races the current one and never becomes the
		// holder by the time either request commits
		rival := ids[(idx+2)%len(ids)]

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for _, actor := range []int{holder, rival} {
			wg.Add(1)
			go func(actor int) {
				defer wg.Done()
				_, err := f.coord.SubmitTurn(ctx, actor, roomId, SubmitParams{Content: "My line."})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					successes++
				} else if IsKind(err, KindConflict) {
					conflicts++
				}
			}(actor)
		}
		wg.Wait()

		assert.Equal(t, 1, successes, "round %d", round)
		assert.Equal(t, 1, conflicts, "round %d", round)
	}

	room, err := f.coord.GetRoom(ctx, roomId)
	require.NoError(t, err)
	require.Len(t, room.Turns, 9)
	for i, turn := range room.Turns {
		assert.Equal(t, i+1, turn.Round)
	}
}

func TestTimerFollowsCurrentTurn(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Clock", MaxTurnSeconds: 30})

	res, err := f.coord.SkipTurn(ctx, f.uid(0), roomId)
	require.NoError(t, err)
	require.NotNil(t, res.CurrentTurn.DueAt)
	assert.Equal(t, f.clock.Add(30*time.Second), *res.CurrentTurn.DueAt)
	assert.Equal(t, 30, f.bc.timers[roomId])

	f.bc.noViewer = true
	_, err = f.coord.SkipTurn(ctx, f.uid(1), roomId)
	assert.NoError(t, err, "a timer without viewers never fails the action")
}

func TestSubmitTurnPrompts(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Prompts", Prompts: []string{"first", " ", "second"}})
	a := f.uid(0)

	res, err := f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "One."})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Turn.Prompt)

	res, err = f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "Two."})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Turn.Prompt)

	res, err = f.coord.SubmitTurn(ctx, a, roomId, SubmitParams{Content: "Three.", Prompt: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", res.Turn.Prompt)
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("applies defaults", func(t *testing.T) {
		f := newFixture(t, "host")

		room, err := f.coord.CreateRoom(ctx, f.uid(0), CreateRoomParams{
			Title:          "  Defaults ",
			MaxTurnSeconds: 9000,
			ForbiddenWords: []string{"x", "x", ""},
		})
		require.NoError(t, err)

		assert.Equal(t, "room-1", room.ExternalId)
		assert.Equal(t, "Defaults", room.Title)
		assert.Equal(t, "pending", room.Status)
		assert.Equal(t, types.Rules{
			MaxWords:       DefaultMaxWords,
			MaxSentences:   DefaultMaxSentences,
			ForbiddenWords: []string{"x"},
			MaxTurnSeconds: 600,
			MaxWarnings:    DefaultMaxWarnings,
		}, room.Rules)
		assert.Equal(t, []string{defaultPrompt}, room.Prompts)
		require.Len(t, room.Participants, 1)
		assert.True(t, room.Participants[0].IsHost)
		require.NotNil(t, room.CurrentTurn)
		assert.Equal(t, f.uid(0), room.CurrentTurn.UserId)
	})

	t.Run("retries duplicate codes", func(t *testing.T) {
		f := newFixture(t, "host")
		codes := []string{"dup", "dup", "fresh"}
		f.coord.generateCode = func() (string, error) {
			code := codes[0]
			codes = codes[1:]
			return code, nil
		}

		first, err := f.coord.CreateRoom(ctx, f.uid(0), CreateRoomParams{Title: "One"})
		require.NoError(t, err)
		second, err := f.coord.CreateRoom(ctx, f.uid(0), CreateRoomParams{Title: "Two"})
		require.NoError(t, err)

		assert.Equal(t, "dup", first.ExternalId)
		assert.Equal(t, "fresh", second.ExternalId)
	})
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t, "host", "guest")
	ctx := context.Background()
	room, err := f.coord.CreateRoom(ctx, f.uid(0), CreateRoomParams{Title: "Open"})
	require.NoError(t, err)

	m, err := f.coord.JoinRoom(ctx, f.uid(1), room.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, f.uid(1), m.UserId)
	assert.True(t, m.IsActive)
	assert.False(t, m.IsHost)

	joined := f.bc.events(types.EventRoomJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, types.RoomJoined{RoomId: room.ExternalId, Participants: 2, UserId: f.uid(1), Username: "guest"}, joined[0].payload)

	again, err := f.coord.JoinRoom(ctx, f.uid(1), room.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, m.Id, again.Id, "joining twice keeps the membership")
	joined = f.bc.events(types.EventRoomJoined)
	require.Len(t, joined, 2, "every join is announced")
	assert.Equal(t, joined[0].payload, joined[1].payload)

	_, err = f.coord.JoinRoom(ctx, f.uid(1), "missing")
	requireKind(t, err, KindNotFound)
}

func TestListRooms(t *testing.T) {
	f := newFixture(t, "host", "guest")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Mine"})

	rooms, err := f.coord.ListRooms(ctx, f.uid(1))
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, roomId, rooms[0].ExternalId)

	f2 := newFixture(t, "loner")
	rooms, err = f2.coord.ListRooms(ctx, f2.uid(0))
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestStartRoom(t *testing.T) {
	f := newFixture(t, "host", "guest")
	ctx := context.Background()
	roomId := f.room(CreateRoomParams{Title: "Show"})

	_, err := f.coord.StartRoom(ctx, f.uid(1), roomId, nil)
	requireKind(t, err, KindForbidden)

	countdown := 45
	started, err := f.coord.StartRoom(ctx, f.uid(0), roomId, &countdown)
	require.NoError(t, err)
	assert.Equal(t, types.RoomStarted{RoomId: roomId, StartedAt: f.clock, HostId: f.uid(0)}, started)

	assert.Len(t, f.bc.events(types.EventRoomStarted), 1)
	assert.Equal(t, 45, f.bc.timers[roomId])

	room, err := f.coord.GetRoom(ctx, roomId)
	require.NoError(t, err)
	assert.Equal(t, "active", room.Status)
}

func TestVote(t *testing.T) {
	f := newFixture(t, "a", "b", "outsider")
	ctx := context.Background()
	room, err := f.coord.CreateRoom(ctx, f.uid(0), CreateRoomParams{Title: "Votes"})
	require.NoError(t, err)
	roomId := room.ExternalId
	_, err = f.coord.JoinRoom(ctx, f.uid(1), roomId)
	require.NoError(t, err)

	res, err := f.coord.SubmitTurn(ctx, f.uid(0), roomId, SubmitParams{Content: "Vote for me."})
	require.NoError(t, err)
	turnId := res.Turn.Id

	_, err = f.coord.Vote(ctx, f.uid(1), roomId, turnId, 2)
	requireKind(t, err, KindInvalid)

	_, err = f.coord.Vote(ctx, f.uid(2), roomId, turnId, 1)
	requireKind(t, err, KindForbidden)

	_, err = f.coord.Vote(ctx, f.uid(1), roomId, turnId+100, 1)
	requireKind(t, err, KindNotFound)

	turn, err := f.coord.Vote(ctx, f.uid(1), roomId, turnId, 1)
	require.NoError(t, err)
	assert.Equal(t, []types.Vote{{VoterId: f.uid(1), Value: 1}}, turn.Votes)

	turn, err = f.coord.Vote(ctx, f.uid(1), roomId, turnId, -1)
	require.NoError(t, err)
	assert.Equal(t, []types.Vote{{VoterId: f.uid(1), Value: -1}}, turn.Votes)

	turn, err = f.coord.Vote(ctx, f.uid(1), roomId, turnId, 0)
	require.NoError(t, err)
	assert.Empty(t, turn.Votes, "a zero vote removes the record")

	voted := f.bc.events(types.EventTurnVoted)
	require.Len(t, voted, 3)
	assert.Equal(t, types.TurnVoted{RoomId: roomId, TurnId: turnId, VoterId: f.uid(1), Value: 0}, voted[2].payload)
}
