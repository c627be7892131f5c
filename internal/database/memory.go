package database

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MemoryStore is an in-process StoryRepository. Transactions on the same room
// are serialized by a per-room lock taken on first access and held until the
// transaction ends; a failed transaction is undone from its undo log.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[int]User
	rooms       map[int]*Room
	memberships map[int]*Membership
	turns       map[int]*Turn
	votes       map[[2]int]int
	roomLocks   map[int]*sync.Mutex
	nextId      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[int]User),
		rooms:       make(map[int]*Room),
		memberships: make(map[int]*Membership),
		turns:       make(map[int]*Turn),
		votes:       make(map[[2]int]int),
		roomLocks:   make(map[int]*sync.Mutex),
	}
}

func (s *MemoryStore) Ping() error  { return nil }
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) id() int {
	s.nextId++
	return s.nextId
}

func (s *MemoryStore) CreateAccount(params CreateAccountParams) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.accounts {
		if strings.EqualFold(u.EmailAddress, params.EmailAddress) {
			return User{}, ErrDuplicate
		}
	}

	now := time.Now().UTC()
	u := User{
		Id:           s.id(),
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.accounts[u.Id] = u

	return u, nil
}

func (s *MemoryStore) GetAccountById(id int) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.accounts[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetAccountByEmail(email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.accounts {
		if strings.EqualFold(u.EmailAddress, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx TurnTx) error) error {
	tx := &memTx{store: s, locked: make(map[int]*sync.Mutex)}
	defer tx.release()

	if err := ctx.Err(); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}

	return nil
}

type memTx struct {
	store  *MemoryStore
	locked map[int]*sync.Mutex
	undo   []func()
}

// lockRoom takes the room lock once per transaction. Must not be called with
// store.mu held.
func (t *memTx) lockRoom(roomId int) {
	if _, ok := t.locked[roomId]; ok {
		return
	}

	t.store.mu.Lock()
	l := t.store.roomLock(roomId)
	t.store.mu.Unlock()

	l.Lock()
	t.locked[roomId] = l
}

// roomLock returns the lock for roomId, creating it on first use. Must be
// called with store.mu held.
func (s *MemoryStore) roomLock(roomId int) *sync.Mutex {
	l, ok := s.roomLocks[roomId]
	if !ok {
		l = &sync.Mutex{}
		s.roomLocks[roomId] = l
	}
	return l
}

// readCommitted runs read against roomId while no other transaction holds
// the room. Rooms already locked by t are read directly.
func (t *memTx) readCommitted(roomId int, read func(s *MemoryStore)) {
	s := t.store
	if _, ok := t.locked[roomId]; ok {
		s.mu.Lock()
		read(s)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	l := s.roomLock(roomId)
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	read(s)
}

func (t *memTx) release() {
	for _, l := range t.locked {
		l.Unlock()
	}
	t.locked = nil
}

func (t *memTx) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) roomIdForExternal(externalId string) (int, bool) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for id, r := range t.store.rooms {
		if r.ExternalId == externalId {
			return id, true
		}
	}
	return 0, false
}

func (t *memTx) LoadRoomState(_ context.Context, externalId string) (*RoomState, error) {
	roomId, ok := t.roomIdForExternal(externalId)
	if !ok {
		return nil, ErrNotFound
	}
	t.lockRoom(roomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomId]
	if !ok {
		return nil, ErrNotFound
	}

	members := lo.Filter(lo.Values(s.memberships), func(m *Membership, _ int) bool {
		return m.RoomId == roomId
	})
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].Id < members[j].Id
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	state := RoomState{
		Room: *room,
		Memberships: lo.Map(members, func(m *Membership, _ int) Membership {
			out := *m
			out.Username = s.accounts[m.UserId].Username
			return out
		}),
	}
	state = state.Clone()

	return &state, nil
}

func (t *memTx) UpdateRoomTurnPointer(_ context.Context, roomId int, membershipId *int, startedAt *time.Time) error {
	t.lockRoom(roomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomId]
	if !ok {
		return ErrNotFound
	}

	prevId, prevAt := room.CurrentTurnMembershipId, room.CurrentTurnStartedAt
	t.undo = append(t.undo, func() {
		room.CurrentTurnMembershipId, room.CurrentTurnStartedAt = prevId, prevAt
	})

	room.CurrentTurnMembershipId, room.CurrentTurnStartedAt = nil, nil
	if membershipId != nil {
		id := *membershipId
		room.CurrentTurnMembershipId = &id
	}
	if startedAt != nil {
		at := *startedAt
		room.CurrentTurnStartedAt = &at
	}
	room.UpdatedAt = time.Now().UTC()

	return nil
}

func (t *memTx) IncrementMembershipWarning(_ context.Context, membershipId int, deactivate bool, at time.Time) (Membership, error) {
	t.store.mu.Lock()
	m, ok := t.store.memberships[membershipId]
	t.store.mu.Unlock()
	if !ok {
		return Membership{}, ErrNotFound
	}
	t.lockRoom(m.RoomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := *m
	t.undo = append(t.undo, func() { *m = prev })

	m.Warnings++
	if deactivate {
		kicked := at
		m.IsActive = false
		m.KickedAt = &kicked
	}

	return *m, nil
}

func (t *memTx) CreateTurn(_ context.Context, params CreateTurnParams) (Turn, error) {
	t.lockRoom(params.RoomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.turns {
		if existing.RoomId == params.RoomId && existing.Round == params.Round {
			return Turn{}, ErrDuplicate
		}
	}

	author := params.AuthorId
	content := params.Content
	ended := params.EndedAt
	turn := &Turn{
		Id:        s.id(),
		RoomId:    params.RoomId,
		AuthorId:  &author,
		Round:     params.Round,
		Prompt:    params.Prompt,
		Content:   &content,
		StartedAt: params.StartedAt,
		EndedAt:   &ended,
	}
	s.turns[turn.Id] = turn
	t.undo = append(t.undo, func() { delete(s.turns, turn.Id) })

	out := *turn
	out.Votes = make([]Vote, 0)
	return out, nil
}

func (t *memTx) CreateDraftTurn(_ context.Context, params CreateDraftTurnParams) (Turn, error) {
	t.lockRoom(params.RoomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.turns {
		if existing.RoomId == params.RoomId && existing.Round == params.Round {
			return Turn{}, ErrDuplicate
		}
	}

	turn := &Turn{
		Id:        s.id(),
		RoomId:    params.RoomId,
		Round:     params.Round,
		Prompt:    params.Prompt,
		StartedAt: params.StartedAt,
	}
	if params.AuthorId != nil {
		author := *params.AuthorId
		turn.AuthorId = &author
	}
	s.turns[turn.Id] = turn
	t.undo = append(t.undo, func() { delete(s.turns, turn.Id) })

	out := *turn
	out.Votes = make([]Vote, 0)
	return out, nil
}

func (t *memTx) UpdateTurn(_ context.Context, params UpdateTurnParams) (Turn, error) {
	t.lockRoom(params.RoomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[params.TurnId]
	if !ok || turn.RoomId != params.RoomId {
		return Turn{}, ErrNotFound
	}

	prev := *turn
	t.undo = append(t.undo, func() { *turn = prev })

	if params.Content != nil {
		content := *params.Content
		turn.Content = &content
	}
	if params.EndedAt != nil {
		ended := *params.EndedAt
		turn.EndedAt = &ended
	}

	return t.turnWithVotes(turn), nil
}

func (t *memTx) MaxRoundForRoom(_ context.Context, roomId int) (int, error) {
	t.lockRoom(roomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	max := 0
	for _, turn := range s.turns {
		if turn.RoomId == roomId && turn.Round > max {
			max = turn.Round
		}
	}
	return max, nil
}

func (t *memTx) CreateRoom(_ context.Context, params CreateRoomParams) (Room, error) {
	s := t.store
	s.mu.Lock()

	for _, r := range s.rooms {
		if r.ExternalId == params.ExternalId {
			s.mu.Unlock()
			return Room{}, ErrDuplicate
		}
	}

	now := time.Now().UTC()
	id := s.id()

	// held before the room is visible so readers wait for the commit
	l := s.roomLock(id)
	l.Lock()
	t.locked[id] = l

	room := &Room{
		Id:             id,
		ExternalId:     params.ExternalId,
		Title:          params.Title,
		Description:    params.Description,
		HostId:         params.HostId,
		Status:         RoomStatusPending,
		MaxWords:       params.MaxWords,
		MaxSentences:   params.MaxSentences,
		ForbiddenWords: append([]string(nil), params.ForbiddenWords...),
		RhymeTarget:    params.RhymeTarget,
		MaxTurnSeconds: params.MaxTurnSeconds,
		MaxWarnings:    params.MaxWarnings,
		Prompts:        append([]string(nil), params.Prompts...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.rooms[room.Id] = room
	t.undo = append(t.undo, func() { delete(s.rooms, room.Id) })
	s.mu.Unlock()

	return *room, nil
}

func (t *memTx) SetRoomStatus(_ context.Context, roomId int, status RoomStatus) error {
	t.lockRoom(roomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomId]
	if !ok {
		return ErrNotFound
	}

	prev := room.Status
	t.undo = append(t.undo, func() { room.Status = prev })
	room.Status = status

	return nil
}

func (t *memTx) ListRoomsForUser(_ context.Context, userId int) ([]Room, error) {
	s := t.store
	s.mu.Lock()
	roomIds := make([]int, 0)
	for _, m := range s.memberships {
		if m.UserId == userId {
			roomIds = append(roomIds, m.RoomId)
		}
	}
	s.mu.Unlock()
	slices.Sort(roomIds)

	rooms := make([]Room, 0, len(roomIds))
	for _, roomId := range slices.Compact(roomIds) {
		t.readCommitted(roomId, func(s *MemoryStore) {
			r, ok := s.rooms[roomId]
			if !ok {
				return
			}
			member := lo.ContainsBy(lo.Values(s.memberships), func(m *Membership) bool {
				return m.RoomId == roomId && m.UserId == userId
			})
			if member {
				rooms = append(rooms, *r)
			}
		})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].Id > rooms[j].Id
		}
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})

	return rooms, nil
}

func (t *memTx) CreateMembership(_ context.Context, roomId, userId int, isHost bool, at time.Time) (Membership, error) {
	t.lockRoom(roomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomId]; !ok {
		return Membership{}, ErrNotFound
	}

	for _, m := range s.memberships {
		if m.RoomId == roomId && m.UserId == userId {
			return Membership{}, ErrDuplicate
		}
	}

	m := &Membership{
		Id:       s.id(),
		UserId:   userId,
		Username: s.accounts[userId].Username,
		RoomId:   roomId,
		IsHost:   isHost,
		JoinedAt: at,
		IsActive: true,
	}
	s.memberships[m.Id] = m
	t.undo = append(t.undo, func() { delete(s.memberships, m.Id) })

	return *m, nil
}

func (t *memTx) turnWithVotes(turn *Turn) Turn {
	out := *turn
	out.Votes = make([]Vote, 0)
	for key, value := range t.store.votes {
		if key[0] == turn.Id {
			out.Votes = append(out.Votes, Vote{TurnId: key[0], VoterId: key[1], Value: value})
		}
	}
	slices.SortFunc(out.Votes, func(a, b Vote) int { return a.VoterId - b.VoterId })
	return out
}

func (t *memTx) ListTurns(_ context.Context, roomId int) ([]Turn, error) {
	t.lockRoom(roomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := make([]Turn, 0)
	for _, turn := range s.turns {
		if turn.RoomId == roomId {
			turns = append(turns, t.turnWithVotes(turn))
		}
	}
	slices.SortFunc(turns, func(a, b Turn) int { return a.Round - b.Round })

	return turns, nil
}

func (t *memTx) GetTurn(_ context.Context, roomId, turnId int) (Turn, error) {
	t.lockRoom(roomId)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[turnId]
	if !ok || turn.RoomId != roomId {
		return Turn{}, ErrNotFound
	}

	return t.turnWithVotes(turn), nil
}

func (t *memTx) UpsertVote(_ context.Context, turnId, voterId, value int) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.turns[turnId]; !ok {
		return ErrNotFound
	}

	key := [2]int{turnId, voterId}
	prev, existed := s.votes[key]
	t.undo = append(t.undo, func() {
		if existed {
			s.votes[key] = prev
		} else {
			delete(s.votes, key)
		}
	})
	s.votes[key] = value

	return nil
}

func (t *memTx) DeleteVote(_ context.Context, turnId, voterId int) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]int{turnId, voterId}
	prev, existed := s.votes[key]
	if !existed {
		return nil
	}
	t.undo = append(t.undo, func() { s.votes[key] = prev })
	delete(s.votes, key)

	return nil
}
