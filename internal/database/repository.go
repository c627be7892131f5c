package database

import (
	"context"
	"time"
)

// TurnTx is the set of operations available inside one store transaction.
// Implementations must make every call observe the writes made earlier in
// the same transaction.
type TurnTx interface {
	// LoadRoomState returns ErrNotFound when no room has the external id.
	LoadRoomState(ctx context.Context, externalId string) (*RoomState, error)
	UpdateRoomTurnPointer(ctx context.Context, roomId int, membershipId *int, startedAt *time.Time) error
	IncrementMembershipWarning(ctx context.Context, membershipId int, deactivate bool, at time.Time) (Membership, error)
	CreateTurn(ctx context.Context, params CreateTurnParams) (Turn, error)
	CreateDraftTurn(ctx context.Context, params CreateDraftTurnParams) (Turn, error)
	// UpdateTurn returns ErrNotFound when the turn does not belong to the room.
	UpdateTurn(ctx context.Context, params UpdateTurnParams) (Turn, error)
	MaxRoundForRoom(ctx context.Context, roomId int) (int, error)

	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	SetRoomStatus(ctx context.Context, roomId int, status RoomStatus) error
	ListRoomsForUser(ctx context.Context, userId int) ([]Room, error)
	CreateMembership(ctx context.Context, roomId, userId int, isHost bool, at time.Time) (Membership, error)
	ListTurns(ctx context.Context, roomId int) ([]Turn, error)
	// GetTurn returns ErrNotFound when the turn does not belong to the room.
	GetTurn(ctx context.Context, roomId, turnId int) (Turn, error)
	UpsertVote(ctx context.Context, turnId, voterId, value int) error
	DeleteVote(ctx context.Context, turnId, voterId int) error
}

// TurnStore runs fn inside one serializable transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
type TurnStore interface {
	RunInTx(ctx context.Context, fn func(tx TurnTx) error) error
}

type AccountStore interface {
	Ping() error
	CreateAccount(accountParams CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
}

type StoryRepository interface {
	AccountStore
	TurnStore
	Close() error
}
