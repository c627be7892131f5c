package database

import "time"

type RoomStatus string

const (
	RoomStatusPending RoomStatus = "pending"
	RoomStatusActive  RoomStatus = "active"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id             int
	ExternalId     string
	Title          string
	Description    string
	HostId         int
	Status         RoomStatus
	MaxWords       int
	MaxSentences   int
	ForbiddenWords []string
	RhymeTarget    string
	MaxTurnSeconds int
	MaxWarnings    int
	Prompts        []string
	// CurrentTurnStartedAt is set if and only if CurrentTurnMembershipId is set.
	CurrentTurnMembershipId *int
	CurrentTurnStartedAt    *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type Membership struct {
	Id       int
	UserId   int
	Username string
	RoomId   int
	IsHost   bool
	JoinedAt time.Time
	Warnings int
	IsActive bool
	KickedAt *time.Time
}

type Turn struct {
	Id        int
	RoomId    int
	AuthorId  *int
	Round     int
	Prompt    string
	Content   *string
	StartedAt time.Time
	EndedAt   *time.Time
	Votes     []Vote
}

type Vote struct {
	TurnId  int
	VoterId int
	Value   int
}

// RoomState is a room together with its memberships in join order.
type RoomState struct {
	Room        Room
	Memberships []Membership
}

// Clone returns a deep copy so callers can derive a new state without
// mutating the one they were given.
func (s RoomState) Clone() RoomState {
	out := RoomState{Room: s.Room}
	if s.Room.CurrentTurnMembershipId != nil {
		id := *s.Room.CurrentTurnMembershipId
		out.Room.CurrentTurnMembershipId = &id
	}
	if s.Room.CurrentTurnStartedAt != nil {
		at := *s.Room.CurrentTurnStartedAt
		out.Room.CurrentTurnStartedAt = &at
	}
	out.Room.ForbiddenWords = append([]string(nil), s.Room.ForbiddenWords...)
	out.Room.Prompts = append([]string(nil), s.Room.Prompts...)

	out.Memberships = make([]Membership, len(s.Memberships))
	for i, m := range s.Memberships {
		if m.KickedAt != nil {
			at := *m.KickedAt
			m.KickedAt = &at
		}
		out.Memberships[i] = m
	}
	return out
}

// MembershipFor returns the membership held by userId, if any.
func (s RoomState) MembershipFor(userId int) (Membership, bool) {
	for _, m := range s.Memberships {
		if m.UserId == userId {
			return m, true
		}
	}
	return Membership{}, false
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	ExternalId     string
	Title          string
	Description    string
	HostId         int
	MaxWords       int
	MaxSentences   int
	ForbiddenWords []string
	RhymeTarget    string
	MaxTurnSeconds int
	MaxWarnings    int
	Prompts        []string
}

type CreateTurnParams struct {
	RoomId    int
	AuthorId  int
	Round     int
	Prompt    string
	Content   string
	StartedAt time.Time
	EndedAt   time.Time
}

// CreateDraftTurnParams describes a turn that has no content or end time yet.
type CreateDraftTurnParams struct {
	RoomId    int
	AuthorId  *int
	Round     int
	Prompt    string
	StartedAt time.Time
}

// UpdateTurnParams leaves nil fields unchanged.
type UpdateTurnParams struct {
	RoomId  int
	TurnId  int
	Content *string
	EndedAt *time.Time
}
