package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Rules struct {
	MaxWords       int      `json:"max_words"`
	MaxSentences   int      `json:"max_sentences"`
	ForbiddenWords []string `json:"forbidden_words"`
	RhymeTarget    string   `json:"rhyme_target,omitempty"`
	MaxTurnSeconds int      `json:"max_turn_seconds"`
	MaxWarnings    int      `json:"max_warnings"`
}

type Participant struct {
	MembershipId int    `json:"membership_id"`
	UserId       int    `json:"user_id"`
	Username     string `json:"username"`
	IsHost       bool   `json:"is_host"`
	Warnings     int    `json:"warnings"`
	IsActive     bool   `json:"is_active"`
	Score        int    `json:"score"`
}

type Room struct {
	Id           int           `json:"id"`
	ExternalId   string        `json:"external_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	HostId       int           `json:"host_id"`
	Status       string        `json:"status"`
	Rules        Rules         `json:"rules"`
	Prompts      []string      `json:"prompts"`
	Participants []Participant `json:"participants,omitempty"`
	Turns        []Turn        `json:"turns,omitempty"`
	CurrentTurn  *CurrentTurn  `json:"current_turn,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
}

type Membership struct {
	Id       int        `json:"id"`
	UserId   int        `json:"user_id"`
	RoomId   string     `json:"room_id"`
	IsHost   bool       `json:"is_host"`
	JoinedAt time.Time  `json:"joined_at"`
	Warnings int        `json:"warnings"`
	IsActive bool       `json:"is_active"`
	KickedAt *time.Time `json:"kicked_at,omitempty"`
}

type Vote struct {
	VoterId int `json:"voter_id"`
	Value   int `json:"value"`
}

const (
	TurnStatusProposed  = "proposed"
	TurnStatusValidated = "validated"
	TurnStatusPublished = "published"
)

type Turn struct {
	Id          int        `json:"id"`
	Round       int        `json:"round"`
	Prompt      string     `json:"prompt"`
	Content     string     `json:"content"`
	AuthorId    int        `json:"author_id,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Votes       []Vote     `json:"votes"`
}

// CurrentTurn describes who holds the turn and when it is due. DueAt is
// omitted for rooms without a turn timer.
type CurrentTurn struct {
	MembershipId int        `json:"membership_id"`
	UserId       int        `json:"user_id"`
	StartedAt    time.Time  `json:"started_at"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	Warnings     int        `json:"warnings"`
}

type MembershipStatus struct {
	MembershipId int  `json:"membership_id"`
	UserId       int  `json:"user_id"`
	Warnings     int  `json:"warnings"`
	IsActive     bool `json:"is_active"`
}

type TimeoutEvent struct {
	MembershipId int  `json:"membership_id"`
	UserId       int  `json:"user_id"`
	Warnings     int  `json:"warnings"`
	Kicked       bool `json:"kicked"`
}

type ParticipantScore struct {
	Participant Participant `json:"participant"`
	Score       int         `json:"score"`
}

type Recap struct {
	Room        Room               `json:"room"`
	TotalVotes  int                `json:"total_votes"`
	WinningTurn *Turn              `json:"winning_turn,omitempty"`
	Scores      []ParticipantScore `json:"scores"`
}

// Realtime event names.
const (
	EventRoomJoined    = "room:joined"
	EventRoomStarted   = "room:started"
	EventTurnProposed  = "turn:proposed"
	EventTurnValidated = "turn:validated"
	EventTurnPublished = "turn:published"
	EventTurnAdvanced  = "turn:advanced"
	EventTurnVoted     = "turn:voted"
	EventTimerTick     = "timer:tick"
)

// Client events relayed to the room under their server counterpart.
const (
	EventRoomStart    = "room:start"
	EventTurnPropose  = "turn:propose"
	EventTurnValidate = "turn:validate"
	EventTurnPublish  = "turn:publish"
	EventTurnVote     = "turn:vote"
)

type RoomJoined struct {
	RoomId       string `json:"room_id"`
	Participants int    `json:"participants"`
	UserId       int    `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`
}

type RoomStarted struct {
	RoomId    string    `json:"room_id"`
	StartedAt time.Time `json:"started_at"`
	HostId    int       `json:"host_id"`
}

type TurnEvent struct {
	RoomId   string `json:"room_id"`
	TurnId   int    `json:"turn_id"`
	Round    int    `json:"round"`
	Prompt   string `json:"prompt"`
	Content  string `json:"content"`
	AuthorId int    `json:"author_id,omitempty"`
}

type TurnPublished struct {
	TurnEvent
	PublishedAt time.Time `json:"published_at"`
}

type TurnAdvanced struct {
	RoomId      string             `json:"room_id"`
	Turn        *Turn              `json:"turn,omitempty"`
	CurrentTurn *CurrentTurn       `json:"current_turn,omitempty"`
	Memberships []MembershipStatus `json:"memberships"`
}

type TurnVoted struct {
	RoomId  string `json:"room_id"`
	TurnId  int    `json:"turn_id"`
	VoterId int    `json:"voter_id"`
	Value   int    `json:"value"`
}

type TimerTick struct {
	RoomId     string `json:"room_id"`
	Duration   int    `json:"duration"`
	Remaining  int    `json:"remaining"`
	IsComplete bool   `json:"is_complete"`
}
