package story

import (
	"time"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/turncycle"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/samber/lo"
)

const defaultPrompt = "Start the story with your first prompt."

func turnStatus(t database.Turn) string {
	switch {
	case t.EndedAt != nil:
		return types.TurnStatusPublished
	case t.Content != nil && *t.Content != "":
		return types.TurnStatusValidated
	default:
		return types.TurnStatusProposed
	}
}

func isDraft(t types.Turn) bool {
	return t.Status == types.TurnStatusProposed || t.Status == types.TurnStatusValidated
}

func toTurn(t database.Turn) types.Turn {
	return types.Turn{
		Id:          t.Id,
		Round:       t.Round,
		Prompt:      t.Prompt,
		Content:     lo.FromPtr(t.Content),
		AuthorId:    lo.FromPtr(t.AuthorId),
		Status:      turnStatus(t),
		CreatedAt:   t.StartedAt,
		PublishedAt: t.EndedAt,
		Votes: lo.Map(t.Votes, func(v database.Vote, _ int) types.Vote {
			return types.Vote{VoterId: v.VoterId, Value: v.Value}
		}),
	}
}

func voteSum(t types.Turn) int {
	return lo.SumBy(t.Votes, func(v types.Vote) int { return v.Value })
}

// scoreParticipants credits each author with two points per published turn
// plus the turn's vote total. Scores never drop below zero.
func scoreParticipants(participants []types.Participant, turns []types.Turn) []types.Participant {
	scores := make(map[int]int, len(participants))
	for _, t := range turns {
		if t.AuthorId == 0 || isDraft(t) {
			continue
		}
		scores[t.AuthorId] += 2 + voteSum(t)
	}

	return lo.Map(participants, func(p types.Participant, _ int) types.Participant {
		p.Score = max(0, scores[p.UserId])
		return p
	})
}

func derivePrompts(room database.Room, turns []types.Turn) []string {
	if len(room.Prompts) > 0 {
		return append([]string(nil), room.Prompts...)
	}

	prompts := lo.Uniq(lo.FilterMap(turns, func(t types.Turn, _ int) (string, bool) {
		return t.Prompt, t.Prompt != ""
	}))
	if len(prompts) == 0 {
		return []string{defaultPrompt}
	}
	return prompts
}

func toRules(room database.Room) types.Rules {
	return types.Rules{
		MaxWords:       room.MaxWords,
		MaxSentences:   room.MaxSentences,
		ForbiddenWords: lo.Ternary(room.ForbiddenWords == nil, []string{}, room.ForbiddenWords),
		RhymeTarget:    room.RhymeTarget,
		MaxTurnSeconds: turncycle.ClampTurnSeconds(room.MaxTurnSeconds),
		MaxWarnings:    turncycle.ClampWarnings(room.MaxWarnings),
	}
}

// toRoomSummary maps a room without its memberships or turns.
func toRoomSummary(room database.Room) types.Room {
	return types.Room{
		Id:          room.Id,
		ExternalId:  room.ExternalId,
		Title:       room.Title,
		Description: room.Description,
		HostId:      room.HostId,
		Status:      string(room.Status),
		Rules:       toRules(room),
		Prompts:     lo.Ternary(room.Prompts == nil, []string{}, room.Prompts),
		CreatedAt:   room.CreatedAt,
	}
}

func toRoomSnapshot(state database.RoomState, turns []database.Turn, now time.Time) types.Room {
	room := toRoomSummary(state.Room)

	room.Turns = lo.Map(turns, func(t database.Turn, _ int) types.Turn { return toTurn(t) })
	participants := lo.Map(state.Memberships, func(m database.Membership, _ int) types.Participant {
		return types.Participant{
			MembershipId: m.Id,
			UserId:       m.UserId,
			Username:     lo.Ternary(m.Username == "", "Anonymous", m.Username),
			IsHost:       m.IsHost,
			Warnings:     m.Warnings,
			IsActive:     m.IsActive,
		}
	})
	room.Participants = scoreParticipants(participants, room.Turns)
	room.Prompts = derivePrompts(state.Room, room.Turns)
	room.CurrentTurn = turncycle.View(state, now)

	return room
}

func toMembership(roomId string, m database.Membership) types.Membership {
	return types.Membership{
		Id:       m.Id,
		UserId:   m.UserId,
		RoomId:   roomId,
		IsHost:   m.IsHost,
		JoinedAt: m.JoinedAt,
		Warnings: m.Warnings,
		IsActive: m.IsActive,
		KickedAt: m.KickedAt,
	}
}
