// Package turncycle decides who holds the turn in a room. Every function is
// pure: it takes a snapshot and returns a new one, leaving persistence to the
// caller.
package turncycle

import (
	"time"

	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/types"
	"github.com/samber/lo"
)

// MaxTurnSecondsCap bounds the per-turn time limit a room may configure.
const MaxTurnSecondsCap = 600

// ClampTurnSeconds maps a configured limit onto [0, MaxTurnSecondsCap].
// Zero means the room has no turn timer.
func ClampTurnSeconds(seconds int) int {
	return lo.Clamp(seconds, 0, MaxTurnSecondsCap)
}

// ClampWarnings is the number of timeouts that removes a member.
func ClampWarnings(maxWarnings int) int {
	return max(1, maxWarnings)
}

func activeMembers(state database.RoomState) []database.Membership {
	return lo.Filter(state.Memberships, func(m database.Membership, _ int) bool {
		return m.IsActive
	})
}

func indexOf(members []database.Membership, membershipId int) int {
	_, i, ok := lo.FindIndexOf(members, func(m database.Membership) bool {
		return m.Id == membershipId
	})
	if !ok {
		return -1
	}
	return i
}

func assign(state *database.RoomState, membershipId int, now time.Time) {
	id := membershipId
	at := now
	state.Room.CurrentTurnMembershipId = &id
	state.Room.CurrentTurnStartedAt = &at
}

func clearPointer(state *database.RoomState) {
	state.Room.CurrentTurnMembershipId = nil
	state.Room.CurrentTurnStartedAt = nil
}

// Reconcile resolves elapsed timeouts and repairs a dangling turn pointer.
// A timed-out holder receives a warning and is removed once the warning limit
// is reached; the turn then passes to the first active member in join order.
// The returned events are in the order the timeouts were detected.
func Reconcile(state database.RoomState, now time.Time) (database.RoomState, []types.TimeoutEvent) {
	next := state.Clone()
	events := make([]types.TimeoutEvent, 0)
	limit := ClampTurnSeconds(next.Room.MaxTurnSeconds)
	warningLimit := ClampWarnings(next.Room.MaxWarnings)

	// every iteration either assigns a holder or consumes a timeout, and a
	// freshly assigned holder cannot be overdue, so this cap is never hit
	// for a consistent snapshot
	maxIterations := len(next.Memberships)*2 + 2
	for i := 0; i < maxIterations; i++ {
		active := activeMembers(next)
		if len(active) == 0 {
			clearPointer(&next)
			break
		}

		current := -1
		if next.Room.CurrentTurnMembershipId != nil {
			current = indexOf(next.Memberships, *next.Room.CurrentTurnMembershipId)
		}

		if current == -1 || !next.Memberships[current].IsActive || next.Room.CurrentTurnStartedAt == nil {
			assign(&next, active[0].Id, now)
			continue
		}

		if limit <= 0 {
			break
		}

		dueAt := next.Room.CurrentTurnStartedAt.Add(time.Duration(limit) * time.Second)
		if !now.After(dueAt) {
			break
		}

		m := &next.Memberships[current]
		m.Warnings++
		kicked := m.Warnings >= warningLimit
		if kicked {
			at := now
			m.IsActive = false
			m.KickedAt = &at
		}

		events = append(events, types.TimeoutEvent{
			MembershipId: m.Id,
			UserId:       m.UserId,
			Warnings:     m.Warnings,
			Kicked:       kicked,
		})

		clearPointer(&next)
	}

	return next, events
}

// Advance hands the turn to the active member after the current holder in
// join order. A holder that is missing or no longer active yields the first
// active member.
func Advance(state database.RoomState, now time.Time) database.RoomState {
	next := state.Clone()
	active := activeMembers(next)
	if len(active) == 0 {
		clearPointer(&next)
		return next
	}

	holder := active[0]
	if next.Room.CurrentTurnMembershipId != nil {
		if i := indexOf(active, *next.Room.CurrentTurnMembershipId); i >= 0 {
			holder = active[(i+1)%len(active)]
		}
	}

	assign(&next, holder.Id, now)
	return next
}

// View projects the current holder for clients. It returns nil when nobody
// holds the turn. now is only used when the snapshot lacks a start time.
func View(state database.RoomState, now time.Time) *types.CurrentTurn {
	if state.Room.CurrentTurnMembershipId == nil {
		return nil
	}

	i := indexOf(state.Memberships, *state.Room.CurrentTurnMembershipId)
	if i < 0 {
		return nil
	}
	m := state.Memberships[i]

	startedAt := now
	if state.Room.CurrentTurnStartedAt != nil {
		startedAt = *state.Room.CurrentTurnStartedAt
	}

	view := &types.CurrentTurn{
		MembershipId: m.Id,
		UserId:       m.UserId,
		StartedAt:    startedAt,
		Warnings:     m.Warnings,
	}

	if limit := ClampTurnSeconds(state.Room.MaxTurnSeconds); limit > 0 {
		dueAt := startedAt.Add(time.Duration(limit) * time.Second)
		view.DueAt = &dueAt
	}

	return view
}

// Holder returns the membership holding the turn.
func Holder(state database.RoomState) (database.Membership, bool) {
	if state.Room.CurrentTurnMembershipId == nil {
		return database.Membership{}, false
	}
	i := indexOf(state.Memberships, *state.Room.CurrentTurnMembershipId)
	if i < 0 {
		return database.Membership{}, false
	}
	return state.Memberships[i], true
}

// MembershipDeltas lists every membership's standing for broadcast payloads.
func MembershipDeltas(state database.RoomState) []types.MembershipStatus {
	return lo.Map(state.Memberships, func(m database.Membership, _ int) types.MembershipStatus {
		return types.MembershipStatus{
			MembershipId: m.Id,
			UserId:       m.UserId,
			Warnings:     m.Warnings,
			IsActive:     m.IsActive,
		}
	})
}

// PointerChanged reports whether the holder or its start time differ.
func PointerChanged(before, after database.RoomState) bool {
	b, a := before.Room, after.Room
	if (b.CurrentTurnMembershipId == nil) != (a.CurrentTurnMembershipId == nil) {
		return true
	}
	if b.CurrentTurnMembershipId != nil && *b.CurrentTurnMembershipId != *a.CurrentTurnMembershipId {
		return true
	}
	if (b.CurrentTurnStartedAt == nil) != (a.CurrentTurnStartedAt == nil) {
		return true
	}
	return b.CurrentTurnStartedAt != nil && !b.CurrentTurnStartedAt.Equal(*a.CurrentTurnStartedAt)
}
