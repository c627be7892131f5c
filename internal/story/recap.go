package story

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/npezzotti/storyroom/internal/types"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

// Recap summarizes a room: its story so far, the best received turn and the
// participants' scores.
func (c *Coordinator) Recap(ctx context.Context, roomId string) (types.Recap, error) {
	room, err := c.GetRoom(ctx, roomId)
	if err != nil {
		return types.Recap{}, err
	}

	return buildRecap(room), nil
}

func buildRecap(room types.Room) types.Recap {
	recap := types.Recap{
		Room: room,
		Scores: lo.Map(room.Participants, func(p types.Participant, _ int) types.ParticipantScore {
			return types.ParticipantScore{Participant: p, Score: p.Score}
		}),
	}

	best := 0
	for i, t := range room.Turns {
		if isDraft(t) {
			continue
		}
		recap.TotalVotes += len(t.Votes)
		if sum := voteSum(t); recap.WinningTurn == nil || sum > best {
			best = sum
			recap.WinningTurn = &room.Turns[i]
		}
	}

	return recap
}

// RenderRecapText writes the recap as plain text: the story in round order
// followed by a score table.
func RenderRecapText(w io.Writer, recap types.Recap) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", recap.Room.Title)
	if recap.Room.Description != "" {
		fmt.Fprintf(&b, "%s\n", recap.Room.Description)
	}
	b.WriteString("\n")

	names := lo.SliceToMap(recap.Room.Participants, func(p types.Participant) (int, string) {
		return p.UserId, p.Username
	})

	for _, t := range recap.Room.Turns {
		if t.Content == "" || isDraft(t) {
			continue
		}
		author := lo.ValueOr(names, t.AuthorId, "Anonymous")
		fmt.Fprintf(&b, "%d. %s (%s)\n", t.Round, t.Content, author)
	}

	if recap.WinningTurn != nil {
		fmt.Fprintf(&b, "\nFan favourite: round %d with %d votes\n", recap.WinningTurn.Round, voteSum(*recap.WinningTurn))
	}
	fmt.Fprintf(&b, "Total votes: %d\n\n", recap.TotalVotes)

	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Participant", "Score", "Warnings", "Active"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, s := range recap.Scores {
		table.Append([]string{
			s.Participant.Username,
			strconv.Itoa(s.Score),
			strconv.Itoa(s.Participant.Warnings),
			strconv.FormatBool(s.Participant.IsActive),
		})
	}
	table.Render()

	return nil
}
