package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	roomColumns = "id, external_id, title, description, host_id, status, max_words, max_sentences, " +
		"forbidden_words, rhyme_target, max_turn_seconds, max_warnings, prompts, " +
		"current_turn_membership_id, current_turn_started_at, created_at, updated_at"

	createMembershipQuery = "INSERT INTO memberships (account_id, room_id, is_host, joined_at) " +
		"VALUES ($1, $2, $3, $4) RETURNING id, account_id, room_id, is_host, joined_at, warnings, is_active, kicked_at"
)

func (db *PgStoryRepository) CreateAccount(accountParams CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, username, email, created_at, updated_at",
		accountParams.Username,
		accountParams.EmailAddress,
		accountParams.PasswordHash,
		now,
		now,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, translateError(err)
}

func (db *PgStoryRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, translateError(err)
}

func (db *PgStoryRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, translateError(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var (
		room          Room
		status        string
		currentMember sql.NullInt64
		currentStart  sql.NullTime
	)

	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Title,
		&room.Description,
		&room.HostId,
		&status,
		&room.MaxWords,
		&room.MaxSentences,
		pq.Array(&room.ForbiddenWords),
		&room.RhymeTarget,
		&room.MaxTurnSeconds,
		&room.MaxWarnings,
		pq.Array(&room.Prompts),
		&currentMember,
		&currentStart,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	room.Status = RoomStatus(status)
	if currentMember.Valid {
		id := int(currentMember.Int64)
		room.CurrentTurnMembershipId = &id
	}
	if currentStart.Valid {
		at := currentStart.Time
		room.CurrentTurnStartedAt = &at
	}

	return room, nil
}

func scanMembership(row rowScanner, withUsername bool) (Membership, error) {
	var (
		m        Membership
		kickedAt sql.NullTime
	)

	dest := []any{&m.Id, &m.UserId, &m.RoomId, &m.IsHost, &m.JoinedAt, &m.Warnings, &m.IsActive, &kickedAt}
	if withUsername {
		dest = append(dest, &m.Username)
	}

	if err := row.Scan(dest...); err != nil {
		return Membership{}, err
	}

	if kickedAt.Valid {
		at := kickedAt.Time
		m.KickedAt = &at
	}

	return m, nil
}

// pgTx implements TurnTx on top of one database transaction.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LoadRoomState(ctx context.Context, externalId string) (*RoomState, error) {
	// lock the room row so concurrent turn operations queue behind this one
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = $1 FOR UPDATE",
		externalId,
	)

	room, err := scanRoom(row)
	if err != nil {
		return nil, translateError(err)
	}

	rows, err := t.tx.QueryContext(ctx,
		"SELECT m.id, m.account_id, m.room_id, m.is_host, m.joined_at, m.warnings, m.is_active, m.kicked_at, a.username "+
			"FROM memberships m JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.room_id = $1 ORDER BY m.joined_at ASC, m.id ASC",
		room.Id,
	)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	state := &RoomState{Room: room, Memberships: make([]Membership, 0)}
	for rows.Next() {
		m, err := scanMembership(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		state.Memberships = append(state.Memberships, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return state, nil
}

func (t *pgTx) UpdateRoomTurnPointer(ctx context.Context, roomId int, membershipId *int, startedAt *time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE rooms SET current_turn_membership_id = $2, current_turn_started_at = $3, updated_at = $4 WHERE id = $1",
		roomId,
		membershipId,
		startedAt,
		time.Now().UTC(),
	)

	return err
}

func (t *pgTx) IncrementMembershipWarning(ctx context.Context, membershipId int, deactivate bool, at time.Time) (Membership, error) {
	row := t.tx.QueryRowContext(ctx,
		"UPDATE memberships SET warnings = warnings + 1, "+
			"is_active = CASE WHEN $2 THEN FALSE ELSE is_active END, "+
			"kicked_at = CASE WHEN $2 THEN $3 ELSE kicked_at END "+
			"WHERE id = $1 "+
			"RETURNING id, account_id, room_id, is_host, joined_at, warnings, is_active, kicked_at",
		membershipId,
		deactivate,
		at,
	)

	m, err := scanMembership(row, false)
	return m, translateError(err)
}

func (t *pgTx) CreateTurn(ctx context.Context, params CreateTurnParams) (Turn, error) {
	row := t.tx.QueryRowContext(ctx,
		"INSERT INTO turns (room_id, author_id, round, prompt, content, started_at, ended_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"RETURNING id, room_id, author_id, round, prompt, content, started_at, ended_at",
		params.RoomId,
		params.AuthorId,
		params.Round,
		params.Prompt,
		params.Content,
		params.StartedAt,
		params.EndedAt,
	)

	turn, err := scanTurn(row)
	if err != nil {
		return Turn{}, translateError(err)
	}
	turn.Votes = make([]Vote, 0)

	return turn, nil
}

func (t *pgTx) CreateDraftTurn(ctx context.Context, params CreateDraftTurnParams) (Turn, error) {
	row := t.tx.QueryRowContext(ctx,
		"INSERT INTO turns (room_id, author_id, round, prompt, started_at) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, room_id, author_id, round, prompt, content, started_at, ended_at",
		params.RoomId,
		params.AuthorId,
		params.Round,
		params.Prompt,
		params.StartedAt,
	)

	turn, err := scanTurn(row)
	if err != nil {
		return Turn{}, translateError(err)
	}
	turn.Votes = make([]Vote, 0)

	return turn, nil
}

func (t *pgTx) UpdateTurn(ctx context.Context, params UpdateTurnParams) (Turn, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE turns SET content = COALESCE($3, content), ended_at = COALESCE($4, ended_at) "+
			"WHERE room_id = $1 AND id = $2",
		params.RoomId,
		params.TurnId,
		params.Content,
		params.EndedAt,
	)
	if err != nil {
		return Turn{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Turn{}, ErrNotFound
	}

	return t.GetTurn(ctx, params.RoomId, params.TurnId)
}

func (t *pgTx) MaxRoundForRoom(ctx context.Context, roomId int) (int, error) {
	var max int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(round), 0) FROM turns WHERE room_id = $1",
		roomId,
	).Scan(&max)

	return max, err
}

func (t *pgTx) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()
	row := t.tx.QueryRowContext(ctx,
		"INSERT INTO rooms (external_id, title, description, host_id, status, max_words, max_sentences, "+
			"forbidden_words, rhyme_target, max_turn_seconds, max_warnings, prompts, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING "+roomColumns,
		params.ExternalId,
		params.Title,
		params.Description,
		params.HostId,
		string(RoomStatusPending),
		params.MaxWords,
		params.MaxSentences,
		pq.Array(params.ForbiddenWords),
		params.RhymeTarget,
		params.MaxTurnSeconds,
		params.MaxWarnings,
		pq.Array(params.Prompts),
		now,
		now,
	)

	room, err := scanRoom(row)
	return room, translateError(err)
}

func (t *pgTx) SetRoomStatus(ctx context.Context, roomId int, status RoomStatus) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE rooms SET status = $2, updated_at = $3 WHERE id = $1",
		roomId,
		string(status),
		time.Now().UTC(),
	)

	return err
}

func (t *pgTx) ListRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT r.id, r.external_id, r.title, r.description, r.host_id, r.status, r.max_words, r.max_sentences, "+
			"r.forbidden_words, r.rhyme_target, r.max_turn_seconds, r.max_warnings, r.prompts, "+
			"r.current_turn_membership_id, r.current_turn_started_at, r.created_at, r.updated_at "+
			"FROM memberships m JOIN rooms r ON r.id = m.room_id "+
			"WHERE m.account_id = $1 ORDER BY r.created_at DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (t *pgTx) CreateMembership(ctx context.Context, roomId, userId int, isHost bool, at time.Time) (Membership, error) {
	row := t.tx.QueryRowContext(ctx, createMembershipQuery, userId, roomId, isHost, at)

	m, err := scanMembership(row, false)
	return m, translateError(err)
}

func scanTurn(row rowScanner) (Turn, error) {
	var (
		turn     Turn
		authorId sql.NullInt64
		content  sql.NullString
		endedAt  sql.NullTime
	)

	err := row.Scan(
		&turn.Id,
		&turn.RoomId,
		&authorId,
		&turn.Round,
		&turn.Prompt,
		&content,
		&turn.StartedAt,
		&endedAt,
	)
	if err != nil {
		return Turn{}, err
	}

	if authorId.Valid {
		id := int(authorId.Int64)
		turn.AuthorId = &id
	}
	if content.Valid {
		c := content.String
		turn.Content = &c
	}
	if endedAt.Valid {
		at := endedAt.Time
		turn.EndedAt = &at
	}

	return turn, nil
}

func (t *pgTx) ListTurns(ctx context.Context, roomId int) ([]Turn, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, room_id, author_id, round, prompt, content, started_at, ended_at "+
			"FROM turns WHERE room_id = $1 ORDER BY round ASC",
		roomId,
	)
	if err != nil {
		return nil, err
	}

	turns := make([]Turn, 0)
	index := make(map[int]int)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Votes = make([]Vote, 0)
		index[turn.Id] = len(turns)
		turns = append(turns, turn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	voteRows, err := t.tx.QueryContext(ctx,
		"SELECT v.turn_id, v.voter_id, v.value FROM votes v JOIN turns t ON t.id = v.turn_id "+
			"WHERE t.room_id = $1 ORDER BY v.turn_id, v.voter_id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer voteRows.Close()

	for voteRows.Next() {
		var v Vote
		if err := voteRows.Scan(&v.TurnId, &v.VoterId, &v.Value); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		if i, ok := index[v.TurnId]; ok {
			turns[i].Votes = append(turns[i].Votes, v)
		}
	}

	return turns, voteRows.Err()
}

func (t *pgTx) GetTurn(ctx context.Context, roomId, turnId int) (Turn, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT id, room_id, author_id, round, prompt, content, started_at, ended_at "+
			"FROM turns WHERE id = $1 AND room_id = $2",
		turnId,
		roomId,
	)

	turn, err := scanTurn(row)
	if err != nil {
		return Turn{}, translateError(err)
	}

	rows, err := t.tx.QueryContext(ctx,
		"SELECT turn_id, voter_id, value FROM votes WHERE turn_id = $1 ORDER BY voter_id",
		turnId,
	)
	if err != nil {
		return Turn{}, err
	}
	defer rows.Close()

	turn.Votes = make([]Vote, 0)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.TurnId, &v.VoterId, &v.Value); err != nil {
			return Turn{}, fmt.Errorf("scan vote: %w", err)
		}
		turn.Votes = append(turn.Votes, v)
	}

	return turn, rows.Err()
}

func (t *pgTx) UpsertVote(ctx context.Context, turnId, voterId, value int) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO votes (turn_id, voter_id, value) VALUES ($1, $2, $3) "+
			"ON CONFLICT (turn_id, voter_id) DO UPDATE SET value = EXCLUDED.value",
		turnId,
		voterId,
		value,
	)

	return err
}

func (t *pgTx) DeleteVote(ctx context.Context, turnId, voterId int) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM votes WHERE turn_id = $1 AND voter_id = $2",
		turnId,
		voterId,
	)

	return err
}
