package api

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/storyroom/internal/server"
	"github.com/npezzotti/storyroom/internal/story"
	"github.com/npezzotti/storyroom/internal/types"
)

type CreateRoomRequest struct {
	Title          string   `json:"title" validate:"required,max=120"`
	Description    string   `json:"description" validate:"max=500"`
	MaxWords       int      `json:"max_words" validate:"gte=0,lte=500"`
	MaxSentences   int      `json:"max_sentences" validate:"gte=0,lte=50"`
	ForbiddenWords []string `json:"forbidden_words" validate:"max=100,dive,max=64"`
	RhymeTarget    string   `json:"rhyme_target" validate:"max=64"`
	MaxTurnSeconds int      `json:"max_turn_seconds" validate:"gte=0"`
	MaxWarnings    int      `json:"max_warnings" validate:"gte=0,lte=20"`
	Prompts        []string `json:"prompts" validate:"max=50,dive,max=280"`
}

type StartRoomRequest struct {
	Duration *int `json:"duration" validate:"omitempty,gte=0"`
}

type SubmitTurnRequest struct {
	Content string `json:"content"`
	Prompt  string `json:"prompt" validate:"max=280"`
}

// DraftTurnRequest drives a turn through propose, validate and publish.
type DraftTurnRequest struct {
	Action  string `json:"action" validate:"required,oneof=propose validate publish"`
	Round   int    `json:"round" validate:"gte=0"`
	Prompt  string `json:"prompt" validate:"required_if=Action propose,max=280"`
	Content string `json:"content"`
	TurnId  int    `json:"turn_id" validate:"required_unless=Action propose"`
}

type VoteRequest struct {
	Value *int `json:"value" validate:"required"`
}

// actor returns the authenticated user id, writing a 401 when it is missing.
func (s *StoryApp) actor(w http.ResponseWriter, r *http.Request) (int, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
	}
	return userId, ok
}

func (s *StoryApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	room, err := s.coord.CreateRoom(r.Context(), userId, story.CreateRoomParams{
		Title:          req.Title,
		Description:    req.Description,
		MaxWords:       req.MaxWords,
		MaxSentences:   req.MaxSentences,
		ForbiddenWords: req.ForbiddenWords,
		RhymeTarget:    req.RhymeTarget,
		MaxTurnSeconds: req.MaxTurnSeconds,
		MaxWarnings:    req.MaxWarnings,
		Prompts:        req.Prompts,
	})
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *StoryApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	rooms, err := s.coord.ListRooms(r.Context(), userId)
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *StoryApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.coord.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *StoryApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	membership, err := s.coord.JoinRoom(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, http.StatusOK, membership)
}

func (s *StoryApp) startRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	var req StartRoomRequest
	if r.ContentLength != 0 {
		if apiErr := s.decodeRequest(r, &req); apiErr != nil {
			s.writeError(w, apiErr)
			return
		}
	}

	started, err := s.coord.StartRoom(r.Context(), userId, r.PathValue("id"), req.Duration)
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, http.StatusOK, started)
}

func (s *StoryApp) recap(w http.ResponseWriter, r *http.Request) {
	recap, err := s.coord.Recap(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	if r.URL.Query().Get("format") == "txt" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := story.RenderRecapText(w, recap); err != nil {
			s.log.WithError(err).Error("render recap")
		}
		return
	}

	s.writeJson(w, http.StatusOK, recap)
}

func (s *StoryApp) submitTurn(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	var req SubmitTurnRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	res, err := s.coord.SubmitTurn(r.Context(), userId, r.PathValue("id"), story.SubmitParams{
		Content: req.Content,
		Prompt:  req.Prompt,
	})
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, res)
}

func (s *StoryApp) skipTurn(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	res, err := s.coord.SkipTurn(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func (s *StoryApp) draftTurn(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	var req DraftTurnRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	var (
		turn   types.Turn
		err    error
		status = http.StatusOK
		roomId = r.PathValue("id")
	)
	switch req.Action {
	case "propose":
		turn, err = s.coord.ProposeTurn(r.Context(), userId, roomId, story.ProposeParams{
			Round:  req.Round,
			Prompt: req.Prompt,
		})
		status = http.StatusCreated
	case "validate":
		turn, err = s.coord.ValidateTurn(r.Context(), userId, roomId, req.TurnId, req.Content)
	case "publish":
		turn, err = s.coord.PublishTurn(r.Context(), userId, roomId, req.TurnId, req.Content)
	}
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, status, turn)
}

func (s *StoryApp) vote(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	turnId, err := strconv.Atoi(r.PathValue("turnId"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var req VoteRequest
	if apiErr := s.decodeRequest(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	turn, err := s.coord.Vote(r.Context(), userId, r.PathValue("id"), turnId, *req.Value)
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	s.writeJson(w, http.StatusOK, turn)
}

func (s *StoryApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.actor(w, r)
	if !ok {
		return
	}

	roomId := r.URL.Query().Get("room_id")
	if roomId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	user, err := s.accounts.GetAccountById(userId)
	if err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	if _, err := s.coord.GetRoom(r.Context(), roomId); err != nil {
		s.writeError(w, fromStoryError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("error upgrading connection")
		return
	}

	client := server.NewClient(toUser(user), roomId, conn, s.hub, s.log)
	if !s.hub.RegisterClient(client) {
		conn.Close()
		return
	}
	go client.Write()
	go client.Read()
}
