package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/storyroom/internal/config"
	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/server"
	"github.com/npezzotti/storyroom/internal/story"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 16

type StoryApp struct {
	log            *logrus.Logger
	accounts       database.AccountStore
	coord          *story.Coordinator
	hub            *server.Hub
	srv            *http.Server
	validate       *validator.Validate
	signingKey     []byte
	allowedOrigins []string
}

func newValidator() *validator.Validate {
	v := validator.New()
	// report json field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func NewStoryApp(mux *http.ServeMux, logger *logrus.Logger, hub *server.Hub, coord *story.Coordinator, accounts database.AccountStore, cfg *config.Config) *StoryApp {
	s := &StoryApp{
		log:            logger,
		accounts:       accounts,
		coord:          coord,
		hub:            hub,
		validate:       newValidator(),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.HandleFunc("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.HandleFunc("POST /api/rooms/{id}/join", s.authMiddleware(s.joinRoom))
	mux.HandleFunc("POST /api/rooms/{id}/start", s.authMiddleware(s.startRoom))
	mux.HandleFunc("GET /api/rooms/{id}/recap", s.authMiddleware(s.recap))
	mux.HandleFunc("POST /api/rooms/{id}/turns", s.authMiddleware(s.submitTurn))
	mux.HandleFunc("POST /api/rooms/{id}/turns/skip", s.authMiddleware(s.skipTurn))
	mux.HandleFunc("POST /api/rooms/{id}/turn", s.authMiddleware(s.draftTurn))
	mux.HandleFunc("PATCH /api/rooms/{id}/turns/{turnId}/vote", s.authMiddleware(s.vote))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	var h http.Handler = handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", requestIdHeader}),
		handlers.ExposedHeaders([]string{requestIdHeader}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.accessLog(h)
	h = s.requestIdHandler(h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *StoryApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *StoryApp) Start() error {
	s.log.WithField("addr", s.srv.Addr).Info("starting server")
	return s.srv.ListenAndServe()
}

func (s *StoryApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func (s *StoryApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("json encode")
	}
}

func (s *StoryApp) writeError(w http.ResponseWriter, apiErr *ApiError) {
	if apiErr.StatusCode >= http.StatusInternalServerError {
		s.log.WithError(apiErr).Error("request failed")
	}
	s.writeJson(w, apiErr.StatusCode, apiErr)
}

// decodeRequest reads a JSON body into v and validates it.
func (s *StoryApp) decodeRequest(r *http.Request, v any) *ApiError {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return NewBadRequestError()
	}

	if err := s.validate.Struct(v); err != nil {
		return NewValidationError(err)
	}

	return nil
}

func (s *StoryApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Ping(); err != nil {
		s.log.WithError(err).Error("health check failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
