package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ratings-tracker/internal/api"
	"ratings-tracker/internal/domain"
	"ratings-tracker/internal/middleware"
	"ratings-tracker/internal/service"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type UserService interface {
	AddUser(ctx context.Context, username string) (domain.Record, error)
	GetUser(ctx context.Context, username string) (domain.Record, error)
}

type UserServer struct {
	users  UserService
	logger zerolog.Logger
}

func NewUserServer(users *service.UserService, logger zerolog.Logger) *UserServer {
	return &UserServer{users: users, logger: logger}
}

type observationJSON struct {
	Time  uint64  `json:"time"`
	Value float64 `json:"value"`
}

type userJSON struct {
	Key               string                       `json:"key"`
	DisplayName       string                       `json:"displayName"`
	RatingsByCategory map[string][]observationJSON `json:"ratingsByCategory"`
}

type errorJSON struct {
	Error string `json:"error"`
}

// Handler wires the user routes with request ids and CORS.
func (s *UserServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /users/{username}", s.addUser)
	mux.HandleFunc("GET /users/{username}", s.getUser)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	return middleware.RequestID(s.logger)(c.Handler(mux))
}

func (s *UserServer) addUser(w http.ResponseWriter, r *http.Request) {
	rec, err := s.users.AddUser(r.Context(), r.PathValue("username"))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(rec))
}

func (s *UserServer) getUser(w http.ResponseWriter, r *http.Request) {
	rec, err := s.users.GetUser(r.Context(), r.PathValue("username"))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(rec))
}

func (s *UserServer) writeError(r *http.Request, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidUsername):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrAlreadyAdded):
		status = http.StatusConflict
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, api.ErrNotRegistered):
		status = http.StatusNotFound
	case errors.Is(err, api.ErrTransient):
		status = http.StatusBadGateway
	}

	zerolog.Ctx(r.Context()).Warn().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, status, errorJSON{Error: err.Error()})
}

func toJSON(rec domain.Record) userJSON {
	out := userJSON{
		Key:               rec.Key,
		DisplayName:       rec.DisplayName,
		RatingsByCategory: make(map[string][]observationJSON, len(rec.History)),
	}
	for category, obs := range rec.History {
		list := make([]observationJSON, len(obs))
		for i, o := range obs {
			list[i] = observationJSON{Time: o.Time, Value: o.Value}
		}
		out.RatingsByCategory[category] = list
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
