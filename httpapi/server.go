// Package httpapi exposes the HTTP surface around the chat core: account
// registration and login, room creation, the doctor's room claim, encrypted
// history pages, the websocket upgrade route, and operational endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/telavida/medichat-go/core/roomcrypto"
	"github.com/telavida/medichat-go/core/store"
	"github.com/telavida/medichat-go/core/token"
)

// Config holds the configuration for the HTTP server.
type Config struct {
	// Rooms, Messages and Accounts are the backing stores. All are required.
	Rooms    store.RoomStore
	Messages store.MessageStore
	Accounts store.AccountStore

	// Tokens mints and verifies bearer tokens. Required.
	Tokens *token.Verifier

	// Socket handles the websocket upgrade route. Optional; when nil the
	// /ws route is not mounted.
	Socket http.Handler

	// Metrics handles the metrics route. Optional.
	Metrics http.Handler

	// CORSOrigin, when set, is echoed as the allowed origin on API
	// responses. Empty allows any origin.
	CORSOrigin string

	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Server is the HTTP API. It is an http.Handler.
type Server struct {
	cfg Config
	log *slog.Logger
	mux *http.ServeMux
}

// New creates the server and mounts its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger.WithGroup("http"),
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	s.mux.HandleFunc("POST /api/rooms/{id}/join", s.handleJoinRoom)
	s.mux.HandleFunc("GET /api/rooms/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Socket != nil {
		s.mux.Handle("GET /ws", cfg.Socket)
	}
	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", cfg.Metrics)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Kind     string `json:"kind"`
}

type authResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
	Email string `json:"email"`
	Kind  string `json:"kind"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := validateCredentials(req); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.internal(w, "hashing password", err)
		return
	}

	acct, err := s.cfg.Accounts.CreateAccount(r.Context(), req.Kind, req.Email, string(digest))
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			s.fail(w, http.StatusConflict, "email already registered")
			return
		}
		s.internal(w, "creating account", err)
		return
	}

	s.issueToken(w, req.Kind, acct, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := validateCredentials(req); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := s.cfg.Accounts.GetByEmail(r.Context(), req.Kind, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			s.fail(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internal(w, "loading account", err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordDigest), []byte(req.Password)) != nil {
		s.fail(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.issueToken(w, req.Kind, acct, http.StatusOK)
}

func (s *Server) issueToken(w http.ResponseWriter, kind string, acct *store.Account, status int) {
	bearer, err := s.cfg.Tokens.Mint(kind, acct.ID, acct.Email)
	if err != nil {
		s.internal(w, "minting token", err)
		return
	}
	s.respond(w, status, authResponse{
		Token: bearer,
		ID:    acct.ID,
		Email: acct.Email,
		Kind:  kind,
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.cfg.Rooms.Create(r.Context())
	if err != nil {
		s.internal(w, "creating room", err)
		return
	}
	s.log.Info("room created", "room", room.ID)
	s.respond(w, http.StatusCreated, map[string]string{"id": room.ID})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if _, err := s.cfg.Rooms.Get(r.Context(), roomID); err != nil {
		s.roomErr(w, err)
		return
	}

	// Patients join anonymously: no bearer means no slot to claim.
	bearer := bearerFrom(r)
	if bearer == "" {
		s.respond(w, http.StatusOK, map[string]string{"room_id": roomID, "role": "patient"})
		return
	}

	claims, err := s.cfg.Tokens.Verify(bearer)
	if err != nil {
		s.fail(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if claims.Kind != token.KindDoctor {
		s.respond(w, http.StatusOK, map[string]string{"room_id": roomID, "role": "patient"})
		return
	}

	if err := s.cfg.Rooms.ClaimDoctor(r.Context(), roomID, claims.ID); err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			s.fail(w, http.StatusConflict, "room already has a doctor assigned")
			return
		}
		s.internal(w, "claiming room", err)
		return
	}
	s.log.Info("doctor claimed room", "room", roomID, "doctor", claims.ID)
	s.respond(w, http.StatusOK, map[string]string{"room_id": roomID, "role": "doctor"})
}

type messageResponse struct {
	ID                string `json:"id"`
	SenderRole        string `json:"sender_role"`
	SenderID          string `json:"sender_id,omitempty"`
	Content           string `json:"content"`
	TranslatedContent string `json:"translated_content,omitempty"`
	Language          string `json:"language"`
	TargetLanguage    string `json:"target_language"`
	Timestamp         int64  `json:"timestamp"`
	IsAudioOrigin     bool   `json:"is_audio_origin"`
}

// handleMessages serves decrypted history pages. Only the room's claiming
// doctor may read history over HTTP; patients receive messages live on the
// socket and hold no credential to authorize against.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	claims, err := s.cfg.Tokens.Verify(bearerFrom(r))
	if err != nil || claims.Kind != token.KindDoctor {
		s.fail(w, http.StatusUnauthorized, "doctor token required")
		return
	}

	room, err := s.cfg.Rooms.Get(r.Context(), roomID)
	if err != nil {
		s.roomErr(w, err)
		return
	}
	if room.DoctorID != claims.ID {
		s.fail(w, http.StatusForbidden, "doctor does not hold this room")
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	msgs, err := s.cfg.Messages.Page(r.Context(), roomID, room.CipherKey, limit, offset)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidPage):
			s.fail(w, http.StatusBadRequest, "limit or offset out of range")
		case errors.Is(err, roomcrypto.ErrUndecryptable), errors.Is(err, roomcrypto.ErrMalformedBody):
			s.log.Error("paging messages", "room", roomID, "error", err)
			s.fail(w, http.StatusInternalServerError, "stored messages cannot be decrypted")
		default:
			s.internal(w, "paging messages", err)
		}
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:                m.ID,
			SenderRole:        string(m.SenderRole),
			SenderID:          m.SenderID,
			Content:           m.Content,
			TranslatedContent: m.TranslatedContent,
			Language:          m.Language,
			TargetLanguage:    m.TargetLanguage,
			Timestamp:         m.Timestamp.UnixMilli(),
			IsAudioOrigin:     m.IsAudioOrigin,
		})
	}
	s.respond(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validateCredentials(req credentialsRequest) error {
	if req.Kind != token.KindUser && req.Kind != token.KindDoctor {
		return errors.New("kind must be user or doctor")
	}
	if !strings.Contains(req.Email, "@") {
		return errors.New("email is invalid")
	}
	if len(req.Password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.fail(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

func (s *Server) internal(w http.ResponseWriter, what string, err error) {
	s.log.Error(what, "error", err)
	s.fail(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) roomErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrRoomNotFound) {
		s.fail(w, http.StatusNotFound, "room not found")
		return
	}
	s.internal(w, "loading room", err)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func bearerFrom(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
