package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const maxCreateBody = 16 << 10

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// NewHandler builds the relay router: chat creation, chat sockets and the
// backend webhook.
func NewHandler(s *chatServer, webhookToken string) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/chat", func(w http.ResponseWriter, r *http.Request) { handleCreateChat(w, r, s) })
	r.Get("/chat/ws/{chatid}", func(w http.ResponseWriter, r *http.Request) { handleChatSocket(w, r, s) })
	r.Post("/hook", func(w http.ResponseWriter, r *http.Request) { handleHook(w, r, s, webhookToken) })
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("path", r.URL.Path).Msg("[chat] route not found")
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func handleCreateChat(w http.ResponseWriter, r *http.Request, s *chatServer) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req createChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Debug().Err(err).Msg("[chat] malformed create request")
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	req.UserID = sanitizeText(req.UserID, maxUserIDLen)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	c := s.CreateChat(req.UserID)
	writeJSON(w, http.StatusOK, createChatResponse{Path: "/chat/ws/" + c.ID.String()})
}

func handleChatSocket(w http.ResponseWriter, r *http.Request, s *chatServer) {
	id, err := uuid.Parse(chi.URLParam(r, "chatid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "chat id is not a uuid")
		return
	}
	c, err := s.FindChatByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if !c.Available() {
		writeError(w, http.StatusConflict, "chat already connected")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("chat", c.String()).Msg("[chat] upgrade failed")
		return
	}
	if err := c.Serve(conn); err != nil {
		if errors.Is(err, ErrChatBusy) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "chat already connected"))
		}
		_ = conn.Close()
		return
	}
	log.Info().Str("chat", c.String()).Msg("[chat] widget connected")
}

// writeJSON encodes v without HTML escaping so guest text reaches the
// widget unchanged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Debug().Err(err).Msg("[chat] write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}
