package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
	maxHookBody     = 1 << 20
)

// sign returns the base64 HMAC-SHA256 of body keyed by token.
func sign(token string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(token))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifySignature(token, header string, body []byte) bool {
	if header == "" {
		return false
	}
	got := strings.TrimPrefix(header, signaturePrefix)
	return hmac.Equal([]byte(got), []byte(sign(token, body)))
}

// handleHook receives backend deliveries and pushes them to the chat they
// belong to. Without a token every delivery is refused.
func handleHook(w http.ResponseWriter, r *http.Request, s *chatServer, token string) {
	defer r.Body.Close()
	if token == "" {
		log.Warn().Msg("[chat] hook refused, no webhook token configured")
		writeError(w, http.StatusForbidden, "webhook disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		log.Warn().Err(err).Msg("[chat] read hook body")
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !verifySignature(token, r.Header.Get(signatureHeader), body) {
		log.Warn().Str("signature", r.Header.Get(signatureHeader)).Msg("[chat] hook signature rejected")
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	var m hookMessage
	if err := json.Unmarshal(body, &m); err != nil {
		log.Warn().Err(err).Msg("[chat] malformed hook message")
		writeError(w, http.StatusBadRequest, "malformed message")
		return
	}

	c, err := routeHook(s, m)
	if err != nil {
		log.Warn().Err(err).Str("user", m.Channel.To.ID).Msg("[chat] no chat for hook message")
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	if !c.Push(body) {
		writeError(w, http.StatusGone, "chat closed")
		return
	}
	log.Info().Str("chat", c.String()).Str("message", m.ID).Msg("[chat] backend message delivered")
	writeJSON(w, http.StatusOK, struct{}{})
}

// routeHook prefers the chat owning the guest message a delivery refers to
// (upload status, receipts) over the addressed user's chat.
func routeHook(s *chatServer, m hookMessage) (*chat, error) {
	if m.MessageID != "" {
		if c, err := s.FindChatByMessageID(m.MessageID); err == nil {
			return c, nil
		}
	}
	return s.FindChatByUserID(m.Channel.To.ID)
}
