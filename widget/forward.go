package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dghubble/sling"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat-widget/widget/shortid"
	"github.com/gosuda/portal-chat-widget/widget/transcript"
)

// Forwarder delivers guest messages to the messaging backend. reply pushes
// a frame straight back to the widget that sent m.
type Forwarder interface {
	Forward(ctx context.Context, m ChatMessage, reply func([]byte) bool) error
}

// echoForwarder stands in for a backend in demo mode: every guest message
// is answered by an agent text event.
type echoForwarder struct{}

func (echoForwarder) Forward(_ context.Context, m ChatMessage, reply func([]byte) bool) error {
	var text string
	switch {
	case m.TrackingID != "":
		text = fmt.Sprintf("Video %s played", m.TrackingID)
	case len(m.Content) > 0:
		var content struct {
			Type      string  `json:"type"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		// quick replies carry plain JSON data next to their text
		err := json.Unmarshal(m.Content, &content)
		switch {
		case err == nil && content.Type == transcript.TypeLocation:
			text = fmt.Sprintf("Location received: %.6f,%.6f", content.Latitude, content.Longitude)
		case err == nil && content.Type != "":
			text = fmt.Sprintf("Received %s", content.Type)
		case m.Text != "":
			text = "echo: " + m.Text
		case err != nil:
			return fmt.Errorf("decode content: %w", err)
		default:
			text = "Received content"
		}
	case m.Text != "":
		text = "echo: " + m.Text
	default:
		return nil
	}
	payload, err := json.Marshal(AgentEvent{ID: shortid.Generate(), Type: transcript.TypeText, Text: text})
	if err != nil {
		return err
	}
	reply(payload)
	return nil
}

// httpForwarder posts guest messages to the backend URL, signed with the
// webhook token so the backend can authenticate the relay.
type httpForwarder struct {
	api   *sling.Sling
	token string
}

func newHTTPForwarder(url, token string, client *http.Client) *httpForwarder {
	api := sling.New().Post(url)
	if client != nil {
		api = api.Client(client)
	}
	return &httpForwarder{api: api, token: token}
}

func (f *httpForwarder) Forward(ctx context.Context, m ChatMessage, _ func([]byte) bool) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := f.api.New().
		Set("Content-Type", "application/json").
		Set(signatureHeader, signaturePrefix+sign(f.token, payload)).
		Body(bytes.NewReader(payload)).
		Request()
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.api.Do(req.WithContext(ctx), nil, nil)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post message: backend replied %s", resp.Status)
	}
	log.Debug().Str("message", m.ID).Int("status", resp.StatusCode).Msg("[chat] backend accepted message")
	return nil
}
