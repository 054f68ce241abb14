package main

import "encoding/json"

// ChatMessage is the frame a widget sends over its chat socket.
type ChatMessage struct {
	ID         string          `json:"id"`
	RequestID  string          `json:"reqid"`
	UserID     string          `json:"userId"`
	TrackingID string          `json:"trackingId,omitempty"`
	Text       string          `json:"text,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// ChatMessageError is pushed back when a guest frame cannot be handled.
type ChatMessageError struct {
	ID        string `json:"messageId,omitempty"`
	RequestID string `json:"reqid,omitempty"`
	Error     string `json:"error"`
}

// AgentEvent is the shape of the events a backend pushes to the widget.
type AgentEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Location is shared by the guest as structured content.
type Location struct {
	Type      string  `json:"type"`
	ID        string  `json:"id"`
	Title     string  `json:"title,omitempty"`
	Address   string  `json:"address,omitempty"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type createChatRequest struct {
	Account    string `json:"account,omitempty"`
	Secret     string `json:"secret,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
	UserID     string `json:"userId"`
}

type createChatResponse struct {
	Path string `json:"path"`
}

// hookMessage is the part of a backend webhook delivery used for routing.
type hookMessage struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Channel   struct {
		To struct {
			ID string `json:"id"`
		} `json:"to"`
	} `json:"channel"`
}
