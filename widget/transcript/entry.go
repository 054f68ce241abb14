// Package transcript turns the events a chat backend pushes over the
// widget socket into uniform transcript entries.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosuda/portal-chat-widget/widget/shortid"
)

// Senders
const (
	FromGuest = "guest"
	FromAgent = "agent"
)

// Entry types
const (
	TypeText         = "text"
	TypeAudio        = "audio"
	TypeFile         = "file"
	TypeImage        = "image"
	TypeTemplate     = "template"
	TypeVideo        = "video"
	TypeLocation     = "location"
	TypeError        = "error"
	TypeUploadStatus = "uploadStatus"
)

// Delivery states of guest entries.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDisplayed = "displayed"
)

// ErrMalformedEvent is returned for frames that are not JSON events.
var ErrMalformedEvent = errors.New("transcript: malformed event")

// Entry is one line of the transcript.
type Entry struct {
	ID          string    `json:"id"`
	ReqID       string    `json:"reqid"`
	From        string    `json:"from"`
	Type        string    `json:"type"`
	Status      string    `json:"status,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Content     any       `json:"content,omitempty"`
	Tooltip     string    `json:"tooltip,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Actions     []Action  `json:"actions,omitempty"`

	// MessageID names the guest entry an uploadStatus event refers to.
	MessageID string `json:"messageId,omitempty"`
}

// Text returns the content as a string when it is one.
func (e Entry) Text() string {
	if s, ok := e.Content.(string); ok {
		return s
	}
	return ""
}

// Event is the envelope of a frame received from the backend.
type Event struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type,omitempty"`
	Error       string          `json:"error,omitempty"`
	Text        string          `json:"text,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Actions     []Action        `json:"actions,omitempty"`
}

// Normalize decodes a backend frame into a transcript entry stamped with now.
//
// Incoming events carry a full identifier, not a short one, so the entry ID
// is derived from it. Events without an identifier get a fresh one.
func Normalize(raw []byte, now time.Time) (Entry, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	entry := Entry{
		From:      FromAgent,
		Tooltip:   string(raw),
		Timestamp: now,
	}
	entry.ReqID, entry.ID = identify(ev.ID)

	if ev.Error != "" {
		entry.Type = TypeError
		entry.Content = ev.Error
		return entry, nil
	}

	entry.Actions = ev.Actions
	kind := strings.ToLower(ev.Type)
	if handle, ok := dispatch[kind]; ok {
		handle(&entry, ev, raw)
		return entry, nil
	}
	entry.Type = TypeText
	entry.Content = "Not Implemented: \n" + ev.Type
	return entry, nil
}

type handler func(entry *Entry, ev Event, raw []byte)

// dispatch is keyed by the lowercased event type.
var dispatch = map[string]handler{
	"text": func(entry *Entry, ev Event, _ []byte) {
		entry.Type = TypeText
		entry.Content = ev.Text
	},
	"audio":    whole(TypeAudio),
	"image":    whole(TypeImage),
	"template": whole(TypeTemplate),
	"video":    whole(TypeVideo),
	"file": func(entry *Entry, ev Event, raw []byte) {
		whole(TypeFile)(entry, ev, raw)
		entry.ContentType = ev.ContentType
	},
	"uploadstatus": func(entry *Entry, ev Event, _ []byte) {
		entry.Type = TypeUploadStatus
		entry.MessageID = ev.MessageID
		entry.ContentType = ev.MimeType
		if len(ev.Content) > 0 {
			entry.Content = ev.Content
		}
	},
}

func whole(kind string) handler {
	return func(entry *Entry, _ Event, raw []byte) {
		entry.Type = kind
		entry.Content = json.RawMessage(append([]byte(nil), raw...))
	}
}

// identify returns the request id and its short form. Ids that are not
// UUIDs are kept as request ids but get a short form from a fresh one.
func identify(id string) (reqID, shortID string) {
	if id == "" {
		return shortid.New()
	}
	if s, err := shortid.EncodeString(id); err == nil {
		return id, s
	}
	_, s := shortid.New()
	return id, s
}

// TrackingID returns the id a video entry reports back once watched. It is
// read from the frame or from its content.
func (e Entry) TrackingID() string {
	raw, ok := e.Content.(json.RawMessage)
	if !ok {
		return ""
	}
	var frame struct {
		TrackingID string          `json:"trackingId"`
		Content    json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ""
	}
	if frame.TrackingID != "" || len(frame.Content) == 0 {
		return frame.TrackingID
	}
	var inner struct {
		TrackingID string `json:"trackingId"`
	}
	_ = json.Unmarshal(frame.Content, &inner)
	return inner.TrackingID
}
