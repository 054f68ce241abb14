package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dghubble/sling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat-widget/widget/shortid"
	"github.com/gosuda/portal-chat-widget/widget/transcript"
)

var (
	// ErrNotStarted is returned by the send operations before Start.
	ErrNotStarted = errors.New("chat is not started")
	// ErrMissingTrackingID is returned when a played video has no tracking id.
	ErrMissingTrackingID = errors.New("video tracking id is empty")
	// ErrUnknownEntry is returned for ids missing from the transcript.
	ErrUnknownEntry = errors.New("no such transcript entry")
	// ErrNotVideo is returned when playback targets a non-video entry.
	ErrNotVideo = errors.New("entry is not a video")
	// ErrNotPlaying is returned when pausing or ending a video never played.
	ErrNotPlaying = errors.New("video is not playing")
)

// ClientConfig configures a widget session.
type ClientConfig struct {
	// URL is the base URL of the relay, e.g. http://127.0.0.1:3000.
	URL        string
	UserID     string
	Account    string
	Secret     string
	WebhookURL string

	HTTPClient *http.Client
	// OnEntry is called for every appended or updated transcript entry.
	OnEntry func(transcript.Entry)
}

// Client is the guest side of a chat: it opens the session, keeps the
// transcript and relays guest input to the relay socket.
type Client struct {
	cfg        ClientConfig
	transcript *transcript.Transcript
	now        func() time.Time

	chatID  string
	conn    *websocket.Conn
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	videoMu sync.Mutex
	videos  map[string]*transcript.Playback // by entry id
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		transcript: transcript.New(),
		now:        time.Now,
		done:       make(chan struct{}),
		videos:     map[string]*transcript.Playback{},
	}
}

func (c *Client) ChatID() string { return c.chatID }
func (c *Client) Transcript() *transcript.Transcript { return c.transcript }

// Done is closed when the chat socket is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Start creates the chat on the relay and connects its socket.
func (c *Client) Start(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	base := strings.TrimRight(c.cfg.URL, "/")
	req, err := sling.New().Post(base + "/chat").BodyJSON(createChatRequest{
		Account:    c.cfg.Account,
		Secret:     c.cfg.Secret,
		WebhookURL: c.cfg.WebhookURL,
		UserID:     c.cfg.UserID,
	}).Request()
	if err != nil {
		return fmt.Errorf("build create chat request: %w", err)
	}
	var created createChatResponse
	var failure struct {
		Error string `json:"error"`
	}
	resp, err := sling.New().Client(c.cfg.HTTPClient).Do(req.WithContext(ctx), &created, &failure)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create chat: %s: %s", resp.Status, failure.Error)
	}

	wsURL, err := socketURL(base, created.Path)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	c.chatID = path.Base(created.Path)
	c.conn = conn
	log.Info().Str("chat", c.chatID).Str("user", c.cfg.UserID).Msg("[widget] chat started")

	go c.readLoop()
	return nil
}

// socketURL maps the relay base URL onto the ws scheme.
func socketURL(base, p string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = p
	return u.String(), nil
}

// SendText appends a guest entry and sends it. Empty text is ignored.
func (c *Client) SendText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	reqID, id := shortid.New()
	c.appendGuest(transcript.Entry{
		ID:      id,
		ReqID:   reqID,
		Type:    transcript.TypeText,
		Content: text,
	})
	return c.deliver(ctx, id, ChatMessage{ID: id, RequestID: reqID, UserID: c.cfg.UserID, Text: text})
}

// SendLocation shares a location as structured content.
func (c *Client) SendLocation(ctx context.Context, loc Location) error {
	reqID, id := shortid.New()
	loc.Type = transcript.TypeLocation
	loc.ID = id
	content, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	c.appendGuest(transcript.Entry{
		ID:      id,
		ReqID:   reqID,
		Type:    transcript.TypeLocation,
		Content: json.RawMessage(content),
	})
	return c.deliver(ctx, id, ChatMessage{ID: id, RequestID: reqID, UserID: c.cfg.UserID, Content: content})
}

// SendVideoPlayed reports that a video entry was watched to the end.
// It adds nothing to the transcript.
func (c *Client) SendVideoPlayed(ctx context.Context, trackingID string) error {
	if trackingID == "" {
		return ErrMissingTrackingID
	}
	reqID, id := shortid.New()
	log.Debug().Str("trackingId", trackingID).Str("id", id).Str("reqid", reqID).Msg("[widget] video played")
	return c.write(ctx, ChatMessage{ID: id, RequestID: reqID, UserID: c.cfg.UserID, TrackingID: trackingID})
}

// Reply answers a quick-reply action of an agent entry. A location action
// sends nothing: the returned Reply asks the caller for SendLocation.
// Replies that are displayed get a guest entry, the others are sent silently.
func (c *Client) Reply(ctx context.Context, a transcript.Action) (transcript.Reply, error) {
	r := transcript.ResolveAction(a)
	if r.WantsLocation || (r.Text == "" && len(r.Data) == 0) {
		return r, nil
	}
	reqID, id := shortid.New()
	m := ChatMessage{ID: id, RequestID: reqID, UserID: c.cfg.UserID, Text: r.Text, Content: r.Data}
	if !r.DisplayText {
		return r, c.write(ctx, m)
	}
	c.appendGuest(transcript.Entry{
		ID:      id,
		ReqID:   reqID,
		Type:    transcript.TypeText,
		Content: r.Text,
	})
	return r, c.deliver(ctx, id, m)
}

// PlayVideo starts, or resumes, timing the video entry id.
func (c *Client) PlayVideo(id string) (*transcript.Playback, error) {
	c.videoMu.Lock()
	defer c.videoMu.Unlock()
	if p, ok := c.videos[id]; ok {
		p.Resume()
		return p, nil
	}
	e, ok := c.transcript.Find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	if e.Type != transcript.TypeVideo {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotVideo, id, e.Type)
	}
	p := transcript.NewPlayback(e.TrackingID()).WithClock(c.now)
	p.Start()
	c.videos[id] = p
	return p, nil
}

func (c *Client) PauseVideo(id string) error {
	c.videoMu.Lock()
	defer c.videoMu.Unlock()
	p, ok := c.videos[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPlaying, id)
	}
	p.Pause()
	return nil
}

// EndVideo stops timing the video entry id. The video is reported as played
// only when the time actually played covers duration.
func (c *Client) EndVideo(ctx context.Context, id string, duration time.Duration) (bool, error) {
	c.videoMu.Lock()
	p, ok := c.videos[id]
	delete(c.videos, id)
	c.videoMu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotPlaying, id)
	}
	if !p.End(duration) {
		log.Debug().Str("video", id).Dur("played", p.Elapsed()).Dur("duration", duration).Msg("[widget] video not watched to the end")
		return false, nil
	}
	return true, c.SendVideoPlayed(ctx, p.TrackingID)
}

func (c *Client) appendGuest(e transcript.Entry) {
	e.From = transcript.FromGuest
	e.Status = transcript.StatusSending
	e.Timestamp = c.now()
	c.notify(c.transcript.Append(e))
}

// deliver writes m and marks the guest entry id as sent.
func (c *Client) deliver(ctx context.Context, id string, m ChatMessage) error {
	if err := c.write(ctx, m); err != nil {
		return err
	}
	if e, ok := c.transcript.SetStatus(id, transcript.StatusSent); ok {
		c.notify(e)
	}
	return nil
}

func (c *Client) write(ctx context.Context, v any) error {
	if c.conn == nil {
		return ErrNotStarted
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = w.Close()
		return fmt.Errorf("send: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("chat", c.chatID).Msg("[widget] chat socket failed")
			} else {
				log.Debug().Str("chat", c.chatID).Msg("[widget] chat socket closed")
			}
			return
		}
		entry, err := transcript.Normalize(payload, c.now())
		if err != nil {
			log.Warn().Err(err).Str("chat", c.chatID).Msg("[widget] dropping frame")
			continue
		}
		if entry.Type == transcript.TypeUploadStatus {
			c.relayUpload(entry)
			continue
		}
		c.notify(c.transcript.Append(entry))
	}
}

// relayUpload finishes an attachment: the backend reports the uploaded
// content for a guest entry and the widget sends it on.
func (c *Client) relayUpload(status transcript.Entry) {
	guest, ok := c.transcript.SetStatus(status.MessageID, transcript.StatusSending)
	if !ok {
		log.Warn().Str("message", status.MessageID).Msg("[widget] upload status for unknown message")
		return
	}
	c.notify(guest)

	content, _ := status.Content.(json.RawMessage)
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.write(ctx, ChatMessage{ID: guest.ID, RequestID: guest.ReqID, UserID: c.cfg.UserID, Content: content}); err != nil {
		log.Error().Err(err).Str("message", guest.ID).Msg("[widget] relay attachment")
		return
	}

	var kind struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(content, &kind)
	updated, _ := c.transcript.Update(guest.ID, func(e *transcript.Entry) {
		e.Status = transcript.StatusSent
		if kind.Type != "" {
			e.Type = kind.Type
		}
		e.ContentType = status.ContentType
		if content != nil {
			e.Content = content
		}
	})
	c.notify(updated)
}

func (c *Client) notify(e transcript.Entry) {
	if c.cfg.OnEntry != nil {
		c.cfg.OnEntry(e)
	}
}

// Close ends the chat. It is safe to call more than once.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		werr := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if werr == nil {
			select {
			case <-c.done:
			case <-time.After(2 * time.Second):
			}
		}
		err = c.conn.Close()
		<-c.done
		log.Info().Str("chat", c.chatID).Msg("[widget] chat closed")
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
