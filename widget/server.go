package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	readLimit      = 64 << 10
	sendBufferSize = 64
	forwardTimeout = 15 * time.Second
	attachWait     = 30 * time.Second
)

var (
	// ErrChatNotFound is returned by the chat lookups.
	ErrChatNotFound = errors.New("chat not found")
	// ErrChatBusy is returned when a second socket targets an attached chat.
	ErrChatBusy = errors.New("chat already connected")
)

// chatServer keeps the open chats and routes messages between the widget
// sockets and the messaging backend.
type chatServer struct {
	mu       sync.RWMutex
	chats    map[uuid.UUID]*chat
	messages map[string]*chat // guest message id -> chat
	forward  Forwarder
	wg       sync.WaitGroup

	// attachWait is how long a new chat waits for its socket.
	attachWait time.Duration
}

func newChatServer(fwd Forwarder) *chatServer {
	return &chatServer{
		chats:    map[uuid.UUID]*chat{},
		messages:   map[string]*chat{},
		forward:    fwd,
		attachWait: attachWait,
	}
}

// CreateChat registers a new chat for userID. The chat buffers backend
// events until a socket is attached, and is dropped when none arrives
// within attachWait.
func (s *chatServer) CreateChat(userID string) *chat {
	c := &chat{
		ID:      uuid.New(),
		UserID:  userID,
		created: time.Now(),
		server:  s,
		send:    make(chan []byte, sendBufferSize),
	}
	s.mu.Lock()
	s.chats[c.ID] = c
	s.mu.Unlock()
	c.mu.Lock()
	if !c.closed && c.conn == nil {
		c.expiry = time.AfterFunc(s.attachWait, c.expire)
	}
	c.mu.Unlock()
	log.Info().Str("chat", c.ID.String()).Str("user", userID).Msg("[chat] registered")
	return c
}

func (s *chatServer) FindChatByID(id uuid.UUID) (*chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.chats[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrChatNotFound, id)
}

// FindChatByUserID returns the most recent chat of userID that has a
// socket attached, or else its most recent pending chat.
func (s *chatServer) FindChatByUserID(userID string) (*chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *chat
	foundAttached := false
	for _, c := range s.chats {
		if c.UserID != userID {
			continue
		}
		attached := c.attached()
		switch {
		case found == nil,
			attached && !foundAttached,
			attached == foundAttached && c.created.After(found.created):
			found, foundAttached = c, attached
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: user %s", ErrChatNotFound, userID)
	}
	return found, nil
}

func (s *chatServer) FindChatByMessageID(id string) (*chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.messages[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: message %s", ErrChatNotFound, id)
}

func (s *chatServer) unregister(c *chat) {
	s.mu.Lock()
	delete(s.chats, c.ID)
	for id, owner := range s.messages {
		if owner == c {
			delete(s.messages, id)
		}
	}
	s.mu.Unlock()
	log.Info().Str("chat", c.ID.String()).Msg("[chat] unregistered")
}

// receive indexes a guest message and hands it to the forwarder.
func (s *chatServer) receive(c *chat, m ChatMessage) {
	s.mu.Lock()
	if m.ID != "" {
		s.messages[m.ID] = c
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()
		if err := s.forward.Forward(ctx, m, c.Push); err != nil {
			log.Error().Err(err).Str("chat", c.ID.String()).Str("message", m.ID).Msg("[chat] forward failed")
			c.pushJSON(ChatMessageError{ID: m.ID, RequestID: m.RequestID, Error: "failed to deliver message"})
			return
		}
		log.Debug().Str("chat", c.ID.String()).Str("message", m.ID).Msg("[chat] message forwarded")
	}()
}

// closeAll ends every chat (used during shutdown).
func (s *chatServer) closeAll() {
	s.mu.RLock()
	chats := make([]*chat, 0, len(s.chats))
	for _, c := range s.chats {
		chats = append(chats, c)
	}
	s.mu.RUnlock()
	for _, c := range chats {
		c.close()
	}
}

// wait blocks until all socket loops and forwards have finished.
func (s *chatServer) wait() {
	s.wg.Wait()
}

// chat is one widget session.
type chat struct {
	ID     uuid.UUID
	UserID string

	created time.Time
	server  *chatServer
	conn    *websocket.Conn
	expiry  *time.Timer

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *chat) String() string {
	return c.ID.String()
}

// Available reports whether a socket can still be attached.
func (c *chat) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn == nil
}

func (c *chat) attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Serve attaches the socket and starts the read and write loops.
func (c *chat) Serve(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChatBusy, c.ID)
	}
	c.conn = conn
	if c.expiry != nil {
		c.expiry.Stop()
	}
	c.mu.Unlock()

	c.server.wg.Add(2)
	go func() {
		defer c.server.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer c.server.wg.Done()
		c.readLoop()
	}()
	return nil
}

// Push queues a frame for the widget. When the buffer is full the oldest
// frame is dropped. It reports false once the chat is closed.
func (c *chat) Push(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
	default:
		select {
		case <-c.send:
		default:
		}
		c.send <- payload
	}
	return true
}

func (c *chat) pushJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("chat", c.ID.String()).Msg("[chat] marshal frame")
		return
	}
	c.Push(payload)
}

func (c *chat) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.shutdown()
}

// expire drops the chat if no socket was attached in time.
func (c *chat) expire() {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	log.Info().Str("chat", c.ID.String()).Str("user", c.UserID).Msg("[chat] no socket attached, expiring")
	c.shutdown()
}

// shutdown is called with c.mu held and releases it.
func (c *chat) shutdown() {
	c.closed = true
	close(c.send)
	if c.expiry != nil {
		c.expiry.Stop()
	}
	c.mu.Unlock()
	c.server.unregister(c)
}

func (c *chat) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("chat", c.ID.String()).Msg("[chat] read failed")
			} else {
				log.Debug().Str("chat", c.ID.String()).Msg("[chat] closed by the widget")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var m ChatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			log.Debug().Err(err).Str("chat", c.ID.String()).Msg("[chat] malformed frame")
			c.pushJSON(ChatMessageError{Error: err.Error()})
			continue
		}
		m.UserID = c.UserID
		m.Text = sanitizeText(m.Text, maxTextLen)
		log.Debug().Str("chat", c.ID.String()).Str("message", m.ID).Str("reqid", m.RequestID).Msg("[chat] guest message")
		c.server.receive(c, m)
	}
}

func (c *chat) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "chat closed"))
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug().Err(err).Str("chat", c.ID.String()).Msg("[chat] write failed")
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
