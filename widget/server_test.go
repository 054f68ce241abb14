package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cr3t"

// recordingForwarder keeps what the relay forwards and answers nothing.
type recordingForwarder struct {
	mu       sync.Mutex
	messages []ChatMessage
}

func (f *recordingForwarder) Forward(_ context.Context, m ChatMessage, _ func([]byte) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *recordingForwarder) received() []ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatMessage(nil), f.messages...)
}

func newTestRelay(t *testing.T, fwd Forwarder) (*chatServer, *httptest.Server) {
	t.Helper()
	srv := newChatServer(fwd)
	return srv, serveRelay(t, srv, testToken)
}

func serveRelay(t *testing.T, srv *chatServer, token string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewHandler(srv, token))
	t.Cleanup(func() {
		srv.closeAll()
		srv.wait()
		ts.Close()
	})
	return ts
}

func createChat(t *testing.T, ts *httptest.Server, userID string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader(`{"userId":"`+userID+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created createChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created.Path
}

func dialChat(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func postHook(t *testing.T, ts *httptest.Server, token string, body []byte) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/hook", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(signatureHeader, signaturePrefix+sign(token, body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestCreateChat(t *testing.T) {
	srv, ts := newTestRelay(t, echoForwarder{})

	path := createChat(t, ts, "alice")
	require.True(t, strings.HasPrefix(path, "/chat/ws/"))

	id, err := uuid.Parse(strings.TrimPrefix(path, "/chat/ws/"))
	require.NoError(t, err)
	c, err := srv.FindChatByID(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.UserID)
	assert.True(t, c.Available())
}

func TestCreateChatRejectsBadRequests(t *testing.T) {
	_, ts := newTestRelay(t, echoForwarder{})

	for name, body := range map[string]string{
		"malformed":   `{"userId":`,
		"empty user":  `{"userId":""}`,
		"markup only": `{"userId":"<b></b>"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestChatSocketLookup(t *testing.T) {
	_, ts := newTestRelay(t, echoForwarder{})

	resp, err := http.Get(ts.URL + "/chat/ws/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/chat/ws/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/nowhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatSocketAttachesOnce(t *testing.T) {
	srv, ts := newTestRelay(t, echoForwarder{})

	path := createChat(t, ts, "alice")
	dialChat(t, ts, path)
	c, err := srv.FindChatByUserID("alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.Available() }, 5*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEchoRoundTrip(t *testing.T) {
	_, ts := newTestRelay(t, echoForwarder{})
	conn := dialChat(t, ts, createChat(t, ts, "alice"))

	require.NoError(t, conn.WriteJSON(ChatMessage{ID: "m1", RequestID: uuid.NewString(), Text: "hello"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "text", frame["type"])
	assert.Equal(t, "echo: hello", frame["text"])
	assert.NotEmpty(t, frame["id"])

	require.NoError(t, conn.WriteJSON(ChatMessage{ID: "m2", TrackingID: "trk-1"}))
	assert.Equal(t, "Video trk-1 played", readFrame(t, conn)["text"])
}

func TestMalformedFrameIsReported(t *testing.T) {
	_, ts := newTestRelay(t, echoForwarder{})
	conn := dialChat(t, ts, createChat(t, ts, "alice"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, conn)
	assert.NotEmpty(t, frame["error"])
}

func TestGuestMessageIsSanitized(t *testing.T) {
	fwd := &recordingForwarder{}
	srv, ts := newTestRelay(t, fwd)
	conn := dialChat(t, ts, createChat(t, ts, "alice"))

	require.NoError(t, conn.WriteJSON(ChatMessage{ID: "m1", UserID: "mallory", Text: "<b>hi</b> there"}))
	require.Eventually(t, func() bool { return len(fwd.received()) == 1 }, 5*time.Second, 10*time.Millisecond)

	m := fwd.received()[0]
	assert.Equal(t, "alice", m.UserID)
	assert.Equal(t, "hi there", m.Text)

	c, err := srv.FindChatByMessageID("m1")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.UserID)
}

func TestForwardFailureIsReported(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	_, ts := newTestRelay(t, newHTTPForwarder(backend.URL, testToken, backend.Client()))
	conn := dialChat(t, ts, createChat(t, ts, "alice"))

	require.NoError(t, conn.WriteJSON(ChatMessage{ID: "m1", RequestID: "r1", Text: "hello"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "m1", frame["messageId"])
	assert.Equal(t, "r1", frame["reqid"])
	assert.Equal(t, "failed to deliver message", frame["error"])
}

func TestHookDelivery(t *testing.T) {
	_, ts := newTestRelay(t, &recordingForwarder{})
	conn := dialChat(t, ts, createChat(t, ts, "bob"))

	body := []byte(`{"id":"` + uuid.NewString() + `","type":"Text","text":"hi bob","channel":{"to":{"id":"bob"}}}`)
	require.Equal(t, http.StatusOK, postHook(t, ts, testToken, body))

	frame := readFrame(t, conn)
	assert.Equal(t, "hi bob", frame["text"])
	assert.Equal(t, "Text", frame["type"])
}

func TestHookRejections(t *testing.T) {
	_, ts := newTestRelay(t, echoForwarder{})
	createChat(t, ts, "bob")

	body := []byte(`{"id":"1","type":"text","text":"hi","channel":{"to":{"id":"bob"}}}`)
	assert.Equal(t, http.StatusForbidden, postHook(t, ts, "wrong", body))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/hook", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "unsigned")

	assert.Equal(t, http.StatusBadRequest, postHook(t, ts, testToken, []byte("{")))

	unknown := []byte(`{"id":"1","type":"text","text":"hi","channel":{"to":{"id":"carol"}}}`)
	assert.Equal(t, http.StatusNotFound, postHook(t, ts, testToken, unknown))
}

func TestHookToClosedChat(t *testing.T) {
	srv, ts := newTestRelay(t, echoForwarder{})
	createChat(t, ts, "bob")

	c, err := srv.FindChatByUserID("bob")
	require.NoError(t, err)
	c.close()

	body := []byte(`{"id":"1","type":"text","text":"hi","channel":{"to":{"id":"bob"}}}`)
	assert.Equal(t, http.StatusNotFound, postHook(t, ts, testToken, body))
	assert.False(t, c.Push(body))
}

func TestFindChatByUserIDReturnsNewest(t *testing.T) {
	srv := newChatServer(echoForwarder{})
	older := srv.CreateChat("alice")
	older.created = older.created.Add(-time.Minute)
	newer := srv.CreateChat("alice")
	srv.CreateChat("bob")

	c, err := srv.FindChatByUserID("alice")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, c.ID)

	_, err = srv.FindChatByUserID("carol")
	assert.ErrorIs(t, err, ErrChatNotFound)
	_, err = srv.FindChatByID(uuid.New())
	assert.ErrorIs(t, err, ErrChatNotFound)
	_, err = srv.FindChatByMessageID("nope")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestPushDropsOldest(t *testing.T) {
	srv := newChatServer(echoForwarder{})
	c := srv.CreateChat("alice")

	for i := 0; i <= sendBufferSize; i++ {
		require.True(t, c.Push([]byte{byte(i)}))
	}
	assert.Len(t, c.send, sendBufferSize)
	assert.Equal(t, []byte{1}, <-c.send)

	c.close()
	assert.False(t, c.Push([]byte("late")))
	assert.False(t, c.Available())
	_, err := srv.FindChatByID(c.ID)
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestRelay(t, echoForwarder{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFindChatByUserIDPrefersAttached(t *testing.T) {
	srv, ts := newTestRelay(t, &recordingForwarder{})
	path := createChat(t, ts, "bob")
	conn := dialChat(t, ts, path)
	live, err := srv.FindChatByID(uuid.MustParse(strings.TrimPrefix(path, "/chat/ws/")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !live.Available() }, 5*time.Second, 10*time.Millisecond)

	pending := srv.CreateChat("bob")
	c, err := srv.FindChatByUserID("bob")
	require.NoError(t, err)
	assert.Equal(t, live.ID, c.ID)
	assert.True(t, pending.Available())

	body := []byte(`{"id":"1","type":"text","text":"still here","channel":{"to":{"id":"bob"}}}`)
	require.Equal(t, http.StatusOK, postHook(t, ts, testToken, body))
	assert.Equal(t, "still here", readFrame(t, conn)["text"])
}

func TestPendingChatExpires(t *testing.T) {
	srv := newChatServer(echoForwarder{})
	srv.attachWait = 20 * time.Millisecond
	c := srv.CreateChat("alice")

	require.Eventually(t, func() bool {
		_, err := srv.FindChatByID(c.ID)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, c.Available())
	assert.False(t, c.Push([]byte("late")))
	_, err := srv.FindChatByUserID("alice")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestAttachedChatDoesNotExpire(t *testing.T) {
	srv := newChatServer(echoForwarder{})
	srv.attachWait = 50 * time.Millisecond
	ts := serveRelay(t, srv, testToken)
	path := createChat(t, ts, "alice")
	conn := dialChat(t, ts, path)

	id := uuid.MustParse(strings.TrimPrefix(path, "/chat/ws/"))
	c, err := srv.FindChatByID(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.Available() }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	_, err = srv.FindChatByID(id)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ChatMessage{ID: "m1", Text: "ping"}))
	assert.Equal(t, "echo: ping", readFrame(t, conn)["text"])
}

func TestHookRoutesByMessageID(t *testing.T) {
	fwd := &recordingForwarder{}
	_, ts := newTestRelay(t, fwd)
	conn := dialChat(t, ts, createChat(t, ts, "bob"))

	require.NoError(t, conn.WriteJSON(ChatMessage{ID: "guest-1", Text: "receipt please"}))
	require.Eventually(t, func() bool { return len(fwd.received()) == 1 }, 5*time.Second, 10*time.Millisecond)

	body := []byte(`{"id":"2","type":"receipt","messageId":"guest-1","channel":{"to":{"id":"not-bob"}}}`)
	require.Equal(t, http.StatusOK, postHook(t, ts, testToken, body))
	frame := readFrame(t, conn)
	assert.Equal(t, "guest-1", frame["messageId"])

	unknown := []byte(`{"id":"3","type":"receipt","messageId":"guest-9","channel":{"to":{"id":"not-bob"}}}`)
	assert.Equal(t, http.StatusNotFound, postHook(t, ts, testToken, unknown))
}

func TestHookRefusedWithoutToken(t *testing.T) {
	ts := serveRelay(t, newChatServer(echoForwarder{}), "")
	createChat(t, ts, "bob")

	body := []byte(`{"id":"1","type":"text","text":"forged","channel":{"to":{"id":"bob"}}}`)
	assert.Equal(t, http.StatusForbidden, postHook(t, ts, "", body))
}
