package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testSettings = Settings{
	AppName: "FindPharma",
	Icon:    "/logo192.png",
	Badge:   "/logo192.png",
	Vibrate: []int{200, 100, 200},
}

func TestRender(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		title string
		body  string
		url   string
	}{
		{"full", `{"title":"Stock","body":"Paracetamol is back","url":"/pharmacy/3"}`, "Stock", "Paracetamol is back", "/pharmacy/3"},
		{"message field", `{"message":"Reservation confirmed"}`, "FindPharma", "Reservation confirmed", "/"},
		{"url in data", `{"title":"x","data":{"url":"/reservations"}}`, "x", defaultBody, "/reservations"},
		{"plain text", `Hello there`, "FindPharma", "Hello there", "/"},
		{"empty", ``, "FindPharma", defaultBody, "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Render([]byte(tt.raw), testSettings)
			assert.Equal(t, tt.title, n.Title)
			assert.Equal(t, tt.body, n.Body)
			assert.Equal(t, tt.url, n.URL)
			assert.Equal(t, "/logo192.png", n.Icon)
			assert.Equal(t, "/logo192.png", n.Badge)
			assert.Equal(t, []int{200, 100, 200}, n.Vibrate)
		})
	}
}

func TestRender_Actions(t *testing.T) {
	n := Render([]byte(`{"title":"t","actions":[{"action":"view","title":"View"},{"action":"close","title":"Close"}]}`), testSettings)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, "view", n.Actions[0].Action)
}

func dial(t *testing.T, srv *httptest.Server, page string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?url=" + page
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(testSettings, zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return h, srv
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.Clients()) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ShowBroadcasts(t *testing.T) {
	h, srv := newHubServer(t)
	a := dial(t, srv, "/")
	b := dial(t, srv, "/search")
	waitClients(t, h, 2)

	n := h.Push([]byte(`{"title":"Hi","body":"New stock"}`))
	assert.Equal(t, "Hi", n.Title)

	for _, conn := range []*websocket.Conn{a, b} {
		m := readMessage(t, conn)
		assert.Equal(t, TypeNotification, m.Type)
		require.NotNil(t, m.Notification)
		assert.Equal(t, "New stock", m.Notification.Body)
	}
}

func TestHub_Claim(t *testing.T) {
	h, srv := newHubServer(t)
	conn := dial(t, srv, "/")
	waitClients(t, h, 1)

	assert.Equal(t, 1, h.Claim(context.Background(), "findpharma-v2"))
	m := readMessage(t, conn)
	assert.Equal(t, TypeController, m.Type)
	assert.Equal(t, "findpharma-v2", m.Controller)
	assert.Equal(t, "findpharma-v2", h.Clients()[0].Controller)
}

func TestHub_ClickFocusesMatchingPage(t *testing.T) {
	h, srv := newHubServer(t)
	_ = dial(t, srv, "/")
	target := dial(t, srv, "/reservations")
	waitClients(t, h, 2)

	res, err := h.Click(context.Background(), Click{URL: "http://localhost:3000/reservations"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFocus, res.Outcome)
	assert.Equal(t, "/reservations", res.URL)

	m := readMessage(t, target)
	assert.Equal(t, TypeFocus, m.Type)
}

func TestHub_ClickOpensWhenNoMatch(t *testing.T) {
	h, srv := newHubServer(t)
	conn := dial(t, srv, "/")
	waitClients(t, h, 1)

	res, err := h.Click(context.Background(), Click{Data: map[string]any{"url": "/pharmacy/9"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpen, res.Outcome)
	assert.Equal(t, "/pharmacy/9", res.URL)

	m := readMessage(t, conn)
	assert.Equal(t, TypeOpen, m.Type)
	assert.Equal(t, "/pharmacy/9", m.URL)
}

func TestHub_ClickWithoutClients(t *testing.T) {
	h := NewHub(testSettings, zaptest.NewLogger(t))
	res, err := h.Click(context.Background(), Click{URL: "/"})
	require.NoError(t, err)
	assert.Equal(t, ClickResult{Outcome: OutcomeOpen, URL: "/"}, res)
}

func TestHub_ClickClose(t *testing.T) {
	h := NewHub(testSettings, zaptest.NewLogger(t))
	res, err := h.Click(context.Background(), Click{Action: "close", URL: "/x"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, res.Outcome)
}

func TestHub_NavigateUpdatesURL(t *testing.T) {
	h, srv := newHubServer(t)
	conn := dial(t, srv, "/")
	waitClients(t, h, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeNavigate, URL: "/medicines?q=amoxicillin"}))
	require.Eventually(t, func() bool {
		return h.Clients()[0].URL == "/medicines?q=amoxicillin"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	h, srv := newHubServer(t)
	conn := dial(t, srv, "/")
	waitClients(t, h, 1)
	require.NoError(t, conn.Close())
	waitClients(t, h, 0)
}
