package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"findpharma-edge/internal/bgsync"
	"findpharma-edge/internal/edge"
)

type switchableOrigin struct {
	mu      sync.Mutex
	offline bool
}

func (o *switchableOrigin) setOffline(v bool) {
	o.mu.Lock()
	o.offline = v
	o.mu.Unlock()
}

func (o *switchableOrigin) Fetch(_ context.Context, r edge.Request) (edge.CacheEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.offline {
		return edge.CacheEntry{}, errors.New("network unreachable")
	}
	h := http.Header{}
	switch {
	case strings.HasPrefix(r.URI, "/api/"):
		h.Set("Content-Type", "application/json")
		return edge.CacheEntry{Status: http.StatusOK, Header: h, Body: []byte(`[]`)}, nil
	default:
		h.Set("Content-Type", "text/html")
		return edge.CacheEntry{Status: http.StatusOK, Header: h, Body: []byte("<html>" + r.URI + "</html>")}, nil
	}
}

// recordingPoster shares reachability with the origin fake.
type recordingPoster struct {
	origin *switchableOrigin
	mu     sync.Mutex
	items  []bgsync.Item
}

func (p *recordingPoster) Post(_ context.Context, it bgsync.Item) (int, error) {
	p.origin.mu.Lock()
	offline := p.origin.offline
	p.origin.mu.Unlock()
	if offline {
		return 0, errors.New("network unreachable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, it)
	return http.StatusCreated, nil
}

func (p *recordingPoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

const testYAML = `
server:
  origin: http://origin.test
  adminToken: secret
storage:
  backend: memory
precache:
  manifest: [/, /offline.html]
sync:
  enabled: true
  interval: 1h
  ratePerSecond: 100
`

func newTestApp(t *testing.T) (*App, *switchableOrigin, *recordingPoster) {
	t.Helper()
	cfg, err := edge.ParseConfig([]byte(testYAML))
	require.NoError(t, err)

	origin := &switchableOrigin{}
	poster := &recordingPoster{origin: origin}
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t),
		WithStore(edge.NewMemoryStore(0)),
		WithFetcher(origin),
		WithPoster(poster),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Start(context.Background()))
	return a, origin, poster
}

func do(a *App, method, target, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.Router.ServeHTTP(rr, req)
	return rr
}

func TestStart_InstallsAndActivates(t *testing.T) {
	a, _, _ := newTestApp(t)

	assert.Equal(t, edge.StateActivated, a.Engine.State())
	assert.Equal(t, http.StatusOK, do(a, http.MethodGet, "/healthz", "", "").Code)

	rr := do(a, http.MethodGet, "/_edge/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(a, http.MethodGet, "/_edge/status", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st struct {
		State      string          `json:"state"`
		Controller string          `json:"controller"`
		Online     bool            `json:"online"`
		Partitions edge.Partitions `json:"partitions"`
		Pending    *int            `json:"pending_reservations"`
		Events     []string        `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "activated", st.State)
	assert.Equal(t, "findpharma-v1", st.Controller)
	assert.Equal(t, "findpharma-static-v1", st.Partitions.Static)
	require.NotNil(t, st.Pending)
	assert.Zero(t, *st.Pending)
	assert.ElementsMatch(t, []string{"activate", "install", "notificationclick", "push", "sync"}, st.Events)
}

func TestOfflineReservationSyncsOnReconnect(t *testing.T) {
	a, origin, poster := newTestApp(t)

	origin.setOffline(true)
	rr := do(a, http.MethodPost, "/api/reservations/", "", `{"pharmacy":2,"medicine":5,"quantity":1}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), `"queued":true`)

	n, err := a.Queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	origin.setOffline(false)
	rr = do(a, http.MethodGet, "/api/medicines/", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	require.Eventually(t, func() bool { return poster.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := a.Queue.Len(context.Background())
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"pharmacy":2,"medicine":5,"quantity":1}`, string(poster.items[0].Payload))
}

func TestEvents(t *testing.T) {
	a, _, _ := newTestApp(t)

	rr := do(a, http.MethodPost, "/_edge/events/push", "secret", `{"title":"Stock alert","body":"Doliprane is back"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Kind   string `json:"kind"`
		Result struct {
			Title string `json:"title"`
			Body  string `json:"body"`
			Icon  string `json:"icon"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "push", resp.Kind)
	assert.Equal(t, "Stock alert", resp.Result.Title)
	assert.Equal(t, "Doliprane is back", resp.Result.Body)
	assert.Equal(t, "/logo192.png", resp.Result.Icon)

	rr = do(a, http.MethodPost, "/_edge/events/periodicsync", "secret", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(a, http.MethodPost, "/_edge/events/notificationclick", "secret", `not json`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "decode click")
}

func TestReservationAdminRoutes(t *testing.T) {
	a, origin, _ := newTestApp(t)
	origin.setOffline(true)

	rr := do(a, http.MethodPost, "/_edge/reservations", "secret", `{"pharmacy":1}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = do(a, http.MethodPost, "/_edge/reservations", "secret", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(a, http.MethodGet, "/_edge/reservations", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var items []bgsync.Item
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &items))
	require.Len(t, items, 1)

	rr = do(a, http.MethodDelete, "/_edge/reservations", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"drained":1}`, rr.Body.String())
}

func TestClientsRequiresWebsocket(t *testing.T) {
	a, _, _ := newTestApp(t)
	rr := do(a, http.MethodGet, "/_edge/clients", "", "")
	assert.Equal(t, http.StatusUpgradeRequired, rr.Code)
}

func TestPagesServedThroughRouter(t *testing.T) {
	a, origin, _ := newTestApp(t)

	origin.setOffline(true)
	rr := do(a, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<html>/</html>", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-FindPharma-Cache"))
}
