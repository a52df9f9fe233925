package channel_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpAdapter "github.com/lorrc/portal-sync/internal/adapters/primary/http"
	wsAdapter "github.com/lorrc/portal-sync/internal/adapters/primary/websocket"
	"github.com/lorrc/portal-sync/internal/adapters/secondary/channel"
	"github.com/lorrc/portal-sync/internal/auth"
	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/services"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relay is a minimal relay: the real hub behind a websocket endpoint and a
// polling endpoint.
type relay struct {
	hub      *wsAdapter.Hub
	srv      *httptest.Server
	token    string
	pollPath string

	// reject refuses upgrades with a status, which makes the channel fall
	// back to polling. drop closes the connection before any response.
	reject atomic.Bool
	drop   atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	return startRelay(t, 64, false)
}

// newHandlerRelay serves polling through the relay's own ChangeHandler,
// including its page limit and token checks.
func newHandlerRelay(t *testing.T, backlog int) *relay {
	t.Helper()
	return startRelay(t, backlog, true)
}

func startRelay(t *testing.T, backlog int, realPoll bool) *relay {
	t.Helper()
	r := &relay{hub: wsAdapter.NewHub(backlog, testLogger()), token: "secret", pollPath: "/poll"}

	ctx, cancel := context.WithCancel(context.Background())
	go r.hub.Run(ctx)
	t.Cleanup(cancel)

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		if r.drop.Load() {
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}
		if r.reject.Load() {
			http.Error(w, "upgrade disabled", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, r.token, req.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		wsAdapter.NewClient(r.hub, conn, uuid.New(), testLogger()).Serve()
	})
	if realPoll {
		logger := testLogger()
		tm := auth.NewTokenManager("test-secret", time.Hour)
		token, err := tm.GenerateToken(uuid.New(), auth.ScopeSubscribe)
		require.NoError(t, err)
		r.token = token
		r.pollPath = "/api/v1/realtime/poll"

		router := chi.NewRouter()
		router.Route("/api/v1", func(api chi.Router) {
			httpAdapter.NewChangeHandler(r.hub, r.hub, tm, httpAdapter.NewErrorHandler(logger), logger).RegisterRoutes(api)
		})
		mux.Handle("/api/v1/", router)
	}
	mux.HandleFunc("/poll", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		resp := domain.PollBatch{Events: []domain.Event{}, Cursor: r.hub.Seq()}
		if raw := q.Get("after"); raw != "" {
			after, err := strconv.ParseInt(raw, 10, 64)
			assert.NoError(t, err)
			resp = r.hub.Since(q.Get("room"), after, 0)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

func (r *relay) pollURL() string {
	return r.srv.URL + r.pollPath
}

// kick drops every open websocket connection and refuses new upgrades.
func (r *relay) kick() {
	r.reject.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		_ = c.Close()
	}
	r.conns = nil
}

func (r *relay) broadcast(t *testing.T, name domain.EventName, payload any) {
	t.Helper()
	event, err := domain.NewEvent(name, domain.DefaultRoom, payload)
	require.NoError(t, err)
	require.NoError(t, r.hub.Broadcast(event))
}

type received struct {
	mu      sync.Mutex
	changes []domain.ChangeNotification
	emails  []domain.EmailOutcome
}

func (r *received) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// ids returns the record ids of received changes, skipping resync requests.
func (r *received) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.changes))
	for _, n := range r.changes {
		if !n.IsResync() {
			out = append(out, n.RecordID())
		}
	}
	return out
}

func (r *received) resyncs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.changes {
		if c.IsResync() {
			n++
		}
	}
	return n
}

func (r *received) emailCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.emails)
}

func newChannel(t *testing.T, cfg channel.Config) (*channel.Channel, *received) {
	t.Helper()
	changes := services.NewChangeBus(testLogger())
	emails := services.NewEmailOutcomeBus(testLogger())

	got := &received{}
	changes.Subscribe(func(n domain.ChangeNotification) {
		got.mu.Lock()
		got.changes = append(got.changes, n)
		got.mu.Unlock()
	})
	emails.Subscribe(func(o domain.EmailOutcome) {
		got.mu.Lock()
		got.emails = append(got.emails, o)
		got.mu.Unlock()
	})

	if cfg.Token == "" {
		cfg.Token = "secret"
	}
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond

	ch, err := channel.New(cfg, changes, emails, testLogger())
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch, got
}

func TestChannel_ConnectsAndDispatches(t *testing.T) {
	r := newRelay(t)
	ch, got := newChannel(t, channel.Config{URL: r.wsURL()})

	var transitions atomic.Int32
	ch.OnStateChange(func(domain.ConnectionState) { transitions.Add(1) })

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Connect(context.Background()), "second connect is a no-op")

	require.Eventually(t, func() bool { return r.hub.GetClientsInRoom(domain.DefaultRoom) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ch.State().Connected)
	assert.False(t, ch.State().Polling)
	assert.Equal(t, "Live", ch.State().Label())
	assert.Equal(t, 1, r.hub.GetClientCount())

	r.broadcast(t, domain.EventChange, map[string]any{
		"table": "Leads", "action": "UPDATE", "data": map[string]any{"id": 4, "status": "won"},
	})
	r.broadcast(t, domain.EventEmailFailed, map[string]any{"company_name": "Acme", "error_message": "bounced"})

	require.Eventually(t, func() bool { return got.changeCount() == 1 && got.emailCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	got.mu.Lock()
	assert.Equal(t, domain.EntityLeads, got.changes[0].Table)
	assert.Equal(t, domain.ActionUpdate, got.changes[0].Action)
	assert.Equal(t, "4", got.changes[0].RecordID())
	assert.Equal(t, "Email to Acme failed: bounced", got.emails[0].Banner().Text)
	got.mu.Unlock()

	ch.Close()
	assert.False(t, ch.State().Connected)
	assert.Equal(t, int32(2), transitions.Load())
	assert.ErrorIs(t, ch.Connect(context.Background()), apperrors.ErrChannelClosed)
}

func TestChannel_MalformedEventsAreDropped(t *testing.T) {
	r := newRelay(t)
	ch, got := newChannel(t, channel.Config{URL: r.wsURL()})
	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return r.hub.GetClientsInRoom(domain.DefaultRoom) == 1 }, 2*time.Second, 5*time.Millisecond)

	r.broadcast(t, domain.EventChange, map[string]any{"action": "insert"})
	r.broadcast(t, "unrelated", nil)
	r.broadcast(t, domain.EventChange, map[string]any{"table": "attendance", "action": "clock_in"})

	require.Eventually(t, func() bool { return got.changeCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ch.State().Connected)
}

func TestChannel_PollingFallback(t *testing.T) {
	r := newRelay(t)
	r.reject.Store(true)

	ch, got := newChannel(t, channel.Config{
		URL:          r.wsURL(),
		PollURL:      r.pollURL(),
		PollInterval: 10 * time.Millisecond,
		UpgradeRetry: time.Minute,
	})

	// Events from before the first poll are not replayed.
	r.broadcast(t, domain.EventChange, map[string]any{"table": "leads", "action": "insert"})

	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return ch.State().Polling }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ch.State().Connected)

	r.broadcast(t, domain.EventChange, map[string]any{"table": "nda_forms", "action": "insert", "data": map[string]any{"id": 9}})
	r.broadcast(t, domain.EventEmailSent, map[string]any{"company_name": "Globex"})

	require.Eventually(t, func() bool { return got.changeCount() == 1 && got.emailCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	got.mu.Lock()
	assert.Equal(t, domain.EntityNDAForms, got.changes[0].Table)
	got.mu.Unlock()

	// Nothing is delivered twice across polls.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.changeCount())
}

func TestChannel_MissedEventsDeliveredOnceAfterReconnect(t *testing.T) {
	r := newRelay(t)
	ch, got := newChannel(t, channel.Config{
		URL:          r.wsURL(),
		PollURL:      r.pollURL(),
		PollInterval: 10 * time.Millisecond,
		UpgradeRetry: 20 * time.Millisecond,
	})
	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return r.hub.GetClientsInRoom(domain.DefaultRoom) == 1 }, 2*time.Second, 5*time.Millisecond)

	r.broadcast(t, domain.EventChange, map[string]any{"table": "leads", "action": "insert"})
	require.Eventually(t, func() bool { return got.changeCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	r.kick()
	require.Eventually(t, func() bool { return r.hub.GetClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	r.broadcast(t, domain.EventChange, map[string]any{"table": "attendance", "action": "clock_out"})
	r.reject.Store(false)

	require.Eventually(t, func() bool {
		s := ch.State()
		return s.Connected && !s.Polling && r.hub.GetClientsInRoom(domain.DefaultRoom) == 1
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return got.changeCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, got.changeCount())
	got.mu.Lock()
	assert.Equal(t, domain.ActionClockOut, got.changes[1].Action)
	got.mu.Unlock()
}

func TestChannel_OfflineWhenRelayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ch, _ := newChannel(t, channel.Config{URL: url})
	require.NoError(t, ch.Connect(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ch.State().Connected)
	assert.Equal(t, "Offline", ch.State().Label())
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := channel.New(channel.Config{}, services.NewChangeBus(testLogger()), services.NewEmailOutcomeBus(testLogger()), testLogger())
	assert.Error(t, err)
}

// missEvents connects ch, cuts it off without a polling fallback, broadcasts
// n changes and lets it reconnect.
func missEvents(t *testing.T, r *relay, ch *channel.Channel, n int) {
	t.Helper()
	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return r.hub.GetClientsInRoom(domain.DefaultRoom) == 1 }, 2*time.Second, 5*time.Millisecond)

	r.drop.Store(true)
	r.kick()
	r.reject.Store(false)
	require.Eventually(t, func() bool { return r.hub.GetClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	for i := 1; i <= n; i++ {
		r.broadcast(t, domain.EventChange, map[string]any{"table": "leads", "action": "insert", "data": map[string]any{"id": i}})
	}
	r.drop.Store(false)
}

func TestChannel_ReplaysEveryPageAfterReconnect(t *testing.T) {
	r := newHandlerRelay(t, 1024)
	ch, got := newChannel(t, channel.Config{URL: r.wsURL(), PollURL: r.pollURL(), Token: r.token})

	const missed = 250
	missEvents(t, r, ch, missed)

	require.Eventually(t, func() bool { return len(got.ids()) == missed }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	ids := got.ids()
	require.Len(t, ids, missed)
	for i, id := range ids {
		assert.Equal(t, strconv.Itoa(i+1), id)
	}
	assert.Zero(t, got.resyncs())

	r.broadcast(t, domain.EventChange, map[string]any{"table": "leads", "action": "delete", "data": map[string]any{"id": 1}})
	require.Eventually(t, func() bool { return len(got.ids()) == missed+1 }, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_ResyncWhenBacklogEvicted(t *testing.T) {
	r := newHandlerRelay(t, 16)
	ch, got := newChannel(t, channel.Config{URL: r.wsURL(), PollURL: r.pollURL(), Token: r.token})

	missEvents(t, r, ch, 40)

	require.Eventually(t, func() bool { return got.resyncs() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(got.ids()) == 16 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "25", got.ids()[0])
}

func TestChannel_ResyncWithoutPollEndpoint(t *testing.T) {
	r := newRelay(t)
	ch, got := newChannel(t, channel.Config{URL: r.wsURL()})

	missEvents(t, r, ch, 3)

	require.Eventually(t, func() bool { return got.resyncs() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, got.ids())
}
