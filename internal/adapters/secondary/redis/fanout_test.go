package redis_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lorrc/portal-sync/internal/adapters/secondary/redis"
	"github.com/lorrc/portal-sync/internal/core/domain"
)

type localHub struct {
	mu     sync.Mutex
	events []domain.Event
}

func (h *localHub) Broadcast(e domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *localHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
	require.NoError(t, err)
	return endpoint
}

func TestFanout_LocalBeforeSubscribe(t *testing.T) {
	client, err := redis.NewClient("redis://127.0.0.1:1")
	require.NoError(t, err)
	defer client.Close()

	hub := &localHub{}
	f := redis.NewFanout(client, "", hub, discard())

	require.NoError(t, f.Broadcast(domain.Event{Type: domain.EventChange, Room: "admin"}))
	assert.Equal(t, 1, hub.count())
	assert.False(t, f.Subscribed())
}

func TestFanout_RunFailsWithoutRedis(t *testing.T) {
	client, err := redis.NewClient("redis://127.0.0.1:1")
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, redis.NewFanout(client, "", &localHub{}, discard()).Run(ctx))
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := redis.NewClient("http://nope")
	assert.Error(t, err)
}

func TestFanout_AcrossInstances(t *testing.T) {
	url := startRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func() (*redis.Fanout, *localHub) {
		client, err := redis.NewClient(url)
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		hub := &localHub{}
		f := redis.NewFanout(client, "test:events", hub, discard())
		go func() { _ = f.Run(ctx) }()
		require.Eventually(t, f.Subscribed, 5*time.Second, 10*time.Millisecond)
		return f, hub
	}

	a, hubA := newInstance()
	_, hubB := newInstance()

	event, err := domain.NewEvent(domain.EventChange, "admin", map[string]any{"table": "leads", "action": "insert"})
	require.NoError(t, err)
	event.Seq = 42
	require.NoError(t, a.Broadcast(event))

	require.Eventually(t, func() bool { return hubA.count() == 1 && hubB.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	hubB.mu.Lock()
	got := hubB.events[0]
	hubB.mu.Unlock()
	assert.Equal(t, domain.EventChange, got.Type)
	assert.Equal(t, "admin", got.Room)
	assert.Zero(t, got.Seq)
	assert.JSONEq(t, string(event.Payload), string(got.Payload))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hubA.count(), "own events arrive once")
}
