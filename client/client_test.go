package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TallyWorks/tally/config"
	"github.com/TallyWorks/tally/models"
	"github.com/TallyWorks/tally/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "backend_token"
	userToken  = "u1_token"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Server{
		HttpBinding:    "127.0.0.1:0",
		InstanceSecret: "client_test_secret",
		Users: map[string]config.User{
			"backend": {Token: adminToken, Admin: true},
			"u1":      {Token: userToken},
		},
		Sessions: config.SessionsConfig{
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           16,
		},
		Batch: config.BatchConfig{
			Window: 40 * time.Millisecond,
		},
		RateLimiters: config.RateLimiters{
			Subscribe: config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			Publish:   config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			System:    config.RateLimiterConfig{Limit: 1000, Burst: 1000},
			Default:   config.RateLimiterConfig{Limit: 1000, Burst: 1000},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.NewService(context.Background(), logger, cfg, service.NewConfigTokenResolver(cfg.Users))
	require.NoError(t, err)

	ts := httptest.NewServer(svc.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, ts *httptest.Server, token string) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		Address: ts.URL,
		Token:   token,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&Config{Token: "x"})
	require.Error(t, err)

	_, err = NewClient(&Config{Address: "http://localhost:1"})
	require.Error(t, err)

	_, err = NewClient(&Config{Address: "ftp://localhost:1", Token: "x"})
	require.Error(t, err)
}

func TestAliveAndPing(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, userToken)
	ctx := context.Background()

	alive, err := c.Alive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)

	ping, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", ping.Status)
}

func TestPublishRequiresAdminToken(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, userToken)

	err := c.Publish(context.Background(), models.Event{
		Type:   models.EventStatsUpdated,
		Action: models.ActionUpdated,
	})
	require.Error(t, err)
}

func TestPublishToRequiresUserID(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, adminToken)

	err := c.PublishTo(context.Background(), "", models.Event{
		Type:   models.EventStatsUpdated,
		Action: models.ActionUpdated,
	})
	require.Error(t, err)
}

func TestSubscribeReceivesGlobalBatches(t *testing.T) {
	ts := newTestServer(t)
	producer := newTestClient(t, ts, adminToken)
	consumer := newTestClient(t, ts, userToken)
	ctx := context.Background()

	batches := make(chan []models.Event, 8)
	sub, err := consumer.Subscribe(ctx, func(events []models.Event) {
		batches <- events
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, producer.Publish(ctx, models.Event{
		Type:    models.EventStatsUpdated,
		Action:  models.ActionUpdated,
		Message: "totals changed",
	}))

	select {
	case events := <-batches:
		require.Len(t, events, 1)
		assert.Equal(t, models.EventStatsUpdated, events[0].Type)
		assert.Equal(t, "totals changed", events[0].Message)
		assert.False(t, events[0].Timestamp.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

func TestSubscribeJoinAndLeave(t *testing.T) {
	ts := newTestServer(t)
	producer := newTestClient(t, ts, adminToken)
	consumer := newTestClient(t, ts, userToken)
	ctx := context.Background()

	batches := make(chan []models.Event, 8)
	sub, err := consumer.Subscribe(ctx, func(events []models.Event) {
		batches <- events
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Join("u1"))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, producer.PublishTo(ctx, "u1", models.Event{
		Type:     models.EventCashflowUpdated,
		EntityID: "e1",
		Action:   models.ActionUpdated,
	}))

	select {
	case events := <-batches:
		require.Len(t, events, 1)
		assert.Equal(t, "e1", events[0].EntityID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for user-scope batch")
	}

	require.NoError(t, sub.Leave("u1"))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, producer.PublishTo(ctx, "u1", models.Event{
		Type:     models.EventCashflowUpdated,
		EntityID: "e2",
		Action:   models.ActionUpdated,
	}))

	select {
	case events := <-batches:
		t.Fatalf("received batch after leaving scope: %+v", events)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSubscriptionCloseStopsReadLoop(t *testing.T) {
	ts := newTestServer(t)
	consumer := newTestClient(t, ts, userToken)

	sub, err := consumer.Subscribe(context.Background(), nil)
	require.NoError(t, err)

	sub.Close()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop after Close")
	}
}
