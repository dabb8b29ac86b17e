package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/courier/broker"
	"github.com/casualjim/courier/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, id string, b broker.Broker) *Runtime {
	t.Helper()
	r, err := New(id, b, WithType("test"))
	require.NoError(t, err)
	return r
}

func initRuntime(t *testing.T, ctx context.Context, r *Runtime) {
	t.Helper()
	require.NoError(t, r.Initialize(ctx))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
}

func TestNew(t *testing.T) {
	t.Run("requires an id and a broker", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		_, err := New("", b)
		require.Error(t, err)
		_, err = New("alpha", nil)
		require.Error(t, err)
	})

	t.Run("starts uninitialized", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		r := newRuntime(t, "alpha", b)
		assert.Equal(t, StateUninitialized, r.State())
		assert.False(t, r.Active())
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("initialize announces the agent with a heartbeat", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		heartbeats := make(chan *messages.Message, 4)
		observer := newRuntime(t, "observer", b)
		observer.RegisterHandler("heartbeat", func(_ context.Context, msg *messages.Message) error {
			heartbeats <- msg
			return nil
		})
		initRuntime(t, ctx, observer)

		worker := newRuntime(t, "worker", b)
		initRuntime(t, ctx, worker)
		assert.Equal(t, StateActive, worker.State())
		assert.True(t, worker.Active())

		select {
		case hb := <-heartbeats:
			assert.Equal(t, "worker", hb.FromAgent)
			assert.Equal(t, "worker", hb.Payload.String("agent_id"))
			assert.Equal(t, "test", hb.Payload.String("agent_type"))
		case <-time.After(2 * time.Second):
			t.Fatal("no heartbeat observed")
		}
	})

	t.Run("initialize refuses to run twice", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		r := newRuntime(t, "alpha", b)
		initRuntime(t, ctx, r)
		require.Error(t, r.Initialize(ctx))
	})

	t.Run("shutdown broadcasts once and is idempotent", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		var notices atomic.Int32
		observer := newRuntime(t, "observer", b)
		observer.RegisterHandler("agent_shutdown", func(_ context.Context, msg *messages.Message) error {
			if msg.Payload.String("agent_id") == "worker" {
				notices.Add(1)
			}
			return nil
		})
		initRuntime(t, ctx, observer)

		worker := newRuntime(t, "worker", b)
		require.NoError(t, worker.Initialize(ctx))

		require.NoError(t, worker.Shutdown(ctx))
		require.NoError(t, worker.Shutdown(ctx))
		assert.Equal(t, StateStopped, worker.State())

		require.Eventually(t, func() bool { return notices.Load() == 1 },
			2*time.Second, 20*time.Millisecond)
		// a second notice would arrive within this window if one were sent
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, int32(1), notices.Load())
	})

	t.Run("a stopped runtime cannot restart", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		r := newRuntime(t, "alpha", b)
		require.NoError(t, r.Initialize(ctx))
		require.NoError(t, r.Shutdown(ctx))
		require.Error(t, r.Initialize(ctx))
	})

	t.Run("stopped agents no longer receive messages", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		received := make(chan *messages.Message, 1)
		worker := newRuntime(t, "worker", b)
		worker.RegisterHandler("work", func(_ context.Context, msg *messages.Message) error {
			received <- msg
			return nil
		})
		require.NoError(t, worker.Initialize(ctx))
		require.NoError(t, worker.Shutdown(ctx))

		sender := newRuntime(t, "sender", b)
		initRuntime(t, ctx, sender)
		sender.Send(ctx, "worker", "work", nil)

		select {
		case <-received:
			t.Fatal("stopped agent still processed a message")
		case <-time.After(200 * time.Millisecond):
		}
	})
}

func TestPingPong(t *testing.T) {
	ctx := context.Background()
	b := broker.Local()
	defer b.Close()

	pongs := make(chan *messages.Message, 1)
	alpha := newRuntime(t, "alpha", b)
	alpha.RegisterHandler("pong", func(_ context.Context, msg *messages.Message) error {
		pongs <- msg
		return nil
	})
	initRuntime(t, ctx, alpha)

	beta := newRuntime(t, "beta", b)
	initRuntime(t, ctx, beta)

	require.True(t, alpha.Send(ctx, "beta", "ping",
		messages.Payload{"x": float64(1)},
		messages.WithCorrelationID("c1")))

	select {
	case pong := <-pongs:
		assert.Equal(t, "beta", pong.FromAgent)
		assert.Equal(t, "c1", pong.CorrelationID)
		assert.Equal(t, "beta", pong.Payload.String("pong_from"))
		original, ok := pong.Payload["original_payload"].(messages.Payload)
		require.True(t, ok)
		assert.Equal(t, float64(1), original["x"])
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("own broadcasts never reach own handlers", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		received := make(chan *messages.Message, 1)
		alpha := newRuntime(t, "alpha", b)
		alpha.RegisterHandler("note", func(_ context.Context, msg *messages.Message) error {
			received <- msg
			return nil
		})
		initRuntime(t, ctx, alpha)

		require.True(t, alpha.Broadcast(ctx, "note", messages.Payload{"n": float64(1)}))

		select {
		case <-received:
			t.Fatal("agent processed its own broadcast")
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("last registration wins", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		fired := make(chan string, 2)
		beta := newRuntime(t, "beta", b)
		beta.RegisterHandler("custom", func(_ context.Context, _ *messages.Message) error {
			fired <- "first"
			return nil
		})
		beta.RegisterHandler("custom", func(_ context.Context, _ *messages.Message) error {
			fired <- "second"
			return nil
		})
		initRuntime(t, ctx, beta)

		alpha := newRuntime(t, "alpha", b)
		initRuntime(t, ctx, alpha)
		require.True(t, alpha.Send(ctx, "beta", "custom", nil))

		select {
		case winner := <-fired:
			assert.Equal(t, "second", winner)
		case <-time.After(2 * time.Second):
			t.Fatal("no handler fired")
		}
		select {
		case <-fired:
			t.Fatal("replaced handler fired too")
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("unhandled types are logged, not fatal", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		beta := newRuntime(t, "beta", b)
		initRuntime(t, ctx, beta)
		alpha := newRuntime(t, "alpha", b)
		initRuntime(t, ctx, alpha)

		require.True(t, alpha.Send(ctx, "beta", "mystery", nil))

		// the runtime keeps working afterwards
		pongs := make(chan *messages.Message, 1)
		alpha.RegisterHandler("pong", func(_ context.Context, msg *messages.Message) error {
			pongs <- msg
			return nil
		})
		require.True(t, alpha.Send(ctx, "beta", "ping", nil))
		select {
		case <-pongs:
		case <-time.After(2 * time.Second):
			t.Fatal("runtime stopped processing after an unhandled type")
		}
	})

	t.Run("handler failures are isolated", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		calls := make(chan int, 3)
		var n atomic.Int32
		beta := newRuntime(t, "beta", b)
		beta.RegisterHandler("flaky", func(_ context.Context, _ *messages.Message) error {
			call := int(n.Add(1))
			calls <- call
			switch call {
			case 1:
				return fmt.Errorf("transient failure")
			case 2:
				panic("much worse failure")
			}
			return nil
		})
		initRuntime(t, ctx, beta)

		alpha := newRuntime(t, "alpha", b)
		initRuntime(t, ctx, alpha)

		for i := 0; i < 3; i++ {
			require.True(t, alpha.Send(ctx, "beta", "flaky", nil))
		}
		for i := 1; i <= 3; i++ {
			select {
			case call := <-calls:
				assert.Equal(t, i, call)
			case <-time.After(2 * time.Second):
				t.Fatalf("handler did not survive failure %d", i)
			}
		}
	})
}

func TestDefaultProtocol(t *testing.T) {
	ctx := context.Background()

	t.Run("status_request yields a status_response", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		beta, err := New("beta", b,
			WithType("crawler"),
			WithStatusFunc(func(context.Context) messages.Payload {
				return messages.Payload{"backlog": float64(7)}
			}),
		)
		require.NoError(t, err)
		initRuntime(t, ctx, beta)

		responses := make(chan *messages.Message, 1)
		alpha := newRuntime(t, "alpha", b)
		alpha.RegisterHandler("status_response", func(_ context.Context, msg *messages.Message) error {
			responses <- msg
			return nil
		})
		initRuntime(t, ctx, alpha)

		require.True(t, alpha.Send(ctx, "beta", "status_request", nil,
			messages.WithCorrelationID("s1")))

		select {
		case resp := <-responses:
			assert.Equal(t, "s1", resp.CorrelationID)
			assert.Equal(t, "beta", resp.Payload.String("agent_id"))
			assert.Equal(t, "crawler", resp.Payload.String("agent_type"))
			assert.Equal(t, true, resp.Payload["is_active"])
			status, ok := resp.Payload["status"].(messages.Payload)
			require.True(t, ok)
			assert.Equal(t, float64(7), status["backlog"])
		case <-time.After(2 * time.Second):
			t.Fatal("no status_response received")
		}
	})

	t.Run("shutdown message stops only the targeted agent", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		beta := newRuntime(t, "beta", b)
		initRuntime(t, ctx, beta)
		gamma := newRuntime(t, "gamma", b)
		initRuntime(t, ctx, gamma)

		alpha := newRuntime(t, "alpha", b)
		initRuntime(t, ctx, alpha)

		require.True(t, alpha.Broadcast(ctx, "shutdown",
			messages.Payload{"target_agent": "beta"}))

		require.Eventually(t, func() bool { return beta.State() == StateStopped },
			2*time.Second, 20*time.Millisecond)
		assert.Equal(t, StateActive, gamma.State())
	})

	t.Run("pong does not trigger a reply loop", func(t *testing.T) {
		b := broker.Local()
		defer b.Close()

		beta := newRuntime(t, "beta", b)
		initRuntime(t, ctx, beta)
		alpha := newRuntime(t, "alpha", b)
		initRuntime(t, ctx, alpha)

		// alpha keeps its default pong handler; beta's pong must not provoke
		// another ping
		require.True(t, alpha.Send(ctx, "beta", "ping", nil))
		time.Sleep(300 * time.Millisecond)

		stats := alpha.Stats()
		received, ok := stats["messages_received"].(uint64)
		require.True(t, ok)
		assert.LessOrEqual(t, received, uint64(3))
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	b := broker.Local()
	defer b.Close()

	r := newRuntime(t, "alpha", b)
	stats := r.Stats()
	assert.Equal(t, "alpha", stats.String("agent_id"))
	assert.Equal(t, false, stats["is_active"])
	assert.NotContains(t, stats, "uptime")

	initRuntime(t, ctx, r)
	stats = r.Stats()
	assert.Equal(t, true, stats["is_active"])
	assert.Equal(t, "active", stats.String("state"))
	assert.Contains(t, stats, "uptime")
	// initialize sent the announcement heartbeat
	sent, ok := stats["messages_sent"].(uint64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, sent, uint64(1))
}
