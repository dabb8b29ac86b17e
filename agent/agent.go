package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/courier/broker"
	"github.com/casualjim/courier/messages"
	"github.com/casualjim/courier/pkg/slogx"
	"github.com/fogfish/opts"
)

// Handler processes one inbound message. Returned errors are logged at the
// dispatch boundary and never propagate; replies go back out through Send or
// Broadcast, usually carrying the request's correlation id.
type Handler func(ctx context.Context, msg *messages.Message) error

// StatusFunc supplies the application-specific half of a status_response.
type StatusFunc func(ctx context.Context) messages.Payload

const defaultHeartbeatInterval = 30 * time.Second

// Runtime is one agent's connection to the broker. It owns the handler
// table, the lifecycle state, and the background heartbeat loop.
type Runtime struct {
	id                string
	agentType         string
	broker            broker.Broker
	handlers          *haxmap.Map[string, Handler]
	statusFn          StatusFunc
	heartbeatInterval time.Duration
	log               *slog.Logger

	state     atomic.Int32
	subs      []broker.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	sent      atomic.Uint64
	received  atomic.Uint64
}

var (
	// WithType tags the agent with an application-defined type, reported in
	// heartbeats and status responses.
	WithType = opts.ForName[Runtime, string]("agentType")
	// WithHeartbeatInterval changes how often the background loop announces
	// the agent on the broadcast channel.
	WithHeartbeatInterval = opts.ForName[Runtime, time.Duration]("heartbeatInterval")
	// WithStatusFunc installs the application's status query, invoked when a
	// status_request arrives.
	WithStatusFunc = opts.ForName[Runtime, StatusFunc]("statusFn")
	// WithLogger replaces the runtime's logger.
	WithLogger = opts.ForName[Runtime, *slog.Logger]("log")
)

// New builds a runtime for the given agent id on top of a broker. The
// returned runtime is uninitialized; call Initialize to bring it online.
func New(id string, b broker.Broker, options ...opts.Option[Runtime]) (*Runtime, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}

	r := &Runtime{
		id:                id,
		agentType:         "base",
		broker:            b,
		handlers:          haxmap.New[string, Handler](),
		heartbeatInterval: defaultHeartbeatInterval,
	}
	if err := opts.Apply(r, options); err != nil {
		return nil, err
	}
	if r.statusFn == nil {
		r.statusFn = func(context.Context) messages.Payload { return messages.Payload{} }
	}
	if r.log == nil {
		r.log = slog.Default().With(slogx.Agent(id), slog.String("agent_type", r.agentType))
	}
	r.registerDefaultHandlers()
	return r, nil
}

func (r *Runtime) registerDefaultHandlers() {
	r.RegisterHandler("ping", r.handlePing)
	r.RegisterHandler("pong", r.handlePong)
	r.RegisterHandler("heartbeat", r.handleHeartbeat)
	r.RegisterHandler("shutdown", r.handleShutdown)
	r.RegisterHandler("status_request", r.handleStatusRequest)
}

// RegisterHandler installs a handler for a message type. The last
// registration for a type wins, which also lets applications override the
// default protocol handlers.
func (r *Runtime) RegisterHandler(msgType string, handler Handler) {
	r.handlers.Set(msgType, handler)
	r.log.Debug("registered message handler", slogx.MessageType(msgType))
}

// ID returns the agent's identifier.
func (r *Runtime) ID() string { return r.id }

// Type returns the agent's type tag.
func (r *Runtime) Type() string { return r.agentType }

// State returns the current lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Active reports whether the runtime is processing messages.
func (r *Runtime) Active() bool { return r.State() == StateActive }

// Initialize brings the agent online: it subscribes to the agent's direct
// channel and the broadcast channel, starts the heartbeat loop, and
// announces the agent with an initial heartbeat.
func (r *Runtime) Initialize(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateUninitialized), int32(StateActive)) {
		return fmt.Errorf("agent %s cannot initialize from state %q", r.id, r.State())
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	direct, err := r.broker.Subscribe(loopCtx, messages.AgentChannel(r.id), r.handleMessage)
	if err != nil {
		cancel()
		r.state.Store(int32(StateStopped))
		return err
	}
	bcast, err := r.broker.Subscribe(loopCtx, messages.BroadcastChannel, r.handleMessage)
	if err != nil {
		direct.Unsubscribe()
		cancel()
		r.state.Store(int32(StateStopped))
		return err
	}
	r.subs = []broker.Subscription{direct, bcast}
	r.startedAt = time.Now()

	r.sendHeartbeat(ctx)

	r.wg.Add(1)
	go r.heartbeatLoop(loopCtx)

	r.log.Info("agent initialized")
	return nil
}

// Shutdown takes the agent offline: it broadcasts a departure notice, stops
// the heartbeat loop, and drops both subscriptions. Calling it again, or on
// a runtime that never started, is a no-op.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateActive), int32(StateShuttingDown)) {
		return nil
	}

	r.Broadcast(ctx, "agent_shutdown", messages.Payload{
		"agent_id":  r.id,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil

	r.state.Store(int32(StateStopped))
	r.log.Info("agent stopped")
	return nil
}

// Send constructs and publishes a direct message to another agent. It
// reports whether the durable write succeeded; invalid messages are rejected
// before any I/O.
func (r *Runtime) Send(ctx context.Context, to, msgType string, payload messages.Payload, options ...opts.Option[messages.Message]) bool {
	msg, err := messages.New(r.id, to, msgType, payload, options...)
	if err != nil {
		r.log.Error("refusing to send invalid message", slogx.Error(err), slogx.MessageType(msgType))
		return false
	}
	if !r.broker.SendToAgent(ctx, to, msg) {
		r.log.Error("failed to send message", slogx.MessageType(msgType), slog.String("to", to))
		return false
	}
	r.sent.Add(1)
	return true
}

// Broadcast constructs and publishes a message to every agent.
func (r *Runtime) Broadcast(ctx context.Context, msgType string, payload messages.Payload, options ...opts.Option[messages.Message]) bool {
	msg, err := messages.New(r.id, "", msgType, payload, options...)
	if err != nil {
		r.log.Error("refusing to broadcast invalid message", slogx.Error(err), slogx.MessageType(msgType))
		return false
	}
	if !r.broker.Broadcast(ctx, msg) {
		r.log.Error("failed to broadcast message", slogx.MessageType(msgType))
		return false
	}
	r.sent.Add(1)
	return true
}

// Stats returns runtime counters for the operational API layer.
func (r *Runtime) Stats() messages.Payload {
	stats := messages.Payload{
		"agent_id":          r.id,
		"agent_type":        r.agentType,
		"is_active":         r.Active(),
		"state":             r.State().String(),
		"messages_sent":     r.sent.Load(),
		"messages_received": r.received.Load(),
	}
	if !r.startedAt.IsZero() {
		stats["uptime"] = time.Since(r.startedAt).String()
	}
	return stats
}

// handleMessage is the broker callback: it suppresses self-echo, routes by
// message type, and isolates handler failures.
func (r *Runtime) handleMessage(ctx context.Context, msg *messages.Message) {
	if msg.FromAgent == r.id {
		// Broadcast delivery includes the sender's own messages; drop them
		// before they can bounce between default handlers.
		return
	}
	r.received.Add(1)
	r.log.Debug("received message", slogx.MessageType(msg.MessageType), slog.String("from", msg.FromAgent))

	handler, ok := r.handlers.Get(msg.MessageType)
	if !ok {
		r.log.Warn("unhandled message type", slogx.MessageType(msg.MessageType), slog.String("from", msg.FromAgent))
		return
	}
	r.invoke(ctx, handler, msg)
}

func (r *Runtime) invoke(ctx context.Context, handler Handler, msg *messages.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("message handler panicked",
				slog.Any("panic", rec), slogx.MessageType(msg.MessageType), slog.String("from", msg.FromAgent))
		}
	}()
	if err := handler(ctx, msg); err != nil {
		r.log.Error("message handler failed",
			slogx.Error(err), slogx.MessageType(msg.MessageType), slog.String("from", msg.FromAgent))
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendHeartbeat(ctx)
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context) {
	r.Broadcast(ctx, "heartbeat", messages.Payload{
		"agent_id":   r.id,
		"agent_type": r.agentType,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// Default protocol handlers.

func (r *Runtime) handlePing(ctx context.Context, msg *messages.Message) error {
	reply, err := msg.Reply(r.id, "pong", messages.Payload{
		"original_payload": msg.Payload,
		"pong_from":        r.id,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if !r.broker.SendToAgent(ctx, msg.FromAgent, reply) {
		return &broker.TransportError{Op: "pong", Err: fmt.Errorf("durable write failed")}
	}
	r.sent.Add(1)
	r.log.Debug("responded to ping", slog.String("from", msg.FromAgent))
	return nil
}

func (r *Runtime) handlePong(ctx context.Context, msg *messages.Message) error {
	// Log only: replying here would ping-pong forever.
	r.log.Info("received pong", slog.String("from", msg.FromAgent))
	return nil
}

func (r *Runtime) handleHeartbeat(ctx context.Context, msg *messages.Message) error {
	r.log.Debug("heartbeat", slog.String("from", msg.FromAgent))
	return nil
}

func (r *Runtime) handleShutdown(ctx context.Context, msg *messages.Message) error {
	if msg.Payload.String("target_agent") != r.id {
		return nil
	}
	r.log.Info("shutdown requested", slog.String("from", msg.FromAgent))
	return r.Shutdown(ctx)
}

func (r *Runtime) handleStatusRequest(ctx context.Context, msg *messages.Message) error {
	reply, err := msg.Reply(r.id, "status_response", messages.Payload{
		"agent_id":   r.id,
		"agent_type": r.agentType,
		"is_active":  r.Active(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"status":     r.statusFn(ctx),
	})
	if err != nil {
		return err
	}
	if !r.broker.SendToAgent(ctx, msg.FromAgent, reply) {
		return &broker.TransportError{Op: "status response", Err: fmt.Errorf("durable write failed")}
	}
	r.sent.Add(1)
	return nil
}
