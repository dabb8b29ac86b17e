package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/courier/messages"
	"github.com/casualjim/courier/pkg/slogx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Broker = (*redisBroker)(nil)

type redisBroker struct {
	client   *redis.Client
	channels *haxmap.Map[string, *callbackSet]
	running  atomic.Bool

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// Redis returns a broker backed by a shared Redis instance: PUBLISH/SUBSCRIBE
// carries live delivery, sorted sets hold the durable priority queues, lists
// hold the history ledger. Independent agent processes pointed at the same
// Redis see one logical broker.
func Redis(client *redis.Client) Broker {
	return &redisBroker{
		client:   client,
		channels: haxmap.New[string, *callbackSet](),
	}
}

// Connect dials Redis at the given URL and verifies the connection before
// returning a broker on top of it.
func Connect(ctx context.Context, url string) (Broker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &TransportError{Op: "connect", Err: err}
	}
	slog.Info("connected to redis message broker", slog.String("url", url))
	return Redis(client), nil
}

// expiryIndexKey names the sorted set tracking per-entry delivery deadlines
// for a durable queue, keyed by deadline so expired entries can be pruned in
// one range query.
func expiryIndexKey(name string) string {
	return "expiry:" + queueKey(name)
}

func (b *redisBroker) Publish(ctx context.Context, msg *messages.Message, channel string) bool {
	if msg == nil {
		return false
	}
	if channel == "" {
		channel = msg.Channel()
	}

	data, err := msg.ToJSON()
	if err != nil {
		slog.Error("failed to serialize message", slogx.Error(&TransportError{Op: "publish", Err: err}))
		return false
	}

	// Live delivery is best effort; the durable write below decides success.
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		slog.Error("live delivery failed", slogx.Error(&TransportError{Op: "publish", Err: err}), slogx.Channel(channel))
	}

	key := queueKey(channel)
	if err := b.client.ZAdd(ctx, key, redis.Z{Score: float64(msg.Score()), Member: string(data)}).Err(); err != nil {
		slog.Error("durable write failed", slogx.Error(&TransportError{Op: "publish", Err: err}), slogx.Channel(channel))
		return false
	}

	if ttl, ok := msg.TTL(time.Now()); ok {
		deadline := time.Time(*msg.ExpiresAt)
		if err := b.client.ZAdd(ctx, expiryIndexKey(channel), redis.Z{
			Score:  float64(deadline.Unix()),
			Member: string(data),
		}).Err(); err != nil {
			slog.Error("failed to index message expiry", slogx.Error(err), slogx.Channel(channel))
		}
		if ttl > 0 {
			if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
				slog.Error("failed to set queue expiration", slogx.Error(err), slogx.Channel(channel))
			}
		}
	}

	b.recordHistory(ctx, historyOwner(msg), msg)

	slog.Debug("published message", slog.String("id", msg.ID), slogx.Channel(channel))
	return true
}

func (b *redisBroker) Subscribe(ctx context.Context, channel string, cb Callback) (Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("callback is required")
	}
	set, _ := b.channels.GetOrCompute(channel, func() *callbackSet {
		return &callbackSet{}
	})
	sub := &redisSubscription{
		id:  uuid.Must(uuid.NewV7()).String(),
		set: set,
		cb:  cb,
	}
	set.add(sub)

	// When the listener is already running, widen its subscription set so the
	// new channel starts receiving without a restart.
	b.mu.Lock()
	ps := b.pubsub
	b.mu.Unlock()
	if ps != nil {
		if err := ps.Subscribe(ctx, channel); err != nil {
			sub.Unsubscribe()
			return nil, &TransportError{Op: "subscribe", Err: err}
		}
	}

	slog.Debug("subscribed to channel", slogx.Channel(channel), slog.String("subscription", sub.id))
	return sub, nil
}

func (b *redisBroker) SendToAgent(ctx context.Context, agentID string, msg *messages.Message) bool {
	return b.Publish(ctx, msg, messages.AgentChannel(agentID))
}

func (b *redisBroker) Broadcast(ctx context.Context, msg *messages.Message) bool {
	return b.Publish(ctx, msg, messages.BroadcastChannel)
}

func (b *redisBroker) StartListening(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("broker is already listening")
	}
	defer b.running.Store(false)

	var channels []string
	b.channels.ForEach(func(name string, _ *callbackSet) bool {
		channels = append(channels, name)
		return true
	})
	if len(channels) == 0 {
		slog.Warn("no subscribers registered, listener not started")
		return nil
	}

	ps := b.client.Subscribe(ctx, channels...)
	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.pubsub = nil
		b.mu.Unlock()
		_ = ps.Close()
	}()

	for _, channel := range channels {
		slog.Info("listening on channel", slogx.Channel(channel))
	}

	for b.running.Load() {
		received, err := ps.ReceiveTimeout(ctx, pollTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || !b.running.Load() {
				return nil
			}
			slog.Error("error in message listener", slogx.Error(err))
			time.Sleep(pollTimeout)
			continue
		}
		if msg, ok := received.(*redis.Message); ok {
			b.dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
	return nil
}

func (b *redisBroker) StopListening() {
	b.running.Store(false)
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
	slog.Debug("message listener stopped")
}

func (b *redisBroker) dispatch(ctx context.Context, channel string, data []byte) {
	msg, err := messages.FromJSON(data)
	if err != nil {
		slog.Error("dropping malformed message", slogx.Error(err), slogx.Channel(channel))
		return
	}
	set, ok := b.channels.Get(channel)
	if !ok {
		return
	}
	for _, sub := range set.snapshot() {
		go func(sub *redisSubscription) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("message callback panicked",
						slog.Any("panic", r), slogx.MessageType(msg.MessageType))
				}
			}()
			sub.cb(ctx, msg)
		}(sub)
	}
}

// prune drops entries whose delivery deadline has passed so they are
// invisible to both pops and length queries even before Redis purges them.
func (b *redisBroker) prune(ctx context.Context, name string) {
	idx := expiryIndexKey(name)
	members, err := b.client.ZRangeByScore(ctx, idx, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	stale := make([]any, len(members))
	for i, m := range members {
		stale[i] = m
	}
	if err := b.client.ZRem(ctx, queueKey(name), stale...).Err(); err != nil {
		slog.Error("failed to prune expired entries", slogx.Error(err), slogx.Channel(name))
	}
	if err := b.client.ZRem(ctx, idx, stale...).Err(); err != nil {
		slog.Error("failed to prune expiry index", slogx.Error(err), slogx.Channel(name))
	}
}

func (b *redisBroker) PopMessage(ctx context.Context, channel string) (*messages.Message, bool) {
	b.prune(ctx, channel)
	key := queueKey(channel)
	for {
		result, err := b.client.ZPopMin(ctx, key, 1).Result()
		if err != nil {
			slog.Error("failed to pop message", slogx.Error(&TransportError{Op: "pop", Err: err}), slogx.Channel(channel))
			return nil, false
		}
		if len(result) == 0 {
			return nil, false
		}
		data, _ := result[0].Member.(string)
		msg, err := messages.FromJSON([]byte(data))
		if err != nil {
			slog.Error("dropping malformed queue entry", slogx.Error(err), slogx.Channel(channel))
			continue
		}
		if msg.ExpiresAt != nil {
			b.client.ZRem(ctx, expiryIndexKey(channel), data)
			if msg.Expired(time.Now()) {
				continue
			}
		}
		return msg, true
	}
}

func (b *redisBroker) QueueLength(ctx context.Context, name string) int {
	b.prune(ctx, name)
	length, err := b.client.ZCard(ctx, queueKey(name)).Result()
	if err != nil {
		slog.Error("failed to read queue length", slogx.Error(&TransportError{Op: "queue length", Err: err}), slogx.Channel(name))
		return 0
	}
	return int(length)
}

func (b *redisBroker) CreateTaskQueue(ctx context.Context, name string) error {
	if err := b.client.Exists(ctx, queueKey(name)).Err(); err != nil {
		return &TransportError{Op: "create task queue", Err: err}
	}
	slog.Info("task queue initialized", slogx.Channel(name))
	return nil
}

func (b *redisBroker) AddTask(ctx context.Context, name string, task messages.Payload, priority int) bool {
	if priority < messages.MinPriority || priority > messages.MaxPriority {
		slog.Error("rejecting task with invalid priority",
			slog.Int("priority", priority), slogx.Channel(name))
		return false
	}
	data, err := task.ToJSON()
	if err != nil {
		slog.Error("failed to serialize task", slogx.Error(&TransportError{Op: "add task", Err: err}))
		return false
	}
	score := messages.Score(priority, time.Now())
	if err := b.client.ZAdd(ctx, queueKey(name), redis.Z{Score: float64(score), Member: string(data)}).Err(); err != nil {
		slog.Error("failed to add task", slogx.Error(&TransportError{Op: "add task", Err: err}), slogx.Channel(name))
		return false
	}
	return true
}

func (b *redisBroker) GetTask(ctx context.Context, name string, timeout time.Duration) (messages.Payload, bool) {
	key := queueKey(name)
	if timeout <= 0 {
		result, err := b.client.ZPopMin(ctx, key, 1).Result()
		if err != nil || len(result) == 0 {
			return nil, false
		}
		return decodeTask(result[0].Member, name)
	}

	result, err := b.client.BZPopMin(ctx, timeout, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("failed to get task", slogx.Error(&TransportError{Op: "get task", Err: err}), slogx.Channel(name))
		}
		return nil, false
	}
	return decodeTask(result.Member, name)
}

func decodeTask(member any, name string) (messages.Payload, bool) {
	data, _ := member.(string)
	task, err := messages.PayloadFromJSON([]byte(data))
	if err != nil {
		slog.Error("dropping malformed task", slogx.Error(err), slogx.Channel(name))
		return nil, false
	}
	return task, true
}

func (b *redisBroker) recordHistory(ctx context.Context, agentID string, msg *messages.Message) {
	if agentID == "" {
		return
	}
	data, err := historyRecord(msg).ToJSON()
	if err != nil {
		slog.Error("failed to serialize history record", slogx.Error(err), slogx.Agent(agentID))
		return
	}
	key := historyKey(agentID)
	if err := b.client.LPush(ctx, key, data).Err(); err != nil {
		slog.Error("failed to record history", slogx.Error(err), slogx.Agent(agentID))
		return
	}
	if err := b.client.LTrim(ctx, key, 0, historyCap-1).Err(); err != nil {
		slog.Error("failed to trim history", slogx.Error(err), slogx.Agent(agentID))
	}
}

func (b *redisBroker) History(ctx context.Context, agentID string, limit int) []messages.Payload {
	raw, err := b.client.LRange(ctx, historyKey(agentID), 0, int64(limit-1)).Result()
	if err != nil {
		slog.Error("failed to read history", slogx.Error(&TransportError{Op: "history", Err: err}), slogx.Agent(agentID))
		return []messages.Payload{}
	}
	out := make([]messages.Payload, 0, len(raw))
	for _, data := range raw {
		rec, err := messages.PayloadFromJSON([]byte(data))
		if err != nil {
			slog.Error("skipping malformed history record", slogx.Error(err), slogx.Agent(agentID))
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (b *redisBroker) HealthCheck(ctx context.Context) bool {
	return b.client.Ping(ctx).Err() == nil
}

func (b *redisBroker) Stats(ctx context.Context) messages.Payload {
	subscribers := 0
	b.channels.ForEach(func(_ string, set *callbackSet) bool {
		subscribers += set.len()
		return true
	})

	info, err := b.client.Info(ctx).Result()
	if err != nil {
		return messages.Payload{"status": "error", "error": err.Error()}
	}
	fields := parseInfo(info)
	return messages.Payload{
		"status":                   "connected",
		"backend":                  "redis",
		"connected_clients":        fields["connected_clients"],
		"used_memory":              fields["used_memory_human"],
		"total_commands_processed": fields["total_commands_processed"],
		"subscribers":              subscribers,
	}
}

// parseInfo flattens the INFO reply's key:value lines, skipping section
// headers and comments.
func parseInfo(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, value, found := strings.Cut(line, ":"); found {
			fields[key] = value
		}
	}
	return fields
}

func (b *redisBroker) Close() error {
	b.StopListening()
	return b.client.Close()
}

type callbackSet struct {
	mu   sync.RWMutex
	subs []*redisSubscription
}

func (s *callbackSet) add(sub *redisSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *callbackSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *callbackSet) snapshot() []*redisSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*redisSubscription, len(s.subs))
	copy(out, s.subs)
	return out
}

func (s *callbackSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

type redisSubscription struct {
	id   string
	set  *callbackSet
	cb   Callback
	once sync.Once
}

func (s *redisSubscription) ID() string {
	return s.id
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.set.remove(s.id)
	})
}
