package broker

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/courier/messages"
	"github.com/casualjim/courier/pkg/slogx"
	"github.com/google/uuid"
)

const defaultSlowSubscriberTimeout = 100 * time.Millisecond

var _ Broker = (*localBroker)(nil)

type localBroker struct {
	channels              *haxmap.Map[string, *localChannel]
	queues                *haxmap.Map[string, *memQueue]
	history               *haxmap.Map[string, *historyRing]
	slowSubscriberTimeout time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
}

// Local returns an in-memory broker. Live delivery happens at publish time,
// so a single process gets working pub/sub without any backing service;
// StartListening only parks until stopped, for parity with the Redis broker.
func Local() Broker {
	return &localBroker{
		channels:              haxmap.New[string, *localChannel](),
		queues:                haxmap.New[string, *memQueue](),
		history:               haxmap.New[string, *historyRing](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
	}
}

// WithSlowSubscriberTimeout configures how long a publish waits on a full
// subscriber buffer before dropping that subscriber's live delivery.
func (b *localBroker) WithSlowSubscriberTimeout(timeout time.Duration) *localBroker {
	b.slowSubscriberTimeout = timeout
	return b
}

func (b *localBroker) channel(name string) *localChannel {
	ch, _ := b.channels.GetOrCompute(name, func() *localChannel {
		return &localChannel{subscriptions: haxmap.New[string, *localSubscription]()}
	})
	return ch
}

func (b *localBroker) queue(key string) *memQueue {
	q, _ := b.queues.GetOrCompute(key, func() *memQueue {
		return &memQueue{notify: make(chan struct{}, 1)}
	})
	return q
}

func (b *localBroker) Publish(ctx context.Context, msg *messages.Message, channel string) bool {
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

	var expires *time.Time
	if msg.ExpiresAt != nil {
		t := time.Time(*msg.ExpiresAt)
		expires = &t
	}
	b.queue(queueKey(channel)).add(data, msg.Score(), expires)
	b.recordHistory(historyOwner(msg), historyRecord(msg))
	b.fanOut(ctx, channel, msg)

	slog.Debug("published message", slog.String("id", msg.ID), slogx.Channel(channel))
	return true
}

func (b *localBroker) fanOut(ctx context.Context, channel string, msg *messages.Message) {
	ch, ok := b.channels.Get(channel)
	if !ok {
		return
	}
	ch.subscriptions.ForEach(func(id string, sub *localSubscription) bool {
		if sub == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-sub.ctx.Done():
			sub.Unsubscribe()
		case sub.ch <- msg:
		case <-time.After(b.slowSubscriberTimeout):
			// Buffer full: skip live delivery for this subscriber, the durable
			// queue still holds the message.
			slog.Warn("dropping live delivery to slow subscriber",
				slog.String("subscription", id), slogx.Channel(channel))
		}
		return true
	})
}

func (b *localBroker) Subscribe(ctx context.Context, channel string, cb Callback) (Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("callback is required")
	}
	ch := b.channel(channel)
	id := uuid.Must(uuid.NewV7()).String()
	sub := &localSubscription{
		id:      id,
		ctx:     ctx,
		ch:      make(chan *messages.Message, 50),
		onClose: func() { ch.subscriptions.Del(id) },
		cb:      cb,
	}
	ch.subscriptions.Set(id, sub)
	go sub.forward()
	slog.Debug("subscribed to channel", slogx.Channel(channel), slog.String("subscription", id))
	return sub, nil
}

func (b *localBroker) SendToAgent(ctx context.Context, agentID string, msg *messages.Message) bool {
	return b.Publish(ctx, msg, messages.AgentChannel(agentID))
}

func (b *localBroker) Broadcast(ctx context.Context, msg *messages.Message) bool {
	return b.Publish(ctx, msg, messages.BroadcastChannel)
}

func (b *localBroker) StartListening(ctx context.Context) error {
	b.mu.Lock()
	if b.stopCh == nil {
		b.stopCh = make(chan struct{})
	}
	stop := b.stopCh
	b.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-stop:
	}
	return nil
}

func (b *localBroker) StopListening() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
}

func (b *localBroker) PopMessage(ctx context.Context, channel string) (*messages.Message, bool) {
	q := b.queue(queueKey(channel))
	for {
		entry, ok := q.pop(time.Now())
		if !ok {
			return nil, false
		}
		msg, err := messages.FromJSON(entry.data)
		if err != nil {
			slog.Error("dropping malformed queue entry", slogx.Error(err), slogx.Channel(channel))
			continue
		}
		return msg, true
	}
}

func (b *localBroker) QueueLength(ctx context.Context, name string) int {
	q, ok := b.queues.Get(queueKey(name))
	if !ok {
		return 0
	}
	return q.length(time.Now())
}

func (b *localBroker) CreateTaskQueue(ctx context.Context, name string) error {
	b.queue(queueKey(name))
	return nil
}

func (b *localBroker) AddTask(ctx context.Context, name string, task messages.Payload, priority int) bool {
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
	b.queue(queueKey(name)).add(data, messages.Score(priority, time.Now()), nil)
	return true
}

func (b *localBroker) GetTask(ctx context.Context, name string, timeout time.Duration) (messages.Payload, bool) {
	q := b.queue(queueKey(name))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if entry, ok := q.pop(time.Now()); ok {
			task, err := messages.PayloadFromJSON(entry.data)
			if err != nil {
				slog.Error("dropping malformed task", slogx.Error(err), slogx.Channel(name))
				continue
			}
			return task, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-q.notify:
		}
	}
}

func (b *localBroker) recordHistory(agentID string, rec messages.Payload) {
	if agentID == "" {
		return
	}
	ring, _ := b.history.GetOrCompute(historyKey(agentID), func() *historyRing {
		return &historyRing{}
	})
	ring.push(rec)
}

func (b *localBroker) History(ctx context.Context, agentID string, limit int) []messages.Payload {
	ring, ok := b.history.Get(historyKey(agentID))
	if !ok {
		return []messages.Payload{}
	}
	return ring.newest(limit)
}

func (b *localBroker) HealthCheck(ctx context.Context) bool {
	return true
}

func (b *localBroker) Stats(ctx context.Context) messages.Payload {
	subscribers := 0
	b.channels.ForEach(func(_ string, ch *localChannel) bool {
		subscribers += int(ch.subscriptions.Len())
		return true
	})
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return messages.Payload{
		"status":      "connected",
		"backend":     "local",
		"subscribers": subscribers,
		"queues":      int(b.queues.Len()),
		"used_memory": mem.HeapAlloc,
	}
}

func (b *localBroker) Close() error {
	b.StopListening()
	b.channels.ForEach(func(_ string, ch *localChannel) bool {
		ch.subscriptions.ForEach(func(_ string, sub *localSubscription) bool {
			sub.Unsubscribe()
			return true
		})
		return true
	})
	return nil
}

type localChannel struct {
	subscriptions *haxmap.Map[string, *localSubscription]
}

type localSubscription struct {
	id        string
	ctx       context.Context
	ch        chan *messages.Message
	closeOnce sync.Once
	onClose   func()
	cb        Callback
}

func (s *localSubscription) ID() string {
	return s.id
}

func (s *localSubscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.ch)
	})
}

func (s *localSubscription) forward() {
	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				return
			}
			s.invoke(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *localSubscription) invoke(msg *messages.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message callback panicked",
				slog.Any("panic", r), slogx.MessageType(msg.MessageType))
		}
	}()
	s.cb(s.ctx, msg)
}

// memQueue is the in-memory priority store behind one durable queue. Pops are
// serialized by the mutex so concurrent consumers never see the same entry.
type memQueue struct {
	mu      sync.Mutex
	entries entryHeap
	seq     uint64
	notify  chan struct{}
}

func (q *memQueue) add(data []byte, score int64, expiresAt *time.Time) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.entries, &queueEntry{data: data, score: score, seq: q.seq, expiresAt: expiresAt})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop(now time.Time) (*queueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.entries.Len() > 0 {
		entry := heap.Pop(&q.entries).(*queueEntry)
		if entry.expired(now) {
			continue
		}
		return entry, true
	}
	return nil, false
}

func (q *memQueue) length(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, entry := range q.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}

type queueEntry struct {
	data      []byte
	score     int64
	seq       uint64
	expiresAt *time.Time
}

func (e *queueEntry) expired(now time.Time) bool {
	return e.expiresAt != nil && now.After(*e.expiresAt)
}

// entryHeap orders by score first, insertion order second, so equal scores
// pop in FIFO order.
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*queueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// historyRing keeps the most recent historyCap records for one agent.
type historyRing struct {
	mu      sync.Mutex
	entries []messages.Payload
	head    int
	count   int
}

func (r *historyRing) push(rec messages.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make([]messages.Payload, historyCap)
	}
	r.entries[r.head] = rec
	r.head = (r.head + 1) % historyCap
	if r.count < historyCap {
		r.count++
	}
}

// newest returns up to limit records, most recent first.
func (r *historyRing) newest(limit int) []messages.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]messages.Payload, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.head - i + historyCap) % historyCap
		out = append(out, r.entries[idx])
	}
	return out
}
