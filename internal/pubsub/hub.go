package pubsub

import (
	"errors"
	"strings"
	"sync"
)

const (
	DefaultBacklogSize      = 50
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidTopic   = errors.New("invalid_topic")
)

// Hub fans events out to subscribers per topic. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub[T any] struct {
	mu               sync.RWMutex
	streams          map[string]*stream[T]
	backlogSize      int
	subscriberBuffer int
}

type stream[T any] struct {
	mu      sync.Mutex
	backlog []T
	subs    map[uint64]chan T
	nextID  uint64
}

type Subscription[T any] struct {
	hub   *Hub[T]
	topic string
	id    uint64
	ch    chan T
	once  sync.Once
}

type Option func(*options)

type options struct {
	backlogSize      int
	subscriberBuffer int
}

// WithBacklog sets how many recent events a new subscriber receives.
func WithBacklog(size int) Option {
	return func(o *options) {
		if size >= 0 {
			o.backlogSize = size
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.subscriberBuffer = size
		}
	}
}

func NewHub[T any](opts ...Option) *Hub[T] {
	o := options{backlogSize: DefaultBacklogSize, subscriberBuffer: DefaultSubscriberBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &Hub[T]{
		streams:          make(map[string]*stream[T]),
		backlogSize:      o.backlogSize,
		subscriberBuffer: o.subscriberBuffer,
	}
}

// Publish delivers event to current subscribers of topic and returns how many
// subscribers missed it. Topics without subscribers are not buffered.
func (h *Hub[T]) Publish(topic string, event T) (dropped int) {
	if h == nil {
		return 0
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return 0
	}
	h.mu.RLock()
	s := h.streams[topic]
	h.mu.RUnlock()
	if s == nil {
		return 0
	}

	s.mu.Lock()
	if h.backlogSize > 0 {
		s.backlog = append(s.backlog, event)
		if len(s.backlog) > h.backlogSize {
			s.backlog = s.backlog[len(s.backlog)-h.backlogSize:]
		}
	}
	subs := make([]chan T, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	return dropped
}

// Subscribe registers a subscriber and returns the topic backlog.
func (h *Hub[T]) Subscribe(topic string) (*Subscription[T], []T, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, nil, ErrInvalidTopic
	}

	s := h.ensureStream(topic)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan T, h.subscriberBuffer)
	s.subs[id] = ch
	backlog := append([]T(nil), s.backlog...)
	s.mu.Unlock()

	return &Subscription[T]{hub: h, topic: topic, id: id, ch: ch}, backlog, nil
}

// Subscribers returns the number of live subscribers on topic.
func (h *Hub[T]) Subscribers(topic string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	s := h.streams[strings.TrimSpace(topic)]
	h.mu.RUnlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (h *Hub[T]) ensureStream(topic string) *stream[T] {
	h.mu.RLock()
	current := h.streams[topic]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[topic]
	if current == nil {
		current = &stream[T]{subs: make(map[uint64]chan T)}
		h.streams[topic] = current
	}
	return current
}

func (h *Hub[T]) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.streams[topic]
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.subs, id)
	empty := len(s.subs) == 0
	s.mu.Unlock()
	if empty {
		delete(h.streams, topic)
	}
}

func (s *Subscription[T]) Events() <-chan T {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription[T]) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.topic, s.id)
	})
}
