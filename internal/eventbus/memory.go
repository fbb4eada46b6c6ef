package eventbus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/logging"
)

// MemoryBus implements EventBus with in-process channels. It's the
// default for a single-process deployment (spec §9: eventbus is only
// load-bearing once a second process needs the same notifications).
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySub
	queues        map[string]*queueGroup
	logger        *logging.Logger
	closed        bool
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   string
	mu      sync.Mutex
	active  bool
}

type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySub
	next        int
}

// NewMemoryBus constructs an in-process EventBus.
func NewMemoryBus(logger *logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySub),
		queues:        make(map[string]*queueGroup),
		logger:        logger.WithFields(zap.String("component", "eventbus")),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("eventbus: bus is closed")
	}

	delivered := make(map[string]bool)
	for pattern, subs := range b.subscriptions {
		if !subjectMatches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}
			if sub.queue != "" {
				key := sub.queue + ":" + pattern
				if delivered[key] {
					continue
				}
				delivered[key] = true
				b.deliverToQueue(ctx, key, subject, event)
				continue
			}
			go func(s *memorySub, e *Event) {
				if err := s.handler(ctx, e); err != nil {
					b.logger.Error("handler error", zap.String("subject", subject), zap.Error(err))
				}
			}(sub, event)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("eventbus: bus is closed")
	}
	sub := &memorySub{bus: b, subject: subject, pattern: compileSubject(subject), handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

func (b *MemoryBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("eventbus: bus is closed")
	}
	sub := &memorySub{bus: b, subject: subject, pattern: compileSubject(subject), handler: handler, queue: queue, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	key := queue + ":" + subject
	if _, ok := b.queues[key]; !ok {
		b.queues[key] = &queueGroup{}
	}
	b.queues[key].subscribers = append(b.queues[key].subscribers, sub)
	return sub, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, s := range subs {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySub)
	b.queues = make(map[string]*queueGroup)
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBus) deliverToQueue(ctx context.Context, key, subject string, event *Event) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()
	n := len(qg.subscribers)
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		idx := (qg.next + i) % n
		sub := qg.subscribers[idx]
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		qg.next = (idx + 1) % n
		go func(s *memorySub, e *Event) {
			if err := s.handler(ctx, e); err != nil {
				b.logger.Error("queue handler error", zap.String("subject", subject), zap.String("queue", key), zap.Error(err))
			}
		}(sub, event)
		return
	}
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	if s.queue != "" {
		key := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[key]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// subjectMatches checks subject against a wildcard pattern; exact
// patterns skip the regex compile entirely.
func subjectMatches(subject, pattern string) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	re := compileSubject(pattern)
	return re != nil && re.MatchString(subject)
}

func compileSubject(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
