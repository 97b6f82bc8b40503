package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/basestar-sh/agentforge/internal/common/logger"
)

// MemoryBus implements Bus with in-process fan-out. Used whenever no
// NATS URL is configured.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	log    *logger.Logger
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler Handler
	mu      sync.Mutex
	active  bool
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus constructs an in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub), log: log}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, event *LifecycleEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for pattern, subs := range b.subs {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for _, s := range subs {
			if !s.IsValid() {
				continue
			}
			go func(h Handler) {
				if err := h(ctx, event); err != nil {
					b.log.Warn("lifecycle event handler failed")
				}
			}(s.handler)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	pattern, err := wildcardToRegexp(subject)
	if err != nil {
		return nil, err
	}
	sub := &memorySub{bus: b, subject: subject, pattern: pattern, handler: handler, active: true}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*memorySub)
}

func (b *MemoryBus) IsConnected() bool { return true }

func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	re, err := wildcardToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}

// wildcardToRegexp translates NATS-style "*"/">" subject wildcards into a
// regexp so the in-memory bus matches subjects the same way the NATS
// bus would.
func wildcardToRegexp(subject string) (*regexp.Regexp, error) {
	parts := strings.Split(subject, ".")
	for i, p := range parts {
		switch p {
		case "*":
			parts[i] = `[^.]+`
		case ">":
			parts[i] = `.+`
		default:
			parts[i] = regexp.QuoteMeta(p)
		}
	}
	return regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
}
