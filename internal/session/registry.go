package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"tandem-backend/pkg/logger"
)

// Factory 为话题创建会话
type Factory func(ctx context.Context, topic string) (*Session, error)

type entry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Registry 话题到会话的映射，同一话题只会创建一次
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	factory  Factory
	ttl      time.Duration
}

func NewRegistry(factory Factory, ttl time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		factory:  factory,
		ttl:      ttl,
	}
}

// GetOrCreate 同一话题返回同一会话；创建失败不会留下记录，下次调用会重试
func (r *Registry) GetOrCreate(ctx context.Context, topic string) (*Session, error) {
	r.mu.Lock()
	e, exists := r.sessions[topic]
	if !exists {
		e = &entry{ready: make(chan struct{})}
		r.sessions[topic] = e
	}
	r.mu.Unlock()

	if !exists {
		e.session, e.err = r.factory(ctx, topic)
		if e.err != nil {
			r.mu.Lock()
			if r.sessions[topic] == e {
				delete(r.sessions, topic)
			}
			r.mu.Unlock()
		} else {
			logger.Infof("Session created for topic %q (%s)", topic, e.session.ID())
		}
		close(e.ready)
		return e.session, e.err
	}

	select {
	case <-e.ready:
		return e.session, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get 只查找已创建完成的会话
func (r *Registry) Get(topic string) (*Session, bool) {
	r.mu.Lock()
	e, exists := r.sessions[topic]
	r.mu.Unlock()
	if !exists {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.session, e.err == nil && e.session != nil
	default:
		return nil, false
	}
}

// Evict 移除话题的会话；等待回复期间返回 ErrResponsePending，回复不会丢失
func (r *Registry) Evict(topic string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.sessions[topic]
	if !exists {
		return false, nil
	}
	select {
	case <-e.ready:
		if e.session != nil && e.session.Awaiting() {
			return false, ErrResponsePending
		}
	default:
	}
	delete(r.sessions, topic)
	logger.Infof("Session evicted for topic %q", topic)
	return true, nil
}

func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.sessions))
	for t := range r.sessions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Cleanup 驱逐空闲超过 TTL 且没有等待中回复的会话，返回驱逐个数
func (r *Registry) Cleanup(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for topic, e := range r.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}
		s := e.session
		if s == nil || s.Awaiting() || !s.LastActive().Before(cutoff) {
			continue
		}
		delete(r.sessions, topic)
		evicted++
		logger.Infof("Cleaned up expired session for topic %q", topic)
	}
	return evicted
}
