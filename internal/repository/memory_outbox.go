package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"river-workorder/internal/domain"
)

// MemoryOutboxRepo 通知 outbox 与站内消息内存实现
type MemoryOutboxRepo struct {
	mu       sync.Mutex
	items    map[string]*domain.Notification
	messages map[string][]domain.Message
}

func NewMemoryOutboxRepo() *MemoryOutboxRepo {
	return &MemoryOutboxRepo{
		items:    map[string]*domain.Notification{},
		messages: map[string][]domain.Message{},
	}
}

var (
	_ OutboxRepository   = (*MemoryOutboxRepo)(nil)
	_ MessagesRepository = (*MemoryOutboxRepo)(nil)
)

func (r *MemoryOutboxRepo) EnqueueNotifications(_ context.Context, ns ...*domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range ns {
		c := *n
		if c.Status == "" {
			c.Status = domain.OutboxPending
		}
		r.items[c.ID] = &c
	}
	return nil
}

func (r *MemoryOutboxRepo) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := []*domain.Notification{}
	for _, n := range r.items {
		if n.Status == domain.OutboxPending && !n.NextAttempt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.Notification, 0, len(due))
	for _, n := range due {
		n.Attempts++
		n.NextAttempt = now.Add(lease)
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemoryOutboxRepo) MarkDelivered(_ context.Context, id string) error {
	return r.update(id, func(n *domain.Notification) {
		n.Status = domain.OutboxDelivered
		n.LastError = ""
	})
}

func (r *MemoryOutboxRepo) MarkRetry(_ context.Context, id, lastErr string, next time.Time) error {
	return r.update(id, func(n *domain.Notification) {
		n.LastError = lastErr
		n.NextAttempt = next
	})
}

func (r *MemoryOutboxRepo) MarkFailed(_ context.Context, id, lastErr string) error {
	return r.update(id, func(n *domain.Notification) {
		n.Status = domain.OutboxFailed
		n.LastError = lastErr
	})
}

func (r *MemoryOutboxRepo) GetNotification(_ context.Context, id string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *n
	return &c, nil
}

func (r *MemoryOutboxRepo) update(id string, fn func(*domain.Notification)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	fn(n)
	return nil
}

func (r *MemoryOutboxRepo) CreateMessage(_ context.Context, m *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.messages[m.UserID] {
		if existing.ID == m.ID {
			return nil
		}
	}
	r.messages[m.UserID] = append(r.messages[m.UserID], *m)
	return nil
}

func (r *MemoryOutboxRepo) ListMessages(_ context.Context, userID string, unreadOnly bool) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*domain.Message{}
	for i := range r.messages[userID] {
		m := r.messages[userID][i]
		if unreadOnly && m.IsRead {
			continue
		}
		out = append(out, &m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
