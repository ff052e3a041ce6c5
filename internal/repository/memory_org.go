package repository

import (
	"context"
	"sort"
	"sync"

	"river-workorder/internal/domain"
)

// MemoryOrgRepo 区域 / 用户 / 推送订阅内存实现
type MemoryOrgRepo struct {
	mu    sync.RWMutex
	areas map[string]domain.Area
	users map[string]domain.User
	subs  map[string]domain.PushSubscription
}

func NewMemoryOrgRepo() *MemoryOrgRepo {
	return &MemoryOrgRepo{
		areas: map[string]domain.Area{},
		users: map[string]domain.User{},
		subs:  map[string]domain.PushSubscription{},
	}
}

var (
	_ OrgRepository           = (*MemoryOrgRepo)(nil)
	_ SubscriptionsRepository = (*MemoryOrgRepo)(nil)
)

func (r *MemoryOrgRepo) GetArea(_ context.Context, id string) (*domain.Area, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.areas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *MemoryOrgRepo) UpsertArea(_ context.Context, a *domain.Area) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.areas[a.ID] = *a
	return nil
}

func (r *MemoryOrgRepo) GetUser(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *MemoryOrgRepo) UpsertUser(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.Status == "" {
		u.Status = "active"
	}
	r.users[u.ID] = *u
	return nil
}

func (r *MemoryOrgRepo) ListUsersByRole(_ context.Context, role domain.Role) ([]*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*domain.User{}
	for _, u := range r.users {
		if u.Role == role && u.Status == "active" {
			u := u
			out = append(out, &u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryOrgRepo) SaveSubscription(_ context.Context, s *domain.PushSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.ID] = *s
	return nil
}

func (r *MemoryOrgRepo) ListSubscriptions(_ context.Context, userID string, channel domain.PushChannel) ([]*domain.PushSubscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*domain.PushSubscription{}
	for _, s := range r.subs {
		if s.UserID == userID && s.Channel == channel {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryOrgRepo) DeleteSubscription(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	return nil
}
