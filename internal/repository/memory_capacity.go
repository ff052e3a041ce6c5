package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"river-workorder/internal/domain"
)

// MemoryCapacityRepo 维修工工作量内存实现
// 每个 (worker, area) 一把锁，检查与加减在同一临界区内完成
type MemoryCapacityRepo struct {
	mu      sync.RWMutex
	entries map[string]*capacitySlot
}

type capacitySlot struct {
	mu    sync.Mutex
	entry domain.CapacityEntry
}

func NewMemoryCapacityRepo() *MemoryCapacityRepo {
	return &MemoryCapacityRepo{entries: map[string]*capacitySlot{}}
}

var _ CapacityRepository = (*MemoryCapacityRepo)(nil)

func capacityKey(workerID, areaID string) string {
	return workerID + "|" + areaID
}

func (r *MemoryCapacityRepo) slot(workerID, areaID string) (*capacitySlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[capacityKey(workerID, areaID)]
	return s, ok
}

func (r *MemoryCapacityRepo) GetCapacity(_ context.Context, workerID, areaID string) (*domain.CapacityEntry, error) {
	s, ok := r.slot(workerID, areaID)
	if !ok {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry
	return &e, nil
}

func (r *MemoryCapacityRepo) ListCapacity(_ context.Context, areaID string) ([]*domain.CapacityEntry, error) {
	r.mu.RLock()
	slots := make([]*capacitySlot, 0, len(r.entries))
	for _, s := range r.entries {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	out := []*domain.CapacityEntry{}
	for _, s := range slots {
		s.mu.Lock()
		e := s.entry
		s.mu.Unlock()
		if areaID != "" && e.AreaID != areaID {
			continue
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (r *MemoryCapacityRepo) UpsertCapacity(_ context.Context, e *domain.CapacityEntry) error {
	key := capacityKey(e.WorkerID, e.AreaID)

	r.mu.Lock()
	s, ok := r.entries[key]
	if !ok {
		s = &capacitySlot{}
		r.entries[key] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	workload := s.entry.CurrentWorkload
	s.entry = *e
	if ok {
		// 工作量只能通过 acquire/release/对账修改
		s.entry.CurrentWorkload = workload
	}
	if s.entry.CurrentWorkload < 0 {
		s.entry.CurrentWorkload = 0
	}
	s.entry.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryCapacityRepo) TryAcquire(_ context.Context, workerID, areaID string) (bool, error) {
	s, ok := r.slot(workerID, areaID)
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.entry.HasSpare() {
		return false, nil
	}
	s.entry.CurrentWorkload++
	s.entry.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryCapacityRepo) Release(_ context.Context, workerID, areaID string) error {
	s, ok := r.slot(workerID, areaID)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.CurrentWorkload > 0 {
		s.entry.CurrentWorkload--
	}
	s.entry.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryCapacityRepo) SetWorkload(_ context.Context, workerID, areaID string, workload int) error {
	s, ok := r.slot(workerID, areaID)
	if !ok {
		return ErrNotFound
	}
	if workload < 0 {
		workload = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry.CurrentWorkload = workload
	s.entry.UpdatedAt = time.Now()
	return nil
}
