package repository

import (
	"context"
	"sort"
	"sync"

	"river-workorder/internal/domain"
)

// MemoryHistoryRepo 状态历史内存实现
type MemoryHistoryRepo struct {
	mu      sync.RWMutex
	entries map[string][]domain.StatusHistoryEntry // workorderID -> entries
	ids     map[string]struct{}
}

func NewMemoryHistoryRepo() *MemoryHistoryRepo {
	return &MemoryHistoryRepo{
		entries: map[string][]domain.StatusHistoryEntry{},
		ids:     map[string]struct{}{},
	}
}

var _ HistoryRepository = (*MemoryHistoryRepo)(nil)

// AppendHistory is idempotent per entry id so that replayed writes do not duplicate.
func (r *MemoryHistoryRepo) AppendHistory(_ context.Context, entries ...*domain.StatusHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if _, dup := r.ids[e.ID]; dup {
			continue
		}
		r.ids[e.ID] = struct{}{}
		r.entries[e.WorkorderID] = append(r.entries[e.WorkorderID], *e)
	}
	return nil
}

func (r *MemoryHistoryRepo) ListHistory(_ context.Context, workorderID string) ([]*domain.StatusHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.entries[workorderID]
	out := make([]*domain.StatusHistoryEntry, 0, len(list))
	for i := range list {
		e := list[i]
		out = append(out, &e)
	}
	SortHistory(out)
	return out, nil
}

// SortHistory orders entries by (created_at, id).
func SortHistory(entries []*domain.StatusHistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// MemoryRecordsRepo 审核 / 确认 / 结果内存实现
type MemoryRecordsRepo struct {
	mu            sync.RWMutex
	reviews       map[string][]domain.ReviewRecord
	confirmations map[string][]domain.ReporterConfirmation
	results       map[string]domain.WorkorderResult
	seen          map[string]struct{}
}

func NewMemoryRecordsRepo() *MemoryRecordsRepo {
	return &MemoryRecordsRepo{
		reviews:       map[string][]domain.ReviewRecord{},
		confirmations: map[string][]domain.ReporterConfirmation{},
		results:       map[string]domain.WorkorderResult{},
		seen:          map[string]struct{}{},
	}
}

var _ RecordsRepository = (*MemoryRecordsRepo)(nil)

func (r *MemoryRecordsRepo) AppendReview(_ context.Context, rec *domain.ReviewRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[rec.ID]; dup {
		return nil
	}
	r.seen[rec.ID] = struct{}{}
	r.reviews[rec.WorkorderID] = append(r.reviews[rec.WorkorderID], *rec)
	return nil
}

func (r *MemoryRecordsRepo) ListReviews(_ context.Context, workorderID string) ([]*domain.ReviewRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*domain.ReviewRecord{}
	for i := range r.reviews[workorderID] {
		rec := r.reviews[workorderID][i]
		out = append(out, &rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRecordsRepo) AppendConfirmation(_ context.Context, c *domain.ReporterConfirmation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[c.ID]; dup {
		return nil
	}
	r.seen[c.ID] = struct{}{}
	r.confirmations[c.WorkorderID] = append(r.confirmations[c.WorkorderID], *c)
	return nil
}

func (r *MemoryRecordsRepo) ListConfirmations(_ context.Context, workorderID string) ([]*domain.ReporterConfirmation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*domain.ReporterConfirmation{}
	for i := range r.confirmations[workorderID] {
		c := r.confirmations[workorderID][i]
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRecordsRepo) SaveResult(_ context.Context, res *domain.WorkorderResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.ID] = *res
	return nil
}

func (r *MemoryRecordsRepo) GetResult(_ context.Context, id string) (*domain.WorkorderResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &res, nil
}
