package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"river-workorder/internal/domain"
)

// MemoryWorkordersRepo 内存实现（未启用数据库时使用，也用于测试）
// 条件更新在同一把锁内完成比较与写入，语义与 UPDATE ... WHERE status = ? AND version = ? 一致
type MemoryWorkordersRepo struct {
	mu         sync.RWMutex
	workorders map[string]*domain.Workorder
}

func NewMemoryWorkordersRepo() *MemoryWorkordersRepo {
	return &MemoryWorkordersRepo{workorders: map[string]*domain.Workorder{}}
}

var _ WorkordersRepository = (*MemoryWorkordersRepo)(nil)

func (r *MemoryWorkordersRepo) CreateWorkorder(_ context.Context, wo *domain.Workorder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workorders[wo.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range r.workorders {
		if existing.Status == domain.WorkorderCancelled {
			continue
		}
		if sameRef(existing.AlarmID, wo.AlarmID) || sameRef(existing.ReportID, wo.ReportID) {
			return ErrDuplicate
		}
	}
	r.workorders[wo.ID] = wo.Clone()
	return nil
}

func (r *MemoryWorkordersRepo) GetWorkorder(_ context.Context, id string) (*domain.Workorder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wo, ok := r.workorders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return wo.Clone(), nil
}

func (r *MemoryWorkordersRepo) ListWorkorders(_ context.Context, filter WorkorderFilter, page, size int) ([]*domain.Workorder, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*domain.Workorder, 0, len(r.workorders))
	for _, wo := range r.workorders {
		if !matchWorkorder(wo, filter) {
			continue
		}
		all = append(all, wo.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	start, end := paginate(len(all), page, size)
	return all[start:end], len(all), nil
}

func (r *MemoryWorkordersRepo) UpdateWorkorderIfStatus(_ context.Context, wo *domain.Workorder, expectStatus domain.WorkorderStatus, expectVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.workorders[wo.ID]
	if !ok {
		return false, ErrNotFound
	}
	if current.Status != expectStatus || current.Version != expectVersion {
		return false, nil
	}
	stored := wo.Clone()
	stored.Version = expectVersion + 1
	stored.CreatedAt = current.CreatedAt
	r.workorders[wo.ID] = stored
	wo.Version = stored.Version
	return true, nil
}

func (r *MemoryWorkordersRepo) FindActiveByAlarm(_ context.Context, alarmID string) (*domain.Workorder, error) {
	return r.findActive(func(wo *domain.Workorder) bool { return sameRef(wo.AlarmID, &alarmID) })
}

func (r *MemoryWorkordersRepo) FindActiveByReport(_ context.Context, reportID string) (*domain.Workorder, error) {
	return r.findActive(func(wo *domain.Workorder) bool { return sameRef(wo.ReportID, &reportID) })
}

func (r *MemoryWorkordersRepo) findActive(match func(*domain.Workorder) bool) (*domain.Workorder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, wo := range r.workorders {
		if wo.Status != domain.WorkorderCancelled && match(wo) {
			return wo.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryWorkordersRepo) CountCapacityHeld(_ context.Context, workerID, areaID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, wo := range r.workorders {
		if wo.CapacityHeld && wo.Assignee() == workerID && wo.AreaID == areaID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryWorkordersRepo) ListAwaitingConfirmation(_ context.Context, areaID string, updatedBefore time.Time) ([]*domain.Workorder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*domain.Workorder{}
	for _, wo := range r.workorders {
		if wo.Status != domain.WorkorderPendingReporterConfirm || !wo.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if areaID != "" && wo.AreaID != areaID {
			continue
		}
		out = append(out, wo.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func matchWorkorder(wo *domain.Workorder, f WorkorderFilter) bool {
	if f.Status != "" && wo.Status != f.Status {
		return false
	}
	if f.AreaID != "" && wo.AreaID != f.AreaID {
		return false
	}
	if f.AssigneeID != "" && wo.Assignee() != f.AssigneeID {
		return false
	}
	if f.Source != "" && wo.Source != f.Source {
		return false
	}
	if f.ReporterID != "" && !sameRef(wo.ReporterID, &f.ReporterID) {
		return false
	}
	if f.AlarmID != "" && !sameRef(wo.AlarmID, &f.AlarmID) {
		return false
	}
	return true
}

func sameRef(a, b *string) bool {
	return a != nil && b != nil && *a != "" && *a == *b
}

// MemoryAlarmsRepo 告警内存实现
type MemoryAlarmsRepo struct {
	mu     sync.RWMutex
	alarms map[string]*domain.Alarm
}

func NewMemoryAlarmsRepo() *MemoryAlarmsRepo {
	return &MemoryAlarmsRepo{alarms: map[string]*domain.Alarm{}}
}

var _ AlarmsRepository = (*MemoryAlarmsRepo)(nil)

func (r *MemoryAlarmsRepo) CreateAlarm(_ context.Context, a *domain.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.alarms[a.ID]; ok {
		return ErrDuplicate
	}
	r.alarms[a.ID] = a.Clone()
	return nil
}

func (r *MemoryAlarmsRepo) GetAlarm(_ context.Context, id string) (*domain.Alarm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.alarms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (r *MemoryAlarmsRepo) ListAlarms(_ context.Context, status domain.AlarmStatus, areaID string, page, size int) ([]*domain.Alarm, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*domain.Alarm, 0, len(r.alarms))
	for _, a := range r.alarms {
		if status != "" && a.Status != status {
			continue
		}
		if areaID != "" && a.AreaID != areaID {
			continue
		}
		all = append(all, a.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DetectedAt.After(all[j].DetectedAt) })
	start, end := paginate(len(all), page, size)
	return all[start:end], len(all), nil
}

func (r *MemoryAlarmsRepo) UpdateAlarmIfStatus(_ context.Context, a *domain.Alarm, expectStatus domain.AlarmStatus, expectVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.alarms[a.ID]
	if !ok {
		return false, ErrNotFound
	}
	if current.Status != expectStatus || current.Version != expectVersion {
		return false, nil
	}
	stored := a.Clone()
	stored.Version = expectVersion + 1
	r.alarms[a.ID] = stored
	a.Version = stored.Version
	return true, nil
}
