// Package capacity 维修工工作量台账
//
// 占用与释放都委托给存储层的单条原子语句（或内存实现中的单锁临界区），
// 台账本身不做任何先读后写。
package capacity

import (
	"context"
	"errors"
	"fmt"

	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/telemetry"
	"river-workorder/internal/workflow"

	"go.uber.org/zap"
)

// HeldCounter 统计仍占用某维修工工作量的工单数
type HeldCounter interface {
	CountCapacityHeld(ctx context.Context, workerID, areaID string) (int, error)
}

type Ledger struct {
	repo    repository.CapacityRepository
	held    HeldCounter
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func NewLedger(repo repository.CapacityRepository, held HeldCounter, metrics *telemetry.Metrics, logger *zap.Logger) *Ledger {
	return &Ledger{repo: repo, held: held, metrics: metrics, logger: logger}
}

// Check 分配前的只读校验，给出精确的拒绝原因；真正的占用以 TryAcquire 结果为准
func (l *Ledger) Check(ctx context.Context, workerID, areaID string) error {
	e, err := l.repo.GetCapacity(ctx, workerID, areaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return workflow.Reject(workflow.ErrAssigneeUnavailable, workflow.GuardAssigneeAvailable,
				"worker %s has no capacity entry in area %s", workerID, areaID)
		}
		return workflow.Transient("get capacity", err)
	}
	return classify(e)
}

func classify(e *domain.CapacityEntry) error {
	if !e.IsAvailable {
		return workflow.Reject(workflow.ErrAssigneeUnavailable, workflow.GuardAssigneeAvailable,
			"worker %s is not available in area %s", e.WorkerID, e.AreaID)
	}
	if e.CurrentWorkload >= e.MaxConcurrentOrders {
		return workflow.Reject(workflow.ErrCapacityExceeded, workflow.GuardCapacity,
			"worker %s is at capacity (%d/%d)", e.WorkerID, e.CurrentWorkload, e.MaxConcurrentOrders)
	}
	return nil
}

// TryAcquire 原子占用一个名额。失败时重新读取台账以区分“不可用”与“已满”。
func (l *Ledger) TryAcquire(ctx context.Context, workerID, areaID string) error {
	ok, err := l.repo.TryAcquire(ctx, workerID, areaID)
	if err != nil {
		return workflow.Transient("acquire capacity", err)
	}
	l.metrics.CapacityAcquire(ctx, ok)
	if ok {
		return nil
	}
	if err := l.Check(ctx, workerID, areaID); err != nil {
		return err
	}
	// 读取时名额已被释放，按已满处理，由调用方决定是否重试
	return workflow.Reject(workflow.ErrCapacityExceeded, workflow.GuardCapacity,
		"worker %s capacity changed concurrently", workerID)
}

// Release 饱和释放一个名额
func (l *Ledger) Release(ctx context.Context, workerID, areaID string) error {
	err := l.repo.Release(ctx, workerID, areaID)
	l.metrics.CapacityRelease(ctx, err == nil)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			l.logger.Warn("Release on missing capacity entry",
				zap.String("worker_id", workerID), zap.String("area_id", areaID))
			return nil
		}
		return workflow.Transient("release capacity", err)
	}
	return nil
}

// Reconcile 按仍占用名额的工单数重算 current_workload
func (l *Ledger) Reconcile(ctx context.Context, workerID, areaID string) (*domain.CapacityEntry, error) {
	before, err := l.repo.GetCapacity(ctx, workerID, areaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workflow.Reject(workflow.ErrNotFound, workflow.GuardExists,
				"capacity entry %s/%s not found", workerID, areaID)
		}
		return nil, workflow.Transient("get capacity", err)
	}
	n, err := l.held.CountCapacityHeld(ctx, workerID, areaID)
	if err != nil {
		return nil, workflow.Transient("count held capacity", err)
	}
	if err := l.repo.SetWorkload(ctx, workerID, areaID, n); err != nil {
		return nil, workflow.Transient("set workload", err)
	}
	if before.CurrentWorkload != n {
		l.logger.Warn("Capacity drift repaired",
			zap.String("worker_id", workerID),
			zap.String("area_id", areaID),
			zap.Int("recorded", before.CurrentWorkload),
			zap.Int("held", n),
		)
	}
	after, err := l.repo.GetCapacity(ctx, workerID, areaID)
	if err != nil {
		return nil, workflow.Transient("get capacity", err)
	}
	return after, nil
}

// ListAvailable 区域内仍有空余名额的维修工
func (l *Ledger) ListAvailable(ctx context.Context, areaID string) ([]*domain.CapacityEntry, error) {
	all, err := l.repo.ListCapacity(ctx, areaID)
	if err != nil {
		return nil, workflow.Transient("list capacity", err)
	}
	out := make([]*domain.CapacityEntry, 0, len(all))
	for _, e := range all {
		if e.HasSpare() {
			out = append(out, e)
		}
	}
	return out, nil
}

// Register 登记或更新维修工的名额上限与可用状态
func (l *Ledger) Register(ctx context.Context, e *domain.CapacityEntry) error {
	if e.MaxConcurrentOrders <= 0 {
		return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest,
			"max_concurrent_orders must be positive, got %d", e.MaxConcurrentOrders)
	}
	if err := l.repo.UpsertCapacity(ctx, e); err != nil {
		return fmt.Errorf("register capacity: %w", workflow.Transient("upsert capacity", err))
	}
	return nil
}
