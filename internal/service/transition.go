package service

import (
	"context"
	"errors"
	"time"

	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/workflow"

	"go.uber.org/zap"
)

// transition 一次工单流转的描述
type transition struct {
	op     workflow.Operation
	event  workflow.Event
	actor  domain.Actor
	reason string

	// check 状态校验通过后的业务校验（区域归属、处理人、名额），每次重试都会重新执行
	check func(ctx context.Context, wo *domain.Workorder) error

	// mutate 写入操作特有的字段
	mutate func(wo *domain.Workorder, now time.Time)
}

type outcome struct {
	before  *domain.Workorder
	after   *domain.Workorder
	step    workflow.Step
	entries []*domain.StatusHistoryEntry
}

// run 读取 → 校验 → 条件写入。条件写入失败说明工单已被并发修改，
// 重新读取后按最新状态重新校验；状态已变化时由 Plan 返回 InvalidState。
//
// 状态历史的时间戳在条件写入之前取得，晚提交的流转不会排在早提交的之前。
//
// 工作量占用在条件写入之前完成，确定未写入时补偿释放；写入结果不确定时不补偿，
// 由 ReconcileCapacity 按工单重算。工作量释放在写入成功之后进行，只尝试一次，
// CapacityHeld 保证同一次派发只释放一次。
func (s *workorderService) run(ctx context.Context, id string, t transition) (*outcome, error) {
	for attempt := 0; attempt < s.cfg.MaxTransitionRetries; attempt++ {
		current, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		step, err := workflow.Plan(current, t.event)
		if err != nil {
			return nil, err
		}
		if t.check != nil {
			if err := t.check(ctx, current); err != nil {
				return nil, err
			}
		}

		now := s.trail.Now()
		next := current.Clone()
		workflow.Apply(next, step, now)
		if t.mutate != nil {
			t.mutate(next, now)
		}
		entries := s.historyEntries(next.ID, step, t)

		if step.AcquireCapacity {
			if err := s.ledger.TryAcquire(ctx, next.Assignee(), next.AreaID); err != nil {
				return nil, err
			}
		}

		ok, err := s.workorders.UpdateWorkorderIfStatus(ctx, next, current.Status, current.Version)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				if step.AcquireCapacity {
					s.releaseCapacity(ctx, next.Assignee(), next.AreaID, "compensate")
				}
				return nil, workflow.Reject(workflow.ErrNotFound, workflow.GuardExists, "workorder %s not found", id)
			}
			if step.AcquireCapacity {
				s.logger.Error("Workorder update outcome unknown, capacity kept, reconcile required",
					zap.String("workorder_id", id),
					zap.String("worker_id", next.Assignee()),
					zap.String("area_id", next.AreaID),
					zap.Error(err),
				)
			}
			return nil, workflow.Transient("update workorder", err)
		}
		if !ok {
			if step.AcquireCapacity {
				s.releaseCapacity(ctx, next.Assignee(), next.AreaID, "compensate")
			}
			s.metrics.CASRetry(ctx, string(t.event))
			s.logger.Debug("Workorder changed concurrently, re-validating",
				zap.String("workorder_id", id),
				zap.String("event", string(t.event)),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		out := &outcome{before: current, after: next, step: step, entries: entries}
		s.afterCommit(ctx, t, out)
		return out, nil
	}
	return nil, workflow.Reject(workflow.ErrConflict, workflow.GuardConcurrentUpdate,
		"workorder %s kept changing, gave up after %d attempts", id, s.cfg.MaxTransitionRetries)
}

// afterCommit 流转已提交后的副作用：释放名额、写状态历史、同步告警
func (s *workorderService) afterCommit(ctx context.Context, t transition, out *outcome) {
	step := out.step
	if step.ReleaseCapacity {
		s.releaseCapacity(ctx, out.before.Assignee(), out.before.AreaID, string(t.event))
	}

	s.trail.Record(ctx, out.entries...)

	s.syncAlarm(ctx, t.actor, out)

	s.metrics.Transition(ctx, string(step.Event), string(step.From), string(step.To()))
	s.logger.Info("Workorder transitioned",
		zap.String("workorder_id", out.after.ID),
		zap.String("event", string(step.Event)),
		zap.String("from", string(step.From)),
		zap.String("to", string(step.To())),
		zap.String("actor_id", t.actor.ID),
		zap.Int64("version", out.after.Version),
	)
}

// historyEntries 每个经过的状态一条历史
func (s *workorderService) historyEntries(id string, step workflow.Step, t transition) []*domain.StatusHistoryEntry {
	entries := make([]*domain.StatusHistoryEntry, 0, len(step.Path))
	from := step.From
	for _, to := range step.Path {
		entries = append(entries, s.trail.Entry(id, from, to, t.actor, string(t.op), t.reason))
		from = to
	}
	return entries
}

// releaseCapacity 释放不是幂等操作，失败后不重试
func (s *workorderService) releaseCapacity(ctx context.Context, workerID, areaID, cause string) {
	if workerID == "" || areaID == "" {
		return
	}
	if err := s.ledger.Release(ctx, workerID, areaID); err != nil {
		s.logger.Error("Failed to release capacity, reconcile required",
			zap.String("worker_id", workerID),
			zap.String("area_id", areaID),
			zap.String("cause", cause),
			zap.Error(err),
		)
	}
}

// syncAlarm 工单完成时告警置为已解决；工单取消时告警回到已确认并解除关联
func (s *workorderService) syncAlarm(ctx context.Context, actor domain.Actor, out *outcome) {
	alarmID := ""
	if out.after.AlarmID != nil {
		alarmID = *out.after.AlarmID
	}
	if alarmID == "" {
		return
	}

	var (
		ev     workflow.AlarmEvent
		mutate func(a *domain.Alarm, now time.Time)
	)
	switch {
	case out.step.Completes:
		ev = workflow.AlarmEventResolve
		mutate = func(a *domain.Alarm, now time.Time) {
			a.HandlerID = domain.StringPtr(actor.ID)
			a.HandledAt = domain.TimePtr(now)
			a.HandleNote = domain.StringPtr("workorder " + out.after.ID + " completed")
		}
	case out.step.To() == domain.WorkorderCancelled:
		ev = workflow.AlarmEventReopen
		mutate = func(a *domain.Alarm, _ time.Time) {
			a.WorkorderID = nil
		}
	default:
		return
	}

	_, err := advanceAlarm(ctx, s.alarms, alarmID, ev, s.cfg.MaxTransitionRetries, s.trail.Now,
		func(a *domain.Alarm) error {
			if a.WorkorderID != nil && *a.WorkorderID != out.after.ID {
				return workflow.Reject(workflow.ErrConflict, workflow.GuardSingleWorkorder,
					"alarm %s is linked to workorder %s", a.ID, *a.WorkorderID)
			}
			return nil
		}, mutate)
	if err != nil {
		s.logger.Warn("Alarm not synchronised with workorder",
			zap.String("alarm_id", alarmID),
			zap.String("workorder_id", out.after.ID),
			zap.String("event", string(ev)),
			zap.Error(err),
		)
	}
}

// advanceAlarm 告警条件更新，冲突时重新读取并校验
func advanceAlarm(
	ctx context.Context,
	repo repository.AlarmsRepository,
	id string,
	ev workflow.AlarmEvent,
	attempts int,
	clock func() time.Time,
	check func(a *domain.Alarm) error,
	mutate func(a *domain.Alarm, now time.Time),
) (*domain.Alarm, error) {
	if attempts <= 0 {
		attempts = 3
	}
	for i := 0; i < attempts; i++ {
		current, err := repo.GetAlarm(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, workflow.Reject(workflow.ErrNotFound, workflow.GuardExists, "alarm %s not found", id)
			}
			return nil, workflow.Transient("get alarm", err)
		}
		to, err := workflow.PlanAlarm(current, ev)
		if err != nil {
			return nil, err
		}
		if check != nil {
			if err := check(current); err != nil {
				return nil, err
			}
		}
		now := clock()
		next := current.Clone()
		next.Status = to
		next.UpdatedAt = now
		if mutate != nil {
			mutate(next, now)
		}
		ok, err := repo.UpdateAlarmIfStatus(ctx, next, current.Status, current.Version)
		if err != nil {
			return nil, workflow.Transient("update alarm", err)
		}
		if ok {
			return next, nil
		}
	}
	return nil, workflow.Reject(workflow.ErrConflict, workflow.GuardConcurrentUpdate,
		"alarm %s kept changing, gave up after %d attempts", id, attempts)
}
