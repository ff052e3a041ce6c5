package service

import (
	"context"
	"errors"
	"testing"

	"river-workorder/internal/audit"
	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnReset = errors.New("read tcp 10.0.0.5:5432: connection reset by peer")

// gatedCapacityRepo 释放名额前等待放行
type gatedCapacityRepo struct {
	*repository.MemoryCapacityRepo
	entered chan struct{}
	proceed chan struct{}
}

func (r *gatedCapacityRepo) Release(ctx context.Context, workerID, areaID string) error {
	r.entered <- struct{}{}
	<-r.proceed
	return r.MemoryCapacityRepo.Release(ctx, workerID, areaID)
}

// lostReplyCapacityRepo 释放已生效，但调用方收到连接错误
type lostReplyCapacityRepo struct {
	*repository.MemoryCapacityRepo
	calls int
}

func (r *lostReplyCapacityRepo) Release(ctx context.Context, workerID, areaID string) error {
	r.calls++
	if err := r.MemoryCapacityRepo.Release(ctx, workerID, areaID); err != nil {
		return err
	}
	return errConnReset
}

// flakyWorkordersRepo 按开关让写入失败；applied 为 true 时先写入再报错，
// stale 为 true 时条件更新总是落空
type flakyWorkordersRepo struct {
	*repository.MemoryWorkordersRepo
	failUpdate bool
	failCreate bool
	applied    bool
	stale      bool
}

func (r *flakyWorkordersRepo) UpdateWorkorderIfStatus(ctx context.Context, wo *domain.Workorder,
	expectStatus domain.WorkorderStatus, expectVersion int64) (bool, error) {
	if r.stale {
		return false, nil
	}
	if !r.failUpdate {
		return r.MemoryWorkordersRepo.UpdateWorkorderIfStatus(ctx, wo, expectStatus, expectVersion)
	}
	if r.applied {
		if _, err := r.MemoryWorkordersRepo.UpdateWorkorderIfStatus(ctx, wo, expectStatus, expectVersion); err != nil {
			return false, err
		}
	}
	return false, errConnReset
}

func (r *flakyWorkordersRepo) CreateWorkorder(ctx context.Context, wo *domain.Workorder) error {
	if r.failCreate {
		return errConnReset
	}
	return r.MemoryWorkordersRepo.CreateWorkorder(ctx, wo)
}

func TestHistoryOrderFollowsCommitOrder(t *testing.T) {
	f := newFixture(t)
	wo := f.createManual(t)
	f.toPendingReview(t, wo.ID, actorWorkerX)

	gated := &gatedCapacityRepo{
		MemoryCapacityRepo: f.capacity,
		entered:            make(chan struct{}),
		proceed:            make(chan struct{}),
	}
	f.wire(f.workorders, gated)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.AreaReview(f.ctx, ReviewRequest{Actor: actorSup, WorkorderID: wo.ID, Action: domain.ReviewReturn})
		done <- err
	}()

	// 退回已提交，名额释放尚未完成时重新派发
	<-gated.entered
	again, err := f.svc.Assign(f.ctx, AssignRequest{Actor: actorSup, WorkorderID: wo.ID, AssigneeID: "w-y"})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkorderDispatched, again.Workorder.Status)
	close(gated.proceed)
	require.NoError(t, <-done)

	entries := f.historyOf(t, wo.ID)
	require.Len(t, entries, 5)
	assert.True(t, audit.VerifyChain(entries))
	assert.Equal(t, domain.WorkorderPendingDispatch, entries[3].NewStatus)
	assert.Equal(t, domain.WorkorderDispatched, entries[4].NewStatus)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i-1].CreatedAt.Before(entries[i].CreatedAt))
	}
	assert.Equal(t, 0, f.workload(t, "w-x"))
	assert.Equal(t, 1, f.workload(t, "w-y"))
}

func TestReleaseIsNotRetried(t *testing.T) {
	f := newFixture(t)
	first := f.createManual(t)
	second := f.createManual(t)
	_, err := f.svc.Assign(f.ctx, AssignRequest{Actor: actorSup, WorkorderID: second.ID, AssigneeID: "w-x"})
	require.NoError(t, err)
	f.toPendingReview(t, first.ID, actorWorkerX)
	require.Equal(t, 2, f.workload(t, "w-x"))

	lossy := &lostReplyCapacityRepo{MemoryCapacityRepo: f.capacity}
	f.wire(f.workorders, lossy)

	ret, err := f.svc.AreaReview(f.ctx, ReviewRequest{Actor: actorSup, WorkorderID: first.ID, Action: domain.ReviewReturn})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkorderPendingDispatch, ret.Workorder.Status)
	assert.Equal(t, 1, lossy.calls)
	assert.Equal(t, 1, f.workload(t, "w-x"))
}

func TestUncertainUpdateKeepsAcquiredCapacity(t *testing.T) {
	f := newFixture(t)
	wo := f.createManual(t)
	flaky := &flakyWorkordersRepo{MemoryWorkordersRepo: f.workorders, failUpdate: true, applied: true}
	f.wire(flaky, f.capacity)

	_, err := f.svc.Assign(f.ctx, AssignRequest{Actor: actorSup, WorkorderID: wo.ID, AssigneeID: "w-x"})
	assert.ErrorIs(t, err, workflow.ErrTransientFailure)

	// 写入实际已生效，名额必须保持占用
	stored, err := f.workorders.GetWorkorder(f.ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkorderDispatched, stored.Status)
	assert.Equal(t, 1, f.workload(t, "w-x"))

	entry, err := f.svc.ReconcileCapacity(f.ctx, actorAdmin, "w-x", "area-1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.CurrentWorkload)
}

func TestUncertainUpdateRepairedByReconcile(t *testing.T) {
	f := newFixture(t)
	wo := f.createManual(t)
	flaky := &flakyWorkordersRepo{MemoryWorkordersRepo: f.workorders, failUpdate: true}
	f.wire(flaky, f.capacity)

	_, err := f.svc.Assign(f.ctx, AssignRequest{Actor: actorSup, WorkorderID: wo.ID, AssigneeID: "w-x"})
	assert.ErrorIs(t, err, workflow.ErrTransientFailure)

	stored, err := f.workorders.GetWorkorder(f.ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkorderPendingDispatch, stored.Status)
	assert.Equal(t, 1, f.workload(t, "w-x"))

	entry, err := f.svc.ReconcileCapacity(f.ctx, actorAdmin, "w-x", "area-1")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.CurrentWorkload)
}

func TestCASLossReleasesAcquiredCapacity(t *testing.T) {
	f := newFixture(t)
	wo := f.createManual(t)
	flaky := &flakyWorkordersRepo{MemoryWorkordersRepo: f.workorders, stale: true}
	f.wire(flaky, f.capacity)

	_, err := f.svc.Assign(f.ctx, AssignRequest{Actor: actorSup, WorkorderID: wo.ID, AssigneeID: "w-x"})
	assert.ErrorIs(t, err, workflow.ErrConflict)
	assert.Equal(t, workflow.GuardConcurrentUpdate, workflow.GuardOf(err))
	assert.Equal(t, 0, f.workload(t, "w-x"))
}

func TestCreateWorkorderRequiresConfirmedAlarm(t *testing.T) {
	f := newFixture(t)

	pending := f.newAlarm(t)
	_, err := f.svc.CreateWorkorder(f.ctx, CreateWorkorderRequest{
		Actor: actorCentral, Title: "未审核", AreaID: "area-1", AlarmID: pending.ID,
	})
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	falseAlarm := f.newAlarm(t)
	_, err = f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{Actor: actorCentral, AlarmID: falseAlarm.ID, Decision: domain.AuditRejected})
	require.NoError(t, err)
	_, err = f.svc.CreateWorkorder(f.ctx, CreateWorkorderRequest{
		Actor: actorCentral, Title: "误报", Source: domain.SourceAI, AreaID: "area-1", AlarmID: falseAlarm.ID,
	})
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	a, err := f.alarms.GetAlarm(f.ctx, falseAlarm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmFalse, a.Status)
	assert.Nil(t, a.WorkorderID)

	list, err := f.svc.ListWorkorders(f.ctx, ListWorkordersRequest{Actor: actorAdmin})
	require.NoError(t, err)
	assert.Equal(t, 0, list.Pagination.Total)
}

func TestCreateWorkorderLinksAlarm(t *testing.T) {
	f := newFixture(t)
	alarm := f.newAlarm(t)
	_, err := f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{Actor: actorCentral, AlarmID: alarm.ID, Decision: domain.AuditApproved})
	require.NoError(t, err)

	wo := f.createAI(t, alarm.ID)
	a, err := f.alarms.GetAlarm(f.ctx, alarm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmProcessing, a.Status)
	require.NotNil(t, a.WorkorderID)
	assert.Equal(t, wo.ID, *a.WorkorderID)

	f.toPendingReview(t, wo.ID, actorWorkerX)
	_, err = f.svc.AreaReview(f.ctx, ReviewRequest{Actor: actorSup, WorkorderID: wo.ID, Action: domain.ReviewApprove})
	require.NoError(t, err)
	_, err = f.svc.FinalReview(f.ctx, ReviewRequest{Actor: actorCentral, WorkorderID: wo.ID, Action: domain.ReviewApprove})
	require.NoError(t, err)

	a, err = f.alarms.GetAlarm(f.ctx, alarm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmResolved, a.Status)
}

func TestCreateWorkorderFailureUnlinksAlarm(t *testing.T) {
	f := newFixture(t)
	alarm := f.newAlarm(t)
	_, err := f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{Actor: actorCentral, AlarmID: alarm.ID, Decision: domain.AuditApproved})
	require.NoError(t, err)

	flaky := &flakyWorkordersRepo{MemoryWorkordersRepo: f.workorders, failCreate: true}
	f.wire(flaky, f.capacity)

	_, err = f.alarmSvc.ConvertAlarm(f.ctx, ConvertAlarmRequest{Actor: actorCentral, AlarmID: alarm.ID})
	assert.ErrorIs(t, err, workflow.ErrTransientFailure)

	a, err := f.alarms.GetAlarm(f.ctx, alarm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmConfirmed, a.Status)
	assert.Nil(t, a.WorkorderID)

	flaky.failCreate = false
	resp, err := f.alarmSvc.ConvertAlarm(f.ctx, ConvertAlarmRequest{Actor: actorCentral, AlarmID: alarm.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmProcessing, resp.Alarm.Status)
	require.NotNil(t, resp.Alarm.WorkorderID)
	assert.Equal(t, resp.Workorder.ID, *resp.Alarm.WorkorderID)
}
