package service

import (
	"testing"
	"time"

	"river-workorder/internal/domain"
	"river-workorder/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditAlarmRejectDecision(t *testing.T) {
	f := newFixture(t)
	a := f.newAlarm(t)

	_, err := f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{
		Actor: actorSup, AlarmID: a.ID, Decision: domain.AuditRejected, CreateWorkorder: true,
	})
	assert.ErrorIs(t, err, workflow.ErrInvalidRequest)

	resp, err := f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{
		Actor: actorSup, AlarmID: a.ID, Decision: domain.AuditRejected, Note: "水面反光",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmFalse, resp.Alarm.Status)
	assert.Nil(t, resp.Workorder)
	require.NotNil(t, resp.Alarm.AuditorID)
	assert.Equal(t, "u-sup", *resp.Alarm.AuditorID)

	_, err = f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{Actor: actorSup, AlarmID: a.ID, Decision: domain.AuditApproved})
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = f.alarmSvc.ConvertAlarm(f.ctx, ConvertAlarmRequest{Actor: actorSup, AlarmID: a.ID})
	assert.ErrorIs(t, err, workflow.ErrInvalidState)
}

func TestAuditAlarmOutsideArea(t *testing.T) {
	f := newFixture(t)
	a := f.newAlarm(t)

	_, err := f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{Actor: actorSup2, AlarmID: a.ID, Decision: domain.AuditApproved})
	assert.ErrorIs(t, err, workflow.ErrForbidden)
	assert.Equal(t, workflow.GuardArea, workflow.GuardOf(err))

	_, err = f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{Actor: actorWorkerX, AlarmID: a.ID, Decision: domain.AuditApproved})
	assert.ErrorIs(t, err, workflow.ErrForbidden)
	assert.Equal(t, workflow.GuardRole, workflow.GuardOf(err))

	got, err := f.alarms.GetAlarm(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmPending, got.Status)
}

func TestConvertAlarmUsesTitleAndPriority(t *testing.T) {
	f := newFixture(t)
	a := f.newAlarm(t)
	_, err := f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{Actor: actorCentral, AlarmID: a.ID, Decision: domain.AuditApproved})
	require.NoError(t, err)

	resp, err := f.alarmSvc.ConvertAlarm(f.ctx, ConvertAlarmRequest{
		Actor: actorSup, AlarmID: a.ID, Priority: domain.PriorityNormal, Title: "排污口巡查",
	})
	require.NoError(t, err)
	assert.Equal(t, "排污口巡查", resp.Workorder.Title)
	assert.Equal(t, domain.PriorityNormal, resp.Workorder.Priority)
	require.NotNil(t, resp.Workorder.AlarmID)
	assert.Equal(t, a.ID, *resp.Workorder.AlarmID)
	require.NotNil(t, resp.Alarm.WorkorderID)
	assert.Equal(t, resp.Workorder.ID, *resp.Alarm.WorkorderID)
	assert.Equal(t, 1, resp.Notifications)
}

func TestHandleAlarmLifecycle(t *testing.T) {
	f := newFixture(t)
	a := f.newAlarm(t)

	ignored, err := f.alarmSvc.IgnoreAlarm(f.ctx, HandleAlarmRequest{Actor: actorSup, AlarmID: a.ID, Note: "已知问题"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmIgnored, ignored.Status)
	require.NotNil(t, ignored.HandleNote)
	assert.Equal(t, "已知问题", *ignored.HandleNote)

	_, err = f.alarmSvc.ResolveAlarm(f.ctx, HandleAlarmRequest{Actor: actorSup, AlarmID: a.ID})
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	b := f.newAlarm(t)
	_, err = f.alarmSvc.AuditAlarm(f.ctx, AuditAlarmRequest{Actor: actorSup, AlarmID: b.ID, Decision: domain.AuditApproved})
	require.NoError(t, err)
	processing, err := f.alarmSvc.ProcessAlarm(f.ctx, HandleAlarmRequest{Actor: actorSup, AlarmID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmProcessing, processing.Status)
	resolved, err := f.alarmSvc.ResolveAlarm(f.ctx, HandleAlarmRequest{Actor: actorSup, AlarmID: b.ID, Note: "现场处理完毕"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlarmResolved, resolved.Status)
	assert.Greater(t, resolved.Version, processing.Version)
}

func TestInspectorAlarmVisibility(t *testing.T) {
	f := newFixture(t)
	reported, err := f.alarmSvc.CreateAlarm(f.ctx, CreateAlarmRequest{
		Actor: actorInspector, AlarmType: "floating_debris", AreaID: "area-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "manual", reported.SourceType)
	assert.Equal(t, "floating_debris", reported.Title)
	other := f.newAlarm(t)

	_, err = f.alarmSvc.GetAlarm(f.ctx, actorInspector, reported.ID)
	assert.NoError(t, err)
	_, err = f.alarmSvc.GetAlarm(f.ctx, actorInspector, other.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)
	_, err = f.alarmSvc.GetAlarm(f.ctx, actorSup2, other.ID)
	assert.ErrorIs(t, err, workflow.ErrForbidden)
	_, err = f.alarmSvc.GetAlarm(f.ctx, actorAdmin, "missing")
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	list, err := f.alarmSvc.ListAlarms(f.ctx, ListAlarmsRequest{Actor: actorSup, Status: domain.AlarmPending})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Pagination.Total)

	_, err = f.alarmSvc.ListAlarms(f.ctx, ListAlarmsRequest{Actor: actorInspector})
	assert.ErrorIs(t, err, workflow.ErrForbidden)
}

func TestCreateAlarmValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.alarmSvc.CreateAlarm(f.ctx, CreateAlarmRequest{Actor: actorCentral})
	assert.ErrorIs(t, err, workflow.ErrInvalidRequest)

	_, err = f.alarmSvc.CreateAlarm(f.ctx, CreateAlarmRequest{Actor: actorCentral, AlarmType: "x", AreaID: "area-9"})
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	detected := time.Date(2026, 10, 17, 23, 0, 0, 0, time.UTC)
	a, err := f.alarmSvc.CreateAlarm(f.ctx, CreateAlarmRequest{Actor: actorCentral, AlarmType: "x", DetectedAt: &detected})
	require.NoError(t, err)
	assert.Equal(t, detected, a.DetectedAt)
	assert.Equal(t, "detection", a.SourceType)
}

func TestPriorityForLevel(t *testing.T) {
	assert.Equal(t, domain.PriorityUrgent, priorityForLevel("critical"))
	assert.Equal(t, domain.PriorityUrgent, priorityForLevel("紧急"))
	assert.Equal(t, domain.PriorityImportant, priorityForLevel("major"))
	assert.Equal(t, domain.PriorityNormal, priorityForLevel("info"))
	assert.Equal(t, domain.PriorityNormal, priorityForLevel(""))
}

func TestDirectoryCachesAndInvalidates(t *testing.T) {
	f := newFixture(t)
	area, err := f.directory.Area(f.ctx, "area-1")
	require.NoError(t, err)
	assert.Equal(t, "u-sup", area.SupervisorID)

	// 直接改库，缓存仍返回旧值
	require.NoError(t, f.org.UpsertArea(f.ctx, &domain.Area{ID: "area-1", Name: "西湖段", SupervisorID: "u-other"}))
	assert.Equal(t, "u-sup", f.directory.SupervisorOf(f.ctx, "area-1"))

	require.NoError(t, f.directory.PutArea(f.ctx, &domain.Area{ID: "area-1", Name: "西湖段", SupervisorID: "u-new"}))
	assert.Equal(t, "u-new", f.directory.SupervisorOf(f.ctx, "area-1"))

	assert.True(t, f.directory.Covers(f.ctx, actorAdmin, "area-2"))
	assert.True(t, f.directory.Covers(f.ctx, actorSup, "area-1"))
	assert.False(t, f.directory.Covers(f.ctx, actorSup, "area-2"))
	assert.False(t, f.directory.Covers(f.ctx, actorWorkerX, "area-1"))
}

func TestDirectoryDemotionDropsCentralSupervisor(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"u-central"}, f.directory.CentralSupervisors(f.ctx))

	require.NoError(t, f.directory.PutUser(f.ctx, &domain.User{
		ID: "u-central", Name: "中心主管", Role: domain.RoleAreaSupervisor, AreaID: "area-2",
	}))
	assert.Empty(t, f.directory.CentralSupervisors(f.ctx))
}
