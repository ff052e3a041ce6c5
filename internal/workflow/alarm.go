package workflow

import (
	"river-workorder/internal/domain"
)

// AlarmEvent 告警流转事件
type AlarmEvent string

const (
	AlarmEventApprove AlarmEvent = "approve"
	AlarmEventReject  AlarmEvent = "reject"
	AlarmEventProcess AlarmEvent = "process"
	AlarmEventResolve AlarmEvent = "resolve"
	AlarmEventIgnore  AlarmEvent = "ignore"
	AlarmEventReopen  AlarmEvent = "reopen" // 关联工单取消后回到 confirmed
)

var alarmRules = map[AlarmEvent]struct {
	from []domain.AlarmStatus
	to   domain.AlarmStatus
}{
	AlarmEventApprove: {[]domain.AlarmStatus{domain.AlarmPending}, domain.AlarmConfirmed},
	AlarmEventReject:  {[]domain.AlarmStatus{domain.AlarmPending}, domain.AlarmFalse},
	AlarmEventProcess: {[]domain.AlarmStatus{domain.AlarmConfirmed}, domain.AlarmProcessing},
	AlarmEventResolve: {[]domain.AlarmStatus{domain.AlarmProcessing}, domain.AlarmResolved},
	AlarmEventIgnore:  {[]domain.AlarmStatus{domain.AlarmPending, domain.AlarmConfirmed, domain.AlarmProcessing}, domain.AlarmIgnored},
	AlarmEventReopen:  {[]domain.AlarmStatus{domain.AlarmProcessing}, domain.AlarmConfirmed},
}

// PlanAlarm validates ev against the alarm status and returns the target status.
func PlanAlarm(a *domain.Alarm, ev AlarmEvent) (domain.AlarmStatus, error) {
	r, ok := alarmRules[ev]
	if !ok {
		return "", Reject(ErrInvalidRequest, GuardRequest, "unknown alarm event %q", ev)
	}
	for _, s := range r.from {
		if s == a.Status {
			return r.to, nil
		}
	}
	return "", Reject(ErrInvalidState, GuardStatus, "alarm %s is %s, cannot %s", a.ID, a.Status, ev)
}
