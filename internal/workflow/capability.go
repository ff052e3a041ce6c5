package workflow

import (
	"river-workorder/internal/domain"
)

// Operation 引擎对外操作
type Operation string

const (
	OpCreateWorkorder   Operation = "create_workorder"
	OpAccept            Operation = "accept"
	OpAssign            Operation = "assign"
	OpStart             Operation = "start"
	OpSubmitResult      Operation = "submit_result"
	OpAreaReview        Operation = "area_review"
	OpFinalReview       Operation = "final_review"
	OpReporterConfirm   Operation = "reporter_confirm"
	OpTimeoutIntervene  Operation = "timeout_intervene"
	OpCancel            Operation = "cancel"
	OpView              Operation = "view"
	OpCreateAlarm       Operation = "create_alarm"
	OpAuditAlarm        Operation = "audit_alarm"
	OpConvertAlarm      Operation = "convert_alarm"
	OpProcessAlarm      Operation = "process_alarm"
	OpResolveAlarm      Operation = "resolve_alarm"
	OpIgnoreAlarm       Operation = "ignore_alarm"
	OpReconcileCapacity Operation = "reconcile_capacity"
	OpReplayAudit       Operation = "replay_audit"
)

func ops(list ...Operation) map[Operation]struct{} {
	m := make(map[Operation]struct{}, len(list))
	for _, op := range list {
		m[op] = struct{}{}
	}
	return m
}

// capabilities 角色 → 允许的操作
var capabilities = map[domain.Role]map[Operation]struct{}{
	domain.RoleAdmin: ops(
		OpCreateWorkorder, OpAccept, OpAssign, OpAreaReview, OpFinalReview,
		OpReporterConfirm, OpTimeoutIntervene, OpCancel, OpView,
		OpCreateAlarm, OpAuditAlarm, OpConvertAlarm, OpProcessAlarm, OpResolveAlarm, OpIgnoreAlarm,
		OpReconcileCapacity, OpReplayAudit,
	),
	domain.RoleCentralSupervisor: ops(
		OpCreateWorkorder, OpAccept, OpAssign, OpFinalReview, OpReporterConfirm, OpCancel, OpView,
		OpCreateAlarm, OpAuditAlarm, OpConvertAlarm, OpProcessAlarm, OpResolveAlarm, OpIgnoreAlarm,
	),
	domain.RoleAreaSupervisor: ops(
		OpCreateWorkorder, OpAssign, OpAreaReview, OpReporterConfirm, OpTimeoutIntervene, OpView,
		OpCreateAlarm, OpAuditAlarm, OpConvertAlarm, OpProcessAlarm, OpResolveAlarm, OpIgnoreAlarm,
	),
	domain.RoleWorker: ops(
		OpStart, OpSubmitResult, OpView,
	),
	domain.RoleInspector: ops(
		OpCreateWorkorder, OpReporterConfirm, OpCreateAlarm, OpView,
	),
}

// Can reports whether role may invoke op at all. Ownership checks (own area,
// assignee, original reporter) are applied by the engine on top of this.
func Can(role domain.Role, op Operation) bool {
	set, ok := capabilities[role]
	if !ok {
		return false
	}
	_, ok = set[op]
	return ok
}

// RequireRole returns a Forbidden rejection when role may not invoke op.
func RequireRole(actor domain.Actor, op Operation) error {
	if !Can(actor.Role, op) {
		return Reject(ErrForbidden, GuardRole, "role %q may not %s", actor.Role, op)
	}
	return nil
}

// Unrestricted reports whether the role acts across all areas.
func Unrestricted(role domain.Role) bool {
	return role == domain.RoleAdmin || role == domain.RoleCentralSupervisor
}
