package service

import (
	"context"
	"fmt"

	"river-workorder/internal/domain"
	"river-workorder/internal/workflow"
)

// 通知类型
const (
	KindWorkorderCreated   = "workorder_created"
	KindWorkorderAccepted  = "workorder_accepted"
	KindWorkorderAssigned  = "workorder_assigned"
	KindWorkorderStarted   = "workorder_started"
	KindReviewRequired     = "review_required"
	KindFinalReview        = "final_review_required"
	KindConfirmRequired    = "reporter_confirm_required"
	KindWorkorderRejected  = "workorder_rejected"
	KindWorkorderReturned  = "workorder_returned"
	KindRedispatchRequired = "redispatch_required"
	KindWorkorderCompleted = "workorder_completed"
	KindWorkorderCancelled = "workorder_cancelled"
)

type recipients struct {
	seen map[string]struct{}
	ids  []string
}

func (r *recipients) add(ids ...string) {
	if r.seen == nil {
		r.seen = map[string]struct{}{}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := r.seen[id]; ok {
			continue
		}
		r.seen[id] = struct{}{}
		r.ids = append(r.ids, id)
	}
}

func notificationPriority(wo *domain.Workorder) string {
	if wo.Priority == domain.PriorityUrgent {
		return "high"
	}
	return "normal"
}

func (s *workorderService) build(wo *domain.Workorder, kind, title, content string, to recipients) []*domain.Notification {
	out := make([]*domain.Notification, 0, len(to.ids))
	for _, uid := range to.ids {
		out = append(out, &domain.Notification{
			UserID:      uid,
			Title:       title,
			Content:     content,
			Priority:    notificationPriority(wo),
			Kind:        kind,
			RelatedType: "workorder",
			RelatedID:   wo.ID,
		})
	}
	return out
}

// notifyCreated 新工单：有区域通知区域主管派发，否则通知中心主管受理
func (s *workorderService) notifyCreated(ctx context.Context, wo *domain.Workorder) int {
	var to recipients
	if wo.AreaID != "" {
		to.add(s.directory.SupervisorOf(ctx, wo.AreaID))
	} else {
		to.add(s.directory.CentralSupervisors(ctx)...)
	}
	return s.outbox.Enqueue(ctx, s.build(wo, KindWorkorderCreated, "新工单待处理",
		fmt.Sprintf("工单 %s「%s」已创建", wo.ID, wo.Title), to)...)
}

// notifyTransition 按流转事件确定通知对象
func (s *workorderService) notifyTransition(ctx context.Context, out *outcome) int {
	before, after := out.before, out.after
	supervisor := s.directory.SupervisorOf(ctx, after.AreaID)

	var (
		to          recipients
		kind, title string
		content     string
	)
	switch out.step.Event {
	case workflow.EventAccept:
		to.add(supervisor)
		kind, title = KindWorkorderAccepted, "工单待派发"
		content = fmt.Sprintf("工单 %s 已受理，请派发维修人员", after.ID)
	case workflow.EventAssign:
		to.add(after.Assignee())
		kind, title = KindWorkorderAssigned, "新工单派发"
		content = fmt.Sprintf("您有新的工单 %s「%s」", after.ID, after.Title)
	case workflow.EventStart:
		if after.DispatcherID != nil {
			to.add(*after.DispatcherID)
		}
		kind, title = KindWorkorderStarted, "工单开始处理"
		content = fmt.Sprintf("工单 %s 已开始处理", after.ID)
	case workflow.EventSubmitResult:
		to.add(supervisor)
		kind, title = KindReviewRequired, "工单待审核"
		content = fmt.Sprintf("工单 %s 已提交处理结果，请审核", after.ID)
	case workflow.EventAreaApprove:
		if after.Status == domain.WorkorderPendingReporterConfirm {
			to.add(after.Reporter())
			kind, title = KindConfirmRequired, "请现场确认处理结果"
			content = fmt.Sprintf("您上报的问题（工单 %s）已处理，请现场确认", after.ID)
		} else {
			to.add(s.directory.CentralSupervisors(ctx)...)
			kind, title = KindFinalReview, "工单待终审"
			content = fmt.Sprintf("工单 %s 区域审核已通过，请终审", after.ID)
		}
	case workflow.EventAreaReject, workflow.EventFinalReject:
		to.add(after.Assignee())
		if out.step.Event == workflow.EventFinalReject {
			to.add(supervisor)
		}
		kind, title = KindWorkorderRejected, "工单被驳回"
		content = fmt.Sprintf("工单 %s 审核未通过，请继续处理", after.ID)
	case workflow.EventAreaReturn, workflow.EventFinalReturn:
		to.add(before.Assignee(), supervisor)
		kind, title = KindWorkorderReturned, "工单已退回"
		content = fmt.Sprintf("工单 %s 已退回，待重新派发", after.ID)
	case workflow.EventReporterRejected, workflow.EventTimeoutRejected:
		to.add(supervisor, before.Assignee())
		if out.step.Event == workflow.EventTimeoutRejected {
			to.add(after.Reporter())
		}
		kind, title = KindRedispatchRequired, "现场确认未通过"
		content = fmt.Sprintf("工单 %s 现场确认未通过，待重新派发", after.ID)
	case workflow.EventFinalApprove, workflow.EventReporterConfirmed, workflow.EventTimeoutCompleted:
		to.add(before.Assignee(), supervisor)
		if out.step.Event == workflow.EventTimeoutCompleted {
			to.add(after.Reporter())
		}
		kind, title = KindWorkorderCompleted, "工单已完成"
		content = fmt.Sprintf("工单 %s 已完成", after.ID)
	case workflow.EventCancel:
		to.add(before.Assignee())
		kind, title = KindWorkorderCancelled, "工单已取消"
		content = fmt.Sprintf("工单 %s 已取消", after.ID)
	default:
		return 0
	}
	return s.outbox.Enqueue(ctx, s.build(after, kind, title, content, to)...)
}
