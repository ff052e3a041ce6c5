package workflow

import (
	"time"

	"river-workorder/internal/domain"
)

// Event 状态流转事件（操作 + 决策）
type Event string

const (
	EventAccept            Event = "accept"
	EventAssign            Event = "assign"
	EventStart             Event = "start"
	EventSubmitResult      Event = "submit_result"
	EventAreaApprove       Event = "area_review.approve"
	EventAreaReject        Event = "area_review.reject"
	EventAreaReturn        Event = "area_review.return"
	EventFinalApprove      Event = "final_review.approve"
	EventFinalReject       Event = "final_review.reject"
	EventFinalReturn       Event = "final_review.return"
	EventReporterConfirmed Event = "reporter_confirm.confirmed"
	EventReporterRejected  Event = "reporter_confirm.rejected"
	EventTimeoutCompleted  Event = "timeout_intervene.completed"
	EventTimeoutRejected   Event = "timeout_intervene.rejected"
	EventCancel            Event = "cancel"
)

type rule struct {
	from          []domain.WorkorderStatus
	path          []domain.WorkorderStatus
	routed        bool
	acquire       bool
	release       bool
	clearAssignee bool
	completes     bool
}

var nonTerminal = []domain.WorkorderStatus{
	domain.WorkorderPending,
	domain.WorkorderPendingDispatch,
	domain.WorkorderDispatched,
	domain.WorkorderProcessing,
	domain.WorkorderPendingReview,
	domain.WorkorderPendingFinalReview,
	domain.WorkorderPendingReporterConfirm,
	domain.WorkorderConfirmedFailed,
}

func statuses(s ...domain.WorkorderStatus) []domain.WorkorderStatus { return s }

// rules 状态流转表
var rules = map[Event]rule{
	EventAccept: {
		from: statuses(domain.WorkorderPending),
		path: statuses(domain.WorkorderPendingDispatch),
	},
	EventAssign: {
		from:    statuses(domain.WorkorderPending, domain.WorkorderPendingDispatch),
		path:    statuses(domain.WorkorderDispatched),
		acquire: true,
	},
	EventStart: {
		from: statuses(domain.WorkorderDispatched),
		path: statuses(domain.WorkorderProcessing),
	},
	EventSubmitResult: {
		from: statuses(domain.WorkorderProcessing),
		path: statuses(domain.WorkorderPendingReview),
	},
	EventAreaApprove: {
		from:   statuses(domain.WorkorderPendingReview),
		routed: true,
	},
	EventAreaReject: {
		from: statuses(domain.WorkorderPendingReview),
		path: statuses(domain.WorkorderDispatched),
	},
	EventAreaReturn: {
		from:          statuses(domain.WorkorderPendingReview),
		path:          statuses(domain.WorkorderPendingDispatch),
		release:       true,
		clearAssignee: true,
	},
	EventFinalApprove: {
		from:      statuses(domain.WorkorderPendingFinalReview),
		path:      statuses(domain.WorkorderCompleted),
		release:   true,
		completes: true,
	},
	EventFinalReject: {
		from: statuses(domain.WorkorderPendingFinalReview),
		path: statuses(domain.WorkorderDispatched),
	},
	EventFinalReturn: {
		from:          statuses(domain.WorkorderPendingFinalReview),
		path:          statuses(domain.WorkorderPendingDispatch),
		release:       true,
		clearAssignee: true,
	},
	EventReporterConfirmed: {
		from:      statuses(domain.WorkorderPendingReporterConfirm),
		path:      statuses(domain.WorkorderCompleted),
		release:   true,
		completes: true,
	},
	EventReporterRejected: {
		from:          statuses(domain.WorkorderPendingReporterConfirm),
		path:          statuses(domain.WorkorderConfirmedFailed, domain.WorkorderPendingDispatch),
		release:       true,
		clearAssignee: true,
	},
	EventTimeoutCompleted: {
		from:      statuses(domain.WorkorderPendingReporterConfirm),
		path:      statuses(domain.WorkorderCompleted),
		release:   true,
		completes: true,
	},
	EventTimeoutRejected: {
		from:          statuses(domain.WorkorderPendingReporterConfirm),
		path:          statuses(domain.WorkorderConfirmedFailed, domain.WorkorderPendingDispatch),
		release:       true,
		clearAssignee: true,
	},
	EventCancel: {
		from:    nonTerminal,
		path:    statuses(domain.WorkorderCancelled),
		release: true,
	},
}

// Step 一次已校验的流转。Path 的每个元素对应一条状态历史。
type Step struct {
	Event           Event
	From            domain.WorkorderStatus
	Path            []domain.WorkorderStatus
	AcquireCapacity bool
	ReleaseCapacity bool
	ClearAssignee   bool
	Completes       bool
}

// To is the status the workorder rests in after the step.
func (s Step) To() domain.WorkorderStatus {
	return s.Path[len(s.Path)-1]
}

// Plan validates ev against the current state of wo and returns the step to
// apply. It never mutates wo.
func Plan(wo *domain.Workorder, ev Event) (Step, error) {
	r, ok := rules[ev]
	if !ok {
		return Step{}, Reject(ErrInvalidRequest, GuardRequest, "unknown event %q", ev)
	}
	if !contains(r.from, wo.Status) {
		return Step{}, Reject(ErrInvalidState, GuardStatus,
			"workorder %s is %s, %s requires %s", wo.ID, wo.Status, ev, joinStatuses(r.from))
	}
	step := Step{
		Event:           ev,
		From:            wo.Status,
		Path:            append([]domain.WorkorderStatus(nil), r.path...),
		AcquireCapacity: r.acquire,
		ReleaseCapacity: r.release && wo.CapacityHeld,
		ClearAssignee:   r.clearAssignee,
		Completes:       r.completes,
	}
	if r.routed {
		step.Path = statuses(NextAfterAreaApproval(wo))
	}
	return step, nil
}

// Apply writes the generic effects of step onto wo (a candidate copy).
// Operation specific fields (assignee, result id, ...) are set by the caller.
func Apply(wo *domain.Workorder, step Step, now time.Time) {
	wo.Status = step.To()
	if step.Event == EventAreaApprove && wo.ReviewRoute == "" {
		wo.ReviewRoute = step.To()
	}
	if step.AcquireCapacity {
		wo.CapacityHeld = true
	}
	if step.ReleaseCapacity {
		wo.CapacityHeld = false
	}
	if step.ClearAssignee {
		wo.AssigneeID = nil
		wo.DispatcherID = nil
		wo.DispatchedAt = nil
		wo.StartedAt = nil
		wo.EstimatedCompleteAt = nil
	}
	if step.Completes {
		wo.CompletedAt = &now
	}
	wo.UpdatedAt = now
}

// Allowed reports whether ev may fire from status s.
func Allowed(s domain.WorkorderStatus, ev Event) bool {
	r, ok := rules[ev]
	return ok && contains(r.from, s)
}

// Events returns the events that may fire from s, in a stable order.
func Events(s domain.WorkorderStatus) []Event {
	order := []Event{
		EventAccept, EventAssign, EventStart, EventSubmitResult,
		EventAreaApprove, EventAreaReject, EventAreaReturn,
		EventFinalApprove, EventFinalReject, EventFinalReturn,
		EventReporterConfirmed, EventReporterRejected,
		EventTimeoutCompleted, EventTimeoutRejected,
		EventCancel,
	}
	var out []Event
	for _, ev := range order {
		if Allowed(s, ev) {
			out = append(out, ev)
		}
	}
	return out
}

// AreaReviewEvent maps a review decision onto the area-level event.
func AreaReviewEvent(action domain.ReviewAction) (Event, bool) {
	switch action {
	case domain.ReviewApprove:
		return EventAreaApprove, true
	case domain.ReviewReject:
		return EventAreaReject, true
	case domain.ReviewReturn:
		return EventAreaReturn, true
	}
	return "", false
}

// FinalReviewEvent maps a review decision onto the final-level event.
func FinalReviewEvent(action domain.ReviewAction) (Event, bool) {
	switch action {
	case domain.ReviewApprove:
		return EventFinalApprove, true
	case domain.ReviewReject:
		return EventFinalReject, true
	case domain.ReviewReturn:
		return EventFinalReturn, true
	}
	return "", false
}

func contains(list []domain.WorkorderStatus, s domain.WorkorderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinStatuses(list []domain.WorkorderStatus) string {
	out := ""
	for i, s := range list {
		if i > 0 {
			out += "|"
		}
		out += string(s)
	}
	return out
}
