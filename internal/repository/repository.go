package repository

import (
	"context"
	"errors"
	"time"

	"river-workorder/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 唯一约束冲突（如同一告警已有未取消的工单）
	ErrDuplicate = errors.New("duplicate record")
)

// WorkorderFilter 工单查询条件
type WorkorderFilter struct {
	Status     domain.WorkorderStatus // 为空表示不过滤
	AreaID     string
	AssigneeID string
	Source     domain.Source
	AlarmID    string
	ReporterID string
}

// WorkordersRepository 工单 Repository 接口
type WorkordersRepository interface {
	// 创建工单；关联告警/上报已存在未取消工单时返回 ErrDuplicate
	CreateWorkorder(ctx context.Context, wo *domain.Workorder) error

	GetWorkorder(ctx context.Context, id string) (*domain.Workorder, error)

	ListWorkorders(ctx context.Context, filter WorkorderFilter, page, size int) ([]*domain.Workorder, int, error)

	// 条件更新：仅当 status 与 version 都与预期一致时写入（单行原子），成功后 version+1
	UpdateWorkorderIfStatus(ctx context.Context, wo *domain.Workorder, expectStatus domain.WorkorderStatus, expectVersion int64) (bool, error)

	// 查找引用该告警/上报的未取消工单，没有时返回 ErrNotFound
	FindActiveByAlarm(ctx context.Context, alarmID string) (*domain.Workorder, error)
	FindActiveByReport(ctx context.Context, reportID string) (*domain.Workorder, error)

	// 统计占用某维修工工作量的工单数（用于对账）
	CountCapacityHeld(ctx context.Context, workerID, areaID string) (int, error)

	// 待上报人确认且在 updatedBefore 之前未变化的工单（超时介入）
	ListAwaitingConfirmation(ctx context.Context, areaID string, updatedBefore time.Time) ([]*domain.Workorder, error)
}

// AlarmsRepository 告警 Repository 接口
type AlarmsRepository interface {
	CreateAlarm(ctx context.Context, a *domain.Alarm) error
	GetAlarm(ctx context.Context, id string) (*domain.Alarm, error)
	ListAlarms(ctx context.Context, status domain.AlarmStatus, areaID string, page, size int) ([]*domain.Alarm, int, error)
	UpdateAlarmIfStatus(ctx context.Context, a *domain.Alarm, expectStatus domain.AlarmStatus, expectVersion int64) (bool, error)
}

// CapacityRepository 维修工工作量 Repository 接口
// TryAcquire / Release 必须是单条原子操作，不允许先读后写
type CapacityRepository interface {
	GetCapacity(ctx context.Context, workerID, areaID string) (*domain.CapacityEntry, error)
	ListCapacity(ctx context.Context, areaID string) ([]*domain.CapacityEntry, error)
	UpsertCapacity(ctx context.Context, e *domain.CapacityEntry) error

	// current_workload < max_concurrent_orders 且 is_available 时 +1，返回是否成功
	TryAcquire(ctx context.Context, workerID, areaID string) (bool, error)

	// current_workload -1，最小为 0
	Release(ctx context.Context, workerID, areaID string) error

	// 对账时直接写入工作量
	SetWorkload(ctx context.Context, workerID, areaID string, workload int) error
}

// HistoryRepository 状态历史（只追加）
type HistoryRepository interface {
	AppendHistory(ctx context.Context, entries ...*domain.StatusHistoryEntry) error
	// 按 (created_at, id) 排序返回
	ListHistory(ctx context.Context, workorderID string) ([]*domain.StatusHistoryEntry, error)
}

// RecordsRepository 审核记录 / 上报人确认 / 维修结果
type RecordsRepository interface {
	AppendReview(ctx context.Context, r *domain.ReviewRecord) error
	ListReviews(ctx context.Context, workorderID string) ([]*domain.ReviewRecord, error)

	AppendConfirmation(ctx context.Context, c *domain.ReporterConfirmation) error
	ListConfirmations(ctx context.Context, workorderID string) ([]*domain.ReporterConfirmation, error)

	SaveResult(ctx context.Context, r *domain.WorkorderResult) error
	GetResult(ctx context.Context, id string) (*domain.WorkorderResult, error)
}

// OrgRepository 区域与用户目录
type OrgRepository interface {
	GetArea(ctx context.Context, id string) (*domain.Area, error)
	UpsertArea(ctx context.Context, a *domain.Area) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	UpsertUser(ctx context.Context, u *domain.User) error
	ListUsersByRole(ctx context.Context, role domain.Role) ([]*domain.User, error)
}

// OutboxRepository 通知 outbox
type OutboxRepository interface {
	EnqueueNotifications(ctx context.Context, ns ...*domain.Notification) error

	// 领取到期的 pending 通知：attempts+1，next_attempt 顺延 lease，避免被其它 worker 重复领取
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.Notification, error)

	MarkDelivered(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id, lastErr string, next time.Time) error
	MarkFailed(ctx context.Context, id, lastErr string) error

	GetNotification(ctx context.Context, id string) (*domain.Notification, error)
}

// MessagesRepository 站内消息
type MessagesRepository interface {
	CreateMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, userID string, unreadOnly bool) ([]*domain.Message, error)
}

// SubscriptionsRepository 推送订阅
type SubscriptionsRepository interface {
	SaveSubscription(ctx context.Context, s *domain.PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string, channel domain.PushChannel) ([]*domain.PushSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

func paginate(total, page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return start, end
}
