// Package outbox 通知 outbox：流转提交后入队，由 Dispatcher 异步投递
package outbox

import (
	"context"
	"time"

	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outbox 通知入队。入队失败只记录日志，不影响已提交的流转。
type Outbox struct {
	repo       repository.OutboxRepository
	logger     *zap.Logger
	now        func() time.Time
	maxElapsed time.Duration
}

func New(repo repository.OutboxRepository, logger *zap.Logger) *Outbox {
	return &Outbox{repo: repo, logger: logger, now: time.Now, maxElapsed: time.Second}
}

// Enqueue 补全 ID / 时间后入队，返回成功入队的条数
func (o *Outbox) Enqueue(ctx context.Context, ns ...*domain.Notification) int {
	if len(ns) == 0 {
		return 0
	}
	now := o.now()
	for _, n := range ns {
		if n.ID == "" {
			if id, err := uuid.NewV7(); err == nil {
				n.ID = id.String()
			} else {
				n.ID = uuid.NewString()
			}
		}
		n.Status = domain.OutboxPending
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		if n.NextAttempt.IsZero() {
			n.NextAttempt = now
		}
	}
	err := retry.Do(ctx, o.maxElapsed, func() error {
		return o.repo.EnqueueNotifications(ctx, ns...)
	})
	if err != nil {
		o.logger.Warn("Failed to enqueue notifications",
			zap.Int("count", len(ns)),
			zap.String("related_id", ns[0].RelatedID),
			zap.Error(err),
		)
		return 0
	}
	return len(ns)
}
