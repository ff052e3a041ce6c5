// Package audit 只追加的审计轨迹：状态历史、审核记录、上报人确认
//
// 状态流转先提交，审计写入随后进行。写入失败不回滚流转，
// 而是放入重放缓冲区，由下一次写入或管理员触发的 Replay 补写。
package audit

import (
	"context"
	"sync"
	"time"

	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/retry"
	"river-workorder/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type pendingWrite struct {
	kind  string
	refID string
	write func(ctx context.Context) error
}

type Trail struct {
	history    repository.HistoryRepository
	records    repository.RecordsRepository
	clock      *Clock
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	maxElapsed time.Duration
	bufferSize int

	mu      sync.Mutex
	pending []pendingWrite
}

// Options 重试与缓冲参数
type Options struct {
	MaxElapsed time.Duration // 单次写入的最长重试时间
	BufferSize int           // 重放缓冲区上限，超出时丢弃最旧的记录
}

func NewTrail(history repository.HistoryRepository, records repository.RecordsRepository, clock *Clock,
	metrics *telemetry.Metrics, logger *zap.Logger, opts Options) *Trail {
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 2 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if clock == nil {
		clock = NewClock(nil)
	}
	return &Trail{
		history:    history,
		records:    records,
		clock:      clock,
		metrics:    metrics,
		logger:     logger,
		maxElapsed: opts.MaxElapsed,
		bufferSize: opts.BufferSize,
	}
}

// Now 下一个审计时间戳
func (t *Trail) Now() time.Time {
	return t.clock.Now()
}

// NewID 记录主键（UUIDv7，按时间有序）
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Entry 构造一条状态历史
func (t *Trail) Entry(workorderID string, from, to domain.WorkorderStatus, actor domain.Actor, operation, reason string) *domain.StatusHistoryEntry {
	return &domain.StatusHistoryEntry{
		ID:          NewID(),
		WorkorderID: workorderID,
		OldStatus:   from,
		NewStatus:   to,
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		Operation:   operation,
		Reason:      reason,
		CreatedAt:   t.clock.Now(),
	}
}

// Record 写入状态历史；失败时进入重放缓冲区，返回是否已持久化
func (t *Trail) Record(ctx context.Context, entries ...*domain.StatusHistoryEntry) bool {
	if len(entries) == 0 {
		return true
	}
	return t.write(ctx, "history", entries[0].WorkorderID, func(ctx context.Context) error {
		return t.history.AppendHistory(ctx, entries...)
	})
}

// RecordReview 写入审核记录
func (t *Trail) RecordReview(ctx context.Context, rec *domain.ReviewRecord) bool {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.clock.Now()
	}
	return t.write(ctx, "review", rec.WorkorderID, func(ctx context.Context) error {
		return t.records.AppendReview(ctx, rec)
	})
}

// RecordConfirmation 写入上报人确认（含超时介入）
func (t *Trail) RecordConfirmation(ctx context.Context, c *domain.ReporterConfirmation) bool {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.clock.Now()
	}
	return t.write(ctx, "confirmation", c.WorkorderID, func(ctx context.Context) error {
		return t.records.AppendConfirmation(ctx, c)
	})
}

func (t *Trail) write(ctx context.Context, kind, refID string, fn func(ctx context.Context) error) bool {
	t.Replay(ctx)

	err := retry.Do(ctx, t.maxElapsed, func() error { return fn(ctx) })
	if err == nil {
		return true
	}
	t.logger.Error("Audit write failed, buffered for replay",
		zap.String("kind", kind),
		zap.String("workorder_id", refID),
		zap.Error(err),
	)
	t.enqueue(ctx, pendingWrite{kind: kind, refID: refID, write: fn})
	return false
}

func (t *Trail) enqueue(ctx context.Context, p pendingWrite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) >= t.bufferSize {
		dropped := t.pending[0]
		t.pending = t.pending[1:]
		t.metrics.AuditBuffered(ctx, -1)
		t.logger.Error("Audit replay buffer full, dropping oldest write",
			zap.String("kind", dropped.kind),
			zap.String("workorder_id", dropped.refID),
		)
	}
	t.pending = append(t.pending, p)
	t.metrics.AuditBuffered(ctx, 1)
}

// Replay 按原顺序补写缓冲区中的记录；遇到第一个失败即停止，返回补写条数与剩余条数
// 记录主键在构造时生成，重复写入由存储层按主键忽略
func (t *Trail) Replay(ctx context.Context) (flushed int, remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.pending) > 0 {
		p := t.pending[0]
		if err := p.write(ctx); err != nil {
			t.logger.Warn("Audit replay stopped",
				zap.String("kind", p.kind),
				zap.String("workorder_id", p.refID),
				zap.Error(err),
			)
			break
		}
		t.pending = t.pending[1:]
		t.metrics.AuditBuffered(ctx, -1)
		flushed++
	}
	if flushed > 0 {
		t.logger.Info("Audit writes replayed", zap.Int("flushed", flushed), zap.Int("remaining", len(t.pending)))
	}
	return flushed, len(t.pending)
}

// Pending 缓冲区中等待补写的条数
func (t *Trail) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// History 按 (created_at, id) 排序的状态历史
func (t *Trail) History(ctx context.Context, workorderID string) ([]*domain.StatusHistoryEntry, error) {
	var out []*domain.StatusHistoryEntry
	err := retry.Do(ctx, t.maxElapsed, func() error {
		var err error
		out, err = t.history.ListHistory(ctx, workorderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	repository.SortHistory(out)
	return out, nil
}

func (t *Trail) Reviews(ctx context.Context, workorderID string) ([]*domain.ReviewRecord, error) {
	return t.records.ListReviews(ctx, workorderID)
}

func (t *Trail) Confirmations(ctx context.Context, workorderID string) ([]*domain.ReporterConfirmation, error) {
	return t.records.ListConfirmations(ctx, workorderID)
}

// VerifyChain 检查历史是否首尾相接：每条的 old_status 等于上一条的 new_status
func VerifyChain(entries []*domain.StatusHistoryEntry) bool {
	for i := 1; i < len(entries); i++ {
		if entries[i].OldStatus != entries[i-1].NewStatus {
			return false
		}
	}
	return true
}
