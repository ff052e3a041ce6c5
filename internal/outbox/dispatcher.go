package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"river-workorder/internal/config"
	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/telemetry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher 通知投递 worker pool
// 轮询协程领取到期通知放入 jobs，worker 并行投递到全部通道。
type Dispatcher struct {
	repo     repository.OutboxRepository
	channels []Channel
	cfg      config.OutboxConfig
	jobs     chan *domain.Notification
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewDispatcher(repo repository.OutboxRepository, channels []Channel, cfg config.OutboxConfig,
	metrics *telemetry.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &Dispatcher{
		repo:     repo,
		channels: channels,
		cfg:      cfg,
		jobs:     make(chan *domain.Notification, cfg.BatchSize),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Channels 已启用的通道名
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		names = append(names, c.Name())
	}
	return names
}

// Start 启动 worker 与轮询协程，ctx 取消后退出
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.poll(ctx)
	d.logger.Info("Notification dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Strings("channels", d.Channels()),
	)
}

// Wait 等待全部协程退出
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.jobs:
			d.deliver(ctx, n)
		case <-ctx.Done():
			d.logger.Debug("Dispatcher worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := d.repo.ClaimDue(ctx, d.now(), d.cfg.Lease, d.cfg.BatchSize)
			if err != nil {
				d.logger.Error("Failed to claim notifications", zap.Error(err))
				continue
			}
			for _, n := range claimed {
				select {
				case d.jobs <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// DeliverOnce 同步领取并投递一批，返回处理条数
func (d *Dispatcher) DeliverOnce(ctx context.Context) (int, error) {
	claimed, err := d.repo.ClaimDue(ctx, d.now(), d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim notifications: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, n := range claimed {
		n := n
		g.Go(func() error {
			d.deliver(gctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

// deliver 并行投递到全部通道；任一通道失败则整条通知稍后重试
func (d *Dispatcher) deliver(ctx context.Context, n *domain.Notification) {
	errs := make([]error, len(d.channels))
	var g errgroup.Group
	for i, ch := range d.channels {
		i, ch := i, ch
		g.Go(func() error {
			err := ch.Deliver(ctx, n)
			d.metrics.Delivery(ctx, ch.Name(), err == nil)
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", d.channels[i].Name(), err))
		}
	}
	if len(failed) == 0 {
		if err := d.repo.MarkDelivered(ctx, n.ID); err != nil {
			d.logger.Error("Failed to mark notification delivered", zap.String("notification_id", n.ID), zap.Error(err))
		}
		return
	}

	lastErr := fmt.Sprint(failed)
	if n.Attempts >= d.cfg.MaxAttempts {
		d.logger.Error("Notification delivery failed permanently",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Int("attempts", n.Attempts),
			zap.String("last_error", lastErr),
		)
		if err := d.repo.MarkFailed(ctx, n.ID, lastErr); err != nil {
			d.logger.Error("Failed to mark notification failed", zap.String("notification_id", n.ID), zap.Error(err))
		}
		return
	}
	next := d.now().Add(RetryDelay(n.Attempts))
	d.logger.Warn("Notification delivery failed, will retry",
		zap.String("notification_id", n.ID),
		zap.Int("attempts", n.Attempts),
		zap.Time("next_attempt", next),
		zap.String("last_error", lastErr),
	)
	if err := d.repo.MarkRetry(ctx, n.ID, lastErr, next); err != nil {
		d.logger.Error("Failed to schedule notification retry", zap.String("notification_id", n.ID), zap.Error(err))
	}
}

// RetryDelay 5s, 10s, 20s ... 最长 10 分钟
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := 5 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}
