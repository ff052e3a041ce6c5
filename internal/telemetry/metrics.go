package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics 工单引擎指标；零值或 nil 时所有方法为空操作
type Metrics struct {
	transitions      metric.Int64Counter
	rejections       metric.Int64Counter
	casRetries       metric.Int64Counter
	capacityAcquires metric.Int64Counter
	capacityReleases metric.Int64Counter
	deliveries       metric.Int64Counter
	auditBuffered    metric.Int64UpDownCounter
}

// NewMetrics 从 meter 创建全部计数器
func NewMetrics(m metric.Meter) (*Metrics, error) {
	var err error
	out := &Metrics{}
	if out.transitions, err = m.Int64Counter("workorder.transitions",
		metric.WithDescription("Committed workorder state transitions")); err != nil {
		return nil, err
	}
	if out.rejections, err = m.Int64Counter("workorder.rejections",
		metric.WithDescription("Requests rejected by a guard")); err != nil {
		return nil, err
	}
	if out.casRetries, err = m.Int64Counter("workorder.cas_retries",
		metric.WithDescription("Conditional updates lost to a concurrent writer")); err != nil {
		return nil, err
	}
	if out.capacityAcquires, err = m.Int64Counter("capacity.acquires",
		metric.WithDescription("Capacity acquire attempts by outcome")); err != nil {
		return nil, err
	}
	if out.capacityReleases, err = m.Int64Counter("capacity.releases",
		metric.WithDescription("Capacity releases by outcome")); err != nil {
		return nil, err
	}
	if out.deliveries, err = m.Int64Counter("outbox.deliveries",
		metric.WithDescription("Notification deliveries by channel and outcome")); err != nil {
		return nil, err
	}
	if out.auditBuffered, err = m.Int64UpDownCounter("audit.buffered",
		metric.WithDescription("Audit writes waiting for replay")); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Metrics) Transition(ctx context.Context, event, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) Rejection(ctx context.Context, kind, guard string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("guard", guard),
	))
}

func (m *Metrics) CASRetry(ctx context.Context, event string) {
	if m == nil || m.casRetries == nil {
		return
	}
	m.casRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) CapacityAcquire(ctx context.Context, ok bool) {
	if m == nil || m.capacityAcquires == nil {
		return
	}
	m.capacityAcquires.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) CapacityRelease(ctx context.Context, ok bool) {
	if m == nil || m.capacityReleases == nil {
		return
	}
	m.capacityReleases.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) Delivery(ctx context.Context, channel string, ok bool) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Bool("ok", ok),
	))
}

func (m *Metrics) AuditBuffered(ctx context.Context, delta int64) {
	if m == nil || m.auditBuffered == nil {
		return
	}
	m.auditBuffered.Add(ctx, delta)
}
