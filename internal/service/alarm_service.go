package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"river-workorder/internal/audit"
	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/telemetry"
	"river-workorder/internal/workflow"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AlarmService 告警审核服务接口
type AlarmService interface {
	// 新建告警（识别结果或人工录入），状态 pending
	CreateAlarm(ctx context.Context, req CreateAlarmRequest) (*domain.Alarm, error)

	// 审核：approve → confirmed（可同时生成工单并进入 processing），reject → false_alarm
	AuditAlarm(ctx context.Context, req AuditAlarmRequest) (*AlarmWorkorderResponse, error)

	// 为已确认的告警生成工单
	ConvertAlarm(ctx context.Context, req ConvertAlarmRequest) (*AlarmWorkorderResponse, error)

	// 处理 / 解决 / 忽略
	ProcessAlarm(ctx context.Context, req HandleAlarmRequest) (*domain.Alarm, error)
	ResolveAlarm(ctx context.Context, req HandleAlarmRequest) (*domain.Alarm, error)
	IgnoreAlarm(ctx context.Context, req HandleAlarmRequest) (*domain.Alarm, error)

	GetAlarm(ctx context.Context, actor domain.Actor, id string) (*domain.Alarm, error)
	ListAlarms(ctx context.Context, req ListAlarmsRequest) (*ListAlarmsResponse, error)
}

type alarmService struct {
	alarms     repository.AlarmsRepository
	active     repository.WorkordersRepository
	workorders WorkorderService
	directory  *AreaDirectory
	clock      func() time.Time
	attempts   int
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewAlarmService 创建 AlarmService 实例；工单通过 WorkorderService 创建，沿用其校验与唯一性约束
func NewAlarmService(
	alarms repository.AlarmsRepository,
	active repository.WorkordersRepository,
	workorders WorkorderService,
	directory *AreaDirectory,
	clock *audit.Clock,
	maxRetries int,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) AlarmService {
	if clock == nil {
		clock = audit.NewClock(nil)
	}
	return &alarmService{
		alarms:     alarms,
		active:     active,
		workorders: workorders,
		directory:  directory,
		clock:      clock.Now,
		attempts:   maxRetries,
		metrics:    metrics,
		tracer:     telemetry.Tracer("river-workorder/service"),
		logger:     logger,
	}
}

// ============================================
// Request/Response DTOs
// ============================================

// CreateAlarmRequest 新建告警请求
type CreateAlarmRequest struct {
	Actor       domain.Actor
	AlarmType   string // 告警类型（必填）
	Level       string // 严重程度
	PointID     string // 监测点
	AreaID      string
	Title       string
	Description string
	SourceType  string // detection | manual，巡河员上报固定为 manual
	Images      []string
	Latitude    *float64
	Longitude   *float64
	DetectedAt  *time.Time
}

// AuditAlarmRequest 告警审核请求
type AuditAlarmRequest struct {
	Actor           domain.Actor
	AlarmID         string
	Decision        domain.AuditDecision // approved | rejected
	Note            string
	CreateWorkorder bool            // 审核通过时同时生成工单
	Priority        domain.Priority // 生成工单的优先级，为空时按告警级别推断
}

// ConvertAlarmRequest 告警转工单请求
type ConvertAlarmRequest struct {
	Actor    domain.Actor
	AlarmID  string
	Priority domain.Priority
	Title    string // 为空时使用告警标题
}

// HandleAlarmRequest 处理 / 解决 / 忽略请求
type HandleAlarmRequest struct {
	Actor   domain.Actor
	AlarmID string
	Note    string
}

// AlarmWorkorderResponse 审核 / 转工单响应
type AlarmWorkorderResponse struct {
	Alarm         *domain.Alarm     `json:"alarm"`
	Workorder     *domain.Workorder `json:"workorder,omitempty"`
	Notifications int               `json:"notifications"`
}

// ListAlarmsRequest 查询告警列表请求
type ListAlarmsRequest struct {
	Actor    domain.Actor
	Status   domain.AlarmStatus
	AreaID   string
	Page     int
	PageSize int
}

// ListAlarmsResponse 查询告警列表响应
type ListAlarmsResponse struct {
	Items      []*domain.Alarm `json:"items"`
	Pagination PaginationDTO   `json:"pagination"`
}

// ============================================
// 实现
// ============================================

func (s *alarmService) CreateAlarm(ctx context.Context, req CreateAlarmRequest) (a *domain.Alarm, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpCreateAlarm, "")
	defer func() { s.finish(ctx, span, workflow.OpCreateAlarm, "", err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpCreateAlarm); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.AlarmType) == "" {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "alarm_type is required")
	}
	if req.AreaID != "" {
		if _, err := s.directory.Area(ctx, req.AreaID); err != nil {
			return nil, err
		}
	}

	now := s.clock()
	a = &domain.Alarm{
		ID:          audit.NewID(),
		AlarmType:   req.AlarmType,
		Level:       req.Level,
		PointID:     req.PointID,
		AreaID:      req.AreaID,
		Title:       firstNonEmpty(strings.TrimSpace(req.Title), req.AlarmType),
		Description: req.Description,
		SourceType:  firstNonEmpty(req.SourceType, "detection"),
		Status:      domain.AlarmPending,
		Images:      req.Images,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		DetectedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.DetectedAt != nil {
		a.DetectedAt = *req.DetectedAt
	}
	if req.Actor.Role == domain.RoleInspector {
		a.SourceType = "manual"
		a.ReporterID = domain.StringPtr(req.Actor.ID)
	}
	if err := s.alarms.CreateAlarm(ctx, a); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, workflow.Reject(workflow.ErrConflict, workflow.GuardExists, "alarm %s already exists", a.ID)
		}
		return nil, workflow.Transient("create alarm", err)
	}
	s.logger.Info("Alarm created",
		zap.String("alarm_id", a.ID),
		zap.String("alarm_type", a.AlarmType),
		zap.String("area_id", a.AreaID),
	)
	return a, nil
}

func (s *alarmService) AuditAlarm(ctx context.Context, req AuditAlarmRequest) (resp *AlarmWorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpAuditAlarm, req.AlarmID)
	defer func() { s.finish(ctx, span, workflow.OpAuditAlarm, req.AlarmID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpAuditAlarm); err != nil {
		return nil, err
	}
	var ev workflow.AlarmEvent
	switch req.Decision {
	case domain.AuditApproved:
		ev = workflow.AlarmEventApprove
	case domain.AuditRejected:
		ev = workflow.AlarmEventReject
		if req.CreateWorkorder {
			return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "a rejected alarm cannot create a workorder")
		}
	default:
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "invalid audit decision %q", req.Decision)
	}

	current, err := s.load(ctx, req.AlarmID)
	if err != nil {
		return nil, err
	}
	if err := s.checkArea(ctx, req.Actor, current); err != nil {
		return nil, err
	}
	if _, err := workflow.PlanAlarm(current, ev); err != nil {
		return nil, err
	}
	if req.CreateWorkorder {
		// 先确认告警尚无未取消工单，失败时告警保持原状态
		if err := s.ensureUnlinked(ctx, current); err != nil {
			return nil, err
		}
	}

	decision := req.Decision
	audited, err := s.advance(ctx, current.ID, ev, func(a *domain.Alarm, now time.Time) {
		a.AuditDecision = &decision
		a.AuditorID = domain.StringPtr(req.Actor.ID)
		a.AuditNote = domain.StringPtr(req.Note)
		a.AuditedAt = domain.TimePtr(now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Alarm audited",
		zap.String("alarm_id", audited.ID),
		zap.String("decision", string(req.Decision)),
		zap.String("status", string(audited.Status)),
	)
	if !req.CreateWorkorder {
		return &AlarmWorkorderResponse{Alarm: audited}, nil
	}
	return s.convert(ctx, req.Actor, audited, req.Priority, "")
}

func (s *alarmService) ConvertAlarm(ctx context.Context, req ConvertAlarmRequest) (resp *AlarmWorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpConvertAlarm, req.AlarmID)
	defer func() { s.finish(ctx, span, workflow.OpConvertAlarm, req.AlarmID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpConvertAlarm); err != nil {
		return nil, err
	}
	current, err := s.load(ctx, req.AlarmID)
	if err != nil {
		return nil, err
	}
	if err := s.checkArea(ctx, req.Actor, current); err != nil {
		return nil, err
	}
	if _, err := workflow.PlanAlarm(current, workflow.AlarmEventProcess); err != nil {
		return nil, err
	}
	return s.convert(ctx, req.Actor, current, req.Priority, req.Title)
}

// convert 由已确认的告警生成 ai 工单
func (s *alarmService) convert(ctx context.Context, actor domain.Actor, a *domain.Alarm, priority domain.Priority, title string) (*AlarmWorkorderResponse, error) {
	if priority == "" {
		priority = priorityForLevel(a.Level)
	}
	created, err := s.workorders.CreateWorkorder(ctx, CreateWorkorderRequest{
		Actor:       actor,
		Title:       firstNonEmpty(strings.TrimSpace(title), a.Title, a.AlarmType),
		Description: a.Description,
		Priority:    priority,
		Source:      domain.SourceAI,
		AreaID:      a.AreaID,
		AlarmID:     a.ID,
		Images:      a.Images,
		Latitude:    a.Latitude,
		Longitude:   a.Longitude,
	})
	if err != nil {
		return nil, err
	}
	wo := created.Workorder

	// 工单创建时告警已进入 processing 并关联工单
	linked, err := s.load(ctx, a.ID)
	if err != nil {
		s.logger.Warn("Workorder created but alarm could not be reloaded",
			zap.String("alarm_id", a.ID),
			zap.String("workorder_id", wo.ID),
			zap.Error(err),
		)
		return &AlarmWorkorderResponse{Alarm: a, Workorder: wo, Notifications: created.Notifications}, nil
	}
	return &AlarmWorkorderResponse{Alarm: linked, Workorder: wo, Notifications: created.Notifications}, nil
}

func (s *alarmService) ensureUnlinked(ctx context.Context, a *domain.Alarm) error {
	wo, err := s.active.FindActiveByAlarm(ctx, a.ID)
	if err == nil {
		return workflow.Reject(workflow.ErrConflict, workflow.GuardSingleWorkorder,
			"alarm %s already has active workorder %s", a.ID, wo.ID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return workflow.Transient("find active workorder", err)
}

func (s *alarmService) ProcessAlarm(ctx context.Context, req HandleAlarmRequest) (*domain.Alarm, error) {
	return s.handle(ctx, workflow.OpProcessAlarm, workflow.AlarmEventProcess, req)
}

func (s *alarmService) ResolveAlarm(ctx context.Context, req HandleAlarmRequest) (*domain.Alarm, error) {
	return s.handle(ctx, workflow.OpResolveAlarm, workflow.AlarmEventResolve, req)
}

func (s *alarmService) IgnoreAlarm(ctx context.Context, req HandleAlarmRequest) (*domain.Alarm, error) {
	return s.handle(ctx, workflow.OpIgnoreAlarm, workflow.AlarmEventIgnore, req)
}

func (s *alarmService) handle(ctx context.Context, op workflow.Operation, ev workflow.AlarmEvent, req HandleAlarmRequest) (a *domain.Alarm, err error) {
	ctx, span := s.startSpan(ctx, op, req.AlarmID)
	defer func() { s.finish(ctx, span, op, req.AlarmID, err) }()

	if err := workflow.RequireRole(req.Actor, op); err != nil {
		return nil, err
	}
	current, err := s.load(ctx, req.AlarmID)
	if err != nil {
		return nil, err
	}
	if err := s.checkArea(ctx, req.Actor, current); err != nil {
		return nil, err
	}
	a, err = s.advance(ctx, current.ID, ev, func(next *domain.Alarm, now time.Time) {
		next.HandlerID = domain.StringPtr(req.Actor.ID)
		next.HandleNote = domain.StringPtr(req.Note)
		next.HandledAt = domain.TimePtr(now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Alarm handled",
		zap.String("alarm_id", a.ID),
		zap.String("event", string(ev)),
		zap.String("status", string(a.Status)),
		zap.String("actor_id", req.Actor.ID),
	)
	return a, nil
}

func (s *alarmService) GetAlarm(ctx context.Context, actor domain.Actor, id string) (*domain.Alarm, error) {
	if err := workflow.RequireRole(actor, workflow.OpView); err != nil {
		return nil, err
	}
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RoleAreaSupervisor:
		if a.AreaID != "" && !s.directory.Covers(ctx, actor, a.AreaID) {
			return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardArea, "alarm %s is outside actor's area", id)
		}
	case domain.RoleInspector, domain.RoleWorker:
		if a.ReporterID == nil || *a.ReporterID != actor.ID {
			return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardRole, "alarm %s is not visible to %s", id, actor.ID)
		}
	}
	return a, nil
}

func (s *alarmService) ListAlarms(ctx context.Context, req ListAlarmsRequest) (*ListAlarmsResponse, error) {
	if err := workflow.RequireRole(req.Actor, workflow.OpAuditAlarm); err != nil {
		return nil, err
	}
	areaID := req.AreaID
	if req.Actor.Role == domain.RoleAreaSupervisor {
		areaID = firstNonEmpty(areaID, req.Actor.AreaID)
		if !s.directory.Covers(ctx, req.Actor, areaID) {
			return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardArea, "area %s is outside actor's area", areaID)
		}
	}
	page, size := req.Page, req.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	items, total, err := s.alarms.ListAlarms(ctx, req.Status, areaID, page, size)
	if err != nil {
		return nil, workflow.Transient("list alarms", err)
	}
	return &ListAlarmsResponse{
		Items:      items,
		Pagination: PaginationDTO{Size: size, Page: page, Count: len(items), Total: total},
	}, nil
}

// ============================================
// helpers
// ============================================

func (s *alarmService) load(ctx context.Context, id string) (*domain.Alarm, error) {
	a, err := s.alarms.GetAlarm(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workflow.Reject(workflow.ErrNotFound, workflow.GuardExists, "alarm %s not found", id)
		}
		return nil, workflow.Transient("get alarm", err)
	}
	return a, nil
}

// checkArea 区域主管只能处理本区域告警；未划定区域的告警由中心处理
func (s *alarmService) checkArea(ctx context.Context, actor domain.Actor, a *domain.Alarm) error {
	if s.directory.Covers(ctx, actor, a.AreaID) {
		return nil
	}
	return workflow.Reject(workflow.ErrForbidden, workflow.GuardArea,
		"actor %s may not handle alarms of area %q", actor.ID, a.AreaID)
}

func (s *alarmService) advance(ctx context.Context, id string, ev workflow.AlarmEvent, mutate func(a *domain.Alarm, now time.Time)) (*domain.Alarm, error) {
	return advanceAlarm(ctx, s.alarms, id, ev, s.attempts, s.clock, nil, mutate)
}

func (s *alarmService) startSpan(ctx context.Context, op workflow.Operation, id string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "alarm."+string(op),
		trace.WithAttributes(attribute.String("alarm.id", id)))
}

func (s *alarmService) finish(ctx context.Context, span trace.Span, op workflow.Operation, id string, err error) {
	endOperation(ctx, span, s.metrics, s.logger, op, "alarm_id", id, err)
}

// priorityForLevel 告警级别 → 工单优先级
func priorityForLevel(level string) domain.Priority {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical", "urgent", "high", "emergency", "紧急":
		return domain.PriorityUrgent
	case "important", "medium", "major", "重要":
		return domain.PriorityImportant
	}
	return domain.PriorityNormal
}
