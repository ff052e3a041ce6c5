package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"river-workorder/internal/audit"
	"river-workorder/internal/capacity"
	"river-workorder/internal/config"
	"river-workorder/internal/domain"
	"river-workorder/internal/idgen"
	"river-workorder/internal/outbox"
	"river-workorder/internal/repository"
	"river-workorder/internal/retry"
	"river-workorder/internal/telemetry"
	"river-workorder/internal/workflow"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WorkorderService 工单生命周期服务接口
type WorkorderService interface {
	// 创建工单（ai 告警生成 / 人工上报）
	CreateWorkorder(ctx context.Context, req CreateWorkorderRequest) (*WorkorderResponse, error)

	// 中心受理：pending → pending_dispatch，并确定区域
	Accept(ctx context.Context, req AcceptRequest) (*WorkorderResponse, error)

	// 派发给维修工（占用工作量）
	Assign(ctx context.Context, req AssignRequest) (*WorkorderResponse, error)

	// 维修工开始处理
	Start(ctx context.Context, req StartRequest) (*WorkorderResponse, error)

	// 维修工提交处理结果
	SubmitResult(ctx context.Context, req SubmitResultRequest) (*WorkorderResponse, error)

	// 区域审核 / 中心终审
	AreaReview(ctx context.Context, req ReviewRequest) (*WorkorderResponse, error)
	FinalReview(ctx context.Context, req ReviewRequest) (*WorkorderResponse, error)

	// 上报人现场确认 / 超时介入
	ReporterConfirm(ctx context.Context, req ReporterConfirmRequest) (*WorkorderResponse, error)
	TimeoutIntervene(ctx context.Context, req TimeoutInterveneRequest) (*WorkorderResponse, error)

	// 取消（任意非终态）
	Cancel(ctx context.Context, req CancelRequest) (*WorkorderResponse, error)

	// 查询
	GetWorkorder(ctx context.Context, actor domain.Actor, id string) (*domain.Workorder, error)
	GetHistory(ctx context.Context, actor domain.Actor, id string) ([]*domain.StatusHistoryEntry, error)
	GetRecords(ctx context.Context, actor domain.Actor, id string) (*WorkorderRecordsResponse, error)
	ListWorkorders(ctx context.Context, req ListWorkordersRequest) (*ListWorkordersResponse, error)
	ListTimedOutConfirmations(ctx context.Context, actor domain.Actor, areaID string) ([]*domain.Workorder, error)

	// 运维
	ReconcileCapacity(ctx context.Context, actor domain.Actor, workerID, areaID string) (*domain.CapacityEntry, error)
	ListAvailableWorkers(ctx context.Context, actor domain.Actor, areaID string) ([]*domain.CapacityEntry, error)
	ReplayAudit(ctx context.Context, actor domain.Actor) (*ReplayAuditResponse, error)
}

// workorderService 实现
type workorderService struct {
	workorders repository.WorkordersRepository
	alarms     repository.AlarmsRepository
	records    repository.RecordsRepository
	ledger     *capacity.Ledger
	trail      *audit.Trail
	outbox     *outbox.Outbox
	directory  *AreaDirectory
	ids        idgen.Generator
	cfg        config.WorkflowConfig
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewWorkorderService 创建 WorkorderService 实例
func NewWorkorderService(
	workorders repository.WorkordersRepository,
	alarms repository.AlarmsRepository,
	records repository.RecordsRepository,
	ledger *capacity.Ledger,
	trail *audit.Trail,
	box *outbox.Outbox,
	directory *AreaDirectory,
	ids idgen.Generator,
	cfg config.WorkflowConfig,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) WorkorderService {
	if cfg.MaxTransitionRetries <= 0 {
		cfg.MaxTransitionRetries = 3
	}
	if cfg.StoreRetryElapsed <= 0 {
		cfg.StoreRetryElapsed = time.Second
	}
	return &workorderService{
		workorders: workorders,
		alarms:     alarms,
		records:    records,
		ledger:     ledger,
		trail:      trail,
		outbox:     box,
		directory:  directory,
		ids:        ids,
		cfg:        cfg,
		metrics:    metrics,
		tracer:     telemetry.Tracer("river-workorder/service"),
		logger:     logger,
	}
}

// ============================================
// Request/Response DTOs
// ============================================

// CreateWorkorderRequest 创建工单请求
type CreateWorkorderRequest struct {
	Actor domain.Actor // 当前用户

	Title       string          // 标题（必填）
	Description string          // 描述
	Priority    domain.Priority // urgent | important | normal，默认 normal
	Source      domain.Source   // ai | manual；为空时有 AlarmID 视为 ai，否则 manual
	AreaID      string          // 所属区域，可为空（进入 pending 待受理）

	ReporterID string // 原始上报人（manual），为空时取当前用户
	AlarmID    string // 关联告警
	ReportID   string // 关联上报

	Images    []string
	Latitude  *float64
	Longitude *float64
	Address   string
}

// WorkorderResponse 工单操作响应
type WorkorderResponse struct {
	Workorder     *domain.Workorder `json:"workorder"`
	Notifications int               `json:"notifications"` // 已入队的通知条数
}

// AcceptRequest 受理请求
type AcceptRequest struct {
	Actor       domain.Actor
	WorkorderID string
	AreaID      string // 工单尚无区域时必填
	Note        string
}

// AssignRequest 派发请求
type AssignRequest struct {
	Actor          domain.Actor
	WorkorderID    string
	AssigneeID     string  // 维修工（必填）
	AreaID         string  // 工单尚无区域时必填
	EstimatedHours float64 // 预计处理时长（小时），<=0 表示不设置
	Note           string
}

// StartRequest 开始处理请求
type StartRequest struct {
	Actor       domain.Actor
	WorkorderID string
}

// SubmitResultRequest 提交处理结果请求
type SubmitResultRequest struct {
	Actor          domain.Actor
	WorkorderID    string
	ProcessMethod  string          // 处理方式（必填）
	ProcessResult  string          // 处理结果（必填）
	BeforePhotos   []string        // 处理前照片
	AfterPhotos    []string        // 处理后照片（至少一张）
	NeedFollowup   bool            // 是否需要后续跟进
	FollowupReason string          // NeedFollowup 时必填
	MaterialsUsed  json.RawMessage // 材料清单（JSON）
}

// ReviewRequest 区域审核 / 中心终审请求
type ReviewRequest struct {
	Actor       domain.Actor
	WorkorderID string
	Action      domain.ReviewAction // approve | reject | return
	Rating      *int                // 1-5
	Note        string
	IssuesFound []string
}

// ReporterConfirmRequest 上报人确认请求
type ReporterConfirmRequest struct {
	Actor       domain.Actor
	WorkorderID string
	Action      domain.ConfirmAction // confirmed | rejected
	Note        string
	Photos      []string
}

// TimeoutResult 超时介入结论
type TimeoutResult string

const (
	TimeoutCompleted TimeoutResult = "completed"
	TimeoutRejected  TimeoutResult = "rejected"
)

// TimeoutInterveneRequest 超时介入请求
type TimeoutInterveneRequest struct {
	Actor       domain.Actor
	WorkorderID string
	Result      TimeoutResult
	Reason      string // 介入原因
	Note        string
}

// CancelRequest 取消请求
type CancelRequest struct {
	Actor       domain.Actor
	WorkorderID string
	Reason      string
}

// ListWorkordersRequest 查询工单列表请求
type ListWorkordersRequest struct {
	Actor      domain.Actor
	Status     domain.WorkorderStatus
	AreaID     string
	AssigneeID string
	Source     domain.Source
	AlarmID    string
	Page       int // 默认 1
	PageSize   int // 默认 20，最大 100
}

// ListWorkordersResponse 查询工单列表响应
type ListWorkordersResponse struct {
	Items      []*domain.Workorder `json:"items"`
	Pagination PaginationDTO       `json:"pagination"`
}

// PaginationDTO 分页信息
type PaginationDTO struct {
	Size  int `json:"size"`  // 每页数量
	Page  int `json:"page"`  // 当前页码
	Count int `json:"count"` // 当前页数量
	Total int `json:"total"` // 总数量
}

// ReplayAuditResponse 审计补写结果
// WorkorderRecordsResponse 工单的完整审计记录
type WorkorderRecordsResponse struct {
	History       []*domain.StatusHistoryEntry   `json:"history"`
	Reviews       []*domain.ReviewRecord         `json:"reviews"`
	Confirmations []*domain.ReporterConfirmation `json:"confirmations"`
}

type ReplayAuditResponse struct {
	Flushed   int `json:"flushed"`
	Remaining int `json:"remaining"`
}

// ============================================
// 创建
// ============================================

func (s *workorderService) CreateWorkorder(ctx context.Context, req CreateWorkorderRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpCreateWorkorder, req.AlarmID)
	defer func() { s.finish(ctx, span, workflow.OpCreateWorkorder, "", err) }()

	actor := req.Actor
	if err := workflow.RequireRole(actor, workflow.OpCreateWorkorder); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "title is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "invalid priority %q", priority)
	}
	source := req.Source
	if source == "" {
		source = domain.SourceManual
		if req.AlarmID != "" {
			source = domain.SourceAI
		}
	}
	if !source.Valid() {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "invalid source %q", source)
	}
	if actor.Role == domain.RoleInspector && source != domain.SourceManual {
		return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardRole, "inspectors may only report manual workorders")
	}

	areaID := req.AreaID
	if areaID == "" && actor.Role == domain.RoleAreaSupervisor {
		areaID = actor.AreaID
	}
	if areaID != "" {
		if _, err := s.directory.Area(ctx, areaID); err != nil {
			return nil, err
		}
		if actor.Role == domain.RoleAreaSupervisor && !s.inArea(ctx, actor, areaID) {
			return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardArea, "area %s is outside actor's area", areaID)
		}
	}

	if req.AlarmID != "" {
		alarm, err := s.getAlarm(ctx, req.AlarmID)
		if err != nil {
			return nil, err
		}
		if err := s.ensureNoActive(ctx, "alarm", req.AlarmID, s.workorders.FindActiveByAlarm); err != nil {
			return nil, err
		}
		// 只有已确认的告警可以生成工单
		if _, err := workflow.PlanAlarm(alarm, workflow.AlarmEventProcess); err != nil {
			return nil, err
		}
	}
	if req.ReportID != "" {
		if err := s.ensureNoActive(ctx, "report", req.ReportID, s.workorders.FindActiveByReport); err != nil {
			return nil, err
		}
	}

	now := s.trail.Now()
	id, err := s.ids.NextWorkorderID(ctx, now)
	if err != nil {
		return nil, workflow.Transient("next workorder id", err)
	}

	wo := &domain.Workorder{
		ID:          id,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Priority:    priority,
		Source:      source,
		Status:      domain.WorkorderPending,
		AreaID:      areaID,
		CreatorID:   actor.ID,
		Images:      req.Images,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		Address:     req.Address,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if areaID != "" {
		wo.Status = domain.WorkorderPendingDispatch
	}
	if source == domain.SourceManual {
		reporter := req.ReporterID
		if reporter == "" || actor.Role == domain.RoleInspector {
			reporter = actor.ID
		}
		wo.ReporterID = domain.StringPtr(reporter)
	}
	if req.AlarmID != "" {
		wo.AlarmID = domain.StringPtr(req.AlarmID)
	}
	if req.ReportID != "" {
		wo.ReportID = domain.StringPtr(req.ReportID)
	}
	if sla := s.cfg.SLAFor(string(priority)); sla > 0 {
		wo.SLADeadline = domain.TimePtr(now.Add(sla))
	}

	// 先把告警推进到 processing 并记下工单编号，工单写入失败时再撤回
	if req.AlarmID != "" {
		if err := s.linkAlarm(ctx, actor, req.AlarmID, wo.ID); err != nil {
			return nil, err
		}
	}
	if err := s.workorders.CreateWorkorder(ctx, wo); err != nil {
		if req.AlarmID != "" {
			s.unlinkAlarm(ctx, req.AlarmID, wo.ID)
		}
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, workflow.Reject(workflow.ErrConflict, workflow.GuardSingleWorkorder,
				"alarm or report already has an active workorder")
		}
		return nil, workflow.Transient("create workorder", err)
	}

	s.logger.Info("Workorder created",
		zap.String("workorder_id", wo.ID),
		zap.String("source", string(wo.Source)),
		zap.String("status", string(wo.Status)),
		zap.String("area_id", wo.AreaID),
	)
	return &WorkorderResponse{Workorder: wo, Notifications: s.notifyCreated(ctx, wo)}, nil
}

func (s *workorderService) linkAlarm(ctx context.Context, actor domain.Actor, alarmID, workorderID string) error {
	_, err := advanceAlarm(ctx, s.alarms, alarmID, workflow.AlarmEventProcess, s.cfg.MaxTransitionRetries, s.trail.Now,
		func(a *domain.Alarm) error {
			if a.WorkorderID != nil && *a.WorkorderID != workorderID {
				return workflow.Reject(workflow.ErrConflict, workflow.GuardSingleWorkorder,
					"alarm %s is linked to workorder %s", a.ID, *a.WorkorderID)
			}
			return nil
		},
		func(a *domain.Alarm, now time.Time) {
			a.WorkorderID = domain.StringPtr(workorderID)
			a.HandlerID = domain.StringPtr(actor.ID)
			a.HandledAt = domain.TimePtr(now)
		})
	return err
}

func (s *workorderService) unlinkAlarm(ctx context.Context, alarmID, workorderID string) {
	_, err := advanceAlarm(ctx, s.alarms, alarmID, workflow.AlarmEventReopen, s.cfg.MaxTransitionRetries, s.trail.Now,
		func(a *domain.Alarm) error {
			if a.WorkorderID == nil || *a.WorkorderID != workorderID {
				return workflow.Reject(workflow.ErrConflict, workflow.GuardSingleWorkorder,
					"alarm %s is not linked to workorder %s", a.ID, workorderID)
			}
			return nil
		},
		func(a *domain.Alarm, _ time.Time) {
			a.WorkorderID = nil
			a.HandlerID = nil
			a.HandledAt = nil
		})
	if err != nil {
		s.logger.Error("Failed to unlink alarm after workorder create failed",
			zap.String("alarm_id", alarmID),
			zap.String("workorder_id", workorderID),
			zap.Error(err),
		)
	}
}

func (s *workorderService) ensureNoActive(ctx context.Context, kind, ref string,
	find func(context.Context, string) (*domain.Workorder, error)) error {
	existing, err := find(ctx, ref)
	if err == nil {
		return workflow.Reject(workflow.ErrConflict, workflow.GuardSingleWorkorder,
			"%s %s already has active workorder %s", kind, ref, existing.ID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return workflow.Transient("find active workorder", err)
}

// ============================================
// 流转
// ============================================

func (s *workorderService) Accept(ctx context.Context, req AcceptRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpAccept, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpAccept, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpAccept); err != nil {
		return nil, err
	}
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:     workflow.OpAccept,
		event:  workflow.EventAccept,
		actor:  req.Actor,
		reason: req.Note,
		check: func(ctx context.Context, wo *domain.Workorder) error {
			area := firstNonEmpty(req.AreaID, wo.AreaID)
			if area == "" {
				return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "area_id is required")
			}
			_, err := s.directory.Area(ctx, area)
			return err
		},
		mutate: func(wo *domain.Workorder, _ time.Time) {
			if req.AreaID != "" {
				wo.AreaID = req.AreaID
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, out), nil
}

func (s *workorderService) Assign(ctx context.Context, req AssignRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpAssign, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpAssign, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpAssign); err != nil {
		return nil, err
	}
	if req.AssigneeID == "" {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "assignee_id is required")
	}
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:     workflow.OpAssign,
		event:  workflow.EventAssign,
		actor:  req.Actor,
		reason: req.Note,
		check: func(ctx context.Context, wo *domain.Workorder) error {
			area := firstNonEmpty(wo.AreaID, req.AreaID)
			if area == "" {
				return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "area_id is required")
			}
			if _, err := s.directory.Area(ctx, area); err != nil {
				return err
			}
			if !s.inArea(ctx, req.Actor, area) {
				return workflow.Reject(workflow.ErrForbidden, workflow.GuardArea,
					"actor %s does not supervise area %s", req.Actor.ID, area)
			}
			if err := s.checkAssignee(ctx, req.AssigneeID); err != nil {
				return err
			}
			return s.ledger.Check(ctx, req.AssigneeID, area)
		},
		mutate: func(wo *domain.Workorder, now time.Time) {
			if wo.AreaID == "" {
				wo.AreaID = req.AreaID
			}
			wo.AssigneeID = domain.StringPtr(req.AssigneeID)
			wo.DispatcherID = domain.StringPtr(req.Actor.ID)
			wo.DispatchedAt = domain.TimePtr(now)
			wo.StartedAt = nil
			wo.EstimatedCompleteAt = nil
			if req.EstimatedHours > 0 {
				wo.EstimatedCompleteAt = domain.TimePtr(now.Add(time.Duration(req.EstimatedHours * float64(time.Hour))))
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, out), nil
}

func (s *workorderService) checkAssignee(ctx context.Context, id string) error {
	u, err := s.directory.User(ctx, id)
	if err != nil {
		return err
	}
	if u.Role != domain.RoleWorker {
		return workflow.Reject(workflow.ErrAssigneeUnavailable, workflow.GuardAssignee, "user %s is not a worker", id)
	}
	if u.Status != "" && u.Status != "active" {
		return workflow.Reject(workflow.ErrAssigneeUnavailable, workflow.GuardAssignee, "worker %s is %s", id, u.Status)
	}
	return nil
}

func (s *workorderService) Start(ctx context.Context, req StartRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpStart, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpStart, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpStart); err != nil {
		return nil, err
	}
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:    workflow.OpStart,
		event: workflow.EventStart,
		actor: req.Actor,
		check: func(_ context.Context, wo *domain.Workorder) error {
			return requireAssignee(req.Actor, wo)
		},
		mutate: func(wo *domain.Workorder, now time.Time) {
			wo.StartedAt = domain.TimePtr(now)
		},
	})
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, out), nil
}

func (s *workorderService) SubmitResult(ctx context.Context, req SubmitResultRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpSubmitResult, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpSubmitResult, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpSubmitResult); err != nil {
		return nil, err
	}
	if err := validateResult(req); err != nil {
		return nil, err
	}
	resultID := audit.NewID()
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:     workflow.OpSubmitResult,
		event:  workflow.EventSubmitResult,
		actor:  req.Actor,
		reason: req.ProcessResult,
		check: func(_ context.Context, wo *domain.Workorder) error {
			return requireAssignee(req.Actor, wo)
		},
		mutate: func(wo *domain.Workorder, now time.Time) {
			wo.ResultID = domain.StringPtr(resultID)
			wo.SubmittedAt = domain.TimePtr(now)
		},
	})
	if err != nil {
		return nil, err
	}

	result := &domain.WorkorderResult{
		ID:             resultID,
		WorkorderID:    out.after.ID,
		ProcessMethod:  req.ProcessMethod,
		ProcessResult:  req.ProcessResult,
		BeforePhotos:   req.BeforePhotos,
		AfterPhotos:    req.AfterPhotos,
		NeedFollowup:   req.NeedFollowup,
		FollowupReason: req.FollowupReason,
		MaterialsUsed:  []byte(req.MaterialsUsed),
		SubmittedBy:    req.Actor.ID,
		CreatedAt:      *out.after.SubmittedAt,
	}
	if err := retry.Do(ctx, s.cfg.StoreRetryElapsed, func() error { return s.records.SaveResult(ctx, result) }); err != nil {
		s.logger.Error("Failed to save workorder result",
			zap.String("workorder_id", out.after.ID),
			zap.String("result_id", resultID),
			zap.Error(err),
		)
	}
	return s.respond(ctx, out), nil
}

func validateResult(req SubmitResultRequest) error {
	switch {
	case strings.TrimSpace(req.ProcessMethod) == "":
		return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "process_method is required")
	case strings.TrimSpace(req.ProcessResult) == "":
		return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "process_result is required")
	case len(req.AfterPhotos) == 0:
		return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "at least one after photo is required")
	case req.NeedFollowup && strings.TrimSpace(req.FollowupReason) == "":
		return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "followup_reason is required when need_followup is set")
	case len(req.MaterialsUsed) > 0 && !json.Valid(req.MaterialsUsed):
		return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "materials_used is not valid JSON")
	}
	return nil
}

func (s *workorderService) AreaReview(ctx context.Context, req ReviewRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpAreaReview, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpAreaReview, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpAreaReview); err != nil {
		return nil, err
	}
	ev, ok := workflow.AreaReviewEvent(req.Action)
	if !ok {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "invalid review action %q", req.Action)
	}
	if err := validateRating(req.Rating); err != nil {
		return nil, err
	}
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:     workflow.OpAreaReview,
		event:  ev,
		actor:  req.Actor,
		reason: req.Note,
		check: func(ctx context.Context, wo *domain.Workorder) error {
			if !s.inArea(ctx, req.Actor, wo.AreaID) {
				return workflow.Reject(workflow.ErrForbidden, workflow.GuardArea,
					"actor %s does not supervise area %s", req.Actor.ID, wo.AreaID)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.trail.RecordReview(ctx, &domain.ReviewRecord{
		WorkorderID: out.after.ID,
		Level:       domain.ReviewLevelArea,
		Action:      req.Action,
		Rating:      req.Rating,
		Note:        req.Note,
		IssuesFound: req.IssuesFound,
		ReviewerID:  req.Actor.ID,
	})
	return s.respond(ctx, out), nil
}

func (s *workorderService) FinalReview(ctx context.Context, req ReviewRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpFinalReview, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpFinalReview, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpFinalReview); err != nil {
		return nil, err
	}
	ev, ok := workflow.FinalReviewEvent(req.Action)
	if !ok {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "invalid review action %q", req.Action)
	}
	if err := validateRating(req.Rating); err != nil {
		return nil, err
	}
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:     workflow.OpFinalReview,
		event:  ev,
		actor:  req.Actor,
		reason: req.Note,
	})
	if err != nil {
		return nil, err
	}
	s.trail.RecordReview(ctx, &domain.ReviewRecord{
		WorkorderID: out.after.ID,
		Level:       domain.ReviewLevelFinal,
		Action:      req.Action,
		Rating:      req.Rating,
		Note:        req.Note,
		IssuesFound: req.IssuesFound,
		ReviewerID:  req.Actor.ID,
	})
	return s.respond(ctx, out), nil
}

func validateRating(r *int) error {
	if r != nil && (*r < 1 || *r > 5) {
		return workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "rating must be between 1 and 5, got %d", *r)
	}
	return nil
}

func (s *workorderService) ReporterConfirm(ctx context.Context, req ReporterConfirmRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpReporterConfirm, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpReporterConfirm, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpReporterConfirm); err != nil {
		return nil, err
	}
	var ev workflow.Event
	switch req.Action {
	case domain.ConfirmConfirmed:
		ev = workflow.EventReporterConfirmed
	case domain.ConfirmRejected:
		ev = workflow.EventReporterRejected
	default:
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "invalid confirm action %q", req.Action)
	}
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:     workflow.OpReporterConfirm,
		event:  ev,
		actor:  req.Actor,
		reason: req.Note,
		check: func(_ context.Context, wo *domain.Workorder) error {
			if wo.Reporter() == "" || wo.Reporter() != req.Actor.ID {
				return workflow.Reject(workflow.ErrForbidden, workflow.GuardReporter,
					"only the original reporter may confirm workorder %s", wo.ID)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.trail.RecordConfirmation(ctx, &domain.ReporterConfirmation{
		WorkorderID: out.after.ID,
		Action:      req.Action,
		Note:        req.Note,
		Photos:      req.Photos,
		ActorID:     req.Actor.ID,
	})
	return s.respond(ctx, out), nil
}

func (s *workorderService) TimeoutIntervene(ctx context.Context, req TimeoutInterveneRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpTimeoutIntervene, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpTimeoutIntervene, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpTimeoutIntervene); err != nil {
		return nil, err
	}
	var (
		ev     workflow.Event
		action domain.ConfirmAction
	)
	switch req.Result {
	case TimeoutCompleted, TimeoutResult(domain.ConfirmConfirmed):
		ev, action = workflow.EventTimeoutCompleted, domain.ConfirmConfirmed
	case TimeoutRejected:
		ev, action = workflow.EventTimeoutRejected, domain.ConfirmRejected
	default:
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "invalid intervention result %q", req.Result)
	}
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:     workflow.OpTimeoutIntervene,
		event:  ev,
		actor:  req.Actor,
		reason: firstNonEmpty(req.Reason, req.Note),
		check: func(ctx context.Context, wo *domain.Workorder) error {
			if !s.inArea(ctx, req.Actor, wo.AreaID) {
				return workflow.Reject(workflow.ErrForbidden, workflow.GuardArea,
					"actor %s does not supervise area %s", req.Actor.ID, wo.AreaID)
			}
			if waited := s.trail.Now().Sub(wo.UpdatedAt); waited < s.cfg.ConfirmTimeout {
				return workflow.Reject(workflow.ErrInvalidState, workflow.GuardConfirmTimeout,
					"reporter confirmation has been pending for %s, timeout is %s",
					waited.Truncate(time.Second), s.cfg.ConfirmTimeout)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.trail.RecordConfirmation(ctx, &domain.ReporterConfirmation{
		WorkorderID:           out.after.ID,
		Action:                action,
		Note:                  req.Note,
		ActorID:               req.Actor.ID,
		IsTimeoutIntervention: true,
		IntervenerID:          domain.StringPtr(req.Actor.ID),
		Reason:                req.Reason,
	})
	return s.respond(ctx, out), nil
}

func (s *workorderService) Cancel(ctx context.Context, req CancelRequest) (resp *WorkorderResponse, err error) {
	ctx, span := s.startSpan(ctx, workflow.OpCancel, req.WorkorderID)
	defer func() { s.finish(ctx, span, workflow.OpCancel, req.WorkorderID, err) }()

	if err := workflow.RequireRole(req.Actor, workflow.OpCancel); err != nil {
		return nil, err
	}
	out, err := s.run(ctx, req.WorkorderID, transition{
		op:     workflow.OpCancel,
		event:  workflow.EventCancel,
		actor:  req.Actor,
		reason: req.Reason,
	})
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, out), nil
}

// ============================================
// 查询
// ============================================

func (s *workorderService) GetWorkorder(ctx context.Context, actor domain.Actor, id string) (*domain.Workorder, error) {
	if err := workflow.RequireRole(actor, workflow.OpView); err != nil {
		return nil, err
	}
	wo, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canView(ctx, actor, wo) {
		return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardArea, "workorder %s is not visible to %s", id, actor.ID)
	}
	return wo, nil
}

func (s *workorderService) GetHistory(ctx context.Context, actor domain.Actor, id string) ([]*domain.StatusHistoryEntry, error) {
	if _, err := s.GetWorkorder(ctx, actor, id); err != nil {
		return nil, err
	}
	entries, err := s.trail.History(ctx, id)
	if err != nil {
		return nil, workflow.Transient("list history", err)
	}
	return entries, nil
}

// GetRecords 状态历史、审核记录、上报人确认（含超时介入）
func (s *workorderService) GetRecords(ctx context.Context, actor domain.Actor, id string) (*WorkorderRecordsResponse, error) {
	history, err := s.GetHistory(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	reviews, err := s.trail.Reviews(ctx, id)
	if err != nil {
		return nil, workflow.Transient("list reviews", err)
	}
	confirmations, err := s.trail.Confirmations(ctx, id)
	if err != nil {
		return nil, workflow.Transient("list confirmations", err)
	}
	return &WorkorderRecordsResponse{History: history, Reviews: reviews, Confirmations: confirmations}, nil
}

func (s *workorderService) ListWorkorders(ctx context.Context, req ListWorkordersRequest) (*ListWorkordersResponse, error) {
	if err := workflow.RequireRole(req.Actor, workflow.OpView); err != nil {
		return nil, err
	}
	filter := repository.WorkorderFilter{
		Status:     req.Status,
		AreaID:     req.AreaID,
		AssigneeID: req.AssigneeID,
		Source:     req.Source,
		AlarmID:    req.AlarmID,
	}
	switch req.Actor.Role {
	case domain.RoleWorker:
		filter.AssigneeID = req.Actor.ID
	case domain.RoleInspector:
		filter.ReporterID = req.Actor.ID
	case domain.RoleAreaSupervisor:
		if filter.AreaID == "" {
			filter.AreaID = req.Actor.AreaID
		}
		if !s.inArea(ctx, req.Actor, filter.AreaID) {
			return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardArea, "area %s is outside actor's area", filter.AreaID)
		}
	}

	page, size := req.Page, req.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	items, total, err := s.workorders.ListWorkorders(ctx, filter, page, size)
	if err != nil {
		return nil, workflow.Transient("list workorders", err)
	}
	return &ListWorkordersResponse{
		Items:      items,
		Pagination: PaginationDTO{Size: size, Page: page, Count: len(items), Total: total},
	}, nil
}

func (s *workorderService) ListTimedOutConfirmations(ctx context.Context, actor domain.Actor, areaID string) ([]*domain.Workorder, error) {
	if err := workflow.RequireRole(actor, workflow.OpTimeoutIntervene); err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleAreaSupervisor {
		areaID = firstNonEmpty(areaID, actor.AreaID)
		if !s.inArea(ctx, actor, areaID) {
			return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardArea, "area %s is outside actor's area", areaID)
		}
	}
	list, err := s.workorders.ListAwaitingConfirmation(ctx, areaID, s.trail.Now().Add(-s.cfg.ConfirmTimeout))
	if err != nil {
		return nil, workflow.Transient("list awaiting confirmation", err)
	}
	return list, nil
}

func (s *workorderService) ReconcileCapacity(ctx context.Context, actor domain.Actor, workerID, areaID string) (*domain.CapacityEntry, error) {
	if err := workflow.RequireRole(actor, workflow.OpReconcileCapacity); err != nil {
		return nil, err
	}
	if workerID == "" || areaID == "" {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "worker_id and area_id are required")
	}
	return s.ledger.Reconcile(ctx, workerID, areaID)
}

func (s *workorderService) ListAvailableWorkers(ctx context.Context, actor domain.Actor, areaID string) ([]*domain.CapacityEntry, error) {
	if err := workflow.RequireRole(actor, workflow.OpAssign); err != nil {
		return nil, err
	}
	if areaID == "" {
		areaID = actor.AreaID
	}
	if areaID == "" {
		return nil, workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "area_id is required")
	}
	if !s.inArea(ctx, actor, areaID) {
		return nil, workflow.Reject(workflow.ErrForbidden, workflow.GuardArea, "area %s is outside actor's area", areaID)
	}
	return s.ledger.ListAvailable(ctx, areaID)
}

func (s *workorderService) ReplayAudit(ctx context.Context, actor domain.Actor) (*ReplayAuditResponse, error) {
	if err := workflow.RequireRole(actor, workflow.OpReplayAudit); err != nil {
		return nil, err
	}
	flushed, remaining := s.trail.Replay(ctx)
	return &ReplayAuditResponse{Flushed: flushed, Remaining: remaining}, nil
}

// ============================================
// helpers
// ============================================

func (s *workorderService) inArea(ctx context.Context, actor domain.Actor, areaID string) bool {
	return s.directory.Covers(ctx, actor, areaID)
}

func (s *workorderService) canView(ctx context.Context, actor domain.Actor, wo *domain.Workorder) bool {
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleCentralSupervisor:
		return true
	case domain.RoleAreaSupervisor:
		return s.inArea(ctx, actor, wo.AreaID)
	case domain.RoleWorker:
		return wo.Assignee() == actor.ID
	case domain.RoleInspector:
		return wo.Reporter() == actor.ID || wo.CreatorID == actor.ID
	}
	return false
}

func requireAssignee(actor domain.Actor, wo *domain.Workorder) error {
	if wo.Assignee() == "" || wo.Assignee() != actor.ID {
		return workflow.Reject(workflow.ErrForbidden, workflow.GuardAssignee,
			"workorder %s is not assigned to %s", wo.ID, actor.ID)
	}
	return nil
}

func (s *workorderService) load(ctx context.Context, id string) (*domain.Workorder, error) {
	var wo *domain.Workorder
	err := retry.Do(ctx, s.cfg.StoreRetryElapsed, func() error {
		var err error
		wo, err = s.workorders.GetWorkorder(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workflow.Reject(workflow.ErrNotFound, workflow.GuardExists, "workorder %s not found", id)
		}
		return nil, workflow.Transient("get workorder", err)
	}
	return wo, nil
}

func (s *workorderService) getAlarm(ctx context.Context, id string) (*domain.Alarm, error) {
	a, err := s.alarms.GetAlarm(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workflow.Reject(workflow.ErrNotFound, workflow.GuardExists, "alarm %s not found", id)
		}
		return nil, workflow.Transient("get alarm", err)
	}
	return a, nil
}

func (s *workorderService) respond(ctx context.Context, out *outcome) *WorkorderResponse {
	return &WorkorderResponse{Workorder: out.after, Notifications: s.notifyTransition(ctx, out)}
}

func (s *workorderService) startSpan(ctx context.Context, op workflow.Operation, id string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "workorder."+string(op),
		trace.WithAttributes(attribute.String("workorder.id", id)))
}

func (s *workorderService) finish(ctx context.Context, span trace.Span, op workflow.Operation, id string, err error) {
	endOperation(ctx, span, s.metrics, s.logger, op, "workorder_id", id, err)
}

// endOperation 结束 span；拒绝计入指标并记录日志，存储故障按 Error 级别记录
func endOperation(ctx context.Context, span trace.Span, metrics *telemetry.Metrics, logger *zap.Logger,
	op workflow.Operation, idKey, id string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	kind := "unknown"
	if k := workflow.KindOf(err); k != nil {
		kind = k.Error()
	}
	guard := workflow.GuardOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	metrics.Rejection(ctx, kind, guard)

	level := zap.InfoLevel
	if errors.Is(err, workflow.ErrTransientFailure) {
		level = zap.ErrorLevel
	}
	if ce := logger.Check(level, "Operation rejected"); ce != nil {
		ce.Write(
			zap.String("operation", string(op)),
			zap.String(idKey, id),
			zap.String("kind", kind),
			zap.String("guard", guard),
			zap.Error(err),
		)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
