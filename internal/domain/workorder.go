package domain

import (
	"time"
)

// WorkorderStatus 工单状态
type WorkorderStatus string

const (
	WorkorderPending                WorkorderStatus = "pending"                  // 待受理（告警生成，尚未确定区域）
	WorkorderPendingDispatch        WorkorderStatus = "pending_dispatch"         // 待派发
	WorkorderDispatched             WorkorderStatus = "dispatched"               // 已派发
	WorkorderProcessing             WorkorderStatus = "processing"               // 处理中
	WorkorderPendingReview          WorkorderStatus = "pending_review"           // 待区域审核
	WorkorderPendingFinalReview     WorkorderStatus = "pending_final_review"     // 待中心终审
	WorkorderPendingReporterConfirm WorkorderStatus = "pending_reporter_confirm" // 待上报人现场确认
	WorkorderConfirmedFailed        WorkorderStatus = "confirmed_failed"         // 上报人确认未通过
	WorkorderCompleted              WorkorderStatus = "completed"                // 已完成
	WorkorderCancelled              WorkorderStatus = "cancelled"                // 已取消
)

// AllWorkorderStatuses lists every status in lifecycle order.
var AllWorkorderStatuses = []WorkorderStatus{
	WorkorderPending,
	WorkorderPendingDispatch,
	WorkorderDispatched,
	WorkorderProcessing,
	WorkorderPendingReview,
	WorkorderPendingFinalReview,
	WorkorderPendingReporterConfirm,
	WorkorderConfirmedFailed,
	WorkorderCompleted,
	WorkorderCancelled,
}

// IsTerminal reports whether no further transition may leave s.
func (s WorkorderStatus) IsTerminal() bool {
	return s == WorkorderCompleted || s == WorkorderCancelled
}

// Valid reports whether s is one of the known statuses.
func (s WorkorderStatus) Valid() bool {
	for _, v := range AllWorkorderStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Priority 工单优先级
type Priority string

const (
	PriorityUrgent    Priority = "urgent"
	PriorityImportant Priority = "important"
	PriorityNormal    Priority = "normal"
)

func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityImportant || p == PriorityNormal
}

// Source 工单来源：ai 自动识别 / manual 人工上报
type Source string

const (
	SourceAI     Source = "ai"
	SourceManual Source = "manual"
)

func (s Source) Valid() bool {
	return s == SourceAI || s == SourceManual
}

// Workorder 工单领域模型（对应 workorders 表）
type Workorder struct {
	ID          string   `json:"id"`          // WO-YYYYMMDD-NNNNN
	Title       string   `json:"title"`       // 标题
	Description string   `json:"description"` // 描述
	Priority    Priority `json:"priority"`    // urgent | important | normal
	Source      Source   `json:"source"`      // ai | manual

	Status WorkorderStatus `json:"status"`

	// 归属与人员
	AreaID       string  `json:"area_id"`                 // 所属区域（pending 状态可为空）
	CreatorID    string  `json:"creator_id"`              // 创建人
	AssigneeID   *string `json:"assignee_id,omitempty"`   // 处理人（维修工）
	DispatcherID *string `json:"dispatcher_id,omitempty"` // 派发人
	ReporterID   *string `json:"reporter_id,omitempty"`   // 原始上报人（仅 manual）

	// 关联：一个告警/上报最多对应一个未取消的工单
	AlarmID  *string `json:"alarm_id,omitempty"`
	ReportID *string `json:"report_id,omitempty"`

	// 区域审核通过后的去向，首次通过时写入，之后不再变化
	ReviewRoute WorkorderStatus `json:"review_route,omitempty"`

	// 当前是否占用处理人的工作量（每次派发最多释放一次）
	CapacityHeld bool `json:"capacity_held"`

	// 条件更新版本号
	Version int64 `json:"version"`

	// 现场信息
	Images    []string `json:"images,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Address   string   `json:"address,omitempty"`

	// 处理结果记录
	ResultID *string `json:"result_id,omitempty"`

	// 时间
	SLADeadline         *time.Time `json:"sla_deadline,omitempty"`
	EstimatedCompleteAt *time.Time `json:"estimated_complete_at,omitempty"`
	DispatchedAt        *time.Time `json:"dispatched_at,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	SubmittedAt         *time.Time `json:"submitted_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so that callers can mutate a candidate state
// without touching the stored one.
func (w *Workorder) Clone() *Workorder {
	if w == nil {
		return nil
	}
	c := *w
	c.AssigneeID = cloneString(w.AssigneeID)
	c.DispatcherID = cloneString(w.DispatcherID)
	c.ReporterID = cloneString(w.ReporterID)
	c.AlarmID = cloneString(w.AlarmID)
	c.ReportID = cloneString(w.ReportID)
	c.ResultID = cloneString(w.ResultID)
	c.Latitude = cloneFloat(w.Latitude)
	c.Longitude = cloneFloat(w.Longitude)
	c.SLADeadline = cloneTime(w.SLADeadline)
	c.EstimatedCompleteAt = cloneTime(w.EstimatedCompleteAt)
	c.DispatchedAt = cloneTime(w.DispatchedAt)
	c.StartedAt = cloneTime(w.StartedAt)
	c.SubmittedAt = cloneTime(w.SubmittedAt)
	c.CompletedAt = cloneTime(w.CompletedAt)
	if w.Images != nil {
		c.Images = append([]string(nil), w.Images...)
	}
	return &c
}

// Assignee returns the assignee id or "".
func (w *Workorder) Assignee() string {
	if w.AssigneeID == nil {
		return ""
	}
	return *w.AssigneeID
}

// Reporter returns the original reporter id or "".
func (w *Workorder) Reporter() string {
	if w.ReporterID == nil {
		return ""
	}
	return *w.ReporterID
}

// WorkorderResult 维修结果（提交时写入的附属记录）
type WorkorderResult struct {
	ID             string    `json:"id"`
	WorkorderID    string    `json:"workorder_id"`
	ProcessMethod  string    `json:"process_method"`  // 处理方式
	ProcessResult  string    `json:"process_result"`  // 处理结果
	BeforePhotos   []string  `json:"before_photos"`   // 处理前照片
	AfterPhotos    []string  `json:"after_photos"`    // 处理后照片（至少一张）
	NeedFollowup   bool      `json:"need_followup"`   // 是否需要后续跟进
	FollowupReason string    `json:"followup_reason"` // 跟进原因
	MaterialsUsed  []byte    `json:"materials_used,omitempty"`
	SubmittedBy    string    `json:"submitted_by"`
	CreatedAt      time.Time `json:"created_at"`
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string {
	return &s
}

// TimePtr is a small helper for optional time fields.
func TimePtr(t time.Time) *time.Time {
	return &t
}
