package domain

import (
	"time"
)

// AlarmStatus 告警状态
type AlarmStatus string

const (
	AlarmPending    AlarmStatus = "pending"     // 待审核
	AlarmConfirmed  AlarmStatus = "confirmed"   // 已确认
	AlarmProcessing AlarmStatus = "processing"  // 处理中（已生成工单）
	AlarmResolved   AlarmStatus = "resolved"    // 已解决
	AlarmFalse      AlarmStatus = "false_alarm" // 误报
	AlarmIgnored    AlarmStatus = "ignored"     // 已忽略
)

// IsTerminal reports whether the alarm can no longer move.
func (s AlarmStatus) IsTerminal() bool {
	return s == AlarmResolved || s == AlarmFalse || s == AlarmIgnored
}

// AuditDecision 告警审核结论
type AuditDecision string

const (
	AuditApproved AuditDecision = "approved"
	AuditRejected AuditDecision = "rejected"
)

// Alarm 告警领域模型（对应 alarms 表）
type Alarm struct {
	ID          string `json:"id"`
	AlarmType   string `json:"alarm_type"`   // 告警类型（漂浮物、排污口、违章建筑等）
	Level       string `json:"level"`        // 严重程度
	PointID     string `json:"point_id"`     // 监测点
	AreaID      string `json:"area_id"`      // 所属区域，可为空
	Title       string `json:"title"`        // 标题
	Description string `json:"description"`  // 描述
	SourceType  string `json:"source_type"`  // detection | manual

	ReporterID *string `json:"reporter_id,omitempty"` // 人工上报人

	Status AlarmStatus `json:"status"`

	// 审核
	AuditDecision *AuditDecision `json:"audit_decision,omitempty"`
	AuditorID     *string        `json:"auditor_id,omitempty"`
	AuditNote     *string        `json:"audit_note,omitempty"`
	AuditedAt     *time.Time     `json:"audited_at,omitempty"`

	// 处理（process / resolve / ignore）
	HandlerID  *string    `json:"handler_id,omitempty"`
	HandleNote *string    `json:"handle_note,omitempty"`
	HandledAt  *time.Time `json:"handled_at,omitempty"`

	// 现场信息（生成工单时复制）
	Images    []string `json:"images,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// 关联工单
	WorkorderID *string `json:"workorder_id,omitempty"`

	Version    int64     `json:"version"`
	DetectedAt time.Time `json:"detected_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (a *Alarm) Clone() *Alarm {
	if a == nil {
		return nil
	}
	c := *a
	c.ReporterID = cloneString(a.ReporterID)
	if a.AuditDecision != nil {
		d := *a.AuditDecision
		c.AuditDecision = &d
	}
	c.AuditorID = cloneString(a.AuditorID)
	c.AuditNote = cloneString(a.AuditNote)
	c.AuditedAt = cloneTime(a.AuditedAt)
	c.HandlerID = cloneString(a.HandlerID)
	c.HandleNote = cloneString(a.HandleNote)
	c.HandledAt = cloneTime(a.HandledAt)
	c.Latitude = cloneFloat(a.Latitude)
	c.Longitude = cloneFloat(a.Longitude)
	c.WorkorderID = cloneString(a.WorkorderID)
	if a.Images != nil {
		c.Images = append([]string(nil), a.Images...)
	}
	return &c
}
