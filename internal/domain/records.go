package domain

import (
	"time"
)

// ReviewLevel 审核级别
type ReviewLevel string

const (
	ReviewLevelArea  ReviewLevel = "area"
	ReviewLevelFinal ReviewLevel = "final"
)

// ReviewAction 审核动作
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve" // 通过
	ReviewReject  ReviewAction = "reject"  // 驳回，原处理人继续处理
	ReviewReturn  ReviewAction = "return"  // 退回，重新派发
)

func (a ReviewAction) Valid() bool {
	return a == ReviewApprove || a == ReviewReject || a == ReviewReturn
}

// ReviewRecord 审核记录（只追加）
type ReviewRecord struct {
	ID          string       `json:"id"`
	WorkorderID string       `json:"workorder_id"`
	Level       ReviewLevel  `json:"level"`
	Action      ReviewAction `json:"action"`
	Rating      *int         `json:"rating,omitempty"` // 1-5
	Note        string       `json:"note"`
	IssuesFound []string     `json:"issues_found,omitempty"`
	ReviewerID  string       `json:"reviewer_id"`
	CreatedAt   time.Time    `json:"created_at"`
}

// StatusHistoryEntry 状态流转记录（只追加）
type StatusHistoryEntry struct {
	ID          string          `json:"id"`
	WorkorderID string          `json:"workorder_id"`
	OldStatus   WorkorderStatus `json:"old_status"`
	NewStatus   WorkorderStatus `json:"new_status"`
	ActorID     string          `json:"actor_id"`
	ActorRole   Role            `json:"actor_role"`
	Operation   string          `json:"operation"`
	Reason      string          `json:"reason"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ConfirmAction 上报人确认结果
type ConfirmAction string

const (
	ConfirmConfirmed ConfirmAction = "confirmed"
	ConfirmRejected  ConfirmAction = "rejected"
)

func (a ConfirmAction) Valid() bool {
	return a == ConfirmConfirmed || a == ConfirmRejected
}

// ReporterConfirmation 上报人现场确认记录
type ReporterConfirmation struct {
	ID                    string        `json:"id"`
	WorkorderID           string        `json:"workorder_id"`
	Action                ConfirmAction `json:"action"`
	Note                  string        `json:"note"`
	Photos                []string      `json:"photos,omitempty"`
	ActorID               string        `json:"actor_id"`
	IsTimeoutIntervention bool          `json:"is_timeout_intervention"` // 超时介入
	IntervenerID          *string       `json:"intervener_id,omitempty"`
	Reason                string        `json:"reason,omitempty"` // 介入原因
	CreatedAt             time.Time     `json:"created_at"`
}
