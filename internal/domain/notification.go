package domain

import (
	"time"
)

// OutboxStatus 通知投递状态
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// Notification 待投递通知（outbox 条目）
type Notification struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	Priority    string       `json:"priority"`     // high | normal
	Kind        string       `json:"kind"`         // workorder_assigned, review_required ...
	RelatedType string       `json:"related_type"` // workorder | alarm
	RelatedID   string       `json:"related_id"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	NextAttempt time.Time    `json:"next_attempt"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Message 站内消息
type Message struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Kind        string    `json:"kind"`
	RelatedType string    `json:"related_type"`
	RelatedID   string    `json:"related_id"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

// PushChannel 推送通道
type PushChannel string

const (
	PushJPush   PushChannel = "jpush"
	PushWebPush PushChannel = "webpush"
)

// PushSubscription 推送订阅（JPush registration id 或 WebPush endpoint）
type PushSubscription struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Channel        PushChannel `json:"channel"`
	RegistrationID string      `json:"registration_id,omitempty"` // jpush
	Endpoint       string      `json:"endpoint,omitempty"`        // webpush
	P256dh         string      `json:"p256dh,omitempty"`
	Auth           string      `json:"auth,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
