package httpapi

import (
	"net/http"
	"strings"
	"time"

	"river-workorder/internal/audit"
	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler 运维接口：工作量校正、审计补写、可派发人员
type AdminHandler struct {
	workorders service.WorkorderService
	logger     *zap.Logger
}

func NewAdminHandler(workorders service.WorkorderService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{workorders: workorders, logger: logger}
}

func (h *AdminHandler) register(g *gin.RouterGroup) {
	g.GET("/areas/:id/workers", h.ListAvailableWorkers)
	g.POST("/admin/capacity/reconcile", h.ReconcileCapacity)
	g.POST("/admin/audit/replay", h.ReplayAudit)
}

type reconcileBody struct {
	WorkerID string `json:"worker_id"`
	AreaID   string `json:"area_id"`
}

func (h *AdminHandler) ListAvailableWorkers(c *gin.Context) {
	list, err := h.workorders.ListAvailableWorkers(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, list)
}

func (h *AdminHandler) ReconcileCapacity(c *gin.Context) {
	var body reconcileBody
	if !bind(c, &body) {
		return
	}
	e, err := h.workorders.ReconcileCapacity(c.Request.Context(), actorFrom(c), body.WorkerID, body.AreaID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, e)
}

func (h *AdminHandler) ReplayAudit(c *gin.Context) {
	resp, err := h.workorders.ReplayAudit(c.Request.Context(), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if resp.Remaining > 0 {
		h.logger.Warn("Audit replay incomplete", zap.Int("flushed", resp.Flushed), zap.Int("remaining", resp.Remaining))
	}
	writeOK(c, resp)
}

// ============================================
// 站内消息 / 推送订阅
// ============================================

// InboxHandler 当前用户的站内消息与推送订阅
type InboxHandler struct {
	messages repository.MessagesRepository
	subs     repository.SubscriptionsRepository
	logger   *zap.Logger
}

func NewInboxHandler(messages repository.MessagesRepository, subs repository.SubscriptionsRepository, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{messages: messages, subs: subs, logger: logger}
}

func (h *InboxHandler) register(g *gin.RouterGroup) {
	g.GET("/messages", h.ListMessages)
	g.POST("/push/subscriptions", h.Subscribe)
	g.DELETE("/push/subscriptions/:id", h.Unsubscribe)
}

type subscribeBody struct {
	Channel        string `json:"channel"` // jpush | webpush
	RegistrationID string `json:"registration_id"`
	Endpoint       string `json:"endpoint"`
	P256dh         string `json:"p256dh"`
	Auth           string `json:"auth"`
}

func (h *InboxHandler) ListMessages(c *gin.Context) {
	actor := actorFrom(c)
	unread := c.Query("unread") == "true" || c.Query("unread") == "1"
	list, err := h.messages.ListMessages(c.Request.Context(), actor.ID, unread)
	if err != nil {
		h.logger.Error("Failed to list messages", zap.String("user_id", actor.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, Fail("failed to list messages"))
		return
	}
	writeOK(c, list)
}

func (h *InboxHandler) Subscribe(c *gin.Context) {
	var body subscribeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	sub := &domain.PushSubscription{
		ID:        audit.NewID(),
		UserID:    actorFrom(c).ID,
		Channel:   domain.PushChannel(strings.ToLower(body.Channel)),
		CreatedAt: time.Now().UTC(),
	}
	switch sub.Channel {
	case domain.PushJPush:
		if body.RegistrationID == "" {
			badRequest(c, "registration_id is required")
			return
		}
		sub.RegistrationID = body.RegistrationID
	case domain.PushWebPush:
		if body.Endpoint == "" || body.P256dh == "" || body.Auth == "" {
			badRequest(c, "endpoint, p256dh and auth are required")
			return
		}
		sub.Endpoint, sub.P256dh, sub.Auth = body.Endpoint, body.P256dh, body.Auth
	default:
		badRequest(c, "channel must be jpush or webpush")
		return
	}
	if err := h.subs.SaveSubscription(c.Request.Context(), sub); err != nil {
		h.logger.Error("Failed to save subscription", zap.String("user_id", sub.UserID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, Fail("failed to save subscription"))
		return
	}
	c.JSON(http.StatusCreated, Ok(sub))
}

// Unsubscribe 只能删除自己的订阅
func (h *InboxHandler) Unsubscribe(c *gin.Context) {
	ctx := c.Request.Context()
	actor := actorFrom(c)
	id := c.Param("id")
	for _, ch := range []domain.PushChannel{domain.PushJPush, domain.PushWebPush} {
		subs, err := h.subs.ListSubscriptions(ctx, actor.ID, ch)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, Fail("failed to list subscriptions"))
			return
		}
		for _, s := range subs {
			if s.ID != id {
				continue
			}
			if err := h.subs.DeleteSubscription(ctx, id); err != nil {
				c.JSON(http.StatusServiceUnavailable, Fail("failed to delete subscription"))
				return
			}
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.JSON(http.StatusNotFound, Fail("subscription not found"))
}
