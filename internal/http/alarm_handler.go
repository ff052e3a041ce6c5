package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"river-workorder/internal/domain"
	"river-workorder/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AlarmHandler 告警 Handler
type AlarmHandler struct {
	alarms service.AlarmService
	logger *zap.Logger
}

// NewAlarmHandler 创建告警 Handler
func NewAlarmHandler(alarms service.AlarmService, logger *zap.Logger) *AlarmHandler {
	return &AlarmHandler{alarms: alarms, logger: logger}
}

func (h *AlarmHandler) register(g *gin.RouterGroup) {
	g.POST("/alarms", h.CreateAlarm)
	g.GET("/alarms", h.ListAlarms)
	g.GET("/alarms/:id", h.GetAlarm)
	g.POST("/alarms/:id/audit", h.AuditAlarm)
	g.POST("/alarms/:id/convert", h.ConvertAlarm)
	g.POST("/alarms/:id/process", h.handle(h.alarms.ProcessAlarm))
	g.POST("/alarms/:id/resolve", h.handle(h.alarms.ResolveAlarm))
	g.POST("/alarms/:id/ignore", h.handle(h.alarms.IgnoreAlarm))
}

type createAlarmBody struct {
	AlarmType   string     `json:"alarm_type"`
	Level       string     `json:"level"`
	PointID     string     `json:"point_id"`
	AreaID      string     `json:"area_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	SourceType  string     `json:"source_type"`
	Images      []string   `json:"images"`
	Latitude    *float64   `json:"latitude"`
	Longitude   *float64   `json:"longitude"`
	DetectedAt  *time.Time `json:"detected_at"`
}

type auditAlarmBody struct {
	Decision        string `json:"decision"` // approved | rejected
	Note            string `json:"note"`
	CreateWorkorder bool   `json:"create_workorder"`
	Priority        string `json:"priority"`
}

type convertAlarmBody struct {
	Priority string `json:"priority"`
	Title    string `json:"title"`
}

type handleAlarmBody struct {
	Note string `json:"note"`
}

func (h *AlarmHandler) CreateAlarm(c *gin.Context) {
	var body createAlarmBody
	if !bind(c, &body) {
		return
	}
	a, err := h.alarms.CreateAlarm(c.Request.Context(), service.CreateAlarmRequest{
		Actor:       actorFrom(c),
		AlarmType:   body.AlarmType,
		Level:       body.Level,
		PointID:     body.PointID,
		AreaID:      body.AreaID,
		Title:       body.Title,
		Description: body.Description,
		SourceType:  body.SourceType,
		Images:      body.Images,
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
		DetectedAt:  body.DetectedAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, Ok(a))
}

func (h *AlarmHandler) ListAlarms(c *gin.Context) {
	resp, err := h.alarms.ListAlarms(c.Request.Context(), service.ListAlarmsRequest{
		Actor:    actorFrom(c),
		Status:   domain.AlarmStatus(c.Query("status")),
		AreaID:   c.Query("area_id"),
		Page:     parseInt(c.Query("page"), 1),
		PageSize: parseInt(c.Query("page_size"), 20),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, resp)
}

func (h *AlarmHandler) GetAlarm(c *gin.Context) {
	a, err := h.alarms.GetAlarm(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, a)
}

func (h *AlarmHandler) AuditAlarm(c *gin.Context) {
	var body auditAlarmBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.alarms.AuditAlarm(c.Request.Context(), service.AuditAlarmRequest{
		Actor:           actorFrom(c),
		AlarmID:         c.Param("id"),
		Decision:        domain.AuditDecision(strings.ToLower(body.Decision)),
		Note:            body.Note,
		CreateWorkorder: body.CreateWorkorder,
		Priority:        domain.Priority(strings.ToLower(body.Priority)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, resp)
}

func (h *AlarmHandler) ConvertAlarm(c *gin.Context) {
	var body convertAlarmBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.alarms.ConvertAlarm(c.Request.Context(), service.ConvertAlarmRequest{
		Actor:    actorFrom(c),
		AlarmID:  c.Param("id"),
		Priority: domain.Priority(strings.ToLower(body.Priority)),
		Title:    body.Title,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, Ok(resp))
}

// handle 处理 / 解决 / 忽略共用
func (h *AlarmHandler) handle(fn func(context.Context, service.HandleAlarmRequest) (*domain.Alarm, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body handleAlarmBody
		if !bind(c, &body) {
			return
		}
		a, err := fn(c.Request.Context(), service.HandleAlarmRequest{
			Actor:   actorFrom(c),
			AlarmID: c.Param("id"),
			Note:    body.Note,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		writeOK(c, a)
	}
}
