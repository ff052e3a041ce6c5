package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"river-workorder/internal/audit"
	"river-workorder/internal/domain"
	"river-workorder/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WorkorderHandler 工单 Handler
type WorkorderHandler struct {
	workorders service.WorkorderService
	logger     *zap.Logger
}

// NewWorkorderHandler 创建工单 Handler
func NewWorkorderHandler(workorders service.WorkorderService, logger *zap.Logger) *WorkorderHandler {
	return &WorkorderHandler{workorders: workorders, logger: logger}
}

func (h *WorkorderHandler) register(g *gin.RouterGroup) {
	g.POST("/workorders", h.CreateWorkorder)
	g.GET("/workorders", h.ListWorkorders)
	g.GET("/workorders/timeouts", h.ListTimeouts)
	g.GET("/workorders/:id", h.GetWorkorder)
	g.GET("/workorders/:id/history", h.GetHistory)
	g.GET("/workorders/:id/history/export", h.ExportHistory)
	g.GET("/workorders/:id/records", h.GetRecords)
	g.POST("/workorders/:id/accept", h.Accept)
	g.POST("/workorders/:id/assign", h.Assign)
	g.POST("/workorders/:id/start", h.Start)
	g.POST("/workorders/:id/result", h.SubmitResult)
	g.POST("/workorders/:id/area-review", h.AreaReview)
	g.POST("/workorders/:id/final-review", h.FinalReview)
	g.POST("/workorders/:id/reporter-confirm", h.ReporterConfirm)
	g.POST("/workorders/:id/timeout-intervention", h.TimeoutIntervene)
	g.POST("/workorders/:id/cancel", h.Cancel)
}

// ============================================
// 请求体
// ============================================

type createWorkorderBody struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Source      string   `json:"source"`
	AreaID      string   `json:"area_id"`
	ReporterID  string   `json:"reporter_id"`
	AlarmID     string   `json:"alarm_id"`
	ReportID    string   `json:"report_id"`
	Images      []string `json:"images"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Address     string   `json:"address"`
}

type acceptBody struct {
	AreaID string `json:"area_id"`
	Note   string `json:"note"`
}

type assignBody struct {
	AssigneeID     string  `json:"assignee_id"`
	AreaID         string  `json:"area_id"`
	EstimatedHours float64 `json:"estimated_hours"`
	Note           string  `json:"note"`
}

type resultBody struct {
	ProcessMethod  string          `json:"process_method"`
	ProcessResult  string          `json:"process_result"`
	BeforePhotos   []string        `json:"before_photos"`
	AfterPhotos    []string        `json:"after_photos"`
	NeedFollowup   bool            `json:"need_followup"`
	FollowupReason string          `json:"followup_reason"`
	MaterialsUsed  json.RawMessage `json:"materials_used"`
}

type reviewBody struct {
	Action      string   `json:"action"`
	Rating      *int     `json:"rating"`
	Note        string   `json:"note"`
	IssuesFound []string `json:"issues_found"`
}

type confirmBody struct {
	Action string   `json:"action"`
	Note   string   `json:"note"`
	Photos []string `json:"photos"`
}

type interveneBody struct {
	Result string `json:"result"`
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// bind 解析 JSON 请求体；空请求体视为空对象
func bind(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// ============================================
// 创建 / 查询
// ============================================

func (h *WorkorderHandler) CreateWorkorder(c *gin.Context) {
	var body createWorkorderBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.workorders.CreateWorkorder(c.Request.Context(), service.CreateWorkorderRequest{
		Actor:       actorFrom(c),
		Title:       body.Title,
		Description: body.Description,
		Priority:    domain.Priority(strings.ToLower(body.Priority)),
		Source:      domain.Source(strings.ToLower(body.Source)),
		AreaID:      body.AreaID,
		ReporterID:  body.ReporterID,
		AlarmID:     body.AlarmID,
		ReportID:    body.ReportID,
		Images:      body.Images,
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
		Address:     body.Address,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, Ok(resp))
}

func (h *WorkorderHandler) ListWorkorders(c *gin.Context) {
	resp, err := h.workorders.ListWorkorders(c.Request.Context(), service.ListWorkordersRequest{
		Actor:      actorFrom(c),
		Status:     domain.WorkorderStatus(c.Query("status")),
		AreaID:     c.Query("area_id"),
		AssigneeID: c.Query("assignee_id"),
		Source:     domain.Source(c.Query("source")),
		AlarmID:    c.Query("alarm_id"),
		Page:       parseInt(c.Query("page"), 1),
		PageSize:   parseInt(c.Query("page_size"), 20),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, resp)
}

func (h *WorkorderHandler) ListTimeouts(c *gin.Context) {
	list, err := h.workorders.ListTimedOutConfirmations(c.Request.Context(), actorFrom(c), c.Query("area_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, list)
}

func (h *WorkorderHandler) GetWorkorder(c *gin.Context) {
	wo, err := h.workorders.GetWorkorder(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, wo)
}

func (h *WorkorderHandler) GetHistory(c *gin.Context) {
	entries, err := h.workorders.GetHistory(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, entries)
}

func (h *WorkorderHandler) GetRecords(c *gin.Context) {
	records, err := h.workorders.GetRecords(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, records)
}

// ExportHistory 导出状态历史 xlsx
func (h *WorkorderHandler) ExportHistory(c *gin.Context) {
	id := c.Param("id")
	entries, err := h.workorders.GetHistory(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := audit.WriteHistoryXLSX(&buf, id, entries); err != nil {
		h.logger.Error("Failed to export history", zap.String("workorder_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, Fail("failed to export history"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-history.xlsx"`, id))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// ============================================
// 流转
// ============================================

func (h *WorkorderHandler) respond(c *gin.Context, resp *service.WorkorderResponse, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, resp)
}

func (h *WorkorderHandler) Accept(c *gin.Context) {
	var body acceptBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.workorders.Accept(c.Request.Context(), service.AcceptRequest{
		Actor: actorFrom(c), WorkorderID: c.Param("id"), AreaID: body.AreaID, Note: body.Note,
	})
	h.respond(c, resp, err)
}

func (h *WorkorderHandler) Assign(c *gin.Context) {
	var body assignBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.workorders.Assign(c.Request.Context(), service.AssignRequest{
		Actor:          actorFrom(c),
		WorkorderID:    c.Param("id"),
		AssigneeID:     body.AssigneeID,
		AreaID:         body.AreaID,
		EstimatedHours: body.EstimatedHours,
		Note:           body.Note,
	})
	h.respond(c, resp, err)
}

func (h *WorkorderHandler) Start(c *gin.Context) {
	resp, err := h.workorders.Start(c.Request.Context(), service.StartRequest{
		Actor: actorFrom(c), WorkorderID: c.Param("id"),
	})
	h.respond(c, resp, err)
}

func (h *WorkorderHandler) SubmitResult(c *gin.Context) {
	var body resultBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.workorders.SubmitResult(c.Request.Context(), service.SubmitResultRequest{
		Actor:          actorFrom(c),
		WorkorderID:    c.Param("id"),
		ProcessMethod:  body.ProcessMethod,
		ProcessResult:  body.ProcessResult,
		BeforePhotos:   body.BeforePhotos,
		AfterPhotos:    body.AfterPhotos,
		NeedFollowup:   body.NeedFollowup,
		FollowupReason: body.FollowupReason,
		MaterialsUsed:  body.MaterialsUsed,
	})
	h.respond(c, resp, err)
}

func (h *WorkorderHandler) reviewRequest(c *gin.Context) (service.ReviewRequest, bool) {
	var body reviewBody
	if !bind(c, &body) {
		return service.ReviewRequest{}, false
	}
	return service.ReviewRequest{
		Actor:       actorFrom(c),
		WorkorderID: c.Param("id"),
		Action:      domain.ReviewAction(strings.ToLower(body.Action)),
		Rating:      body.Rating,
		Note:        body.Note,
		IssuesFound: body.IssuesFound,
	}, true
}

func (h *WorkorderHandler) AreaReview(c *gin.Context) {
	req, ok := h.reviewRequest(c)
	if !ok {
		return
	}
	resp, err := h.workorders.AreaReview(c.Request.Context(), req)
	h.respond(c, resp, err)
}

func (h *WorkorderHandler) FinalReview(c *gin.Context) {
	req, ok := h.reviewRequest(c)
	if !ok {
		return
	}
	resp, err := h.workorders.FinalReview(c.Request.Context(), req)
	h.respond(c, resp, err)
}

func (h *WorkorderHandler) ReporterConfirm(c *gin.Context) {
	var body confirmBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.workorders.ReporterConfirm(c.Request.Context(), service.ReporterConfirmRequest{
		Actor:       actorFrom(c),
		WorkorderID: c.Param("id"),
		Action:      domain.ConfirmAction(strings.ToLower(body.Action)),
		Note:        body.Note,
		Photos:      body.Photos,
	})
	h.respond(c, resp, err)
}

func (h *WorkorderHandler) TimeoutIntervene(c *gin.Context) {
	var body interveneBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.workorders.TimeoutIntervene(c.Request.Context(), service.TimeoutInterveneRequest{
		Actor:       actorFrom(c),
		WorkorderID: c.Param("id"),
		Result:      service.TimeoutResult(strings.ToLower(body.Result)),
		Reason:      body.Reason,
		Note:        body.Note,
	})
	h.respond(c, resp, err)
}

func (h *WorkorderHandler) Cancel(c *gin.Context) {
	var body cancelBody
	if !bind(c, &body) {
		return
	}
	resp, err := h.workorders.Cancel(c.Request.Context(), service.CancelRequest{
		Actor: actorFrom(c), WorkorderID: c.Param("id"), Reason: body.Reason,
	})
	h.respond(c, resp, err)
}
