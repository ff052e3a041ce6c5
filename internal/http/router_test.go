package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"river-workorder/internal/audit"
	"river-workorder/internal/capacity"
	"river-workorder/internal/config"
	"river-workorder/internal/domain"
	"river-workorder/internal/idgen"
	"river-workorder/internal/outbox"
	"river-workorder/internal/repository"
	"river-workorder/internal/service"
	"river-workorder/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type identity struct {
	id, role, area string
}

var (
	asAdmin     = identity{"u-admin", "admin", ""}
	asSup       = identity{"u-sup", "area_supervisor", "area-1"}
	asWorker    = identity{"w-x", "R003", "area-1"}
	asInspector = identity{"u-insp", "inspector", ""}
)

func setupRouter(t *testing.T, httpCfg config.HTTPConfig) *gin.Engine {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	workorders := repository.NewMemoryWorkordersRepo()
	alarms := repository.NewMemoryAlarmsRepo()
	capRepo := repository.NewMemoryCapacityRepo()
	org := repository.NewMemoryOrgRepo()
	box := repository.NewMemoryOutboxRepo()

	require.NoError(t, org.UpsertArea(ctx, &domain.Area{ID: "area-1", Name: "西湖段", SupervisorID: "u-sup"}))
	require.NoError(t, org.UpsertUser(ctx, &domain.User{ID: "w-x", Role: domain.RoleWorker, AreaID: "area-1"}))
	require.NoError(t, capRepo.UpsertCapacity(ctx, &domain.CapacityEntry{
		WorkerID: "w-x", AreaID: "area-1", MaxConcurrentOrders: 3, IsAvailable: true,
	}))

	clock := audit.NewClock(nil)
	cfg := config.Default().Workflow
	trail := audit.NewTrail(repository.NewMemoryHistoryRepo(), repository.NewMemoryRecordsRepo(), clock, nil, logger, audit.Options{})
	directory := service.NewAreaDirectory(org, time.Minute)
	wsvc := service.NewWorkorderService(workorders, alarms, repository.NewMemoryRecordsRepo(),
		capacity.NewLedger(capRepo, workorders, nil, logger), trail, outbox.New(box, logger),
		directory, idgen.NewMemorySequence(), cfg, nil, logger)
	asvc := service.NewAlarmService(alarms, workorders, wsvc, directory, clock, cfg.MaxTransitionRetries, nil, logger)

	return NewRouter(Deps{
		Workorders:    wsvc,
		Alarms:        asvc,
		Messages:      box,
		Subscriptions: org,
		HTTP:          httpCfg,
		Logger:        logger,
	})
}

func do(r *gin.Engine, who identity, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who.id != "" {
		req.Header.Set("X-User-Id", who.id)
		req.Header.Set("X-User-Role", who.role)
		req.Header.Set("X-Area-Id", who.area)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Result, out))
	}
	return env
}

func TestHealthz(t *testing.T) {
	r := setupRouter(t, config.HTTPConfig{})
	w := do(r, identity{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIdentityRequired(t *testing.T) {
	r := setupRouter(t, config.HTTPConfig{})

	w := do(r, identity{}, http.MethodGet, "/api/v1/workorders", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	env := decode(t, w, nil)
	assert.Equal(t, ResultError, env.Code)

	w = do(r, identity{"u-1", "guest", ""}, http.MethodGet, "/api/v1/workorders", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWorkorderRoutes(t *testing.T) {
	r := setupRouter(t, config.HTTPConfig{})

	w := do(r, asInspector, http.MethodPost, "/api/v1/workorders", gin.H{"title": "河道淤堵", "area_id": "area-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created service.WorkorderResponse
	env := decode(t, w, &created)
	assert.Equal(t, ResultSuccess, env.Code)
	assert.Equal(t, domain.WorkorderPendingDispatch, created.Workorder.Status)
	id := created.Workorder.ID

	w = do(r, asWorker, http.MethodPost, "/api/v1/workorders/"+id+"/assign", gin.H{"assignee_id": "w-x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	var rej Rejection
	decode(t, w, &rej)
	assert.Equal(t, "forbidden", rej.Kind)
	assert.Equal(t, "role", rej.Guard)

	w = do(r, asSup, http.MethodPost, "/api/v1/workorders/"+id+"/assign", gin.H{"assignee_id": "w-x", "estimated_hours": 1.5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, asSup, http.MethodPost, "/api/v1/workorders/"+id+"/assign", gin.H{"assignee_id": "w-x"})
	assert.Equal(t, http.StatusConflict, w.Code)
	decode(t, w, &rej)
	assert.Equal(t, "invalid state", rej.Kind)

	w = do(r, asWorker, http.MethodPost, "/api/v1/workorders/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, asWorker, http.MethodPost, "/api/v1/workorders/"+id+"/result", gin.H{"process_method": "清淤"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, asWorker, http.MethodGet, "/api/v1/workorders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wo domain.Workorder
	decode(t, w, &wo)
	assert.Equal(t, domain.WorkorderProcessing, wo.Status)

	w = do(r, asAdmin, http.MethodGet, "/api/v1/workorders/WO-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, asSup, http.MethodGet, "/api/v1/workorders?page_size=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list service.ListWorkordersResponse
	decode(t, w, &list)
	assert.Equal(t, 1, list.Pagination.Total)
	assert.Equal(t, 5, list.Pagination.Size)

	w = do(r, asAdmin, http.MethodGet, "/api/v1/workorders/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []domain.StatusHistoryEntry
	decode(t, w, &entries)
	assert.Len(t, entries, 2)

	w = do(r, asAdmin, http.MethodGet, "/api/v1/workorders/"+id+"/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records service.WorkorderRecordsResponse
	decode(t, w, &records)
	assert.Len(t, records.History, 2)
	assert.Empty(t, records.Reviews)

	w = do(r, asAdmin, http.MethodGet, "/api/v1/workorders/"+id+"/history/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), id)
	rows, err := audit.ReadHistoryXLSX(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "dispatched", rows[0][2])

	w = do(r, asSup, http.MethodGet, "/api/v1/areas/area-1/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, asSup, http.MethodPost, "/api/v1/admin/capacity/reconcile", gin.H{"worker_id": "w-x", "area_id": "area-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(r, asAdmin, http.MethodPost, "/api/v1/admin/capacity/reconcile", gin.H{"worker_id": "w-x", "area_id": "area-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var entry domain.CapacityEntry
	decode(t, w, &entry)
	assert.Equal(t, 1, entry.CurrentWorkload)

	w = do(r, asAdmin, http.MethodPost, "/api/v1/admin/audit/replay", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAlarmRoutes(t *testing.T) {
	r := setupRouter(t, config.HTTPConfig{})

	w := do(r, asSup, http.MethodPost, "/api/v1/alarms", gin.H{"alarm_type": "water_level", "level": "high", "area_id": "area-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var a domain.Alarm
	decode(t, w, &a)

	w = do(r, asSup, http.MethodPost, "/api/v1/alarms/"+a.ID+"/audit", gin.H{"decision": "approved", "create_workorder": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp service.AlarmWorkorderResponse
	decode(t, w, &resp)
	require.NotNil(t, resp.Workorder)
	assert.Equal(t, domain.AlarmProcessing, resp.Alarm.Status)
	assert.Equal(t, domain.PriorityUrgent, resp.Workorder.Priority)

	w = do(r, asSup, http.MethodPost, "/api/v1/alarms/"+a.ID+"/convert", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, asSup, http.MethodPost, "/api/v1/alarms/"+a.ID+"/ignore", gin.H{"note": "重复"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, asInspector, http.MethodGet, "/api/v1/alarms/"+a.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, asSup, http.MethodPost, "/api/v1/alarms", gin.H{"level": "high"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscriptions(t *testing.T) {
	r := setupRouter(t, config.HTTPConfig{})

	w := do(r, asWorker, http.MethodPost, "/api/v1/push/subscriptions", gin.H{"channel": "webpush", "endpoint": "https://push.example/1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, asWorker, http.MethodPost, "/api/v1/push/subscriptions", gin.H{
		"channel": "webpush", "endpoint": "https://push.example/1", "p256dh": "key", "auth": "secret",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sub domain.PushSubscription
	decode(t, w, &sub)
	assert.Equal(t, "w-x", sub.UserID)

	w = do(r, asSup, http.MethodDelete, "/api/v1/push/subscriptions/"+sub.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, asWorker, http.MethodDelete, "/api/v1/push/subscriptions/"+sub.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, asWorker, http.MethodGet, "/api/v1/messages?unread=1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	r := setupRouter(t, config.HTTPConfig{RateLimitPerSec: 0.001, RateBurst: 1})

	w := do(r, asAdmin, http.MethodGet, "/api/v1/workorders", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, asAdmin, http.MethodGet, "/api/v1/workorders", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{workflow.Reject(workflow.ErrInvalidRequest, workflow.GuardRequest, "bad"), http.StatusBadRequest},
		{workflow.Reject(workflow.ErrNotFound, workflow.GuardExists, "missing"), http.StatusNotFound},
		{workflow.Reject(workflow.ErrForbidden, workflow.GuardRole, "no"), http.StatusForbidden},
		{workflow.Reject(workflow.ErrAssigneeUnavailable, workflow.GuardAssignee, "off"), http.StatusUnprocessableEntity},
		{workflow.Reject(workflow.ErrCapacityExceeded, workflow.GuardCapacity, "full"), http.StatusConflict},
		{workflow.Reject(workflow.ErrConflict, workflow.GuardSingleWorkorder, "dup"), http.StatusConflict},
		{workflow.Transient("db", assert.AnError), http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
