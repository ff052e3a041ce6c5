package httpapi

import (
	"net/http"

	"river-workorder/internal/config"
	"river-workorder/internal/repository"
	"river-workorder/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps 路由依赖
type Deps struct {
	Workorders    service.WorkorderService
	Alarms        service.AlarmService
	Messages      repository.MessagesRepository
	Subscriptions repository.SubscriptionsRepository
	HTTP          config.HTTPConfig
	Logger        *zap.Logger
}

// NewRouter 注册 /api/v1 下的全部路由
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(d.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, Ok(gin.H{"status": "ok"}))
	})

	api := r.Group("/api/v1")
	api.Use(RateLimit(d.HTTP.RateLimitPerSec, d.HTTP.RateBurst), Identity())
	{
		NewWorkorderHandler(d.Workorders, d.Logger).register(api)
		NewAlarmHandler(d.Alarms, d.Logger).register(api)
		NewAdminHandler(d.Workorders, d.Logger).register(api)
		if d.Messages != nil && d.Subscriptions != nil {
			NewInboxHandler(d.Messages, d.Subscriptions, d.Logger).register(api)
		}
	}
	return r
}
