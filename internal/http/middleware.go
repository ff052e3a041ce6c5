package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"river-workorder/internal/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const actorKey = "actor"

// Identity 从网关注入的请求头解析当前用户
// X-User-Id 必填；X-User-Role 支持角色名或角色编码；X-Area-Id 为区域主管所属区域
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Fail("user ID is required"))
			return
		}
		role, ok := domain.ParseRole(c.GetHeader("X-User-Role"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Fail("user role is required"))
			return
		}
		c.Set(actorKey, domain.Actor{
			ID:     userID,
			Role:   role,
			AreaID: strings.TrimSpace(c.GetHeader("X-Area-Id")),
		})
		c.Next()
	}
}

func actorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(domain.Actor); ok {
			return a
		}
	}
	return domain.Actor{}
}

// ipLimiter 每个客户端 IP 一个令牌桶
type ipLimiter struct {
	mu  sync.Mutex
	ips map[string]*rate.Limiter
	r   rate.Limit
	b   int
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.ips[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.ips[ip] = lim
	}
	return lim
}

// RateLimit 按 IP 限流，perSec <= 0 时不限流
func RateLimit(perSec float64, burst int) gin.HandlerFunc {
	if perSec <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	l := &ipLimiter{ips: make(map[string]*rate.Limiter), r: rate.Limit(perSec), b: burst}
	return func(c *gin.Context) {
		if !l.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Fail("too many requests"))
			return
		}
		c.Next()
	}
}

// RequestLogger 访问日志
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if a := actorFrom(c); a.ID != "" {
			fields = append(fields, zap.String("user_id", a.ID), zap.String("role", string(a.Role)))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("HTTP request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Info("HTTP request", fields...)
		default:
			logger.Debug("HTTP request", fields...)
		}
	}
}
