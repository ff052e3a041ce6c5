package domain

import (
	"strings"
	"time"
)

// Role 角色（封闭枚举）
type Role string

const (
	RoleAdmin             Role = "admin"              // R001 系统管理员
	RoleCentralSupervisor Role = "central_supervisor" // R002 监控中心主管
	RoleWorker            Role = "worker"             // R003 维修工
	RoleInspector         Role = "inspector"          // R004 巡河员（上报人）
	RoleAreaSupervisor    Role = "area_supervisor"    // R006 区域主管
)

var roleCodes = map[string]Role{
	"R001": RoleAdmin,
	"R002": RoleCentralSupervisor,
	"R003": RoleWorker,
	"R004": RoleInspector,
	"R006": RoleAreaSupervisor,
}

// ParseRole accepts either the role name or its legacy code (R001..R006).
func ParseRole(s string) (Role, bool) {
	s = strings.TrimSpace(s)
	if r, ok := roleCodes[strings.ToUpper(s)]; ok {
		return r, true
	}
	switch r := Role(strings.ToLower(s)); r {
	case RoleAdmin, RoleCentralSupervisor, RoleWorker, RoleInspector, RoleAreaSupervisor:
		return r, true
	}
	return "", false
}

// Code returns the legacy role code.
func (r Role) Code() string {
	for code, role := range roleCodes {
		if role == r {
			return code
		}
	}
	return ""
}

// Actor 请求身份（由身份校验层提供，引擎不再推导）
type Actor struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	AreaID string `json:"area_id"`
}

// Area 区域
type Area struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SupervisorID string `json:"supervisor_id"` // 区域主管
}

// User 用户
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	AreaID string `json:"area_id"`
	Status string `json:"status"` // active | disabled
}

// CapacityEntry 维修工工作量（每个维修工每个区域一条）
type CapacityEntry struct {
	WorkerID            string    `json:"worker_id"`
	AreaID              string    `json:"area_id"`
	CurrentWorkload     int       `json:"current_workload"`      // >= 0
	MaxConcurrentOrders int       `json:"max_concurrent_orders"` // > 0
	IsAvailable         bool      `json:"is_available"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasSpare reports whether one more order fits.
func (c *CapacityEntry) HasSpare() bool {
	return c.IsAvailable && c.CurrentWorkload < c.MaxConcurrentOrders
}
