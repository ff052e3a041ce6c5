package service

import (
	"context"
	"errors"
	"time"

	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/workflow"

	"github.com/patrickmn/go-cache"
)

// AreaDirectory 区域 / 用户目录，读多写少，带本地缓存
type AreaDirectory struct {
	org   repository.OrgRepository
	cache *cache.Cache
}

func NewAreaDirectory(org repository.OrgRepository, ttl time.Duration) *AreaDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AreaDirectory{org: org, cache: cache.New(ttl, 2*ttl)}
}

// Area 返回区域；不存在时返回 NotFound 拒绝
func (d *AreaDirectory) Area(ctx context.Context, id string) (*domain.Area, error) {
	key := "area:" + id
	if v, ok := d.cache.Get(key); ok {
		a := v.(domain.Area)
		return &a, nil
	}
	a, err := d.org.GetArea(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workflow.Reject(workflow.ErrNotFound, workflow.GuardArea, "area %s not found", id)
		}
		return nil, workflow.Transient("get area", err)
	}
	d.cache.SetDefault(key, *a)
	return a, nil
}

// User 返回用户；不存在时返回 NotFound 拒绝
func (d *AreaDirectory) User(ctx context.Context, id string) (*domain.User, error) {
	key := "user:" + id
	if v, ok := d.cache.Get(key); ok {
		u := v.(domain.User)
		return &u, nil
	}
	u, err := d.org.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workflow.Reject(workflow.ErrNotFound, workflow.GuardAssignee, "user %s not found", id)
		}
		return nil, workflow.Transient("get user", err)
	}
	d.cache.SetDefault(key, *u)
	return u, nil
}

// SupervisorOf 区域主管 ID，区域不存在或未设置时为空
func (d *AreaDirectory) SupervisorOf(ctx context.Context, areaID string) string {
	if areaID == "" {
		return ""
	}
	a, err := d.Area(ctx, areaID)
	if err != nil {
		return ""
	}
	return a.SupervisorID
}

// Covers 管理员与中心主管不受区域限制；区域主管只覆盖自己负责的区域
func (d *AreaDirectory) Covers(ctx context.Context, actor domain.Actor, areaID string) bool {
	if workflow.Unrestricted(actor.Role) {
		return true
	}
	if actor.Role != domain.RoleAreaSupervisor || areaID == "" {
		return false
	}
	if actor.AreaID != "" && actor.AreaID == areaID {
		return true
	}
	return d.SupervisorOf(ctx, areaID) == actor.ID
}

const centralSupervisorsKey = "role:central_supervisor"

// CentralSupervisors 监控中心主管列表（终审通知对象）
func (d *AreaDirectory) CentralSupervisors(ctx context.Context) []string {
	const key = centralSupervisorsKey
	if v, ok := d.cache.Get(key); ok {
		return v.([]string)
	}
	users, err := d.org.ListUsersByRole(ctx, domain.RoleCentralSupervisor)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	d.cache.SetDefault(key, ids)
	return ids
}

// PutArea 写入区域并刷新缓存
func (d *AreaDirectory) PutArea(ctx context.Context, a *domain.Area) error {
	if err := d.org.UpsertArea(ctx, a); err != nil {
		return workflow.Transient("upsert area", err)
	}
	d.cache.Delete("area:" + a.ID)
	return nil
}

// PutUser 写入用户并刷新缓存
func (d *AreaDirectory) PutUser(ctx context.Context, u *domain.User) error {
	if err := d.org.UpsertUser(ctx, u); err != nil {
		return workflow.Transient("upsert user", err)
	}
	// 角色可能由中心主管变更为其他角色，主管列表每次都失效
	d.cache.Delete("user:" + u.ID)
	d.cache.Delete(centralSupervisorsKey)
	return nil
}
