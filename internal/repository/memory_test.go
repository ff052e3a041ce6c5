package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"river-workorder/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryWorkorder(id string, status domain.WorkorderStatus) *domain.Workorder {
	now := time.Now()
	return &domain.Workorder{
		ID:        id,
		Title:     "河道漂浮物",
		Priority:  domain.PriorityNormal,
		Source:    domain.SourceAI,
		Status:    status,
		AreaID:    "area-1",
		CreatorID: "u-central",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryWorkorders_DuplicateActiveAlarm(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkordersRepo()

	first := newMemoryWorkorder("WO-1", domain.WorkorderPendingDispatch)
	first.AlarmID = domain.StringPtr("alarm-1")
	require.NoError(t, repo.CreateWorkorder(ctx, first))

	second := newMemoryWorkorder("WO-2", domain.WorkorderPendingDispatch)
	second.AlarmID = domain.StringPtr("alarm-1")
	assert.ErrorIs(t, repo.CreateWorkorder(ctx, second), ErrDuplicate)

	// 原工单取消后允许再次关联
	cancelled := first.Clone()
	cancelled.Status = domain.WorkorderCancelled
	ok, err := repo.UpdateWorkorderIfStatus(ctx, cancelled, domain.WorkorderPendingDispatch, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, repo.CreateWorkorder(ctx, second))

	active, err := repo.FindActiveByAlarm(ctx, "alarm-1")
	require.NoError(t, err)
	assert.Equal(t, "WO-2", active.ID)
}

func TestMemoryWorkorders_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkordersRepo()
	require.NoError(t, repo.CreateWorkorder(ctx, newMemoryWorkorder("WO-1", domain.WorkorderPendingDispatch)))

	wo, err := repo.GetWorkorder(ctx, "WO-1")
	require.NoError(t, err)
	wo.Status = domain.WorkorderDispatched

	ok, err := repo.UpdateWorkorderIfStatus(ctx, wo, domain.WorkorderPendingDispatch, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), wo.Version)

	// 旧版本再次提交
	stale := wo.Clone()
	stale.Status = domain.WorkorderCancelled
	ok, err = repo.UpdateWorkorderIfStatus(ctx, stale, domain.WorkorderPendingDispatch, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetWorkorder(ctx, "WO-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkorderDispatched, got.Status)

	_, err = repo.UpdateWorkorderIfStatus(ctx, newMemoryWorkorder("WO-x", domain.WorkorderPending), domain.WorkorderPending, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryWorkorders_ConcurrentConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkordersRepo()
	require.NoError(t, repo.CreateWorkorder(ctx, newMemoryWorkorder("WO-1", domain.WorkorderPendingReview)))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wo, err := repo.GetWorkorder(ctx, "WO-1")
			if err != nil {
				return
			}
			next := wo.Clone()
			next.Status = domain.WorkorderPendingFinalReview
			ok, err := repo.UpdateWorkorderIfStatus(ctx, next, domain.WorkorderPendingReview, 0)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryWorkorders_ListFilterAndPage(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkordersRepo()
	base := time.Now()
	for i, id := range []string{"WO-1", "WO-2", "WO-3"} {
		wo := newMemoryWorkorder(id, domain.WorkorderPendingDispatch)
		wo.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.CreateWorkorder(ctx, wo))
	}
	other := newMemoryWorkorder("WO-4", domain.WorkorderPendingDispatch)
	other.AreaID = "area-2"
	require.NoError(t, repo.CreateWorkorder(ctx, other))

	list, total, err := repo.ListWorkorders(ctx, WorkorderFilter{AreaID: "area-1"}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "WO-3", list[0].ID)
	assert.Equal(t, "WO-2", list[1].ID)

	list, _, err = repo.ListWorkorders(ctx, WorkorderFilter{AreaID: "area-1"}, 2, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "WO-1", list[0].ID)
}

func TestMemoryCapacity_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCapacityRepo()
	require.NoError(t, repo.UpsertCapacity(ctx, &domain.CapacityEntry{
		WorkerID: "w1", AreaID: "area-1", MaxConcurrentOrders: 3, IsAvailable: true,
	}))

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.TryAcquire(ctx, "w1", "area-1")
			if err == nil && ok {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), acquired)
	e, err := repo.GetCapacity(ctx, "w1", "area-1")
	require.NoError(t, err)
	assert.Equal(t, 3, e.CurrentWorkload)
}

func TestMemoryCapacity_ReleaseSaturates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCapacityRepo()
	require.NoError(t, repo.UpsertCapacity(ctx, &domain.CapacityEntry{
		WorkerID: "w1", AreaID: "area-1", MaxConcurrentOrders: 2, IsAvailable: true,
	}))

	ok, err := repo.TryAcquire(ctx, "w1", "area-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.Release(ctx, "w1", "area-1"))
	require.NoError(t, repo.Release(ctx, "w1", "area-1"))

	e, err := repo.GetCapacity(ctx, "w1", "area-1")
	require.NoError(t, err)
	assert.Equal(t, 0, e.CurrentWorkload)

	assert.ErrorIs(t, repo.Release(ctx, "nobody", "area-1"), ErrNotFound)
}

func TestMemoryCapacity_UpsertKeepsWorkload(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCapacityRepo()
	entry := &domain.CapacityEntry{WorkerID: "w1", AreaID: "area-1", MaxConcurrentOrders: 2, IsAvailable: true}
	require.NoError(t, repo.UpsertCapacity(ctx, entry))

	ok, err := repo.TryAcquire(ctx, "w1", "area-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.UpsertCapacity(ctx, &domain.CapacityEntry{
		WorkerID: "w1", AreaID: "area-1", MaxConcurrentOrders: 5, IsAvailable: false,
	}))
	e, err := repo.GetCapacity(ctx, "w1", "area-1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.CurrentWorkload)
	assert.Equal(t, 5, e.MaxConcurrentOrders)

	// 不可用时不能再占用
	ok, err = repo.TryAcquire(ctx, "w1", "area-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryHistory_SortedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryHistoryRepo()
	t0 := time.Now()

	second := &domain.StatusHistoryEntry{ID: "h2", WorkorderID: "WO-1", NewStatus: domain.WorkorderProcessing, CreatedAt: t0.Add(time.Second)}
	first := &domain.StatusHistoryEntry{ID: "h1", WorkorderID: "WO-1", NewStatus: domain.WorkorderDispatched, CreatedAt: t0}
	require.NoError(t, repo.AppendHistory(ctx, second, first))
	require.NoError(t, repo.AppendHistory(ctx, first))

	list, err := repo.ListHistory(ctx, "WO-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h1", list[0].ID)
	assert.Equal(t, "h2", list[1].ID)
}

func TestMemoryOutbox_ClaimLease(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOutboxRepo()
	now := time.Now()
	require.NoError(t, repo.EnqueueNotifications(ctx,
		&domain.Notification{ID: "n1", UserID: "u1", NextAttempt: now, CreatedAt: now},
		&domain.Notification{ID: "n2", UserID: "u2", NextAttempt: now.Add(time.Hour), CreatedAt: now},
	))

	claimed, err := repo.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "n1", claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)

	// 租约期内不会被重复领取
	again, err := repo.ClaimDue(ctx, now.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, repo.MarkDelivered(ctx, "n1"))
	n, err := repo.GetNotification(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDelivered, n.Status)
}
