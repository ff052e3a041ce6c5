package capacity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedHeld int

func (f fixedHeld) CountCapacityHeld(context.Context, string, string) (int, error) { return int(f), nil }

func newLedger(t *testing.T, held HeldCounter, entries ...*domain.CapacityEntry) (*Ledger, *repository.MemoryCapacityRepo) {
	repo := repository.NewMemoryCapacityRepo()
	l := NewLedger(repo, held, nil, zap.NewNop())
	for _, e := range entries {
		require.NoError(t, l.Register(context.Background(), e))
	}
	return l, repo
}

func TestTryAcquireClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, fixedHeld(0),
		&domain.CapacityEntry{WorkerID: "w1", AreaID: "a1", MaxConcurrentOrders: 1, IsAvailable: true},
		&domain.CapacityEntry{WorkerID: "w2", AreaID: "a1", MaxConcurrentOrders: 1, IsAvailable: false},
	)

	require.NoError(t, l.TryAcquire(ctx, "w1", "a1"))

	err := l.TryAcquire(ctx, "w1", "a1")
	assert.True(t, errors.Is(err, workflow.ErrCapacityExceeded))
	assert.Equal(t, workflow.GuardCapacity, workflow.GuardOf(err))

	err = l.TryAcquire(ctx, "w2", "a1")
	assert.True(t, errors.Is(err, workflow.ErrAssigneeUnavailable))

	err = l.TryAcquire(ctx, "w9", "a1")
	assert.True(t, errors.Is(err, workflow.ErrAssigneeUnavailable))
}

func TestConcurrentReleaseNeverNegative(t *testing.T) {
	ctx := context.Background()
	l, repo := newLedger(t, fixedHeld(0),
		&domain.CapacityEntry{WorkerID: "w1", AreaID: "a1", MaxConcurrentOrders: 5, IsAvailable: true},
	)
	require.NoError(t, l.TryAcquire(ctx, "w1", "a1"))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Release(ctx, "w1", "a1")
		}()
	}
	wg.Wait()

	e, err := repo.GetCapacity(ctx, "w1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, e.CurrentWorkload)
}

func TestConcurrentAcquireRespectsCap(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, fixedHeld(0),
		&domain.CapacityEntry{WorkerID: "w1", AreaID: "a1", MaxConcurrentOrders: 2, IsAvailable: true},
	)

	var ok, full int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.TryAcquire(ctx, "w1", "a1")
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, workflow.ErrCapacityExceeded):
				atomic.AddInt32(&full, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), ok)
	assert.Equal(t, int32(18), full)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, fixedHeld(1),
		&domain.CapacityEntry{WorkerID: "w1", AreaID: "a1", MaxConcurrentOrders: 3, IsAvailable: true},
	)
	require.NoError(t, l.TryAcquire(ctx, "w1", "a1"))
	require.NoError(t, l.TryAcquire(ctx, "w1", "a1"))

	e, err := l.Reconcile(ctx, "w1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.CurrentWorkload)

	_, err = l.Reconcile(ctx, "nobody", "a1")
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}

func TestListAvailableAndRegister(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, fixedHeld(0),
		&domain.CapacityEntry{WorkerID: "w1", AreaID: "a1", MaxConcurrentOrders: 1, IsAvailable: true},
		&domain.CapacityEntry{WorkerID: "w2", AreaID: "a1", MaxConcurrentOrders: 2, IsAvailable: true},
		&domain.CapacityEntry{WorkerID: "w3", AreaID: "a2", MaxConcurrentOrders: 2, IsAvailable: true},
	)
	require.NoError(t, l.TryAcquire(ctx, "w1", "a1"))

	list, err := l.ListAvailable(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "w2", list[0].WorkerID)

	err = l.Register(ctx, &domain.CapacityEntry{WorkerID: "w4", AreaID: "a1"})
	assert.True(t, errors.Is(err, workflow.ErrInvalidRequest))
}
