package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"river-workorder/internal/capacity"
	"river-workorder/internal/domain"
	"river-workorder/internal/repository"
	"river-workorder/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleSeed = `
areas:
  - {id: area-1, name: 西湖段, supervisor_id: u-sup}
users:
  - {id: u-sup, name: 李主管, role: R006, area_id: area-1}
  - {id: w-1, name: 张三, role: worker, area_id: area-1}
capacity:
  - {worker_id: w-1, area_id: area-1, max_concurrent_orders: 3}
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "org.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSeedApply(t *testing.T) {
	ctx := context.Background()
	seed, err := readSeed(writeSeed(t, sampleSeed))
	require.NoError(t, err)

	org := repository.NewMemoryOrgRepo()
	capRepo := repository.NewMemoryCapacityRepo()
	dir := service.NewAreaDirectory(org, time.Minute)
	ledger := capacity.NewLedger(capRepo, repository.NewMemoryWorkordersRepo(), nil, zap.NewNop())
	require.NoError(t, seed.apply(ctx, dir, ledger))

	assert.Equal(t, "u-sup", dir.SupervisorOf(ctx, "area-1"))
	u, err := dir.User(ctx, "u-sup")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAreaSupervisor, u.Role)

	e, err := capRepo.GetCapacity(ctx, "w-1", "area-1")
	require.NoError(t, err)
	assert.Equal(t, 3, e.MaxConcurrentOrders)
	assert.True(t, e.IsAvailable)
}

func TestSeedRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	dir := service.NewAreaDirectory(repository.NewMemoryOrgRepo(), time.Minute)
	ledger := capacity.NewLedger(repository.NewMemoryCapacityRepo(), repository.NewMemoryWorkordersRepo(), nil, zap.NewNop())

	seed, err := readSeed(writeSeed(t, "users:\n  - {id: x, role: janitor}\n"))
	require.NoError(t, err)
	assert.Error(t, seed.apply(ctx, dir, ledger))

	seed, err = readSeed(writeSeed(t, "capacity:\n  - {worker_id: w, area_id: a, max_concurrent_orders: 0}\n"))
	require.NoError(t, err)
	assert.Error(t, seed.apply(ctx, dir, ledger))

	_, err = readSeed(writeSeed(t, "areas: [unterminated"))
	assert.Error(t, err)

	_, err = readSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
