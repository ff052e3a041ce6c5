package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"river-workorder/internal/domain"
)

type PostgresCapacityRepository struct {
	db *sql.DB
}

func NewPostgresCapacityRepository(db *sql.DB) *PostgresCapacityRepository {
	return &PostgresCapacityRepository{db: db}
}

var _ CapacityRepository = (*PostgresCapacityRepository)(nil)

const capacityColumns = `worker_id, area_id, current_workload, max_concurrent_orders, is_available, updated_at`

func scanCapacity(row scanner) (*domain.CapacityEntry, error) {
	var e domain.CapacityEntry
	if err := row.Scan(&e.WorkerID, &e.AreaID, &e.CurrentWorkload, &e.MaxConcurrentOrders, &e.IsAvailable, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresCapacityRepository) GetCapacity(ctx context.Context, workerID, areaID string) (*domain.CapacityEntry, error) {
	e, err := scanCapacity(r.db.QueryRowContext(ctx,
		`SELECT `+capacityColumns+` FROM worker_capacity WHERE worker_id = $1 AND area_id = $2`,
		workerID, areaID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get capacity: %w", err)
	}
	return e, nil
}

func (r *PostgresCapacityRepository) ListCapacity(ctx context.Context, areaID string) ([]*domain.CapacityEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+capacityColumns+` FROM worker_capacity WHERE ($1::text = '' OR area_id = $1) ORDER BY worker_id`,
		areaID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list capacity: %w", err)
	}
	defer rows.Close()

	out := []*domain.CapacityEntry{}
	for rows.Next() {
		e, err := scanCapacity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capacity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertCapacity 只更新上限与可用状态，current_workload 仅由 acquire/release/对账修改
func (r *PostgresCapacityRepository) UpsertCapacity(ctx context.Context, e *domain.CapacityEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO worker_capacity (worker_id, area_id, current_workload, max_concurrent_orders, is_available, updated_at)
		VALUES ($1, $2, GREATEST($3, 0), $4, $5, NOW())
		ON CONFLICT (worker_id, area_id) DO UPDATE SET
			max_concurrent_orders = EXCLUDED.max_concurrent_orders,
			is_available = EXCLUDED.is_available,
			updated_at = NOW()`,
		e.WorkerID, e.AreaID, e.CurrentWorkload, e.MaxConcurrentOrders, e.IsAvailable,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert capacity: %w", err)
	}
	return nil
}

// TryAcquire 条件更新：检查与 +1 在同一条语句内完成
func (r *PostgresCapacityRepository) TryAcquire(ctx context.Context, workerID, areaID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE worker_capacity
		SET current_workload = current_workload + 1, updated_at = NOW()
		WHERE worker_id = $1 AND area_id = $2
		  AND is_available
		  AND current_workload < max_concurrent_orders`,
		workerID, areaID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire capacity: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return ok, nil
}

// Release 饱和减一，不会小于 0
func (r *PostgresCapacityRepository) Release(ctx context.Context, workerID, areaID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE worker_capacity
		SET current_workload = GREATEST(current_workload - 1, 0), updated_at = NOW()
		WHERE worker_id = $1 AND area_id = $2`,
		workerID, areaID,
	)
	if err != nil {
		return fmt.Errorf("failed to release capacity: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresCapacityRepository) SetWorkload(ctx context.Context, workerID, areaID string, workload int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE worker_capacity
		SET current_workload = GREATEST($3, 0), updated_at = NOW()
		WHERE worker_id = $1 AND area_id = $2`,
		workerID, areaID, workload,
	)
	if err != nil {
		return fmt.Errorf("failed to set workload: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
