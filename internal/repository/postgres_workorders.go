package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"river-workorder/internal/domain"

	"github.com/lib/pq"
)

type PostgresWorkordersRepository struct {
	db *sql.DB
}

func NewPostgresWorkordersRepository(db *sql.DB) *PostgresWorkordersRepository {
	return &PostgresWorkordersRepository{db: db}
}

var _ WorkordersRepository = (*PostgresWorkordersRepository)(nil)

const workorderColumns = `
	workorder_id, title, description, priority, source, status,
	area_id, creator_id, assignee_id, dispatcher_id, reporter_id,
	alarm_id, report_id, review_route, capacity_held, version,
	images, latitude, longitude, address, result_id,
	sla_deadline, estimated_complete_at, dispatched_at, started_at, submitted_at, completed_at,
	created_at, updated_at`

const workorderColumnCount = 29

func scanWorkorder(row scanner) (*domain.Workorder, error) {
	var wo domain.Workorder
	var assignee, dispatcher, reporter, alarmID, reportID, resultID sql.NullString
	var lat, lng sql.NullFloat64
	var sla, eta, dispatched, started, submitted, completed sql.NullTime
	var images pq.StringArray
	var priority, source, status, route string

	err := row.Scan(
		&wo.ID, &wo.Title, &wo.Description, &priority, &source, &status,
		&wo.AreaID, &wo.CreatorID, &assignee, &dispatcher, &reporter,
		&alarmID, &reportID, &route, &wo.CapacityHeld, &wo.Version,
		&images, &lat, &lng, &wo.Address, &resultID,
		&sla, &eta, &dispatched, &started, &submitted, &completed,
		&wo.CreatedAt, &wo.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	wo.Priority = domain.Priority(priority)
	wo.Source = domain.Source(source)
	wo.Status = domain.WorkorderStatus(status)
	wo.ReviewRoute = domain.WorkorderStatus(route)
	wo.AssigneeID = ptrString(assignee)
	wo.DispatcherID = ptrString(dispatcher)
	wo.ReporterID = ptrString(reporter)
	wo.AlarmID = ptrString(alarmID)
	wo.ReportID = ptrString(reportID)
	wo.ResultID = ptrString(resultID)
	wo.Images = []string(images)
	wo.Latitude = ptrFloat(lat)
	wo.Longitude = ptrFloat(lng)
	wo.SLADeadline = ptrTime(sla)
	wo.EstimatedCompleteAt = ptrTime(eta)
	wo.DispatchedAt = ptrTime(dispatched)
	wo.StartedAt = ptrTime(started)
	wo.SubmittedAt = ptrTime(submitted)
	wo.CompletedAt = ptrTime(completed)
	return &wo, nil
}

func (r *PostgresWorkordersRepository) CreateWorkorder(ctx context.Context, wo *domain.Workorder) error {
	q := `INSERT INTO workorders (` + workorderColumns + `) VALUES (` + placeholders(1, workorderColumnCount) + `)`
	_, err := r.db.ExecContext(ctx, q,
		wo.ID, wo.Title, wo.Description, string(wo.Priority), string(wo.Source), string(wo.Status),
		wo.AreaID, wo.CreatorID, nullString(wo.AssigneeID), nullString(wo.DispatcherID), nullString(wo.ReporterID),
		nullString(wo.AlarmID), nullString(wo.ReportID), string(wo.ReviewRoute), wo.CapacityHeld, wo.Version,
		stringArray(wo.Images), nullFloat(wo.Latitude), nullFloat(wo.Longitude), wo.Address, nullString(wo.ResultID),
		nullTime(wo.SLADeadline), nullTime(wo.EstimatedCompleteAt), nullTime(wo.DispatchedAt),
		nullTime(wo.StartedAt), nullTime(wo.SubmittedAt), nullTime(wo.CompletedAt),
		wo.CreatedAt, wo.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create workorder: %w", err)
	}
	return nil
}

func (r *PostgresWorkordersRepository) GetWorkorder(ctx context.Context, id string) (*domain.Workorder, error) {
	q := `SELECT ` + workorderColumns + ` FROM workorders WHERE workorder_id = $1`
	wo, err := scanWorkorder(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workorder: %w", err)
	}
	return wo, nil
}

func (r *PostgresWorkordersRepository) ListWorkorders(ctx context.Context, filter WorkorderFilter, page, size int) ([]*domain.Workorder, int, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.AreaID != "" {
		add("area_id = $%d", filter.AreaID)
	}
	if filter.AssigneeID != "" {
		add("assignee_id = $%d", filter.AssigneeID)
	}
	if filter.Source != "" {
		add("source = $%d", string(filter.Source))
	}
	if filter.AlarmID != "" {
		add("alarm_id = $%d", filter.AlarmID)
	}
	if filter.ReporterID != "" {
		add("reporter_id = $%d", filter.ReporterID)
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workorders WHERE `+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count workorders: %w", err)
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	q := fmt.Sprintf(`SELECT %s FROM workorders WHERE %s ORDER BY created_at DESC, workorder_id DESC LIMIT $%d OFFSET $%d`,
		workorderColumns, whereSQL, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list workorders: %w", err)
	}
	defer rows.Close()

	out := []*domain.Workorder{}
	for rows.Next() {
		wo, err := scanWorkorder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan workorder: %w", err)
		}
		out = append(out, wo)
	}
	return out, total, rows.Err()
}

// UpdateWorkorderIfStatus 单条 UPDATE 完成比较与写入
func (r *PostgresWorkordersRepository) UpdateWorkorderIfStatus(ctx context.Context, wo *domain.Workorder, expectStatus domain.WorkorderStatus, expectVersion int64) (bool, error) {
	q := `
		UPDATE workorders SET
			title = $1, description = $2, priority = $3, status = $4, area_id = $5,
			assignee_id = $6, dispatcher_id = $7, review_route = $8, capacity_held = $9,
			images = $10, latitude = $11, longitude = $12, address = $13, result_id = $14,
			sla_deadline = $15, estimated_complete_at = $16, dispatched_at = $17, started_at = $18,
			submitted_at = $19, completed_at = $20, updated_at = $21, alarm_id = $22,
			version = version + 1
		WHERE workorder_id = $23 AND status = $24 AND version = $25`
	res, err := r.db.ExecContext(ctx, q,
		wo.Title, wo.Description, string(wo.Priority), string(wo.Status), wo.AreaID,
		nullString(wo.AssigneeID), nullString(wo.DispatcherID), string(wo.ReviewRoute), wo.CapacityHeld,
		stringArray(wo.Images), nullFloat(wo.Latitude), nullFloat(wo.Longitude), wo.Address, nullString(wo.ResultID),
		nullTime(wo.SLADeadline), nullTime(wo.EstimatedCompleteAt), nullTime(wo.DispatchedAt), nullTime(wo.StartedAt),
		nullTime(wo.SubmittedAt), nullTime(wo.CompletedAt), wo.UpdatedAt, nullString(wo.AlarmID),
		wo.ID, string(expectStatus), expectVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicate
		}
		return false, fmt.Errorf("failed to update workorder: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if ok {
		wo.Version = expectVersion + 1
	}
	return ok, nil
}

func (r *PostgresWorkordersRepository) FindActiveByAlarm(ctx context.Context, alarmID string) (*domain.Workorder, error) {
	return r.findActive(ctx, "alarm_id", alarmID)
}

func (r *PostgresWorkordersRepository) FindActiveByReport(ctx context.Context, reportID string) (*domain.Workorder, error) {
	return r.findActive(ctx, "report_id", reportID)
}

func (r *PostgresWorkordersRepository) findActive(ctx context.Context, column, value string) (*domain.Workorder, error) {
	q := `SELECT ` + workorderColumns + ` FROM workorders WHERE ` + column + ` = $1 AND status <> 'cancelled' LIMIT 1`
	wo, err := scanWorkorder(r.db.QueryRowContext(ctx, q, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find workorder by %s: %w", column, err)
	}
	return wo, nil
}

func (r *PostgresWorkordersRepository) CountCapacityHeld(ctx context.Context, workerID, areaID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workorders WHERE assignee_id = $1 AND area_id = $2 AND capacity_held`,
		workerID, areaID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count held capacity: %w", err)
	}
	return n, nil
}

func (r *PostgresWorkordersRepository) ListAwaitingConfirmation(ctx context.Context, areaID string, updatedBefore time.Time) ([]*domain.Workorder, error) {
	q := `SELECT ` + workorderColumns + ` FROM workorders
		WHERE status = 'pending_reporter_confirm' AND updated_at < $1 AND ($2::text = '' OR area_id = $2)
		ORDER BY updated_at`
	rows, err := r.db.QueryContext(ctx, q, updatedBefore, areaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list awaiting confirmation: %w", err)
	}
	defer rows.Close()

	out := []*domain.Workorder{}
	for rows.Next() {
		wo, err := scanWorkorder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workorder: %w", err)
		}
		out = append(out, wo)
	}
	return out, rows.Err()
}
