package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"river-workorder/internal/domain"

	"github.com/lib/pq"
)

type PostgresAlarmsRepository struct {
	db *sql.DB
}

func NewPostgresAlarmsRepository(db *sql.DB) *PostgresAlarmsRepository {
	return &PostgresAlarmsRepository{db: db}
}

var _ AlarmsRepository = (*PostgresAlarmsRepository)(nil)

const alarmColumns = `
	alarm_id, alarm_type, level, point_id, area_id, title, description, source_type, reporter_id,
	status, audit_decision, auditor_id, audit_note, audited_at,
	handler_id, handle_note, handled_at,
	images, latitude, longitude, workorder_id, version,
	detected_at, created_at, updated_at`

func scanAlarm(row scanner) (*domain.Alarm, error) {
	var a domain.Alarm
	var reporter, decision, auditor, auditNote, handler, handleNote, workorderID sql.NullString
	var auditedAt, handledAt sql.NullTime
	var lat, lng sql.NullFloat64
	var images pq.StringArray
	var status string

	err := row.Scan(
		&a.ID, &a.AlarmType, &a.Level, &a.PointID, &a.AreaID, &a.Title, &a.Description, &a.SourceType, &reporter,
		&status, &decision, &auditor, &auditNote, &auditedAt,
		&handler, &handleNote, &handledAt,
		&images, &lat, &lng, &workorderID, &a.Version,
		&a.DetectedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AlarmStatus(status)
	a.ReporterID = ptrString(reporter)
	if decision.Valid {
		d := domain.AuditDecision(decision.String)
		a.AuditDecision = &d
	}
	a.AuditorID = ptrString(auditor)
	a.AuditNote = ptrString(auditNote)
	a.AuditedAt = ptrTime(auditedAt)
	a.HandlerID = ptrString(handler)
	a.HandleNote = ptrString(handleNote)
	a.HandledAt = ptrTime(handledAt)
	a.Images = []string(images)
	a.Latitude = ptrFloat(lat)
	a.Longitude = ptrFloat(lng)
	a.WorkorderID = ptrString(workorderID)
	return &a, nil
}

func decisionValue(d *domain.AuditDecision) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*d), Valid: true}
}

func (r *PostgresAlarmsRepository) CreateAlarm(ctx context.Context, a *domain.Alarm) error {
	q := `INSERT INTO alarms (` + alarmColumns + `) VALUES (` + placeholders(1, 25) + `)`
	_, err := r.db.ExecContext(ctx, q,
		a.ID, a.AlarmType, a.Level, a.PointID, a.AreaID, a.Title, a.Description, a.SourceType, nullString(a.ReporterID),
		string(a.Status), decisionValue(a.AuditDecision), nullString(a.AuditorID), nullString(a.AuditNote), nullTime(a.AuditedAt),
		nullString(a.HandlerID), nullString(a.HandleNote), nullTime(a.HandledAt),
		stringArray(a.Images), nullFloat(a.Latitude), nullFloat(a.Longitude), nullString(a.WorkorderID), a.Version,
		a.DetectedAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create alarm: %w", err)
	}
	return nil
}

func (r *PostgresAlarmsRepository) GetAlarm(ctx context.Context, id string) (*domain.Alarm, error) {
	a, err := scanAlarm(r.db.QueryRowContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE alarm_id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alarm: %w", err)
	}
	return a, nil
}

func (r *PostgresAlarmsRepository) ListAlarms(ctx context.Context, status domain.AlarmStatus, areaID string, page, size int) ([]*domain.Alarm, int, error) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	where := `($1::text = '' OR status = $1) AND ($2::text = '' OR area_id = $2)`

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alarms WHERE `+where, string(status), areaID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alarms: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE `+where+` ORDER BY detected_at DESC LIMIT $3 OFFSET $4`,
		string(status), areaID, size, (page-1)*size,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alarms: %w", err)
	}
	defer rows.Close()

	out := []*domain.Alarm{}
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alarm: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *PostgresAlarmsRepository) UpdateAlarmIfStatus(ctx context.Context, a *domain.Alarm, expectStatus domain.AlarmStatus, expectVersion int64) (bool, error) {
	q := `
		UPDATE alarms SET
			status = $1, audit_decision = $2, auditor_id = $3, audit_note = $4, audited_at = $5,
			handler_id = $6, handle_note = $7, handled_at = $8, workorder_id = $9, area_id = $10,
			updated_at = $11, version = version + 1
		WHERE alarm_id = $12 AND status = $13 AND version = $14`
	res, err := r.db.ExecContext(ctx, q,
		string(a.Status), decisionValue(a.AuditDecision), nullString(a.AuditorID), nullString(a.AuditNote), nullTime(a.AuditedAt),
		nullString(a.HandlerID), nullString(a.HandleNote), nullTime(a.HandledAt), nullString(a.WorkorderID), a.AreaID,
		a.UpdatedAt, a.ID, string(expectStatus), expectVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update alarm: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if ok {
		a.Version = expectVersion + 1
	}
	return ok, nil
}
