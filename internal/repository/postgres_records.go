package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"river-workorder/internal/domain"

	"github.com/lib/pq"
)

// PostgresHistoryRepository 状态历史
type PostgresHistoryRepository struct {
	db *sql.DB
}

func NewPostgresHistoryRepository(db *sql.DB) *PostgresHistoryRepository {
	return &PostgresHistoryRepository{db: db}
}

var _ HistoryRepository = (*PostgresHistoryRepository)(nil)

// AppendHistory 每条记录独立插入；主键冲突视为已写入（重放安全）
func (r *PostgresHistoryRepository) AppendHistory(ctx context.Context, entries ...*domain.StatusHistoryEntry) error {
	for _, e := range entries {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO workorder_status_history
				(history_id, workorder_id, old_status, new_status, actor_id, actor_role, operation, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (history_id) DO NOTHING`,
			e.ID, e.WorkorderID, string(e.OldStatus), string(e.NewStatus), e.ActorID, string(e.ActorRole),
			e.Operation, e.Reason, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
	}
	return nil
}

func (r *PostgresHistoryRepository) ListHistory(ctx context.Context, workorderID string) ([]*domain.StatusHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT history_id, workorder_id, old_status, new_status, actor_id, actor_role, operation, reason, created_at
		FROM workorder_status_history
		WHERE workorder_id = $1
		ORDER BY created_at, history_id`,
		workorderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	out := []*domain.StatusHistoryEntry{}
	for rows.Next() {
		var e domain.StatusHistoryEntry
		var oldStatus, newStatus, role string
		if err := rows.Scan(&e.ID, &e.WorkorderID, &oldStatus, &newStatus, &e.ActorID, &role, &e.Operation, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.OldStatus = domain.WorkorderStatus(oldStatus)
		e.NewStatus = domain.WorkorderStatus(newStatus)
		e.ActorRole = domain.Role(role)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PostgresRecordsRepository 审核记录 / 上报人确认 / 维修结果
type PostgresRecordsRepository struct {
	db *sql.DB
}

func NewPostgresRecordsRepository(db *sql.DB) *PostgresRecordsRepository {
	return &PostgresRecordsRepository{db: db}
}

var _ RecordsRepository = (*PostgresRecordsRepository)(nil)

func (r *PostgresRecordsRepository) AppendReview(ctx context.Context, rec *domain.ReviewRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workorder_reviews
			(review_id, workorder_id, level, action, rating, note, issues_found, reviewer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (review_id) DO NOTHING`,
		rec.ID, rec.WorkorderID, string(rec.Level), string(rec.Action), nullInt(rec.Rating),
		rec.Note, stringArray(rec.IssuesFound), rec.ReviewerID, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append review: %w", err)
	}
	return nil
}

func (r *PostgresRecordsRepository) ListReviews(ctx context.Context, workorderID string) ([]*domain.ReviewRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT review_id, workorder_id, level, action, rating, note, issues_found, reviewer_id, created_at
		FROM workorder_reviews WHERE workorder_id = $1 ORDER BY created_at, review_id`,
		workorderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	out := []*domain.ReviewRecord{}
	for rows.Next() {
		var rec domain.ReviewRecord
		var level, action string
		var rating sql.NullInt64
		var issues pq.StringArray
		if err := rows.Scan(&rec.ID, &rec.WorkorderID, &level, &action, &rating, &rec.Note, &issues, &rec.ReviewerID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		rec.Level = domain.ReviewLevel(level)
		rec.Action = domain.ReviewAction(action)
		rec.Rating = ptrInt(rating)
		rec.IssuesFound = []string(issues)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *PostgresRecordsRepository) AppendConfirmation(ctx context.Context, c *domain.ReporterConfirmation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reporter_confirmations
			(confirmation_id, workorder_id, action, note, photos, actor_id, is_timeout_intervention, intervener_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (confirmation_id) DO NOTHING`,
		c.ID, c.WorkorderID, string(c.Action), c.Note, stringArray(c.Photos), c.ActorID,
		c.IsTimeoutIntervention, nullString(c.IntervenerID), c.Reason, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append confirmation: %w", err)
	}
	return nil
}

func (r *PostgresRecordsRepository) ListConfirmations(ctx context.Context, workorderID string) ([]*domain.ReporterConfirmation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT confirmation_id, workorder_id, action, note, photos, actor_id, is_timeout_intervention, intervener_id, reason, created_at
		FROM reporter_confirmations WHERE workorder_id = $1 ORDER BY created_at, confirmation_id`,
		workorderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmations: %w", err)
	}
	defer rows.Close()

	out := []*domain.ReporterConfirmation{}
	for rows.Next() {
		var c domain.ReporterConfirmation
		var action string
		var photos pq.StringArray
		var intervener sql.NullString
		if err := rows.Scan(&c.ID, &c.WorkorderID, &action, &c.Note, &photos, &c.ActorID,
			&c.IsTimeoutIntervention, &intervener, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		c.Action = domain.ConfirmAction(action)
		c.Photos = []string(photos)
		c.IntervenerID = ptrString(intervener)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *PostgresRecordsRepository) SaveResult(ctx context.Context, res *domain.WorkorderResult) error {
	var materials any
	if len(res.MaterialsUsed) > 0 {
		materials = []byte(res.MaterialsUsed)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workorder_results
			(result_id, workorder_id, process_method, process_result, before_photos, after_photos,
			 need_followup, followup_reason, materials_used, submitted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (result_id) DO NOTHING`,
		res.ID, res.WorkorderID, res.ProcessMethod, res.ProcessResult,
		stringArray(res.BeforePhotos), stringArray(res.AfterPhotos),
		res.NeedFollowup, res.FollowupReason, materials, res.SubmittedBy, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (r *PostgresRecordsRepository) GetResult(ctx context.Context, id string) (*domain.WorkorderResult, error) {
	var res domain.WorkorderResult
	var before, after pq.StringArray
	var materials []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT result_id, workorder_id, process_method, process_result, before_photos, after_photos,
		       need_followup, followup_reason, materials_used, submitted_by, created_at
		FROM workorder_results WHERE result_id = $1`,
		id,
	).Scan(&res.ID, &res.WorkorderID, &res.ProcessMethod, &res.ProcessResult, &before, &after,
		&res.NeedFollowup, &res.FollowupReason, &materials, &res.SubmittedBy, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	res.BeforePhotos = []string(before)
	res.AfterPhotos = []string(after)
	res.MaterialsUsed = materials
	return &res, nil
}
