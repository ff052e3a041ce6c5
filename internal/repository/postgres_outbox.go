package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"river-workorder/internal/domain"
)

// PostgresOutboxRepository 通知 outbox 与站内消息
type PostgresOutboxRepository struct {
	db *sql.DB
}

func NewPostgresOutboxRepository(db *sql.DB) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

var (
	_ OutboxRepository   = (*PostgresOutboxRepository)(nil)
	_ MessagesRepository = (*PostgresOutboxRepository)(nil)
)

const outboxColumns = `notification_id, user_id, title, content, priority, kind, related_type, related_id,
	status, attempts, last_error, next_attempt, created_at`

func scanNotification(row scanner) (*domain.Notification, error) {
	var n domain.Notification
	var status string
	if err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Content, &n.Priority, &n.Kind, &n.RelatedType, &n.RelatedID,
		&status, &n.Attempts, &n.LastError, &n.NextAttempt, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Status = domain.OutboxStatus(status)
	return &n, nil
}

func (r *PostgresOutboxRepository) EnqueueNotifications(ctx context.Context, ns ...*domain.Notification) error {
	for _, n := range ns {
		status := n.Status
		if status == "" {
			status = domain.OutboxPending
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO notification_outbox (`+outboxColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (notification_id) DO NOTHING`,
			n.ID, n.UserID, n.Title, n.Content, n.Priority, n.Kind, n.RelatedType, n.RelatedID,
			string(status), n.Attempts, n.LastError, n.NextAttempt, n.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue notification: %w", err)
		}
	}
	return nil
}

// ClaimDue 使用 FOR UPDATE SKIP LOCKED，多个实例并发领取互不重复
func (r *PostgresOutboxRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE notification_outbox
		SET attempts = attempts + 1, next_attempt = $2
		WHERE notification_id IN (
			SELECT notification_id FROM notification_outbox
			WHERE status = 'pending' AND next_attempt <= $1
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	defer rows.Close()

	out := []*domain.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresOutboxRepository) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_outbox SET status = 'delivered', last_error = '' WHERE notification_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

func (r *PostgresOutboxRepository) MarkRetry(ctx context.Context, id, lastErr string, next time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_outbox SET last_error = $2, next_attempt = $3 WHERE notification_id = $1`, id, lastErr, next)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func (r *PostgresOutboxRepository) MarkFailed(ctx context.Context, id, lastErr string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_outbox SET status = 'failed', last_error = $2 WHERE notification_id = $1`, id, lastErr)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

func (r *PostgresOutboxRepository) GetNotification(ctx context.Context, id string) (*domain.Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM notification_outbox WHERE notification_id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (r *PostgresOutboxRepository) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, user_id, title, content, kind, related_type, related_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO NOTHING`,
		m.ID, m.UserID, m.Title, m.Content, m.Kind, m.RelatedType, m.RelatedID, m.IsRead, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *PostgresOutboxRepository) ListMessages(ctx context.Context, userID string, unreadOnly bool) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, user_id, title, content, kind, related_type, related_id, is_read, created_at
		FROM messages WHERE user_id = $1 AND (NOT $2 OR NOT is_read)
		ORDER BY created_at DESC`,
		userID, unreadOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []*domain.Message{}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Title, &m.Content, &m.Kind, &m.RelatedType, &m.RelatedID, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
