package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"river-workorder/internal/domain"
)

// PostgresOrgRepository 区域 / 用户 / 推送订阅
type PostgresOrgRepository struct {
	db *sql.DB
}

func NewPostgresOrgRepository(db *sql.DB) *PostgresOrgRepository {
	return &PostgresOrgRepository{db: db}
}

var (
	_ OrgRepository           = (*PostgresOrgRepository)(nil)
	_ SubscriptionsRepository = (*PostgresOrgRepository)(nil)
)

func (r *PostgresOrgRepository) GetArea(ctx context.Context, id string) (*domain.Area, error) {
	var a domain.Area
	err := r.db.QueryRowContext(ctx,
		`SELECT area_id, area_name, supervisor_id FROM areas WHERE area_id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.SupervisorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get area: %w", err)
	}
	return &a, nil
}

func (r *PostgresOrgRepository) UpsertArea(ctx context.Context, a *domain.Area) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO areas (area_id, area_name, supervisor_id) VALUES ($1, $2, $3)
		ON CONFLICT (area_id) DO UPDATE SET area_name = EXCLUDED.area_name, supervisor_id = EXCLUDED.supervisor_id`,
		a.ID, a.Name, a.SupervisorID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert area: %w", err)
	}
	return nil
}

func (r *PostgresOrgRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, user_name, role, area_id, status FROM users WHERE user_id = $1`, id,
	).Scan(&u.ID, &u.Name, &role, &u.AreaID, &u.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Role = domain.Role(role)
	return &u, nil
}

func (r *PostgresOrgRepository) UpsertUser(ctx context.Context, u *domain.User) error {
	status := u.Status
	if status == "" {
		status = "active"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (user_id, user_name, role, area_id, status) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			user_name = EXCLUDED.user_name, role = EXCLUDED.role, area_id = EXCLUDED.area_id, status = EXCLUDED.status`,
		u.ID, u.Name, string(u.Role), u.AreaID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (r *PostgresOrgRepository) ListUsersByRole(ctx context.Context, role domain.Role) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, user_name, role, area_id, status FROM users WHERE role = $1 AND status = 'active' ORDER BY user_id`,
		string(role),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	out := []*domain.User{}
	for rows.Next() {
		var u domain.User
		var r string
		if err := rows.Scan(&u.ID, &u.Name, &r, &u.AreaID, &u.Status); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.Role = domain.Role(r)
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (r *PostgresOrgRepository) SaveSubscription(ctx context.Context, s *domain.PushSubscription) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (subscription_id, user_id, channel, registration_id, endpoint, p256dh, auth, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subscription_id) DO UPDATE SET
			registration_id = EXCLUDED.registration_id, endpoint = EXCLUDED.endpoint,
			p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`,
		s.ID, s.UserID, string(s.Channel), s.RegistrationID, s.Endpoint, s.P256dh, s.Auth, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (r *PostgresOrgRepository) ListSubscriptions(ctx context.Context, userID string, channel domain.PushChannel) ([]*domain.PushSubscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subscription_id, user_id, channel, registration_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions WHERE user_id = $1 AND channel = $2 ORDER BY subscription_id`,
		userID, string(channel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []*domain.PushSubscription{}
	for rows.Next() {
		var s domain.PushSubscription
		var ch string
		if err := rows.Scan(&s.ID, &s.UserID, &ch, &s.RegistrationID, &s.Endpoint, &s.P256dh, &s.Auth, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		s.Channel = domain.PushChannel(ch)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *PostgresOrgRepository) DeleteSubscription(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE subscription_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
