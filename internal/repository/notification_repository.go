package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-enroll-api/internal/models"
)

// NotificationRepository persists user notifications.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository constructs the repository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification using q so it commits with the caller's transaction.
func (r *NotificationRepository) Create(ctx context.Context, q sqlx.ExtContext, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO notifications (id, user_id, message, is_read, category, created_at)
VALUES (:id, :user_id, :message, :is_read, :category, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, queryer(q, r.db), query, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// List returns the user's notifications newest first with the filtered total.
func (r *NotificationRepository) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error) {
	where := squirrel.And{squirrel.Eq{"user_id": filter.UserID}}
	if filter.IsRead != nil {
		where = append(where, squirrel.Eq{"is_read": *filter.IsRead})
	}
	if filter.Category != "" {
		where = append(where, squirrel.Eq{"category": filter.Category})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("notifications").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build notification count: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	limit, offset := pageBounds(filter.Page, filter.PageSize)
	listSQL, listArgs, err := psql.Select("id, user_id, message, is_read, category, created_at").From("notifications").
		Where(where).OrderBy("created_at DESC", "id").Limit(limit).Offset(offset).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build notification list: %w", err)
	}
	items := make([]models.Notification, 0)
	if err := r.db.SelectContext(ctx, &items, listSQL, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	return items, total, nil
}

// CountUnread returns the number of unread notifications for the user.
func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE", userID); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead flags one notification, or all of the user's when id is empty, as read.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID, id string) (int64, error) {
	builder := psql.Update("notifications").Set("is_read", true).Where(squirrel.Eq{"user_id": userID})
	if id != "" {
		builder = builder.Where(squirrel.Eq{"id": id})
	} else {
		builder = builder.Where(squirrel.Eq{"is_read": false})
	}
	return r.exec(ctx, builder, "mark notifications read")
}

// Delete removes one notification, or all of the user's when id is empty.
func (r *NotificationRepository) Delete(ctx context.Context, userID, id string) (int64, error) {
	builder := psql.Delete("notifications").Where(squirrel.Eq{"user_id": userID})
	if id != "" {
		builder = builder.Where(squirrel.Eq{"id": id})
	}
	return r.exec(ctx, builder, "delete notifications")
}

func (r *NotificationRepository) exec(ctx context.Context, builder squirrel.Sqlizer, op string) (int64, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", op, err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return affected, nil
}
