package service

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-enroll-api/internal/dto"
	"github.com/noah-isme/campus-enroll-api/internal/models"
	appErrors "github.com/noah-isme/campus-enroll-api/pkg/errors"
)

type notificationRepository interface {
	Create(ctx context.Context, q sqlx.ExtContext, n *models.Notification) error
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, id string) (int64, error)
	Delete(ctx context.Context, userID, id string) (int64, error)
}

// NotificationService stores and serves user notifications.
type NotificationService struct {
	repo        notificationRepository
	maxPageSize int
	logger      *zap.Logger
}

// NewNotificationService constructs NotificationService.
func NewNotificationService(repo notificationRepository, maxPageSize int, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPageSize <= 0 {
		maxPageSize = 50
	}
	return &NotificationService{repo: repo, maxPageSize: maxPageSize, logger: logger}
}

// Emit appends a notification through q, so it commits or rolls back with the caller's
// transaction. Only the enrollment engine calls it.
func (s *NotificationService) Emit(ctx context.Context, q sqlx.ExtContext, userID, message, category string) (*models.Notification, error) {
	n := &models.Notification{UserID: userID, Message: message, Category: category}
	if err := s.repo.Create(ctx, q, n); err != nil {
		return nil, err
	}
	return n, nil
}

// List returns the caller's notifications and the unread count.
func (s *NotificationService) List(ctx context.Context, actor models.Actor, query dto.NotificationQuery) ([]models.Notification, *models.Pagination, int, error) {
	if actor.Anonymous() {
		return nil, nil, 0, appErrors.ErrUnauthorized
	}
	page, size := normalizePage(query.Page, query.Limit, s.maxPageSize)
	filter := models.NotificationFilter{
		UserID:   actor.UserID,
		IsRead:   query.IsRead,
		Category: strings.TrimSpace(query.Category),
		Page:     page,
		PageSize: size,
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.Error("list notifications failed", zap.String("user_id", actor.UserID), zap.Error(err))
		return nil, nil, 0, appErrors.Internal(err, "failed to list notifications")
	}
	unread, err := s.repo.CountUnread(ctx, actor.UserID)
	if err != nil {
		s.logger.Error("count unread notifications failed", zap.String("user_id", actor.UserID), zap.Error(err))
		return nil, nil, 0, appErrors.Internal(err, "failed to count notifications")
	}
	return items, models.NewPagination(page, size, total), unread, nil
}

// MarkRead flags the targeted notification, or all of them, as read.
func (s *NotificationService) MarkRead(ctx context.Context, actor models.Actor, action dto.NotificationAction) (int64, error) {
	id, err := s.target(actor, action)
	if err != nil {
		return 0, err
	}
	affected, err := s.repo.MarkRead(ctx, actor.UserID, id)
	if err != nil {
		s.logger.Error("mark notifications read failed", zap.String("user_id", actor.UserID), zap.String("notification_id", id), zap.Error(err))
		return 0, appErrors.Internal(err, "failed to update notifications")
	}
	if id != "" && affected == 0 {
		return 0, appErrors.Clone(appErrors.ErrNotFound, "notification not found")
	}
	return affected, nil
}

// Delete removes the targeted notification, or all of them.
func (s *NotificationService) Delete(ctx context.Context, actor models.Actor, action dto.NotificationAction) (int64, error) {
	id, err := s.target(actor, action)
	if err != nil {
		return 0, err
	}
	affected, err := s.repo.Delete(ctx, actor.UserID, id)
	if err != nil {
		s.logger.Error("delete notifications failed", zap.String("user_id", actor.UserID), zap.String("notification_id", id), zap.Error(err))
		return 0, appErrors.Internal(err, "failed to delete notifications")
	}
	if id != "" && affected == 0 {
		return 0, appErrors.Clone(appErrors.ErrNotFound, "notification not found")
	}
	return affected, nil
}

// target resolves the action to a single id, or "" for all.
func (s *NotificationService) target(actor models.Actor, action dto.NotificationAction) (string, error) {
	if actor.Anonymous() {
		return "", appErrors.ErrUnauthorized
	}
	id := strings.TrimSpace(action.ID)
	switch {
	case id != "" && action.All:
		return "", appErrors.Clone(appErrors.ErrValidation, "provide either id or all, not both")
	case id != "":
		if !isUUID(id) {
			return "", appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return id, nil
	case action.All:
		return "", nil
	default:
		return "", appErrors.Clone(appErrors.ErrValidation, "notification id or all is required")
	}
}
