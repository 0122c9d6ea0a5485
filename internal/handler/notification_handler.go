package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-enroll-api/internal/dto"
	"github.com/noah-isme/campus-enroll-api/internal/middleware"
	"github.com/noah-isme/campus-enroll-api/internal/models"
	"github.com/noah-isme/campus-enroll-api/pkg/response"
)

type notificationService interface {
	List(ctx context.Context, actor models.Actor, query dto.NotificationQuery) ([]models.Notification, *models.Pagination, int, error)
	MarkRead(ctx context.Context, actor models.Actor, action dto.NotificationAction) (int64, error)
	Delete(ctx context.Context, actor models.Actor, action dto.NotificationAction) (int64, error)
}

// NotificationHandler serves the caller's notification inbox.
type NotificationHandler struct {
	notifications notificationService
}

// NewNotificationHandler constructs NotificationHandler.
func NewNotificationHandler(notifications notificationService) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// List godoc
// @Summary List notifications
// @Tags Notifications
// @Produce json
// @Param isRead query bool false "Read state"
// @Param category query string false "enrollment or enrollment_update"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	var query dto.NotificationQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, invalidPayload(err, "invalid query parameters"))
		return
	}
	items, pagination, unread, err := h.notifications.List(c.Request.Context(), actorFromContext(c), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "unread_count", unread)
	response.JSON(c, http.StatusOK, items, pagination, middleware.ExtractMeta(c))
}

// MarkRead godoc
// @Summary Mark notifications read
// @Tags Notifications
// @Accept json
// @Produce json
// @Param payload body dto.NotificationAction true "Either id or all"
// @Success 200 {object} response.Envelope
// @Router /notifications [patch]
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	h.apply(c, h.notifications.MarkRead)
}

// Delete godoc
// @Summary Delete notifications
// @Tags Notifications
// @Accept json
// @Produce json
// @Param payload body dto.NotificationAction true "Either id or all"
// @Success 200 {object} response.Envelope
// @Router /notifications [delete]
func (h *NotificationHandler) Delete(c *gin.Context) {
	h.apply(c, h.notifications.Delete)
}

func (h *NotificationHandler) apply(c *gin.Context, fn func(context.Context, models.Actor, dto.NotificationAction) (int64, error)) {
	var action dto.NotificationAction
	if err := c.ShouldBindJSON(&action); err != nil {
		response.Error(c, invalidPayload(err, "invalid notification payload"))
		return
	}
	affected, err := fn(c.Request.Context(), actorFromContext(c), action)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"affected": affected}, nil)
}
