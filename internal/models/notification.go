package models

import "time"

// Notification categories emitted by the enrollment engine.
const (
	NotificationCategoryEnrollment       = "enrollment"
	NotificationCategoryEnrollmentUpdate = "enrollment_update"
)

// Notification is a user-facing message.
type Notification struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Message   string    `db:"message" json:"message"`
	IsRead    bool      `db:"is_read" json:"is_read"`
	Category  string    `db:"category" json:"category"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NotificationFilter scopes notification listing to one user.
type NotificationFilter struct {
	UserID   string
	IsRead   *bool
	Category string
	Page     int
	PageSize int
}
