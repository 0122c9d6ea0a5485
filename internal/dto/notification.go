package dto

// NotificationAction targets a single notification or all of the caller's notifications.
type NotificationAction struct {
	ID  string `json:"id"`
	All bool   `json:"all"`
}

// NotificationQuery is bound from notification list query parameters.
type NotificationQuery struct {
	IsRead   *bool  `form:"isRead"`
	Category string `form:"category"`
	Page     int    `form:"page"`
	Limit    int    `form:"limit"`
}
