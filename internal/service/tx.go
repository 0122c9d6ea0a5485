package service

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-enroll-api/internal/models"
)

// txRunner executes fn atomically; *database.TxRunner satisfies it.
type txRunner interface {
	WithinTx(ctx context.Context, op string, fn func(q sqlx.ExtContext) error) error
}

// catalogNotifier is told when committed changes make cached catalog pages stale.
type catalogNotifier interface {
	CatalogChanged()
}

// enrollmentNotifier receives notifications after the transaction that created them commits.
type enrollmentNotifier interface {
	catalogNotifier
	NotificationsCommitted(notifications ...models.Notification)
}
