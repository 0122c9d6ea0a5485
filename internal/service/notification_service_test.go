package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-enroll-api/internal/dto"
	"github.com/noah-isme/campus-enroll-api/internal/models"
	appErrors "github.com/noah-isme/campus-enroll-api/pkg/errors"
)

func TestNotificationsAreOwnerScoped(t *testing.T) {
	store := newMemStore()
	svc := NewNotificationService(memNotifications{store}, 50, zap.NewNop())
	owner := store.addStudent(t, "Ayu Lestari", 24)
	other := store.addStudent(t, "Budi Santoso", 24)
	ctx := context.Background()

	first, err := svc.Emit(ctx, nil, owner.ID, "pending approval", models.NotificationCategoryEnrollment)
	require.NoError(t, err)
	_, err = svc.Emit(ctx, nil, owner.ID, "approved", models.NotificationCategoryEnrollmentUpdate)
	require.NoError(t, err)
	foreign, err := svc.Emit(ctx, nil, other.ID, "approved", models.NotificationCategoryEnrollmentUpdate)
	require.NoError(t, err)

	items, page, unread, err := svc.List(ctx, studentActor(owner), dto.NotificationQuery{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 2, unread)

	affected, err := svc.MarkRead(ctx, studentActor(owner), dto.NotificationAction{ID: first.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	unreadOnly := false
	items, _, unread, err = svc.List(ctx, studentActor(owner), dto.NotificationQuery{IsRead: &unreadOnly})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, unread)

	_, err = svc.MarkRead(ctx, studentActor(owner), dto.NotificationAction{ID: foreign.ID})
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = svc.Delete(ctx, studentActor(owner), dto.NotificationAction{ID: "not-a-uuid"})
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = svc.Delete(ctx, studentActor(owner), dto.NotificationAction{})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = svc.Delete(ctx, studentActor(owner), dto.NotificationAction{ID: first.ID, All: true})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	affected, err = svc.MarkRead(ctx, studentActor(owner), dto.NotificationAction{All: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	affected, err = svc.Delete(ctx, studentActor(owner), dto.NotificationAction{All: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, affected)
	assert.Len(t, store.notificationsFor(other.ID), 1)

	_, _, _, err = svc.List(ctx, models.Actor{}, dto.NotificationQuery{})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

type capturePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	failures int
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errInjected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, raw)
	return nil
}

func (p *capturePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

func TestDispatcherPublishesCommittedNotifications(t *testing.T) {
	publisher := &capturePublisher{failures: 1}
	dispatcher := NewNotificationDispatcher(publisher, nil, nil, DispatcherConfig{
		RealtimeEnabled: true,
		ChannelPrefix:   "campus",
		Workers:         1,
		Retries:         2,
	}, zap.NewNop())
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	dispatcher.NotificationsCommitted(models.Notification{ID: "n-1", UserID: "user-1", Message: "approved", Category: models.NotificationCategoryEnrollmentUpdate})
	// catalog invalidation is skipped while the cache is disabled
	dispatcher.CatalogChanged()

	require.Eventually(t, func() bool { return publisher.published() == 1 }, 2*time.Second, 10*time.Millisecond)
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Equal(t, "campus:user-1", publisher.channels[0])
	assert.Contains(t, string(publisher.payloads[0]), `"message":"approved"`)
}

func TestDispatcherSkipsRealtimeWhenDisabled(t *testing.T) {
	publisher := &capturePublisher{}
	dispatcher := NewNotificationDispatcher(publisher, nil, nil, DispatcherConfig{Workers: 1}, zap.NewNop())
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	dispatcher.NotificationsCommitted(models.Notification{ID: "n-1", UserID: "user-1"})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, publisher.published())
}
