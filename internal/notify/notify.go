// Package notify implements the in-app notification inbox.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

// Notification types.
const (
	TypeDriftAlert     = "drift_alert"
	TypeReplayComplete = "replay_complete"
	TypeReplayFailed   = "replay_failed"
)

// ListParams narrows and pages a notification listing.
type ListParams struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Service implements inbox operations on top of a Store.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService builds a notification service.
func NewService(st store.Store) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	return &Service{store: st, now: time.Now}, nil
}

// Create inserts a notification and returns it. referenceID links the inbox
// entry back to the alert or replay run it announces.
func (s *Service) Create(ctx context.Context, projectID, typ, title, body, referenceID string) (store.Notification, error) {
	n := store.Notification{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Type:        typ,
		Title:       title,
		Body:        body,
		ReferenceID: referenceID,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return store.Notification{}, vigilerr.Internal("failed to create notification", err)
	}
	return n, nil
}

// List returns one page of the project's notifications, newest first.
func (s *Service) List(ctx context.Context, projectID string, p ListParams) ([]store.Notification, error) {
	if p.Limit < 1 || p.Limit > 200 {
		return nil, vigilerr.Validation("limit must be between 1 and 200")
	}
	if p.Offset < 0 {
		return nil, vigilerr.Validation("offset must not be negative")
	}
	ns, err := s.store.ListNotifications(ctx, projectID, p.UnreadOnly, p.Limit, p.Offset)
	if err != nil {
		return nil, vigilerr.Internal("failed to list notifications", err)
	}
	return ns, nil
}

// MarkRead sets the read flag. Marking twice is a no-op. Notifications
// belonging to other projects are reported as not found without being
// modified.
func (s *Service) MarkRead(ctx context.Context, projectID, id string) (store.Notification, error) {
	n, err := s.store.MarkNotificationRead(ctx, projectID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Notification{}, vigilerr.NotFound("notification", id)
		}
		return store.Notification{}, vigilerr.Internal("failed to mark notification read", err)
	}
	return n, nil
}

// MarkAllRead marks every unread project notification read and returns how
// many changed.
func (s *Service) MarkAllRead(ctx context.Context, projectID string) (int, error) {
	n, err := s.store.MarkAllNotificationsRead(ctx, projectID)
	if err != nil {
		return 0, vigilerr.Internal("failed to mark notifications read", err)
	}
	return n, nil
}

// UnreadCount counts the project's unread notifications.
func (s *Service) UnreadCount(ctx context.Context, projectID string) (int, error) {
	n, err := s.store.UnreadNotificationCount(ctx, projectID)
	if err != nil {
		return 0, vigilerr.Internal("failed to count notifications", err)
	}
	return n, nil
}
