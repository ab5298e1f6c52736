// Package notify turns routed social events into stored notifications,
// inbox cache entries, unread counters, and delivery jobs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/db"
	"github.com/lumen-social/relay/internal/metrics"
	"github.com/lumen-social/relay/internal/router"
)

const pipelineName = "notify"

// Store is the slice of the repository the notification service needs.
type Store interface {
	InsertNotification(ctx context.Context, notif *db.Notification) (bool, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID, userAddress string) (*string, bool, error)
	CountUnread(ctx context.Context, userAddress string) (int64, map[string]int64, error)
}

// Counters tracks per-user unread counts.
type Counters interface {
	IncrementUnread(ctx context.Context, userAddress, platformID string) error
	DecrementUnread(ctx context.Context, userAddress, platformID string) error
	Reconcile(ctx context.Context, userAddress string, total int64, perPlatform map[string]int64) error
}

// Inbox caches recent notifications per user.
type Inbox interface {
	Push(ctx context.Context, userAddress string, payload []byte) error
}

type Service struct {
	store    Store
	counters Counters
	inbox    Inbox
	producer broker.Producer
	logger   *zap.Logger
}

func NewService(store Store, counters Counters, inbox Inbox, producer broker.Producer, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		counters: counters,
		inbox:    inbox,
		producer: producer,
		logger:   logger,
	}
}

// inboxEntry is the JSON shape cached in INBOX:{user}.
type inboxEntry struct {
	ID               string          `json:"id"`
	UserAddress      string          `json:"user_address"`
	NotificationType string          `json:"notification_type"`
	Title            string          `json:"title"`
	Body             string          `json:"body"`
	Data             json.RawMessage `json:"data"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ProcessEvent handles one routed event. The notification insert doubles as
// the dedup gate: a source id that already exists means a broker redelivery,
// and the event is acknowledged with no further side effects.
func (s *Service) ProcessEvent(ctx context.Context, evt broker.Event) error {
	recipients := ExtractRecipients(evt.EventType, evt.Payload)
	if len(recipients) == 0 {
		s.logger.Debug("event carries no notification recipient",
			zap.String("event_type", evt.EventType),
			zap.Int64("source_id", evt.SourceID),
		)
		metrics.RecordEventProcessed(pipelineName, "skipped")
		return nil
	}

	title, body := FormatContent(evt.EventType)

	for _, recipient := range recipients {
		notif := &db.Notification{
			ID:          uuid.New(),
			SourceID:    evt.SourceID,
			UserAddress: recipient,
			Kind:        evt.EventType,
			Title:       title,
			Body:        body,
			Data:        evt.Payload,
			CreatedAt:   time.Now().UTC(),
		}
		if evt.PlatformID != "" {
			pid := evt.PlatformID
			notif.PlatformID = &pid
		}

		created, err := s.store.InsertNotification(ctx, notif)
		if err != nil {
			return fmt.Errorf("process event %d: %w", evt.SourceID, err)
		}
		if !created {
			metrics.RecordDedupHit(pipelineName)
			s.logger.Debug("duplicate event skipped",
				zap.Int64("source_id", evt.SourceID),
			)
			continue
		}

		s.fanOut(ctx, notif)
		metrics.RecordEventProcessed(pipelineName, "processed")
	}

	return nil
}

// fanOut performs the post-insert side effects. They are best effort: the
// notification row is already durable, and the cache and counters can be
// reconciled from it, so a cache failure never fails the event.
func (s *Service) fanOut(ctx context.Context, notif *db.Notification) {
	entry := inboxEntry{
		ID:               notif.ID.String(),
		UserAddress:      notif.UserAddress,
		NotificationType: notif.Kind,
		Title:            notif.Title,
		Body:             notif.Body,
		Data:             notif.Data,
		CreatedAt:        notif.CreatedAt,
	}

	payload, err := json.Marshal(entry)
	if err == nil {
		if err := s.inbox.Push(ctx, notif.UserAddress, payload); err != nil {
			s.logger.Warn("inbox cache push failed",
				zap.String("user_address", notif.UserAddress),
				zap.Error(err),
			)
		}
	}

	platformID := ""
	if notif.PlatformID != nil {
		platformID = *notif.PlatformID
	}
	if err := s.counters.IncrementUnread(ctx, notif.UserAddress, platformID); err != nil {
		s.logger.Warn("unread counter increment failed",
			zap.String("user_address", notif.UserAddress),
			zap.Error(err),
		)
	}

	s.emitDeliveryJob(ctx, notif, platformID)
}

func (s *Service) emitDeliveryJob(ctx context.Context, notif *db.Notification, platformID string) {
	job := broker.DeliveryJob{
		NotificationID: notif.ID.String(),
		SourceID:       notif.SourceID,
		UserAddress:    notif.UserAddress,
		PlatformID:     platformID,
		Title:          notif.Title,
		Body:           notif.Body,
		Data:           notif.Data,
		EnqueuedAt:     time.Now().Unix(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		s.logger.Error("failed to encode delivery job", zap.Error(err))
		return
	}

	// The dedup gate has already fired for this source id; retrying the
	// whole event would be a no-op, so a publish failure here is logged
	// and counted rather than returned.
	if err := s.producer.Publish(ctx, router.TopicDelivery, notif.UserAddress, payload); err != nil {
		metrics.RecordEventProcessed(pipelineName, "delivery_job_lost")
		s.logger.Error("failed to publish delivery job",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
	}
}

// MarkRead transitions a notification to read and decrements the unread
// counters exactly once. Returns false when the notification was missing,
// owned by someone else, or already read.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID, userAddress string) (bool, error) {
	platformID, transitioned, err := s.store.MarkNotificationRead(ctx, id, userAddress)
	if err != nil {
		return false, err
	}
	if !transitioned {
		return false, nil
	}

	platform := ""
	if platformID != nil {
		platform = *platformID
	}
	if err := s.counters.DecrementUnread(ctx, userAddress, platform); err != nil {
		s.logger.Warn("unread counter decrement failed",
			zap.String("user_address", userAddress),
			zap.Error(err),
		)
	}

	return true, nil
}

// ReconcileCounters recomputes a user's unread counters from the table.
func (s *Service) ReconcileCounters(ctx context.Context, userAddress string) error {
	total, perPlatform, err := s.store.CountUnread(ctx, userAddress)
	if err != nil {
		return err
	}
	return s.counters.Reconcile(ctx, userAddress, total, perPlatform)
}
