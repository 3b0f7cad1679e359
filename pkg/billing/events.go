package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v74"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creators_metering/internal/model"
	"creators_metering/pkg/subscription"
)

const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// SubscriptionFromEvent decodes the subscription object carried by a
// customer.subscription.* event.
func SubscriptionFromEvent(event stripe.Event) (*stripe.Subscription, error) {
	if event.Data == nil {
		return nil, errors.New("event has no data")
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription from %s: %w", event.ID, err)
	}
	return &sub, nil
}

// HandleEvent applies a verified webhook event once. It reports false when
// the event id was already processed or the type is not handled.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) (bool, error) {
	var seen int64
	if err := s.db.WithContext(ctx).Model(&model.BillingEvent{}).Where("id = ?", event.ID).Count(&seen).Error; err != nil {
		return false, fmt.Errorf("lookup billing event %s: %w", event.ID, err)
	}
	if seen > 0 {
		s.logger.Info("duplicate webhook delivery", "event_id", event.ID, "type", event.Type)
		return false, nil
	}

	applied := false
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		sub, err := SubscriptionFromEvent(event)
		if err != nil {
			return false, err
		}
		userID, err := s.UserIDForStripe(ctx, sub)
		if err == nil {
			row := s.FromStripe(userID, sub)
			if event.Type == EventSubscriptionDeleted {
				row.Status = subscription.StatusCanceled
			}
			err = s.Apply(ctx, row)
			if err == nil {
				s.logger.Info("subscription synced from webhook", "event_id", event.ID, "type", event.Type, "user_id", userID, "status", row.Status, "plan", row.Plan)
				applied = true
			}
		}
		// Redelivery cannot fix a missing user, so the event is recorded
		// and acknowledged.
		if errors.Is(err, ErrUnknownUser) {
			s.logger.Warn("webhook for unknown user", "event_id", event.ID, "type", event.Type, "stripe_subscription_id", sub.ID, "error", err)
		} else if err != nil {
			return false, err
		}
	default:
		s.logger.Debug("ignoring webhook event", "event_id", event.ID, "type", event.Type)
	}

	var payload datatypes.JSON
	if event.Data != nil {
		payload = datatypes.JSON(event.Data.Raw)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model.BillingEvent{
		ID:          event.ID,
		Type:        string(event.Type),
		Payload:     payload,
		ProcessedAt: time.Now(),
	}).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return applied, fmt.Errorf("record billing event %s: %w", event.ID, err)
	}
	return applied, nil
}
