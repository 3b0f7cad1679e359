// Package billing mirrors Stripe subscription state into subscription rows.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v74"
	stripesub "github.com/stripe/stripe-go/v74/subscription"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creators_metering/internal/model"
	"creators_metering/pkg/subscription"
)

var (
	ErrNoStripeSubscription = errors.New("user has no stripe subscription")
	// ErrUnknownUser means the subscription belongs to no stored user.
	ErrUnknownUser = errors.New("unknown user")
)

// SubscriptionFetcher loads a subscription from Stripe.
type SubscriptionFetcher interface {
	Get(id string) (*stripe.Subscription, error)
}

type stripeFetcher struct {
	client *stripesub.Client
}

func (f stripeFetcher) Get(id string) (*stripe.Subscription, error) {
	return f.client.Get(id, nil)
}

// NewStripeFetcher returns a fetcher bound to secretKey.
func NewStripeFetcher(secretKey string) SubscriptionFetcher {
	return stripeFetcher{client: &stripesub.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}
}

type Service struct {
	db          *gorm.DB
	fetcher     SubscriptionFetcher
	priceToPlan map[string]string
	logger      *slog.Logger
}

func NewService(db *gorm.DB, fetcher SubscriptionFetcher, priceToPlan map[string]string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          db,
		fetcher:     fetcher,
		priceToPlan: priceToPlan,
		logger:      logger.With("component", "billing"),
	}
}

// PlanForPrice maps a Stripe price id to a plan; unknown prices are free.
func (s *Service) PlanForPrice(priceID string) subscription.Plan {
	if plan, ok := s.priceToPlan[priceID]; ok {
		return subscription.Plan(plan)
	}
	return subscription.FreePlan
}

// FromStripe converts a Stripe subscription into the row for userID.
func (s *Service) FromStripe(userID string, sub *stripe.Subscription) model.Subscription {
	row := model.Subscription{
		UserID:               userID,
		StripeSubscriptionID: stripe.String(sub.ID),
		Status:               subscription.ParseStatus(string(sub.Status)),
		Plan:                 string(subscription.FreePlan),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CurrentPeriodStart:   unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     unixTime(sub.CurrentPeriodEnd),
		TrialStart:           unixTime(sub.TrialStart),
		TrialEnd:             unixTime(sub.TrialEnd),
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		row.StripeCustomerID = stripe.String(sub.Customer.ID)
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil {
				row.Plan = string(s.PlanForPrice(item.Price.ID))
				break
			}
		}
	}
	return row
}

// Apply upserts row keyed by user_id. The row is never deleted; a deleted
// Stripe subscription arrives here with status canceled.
func (s *Service) Apply(ctx context.Context, row model.Subscription) error {
	row.UpdatedAt = time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stripe_customer_id",
			"stripe_subscription_id",
			"status",
			"plan",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"trial_start",
			"trial_end",
			"updated_at",
		}),
	}).Create(&row).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("apply subscription for %s: %w", row.UserID, ErrUnknownUser)
	}
	if err != nil {
		return fmt.Errorf("apply subscription for %s: %w", row.UserID, err)
	}
	return nil
}

// UserIDForStripe resolves the owning user of a Stripe subscription, first
// from metadata then from an existing row.
func (s *Service) UserIDForStripe(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if id := sub.Metadata["user_id"]; id != "" {
		return id, nil
	}
	var row model.Subscription
	err := s.db.WithContext(ctx).Where("stripe_subscription_id = ?", sub.ID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("resolve user for stripe subscription %s: %w", sub.ID, ErrUnknownUser)
	}
	if err != nil {
		return "", fmt.Errorf("resolve user for stripe subscription %s: %w", sub.ID, err)
	}
	return row.UserID, nil
}

// Current returns the user's subscription row, or the implicit free row.
func (s *Service) Current(ctx context.Context, userID string) (model.Subscription, error) {
	var row model.Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.FreeSubscription(userID), nil
	}
	if err != nil {
		return model.Subscription{}, err
	}
	return row, nil
}

// Reconcile pulls the user's subscription from Stripe and applies it.
func (s *Service) Reconcile(ctx context.Context, userID string) (model.Subscription, error) {
	current, err := s.Current(ctx, userID)
	if err != nil {
		return model.Subscription{}, err
	}
	if current.StripeSubscriptionID == nil || *current.StripeSubscriptionID == "" {
		return current, ErrNoStripeSubscription
	}
	if s.fetcher == nil {
		return current, errors.New("stripe is not configured")
	}

	remote, err := s.fetcher.Get(*current.StripeSubscriptionID)
	if err != nil {
		return current, fmt.Errorf("fetch stripe subscription: %w", err)
	}
	row := s.FromStripe(userID, remote)
	if row.StripeCustomerID == nil {
		row.StripeCustomerID = current.StripeCustomerID
	}
	if err := s.Apply(ctx, row); err != nil {
		return current, err
	}
	s.logger.Info("subscription reconciled", "user_id", userID, "status", row.Status, "plan", row.Plan)
	return s.Current(ctx, userID)
}

// ExpireEnded cancels subscriptions flagged cancel_at_period_end whose
// period has passed and returns them with User loaded. Each UPDATE fires
// the change trigger.
func (s *Service) ExpireEnded(ctx context.Context, now time.Time) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := s.db.WithContext(ctx).
		Where("cancel_at_period_end = ? AND current_period_end < ?", true, now).
		Where("status IN ?", []subscription.Status{subscription.StatusActive, subscription.StatusTrialing, subscription.StatusPastDue}).
		Preload("User").
		Find(&subs).Error
	if err != nil || len(subs) == 0 {
		return nil, err
	}

	ids := make([]uint, len(subs))
	for i := range subs {
		ids[i] = subs[i].ID
		subs[i].Status = subscription.StatusCanceled
	}
	err = s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"status": subscription.StatusCanceled, "updated_at": now}).Error
	if err != nil {
		return nil, fmt.Errorf("expire subscriptions: %w", err)
	}
	return subs, nil
}

// SetPlan overwrites plan and status for userID, keeping the Stripe ids.
// It returns ErrUnknownUser when no such user exists.
func (s *Service) SetPlan(ctx context.Context, userID string, plan subscription.Plan, status subscription.Status) (model.Subscription, error) {
	row, err := s.Current(ctx, userID)
	if err != nil {
		return model.Subscription{}, err
	}
	row.Plan = string(plan)
	row.Status = status
	if err := s.Apply(ctx, row); err != nil {
		return model.Subscription{}, err
	}
	s.logger.Info("subscription set by admin", "user_id", userID, "status", status, "plan", plan)
	return s.Current(ctx, userID)
}

// EndingOn lists subscriptions scheduled to cancel on the given day.
func (s *Service) EndingOn(ctx context.Context, day time.Time) ([]model.Subscription, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	var subs []model.Subscription
	err := s.db.WithContext(ctx).
		Where("cancel_at_period_end = ? AND current_period_end >= ? AND current_period_end < ?", true, start, start.AddDate(0, 0, 1)).
		Where("status IN ?", []subscription.Status{subscription.StatusActive, subscription.StatusTrialing}).
		Preload("User").
		Find(&subs).Error
	return subs, err
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
