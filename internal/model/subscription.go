package model

import (
	"time"

	"creators_metering/pkg/subscription"
)

// Subscription is the single billing row per user. JSON names match the
// column names so row snapshots from NOTIFY payloads decode into it.
type Subscription struct {
	ID                   uint                `json:"id" gorm:"primaryKey"`
	UserID               string              `json:"user_id" gorm:"uniqueIndex;not null"`
	StripeCustomerID     *string             `json:"stripe_customer_id"`
	StripeSubscriptionID *string             `json:"stripe_subscription_id" gorm:"uniqueIndex"`
	Status               subscription.Status `json:"status" gorm:"not null;default:'free'"`
	Plan                 string              `json:"plan" gorm:"not null;default:'free'"`
	CurrentPeriodStart   *time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool                `json:"cancel_at_period_end" gorm:"default:false"`
	TrialStart           *time.Time          `json:"trial_start"`
	TrialEnd             *time.Time          `json:"trial_end"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`

	User *User `json:"-" gorm:"foreignKey:UserID"`
}

func (s *Subscription) EffectivePlan() subscription.Plan {
	if s == nil {
		return subscription.FreePlan
	}
	return subscription.EffectivePlan(s.Status, s.Plan)
}

// FreeSubscription is the implicit row for users that never checked out.
func FreeSubscription(userID string) Subscription {
	return Subscription{
		UserID: userID,
		Status: subscription.StatusFree,
		Plan:   string(subscription.FreePlan),
	}
}
