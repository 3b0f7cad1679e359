package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"creators_metering/internal/model"
)

var warningDays = []int{7, 3}

const jobTimeout = 2 * time.Minute

type SubscriptionStore interface {
	ExpireEnded(ctx context.Context, now time.Time) ([]model.Subscription, error)
	EndingOn(ctx context.Context, day time.Time) ([]model.Subscription, error)
}

type Mailer interface {
	SendSubscriptionExpiryWarning(email, name, planName string, expiryDate time.Time, daysLeft int) error
	SendSubscriptionEndedEmail(email, name, planName string) error
}

// SubscriptionJobs ends subscriptions whose cancellation date has passed and
// warns users ahead of it. mailer may be nil.
type SubscriptionJobs struct {
	store  SubscriptionStore
	mailer Mailer
	logger *slog.Logger
	now    func() time.Time
}

func NewSubscriptionJobs(store SubscriptionStore, mailer Mailer, logger *slog.Logger) *SubscriptionJobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionJobs{
		store:  store,
		mailer: mailer,
		logger: logger.With("component", "cron"),
		now:    time.Now,
	}
}

// InitSubscriptionCron schedules both jobs and starts the scheduler. The
// caller stops it on shutdown.
func InitSubscriptionCron(jobs *SubscriptionJobs, expirySchedule, warningSchedule string) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(expirySchedule, func() { jobs.ExpireEnded(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule subscription expiry %q: %w", expirySchedule, err)
	}
	if _, err := c.AddFunc(warningSchedule, func() { jobs.SendExpiryWarnings(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule expiry warnings %q: %w", warningSchedule, err)
	}

	c.Start()
	return c, nil
}

// ExpireEnded moves lapsed cancel-at-period-end subscriptions to canceled
// and returns how many changed.
func (j *SubscriptionJobs) ExpireEnded(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	subs, err := j.store.ExpireEnded(ctx, j.now())
	if err != nil {
		j.logger.Error("expire subscriptions", "error", err)
		return 0
	}
	j.logger.Info("expired subscriptions", "count", len(subs))

	for _, sub := range subs {
		if j.mailer == nil || sub.User == nil {
			continue
		}
		if err := j.mailer.SendSubscriptionEndedEmail(sub.User.Email, sub.User.Username, sub.Plan); err != nil {
			j.logger.Warn("subscription ended email failed", "user_id", sub.UserID, "error", err)
		}
	}
	return len(subs)
}

// SendExpiryWarnings mails users whose subscription ends in 7 or 3 days and
// returns how many mails were sent.
func (j *SubscriptionJobs) SendExpiryWarnings(ctx context.Context) int {
	if j.mailer == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	sent := 0
	for _, days := range warningDays {
		target := j.now().UTC().AddDate(0, 0, days)

		subs, err := j.store.EndingOn(ctx, target)
		if err != nil {
			j.logger.Error("fetch expiring subscriptions", "days", days, "error", err)
			continue
		}
		j.logger.Info("found expiring subscriptions", "days", days, "count", len(subs))

		for _, sub := range subs {
			if sub.User == nil || sub.CurrentPeriodEnd == nil {
				continue
			}
			err := j.mailer.SendSubscriptionExpiryWarning(sub.User.Email, sub.User.Username, sub.Plan, *sub.CurrentPeriodEnd, days)
			if err != nil {
				j.logger.Warn("expiry warning failed", "user_id", sub.UserID, "days", days, "error", err)
				continue
			}
			sent++
		}
	}
	return sent
}
