// Package permission decides whether a metered action may run, using a
// single combined read of user, subscription and current-month usage.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"creators_metering/internal/model"
	"creators_metering/pkg/metrics"
	"creators_metering/pkg/subscription"
)

type DenyCode string

const (
	CodeUpgradeRequired    DenyCode = "upgrade_required"
	CodeLimitReached       DenyCode = "limit_reached"
	CodeOnboardingRequired DenyCode = "onboarding_required"
	CodeUnavailable        DenyCode = "unavailable"
)

const (
	reasonPremium     = "Premium models require a paid plan. Upgrade to continue."
	reasonOnboarding  = "Complete onboarding before using this feature."
	reasonUnavailable = "Unable to verify your usage right now. Please try again."

	upgradeThreshold = 80.0
)

type Request struct {
	Resource subscription.Resource `json:"resource"`
	Model    string                `json:"model,omitempty"`
}

type Usage struct {
	Current    int64   `json:"current"`
	Limit      int64   `json:"limit"`
	Percentage float64 `json:"percentage"`
}

type Decision struct {
	Allowed           bool                  `json:"allowed"`
	Reason            string                `json:"reason,omitempty"`
	Code              DenyCode              `json:"code,omitempty"`
	Plan              subscription.Plan     `json:"plan"`
	Resource          subscription.Resource `json:"resource"`
	Usage             Usage                 `json:"usage"`
	ShouldShowUpgrade bool                  `json:"shouldShowUpgrade"`
}

type Evaluator struct {
	reader  SnapshotReader
	premium map[string]bool
	logger  *slog.Logger
	now     func() time.Time
}

func NewEvaluator(reader SnapshotReader, premiumModels []string, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	premium := make(map[string]bool, len(premiumModels))
	for _, m := range premiumModels {
		premium[m] = true
	}
	return &Evaluator{
		reader:  reader,
		premium: premium,
		logger:  logger.With("component", "permission"),
		now:     time.Now,
	}
}

// IsPremiumModel reports whether model is gated to paid plans.
func (e *Evaluator) IsPremiumModel(model string) bool {
	return model != "" && e.premium[model]
}

// Resolve returns the counter a request is metered against. Premium models
// always count as premium interactions.
func (e *Evaluator) Resolve(req Request) subscription.Resource {
	if e.IsPremiumModel(req.Model) {
		return subscription.PremiumInteractions
	}
	if req.Resource == "" {
		return subscription.BasicInteractions
	}
	return req.Resource
}

// Evaluate never fails open: any read error yields a denial.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, req Request) Decision {
	resource := e.Resolve(req)
	d := e.evaluate(ctx, userID, req, resource)

	outcome := "allowed"
	if !d.Allowed {
		outcome = string(d.Code)
	}
	metrics.PermissionDecisions.WithLabelValues(string(resource), outcome).Inc()
	return d
}

func (e *Evaluator) evaluate(ctx context.Context, userID string, req Request, resource subscription.Resource) Decision {
	snap, err := e.reader.LoadSnapshot(ctx, userID, model.MonthKey(e.now()))
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			e.logger.Error("permission snapshot failed", "user_id", userID, "error", err)
		}
		return Decision{
			Allowed:  false,
			Reason:   reasonUnavailable,
			Code:     CodeUnavailable,
			Plan:     subscription.FreePlan,
			Resource: resource,
		}
	}

	plan := subscription.FreePlan
	if snap.HasSubscription {
		plan = subscription.EffectivePlan(snap.Status, snap.Plan)
	}

	if !snap.OnboardingCompleted {
		return Decision{
			Allowed:  false,
			Reason:   reasonOnboarding,
			Code:     CodeOnboardingRequired,
			Plan:     plan,
			Resource: resource,
		}
	}

	if plan == subscription.FreePlan && (e.IsPremiumModel(req.Model) || resource == subscription.PremiumInteractions) {
		return Decision{
			Allowed:           false,
			Reason:            reasonPremium,
			Code:              CodeUpgradeRequired,
			Plan:              plan,
			Resource:          resource,
			ShouldShowUpgrade: true,
		}
	}

	limit := subscription.GetPlanLimits(plan).Limit(resource)
	current := snap.Usage.Count(resource)
	percentage := subscription.Percentage(current, limit)

	d := Decision{
		Allowed:  subscription.CheckLimit(current, limit),
		Plan:     plan,
		Resource: resource,
		Usage: Usage{
			Current:    current,
			Limit:      limit,
			Percentage: percentage,
		},
		ShouldShowUpgrade: limit != subscription.Unlimited && plan == subscription.FreePlan && percentage >= upgradeThreshold,
	}
	if !d.Allowed {
		d.Code, d.Reason = denial(resource, plan, limit)
	}
	return d
}

func denial(resource subscription.Resource, plan subscription.Plan, limit int64) (DenyCode, string) {
	if limit == 0 {
		return CodeUpgradeRequired, fmt.Sprintf("Your %s plan does not include %s. Upgrade to unlock it.", plan, label(resource))
	}
	return CodeLimitReached, fmt.Sprintf("You've used all %d %s included in your %s plan this month.", limit, label(resource), plan)
}

func label(r subscription.Resource) string {
	switch r {
	case subscription.BasicInteractions:
		return "basic interactions"
	case subscription.PremiumInteractions:
		return "premium interactions"
	case subscription.MemoriesAdded:
		return "memory additions"
	case subscription.MemoriesSearched:
		return "memory searches"
	case subscription.VoiceChats:
		return "voice chats"
	case subscription.VideosGenerated:
		return "video generations"
	}
	return string(r)
}
