package model

import "creators_metering/pkg/subscription"

// SubscriptionView is the subscription as served to clients: the stored
// row plus the plan and limits actually in effect.
type SubscriptionView struct {
	Subscription Subscription            `json:"subscription"`
	Plan         subscription.Plan       `json:"plan"`
	Limits       subscription.PlanLimits `json:"limits"`
}

type ResourceUsage struct {
	Current    int64   `json:"current"`
	Limit      int64   `json:"limit"`
	Percentage float64 `json:"percentage"`
}

// UsageView is one month of counters measured against a plan.
type UsageView struct {
	Month     string                                  `json:"month"`
	Plan      subscription.Plan                       `json:"plan"`
	Counters  UsageCounters                           `json:"counters"`
	Resources map[subscription.Resource]ResourceUsage `json:"resources"`
}

// AccountView combines both views, as returned by a manual refresh.
type AccountView struct {
	Subscription SubscriptionView `json:"subscription"`
	Usage        UsageView        `json:"usage"`
}

func NewSubscriptionView(sub Subscription) SubscriptionView {
	plan := sub.EffectivePlan()
	return SubscriptionView{
		Subscription: sub,
		Plan:         plan,
		Limits:       subscription.GetPlanLimits(plan),
	}
}

func NewUsageView(plan subscription.Plan, counters UsageCounters) UsageView {
	limits := subscription.GetPlanLimits(plan)
	resources := make(map[subscription.Resource]ResourceUsage, len(subscription.Resources))
	for _, r := range subscription.Resources {
		current, limit := counters.Count(r), limits.Limit(r)
		resources[r] = ResourceUsage{
			Current:    current,
			Limit:      limit,
			Percentage: subscription.Percentage(current, limit),
		}
	}
	return UsageView{
		Month:     counters.Month,
		Plan:      plan,
		Counters:  counters,
		Resources: resources,
	}
}
