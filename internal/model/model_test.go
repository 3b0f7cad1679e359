package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"creators_metering/pkg/subscription"
)

func TestMonthKeyUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	assert.Equal(t, "2026-10", MonthKey(time.Date(2026, 11, 1, 1, 0, 0, 0, loc)))
	assert.Equal(t, "2026-11", MonthKey(time.Date(2026, 11, 1, 4, 0, 0, 0, loc)))
}

func TestNewUsageDelta(t *testing.T) {
	row := NewUsageDelta("user-a", "2026-10", subscription.VideosGenerated, 2)
	for _, r := range subscription.Resources {
		want := int64(0)
		if r == subscription.VideosGenerated {
			want = 2
		}
		assert.Equal(t, want, row.Count(r), string(r))
	}

	var missing *UsageCounters
	assert.Zero(t, missing.Count(subscription.BasicInteractions))
}

func TestSubscriptionEffectivePlan(t *testing.T) {
	var none *Subscription
	assert.Equal(t, subscription.FreePlan, none.EffectivePlan())

	sub := FreeSubscription("user-a")
	assert.Equal(t, subscription.FreePlan, sub.EffectivePlan())

	sub.Status, sub.Plan = subscription.StatusTrialing, "pro"
	assert.Equal(t, subscription.ProPlan, sub.EffectivePlan())
}

func TestViews(t *testing.T) {
	sub := Subscription{UserID: "user-a", Status: subscription.StatusCanceled, Plan: "pro"}
	sv := NewSubscriptionView(sub)
	assert.Equal(t, subscription.FreePlan, sv.Plan)
	assert.Equal(t, subscription.GetPlanLimits(subscription.FreePlan), sv.Limits)

	counters := UsageCounters{UserID: "user-a", Month: "2026-10", BasicInteractions: 49, MemoriesSearched: 7}
	uv := NewUsageView(subscription.FreePlan, counters)
	assert.Equal(t, "2026-10", uv.Month)
	assert.Len(t, uv.Resources, len(subscription.Resources))
	assert.InDelta(t, 98.0, uv.Resources[subscription.BasicInteractions].Percentage, 0.001)

	uv = NewUsageView(subscription.EnterprisePlan, counters)
	assert.Equal(t, subscription.Unlimited, uv.Resources[subscription.BasicInteractions].Limit)
	assert.Zero(t, uv.Resources[subscription.BasicInteractions].Percentage)
}
