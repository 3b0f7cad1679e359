package subscription

import "fmt"

type Plan string

const (
	FreePlan       Plan = "free"
	BasicPlan      Plan = "basic"
	ProPlan        Plan = "pro"
	EnterprisePlan Plan = "enterprise"
)

// Resource is one of the six metered resources. The set is closed: every
// value has a counter column and a quota in PlanLimits.
type Resource string

const (
	BasicInteractions   Resource = "basicInteractions"
	PremiumInteractions Resource = "premiumInteractions"
	MemoriesAdded       Resource = "memoriesAdded"
	MemoriesSearched    Resource = "memoriesSearched"
	VoiceChats          Resource = "voiceChats"
	VideosGenerated     Resource = "videosGenerated"
)

// Resources lists every metered resource in display order.
var Resources = []Resource{
	BasicInteractions,
	PremiumInteractions,
	MemoriesAdded,
	MemoriesSearched,
	VoiceChats,
	VideosGenerated,
}

// Unlimited marks a quota with no ceiling. It must never reach arithmetic.
const Unlimited int64 = -1

type PlanLimits struct {
	BasicInteractions   int64 `json:"basicInteractions"`
	PremiumInteractions int64 `json:"premiumInteractions"`
	MemoriesAdded       int64 `json:"memoriesAdded"`
	MemoriesSearched    int64 `json:"memoriesSearched"`
	VoiceChats          int64 `json:"voiceChats"`
	VideosGenerated     int64 `json:"videosGenerated"`
}

var PlanFeatures = map[Plan]PlanLimits{
	FreePlan: {
		BasicInteractions:   50,
		PremiumInteractions: 0,
		MemoriesAdded:       20,
		MemoriesSearched:    50,
		VoiceChats:          0,
		VideosGenerated:     0,
	},
	BasicPlan: {
		BasicInteractions:   500,
		PremiumInteractions: 50,
		MemoriesAdded:       200,
		MemoriesSearched:    500,
		VoiceChats:          20,
		VideosGenerated:     5,
	},
	ProPlan: {
		BasicInteractions:   Unlimited,
		PremiumInteractions: 500,
		MemoriesAdded:       1000,
		MemoriesSearched:    Unlimited,
		VoiceChats:          100,
		VideosGenerated:     25,
	},
	EnterprisePlan: {
		BasicInteractions:   Unlimited,
		PremiumInteractions: Unlimited,
		MemoriesAdded:       Unlimited,
		MemoriesSearched:    Unlimited,
		VoiceChats:          Unlimited,
		VideosGenerated:     Unlimited,
	},
}

// GetPlanLimits returns the quotas for plan. Unknown plans get the free
// limits, never an elevated quota.
func GetPlanLimits(plan Plan) PlanLimits {
	if limits, ok := PlanFeatures[plan]; ok {
		return limits
	}
	return PlanFeatures[FreePlan]
}

// Limit returns the quota for a single resource.
func (l PlanLimits) Limit(r Resource) int64 {
	switch r {
	case BasicInteractions:
		return l.BasicInteractions
	case PremiumInteractions:
		return l.PremiumInteractions
	case MemoriesAdded:
		return l.MemoriesAdded
	case MemoriesSearched:
		return l.MemoriesSearched
	case VoiceChats:
		return l.VoiceChats
	case VideosGenerated:
		return l.VideosGenerated
	}
	return 0
}

// ParseResource validates a resource key coming from a request.
func ParseResource(s string) (Resource, error) {
	for _, r := range Resources {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown resource %q", s)
}

// Column is the usage_counters column holding the counter for r.
func (r Resource) Column() string {
	switch r {
	case BasicInteractions:
		return "basic_interactions"
	case PremiumInteractions:
		return "premium_interactions"
	case MemoriesAdded:
		return "memories_added"
	case MemoriesSearched:
		return "memories_searched"
	case VoiceChats:
		return "voice_chats"
	case VideosGenerated:
		return "videos_generated"
	}
	return ""
}

// CheckLimit reports whether one more unit fits under limit.
func CheckLimit(current, limit int64) bool {
	if limit == Unlimited {
		return true
	}
	return current < limit
}

// Percentage is current/limit*100, or 0 for unlimited quotas. A zero limit
// with no usage reads as 0%; any usage against a zero limit reads as 100%.
func Percentage(current, limit int64) float64 {
	if limit == Unlimited {
		return 0
	}
	if limit == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return float64(current) / float64(limit) * 100
}

// EffectivePlan resolves the plan whose limits apply to a subscription row.
// Only trialing, active and past_due subscriptions keep their stored plan;
// every other status gets the free limits.
func EffectivePlan(status Status, plan string) Plan {
	switch status {
	case StatusTrialing, StatusActive, StatusPastDue:
	default:
		return FreePlan
	}
	p := Plan(plan)
	if _, ok := PlanFeatures[p]; !ok {
		return FreePlan
	}
	return p
}
