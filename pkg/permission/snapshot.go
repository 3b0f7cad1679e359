package permission

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"creators_metering/internal/model"
	"creators_metering/pkg/subscription"
)

var ErrUserNotFound = errors.New("user not found")

// Snapshot is everything an evaluation needs, loaded in one read.
type Snapshot struct {
	UserID              string
	OnboardingCompleted bool
	// HasSubscription is false when the user never checked out.
	HasSubscription bool
	Status          subscription.Status
	Plan            string
	Usage           model.UsageCounters
}

// SnapshotReader loads user, subscription and current-month usage together.
type SnapshotReader interface {
	LoadSnapshot(ctx context.Context, userID, month string) (*Snapshot, error)
}

const snapshotQuery = `
SELECT
	u.id                    AS user_id,
	u.onboarding_completed  AS onboarding_completed,
	s.status                AS subscription_status,
	s.plan                  AS subscription_plan,
	COALESCE(uc.basic_interactions, 0)   AS basic_interactions,
	COALESCE(uc.premium_interactions, 0) AS premium_interactions,
	COALESCE(uc.memories_added, 0)       AS memories_added,
	COALESCE(uc.memories_searched, 0)    AS memories_searched,
	COALESCE(uc.voice_chats, 0)          AS voice_chats,
	COALESCE(uc.videos_generated, 0)     AS videos_generated
FROM users u
LEFT JOIN subscriptions s ON s.user_id = u.id
LEFT JOIN usage_counters uc ON uc.user_id = u.id AND uc.month = ?
WHERE u.id = ?
LIMIT 1`

type snapshotRow struct {
	UserID              string
	OnboardingCompleted bool
	SubscriptionStatus  *string
	SubscriptionPlan    *string
	BasicInteractions   int64
	PremiumInteractions int64
	MemoriesAdded       int64
	MemoriesSearched    int64
	VoiceChats          int64
	VideosGenerated     int64
}

// GormSnapshotReader runs the combined outer-join query against Postgres.
type GormSnapshotReader struct {
	db *gorm.DB
}

func NewGormSnapshotReader(db *gorm.DB) *GormSnapshotReader {
	return &GormSnapshotReader{db: db}
}

func (r *GormSnapshotReader) LoadSnapshot(ctx context.Context, userID, month string) (*Snapshot, error) {
	var rows []snapshotRow
	if err := r.db.WithContext(ctx).Raw(snapshotQuery, month, userID).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrUserNotFound
	}
	row := rows[0]

	snap := &Snapshot{
		UserID:              row.UserID,
		OnboardingCompleted: row.OnboardingCompleted,
		Usage: model.UsageCounters{
			UserID:              row.UserID,
			Month:               month,
			BasicInteractions:   row.BasicInteractions,
			PremiumInteractions: row.PremiumInteractions,
			MemoriesAdded:       row.MemoriesAdded,
			MemoriesSearched:    row.MemoriesSearched,
			VoiceChats:          row.VoiceChats,
			VideosGenerated:     row.VideosGenerated,
		},
	}
	if row.SubscriptionStatus != nil {
		snap.HasSubscription = true
		snap.Status = subscription.Status(*row.SubscriptionStatus)
		if row.SubscriptionPlan != nil {
			snap.Plan = *row.SubscriptionPlan
		}
	}
	return snap, nil
}
