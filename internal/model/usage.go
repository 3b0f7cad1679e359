package model

import (
	"time"

	"creators_metering/pkg/subscription"
)

// UsageCounters holds one user's counters for one calendar month ("YYYY-MM").
type UsageCounters struct {
	UserID              string    `json:"user_id" gorm:"primaryKey;type:text"`
	Month               string    `json:"month" gorm:"primaryKey;size:7"`
	BasicInteractions   int64     `json:"basic_interactions" gorm:"not null;default:0"`
	PremiumInteractions int64     `json:"premium_interactions" gorm:"not null;default:0"`
	MemoriesAdded       int64     `json:"memories_added" gorm:"not null;default:0"`
	MemoriesSearched    int64     `json:"memories_searched" gorm:"not null;default:0"`
	VoiceChats          int64     `json:"voice_chats" gorm:"not null;default:0"`
	VideosGenerated     int64     `json:"videos_generated" gorm:"not null;default:0"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (u *UsageCounters) Count(r subscription.Resource) int64 {
	if u == nil {
		return 0
	}
	switch r {
	case subscription.BasicInteractions:
		return u.BasicInteractions
	case subscription.PremiumInteractions:
		return u.PremiumInteractions
	case subscription.MemoriesAdded:
		return u.MemoriesAdded
	case subscription.MemoriesSearched:
		return u.MemoriesSearched
	case subscription.VoiceChats:
		return u.VoiceChats
	case subscription.VideosGenerated:
		return u.VideosGenerated
	}
	return 0
}

// set is used to build the insert half of an increment upsert.
func (u *UsageCounters) set(r subscription.Resource, v int64) {
	switch r {
	case subscription.BasicInteractions:
		u.BasicInteractions = v
	case subscription.PremiumInteractions:
		u.PremiumInteractions = v
	case subscription.MemoriesAdded:
		u.MemoriesAdded = v
	case subscription.MemoriesSearched:
		u.MemoriesSearched = v
	case subscription.VoiceChats:
		u.VoiceChats = v
	case subscription.VideosGenerated:
		u.VideosGenerated = v
	}
}

// NewUsageDelta returns a row carrying delta for r and zero elsewhere.
func NewUsageDelta(userID, month string, r subscription.Resource, delta int64) UsageCounters {
	row := UsageCounters{UserID: userID, Month: month}
	row.set(r, delta)
	return row
}

// MonthKey formats t as the calendar month key used by usage rows.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
