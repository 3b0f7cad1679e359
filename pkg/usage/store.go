// Package usage persists per-user monthly counters and tracks metered
// actions off the request path.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creators_metering/internal/model"
	"creators_metering/pkg/subscription"
)

var ErrInvalidDelta = errors.New("usage delta must be positive")

// Store is the Usage Counter Store. All writes go through Increment.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Increment adds delta to the resource counter of (userID, month) in one
// INSERT ... ON CONFLICT DO UPDATE statement, so concurrent increments
// never lose updates.
func (s *Store) Increment(ctx context.Context, userID, month string, r subscription.Resource, delta int64) error {
	if delta <= 0 {
		return ErrInvalidDelta
	}
	col := r.Column()
	if col == "" {
		return fmt.Errorf("increment: unknown resource %q", r)
	}

	row := model.NewUsageDelta(userID, month, r, delta)
	row.UpdatedAt = s.now()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "month"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			col:          gorm.Expr("usage_counters."+col+" + ?", delta),
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("increment %s for %s/%s: %w", col, userID, month, err)
	}
	return nil
}

// Get returns the counters for (userID, month). A missing row reads as
// all-zero counters.
func (s *Store) Get(ctx context.Context, userID, month string) (*model.UsageCounters, error) {
	var row model.UsageCounters
	err := s.db.WithContext(ctx).Where("user_id = ? AND month = ?", userID, month).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.UsageCounters{UserID: userID, Month: month}, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// History returns every stored month for userID, newest first.
func (s *Store) History(ctx context.Context, userID string) ([]model.UsageCounters, error) {
	var rows []model.UsageCounters
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("month DESC").Find(&rows).Error
	return rows, err
}
