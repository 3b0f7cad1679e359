package model

import (
	"time"

	"gorm.io/datatypes"
)

// BillingEvent records processed Stripe webhook deliveries so redeliveries
// are acknowledged without being applied twice.
type BillingEvent struct {
	ID          string         `json:"id" gorm:"primaryKey;type:text"`
	Type        string         `json:"type" gorm:"index;not null"`
	Payload     datatypes.JSON `json:"payload"`
	ProcessedAt time.Time      `json:"processed_at"`
}
