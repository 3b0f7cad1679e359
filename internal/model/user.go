package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID                  string    `json:"id" gorm:"primaryKey;type:text"`
	Email               string    `json:"email" gorm:"uniqueIndex;not null"`
	Username            string    `json:"username" gorm:"uniqueIndex;not null"`
	PasswordHash        string    `json:"-" gorm:"not null"`
	OnboardingCompleted bool      `json:"onboarding_completed" gorm:"default:false"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	Subscription *Subscription `json:"-" gorm:"foreignKey:UserID"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (u *User) GetPublicProfile() map[string]interface{} {
	return map[string]interface{}{
		"id":                   u.ID,
		"email":                u.Email,
		"username":             u.Username,
		"onboarding_completed": u.OnboardingCompleted,
	}
}
