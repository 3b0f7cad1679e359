package seed

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gosimple/slug"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"creators_metering/internal/model"
)

// SeedDemoUser creates an onboarded user with a free subscription row if
// no user with email exists yet. It returns the user either way.
func SeedDemoUser(db *gorm.DB, email, password string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user model.User
	err := db.Where("email = ?", email).First(&user).Error
	if err == nil {
		slog.Info("demo user already present", "user_id", user.ID)
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash demo password: %w", err)
	}

	local, _, _ := strings.Cut(email, "@")
	user = model.User{
		Email:               email,
		Username:            slug.Make(local),
		PasswordHash:        string(hashed),
		OnboardingCompleted: true,
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		sub := model.FreeSubscription(user.ID)
		return tx.Create(&sub).Error
	})
	if err != nil {
		return nil, fmt.Errorf("seed demo user: %w", err)
	}

	slog.Info("demo user seeded", "user_id", user.ID, "email", email)
	return &user, nil
}
