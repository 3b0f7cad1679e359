package controller

import (
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"creators_metering/internal/middleware"
	"creators_metering/internal/model"
	"creators_metering/pkg/utils/jwt"
)

const minPasswordLength = 8

type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type TokenInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// WelcomeMailer sends the registration mail.
type WelcomeMailer interface {
	SendWelcomeEmail(email, name string) error
}

type AuthController struct {
	db     *gorm.DB
	secret string
	ttl    time.Duration
	mailer WelcomeMailer
	logger *slog.Logger
}

func NewAuthController(db *gorm.DB, secret string, ttl time.Duration, mailer WelcomeMailer, logger *slog.Logger) *AuthController {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthController{
		db:     db,
		secret: secret,
		ttl:    ttl,
		mailer: mailer,
		logger: logger.With("component", "auth"),
	}
}

// generateUsername derives a URL-friendly username from a display name,
// falling back to the email's local part.
func generateUsername(name, email string) string {
	base := name
	if strings.TrimSpace(base) == "" {
		base, _, _ = strings.Cut(email, "@")
	}
	username := slug.Make(base)
	if username == "" {
		username = "user"
	}
	return username
}

func validateRegistration(input *RegisterInput) error {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if _, err := mail.ParseAddress(input.Email); err != nil {
		return errors.New("A valid email is required")
	}
	if len(input.Password) < minPasswordLength {
		return errors.New("Password must be at least 8 characters")
	}
	return nil
}

func (a *AuthController) Register(c *fiber.Ctx) error {
	input := new(RegisterInput)
	if err := c.BodyParser(input); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid input")
	}
	if err := validateRegistration(input); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	}

	db := a.db.WithContext(c.UserContext())

	var existing int64
	if err := db.Model(&model.User{}).Where("email = ?", input.Email).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return errorJSON(c, fiber.StatusConflict, "Email already exists")
	}

	username := generateUsername(input.Name, input.Email)
	var taken int64
	if err := db.Model(&model.User{}).Where("username = ?", username).Count(&taken).Error; err != nil {
		return err
	}
	if taken > 0 {
		username = username + "-" + uuid.NewString()[:6]
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Could not hash password")
	}

	user := model.User{
		Email:        input.Email,
		Username:     username,
		PasswordHash: string(hashedPassword),
	}
	if err := db.Create(&user).Error; err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Could not create user")
	}

	token, err := jwt.GenerateToken(a.secret, a.ttl, user.ID, user.Email)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Could not generate token")
	}

	if a.mailer != nil {
		go func(email, name string) {
			if err := a.mailer.SendWelcomeEmail(email, name); err != nil {
				a.logger.Warn("welcome email failed", "email", email, "error", err)
			}
		}(user.Email, user.Username)
	}

	a.logger.Info("user registered", "user_id", user.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Registration successful",
		"token":   token,
		"user":    user.GetPublicProfile(),
	})
}

// Token exchanges email and password for a bearer token.
func (a *AuthController) Token(c *fiber.Ctx) error {
	input := new(TokenInput)
	if err := c.BodyParser(input); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid input")
	}

	var user model.User
	err := a.db.WithContext(c.UserContext()).
		Where("email = ?", strings.ToLower(strings.TrimSpace(input.Email))).
		First(&user).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid credentials")
	}

	token, err := jwt.GenerateToken(a.secret, a.ttl, user.ID, user.Email)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Could not generate token")
	}

	return c.JSON(fiber.Map{
		"token":      token,
		"expires_in": int(a.ttl.Seconds()),
		"user":       user.GetPublicProfile(),
	})
}

// GetMe returns the authenticated user's profile.
func (a *AuthController) GetMe(c *fiber.Ctx) error {
	claims := middleware.Claims(c)

	var user model.User
	if err := a.db.WithContext(c.UserContext()).First(&user, "id = ?", claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "User not found")
		}
		return err
	}

	return c.JSON(user.GetPublicProfile())
}

// CompleteOnboarding marks onboarding done, which unlocks metered actions.
func (a *AuthController) CompleteOnboarding(c *fiber.Ctx) error {
	claims := middleware.Claims(c)

	res := a.db.WithContext(c.UserContext()).Model(&model.User{}).
		Where("id = ?", claims.UserID).
		Update("onboarding_completed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errorJSON(c, fiber.StatusNotFound, "User not found")
	}

	return c.JSON(fiber.Map{"onboarding_completed": true})
}
