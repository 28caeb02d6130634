package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"nutrioBack/internal/models"
	"nutrioBack/internal/repositories"
	"nutrioBack/utils"
)

// ResetCodeSender delivers a password reset code to the user.
type ResetCodeSender interface {
	SendResetCode(ctx context.Context, email, code string) error
}

type UserService struct {
	UserRepo     *repositories.UserRepository
	TokenManager *utils.Manager

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Optional; without a sender the code is only logged.
	Mailer ResetCodeSender

	InfoLog  *log.Logger
	ErrorLog *log.Logger
}

const resetCodeTTL = 15 * time.Minute

func (s *UserService) accessTTL() time.Duration {
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return 15 * time.Minute
}

func (s *UserService) refreshTTL() time.Duration {
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return 30 * 24 * time.Hour
}

// Reset codes gate a password change, so they come from crypto/rand.
func generateResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func (s *UserService) SignUp(ctx context.Context, req models.SignUpRequest) (models.User, models.Tokens, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return models.User{}, models.Tokens{}, fmt.Errorf("valid email is required")
	}
	if len(req.Password) < 6 {
		return models.User{}, models.Tokens{}, fmt.Errorf("password must be at least 6 characters")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, models.Tokens{}, err
	}

	user, err := s.UserRepo.CreateUser(ctx, models.User{
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: string(hashedPassword),
	})
	if err != nil {
		return models.User{}, models.Tokens{}, err
	}

	tokens, err := s.issueTokens(ctx, user.ID)
	if err != nil {
		return models.User{}, models.Tokens{}, err
	}
	s.InfoLog.Printf("auth: user %d signed up", user.ID)
	return user, tokens, nil
}

func (s *UserService) SignIn(ctx context.Context, req models.SignInRequest) (models.Tokens, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := s.UserRepo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return models.Tokens{}, models.ErrInvalidCredentials
		}
		return models.Tokens{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return models.Tokens{}, models.ErrInvalidCredentials
	}

	return s.issueTokens(ctx, user.ID)
}

// Refresh rotates both tokens. The presented refresh token stops working.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (models.Tokens, error) {
	session, err := s.UserRepo.SessionByToken(ctx, refreshToken)
	if err != nil {
		return models.Tokens{}, err
	}
	return s.issueTokens(ctx, session.UserID)
}

func (s *UserService) Logout(ctx context.Context, userID int) error {
	return s.UserRepo.ClearSession(ctx, userID)
}

func (s *UserService) GetUserByID(ctx context.Context, id int) (models.User, error) {
	return s.UserRepo.GetUserByID(ctx, id)
}

// RequestReset issues a reset code. Unknown emails are answered as success
// so the endpoint does not leak which accounts exist.
func (s *UserService) RequestReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.UserRepo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			s.InfoLog.Printf("auth: reset requested for unknown email")
			return nil
		}
		return err
	}

	code, err := generateResetCode()
	if err != nil {
		return err
	}
	if err := s.UserRepo.SaveResetCode(ctx, user.ID, code, time.Now().Add(resetCodeTTL)); err != nil {
		return err
	}

	if s.Mailer != nil {
		if err := s.Mailer.SendResetCode(ctx, email, code); err != nil {
			s.ErrorLog.Printf("auth: send reset code user=%d: %v", user.ID, err)
			return fmt.Errorf("send reset code: %w", err)
		}
	} else {
		s.InfoLog.Printf("auth: reset code for user %d: %s", user.ID, code)
	}
	return nil
}

func (s *UserService) VerifyResetCode(ctx context.Context, email, code string) error {
	user, err := s.UserRepo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return models.ErrResetCodeInvalid
		}
		return err
	}
	return s.UserRepo.CheckResetCode(ctx, user.ID, strings.TrimSpace(code))
}

func (s *UserService) ResetPassword(ctx context.Context, req models.ResetPasswordRequest) error {
	if len(req.NewPassword) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	user, err := s.UserRepo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return models.ErrResetCodeInvalid
		}
		return err
	}
	if err := s.UserRepo.ConsumeResetCode(ctx, user.ID, strings.TrimSpace(req.Code)); err != nil {
		return err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.UserRepo.UpdatePassword(ctx, user.ID, string(hashedPassword)); err != nil {
		return err
	}
	s.InfoLog.Printf("auth: password reset for user %d", user.ID)
	return nil
}

func (s *UserService) RegisterDeviceToken(ctx context.Context, userID int, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is required")
	}
	return s.UserRepo.SaveDeviceToken(ctx, userID, token)
}

func (s *UserService) RemoveDeviceToken(ctx context.Context, token string) error {
	return s.UserRepo.DeleteDeviceToken(ctx, strings.TrimSpace(token))
}

func (s *UserService) issueTokens(ctx context.Context, userID int) (models.Tokens, error) {
	access, err := s.TokenManager.NewJWT(userID, s.accessTTL())
	if err != nil {
		return models.Tokens{}, err
	}
	refresh, err := s.TokenManager.NewRefreshToken()
	if err != nil {
		return models.Tokens{}, err
	}

	if err := s.UserRepo.SetSession(ctx, userID, models.Session{
		UserID:       userID,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(s.refreshTTL()),
	}); err != nil {
		return models.Tokens{}, err
	}
	return models.Tokens{AccessToken: access, RefreshToken: refresh}, nil
}
