package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/domain"
	"github.com/portfolio-risk/api/internal/identity"
	"github.com/portfolio-risk/api/internal/infrastructure/redis"
	"github.com/portfolio-risk/api/internal/pkg/apperror"
	"github.com/portfolio-risk/api/internal/repository"
)

const tokenType = "Bearer"

func loginChallengeKey(userID int64) string {
	return fmt.Sprintf("login_challenge:%d", userID)
}

// Login checks the password. Accounts with TOTP get a short-lived challenge
// that login-otp must complete; others receive an access token directly.
func (s *Service) Login(ctx context.Context, req identity.LoginRequest, clientIP, userAgent string) (*identity.LoginResponse, error) {
	login := strings.ToLower(strings.TrimSpace(req.Username))
	if q := s.hit(ctx, "login:"+login, s.cfg.RateLimit.LoginPerHour, loginWindow); !q.Allowed {
		loginsTotal.WithLabelValues("rate_limited").Inc()
		return nil, apperror.TooManyRequestsError(
			fmt.Sprintf("Too many login attempts. Try again in %d seconds.", seconds(q.RetryAfter)),
			"Wait before trying again",
		).WithRetryAfter(seconds(q.RetryAfter))
	}

	user, err := s.deps.Users.GetByLogin(ctx, login)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Failed to look up user", zap.Error(err))
		return nil, apperror.InternalError("Login failed", "Please try again later").WithError(err)
	}
	if user == nil || !s.passwordMatches(req.Password, user) {
		var userID int64
		if user != nil {
			userID = user.ID
		}
		loginsTotal.WithLabelValues("invalid_credentials").Inc()
		s.logEvent(ctx, "login_failed", userID, clientIP, userAgent, false, "invalid_credentials",
			map[string]any{"login": login})
		return nil, apperror.AuthenticationError("Invalid username or password.", "Check your credentials and try again")
	}

	if !user.CanLogin() {
		loginsTotal.WithLabelValues("inactive").Inc()
		s.logEvent(ctx, "login_failed", user.ID, clientIP, userAgent, false, "inactive", nil)
		return nil, apperror.AuthorizationError(
			"Account not activated. Please complete registration.",
			"Continue with step "+user.NextStep(),
		)
	}

	if user.TOTPEnabled {
		if err := s.deps.Store.Set(ctx, loginChallengeKey(user.ID), clientIP, loginChallengeTTL); err != nil {
			s.logger.Error("Failed to store login challenge", zap.Int64("user_id", user.ID), zap.Error(err))
			return nil, apperror.ServiceUnavailableError("Login is temporarily unavailable", "Please try again shortly").WithError(err)
		}
		loginsTotal.WithLabelValues("second_factor_required").Inc()
		s.logEvent(ctx, "login_password_ok", user.ID, clientIP, userAgent, true, "", nil)
		return &identity.LoginResponse{
			Success:          true,
			Message:          "Password verified. Please complete two-factor authentication.",
			UserID:           user.ID,
			Requires2FA:      true,
			AvailableMethods: []string{domain.MethodTOTP, domain.MethodRecovery},
		}, nil
	}

	return s.completeLogin(ctx, user, clientIP, userAgent)
}

// LoginOTP finishes a login started by Login with a TOTP or recovery code.
func (s *Service) LoginOTP(ctx context.Context, req identity.LoginOTPRequest, clientIP, userAgent string) (*identity.LoginResponse, error) {
	if _, err := s.deps.Store.Get(ctx, loginChallengeKey(req.UserID)); err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			s.logger.Error("Failed to load login challenge", zap.Int64("user_id", req.UserID), zap.Error(err))
		}
		return nil, apperror.AuthenticationError("Login session expired", "Log in again with your password")
	}

	user, err := s.getUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	method, left, err := s.checkSecondFactor(ctx, user, req.OTPCode, clientIP, userAgent)
	if err != nil {
		return nil, err
	}
	if method == "" {
		loginsTotal.WithLabelValues("invalid_second_factor").Inc()
		return nil, apperror.AuthenticationError(
			"Invalid verification code. Please try again.",
			strconv.Itoa(left)+" attempts remaining before the account is locked",
		)
	}

	if err := s.deps.Store.Delete(ctx, loginChallengeKey(user.ID)); err != nil {
		s.logger.Warn("Failed to clear login challenge", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	return s.completeLogin(ctx, user, clientIP, userAgent)
}

func (s *Service) completeLogin(ctx context.Context, user *domain.User, clientIP, userAgent string) (*identity.LoginResponse, error) {
	accessToken, err := s.deps.Tokens.Issue(user.ID, user.Username)
	if err != nil {
		s.logger.Error("Failed to issue access token", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, apperror.InternalError("Login failed", "Please try again later").WithError(err)
	}
	if err := s.deps.Users.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("Failed to update last login", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	loginsTotal.WithLabelValues("success").Inc()
	s.logEvent(ctx, "login_success", user.ID, clientIP, userAgent, true, "", nil)

	return &identity.LoginResponse{
		Success:     true,
		Message:     "Login successful!",
		UserID:      user.ID,
		AccessToken: accessToken,
		TokenType:   tokenType,
		ExpiresIn:   int(s.deps.Tokens.TTL().Seconds()),
	}, nil
}

func (s *Service) passwordMatches(password string, user *domain.User) bool {
	ok, err := s.deps.Passwords.Verify(password, user.PasswordHash)
	if err != nil {
		s.logger.Error("Stored password hash is unreadable", zap.Int64("user_id", user.ID), zap.Error(err))
		return false
	}
	return ok
}

// UserStatus reports how far the account got through registration.
func (s *Service) UserStatus(ctx context.Context, userID int64) (*identity.UserStatusResponse, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &identity.UserStatusResponse{
		UserID:             user.ID,
		Username:           user.Username,
		Email:              user.Email,
		PhoneNumber:        user.PhoneNumber,
		RegistrationStatus: string(user.Status),
		EmailVerified:      user.EmailVerified,
		PhoneVerified:      user.PhoneVerified,
		TwoFactorEnabled:   user.TOTPEnabled,
		AvailableMethods:   user.AvailableMethods(),
		NextRequiredStep:   user.NextStep(),
	}, nil
}

// Profile returns the signed-in user.
func (s *Service) Profile(ctx context.Context, userID int64) (*identity.ProfileResponse, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &identity.ProfileResponse{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		FullName: user.FullName,
	}, nil
}
