package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/domain"
	"github.com/portfolio-risk/api/internal/identity"
	infracrypto "github.com/portfolio-risk/api/internal/infrastructure/crypto"
	"github.com/portfolio-risk/api/internal/infrastructure/redis"
	"github.com/portfolio-risk/api/internal/pkg/apperror"
	"github.com/portfolio-risk/api/internal/pkg/validation"
	"github.com/portfolio-risk/api/internal/repository"
)

// Register creates a pending account and mails the email verification code.
func (s *Service) Register(ctx context.Context, req identity.RegisterRequest, clientIP, userAgent string) (*identity.RegisterResponse, error) {
	if q := s.hit(ctx, "register:"+clientIP, s.cfg.RateLimit.RegistrationsPerDay, registerWindow); !q.Allowed {
		registrationsTotal.WithLabelValues("rate_limited").Inc()
		return nil, apperror.TooManyRequestsError(
			"Too many registrations from this address",
			"Try again tomorrow",
		).WithRetryAfter(seconds(q.RetryAfter))
	}

	user := &domain.User{
		Username:    strings.ToLower(strings.TrimSpace(req.Username)),
		Email:       strings.TrimSpace(req.Email),
		FullName:    strings.TrimSpace(req.FullName),
		PhoneNumber: validation.NormalizePhone(req.PhoneNumber),
		Status:      domain.StatusPendingEmail,
	}
	if s.cfg.Registration.RequirePhone && user.PhoneNumber == "" {
		return nil, apperror.ValidationError("Phone number is required", "Add a phone number to continue").
			WithErrors(map[string]string{"phone_number": "Phone number is required"})
	}

	usernameTaken, emailTaken, err := s.deps.Users.Taken(ctx, user.Username, user.Email)
	if err != nil {
		s.logger.Error("Failed to check existing user", zap.Error(err))
		return nil, apperror.InternalError("Registration failed", "Please try again later").WithError(err)
	}
	switch {
	case usernameTaken:
		registrationsTotal.WithLabelValues("duplicate").Inc()
		return nil, apperror.ConflictError("Username already registered", "Choose a different username")
	case emailTaken:
		registrationsTotal.WithLabelValues("duplicate").Inc()
		return nil, apperror.ConflictError("Email already registered", "Log in or use a different email")
	}

	user.PasswordHash, err = s.deps.Passwords.Hash(req.Password)
	if err != nil {
		s.logger.Error("Failed to hash password", zap.Error(err))
		return nil, apperror.InternalError("Registration failed", "Please try again later").WithError(err)
	}

	if err := s.deps.Users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			registrationsTotal.WithLabelValues("duplicate").Inc()
			return nil, apperror.ConflictError("Username or email already registered", "Choose different details")
		}
		s.logger.Error("Failed to create user", zap.Error(err))
		return nil, apperror.InternalError("Registration failed", "Please try again later").WithError(err)
	}

	s.logEvent(ctx, "register", user.ID, clientIP, userAgent, true, "", nil)
	registrationsTotal.WithLabelValues("created").Inc()

	message := "Registration successful. Check your email for the verification code."
	if err := s.issueCode(ctx, user, domain.PurposeEmail, domain.ChannelEmail); err != nil {
		s.logger.Error("Failed to send email verification code", zap.Int64("user_id", user.ID), zap.Error(err))
		message = "Registration successful. Request a new verification code to continue."
	}

	return &identity.RegisterResponse{
		Success:  true,
		Message:  message,
		UserID:   user.ID,
		NextStep: domain.StepEmailVerification,
	}, nil
}

// VerifyEmail checks the email code and, when the account has a phone,
// sends the SMS code next.
func (s *Service) VerifyEmail(ctx context.Context, req identity.CodeRequest, clientIP, userAgent string) (*identity.VerificationResponse, error) {
	user, reject, err := s.checkCode(ctx, req, domain.PurposeEmail, clientIP, userAgent)
	if err != nil || reject != nil {
		return reject, err
	}

	next := user.StatusAfterEmail()
	if err := s.deps.Users.MarkEmailVerified(ctx, user.ID, next); err != nil {
		s.logger.Error("Failed to mark email verified", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, apperror.InternalError("Verification failed", "Please try again").WithError(err)
	}
	user.EmailVerified = true
	user.Status = next

	if !user.HasPhone() {
		return &identity.VerificationResponse{
			Success:  true,
			Message:  "Email verified. Set up your authenticator app next.",
			NextStep: domain.StepTOTPSetup,
		}, nil
	}

	message := "Email verified. Enter the code we sent to your phone."
	if err := s.issueCode(ctx, user, domain.PurposePhone, domain.ChannelSMS); err != nil {
		s.logger.Error("Failed to send phone verification code", zap.Int64("user_id", user.ID), zap.Error(err))
		message = "Email verified. Request a phone verification code to continue."
	}
	return &identity.VerificationResponse{
		Success:  true,
		Message:  message,
		NextStep: domain.StepPhoneVerification,
	}, nil
}

// VerifyPhone checks the SMS code.
func (s *Service) VerifyPhone(ctx context.Context, req identity.CodeRequest, clientIP, userAgent string) (*identity.VerificationResponse, error) {
	user, reject, err := s.checkCode(ctx, req, domain.PurposePhone, clientIP, userAgent)
	if err != nil || reject != nil {
		return reject, err
	}

	if err := s.deps.Users.MarkPhoneVerified(ctx, user.ID); err != nil {
		s.logger.Error("Failed to mark phone verified", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, apperror.InternalError("Verification failed", "Please try again").WithError(err)
	}

	return &identity.VerificationResponse{
		Success:  true,
		Message:  "Phone verified. Set up your authenticator app next.",
		NextStep: domain.StepTOTPSetup,
	}, nil
}

// checkCode validates a submitted email or phone code. A non-nil response
// means the code was refused and should be returned to the caller as is.
func (s *Service) checkCode(ctx context.Context, req identity.CodeRequest, purpose domain.Purpose, clientIP, userAgent string) (*domain.User, *identity.VerificationResponse, error) {
	limitKey := fmt.Sprintf("verify:%s:%d", purpose, req.UserID)
	if q := s.hit(ctx, limitKey, s.cfg.Verification.MaxAttempts*2, verifyWindow); !q.Allowed {
		verificationsTotal.WithLabelValues(string(purpose), "rate_limited").Inc()
		return nil, &identity.VerificationResponse{
			Message:        "Too many verification attempts. Please wait before trying again.",
			ResendCooldown: seconds(q.RetryAfter),
		}, nil
	}

	user, err := s.getUser(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	if reject := s.codeNotApplicable(user, purpose); reject != nil {
		return nil, reject, nil
	}

	event := "verify_" + string(purpose)
	pending, err := s.deps.Store.GetPendingCode(ctx, purpose, user.ID)
	if errors.Is(err, redis.ErrNotFound) || (err == nil && s.now().After(pending.ExpiresAt)) {
		verificationsTotal.WithLabelValues(string(purpose), "expired").Inc()
		s.logEvent(ctx, event, user.ID, clientIP, userAgent, false, "expired", nil)
		return nil, &identity.VerificationResponse{
			Message:   "Verification code expired. Request a new code.",
			CanResend: true,
		}, nil
	}
	if err != nil {
		s.logger.Error("Failed to load verification code", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, nil, apperror.InternalError("Verification failed", "Please try again").WithError(err)
	}

	if pending.Exhausted() {
		verificationsTotal.WithLabelValues(string(purpose), "exhausted").Inc()
		return nil, exhausted(), nil
	}

	if !infracrypto.CodeMatches(pending.Hash, req.Code) {
		attempts, err := s.deps.Store.IncrementCodeAttempts(ctx, purpose, user.ID)
		if err != nil {
			s.logger.Warn("Failed to count verification attempt", zap.Int64("user_id", user.ID), zap.Error(err))
			attempts = pending.Attempts + 1
		}
		left := pending.MaxAttempts - attempts
		verificationsTotal.WithLabelValues(string(purpose), "invalid").Inc()
		s.logEvent(ctx, event, user.ID, clientIP, userAgent, false, "invalid_code",
			map[string]any{"attempts_remaining": max(left, 0)})
		if left <= 0 {
			return nil, exhausted(), nil
		}
		return nil, &identity.VerificationResponse{
			Message:           fmt.Sprintf("Invalid code. %d attempts remaining", left),
			AttemptsRemaining: &left,
		}, nil
	}

	if err := s.deps.Store.DeletePendingCode(ctx, purpose, user.ID); err != nil {
		s.logger.Warn("Failed to delete used verification code", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	verificationsTotal.WithLabelValues(string(purpose), "verified").Inc()
	s.logEvent(ctx, event, user.ID, clientIP, userAgent, true, "", nil)
	return user, nil, nil
}

func exhausted() *identity.VerificationResponse {
	zero := 0
	return &identity.VerificationResponse{
		Message:           "Invalid code. No attempts remaining",
		AttemptsRemaining: &zero,
		CanResend:         true,
	}
}

// codeNotApplicable refuses codes for channels that are already verified or
// not yet reachable.
func (s *Service) codeNotApplicable(user *domain.User, purpose domain.Purpose) *identity.VerificationResponse {
	switch {
	case purpose == domain.PurposeEmail && user.EmailVerified:
		return &identity.VerificationResponse{Message: "Email is already verified.", NextStep: user.NextStep()}
	case purpose == domain.PurposePhone && !user.HasPhone():
		return &identity.VerificationResponse{Message: "No phone number on this account.", NextStep: user.NextStep()}
	case purpose == domain.PurposePhone && !user.EmailVerified:
		return &identity.VerificationResponse{Message: "Verify your email first.", NextStep: user.NextStep()}
	case purpose == domain.PurposePhone && user.PhoneVerified:
		return &identity.VerificationResponse{Message: "Phone number is already verified.", NextStep: user.NextStep()}
	}
	return nil
}

// pendingPurpose returns the verification the account is waiting on, or nil
// with a soft failure when no code is outstanding.
func pendingPurpose(user *domain.User) (domain.Purpose, *identity.VerificationResponse) {
	switch user.NextStep() {
	case domain.StepEmailVerification:
		return domain.PurposeEmail, nil
	case domain.StepPhoneVerification:
		return domain.PurposePhone, nil
	}
	return "", &identity.VerificationResponse{Message: "No verification code is pending.", NextStep: user.NextStep()}
}

// RequestOTP re-sends the code for the account's pending verification step.
// Method picks the delivery channel only, so an email code may go out by SMS
// and a phone code by email. Each channel has its own cooldown and hourly quota.
func (s *Service) RequestOTP(ctx context.Context, req identity.RequestOTPRequest, clientIP, userAgent string) (*identity.VerificationResponse, error) {
	channel := domain.Channel(req.Method)
	limit := s.cfg.RateLimit.EmailOTPPerHour
	switch channel {
	case domain.ChannelEmail:
	case domain.ChannelSMS:
		limit = s.cfg.RateLimit.SMSOTPPerHour
	default:
		return nil, apperror.ValidationError("Method must be email or sms", "Choose email or sms")
	}

	user, err := s.getUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	purpose, reject := pendingPurpose(user)
	if reject != nil {
		return reject, nil
	}
	if channel == domain.ChannelSMS && !user.HasPhone() {
		return &identity.VerificationResponse{Message: "No phone number on this account.", NextStep: user.NextStep()}, nil
	}

	key := fmt.Sprintf("otp:%s:%d", channel, user.ID)
	ok, left, err := s.deps.Store.StartCooldown(ctx, key, s.cfg.Verification.ResendCooldown)
	if err != nil {
		s.logger.Warn("cooldown check failed", zap.String("key", key), zap.Error(err))
		ok = true
	}
	if !ok {
		return &identity.VerificationResponse{
			Message:        fmt.Sprintf("Please wait %d seconds before requesting a new code.", seconds(left)),
			ResendCooldown: seconds(left),
		}, nil
	}

	if q := s.hit(ctx, key, limit, otpWindow); !q.Allowed {
		s.logEvent(ctx, "request_otp", user.ID, clientIP, userAgent, false, "rate_limited",
			map[string]any{"channel": channel})
		return &identity.VerificationResponse{
			Message:        fmt.Sprintf("Too many code requests. Try again in %d seconds.", seconds(q.RetryAfter)),
			ResendCooldown: seconds(q.RetryAfter),
		}, nil
	}

	if err := s.issueCode(ctx, user, purpose, channel); err != nil {
		s.logger.Error("Failed to issue verification code", zap.Int64("user_id", user.ID), zap.Error(err))
		s.logEvent(ctx, "request_otp", user.ID, clientIP, userAgent, false, "send_failed",
			map[string]any{"channel": channel})
		return nil, apperror.ServiceUnavailableError(
			fmt.Sprintf("Failed to send verification code via %s", channel),
			"Please try again shortly",
		).WithError(err)
	}

	s.logEvent(ctx, "request_otp", user.ID, clientIP, userAgent, true, "",
		map[string]any{"channel": channel, "purpose": purpose})
	return &identity.VerificationResponse{
		Success:        true,
		Message:        fmt.Sprintf("Verification code sent via %s.", channel),
		CanResend:      true,
		ResendCooldown: seconds(s.cfg.Verification.ResendCooldown),
	}, nil
}

func (s *Service) getUser(ctx context.Context, id int64) (*domain.User, error) {
	user, err := s.deps.Users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.NotFoundError("User")
	}
	if err != nil {
		s.logger.Error("Failed to get user", zap.Int64("user_id", id), zap.Error(err))
		return nil, apperror.InternalError("Could not load the account", "Please try again later").WithError(err)
	}
	return user, nil
}
