package account

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/domain"
	"github.com/portfolio-risk/api/internal/identity"
	"github.com/portfolio-risk/api/internal/infrastructure/recovery"
	"github.com/portfolio-risk/api/internal/infrastructure/totp"
	"github.com/portfolio-risk/api/internal/pkg/apperror"
	"github.com/portfolio-risk/api/internal/pkg/validation"
)

const lowRecoveryCodes = 2

// SetupTOTP provisions a new authenticator secret and recovery codes. It can
// be repeated until the secret is confirmed; each call replaces the last.
func (s *Service) SetupTOTP(ctx context.Context, req identity.SetupTOTPRequest, clientIP, userAgent string) (*identity.SetupTOTPResponse, error) {
	user, err := s.getUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.TOTPEnabled {
		return nil, apperror.ConflictError("Two-factor authentication is already enabled", "Log in with your authenticator app")
	}
	if !user.ReadyForTOTP() {
		return &identity.SetupTOTPResponse{
			Message: "Please complete email and phone verification first.",
		}, nil
	}

	key, err := totp.Generate(s.cfg.TOTP.Issuer, user.Email)
	if err != nil {
		s.logger.Error("Failed to generate TOTP", zap.Error(err))
		return nil, apperror.InternalError("Failed to generate TOTP setup", "Please try again").WithError(err)
	}
	sealed, err := s.deps.Box.Seal(key.Secret, user.ID)
	if err != nil {
		s.logger.Error("Failed to seal TOTP secret", zap.Error(err))
		return nil, apperror.InternalError("Failed to generate TOTP setup", "Please try again").WithError(err)
	}

	codes, err := recovery.GenerateCodes()
	if err != nil {
		s.logger.Error("Failed to generate recovery codes", zap.Error(err))
		return nil, apperror.InternalError("Failed to generate TOTP setup", "Please try again").WithError(err)
	}
	hashes, err := recovery.HashAll(codes)
	if err != nil {
		s.logger.Error("Failed to hash recovery codes", zap.Error(err))
		return nil, apperror.InternalError("Failed to generate TOTP setup", "Please try again").WithError(err)
	}

	if err := s.deps.Users.SetTOTPSecret(ctx, user.ID, sealed); err != nil {
		s.logger.Error("Failed to store TOTP secret", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, apperror.InternalError("Failed to store TOTP setup", "Please try again").WithError(err)
	}
	if err := s.deps.Recovery.ReplaceCodes(ctx, user.ID, hashes); err != nil {
		s.logger.Error("Failed to store recovery codes", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, apperror.InternalError("Failed to store TOTP setup", "Please try again").WithError(err)
	}

	s.logEvent(ctx, "totp_setup_initiated", user.ID, clientIP, userAgent, true, "", nil)

	return &identity.SetupTOTPResponse{
		Success:     true,
		Message:     "TOTP setup ready. Scan the QR code with your authenticator app and verify.",
		QRCode:      key.QRCode,
		BackupCodes: codes,
		Secret:      key.Secret,
		OTPAuthURL:  key.OTPAuthURL,
	}, nil
}

// VerifyTOTP confirms the provisioned secret with a TOTP or recovery code and
// activates the account.
func (s *Service) VerifyTOTP(ctx context.Context, req identity.VerifyTOTPRequest, clientIP, userAgent string) (*identity.VerificationResponse, error) {
	user, err := s.getUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.TOTPEnabled {
		return &identity.VerificationResponse{
			Success:  true,
			Message:  "Two-factor authentication is already enabled.",
			NextStep: domain.StepLogin,
		}, nil
	}
	if user.TOTPSecretEncrypted == "" {
		return &identity.VerificationResponse{
			Message:  "TOTP not set up. Please set up TOTP first.",
			NextStep: user.NextStep(),
		}, nil
	}

	method, left, err := s.checkSecondFactor(ctx, user, req.TOTPCode, clientIP, userAgent)
	if err != nil {
		return nil, err
	}
	if method == "" {
		return &identity.VerificationResponse{
			Message:           "Invalid verification code. Please try again.",
			AttemptsRemaining: &left,
		}, nil
	}

	if err := s.deps.Users.EnableTOTP(ctx, user.ID); err != nil {
		s.logger.Error("Failed to enable TOTP", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, apperror.InternalError("Failed to enable two-factor authentication", "Please try again").WithError(err)
	}
	s.logEvent(ctx, "totp_setup_completed", user.ID, clientIP, userAgent, true, "", map[string]any{"method": method})

	return &identity.VerificationResponse{
		Success:  true,
		Message:  "Two-factor authentication verified. Registration complete.",
		NextStep: domain.StepLogin,
	}, nil
}

// checkSecondFactor validates a TOTP code or a recovery code for user. It
// returns the method that matched, or "" and the attempts left before lockout.
func (s *Service) checkSecondFactor(ctx context.Context, user *domain.User, code, clientIP, userAgent string) (string, int, error) {
	threshold := s.cfg.Security.LockoutThreshold

	locked, ttl, err := s.deps.Store.IsLocked(ctx, user.ID, threshold)
	if err != nil {
		s.logger.Warn("Failed to check lockout", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	if locked {
		return "", 0, apperror.LockedError(
			"Account temporarily locked",
			fmt.Sprintf("Too many failed attempts. Try again in %d minutes", int(ttl.Minutes())+1),
		).WithRetryAfter(seconds(ttl))
	}

	secret, err := s.deps.Box.Open(user.TOTPSecretEncrypted, user.ID)
	if err != nil {
		s.logger.Error("Failed to open TOTP secret", zap.Int64("user_id", user.ID), zap.Error(err))
		return "", 0, apperror.InternalError("Could not verify the code", "Contact support").WithError(err)
	}

	method := ""
	switch {
	case validation.IsOTPCode(code):
		if totp.Validate(secret, code, s.now()) {
			fresh, err := s.deps.Store.MarkTOTPCodeUsed(ctx, user.ID, code)
			if err != nil {
				s.logger.Warn("Failed to mark TOTP code used", zap.Int64("user_id", user.ID), zap.Error(err))
				fresh = true
			}
			if !fresh {
				secondFactorTotal.WithLabelValues(domain.MethodTOTP, "replay").Inc()
				s.logEvent(ctx, "totp_verify_replay", user.ID, clientIP, userAgent, false, "replay", nil)
				return "", 0, apperror.AuthenticationError(
					"Verification code already used",
					"Wait for the next code (30 seconds)",
				)
			}
			method = domain.MethodTOTP
		}
	case recovery.IsRecoveryCodeFormat(code):
		if ok, err := s.consumeRecoveryCode(ctx, user.ID, code); err != nil {
			return "", 0, err
		} else if ok {
			method = domain.MethodRecovery
		}
	}

	if method != "" {
		secondFactorTotal.WithLabelValues(method, "ok").Inc()
		if err := s.deps.Store.ResetAuthFailed(ctx, user.ID); err != nil {
			s.logger.Warn("Failed to reset failure counter", zap.Int64("user_id", user.ID), zap.Error(err))
		}
		return method, 0, nil
	}

	secondFactorTotal.WithLabelValues("unknown", "invalid").Inc()
	failures, err := s.deps.Store.IncrementAuthFailed(ctx, user.ID, s.cfg.Security.LockoutDuration)
	if err != nil {
		s.logger.Warn("Failed to count second factor failure", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	severity := "INFO"
	if failures >= 3 {
		severity = "WARNING"
	}
	if failures >= int64(threshold) {
		severity = "CRITICAL"
		lockoutsTotal.Inc()
	}
	s.logEvent(ctx, "totp_verify_failed", user.ID, clientIP, userAgent, false, "invalid_code",
		map[string]any{"attempt_count": failures, "severity": severity})

	return "", max(threshold-int(failures), 0), nil
}

// consumeRecoveryCode marks the matching unused recovery code as used.
func (s *Service) consumeRecoveryCode(ctx context.Context, userID int64, code string) (bool, error) {
	codes, err := s.deps.Recovery.GetUnusedCodes(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to load recovery codes", zap.Int64("user_id", userID), zap.Error(err))
		return false, apperror.InternalError("Could not verify the code", "Please try again").WithError(err)
	}
	for _, rc := range codes {
		if !recovery.Matches(rc.CodeHash, code) {
			continue
		}
		used, err := s.deps.Recovery.MarkCodeUsed(ctx, userID, rc.ID)
		if err != nil {
			s.logger.Error("Failed to mark recovery code used", zap.Int64("user_id", userID), zap.Error(err))
			return false, apperror.InternalError("Could not verify the code", "Please try again").WithError(err)
		}
		if used {
			s.warnLowRecoveryCodes(ctx, userID)
		}
		return used, nil
	}
	return false, nil
}

func (s *Service) warnLowRecoveryCodes(ctx context.Context, userID int64) {
	left, err := s.deps.Recovery.CountUnusedCodes(ctx, userID)
	if err != nil {
		s.logger.Warn("Failed to count recovery codes", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if left <= lowRecoveryCodes {
		s.logger.Warn("Recovery codes running low", zap.Int64("user_id", userID), zap.Int64("remaining", left))
	}
}
