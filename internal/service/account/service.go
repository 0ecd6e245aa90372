// Package account implements the identity service behind the registration
// wizard: sign-up, contact verification, TOTP enrolment and login.
package account

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/config"
	"github.com/portfolio-risk/api/internal/domain"
	infracrypto "github.com/portfolio-risk/api/internal/infrastructure/crypto"
	"github.com/portfolio-risk/api/internal/infrastructure/notify"
	"github.com/portfolio-risk/api/internal/infrastructure/redis"
	"github.com/portfolio-risk/api/internal/infrastructure/token"
	"github.com/portfolio-risk/api/internal/pkg/crypto"
	"github.com/portfolio-risk/api/internal/repository"
)

const (
	codeDigits        = 6
	verifyWindow      = time.Minute
	loginWindow       = time.Hour
	registerWindow    = 24 * time.Hour
	otpWindow         = time.Hour
	loginChallengeTTL = 5 * time.Minute
)

// Deps are the collaborators of the service.
type Deps struct {
	Users     UserRepository
	Recovery  RecoveryRepository
	Audit     AuditRepository
	Store     Store
	Box       SecretBox
	Passwords PasswordHasher
	Tokens    TokenIssuer
	Notifier  Notifier
}

// Service handles account registration and authentication
type Service struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new account service with real implementations
func NewService(cfg *config.Config, db *repository.DB, store *redis.Client, notifier notify.Notifier, logger *zap.Logger) (*Service, error) {
	box, err := crypto.NewSecretBox([]byte(cfg.TOTP.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create secret box: %w", err)
	}
	issuer, err := token.NewIssuer(cfg.Security.JWTSecret, cfg.Security.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	return NewServiceWithDeps(cfg, Deps{
		Users:     repository.NewUserRepository(db.Pool),
		Recovery:  repository.NewRecoveryRepository(db.Pool),
		Audit:     repository.NewAuditRepository(db.Pool),
		Store:     store,
		Box:       box,
		Passwords: infracrypto.NewPasswordHasher(infracrypto.DefaultParams()),
		Tokens:    issuer,
		Notifier:  notifier,
	}, logger), nil
}

// NewServiceWithDeps creates a new account service with injected dependencies (for testing)
func NewServiceWithDeps(cfg *config.Config, deps Deps, logger *zap.Logger) *Service {
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "account")),
		now:    time.Now,
	}
}

// issueCode stores a fresh hashed code for purpose and sends the plain code
// over channel.
func (s *Service) issueCode(ctx context.Context, user *domain.User, purpose domain.Purpose, channel domain.Channel) error {
	ttl := s.cfg.Verification.CodeTTL

	code, err := infracrypto.GenerateCode(codeDigits)
	if err != nil {
		return err
	}
	hash, err := infracrypto.HashCode(code)
	if err != nil {
		return err
	}

	pending := domain.PendingCode{
		Hash:        hash,
		MaxAttempts: s.cfg.Verification.MaxAttempts,
		ExpiresAt:   s.now().Add(ttl),
	}
	if err := s.deps.Store.SavePendingCode(ctx, purpose, user.ID, pending); err != nil {
		return fmt.Errorf("store %s code: %w", purpose, err)
	}

	recipient := user.Email
	if channel == domain.ChannelSMS {
		recipient = user.PhoneNumber
	}
	if err := s.deps.Notifier.Send(ctx, notify.NewMessage(channel, recipient, purpose, user.ID, code, ttl)); err != nil {
		codesSentTotal.WithLabelValues(string(channel), "error").Inc()
		return fmt.Errorf("send %s code: %w", channel, err)
	}
	codesSentTotal.WithLabelValues(string(channel), "sent").Inc()
	return nil
}

// hit counts one event against a quota. Store errors fail open.
func (s *Service) hit(ctx context.Context, key string, limit int, window time.Duration) redis.Quota {
	if limit <= 0 {
		return redis.Quota{Allowed: true}
	}
	q, err := s.deps.Store.Hit(ctx, key, limit, window)
	if err != nil {
		s.logger.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
		return redis.Quota{Allowed: true}
	}
	return q
}

// logEvent logs audit events
func (s *Service) logEvent(ctx context.Context, eventType string, userID int64, clientIP, userAgent string, success bool, failureReason string, metadata map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	err := s.deps.Audit.LogEvent(ctx, repository.AuditEvent{
		EventType:     eventType,
		UserID:        userID,
		ClientIP:      clientIP,
		UserAgent:     userAgent,
		Success:       success,
		FailureReason: failureReason,
		Metadata:      metadata,
	})
	if err != nil {
		s.logger.Warn("audit log failed", zap.String("event", eventType), zap.Error(err))
	}
}

// seconds rounds d up to whole seconds for Retry-After style fields.
func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
