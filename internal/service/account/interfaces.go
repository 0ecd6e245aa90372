package account

import (
	"context"
	"time"

	"github.com/portfolio-risk/api/internal/domain"
	"github.com/portfolio-risk/api/internal/infrastructure/notify"
	"github.com/portfolio-risk/api/internal/infrastructure/redis"
	"github.com/portfolio-risk/api/internal/repository"
)

// Store defines the Redis operations needed by the account service
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Pending verification codes
	SavePendingCode(ctx context.Context, purpose domain.Purpose, userID int64, code domain.PendingCode) error
	GetPendingCode(ctx context.Context, purpose domain.Purpose, userID int64) (*domain.PendingCode, error)
	IncrementCodeAttempts(ctx context.Context, purpose domain.Purpose, userID int64) (int, error)
	DeletePendingCode(ctx context.Context, purpose domain.Purpose, userID int64) error

	// Quotas and resend cooldowns
	Hit(ctx context.Context, key string, limit int, window time.Duration) (redis.Quota, error)
	StartCooldown(ctx context.Context, key string, d time.Duration) (bool, time.Duration, error)

	// Replay protection
	MarkTOTPCodeUsed(ctx context.Context, userID int64, code string) (bool, error)

	// Brute force protection
	IncrementAuthFailed(ctx context.Context, userID int64, lockout time.Duration) (int64, error)
	ResetAuthFailed(ctx context.Context, userID int64) error
	IsLocked(ctx context.Context, userID int64, threshold int) (bool, time.Duration, error)
}

// UserRepository defines the user operations needed by the account service
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByLogin(ctx context.Context, login string) (*domain.User, error)
	Taken(ctx context.Context, username, email string) (bool, bool, error)
	MarkEmailVerified(ctx context.Context, id int64, next domain.RegistrationStatus) error
	MarkPhoneVerified(ctx context.Context, id int64) error
	SetTOTPSecret(ctx context.Context, id int64, sealed string) error
	EnableTOTP(ctx context.Context, id int64) error
	UpdateLastLogin(ctx context.Context, id int64) error
}

// RecoveryRepository defines the recovery code operations needed by the account service
type RecoveryRepository interface {
	ReplaceCodes(ctx context.Context, userID int64, codeHashes []string) error
	GetUnusedCodes(ctx context.Context, userID int64) ([]*domain.RecoveryCode, error)
	MarkCodeUsed(ctx context.Context, userID, codeID int64) (bool, error)
	CountUnusedCodes(ctx context.Context, userID int64) (int64, error)
}

// AuditRepository defines the audit operations needed by the account service
type AuditRepository interface {
	LogEvent(ctx context.Context, event repository.AuditEvent) error
}

// SecretBox seals TOTP secrets at rest
type SecretBox interface {
	Seal(secret string, owner int64) (string, error)
	Open(sealed string, owner int64) (string, error)
}

// PasswordHasher hashes and checks account passwords
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

// TokenIssuer mints access tokens
type TokenIssuer interface {
	Issue(userID int64, username string) (string, error)
	TTL() time.Duration
}

// Notifier hands verification codes to the delivery pipeline
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
}
