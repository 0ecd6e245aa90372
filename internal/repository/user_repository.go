package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portfolio-risk/api/internal/domain"
)

// ErrDuplicate is returned when a unique column already holds the value.
var ErrDuplicate = errors.New("duplicate")

// UserRepository defines user data operations
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByLogin(ctx context.Context, login string) (*domain.User, error)
	Taken(ctx context.Context, username, email string) (usernameTaken, emailTaken bool, err error)
	MarkEmailVerified(ctx context.Context, id int64, next domain.RegistrationStatus) error
	MarkPhoneVerified(ctx context.Context, id int64) error
	SetTOTPSecret(ctx context.Context, id int64, sealed string) error
	EnableTOTP(ctx context.Context, id int64) error
	UpdateLastLogin(ctx context.Context, id int64) error
}

type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `id, username, email, full_name, COALESCE(phone_number, ''), password_hash,
	COALESCE(totp_secret_encrypted, ''), totp_enabled, email_verified, phone_verified,
	registration_status, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var status string
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.FullName, &u.PhoneNumber, &u.PasswordHash,
		&u.TOTPSecretEncrypted, &u.TOTPEnabled, &u.EmailVerified, &u.PhoneVerified,
		&status, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Status = domain.RegistrationStatus(status)
	return &u, nil
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	var phone *string
	if user.PhoneNumber != "" {
		phone = &user.PhoneNumber
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (username, email, full_name, phone_number, password_hash, registration_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		user.Username, user.Email, user.FullName, phone, user.PasswordHash, string(user.Status),
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create user: %w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return u, nil
}

// GetByLogin matches either username or email, case-insensitively.
func (r *userRepository) GetByLogin(ctx context.Context, login string) (*domain.User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1 OR lower(email) = $1`, login))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", login, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by login: %w", err)
	}
	return u, nil
}

func (r *userRepository) Taken(ctx context.Context, username, email string) (bool, bool, error) {
	var usernameTaken, emailTaken bool
	err := r.pool.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM users WHERE username = $1),
			EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($2))`,
		username, email,
	).Scan(&usernameTaken, &emailTaken)
	if err != nil {
		return false, false, fmt.Errorf("check existing user: %w", err)
	}
	return usernameTaken, emailTaken, nil
}

func (r *userRepository) MarkEmailVerified(ctx context.Context, id int64, next domain.RegistrationStatus) error {
	return r.exec(ctx, "mark email verified", `
		UPDATE users SET email_verified = TRUE, registration_status = $2, updated_at = now()
		WHERE id = $1`, id, string(next))
}

func (r *userRepository) MarkPhoneVerified(ctx context.Context, id int64) error {
	return r.exec(ctx, "mark phone verified", `
		UPDATE users SET phone_verified = TRUE, registration_status = $2, updated_at = now()
		WHERE id = $1`, id, string(domain.StatusPendingTOTP))
}

func (r *userRepository) SetTOTPSecret(ctx context.Context, id int64, sealed string) error {
	return r.exec(ctx, "set totp secret", `
		UPDATE users SET totp_secret_encrypted = $2, totp_enabled = FALSE, updated_at = now()
		WHERE id = $1`, id, sealed)
}

func (r *userRepository) EnableTOTP(ctx context.Context, id int64) error {
	return r.exec(ctx, "enable totp", `
		UPDATE users SET totp_enabled = TRUE, registration_status = $2, updated_at = now()
		WHERE id = $1 AND totp_secret_encrypted IS NOT NULL`, id, string(domain.StatusActive))
}

func (r *userRepository) UpdateLastLogin(ctx context.Context, id int64) error {
	return r.exec(ctx, "update last login", `UPDATE users SET last_login_at = now() WHERE id = $1`, id)
}

func (r *userRepository) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
