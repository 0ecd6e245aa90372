package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/portfolio-risk/api/internal/domain"
	"github.com/portfolio-risk/api/internal/infrastructure/notify"
	"github.com/portfolio-risk/api/internal/infrastructure/redis"
	"github.com/portfolio-risk/api/internal/repository"
)

// MockStore implements Store with maps. Quotas and cooldowns never expire.
type MockStore struct {
	Values       map[string]string
	Pending      map[string]*domain.PendingCode
	Hits         map[string]int64
	Cooldowns    map[string]bool
	UsedCodes    map[string]bool
	FailedCounts map[int64]int64

	// Error injection
	HitErr         error
	SavePendingErr error
}

func NewMockStore() *MockStore {
	return &MockStore{
		Values:       make(map[string]string),
		Pending:      make(map[string]*domain.PendingCode),
		Hits:         make(map[string]int64),
		Cooldowns:    make(map[string]bool),
		UsedCodes:    make(map[string]bool),
		FailedCounts: make(map[int64]int64),
	}
}

func (m *MockStore) Get(ctx context.Context, key string) (string, error) {
	if v, ok := m.Values[key]; ok {
		return v, nil
	}
	return "", redis.ErrNotFound
}

func (m *MockStore) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	m.Values[key] = fmt.Sprint(value)
	return nil
}

func (m *MockStore) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.Values, k)
	}
	return nil
}

func (m *MockStore) SavePendingCode(ctx context.Context, purpose domain.Purpose, userID int64, code domain.PendingCode) error {
	if m.SavePendingErr != nil {
		return m.SavePendingErr
	}
	m.Pending[redis.PendingCodeKey(purpose, userID)] = &code
	return nil
}

func (m *MockStore) GetPendingCode(ctx context.Context, purpose domain.Purpose, userID int64) (*domain.PendingCode, error) {
	if p, ok := m.Pending[redis.PendingCodeKey(purpose, userID)]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, redis.ErrNotFound
}

func (m *MockStore) IncrementCodeAttempts(ctx context.Context, purpose domain.Purpose, userID int64) (int, error) {
	p, ok := m.Pending[redis.PendingCodeKey(purpose, userID)]
	if !ok {
		return 0, redis.ErrNotFound
	}
	p.Attempts++
	return p.Attempts, nil
}

func (m *MockStore) DeletePendingCode(ctx context.Context, purpose domain.Purpose, userID int64) error {
	delete(m.Pending, redis.PendingCodeKey(purpose, userID))
	return nil
}

func (m *MockStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (redis.Quota, error) {
	if m.HitErr != nil {
		return redis.Quota{}, m.HitErr
	}
	m.Hits[key]++
	n := m.Hits[key]
	if n > int64(limit) {
		return redis.Quota{Count: n, RetryAfter: window}, nil
	}
	return redis.Quota{Allowed: true, Count: n}, nil
}

func (m *MockStore) StartCooldown(ctx context.Context, key string, d time.Duration) (bool, time.Duration, error) {
	if m.Cooldowns[key] {
		return false, d, nil
	}
	m.Cooldowns[key] = true
	return true, 0, nil
}

func (m *MockStore) MarkTOTPCodeUsed(ctx context.Context, userID int64, code string) (bool, error) {
	key := redis.TOTPReplayKey(userID, code)
	if m.UsedCodes[key] {
		return false, nil // Already used (replay)
	}
	m.UsedCodes[key] = true
	return true, nil
}

func (m *MockStore) IncrementAuthFailed(ctx context.Context, userID int64, lockout time.Duration) (int64, error) {
	m.FailedCounts[userID]++
	return m.FailedCounts[userID], nil
}

func (m *MockStore) ResetAuthFailed(ctx context.Context, userID int64) error {
	delete(m.FailedCounts, userID)
	return nil
}

func (m *MockStore) IsLocked(ctx context.Context, userID int64, threshold int) (bool, time.Duration, error) {
	if m.FailedCounts[userID] >= int64(threshold) {
		return true, 10 * time.Minute, nil
	}
	return false, 0, nil
}

// MockUserRepository implements UserRepository
type MockUserRepository struct {
	Users  map[int64]*domain.User
	nextID int64

	CreateErr error
}

func NewMockUserRepository() *MockUserRepository {
	return &MockUserRepository{Users: make(map[int64]*domain.User), nextID: 100}
}

func (m *MockUserRepository) Create(ctx context.Context, user *domain.User) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.nextID++
	user.ID = m.nextID
	cp := *user
	m.Users[user.ID] = &cp
	return nil
}

func (m *MockUserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	if u, ok := m.Users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (m *MockUserRepository) GetByLogin(ctx context.Context, login string) (*domain.User, error) {
	for _, u := range m.Users {
		if u.Username == login || strings.EqualFold(u.Email, login) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *MockUserRepository) Taken(ctx context.Context, username, email string) (bool, bool, error) {
	var usernameTaken, emailTaken bool
	for _, u := range m.Users {
		usernameTaken = usernameTaken || u.Username == username
		emailTaken = emailTaken || strings.EqualFold(u.Email, email)
	}
	return usernameTaken, emailTaken, nil
}

func (m *MockUserRepository) update(id int64, fn func(u *domain.User)) error {
	u, ok := m.Users[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(u)
	return nil
}

func (m *MockUserRepository) MarkEmailVerified(ctx context.Context, id int64, next domain.RegistrationStatus) error {
	return m.update(id, func(u *domain.User) { u.EmailVerified = true; u.Status = next })
}

func (m *MockUserRepository) MarkPhoneVerified(ctx context.Context, id int64) error {
	return m.update(id, func(u *domain.User) { u.PhoneVerified = true; u.Status = domain.StatusPendingTOTP })
}

func (m *MockUserRepository) SetTOTPSecret(ctx context.Context, id int64, sealed string) error {
	return m.update(id, func(u *domain.User) { u.TOTPSecretEncrypted = sealed; u.TOTPEnabled = false })
}

func (m *MockUserRepository) EnableTOTP(ctx context.Context, id int64) error {
	return m.update(id, func(u *domain.User) { u.TOTPEnabled = true; u.Status = domain.StatusActive })
}

func (m *MockUserRepository) UpdateLastLogin(ctx context.Context, id int64) error {
	now := time.Now()
	return m.update(id, func(u *domain.User) { u.LastLoginAt = &now })
}

// MockRecoveryRepository implements RecoveryRepository
type MockRecoveryRepository struct {
	Codes  map[int64][]*domain.RecoveryCode
	nextID int64
}

func NewMockRecoveryRepository() *MockRecoveryRepository {
	return &MockRecoveryRepository{Codes: make(map[int64][]*domain.RecoveryCode)}
}

func (m *MockRecoveryRepository) ReplaceCodes(ctx context.Context, userID int64, codeHashes []string) error {
	codes := make([]*domain.RecoveryCode, len(codeHashes))
	for i, h := range codeHashes {
		m.nextID++
		codes[i] = &domain.RecoveryCode{ID: m.nextID, UserID: userID, CodeHash: h, CodeIndex: i}
	}
	m.Codes[userID] = codes
	return nil
}

func (m *MockRecoveryRepository) GetUnusedCodes(ctx context.Context, userID int64) ([]*domain.RecoveryCode, error) {
	var unused []*domain.RecoveryCode
	for _, c := range m.Codes[userID] {
		if !c.IsUsed() {
			unused = append(unused, c)
		}
	}
	return unused, nil
}

func (m *MockRecoveryRepository) MarkCodeUsed(ctx context.Context, userID, codeID int64) (bool, error) {
	for _, c := range m.Codes[userID] {
		if c.ID == codeID && !c.IsUsed() {
			now := time.Now()
			c.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *MockRecoveryRepository) CountUnusedCodes(ctx context.Context, userID int64) (int64, error) {
	var n int64
	for _, c := range m.Codes[userID] {
		if !c.IsUsed() {
			n++
		}
	}
	return n, nil
}

// MockAuditRepository records events
type MockAuditRepository struct {
	mu     sync.Mutex
	Events []repository.AuditEvent
}

func (m *MockAuditRepository) LogEvent(ctx context.Context, event repository.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockAuditRepository) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.Events))
	for i, e := range m.Events {
		types[i] = e.EventType
	}
	return types
}

// MockBox implements SecretBox
type MockBox struct{}

func (MockBox) Seal(secret string, owner int64) (string, error) {
	return fmt.Sprintf("sealed:%d:%s", owner, secret), nil
}

func (MockBox) Open(sealed string, owner int64) (string, error) {
	prefix := fmt.Sprintf("sealed:%d:", owner)
	if !strings.HasPrefix(sealed, prefix) {
		return "", errors.New("invalid sealed value")
	}
	return strings.TrimPrefix(sealed, prefix), nil
}

// MockPasswordHasher implements PasswordHasher
type MockPasswordHasher struct{}

func (MockPasswordHasher) Hash(password string) (string, error) {
	return "hashed:" + password, nil
}

func (MockPasswordHasher) Verify(password, encoded string) (bool, error) {
	return encoded == "hashed:"+password, nil
}

// MockTokenIssuer implements TokenIssuer
type MockTokenIssuer struct{}

func (MockTokenIssuer) Issue(userID int64, username string) (string, error) {
	return fmt.Sprintf("token-%d-%s", userID, username), nil
}

func (MockTokenIssuer) TTL() time.Duration { return 30 * time.Minute }

// MockNotifier captures sent messages
type MockNotifier struct {
	Sent    []notify.Message
	SendErr error
}

func (m *MockNotifier) Send(ctx context.Context, msg notify.Message) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// LastCode returns the plain code of the last message sent on channel.
func (m *MockNotifier) LastCode(channel domain.Channel) string {
	for i := len(m.Sent) - 1; i >= 0; i-- {
		if m.Sent[i].Channel == channel {
			return m.Sent[i].Code
		}
	}
	return ""
}
