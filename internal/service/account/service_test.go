package account

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/portfolio-risk/api/internal/config"
	"github.com/portfolio-risk/api/internal/domain"
	"github.com/portfolio-risk/api/internal/identity"
	infracrypto "github.com/portfolio-risk/api/internal/infrastructure/crypto"
	"github.com/portfolio-risk/api/internal/infrastructure/recovery"
	"github.com/portfolio-risk/api/internal/infrastructure/totp"
	"github.com/portfolio-risk/api/internal/pkg/apperror"
)

const (
	testIP = "198.51.100.4"
	testUA = "wizard-test/1.0"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	infracrypto.CodeCost = bcrypt.MinCost
	recovery.Cost = bcrypt.MinCost
	os.Exit(m.Run())
}

type fixture struct {
	svc      *Service
	cfg      *config.Config
	store    *MockStore
	users    *MockUserRepository
	codes    *MockRecoveryRepository
	audit    *MockAuditRepository
	notifier *MockNotifier
}

func testConfig() *config.Config {
	return &config.Config{
		TOTP: config.TOTPConfig{Issuer: "PortfolioRisk-Test"},
		Verification: config.VerificationConfig{
			CodeTTL:        5 * time.Minute,
			MaxAttempts:    3,
			ResendCooldown: 60 * time.Second,
		},
		RateLimit: config.RateLimitConfig{
			RegistrationsPerDay: 5,
			EmailOTPPerHour:     6,
			SMSOTPPerHour:       3,
			LoginPerHour:        10,
		},
		Security: config.SecurityConfig{
			LockoutThreshold: 5,
			LockoutDuration:  15 * time.Minute,
		},
	}
}

func createTestService(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg:      testConfig(),
		store:    NewMockStore(),
		users:    NewMockUserRepository(),
		codes:    NewMockRecoveryRepository(),
		audit:    &MockAuditRepository{},
		notifier: &MockNotifier{},
	}
	f.svc = NewServiceWithDeps(f.cfg, Deps{
		Users:     f.users,
		Recovery:  f.codes,
		Audit:     f.audit,
		Store:     f.store,
		Box:       MockBox{},
		Passwords: MockPasswordHasher{},
		Tokens:    MockTokenIssuer{},
		Notifier:  f.notifier,
	}, zap.NewNop())
	f.svc.now = func() time.Time { return testNow }
	return f
}

func registerRequest(username, phone string) identity.RegisterRequest {
	return identity.RegisterRequest{
		Username:    username,
		Email:       username + "@example.com",
		FullName:    "Jane Doe",
		PhoneNumber: phone,
		Password:    "Str0ng!Passw0rd",
	}
}

func (f *fixture) register(t *testing.T, username, phone string) int64 {
	t.Helper()
	resp, err := f.svc.Register(context.Background(), registerRequest(username, phone), testIP, testUA)
	require.NoError(t, err)
	require.True(t, resp.Success)
	return resp.UserID
}

// activeUser stores an account that finished registration and returns its TOTP secret.
func (f *fixture) activeUser(t *testing.T, username string) (*domain.User, string) {
	t.Helper()
	key, err := totp.Generate("PortfolioRisk-Test", username+"@example.com")
	require.NoError(t, err)

	u := &domain.User{
		Username:      username,
		Email:         username + "@example.com",
		FullName:      "Jane Doe",
		PasswordHash:  "hashed:Str0ng!Passw0rd",
		EmailVerified: true,
		TOTPEnabled:   true,
		Status:        domain.StatusActive,
	}
	require.NoError(t, f.users.Create(context.Background(), u))
	sealed, _ := MockBox{}.Seal(key.Secret, u.ID)
	f.users.Users[u.ID].TOTPSecretEncrypted = sealed
	u.TOTPSecretEncrypted = sealed
	return u, key.Secret
}

func requireAppError(t *testing.T, err error, status int) *apperror.AppError {
	t.Helper()
	require.Error(t, err)
	appErr, ok := apperror.As(err)
	require.True(t, ok, "expected *apperror.AppError, got %T", err)
	assert.Equal(t, status, appErr.Status)
	return appErr
}

// === NewService Tests ===

func TestNewService_InvalidSecrets(t *testing.T) {
	cfg := testConfig()
	cfg.TOTP.EncryptionKey = "short"
	cfg.Security.JWTSecret = strings.Repeat("s", 32)
	_, err := NewService(cfg, nil, nil, nil, zap.NewNop())
	assert.Error(t, err)

	cfg.TOTP.EncryptionKey = strings.Repeat("k", 32)
	cfg.Security.JWTSecret = "short"
	_, err = NewService(cfg, nil, nil, nil, zap.NewNop())
	assert.Error(t, err)
}

// === Register Tests ===

func TestRegister_Success(t *testing.T) {
	f := createTestService(t)

	resp, err := f.svc.Register(context.Background(), registerRequest("  Jane_Doe ", "(555) 123-4567"), testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.StepEmailVerification, resp.NextStep)

	stored := f.users.Users[resp.UserID]
	require.NotNil(t, stored)
	assert.Equal(t, "jane_doe", stored.Username)
	assert.Equal(t, "+15551234567", stored.PhoneNumber)
	assert.Equal(t, "hashed:Str0ng!Passw0rd", stored.PasswordHash)
	assert.Equal(t, domain.StatusPendingEmail, stored.Status)

	require.Len(t, f.notifier.Sent, 1)
	msg := f.notifier.Sent[0]
	assert.Equal(t, domain.ChannelEmail, msg.Channel)
	assert.Equal(t, stored.Email, msg.Recipient)
	assert.Len(t, msg.Code, 6)

	pending, err := f.store.GetPendingCode(context.Background(), domain.PurposeEmail, resp.UserID)
	require.NoError(t, err)
	assert.True(t, infracrypto.CodeMatches(pending.Hash, msg.Code))
	assert.Equal(t, 3, pending.MaxAttempts)
	assert.Equal(t, testNow.Add(5*time.Minute), pending.ExpiresAt)

	assert.Contains(t, f.audit.Types(), "register")
}

func TestRegister_Duplicates(t *testing.T) {
	f := createTestService(t)
	f.register(t, "jane", "")

	_, err := f.svc.Register(context.Background(), registerRequest("JANE", ""), testIP, testUA)
	appErr := requireAppError(t, err, http.StatusConflict)
	assert.Equal(t, "Username already registered", appErr.Detail)

	req := registerRequest("john", "")
	req.Email = "Jane@Example.com"
	_, err = f.svc.Register(context.Background(), req, testIP, testUA)
	appErr = requireAppError(t, err, http.StatusConflict)
	assert.Equal(t, "Email already registered", appErr.Detail)
}

func TestRegister_PhoneRequired(t *testing.T) {
	f := createTestService(t)
	f.cfg.Registration.RequirePhone = true

	_, err := f.svc.Register(context.Background(), registerRequest("jane", ""), testIP, testUA)
	appErr := requireAppError(t, err, http.StatusBadRequest)
	assert.Contains(t, appErr.Errors, "phone_number")
}

func TestRegister_RateLimitedPerIP(t *testing.T) {
	f := createTestService(t)
	f.cfg.RateLimit.RegistrationsPerDay = 1
	f.register(t, "first", "")

	_, err := f.svc.Register(context.Background(), registerRequest("second", ""), testIP, testUA)
	appErr := requireAppError(t, err, http.StatusTooManyRequests)
	assert.Equal(t, int((24 * time.Hour).Seconds()), appErr.RetryAfter)

	// another address is unaffected
	_, err = f.svc.Register(context.Background(), registerRequest("third", ""), "203.0.113.9", testUA)
	assert.NoError(t, err)
}

func TestRegister_RateLimitStoreDownFailsOpen(t *testing.T) {
	f := createTestService(t)
	f.store.HitErr = errors.New("redis down")
	f.register(t, "jane", "")
}

func TestRegister_NotifierFailureStillRegisters(t *testing.T) {
	f := createTestService(t)
	f.notifier.SendErr = errors.New("broker unavailable")

	resp, err := f.svc.Register(context.Background(), registerRequest("jane", ""), testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "Request a new verification code")
}

// === VerifyEmail / VerifyPhone Tests ===

func TestVerifyEmail_WithPhoneSendsSMS(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "+15551234567")

	code := f.notifier.LastCode(domain.ChannelEmail)
	resp, err := f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: id, Code: code}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.StepPhoneVerification, resp.NextStep)

	u := f.users.Users[id]
	assert.True(t, u.EmailVerified)
	assert.Equal(t, domain.StatusPendingPhone, u.Status)

	sms := f.notifier.LastCode(domain.ChannelSMS)
	require.NotEmpty(t, sms)

	resp, err = f.svc.VerifyPhone(context.Background(), identity.CodeRequest{UserID: id, Code: sms}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.StepTOTPSetup, resp.NextStep)
	assert.True(t, f.users.Users[id].PhoneVerified)
	assert.Equal(t, domain.StatusPendingTOTP, f.users.Users[id].Status)
}

func TestVerifyEmail_WithoutPhoneGoesToTOTP(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "")

	resp, err := f.svc.VerifyEmail(context.Background(),
		identity.CodeRequest{UserID: id, Code: f.notifier.LastCode(domain.ChannelEmail)}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.StepTOTPSetup, resp.NextStep)
	assert.Equal(t, domain.StatusPendingTOTP, f.users.Users[id].Status)

	// the code is single use
	resp, err = f.svc.VerifyEmail(context.Background(),
		identity.CodeRequest{UserID: id, Code: f.notifier.LastCode(domain.ChannelEmail)}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Email is already verified.", resp.Message)
}

func TestVerifyEmail_WrongCodeCountsDown(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "")
	good := f.notifier.LastCode(domain.ChannelEmail)
	bad := "000000"
	if good == bad {
		bad = "111111"
	}

	for _, want := range []string{"Invalid code. 2 attempts remaining", "Invalid code. 1 attempts remaining"} {
		resp, err := f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: id, Code: bad}, testIP, testUA)
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, want, resp.Message)
		require.NotNil(t, resp.AttemptsRemaining)
	}

	resp, err := f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: id, Code: bad}, testIP, testUA)
	require.NoError(t, err)
	assert.Equal(t, "Invalid code. No attempts remaining", resp.Message)
	assert.Equal(t, 0, *resp.AttemptsRemaining)
	assert.True(t, resp.CanResend)

	// even the right code is refused once exhausted
	resp, err = f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: id, Code: good}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.False(t, f.users.Users[id].EmailVerified)
}

func TestVerifyEmail_Expired(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "")
	code := f.notifier.LastCode(domain.ChannelEmail)

	f.svc.now = func() time.Time { return testNow.Add(6 * time.Minute) }
	resp, err := f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: id, Code: code}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.CanResend)
	assert.Contains(t, resp.Message, "expired")

	require.NoError(t, f.store.DeletePendingCode(context.Background(), domain.PurposeEmail, id))
	f.svc.now = func() time.Time { return testNow }
	resp, err = f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: id, Code: code}, testIP, testUA)
	require.NoError(t, err)
	assert.Contains(t, resp.Message, "expired")
}

func TestVerifyEmail_UnknownUser(t *testing.T) {
	f := createTestService(t)
	_, err := f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: 999, Code: "123456"}, testIP, testUA)
	requireAppError(t, err, http.StatusNotFound)
}

func TestVerifyPhone_BeforeEmail(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "+15551234567")

	resp, err := f.svc.VerifyPhone(context.Background(), identity.CodeRequest{UserID: id, Code: "123456"}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Verify your email first.", resp.Message)
	assert.Equal(t, domain.StepEmailVerification, resp.NextStep)
}

func TestVerify_AttemptRateLimit(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "")
	f.store.Hits["verify:email:"+itoa(id)] = 6

	resp, err := f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: id, Code: "123456"}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 60, resp.ResendCooldown)
}

// === RequestOTP Tests ===

func TestRequestOTP_CooldownAndResend(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "")
	first := f.notifier.LastCode(domain.ChannelEmail)

	resp, err := f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "email"}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.CanResend)
	assert.Equal(t, 60, resp.ResendCooldown)
	assert.Len(t, f.notifier.Sent, 2)

	// the new code replaces the old one
	pending, err := f.store.GetPendingCode(context.Background(), domain.PurposeEmail, id)
	require.NoError(t, err)
	assert.True(t, infracrypto.CodeMatches(pending.Hash, f.notifier.LastCode(domain.ChannelEmail)))
	if first != f.notifier.LastCode(domain.ChannelEmail) {
		assert.False(t, infracrypto.CodeMatches(pending.Hash, first))
	}

	resp, err = f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "email"}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 60, resp.ResendCooldown)
	assert.Contains(t, resp.Message, "Please wait 60 seconds")
	assert.Len(t, f.notifier.Sent, 2)
}

func TestRequestOTP_HourlyQuota(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "+15551234567")
	_, err := f.svc.VerifyEmail(context.Background(),
		identity.CodeRequest{UserID: id, Code: f.notifier.LastCode(domain.ChannelEmail)}, testIP, testUA)
	require.NoError(t, err)
	f.store.Hits["otp:sms:"+itoa(id)] = 3

	resp, err := f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "sms"}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Too many code requests")
	assert.Equal(t, 3600, resp.ResendCooldown)
}

func TestRequestOTP_NotApplicable(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "")

	resp, err := f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "sms"}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "No phone number on this account.", resp.Message)
	assert.Equal(t, domain.StepEmailVerification, resp.NextStep)

	_, err = f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "fax"}, testIP, testUA)
	requireAppError(t, err, http.StatusBadRequest)

	_, err = f.svc.VerifyEmail(context.Background(),
		identity.CodeRequest{UserID: id, Code: f.notifier.LastCode(domain.ChannelEmail)}, testIP, testUA)
	require.NoError(t, err)

	resp, err = f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "email"}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "No verification code is pending.", resp.Message)
	assert.Equal(t, domain.StepTOTPSetup, resp.NextStep)
}

func TestRequestOTP_EmailCodeDeliveredBySMS(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "+15551234567")
	sentBefore := len(f.notifier.Sent)

	resp, err := f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "sms"}, testIP, testUA)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, f.notifier.Sent, sentBefore+1)

	msg := f.notifier.Sent[len(f.notifier.Sent)-1]
	assert.Equal(t, domain.ChannelSMS, msg.Channel)
	assert.Equal(t, "+15551234567", msg.Recipient)
	assert.Equal(t, domain.PurposeEmail, msg.Purpose)

	_, err = f.store.GetPendingCode(context.Background(), domain.PurposePhone, id)
	assert.Error(t, err, "no phone code may be issued before the email is verified")

	verified, err := f.svc.VerifyEmail(context.Background(), identity.CodeRequest{UserID: id, Code: msg.Code}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, verified.Success)
	assert.Equal(t, domain.StepPhoneVerification, verified.NextStep)
}

func TestRequestOTP_PhoneCodeDeliveredByEmail(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "+15551234567")
	_, err := f.svc.VerifyEmail(context.Background(),
		identity.CodeRequest{UserID: id, Code: f.notifier.LastCode(domain.ChannelEmail)}, testIP, testUA)
	require.NoError(t, err)

	resp, err := f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "email"}, testIP, testUA)
	require.NoError(t, err)
	require.True(t, resp.Success)

	msg := f.notifier.Sent[len(f.notifier.Sent)-1]
	assert.Equal(t, domain.ChannelEmail, msg.Channel)
	assert.Equal(t, "jane@example.com", msg.Recipient)
	assert.Equal(t, domain.PurposePhone, msg.Purpose)

	verified, err := f.svc.VerifyPhone(context.Background(), identity.CodeRequest{UserID: id, Code: msg.Code}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, verified.Success)
	assert.Equal(t, domain.StepTOTPSetup, verified.NextStep)
}

func TestRequestOTP_SendFailure(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "")
	f.notifier.SendErr = errors.New("broker unavailable")

	_, err := f.svc.RequestOTP(context.Background(), identity.RequestOTPRequest{UserID: id, Method: "email"}, testIP, testUA)
	requireAppError(t, err, http.StatusServiceUnavailable)
}

// === TOTP Tests ===

func (f *fixture) verifiedUser(t *testing.T, username string) int64 {
	t.Helper()
	id := f.register(t, username, "")
	resp, err := f.svc.VerifyEmail(context.Background(),
		identity.CodeRequest{UserID: id, Code: f.notifier.LastCode(domain.ChannelEmail)}, testIP, testUA)
	require.NoError(t, err)
	require.True(t, resp.Success)
	return id
}

func TestSetupTOTP_RequiresVerifiedContacts(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "")

	resp, err := f.svc.SetupTOTP(context.Background(), identity.SetupTOTPRequest{UserID: id}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.QRCode)
}

func TestSetupTOTP_Success(t *testing.T) {
	f := createTestService(t)
	id := f.verifiedUser(t, "jane")

	resp, err := f.svc.SetupTOTP(context.Background(), identity.SetupTOTPRequest{UserID: id}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.QRCode, "data:image/png;base64,"))
	assert.Contains(t, resp.OTPAuthURL, "issuer=PortfolioRisk-Test")
	assert.Len(t, resp.BackupCodes, recovery.CodeCount)
	assert.NotEmpty(t, resp.Secret)

	u := f.users.Users[id]
	assert.Equal(t, "sealed:"+itoa(id)+":"+resp.Secret, u.TOTPSecretEncrypted)
	assert.False(t, u.TOTPEnabled)
	assert.Equal(t, domain.StepTOTPVerification, u.NextStep())

	stored := f.codes.Codes[id]
	require.Len(t, stored, recovery.CodeCount)
	assert.True(t, recovery.Matches(stored[0].CodeHash, resp.BackupCodes[0]))

	// repeating setup replaces the secret and codes
	again, err := f.svc.SetupTOTP(context.Background(), identity.SetupTOTPRequest{UserID: id}, testIP, testUA)
	require.NoError(t, err)
	assert.NotEqual(t, resp.Secret, again.Secret)
	assert.False(t, recovery.Matches(f.codes.Codes[id][0].CodeHash, resp.BackupCodes[0]))
}

func TestSetupTOTP_AlreadyEnabled(t *testing.T) {
	f := createTestService(t)
	u, _ := f.activeUser(t, "jane")

	_, err := f.svc.SetupTOTP(context.Background(), identity.SetupTOTPRequest{UserID: u.ID}, testIP, testUA)
	requireAppError(t, err, http.StatusConflict)
}

func TestVerifyTOTP_CompletesRegistration(t *testing.T) {
	f := createTestService(t)
	id := f.verifiedUser(t, "jane")
	setup, err := f.svc.SetupTOTP(context.Background(), identity.SetupTOTPRequest{UserID: id}, testIP, testUA)
	require.NoError(t, err)

	code, err := totp.GenerateCodeAt(setup.Secret, testNow)
	require.NoError(t, err)

	resp, err := f.svc.VerifyTOTP(context.Background(), identity.VerifyTOTPRequest{UserID: id, TOTPCode: code}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.StepLogin, resp.NextStep)

	u := f.users.Users[id]
	assert.True(t, u.TOTPEnabled)
	assert.Equal(t, domain.StatusActive, u.Status)
	assert.Contains(t, f.audit.Types(), "totp_setup_completed")

	// retrying after success is harmless
	resp, err = f.svc.VerifyTOTP(context.Background(), identity.VerifyTOTPRequest{UserID: id, TOTPCode: code}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestVerifyTOTP_NotSetUp(t *testing.T) {
	f := createTestService(t)
	id := f.verifiedUser(t, "jane")

	resp, err := f.svc.VerifyTOTP(context.Background(), identity.VerifyTOTPRequest{UserID: id, TOTPCode: "123456"}, testIP, testUA)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.StepTOTPSetup, resp.NextStep)
}

func TestVerifyTOTP_RecoveryCode(t *testing.T) {
	f := createTestService(t)
	id := f.verifiedUser(t, "jane")
	setup, err := f.svc.SetupTOTP(context.Background(), identity.SetupTOTPRequest{UserID: id}, testIP, testUA)
	require.NoError(t, err)

	backup := strings.ToLower(setup.BackupCodes[3])
	resp, err := f.svc.VerifyTOTP(context.Background(), identity.VerifyTOTPRequest{UserID: id, TOTPCode: backup}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	unused, _ := f.codes.GetUnusedCodes(context.Background(), id)
	assert.Len(t, unused, recovery.CodeCount-1)
}

func TestSecondFactor_ReplayRejected(t *testing.T) {
	f := createTestService(t)
	u, secret := f.activeUser(t, "jane")
	code, err := totp.GenerateCodeAt(secret, testNow)
	require.NoError(t, err)

	method, _, err := f.svc.checkSecondFactor(context.Background(), u, code, testIP, testUA)
	require.NoError(t, err)
	assert.Equal(t, domain.MethodTOTP, method)

	_, _, err = f.svc.checkSecondFactor(context.Background(), u, code, testIP, testUA)
	requireAppError(t, err, http.StatusUnauthorized)
	assert.Contains(t, f.audit.Types(), "totp_verify_replay")
}

func TestSecondFactor_LockoutAfterThreshold(t *testing.T) {
	f := createTestService(t)
	u, secret := f.activeUser(t, "jane")

	for i := 1; i <= 5; i++ {
		method, left, err := f.svc.checkSecondFactor(context.Background(), u, "ZZZZ-ZZZZ", testIP, testUA)
		require.NoError(t, err)
		assert.Empty(t, method)
		assert.Equal(t, 5-i, left)
	}

	code, _ := totp.GenerateCodeAt(secret, testNow)
	_, _, err := f.svc.checkSecondFactor(context.Background(), u, code, testIP, testUA)
	appErr := requireAppError(t, err, http.StatusLocked)
	assert.Equal(t, 600, appErr.RetryAfter)
}

func TestSecondFactor_SuccessResetsFailures(t *testing.T) {
	f := createTestService(t)
	u, secret := f.activeUser(t, "jane")

	_, _, err := f.svc.checkSecondFactor(context.Background(), u, "999999", testIP, testUA)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.store.FailedCounts[u.ID])

	code, _ := totp.GenerateCodeAt(secret, testNow)
	method, _, err := f.svc.checkSecondFactor(context.Background(), u, code, testIP, testUA)
	require.NoError(t, err)
	assert.Equal(t, domain.MethodTOTP, method)
	assert.Zero(t, f.store.FailedCounts[u.ID])
}

// === Login Tests ===

func TestLogin_InvalidCredentials(t *testing.T) {
	f := createTestService(t)
	f.activeUser(t, "jane")

	_, err := f.svc.Login(context.Background(), identity.LoginRequest{Username: "jane", Password: "wrong"}, testIP, testUA)
	requireAppError(t, err, http.StatusUnauthorized)

	_, err = f.svc.Login(context.Background(), identity.LoginRequest{Username: "ghost", Password: "x"}, testIP, testUA)
	requireAppError(t, err, http.StatusUnauthorized)
}

func TestLogin_IncompleteRegistration(t *testing.T) {
	f := createTestService(t)
	f.register(t, "jane", "")

	_, err := f.svc.Login(context.Background(), identity.LoginRequest{Username: "jane", Password: "Str0ng!Passw0rd"}, testIP, testUA)
	appErr := requireAppError(t, err, http.StatusForbidden)
	assert.Contains(t, appErr.Action, domain.StepEmailVerification)
}

func TestLogin_SecondFactorFlow(t *testing.T) {
	f := createTestService(t)
	u, secret := f.activeUser(t, "jane")
	ctx := context.Background()

	// no challenge yet
	_, err := f.svc.LoginOTP(ctx, identity.LoginOTPRequest{UserID: u.ID, OTPCode: "123456"}, testIP, testUA)
	requireAppError(t, err, http.StatusUnauthorized)

	resp, err := f.svc.Login(ctx, identity.LoginRequest{Username: "Jane@Example.com", Password: "Str0ng!Passw0rd"}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Requires2FA)
	assert.Empty(t, resp.AccessToken)
	assert.Equal(t, []string{domain.MethodTOTP, domain.MethodRecovery}, resp.AvailableMethods)

	_, err = f.svc.LoginOTP(ctx, identity.LoginOTPRequest{UserID: u.ID, OTPCode: "ABCD-EFGH"}, testIP, testUA)
	requireAppError(t, err, http.StatusUnauthorized)

	code, _ := totp.GenerateCodeAt(secret, testNow)
	resp, err = f.svc.LoginOTP(ctx, identity.LoginOTPRequest{UserID: u.ID, OTPCode: code}, testIP, testUA)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "token-"+itoa(u.ID)+"-jane", resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 1800, resp.ExpiresIn)
	assert.NotNil(t, f.users.Users[u.ID].LastLoginAt)

	// the challenge is consumed
	_, err = f.svc.LoginOTP(ctx, identity.LoginOTPRequest{UserID: u.ID, OTPCode: code}, testIP, testUA)
	requireAppError(t, err, http.StatusUnauthorized)
}

func TestLogin_RateLimited(t *testing.T) {
	f := createTestService(t)
	f.cfg.RateLimit.LoginPerHour = 2
	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(context.Background(), identity.LoginRequest{Username: "jane", Password: "x"}, testIP, testUA)
		requireAppError(t, err, http.StatusUnauthorized)
	}
	_, err := f.svc.Login(context.Background(), identity.LoginRequest{Username: "JANE", Password: "x"}, testIP, testUA)
	requireAppError(t, err, http.StatusTooManyRequests)
}

// === Status / Profile Tests ===

func TestUserStatus(t *testing.T) {
	f := createTestService(t)
	id := f.register(t, "jane", "+15551234567")

	status, err := f.svc.UserStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "pending_email", status.RegistrationStatus)
	assert.Equal(t, domain.StepEmailVerification, status.NextRequiredStep)
	assert.Equal(t, []string{domain.MethodPassword}, status.AvailableMethods)
	assert.False(t, status.TwoFactorEnabled)

	_, err = f.svc.UserStatus(context.Background(), 12345)
	requireAppError(t, err, http.StatusNotFound)
}

func TestProfile(t *testing.T) {
	f := createTestService(t)
	u, _ := f.activeUser(t, "jane")

	p, err := f.svc.Profile(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane", p.Username)
	assert.Equal(t, "Jane Doe", p.FullName)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
