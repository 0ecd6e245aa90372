// Package identity is the HTTP transport to the identity service. Every
// response is decoded here into a tagged result; callers never see raw
// payloads.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pquerna/otp"
	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/config"
	"github.com/portfolio-risk/api/internal/credential"
	"github.com/portfolio-risk/api/internal/registration"
)

const maxResponseBytes = 1 << 20

// Client talks to the identity service. It implements registration.Gateway.
type Client struct {
	cfg        config.IdentityConfig
	httpClient *http.Client
	breaker    *Breaker
	creds      *credential.Credentials
	logger     *zap.Logger
	now        func() time.Time
}

var _ registration.Gateway = (*Client)(nil)

// NewClient creates a client. creds may be nil when login is not used.
func NewClient(cfg config.IdentityConfig, creds *credential.Credentials, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "identity_client"))

	breaker := NewBreaker(BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		OnStateChange: func(from, to BreakerState) {
			clientBreakerState.Set(float64(to))
			logger.Warn("identity breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		creds:      creds,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Breaker exposes the circuit breaker, for health reporting.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

func (c *Client) RegisterAccount(ctx context.Context, req registration.AccountRequest) registration.Result[registration.AccountCreated] {
	var resp RegisterResponse
	in := RegisterRequest{
		Username:    req.Username,
		Email:       req.Email,
		FullName:    req.FullName,
		PhoneNumber: req.Phone,
		Password:    req.Password,
	}
	if f := c.call(ctx, call{method: http.MethodPost, path: PathRegister, in: in, out: &resp, requireSuccess: true}); f != nil {
		return registration.Err[registration.AccountCreated](f.Kind, f.Message)
	}
	if resp.UserID <= 0 {
		return registration.Err[registration.AccountCreated](registration.KindUnknown, "Identity service did not return a user id")
	}
	return registration.Ok(registration.AccountCreated{UserID: resp.UserID, Message: resp.Message})
}

func (c *Client) VerifyCode(ctx context.Context, channel registration.Channel, userID int64, code string) registration.Result[registration.Ack] {
	path := PathVerifyEmail
	if channel == registration.ChannelSMS {
		path = PathVerifyPhone
	}
	var resp VerificationResponse
	if f := c.call(ctx, call{method: http.MethodPost, path: path, in: CodeRequest{UserID: userID, Code: code}, out: &resp, requireSuccess: true}); f != nil {
		return registration.Err[registration.Ack](f.Kind, f.Message)
	}
	return registration.Ok(registration.Ack{Message: resp.Message})
}

func (c *Client) SetupTOTP(ctx context.Context, userID int64) registration.Result[registration.Provisioned] {
	var resp SetupTOTPResponse
	if f := c.call(ctx, call{method: http.MethodPost, path: PathSetupTOTP, in: SetupTOTPRequest{UserID: userID}, out: &resp, requireSuccess: true}); f != nil {
		return registration.Err[registration.Provisioned](f.Kind, f.Message)
	}

	prov := registration.Provisioning{QRCode: resp.QRCode, Secret: resp.Secret, OTPAuthURL: resp.OTPAuthURL}
	if resp.OTPAuthURL != "" {
		key, err := otp.NewKeyFromURL(resp.OTPAuthURL)
		if err != nil {
			return registration.Err[registration.Provisioned](registration.KindUnknown, "Identity service returned an invalid provisioning URI")
		}
		prov.Issuer = key.Issuer()
		prov.AccountName = key.AccountName()
		prov.Secret = key.Secret()
	}
	if prov.Secret == "" && prov.QRCode == "" {
		return registration.Err[registration.Provisioned](registration.KindUnknown, "Identity service returned no provisioning data")
	}
	if len(resp.BackupCodes) == 0 {
		return registration.Err[registration.Provisioned](registration.KindUnknown, "Identity service returned no recovery codes")
	}
	return registration.Ok(registration.Provisioned{Provisioning: prov, RecoveryCodes: resp.BackupCodes})
}

func (c *Client) VerifyTOTP(ctx context.Context, userID int64, code string) registration.Result[registration.Ack] {
	var resp VerificationResponse
	if f := c.call(ctx, call{method: http.MethodPost, path: PathVerifyTOTP, in: VerifyTOTPRequest{UserID: userID, TOTPCode: code}, out: &resp, requireSuccess: true}); f != nil {
		return registration.Err[registration.Ack](f.Kind, f.Message)
	}
	return registration.Ok(registration.Ack{Message: resp.Message})
}

func (c *Client) RequestOTP(ctx context.Context, userID int64, channel registration.Channel) registration.Result[registration.Ack] {
	var resp VerificationResponse
	in := RequestOTPRequest{UserID: userID, Method: string(channel)}
	if f := c.call(ctx, call{method: http.MethodPost, path: PathRequestOTP, in: in, out: &resp, requireSuccess: true}); f != nil {
		return registration.Err[registration.Ack](f.Kind, f.Message)
	}
	return registration.Ok(registration.Ack{Message: resp.Message})
}

// Login checks username and password. When the account has no second factor
// the access token is stored in the client's credentials.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	var resp LoginResponse
	if f := c.call(ctx, call{method: http.MethodPost, path: PathLogin, in: LoginRequest{Username: username, Password: password}, out: &resp, requireSuccess: true}); f != nil {
		return resp, f
	}
	return resp, c.keepToken(ctx, resp)
}

// LoginOTP completes a login that required a TOTP or recovery code.
func (c *Client) LoginOTP(ctx context.Context, userID int64, code string) (LoginResponse, error) {
	var resp LoginResponse
	if f := c.call(ctx, call{method: http.MethodPost, path: PathLoginOTP, in: LoginOTPRequest{UserID: userID, OTPCode: code}, out: &resp, requireSuccess: true}); f != nil {
		return resp, f
	}
	return resp, c.keepToken(ctx, resp)
}

// Logout forgets the stored token.
func (c *Client) Logout(ctx context.Context) error {
	if c.creds == nil {
		return nil
	}
	return c.creds.Clear(ctx)
}

// UserStatus returns how far a user got through registration.
func (c *Client) UserStatus(ctx context.Context, userID int64) (UserStatusResponse, error) {
	var resp UserStatusResponse
	path := PathUserStatus + strconv.FormatInt(userID, 10)
	if f := c.call(ctx, call{method: http.MethodGet, path: path, out: &resp}); f != nil {
		return resp, f
	}
	return resp, nil
}

// Profile returns the logged in user. A rejected token is forgotten.
func (c *Client) Profile(ctx context.Context) (ProfileResponse, error) {
	var resp ProfileResponse
	f := c.call(ctx, call{method: http.MethodGet, path: PathMe, out: &resp, auth: true})
	if f == nil {
		return resp, nil
	}
	if f.Kind == registration.KindRejected && c.creds != nil {
		if err := c.creds.Clear(ctx); err != nil {
			c.logger.Warn("failed to clear rejected credentials", zap.Error(err))
		}
	}
	return resp, f
}

func (c *Client) keepToken(ctx context.Context, resp LoginResponse) error {
	if resp.AccessToken == "" || c.creds == nil {
		return nil
	}
	tok := credential.Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		UserID:      resp.UserID,
	}
	if resp.ExpiresIn > 0 {
		tok.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if err := c.creds.Save(ctx, tok); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	return nil
}

type call struct {
	method         string
	path           string
	in             any
	out            any
	requireSuccess bool
	auth           bool
}

func (c *Client) call(ctx context.Context, req call) *registration.Failure {
	f := c.exchange(ctx, req)
	outcome := "ok"
	if f != nil {
		outcome = string(f.Kind)
	}
	clientRequestsTotal.WithLabelValues(metricPath(req.path), outcome).Inc()
	return f
}

func (c *Client) exchange(ctx context.Context, req call) *registration.Failure {
	var payload []byte
	if req.in != nil {
		var err error
		if payload, err = json.Marshal(req.in); err != nil {
			return &registration.Failure{Kind: registration.KindUnknown, Message: "Could not encode request"}
		}
	}

	var bearer string
	if req.auth {
		if c.creds == nil {
			return &registration.Failure{Kind: registration.KindRejected, Message: "Not logged in"}
		}
		tok, err := c.creds.Load(ctx)
		if err != nil {
			return &registration.Failure{Kind: registration.KindRejected, Message: "Not logged in"}
		}
		bearer = tok.AccessToken
	}

	if !c.breaker.Allow() {
		return &registration.Failure{
			Kind:    registration.KindNetwork,
			Message: fmt.Sprintf("Identity service is unavailable. Try again in %s.", c.breaker.RetryIn().Round(time.Second)),
		}
	}

	var (
		status int
		header http.Header
		raw    []byte
		err    error
	)
	delay := c.cfg.RetryInitialDelay
	for attempt := 1; ; attempt++ {
		status, header, raw, err = c.roundTrip(ctx, req.method, req.path, payload, bearer)
		if !retryable(req.method, status, header, err) || attempt >= c.cfg.RetryAttempts || ctx.Err() != nil {
			break
		}

		clientRetriesTotal.WithLabelValues(metricPath(req.path)).Inc()
		c.logger.Debug("retrying identity call",
			zap.String("path", req.path),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
	}

	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("identity call failed", zap.String("path", req.path), zap.Error(err))
		if errors.Is(err, context.Canceled) {
			return &registration.Failure{Kind: registration.KindNetwork, Message: "Request was cancelled"}
		}
		return &registration.Failure{Kind: registration.KindNetwork, Message: "Could not reach the identity service. Check your connection and try again."}
	}
	if status >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
		c.logger.Warn("identity service error", zap.String("path", req.path), zap.Int("status", status))
		var env envelope
		_ = json.Unmarshal(raw, &env)
		msg := env.text()
		if msg == "" {
			msg = fmt.Sprintf("Identity service error (status %d). Please try again.", status)
		}
		return &registration.Failure{Kind: registration.KindNetwork, Message: msg}
	}

	c.breaker.RecordSuccess()
	return decode(status, raw, req.out, req.requireSuccess)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, bearer string) (int, http.Header, []byte, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, resp.Header, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, raw, nil
}

// retryable reports whether a failed attempt may be sent again. Writes are
// retried only when the server cannot have acted on them: the connection was
// never established, or it answered 503 with a Retry-After. Reads also retry
// gateway errors and dropped connections.
func retryable(method string, status int, header http.Header, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		return notSent(err) || method == http.MethodGet
	}
	switch status {
	case http.StatusServiceUnavailable:
		return method == http.MethodGet || header.Get("Retry-After") != ""
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return method == http.MethodGet
	}
	return false
}

// notSent reports whether err happened before the request left the client.
func notSent(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// decode maps a completed response onto a failure, or fills out.
func decode(status int, raw []byte, out any, requireSuccess bool) *registration.Failure {
	var env envelope
	parseErr := json.Unmarshal(raw, &env)

	switch {
	case status >= 200 && status < 300:
		if parseErr != nil {
			return &registration.Failure{Kind: registration.KindUnknown, Message: "Unexpected response from the identity service"}
		}
		if env.Success != nil && !*env.Success {
			msg := env.text()
			if msg == "" {
				msg = "The request was declined"
			}
			return &registration.Failure{Kind: registration.KindRejected, Message: msg}
		}
		if requireSuccess && env.Success == nil {
			return &registration.Failure{Kind: registration.KindUnknown, Message: "Unexpected response from the identity service"}
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return &registration.Failure{Kind: registration.KindUnknown, Message: "Unexpected response from the identity service"}
			}
		}
		return nil
	case status >= 400 && status < 500:
		msg := env.text()
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &registration.Failure{Kind: registration.KindRejected, Message: msg}
	}
	return &registration.Failure{
		Kind:    registration.KindUnknown,
		Message: fmt.Sprintf("Unexpected status %d from the identity service", status),
	}
}

func metricPath(path string) string {
	if strings.HasPrefix(path, PathUserStatus) {
		return strings.TrimSuffix(PathUserStatus, "/")
	}
	return path
}
