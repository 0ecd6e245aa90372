package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/portfolio-risk/api/internal/identity"
	"github.com/portfolio-risk/api/internal/registration"
)

var errQuit = errors.New("quit")

// accountAPI is the part of the identity client used after registration.
type accountAPI interface {
	Login(ctx context.Context, username, password string) (identity.LoginResponse, error)
	LoginOTP(ctx context.Context, userID int64, code string) (identity.LoginResponse, error)
	Profile(ctx context.Context) (identity.ProfileResponse, error)
}

// wizard renders the registration flow on a line based terminal. Lines
// starting with ':' are commands: :resend, :email, :sms, :reset, :quit.
type wizard struct {
	flow    *registration.Flow
	account accountAPI
	in      *bufio.Scanner
	out     io.Writer

	username string
	password string
}

func newWizard(flow *registration.Flow, account accountAPI, in io.Reader, out io.Writer) *wizard {
	return &wizard{flow: flow, account: account, in: bufio.NewScanner(in), out: out}
}

func (w *wizard) printf(format string, args ...any) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *wizard) prompt(label string) (string, error) {
	w.printf("%s: ", label)
	if !w.in.Scan() {
		if err := w.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	line := strings.TrimSpace(w.in.Text())
	if line == ":quit" {
		return "", errQuit
	}
	return line, nil
}

// Run drives the session until it completes or input ends.
func (w *wizard) Run(ctx context.Context) error {
	for {
		s := w.flow.Session()
		var err error
		switch s.Stage {
		case registration.StageAccountInfo:
			err = w.accountInfo(ctx)
		case registration.StageEmailVerification, registration.StagePhoneVerification:
			err = w.verifyCode(ctx, s)
		case registration.StageTOTPSetup:
			err = w.setupTOTP(ctx)
		case registration.StageTOTPVerification:
			err = w.verifyTOTP(ctx, s)
		case registration.StageComplete:
			w.printf("\nRegistration complete for user %d.\n", s.UserID)
			return nil
		}
		if errors.Is(err, errQuit) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !w.report(err) {
			return err
		}
	}
}

// report prints a failure and says whether the loop should go on.
func (w *wizard) report(err error) bool {
	if f, ok := registration.AsFailure(err); ok {
		if f.Field != "" {
			w.printf("! %s (%s)\n", f.Message, f.Field)
		} else {
			w.printf("! %s\n", f.Message)
		}
		if f.Kind.Retriable() {
			w.printf("  The identity service could not be reached. Try again.\n")
		}
		return true
	}
	if errors.Is(err, registration.ErrIllegalTransition) || errors.Is(err, registration.ErrStaleResult) {
		w.printf("! %v\n", err)
		return true
	}
	return false
}

func (w *wizard) accountInfo(ctx context.Context) error {
	w.printf("\n== Create your account ==\n")
	var in registration.AccountInput
	fields := []struct {
		label string
		dst   *string
	}{
		{"Username", &in.Username},
		{"Email", &in.Email},
		{"Full name", &in.FullName},
		{"Phone (+country code)", &in.Phone},
		{"Password", &in.Password},
		{"Confirm password", &in.ConfirmPassword},
	}
	for _, f := range fields {
		v, err := w.prompt(f.label)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	s, err := w.flow.SubmitAccountInfo(ctx, in)
	if err != nil {
		return err
	}
	w.username, w.password = in.Username, in.Password
	w.printf("Account %d created. A code was sent to %s.\n", s.UserID, s.Email)
	return nil
}

func (w *wizard) verifyCode(ctx context.Context, s registration.Session) error {
	channel := registration.ChannelEmail
	target := s.Email
	if s.Stage == registration.StagePhoneVerification {
		channel, target = registration.ChannelSMS, s.Phone
	}

	now := w.flow.Now()
	w.printf("\n== Verify %s ==\n", channel)
	if left := s.CodeExpiresIn(now); left > 0 {
		w.printf("Code sent to %s, valid for %s.\n", target, left.Round(time.Second))
	} else if s.CodeExpired(now) {
		w.printf("The code for %s has expired. Type :resend for a new one.\n", target)
	}
	if w.flow.Machine().ShowAlternatePath(s) {
		w.printf("Having trouble? :resend, or :email / :sms to get the code another way.\n")
	}

	line, err := w.prompt("Code")
	if err != nil {
		return err
	}
	switch line {
	case ":resend", ":email", ":sms":
		return w.resend(ctx, line, channel)
	case ":reset":
		w.flow.Reset()
		return nil
	}

	if _, err := w.flow.SubmitVerificationCode(ctx, s.Stage, line); err != nil {
		return err
	}
	w.printf("%s verified.\n", strings.ToUpper(string(channel[:1]))+string(channel[1:]))
	return nil
}

// resend asks for a new code once resending is unlocked for the stage.
func (w *wizard) resend(ctx context.Context, cmd string, channel registration.Channel) error {
	s := w.flow.Session()
	now := w.flow.Now()
	if !w.flow.Machine().ResendAvailable(s, now) {
		w.printf("Resend is available once the first code expires, in %s.\n", s.ResendUnlocksAt.Sub(now).Round(time.Second))
		return nil
	}

	var err error
	if cmd == ":resend" {
		_, err = w.flow.RequestResend(ctx, channel)
	} else {
		_, err = w.flow.RequestFallbackResend(ctx, registration.Channel(strings.TrimPrefix(cmd, ":")))
	}
	if err != nil {
		return err
	}
	w.printf("A new code is on its way.\n")
	return nil
}

func (w *wizard) setupTOTP(ctx context.Context) error {
	w.printf("\n== Set up your authenticator ==\n")
	s, err := w.flow.RequestTOTPProvisioning(ctx)
	if err != nil {
		return err
	}
	p := s.Provisioning
	w.printf("Add this account to your authenticator app:\n  %s\n", p.OTPAuthURL)
	w.printf("Or enter the secret manually: %s\n", p.Secret)
	w.printf("\nRecovery codes (each works once, store them safely):\n")
	for i, code := range s.RecoveryCodes {
		w.printf("  %2d. %s\n", i+1, code)
	}
	return nil
}

func (w *wizard) verifyTOTP(ctx context.Context, s registration.Session) error {
	w.printf("\n== Confirm your authenticator ==\n")
	w.printf("Current code refreshes in %ds.\n", registration.TOTPCountdown(w.flow.Now()))
	if w.flow.Machine().ShowAlternatePath(s) {
		w.printf("You can also enter one of your recovery codes.\n")
	}

	line, err := w.prompt("Authenticator code")
	if err != nil {
		return err
	}
	if line == ":reset" {
		w.flow.Reset()
		return nil
	}
	_, err = w.flow.SubmitTOTPCode(ctx, line)
	return err
}

// Login signs in with the credentials entered during registration and shows
// the profile.
func (w *wizard) Login(ctx context.Context) error {
	if w.account == nil || w.username == "" {
		return nil
	}
	resp, err := w.account.Login(ctx, w.username, w.password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.Requires2FA {
		code, err := w.prompt("Authenticator code for login")
		if err != nil {
			return err
		}
		if resp, err = w.account.LoginOTP(ctx, resp.UserID, code); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	w.printf("Logged in, token valid for %ds.\n", resp.ExpiresIn)

	profile, err := w.account.Profile(ctx)
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	w.printf("Signed in as %s <%s>.\n", profile.Username, profile.Email)
	return nil
}
