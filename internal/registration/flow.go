package registration

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flow drives one registration session against a Gateway. It performs the
// effects the Machine asks for and feeds the results back. One call may be in
// flight at a time; results that arrive after Reset are dropped.
type Flow struct {
	mu      sync.Mutex
	machine Machine
	gateway Gateway
	session Session
	busy    bool
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Flow.
type Option func(*Flow)

// WithClock replaces time.Now, for tests and replays.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// NewFlow creates a flow with a fresh session.
func NewFlow(gateway Gateway, policy Policy, logger *zap.Logger, opts ...Option) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Flow{
		machine: NewMachine(policy),
		gateway: gateway,
		session: NewSession(),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "registration")),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Session returns a copy of the current session.
func (f *Flow) Session() Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.clone()
}

// Machine exposes the transition rules, for UI hints.
func (f *Flow) Machine() Machine {
	return f.machine
}

// Busy reports whether a call is waiting on the identity service.
func (f *Flow) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

// Now returns the flow's clock reading.
func (f *Flow) Now() time.Time {
	return f.now()
}

func (f *Flow) SubmitAccountInfo(ctx context.Context, in AccountInput) (Session, error) {
	return run(ctx, f, "submit_account_info",
		func(s Session) (Session, Effect, error) { return f.machine.SubmitAccountInfo(s, in) },
		func(ctx context.Context, e RegisterAccount) Result[AccountCreated] {
			return f.gateway.RegisterAccount(ctx, e.Request)
		},
		f.machine.ResolveRegister,
	)
}

func (f *Flow) SubmitVerificationCode(ctx context.Context, stage Stage, code string) (Session, error) {
	return run(ctx, f, "submit_verification_code",
		func(s Session) (Session, Effect, error) {
			return f.machine.SubmitVerificationCode(s, stage, code, f.now())
		},
		func(ctx context.Context, e VerifyCode) Result[Ack] {
			return f.gateway.VerifyCode(ctx, e.Channel, e.UserID, e.Code)
		},
		f.machine.ResolveVerifyCode,
	)
}

func (f *Flow) RequestTOTPProvisioning(ctx context.Context) (Session, error) {
	return run(ctx, f, "request_totp_provisioning",
		f.machine.RequestTOTPProvisioning,
		func(ctx context.Context, e ProvisionTOTP) Result[Provisioned] {
			return f.gateway.SetupTOTP(ctx, e.UserID)
		},
		func(s Session, e ProvisionTOTP, r Result[Provisioned], _ time.Time) (Session, error) {
			return f.machine.ResolveProvision(s, e, r)
		},
	)
}

func (f *Flow) SubmitTOTPCode(ctx context.Context, code string) (Session, error) {
	return run(ctx, f, "submit_totp_code",
		func(s Session) (Session, Effect, error) { return f.machine.SubmitTOTPCode(s, code) },
		func(ctx context.Context, e VerifyTOTP) Result[Ack] {
			return f.gateway.VerifyTOTP(ctx, e.UserID, e.Code)
		},
		func(s Session, e VerifyTOTP, r Result[Ack], _ time.Time) (Session, error) {
			return f.machine.ResolveTOTP(s, e, r)
		},
	)
}

func (f *Flow) RequestResend(ctx context.Context, channel Channel) (Session, error) {
	return f.resend(ctx, "request_resend", channel, f.machine.RequestResend)
}

func (f *Flow) RequestFallbackResend(ctx context.Context, channel Channel) (Session, error) {
	return f.resend(ctx, "request_fallback_resend", channel, f.machine.RequestFallbackResend)
}

func (f *Flow) resend(ctx context.Context, op string, channel Channel, transition func(Session, Channel) (Session, Effect, error)) (Session, error) {
	return run(ctx, f, op,
		func(s Session) (Session, Effect, error) { return transition(s, channel) },
		func(ctx context.Context, e Resend) Result[Ack] {
			return f.gateway.RequestOTP(ctx, e.UserID, e.Channel)
		},
		f.machine.ResolveResend,
	)
}

// Reset starts a new session. A call still in flight keeps running but its
// result will be discarded.
func (f *Flow) Reset() Session {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.session.Stage
	f.session = f.machine.Reset(f.session)
	f.busy = false
	wizardOperationsTotal.WithLabelValues("reset", "ok").Inc()
	f.logger.Info("registration session reset",
		zap.String("from_stage", prev.String()),
		zap.Uint64("generation", f.session.Generation),
	)
	return f.session
}

func run[E Effect, T any](
	ctx context.Context,
	f *Flow,
	op string,
	transition func(Session) (Session, Effect, error),
	call func(context.Context, E) Result[T],
	resolve func(Session, E, Result[T], time.Time) (Session, error),
) (Session, error) {
	f.mu.Lock()
	if f.busy {
		s := f.session.clone()
		f.mu.Unlock()
		f.finish(op, s, ErrBusy)
		return s, ErrBusy
	}
	next, eff, err := transition(f.session)
	f.session = next
	if err != nil || eff == nil {
		f.mu.Unlock()
		f.finish(op, next, err)
		return next.clone(), err
	}
	f.busy = true
	f.mu.Unlock()

	e, ok := eff.(E)
	if !ok {
		panic("registration: unexpected effect type for " + op)
	}

	start := time.Now()
	res := call(ctx, e)
	wizardGatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	f.mu.Lock()
	if e.generation() != f.session.Generation {
		s := f.session.clone()
		f.mu.Unlock()
		f.finish(op, s, ErrStaleResult)
		return s, ErrStaleResult
	}
	f.busy = false
	before := f.session.Stage
	next, err = resolve(f.session, e, res, f.now())
	f.session = next
	f.mu.Unlock()

	if next.Stage != before {
		wizardStageReachedTotal.WithLabelValues(next.Stage.String()).Inc()
	}
	f.finish(op, next, err)
	return next.clone(), err
}

func (f *Flow) finish(op string, s Session, err error) {
	result := outcome(err)
	wizardOperationsTotal.WithLabelValues(op, result).Inc()

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("stage", s.Stage.String()),
		zap.String("outcome", result),
		zap.Int64("user_id", s.UserID),
		zap.Int("failed_attempts", s.FailedAttempts),
	}
	switch {
	case err == nil:
		f.logger.Info("registration step done", fields...)
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrBusy):
		f.logger.Error("registration operation misused", append(fields, zap.Error(err))...)
	default:
		f.logger.Warn("registration step failed", append(fields, zap.Error(err))...)
	}
}
