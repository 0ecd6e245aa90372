package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/config"
	"github.com/portfolio-risk/api/internal/credential"
	"github.com/portfolio-risk/api/internal/identity"
	infraRedis "github.com/portfolio-risk/api/internal/infrastructure/redis"
	"github.com/portfolio-risk/api/internal/pkg/logger"
	"github.com/portfolio-risk/api/internal/registration"
)

func main() {
	flags := pflag.NewFlagSet("register", pflag.ExitOnError)
	flags.String("identity.base_url", "", "identity service base URL")
	flags.Bool("registration.require_phone", true, "require a phone number")
	store := flags.String("credentials", "memory", "where to keep the access token: memory or redis")
	profile := flags.String("profile", "default", "credential profile name")
	login := flags.Bool("login", true, "log in once registration completes")
	logLevel := flags.String("log-level", "warn", "log level")
	_ = flags.Parse(os.Args[1:])

	v := config.New()
	for _, name := range []string{"identity.base_url", "registration.require_phone"} {
		if f := flags.Lookup(name); f.Changed {
			_ = v.BindPFlag(name, f)
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *store, *profile, *login, log); err != nil {
		log.Error("Registration aborted", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, store, profile string, login bool, log *zap.Logger) error {
	var storage credential.Storage
	switch store {
	case "memory":
		storage = credential.NewMemoryStorage()
	case "redis":
		if cfg.Redis.Password == "" {
			cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
		}
		rdb, err := infraRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		storage = infraRedis.NewCredentialStorage(rdb, "pra-cli:")
	default:
		return fmt.Errorf("unknown credential store %q", store)
	}

	client, err := identity.NewClient(cfg.Identity, credential.New(storage, profile), log)
	if err != nil {
		return err
	}

	policy := registration.DefaultPolicy()
	policy.RequirePhone = cfg.Registration.RequirePhone
	if cfg.Verification.CodeTTL > 0 {
		policy.CodeWindow = cfg.Verification.CodeTTL
	}

	w := newWizard(registration.NewFlow(client, policy, log), client, os.Stdin, os.Stdout)
	if err := w.Run(ctx); err != nil {
		return err
	}
	if login && w.flow.Session().Stage == registration.StageComplete {
		return w.Login(ctx)
	}
	return nil
}
