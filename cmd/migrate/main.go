package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/config"
	"github.com/portfolio-risk/api/internal/pkg/logger"
	"github.com/portfolio-risk/api/internal/repository/migrations"
)

func main() {
	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	direction := flags.StringP("direction", "d", "up", "migration direction: up or down")
	steps := flags.IntP("steps", "n", 0, "number of migrations to apply, 0 for all")
	flags.String("database.host", "", "database host")
	flags.Int("database.port", 0, "database port")
	flags.String("database.name", "", "database name")
	_ = flags.Parse(os.Args[1:])

	v := config.New()
	for _, name := range []string{"database.host", "database.port", "database.name"} {
		if f := flags.Lookup(name); f.Changed {
			_ = v.BindPFlag(name, f)
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Password == "" {
		cfg.Database.Password = os.Getenv("DB_PASSWORD")
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	dir := migrations.Direction(*direction)
	if dir != migrations.Up && dir != migrations.Down {
		log.Fatal("Unknown direction", zap.String("direction", *direction))
	}
	if dir == migrations.Down && *steps == 0 {
		log.Fatal("Refusing to roll back every migration, pass --steps")
	}

	if err := migrations.Run(cfg.Database.DSN(), dir, *steps, log); err != nil {
		log.Fatal("Migration failed", zap.Error(err))
	}
}
