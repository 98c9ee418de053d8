package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ledgerline/billingd/internal/audit"
	"github.com/ledgerline/billingd/internal/auth"
	"github.com/ledgerline/billingd/internal/billing"
	"github.com/ledgerline/billingd/internal/httpapi"
	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/config"
	"github.com/ledgerline/billingd/pkg/email"
	"github.com/ledgerline/billingd/pkg/httpserver"
	"github.com/ledgerline/billingd/pkg/logger"
	"github.com/ledgerline/billingd/pkg/pg"
	"github.com/ledgerline/billingd/pkg/ratelimit"
	"github.com/ledgerline/billingd/pkg/redis"
)

type appConfig struct {
	Logger  logger.Config
	PG      pg.Config
	Redis   redis.Config
	HTTP    httpserver.Config
	API     httpapi.Config
	Email   email.Config
	Auth    auth.Config
	Billing billing.Config
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewFromConfig(cfg.Logger, logger.WithService("billingd"))
	slog.SetDefault(log)

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	var mailer email.EmailSender
	if cfg.Email.PostmarkServerToken == "" {
		log.Warn("POSTMARK_SERVER_TOKEN not set, emails are logged instead of sent")
		mailer = email.NewDevSender(log)
	} else {
		mailer, err = email.NewPostmarkClient(cfg.Email)
		if err != nil {
			return fmt.Errorf("init mailer: %w", err)
		}
	}

	st := store.New(pool)
	auditor := audit.NewRecorder(st, log)

	authSvc, err := auth.NewService(cfg.Auth, st, mailer, auditor, log)
	if err != nil {
		return fmt.Errorf("init auth service: %w", err)
	}

	provider := billing.NewStripeProvider(cfg.Billing)
	billingSvc := billing.NewService(billing.NewStore(st), provider, auditor, log)

	catalog, err := billing.LoadCatalog(cfg.Billing.PlanCatalogPath)
	if err != nil {
		return fmt.Errorf("load plan catalog: %w", err)
	}
	if err := billingSvc.SeedPlans(ctx, catalog); err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}

	pgHealth := pg.Healthcheck(pool)
	redisHealth := redis.Healthcheck(rdb)
	health := func(ctx context.Context) error {
		return errors.Join(pgHealth(ctx), redisHealth(ctx))
	}

	api := httpapi.NewServer(
		cfg.API,
		authSvc,
		billingSvc,
		ratelimit.NewRedisStore(rdb, "ratelimit"),
		health,
		log,
	)

	return httpserver.New(cfg.HTTP, log).Run(ctx, api.Router())
}
