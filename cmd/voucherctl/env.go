package main

import (
	"context"
	"fmt"

	"github.com/wenwu/saas-platform/voucher-service/internal/client"
	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/db"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository"
	"github.com/wenwu/saas-platform/voucher-service/internal/service"
)

var actorFlag string

// env is the wiring shared by commands that touch the database.
type env struct {
	cfg      *config.Config
	database *db.Database
	vouchers *service.VoucherService
	sweeper  *service.Sweeper
}

func openEnv(ctx context.Context) (*env, error) {
	cfg := config.Load()
	if cfg.Database.Driver != config.StoreDriverPostgres {
		return nil, fmt.Errorf("voucherctl needs STORE_DRIVER=%s, got %q", config.StoreDriverPostgres, cfg.Database.Driver)
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var plans service.PlanStore = repository.NewPlanRepository(database.Pool)
	if cfg.PlanCatalog.Source == config.PlanSourceRemote {
		plans = client.NewPlanCatalogClient(cfg.PlanCatalog.URL, cfg.InternalSecret, cfg.PlanCatalog.Timeout)
	}
	vouchers := repository.NewVoucherRepository(database.Pool)
	sessions := repository.NewCoinSessionRepository(database.Pool)
	audit := repository.NewAuditRepository(database.Pool)

	sweeper := service.NewSweeper(cfg, plans, vouchers, sessions, audit, nil)
	return &env{
		cfg:      cfg,
		database: database,
		vouchers: service.NewVoucherService(cfg, plans, vouchers, sweeper, audit, nil),
		sweeper:  sweeper,
	}, nil
}

func (e *env) Close() {
	e.database.Close()
}
