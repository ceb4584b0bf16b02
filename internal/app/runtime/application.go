// Package runtime wires configuration, storage, the engines and the HTTP
// server into a runnable process.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	app "github.com/verdant-network/carbon-registry/internal/app"
	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/httpapi"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/services/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/services/market"
	"github.com/verdant-network/carbon-registry/internal/app/services/staking"
	"github.com/verdant-network/carbon-registry/internal/app/services/validator"
	"github.com/verdant-network/carbon-registry/internal/app/storage/memory"
	"github.com/verdant-network/carbon-registry/internal/app/storage/postgres"
	"github.com/verdant-network/carbon-registry/internal/config"
	"github.com/verdant-network/carbon-registry/pkg/logger"
)

// Application owns the process lifecycle: storage, engines, background
// services and the HTTP server.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	pg         *postgres.Store
}

// NewApplication builds a runnable application from a config file path. An
// empty path uses defaults plus environment overrides.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig builds a runnable application from an already
// loaded configuration.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(cfg.Logging)

	stores, pg, err := buildStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	var verifier issuance.ProofVerifier
	if cfg.Issuance.VerifierEndpoint != "" {
		verifier, err = issuance.NewHTTPVerifier(nil, cfg.Issuance.VerifierEndpoint, log.WithField("component", "verifier"))
		if err != nil {
			return nil, err
		}
	} else {
		// Without an external verifier every proof is rejected; mints
		// require explicit verification infrastructure.
		verifier = issuance.VerifierFunc(func(context.Context, []byte, []string) (bool, error) {
			return false, fmt.Errorf("no proof verifier configured")
		})
		log.Warn("no verifier endpoint configured; all mint proofs will be rejected")
	}

	credits := ledger.NewMemoryLedger()
	stable := ledger.NewMemoryLedger()

	application, err := app.New(context.Background(), credits, stable, stores, app.Config{
		Owner: cfg.Owner,
		Market: market.Config{
			EscrowAccount: cfg.Market.EscrowAccount,
			FeeRecipient:  cfg.Market.FeeRecipient,
			FeeBps:        cfg.Market.FeeBps,
		},
		Staking: staking.Config{
			PoolAccount:    cfg.Staking.PoolAccount,
			YieldPerSecond: cfg.Staking.YieldPerSecond,
			Distributors:   cfg.Staking.Distributors,
		},
		Issuance: issuance.Config{},
		Validator: validator.Config{
			BondAccount:    cfg.Validator.BondAccount,
			RewardTreasury: cfg.Validator.RewardTreasury,
			MinStake:       cfg.Validator.MinStake,
			RewardPerProof: cfg.Validator.RewardPerProof,
			Submitters:     cfg.Validator.Submitters,
		},
		Sweep: cfg.Market.SweepSchedule,
	}, verifier, events.NewRingBuffer(cfg.Events.BufferSize), log)
	if err != nil {
		return nil, err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      httpapi.NewHandler(application, cfg.Server.AdminToken),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		app:        application,
		httpServer: httpServer,
		pg:         pg,
	}, nil
}

func buildStores(cfg *config.Config) (app.Stores, *postgres.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		store, err := postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			return app.Stores{}, nil, err
		}
		return app.Stores{
			Market:    store,
			Staking:   store,
			Issuance:  store,
			Validator: store,
			Journal:   store,
		}, store, nil
	default:
		store := memory.New()
		return app.Stores{
			Market:    store,
			Staking:   store,
			Issuance:  store,
			Validator: store,
			Journal:   store,
		}, nil, nil
	}
}

// App exposes the wired engines, mainly for tests and tooling.
func (a *Application) App() *app.Application {
	return a.app
}

// Run starts background services and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr())
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, background services and storage.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping background services")
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}
