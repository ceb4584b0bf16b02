// Package app wires the registry engines over shared storage, the value
// ledgers and the event log.
package app

import (
	"context"
	"fmt"

	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/services/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/services/market"
	"github.com/verdant-network/carbon-registry/internal/app/services/staking"
	"github.com/verdant-network/carbon-registry/internal/app/services/validator"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
	"github.com/verdant-network/carbon-registry/internal/app/system"
	"github.com/verdant-network/carbon-registry/pkg/logger"
)

// issuanceIdentity is the submitter identity the issuance engine uses when
// attributing proofs to the validator registry.
const issuanceIdentity = "issuance-engine"

// Stores bundles the persistence interfaces an Application needs. One
// backend value typically implements all of them.
type Stores struct {
	Market    storage.MarketStore
	Staking   storage.StakingStore
	Issuance  storage.IssuanceStore
	Validator storage.ValidatorStore
	Journal   storage.JournalStore
}

// Config bundles per-engine configuration.
type Config struct {
	Owner     string
	Market    market.Config
	Staking   staking.Config
	Issuance  issuance.Config
	Validator validator.Config
	Sweep     string
}

// Application aggregates the registry engines.
type Application struct {
	Market     *market.Service
	Staking    *staking.Service
	Issuance   *issuance.Service
	Validators *validator.Service

	Events  events.Log
	Journal storage.JournalStore
	Manager *system.Manager
}

// New constructs the engines and registers their background services. The
// issuance engine is wired as an authorized proof submitter of the validator
// registry so every settled mint attributes exactly one proof.
func New(ctx context.Context, credits ledger.IssuingLedger, stable ledger.Ledger, stores Stores, cfg Config, verifier issuance.ProofVerifier, evts events.Log, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if evts == nil {
		evts = events.NewRingBuffer(1000)
	}

	cfg.Market.Owner = cfg.Owner
	cfg.Staking.Owner = cfg.Owner
	cfg.Issuance.Owner = cfg.Owner
	cfg.Validator.Owner = cfg.Owner
	cfg.Validator.Submitters = append(cfg.Validator.Submitters, issuanceIdentity)

	marketSvc, err := market.New(credits, stable, stores.Market, stores.Journal, cfg.Market, evts, log.WithField("component", "market"))
	if err != nil {
		return nil, fmt.Errorf("market: %w", err)
	}

	stakingSvc, err := staking.New(ctx, credits, stores.Staking, stores.Journal, cfg.Staking, evts, log.WithField("component", "staking"))
	if err != nil {
		return nil, fmt.Errorf("staking: %w", err)
	}

	validatorSvc, err := validator.New(ctx, credits, stores.Validator, stores.Journal, cfg.Validator, evts, log.WithField("component", "validator"))
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	issuanceSvc, err := issuance.New(credits, stores.Issuance, stores.Journal, verifier, cfg.Issuance, evts, log.WithField("component", "issuance"))
	if err != nil {
		return nil, fmt.Errorf("issuance: %w", err)
	}
	issuanceSvc.AttachRewardSubmitter(validatorRewards{registry: validatorSvc})

	manager := system.NewManager()
	if cfg.Sweep != "" {
		sweeper := market.NewSweeper(marketSvc, cfg.Sweep, log.WithField("component", "sweeper"))
		if err := manager.Register(sweeper); err != nil {
			return nil, err
		}
	}

	return &Application{
		Market:     marketSvc,
		Staking:    stakingSvc,
		Issuance:   issuanceSvc,
		Validators: validatorSvc,
		Events:     evts,
		Journal:    stores.Journal,
		Manager:    manager,
	}, nil
}

// Start launches background services.
func (a *Application) Start(ctx context.Context) error {
	return a.Manager.Start(ctx)
}

// Stop halts background services in reverse start order.
func (a *Application) Stop(ctx context.Context) error {
	return a.Manager.Stop(ctx)
}

// validatorRewards bridges the issuance engine's attribution calls into the
// validator registry under the engine's submitter identity.
type validatorRewards struct {
	registry *validator.Service
}

func (r validatorRewards) SubmitProof(ctx context.Context, v string) error {
	return r.registry.SubmitProof(ctx, issuanceIdentity, v)
}

func (r validatorRewards) RetractProof(ctx context.Context, v string) error {
	return r.registry.RetractProof(ctx, issuanceIdentity, v)
}
