package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/verdant-network/carbon-registry/internal/app/system"
	"github.com/verdant-network/carbon-registry/pkg/logger"
)

// Sweeper periodically refunds escrow held by expired listings. Expiry is
// always evaluated against the clock at call time; the sweeper is a janitor,
// not the authority.
type Sweeper struct {
	service  *Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper creates a sweeper with a cron schedule such as "@every 30s".
func NewSweeper(service *Service, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("market-sweeper")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{service: service, schedule: schedule, log: log}
}

func (sw *Sweeper) Name() string { return "market-sweeper" }

func (sw *Sweeper) Start(_ context.Context) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(sw.schedule, sw.tick); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", sw.schedule, err)
	}
	c.Start()

	sw.cron = c
	sw.running = true
	sw.log.WithField("schedule", sw.schedule).Info("expiry sweeper started")
	return nil
}

func (sw *Sweeper) Stop(ctx context.Context) error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	c := sw.cron
	sw.cron = nil
	sw.running = false
	sw.mu.Unlock()

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (sw *Sweeper) tick() {
	swept, err := sw.service.SweepExpired(context.Background())
	if err != nil {
		sw.log.WithError(err).Warn("expiry sweep failed")
		return
	}
	if swept > 0 {
		sw.log.WithField("swept", swept).Info("expired listings refunded")
	}
}
