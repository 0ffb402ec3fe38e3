package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/AquilaNetwork/aquila-tradebot/internal/core/application"
	"github.com/AquilaNetwork/aquila-tradebot/internal/core/ports"
	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	sweepConcurrency = 8
	tickTimeout      = 30 * time.Second
)

// backoffTicks maps consecutive failures of a trade to the number of
// sweeps to skip before trying it again, capped at the last entry.
var backoffTicks = []uint32{0, 1, 2, 4, 8, 16}

type tradeHealth struct {
	failures  uint32
	skipUntil uint32
}

type service struct {
	scheduler    *gocron.Scheduler
	appSvc       *application.Service
	repoManager  ports.RepoManager
	pollInterval time.Duration

	mu     sync.Mutex
	sweep  uint32
	health map[string]*tradeHealth
}

func NewScheduler(
	appSvc *application.Service, repoManager ports.RepoManager, pollInterval time.Duration,
) ports.SchedulerService {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	svc := gocron.NewScheduler(time.UTC)
	return &service{
		scheduler:    svc,
		appSvc:       appSvc,
		repoManager:  repoManager,
		pollInterval: pollInterval,
		health:       make(map[string]*tradeHealth),
	}
}

func (s *service) Start() {
	// nolint:all
	s.scheduler.Every(s.pollInterval).SingletonMode().Do(s.sweepTrades)
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

// sweepTrades advances every open trade by at most one transition and
// garbage-collects records whose retention window has passed.
func (s *service) sweepTrades() {
	ctx, cancel := context.WithTimeout(context.Background(), s.pollInterval*6)
	defer cancel()

	trades, err := s.repoManager.Trades().GetAll(ctx)
	if err != nil {
		log.WithError(err).Error("sweep: failed to list trades")
		return
	}

	s.mu.Lock()
	s.sweep++
	sweep := s.sweep
	s.mu.Unlock()

	g := errgroup.Group{}
	g.SetLimit(sweepConcurrency)

	for i := range trades {
		trade := trades[i]
		if trade.TradeState.Terminal() {
			if s.appSvc.CanDelete(ctx, trade) {
				if err := s.repoManager.Trades().Delete(ctx, trade.ContractAddress); err != nil {
					log.WithError(err).Warnf("sweep: failed to delete trade %s", trade.ContractAddress)
					continue
				}
				s.forget(trade.ContractAddress)
				log.Infof("sweep: deleted finished trade %s", trade.ContractAddress)
			}
			continue
		}
		if s.skipped(trade.ContractAddress, sweep) {
			continue
		}

		g.Go(func() error {
			tickCtx, tickCancel := context.WithTimeout(ctx, tickTimeout)
			defer tickCancel()

			if err := s.appSvc.Progress(tickCtx, trade.ContractAddress); err != nil {
				s.recordFailure(trade.ContractAddress, sweep)
				log.WithError(err).Warnf("sweep: trade %s", trade.ContractAddress)
				return nil
			}
			s.forget(trade.ContractAddress)
			return nil
		})
	}

	// nolint:all
	g.Wait()
}

func (s *service) skipped(contractAddress string, sweep uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[contractAddress]
	return ok && sweep < h.skipUntil
}

func (s *service) recordFailure(contractAddress string, sweep uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.health[contractAddress]
	if !ok {
		h = &tradeHealth{}
		s.health[contractAddress] = h
	}
	h.failures++

	idx := h.failures
	if idx >= uint32(len(backoffTicks)) {
		idx = uint32(len(backoffTicks)) - 1
	}
	h.skipUntil = sweep + 1 + backoffTicks[idx]
}

func (s *service) forget(contractAddress string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.health, contractAddress)
}
