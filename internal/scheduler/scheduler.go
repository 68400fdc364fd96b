package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/rs/zerolog/log"
)

type PaymentSource interface {
	StuckPayments(ctx context.Context, limit int) ([]types.Payment, error)
}

type Alerter interface {
	StuckPayments(ctx context.Context, chatID int64, payments []types.Payment) error
}

// Scheduler periodically looks for captured payments that never got a
// subscription and alerts the admins once per payment.
type Scheduler struct {
	source   PaymentSource
	alerter  Alerter
	admins   []int64
	interval time.Duration
	limit    int

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	alertedMu sync.Mutex
	alerted   map[string]struct{}
}

type Config struct {
	Interval time.Duration
	Admins   []int64
	Limit    int
}

func NewScheduler(source PaymentSource, alerter Alerter, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.Limit <= 0 {
		config.Limit = 50
	}
	return &Scheduler{
		source:   source,
		alerter:  alerter,
		admins:   config.Admins,
		interval: config.Interval,
		limit:    config.Limit,
		alerted:  make(map[string]struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	log.Info().Dur("interval", s.interval).Int("admins", len(s.admins)).Msg("Stuck payment watcher started")

	go s.loop(ctx)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("Stuck payment watcher stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Payments left over from before a restart are reported right away.
	s.Check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check runs one pass and returns the number of newly reported payments.
func (s *Scheduler) Check(ctx context.Context) int {
	payments, err := s.source.StuckPayments(ctx, s.limit)
	if err != nil {
		log.Warn().Err(err).Msg("Stuck payment check failed")
		return 0
	}

	fresh := s.unseen(payments)
	if len(fresh) == 0 {
		return 0
	}
	log.Warn().Int("count", len(fresh)).Msg("Captured payments without subscription")

	delivered := false
	for _, admin := range s.admins {
		if err := s.alerter.StuckPayments(ctx, admin, fresh); err != nil {
			log.Warn().Err(err).Int64("admin_id", admin).Msg("Stuck payment alert not delivered")
			continue
		}
		delivered = true
	}
	if delivered {
		s.markAlerted(fresh)
	}
	return len(fresh)
}

func (s *Scheduler) unseen(payments []types.Payment) []types.Payment {
	s.alertedMu.Lock()
	defer s.alertedMu.Unlock()

	current := make(map[string]struct{}, len(payments))
	out := make([]types.Payment, 0, len(payments))
	for _, p := range payments {
		current[p.GatewayPaymentID] = struct{}{}
		if _, ok := s.alerted[p.GatewayPaymentID]; !ok {
			out = append(out, p)
		}
	}
	// Forget payments that were reprovisioned so a later failure is reported again.
	for id := range s.alerted {
		if _, ok := current[id]; !ok {
			delete(s.alerted, id)
		}
	}
	return out
}

func (s *Scheduler) markAlerted(payments []types.Payment) {
	s.alertedMu.Lock()
	defer s.alertedMu.Unlock()
	for _, p := range payments {
		s.alerted[p.GatewayPaymentID] = struct{}{}
	}
}
