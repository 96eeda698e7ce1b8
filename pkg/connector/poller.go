// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// Poller errors.
var (
	ErrPollerAlreadyRunning = errors.New("poller already running")
	ErrPollerNotRunning     = errors.New("poller not running")
)

// minIdle is the shortest pause between two sweeps, even when a sweep took
// longer than the configured interval.
const minIdle = 10 * time.Second

// Clock is the time source of the poller.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// workUnit is one account's share of a sweep, snapshotted before the sweep
// starts.
type workUnit struct {
	account *store.Account
	watches []*store.HashtagWatch
}

// instanceQueue holds the units of one instance not yet polled this sweep.
type instanceQueue struct {
	instanceURL string
	units       []*workUnit
	// failures counts consecutive transient errors.
	failures int
}

// SweepStats describes the last finished sweep.
type SweepStats struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Accounts  int           `json:"accounts"`
	Instances int           `json:"instances"`
	Skipped   int           `json:"skipped"`
}

// Poller sweeps all linked accounts, one instance after the other in
// rotation, and sleeps between sweeps. Both the idle time and the delay
// between units follow its Clock.
type Poller struct {
	bridge *Bridge
	config PollerConfig
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}

	noticeMu sync.Mutex
	// noticed holds principals already told about an unexpected error.
	noticed map[id.UserID]bool

	statsMu sync.RWMutex
	stats   SweepStats
}

// NewPoller creates a Poller for the accounts of b.
func NewPoller(b *Bridge, config PollerConfig, clock Clock) *Poller {
	if clock == nil {
		clock = realClock{}
	}
	return &Poller{
		bridge:  b,
		config:  config,
		clock:   clock,
		logger:  b.Log.With().Str("component", "poller").Logger(),
		wake:    make(chan struct{}, 1),
		noticed: make(map[id.UserID]bool),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPollerAlreadyRunning
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.logger.Info().
		Dur("interval", p.config.Interval).
		Dur("unit_delay", p.config.UnitDelay).
		Int("breaker_threshold", p.config.BreakerThreshold).
		Msg("Poller starting")

	p.wg.Add(1)
	go p.runLoop(ctx)
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPollerNotRunning
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("Poller stopped")
	return nil
}

// IsRunning returns true if the poller is running.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Trigger cuts the current idle period short. It never blocks.
func (p *Poller) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stats returns the figures of the last finished sweep.
func (p *Poller) Stats() SweepStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func (p *Poller) runLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		started := p.clock.Now()
		p.safeSweep(ctx)
		if !p.idle(ctx, started) {
			return
		}
	}
}

func (p *Poller) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Any("panic", r).Msg("Sweep panicked")
		}
	}()
	p.Sweep(ctx)
}

// idle waits until interval has passed since started, but at least minIdle.
// It returns false when ctx is done.
func (p *Poller) idle(ctx context.Context, started time.Time) bool {
	wait := max(p.config.Interval-p.clock.Now().Sub(started), minIdle)
	p.logger.Debug().Dur("delay", wait).Msg("Sweep done, sleeping")
	select {
	case <-ctx.Done():
		return false
	case <-p.wake:
		return true
	case <-p.clock.After(wait):
		return true
	}
}

// pace waits for the next unit slot of pacer on the poller's clock. It
// returns false when ctx is done.
func (p *Poller) pace(ctx context.Context, pacer *rate.Limiter) bool {
	now := p.clock.Now()
	delay := pacer.ReserveN(now, 1).DelayFrom(now)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-p.clock.After(delay):
		return true
	}
}

// Sweep polls every linked account once.
func (p *Poller) Sweep(ctx context.Context) {
	started := p.clock.Now()
	queues, err := p.collectWork(ctx)
	if err != nil {
		p.logger.Err(err).Msg("Failed to collect accounts to poll")
		return
	}
	accounts := 0
	for _, q := range queues {
		accounts += len(q.units)
	}
	p.logger.Debug().Int("accounts", accounts).Int("instances", len(queues)).Msg("Starting sweep")
	skipped := p.drain(ctx, queues)
	stats := SweepStats{
		StartedAt: started,
		Duration:  p.clock.Now().Sub(started),
		Accounts:  accounts,
		Instances: len(queues),
		Skipped:   skipped,
	}
	p.statsMu.Lock()
	p.stats = stats
	p.statsMu.Unlock()
	p.logger.Info().
		Int("accounts", accounts).
		Int("skipped", skipped).
		Dur("duration", stats.Duration).
		Msg("Finished sweep")
}

// collectWork snapshots every account and its hashtag watches in one
// transaction and groups them by instance, in instance URL order.
func (p *Poller) collectWork(ctx context.Context) ([]*instanceQueue, error) {
	return store.View(ctx, p.bridge.Store, func(ctx context.Context, tx *store.Tx) ([]*instanceQueue, error) {
		accounts, err := tx.ListAccounts(ctx)
		if err != nil {
			return nil, err
		}
		byInstance := make(map[string]*instanceQueue)
		var queues []*instanceQueue
		for _, acc := range accounts {
			watches, err := tx.ListWatches(ctx, acc.Principal)
			if err != nil {
				return nil, err
			}
			q, ok := byInstance[acc.InstanceURL]
			if !ok {
				q = &instanceQueue{instanceURL: acc.InstanceURL}
				byInstance[acc.InstanceURL] = q
				queues = append(queues, q)
			}
			q.units = append(q.units, &workUnit{account: acc, watches: watches})
		}
		slices.SortFunc(queues, func(a, b *instanceQueue) int {
			return strings.Compare(a.instanceURL, b.instanceURL)
		})
		return queues, nil
	})
}

// drain pops one unit per instance in rotation until every queue is empty,
// pacing units with the configured delay. An instance whose breaker opens
// loses its remaining units for this sweep. drain returns how many units
// were skipped that way.
func (p *Poller) drain(ctx context.Context, queues []*instanceQueue) (skipped int) {
	limit := rate.Inf
	if p.config.UnitDelay > 0 {
		limit = rate.Every(p.config.UnitDelay)
	}
	pacer := rate.NewLimiter(limit, 1)
	for {
		progressed := false
		for _, q := range queues {
			if len(q.units) == 0 {
				continue
			}
			unit := q.units[0]
			q.units = q.units[1:]
			progressed = true

			if !p.pace(ctx, pacer) {
				return skipped
			}
			err := p.runUnit(ctx, unit)
			if ctx.Err() != nil {
				return skipped
			}
			if !p.handleUnitError(ctx, unit, err) {
				q.failures = 0
				continue
			}
			q.failures++
			if p.config.BreakerThreshold > 0 && q.failures >= p.config.BreakerThreshold && len(q.units) > 0 {
				p.logger.Warn().
					Str("instance", q.instanceURL).
					Int("failures", q.failures).
					Int("skipped", len(q.units)).
					Msg("Instance keeps failing, skipping its remaining accounts until next sweep")
				skipped += len(q.units)
				q.units = nil
			}
		}
		if !progressed {
			return skipped
		}
	}
}

// runUnit polls one account. A panic is turned into an error so the
// account gets the usual unexpected-error treatment.
func (p *Poller) runUnit(ctx context.Context, unit *workUnit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Any("panic", r).Str("user_id", unit.account.Principal.String()).Msg("Polling account panicked")
			err = fmt.Errorf("unexpected panic: %v", r)
		}
	}()
	log := p.logger.With().
		Str("user_id", unit.account.Principal.String()).
		Str("instance", unit.account.InstanceURL).
		Logger()
	ctx = log.WithContext(ctx)
	log.Debug().Msg("Checking account")
	return p.bridge.pollAccount(ctx, unit.account, unit.watches)
}

// handleUnitError applies the error policy to the result of one unit and
// reports whether err was transient.
func (p *Poller) handleUnitError(ctx context.Context, unit *workUnit, err error) (transient bool) {
	principal := unit.account.Principal
	log := p.logger.With().Str("user_id", principal.String()).Str("instance", unit.account.InstanceURL).Logger()
	switch {
	case err == nil:
		p.clearNotice(principal)
		return false
	case errors.Is(err, context.Canceled):
		return false
	case social.IsTransient(err):
		log.Warn().Err(err).Msg("Transient error while checking account")
		return true
	case errors.Is(err, social.ErrUnauthorized):
		log.Warn().Err(err).Msg("Credential revoked, logging account out")
		notice := fmt.Sprintf("❌ ERROR Your account was logged out: %v", err)
		if terr := p.bridge.teardown(ctx, principal, notice); terr != nil {
			log.Err(terr).Msg("Failed to tear down account")
		}
		return false
	default:
		log.Err(err).Msg("Unexpected error while checking account")
		if p.markNoticed(principal) {
			p.bridge.notifyPrincipal(ctx, principal, fmt.Sprintf("❌ ERROR while checking your account: %v", err))
		}
		return false
	}
}

// markNoticed records that principal was told about an error and reports
// whether this is the first time in the current streak.
func (p *Poller) markNoticed(principal id.UserID) bool {
	p.noticeMu.Lock()
	defer p.noticeMu.Unlock()
	if p.noticed[principal] {
		return false
	}
	p.noticed[principal] = true
	return true
}

func (p *Poller) clearNotice(principal id.UserID) {
	p.noticeMu.Lock()
	delete(p.noticed, principal)
	p.noticeMu.Unlock()
}
