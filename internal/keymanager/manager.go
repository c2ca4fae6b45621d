// ABOUTME: KeyManager routes model requests to the free provider while quota remains, else to paid.
// ABOUTME: Tracks usage for quota enforcement and persisted reporting, degrading to paid on any failure.

package keymanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/stromwissen/internal/metrics"
	"github.com/2389/stromwissen/internal/provider"
	"github.com/rs/zerolog"
)

// Tier selects a provider tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
	TierAll  Tier = "all" // only valid for ResetMetrics
)

// DefaultCostPer1000 is the assumed paid price per 1000 calls, in USD.
const DefaultCostPer1000 = 0.35

// DefaultFlushEvery is how many recorded calls trigger a background save.
const DefaultFlushEvery = 10

// Fallback reasons reported to metrics.
const (
	reasonDailyLimit  = "daily_limit"
	reasonMinuteLimit = "minute_limit"
	reasonCanceled    = "canceled"
	reasonError       = "error"
)

var ErrInvalidTier = errors.New("keymanager: invalid tier")

// ParseTier accepts free, paid and all.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierFree, TierPaid, TierAll:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// ModelFactory hands out models for one tier.
type ModelFactory interface {
	Provider() string
	GenerativeModel(ctx context.Context, opts provider.ModelOptions) (provider.Model, error)
}

// Handle is a model bound to the tier and provider that serves it.
type Handle struct {
	Tier     Tier
	Provider string
	Model    provider.Model
}

// Option configures a KeyManager.
type Option func(*KeyManager)

func WithClock(c Clock) Option { return func(m *KeyManager) { m.clock = c } }

func WithSleep(fn SleepFunc) Option { return func(m *KeyManager) { m.sleep = fn } }

func WithLimits(l Limits) Option { return func(m *KeyManager) { m.limits = l } }

func WithBackoff(steps []time.Duration) Option {
	return func(m *KeyManager) { m.backoff = NewBackoff(steps) }
}

// WithRetries sets how often a minute-limited request waits and re-checks.
func WithRetries(n int) Option { return func(m *KeyManager) { m.retries = n } }

func WithFlushEvery(n int) Option { return func(m *KeyManager) { m.flushEvery = n } }

func WithCostPer1000(usd float64) Option { return func(m *KeyManager) { m.costPer1000 = usd } }

func WithLogger(l zerolog.Logger) Option { return func(m *KeyManager) { m.logger = l } }

func WithCollector(c *metrics.Collector) Option { return func(m *KeyManager) { m.collector = c } }

// KeyManager is the per-process quota tracker. Construct one at startup and
// share it.
type KeyManager struct {
	free, paid  ModelFactory
	store       MetricsStore
	clock       Clock
	sleep       SleepFunc
	logger      zerolog.Logger
	collector   *metrics.Collector
	limits      Limits
	retries     int
	flushEvery  int
	costPer1000 float64

	mu      sync.Mutex
	counter *UsageCounter
	backoff *Backoff
	doc     *MetricsDocument
	pending int    // recorded calls since the last snapshot was taken for saving
	gen     uint64 // bumped for every snapshot handed to save

	// saveMu serializes writes to the store; savedGen drops stale snapshots.
	saveMu   sync.Mutex
	savedGen uint64
	saves    sync.WaitGroup
	closed   bool // no background saves start once set; guarded by mu
}

// New creates a KeyManager and loads persisted metrics from store. A missing
// or unreadable document starts empty.
func New(ctx context.Context, free, paid ModelFactory, store MetricsStore, opts ...Option) *KeyManager {
	m := &KeyManager{
		free:        free,
		paid:        paid,
		store:       store,
		clock:       RealClock{},
		sleep:       sleepContext,
		logger:      zerolog.Nop(),
		limits:      DefaultLimits,
		retries:     1,
		flushEvery:  DefaultFlushEvery,
		costPer1000: DefaultCostPer1000,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.backoff == nil {
		m.backoff = NewBackoff(nil)
	}
	if m.flushEvery <= 0 {
		m.flushEvery = DefaultFlushEvery
	}
	m.logger = m.logger.With().Str("component", "keymanager").Logger()
	m.counter = NewUsageCounter(m.limits)
	m.doc = m.load(ctx)
	return m
}

func (m *KeyManager) load(ctx context.Context) *MetricsDocument {
	if m.store == nil {
		return NewMetricsDocument()
	}
	doc, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoMetrics):
		m.logger.Info().Msg("no stored usage metrics, starting empty")
		return NewMetricsDocument()
	case err != nil:
		m.logger.Warn().Err(err).Msg("failed to load usage metrics, starting empty")
		return NewMetricsDocument()
	}
	doc.normalize()
	return doc
}

// AcquireModel returns a model from the free tier when quota allows and from
// the paid tier otherwise. Quota exhaustion and free-tier failures are never
// reported; the only error is the paid factory failing.
func (m *KeyManager) AcquireModel(ctx context.Context, opts provider.ModelOptions) (*Handle, error) {
	slot, reserved, reason := m.reserveFree(ctx)
	if reserved {
		model, err := m.model(ctx, m.free, opts)
		if err == nil {
			m.record(TierFree, m.free.Provider())
			return &Handle{Tier: TierFree, Provider: m.free.Provider(), Model: model}, nil
		}
		m.logger.Warn().Err(err).Msg("free tier model unavailable, using paid tier")
		m.mu.Lock()
		m.counter.Roll(m.clock.Now())
		m.counter.Release(slot)
		m.mu.Unlock()
		reason = reasonError
	}

	m.collector.ObserveFallback(reason)
	model, err := m.model(ctx, m.paid, opts)
	if err != nil {
		return nil, fmt.Errorf("paid tier %s: %w", m.paid.Provider(), err)
	}
	m.record(TierPaid, m.paid.Provider())
	return &Handle{Tier: TierPaid, Provider: m.paid.Provider(), Model: model}, nil
}

// reserveFree takes a free-tier slot, waiting through the backoff sequence
// while only the minute window is exhausted. Panics count as "no slot".
func (m *KeyManager) reserveFree(ctx context.Context) (slot Slot, ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("quota check failed, using paid tier")
			ok, reason = false, reasonError
		}
	}()

	slot, taken, canWait := m.tryTake()
	for attempt := 0; !taken && canWait && attempt < m.retries; attempt++ {
		wait := m.nextBackoff()
		m.collector.ObserveBackoff(wait)
		m.logger.Debug().Dur("wait", wait).Msg("minute quota exhausted, backing off")

		// Other callers may take or release slots while this one sleeps.
		if err := m.sleep(ctx, wait); err != nil {
			return slot, false, reasonCanceled
		}
		slot, taken, canWait = m.tryTake()
	}

	switch {
	case taken:
		return slot, true, ""
	case !m.dailyRemaining():
		return slot, false, reasonDailyLimit
	default:
		return slot, false, reasonMinuteLimit
	}
}

// tryTake reserves a slot if both windows allow it. canWait reports whether
// waiting for the next minute could help.
func (m *KeyManager) tryTake() (slot Slot, taken, canWait bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter.Roll(m.clock.Now())
	if m.counter.Allows() {
		slot = m.counter.Take()
		m.backoff.Reset()
		return slot, true, true
	}
	return slot, false, m.counter.CanWait()
}

func (m *KeyManager) dailyRemaining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter.DailyRemaining()
}

func (m *KeyManager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	wait := m.backoff.Current()
	m.backoff.Advance()
	return wait
}

func (m *KeyManager) model(ctx context.Context, f ModelFactory, opts provider.ModelOptions) (model provider.Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", f.Provider(), r)
		}
	}()
	model, err = f.GenerativeModel(ctx, opts)
	if err == nil && model == nil {
		err = fmt.Errorf("%s: factory returned no model", f.Provider())
	}
	return model, err
}

// record counts one call for tier and provider and schedules a background
// save every flushEvery calls.
func (m *KeyManager) record(tier Tier, providerName string) {
	m.mu.Lock()
	day := m.clock.Now().Format(dayBucketLayout)
	m.doc.tier(tier).add(day)
	m.doc.provider(providerName).add(day)
	m.pending++
	var snapshot *MetricsDocument
	var gen uint64
	if m.pending >= m.flushEvery && !m.closed {
		snapshot, gen = m.snapshotLocked()
		m.saves.Add(1)
	}
	m.mu.Unlock()

	m.collector.ObserveAcquisition(string(tier), providerName)

	if snapshot != nil {
		go func() {
			defer m.saves.Done()
			if err := m.save(context.Background(), snapshot, gen); err != nil {
				m.logger.Warn().Err(err).Msg("background usage flush failed")
			}
		}()
	}
}

// snapshotLocked copies the document for saving. Caller holds m.mu.
func (m *KeyManager) snapshotLocked() (*MetricsDocument, uint64) {
	m.pending = 0
	m.gen++
	return m.doc.Clone(), m.gen
}

func (m *KeyManager) save(ctx context.Context, doc *MetricsDocument, gen uint64) error {
	if m.store == nil {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if gen <= m.savedGen {
		return nil
	}
	if err := m.store.Save(ctx, doc); err != nil {
		m.collector.ObserveFlushFailure()
		return err
	}
	m.savedGen = gen
	return nil
}

// TierUsage reports one tier.
type TierUsage struct {
	Today     int64            `json:"today"`
	Total     int64            `json:"total"`
	Daily     map[string]int64 `json:"daily"`
	LastReset *time.Time       `json:"lastReset"`
}

// ProviderUsage reports one underlying provider.
type ProviderUsage struct {
	Today int64 `json:"today"`
	Total int64 `json:"total"`
}

// Snapshot is the reporting view returned by UsageMetrics.
type Snapshot struct {
	Free           TierUsage                `json:"free"`
	Paid           TierUsage                `json:"paid"`
	Providers      map[string]ProviderUsage `json:"providers"`
	CostSavingsUSD float64                  `json:"costSavingsUSD"`
	Counter        CounterState             `json:"counter"`
	BackoffIndex   int                      `json:"backoffIndex"`
	GeneratedAt    time.Time                `json:"generatedAt"`
}

// UsageMetrics returns current and historical usage. It has no side effects.
func (m *KeyManager) UsageMetrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	today := now.Format(dayBucketLayout)
	tierUsage := func(u *UsageMetrics) TierUsage {
		c := u.clone()
		return TierUsage{Today: c.DailyUsage[today], Total: c.TotalUsage, Daily: c.DailyUsage, LastReset: c.LastReset}
	}

	s := Snapshot{
		Free:         tierUsage(&m.doc.Free),
		Paid:         tierUsage(&m.doc.Paid),
		Providers:    make(map[string]ProviderUsage, len(m.doc.Providers)),
		Counter:      m.counter.State(now),
		BackoffIndex: m.backoff.Index(),
		GeneratedAt:  now,
	}
	for name, u := range m.doc.Providers {
		s.Providers[name] = ProviderUsage{Today: u.DailyUsage[today], Total: u.TotalUsage}
	}
	s.CostSavingsUSD = CostSavings(s.Free.Total, m.costPer1000)
	return s
}

// CostSavings estimates the paid spend avoided by freeCalls free-tier calls.
func CostSavings(freeCalls int64, costPer1000 float64) float64 {
	return float64(freeCalls) / 1000 * costPer1000
}

// ResetMetrics zeroes the persisted usage of tier and saves immediately.
// Resetting "all" also clears provider usage. Storage failures are logged.
func (m *KeyManager) ResetMetrics(ctx context.Context, tier Tier) error {
	if _, err := ParseTier(string(tier)); err != nil {
		return err
	}

	m.mu.Lock()
	now := m.clock.Now()
	switch tier {
	case TierFree, TierPaid:
		m.doc.tier(tier).reset(now)
	case TierAll:
		m.doc.Free.reset(now)
		m.doc.Paid.reset(now)
		for _, u := range m.doc.Providers {
			u.reset(now)
		}
	}
	snapshot, gen := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info().Str("tier", string(tier)).Msg("usage metrics reset")
	if err := m.save(ctx, snapshot, gen); err != nil {
		m.logger.Warn().Err(err).Str("tier", string(tier)).Msg("failed to persist metrics reset")
	}
	return nil
}

// SetLimits replaces the free-tier quota. Current usage is kept.
func (m *KeyManager) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l
	m.counter.SetLimits(l)
	m.logger.Info().Int("daily", l.Daily).Int("minute", l.Minute).Msg("quota limits updated")
}

// Limits returns the current free-tier quota.
func (m *KeyManager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Flush saves the current document synchronously.
func (m *KeyManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	snapshot, gen := m.snapshotLocked()
	m.mu.Unlock()
	return m.save(ctx, snapshot, gen)
}

// Close stops background saves, waits for running ones and flushes once
// more. Calls recorded after Close are kept in memory until the next Flush.
func (m *KeyManager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.saves.Wait()
	if err := m.Flush(ctx); err != nil {
		return fmt.Errorf("final usage flush: %w", err)
	}
	return nil
}
