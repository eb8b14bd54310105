// Package scheduler drives evaluation cycles: one batched price resolve per
// cycle, global alert evaluation, per-user valuation and the commit of
// transitions and snapshots to their collaborators.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cryptowatch/internal/alerting"
	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"
	"cryptowatch/internal/pricing"
	"cryptowatch/internal/tracing"
	"cryptowatch/internal/valuation"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrCycleTimeout is returned by RunCycle when the soft deadline passed
// before every unit of work ran. It is not fatal.
var ErrCycleTimeout = errors.New("cycle soft deadline exceeded")

const (
	DefaultInterval      = time.Minute
	DefaultCycleTimeout  = 45 * time.Second
	DefaultWorkers       = 8
	DefaultNotifyTimeout = 10 * time.Second
)

// HoldingRepository loads holdings
type HoldingRepository interface {
	ListHoldings(ctx context.Context) ([]models.Holding, error)
	ListHoldingsByUser(ctx context.Context, userID string) ([]models.Holding, error)
}

// AlertRepository loads armed alerts and commits transitions.
// ApplyTransition must only apply when the alert is still armed with the
// transition's condition and target, and report whether it did.
type AlertRepository interface {
	ListActiveAlerts(ctx context.Context) ([]models.PriceAlert, error)
	ListActiveAlertsByUser(ctx context.Context, userID string) ([]models.PriceAlert, error)
	ApplyTransition(ctx context.Context, t models.AlertTransition) (bool, error)
}

// SnapshotRepository persists portfolio snapshots
type SnapshotRepository interface {
	AppendSnapshot(ctx context.Context, s *models.PortfolioSnapshot) error
}

// Dispatcher delivers a triggered alert to its user. One attempt per call.
type Dispatcher interface {
	Notify(ctx context.Context, userID string, t models.AlertTransition) error
}

// PriceResolver resolves quotes for a set of coins
type PriceResolver interface {
	Resolve(ctx context.Context, ids []string) (map[string]models.PriceQuote, error)
	LastKnown(ids []string) map[string]models.PriceQuote
}

// Config tunes the scheduler
type Config struct {
	Interval           time.Duration
	CycleTimeout       time.Duration
	Workers            int
	NotifyTimeout      time.Duration
	ValueWithLastKnown bool
}

// Deps are the collaborators of the scheduler
type Deps struct {
	Holdings   HoldingRepository
	Alerts     AlertRepository
	Snapshots  SnapshotRepository
	Dispatcher Dispatcher
	Prices     PriceResolver
}

// CycleReport summarises one cycle
type CycleReport struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Coins       int           `json:"coins"`
	Missing     []string      `json:"missing,omitempty"`
	Transitions int           `json:"transitions"`
	Notified    int           `json:"notified"`
	Snapshots   int           `json:"snapshots"`
	Failures    int           `json:"failures"`
	Abandoned   int           `json:"abandoned"`
	TimedOut    bool          `json:"timed_out"`
	Degraded    bool          `json:"degraded"`
}

// Scheduler runs evaluation cycles on a worker pool
type Scheduler struct {
	deps      Deps
	cfg       Config
	valuer    *valuation.Engine
	evaluator *alerting.Evaluator
	log       *zap.Logger
	now       func() time.Time
	onCycle   func(CycleReport, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock injects the clock, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithReportHook receives every report produced by the periodic loop
func WithReportHook(fn func(CycleReport, error)) Option {
	return func(s *Scheduler) { s.onCycle = fn }
}

// New creates a scheduler. Zero config values fall back to the defaults.
func New(deps Deps, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	s := &Scheduler{
		deps:      deps,
		cfg:       cfg,
		valuer:    valuation.NewEngine(),
		evaluator: alerting.NewEvaluator(),
		log:       logger.Log.Named("scheduler"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a cycle immediately and then once per interval until Stop is
// called or ctx is done. Calling Start again restarts the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.Stop()

	s.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	s.log.Info("Scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("cycle_timeout", s.cfg.CycleTimeout),
		zap.Int("workers", s.cfg.Workers),
	)
}

// Stop cancels the loop and waits for the running cycle to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		report, err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if s.onCycle != nil {
			s.onCycle(report, err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle runs one global cycle synchronously
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: s.now()}
	ctx, span := tracing.Tracer().Start(ctx, "Scheduler.RunCycle")
	defer span.End()

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	var failures, abandoned, transitions, notified, snapshots atomic.Int64

	holdings, err := s.deps.Holdings.ListHoldings(cycleCtx)
	if err != nil {
		s.log.Error("Failed to load holdings", zap.Error(err))
		failures.Add(1)
		report.Degraded = true
	}
	alerts, err := s.deps.Alerts.ListActiveAlerts(cycleCtx)
	if err != nil {
		s.log.Error("Failed to load active alerts", zap.Error(err))
		failures.Add(1)
		report.Degraded = true
	}
	holdings, alerts = s.validRows(holdings, alerts)

	ids := coinIDs(holdings, alerts)
	report.Coins = len(ids)
	prices, missing := s.resolve(cycleCtx, ids)
	report.Missing = missing
	if len(ids) > 0 && len(missing) == len(ids) {
		report.Degraded = true
	}

	var lastKnown map[string]models.PriceQuote
	if s.cfg.ValueWithLastKnown && len(missing) > 0 {
		lastKnown = s.deps.Prices.LastKnown(missing)
	}

	fired, evalFailures := s.evaluate(alerts, prices)
	failures.Add(int64(evalFailures))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			s.runUnit(cycleCtx, name, fn, &failures, &abandoned)
			return nil
		})
	}

	for _, t := range fired {
		run("commit "+t.AlertID, func(ctx context.Context) error {
			applied, delivered, err := s.commit(ctx, t)
			if applied {
				transitions.Add(1)
			}
			if delivered {
				notified.Add(1)
			}
			return err
		})
	}

	for userID, userHoldings := range byUser(holdings) {
		run("value "+userID, func(ctx context.Context) error {
			value := s.value(userID, userHoldings, prices, lastKnown)
			if err := s.snapshot(ctx, value); err != nil {
				return err
			}
			snapshots.Add(1)
			return nil
		})
	}

	_ = g.Wait()

	report.TimedOut = errors.Is(cycleCtx.Err(), context.DeadlineExceeded)
	report.Transitions = int(transitions.Load())
	report.Notified = int(notified.Load())
	report.Snapshots = int(snapshots.Load())
	report.Failures = int(failures.Load())
	report.Abandoned = int(abandoned.Load())
	report.Duration = s.now().Sub(report.StartedAt)

	span.SetAttributes(
		attribute.Int("coins", report.Coins),
		attribute.Int("missing", len(report.Missing)),
		attribute.Int("transitions", report.Transitions),
		attribute.Bool("timed_out", report.TimedOut),
	)
	s.record(report)

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	if report.TimedOut {
		return report, ErrCycleTimeout
	}
	return report, nil
}

// RunForUser runs a manual cycle for one user and returns the valuation.
// Transitions for the user's alerts are committed like in a global cycle.
func (s *Scheduler) RunForUser(ctx context.Context, userID string) (models.PortfolioValue, error) {
	ctx, span := tracing.Tracer().Start(ctx, "Scheduler.RunForUser")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	holdings, err := s.deps.Holdings.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return models.PortfolioValue{}, fmt.Errorf("load holdings for %s: %w", userID, err)
	}
	alerts, err := s.deps.Alerts.ListActiveAlertsByUser(ctx, userID)
	if err != nil {
		s.log.Warn("Failed to load alerts for manual cycle", zap.String("user_id", userID), zap.Error(err))
		alerts = nil
	}
	holdings, alerts = s.validRows(holdings, alerts)

	ids := coinIDs(holdings, alerts)
	prices, missing := s.resolve(ctx, ids)

	var lastKnown map[string]models.PriceQuote
	if s.cfg.ValueWithLastKnown && len(missing) > 0 {
		lastKnown = s.deps.Prices.LastKnown(missing)
	}

	fired, _ := s.evaluate(alerts, prices)
	for _, t := range fired {
		if _, _, err := s.commit(ctx, t); err != nil {
			s.log.Error("Failed to commit alert transition", zap.String("alert_id", t.AlertID), zap.Error(err))
		}
	}

	value := s.value(userID, holdings, prices, lastKnown)
	if len(holdings) > 0 {
		if err := s.snapshot(ctx, value); err != nil {
			s.log.Error("Failed to append snapshot", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return value, nil
}

// runUnit executes one independently committed unit of work. Units that
// have not started by the soft deadline are abandoned; errors and panics are
// counted and logged without affecting other units.
func (s *Scheduler) runUnit(ctx context.Context, name string, fn func(context.Context) error, failures, abandoned *atomic.Int64) {
	if ctx.Err() != nil {
		abandoned.Add(1)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			failures.Add(1)
			s.log.Error("Recovered from panic in cycle unit",
				zap.String("unit", name),
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := fn(ctx); err != nil {
		failures.Add(1)
		s.log.Error("Cycle unit failed", zap.String("unit", name), zap.Error(err))
	}
}

// resolve fetches quotes for ids and returns the ids left unresolved
func (s *Scheduler) resolve(ctx context.Context, ids []string) (map[string]models.PriceQuote, []string) {
	if len(ids) == 0 {
		return map[string]models.PriceQuote{}, nil
	}
	prices, err := s.deps.Prices.Resolve(ctx, ids)
	if prices == nil {
		prices = map[string]models.PriceQuote{}
	}
	if err == nil {
		return prices, nil
	}

	var missing []string
	var pf *pricing.PartialPriceFailure
	if errors.As(err, &pf) {
		missing = pf.Missing
	} else {
		missing = pricing.MissingFrom(ids, prices)
	}
	priceMissingTotal.Add(float64(len(missing)))
	s.log.Warn("Prices unavailable this cycle",
		zap.Strings("missing", missing),
		zap.Int("resolved", len(prices)),
		zap.Error(err),
	)
	return prices, missing
}

// evaluate runs the evaluator over all alerts. If it panics the alerts are
// re-evaluated one by one so only the faulty ones are dropped.
func (s *Scheduler) evaluate(alerts []models.PriceAlert, prices map[string]models.PriceQuote) ([]models.AlertTransition, int) {
	if out, ok := s.tryEvaluate(alerts, prices); ok {
		return out, 0
	}

	var out []models.AlertTransition
	failed := 0
	for i := range alerts {
		t, ok := s.tryEvaluate(alerts[i:i+1], prices)
		if !ok {
			failed++
			s.log.Error("Alert evaluation failed", zap.String("alert_id", alerts[i].ID))
			continue
		}
		out = append(out, t...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertID < out[j].AlertID })
	return out, failed
}

func (s *Scheduler) tryEvaluate(alerts []models.PriceAlert, prices map[string]models.PriceQuote) (out []models.AlertTransition, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from panic in alert evaluation", zap.String("panic", fmt.Sprintf("%v", r)))
			out, ok = nil, false
		}
	}()
	return s.evaluator.Evaluate(alerts, prices), true
}

// commit applies a transition and notifies once if this call applied it.
// The notification runs detached from the cycle deadline.
func (s *Scheduler) commit(ctx context.Context, t models.AlertTransition) (applied, delivered bool, err error) {
	applied, err = s.deps.Alerts.ApplyTransition(ctx, t)
	if err != nil {
		return false, false, fmt.Errorf("apply transition %s: %w", t.AlertID, err)
	}
	if !applied {
		s.log.Debug("Alert transition already applied", zap.String("alert_id", t.AlertID))
		return false, false, nil
	}
	alertTransitionsTotal.WithLabelValues(string(t.Condition)).Inc()
	s.log.Info("Alert triggered",
		zap.String("alert_id", t.AlertID),
		zap.String("user_id", t.UserID),
		zap.String("coin_id", t.CoinID),
		zap.String("condition", string(t.Condition)),
		zap.String("target_price", t.TargetPrice.String()),
		zap.String("triggered_price", t.TriggeredPrice.String()),
	)

	if s.deps.Dispatcher == nil {
		return true, false, nil
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.deps.Dispatcher.Notify(notifyCtx, t.UserID, t); err != nil {
		return true, false, fmt.Errorf("notify %s for alert %s: %w", t.UserID, t.AlertID, err)
	}
	return true, true, nil
}

func (s *Scheduler) value(userID string, holdings []models.Holding, prices, lastKnown map[string]models.PriceQuote) models.PortfolioValue {
	if lastKnown != nil {
		return s.valuer.ValueWithLastKnown(userID, holdings, prices, lastKnown)
	}
	return s.valuer.Value(userID, holdings, prices)
}

func (s *Scheduler) snapshot(ctx context.Context, value models.PortfolioValue) error {
	if s.deps.Snapshots == nil {
		return nil
	}
	snap := value.Snapshot()
	if err := s.deps.Snapshots.AppendSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("append snapshot for %s: %w", value.UserID, err)
	}
	return nil
}

// validRows drops rows that violate the model invariants. They cannot enter
// the engine; each one is logged as a contract violation.
func (s *Scheduler) validRows(holdings []models.Holding, alerts []models.PriceAlert) ([]models.Holding, []models.PriceAlert) {
	validHoldings := holdings[:0:0]
	for _, h := range holdings {
		if err := models.ValidateHolding(h); err != nil {
			s.log.Error("Contract violation: skipping holding", zap.String("holding_id", h.ID), zap.Error(err))
			continue
		}
		validHoldings = append(validHoldings, h)
	}
	validAlerts := alerts[:0:0]
	for _, a := range alerts {
		if !a.IsActive {
			continue
		}
		if err := models.ValidateAlert(a); err != nil {
			s.log.Error("Contract violation: skipping alert", zap.String("alert_id", a.ID), zap.Error(err))
			continue
		}
		validAlerts = append(validAlerts, a)
	}
	return validHoldings, validAlerts
}

func (s *Scheduler) record(r CycleReport) {
	outcome := "ok"
	switch {
	case r.TimedOut:
		outcome = "timeout"
	case r.Degraded:
		outcome = "degraded"
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(r.Duration.Seconds())

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Duration("duration", r.Duration),
		zap.Int("coins", r.Coins),
		zap.Int("missing", len(r.Missing)),
		zap.Int("transitions", r.Transitions),
		zap.Int("notified", r.Notified),
		zap.Int("snapshots", r.Snapshots),
		zap.Int("failures", r.Failures),
		zap.Int("abandoned", r.Abandoned),
	}
	if outcome == "ok" && r.Failures == 0 {
		s.log.Info("Cycle completed", fields...)
	} else {
		s.log.Warn("Cycle completed with problems", fields...)
	}
}

func coinIDs(holdings []models.Holding, alerts []models.PriceAlert) []string {
	set := make(map[string]struct{})
	for _, h := range holdings {
		set[h.CoinID] = struct{}{}
	}
	for _, a := range alerts {
		set[a.CoinID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func byUser(holdings []models.Holding) map[string][]models.Holding {
	out := make(map[string][]models.Holding)
	for _, h := range holdings {
		out[h.UserID] = append(out[h.UserID], h)
	}
	return out
}
