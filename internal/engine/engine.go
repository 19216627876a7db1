// Package engine is the single local writer for the live companion record.
// It serializes every pressure/break/lifecycle mutation, drives the
// completion poll, and owns the day rollover. All reads are point-in-time
// projections from persisted state plus wall-clock now: correctness never
// depends on the poll's punctuality, only on it eventually running again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/windkeeper/windkeeper/internal/aggregate"
	"github.com/windkeeper/windkeeper/internal/clock"
	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/event"
	"github.com/windkeeper/windkeeper/internal/eventlog"
	"github.com/windkeeper/windkeeper/internal/metrics"
	"github.com/windkeeper/windkeeper/internal/notify"
	"github.com/windkeeper/windkeeper/internal/pressure"
	"github.com/windkeeper/windkeeper/internal/session"
	"github.com/windkeeper/windkeeper/internal/storage"
	"github.com/windkeeper/windkeeper/internal/syncer"
)

var (
	// ErrNoCompanion is returned when an operation needs a live companion.
	ErrNoCompanion = errors.New("engine: no live companion")
	// ErrCompanionExists enforces the single-companion-per-device invariant.
	ErrCompanionExists = errors.New("engine: a live companion already exists")
	// ErrCompanionLost is returned for mutations on a lost companion.
	ErrCompanionLost = errors.New("engine: companion is lost")
	// ErrNoBreak is returned when ending a break that is not running.
	ErrNoBreak = errors.New("engine: no active break")
	// ErrUnknownPreset is returned for a preset id outside the catalog.
	ErrUnknownPreset = errors.New("engine: unknown preset")
)

// Config holds the engine's behavior knobs.
type Config struct {
	Presets            map[string]pressure.Preset
	DefaultPresetID    string
	Thresholds         companion.Thresholds
	SafeUnlockBelow    float64
	MinArchiveAge      time.Duration
	AutoLockAfterBreak bool
	AuthorizationGrace time.Duration
	PollInterval       time.Duration
	DailyResetTime     string // HH:MM
	EventRetention     time.Duration
	Location           *time.Location
}

// Engine owns the live companion record.
type Engine struct {
	cfg      Config
	store    storage.Store
	log      *eventlog.Log
	agg      *aggregate.Aggregator
	clk      clock.Clock
	notifier notify.Scheduler
	syncer   *syncer.Reconciler // nil when remote sync is disabled
	logger   zerolog.Logger

	mu  sync.Mutex
	rec *companion.Record

	cron     *cron.Cron
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates an engine and loads the live companion record, if any.
func New(store storage.Store, clk clock.Clock, notifier notify.Scheduler, sync *syncer.Reconciler, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Thresholds == (companion.Thresholds{}) {
		cfg.Thresholds = companion.DefaultThresholds
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	log := eventlog.New(store.Events(), logger)
	agg, err := aggregate.NewAggregator(log, cfg.Location)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		log:      log,
		agg:      agg,
		clk:      clk,
		notifier: notifier,
		syncer:   sync,
		logger:   logger.With().Str("component", "engine").Logger(),
		stopChan: make(chan struct{}),
	}

	rec, err := store.Companions().GetLive(context.Background())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load live companion: %w", err)
	}
	e.rec = rec

	return e, nil
}

// Start launches the completion poll and the daily schedules, then re-runs
// completion detection once: a break must never stay stuck active because
// the process was terminated before its timer fired.
func (e *Engine) Start() error {
	if err := e.Resume(); err != nil {
		e.logger.Error().Err(err).Msg("Resume check failed on start")
	}

	go e.pollLoop()

	e.cron = cron.New(cron.WithLocation(e.cfg.Location))
	resetSpec, err := cronSpecFromHHMM(e.cfg.DailyResetTime)
	if err != nil {
		return fmt.Errorf("invalid daily_reset_time: %w", err)
	}
	if _, err := e.cron.AddFunc(resetSpec, func() {
		if err := e.Resume(); err != nil {
			e.logger.Error().Err(err).Msg("Daily reset check failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	if e.cfg.EventRetention > 0 {
		if _, err := e.cron.AddFunc("30 3 * * *", e.cleanupRetention); err != nil {
			return fmt.Errorf("schedule retention cleanup: %w", err)
		}
	}
	e.cron.Start()

	e.logger.Info().
		Dur("poll_interval", e.cfg.PollInterval).
		Str("daily_reset_time", e.cfg.DailyResetTime).
		Msg("Engine started")
	return nil
}

// Stop halts the poll and the schedules.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		if e.cron != nil {
			e.cron.Stop()
		}
		e.logger.Info().Msg("Engine stopped")
	})
}

func (e *Engine) pollLoop() {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if err := e.Resume(); err != nil {
				e.logger.Error().Err(err).Msg("Poll check failed")
			}
		}
	}
}

// Resume is the idempotent re-check entry point, run on every poll tick and
// once on every foreground transition or process start. It applies, in
// order: break completion, day rollover, and the authorization grace
// deadline, all computed from persisted timestamps and wall-clock now.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil || e.rec.Lost {
		return nil
	}
	now := e.clk.Now()

	if err := e.checkBreakCompletionLocked(now); err != nil {
		return err
	}
	if err := e.checkRolloverLocked(now); err != nil {
		return err
	}
	return e.checkAuthGraceLocked(now)
}

func (e *Engine) checkBreakCompletionLocked(now time.Time) error {
	b := e.rec.ActiveBreak
	if b == nil {
		return nil
	}
	done, at := b.CheckCompletion(now, e.cfg.Location)
	if !done {
		return nil
	}
	// Backdated to the natural end: detection delay caused by process
	// suspension must not be credited or debited to the user.
	return e.endBreakLocked(at, true, true)
}

func (e *Engine) checkRolloverLocked(now time.Time) error {
	if !session.RolledOver(e.rec.CurrentDay, now, e.cfg.Location) {
		return nil
	}
	// A break spanning midnight defers the reset: resetting State while the
	// break still projects from yesterday's anchor would desynchronize the
	// two. The completion check runs first, so committed breaks with a
	// natural end resolve before this; free and safety breaks roll the day
	// over once they end.
	if e.rec.ActiveBreak != nil {
		return nil
	}

	preset := e.preset()
	ctx := context.Background()

	resetPressure := e.rec.State.Effective(preset.LimitSeconds())
	if err := e.log.Append(ctx, event.DailyReset(e.rec.ID, now, resetPressure)); err != nil {
		return err
	}

	// Preset changes take effect only here: mid-day they would
	// retroactively alter historical pressure.
	if e.rec.PendingPresetID != "" {
		if p, ok := e.cfg.Presets[e.rec.PendingPresetID]; ok {
			e.rec.PresetID = p.ID
			preset = p
		}
		e.rec.PendingPresetID = ""
	}

	e.rec.State.ResetForDay(preset.Baseline)
	e.rec.State.RiseRate = preset.RiseRatePerSecond()
	e.rec.State.FallRate = preset.FallRatePerSecond()
	e.rec.CurrentDay = session.Day(now, e.cfg.Location)

	if err := e.log.Append(ctx, event.DayStart(e.rec.ID, now)); err != nil {
		return err
	}

	e.refreshDailyStatsLocked(ctx, now)

	if err := e.persistLocked(now); err != nil {
		return err
	}

	e.scheduleDailySummary(now, resetPressure)

	e.logger.Info().Str("day", e.rec.CurrentDay).Msg("Day rolled over, pressure reset")
	e.requestSync(false)
	return nil
}

// scheduleDailySummary queues the advisory end-of-day recap. Failures are
// logged and ignored: the summary never gates engine correctness.
func (e *Engine) scheduleDailySummary(now time.Time, finalPressure float64) {
	var total int64
	if n := len(e.rec.DailyStats); n > 0 {
		total = e.rec.DailyStats[n-1].TotalSeconds
	}
	payload := notify.Payload{
		Title: fmt.Sprintf("%s made it through the day", e.rec.Name),
		Body:  fmt.Sprintf("%d minutes of monitored use, pressure ended at %.0f.", total/60, finalPressure),
	}
	if err := e.notifier.Schedule(notify.IDDailySummary, now, payload); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to schedule daily summary notification")
	}
}

func (e *Engine) checkAuthGraceLocked(now time.Time) error {
	ctx := context.Background()
	deadline, err := e.store.Flags().Get(ctx, storage.FlagAuthGraceDeadline)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	at, err := time.Parse(time.RFC3339Nano, deadline)
	if err != nil {
		// Unreadable deadline: clear it rather than wedge the poll.
		return e.store.Flags().Delete(ctx, storage.FlagAuthGraceDeadline)
	}
	if now.Before(at) {
		return nil
	}
	return e.markLostLocked(companion.ReasonAuthorizationLost, now)
}

// refreshDailyStatsLocked rebuilds the cached per-day totals on the record
// from the event log. Best effort: the log is the source of truth.
func (e *Engine) refreshDailyStatsLocked(ctx context.Context, now time.Time) {
	stats, err := e.agg.DailyTotals(ctx, e.rec.ID, e.rec.CreatedAt.Add(-24*time.Hour), now)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to rebuild daily stats")
		return
	}
	e.rec.DailyStats = stats
}

func (e *Engine) cleanupRetention() {
	cutoff := e.clk.Now().Add(-e.cfg.EventRetention)
	if _, err := e.log.DeleteBefore(context.Background(), cutoff); err != nil {
		e.logger.Error().Err(err).Msg("Retention cleanup failed")
	}
}

func (e *Engine) preset() pressure.Preset {
	if e.rec != nil {
		if p, ok := e.cfg.Presets[e.rec.PresetID]; ok {
			return p
		}
	}
	return e.cfg.Presets[e.cfg.DefaultPresetID]
}

func (e *Engine) persistLocked(now time.Time) error {
	preset := e.preset()
	stage := e.rec.Stage(preset, e.cfg.Thresholds, now)
	if e.rec.RecordEvolution(stage, now) {
		e.logger.Info().Str("stage", string(stage)).Msg("Companion stage changed")
	}
	e.rec.UpdatedAt = now
	if err := e.store.Companions().PutLive(context.Background(), *e.rec); err != nil {
		return fmt.Errorf("persist companion: %w", err)
	}
	metrics.PressureCurrent.WithLabelValues(e.rec.Name).Set(e.rec.EffectivePressure(preset, now))
	return nil
}

func (e *Engine) requestSync(critical bool) {
	if e.syncer != nil {
		e.syncer.Request(critical)
	}
}

func (e *Engine) markLostLocked(reason companion.LostReason, now time.Time) error {
	if err := e.rec.MarkLost(reason, now); err != nil {
		return nil // already lost, original reason stands
	}
	metrics.CompanionsLost.WithLabelValues(string(reason)).Inc()
	e.logger.Warn().
		Str("companion_id", e.rec.ID.String()).
		Str("reason", string(reason)).
		Msg("Companion lost")
	if err := e.persistLocked(now); err != nil {
		return err
	}
	e.requestSync(true)
	return nil
}

func cronSpecFromHHMM(hhmm string) (string, error) {
	if hhmm == "" {
		return "0 0 * * *", nil
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}
