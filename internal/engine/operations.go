package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/windkeeper/windkeeper/internal/aggregate"
	"github.com/windkeeper/windkeeper/internal/breaks"
	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/event"
	"github.com/windkeeper/windkeeper/internal/metrics"
	"github.com/windkeeper/windkeeper/internal/notify"
	"github.com/windkeeper/windkeeper/internal/reporter"
	"github.com/windkeeper/windkeeper/internal/session"
	"github.com/windkeeper/windkeeper/internal/storage"
)

var _ reporter.Sink = (*Engine)(nil)

// View is a point-in-time read of the live companion for display.
type View struct {
	ID          uuid.UUID
	Name        string
	PresetID    string
	Day         string
	Pressure    float64
	Stage       companion.Stage
	OnBreak     bool
	BreakKind   breaks.Kind
	BreakEndsAt *time.Time
	Lost        bool
	LostReason  companion.LostReason
	Age         time.Duration
}

// CreateCompanion brings a new live companion into existence. Exactly one
// live companion may exist at a time.
func (e *Engine) CreateCompanion(name, presetID string) (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec != nil {
		return View{}, ErrCompanionExists
	}
	if presetID == "" {
		presetID = e.cfg.DefaultPresetID
	}
	preset, ok := e.cfg.Presets[presetID]
	if !ok {
		return View{}, fmt.Errorf("%w: %q", ErrUnknownPreset, presetID)
	}

	now := e.clk.Now()
	e.rec = companion.New(name, preset, now, e.cfg.Location)

	ctx := context.Background()
	if err := e.log.Append(ctx, event.DayStart(e.rec.ID, now)); err != nil {
		e.rec = nil
		return View{}, err
	}
	if err := e.persistLocked(now); err != nil {
		e.rec = nil
		return View{}, err
	}

	e.logger.Info().
		Str("companion_id", e.rec.ID.String()).
		Str("name", name).
		Str("preset", presetID).
		Msg("Companion created")
	e.requestSync(false)
	return e.viewLocked(now), nil
}

// Snapshot returns the current state of the live companion.
func (e *Engine) Snapshot() (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return View{}, ErrNoCompanion
	}
	return e.viewLocked(e.clk.Now()), nil
}

func (e *Engine) viewLocked(now time.Time) View {
	preset := e.preset()
	v := View{
		ID:         e.rec.ID,
		Name:       e.rec.Name,
		PresetID:   e.rec.PresetID,
		Day:        e.rec.CurrentDay,
		Pressure:   e.rec.EffectivePressure(preset, now),
		Stage:      e.rec.Stage(preset, e.cfg.Thresholds, now),
		Lost:       e.rec.Lost,
		LostReason: e.rec.LostReason,
		Age:        e.rec.Age(now),
	}
	if b := e.rec.ActiveBreak; b != nil {
		v.OnBreak = true
		v.BreakKind = b.Kind
		if end, ok := b.NaturalEnd(e.cfg.Location); ok {
			v.BreakEndsAt = &end
		}
	}
	return v
}

// ReportUsage folds a cumulative usage reading from the external reporter
// into the pressure model. During a break the reading only advances the
// session counter: break-time usage neither raises pressure nor earns
// credit later.
func (e *Engine) ReportUsage(subjectID uuid.UUID, cumulativeSeconds int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return ErrNoCompanion
	}
	if subjectID != e.rec.ID {
		return fmt.Errorf("engine: report for unknown subject %s", subjectID)
	}
	if e.rec.Lost {
		return nil
	}

	now := e.clk.Now()
	if err := e.checkBreakCompletionLocked(now); err != nil {
		return err
	}
	if err := e.checkRolloverLocked(now); err != nil {
		return err
	}

	ctx := context.Background()
	preset := e.preset()

	if e.rec.ActiveBreak != nil {
		session.Freeze(&e.rec.State, cumulativeSeconds)
		return e.persistLocked(now)
	}

	rep := session.Apply(&e.rec.State, cumulativeSeconds, now)
	if rep.Restarted {
		e.logger.Debug().
			Int64("reported_seconds", cumulativeSeconds).
			Msg("Reporter counter reset, new monitoring session")
	}
	if rep.DeltaSeconds > 0 {
		metrics.UsageSecondsAccumulated.WithLabelValues(e.rec.Name).Add(float64(rep.DeltaSeconds))
	}

	p := e.rec.State.Effective(preset.LimitSeconds())
	if err := e.log.Append(ctx, event.UsageThreshold(e.rec.ID, now, p, e.rec.State.MonitoredCumulativeSeconds)); err != nil {
		return err
	}
	if err := e.persistLocked(now); err != nil {
		return err
	}

	if p >= 100 {
		return e.markLostLocked(companion.ReasonPressureSaturated, now)
	}
	e.requestSync(false)
	return nil
}

// StartBreak activates a break of the given kind. Mode is required for
// committed breaks and ignored otherwise.
func (e *Engine) StartBreak(kind breaks.Kind, mode *breaks.CommittedMode) (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return View{}, ErrNoCompanion
	}
	if e.rec.Lost {
		return View{}, ErrCompanionLost
	}

	now := e.clk.Now()
	if err := e.checkBreakCompletionLocked(now); err != nil {
		return View{}, err
	}

	preset := e.preset()
	p := e.rec.State.Effective(preset.LimitSeconds())

	b, err := breaks.Start(e.rec.ActiveBreak, kind, mode, now, p, preset.FallRatePerSecond(), e.rec.State.Baseline)
	if err != nil {
		return View{}, err
	}
	e.rec.ActiveBreak = b

	ctx := context.Background()
	if err := e.log.Append(ctx, event.BreakStarted(e.rec.ID, now, p, string(kind))); err != nil {
		e.rec.ActiveBreak = nil
		return View{}, err
	}
	if err := e.persistLocked(now); err != nil {
		return View{}, err
	}

	metrics.BreaksStarted.WithLabelValues(string(kind)).Inc()
	e.scheduleBreakNotification(b)
	e.logger.Info().
		Str("kind", string(kind)).
		Float64("pressure", p).
		Msg("Break started")
	e.requestSync(false)
	return e.viewLocked(now), nil
}

// EndBreak ends the active break at the user's request. Ending a free break
// is always a success. Ending a committed break before its natural end is a
// violation and loses the companion. A safety break cannot be ended here,
// only unlocked.
func (e *Engine) EndBreak() (breaks.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return breaks.Outcome{}, ErrNoCompanion
	}
	b := e.rec.ActiveBreak
	if b == nil {
		return breaks.Outcome{}, ErrNoBreak
	}
	if b.Kind == breaks.KindSafety {
		return breaks.Outcome{}, errors.New("engine: safety break must be unlocked, not ended")
	}

	now := e.clk.Now()

	// If the break already ran to its natural end, honor that end even if
	// the poll has not observed it yet.
	if done, at := b.CheckCompletion(now, e.cfg.Location); done {
		out := *e.outcomeLocked(at, true)
		return out, e.applyOutcomeLocked(out, at, true)
	}

	success := b.Kind == breaks.KindFree
	out := *e.outcomeLocked(now, success)
	return out, e.applyOutcomeLocked(out, now, false)
}

// UnlockSafetyBreak attempts to lift an active safety break. The unlock is
// granted only when the projected pressure has fallen below the safe
// threshold; forcing it past that gate loses the companion.
func (e *Engine) UnlockSafetyBreak(force bool) (breaks.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return breaks.Outcome{}, ErrNoCompanion
	}
	b := e.rec.ActiveBreak
	if b == nil || b.Kind != breaks.KindSafety {
		return breaks.Outcome{}, ErrNoBreak
	}

	now := e.clk.Now()
	projected := b.Projected(now)

	if projected < e.cfg.SafeUnlockBelow {
		out := *e.outcomeLocked(now, true)
		return out, e.applyOutcomeLocked(out, now, false)
	}
	if !force {
		return breaks.Outcome{}, fmt.Errorf("engine: pressure %.1f still above safe threshold %.1f", projected, e.cfg.SafeUnlockBelow)
	}

	out := *e.outcomeLocked(now, false)
	if err := e.applyOutcomeLocked(out, now, false); err != nil {
		return out, err
	}
	return out, e.markLostLocked(companion.ReasonPressureSaturated, now)
}

// SafetyShieldEngaged is called by the reporter when its shield kicks in.
// It places the companion on a safety break; an already active break of any
// kind absorbs the signal.
func (e *Engine) SafetyShieldEngaged(subjectID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil || subjectID != e.rec.ID || e.rec.Lost {
		return nil
	}
	if e.rec.ActiveBreak != nil {
		return nil
	}

	now := e.clk.Now()
	preset := e.preset()
	p := e.rec.State.Effective(preset.LimitSeconds())

	b, err := breaks.Start(nil, breaks.KindSafety, nil, now, p, preset.FallRatePerSecond(), e.rec.State.Baseline)
	if err != nil {
		return err
	}
	e.rec.ActiveBreak = b

	ctx := context.Background()
	if err := e.log.Append(ctx, event.AutoLocked(e.rec.ID, now, p)); err != nil {
		return err
	}
	if err := e.log.Append(ctx, event.BreakStarted(e.rec.ID, now, p, string(breaks.KindSafety))); err != nil {
		return err
	}
	if err := e.persistLocked(now); err != nil {
		return err
	}

	metrics.BreaksStarted.WithLabelValues(string(breaks.KindSafety)).Inc()
	e.logger.Warn().Float64("pressure", p).Msg("Safety shield engaged, safety break started")
	e.requestSync(true)
	return nil
}

// AuthorizationChanged is called by the reporter when monitoring permission
// is granted or revoked. Revocation starts a grace window; if it expires
// without the permission coming back, the companion is lost.
func (e *Engine) AuthorizationChanged(granted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx := context.Background()
	flags := e.store.Flags()

	if granted {
		if err := flags.Delete(ctx, storage.FlagNeedsReauthorization); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := flags.Delete(ctx, storage.FlagAuthGraceDeadline); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		e.logger.Info().Msg("Monitoring authorization granted")
		return nil
	}

	now := e.clk.Now()
	if err := flags.Set(ctx, storage.FlagNeedsReauthorization, "1"); err != nil {
		return err
	}
	deadline := now.Add(e.cfg.AuthorizationGrace)
	if err := flags.Set(ctx, storage.FlagAuthGraceDeadline, deadline.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	e.logger.Warn().Time("grace_deadline", deadline).Msg("Monitoring authorization revoked")
	return nil
}

// AppSelectionChanged is called by the reporter when the monitored-app
// selection stops resolving (an app was removed) or resolves again. The flag
// survives restarts so the UI can prompt for reselection; unlike a revoked
// authorization it carries no deadline.
func (e *Engine) AppSelectionChanged(valid bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx := context.Background()
	if valid {
		if err := e.store.Flags().Delete(ctx, storage.FlagNeedsAppReselection); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		e.logger.Info().Msg("Monitored-app selection restored")
		return nil
	}
	if err := e.store.Flags().Set(ctx, storage.FlagNeedsAppReselection, "1"); err != nil {
		return err
	}
	e.logger.Warn().Msg("Monitored-app selection needs attention")
	return nil
}

// ArchiveOrDelete removes the lost live companion. Companions that lived at
// least the minimum age are archived; younger ones are deleted outright.
// Returns true when the companion was archived.
func (e *Engine) ArchiveOrDelete() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return false, ErrNoCompanion
	}
	if !e.rec.Lost {
		return false, errors.New("engine: companion is not lost")
	}

	now := e.clk.Now()
	ctx := context.Background()
	archived := e.rec.ShouldArchive(e.cfg.MinArchiveAge, now)

	if archived {
		e.refreshDailyStatsLocked(ctx, now)
		if err := e.store.Companions().UpsertArchived(ctx, e.rec.Archive()); err != nil {
			return false, err
		}
	}
	if err := e.store.Companions().DeleteLive(ctx); err != nil {
		return false, err
	}
	if err := e.log.Purge(ctx, e.rec.ID); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to purge events for removed companion")
	}

	e.logger.Info().
		Str("companion_id", e.rec.ID.String()).
		Bool("archived", archived).
		Msg("Companion removed")
	e.rec = nil
	e.requestSync(true)
	return archived, nil
}

// SetPendingPreset stages a preset change that takes effect at the next day
// rollover. Changing limits mid-day would rewrite pressure history.
func (e *Engine) SetPendingPreset(presetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return ErrNoCompanion
	}
	if _, ok := e.cfg.Presets[presetID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPreset, presetID)
	}
	e.rec.PendingPresetID = presetID
	e.rec.LimitedSourceChangeCount++
	return e.persistLocked(e.clk.Now())
}

// Stats returns per-day usage totals and the averaged hourly histogram over
// the given window.
func (e *Engine) Stats(ctx context.Context, from, to time.Time) ([]aggregate.DailyUsageStat, aggregate.Histogram, error) {
	e.mu.Lock()
	if e.rec == nil {
		e.mu.Unlock()
		return nil, aggregate.Histogram{}, ErrNoCompanion
	}
	id := e.rec.ID
	e.mu.Unlock()

	now := e.clk.Now()
	daily, err := e.agg.DailyTotals(ctx, id, from, to)
	if err != nil {
		return nil, aggregate.Histogram{}, err
	}
	hourly, err := e.agg.HourlyHistogram(ctx, id, from, to, now)
	if err != nil {
		return nil, aggregate.Histogram{}, err
	}
	return daily, hourly, nil
}

func (e *Engine) outcomeLocked(at time.Time, success bool) *breaks.Outcome {
	preset := e.preset()
	out := e.rec.ActiveBreak.End(e.rec.State, preset.LimitSeconds(), at, success)
	return &out
}

// applyOutcomeLocked commits a break outcome: clears the active break,
// applies forgiveness, records history, and handles violation and
// auto-chaining. natural marks completion at the break's own end, which is
// the only path that may chain a follow-up free break.
func (e *Engine) applyOutcomeLocked(out breaks.Outcome, at time.Time, natural bool) error {
	b := e.rec.ActiveBreak
	e.rec.ActiveBreak = nil
	e.rec.State.ForgivenSeconds = out.NewForgivenSeconds

	e.rec.BreakHistory = append(e.rec.BreakHistory, companion.CompletedBreak{
		Kind:            b.Kind,
		StartedAt:       b.ActivatedAt,
		EndedAt:         out.EndedAt,
		ActualMinutes:   out.ActualMinutes,
		Success:         out.Success,
		ForgivenSeconds: out.NewForgivenSeconds,
	})

	ctx := context.Background()
	if err := e.log.Append(ctx, event.BreakEnded(e.rec.ID, out.EndedAt, out.NewPressure, out.ActualMinutes, out.Success)); err != nil {
		return err
	}
	if err := e.notifier.Cancel(notify.IDBreakComplete); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to cancel break notification")
	}
	metrics.BreaksEnded.WithLabelValues(string(b.Kind), fmt.Sprintf("%t", out.Success)).Inc()

	e.logger.Info().
		Str("kind", string(b.Kind)).
		Bool("success", out.Success).
		Int("actual_minutes", out.ActualMinutes).
		Float64("pressure", out.NewPressure).
		Msg("Break ended")

	if out.Violation {
		if err := e.persistLocked(e.clk.Now()); err != nil {
			return err
		}
		return e.markLostLocked(companion.ReasonBreakViolation, e.clk.Now())
	}

	// A committed break that ran to completion chains into a free break,
	// backdated to the exact natural end so the gap between completion and
	// detection is spent on break.
	if natural && b.Kind == breaks.KindCommitted && e.cfg.AutoLockAfterBreak {
		preset := e.preset()
		next, err := breaks.Start(nil, breaks.KindFree, nil, at, out.NewPressure, preset.FallRatePerSecond(), e.rec.State.Baseline)
		if err == nil {
			e.rec.ActiveBreak = next
			if err := e.log.Append(ctx, event.AutoLocked(e.rec.ID, at, out.NewPressure)); err != nil {
				return err
			}
			if err := e.log.Append(ctx, event.BreakStarted(e.rec.ID, at, out.NewPressure, string(breaks.KindFree))); err != nil {
				return err
			}
			metrics.BreaksStarted.WithLabelValues(string(breaks.KindFree)).Inc()
			e.logger.Info().Msg("Auto-locked into free break after committed completion")
		}
	}

	if err := e.persistLocked(e.clk.Now()); err != nil {
		return err
	}
	e.requestSync(false)
	return nil
}

// endBreakLocked ends the active break at the given instant, used by the
// completion poll.
func (e *Engine) endBreakLocked(at time.Time, success, natural bool) error {
	if e.rec.ActiveBreak == nil {
		return nil
	}
	out := *e.outcomeLocked(at, success)
	return e.applyOutcomeLocked(out, at, natural)
}

func (e *Engine) scheduleBreakNotification(b *breaks.ActiveBreak) {
	end, ok := b.NaturalEnd(e.cfg.Location)
	if !ok {
		return
	}
	payload := notify.Payload{
		Title: "Break complete",
		Body:  fmt.Sprintf("Your %s break has finished.", b.Kind),
	}
	if err := e.notifier.Schedule(notify.IDBreakComplete, end, payload); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to schedule break notification")
	}
}
