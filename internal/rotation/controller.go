package rotation

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nymgate/lp-gateway/internal/keymanager"
	lpmetrics "github.com/nymgate/lp-gateway/internal/metrics"
	"github.com/nymgate/lp-gateway/internal/replay"
)

// ActionKind names the next action the controller will execute.
type ActionKind int

const (
	PreAnnounce ActionKind = iota
	SwapDefault
	PurgeOld
)

func (k ActionKind) String() string {
	switch k {
	case PreAnnounce:
		return "pre_announce"
	case SwapDefault:
		return "swap_default"
	case PurgeOld:
		return "purge_old"
	default:
		return "unknown"
	}
}

// NextAction is the controller's re-derived plan: what to do, and when.
type NextAction struct {
	Kind       ActionKind
	RotationID uint32
	Deadline   time.Time
}

// UntilDeadline reports the duration remaining until the action's deadline,
// clamped at zero.
func (a NextAction) UntilDeadline(now time.Time) time.Duration {
	d := a.Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Controller is the single long-lived task driving the KeyManager and
// replay FilterSet through PreAnnounce -> SwapDefault -> PurgeOld. On each
// wake it re-derives the next action from ground truth (the directory's
// epoch schedule plus the KeyManager's current secondary slot) rather than
// trusting a local cursor, exactly as
// original_source/nym-node/.../key_rotation/controller.rs does.
type Controller struct {
	KeyManager *keymanager.KeyManager
	Filters    *replay.FilterSet
	Directory  DirectoryClient

	PollInterval time.Duration
	PacketBudget uint64
	Epsilon      float64

	Metrics *lpmetrics.Collector
	Logger  *slog.Logger

	// Shutdown is invoked when an invariant violation (slot-state mismatch)
	// is detected. The rotation controller never panics or exits the
	// process directly; it signals the shared shutdown token instead.
	Shutdown context.CancelFunc
}

// Run drives the controller loop until ctx is cancelled. Failures querying
// the directory are retried with a jittered exponential backoff and never
// block node operation; invariant violations on the key/filter slots
// invoke Shutdown.
func (c *Controller) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		schedule, err := c.fetchScheduleWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("directory fetch exhausted retry budget, will retry on next wake", "error", err)
			continue
		}

		action := c.determineNextAction(schedule)
		wait := action.UntilDeadline(time.Now())

		logger.Debug("rotation controller next action",
			"action", action.Kind.String(), "rotation_id", action.RotationID, "wait", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
			c.executeAction(ctx, action)
		case <-time.After(c.PollInterval):
			// Configuration drift absorbed here: loop and re-derive.
			continue
		}
	}
}

func (c *Controller) fetchScheduleWithRetry(ctx context.Context) (EpochSchedule, error) {
	var out EpochSchedule

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute

	op := func() error {
		s, err := c.Directory.FetchEpochSchedule(ctx)
		if err != nil {
			return err
		}
		out = s
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return EpochSchedule{}, err
	}

	return out, nil
}

// determineNextAction re-derives the next action from schedule and the
// KeyManager's current secondary slot. A secondary rotation id outside
// {current-1} is treated as corrupt: it is purged immediately and logged
// as an error, and the derivation continues as if no secondary were held
// (SwapDefault if a pre-announced key is held, else PreAnnounce).
func (c *Controller) determineNextAction(schedule EpochSchedule) NextAction {
	current := schedule.RotationID()

	secondaryID, hasSecondary := c.KeyManager.SecondaryRotationID()
	if hasSecondary && secondaryID != current-1 {
		logger := c.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("corrupt secondary key slot, purging immediately",
			"secondary_rotation_id", secondaryID, "current_rotation_id", current)
		if c.Metrics != nil {
			c.Metrics.RotationInvariantViolations.Inc()
		}
		c.KeyManager.ForcePurgeSecondary()
		_ = c.Filters.PurgeSecondary()
		hasSecondary = false
	}

	switch {
	case hasSecondary:
		// Overlap key from the previous rotation is still held: purge it
		// one epoch after the current rotation started.
		return NextAction{
			Kind:       PurgeOld,
			RotationID: secondaryID,
			Deadline:   epochStart(schedule, schedule.CurrentRotationStartEpoch()+1),
		}
	case c.preAnnounced():
		return NextAction{
			Kind:       SwapDefault,
			RotationID: current + 1,
			Deadline:   epochStart(schedule, schedule.NextRotationEpoch()),
		}
	default:
		return NextAction{
			Kind:       PreAnnounce,
			RotationID: current + 1,
			Deadline:   epochStart(schedule, schedule.NextRotationEpoch()-1),
		}
	}
}

// preAnnounced reports whether a pre-announced key is currently held.
// KeyManager does not expose its pre_announced slot directly to avoid
// leaking a raw key handle; instead it is inferred via a dedicated probe.
func (c *Controller) preAnnounced() bool {
	return c.KeyManager.HasPreAnnounced()
}

func epochStart(schedule EpochSchedule, epochID uint64) time.Time {
	delta := int64(epochID) - int64(schedule.CurrentEpochID)
	return schedule.EpochStartTS.Add(time.Duration(delta) * schedule.EpochDuration)
}

func (c *Controller) executeAction(ctx context.Context, action NextAction) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	switch action.Kind {
	case PreAnnounce:
		err = c.preAnnounce(action.RotationID)
	case SwapDefault:
		err = c.swapDefault()
	case PurgeOld:
		err = c.purgeOld()
	}

	if err != nil {
		logger.Error("rotation action failed, invariant violation", "action", action.Kind.String(), "error", err)
		if c.Shutdown != nil {
			c.Shutdown()
		}
		return
	}

	if c.Metrics != nil {
		c.Metrics.RotationActions.WithLabelValues(action.Kind.String()).Inc()
		if p := c.KeyManager.CurrentPrimary(); p != nil {
			c.Metrics.KeyRotationID.Set(float64(p.RotationID))
		}
	}
}

func (c *Controller) preAnnounce(rotationID uint32) error {
	if err := c.KeyManager.GenerateForNext(rotationID); err != nil {
		return err
	}
	return c.Filters.AllocatePreAnnounced(rotationID)
}

func (c *Controller) swapDefault() error {
	if err := c.KeyManager.SwapIntoPrimary(); err != nil {
		return err
	}
	return c.Filters.PromotePreAnnounced()
}

func (c *Controller) purgeOld() error {
	if _, err := c.KeyManager.PurgeSecondary(); err != nil {
		return err
	}
	return c.Filters.PurgeSecondary()
}
