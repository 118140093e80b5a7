// Package assembler turns discovered subband files into observation groups
// and hands complete groups to the work queue.
//
// One discovery event is one transaction: the subband row, the group row,
// the recomputed subband count, and any enqueue all land together or not at
// all. The enqueue itself is guarded by a conditional collecting -> pending
// transition, so concurrent discovery events and the scheduler's promotion
// sweep resolve to exactly one process_group item per group.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-obs/contimg/internal/calibration"
	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/mjd"
	"github.com/meridian-obs/contimg/internal/queue"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
	"github.com/meridian-obs/contimg/internal/watcher"
)

// Assembler assembles subband discovery events into groups. Safe for
// concurrent use; all state lives in the store.
type Assembler struct {
	store      storage.Store
	kern       kernel.Kernel
	catalog    *calibration.Catalog // nil disables calibrator matching
	ingest     config.IngestConfig
	maxRetries int
	log        *slog.Logger

	wake func()
	now  func() time.Time
}

// New returns an assembler applying cfg's ingest thresholds. The kernel is
// used only for the subband-0 metadata probe; catalog may be nil when no
// calibrator catalog is configured.
func New(store storage.Store, kern kernel.Kernel, catalog *calibration.Catalog, cfg *config.Config, log *slog.Logger) *Assembler {
	return &Assembler{
		store:      store,
		kern:       kern,
		catalog:    catalog,
		ingest:     cfg.Ingest,
		maxRetries: cfg.Orchestrator.DefaultRetry.MaxAttempts,
		log:        logging.OrDiscard(log),
		now:        time.Now,
	}
}

// SetWake installs a callback invoked after each successful enqueue,
// typically the worker pool's Wake.
func (a *Assembler) SetWake(fn func()) { a.wake = fn }

// HandleEvent ingests one discovered subband file. Repeat deliveries of the
// same file refresh size and mtime and are otherwise no-ops.
func (a *Assembler) HandleEvent(ctx context.Context, ev watcher.Event) error {
	now := a.now().UTC()

	// The metadata probe shells out to the kernel and can take seconds, so
	// it runs before the store transaction opens.
	var probe *kernel.ProbeResult
	if ev.SubbandIdx == 0 {
		probe = a.probeSubband(ctx, ev.Path)
	}

	var enqueued *types.WorkItem
	var late bool
	var count int

	err := a.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		enqueued, late = nil, false

		// Group row first: subbands carry a foreign key to it.
		g := &types.Group{
			ID:               ev.GroupID,
			State:            types.GroupCollecting,
			ReceivedAt:       now,
			LastUpdate:       now,
			ExpectedSubbands: types.DefaultExpectedSubbands,
		}
		if err := tx.UpsertGroup(ctx, g); err != nil {
			return err
		}

		sb := &types.Subband{
			GroupID:      ev.GroupID,
			Index:        ev.SubbandIdx,
			Path:         ev.Path,
			Size:         ev.Size,
			MTimeNS:      ev.MTime.UnixNano(),
			DiscoveredAt: now,
			Stored:       true,
		}
		if _, err := tx.UpsertSubband(ctx, sb); err != nil {
			return err
		}

		var err error
		count, err = tx.RefreshSubbandCount(ctx, ev.GroupID)
		if err != nil {
			return err
		}

		if ev.SubbandIdx == 0 {
			if err := a.applyMetadata(ctx, tx, ev, probe); err != nil {
				return err
			}
		}

		cur, err := tx.GetGroup(ctx, ev.GroupID)
		if err != nil {
			return err
		}
		if cur.State != types.GroupCollecting {
			// The group was already handed to the queue; record the
			// straggler but never enqueue a second item.
			late = true
			return tx.AppendEvent(ctx, &types.JobEvent{
				GroupID:   ev.GroupID,
				EventType: types.EventLateSubband,
				Detail:    fmt.Sprintf("subband %02d arrived in state %s", ev.SubbandIdx, cur.State),
			})
		}

		if count >= a.ingest.CompleteThreshold {
			enqueued, err = a.enqueueGroup(ctx, tx, ev.GroupID, types.EventGroupEnqueued,
				fmt.Sprintf("%d/%d subbands", count, cur.ExpectedSubbands))
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ingest subband %s/%02d: %w", ev.GroupID, ev.SubbandIdx, err)
	}

	switch {
	case late:
		a.log.Warn("late subband after enqueue", "group", ev.GroupID, "subband", ev.SubbandIdx, "path", ev.Path)
	case enqueued != nil:
		a.log.Info("group complete, enqueued", "group", ev.GroupID, "subbands", count, "item", enqueued.ID)
		if a.wake != nil {
			a.wake()
		}
	default:
		a.log.Debug("subband recorded", "group", ev.GroupID, "subband", ev.SubbandIdx, "present", count)
	}
	return nil
}

// PromoteSemiComplete enqueues collecting groups that reached the eligible
// threshold but stalled short of complete for longer than the configured
// delay. Scheduler sweep; returns the number promoted.
func (a *Assembler) PromoteSemiComplete(ctx context.Context) (int, error) {
	cutoff := a.now().UTC().Add(-a.ingest.SemiCompleteDelay)

	groups, err := a.store.ListGroups(ctx, storage.GroupFilter{
		States: []types.GroupState{types.GroupCollecting},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list collecting groups: %w", err)
	}

	promoted := 0
	for _, g := range groups {
		if g.SubbandsPresent < a.ingest.EligibleThreshold || g.ReceivedAt.After(cutoff) {
			continue
		}
		var item *types.WorkItem
		err := a.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			var err error
			item, err = a.enqueueGroup(ctx, tx, g.ID, types.EventGroupPromoted,
				fmt.Sprintf("%d/%d subbands after %s", g.SubbandsPresent, g.ExpectedSubbands, a.ingest.SemiCompleteDelay))
			return err
		})
		if err != nil {
			return promoted, fmt.Errorf("failed to promote group %s: %w", g.ID, err)
		}
		if item != nil {
			promoted++
			a.log.Info("promoted semi-complete group", "group", g.ID,
				"subbands", g.SubbandsPresent, "item", item.ID)
		}
	}

	if promoted > 0 && a.wake != nil {
		a.wake()
	}
	return promoted, nil
}

// Recorded reports whether the subband is already stored under the same
// path and mtime. The watcher's bootstrap scan uses it so a daemon restart
// does not replay the whole raw directory.
func (a *Assembler) Recorded(ctx context.Context, ev watcher.Event) (bool, error) {
	subbands, err := a.store.ListSubbands(ctx, ev.GroupID)
	if err != nil {
		return false, err
	}
	for _, sb := range subbands {
		if sb.Index == ev.SubbandIdx && sb.Path == ev.Path && sb.MTimeNS == ev.MTime.UnixNano() {
			return true, nil
		}
	}
	return false, nil
}

// enqueueGroup flips the group collecting -> pending and inserts its
// process_group item. Returns nil when another caller won the transition,
// which keeps the one-item-per-group invariant under concurrency.
func (a *Assembler) enqueueGroup(ctx context.Context, tx storage.Tx, groupID, eventType, detail string) (*types.WorkItem, error) {
	ok, err := tx.TransitionGroup(ctx, groupID, types.GroupCollecting, types.GroupPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	item, err := queue.NewItem(types.JobProcessGroup, types.ProcessGroupPayload{GroupID: groupID}, a.maxRetries)
	if err != nil {
		return nil, err
	}
	if err := tx.EnqueueWork(ctx, item); err != nil {
		return nil, err
	}
	if err := tx.AppendEvent(ctx, &types.JobEvent{
		GroupID:    groupID,
		WorkItemID: item.ID,
		EventType:  eventType,
		Detail:     detail,
	}); err != nil {
		return nil, err
	}
	return item, nil
}

// probeSubband reads pointing and observation time from subband 0. Probe
// failure is not fatal: the group falls back to the observation time encoded
// in its ID and stays unpointed.
func (a *Assembler) probeSubband(ctx context.Context, path string) *kernel.ProbeResult {
	if a.kern == nil {
		return nil
	}
	res, err := a.kern.Probe(ctx, path)
	if err != nil {
		a.log.Warn("subband probe failed, deriving obs time from group id", "path", path, "error", err)
		return nil
	}
	return res
}

// applyMetadata writes pointing, observation time, and the calibrator match
// onto the group. Runs only for subband 0, whose header is authoritative.
func (a *Assembler) applyMetadata(ctx context.Context, tx storage.Tx, ev watcher.Event, probe *kernel.ProbeResult) error {
	var ra, dec, obs float64
	if probe != nil {
		ra, dec, obs = probe.RADeg, probe.DecDeg, probe.ObsMJD
	} else if t, err := time.Parse(types.GroupIDLayout, ev.GroupID); err == nil {
		obs = mjd.FromTime(t)
	}
	if err := tx.SetGroupPointing(ctx, ev.GroupID, ra, dec, obs); err != nil {
		return err
	}

	if a.catalog == nil {
		return nil
	}
	haystack := ev.Path
	if probe != nil && probe.Field != "" {
		haystack = probe.Field + " " + ev.Path
	}
	if m := a.catalog.Match(haystack, ra, dec); m != nil {
		if err := tx.SetGroupCalibrator(ctx, ev.GroupID, m); err != nil {
			return err
		}
		a.log.Info("matched calibrator", "group", ev.GroupID, "calibrator", m.Name,
			"separation_deg", fmt.Sprintf("%.3f", m.SeparationDeg))
	}
	return nil
}
