// Package watcher implements spec.md §4.5's generic timer service:
// "deliver message M to queue Q at time T unless cancelled". Every
// schedule is persisted so a crash never loses a pending delivery;
// on start the Watcher sweeps persisted schedules and fires any whose
// deadline has already passed.
//
// Grounded on control_plane/coordination/agent_monitor.go's
// ticker-driven sweep loop shape, combined with
// coordination.LeaderElector (only one replica actively fires — the
// rest sit idle so a touch/cancel race never double-delivers) and
// coordination.LockJanitor's stale-reclaim pattern, because spec.md's
// Watcher is exactly "AgentMonitor's sweep" + "LeaderElector's
// single-active-owner" + "Janitor's stale-reclaim" collapsed onto one
// data shape: armed(t,q,m) schedules instead of agent heartbeats or
// coordination locks.
package watcher

import (
	"context"
	"log"
	"time"

	"github.com/ridgeline/triagecore/coordination"
	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/observability"
)

// Deliverer hands a fired message to the handler for a named queue. In
// cmd/triaged it is a router that passes "submission" deliveries to
// FileDispatcher.HandleTimeout and drops any other queue name.
type Deliverer interface {
	Deliver(ctx context.Context, queue string, message []byte) error
}

// Watcher is the timer service described in spec.md §4.5.
type Watcher struct {
	store      kvstore.Store
	deliverer  Deliverer
	elector    *coordination.LeaderElector
	sweepEvery time.Duration
}

func New(store kvstore.Store, deliverer Deliverer, elector *coordination.LeaderElector, sweepEvery time.Duration) *Watcher {
	return &Watcher{store: store, deliverer: deliverer, elector: elector, sweepEvery: sweepEvery}
}

// SetDeliverer late-binds the delivery target — used when the
// Deliverer itself depends on a component (e.g. the FileDispatcher)
// that in turn needs the Watcher to construct, so the two can't be
// built in a single order. Must be called before Run.
func (w *Watcher) SetDeliverer(d Deliverer) {
	w.deliverer = d
}

// Touch schedules message to be delivered to queue at now+timeout,
// replacing any previous schedule for key. This is the entry point
// FileDispatcher calls on every FileTask handling (refreshing the
// submission's max_time deadline) and that Submitter calls once per
// submission (installing the initial max_time watch).
func (w *Watcher) Touch(ctx context.Context, key, queue string, message []byte, timeout time.Duration) error {
	sched := kvstore.WatcherSchedule{
		Key:     key,
		Queue:   queue,
		Message: message,
		FireAt:  time.Now().Add(timeout),
	}
	if err := w.store.PutSchedule(ctx, sched); err != nil {
		return err
	}
	observability.WatcherArmed.Inc()
	return nil
}

// Cancel removes a schedule before it fires — idle transition.
func (w *Watcher) Cancel(ctx context.Context, key string) error {
	_, found, err := w.store.GetSchedule(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := w.store.DeleteSchedule(ctx, key); err != nil {
		return err
	}
	observability.WatcherArmed.Dec()
	return nil
}

// Run starts the leader-elected sweep loop; only the elected replica
// actually fires deliveries, but every replica can still serve
// Touch/Cancel directly against the shared store.
func (w *Watcher) Run(ctx context.Context) {
	w.elector.SetCallbacks(w.runSweepLoop, func() {})
	w.elector.Run(ctx)
}

func (w *Watcher) runSweepLoop(leaderCtx context.Context) {
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()

	log.Printf("[watcher] this node is now sweeping schedules every %v", w.sweepEvery)

	// Recovery sweep immediately on becoming leader — this is how the
	// system recovers when a dispatch host crashes with work in
	// flight: any schedule whose deadline has already passed fires at
	// once rather than waiting for the next tick.
	w.sweep(leaderCtx)

	for {
		select {
		case <-leaderCtx.Done():
			return
		case <-ticker.C:
			w.sweep(leaderCtx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	schedules, err := w.store.ScanSchedules(ctx)
	if err != nil {
		log.Printf("[watcher] sweep: failed to scan schedules: %v", err)
		return
	}

	now := time.Now()
	for _, sched := range schedules {
		if sched.FireAt.After(now) {
			continue
		}
		w.fire(ctx, sched)
	}
}

func (w *Watcher) fire(ctx context.Context, sched kvstore.WatcherSchedule) {
	// Delete before delivering: an idempotent re-delivery of an
	// already-fired message is harmless to every consumer on this
	// pipeline (dispatch/finalize re-checks current state), whereas a
	// lost delete would keep re-firing forever.
	if err := w.store.DeleteSchedule(ctx, sched.Key); err != nil {
		log.Printf("[watcher] failed to clear fired schedule %s: %v", sched.Key, err)
		return
	}
	observability.WatcherArmed.Dec()

	if err := w.deliverer.Deliver(ctx, sched.Queue, sched.Message); err != nil {
		log.Printf("[watcher] failed to deliver fired schedule %s to %s: %v", sched.Key, sched.Queue, err)
		return
	}
	observability.WatcherFired.WithLabelValues(sched.Queue).Inc()
}
