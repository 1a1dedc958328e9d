package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ridgeline/triagecore/observability"
)

// EpochStore is the durable fencing-epoch counter: a Postgres-backed
// monotonic counter so a fencing epoch can never rewind even if Redis
// is flushed between leader terms. kvstore.PostgresStore satisfies
// this structurally.
type EpochStore interface {
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// LockMetadata is the JSON payload stored as the lease value, so a
// janitor sweep can tell a stale lock's owner and fencing epoch apart
// from a live one without a separate lookup.
type LockMetadata struct {
	OwnerNode string    `json:"owner_node"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type fencingKey struct{}

// LeaderElector elects exactly one Watcher sweep loop leader across a
// replicated deployment, fenced by a durable, monotonic epoch. Grounded
// on control_plane/coordination/leader.go's acquire/renew/step-down
// state machine; the teacher's broken generateUUID() stub is replaced
// with github.com/google/uuid here.
type LeaderElector struct {
	coordinator Coordinator
	epochs      EpochStore
	nodeID      string
	lockKey     string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	stepDownTime time.Time
	transitions  int64

	onElected func(context.Context)
	onLost    func()
}

func NewLeaderElector(c Coordinator, epochs EpochStore, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		epochs:      epochs,
		nodeID:      nodeID,
		lockKey:     "triage:lock:watcher-leader",
		ttl:         ttl,
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// FencedContext returns a context cancelled the moment leadership is
// lost, carrying the epoch this term was elected under.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// Run drives the acquire/renew loop until ctx is cancelled, backing off
// exponentially on coordinator errors and stepping down after
// repeated renew failures rather than risking a split-brain sweep.
func (l *LeaderElector) Run(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("[watcher leader] renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("[watcher leader] too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.epochs.IncrementDurableEpoch(ctx, "watcher_leader")
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	l.currentEpoch = epoch
	l.mu.Unlock()

	meta := LockMetadata{
		OwnerNode: l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(l.ttl),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(raw)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.coordinator.ReleaseLease(ctx, l.lockKey, val)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = context.WithValue(ctx, fencingKey{}, l.currentEpoch)
	l.transitions++
	epoch := l.currentEpoch
	leaderCtx := l.leaderCtx
	l.mu.Unlock()

	log.Printf("[watcher leader] node %s elected leader, epoch %d", l.nodeID, epoch)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))

	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	log.Printf("[watcher leader] node %s lost leadership", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}

// EpochFromContext extracts the fencing epoch a leader term was
// elected under, for callers that must abort mid-operation if their
// epoch goes stale.
func EpochFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(fencingKey{})
	if v == nil {
		return 0, false
	}
	epoch, ok := v.(int64)
	return epoch, ok
}
