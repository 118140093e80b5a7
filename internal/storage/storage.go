// Package storage defines the interface to the pipeline's durable store.
//
// Every piece of pipeline state lives behind this interface: observation
// groups and their subbands, the work queue, calibration artifacts, the
// product registry, measurement-set locks, and the processing journal.
// Multi-record transitions run inside RunInTransaction so a crash never
// leaves the queue and the side tables disagreeing.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/meridian-obs/contimg/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert or update loses a single-writer
// race, such as registering a calibration artifact with a duplicate
// (order_index, created_at) or re-registering a product under a new path.
var ErrConflict = errors.New("conflict")

// ErrStaleLease is returned when a heartbeat, complete, or fail call names
// a work item the caller no longer holds.
var ErrStaleLease = errors.New("stale lease")

// ErrLockHeld is returned when a measurement-set lock is held by another
// job and has not expired.
var ErrLockHeld = errors.New("lock held")

// GroupFilter selects observation groups.
type GroupFilter struct {
	States []types.GroupState
	Since  time.Time // received_at >= Since when non-zero
	Limit  int
}

// WorkFilter selects work items.
type WorkFilter struct {
	States  []types.WorkState
	JobType string
	Limit   int
}

// CalFilter selects calibration artifacts.
type CalFilter struct {
	SetName string
	Status  types.CalStatus
	Limit   int
}

// ProductFilter selects products. MJD bounds of zero are unset.
type ProductFilter struct {
	DataType  string
	States    []types.ProductState
	GroupID   string
	MinObsMJD float64
	MaxObsMJD float64
	Limit     int
	Offset    int
}

// EventFilter selects journal events.
type EventFilter struct {
	GroupID    string
	WorkItemID string
	EventType  string
	Limit      int
}

// QueueStats summarizes the work queue for status reporting.
type QueueStats struct {
	ByState       map[types.WorkState]int `json:"by_state"`
	OldestRunTime *time.Time              `json:"oldest_run_time,omitempty"`
}

// Tx is the operation set available inside a transaction. Every method is a
// single statement against the transaction's connection; composite
// operations that manage their own transactions live only on Store.
type Tx interface {
	// Groups
	UpsertGroup(ctx context.Context, g *types.Group) error
	GetGroup(ctx context.Context, id string) (*types.Group, error)
	ListGroups(ctx context.Context, f GroupFilter) ([]*types.Group, error)
	GroupStats(ctx context.Context) (map[types.GroupState]int, error)
	// TransitionGroup flips a group from one state to another. It reports
	// false without error when the group was not in the from state, which
	// is how concurrent enqueue attempts resolve to a single winner.
	TransitionGroup(ctx context.Context, id string, from, to types.GroupState) (bool, error)
	SetGroupPointing(ctx context.Context, id string, raDeg, decDeg, obsMJD float64) error
	SetGroupCalibrator(ctx context.Context, id string, m *types.CalibratorMatch) error
	SetGroupError(ctx context.Context, id, msg string) error
	IncrementGroupRetry(ctx context.Context, id string) error
	// ResetGroupForRetry is the operator escape hatch: it moves a failed
	// group back to pending and clears its error so a requeued work item
	// can run it again.
	ResetGroupForRetry(ctx context.Context, id string) error

	// Subbands
	// UpsertSubband records a subband file. It reports true when the row is
	// new; a re-observation of a known (group, idx) refreshes size and
	// mtime and reports false.
	UpsertSubband(ctx context.Context, sb *types.Subband) (bool, error)
	ListSubbands(ctx context.Context, groupID string) ([]*types.Subband, error)
	// RefreshSubbandCount recomputes subbands_present from stored subband
	// rows and writes it back, returning the new count.
	RefreshSubbandCount(ctx context.Context, groupID string) (int, error)

	// Work queue
	EnqueueWork(ctx context.Context, item *types.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)
	ListWork(ctx context.Context, f WorkFilter) ([]*types.WorkItem, error)
	HeartbeatWork(ctx context.Context, id, owner string, deadline time.Time) error
	CompleteWork(ctx context.Context, id, owner string) error
	// FailWork records a failed attempt. A retryable failure with retries
	// remaining re-arms the item as pending at nextAttempt; otherwise the
	// item goes dead. The resulting state is returned.
	FailWork(ctx context.Context, id, owner, errMsg string, retryable bool, nextAttempt time.Time) (types.WorkState, error)
	// MarkWorkFailed parks an item in the failed state for inspection.
	// Used when a fatal error halts a worker mid-job.
	MarkWorkFailed(ctx context.Context, id, errMsg string) error
	// RequeueWork re-arms a dead or failed item as pending with its retry
	// budget reset. Operator action.
	RequeueWork(ctx context.Context, id string) error
	GetQueueStats(ctx context.Context) (*QueueStats, error)

	// Calibration artifacts
	InsertCalArtifact(ctx context.Context, a *types.CalArtifact) (int64, error)
	GetCalArtifact(ctx context.Context, id int64) (*types.CalArtifact, error)
	ListCalArtifacts(ctx context.Context, f CalFilter) ([]*types.CalArtifact, error)
	// ApplyList returns the active artifacts whose validity window covers
	// the instant, ordered by order_index then created_at descending.
	ApplyList(ctx context.Context, atMJD float64) ([]*types.CalArtifact, error)
	SetCalStatus(ctx context.Context, id int64, from, to types.CalStatus) (bool, error)

	// Products
	RegisterProduct(ctx context.Context, p *types.Product) error
	GetProduct(ctx context.Context, dataID string) (*types.Product, error)
	ListProducts(ctx context.Context, f ProductFilter) ([]*types.Product, error)
	ProductsInSkyBox(ctx context.Context, box types.SkyBox, limit int) ([]*types.Product, error)
	ProductAncestry(ctx context.Context, dataID string, maxDepth int) ([]*types.Product, error)
	LinkProducts(ctx context.Context, parentID, childID string) error
	ProductStats(ctx context.Context) (map[types.ProductState]int, error)
	TransitionProduct(ctx context.Context, dataID string, from, to types.ProductState) (bool, error)
	SetProductQA(ctx context.Context, dataID, qaStatus, validationStatus string) error
	SetProductFinalization(ctx context.Context, dataID, status string) error
	SetProductPhotometry(ctx context.Context, dataID, status string) error
	SetProductPublished(ctx context.Context, dataID, publishedPath string, at time.Time) error
	SetProductPublishFailure(ctx context.Context, dataID, errMsg string, at time.Time) error
	SetProductRetracted(ctx context.Context, dataID string, at time.Time) error
	// PublishCandidates returns staged products passing the auto-publish
	// gate.
	PublishCandidates(ctx context.Context) ([]*types.Product, error)
	// PublishRetryCandidates returns failed products still inside their
	// attempt budget whose last attempt is older than the cutoff.
	PublishRetryCandidates(ctx context.Context, before time.Time, maxAttempts int) ([]*types.Product, error)

	// Journal
	AppendEvent(ctx context.Context, ev *types.JobEvent) error
	ListEvents(ctx context.Context, f EventFilter) ([]*types.JobEvent, error)

	// Metadata (schema bookkeeping, kernel version pin, watcher cursor)
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)
}

// Store is the full store surface: every Tx operation auto-committed, plus
// composite operations and lifecycle.
type Store interface {
	Tx

	// ClaimNextWork atomically claims the pending item with the smallest
	// (next_attempt_at, id) that is due, granting a lease to owner. It
	// returns (nil, nil) when nothing is claimable.
	ClaimNextWork(ctx context.Context, owner string, leaseDuration time.Duration) (*types.WorkItem, error)
	// ReclaimExpiredWork reverts expired in_progress leases to pending,
	// counting each as a failed attempt; exhausted items go dead. Returns
	// the number re-armed and the number dead-lettered.
	ReclaimExpiredWork(ctx context.Context) (reclaimed, deadLettered int, err error)

	// RetireCalSet retires every active artifact in a set in one
	// transaction, returning the number retired.
	RetireCalSet(ctx context.Context, setName string) (int, error)

	// Measurement-set locks. Locks are advisory, keyed by canonical path,
	// and expire so a crashed holder cannot wedge the pipeline. Acquire
	// succeeds when the path is unlocked, expired, or already held by the
	// same owner (refresh).
	AcquireMSLock(ctx context.Context, path, ownerJob string, ttl time.Duration) error
	ReleaseMSLock(ctx context.Context, path, ownerJob string) error
	ReleaseLocksByOwner(ctx context.Context, ownerJob string) (int, error)
	ExpireMSLocks(ctx context.Context) (int, error)
	ListMSLocks(ctx context.Context) ([]*types.MSLock, error)

	// RunInTransaction executes fn inside a single BEGIN IMMEDIATE
	// transaction. A nil return commits; an error or panic rolls back.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Close() error
	Path() string

	// UnderlyingDB exposes the raw database handle for diagnostics.
	UnderlyingDB() *sql.DB
}
