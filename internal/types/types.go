// Package types defines the core domain types shared across the pipeline:
// observation groups, subbands, work items, calibration artifacts, products,
// and the error taxonomy that drives retry behavior.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// GroupState tracks an observation group from first subband arrival through
// processing. Allowed transitions:
// collecting → pending → in_progress → {completed | failed}.
type GroupState string

const (
	GroupCollecting GroupState = "collecting"
	GroupPending    GroupState = "pending"
	GroupInProgress GroupState = "in_progress"
	GroupCompleted  GroupState = "completed"
	GroupFailed     GroupState = "failed"
)

// groupTransitions is the allowed state graph.
var groupTransitions = map[GroupState][]GroupState{
	GroupCollecting: {GroupPending},
	GroupPending:    {GroupInProgress},
	GroupInProgress: {GroupCompleted, GroupFailed},
}

// CanTransition reports whether from → to is an allowed group transition.
func (from GroupState) CanTransition(to GroupState) bool {
	for _, s := range groupTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// GroupIDLayout is the timestamp token format shared by group IDs and
// subband filenames.
const GroupIDLayout = "2006-01-02T15:04:05"

// DefaultExpectedSubbands is the full subband complement of one observation.
const DefaultExpectedSubbands = 16

// CalibratorMatch records the calibrator heuristically matched to a group.
// The match is a declared heuristic (name/path substring against the
// catalog), not authoritative.
type CalibratorMatch struct {
	Name          string  `json:"name"`
	FluxJy        float64 `json:"flux_jy"`
	SeparationDeg float64 `json:"separation_deg"`
}

// Group is one observation identified by its timestamp token. All subband
// files sharing the token belong to the group.
type Group struct {
	ID               string           `json:"id"`
	State            GroupState       `json:"state"`
	ReceivedAt       time.Time        `json:"received_at"`
	LastUpdate       time.Time        `json:"last_update"`
	ExpectedSubbands int              `json:"expected_subbands"`
	SubbandsPresent  int              `json:"subbands_present"`
	RetryCount       int              `json:"retry_count"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	Calibrator       *CalibratorMatch `json:"calibrator_match,omitempty"`

	// Pointing and observation time, extracted from subband 0.
	RADeg  float64 `json:"ra_deg"`
	DecDeg float64 `json:"dec_deg"`
	ObsMJD float64 `json:"obs_mjd"`
}

// ObsTime parses the group ID back into the observation start time (UTC).
func (g *Group) ObsTime() (time.Time, error) {
	t, err := time.Parse(GroupIDLayout, g.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid group id %q: %w", g.ID, err)
	}
	return t, nil
}

// Subband is one frequency slice of a group, backed by a single file.
// Pointing metadata is populated only on subband 0, which is authoritative
// for the whole group.
type Subband struct {
	GroupID      string    `json:"group_id"`
	Index        int       `json:"index"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	MTimeNS      int64     `json:"mtime_ns"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Stored       bool      `json:"stored"`
}

// WorkState tracks a work item through the queue.
type WorkState string

const (
	WorkPending    WorkState = "pending"
	WorkInProgress WorkState = "in_progress"
	WorkCompleted  WorkState = "completed"
	WorkFailed     WorkState = "failed"
	// WorkDead marks items whose retries are exhausted or whose failure
	// was non-retryable. Requeueing is an operator action.
	WorkDead WorkState = "dead"
)

// Work item job types.
const (
	JobProcessGroup   = "process_group"
	JobPublishProduct = "publish_product"
)

// WorkItem is one durable unit of work, claimed under a lease and either
// completed, failed back into the queue with backoff, or parked dead.
type WorkItem struct {
	ID            string          `json:"id"`
	JobType       string          `json:"job_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	State         WorkState       `json:"state"`
	LeaseOwner    string          `json:"lease_owner,omitempty"`
	LeaseDeadline *time.Time      `json:"lease_deadline,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DecodePayload unmarshals the item's payload into v.
func (w *WorkItem) DecodePayload(v interface{}) error {
	if len(w.Payload) == 0 {
		return fmt.Errorf("work item %s has no payload", w.ID)
	}
	if err := json.Unmarshal(w.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", w.JobType, err)
	}
	return nil
}

// ProcessGroupPayload is the payload of a process_group work item.
type ProcessGroupPayload struct {
	GroupID string `json:"group_id"`
}

// PublishProductPayload is the payload of a publish_product work item.
type PublishProductPayload struct {
	DataID string `json:"data_id"`
}

// CalTableType identifies one of the calibration table kinds.
type CalTableType string

const (
	CalK    CalTableType = "K"
	CalBA   CalTableType = "BA"
	CalBP   CalTableType = "BP"
	CalGA   CalTableType = "GA"
	CalGP   CalTableType = "GP"
	Cal2G   CalTableType = "2G"
	CalFLUX CalTableType = "FLUX"
)

// CalTableTypes lists all valid table types.
var CalTableTypes = []CalTableType{CalK, CalBA, CalBP, CalGA, CalGP, Cal2G, CalFLUX}

// ParseCalTableType validates a table type string.
func ParseCalTableType(s string) (CalTableType, error) {
	for _, t := range CalTableTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown calibration table type %q", s)
}

// IsGainType reports whether the table type carries gain solutions, which
// get the short gain validity window by default.
func (t CalTableType) IsGainType() bool {
	switch t {
	case CalGA, CalGP, Cal2G:
		return true
	default:
		return false
	}
}

// CalStatus is the lifecycle state of a calibration artifact.
type CalStatus string

const (
	CalActive  CalStatus = "active"
	CalRetired CalStatus = "retired"
	CalFailed  CalStatus = "failed"
)

// CalArtifact is one registered calibration table. The validity window is
// half-open: [ValidStartMJD, ValidEndMJD). An open-ended window is
// represented as ValidEndMJD = +Inf.
type CalArtifact struct {
	ID             int64           `json:"id"`
	SetName        string          `json:"set_name"`
	Path           string          `json:"path"`
	Type           CalTableType    `json:"table_type"`
	OrderIndex     int             `json:"order_index"`
	CalField       string          `json:"cal_field,omitempty"`
	ValidStartMJD  float64         `json:"valid_start_mjd"`
	ValidEndMJD    float64         `json:"valid_end_mjd"`
	Status         CalStatus       `json:"status"`
	SolverParams   json.RawMessage `json:"solver_params,omitempty"`
	QualityMetrics json.RawMessage `json:"quality_metrics,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Covers reports whether the artifact's validity window contains the instant.
func (a *CalArtifact) Covers(mjd float64) bool {
	return mjd >= a.ValidStartMJD && mjd < a.ValidEndMJD
}

// OpenEnded reports whether the artifact has no end of validity.
func (a *CalArtifact) OpenEnded() bool {
	return math.IsInf(a.ValidEndMJD, 1)
}

// ProductState tracks a product through publication. Allowed flow:
// staging → validated → publishing → {published | failed → staging on
// retry}; retracted is terminal and reachable only from published.
type ProductState string

const (
	ProductStaging    ProductState = "staging"
	ProductValidated  ProductState = "validated"
	ProductPublishing ProductState = "publishing"
	ProductPublished  ProductState = "published"
	ProductFailed     ProductState = "failed"
	ProductRetracted  ProductState = "retracted"
)

// productTransitions is the allowed publication state graph.
var productTransitions = map[ProductState][]ProductState{
	ProductStaging:    {ProductValidated},
	ProductValidated:  {ProductPublishing},
	ProductPublishing: {ProductPublished, ProductFailed},
	ProductFailed:     {ProductStaging},
	ProductPublished:  {ProductRetracted},
}

// CanTransition reports whether from → to is an allowed product transition.
func (from ProductState) CanTransition(to ProductState) bool {
	for _, s := range productTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// QA, validation, finalization, and photometry status values.
const (
	QAPending = "pending"
	QARunning = "running"
	QAPassed  = "passed"
	QAFailed  = "failed"
	QAWarning = "warning"

	ValidationPending   = "pending"
	ValidationValidated = "validated"
	ValidationInvalid   = "invalid"

	FinalizationPending   = "pending"
	FinalizationFinalized = "finalized"
	FinalizationRejected  = "rejected"

	PhotometryCompleted = "completed"
	PhotometryFailed    = "failed"
)

// Product data types registered by the standard stages.
const (
	DataTypeMeasurementSet = "measurement_set"
	DataTypeImage          = "image"
	DataTypeMosaic         = "mosaic"
	DataTypeCrossMatch     = "crossmatch"
	DataTypePhotometry     = "photometry"
)

// Provenance records how a product came to exist.
type Provenance struct {
	Parents      []string `json:"parents,omitempty"`
	CreatorStage string   `json:"creator_stage,omitempty"`
	JobID        string   `json:"job_id,omitempty"`
}

// Product is one registered data product. DataID is globally unique;
// re-registration with a matching stage path is a no-op.
type Product struct {
	DataID        string       `json:"data_id"`
	DataType      string       `json:"data_type"`
	GroupID       string       `json:"group_id,omitempty"`
	StagePath     string       `json:"stage_path"`
	PublishedPath string       `json:"published_path,omitempty"`
	State         ProductState `json:"state"`

	QAStatus           string `json:"qa_status"`
	ValidationStatus   string `json:"validation_status"`
	FinalizationStatus string `json:"finalization_status"`
	// PhotometryStatus is empty until photometry runs; the publish gate
	// accepts empty or completed.
	PhotometryStatus string `json:"photometry_status,omitempty"`

	AutoPublish     bool   `json:"auto_publish_enabled"`
	PublishAttempts int    `json:"publish_attempts"`
	PublishError    string `json:"publish_error,omitempty"`

	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Provenance Provenance      `json:"provenance"`

	RADeg       float64 `json:"ra_deg"`
	DecDeg      float64 `json:"dec_deg"`
	ObsStartMJD float64 `json:"obs_start_mjd"`
	ObsEndMJD   float64 `json:"obs_end_mjd"`

	CreatedAt   time.Time  `json:"created_at"`
	StagedAt    *time.Time `json:"staged_at,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RetractedAt *time.Time `json:"retracted_at,omitempty"`
}

// PublishGate is the six-clause auto-publish predicate. All clauses must
// hold for a product to move out of staging on its own.
func (p *Product) PublishGate() bool {
	return p.State == ProductStaging &&
		p.AutoPublish &&
		p.QAStatus == QAPassed &&
		p.ValidationStatus == ValidationValidated &&
		p.FinalizationStatus == FinalizationFinalized &&
		(p.PhotometryStatus == "" || p.PhotometryStatus == PhotometryCompleted)
}

// SkyBox is an RA/Dec search box in degrees. RAMin above RAMax means the
// box wraps through RA=0.
type SkyBox struct {
	RAMin  float64 `json:"ra_min"`
	RAMax  float64 `json:"ra_max"`
	DecMin float64 `json:"dec_min"`
	DecMax float64 `json:"dec_max"`
}

// Wraps reports whether the box crosses the RA=0 meridian.
func (b SkyBox) Wraps() bool { return b.RAMin > b.RAMax }

// MSLock is an advisory lock on a measurement set path. Locks expire so a
// crashed holder cannot wedge the pipeline.
type MSLock struct {
	Path       string    `json:"path"`
	OwnerJob   string    `json:"owner_job"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// JobEvent is one row of the append-only processing journal.
type JobEvent struct {
	ID         int64     `json:"id"`
	GroupID    string    `json:"group_id,omitempty"`
	WorkItemID string    `json:"work_item_id,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	EventType  string    `json:"event_type"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Journal event types.
const (
	EventGroupEnqueued   = "group_enqueued"
	EventGroupPromoted   = "group_promoted"
	EventLateSubband     = "late_subband"
	EventClaimed         = "claimed"
	EventStageStarted    = "stage_started"
	EventStageCompleted  = "stage_completed"
	EventStageFailed     = "stage_failed"
	EventStageRetried    = "stage_retried"
	EventStageSkipped    = "stage_skipped"
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
	EventJobCancelled    = "job_cancelled"
	EventLeaseReclaimed  = "lease_reclaimed"
	EventPublishEnqueued = "publish_enqueued"
	EventPublished       = "published"
	EventPublishFailed   = "publish_failed"
	EventRetracted       = "retracted"
)
