package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// testEnv provides a test environment with common setup and helpers.
// Use newTestEnv(t) to create a test environment with automatic cleanup.
type testEnv struct {
	t     *testing.T
	Store *SQLiteStorage
	Ctx   context.Context

	calSeq int
}

// newTestEnv creates a new test environment with a configured store.
// The store is automatically cleaned up when the test completes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t, "")
	return &testEnv{
		t:     t,
		Store: store,
		Ctx:   context.Background(),
	}
}

// newTestStore creates a SQLiteStorage backed by a temp file.
//
// File-based databases are more reliable than in-memory for connection pool
// scenarios: the store hands dedicated connections to transactions, and a
// plain ":memory:" DSN would give each connection its own empty database.
func newTestStore(t *testing.T, dbPath string) *SQLiteStorage {
	t.Helper()

	if dbPath == "" {
		dbPath = t.TempDir() + "/test.db"
	}

	ctx := context.Background()
	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	return store
}

// CreateGroup creates a collecting group with the given ID token and defaults.
func (e *testEnv) CreateGroup(id string) *types.Group {
	e.t.Helper()
	return e.CreateGroupWith(id, types.GroupCollecting)
}

// CreateGroupWith creates a group in an explicit state. State changes after
// insert go through forceGroupState because UpsertGroup never moves state.
func (e *testEnv) CreateGroupWith(id string, state types.GroupState) *types.Group {
	e.t.Helper()
	g := &types.Group{
		ID:               id,
		State:            types.GroupCollecting,
		ExpectedSubbands: types.DefaultExpectedSubbands,
	}
	if err := e.Store.UpsertGroup(e.Ctx, g); err != nil {
		e.t.Fatalf("UpsertGroup(%q) failed: %v", id, err)
	}
	if state != types.GroupCollecting {
		e.forceGroupState(id, state)
		g.State = state
	}
	return g
}

// forceGroupState sets a group's state directly, bypassing the transition
// graph. Test setup only.
func (e *testEnv) forceGroupState(id string, state types.GroupState) {
	e.t.Helper()
	_, err := e.Store.db.ExecContext(e.Ctx,
		`UPDATE groups SET state = ? WHERE group_id = ?`, string(state), id)
	if err != nil {
		e.t.Fatalf("force group state failed: %v", err)
	}
}

// AddSubband records one subband file for a group and returns whether the
// row was new.
func (e *testEnv) AddSubband(groupID string, index int) bool {
	e.t.Helper()
	sb := &types.Subband{
		GroupID: groupID,
		Index:   index,
		Path:    fmt.Sprintf("/data/incoming/%s_sb%02d.uvh5", groupID, index),
		Size:    1 << 20,
		MTimeNS: time.Now().UnixNano(),
	}
	created, err := e.Store.UpsertSubband(e.Ctx, sb)
	if err != nil {
		e.t.Fatalf("UpsertSubband(%s, %d) failed: %v", groupID, index, err)
	}
	return created
}

// EnqueueProcessJob enqueues a process_group work item for the group.
func (e *testEnv) EnqueueProcessJob(id, groupID string) *types.WorkItem {
	e.t.Helper()
	payload, _ := json.Marshal(types.ProcessGroupPayload{GroupID: groupID})
	item := &types.WorkItem{
		ID:         id,
		JobType:    types.JobProcessGroup,
		Payload:    payload,
		MaxRetries: 3,
	}
	if err := e.Store.EnqueueWork(e.Ctx, item); err != nil {
		e.t.Fatalf("EnqueueWork(%q) failed: %v", id, err)
	}
	return item
}

// Claim claims the next ready work item and fails the test when the queue
// has nothing to hand out.
func (e *testEnv) Claim(owner string) *types.WorkItem {
	e.t.Helper()
	item, err := e.Store.ClaimNextWork(e.Ctx, owner, time.Minute)
	if err != nil {
		e.t.Fatalf("ClaimNextWork(%q) failed: %v", owner, err)
	}
	if item == nil {
		e.t.Fatalf("ClaimNextWork(%q): queue empty, expected an item", owner)
	}
	return item
}

// InsertCal registers an active calibration artifact and returns its ID.
// Each call gets a distinct created_at so the (order_index, created_at)
// uniqueness constraint never trips on test setup.
func (e *testEnv) InsertCal(setName string, typ types.CalTableType, order int, startMJD, endMJD float64) int64 {
	e.t.Helper()
	e.calSeq++
	a := &types.CalArtifact{
		SetName:       setName,
		Path:          fmt.Sprintf("/data/cal/%s/%s.tbl", setName, typ),
		Type:          typ,
		OrderIndex:    order,
		ValidStartMJD: startMJD,
		ValidEndMJD:   endMJD,
		Status:        types.CalActive,
		CreatedAt:     time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC).Add(time.Duration(e.calSeq) * time.Second),
	}
	id, err := e.Store.InsertCalArtifact(e.Ctx, a)
	if err != nil {
		e.t.Fatalf("InsertCalArtifact(%s/%s) failed: %v", setName, typ, err)
	}
	return id
}

// InsertOpenCal registers an artifact with no end of validity.
func (e *testEnv) InsertOpenCal(setName string, typ types.CalTableType, order int, startMJD float64) int64 {
	e.t.Helper()
	return e.InsertCal(setName, typ, order, startMJD, math.Inf(1))
}

// RegisterProduct registers a staging product with sensible defaults.
func (e *testEnv) RegisterProduct(dataID, dataType string) *types.Product {
	e.t.Helper()
	p := &types.Product{
		DataID:             dataID,
		DataType:           dataType,
		StagePath:          "/data/staging/" + dataID,
		State:              types.ProductStaging,
		QAStatus:           types.QAPending,
		ValidationStatus:   types.ValidationPending,
		FinalizationStatus: types.FinalizationPending,
		AutoPublish:        true,
	}
	if err := e.Store.RegisterProduct(e.Ctx, p); err != nil {
		e.t.Fatalf("RegisterProduct(%q) failed: %v", dataID, err)
	}
	return p
}

// MarkPublishable flips all gate statuses on a staging product so the
// publish sweep will pick it up.
func (e *testEnv) MarkPublishable(dataID string) {
	e.t.Helper()
	if err := e.Store.SetProductQA(e.Ctx, dataID, types.QAPassed, types.ValidationValidated); err != nil {
		e.t.Fatalf("SetProductQA(%q) failed: %v", dataID, err)
	}
	if err := e.Store.SetProductFinalization(e.Ctx, dataID, types.FinalizationFinalized); err != nil {
		e.t.Fatalf("SetProductFinalization(%q) failed: %v", dataID, err)
	}
}

// Events returns journal rows matching the filter.
func (e *testEnv) Events(f storage.EventFilter) []*types.JobEvent {
	e.t.Helper()
	evs, err := e.Store.ListEvents(e.Ctx, f)
	if err != nil {
		e.t.Fatalf("ListEvents failed: %v", err)
	}
	return evs
}

// AssertGroupState fetches the group and checks its state.
func (e *testEnv) AssertGroupState(id string, want types.GroupState) {
	e.t.Helper()
	g, err := e.Store.GetGroup(e.Ctx, id)
	if err != nil {
		e.t.Fatalf("GetGroup(%q) failed: %v", id, err)
	}
	if g.State != want {
		e.t.Errorf("group %s state = %s, want %s", id, g.State, want)
	}
}

// AssertWorkState fetches the work item and checks its state.
func (e *testEnv) AssertWorkState(id string, want types.WorkState) {
	e.t.Helper()
	item, err := e.Store.GetWorkItem(e.Ctx, id)
	if err != nil {
		e.t.Fatalf("GetWorkItem(%q) failed: %v", id, err)
	}
	if item.State != want {
		e.t.Errorf("work item %s state = %s, want %s", id, item.State, want)
	}
}
