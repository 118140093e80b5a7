package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Default result caps when the client does not set a limit.
const (
	defaultListLimit = 200
	defaultTailLimit = 50
)

// Health thresholds: a slow database, a nearly full disk, or a deep backlog
// degrade the daemon without making it unhealthy.
const (
	slowDBThresholdMs = 500
	lowDiskFreeBytes  = 1 << 30 // 1 GiB
	deepQueueBacklog  = 500
)

// checkVersionCompatibility gates a client version against the daemon's.
// The major version must match and the daemon must be at least as new as
// the client; an empty or non-semver version is allowed through so dev
// builds keep working.
func (s *Server) checkVersionCompatibility(clientVersion string) error {
	if clientVersion == "" {
		return nil
	}

	serverVer := ServerVersion
	if !strings.HasPrefix(serverVer, "v") {
		serverVer = "v" + serverVer
	}
	clientVer := clientVersion
	if !strings.HasPrefix(clientVer, "v") {
		clientVer = "v" + clientVer
	}

	if !semver.IsValid(serverVer) || !semver.IsValid(clientVer) {
		return nil
	}

	if semver.Major(serverVer) != semver.Major(clientVer) {
		if semver.Compare(serverVer, clientVer) < 0 {
			return fmt.Errorf("incompatible major versions: client %s, daemon %s; daemon is older, restart it with the new binary",
				clientVersion, ServerVersion)
		}
		return fmt.Errorf("incompatible major versions: client %s, daemon %s; upgrade the contimg CLI to match the daemon",
			clientVersion, ServerVersion)
	}

	// Within a major version the daemon must not be older than the client:
	// a stale daemon may hold old schema assumptions.
	if semver.Compare(serverVer, clientVer) < 0 {
		return fmt.Errorf("version mismatch: daemon %s is older than client %s; restart the daemon with the new binary",
			ServerVersion, clientVersion)
	}
	return nil
}

// handleRequest routes one decoded request to its handler.
func (s *Server) handleRequest(req *Request) Response {
	start := time.Now()
	defer func() {
		s.metrics.RecordRequest(req.Operation, time.Since(start))
	}()

	// Version gate applies to everything except ping and health, which must
	// stay reachable for diagnostics.
	if req.Operation != OpPing && req.Operation != OpHealth {
		if err := s.checkVersionCompatibility(req.ClientVersion); err != nil {
			s.metrics.RecordError(req.Operation)
			return Response{Success: false, Error: err.Error()}
		}
	}

	s.lastActivityTime.Store(time.Now())

	var resp Response
	switch req.Operation {
	case OpPing:
		resp = s.handlePing(req)
	case OpStatus:
		resp = s.handleStatus(req)
	case OpHealth:
		resp = s.handleHealth(req)
	case OpMetrics:
		resp = s.handleMetrics(req)
	case OpQueueList:
		resp = s.handleQueueList(req)
	case OpQueueShow:
		resp = s.handleQueueShow(req)
	case OpQueueRetry:
		resp = s.handleQueueRetry(req)
	case OpGroupsList:
		resp = s.handleGroupsList(req)
	case OpGroupsShow:
		resp = s.handleGroupsShow(req)
	case OpProductsList:
		resp = s.handleProductsList(req)
	case OpProductsShow:
		resp = s.handleProductsShow(req)
	case OpCalList:
		resp = s.handleCalList(req)
	case OpCalRegister:
		resp = s.handleCalRegister(req)
	case OpCalRetire:
		resp = s.handleCalRetire(req)
	case OpEventsTail:
		resp = s.handleEventsTail(req)
	case OpRetract:
		resp = s.handleRetract(req)
	case OpShutdown:
		resp = s.handleShutdown(req)
	default:
		s.metrics.RecordError(req.Operation)
		return Response{Success: false, Error: fmt.Sprintf("unknown operation: %s", req.Operation)}
	}

	if !resp.Success {
		s.metrics.RecordError(req.Operation)
	}
	return resp
}

// reqCtx bounds a handler by the server's request timeout so a stalled
// database call cannot hang the connection.
func (s *Server) reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.requestTimeout)
}

func ok(v interface{}) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("failed to encode result: %v", err)}
	}
	return Response{Success: true, Data: data}
}

func fail(format string, args ...interface{}) Response {
	return Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// decodeArgs unmarshals req.Args into v. Absent args decode as zero values.
func decodeArgs(req *Request, v interface{}) error {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (s *Server) handlePing(_ *Request) Response {
	return ok(PingResponse{Message: "pong", Version: ServerVersion})
}

func (s *Server) handleStatus(_ *Request) Response {
	ctx, cancel := s.reqCtx()
	defer cancel()

	groups, err := s.store.GroupStats(ctx)
	if err != nil {
		return fail("failed to read group stats: %v", err)
	}
	queueStats, err := s.store.GetQueueStats(ctx)
	if err != nil {
		return fail("failed to read queue stats: %v", err)
	}
	products, err := s.store.ProductStats(ctx)
	if err != nil {
		return fail("failed to read product stats: %v", err)
	}
	locks, err := s.store.ListMSLocks(ctx)
	if err != nil {
		return fail("failed to list locks: %v", err)
	}

	lastActivity := s.lastActivityTime.Load().(time.Time)
	return ok(StatusResponse{
		Version:          ServerVersion,
		Workspace:        s.workspace,
		DatabasePath:     s.dbPath,
		SocketPath:       s.socketPath,
		PID:              os.Getpid(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		LastActivityTime: lastActivity.Format(time.RFC3339),
		Groups:           groups,
		Queue:            queueStats,
		Products:         products,
		ActiveLocks:      len(locks),
	})
}

func (s *Server) handleHealth(req *Request) Response {
	health := s.checkHealth(req.ClientVersion)
	data, _ := json.Marshal(health)
	return Response{
		Success: health.Status != "unhealthy",
		Data:    data,
		Error:   health.Error,
	}
}

// checkHealth probes the database with PRAGMA quick_check, the state
// directory's filesystem for free space, and the queue for backlog depth.
func (s *Server) checkHealth(clientVersion string) HealthResponse {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := "healthy"
	probeErr := ""

	var integrity string
	err := s.store.UnderlyingDB().QueryRowContext(ctx, "PRAGMA quick_check").Scan(&integrity)
	dbResponseMs := time.Since(start).Seconds() * 1000
	if err != nil {
		status = "unhealthy"
		probeErr = fmt.Sprintf("database probe failed: %v", err)
	} else if integrity != "ok" {
		status = "unhealthy"
		probeErr = fmt.Sprintf("database integrity: %s", integrity)
	} else if dbResponseMs > slowDBThresholdMs {
		status = "degraded"
	}

	var diskFree uint64
	var fs unix.Statfs_t
	if err := unix.Statfs(s.workspace, &fs); err == nil {
		diskFree = fs.Bavail * uint64(fs.Bsize)
		if status == "healthy" && diskFree < lowDiskFreeBytes {
			status = "degraded"
		}
	}

	backlog := 0
	if status != "unhealthy" {
		if qs, err := s.store.GetQueueStats(ctx); err == nil {
			backlog = qs.ByState[types.WorkPending] + qs.ByState[types.WorkInProgress]
			if status == "healthy" && backlog > deepQueueBacklog {
				status = "degraded"
			}
		}
	}

	compatible := true
	if clientVersion != "" {
		if err := s.checkVersionCompatibility(clientVersion); err != nil {
			compatible = false
		}
	}

	return HealthResponse{
		Status:         status,
		Version:        ServerVersion,
		ClientVersion:  clientVersion,
		Compatible:     compatible,
		Uptime:         time.Since(s.startTime).Seconds(),
		DBResponseTime: dbResponseMs,
		DiskFreeBytes:  diskFree,
		QueueBacklog:   backlog,
		ActiveConns:    s.activeConnCount(),
		MaxConns:       s.maxConns,
		Error:          probeErr,
	}
}

func (s *Server) handleMetrics(_ *Request) Response {
	return ok(s.metrics.Snapshot(int(s.activeConnCount())))
}

func (s *Server) handleQueueList(req *Request) Response {
	var args QueueListArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	states, err := parseWorkStates(args.States)
	if err != nil {
		return fail("%v", err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	items, err := s.store.ListWork(ctx, storage.WorkFilter{
		States:  states,
		JobType: args.JobType,
		Limit:   orDefault(args.Limit, defaultListLimit),
	})
	if err != nil {
		return fail("failed to list work: %v", err)
	}
	return ok(items)
}

func (s *Server) handleQueueShow(req *Request) Response {
	var args QueueShowArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	if args.ID == "" {
		return fail("queue.show requires a work item id")
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	item, err := s.store.GetWorkItem(ctx, args.ID)
	if err != nil {
		return fail("failed to read work item %s: %v", args.ID, err)
	}
	return ok(item)
}

func (s *Server) handleQueueRetry(req *Request) Response {
	var args QueueRetryArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	if args.ID == "" {
		return fail("queue.retry requires a work item id")
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	if err := s.queue.Requeue(ctx, args.ID); err != nil {
		return fail("failed to requeue %s: %v", args.ID, err)
	}
	item, err := s.store.GetWorkItem(ctx, args.ID)
	if err != nil {
		return fail("requeued %s but failed to read it back: %v", args.ID, err)
	}
	return ok(item)
}

func (s *Server) handleGroupsList(req *Request) Response {
	var args GroupsListArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	states, err := parseGroupStates(args.States)
	if err != nil {
		return fail("%v", err)
	}
	var since time.Time
	if args.Since != "" {
		since, err = time.Parse(time.RFC3339, args.Since)
		if err != nil {
			return fail("invalid since %q: %v", args.Since, err)
		}
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	groups, err := s.store.ListGroups(ctx, storage.GroupFilter{
		States: states,
		Since:  since,
		Limit:  orDefault(args.Limit, defaultListLimit),
	})
	if err != nil {
		return fail("failed to list groups: %v", err)
	}
	return ok(groups)
}

func (s *Server) handleGroupsShow(req *Request) Response {
	var args GroupsShowArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	if args.ID == "" {
		return fail("groups.show requires a group id")
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	group, err := s.store.GetGroup(ctx, args.ID)
	if err != nil {
		return fail("failed to read group %s: %v", args.ID, err)
	}
	return ok(group)
}

func (s *Server) handleProductsList(req *Request) Response {
	var args ProductsListArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	states, err := parseProductStates(args.States)
	if err != nil {
		return fail("%v", err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	if args.Box != nil {
		if args.Box.DecMin > args.Box.DecMax {
			return fail("sky box dec_min %.3f > dec_max %.3f", args.Box.DecMin, args.Box.DecMax)
		}
		products, err := s.store.ProductsInSkyBox(ctx, *args.Box, orDefault(args.Limit, defaultListLimit))
		if err != nil {
			return fail("failed to search sky box: %v", err)
		}
		return ok(products)
	}

	products, err := s.store.ListProducts(ctx, storage.ProductFilter{
		DataType:  args.DataType,
		States:    states,
		GroupID:   args.GroupID,
		MinObsMJD: args.MinObsMJD,
		MaxObsMJD: args.MaxObsMJD,
		Limit:     orDefault(args.Limit, defaultListLimit),
	})
	if err != nil {
		return fail("failed to list products: %v", err)
	}
	return ok(products)
}

func (s *Server) handleProductsShow(req *Request) Response {
	var args ProductsShowArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	if args.DataID == "" {
		return fail("products.show requires a data_id")
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	product, err := s.store.GetProduct(ctx, args.DataID)
	if err != nil {
		return fail("failed to read product %s: %v", args.DataID, err)
	}
	ancestors, err := s.store.ProductAncestry(ctx, args.DataID, 0)
	if err != nil {
		return fail("failed to read ancestry of %s: %v", args.DataID, err)
	}
	return ok(ProductsShowResponse{Product: product, Ancestors: ancestors})
}

func (s *Server) handleCalList(req *Request) Response {
	var args CalListArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	var status types.CalStatus
	if args.Status != "" {
		var err error
		status, err = parseCalStatus(args.Status)
		if err != nil {
			return fail("%v", err)
		}
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	artifacts, err := s.store.ListCalArtifacts(ctx, storage.CalFilter{
		SetName: args.SetName,
		Status:  status,
		Limit:   orDefault(args.Limit, defaultListLimit),
	})
	if err != nil {
		return fail("failed to list calibration artifacts: %v", err)
	}
	return ok(artifacts)
}

func (s *Server) handleCalRegister(req *Request) Response {
	var args CalRegisterArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	id, err := s.cal.Register(ctx, &types.CalArtifact{
		SetName:       args.SetName,
		Type:          types.CalTableType(args.Type),
		Path:          args.Path,
		OrderIndex:    args.OrderIndex,
		ValidStartMJD: args.ValidStartMJD,
		ValidEndMJD:   args.ValidEndMJD,
	})
	if err != nil {
		return fail("failed to register artifact: %v", err)
	}
	artifact, err := s.store.GetCalArtifact(ctx, id)
	if err != nil {
		return fail("registered artifact %d but failed to read it back: %v", id, err)
	}
	return ok(artifact)
}

func (s *Server) handleCalRetire(req *Request) Response {
	var args CalRetireArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	if args.ID == 0 && args.SetName == "" {
		return fail("cal.retire requires an artifact id or a set name")
	}
	if args.ID != 0 && args.SetName != "" {
		return fail("cal.retire takes an artifact id or a set name, not both")
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	if args.SetName != "" {
		n, err := s.cal.RetireSet(ctx, args.SetName)
		if err != nil {
			return fail("failed to retire set %s: %v", args.SetName, err)
		}
		return ok(CalRetireResponse{Retired: n})
	}
	if err := s.cal.Retire(ctx, args.ID); err != nil {
		return fail("failed to retire artifact %d: %v", args.ID, err)
	}
	return ok(CalRetireResponse{Retired: 1})
}

func (s *Server) handleEventsTail(req *Request) Response {
	var args EventsTailArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	events, err := s.store.ListEvents(ctx, storage.EventFilter{
		GroupID:   args.GroupID,
		EventType: args.EventType,
		Limit:     orDefault(args.Limit, defaultTailLimit),
	})
	if err != nil {
		return fail("failed to list events: %v", err)
	}
	return ok(events)
}

func (s *Server) handleRetract(req *Request) Response {
	var args RetractArgs
	if err := decodeArgs(req, &args); err != nil {
		return fail("%v", err)
	}
	if args.DataID == "" {
		return fail("publish.retract requires a data_id")
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	if err := s.pub.Retract(ctx, args.DataID); err != nil {
		return fail("failed to retract %s: %v", args.DataID, err)
	}
	product, err := s.store.GetProduct(ctx, args.DataID)
	if err != nil {
		return fail("retracted %s but failed to read it back: %v", args.DataID, err)
	}
	return ok(product)
}

func (s *Server) handleShutdown(_ *Request) Response {
	s.log.Info("shutdown requested over control socket")
	select {
	case s.shutdownReq <- struct{}{}:
	default:
		// A shutdown is already pending.
	}
	return ok(map[string]string{"message": "shutting down"})
}

func (s *Server) activeConnCount() int32 {
	return atomic.LoadInt32(&s.activeConns)
}

func orDefault(limit, def int) int {
	if limit > 0 {
		return limit
	}
	return def
}

func parseWorkStates(raw []string) ([]types.WorkState, error) {
	var states []types.WorkState
	for _, r := range raw {
		switch st := types.WorkState(r); st {
		case types.WorkPending, types.WorkInProgress, types.WorkCompleted, types.WorkFailed, types.WorkDead:
			states = append(states, st)
		default:
			return nil, fmt.Errorf("unknown work state %q", r)
		}
	}
	return states, nil
}

func parseGroupStates(raw []string) ([]types.GroupState, error) {
	var states []types.GroupState
	for _, r := range raw {
		switch st := types.GroupState(r); st {
		case types.GroupCollecting, types.GroupPending, types.GroupInProgress, types.GroupCompleted, types.GroupFailed:
			states = append(states, st)
		default:
			return nil, fmt.Errorf("unknown group state %q", r)
		}
	}
	return states, nil
}

func parseProductStates(raw []string) ([]types.ProductState, error) {
	var states []types.ProductState
	for _, r := range raw {
		switch st := types.ProductState(r); st {
		case types.ProductStaging, types.ProductValidated, types.ProductPublishing,
			types.ProductPublished, types.ProductFailed, types.ProductRetracted:
			states = append(states, st)
		default:
			return nil, fmt.Errorf("unknown product state %q", r)
		}
	}
	return states, nil
}

func parseCalStatus(raw string) (types.CalStatus, error) {
	switch st := types.CalStatus(raw); st {
	case types.CalActive, types.CalRetired, types.CalFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown calibration status %q", raw)
	}
}
