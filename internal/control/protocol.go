package control

import (
	"encoding/json"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Operation names accepted over the control socket.
const (
	OpPing         = "ping"
	OpStatus       = "status"
	OpHealth       = "health"
	OpMetrics      = "metrics"
	OpQueueList    = "queue.list"
	OpQueueShow    = "queue.show"
	OpQueueRetry   = "queue.retry"
	OpGroupsList   = "groups.list"
	OpGroupsShow   = "groups.show"
	OpProductsList = "products.list"
	OpProductsShow = "products.show"
	OpCalList      = "cal.list"
	OpCalRegister  = "cal.register"
	OpCalRetire    = "cal.retire"
	OpEventsTail   = "events.tail"
	OpRetract      = "publish.retract"
	OpShutdown     = "shutdown"
)

// Request is one control request from client to daemon, a single JSON line.
type Request struct {
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
}

// Response is the daemon's reply, a single JSON line.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PingResponse is the reply to a ping operation.
type PingResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// StatusResponse describes the running daemon.
type StatusResponse struct {
	Version          string  `json:"version"`
	Workspace        string  `json:"workspace"`
	DatabasePath     string  `json:"database_path"`
	SocketPath       string  `json:"socket_path"`
	PID              int     `json:"pid"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	LastActivityTime string  `json:"last_activity_time"`

	Groups      map[types.GroupState]int   `json:"groups"`
	Queue       *storage.QueueStats        `json:"queue"`
	Products    map[types.ProductState]int `json:"products"`
	ActiveLocks int                        `json:"active_locks"`
}

// HealthResponse is the reply to a health check. Status is "healthy",
// "degraded", or "unhealthy".
type HealthResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	ClientVersion  string  `json:"client_version,omitempty"`
	Compatible     bool    `json:"compatible"`
	Uptime         float64 `json:"uptime_seconds"`
	DBResponseTime float64 `json:"db_response_ms"`
	DiskFreeBytes  uint64  `json:"disk_free_bytes"`
	QueueBacklog   int     `json:"queue_backlog"`
	ActiveConns    int32   `json:"active_connections"`
	MaxConns       int     `json:"max_connections"`
	Error          string  `json:"error,omitempty"`
}

// QueueListArgs filters the queue.list operation.
type QueueListArgs struct {
	States  []string `json:"states,omitempty"`
	JobType string   `json:"job_type,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// QueueShowArgs names the work item to fetch.
type QueueShowArgs struct {
	ID string `json:"id"`
}

// QueueRetryArgs names the dead or failed work item to re-arm.
type QueueRetryArgs struct {
	ID string `json:"id"`
}

// GroupsListArgs filters the groups.list operation. Since is RFC 3339.
type GroupsListArgs struct {
	States []string `json:"states,omitempty"`
	Since  string   `json:"since,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// GroupsShowArgs names the group to fetch.
type GroupsShowArgs struct {
	ID string `json:"id"`
}

// ProductsListArgs filters the products.list operation. MJD bounds of zero
// are unset. A Box switches to the sky-position query surface; the other
// filters do not apply there.
type ProductsListArgs struct {
	DataType  string        `json:"data_type,omitempty"`
	States    []string      `json:"states,omitempty"`
	GroupID   string        `json:"group_id,omitempty"`
	MinObsMJD float64       `json:"min_obs_mjd,omitempty"`
	MaxObsMJD float64       `json:"max_obs_mjd,omitempty"`
	Box       *types.SkyBox `json:"box,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

// ProductsShowArgs names the product to fetch with its lineage.
type ProductsShowArgs struct {
	DataID string `json:"data_id"`
}

// ProductsShowResponse is a product with its provenance ancestors,
// nearest first.
type ProductsShowResponse struct {
	Product   *types.Product   `json:"product"`
	Ancestors []*types.Product `json:"ancestors,omitempty"`
}

// CalListArgs filters the cal.list operation.
type CalListArgs struct {
	SetName string `json:"set_name,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// CalRegisterArgs describes a calibration artifact to register. Zero MJD
// bounds take the registry's configured defaults.
type CalRegisterArgs struct {
	SetName       string  `json:"set_name"`
	Type          string  `json:"type"`
	Path          string  `json:"path"`
	OrderIndex    int     `json:"order_index"`
	ValidStartMJD float64 `json:"valid_start_mjd,omitempty"`
	ValidEndMJD   float64 `json:"valid_end_mjd,omitempty"`
}

// CalRetireArgs names one artifact, or a whole set, to retire.
type CalRetireArgs struct {
	ID      int64  `json:"id,omitempty"`
	SetName string `json:"set_name,omitempty"`
}

// CalRetireResponse reports how many artifacts were retired.
type CalRetireResponse struct {
	Retired int `json:"retired"`
}

// EventsTailArgs filters the events.tail operation. The newest matching
// entries are returned, most recent first.
type EventsTailArgs struct {
	GroupID   string `json:"group_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// RetractArgs names the published product to retract.
type RetractArgs struct {
	DataID string `json:"data_id"`
}
