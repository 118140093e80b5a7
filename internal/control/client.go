package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/meridian-obs/contimg/internal/types"
)

// ClientVersion is sent with every request for the daemon's version gate.
// Overridden at CLI startup from the build version.
var ClientVersion = "0.0.0"

// Client is a control-socket client. A client owns one connection and is
// not safe for concurrent use.
type Client struct {
	conn       net.Conn
	socketPath string
	timeout    time.Duration
}

// TryConnect attempts to reach a daemon on the socket. It returns (nil, nil)
// when no healthy daemon is running: a missing socket with a free instance
// lock, a refused dial, or a failed health check all mean "no daemon".
func TryConnect(socketPath string) (*Client, error) {
	return TryConnectWithTimeout(socketPath, 200*time.Millisecond)
}

// TryConnectWithTimeout is TryConnect with an explicit dial timeout.
func TryConnectWithTimeout(socketPath string, dialTimeout time.Duration) (*Client, error) {
	stateDir := filepath.Dir(socketPath)

	if !socketExists(socketPath) {
		if !daemonRunning(stateDir) {
			// Lock free and socket missing: no daemon. Clear any stale pid
			// file a crashed daemon left behind.
			cleanupStaleArtifacts(stateDir)
			return nil, nil
		}
		// Lock held but no socket yet: the daemon may still be starting.
		// Re-check once before giving up.
		if !socketExists(socketPath) {
			return nil, nil
		}
	}

	if dialTimeout <= 0 {
		dialTimeout = 200 * time.Millisecond
	}
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		// Socket present but dead. If the instance lock is free the daemon
		// crashed; remove the stale socket so the next start is clean.
		if !daemonRunning(stateDir) {
			cleanupStaleArtifacts(stateDir)
			_ = os.Remove(socketPath)
		}
		return nil, nil
	}

	client := &Client{
		conn:       conn,
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}

	health, err := client.Health()
	if err != nil {
		_ = conn.Close()
		return nil, nil
	}
	if health.Status == "unhealthy" {
		_ = conn.Close()
		return nil, nil
	}
	return client, nil
}

// Connect reaches the daemon or fails loudly. Used where a running daemon
// is required rather than optional.
func Connect(socketPath string) (*Client, error) {
	client, err := TryConnect(socketPath)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("no daemon running on %s (start one with 'contimg run')", socketPath)
	}
	return client, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Execute sends one request and reads one response. A response with
// Success=false is returned alongside an error carrying its message.
func (c *Client) Execute(operation string, args interface{}) (*Response, error) {
	var argsJSON json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		argsJSON = data
	}

	req := Request{
		Operation:     operation,
		Args:          argsJSON,
		ClientVersion: ClientVersion,
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	writer := bufio.NewWriter(c.conn)
	if _, err := writer.Write(reqJSON); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("failed to write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	reader := bufio.NewReader(c.conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("operation failed: %s", resp.Error)
	}
	return &resp, nil
}

// Ping verifies the daemon is alive.
func (c *Client) Ping() error {
	_, err := c.Execute(OpPing, nil)
	return err
}

// Status retrieves daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.Execute(OpStatus, nil)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status response: %w", err)
	}
	return &status, nil
}

// Health runs the daemon's health probe.
func (c *Client) Health() (*HealthResponse, error) {
	resp, err := c.Execute(OpHealth, nil)
	if resp == nil && err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("empty health response")
	}
	// An unhealthy daemon still answers with a payload; surface it.
	var health HealthResponse
	if uerr := json.Unmarshal(resp.Data, &health); uerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("failed to unmarshal health response: %w", uerr)
	}
	return &health, nil
}

// Metrics retrieves the daemon's request counters.
func (c *Client) Metrics() (*MetricsSnapshot, error) {
	resp, err := c.Execute(OpMetrics, nil)
	if err != nil {
		return nil, err
	}
	var snap MetricsSnapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics response: %w", err)
	}
	return &snap, nil
}

// QueueList lists work items.
func (c *Client) QueueList(args *QueueListArgs) ([]*types.WorkItem, error) {
	resp, err := c.Execute(OpQueueList, args)
	if err != nil {
		return nil, err
	}
	var items []*types.WorkItem
	if err := json.Unmarshal(resp.Data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work items: %w", err)
	}
	return items, nil
}

// QueueShow fetches one work item by id.
func (c *Client) QueueShow(id string) (*types.WorkItem, error) {
	resp, err := c.Execute(OpQueueShow, &QueueShowArgs{ID: id})
	if err != nil {
		return nil, err
	}
	var item types.WorkItem
	if err := json.Unmarshal(resp.Data, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work item: %w", err)
	}
	return &item, nil
}

// QueueRetry re-arms a dead or failed work item and returns its new state.
func (c *Client) QueueRetry(id string) (*types.WorkItem, error) {
	resp, err := c.Execute(OpQueueRetry, &QueueRetryArgs{ID: id})
	if err != nil {
		return nil, err
	}
	var item types.WorkItem
	if err := json.Unmarshal(resp.Data, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work item: %w", err)
	}
	return &item, nil
}

// GroupsList lists observation groups.
func (c *Client) GroupsList(args *GroupsListArgs) ([]*types.Group, error) {
	resp, err := c.Execute(OpGroupsList, args)
	if err != nil {
		return nil, err
	}
	var groups []*types.Group
	if err := json.Unmarshal(resp.Data, &groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal groups: %w", err)
	}
	return groups, nil
}

// GroupsShow fetches one group by id.
func (c *Client) GroupsShow(id string) (*types.Group, error) {
	resp, err := c.Execute(OpGroupsShow, &GroupsShowArgs{ID: id})
	if err != nil {
		return nil, err
	}
	var group types.Group
	if err := json.Unmarshal(resp.Data, &group); err != nil {
		return nil, fmt.Errorf("failed to unmarshal group: %w", err)
	}
	return &group, nil
}

// ProductsList lists registered products.
func (c *Client) ProductsList(args *ProductsListArgs) ([]*types.Product, error) {
	resp, err := c.Execute(OpProductsList, args)
	if err != nil {
		return nil, err
	}
	var products []*types.Product
	if err := json.Unmarshal(resp.Data, &products); err != nil {
		return nil, fmt.Errorf("failed to unmarshal products: %w", err)
	}
	return products, nil
}

// ProductsShow fetches one product together with its provenance ancestors.
func (c *Client) ProductsShow(dataID string) (*ProductsShowResponse, error) {
	resp, err := c.Execute(OpProductsShow, &ProductsShowArgs{DataID: dataID})
	if err != nil {
		return nil, err
	}
	var show ProductsShowResponse
	if err := json.Unmarshal(resp.Data, &show); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &show, nil
}

// CalList lists calibration artifacts.
func (c *Client) CalList(args *CalListArgs) ([]*types.CalArtifact, error) {
	resp, err := c.Execute(OpCalList, args)
	if err != nil {
		return nil, err
	}
	var artifacts []*types.CalArtifact
	if err := json.Unmarshal(resp.Data, &artifacts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
	}
	return artifacts, nil
}

// CalRegister registers a calibration artifact and returns the stored row.
func (c *Client) CalRegister(args *CalRegisterArgs) (*types.CalArtifact, error) {
	resp, err := c.Execute(OpCalRegister, args)
	if err != nil {
		return nil, err
	}
	var artifact types.CalArtifact
	if err := json.Unmarshal(resp.Data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return &artifact, nil
}

// CalRetire retires one artifact or a whole set and reports the count.
func (c *Client) CalRetire(args *CalRetireArgs) (*CalRetireResponse, error) {
	resp, err := c.Execute(OpCalRetire, args)
	if err != nil {
		return nil, err
	}
	var result CalRetireResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retire result: %w", err)
	}
	return &result, nil
}

// EventsTail returns the newest matching journal entries, most recent first.
func (c *Client) EventsTail(args *EventsTailArgs) ([]*types.JobEvent, error) {
	resp, err := c.Execute(OpEventsTail, args)
	if err != nil {
		return nil, err
	}
	var events []*types.JobEvent
	if err := json.Unmarshal(resp.Data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return events, nil
}

// Retract retracts a published product and returns its final record.
func (c *Client) Retract(dataID string) (*types.Product, error) {
	resp, err := c.Execute(OpRetract, &RetractArgs{DataID: dataID})
	if err != nil {
		return nil, err
	}
	var product types.Product
	if err := json.Unmarshal(resp.Data, &product); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &product, nil
}

// Shutdown asks the daemon to exit cleanly.
func (c *Client) Shutdown() error {
	_, err := c.Execute(OpShutdown, nil)
	return err
}

func socketExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// cleanupStaleArtifacts removes the pid file a crashed daemon left behind.
// The lock file itself is managed by the OS and released on process exit.
func cleanupStaleArtifacts(stateDir string) {
	pidFile := filepath.Join(stateDir, "daemon.pid")
	if _, err := os.Stat(pidFile); err != nil {
		return
	}
	_ = os.Remove(pidFile)
}
