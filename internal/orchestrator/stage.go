// Package orchestrator executes stage DAGs against claimed work items.
//
// A Plan validates and orders stage definitions; a Runner walks the plan
// for one job, handling per-stage timeouts, retries with jittered backoff,
// cleanup, and journaling; a Pool of workers claims queue items and keeps
// their leases beating while jobs run.
package orchestrator

import (
	"context"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
)

// Stage is one unit of pipeline work.
//
// Validate checks preconditions without visible side effects. Execute does
// the work and returns a derived context carrying its outputs. Cleanup
// undoes partially materialized effects after a failed Execute or
// ValidateOutputs; it must be idempotent because retries call it again.
// ValidateOutputs checks the derived context post-conditions before the
// outputs are merged and become visible to later stages.
type Stage interface {
	Name() string
	Validate(ctx context.Context, ec Context) error
	Execute(ctx context.Context, ec Context) (Context, error)
	Cleanup(ctx context.Context, ec Context) error
	ValidateOutputs(ctx context.Context, ec Context) error
}

// Definition binds a stage into a plan.
type Definition struct {
	Stage     Stage
	DependsOn []string

	// Retry overrides the orchestrator default policy; nil inherits it.
	Retry *config.RetryConfig

	// Timeout bounds one Execute attempt; zero inherits the configured
	// stage timeout.
	Timeout time.Duration

	// Concurrent allows the stage to run alongside other concurrent
	// stages whose dependencies are equally satisfied.
	Concurrent bool
}
