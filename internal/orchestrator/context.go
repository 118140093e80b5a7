package orchestrator

import (
	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/types"
)

// Inputs is the immutable job input: the group under processing and its
// subband files as they stood at claim time.
type Inputs struct {
	Group    *types.Group
	Subbands []*types.Subband
}

// Context is the execution context threaded through a job's stages. It is
// an immutable value: WithOutput and WithMeta return derived copies, so a
// stage can never mutate what an earlier stage produced. Outputs are keyed
// by the producing stage's name.
type Context struct {
	JobID  string
	Config *config.Config
	Inputs Inputs

	outputs map[string]interface{}
	meta    map[string]string
}

// NewContext returns the root context for a job.
func NewContext(jobID string, cfg *config.Config, in Inputs) Context {
	return Context{JobID: jobID, Config: cfg, Inputs: in}
}

// WithOutput returns a derived context carrying stage's payload. An
// existing payload under the same stage name is replaced, which only
// happens when a stage re-runs after a retry.
func (c Context) WithOutput(stage string, payload interface{}) Context {
	outputs := make(map[string]interface{}, len(c.outputs)+1)
	for k, v := range c.outputs {
		outputs[k] = v
	}
	outputs[stage] = payload
	c.outputs = outputs
	return c
}

// RawOutput returns stage's payload untyped.
func (c Context) RawOutput(stage string) (interface{}, bool) {
	v, ok := c.outputs[stage]
	return v, ok
}

// WithMeta returns a derived context with a small string annotation, used
// for values later stages rewrite, such as the working MS path.
func (c Context) WithMeta(key, value string) Context {
	meta := make(map[string]string, len(c.meta)+1)
	for k, v := range c.meta {
		meta[k] = v
	}
	meta[key] = value
	c.meta = meta
	return c
}

// Meta returns a string annotation.
func (c Context) Meta(key string) (string, bool) {
	v, ok := c.meta[key]
	return v, ok
}

// merge folds the outputs and metadata of derived contexts from concurrent
// stages back into the parent. Stage names are unique per plan, so output
// collisions cannot happen; later metadata wins on key collision.
func (c Context) merge(derived ...Context) Context {
	out := c
	for _, d := range derived {
		for k, v := range d.outputs {
			out = out.WithOutput(k, v)
		}
		for k, v := range d.meta {
			out = out.WithMeta(k, v)
		}
	}
	return out
}

// Output returns stage's payload as T. Absence or a type mismatch is a
// contract violation: the plan wired a stage to inputs it does not have.
func Output[T any](c Context, stage string) (T, error) {
	var zero T
	v, ok := c.outputs[stage]
	if !ok {
		return zero, types.Contractf("context", "no output from stage %s", stage)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, types.Contractf("context", "stage %s output is %T, not %T", stage, v, zero)
	}
	return typed, nil
}
