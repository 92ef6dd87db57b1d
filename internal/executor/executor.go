// Package executor defines the abstract handle an automaton holds on one
// pipeline's runtime — local process, Docker container, or Kubernetes
// Pod/Service — behind a single PipelineExecutor contract. The automaton
// owns its Executor instance exclusively; dropping it must not shut down
// the underlying runtime, since persisted state is what lets a new
// controller process reattach after a restart.
package executor

import (
	"context"
	"encoding/json"
)

// StorageConfig is the per-pipeline persistent-storage settings an executor
// backend contributes to a deployment_config, consulted before Provisioning
// when the user's runtime_config requests storage.
type StorageConfig struct {
	Extra json.RawMessage
}

// PipelineExecutor is the capability set an automaton drives. Every method
// must tolerate being called multiple times and, for Shutdown, in any
// state — the automaton retries failed calls on its next cycle rather than
// tracking attempt counts itself.
type PipelineExecutor interface {
	// Init is called exactly once per automaton start. wasProvisioned is
	// true iff the persisted deployment_status on controller restart is
	// anything other than Shutdown or Provisioning; implementations may
	// use it to reattach to prior runtime resources instead of assuming
	// a fresh start.
	Init(ctx context.Context, wasProvisioned bool) error

	// GenerateStorageConfig produces this pipeline's persistent-storage
	// settings, consulted before Provisioning when runtime_config.storage
	// is true.
	GenerateStorageConfig(ctx context.Context) (StorageConfig, error)

	// Provision idempotently launches the runtime asynchronously given the
	// frozen deployment_config and the compiled binary's location. Safe to
	// call again after a controller restart.
	Provision(ctx context.Context, deploymentConfig json.RawMessage, programBinaryURL string, programVersion int64) error

	// IsProvisioned polls provisioning progress. It returns a non-empty
	// location once the pipeline is reachable for initialization, and an
	// empty string while still provisioning.
	IsProvisioned(ctx context.Context) (location string, err error)

	// Check is a lightweight liveness probe of the underlying runtime,
	// distinct from the remote pipeline's own readiness (which the
	// automaton probes separately via the HTTP control surface).
	Check(ctx context.Context) error

	// Shutdown unconditionally terminates and releases runtime resources.
	// Must be safe to call in any state, including repeatedly.
	Shutdown(ctx context.Context) error
}

// Backend names the concrete PipelineExecutor implementation a deployment
// automaton should be constructed with.
type Backend string

const (
	BackendProcess    Backend = "process"
	BackendDocker     Backend = "docker"
	BackendKubernetes Backend = "kubernetes"
)
