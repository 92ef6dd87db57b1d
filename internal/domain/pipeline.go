package domain

import "encoding/json"

// MonitoringView is the cheap, always-loaded projection of a pipeline
// descriptor: everything the automaton needs to decide a transition without
// touching the larger compiler artifacts.
type MonitoringView struct {
	TenantID                TenantID
	PipelineID               PipelineID
	Name                     string
	Version                  Version
	PlatformVersion          string
	ProgramVersion           Version
	ProgramStatus            ProgramStatus
	DeploymentStatus         DeploymentStatus
	DeploymentDesiredStatus  DesiredDeploymentStatusKind
}

// CompleteView adds the fields only needed on the Shutdown->Provisioning
// boundary and while a deployment_config is frozen.
type CompleteView struct {
	MonitoringView

	// RuntimeConfig is the user-supplied JSON runtime configuration.
	RuntimeConfig json.RawMessage `validate:"required"`

	// ProgramInfo is the compiler's output: connector lists and schema. Nil
	// until ProgramStatus reaches Success; the automaton never dereferences
	// it before checking ProgramStatus.IsSuccess().
	ProgramInfo *ProgramInfo

	// DeploymentConfig is controller-generated and frozen at Provisioning.
	// Nil before the first Shutdown->Provisioning transition.
	DeploymentConfig json.RawMessage

	// ProgramBinaryURL locates the compiled pipeline binary; required once
	// ProgramStatus is Success.
	ProgramBinaryURL string
}

// ProgramInfo is the compiler's structured output attached to a Success
// ProgramStatus: the connector lists consulted when deriving a
// deployment_config, plus the inferred schema.
type ProgramInfo struct {
	InputConnectors  []ConnectorInfo `json:"input_connectors" validate:"dive"`
	OutputConnectors []ConnectorInfo `json:"output_connectors" validate:"dive"`
	Schema           json.RawMessage `json:"schema"`
}

// ConnectorInfo describes one named table/view's input or output connector
// configuration, as emitted by the SQL compiler.
type ConnectorInfo struct {
	Name   string          `json:"name" validate:"required"`
	Config json.RawMessage `json:"config" validate:"required"`
}

// RuntimeConfig is the user-supplied knob set read out of
// CompleteView.RuntimeConfig; Storage gates whether the automaton attaches
// an executor-generated StorageConfig to the derived deployment_config.
type RuntimeConfig struct {
	Storage bool            `json:"storage"`
	Extra   json.RawMessage `json:"-"`
}

// DeploymentConfig is the frozen, controller-generated blob handed to the
// executor at Provisioning time: the merge of runtime config and the
// compiler's connector lists, plus optional storage settings.
type DeploymentConfig struct {
	InputConnectors  []ConnectorInfo `json:"input_connectors"`
	OutputConnectors []ConnectorInfo `json:"output_connectors"`
	Storage          json.RawMessage `json:"storage,omitempty"`
}
