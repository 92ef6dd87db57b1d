// Package automaton implements the deployment automaton: one reconciliation
// loop per pipeline that drives the observed deployment_status toward the
// user-declared deployment_desired_status, per the transition table in
// decide.go.
package automaton

import "github.com/streamforge/pipeline-controller/internal/domain"

// Kind discriminates the closed set of outcomes a decided Transition may
// carry. It is never serialized and never compared as a string; every
// switch over it is exhaustive.
type Kind int

const (
	// KindNoop means nothing is written this cycle.
	KindNoop Kind = iota
	// KindRequestRecompilation resets program_status to Pending via the
	// guarded program-version transition; it does not touch
	// deployment_status.
	KindRequestRecompilation
	// KindProvisionCalled records that executor.Provision succeeded this
	// cycle; deployment_status stays Provisioning, and only the
	// automaton's in-task provision_called bit flips. Nothing is
	// persisted to the store.
	KindProvisionCalled
	KindToProvisioning
	KindToInitializing
	KindToPaused
	KindToRunning
	KindToUnavailable
	KindToShuttingDown
	KindToShutdown
	KindToFailed
)

// Transition is the decided outcome of one run cycle, computed as a value so
// that deciding and applying it are separate, independently testable steps.
// Only the fields relevant to Kind are populated; callers must not read a
// field without first checking Kind.
type Transition struct {
	Kind Kind

	// DeploymentConfig is set on KindToProvisioning.
	DeploymentConfig domain.DeploymentConfig
	// Location is set on KindToInitializing.
	Location string
	// Error is set on KindToFailed.
	Error domain.ErrorResponse
}

func noop() Transition { return Transition{Kind: KindNoop} }

func requestRecompilation() Transition { return Transition{Kind: KindRequestRecompilation} }

func provisionCalled() Transition { return Transition{Kind: KindProvisionCalled} }

func toProvisioning(cfg domain.DeploymentConfig) Transition {
	return Transition{Kind: KindToProvisioning, DeploymentConfig: cfg}
}

func toInitializing(location string) Transition {
	return Transition{Kind: KindToInitializing, Location: location}
}

func toPaused() Transition { return Transition{Kind: KindToPaused} }

func toRunning() Transition { return Transition{Kind: KindToRunning} }

func toUnavailable() Transition { return Transition{Kind: KindToUnavailable} }

func toShuttingDown() Transition { return Transition{Kind: KindToShuttingDown} }

func toShutdown() Transition { return Transition{Kind: KindToShutdown} }

func toFailed(err domain.ErrorResponse) Transition {
	return Transition{Kind: KindToFailed, Error: err}
}

func toFailedCode(code, message string) Transition {
	return toFailed(domain.ErrorResponse{Code: code, Message: message})
}
