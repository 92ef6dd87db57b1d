package executor

import (
	"context"
	"encoding/json"
	"sync"
)

// Mock is a PipelineExecutor used by automaton tests: it records every call
// and reports itself provisioned at Location once Provision has succeeded,
// matching the "mock Executor returning Some(location)" fixture described
// for the automaton's end-to-end test scenarios.
type Mock struct {
	mu sync.Mutex

	Location string // returned by IsProvisioned once provisioned

	InitCalls      []bool
	ProvisionCalls int
	CheckCalls     int
	ShutdownCalls  int

	provisioned bool

	// Hooks let a test inject failures or delay provisioning; nil means
	// the default (immediate) success behavior.
	ProvisionErr      error
	IsProvisionedFunc func() (string, error)
	CheckErr          error
	ShutdownErr       error
}

// NewMock returns a Mock that reports provisioned at location once
// Provision succeeds. An empty location defaults to "http://mock".
func NewMock(location string) *Mock {
	if location == "" {
		location = "http://mock"
	}
	return &Mock{Location: location}
}

func (m *Mock) Init(_ context.Context, wasProvisioned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitCalls = append(m.InitCalls, wasProvisioned)
	return nil
}

func (m *Mock) GenerateStorageConfig(_ context.Context) (StorageConfig, error) {
	return StorageConfig{}, nil
}

func (m *Mock) Provision(_ context.Context, _ json.RawMessage, _ string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProvisionCalls++
	if m.ProvisionErr != nil {
		return m.ProvisionErr
	}
	m.provisioned = true
	return nil
}

func (m *Mock) IsProvisioned(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IsProvisionedFunc != nil {
		return m.IsProvisionedFunc()
	}
	if !m.provisioned {
		return "", nil
	}
	return m.Location, nil
}

func (m *Mock) Check(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckCalls++
	return m.CheckErr
}

func (m *Mock) Shutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShutdownCalls++
	if m.ShutdownErr != nil {
		return m.ShutdownErr
	}
	m.provisioned = false
	return nil
}

var _ PipelineExecutor = (*Mock)(nil)
