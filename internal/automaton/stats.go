package automaton

import (
	"encoding/json"

	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/pipelineclient"
)

// RemoteStateKind is the closed outcome of probing a running pipeline's
// /stats endpoint.
type RemoteStateKind int

const (
	RemotePaused RemoteStateKind = iota
	RemoteRunning
	RemoteUnavailable
	RemoteError
)

// RemoteState is the parsed result of one stats-parse pass: either one of
// the two observable instance states, a transient unavailability, or a
// well-formed error envelope.
type RemoteState struct {
	Kind RemoteStateKind
	// Err is populated only when Kind == RemoteError.
	Err domain.ErrorResponse
}

type statsBody struct {
	GlobalMetrics struct {
		State string `json:"state"`
	} `json:"global_metrics"`
}

// parseStats implements spec's stats-parse rule: a connection failure
// (callErr != nil) and an HTTP 503 both mean Unavailable; a 200 with
// global_metrics.state of "Paused"/"Running" maps directly; anything else
// is a parsed-or-synthetic error envelope.
func parseStats(resp pipelineclient.Response, callErr error) RemoteState {
	if callErr != nil {
		return RemoteState{Kind: RemoteUnavailable}
	}

	switch resp.StatusCode {
	case 200:
		var body statsBody
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return RemoteState{Kind: RemoteError, Err: *domain.NewInvalidResponseError(resp.StatusCode, string(resp.Body))}
		}
		switch body.GlobalMetrics.State {
		case "Paused":
			return RemoteState{Kind: RemotePaused}
		case "Running":
			return RemoteState{Kind: RemoteRunning}
		default:
			return RemoteState{Kind: RemoteError, Err: *domain.NewInvalidResponseError(resp.StatusCode, string(resp.Body))}
		}
	case 503:
		return RemoteState{Kind: RemoteUnavailable}
	default:
		return RemoteState{Kind: RemoteError, Err: parseErrorEnvelope(resp)}
	}
}

// parseErrorEnvelope deserializes a non-2xx body as the canonical
// ErrorResponse, falling back to a synthetic envelope wrapping the raw body
// and status when that fails.
func parseErrorEnvelope(resp pipelineclient.Response) domain.ErrorResponse {
	var envelope domain.ErrorResponse
	if err := json.Unmarshal(resp.Body, &envelope); err != nil || envelope.Code == "" {
		return *domain.NewInvalidResponseError(resp.StatusCode, string(resp.Body))
	}
	return envelope
}
