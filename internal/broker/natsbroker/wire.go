package natsbroker

import (
	"encoding/json"
	"fmt"

	broker "github.com/hanpama/brokerql/internal/broker"
)

// Subjects used between nodes.
const (
	SubjectCallPrefix  = "brokerql.call."
	SubjectEventPrefix = "brokerql.events."
	SubjectAnnounce    = "brokerql.registry.announce"
	SubjectLeave       = "brokerql.registry.leave"
	SubjectDiscover    = "brokerql.registry.discover"
)

type requestEnvelope struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

type responseEnvelope struct {
	Result any                 `json:"result,omitempty"`
	Error  *broker.RemoteError `json:"error,omitempty"`
}

type eventEnvelope struct {
	Node    string `json:"node"`
	Payload any    `json:"payload,omitempty"`
}

type nodeInfo struct {
	Node     string                     `json:"node"`
	Services []broker.ServiceDescriptor `json:"services,omitempty"`
}

func callSubject(action string) string { return SubjectCallPrefix + action }

func eventSubject(event string) string { return SubjectEventPrefix + event }

func encodeResponse(result any, callErr error) []byte {
	env := responseEnvelope{Result: result}
	if callErr != nil {
		env = responseEnvelope{Error: &broker.RemoteError{Code: broker.ErrorCode(callErr), Message: callErr.Error()}}
	}
	data, err := json.Marshal(env)
	if err != nil {
		data, _ = json.Marshal(responseEnvelope{Error: &broker.RemoteError{
			Code:    broker.CodeActionFailed,
			Message: fmt.Sprintf("encode result: %v", err),
		}})
	}
	return data
}

func decodeResponse(action string, data []byte) (any, error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("natsbroker: decode response of %s: %w", action, err)
	}
	if env.Error != nil {
		env.Error.Action = action
		return nil, env.Error
	}
	return env.Result, nil
}
