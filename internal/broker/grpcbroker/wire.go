package grpcbroker

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	broker "github.com/hanpama/brokerql/internal/broker"
)

// ServiceName and CallMethod name the one RPC every node serves.
const (
	ServiceName = "brokerql.Broker"
	CallMethod  = "/" + ServiceName + "/Call"
)

// plain turns v into the JSON data model structpb accepts.
func plain(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeRequest(req *broker.Request) (*structpb.Struct, error) {
	params, err := plain(req.Params)
	if err != nil {
		return nil, fmt.Errorf("grpcbroker: encode params: %w", err)
	}
	meta, err := plain(req.Meta)
	if err != nil {
		return nil, fmt.Errorf("grpcbroker: encode meta: %w", err)
	}
	return structpb.NewStruct(map[string]any{
		"id":     req.ID,
		"action": req.Action,
		"params": params,
		"meta":   meta,
	})
}

func decodeRequest(s *structpb.Struct) *broker.Request {
	m := s.AsMap()
	req := &broker.Request{}
	req.ID, _ = m["id"].(string)
	req.Action, _ = m["action"].(string)
	req.Params, _ = m["params"].(map[string]any)
	req.Meta, _ = m["meta"].(map[string]any)
	return req
}

func encodeResponse(result any, callErr error) (*structpb.Struct, error) {
	if callErr != nil {
		return structpb.NewStruct(map[string]any{
			"error": map[string]any{"message": callErr.Error(), "code": broker.ErrorCode(callErr)},
		})
	}
	v, err := plain(result)
	if err != nil {
		return nil, fmt.Errorf("grpcbroker: encode result: %w", err)
	}
	return structpb.NewStruct(map[string]any{"result": v})
}

func decodeResponse(action string, s *structpb.Struct) (any, error) {
	m := s.AsMap()
	if e, ok := m["error"].(map[string]any); ok {
		re := &broker.RemoteError{Action: action}
		re.Message, _ = e["message"].(string)
		re.Code, _ = e["code"].(string)
		return nil, re
	}
	return m["result"], nil
}
