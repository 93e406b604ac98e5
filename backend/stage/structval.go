package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// TransactValue is Transact for callers at a structured API boundary (e.g. a
// gRPC handler) that already hold params as a structpb.Value rather than raw
// JSON bytes. The core fold never sees structpb: params round-trip through
// JSON once here and Transact operates on bytes exactly as it does for every
// other caller.
func (s *Stage) TransactValue(ctx context.Context, repoID, branch, fnName string, params *structpb.Value) (BranchValue, error) {
	raw, err := structValueToJSON(params)
	if err != nil {
		return BranchValue{}, fmt.Errorf("stage: transact_value: %w", err)
	}
	return s.Transact(ctx, repoID, branch, fnName, raw)
}

// Struct decodes a branch value's JSON bytes into a structpb.Value, for
// callers that want the staged/committed value as a structured API type
// instead of raw bytes. Returns nil if bv carries no value (e.g. it is a
// pure conflict summary).
func (bv BranchValue) Struct() (*structpb.Value, error) {
	if len(bv.Value) == 0 {
		return nil, nil
	}
	return jsonToStructValue(bv.Value)
}

func structValueToJSON(v *structpb.Value) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v.AsInterface())
}

func jsonToStructValue(data []byte) (*structpb.Value, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return structpb.NewValue(v)
}
