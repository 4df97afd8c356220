package module

import (
	"encoding/json"
	"fmt"
)

// DecodeParams converts an API params value into dst through a JSON
// round-trip, so handlers accept both typed structs and decoded
// map[string]any payloads. Nil params leave dst unchanged.
func DecodeParams(params any, dst any) error {
	if params == nil {
		return nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}

	return nil
}
