package postgres

import (
	"encoding/json"
	"fmt"

	"docledger/pkg/domain"
)

func encodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return raw, nil
}

// decodeFields keeps numbers as json.Number; JSONB stores them as exact
// numerics and a float64 round trip would corrupt large integers.
func decodeFields(raw []byte) (map[string]any, error) {
	return domain.DecodeFields(raw)
}
