package pipeline

import "encoding/json"

// Serialize encodes rows as a JSON array. No rows encode as [].
func Serialize(rows []EnrichedRow) ([]byte, error) {
	if rows == nil {
		rows = []EnrichedRow{}
	}
	return json.Marshal(rows)
}
