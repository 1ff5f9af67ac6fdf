package resource

// Serializer shapes records at the boundary: Validate cleans inbound write
// payloads, ToWire shapes a stored record for the client. One serializer
// serves both the synchronous handlers and the activity stream, so a record
// looks the same however it reaches a client.
type Serializer interface {
	// Validate checks a write payload and returns the cleaned version plus
	// client-facing error strings. partial marks a partial_update, where
	// absent fields are not an error.
	Validate(data map[string]any, partial bool) (map[string]any, []string)
	// ToWire shapes a stored record for the wire.
	ToWire(record map[string]any) (any, error)
}

// MapSerializer is the default serializer over schemaless records. Fields, if
// set, whitelists both directions; Required names the fields a full write must
// carry.
type MapSerializer struct {
	Fields   []string
	Required []string
}

func (s MapSerializer) Validate(data map[string]any, partial bool) (map[string]any, []string) {
	var errs []string
	if !partial {
		for _, f := range s.Required {
			if _, ok := data[f]; !ok {
				errs = append(errs, "Field \""+f+"\" is required.")
			}
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	if len(s.Fields) == 0 {
		clean := make(map[string]any, len(data))
		for k, v := range data {
			clean[k] = v
		}
		return clean, nil
	}
	clean := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		if v, ok := data[f]; ok {
			clean[f] = v
		}
	}
	return clean, nil
}

func (s MapSerializer) ToWire(record map[string]any) (any, error) {
	if len(s.Fields) == 0 {
		return record, nil
	}
	out := make(map[string]any, len(s.Fields)+1)
	// Identity always travels with the record.
	if id, ok := record["id"]; ok {
		out["id"] = id
	}
	for _, f := range s.Fields {
		if v, ok := record[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}
