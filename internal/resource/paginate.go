package resource

import "liveapi/internal/proto"

// Paginator windows a list result. The full filtered set is loaded first;
// pagination here is a wire concern, not a storage one.
type Paginator interface {
	Paginate(records []any, kwargs map[string]any) (any, error)
}

// LimitOffsetPaginator reads "limit" and "offset" kwargs and wraps the window
// with the total count.
type LimitOffsetPaginator struct {
	DefaultLimit int
	MaxLimit     int
}

func (p LimitOffsetPaginator) Paginate(records []any, kwargs map[string]any) (any, error) {
	limit := p.DefaultLimit
	if limit <= 0 {
		limit = 25
	}
	if raw, ok := kwargs["limit"]; ok {
		n, ok := intKwarg(raw)
		if !ok || n < 0 {
			return nil, proto.ValidationError("Invalid \"limit\".")
		}
		limit = n
	}
	if p.MaxLimit > 0 && limit > p.MaxLimit {
		limit = p.MaxLimit
	}

	offset := 0
	if raw, ok := kwargs["offset"]; ok {
		n, ok := intKwarg(raw)
		if !ok || n < 0 {
			return nil, proto.ValidationError("Invalid \"offset\".")
		}
		offset = n
	}

	total := len(records)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	window := records[offset:end]
	if window == nil {
		window = []any{}
	}
	return map[string]any{
		"count":   total,
		"limit":   limit,
		"offset":  offset,
		"results": window,
	}, nil
}

func intKwarg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
