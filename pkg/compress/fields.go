package compress

import (
	"encoding/json"
	"fmt"
	"maps"
	"unicode/utf8"
)

// Size is the serialized JSON size of a structured payload in bytes.
func Size(payload map[string]any) (int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("compress: serialize payload: %w", err)
	}
	return len(b), nil
}

// Fields shrinks a structured payload. Within budget it is returned as is.
// Otherwise low-value fields are dropped, then top-level strings longer than
// the field limit are cut. Nested values are left alone. The input map is
// never modified. A payload that cannot be serialized is an error.
func (c *Compressor) Fields(payload map[string]any, target int) (map[string]any, error) {
	n, err := Size(payload)
	if err != nil {
		return nil, err
	}
	if n <= target {
		return payload, nil
	}

	out := maps.Clone(payload)
	for _, f := range c.opts.DropFields {
		delete(out, f)
	}
	if n, err = Size(out); err != nil {
		return nil, err
	} else if n <= target {
		return out, nil
	}

	limit := c.opts.MaxFieldLength
	for k, v := range out {
		s, ok := v.(string)
		if !ok || utf8.RuneCountInString(s) <= limit {
			continue
		}
		out[k] = string([]rune(s)[:limit]) + ellipsis
	}
	return out, nil
}
