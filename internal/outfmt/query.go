package outfmt

import (
	"encoding/json"
	"io"
	"reflect"

	"github.com/chatwoot/chatsync/internal/filter"
)

// toJSONValue round-trips v through encoding/json so that jq sees plain
// maps, slices and numbers instead of Go structs.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// List is the JSON shape of every list command: conversations, profiles,
// messages and secret names all print as {"items": [...], "count": n}.
type List struct {
	Items any `json:"items"`
	Count int `json:"count"`
}

// listOf wraps a slice in a List. Byte slices, raw JSON and non-slices are
// not lists. A nil slice becomes an empty list so jq .items[] never sees null.
func listOf(v any) (List, bool) {
	if v == nil {
		return List{}, false
	}
	switch v.(type) {
	case []byte, json.RawMessage, List, *List:
		return List{}, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return List{}, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return List{}, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return List{}, false
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return List{Items: []any{}}, true
	}
	return List{Items: rv.Interface(), Count: rv.Len()}, true
}

// ApplyQuery wraps list values in a List and applies the jq query.
func ApplyQuery(v any, query string) (any, error) {
	if l, ok := listOf(v); ok {
		v = l
	}
	if query == "" {
		return v, nil
	}
	data, err := toJSONValue(v)
	if err != nil {
		return nil, err
	}
	return filter.Apply(data, query)
}

// WriteJSONFiltered writes JSON with optional jq filtering.
func WriteJSONFiltered(w io.Writer, v any, query string, compact bool) error {
	result, err := ApplyQuery(v, query)
	if err != nil {
		return err
	}
	return WriteJSON(w, result, compact)
}

// WriteRecord writes one streamed record as a single JSON line. Records are
// never wrapped as lists; a query that selects nothing writes nothing.
func WriteRecord(w io.Writer, v any, query string) error {
	if query == "" {
		return WriteJSON(w, v, true)
	}
	data, err := toJSONValue(v)
	if err != nil {
		return err
	}
	result, err := filter.Apply(data, query)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if many, ok := result.([]any); ok && len(many) == 0 {
		return nil
	}
	return WriteJSON(w, result, true)
}

// WriteJSONLines writes list output one item per line. A query runs against
// the List envelope; when it yields several values each gets its own line.
func WriteJSONLines(w io.Writer, v any, query string) error {
	l, isList := listOf(v)
	var (
		result any
		err    error
	)
	switch {
	case query != "":
		result, err = ApplyQuery(v, query)
	case isList:
		result, err = toJSONValue(l.Items)
	default:
		result = v
	}
	if err != nil {
		return err
	}
	if many, ok := result.([]any); ok {
		for _, item := range many {
			if err := WriteJSON(w, item, true); err != nil {
				return err
			}
		}
		return nil
	}
	return WriteJSON(w, result, true)
}
