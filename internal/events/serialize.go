package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Sentinel strings emitted when a payload cannot be walked further.
const (
	TokenMaxDepth       = "[MAX_DEPTH_EXCEEDED]"
	TokenCircular       = "[CIRCULAR]"
	TokenUnserializable = "[UNSERIALIZABLE]"
)

const maxSerializeDepth = 10

// Mapper lets payload types provide their own map form, mirroring the
// to_dict/model_dump capability of dynamic provider payloads.
type Mapper interface {
	ToMap() map[string]any
}

// SafeSerialize converts an arbitrary value into a tree of JSON-safe
// values: nil, bool, numbers, strings, []any, and map[string]any.
// The walk is bounded to depth 10, cycles are detected by identity, and
// any failure degrades to the value's string form. The result always
// JSON-encodes successfully.
func SafeSerialize(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = TokenUnserializable
		}
	}()
	seen := make(map[uintptr]bool)
	return serializeValue(reflect.ValueOf(v), seen, 0)
}

// SafeSerializeMap serializes every value of attrs in place-compatible
// fashion, returning a new map.
func SafeSerializeMap(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = SafeSerialize(v)
	}
	return out
}

func serializeValue(v reflect.Value, seen map[uintptr]bool, depth int) any {
	if depth > maxSerializeDepth {
		return TokenMaxDepth
	}
	if !v.IsValid() {
		return nil
	}

	// Well-known types before generic reflection.
	if v.CanInterface() {
		switch typed := v.Interface().(type) {
		case nil:
			return nil
		case time.Time:
			return typed.UTC().Format(time.RFC3339Nano)
		case time.Duration:
			return typed.String()
		case error:
			return typed.Error()
		case json.RawMessage:
			var decoded any
			if err := json.Unmarshal(typed, &decoded); err == nil {
				return decoded
			}
			return string(typed)
		case Mapper:
			return serializeValue(reflect.ValueOf(typed.ToMap()), seen, depth+1)
		case json.Marshaler:
			if b, err := typed.MarshalJSON(); err == nil {
				var decoded any
				if err := json.Unmarshal(b, &decoded); err == nil {
					return decoded
				}
			}
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return serializeValue(v.Elem(), seen, depth)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return TokenCircular
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return serializeValue(v.Elem(), seen, depth)

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return TokenCircular
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return serializeSequence(v, seen, depth)

	case reflect.Array:
		return serializeSequence(v, seen, depth)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return TokenCircular
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			out[key] = serializeValue(iter.Value(), seen, depth+1)
		}
		return out

	case reflect.Struct:
		return serializeStruct(v, seen, depth)

	default:
		// Func, Chan, UnsafePointer, Complex: fall back to the string
		// form, which always JSON-encodes.
		if v.CanInterface() {
			if s, ok := v.Interface().(fmt.Stringer); ok {
				return s.String()
			}
			return fmt.Sprintf("%v", v.Interface())
		}
		return TokenUnserializable
	}
}

func serializeSequence(v reflect.Value, seen map[uintptr]bool, depth int) any {
	n := v.Len()
	out := make([]any, n)
	for i := 0; i < n; i++ {
		out[i] = serializeValue(v.Index(i), seen, depth+1)
	}
	return out
}

// serializeStruct extracts the exported fields into a string-keyed map
// tagged with the concrete type name.
func serializeStruct(v reflect.Value, seen map[uintptr]bool, depth int) any {
	t := v.Type()
	out := make(map[string]any, t.NumField()+1)
	out["type"] = t.Name()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if comma := strings.IndexByte(tag, ','); comma >= 0 {
				tag = tag[:comma]
			}
			if tag != "" {
				name = tag
			}
		}
		out[name] = serializeValue(v.Field(i), seen, depth+1)
	}
	return out
}
