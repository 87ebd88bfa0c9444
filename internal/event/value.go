package event

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

// Kind discriminates the variants a Value can hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a closed JSON-shaped variant used for event params, user
// properties and device context. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    map[string]Value
	list []Value
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value { return Value{kind: KindList, list: append([]Value(nil), items...)} }

// Map copies m into a map value.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsMap returns a copy of the map entries.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	cp := make(map[string]Value, len(v.m))
	for k, e := range v.m {
		cp[k] = e
	}
	return cp, true
}

// AsList returns a copy of the list items.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return append([]Value(nil), v.list...), true
}

// Interface converts v back to plain Go values (map[string]any, []any, ...).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	}
	return nil
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return true
}

// maxValueDepth bounds nesting in ValueOf.
const maxValueDepth = 32

// ValueOf converts an arbitrary Go value. Unknown types fall back to their
// fmt representation so conversion is total. Containers nested deeper than
// maxValueDepth, or that contain themselves, become a placeholder string.
func ValueOf(x any) Value {
	var c converter
	return c.value(x)
}

// converter tracks the containers on the current conversion path.
type converter struct {
	depth int
	path  map[uintptr]struct{}
}

// enter descends into a container identified by ref (zero when it has no
// identity). It reports false when the container is already on the path or
// the depth cap is reached.
func (c *converter) enter(ref uintptr) bool {
	if c.depth >= maxValueDepth {
		return false
	}
	if ref != 0 {
		if _, ok := c.path[ref]; ok {
			return false
		}
		if c.path == nil {
			c.path = make(map[uintptr]struct{})
		}
		c.path[ref] = struct{}{}
	}
	c.depth++
	return true
}

func (c *converter) leave(ref uintptr) {
	c.depth--
	if ref != 0 {
		delete(c.path, ref)
	}
}

func truncated(x any) Value {
	return String(fmt.Sprintf("<cyclic or too deeply nested %T>", x))
}

func (c *converter) value(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Number(float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano))
	case time.Duration:
		return Number(t.Seconds())
	case map[string]Value:
		return Map(t)
	case map[string]any:
		ref := reflect.ValueOf(t).Pointer()
		if !c.enter(ref) {
			return truncated(x)
		}
		defer c.leave(ref)
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = c.value(e)
		}
		return Value{kind: KindMap, m: m}
	case map[string]string:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = String(e)
		}
		return Value{kind: KindMap, m: m}
	case []Value:
		return List(t...)
	case []any:
		ref := reflect.ValueOf(t).Pointer()
		if !c.enter(ref) {
			return truncated(x)
		}
		defer c.leave(ref)
		l := make([]Value, len(t))
		for i, e := range t {
			l[i] = c.value(e)
		}
		return Value{kind: KindList, list: l}
	case []string:
		l := make([]Value, len(t))
		for i, e := range t {
			l[i] = String(e)
		}
		return Value{kind: KindList, list: l}
	case error:
		return String(t.Error())
	case fmt.Stringer:
		return String(t.String())
	}
	return c.reflectValue(x)
}

// reflectValue handles the remaining slice/map/pointer shapes.
func (c *converter) reflectValue(x any) Value {
	rv := reflect.ValueOf(x)
	var ref uintptr
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map:
		ref = rv.Pointer()
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		if !c.enter(ref) {
			return truncated(x)
		}
		defer c.leave(ref)
		return c.value(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if !c.enter(ref) {
			return truncated(x)
		}
		defer c.leave(ref)
		l := make([]Value, rv.Len())
		for i := range l {
			l[i] = c.value(rv.Index(i).Interface())
		}
		return Value{kind: KindList, list: l}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		if !c.enter(ref) {
			return truncated(x)
		}
		defer c.leave(ref)
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = c.value(iter.Value().Interface())
		}
		return Value{kind: KindMap, m: m}
	}
	return String(fmt.Sprint(x))
}

// MarshalJSON encodes the natural JSON shape. Non-finite numbers are an error.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("event value: unsupported number %v", v.num)
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return nil, fmt.Errorf("event value: unknown kind %d", v.kind)
}

// UnmarshalJSON decodes any JSON document into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromDecoded(raw)
	return nil
}

func fromDecoded(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case float64:
		return Number(t)
	case bool:
		return Bool(t)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = fromDecoded(e)
		}
		return Value{kind: KindMap, m: m}
	case []any:
		l := make([]Value, len(t))
		for i, e := range t {
			l[i] = fromDecoded(e)
		}
		return Value{kind: KindList, list: l}
	}
	return ValueOf(raw)
}
