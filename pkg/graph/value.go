package graph

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// InferredType names the variant of a Value. It is also the type recorded by
// the schema tracker.
type InferredType string

const (
	TypeString    InferredType = "String"
	TypeInteger   InferredType = "Integer"
	TypeFloat     InferredType = "Float"
	TypeBoolean   InferredType = "Boolean"
	TypeTimestamp InferredType = "Timestamp"
	TypeList      InferredType = "List"
	TypeMap       InferredType = "Map"
)

// Placeholder tokens written to the property index for composite values.
const (
	listToken = "[LIST]"
	mapToken  = "[MAP]"
)

// Value is a property value. The set of implementations is closed:
// StringValue, IntegerValue, FloatValue, BooleanValue, TimestampValue,
// ListValue and MapValue.
type Value interface {
	// Type returns the variant of the value.
	Type() InferredType
	// Canonical renders the value as used in property index keys.
	Canonical() string

	isValue()
}

type (
	StringValue    string
	IntegerValue   int64
	FloatValue     float64
	BooleanValue   bool
	TimestampValue time.Time
	ListValue      []Value
	MapValue       map[string]Value
)

// Constructors keep call sites short: graph.String("Alice"), graph.Integer(30).

func String(s string) Value        { return StringValue(s) }
func Integer(i int64) Value        { return IntegerValue(i) }
func Float(f float64) Value        { return FloatValue(f) }
func Boolean(b bool) Value         { return BooleanValue(b) }
func Timestamp(t time.Time) Value  { return TimestampValue(t.UTC()) }
func List(vs ...Value) Value       { return ListValue(vs) }
func Map(m map[string]Value) Value { return MapValue(m) }

func (StringValue) Type() InferredType    { return TypeString }
func (IntegerValue) Type() InferredType   { return TypeInteger }
func (FloatValue) Type() InferredType     { return TypeFloat }
func (BooleanValue) Type() InferredType   { return TypeBoolean }
func (TimestampValue) Type() InferredType { return TypeTimestamp }
func (ListValue) Type() InferredType      { return TypeList }
func (MapValue) Type() InferredType       { return TypeMap }

func (v StringValue) Canonical() string  { return string(v) }
func (v IntegerValue) Canonical() string { return strconv.FormatInt(int64(v), 10) }
func (v FloatValue) Canonical() string {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
func (v BooleanValue) Canonical() string { return strconv.FormatBool(bool(v)) }
func (v TimestampValue) Canonical() string {
	return time.Time(v).UTC().Format(time.RFC3339Nano)
}
func (ListValue) Canonical() string { return listToken }
func (MapValue) Canonical() string  { return mapToken }

func (StringValue) isValue()    {}
func (IntegerValue) isValue()   {}
func (FloatValue) isValue()     {}
func (BooleanValue) isValue()   {}
func (TimestampValue) isValue() {}
func (ListValue) isValue()      {}
func (MapValue) isValue()       {}

// Time returns the timestamp as a time.Time.
func (v TimestampValue) Time() time.Time { return time.Time(v) }

func (v StringValue) String() string    { return strconv.Quote(string(v)) }
func (v IntegerValue) String() string   { return v.Canonical() }
func (v FloatValue) String() string     { return v.Canonical() }
func (v BooleanValue) String() string   { return v.Canonical() }
func (v TimestampValue) String() string { return v.Canonical() }

func (v ListValue) String() string {
	parts := make([]string, len(v))
	for i, item := range v {
		parts[i] = fmt.Sprint(item)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (v MapValue) String() string {
	keys := sortedKeys(v)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + fmt.Sprint(v[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ValuesEqual reports whether a and b hold the same variant and contents.
// Timestamps compare by instant; floats compare by bit pattern so NaN equals
// itself.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case StringValue:
		bv, ok := b.(StringValue)
		return ok && av == bv
	case IntegerValue:
		bv, ok := b.(IntegerValue)
		return ok && av == bv
	case FloatValue:
		bv, ok := b.(FloatValue)
		return ok && math.Float64bits(float64(av)) == math.Float64bits(float64(bv))
	case BooleanValue:
		bv, ok := b.(BooleanValue)
		return ok && av == bv
	case TimestampValue:
		bv, ok := b.(TimestampValue)
		return ok && time.Time(av).Equal(time.Time(bv))
	case ListValue:
		bv, ok := b.(ListValue)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case MapValue:
		bv, ok := b.(MapValue)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !ValuesEqual(x, y) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// isScalar reports whether v can be looked up through the property index.
func isScalar(v Value) bool {
	switch v.(type) {
	case ListValue, MapValue:
		return false
	default:
		return v != nil
	}
}

// cloneValue deep-copies composite values. Scalars are immutable.
func cloneValue(v Value) Value {
	switch cv := v.(type) {
	case ListValue:
		if cv == nil {
			return cv
		}
		out := make(ListValue, len(cv))
		for i, item := range cv {
			out[i] = cloneValue(item)
		}
		return out
	case MapValue:
		if cv == nil {
			return cv
		}
		out := make(MapValue, len(cv))
		for k, item := range cv {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Properties maps property names to values. Iterate with Keys for a stable,
// sorted order.
type Properties map[string]Value

// Keys returns the property names in sorted order.
func (p Properties) Keys() []string {
	return sortedKeys(p)
}

// Clone returns a deep copy. Cloning nil returns an empty map.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Equal reports whether both maps hold the same keys and equal values.
func (p Properties) Equal(other Properties) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !ValuesEqual(v, ov) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
