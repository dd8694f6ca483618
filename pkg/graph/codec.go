package graph

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"time"
)

// Codec turns nodes and edges into the bytes kept in the primary spaces.
//
// Implementations must be deterministic and DecodeX(EncodeX(v)) must equal v.
// Malformed input returns an error wrapping ErrCorruptRecord.
type Codec interface {
	EncodeNode(n *Node) ([]byte, error)
	DecodeNode(data []byte) (*Node, error)
	EncodeEdge(e *Edge) ([]byte, error)
	DecodeEdge(data []byte) (*Edge, error)
	// Name identifies the codec in config and logs.
	Name() string
}

// CodecByName returns the codec registered under name ("binary" or "gob").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "binary":
		return BinaryCodec{}, nil
	case "gob":
		return GobCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (valid: binary, gob)", name)
	}
}

// ============================================================================
// Binary codec
// ============================================================================

const (
	codecVersion byte = 1

	tagNode byte = 'N'
	tagEdge byte = 'E'

	maxValueDepth = 64
)

// Value tags in the binary encoding.
const (
	vString byte = iota + 1
	vInteger
	vFloat
	vBoolean
	vTimestamp
	vList
	vMap
)

// BinaryCodec is the default codec: a compact big-endian, length-prefixed
// format with a version byte and an entity tag.
//
// Layout:
//
//	version(1) tag(1) id
//	node: labels(u32 n, str...) props created updated
//	edge: from to label props created updated
//
// Strings are u32 length + bytes, properties are u32 count + sorted
// (name, value) pairs, times are i64 seconds + u32 nanoseconds.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return "binary" }

func (BinaryCodec) EncodeNode(n *Node) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("encode node: nil node")
	}
	w := &binWriter{buf: make([]byte, 0, 128)}
	w.byte(codecVersion)
	w.byte(tagNode)
	w.str(string(n.ID))
	w.u32(uint32(len(n.Labels)))
	for _, l := range n.Labels {
		w.str(l)
	}
	if err := w.props(n.Properties); err != nil {
		return nil, err
	}
	w.time(n.CreatedAt)
	w.time(n.UpdatedAt)
	return w.buf, nil
}

func (BinaryCodec) DecodeNode(data []byte) (*Node, error) {
	r := &binReader{data: data}
	r.header(tagNode)
	n := &Node{ID: NodeID(r.str())}
	count := r.count(4)
	n.Labels = make([]string, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		n.Labels = append(n.Labels, r.str())
	}
	n.Properties = r.props()
	n.CreatedAt = r.time()
	n.UpdatedAt = r.time()
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return n, nil
}

func (BinaryCodec) EncodeEdge(e *Edge) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode edge: nil edge")
	}
	w := &binWriter{buf: make([]byte, 0, 128)}
	w.byte(codecVersion)
	w.byte(tagEdge)
	w.str(string(e.ID))
	w.str(string(e.FromNode))
	w.str(string(e.ToNode))
	w.str(e.Label)
	if err := w.props(e.Properties); err != nil {
		return nil, err
	}
	w.time(e.CreatedAt)
	w.time(e.UpdatedAt)
	return w.buf, nil
}

func (BinaryCodec) DecodeEdge(data []byte) (*Edge, error) {
	r := &binReader{data: data}
	r.header(tagEdge)
	e := &Edge{
		ID:       EdgeID(r.str()),
		FromNode: NodeID(r.str()),
		ToNode:   NodeID(r.str()),
		Label:    r.str(),
	}
	e.Properties = r.props()
	e.CreatedAt = r.time()
	e.UpdatedAt = r.time()
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("decode edge: %w", err)
	}
	return e, nil
}

type binWriter struct {
	buf []byte
}

func (w *binWriter) byte(b byte) { w.buf = append(w.buf, b) }
func (w *binWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *binWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *binWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) time(t time.Time) {
	w.u64(uint64(t.Unix()))
	w.u32(uint32(t.Nanosecond()))
}

func (w *binWriter) props(p Properties) error {
	w.u32(uint32(len(p)))
	for _, k := range p.Keys() {
		w.str(k)
		if err := w.value(p[k], 0); err != nil {
			return fmt.Errorf("property %q: %w", k, err)
		}
	}
	return nil
}

func (w *binWriter) value(v Value, depth int) error {
	if depth > maxValueDepth {
		return fmt.Errorf("value nested deeper than %d levels", maxValueDepth)
	}
	switch tv := v.(type) {
	case StringValue:
		w.byte(vString)
		w.str(string(tv))
	case IntegerValue:
		w.byte(vInteger)
		w.u64(uint64(tv))
	case FloatValue:
		w.byte(vFloat)
		w.u64(math.Float64bits(float64(tv)))
	case BooleanValue:
		w.byte(vBoolean)
		if tv {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case TimestampValue:
		w.byte(vTimestamp)
		w.time(time.Time(tv))
	case ListValue:
		w.byte(vList)
		w.u32(uint32(len(tv)))
		for _, item := range tv {
			if err := w.value(item, depth+1); err != nil {
				return err
			}
		}
	case MapValue:
		w.byte(vMap)
		w.u32(uint32(len(tv)))
		for _, k := range sortedKeys(tv) {
			w.str(k)
			if err := w.value(tv[k], depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	return nil
}

// binReader decodes sequentially and remembers the first error, so callers
// can read a whole record and check once.
type binReader struct {
	data []byte
	pos  int
	err  error
}

func (r *binReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrCorruptRecord, fmt.Sprintf(format, args...), r.pos)
	}
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.pos < n {
		r.fail("truncated record (need %d bytes)", n)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *binReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// count reads a u32 element count and rejects counts that could not fit in
// the remaining bytes given minSize bytes per element.
func (r *binReader) count(minSize int) int {
	n := int(r.u32())
	if r.err != nil {
		return 0
	}
	if n*minSize > len(r.data)-r.pos {
		r.fail("count %d exceeds record size", n)
		return 0
	}
	return n
}

func (r *binReader) str() string {
	n := int(r.u32())
	return string(r.take(n))
}

func (r *binReader) time() time.Time {
	sec := int64(r.u64())
	nsec := r.u32()
	if r.err != nil {
		return time.Time{}
	}
	if nsec >= 1e9 {
		r.fail("invalid nanoseconds %d", nsec)
		return time.Time{}
	}
	return time.Unix(sec, int64(nsec)).UTC()
}

func (r *binReader) header(tag byte) {
	if v := r.byte(); r.err == nil && v != codecVersion {
		r.fail("unsupported codec version %d", v)
	}
	if t := r.byte(); r.err == nil && t != tag {
		r.fail("unexpected entity tag %q", t)
	}
}

func (r *binReader) props() Properties {
	count := r.count(5)
	p := make(Properties, count)
	for i := 0; i < count && r.err == nil; i++ {
		k := r.str()
		v := r.value(0)
		if r.err == nil {
			p[k] = v
		}
	}
	return p
}

func (r *binReader) value(depth int) Value {
	if depth > maxValueDepth {
		r.fail("value nested deeper than %d levels", maxValueDepth)
		return nil
	}
	switch tag := r.byte(); tag {
	case vString:
		return StringValue(r.str())
	case vInteger:
		return IntegerValue(int64(r.u64()))
	case vFloat:
		return FloatValue(math.Float64frombits(r.u64()))
	case vBoolean:
		switch b := r.byte(); b {
		case 0:
			return BooleanValue(false)
		case 1:
			return BooleanValue(true)
		default:
			r.fail("invalid boolean byte %d", b)
			return nil
		}
	case vTimestamp:
		return TimestampValue(r.time())
	case vList:
		count := r.count(1)
		list := make(ListValue, 0, count)
		for i := 0; i < count && r.err == nil; i++ {
			list = append(list, r.value(depth+1))
		}
		return list
	case vMap:
		count := r.count(5)
		m := make(MapValue, count)
		for i := 0; i < count && r.err == nil; i++ {
			k := r.str()
			v := r.value(depth + 1)
			if r.err == nil {
				m[k] = v
			}
		}
		return m
	default:
		if r.err == nil {
			r.fail("unknown value tag %d", tag)
		}
		return nil
	}
}

func (r *binReader) finish() error {
	if r.err == nil && r.pos != len(r.data) {
		r.fail("%d trailing bytes", len(r.data)-r.pos)
	}
	return r.err
}

// ============================================================================
// Gob codec
// ============================================================================

// GobCodec encodes records with encoding/gob through flat wire structs.
// Property maps become sorted slices so the output is deterministic.
type GobCodec struct{}

type gobValue struct {
	Kind  byte
	Str   string
	Int   int64
	Float uint64
	Bool  bool
	Sec   int64
	Nsec  int32
	List  []gobValue
	Map   []gobEntry
}

type gobEntry struct {
	Name  string
	Value gobValue
}

type gobNode struct {
	ID         string
	Labels     []string
	Properties []gobEntry
	CreatedSec int64
	CreatedNs  int32
	UpdatedSec int64
	UpdatedNs  int32
}

type gobEdge struct {
	ID         string
	From       string
	To         string
	Label      string
	Properties []gobEntry
	CreatedSec int64
	CreatedNs  int32
	UpdatedSec int64
	UpdatedNs  int32
}

func (GobCodec) Name() string { return "gob" }

func (GobCodec) EncodeNode(n *Node) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("encode node: nil node")
	}
	props, err := toGobEntries(n.Properties, 0)
	if err != nil {
		return nil, err
	}
	wire := gobNode{
		ID:         string(n.ID),
		Labels:     n.Labels,
		Properties: props,
		CreatedSec: n.CreatedAt.Unix(),
		CreatedNs:  int32(n.CreatedAt.Nanosecond()),
		UpdatedSec: n.UpdatedAt.Unix(),
		UpdatedNs:  int32(n.UpdatedAt.Nanosecond()),
	}
	return gobEncode(&wire)
}

func (GobCodec) DecodeNode(data []byte) (*Node, error) {
	var wire gobNode
	if err := gobDecode(data, &wire); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	props, err := fromGobEntries(wire.Properties, 0)
	if err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	labels := make([]string, len(wire.Labels))
	copy(labels, wire.Labels)
	return &Node{
		ID:         NodeID(wire.ID),
		Labels:     labels,
		Properties: props,
		CreatedAt:  time.Unix(wire.CreatedSec, int64(wire.CreatedNs)).UTC(),
		UpdatedAt:  time.Unix(wire.UpdatedSec, int64(wire.UpdatedNs)).UTC(),
	}, nil
}

func (GobCodec) EncodeEdge(e *Edge) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode edge: nil edge")
	}
	props, err := toGobEntries(e.Properties, 0)
	if err != nil {
		return nil, err
	}
	wire := gobEdge{
		ID:         string(e.ID),
		From:       string(e.FromNode),
		To:         string(e.ToNode),
		Label:      e.Label,
		Properties: props,
		CreatedSec: e.CreatedAt.Unix(),
		CreatedNs:  int32(e.CreatedAt.Nanosecond()),
		UpdatedSec: e.UpdatedAt.Unix(),
		UpdatedNs:  int32(e.UpdatedAt.Nanosecond()),
	}
	return gobEncode(&wire)
}

func (GobCodec) DecodeEdge(data []byte) (*Edge, error) {
	var wire gobEdge
	if err := gobDecode(data, &wire); err != nil {
		return nil, fmt.Errorf("decode edge: %w", err)
	}
	props, err := fromGobEntries(wire.Properties, 0)
	if err != nil {
		return nil, fmt.Errorf("decode edge: %w", err)
	}
	return &Edge{
		ID:         EdgeID(wire.ID),
		FromNode:   NodeID(wire.From),
		ToNode:     NodeID(wire.To),
		Label:      wire.Label,
		Properties: props,
		CreatedAt:  time.Unix(wire.CreatedSec, int64(wire.CreatedNs)).UTC(),
		UpdatedAt:  time.Unix(wire.UpdatedSec, int64(wire.UpdatedNs)).UTC(),
	}, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: gob panic: %v", ErrCorruptRecord, r)
		}
	}()
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return nil
}

func toGobEntries(p map[string]Value, depth int) ([]gobEntry, error) {
	keys := sortedKeys(p)
	out := make([]gobEntry, 0, len(keys))
	for _, k := range keys {
		gv, err := toGobValue(p[k], depth)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out = append(out, gobEntry{Name: k, Value: gv})
	}
	return out, nil
}

func toGobValue(v Value, depth int) (gobValue, error) {
	if depth > maxValueDepth {
		return gobValue{}, fmt.Errorf("value nested deeper than %d levels", maxValueDepth)
	}
	switch tv := v.(type) {
	case StringValue:
		return gobValue{Kind: vString, Str: string(tv)}, nil
	case IntegerValue:
		return gobValue{Kind: vInteger, Int: int64(tv)}, nil
	case FloatValue:
		return gobValue{Kind: vFloat, Float: math.Float64bits(float64(tv))}, nil
	case BooleanValue:
		return gobValue{Kind: vBoolean, Bool: bool(tv)}, nil
	case TimestampValue:
		t := time.Time(tv)
		return gobValue{Kind: vTimestamp, Sec: t.Unix(), Nsec: int32(t.Nanosecond())}, nil
	case ListValue:
		items := make([]gobValue, 0, len(tv))
		for _, item := range tv {
			gv, err := toGobValue(item, depth+1)
			if err != nil {
				return gobValue{}, err
			}
			items = append(items, gv)
		}
		return gobValue{Kind: vList, List: items}, nil
	case MapValue:
		entries, err := toGobEntries(tv, depth+1)
		if err != nil {
			return gobValue{}, err
		}
		return gobValue{Kind: vMap, Map: entries}, nil
	default:
		return gobValue{}, fmt.Errorf("unsupported value %T", v)
	}
}

func fromGobEntries(entries []gobEntry, depth int) (Properties, error) {
	out := make(Properties, len(entries))
	for _, e := range entries {
		v, err := fromGobValue(e.Value, depth)
		if err != nil {
			return nil, err
		}
		out[e.Name] = v
	}
	return out, nil
}

func fromGobValue(gv gobValue, depth int) (Value, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("%w: value nested deeper than %d levels", ErrCorruptRecord, maxValueDepth)
	}
	switch gv.Kind {
	case vString:
		return StringValue(gv.Str), nil
	case vInteger:
		return IntegerValue(gv.Int), nil
	case vFloat:
		return FloatValue(math.Float64frombits(gv.Float)), nil
	case vBoolean:
		return BooleanValue(gv.Bool), nil
	case vTimestamp:
		if gv.Nsec < 0 || gv.Nsec >= 1e9 {
			return nil, fmt.Errorf("%w: invalid nanoseconds %d", ErrCorruptRecord, gv.Nsec)
		}
		return TimestampValue(time.Unix(gv.Sec, int64(gv.Nsec)).UTC()), nil
	case vList:
		list := make(ListValue, 0, len(gv.List))
		for _, item := range gv.List {
			v, err := fromGobValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case vMap:
		entries, err := fromGobEntries(gv.Map, depth+1)
		if err != nil {
			return nil, err
		}
		return MapValue(entries), nil
	default:
		return nil, fmt.Errorf("%w: unknown value kind %d", ErrCorruptRecord, gv.Kind)
	}
}

var (
	_ Codec = BinaryCodec{}
	_ Codec = GobCodec{}
)
