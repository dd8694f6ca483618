package main

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/graphstore/pkg/graph"
)

// parseLiteral turns a command-line literal into a typed value. It tries, in
// order: integer, float, boolean, RFC 3339 timestamp, JSON list or object.
// Anything else is a string; wrap a value in double quotes to force a string.
func parseLiteral(s string) (graph.Value, error) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("bad quoted string %s: %w", s, err)
		}
		return graph.String(unq), nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return graph.Integer(i), nil
	}
	// ParseFloat also accepts "inf" and "nan", which are more likely names.
	if f, err := strconv.ParseFloat(s, 64); err == nil && strings.ContainsAny(s, "0123456789") {
		return graph.Float(f), nil
	}
	if s == "true" || s == "false" {
		return graph.Boolean(s == "true"), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return graph.Timestamp(t), nil
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("bad JSON literal %s: %w", s, err)
		}
		return fromJSON(raw)
	}
	return graph.String(s), nil
}

func fromJSON(raw any) (graph.Value, error) {
	switch v := raw.(type) {
	case string:
		return graph.String(v), nil
	case bool:
		return graph.Boolean(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return graph.Integer(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return graph.Float(f), nil
	case []any:
		items := make([]graph.Value, 0, len(v))
		for _, item := range v {
			gv, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			items = append(items, gv)
		}
		return graph.List(items...), nil
	case map[string]any:
		m := make(map[string]graph.Value, len(v))
		for k, item := range v {
			gv, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			m[k] = gv
		}
		return graph.Map(m), nil
	case nil:
		return nil, fmt.Errorf("null is not a property value")
	default:
		return nil, fmt.Errorf("unsupported JSON value %T", raw)
	}
}

// parseAssignments parses key=value arguments into properties.
func parseAssignments(args []string) (graph.Properties, error) {
	props := make(graph.Properties, len(args))
	for _, arg := range args {
		key, lit, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		v, err := parseLiteral(lit)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", key, err)
		}
		props[key] = v
	}
	return props, nil
}

// parseCondition parses "key=value" or "key!=value" into a query condition.
func parseCondition(expr string) (string, graph.Condition, error) {
	op := graph.Equal
	key, lit, ok := strings.Cut(expr, "!=")
	if ok {
		op = graph.NotEqual
	} else {
		key, lit, ok = strings.Cut(expr, "=")
	}
	if !ok || key == "" {
		return "", graph.Condition{}, fmt.Errorf("expected key=value or key!=value, got %q", expr)
	}
	v, err := parseLiteral(lit)
	if err != nil {
		return "", graph.Condition{}, fmt.Errorf("condition on %s: %w", key, err)
	}
	return key, graph.Condition{Operator: op, Value: v}, nil
}

// toJSON converts a value into something encoding/json renders faithfully.
// Non-finite floats and timestamps become strings.
func toJSON(v graph.Value) any {
	switch v := v.(type) {
	case graph.StringValue:
		return string(v)
	case graph.IntegerValue:
		return int64(v)
	case graph.FloatValue:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return v.Canonical()
		}
		return f
	case graph.BooleanValue:
		return bool(v)
	case graph.TimestampValue:
		return v.Canonical()
	case graph.ListValue:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = toJSON(item)
		}
		return out
	case graph.MapValue:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = toJSON(item)
		}
		return out
	default:
		return nil
	}
}

func propsJSON(p graph.Properties) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = toJSON(v)
	}
	return out
}

type nodeView struct {
	ID         graph.NodeID   `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type edgeView struct {
	ID         graph.EdgeID   `json:"id"`
	From       graph.NodeID   `json:"from"`
	To         graph.NodeID   `json:"to"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func viewNode(n *graph.Node) nodeView {
	labels := n.Labels
	if labels == nil {
		labels = []string{}
	}
	return nodeView{
		ID:         n.ID,
		Labels:     labels,
		Properties: propsJSON(n.Properties),
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
}

func viewEdge(e *graph.Edge) edgeView {
	return edgeView{
		ID:         e.ID,
		From:       e.FromNode,
		To:         e.ToNode,
		Label:      e.Label,
		Properties: propsJSON(e.Properties),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}
