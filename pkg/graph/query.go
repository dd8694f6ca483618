package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Operator is a comparison used in a property Condition.
//
// Only Equal and NotEqual can be executed. The ordering and string operators
// are part of the query model so queries can be built against them, but
// executing one fails with ErrInvalidQuery.
type Operator int

const (
	Equal Operator = iota
	NotEqual
	GreaterThan
	LessThan
	GreaterEqual
	LessEqual
	Contains
	StartsWith
	EndsWith
	In
)

var operatorNames = [...]string{
	Equal:        "=",
	NotEqual:     "<>",
	GreaterThan:  ">",
	LessThan:     "<",
	GreaterEqual: ">=",
	LessEqual:    "<=",
	Contains:     "CONTAINS",
	StartsWith:   "STARTS WITH",
	EndsWith:     "ENDS WITH",
	In:           "IN",
}

func (op Operator) String() string {
	if op >= 0 && int(op) < len(operatorNames) {
		return operatorNames[op]
	}
	return fmt.Sprintf("Operator(%d)", int(op))
}

func (op Operator) executable() bool {
	return op == Equal || op == NotEqual
}

// Condition compares a property against Value.
type Condition struct {
	Operator Operator
	Value    Value
}

// Eq and Ne build the two executable conditions.
func Eq(v Value) Condition { return Condition{Operator: Equal, Value: v} }
func Ne(v Value) Condition { return Condition{Operator: NotEqual, Value: v} }

// matches reports whether the condition holds for props[name]. A missing
// property never matches, not even NotEqual.
func (c Condition) matches(props Properties, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	switch c.Operator {
	case Equal:
		return ValuesEqual(v, c.Value)
	case NotEqual:
		return !ValuesEqual(v, c.Value)
	default:
		return false
	}
}

// NodePattern matches nodes carrying every label in Labels whose properties
// satisfy every condition.
type NodePattern struct {
	Variable   string
	Labels     []string
	Properties map[string]Condition
}

// EdgePattern describes an edge between two node patterns, referenced by
// variable. Edge patterns are validated but do not yet narrow the result:
// rows are driven by the first node pattern.
type EdgePattern struct {
	Variable     string
	Label        string
	Properties   map[string]Condition
	FromVariable string
	ToVariable   string
}

// Query is a pattern query. Limit 0 means no limit.
type Query struct {
	NodePatterns []NodePattern
	EdgePatterns []EdgePattern
	Skip         int
	Limit        int
}

// Row binds pattern variables to entity ids.
type Row map[string]string

// QueryStats describes one execution.
type QueryStats struct {
	EntitiesScanned int
	RowsReturned    int
	Elapsed         time.Duration
}

// Result is the output of Query. Rows are in candidate order: id order within
// the label or property bucket, or id order for a full scan.
type Result struct {
	Columns []string
	Rows    []Row
	Stats   QueryStats
}

// IDs returns the ids bound to variable in every row.
func (r *Result) IDs(variable string) []string {
	ids := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		if id, ok := row[variable]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// defaultVariable names a node pattern that didn't set one.
const defaultVariable = "n"

// validate checks q and returns the variable bound by the first node pattern.
func (q *Query) validate() (string, error) {
	if len(q.NodePatterns) == 0 {
		return "", fmt.Errorf("%w: at least one node pattern is required", ErrInvalidQuery)
	}
	if q.Skip < 0 || q.Limit < 0 {
		return "", fmt.Errorf("%w: skip and limit must not be negative", ErrInvalidQuery)
	}

	declared := make(map[string]struct{}, len(q.NodePatterns))
	for i, p := range q.NodePatterns {
		v := p.Variable
		if v == "" {
			if i > 0 {
				return "", fmt.Errorf("%w: node pattern %d needs a variable", ErrInvalidQuery, i)
			}
			v = defaultVariable
		}
		if _, dup := declared[v]; dup {
			return "", fmt.Errorf("%w: variable %q declared twice", ErrInvalidQuery, v)
		}
		declared[v] = struct{}{}
		if err := validateConditions(v, p.Properties); err != nil {
			return "", err
		}
	}

	for _, p := range q.EdgePatterns {
		for _, ref := range []string{p.FromVariable, p.ToVariable} {
			if ref == "" {
				continue
			}
			if _, ok := declared[ref]; !ok {
				return "", fmt.Errorf("%w: edge pattern %q references unknown variable %q", ErrInvalidQuery, p.Variable, ref)
			}
		}
		if err := validateConditions(p.Variable, p.Properties); err != nil {
			return "", err
		}
	}

	first := q.NodePatterns[0].Variable
	if first == "" {
		first = defaultVariable
	}
	return first, nil
}

func validateConditions(variable string, conds map[string]Condition) error {
	for name, c := range conds {
		if !c.Operator.executable() {
			return fmt.Errorf("%w: operator %s on %s.%s is not supported", ErrInvalidQuery, c.Operator, variable, name)
		}
		if c.Value == nil {
			return fmt.Errorf("%w: condition on %s.%s has no value", ErrInvalidQuery, variable, name)
		}
	}
	return nil
}

// Query evaluates q and returns the matching rows.
//
// Candidates for the first node pattern come from the label index when the
// pattern names a label, else from the property index when it has an Equal
// condition on a scalar value, else from a scan of every node. Remaining
// conditions are checked in memory. Cancelling ctx stops the scan.
func (e *Engine) Query(ctx context.Context, q Query) (*Result, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	variable, err := q.validate()
	if err != nil {
		e.metrics.queryErrors.Inc()
		return nil, err
	}

	start := time.Now()
	pattern := q.NodePatterns[0]
	result := &Result{Columns: []string{variable}, Rows: []Row{}}
	skipped := 0

	visit := func(n *Node) error {
		result.Stats.EntitiesScanned++
		if !pattern.matches(n) {
			return nil
		}
		if skipped < q.Skip {
			skipped++
			return nil
		}
		result.Rows = append(result.Rows, Row{variable: string(n.ID)})
		if q.Limit > 0 && len(result.Rows) >= q.Limit {
			return ErrStopIteration
		}
		return nil
	}

	err = e.scanCandidates(ctx, pattern, visit)
	result.Stats.RowsReturned = len(result.Rows)
	result.Stats.Elapsed = time.Since(start)
	e.metrics.queryDuration.UpdateDuration(start)
	if err != nil {
		e.metrics.queryErrors.Inc()
		return nil, err
	}
	e.metrics.queries.Inc()

	e.logger.Debug("query executed",
		zap.String("variable", variable),
		zap.Int("scanned", result.Stats.EntitiesScanned),
		zap.Int("rows", result.Stats.RowsReturned),
		zap.Duration("elapsed", result.Stats.Elapsed),
	)
	return result, nil
}

func (p *NodePattern) matches(n *Node) bool {
	for _, l := range p.Labels {
		if !n.HasLabel(l) {
			return false
		}
	}
	for _, name := range sortedKeys(p.Properties) {
		if !p.Properties[name].matches(n.Properties, name) {
			return false
		}
	}
	return true
}

// indexedEquality returns the first Equal condition (by property name) with
// a scalar value.
func (p *NodePattern) indexedEquality() (string, Value, bool) {
	names := make([]string, 0, len(p.Properties))
	for name, c := range p.Properties {
		if c.Operator == Equal && isScalar(c.Value) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil, false
	}
	sort.Strings(names)
	return names[0], p.Properties[names[0]].Value, true
}

// scanCandidates feeds every candidate node for pattern to visit.
func (e *Engine) scanCandidates(ctx context.Context, p NodePattern, visit func(*Node) error) error {
	byID := func(id string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.GetNode(NodeID(id))
		if err != nil {
			return err
		}
		if n == nil {
			// Index entry outlived its record; nothing to match.
			return nil
		}
		return visit(n)
	}

	if len(p.Labels) > 0 {
		return e.ForEachEntityByLabel(ctx, KindNode, p.Labels[0], byID)
	}
	if name, v, ok := p.indexedEquality(); ok {
		return e.scanPropertyIDs(ctx, KindNode, name, v, byID)
	}
	return e.ScanNodes(ctx, visit)
}
