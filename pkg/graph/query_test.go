package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPeople(t *testing.T, e *Engine) {
	t.Helper()
	people := []struct {
		id     NodeID
		labels []string
		props  Properties
	}{
		{"p1", []string{"Person"}, Properties{"name": String("Alice"), "city": String("Tokyo")}},
		{"p2", []string{"Person", "Employee"}, Properties{"name": String("Bob"), "city": String("Paris")}},
		{"p3", []string{"Person", "Employee"}, Properties{"name": String("Carol"), "city": String("Tokyo")}},
		{"p4", []string{"Person"}, Properties{"name": String("Dave")}},
		{"c1", []string{"Company"}, Properties{"name": String("Acme"), "city": String("Tokyo")}},
	}
	for _, p := range people {
		_, err := e.CreateNode(p.id, p.labels, p.props)
		require.NoError(t, err)
	}
}

func TestQuery_LabelScan(t *testing.T) {
	e := createTestEngine(t)
	seedPeople(t, e)
	ctx := context.Background()

	t.Run("label only", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{Variable: "p", Labels: []string{"Person"}}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"p"}, res.Columns)
		assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, res.IDs("p"))
		assert.Equal(t, 4, res.Stats.EntitiesScanned)
		assert.Equal(t, 4, res.Stats.RowsReturned)
	})

	t.Run("every label must match", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{Variable: "p", Labels: []string{"Person", "Employee"}}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"p2", "p3"}, res.IDs("p"))
	})

	t.Run("equal", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{
			Variable:   "p",
			Labels:     []string{"Person"},
			Properties: map[string]Condition{"city": Eq(String("Tokyo"))},
		}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p3"}, res.IDs("p"))
	})

	t.Run("not equal skips missing properties", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{
			Variable:   "p",
			Labels:     []string{"Person"},
			Properties: map[string]Condition{"city": Ne(String("Tokyo"))},
		}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"p2"}, res.IDs("p"), "p4 has no city and must not match")
	})

	t.Run("type sensitive", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{
			Variable:   "p",
			Labels:     []string{"Person"},
			Properties: map[string]Condition{"name": Eq(Integer(1))},
		}}})
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
	})

	t.Run("unknown label", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{Labels: []string{"Robot"}}}})
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
		assert.NotNil(t, res.Rows)
		assert.Equal(t, []string{"n"}, res.Columns, "default variable")
	})
}

func TestQuery_PropertyIndexAndFullScan(t *testing.T) {
	e := createTestEngine(t)
	seedPeople(t, e)
	ctx := context.Background()

	t.Run("property index narrows candidates", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{
			Variable:   "x",
			Properties: map[string]Condition{"city": Eq(String("Tokyo"))},
		}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "p1", "p3"}, res.IDs("x"))
		assert.Equal(t, 3, res.Stats.EntitiesScanned)
	})

	t.Run("full scan for inequality", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{
			Variable:   "x",
			Properties: map[string]Condition{"city": Ne(String("Tokyo"))},
		}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"p2"}, res.IDs("x"))
		assert.Equal(t, 5, res.Stats.EntitiesScanned)
	})

	t.Run("no conditions returns every node", func(t *testing.T) {
		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{Variable: "x"}}})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 5)
	})

	t.Run("composite equality is checked in memory", func(t *testing.T) {
		_, err := e.CreateNode("t1", nil, Properties{"tags": List(String("a"))})
		require.NoError(t, err)
		_, err = e.CreateNode("t2", nil, Properties{"tags": List(String("b"))})
		require.NoError(t, err)

		res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{
			Variable:   "x",
			Properties: map[string]Condition{"tags": Eq(List(String("b")))},
		}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, res.IDs("x"))
	})
}

func TestQuery_SkipLimit(t *testing.T) {
	e := createTestEngine(t)
	seedPeople(t, e)
	ctx := context.Background()
	base := NodePattern{Variable: "p", Labels: []string{"Person"}}

	res, err := e.Query(ctx, Query{NodePatterns: []NodePattern{base}, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, res.IDs("p"))
	assert.Equal(t, 2, res.Stats.EntitiesScanned, "scan stops at the limit")

	res, err = e.Query(ctx, Query{NodePatterns: []NodePattern{base}, Skip: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3"}, res.IDs("p"))

	res, err = e.Query(ctx, Query{NodePatterns: []NodePattern{base}, Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestQuery_Validation(t *testing.T) {
	e := createTestEngine(t)
	seedPeople(t, e)
	ctx := context.Background()

	tests := []struct {
		name  string
		query Query
	}{
		{"no node patterns", Query{}},
		{"unsupported operator", Query{NodePatterns: []NodePattern{{
			Properties: map[string]Condition{"age": {Operator: GreaterThan, Value: Integer(3)}},
		}}}},
		{"missing value", Query{NodePatterns: []NodePattern{{
			Properties: map[string]Condition{"age": {Operator: Equal}},
		}}}},
		{"negative skip", Query{NodePatterns: []NodePattern{{}}, Skip: -1}},
		{"duplicate variable", Query{NodePatterns: []NodePattern{{Variable: "a"}, {Variable: "a"}}}},
		{"unnamed second pattern", Query{NodePatterns: []NodePattern{{Variable: "a"}, {}}}},
		{"edge references unknown variable", Query{
			NodePatterns: []NodePattern{{Variable: "a"}},
			EdgePatterns: []EdgePattern{{Variable: "r", Label: "KNOWS", FromVariable: "a", ToVariable: "b"}},
		}},
		{"edge condition operator", Query{
			NodePatterns: []NodePattern{{Variable: "a"}, {Variable: "b"}},
			EdgePatterns: []EdgePattern{{
				Variable: "r", FromVariable: "a", ToVariable: "b",
				Properties: map[string]Condition{"since": {Operator: In, Value: List(Integer(1))}},
			}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Query(ctx, tt.query)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}

	t.Run("valid edge pattern is accepted", func(t *testing.T) {
		res, err := e.Query(ctx, Query{
			NodePatterns: []NodePattern{{Variable: "a", Labels: []string{"Person"}}, {Variable: "b"}},
			EdgePatterns: []EdgePattern{{Variable: "r", Label: "KNOWS", FromVariable: "a", ToVariable: "b"}},
		})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 4)
	})
}

func TestQuery_Cancelled(t *testing.T) {
	e := createTestEngine(t)
	seedPeople(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Query(ctx, Query{NodePatterns: []NodePattern{{Labels: []string{"Person"}}}})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.Query(ctx, Query{NodePatterns: []NodePattern{{}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOperator_String(t *testing.T) {
	assert.Equal(t, "=", Equal.String())
	assert.Equal(t, "STARTS WITH", StartsWith.String())
	assert.Equal(t, "Operator(42)", Operator(42).String())
}
