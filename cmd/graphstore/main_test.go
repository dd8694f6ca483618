package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphstore/pkg/graph"
)

func TestParseLiteral(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   string
		want graph.Value
	}{
		{"42", graph.Integer(42)},
		{"-7", graph.Integer(-7)},
		{"2.5", graph.Float(2.5)},
		{"1e3", graph.Float(1000)},
		{"true", graph.Boolean(true)},
		{"false", graph.Boolean(false)},
		{"True", graph.String("True")},
		{"inf", graph.String("inf")},
		{"NaN", graph.String("NaN")},
		{"2024-01-02T03:04:05Z", graph.Timestamp(ts)},
		{`"42"`, graph.String("42")},
		{"Tokyo", graph.String("Tokyo")},
		{"", graph.String("")},
		{`[1, "a", true]`, graph.List(graph.Integer(1), graph.String("a"), graph.Boolean(true))},
		{`{"x": 1.5}`, graph.Map(map[string]graph.Value{"x": graph.Float(1.5)})},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLiteral(tt.in)
			require.NoError(t, err)
			assert.True(t, graph.ValuesEqual(tt.want, got), "want %v got %v", tt.want, got)
		})
	}

	for _, bad := range []string{`[1, 2`, `{"a": null}`, `"unterminated\"`} {
		_, err := parseLiteral(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseAssignments(t *testing.T) {
	props, err := parseAssignments([]string{"name=Alice", "age=30", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, graph.String("Alice"), props["name"])
	assert.Equal(t, graph.Integer(30), props["age"])
	assert.Equal(t, graph.String("a=b"), props["note"])

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=x"})
	assert.Error(t, err)
}

func TestParseCondition(t *testing.T) {
	key, cond, err := parseCondition("city=Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "city", key)
	assert.Equal(t, graph.Equal, cond.Operator)
	assert.Equal(t, graph.String("Tokyo"), cond.Value)

	key, cond, err = parseCondition("age!=30")
	require.NoError(t, err)
	assert.Equal(t, "age", key)
	assert.Equal(t, graph.NotEqual, cond.Operator)
	assert.Equal(t, graph.Integer(30), cond.Value)

	_, _, err = parseCondition("nothing")
	assert.Error(t, err)
}

func TestToJSON(t *testing.T) {
	assert.Equal(t, "NaN", toJSON(graph.Float(math.NaN())))
	assert.Equal(t, "inf", toJSON(graph.Float(math.Inf(1))))
	assert.Equal(t, 1.5, toJSON(graph.Float(1.5)))
	assert.Equal(t, int64(3), toJSON(graph.Integer(3)))
	assert.Equal(t, "2024-01-02T03:04:05Z", toJSON(graph.Timestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))))
	assert.Equal(t, []any{"a", map[string]any{"b": true}},
		toJSON(graph.List(graph.String("a"), graph.Map(map[string]graph.Value{"b": graph.Boolean(true)}))))
}

// cli runs one command line against dataDir and returns stdout.
func cli(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...)
	err := run(context.Background(), full, &out)
	return out.String(), err
}

func mustCLI(t *testing.T, dataDir string, args ...string) string {
	t.Helper()
	out, err := cli(t, dataDir, args...)
	require.NoError(t, err, "graphstore %s", strings.Join(args, " "))
	return out
}

func TestCLI_NodeAndEdgeLifecycle(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, "n1\n", mustCLI(t, dir, "node", "create", "--id", "n1", "-l", "Person", "name=Alice", "age=30"))
	assert.Equal(t, "n2\n", mustCLI(t, dir, "node", "create", "--id", "n2", "-l", "Person", "name=Bob"))
	assert.Equal(t, "e1\n", mustCLI(t, dir, "edge", "create", "--id", "e1", "n1", "n2", "KNOWS", "since=2020"))

	var node map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, dir, "node", "get", "n1")), &node))
	assert.Equal(t, "n1", node["id"])
	assert.Equal(t, []any{"Person"}, node["labels"])
	assert.Equal(t, map[string]any{"name": "Alice", "age": float64(30)}, node["properties"])

	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, dir, "node", "update", "n1", "city=Tokyo", "--unset", "age")), &node))
	assert.Equal(t, map[string]any{"name": "Alice", "city": "Tokyo"}, node["properties"])

	var edges []map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, dir, "edge", "from", "n1")), &edges))
	require.Len(t, edges, 1)
	assert.Equal(t, "e1", edges[0]["id"])
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, dir, "edge", "to", "n2", "-l", "LIKES")), &edges))
	assert.Empty(t, edges)

	var ids []string
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, dir, "query", "-l", "Person", "--where", "city=Tokyo")), &ids))
	assert.Equal(t, []string{"n1"}, ids)
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, dir, "query", "-l", "Person", "-w", "name!=Alice")), &ids))
	assert.Equal(t, []string{"n2"}, ids)

	var stats graph.Stats
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, dir, "stats")), &stats))
	assert.Equal(t, int64(2), stats.NodeCount)
	assert.Equal(t, int64(1), stats.EdgeCount)

	var schema graph.SchemaSnapshot
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, dir, "schema")), &schema))
	assert.Equal(t, graph.TypeInteger, schema.NodeLabels["Person"]["age"])
	assert.Equal(t, graph.TypeInteger, schema.EdgeLabels["KNOWS"]["since"])

	mustCLI(t, dir, "node", "delete", "n2")
	_, err := cli(t, dir, "edge", "get", "e1")
	assert.ErrorIs(t, err, graph.ErrNotFound)
	_, err = cli(t, dir, "node", "get", "n2")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := cli(t, dir, "edge", "create", "a", "b", "LINKS")
	assert.ErrorIs(t, err, graph.ErrDanglingEdge)

	_, err = cli(t, dir, "--allow-dangling-edges", "edge", "create", "a", "b", "LINKS")
	assert.NoError(t, err)

	_, err = cli(t, dir, "--codec", "protobuf", "stats")
	assert.ErrorContains(t, err, "invalid configuration")

	_, err = cli(t, dir, "node", "update", "missing")
	assert.ErrorContains(t, err, "nothing to update")
}

func TestCLI_LoadBackupRestore(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "graph.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(`
{"node": {"id": "a", "labels": ["City"], "properties": {"name": "Oslo", "pop": 700000}}}
{"node": {"id": "b", "labels": ["City"], "properties": {"name": "Bergen"}}}
{"edge": {"id": "r", "from": "a", "to": "b", "label": "ROAD", "properties": {"km": 463.5}}}
`), 0o644))

	assert.Equal(t, "loaded 3 records\n", mustCLI(t, dir, "load", input))

	backup := filepath.Join(t.TempDir(), "graph.bak")
	mustCLI(t, dir, "backup", backup)

	restored := t.TempDir()
	mustCLI(t, restored, "restore", backup)
	var full []map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, restored, "query", "-l", "City", "--full")), &full))
	require.Len(t, full, 2)
	assert.Equal(t, "Oslo", full[0]["properties"].(map[string]any)["name"])

	t.Run("failed load writes nothing", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.jsonl")
		require.NoError(t, os.WriteFile(bad, []byte(`
{"node": {"id": "c", "labels": ["City"]}}
{"edge": {"from": "c", "to": "nowhere", "label": "ROAD"}}
`), 0o644))
		_, err := cli(t, dir, "load", bad)
		assert.ErrorIs(t, err, graph.ErrDanglingEdge)
		_, err = cli(t, dir, "node", "get", "c")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})
}

func TestCLI_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &out))
	assert.Contains(t, out.String(), "graphstore v"+version)
}
